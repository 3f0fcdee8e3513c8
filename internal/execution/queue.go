package execution

import "context"

// Handler 处理来自消息队列的 link ID。
type Handler func(ctx context.Context, linkID string) error

// Producer 负责向队列投递 link。
type Producer interface {
	Publish(ctx context.Context, linkID string) error
	Close() error
}

// Consumer 负责从队列中消费 link。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// Store 抽象了 link 记录的持久化接口。
type Store interface {
	Save(ctx context.Context, link *Link) error
	Get(ctx context.Context, id string) (*Link, error)
	MarkCollected(ctx context.Context, id string) (*Link, error)
	MarkFailed(ctx context.Context, id string) (*Link, error)
	List(ctx context.Context, limit int) ([]*Link, error)
	Close() error
}
