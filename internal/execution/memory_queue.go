package execution

import (
	"context"
	"log/slog"
	"sync"

	xerrors "EmuHub/internal/errors"
	"EmuHub/pkg/logger"
)

// MemoryQueue 使用 channel 承载 link ID，适用于单进程部署与测试。
type MemoryQueue struct {
	ch     chan string
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

// Publish 将 link 投递到队列。队列写满时立即返回 QUEUE_FAILURE。
func (q *MemoryQueue) Publish(ctx context.Context, linkID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "内存队列已关闭")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- linkID:
		return nil
	default:
		return xerrors.New(xerrors.CodeQueueFailure, "内存队列已满",
			xerrors.WithMetadata(logger.KeyLinkID, linkID))
	}
}

// Len 返回尚未被消费的 link 数量。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Consume 启动指定数量的工作协程消费队列中的 link。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case linkID, ok := <-q.ch:
					if !ok {
						return
					}
					if err := handler(ctx, linkID); err != nil {
						logger.L().Warn("处理 link 失败", slog.String(logger.KeyLinkID, linkID), slog.Any("error", err))
					}
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
