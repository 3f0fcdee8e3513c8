package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EmuHub/internal/ability"
	"EmuHub/internal/dispatch"
	xerrors "EmuHub/internal/errors"
)

func newWidgetStore(t *testing.T) (*ability.Store, *ability.Executor) {
	t.Helper()
	store := ability.NewStore()
	ex := ability.NewExecutor("sh", "linux", "whoami")
	require.NoError(t, store.Add(&ability.Ability{ID: "widget-0", Name: "Widget", Executors: []*ability.Executor{ex}}))
	return store, ex
}

type failingProducer struct{}

// gateProducer 的第一次 Publish 会阻塞到 release 关闭为止。
type gateProducer struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gateProducer) Publish(ctx context.Context, _ string) error {
	first := false
	g.once.Do(func() { first = true })
	if !first {
		return nil
	}
	close(g.entered)
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gateProducer) Close() error { return nil }

func (failingProducer) Publish(context.Context, string) error { return errors.New("broker down") }
func (failingProducer) Close() error                          { return nil }

func TestServiceQueueSnapshotsHookedExecutor(t *testing.T) {
	ctx := context.Background()
	abilities, ex := newWidgetStore(t)
	ex.Hooks.Set("suffix", ability.HookFunc(func(_ context.Context, _ *ability.Ability, ex *ability.Executor) error {
		ex.Command += " && id"
		ex.Payloads = append(ex.Payloads, "extra.sh")
		return nil
	}))
	ex.Hooks.Set("broken", ability.HookFunc(func(context.Context, *ability.Ability, *ability.Executor) error {
		return errors.New("nope")
	}))

	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	svc := NewService(abilities, dispatch.New(), store, queue)

	link, err := svc.Queue(ctx, "widget-0", Selector{Platform: "linux"})
	require.NoError(t, err)
	assert.Equal(t, "whoami && id", link.Command)
	assert.Equal(t, []string{"extra.sh"}, link.Payloads)
	assert.Equal(t, 1, link.HookFailures)
	assert.Equal(t, StatusQueued, link.Status)
	assert.Equal(t, 1, queue.Len())

	saved, err := svc.Get(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, link.Command, saved.Command)

	// 之后修改执行器不会影响已经入队的快照。
	ex.Payloads[0] = "changed.sh"
	saved, err = svc.Get(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"extra.sh"}, saved.Payloads)
}

func TestServiceQueueErrors(t *testing.T) {
	ctx := context.Background()
	abilities, _ := newWidgetStore(t)
	svc := NewService(abilities, dispatch.New(), NewMemoryStore(), NewMemoryQueue(1))

	_, err := svc.Queue(ctx, "missing", Selector{})
	assert.ErrorIs(t, err, ability.ErrAbilityNotFound)

	_, err = svc.Queue(ctx, "widget-0", Selector{Platform: "windows"})
	assert.ErrorIs(t, err, ability.ErrExecutorNotFound)

	links := NewMemoryStore()
	failing := NewService(abilities, dispatch.New(), links, failingProducer{})
	_, err = failing.Queue(ctx, "widget-0", Selector{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")

	stored, err := links.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, StatusFailed, stored[0].Status, "投递失败的 link 不应停留在 queued")

	_, err = NewService(nil, nil, nil, nil).Queue(ctx, "widget-0", Selector{})
	require.Error(t, err)
}

func TestServiceQueueSerializesPerExecutor(t *testing.T) {
	ctx := context.Background()
	abilities, ex := newWidgetStore(t)

	var inFlight, peak atomic.Int32
	ex.Hooks.Set("slow", ability.HookFunc(func(context.Context, *ability.Ability, *ability.Executor) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}))

	queue := NewMemoryQueue(64)
	svc := NewService(abilities, dispatch.New(), NewMemoryStore(), queue)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Queue(ctx, "widget-0", Selector{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, 8, queue.Len())
}

func TestServiceQueueReleasesSlotBeforePublish(t *testing.T) {
	ctx := context.Background()
	abilities, ex := newWidgetStore(t)
	var hookRuns atomic.Int32
	ex.Hooks.Set("count", ability.HookFunc(func(context.Context, *ability.Ability, *ability.Executor) error {
		hookRuns.Add(1)
		return nil
	}))

	producer := &gateProducer{entered: make(chan struct{}), release: make(chan struct{})}
	svc := NewService(abilities, dispatch.New(), NewMemoryStore(), producer)

	first := make(chan error, 1)
	go func() {
		_, err := svc.Queue(ctx, "widget-0", Selector{})
		first <- err
	}()
	select {
	case <-producer.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first publish never started")
	}

	// 第一次投递仍在阻塞，同一执行器的下一次入队必须能够完成。
	qctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := svc.Queue(qctx, "widget-0", Selector{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), hookRuns.Load())

	close(producer.release)
	assert.NoError(t, <-first)
}

func TestServiceQueueFailsFastWhenMemoryQueueFull(t *testing.T) {
	ctx := context.Background()
	abilities, _ := newWidgetStore(t)
	links := NewMemoryStore()
	queue := NewMemoryQueue(1)
	svc := NewService(abilities, dispatch.New(), links, queue)

	_, err := svc.Queue(ctx, "widget-0", Selector{})
	require.NoError(t, err)

	start := time.Now()
	_, err = svc.Queue(ctx, "widget-0", Selector{})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, CodeLinkPublish))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeQueueFailure))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, queue.Len())

	stored, err := links.List(ctx, 0)
	require.NoError(t, err)
	statuses := map[Status]int{}
	for _, l := range stored {
		statuses[l.Status]++
	}
	assert.Equal(t, map[Status]int{StatusQueued: 1, StatusFailed: 1}, statuses)
}

func TestRelayMarksLinksCollected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	abilities, _ := newWidgetStore(t)
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	svc := NewService(abilities, dispatch.New(), store, queue)

	delivered := make(chan *Link, 4)
	relay := NewRelay(store, queue, WithWorkerCount(2), WithSink(SinkFunc(func(_ context.Context, l *Link) error {
		delivered <- l
		return nil
	})))
	go func() { _ = relay.Start(ctx) }()

	link, err := svc.Queue(ctx, "widget-0", Selector{})
	require.NoError(t, err)

	select {
	case got := <-delivered:
		assert.Equal(t, link.ID, got.ID)
		assert.Equal(t, StatusCollected, got.Status)
	case <-ctx.Done():
		t.Fatal("link was not delivered")
	}

	stored, err := store.Get(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCollected, stored.Status)
}

func TestRelayRequiresConsumer(t *testing.T) {
	err := NewRelay(nil, nil).Start(context.Background())
	require.Error(t, err)
}
