package ability

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"EmuHub/pkg/logger"
)

// Hook 在执行器入队前被调用，可以修改执行器，但不得修改能力本身。
type Hook interface {
	Invoke(ctx context.Context, ab *Ability, ex *Executor) error
}

// HookFunc 让普通函数满足 Hook 接口。
type HookFunc func(ctx context.Context, ab *Ability, ex *Executor) error

// Invoke 实现 Hook。
func (f HookFunc) Invoke(ctx context.Context, ab *Ability, ex *Executor) error {
	return f(ctx, ab, ex)
}

// HookTable 是执行器私有的 key → hook 映射。
//
// 遍历顺序为首次插入顺序。对已存在的 key 再次 Set 会静默覆盖（保留原位置），
// 并记录一条冲突告警。建议插件使用
// "<插件名>:<用途>" 形式的 key。
type HookTable struct {
	mu          sync.RWMutex
	order       []string
	hooks       map[string]Hook
	onCollision func(key string)
}

// NewHookTable 创建空的 hook 表。
func NewHookTable() *HookTable {
	return &HookTable{hooks: make(map[string]Hook)}
}

// Set 插入或覆盖 key 对应的 hook，返回是否覆盖了已有 hook。key 首尾空白会被去除，
// 空 key 或 nil hook 会被忽略并返回 false，需要区分时用 Get 确认。
func (t *HookTable) Set(key string, hook Hook) bool {
	key = strings.TrimSpace(key)
	if key == "" || hook == nil {
		logger.Named("hooks").Warn("忽略无效的 hook 注册",
			slog.String(logger.KeyHookKey, key),
			slog.Bool("nil_hook", hook == nil))
		return false
	}

	t.mu.Lock()
	_, replaced := t.hooks[key]
	if !replaced {
		t.order = append(t.order, key)
	}
	t.hooks[key] = hook
	observer := t.onCollision
	t.mu.Unlock()

	if replaced {
		logger.Named("hooks").Warn("hook key 冲突，后注册者覆盖先注册者",
			slog.String(logger.KeyHookKey, key))
		if observer != nil {
			observer(key)
		}
	}
	return replaced
}

// Get 返回 key 对应的 hook。key 与 Set 一样去除首尾空白。
func (t *HookTable) Get(key string) (Hook, bool) {
	key = strings.TrimSpace(key)
	t.mu.RLock()
	defer t.mu.RUnlock()
	hook, ok := t.hooks[key]
	return hook, ok
}

// Remove 删除 key 对应的 hook，返回是否存在。
func (t *HookTable) Remove(key string) bool {
	key = strings.TrimSpace(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.hooks[key]; !ok {
		return false
	}
	delete(t.hooks, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// Keys 按遍历顺序返回所有 key。
func (t *HookTable) Keys() []string {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.order...)
}

// Len 返回 hook 数量。
func (t *HookTable) Len() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// ForEach 按遍历顺序对快照中的每个 hook 调用 fn。
// fn 内部可以安全地修改 hook 表，修改对本次遍历不可见。
func (t *HookTable) ForEach(fn func(key string, hook Hook)) {
	if t == nil {
		return
	}
	t.mu.RLock()
	keys := append([]string(nil), t.order...)
	snapshot := make([]Hook, len(keys))
	for i, key := range keys {
		snapshot[i] = t.hooks[key]
	}
	t.mu.RUnlock()

	for i, key := range keys {
		fn(key, snapshot[i])
	}
}

func (t *HookTable) setCollisionObserver(fn func(key string)) {
	t.mu.Lock()
	t.onCollision = fn
	t.mu.Unlock()
}
