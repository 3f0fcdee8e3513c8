package execution

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "EmuHub/internal/errors"
)

// MemoryStore 以内存方式保存 link 记录。
type MemoryStore struct {
	mu    sync.RWMutex
	links map[string]*Link
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{links: make(map[string]*Link)}
}

// Save 实现 Store 接口。
func (m *MemoryStore) Save(_ context.Context, link *Link) error {
	if err := validateLink(link); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.links[link.ID]; ok {
		return ErrLinkConflict
	}
	now := time.Now().Unix()
	if link.CreatedAt == 0 {
		link.CreatedAt = now
	}
	link.UpdatedAt = now
	m.links[link.ID] = link.clone()
	return nil
}

// Get 返回 link 的副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	link, ok := m.links[id]
	if !ok {
		return nil, ErrLinkNotFound
	}
	return link.clone(), nil
}

// MarkCollected 将 link 标记为已被执行引擎领取。
func (m *MemoryStore) MarkCollected(_ context.Context, id string) (*Link, error) {
	return m.transition(id, StatusCollected)
}

// MarkFailed 将未能投递的 link 标记为失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string) (*Link, error) {
	return m.transition(id, StatusFailed)
}

// 只有 queued 状态的 link 可以迁移。
func (m *MemoryStore) transition(id string, to Status) (*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[id]
	if !ok {
		return nil, ErrLinkNotFound
	}
	if link.Status != StatusQueued {
		return link.clone(), ErrLinkConflict
	}
	link.Status = to
	link.UpdatedAt = time.Now().Unix()
	return link.clone(), nil
}

// List 按创建时间倒序返回最近的 link。
func (m *MemoryStore) List(_ context.Context, limit int) ([]*Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Link, 0, len(m.links))
	for _, link := range m.links {
		results = append(results, link.clone())
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})
	limit = normalizeLimit(limit)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func validateLink(link *Link) error {
	if link == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "link 不能为空")
	}
	if link.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "link ID 不能为空")
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
