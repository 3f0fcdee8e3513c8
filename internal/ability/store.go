package ability

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	xerrors "EmuHub/internal/errors"
)

// Predicate 判断能力是否满足条件。
type Predicate func(*Ability) bool

// ByPlugin 选择 plugin 标签等于 name 的能力。
func ByPlugin(name string) Predicate {
	return func(ab *Ability) bool { return ab.Plugin == name }
}

// ByTactic 选择战术等于 tactic 的能力。
func ByTactic(tactic string) Predicate {
	return func(ab *Ability) bool { return ab.Tactic == tactic }
}

// HasInfo 选择 additional_info[key] 等于 value 的能力。
func HasInfo(key, value string) Predicate {
	return func(ab *Ability) bool { return ab.Info(key) == value }
}

// StoreOption 定义 Store 的可选配置。
type StoreOption func(*Store)

// WithCollisionObserver 在任一执行器的 hook key 被覆盖时回调 fn。
func WithCollisionObserver(fn func(key string)) StoreOption {
	return func(s *Store) {
		s.onCollision = fn
	}
}

// Store 是按加载顺序保存能力的内存目录，即 data_svc。
type Store struct {
	mu          sync.RWMutex
	order       []string
	abilities   map[string]*Ability
	onCollision func(key string)
}

// NewStore 创建空的能力目录。
func NewStore(opts ...StoreOption) *Store {
	s := &Store{abilities: make(map[string]*Ability)}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Add 校验并保存能力。缺少 ID 时生成 UUID；重复 ID 返回 CONFLICT。
func (s *Store) Add(ab *Ability) error {
	if ab == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "ability cannot be nil")
	}
	id := strings.TrimSpace(ab.ID)
	if id == "" {
		id = uuid.NewString()
	}
	for i, ex := range ab.Executors {
		if ex == nil {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "ability %s executor #%d is empty", id, i)
		}
	}

	// 冲突检查通过之前不修改 ab。
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.abilities[id]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("ability %s already loaded", id))
	}
	ab.ID = id
	if ab.AdditionalInfo == nil {
		ab.AdditionalInfo = map[string]string{}
	}
	for _, ex := range ab.Executors {
		ex.ensureHooks(s.onCollision)
	}
	s.abilities[id] = ab
	s.order = append(s.order, id)
	return nil
}

// Get 返回指定 ID 的能力。
func (s *Store) Get(id string) (*Ability, error) {
	s.mu.RLock()
	ab, ok := s.abilities[id]
	s.mu.RUnlock()
	if !ok {
		return nil, xerrors.Wrap(CodeAbilityNotFound, ErrAbilityNotFound, "ability "+id+" not found")
	}
	return ab, nil
}

// All 按加载顺序返回所有能力。
func (s *Store) All() []*Ability {
	return s.Locate(nil)
}

// Locate 按加载顺序返回满足 pred 的能力；pred 为 nil 时返回全部。
func (s *Store) Locate(pred Predicate) []*Ability {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Ability, 0, len(s.order))
	for _, id := range s.order {
		ab := s.abilities[id]
		if pred == nil || pred(ab) {
			out = append(out, ab)
		}
	}
	return out
}

// ForEachExecutor 对满足 pred 的每个能力的每个执行器调用 fn，插件在 expansion 阶段用它注册 hook。
func (s *Store) ForEachExecutor(pred Predicate, fn func(ab *Ability, ex *Executor)) int {
	count := 0
	for _, ab := range s.Locate(pred) {
		for _, ex := range ab.Executors {
			fn(ab, ex)
			count++
		}
	}
	return count
}

// Len 返回能力数量。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
