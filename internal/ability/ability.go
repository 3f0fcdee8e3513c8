package ability

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	xerrors "EmuHub/internal/errors"
)

const (
	CodeAbilityNotFound  xerrors.Code = "ABILITY_NOT_FOUND"
	CodeAbilityLoad      xerrors.Code = "ABILITY_LOAD"
	CodeExecutorNotFound xerrors.Code = "EXECUTOR_NOT_FOUND"
)

var (
	// ErrAbilityNotFound 表示指定的能力不存在。
	ErrAbilityNotFound = xerrors.New(CodeAbilityNotFound, "ability not found")
	// ErrExecutorNotFound 表示能力下没有匹配的执行器。
	ErrExecutorNotFound = xerrors.New(CodeExecutorNotFound, "executor not found")
)

func init() {
	xerrors.Register(CodeAbilityNotFound, xerrors.Attributes{
		Message:  "ability not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAbilityLoad, xerrors.Attributes{
		Message:  "failed to load ability definitions",
		Severity: xerrors.SeverityCritical,
		Fatal:    true,
		Alert:    true,
	})
	xerrors.Register(CodeExecutorNotFound, xerrors.Attributes{
		Message:  "executor not found",
		Severity: xerrors.SeverityInfo,
	})
}

// Ability 描述服务端可以执行的一项能力。加载完成后除执行器外不可修改。
type Ability struct {
	ID             string            `yaml:"id" json:"ability_id"`
	Name           string            `yaml:"name" json:"name"`
	Description    string            `yaml:"description" json:"description,omitempty"`
	Tactic         string            `yaml:"tactic" json:"tactic,omitempty"`
	Technique      string            `yaml:"technique" json:"technique,omitempty"`
	Plugin         string            `yaml:"plugin" json:"plugin,omitempty"`
	AdditionalInfo map[string]string `yaml:"additional_info" json:"additional_info,omitempty"`
	Executors      []*Executor       `yaml:"executors" json:"executors"`
}

// Info 返回 additional_info 中 key 对应的值。
func (a *Ability) Info(key string) string {
	if a == nil || a.AdditionalInfo == nil {
		return ""
	}
	return a.AdditionalInfo[key]
}

// FindExecutor 按名称与平台查找执行器，空字符串表示不限制。
func (a *Ability) FindExecutor(name, platform string) (*Executor, error) {
	if a == nil {
		return nil, ErrAbilityNotFound
	}
	for _, ex := range a.Executors {
		if name != "" && ex.Name != name {
			continue
		}
		if platform != "" && ex.Platform != platform {
			continue
		}
		return ex, nil
	}
	return nil, xerrors.Wrap(CodeExecutorNotFound, ErrExecutorNotFound,
		"ability "+a.ID+" has no executor matching "+name+"/"+platform)
}

// Executor 描述在特定平台上运行能力的方式。
//
// Command、Payloads、Cleanup 与 Timeout 可以被 hook 修改，读写都经过 mu；
// 并发读取应通过 WorkingCopy。Hooks 由所属执行器独占。
type Executor struct {
	Name     string   `yaml:"name" json:"name"`
	Platform string   `yaml:"platform" json:"platform"`
	Command  string   `yaml:"command" json:"command"`
	Payloads []string `yaml:"payloads" json:"payloads,omitempty"`
	Cleanup  []string `yaml:"cleanup" json:"cleanup,omitempty"`
	Timeout  int      `yaml:"timeout" json:"timeout,omitempty"`

	Hooks *HookTable `yaml:"-" json:"-"`

	mu       sync.RWMutex
	slotOnce sync.Once
	slot     chan struct{}
}

// NewExecutor 构造带有空 hook 表的执行器。
func NewExecutor(name, platform, command string, payloads ...string) *Executor {
	return &Executor{
		Name:     name,
		Platform: platform,
		Command:  command,
		Payloads: payloads,
		Hooks:    NewHookTable(),
	}
}

// WorkingCopy 返回可变字段的独立副本，hook 在副本上修改，成功后再通过 Apply 提交。
func (e *Executor) WorkingCopy() *Executor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return &Executor{
		Name:     e.Name,
		Platform: e.Platform,
		Command:  e.Command,
		Payloads: slices.Clone(e.Payloads),
		Cleanup:  slices.Clone(e.Cleanup),
		Timeout:  e.Timeout,
		Hooks:    e.Hooks,
	}
}

// Apply 将工作副本中的可变字段写回执行器。Name 与 Platform 视为身份信息，不会被覆盖。
func (e *Executor) Apply(draft *Executor) {
	if draft == nil || draft == e {
		return
	}
	cur := draft.WorkingCopy()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Command = cur.Command
	e.Payloads = cur.Payloads
	e.Cleanup = cur.Cleanup
	e.Timeout = cur.Timeout
}

type executorJSON struct {
	Name     string   `json:"name"`
	Platform string   `json:"platform"`
	Command  string   `json:"command"`
	Payloads []string `json:"payloads,omitempty"`
	Cleanup  []string `json:"cleanup,omitempty"`
	Timeout  int      `json:"timeout,omitempty"`
}

// MarshalJSON 在读锁下编码执行器，可以与正在提交 hook 结果的派发并发调用。
func (e *Executor) MarshalJSON() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return json.Marshal(executorJSON{
		Name:     e.Name,
		Platform: e.Platform,
		Command:  e.Command,
		Payloads: e.Payloads,
		Cleanup:  e.Cleanup,
		Timeout:  e.Timeout,
	})
}

// Acquire 占用执行器的派发槽位，保证同一执行器同时只有一次派发在进行。
func (e *Executor) Acquire(ctx context.Context) error {
	e.slotOnce.Do(func() { e.slot = make(chan struct{}, 1) })
	select {
	case <-ctx.Done():
		return ctx.Err()
	case e.slot <- struct{}{}:
		return nil
	}
}

// Release 释放 Acquire 占用的槽位。
func (e *Executor) Release() {
	select {
	case <-e.slot:
	default:
	}
}

// HasPayload 判断执行器是否已经带有指定的载荷，便于 hook 保持幂等。
func (e *Executor) HasPayload(ref string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Contains(e.Payloads, ref)
}

func (e *Executor) ensureHooks(onCollision func(key string)) {
	if e.Hooks == nil {
		e.Hooks = NewHookTable()
	}
	if onCollision != nil {
		e.Hooks.setCollisionObserver(onCollision)
	}
}
