package service

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	xerrors "EmuHub/internal/errors"
	"EmuHub/pkg/logger"
)

// 核心服务名称。插件通过这些名称从注册表中查找服务。
const (
	AppService       = "app_svc"
	DataService      = "data_svc"
	DispatchService  = "dispatch_svc"
	ExecutionService = "execution_svc"
	AuthService      = "auth_svc"
	MetricsService   = "metrics_svc"
)

var (
	// ErrDuplicateService 表示同名服务已经注册。
	ErrDuplicateService = xerrors.New(xerrors.CodeDuplicateService, "")
	// ErrUnknownService 表示请求的服务不存在。
	ErrUnknownService = xerrors.New(xerrors.CodeUnknownService, "")
	// ErrRegistrySealed 表示启动结束后仍尝试注册服务。
	ErrRegistrySealed = xerrors.New(xerrors.CodeRegistrySealed, "")
	// ErrTypeMismatch 表示服务未实现调用方期望的接口。
	ErrTypeMismatch = xerrors.New(xerrors.CodeServiceTypeMismatch, "")
)

// Registry 维护服务名到服务实例的映射。
//
// 注册只允许发生在 Seal 之前；Seal 之后注册表只读，Get 返回的实例在进程生命周期内保持不变。
type Registry struct {
	mu       sync.RWMutex
	services map[string]any
	sealed   bool
}

// NewRegistry 构造空的服务注册表。
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]any)}
}

// Register 以 name 注册服务。重复注册返回 DUPLICATE_SERVICE，Seal 之后返回 REGISTRY_SEALED。
func (r *Registry) Register(name string, svc any) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "服务名称不能为空")
	}
	if svc == nil {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "服务 %s 的实例不能为空", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return xerrors.Wrap(xerrors.CodeRegistrySealed, ErrRegistrySealed,
			fmt.Sprintf("注册表已封存，拒绝注册服务 %s", name),
			xerrors.WithMetadata(logger.KeyService, name))
	}
	if _, exists := r.services[name]; exists {
		return xerrors.Wrap(xerrors.CodeDuplicateService, ErrDuplicateService,
			fmt.Sprintf("服务 %s 已注册", name),
			xerrors.WithMetadata(logger.KeyService, name))
	}
	r.services[name] = svc
	logger.Named("service").Debug("服务已注册", slog.String(logger.KeyService, name))
	return nil
}

// Get 返回指定名称的服务。
func (r *Registry) Get(name string) (any, error) {
	r.mu.RLock()
	svc, ok := r.services[name]
	r.mu.RUnlock()
	if !ok {
		return nil, xerrors.Wrap(xerrors.CodeUnknownService, ErrUnknownService,
			fmt.Sprintf("未找到服务 %s", name),
			xerrors.WithMetadata(logger.KeyService, name))
	}
	return svc, nil
}

// Has 判断服务是否存在。
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.services[name]
	return ok
}

// Names 返回按字母排序的服务名称。
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Seal 结束启动阶段，之后的 Register 调用都会失败。
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed 报告注册表是否已封存。
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Lookup 按名称查找服务并断言为 T。
func Lookup[T any](r *Registry, name string) (T, error) {
	var zero T
	if r == nil {
		return zero, xerrors.New(xerrors.CodeInitializationFailure, "服务注册表未初始化")
	}
	raw, err := r.Get(name)
	if err != nil {
		return zero, err
	}
	svc, ok := raw.(T)
	if !ok {
		return zero, xerrors.Wrap(xerrors.CodeServiceTypeMismatch, ErrTypeMismatch,
			fmt.Sprintf("服务 %s 的类型 %T 不满足 %T", name, raw, (*T)(nil)),
			xerrors.WithMetadata(logger.KeyService, name))
	}
	return svc, nil
}
