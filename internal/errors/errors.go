package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于日志分级和告警。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message  string
	Severity Severity
	// Fatal 表示该错误在启动阶段出现时必须中止启动。
	Fatal bool
	Alert bool
}

const (
	CodeUnknown         Code = "UNKNOWN"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeTimeout         Code = "TIMEOUT"
	CodeStorageFailure  Code = "STORAGE_FAILURE"
	CodeQueueFailure    Code = "QUEUE_FAILURE"

	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"

	// 服务注册表。
	CodeDuplicateService    Code = "DUPLICATE_SERVICE"
	CodeUnknownService      Code = "UNKNOWN_SERVICE"
	CodeServiceTypeMismatch Code = "SERVICE_TYPE_MISMATCH"
	CodeRegistrySealed      Code = "REGISTRY_SEALED"

	// 插件生命周期。
	CodePluginLifecycle Code = "PLUGIN_LIFECYCLE"
	CodeDuplicatePlugin Code = "DUPLICATE_PLUGIN"
	CodeBootOrder       Code = "BOOT_ORDER"

	// Hook 派发。
	CodeHookExecution Code = "HOOK_EXECUTION"
	CodeHookTimeout   Code = "HOOK_TIMEOUT"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Alert: true},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Alert: true},

		CodeDuplicateService:    {Message: "service already registered", Severity: SeverityCritical, Fatal: true},
		CodeUnknownService:      {Message: "unknown service", Severity: SeverityWarning, Fatal: true},
		CodeServiceTypeMismatch: {Message: "service does not implement the requested interface", Severity: SeverityWarning, Fatal: true},
		CodeRegistrySealed:      {Message: "service registry is sealed", Severity: SeverityCritical},

		CodePluginLifecycle: {Message: "plugin lifecycle callback failed", Severity: SeverityWarning, Alert: true},
		CodeDuplicatePlugin: {Message: "plugin name already in use", Severity: SeverityCritical, Fatal: true},
		CodeBootOrder:       {Message: "boot phase called out of order", Severity: SeverityCritical, Fatal: true},

		CodeHookExecution: {Message: "hook execution failed", Severity: SeverityWarning},
		CodeHookTimeout:   {Message: "hook exceeded its time budget", Severity: SeverityWarning, Alert: true},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	fatal    *bool
	severity *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息，例如插件名、hook key 或能力 ID。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithFatal 覆盖错误码默认的致命性。
func WithFatal(fatal bool) Option {
	return func(e *Error) {
		e.fatal = &fatal
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Newf 与 New 相同，但支持格式化消息。
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Fatal 判断该错误是否应当中止启动。
func (e *Error) Fatal() bool {
	if e == nil {
		return false
	}
	if e.fatal != nil {
		return *e.fatal
	}
	return AttributesOf(e.code).Fatal
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误链上第一个统一错误的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// HasCode 判断错误链中是否存在指定错误码。
func HasCode(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.code == code {
			return true
		}
		err = stdErrors.Unwrap(err)
	}
	return false
}

// IsFatal 判断任意 error 是否为致命错误。错误链中任一统一错误标记为致命即视为致命。
func IsFatal(err error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Fatal() {
			return true
		}
		err = stdErrors.Unwrap(err)
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
