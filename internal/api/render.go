package api

import (
	"encoding/json"
	"io"
	"net/http"

	"EmuHub/internal/ability"
	xerrors "EmuHub/internal/errors"
	"EmuHub/internal/execution"
	"EmuHub/pkg/logger"
)

const maxBodyBytes = 1 << 20

// ErrorBody 是错误响应的 JSON 结构。
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 描述错误码与信息。
type ErrorDetail struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type withStatus struct {
	status int
	body   any
}

// WithStatus 让 JSON 处理函数返回非 200 的成功状态码。
func WithStatus(status int, body any) any {
	return withStatus{status: status, body: body}
}

// JSON 把返回值渲染为 JSON 响应，错误按错误码映射为 HTTP 状态码。
func JSON(fn func(*http.Request) (any, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value, err := fn(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		status := http.StatusOK
		if ws, ok := value.(withStatus); ok {
			status, value = ws.status, ws.body
		}
		writeJSON(w, status, value)
	})
}

// WriteError 写入统一格式的错误响应。
func WriteError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	detail := ErrorDetail{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		detail.Message = e.Message()
		detail.Metadata = e.Metadata()
	}
	if status >= http.StatusInternalServerError {
		logger.Named("api").Error("request failed", "error", err)
	}
	writeJSON(w, status, ErrorBody{Error: detail})
}

// StatusOf 返回错误对应的 HTTP 状态码。
func StatusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, xerrors.CodeUnknownService,
		ability.CodeAbilityNotFound, ability.CodeExecutorNotFound, execution.CodeLinkNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeDuplicateService, xerrors.CodeDuplicatePlugin, execution.CodeLinkConflict:
		return http.StatusConflict
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure, xerrors.CodeQueueFailure, execution.CodeLinkPublish:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Decode 解析 JSON 请求体；空请求体视为零值。
func Decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
