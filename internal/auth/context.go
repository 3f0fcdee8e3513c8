package auth

import "context"

type ctxKey int

const subjectCtxKey ctxKey = iota

// Anonymous 是认证关闭时记录的调用方名称。
const Anonymous = "anonymous"

func withSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectCtxKey, subject)
}

// SubjectFromContext 返回认证中间件放入请求上下文的 key 主体，未经认证时返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	subject, _ := ctx.Value(subjectCtxKey).(*Subject)
	return subject
}

// CallerName 返回发起请求的 key 名称，用于审计日志。
func CallerName(ctx context.Context) string {
	if subject := SubjectFromContext(ctx); subject != nil && subject.Name != "" {
		return subject.Name
	}
	return Anonymous
}
