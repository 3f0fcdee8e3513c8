package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"EmuHub/pkg/logger"
)

// HeaderKey 是客户端携带 API key 的请求头。
const HeaderKey = "KEY"

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode  Mode
	keys  []apiKey
	audit *slog.Logger
}

type apiKey struct {
	digest  [sha256.Size]byte
	subject Subject
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeAPIKey
	}
	svc := &Service{mode: mode, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeAPIKey:
		seen := make(map[string]struct{}, len(cfg.Keys))
		for _, kc := range cfg.Keys {
			name := strings.TrimSpace(kc.Name)
			if name == "" {
				return nil, errors.New("api key name must be configured")
			}
			if strings.TrimSpace(kc.Key) == "" {
				return nil, fmt.Errorf("api key %s has an empty secret", name)
			}
			if _, dup := seen[name]; dup {
				return nil, fmt.Errorf("api key %s declared twice", name)
			}
			seen[name] = struct{}{}
			svc.keys = append(svc.keys, apiKey{
				digest: sha256.Sum256([]byte(kc.Key)),
				subject: Subject{
					Name:        name,
					Permissions: append([]string(nil), kc.Permissions...),
					Disabled:    kc.Disabled,
				},
			})
		}
		if len(svc.keys) == 0 {
			return nil, errors.New("apikey mode requires at least one key")
		}
		return svc, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 从请求头中解析 API key 并返回对应主体。
func (s *Service) AuthenticateRequest(r *http.Request) (*Subject, error) {
	key := strings.TrimSpace(r.Header.Get(HeaderKey))
	if key == "" {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
			key = strings.TrimSpace(authz[7:])
		}
	}
	return s.Authenticate(key)
}

// Authenticate 校验 API key。比较在所有已配置 key 上以常量时间进行。
func (s *Service) Authenticate(key string) (*Subject, error) {
	if key == "" {
		return nil, ErrMissingKey
	}
	digest := sha256.Sum256([]byte(key))
	var match *apiKey
	for i := range s.keys {
		if subtle.ConstantTimeCompare(digest[:], s.keys[i].digest[:]) == 1 {
			match = &s.keys[i]
		}
	}
	if match == nil {
		return nil, ErrInvalidKey
	}
	subject := match.subject
	subject.Permissions = append([]string(nil), match.subject.Permissions...)
	subject.permissionsSet = nil
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	return &subject, nil
}
