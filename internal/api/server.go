package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"EmuHub/internal/auth"
	xerrors "EmuHub/internal/errors"
	"EmuHub/internal/observability/metrics"
	"EmuHub/pkg/logger"
)

// ErrServing 表示服务器已开始监听，路由表不再接受修改。
var ErrServing = xerrors.New(xerrors.CodeRegistrySealed, "server is already serving")

// Server 负责承载核心 REST 接口以及插件注册的路由。
type Server struct {
	addr    string
	mux     *http.ServeMux
	auth    *auth.Service
	authCfg auth.MiddlewareConfig
	metrics *metrics.Metrics
	log     *slog.Logger

	mu      sync.Mutex
	serving bool
	routes  map[string]bool

	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
}

// Option 定义可选配置。
type Option func(*Server)

// WithAuth 为非公开路由配置身份认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithMetrics 为每条路由记录请求指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{
		addr: addr,
		mux:  http.NewServeMux(),
		authCfg: auth.MiddlewareConfig{RequiredPermissions: map[string][]string{
			http.MethodGet:  {auth.PermissionRead},
			http.MethodHead: {auth.PermissionRead},
			"*":             {auth.PermissionWrite},
		}},
		routes:            make(map[string]bool),
		readHeaderTimeout: 5 * time.Second,
		shutdownTimeout:   5 * time.Second,
		log:               logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// AddRoute 注册需要身份认证的路由。服务器开始监听后调用会返回错误。
func (s *Server) AddRoute(method, path string, h http.Handler) error {
	if h == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "handler cannot be nil")
	}
	return s.handle(method, path, s.auth.Middleware(s.authCfg)(h), false)
}

// AddPublicRoute 注册无需身份认证的路由。
func (s *Server) AddPublicRoute(method, path string, h http.Handler) error {
	if h == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "handler cannot be nil")
	}
	return s.handle(method, path, h, true)
}

func (s *Server) handle(method, path string, h http.Handler, public bool) (err error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" || !strings.HasPrefix(path, "/") {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid route %q %q", method, path))
	}
	pattern := method + " " + path

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serving {
		return xerrors.Wrap(xerrors.CodeRegistrySealed, ErrServing, "cannot add route "+pattern)
	}
	if s.routes[pattern] {
		return xerrors.New(xerrors.CodeConflict, "route "+pattern+" already registered")
	}
	// ServeMux 对冲突的模式直接 panic，这里转换为错误返回给插件。
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeConflict, fmt.Sprintf("route %s conflicts: %v", pattern, r))
		}
	}()
	s.mux.Handle(pattern, s.metrics.Middleware(pattern, h))
	s.routes[pattern] = public
	s.log.Debug("route registered", slog.String("route", pattern), slog.Bool("public", public))
	return nil
}

// Routes 返回已注册的路由，按字母序排列。
func (s *Server) Routes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.routes))
	for pattern := range s.routes {
		out = append(out, pattern)
	}
	sort.Strings(out)
	return out
}

// Handler 返回服务器的根处理器，便于测试或嵌入其他服务器。
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serving 报告服务器是否已开始监听。
func (s *Server) Serving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serving
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "监听 "+s.addr+" 失败")
	}
	return s.Serve(ctx, ln)
}

// Serve 在给定 listener 上提供服务。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.serving {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServing
	}
	s.serving = true
	s.mu.Unlock()

	server := &http.Server{
		Handler:           withContext(ctx, s.mux),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("HTTP 服务已启动", slog.String("addr", ln.Addr().String()))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// Router 是 app_svc 服务向插件暴露的路由注册接口。
type Router interface {
	AddRoute(method, path string, h http.Handler) error
	AddPublicRoute(method, path string, h http.Handler) error
}

var _ Router = (*Server)(nil)
