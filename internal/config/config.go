package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"EmuHub/internal/auth"
	xerrors "EmuHub/internal/errors"
	"EmuHub/pkg/logger"
	"EmuHub/pkg/plugin"
)

// EnvPrefix 是环境变量覆盖的前缀。层级以双下划线分隔，例如
// EMUHUB_DISPATCH__HOOK_TIMEOUT_SECONDS 对应 dispatch.hook_timeout_seconds。
const EnvPrefix = "EMUHUB_"

// Config 描述了服务在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig         `koanf:"server"`
	Log       logger.Config        `koanf:"log"`
	Plugins   plugin.ManagerConfig `koanf:"plugins"`
	Abilities AbilitiesConfig      `koanf:"abilities"`
	Dispatch  DispatchConfig       `koanf:"dispatch"`
	Queue     QueueConfig          `koanf:"queue"`
	Links     LinksConfig          `koanf:"links"`
	Metrics   MetricsConfig        `koanf:"metrics"`
	Alerting  AlertingConfig       `koanf:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址与认证方式。
type ServerConfig struct {
	Address                string      `koanf:"address"`
	ShutdownTimeoutSeconds int         `koanf:"shutdown_timeout_seconds"`
	Auth                   auth.Config `koanf:"auth"`
}

// AbilitiesConfig 指定能力文件所在目录，按顺序加载。
type AbilitiesConfig struct {
	Dirs []string `koanf:"dirs"`
}

// DispatchConfig 控制 hook 派发。
type DispatchConfig struct {
	HookTimeoutSeconds int `koanf:"hook_timeout_seconds"`
}

// HookTimeout 返回单个 hook 的时间预算。
func (c DispatchConfig) HookTimeout() time.Duration {
	return time.Duration(c.HookTimeoutSeconds) * time.Second
}

// QueueConfig 选择 link 队列的实现。
type QueueConfig struct {
	// Driver 取值 memory、redis 或 rabbitmq。
	Driver   string         `koanf:"driver"`
	Size     int            `koanf:"size"`
	Workers  int            `koanf:"workers"`
	Redis    RedisConfig    `koanf:"redis"`
	RabbitMQ RabbitMQConfig `koanf:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address          string `koanf:"address"`
	Password         string `koanf:"password"`
	DB               int    `koanf:"db"`
	Queue            string `koanf:"queue"`
	BlockWaitSeconds int    `koanf:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string `koanf:"url"`
	Queue    string `koanf:"queue"`
	Prefetch int    `koanf:"prefetch"`
	Durable  bool   `koanf:"durable"`
}

// LinksConfig 选择 link 记录的存储。
type LinksConfig struct {
	// Driver 取值 memory、mysql 或 sqlite。
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

// MetricsConfig 控制 /metrics 的暴露。
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

// AlertingConfig 列出接收告警的 webhook 地址，告警总会写入审计日志。
type AlertingConfig struct {
	Webhooks []string `koanf:"webhooks"`
}

func defaults() map[string]any {
	return map[string]any{
		"server.address":                    ":8888",
		"server.shutdown_timeout_seconds":   5,
		"server.auth.mode":                  string(auth.ModeAPIKey),
		"log.level":                         "info",
		"log.format":                        "json",
		"log.outputs":                       []string{"stdout"},
		"log.audit.max_size_mb":             100,
		"log.audit.max_backups":             7,
		"log.audit.max_age_days":            30,
		"plugins.dir":                       "plugins",
		"plugins.lifecycle_timeout_seconds": int(plugin.DefaultLifecycleTimeout / time.Second),
		"dispatch.hook_timeout_seconds":     5,
		"queue.driver":                      "memory",
		"queue.size":                        256,
		"queue.workers":                     2,
		"links.driver":                      "memory",
		"metrics.enabled":                   true,
	}
}

// Load 依次合并默认值、YAML 配置文件与环境变量。path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	for key, value := range defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "设置默认配置失败")
		}
	}

	baseDir := "."
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析配置文件失败")
		}
		baseDir = filepath.Dir(path)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取环境变量失败")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析配置失败")
	}
	cfg.resolvePaths(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// resolvePaths 将相对路径解析为相对配置文件所在目录。
func (c *Config) resolvePaths(baseDir string) {
	c.Plugins.PluginDir = resolve(baseDir, c.Plugins.PluginDir)
	for i, dir := range c.Abilities.Dirs {
		c.Abilities.Dirs[i] = resolve(baseDir, dir)
	}
	if c.Log.Audit.Path != "" {
		c.Log.Audit.Path = resolve(baseDir, c.Log.Audit.Path)
	}
	if c.Links.Driver == "sqlite" && c.Links.DSN != "" && !strings.HasPrefix(c.Links.DSN, "file:") && c.Links.DSN != ":memory:" {
		c.Links.DSN = resolve(baseDir, c.Links.DSN)
	}
}

func resolve(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

// Validate 检查取值范围。
func (c *Config) Validate() error {
	switch c.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown queue driver %q", c.Queue.Driver))
	}
	switch c.Links.Driver {
	case "memory":
	case "mysql", "sqlite":
		if strings.TrimSpace(c.Links.DSN) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "links.dsn is required for driver "+c.Links.Driver)
		}
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown links driver %q", c.Links.Driver))
	}
	if c.Dispatch.HookTimeoutSeconds <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "dispatch.hook_timeout_seconds must be positive")
	}
	if err := c.Plugins.Validate(); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid plugins section")
	}
	return nil
}
