package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"EmuHub/internal/app"
	"EmuHub/internal/config"
	"EmuHub/pkg/logger"
)

// main 是 EmuHub 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("emuhubd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("EMUHUB_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "emuhub.yml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	application, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.L().Error("释放资源失败", "error", err)
		}
	}()

	// 启动失败（重复服务、插件致命错误、能力加载失败）直接退出，不对外提供服务。
	if err := application.Boot(ctx); err != nil {
		return err
	}
	logger.L().Info("emuhubd 已启动", "address", cfg.Server.Address)
	return application.Run(ctx)
}
