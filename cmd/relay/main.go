package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"relay_bot/internal/app"
	"relay_bot/internal/config"
	"relay_bot/internal/logger"

	"github.com/joho/godotenv"
)

func main() {
	// .env 不存在时直接使用进程环境变量
	_ = godotenv.Load()

	// 初始化logger
	logger.Init()

	cfg, err := config.Load()
	if err != nil {
		logger.L().Fatalf("配置加载失败: %v", err)
	}

	channels, err := config.LoadChannels(cfg.ChannelsFile)
	if err != nil {
		logger.L().Fatalf("频道映射加载失败: %v", err)
	}

	application, err := app.New(cfg, channels)
	if err != nil {
		logger.L().Fatalf("应用初始化失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := application.Run(ctx)
	if runErr != nil {
		logger.L().Errorf("Relay stopped with error: %v", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Close(shutdownCtx); err != nil {
		logger.L().Errorf("Shutdown error: %v", err)
	}
	logger.L().Info("Relay stopped")

	if runErr != nil {
		logger.L().Exit(1)
	}
}
