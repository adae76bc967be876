// Package main は cron トリガーを実行するスケジューラープロセスのエントリーポイントです。
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/yourusername/chat-queue/internal/config"
	"github.com/yourusername/chat-queue/internal/logger"
	"github.com/yourusername/chat-queue/internal/queue"
	"github.com/yourusername/chat-queue/internal/scheduler"
	"github.com/yourusername/chat-queue/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	appLogger := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(appLogger)

	shutdownTracer, err := telemetry.InitTracer("chat-queue-scheduler", cfg, appLogger)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer shutdownTracer()

	registry, err := queue.NewFromConfig(cfg, appLogger)
	if err != nil {
		return fmt.Errorf("failed to init queues: %w", err)
	}
	defer func() { _ = registry.Close() }()

	opts := []scheduler.Option{scheduler.WithTimezone(cfg.SchedulerTimezone)}
	if cfg.SchedulerConfig != "" {
		fc, err := scheduler.LoadFileConfig(cfg.SchedulerConfig)
		if err != nil {
			return err
		}
		opts = append(opts, scheduler.WithFileConfig(fc))
		appLogger.Info("scheduler overrides loaded", slog.String("path", cfg.SchedulerConfig))
	}

	sched := scheduler.New(registry, appLogger, opts...)
	if err := sched.Initialize(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	appLogger.Info("shutting down scheduler", slog.String("signal", sig.String()))

	// 発火中のトリガーが終わってからキュー接続を閉じる
	sched.StopAll()
	return registry.Close()
}
