package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"OpenMCP-Orchestrator/internal/api"
	"OpenMCP-Orchestrator/internal/app"
	"OpenMCP-Orchestrator/internal/config"
	"OpenMCP-Orchestrator/pkg/logger"
)

// main 是编排守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("orchestratord 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("OPENMCP_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "orchestrator.yaml")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		NoColor:     cfg.Logging.NoColor,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	application, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.L().Error("释放资源失败", slog.Any("error", err))
		}
	}()
	application.Start(ctx)

	server := api.NewServer(cfg.Server.Address, application.Orchestrator,
		api.WithTools(application.Tools),
		api.WithTasks(application.Tasks),
		api.WithEvents(application.Bus, cfg.Events.Keepalive()),
		api.WithSamples(cfg.Server.Samples),
		api.WithMetrics(application.Metrics, application.Registry),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout()),
	)
	logger.L().Info("orchestratord 启动",
		slog.String("config", configPath),
		slog.String("address", cfg.Server.Address),
	)
	return server.Start(ctx)
}
