package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"ToolMind/internal/api"
	"ToolMind/internal/config"
	"ToolMind/internal/observability/metrics"
	"ToolMind/internal/task"
	"ToolMind/pkg/logger"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var addr string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP API 与异步运行处理器",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if addr != "" {
				cfg.Server.Address = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", "", "监听地址，覆盖配置文件中的 server.address")
	return serveCmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	deps, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.close(); err != nil {
			logger.L().Warn("释放资源失败", "error", err)
		}
	}()

	runs, err := deps.buildRuns(ctx)
	if err != nil {
		return err
	}
	service := task.NewService(runs.store, runs.queue, runs.events, cfg.TaskQueue.MaxRetries)
	defer func() {
		if err := service.Close(); err != nil {
			logger.L().Warn("关闭运行服务失败", "error", err)
		}
	}()

	processor := task.NewProcessor(deps.agent, runs.store, runs.events, runs.queue, runs.queue,
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithProcessorLogger(logger.Named("processor")),
		task.WithAlertDispatcher(deps.alerts()),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("运行处理器异常退出", "error", err)
		}
	}()
	defer func() {
		processorCancel()
		<-processorDone
	}()

	if addr := cfg.Server.MetricsAddress; addr != "" {
		go func() {
			if err := metrics.StartServer(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", "address", addr, "error", err)
			}
		}()
	}

	opts := []api.Option{
		api.WithRunService(service),
		api.WithSessionStore(deps.sessions),
		api.WithShutdownTimeout(time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second),
	}
	if deps.db != nil {
		opts = append(opts,
			api.WithUsageReporter(deps.usage),
			api.WithModelConfigStore(deps.models),
			api.WithServerRegistry(deps.servers),
		)
	}
	server := api.NewServer(cfg.Server.Address, deps.agent, opts...)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
