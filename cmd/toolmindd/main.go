package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"ToolMind/internal/config"
	"ToolMind/pkg/logger"
)

// main 是 ToolMind 守护进程的入口。
func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfgPath string
	root := &cobra.Command{
		Use:           "toolmindd",
		Short:         "ToolMind 多智能体任务编排服务",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "配置文件路径 (默认读取 TOOLMIND_CONFIG 或 configs/toolmind.yaml)")
	root.AddCommand(serveCMD(&cfgPath), askCMD(&cfgPath), migrateCMD(&cfgPath))

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "toolmindd 运行失败: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 读取配置并初始化全局日志。
func loadConfig(path string) (*config.Config, error) {
	resolved := config.ResolvePath(path)
	cfg, err := config.Load(resolved, path == "")
	if err != nil {
		return nil, err
	}
	err = logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	logger.L().Info("配置加载完成", "path", resolved, "storage", cfg.Storage.Driver, "queue", cfg.TaskQueue.Driver)
	return cfg, nil
}
