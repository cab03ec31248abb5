package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dushixiang/procmon/internal/app"
	"github.com/dushixiang/procmon/internal/config"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// 构建时通过 ldflags 注入: -X main.version=1.0.0
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "procmon-server",
	Short:   "procmon 服务端",
	Long:    "接收探针上报的进程快照，持久化并实时推送给订阅的客户端。",
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动服务",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(configPath)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "配置文件路径")
	rootCmd.AddCommand(serveCmd)
}

func serve(path string) error {
	cfg, err := config.Load(afero.NewOsFs(), path)
	if err != nil {
		return err
	}

	logger := app.NewLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	db, err := app.OpenDatabase(logger, cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("procmon 服务端启动中", zap.String("version", version), zap.String("config", path))
	return app.New(cfg, logger, db).Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
