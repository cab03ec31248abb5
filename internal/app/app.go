package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dushixiang/procmon/internal/broadcast"
	"github.com/dushixiang/procmon/internal/config"
	"github.com/dushixiang/procmon/internal/handler"
	"github.com/dushixiang/procmon/internal/scheduler"
	"github.com/dushixiang/procmon/internal/service"
	"github.com/dushixiang/procmon/internal/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App 服务端组件
type App struct {
	cfg    *config.AppConfig
	logger *zap.Logger
	db     *gorm.DB

	Hub       *broadcast.Hub
	Snapshots *service.SnapshotService
	Ingest    *service.IngestService
	Channels  *websocket.Manager
	Stats     *scheduler.StatsScheduler
	Echo      *echo.Echo
}

// New 按依赖顺序组装各组件
func New(cfg *config.AppConfig, logger *zap.Logger, db *gorm.DB) *App {
	hub := broadcast.NewHub(logger.Named("hub"), cfg.Broadcast.BufferSize)
	snapshots := service.NewSnapshotService(logger.Named("snapshot"), db, cfg.Cache.SnapshotTTL)
	ingest := service.NewIngestService(logger.Named("ingest"), db, hub)
	channels := websocket.NewManager(logger.Named("channel"), hub, snapshots)
	stats := scheduler.NewStatsScheduler(logger.Named("stats"), ingest, hub, channels, snapshots)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.ErrorHandler(logger)
	e.Use(middleware.Recover())
	e.Use(requestLogger(logger.Named("http")))

	handlers := &handler.Handlers{
		Ingest:  handler.NewIngestHandler(logger, ingest),
		Host:    handler.NewHostHandler(logger, snapshots),
		Channel: handler.NewChannelHandler(logger, channels),
	}
	handlers.Register(e, cfg.APIKey)

	return &App{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		Hub:       hub,
		Snapshots: snapshots,
		Ingest:    ingest,
		Channels:  channels,
		Stats:     stats,
		Echo:      e,
	}
}

// Run 启动服务，ctx 结束后优雅关闭
func (a *App) Run(ctx context.Context) error {
	a.Hub.Start(ctx)
	if err := a.Stats.Start(ctx, a.cfg.Stats.Interval); err != nil {
		return fmt.Errorf("启动统计任务失败: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("服务启动", zap.String("addr", a.cfg.Server.Addr))
		if err := a.Echo.Start(a.cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("收到退出信号，正在关闭...")
	case err, ok := <-errCh:
		if ok {
			runErr = fmt.Errorf("HTTP 服务异常退出: %w", err)
		}
	}

	a.Shutdown()
	return runErr
}

// Shutdown 依次关闭 HTTP 服务、订阅连接、广播与定时任务
func (a *App) Shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Echo.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("HTTP 服务关闭失败", zap.Error(err))
	}
	a.Channels.CloseAll()
	a.Hub.Stop()
	a.Stats.Stop()

	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	a.logger.Info("服务已停止")
}

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency.Round(time.Microsecond)),
				zap.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				logger.Warn("request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			logger.Debug("request", fields...)
			return nil
		},
	})
}
