package agent

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dushixiang/procmon/pkg/agent/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// InitLogger 初始化探针日志并设为默认 logger。
// 配置了日志文件时使用 lumberjack 滚动，否则输出到标准输出
func InitLogger(cfg config.LogConfig) *slog.Logger {
	var writer io.Writer = os.Stdout
	if cfg.File != "" {
		writer = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,    // MB
			MaxBackups: cfg.MaxBackups, // 保留的旧日志文件数
			MaxAge:     cfg.MaxAge,     // 天数
			Compress:   cfg.Compress,
		}
	}

	logger := slog.New(newHandler(writer, parseLevel(cfg.Level)))
	slog.SetDefault(logger)
	return logger
}

func newHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().Format("2006-01-02 15:04:05.000"))
			}
			return a
		},
	})
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
