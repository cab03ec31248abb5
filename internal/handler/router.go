package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// MaxIngestBodySize 上报请求体大小限制
const MaxIngestBodySize = "64M"

// Handlers 全部 HTTP 处理器
type Handlers struct {
	Ingest  *IngestHandler
	Host    *HostHandler
	Channel *ChannelHandler
}

// Register 注册路由，路径统一补齐末尾的 /
func (h *Handlers) Register(e *echo.Echo, apiKey string) {
	e.Pre(middleware.AddTrailingSlash())

	e.GET("/health/", Health)

	api := e.Group("", AgentAuth(apiKey))
	api.POST("/ingest/", h.Ingest.Ingest, middleware.BodyLimit(MaxIngestBodySize))
	api.GET("/hosts/:hostname/", h.Host.GetHost)
	api.GET("/hosts/:hostname/latest/", h.Host.GetLatest)
	api.GET("/history/:hostname/", h.Host.GetHistory)

	e.GET("/ws/hosts/:hostname/", h.Channel.Subscribe)
}

// Health 健康检查
// GET /health
func Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ErrorHandler 统一输出 {"error": "..."}
func ErrorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		message := http.StatusText(code)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if m, ok := he.Message.(string); ok {
				message = m
			} else {
				message = http.StatusText(code)
			}
		} else {
			logger.Error("unhandled error", zap.String("path", c.Path()), zap.Error(err))
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, map[string]string{"error": message})
		}
		if err != nil {
			logger.Debug("write error response failed", zap.Error(err))
		}
	}
}
