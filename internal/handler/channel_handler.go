package handler

import (
	"github.com/dushixiang/procmon/internal/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// ChannelHandler 实时订阅通道
type ChannelHandler struct {
	logger  *zap.Logger
	manager *websocket.Manager
}

func NewChannelHandler(logger *zap.Logger, manager *websocket.Manager) *ChannelHandler {
	return &ChannelHandler{
		logger:  logger,
		manager: manager,
	}
}

// Subscribe 订阅主机的实时快照
// GET /ws/hosts/:hostname/
func (h *ChannelHandler) Subscribe(c echo.Context) error {
	hostname := c.Param("hostname")
	if err := h.manager.Serve(c.Response(), c.Request(), hostname); err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("hostname", hostname), zap.Error(err))
	}
	return nil
}
