package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/dushixiang/procmon/internal/service"
	goerrors "github.com/go-errors/errors"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// IngestHandler 快照上报处理器
type IngestHandler struct {
	logger  *zap.Logger
	service *service.IngestService
}

func NewIngestHandler(logger *zap.Logger, service *service.IngestService) *IngestHandler {
	return &IngestHandler{
		logger:  logger,
		service: service,
	}
}

// Ingest 接收探针上报的快照
// POST /ingest/
func (h *IngestHandler) Ingest(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "读取请求体失败",
		})
	}

	result, err := h.service.Ingest(c.Request().Context(), body)
	if err != nil {
		if errors.Is(err, service.ErrBadRequest) {
			h.logger.Debug("rejected ingest request", zap.Error(err))
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
		}

		fields := []zap.Field{zap.Error(err)}
		var stackErr *goerrors.Error
		if errors.As(err, &stackErr) {
			fields = append(fields, zap.String("stack", stackErr.ErrorStack()))
		}
		h.logger.Error("保存快照失败", fields...)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "保存快照失败",
		})
	}

	return c.JSON(http.StatusCreated, result)
}
