package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/dushixiang/procmon/internal/metric"
	"github.com/dushixiang/procmon/internal/service"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// HostHandler 主机与快照查询处理器
type HostHandler struct {
	logger  *zap.Logger
	service *service.SnapshotService
}

func NewHostHandler(logger *zap.Logger, service *service.SnapshotService) *HostHandler {
	return &HostHandler{
		logger:  logger,
		service: service,
	}
}

// GetHost 获取主机信息
// GET /hosts/:hostname/
func (h *HostHandler) GetHost(c echo.Context) error {
	host, err := h.service.GetHost(c.Request().Context(), c.Param("hostname"))
	if err != nil {
		return h.queryError(c, err)
	}
	return c.JSON(http.StatusOK, host)
}

// GetLatest 获取主机最新的快照
// GET /hosts/:hostname/latest/
func (h *HostHandler) GetLatest(c echo.Context) error {
	view, err := h.service.GetLatest(c.Request().Context(), c.Param("hostname"))
	if err != nil {
		return h.queryError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// GetHistory 分页获取主机的历史快照
// GET /history/:hostname/?start=&end=&page=&page_size=
func (h *HostHandler) GetHistory(c echo.Context) error {
	query, err := service.ParseHistoryQuery(
		c.QueryParam("start"),
		c.QueryParam("end"),
		c.QueryParam("page"),
		c.QueryParam("page_size"),
	)
	if err != nil {
		return h.queryError(c, err)
	}

	result, err := h.service.History(c.Request().Context(), c.Param("hostname"), query)
	if err != nil {
		return h.queryError(c, err)
	}

	page := metric.HistoryPage{
		Count:   result.Count,
		Results: result.Results,
	}
	if result.HasNext {
		next := pageURL(c, result.Page+1)
		page.Next = &next
	}
	if result.HasPrevious {
		previous := pageURL(c, result.Page-1)
		page.Previous = &previous
	}
	return c.JSON(http.StatusOK, page)
}

func (h *HostHandler) queryError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrHostNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "主机不存在"})
	case errors.Is(err, service.ErrSnapshotNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "暂无快照"})
	case errors.Is(err, service.ErrPageNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "页码无效"})
	default:
		h.logger.Error("查询快照失败", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "查询失败"})
	}
}

// pageURL 当前请求地址替换 page 参数后的绝对地址，第一页不带 page
func pageURL(c echo.Context, page int) string {
	u := *c.Request().URL
	u.Scheme = c.Scheme()
	u.Host = c.Request().Host

	values := u.Query()
	if page <= 1 {
		values.Del("page")
	} else {
		values.Set("page", strconv.Itoa(page))
	}
	u.RawQuery = values.Encode()
	return u.String()
}
