package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/dushixiang/procmon/internal/metric"
	"github.com/dushixiang/procmon/internal/models"
	"github.com/dushixiang/procmon/internal/repo"
	"github.com/go-orz/cache"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DefaultPageSize = 1
	MaxPageSize     = 100
)

var (
	ErrHostNotFound     = errors.New("host not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrPageNotFound     = errors.New("invalid page")
)

// HistoryQuery 历史查询参数，Start/End 为零值时不限制
type HistoryQuery struct {
	Start    time.Time
	End      time.Time
	Page     int
	PageSize int
}

// HistoryResult 历史查询结果
type HistoryResult struct {
	Count       int64
	Page        int
	PageSize    int
	HasNext     bool
	HasPrevious bool
	Results     []metric.SnapshotView
}

// ParseHistoryQuery 解析查询参数：无效的 start/end 忽略，无效的 page_size 使用默认值，无效的 page 返回 ErrPageNotFound
func ParseHistoryQuery(start, end, page, pageSize string) (HistoryQuery, error) {
	query := HistoryQuery{Page: 1, PageSize: DefaultPageSize}

	if start != "" {
		if t, ok := parseTime(start); ok {
			query.Start = t
		}
	}
	if end != "" {
		if t, ok := parseTime(end); ok {
			query.End = t
		}
	}

	if pageSize != "" {
		if size, err := strconv.Atoi(strings.TrimSpace(pageSize)); err == nil && size > 0 {
			query.PageSize = min(size, MaxPageSize)
		}
	}

	if page != "" {
		p, err := strconv.Atoi(strings.TrimSpace(page))
		if err != nil || p < 1 {
			return query, ErrPageNotFound
		}
		query.Page = p
	}
	return query, nil
}

// SnapshotService 快照查询
type SnapshotService struct {
	logger       *zap.Logger
	hostRepo     *repo.HostRepo
	snapshotRepo *repo.SnapshotRepo

	// 快照创建后不可变，按 id 缓存视图
	viewCache cache.Cache[uint, *metric.SnapshotView]
	cacheTTL  time.Duration
}

func NewSnapshotService(logger *zap.Logger, db *gorm.DB, cacheTTL time.Duration) *SnapshotService {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &SnapshotService{
		logger:       logger,
		hostRepo:     repo.NewHostRepo(db),
		snapshotRepo: repo.NewSnapshotRepo(db),
		viewCache:    cache.New[uint, *metric.SnapshotView](time.Minute),
		cacheTTL:     cacheTTL,
	}
}

// GetHost 获取主机信息
func (s *SnapshotService) GetHost(ctx context.Context, hostname string) (*models.Host, error) {
	host, err := s.hostRepo.FindByHostname(ctx, hostname)
	if err != nil {
		return nil, err
	}
	if host == nil {
		return nil, ErrHostNotFound
	}
	return host, nil
}

// GetLatest 获取主机最新的快照
func (s *SnapshotService) GetLatest(ctx context.Context, hostname string) (*metric.SnapshotView, error) {
	host, err := s.GetHost(ctx, hostname)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.snapshotRepo.FindLatestByHostID(ctx, host.ID)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, ErrSnapshotNotFound
	}

	view := metric.NewSnapshotView(snapshot)
	s.viewCache.Set(snapshot.ID, &view, s.cacheTTL)
	return &view, nil
}

// GetSnapshot 根据ID获取快照（优先读取缓存）
func (s *SnapshotService) GetSnapshot(ctx context.Context, id uint) (*metric.SnapshotView, error) {
	if view, ok := s.viewCache.Get(id); ok {
		return view, nil
	}

	snapshot, err := s.snapshotRepo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, ErrSnapshotNotFound
	}

	view := metric.NewSnapshotView(snapshot)
	s.viewCache.Set(id, &view, s.cacheTTL)
	return &view, nil
}

// History 分页查询主机的历史快照（按采集时间倒序）
func (s *SnapshotService) History(ctx context.Context, hostname string, query HistoryQuery) (*HistoryResult, error) {
	host, err := s.GetHost(ctx, hostname)
	if err != nil {
		return nil, err
	}
	if query.Page < 1 {
		return nil, ErrPageNotFound
	}
	if query.PageSize < 1 {
		query.PageSize = DefaultPageSize
	}

	snapshots, total, err := s.snapshotRepo.ListByHostID(ctx, host.ID, query.Start, query.End, query.Page, query.PageSize)
	if err != nil {
		return nil, err
	}

	// 第一页允许为空
	pages := int((total + int64(query.PageSize) - 1) / int64(query.PageSize))
	if pages < 1 {
		pages = 1
	}
	if query.Page > pages {
		return nil, ErrPageNotFound
	}

	results := make([]metric.SnapshotView, 0, len(snapshots))
	for i := range snapshots {
		results = append(results, metric.NewSnapshotView(&snapshots[i]))
	}

	return &HistoryResult{
		Count:       total,
		Page:        query.Page,
		PageSize:    query.PageSize,
		HasNext:     query.Page < pages,
		HasPrevious: query.Page > 1,
		Results:     results,
	}, nil
}

// CountHosts 主机总数
func (s *SnapshotService) CountHosts(ctx context.Context) (int64, error) {
	return s.hostRepo.Count(ctx)
}
