package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dushixiang/procmon/internal/broadcast"
	"github.com/dushixiang/procmon/internal/service"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// IngestStatsSource 上报统计来源
type IngestStatsSource interface {
	Stats() service.IngestStats
}

// HubStatsSource 广播统计来源
type HubStatsSource interface {
	Stats() broadcast.Stats
}

// ChannelCounter 订阅连接数
type ChannelCounter interface {
	Count() int
}

// HostCounter 主机数
type HostCounter interface {
	CountHosts(ctx context.Context) (int64, error)
}

// StatsReport 一次统计结果
type StatsReport struct {
	Ingest      service.IngestStats
	Hub         broadcast.Stats
	Connections int
	Hosts       int64
}

// StatsScheduler 定期输出管道统计
type StatsScheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	ingest   IngestStatsSource
	hub      HubStatsSource
	channels ChannelCounter
	hosts    HostCounter

	last service.IngestStats
}

// NewStatsScheduler 创建统计调度器
func NewStatsScheduler(logger *zap.Logger, ingest IngestStatsSource, hub HubStatsSource, channels ChannelCounter, hosts HostCounter) *StatsScheduler {
	return &StatsScheduler{
		cron:     cron.New(cron.WithSeconds()), // 支持秒级调度
		logger:   logger,
		ingest:   ingest,
		hub:      hub,
		channels: channels,
		hosts:    hosts,
	}
}

// Start 启动调度器，interval 不大于 0 时不启动
func (s *StatsScheduler) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		s.logger.Info("统计日志已关闭")
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	seconds := int(interval.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	// 构建 cron 表达式: @every Ns
	spec := fmt.Sprintf("@every %ds", seconds)

	entryID, err := s.cron.AddFunc(spec, func() {
		s.Report(s.ctx)
	})
	if err != nil {
		return fmt.Errorf("添加 cron 任务失败: %w", err)
	}
	s.entryID = entryID

	s.logger.Info("启动统计调度器", zap.Int("interval", seconds))
	s.cron.Start()
	return nil
}

// Stop 停止调度器
func (s *StatsScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}

	// 停止 cron 调度器
	ctx := s.cron.Stop()
	<-ctx.Done()

	s.logger.Info("统计调度器已停止")
}

// NextRunTime 下次执行时间，未启动时为零值
func (s *StatsScheduler) NextRunTime() time.Time {
	return s.cron.Entry(s.entryID).Next
}

// Report 采集并输出一次统计（包含与上次相比的增量）
func (s *StatsScheduler) Report(ctx context.Context) StatsReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := StatsReport{
		Ingest:      s.ingest.Stats(),
		Hub:         s.hub.Stats(),
		Connections: s.channels.Count(),
	}

	hosts, err := s.hosts.CountHosts(ctx)
	if err != nil {
		s.logger.Warn("统计主机数失败", zap.Error(err))
	} else {
		report.Hosts = hosts
	}

	s.logger.Info("pipeline stats",
		zap.Int64("hosts", report.Hosts),
		zap.Int64("requests", report.Ingest.Requests),
		zap.Int64("snapshots", report.Ingest.Snapshots),
		zap.Int64("snapshotsDelta", report.Ingest.Snapshots-s.last.Snapshots),
		zap.Int64("processes", report.Ingest.Processes),
		zap.Int64("processesDelta", report.Ingest.Processes-s.last.Processes),
		zap.Int64("skippedEntries", report.Ingest.SkippedEntries),
		zap.Int64("droppedProcesses", report.Ingest.DroppedProcesses),
		zap.Int64("rejected", report.Ingest.Rejected),
		zap.Int64("failed", report.Ingest.Failed),
		zap.Int("topics", report.Hub.Topics),
		zap.Int("subscribers", report.Hub.Subscribers),
		zap.Int("connections", report.Connections),
	)

	s.last = report.Ingest
	return report
}
