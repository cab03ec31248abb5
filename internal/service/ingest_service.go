package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dushixiang/procmon/internal/models"
	"github.com/dushixiang/procmon/internal/protocol"
	"github.com/dushixiang/procmon/internal/repo"
	goerrors "github.com/go-errors/errors"
	"github.com/go-orz/orz"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Publisher 快照通知发布者
type Publisher interface {
	Publish(topic string, msg interface{}) (int, error)
}

// CreatedSnapshot 已创建的快照
type CreatedSnapshot struct {
	SnapshotID   uint      `json:"snapshot_id"`
	Hostname     string    `json:"hostname"`
	SnapshotTime time.Time `json:"-"`
}

// IngestResult 上报结果
type IngestResult struct {
	Created []CreatedSnapshot `json:"created"`
}

// IngestStats 上报统计（自进程启动以来）
type IngestStats struct {
	Requests         int64
	Rejected         int64
	Failed           int64
	Snapshots        int64
	Processes        int64
	SkippedEntries   int64
	DroppedProcesses int64
}

type IngestService struct {
	*orz.Service
	logger       *zap.Logger
	hostRepo     *repo.HostRepo
	snapshotRepo *repo.SnapshotRepo
	validator    *SnapshotValidator
	publisher    Publisher

	requests         atomic.Int64
	rejected         atomic.Int64
	failed           atomic.Int64
	snapshots        atomic.Int64
	processes        atomic.Int64
	skippedEntries   atomic.Int64
	droppedProcesses atomic.Int64
}

func NewIngestService(logger *zap.Logger, db *gorm.DB, publisher Publisher) *IngestService {
	return &IngestService{
		Service:      orz.NewService(db),
		logger:       logger,
		hostRepo:     repo.NewHostRepo(db),
		snapshotRepo: repo.NewSnapshotRepo(db),
		validator:    NewSnapshotValidator(logger),
		publisher:    publisher,
	}
}

// Ingest 解析、校验、持久化（单个事务）并在提交后发布通知
func (s *IngestService) Ingest(ctx context.Context, body []byte) (*IngestResult, error) {
	s.requests.Add(1)

	envelope, err := ParseEnvelope(body)
	if err != nil {
		s.rejected.Add(1)
		return nil, err
	}

	now := time.Now().UTC()
	validated := s.validator.Validate(envelope.Entries, now)
	s.skippedEntries.Add(int64(validated.Skipped))

	result := &IngestResult{Created: make([]CreatedSnapshot, 0, len(validated.Entries))}
	if len(validated.Entries) == 0 {
		return result, nil
	}

	var created []CreatedSnapshot
	var processCount, droppedCount int
	err = s.Transaction(ctx, func(ctx context.Context) error {
		created = created[:0]
		processCount, droppedCount = 0, 0

		for _, entry := range validated.Entries {
			host, err := s.hostRepo.Upsert(ctx, entry.Host, now)
			if err != nil {
				return fmt.Errorf("保存主机 %s 失败: %w", entry.Host.Host.Hostname, err)
			}

			snapshot := models.Snapshot{
				HostID:       host.ID,
				SnapshotTime: entry.SnapshotTime,
				CreatedAt:    now,
			}
			if err := s.snapshotRepo.Create(ctx, &snapshot); err != nil {
				return fmt.Errorf("保存快照失败: %w", err)
			}

			processes := make([]models.Process, len(entry.Processes))
			for i, p := range entry.Processes {
				p.SnapshotID = snapshot.ID
				processes[i] = p
			}
			if err := s.snapshotRepo.CreateProcesses(ctx, processes); err != nil {
				return fmt.Errorf("保存进程失败: %w", err)
			}

			processCount += len(processes)
			droppedCount += entry.Dropped
			created = append(created, CreatedSnapshot{
				SnapshotID:   snapshot.ID,
				Hostname:     host.Hostname,
				SnapshotTime: snapshot.SnapshotTime,
			})
		}
		return nil
	})
	if err != nil {
		s.failed.Add(1)
		return nil, goerrors.Wrap(err, 0)
	}

	s.snapshots.Add(int64(len(created)))
	s.processes.Add(int64(processCount))
	s.droppedProcesses.Add(int64(droppedCount))
	result.Created = append(result.Created, created...)

	s.logger.Info("snapshots ingested",
		zap.String("shape", envelope.Shape.String()),
		zap.Int("created", len(created)),
		zap.Int("skipped", validated.Skipped),
		zap.Int("processes", processCount),
	)

	for _, c := range created {
		s.notify(c)
	}
	return result, nil
}

// notify 发布快照通知，错误与 panic 只记录日志
func (s *IngestService) notify(created CreatedSnapshot) {
	if s.publisher == nil {
		return
	}

	var catcher panics.Catcher
	catcher.Try(func() {
		delivered, err := s.publisher.Publish(created.Hostname, protocol.Notification{
			SnapshotID:   created.SnapshotID,
			Hostname:     created.Hostname,
			SnapshotTime: created.SnapshotTime.Format(time.RFC3339Nano),
		})
		if err != nil {
			s.logger.Warn("发布快照通知失败",
				zap.Uint("snapshotId", created.SnapshotID),
				zap.String("hostname", created.Hostname),
				zap.Error(err))
			return
		}
		s.logger.Debug("snapshot published",
			zap.Uint("snapshotId", created.SnapshotID),
			zap.String("hostname", created.Hostname),
			zap.Int("subscribers", delivered))
	})
	if recovered := catcher.Recovered(); recovered != nil {
		s.logger.Error("发布快照通知时发生 panic",
			zap.Uint("snapshotId", created.SnapshotID),
			zap.String("hostname", created.Hostname),
			zap.Error(recovered.AsError()))
	}
}

// Stats 上报统计
func (s *IngestService) Stats() IngestStats {
	return IngestStats{
		Requests:         s.requests.Load(),
		Rejected:         s.rejected.Load(),
		Failed:           s.failed.Load(),
		Snapshots:        s.snapshots.Load(),
		Processes:        s.processes.Load(),
		SkippedEntries:   s.skippedEntries.Load(),
		DroppedProcesses: s.droppedProcesses.Load(),
	}
}
