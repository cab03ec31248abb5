package repo

import (
	"context"
	"errors"
	"time"

	"github.com/dushixiang/procmon/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProcessBatchSize 进程批量写入的批次大小
const ProcessBatchSize = 500

// SnapshotRepo 快照数据访问层
type SnapshotRepo struct {
	orz.Repository[models.Snapshot, uint]
}

// NewSnapshotRepo 创建仓库
func NewSnapshotRepo(db *gorm.DB) *SnapshotRepo {
	return &SnapshotRepo{
		Repository: orz.NewRepository[models.Snapshot, uint](db),
	}
}

func (r *SnapshotRepo) conn(ctx context.Context) *gorm.DB {
	return r.GetDB(ctx).WithContext(ctx)
}

// Create 创建快照（不级联写入关联数据）
func (r *SnapshotRepo) Create(ctx context.Context, snapshot *models.Snapshot) error {
	return r.conn(ctx).Omit(clause.Associations).Create(snapshot).Error
}

// CreateProcesses 批量写入进程
func (r *SnapshotRepo) CreateProcesses(ctx context.Context, processes []models.Process) error {
	if len(processes) == 0 {
		return nil
	}
	return r.conn(ctx).CreateInBatches(processes, ProcessBatchSize).Error
}

func (r *SnapshotRepo) withDetails(ctx context.Context) *gorm.DB {
	return r.conn(ctx).
		Preload("Host").
		Preload("Processes", func(db *gorm.DB) *gorm.DB {
			return db.Order("id ASC")
		})
}

// FindByID 根据ID获取快照（包含进程），不存在时返回 nil
func (r *SnapshotRepo) FindByID(ctx context.Context, id uint) (*models.Snapshot, error) {
	var snapshot models.Snapshot
	err := r.withDetails(ctx).Where("id = ?", id).First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// FindLatestByHostID 获取主机最新的快照（按采集时间倒序）
func (r *SnapshotRepo) FindLatestByHostID(ctx context.Context, hostID uint) (*models.Snapshot, error) {
	var snapshot models.Snapshot
	err := r.withDetails(ctx).
		Where("host_id = ?", hostID).
		Order("snapshot_time DESC").
		Order("id DESC").
		First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// ListByHostID 分页查询主机的历史快照，start/end 为零值时不限制
func (r *SnapshotRepo) ListByHostID(ctx context.Context, hostID uint, start, end time.Time, page, pageSize int) ([]models.Snapshot, int64, error) {
	var snapshots []models.Snapshot
	var total int64

	query := r.conn(ctx).Model(&models.Snapshot{}).Where("host_id = ?", hostID)
	if !start.IsZero() {
		query = query.Where("snapshot_time >= ?", start)
	}
	if !end.IsZero() {
		query = query.Where("snapshot_time <= ?", end)
	}

	// 统计总数
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	// 分页查询
	offset := (page - 1) * pageSize
	err := query.
		Preload("Host").
		Preload("Processes", func(db *gorm.DB) *gorm.DB {
			return db.Order("id ASC")
		}).
		Order("snapshot_time DESC").
		Order("id DESC").
		Limit(pageSize).
		Offset(offset).
		Find(&snapshots).Error

	return snapshots, total, err
}

// CountProcesses 统计快照下的进程数量
func (r *SnapshotRepo) CountProcesses(ctx context.Context, snapshotID uint) (int64, error) {
	var count int64
	err := r.conn(ctx).Model(&models.Process{}).Where("snapshot_id = ?", snapshotID).Count(&count).Error
	return count, err
}
