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

// HostFields 待合并的主机字段，Columns 为本次上报中出现的列
type HostFields struct {
	Host    models.Host
	Columns []string
}

type HostRepo struct {
	orz.Repository[models.Host, uint]
}

// NewHostRepo 事务中调用时从 ctx 取事务连接
func NewHostRepo(db *gorm.DB) *HostRepo {
	return &HostRepo{
		Repository: orz.NewRepository[models.Host, uint](db),
	}
}

func (r *HostRepo) conn(ctx context.Context) *gorm.DB {
	return r.GetDB(ctx).WithContext(ctx)
}

// Upsert 按 hostname 创建或合并主机信息（只覆盖上报的列，并发时由唯一约束仲裁）
func (r *HostRepo) Upsert(ctx context.Context, fields HostFields, seenAt time.Time) (*models.Host, error) {
	host := fields.Host
	host.ID = 0
	host.LastSeenAt = seenAt

	updates := make([]string, 0, len(fields.Columns)+1)
	for _, column := range fields.Columns {
		if column == "hostname" {
			continue
		}
		updates = append(updates, column)
	}
	updates = append(updates, "last_seen_at")

	err := r.conn(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "hostname"}},
			DoUpdates: clause.AssignmentColumns(updates),
		}).
		Create(&host).Error
	if err != nil {
		return nil, err
	}

	var merged models.Host
	if err := r.conn(ctx).Where("hostname = ?", host.Hostname).First(&merged).Error; err != nil {
		return nil, err
	}
	return &merged, nil
}

// FindByHostname 根据主机名查询，不存在时返回 nil
func (r *HostRepo) FindByHostname(ctx context.Context, hostname string) (*models.Host, error) {
	var host models.Host
	err := r.conn(ctx).Where("hostname = ?", hostname).First(&host).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &host, nil
}

// Count 主机总数
func (r *HostRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.conn(ctx).Model(&models.Host{}).Count(&count).Error
	return count, err
}
