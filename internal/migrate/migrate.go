package migrate

import (
	"github.com/dushixiang/procmon/internal/migrate/v0_2_0"
	"github.com/dushixiang/procmon/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Run 同步表结构并执行数据迁移
func Run(logger *zap.Logger, db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Host{},
		&models.Snapshot{},
		&models.Process{},
	); err != nil {
		return err
	}
	return v0_2_0.Migrate(logger, db)
}
