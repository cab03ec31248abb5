package v0_2_0

import (
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SnapshotHostTimeIndex 最新快照与历史分页共用的排序索引
const SnapshotHostTimeIndex = "idx_snapshot_host_time"

// Migrate 为 snapshots 创建 (host_id, snapshot_time DESC, id DESC) 索引
func Migrate(logger *zap.Logger, db *gorm.DB) error {
	logger.Info("开始执行 v0.2.0 版本数据迁移")

	migrator := db.Migrator()
	if migrator == nil {
		logger.Warn("无法获取数据库 migrator，跳过迁移")
		return nil
	}

	if !migrator.HasTable("snapshots") {
		logger.Info("未检测到 snapshots 表，跳过迁移")
		return nil
	}

	if migrator.HasIndex("snapshots", SnapshotHostTimeIndex) {
		logger.Info("索引已存在，跳过迁移", zap.String("index", SnapshotHostTimeIndex))
		return nil
	}

	// postgres 与 sqlite 均支持该语法
	err := db.Exec("CREATE INDEX IF NOT EXISTS " + SnapshotHostTimeIndex +
		" ON snapshots (host_id, snapshot_time DESC, id DESC)").Error
	if err != nil {
		logger.Error("创建索引失败", zap.String("index", SnapshotHostTimeIndex), zap.Error(err))
		return err
	}

	logger.Info("v0.2.0 版本数据迁移完成", zap.String("index", SnapshotHostTimeIndex))
	return nil
}
