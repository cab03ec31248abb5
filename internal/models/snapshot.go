package models

import "time"

// Snapshot 快照（创建后不再修改）
type Snapshot struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	HostID       uint      `gorm:"not null"`
	Host         Host      `gorm:"foreignKey:HostID;constraint:OnDelete:CASCADE"`
	SnapshotTime time.Time `gorm:"not null"` // 采集时间（主机上报）
	CreatedAt    time.Time // 接收时间（服务端）
	Processes    []Process `gorm:"foreignKey:SnapshotID;constraint:OnDelete:CASCADE"`
}

func (Snapshot) TableName() string {
	return "snapshots"
}

// Process 进程记录，随快照批量写入
type Process struct {
	ID         uint    `gorm:"primaryKey;autoIncrement"`
	SnapshotID uint    `gorm:"not null;index"`
	PID        int64   `gorm:"column:pid;index"`
	PPID       int64   `gorm:"column:ppid;index"`
	Name       string  `gorm:"size:512"`
	CPUPercent float64 `gorm:"column:cpu_percent"`
	RSSBytes   int64   `gorm:"column:rss_bytes"`
}

func (Process) TableName() string {
	return "processes"
}
