package models

import "time"

// Host 主机信息（按 hostname 唯一，upsert 时只覆盖上报的字段）
type Host struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Hostname       string    `gorm:"size:255;uniqueIndex:ux_host_hostname;not null" json:"hostname"`
	OS             *string   `gorm:"size:255" json:"os"`
	Processor      *string   `gorm:"size:255" json:"processor"`
	PhysicalCores  *int64    `json:"physical_cores"`
	LogicalCores   *int64    `json:"logical_cores"`
	RAMTotalGB     *float64  `gorm:"column:ram_total_gb" json:"ram_total_gb"`
	RAMUsedGB      *float64  `gorm:"column:ram_used_gb" json:"ram_used_gb"`
	RAMAvailableGB *float64  `gorm:"column:ram_available_gb" json:"ram_available_gb"`
	DiskTotalGB    *float64  `gorm:"column:disk_total_gb" json:"disk_total_gb"`
	DiskUsedGB     *float64  `gorm:"column:disk_used_gb" json:"disk_used_gb"`
	DiskFreeGB     *float64  `gorm:"column:disk_free_gb" json:"disk_free_gb"`
	LastSeenAt     time.Time `json:"last_seen_at"` // 最近一次收到快照的时间
	CreatedAt      time.Time `json:"created_at"`
}

func (Host) TableName() string {
	return "hosts"
}
