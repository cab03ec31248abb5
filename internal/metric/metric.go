package metric

import (
	"time"

	"github.com/dushixiang/procmon/internal/models"
)

// ProcessView 进程数据
type ProcessView struct {
	PID        int64   `json:"pid"`
	PPID       int64   `json:"ppid"`
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   int64   `json:"rss_bytes"`
}

// SnapshotView 快照详情（REST 与订阅通道共用）
type SnapshotView struct {
	ID           uint          `json:"id"`
	Host         string        `json:"host"` // 主机名
	SnapshotTime time.Time     `json:"snapshot_time"`
	Processes    []ProcessView `json:"processes"`
	CreatedAt    time.Time     `json:"created_at"`
}

// HistoryPage 历史快照分页结果
type HistoryPage struct {
	Count    int64          `json:"count"`
	Next     *string        `json:"next"`
	Previous *string        `json:"previous"`
	Results  []SnapshotView `json:"results"`
}

// NewSnapshotView 将快照模型转换为视图
func NewSnapshotView(snapshot *models.Snapshot) SnapshotView {
	processes := make([]ProcessView, 0, len(snapshot.Processes))
	for _, p := range snapshot.Processes {
		processes = append(processes, ProcessView{
			PID:        p.PID,
			PPID:       p.PPID,
			Name:       p.Name,
			CPUPercent: p.CPUPercent,
			RSSBytes:   p.RSSBytes,
		})
	}
	return SnapshotView{
		ID:           snapshot.ID,
		Host:         snapshot.Host.Hostname,
		SnapshotTime: snapshot.SnapshotTime,
		Processes:    processes,
		CreatedAt:    snapshot.CreatedAt,
	}
}
