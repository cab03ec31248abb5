package protocol

// Snapshot 探针上报的一次快照（主机信息 + 进程表）
type Snapshot struct {
	HostDetails  HostDetails   `json:"hostdetails"`
	SnapshotTime string        `json:"snapshot_time"` // 采集时间（ISO-8601）
	Processes    []ProcessData `json:"processes"`
}

// HostDetails 主机信息
type HostDetails struct {
	Hostname       string  `json:"hostname"`
	OS             string  `json:"os"`
	Processor      string  `json:"processor"`
	PhysicalCores  int     `json:"physical_cores"`
	LogicalCores   int     `json:"logical_cores"`
	RAMTotalGB     float64 `json:"ram_total_gb"`
	RAMUsedGB      float64 `json:"ram_used_gb"`
	RAMAvailableGB float64 `json:"ram_available_gb"`
	DiskTotalGB    float64 `json:"disk_total_gb"`
	DiskUsedGB     float64 `json:"disk_used_gb"`
	DiskFreeGB     float64 `json:"disk_free_gb"`
}

// ProcessData 单个进程数据
type ProcessData struct {
	PID        int32   `json:"pid"`
	PPID       int32   `json:"ppid"`
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"` // RSS / 10000
}

// IngestRequest 上报请求体
type IngestRequest struct {
	Payload string `json:"payload"`
}

// Notification 广播通知（只携带 id 与时间，不携带进程数据）
type Notification struct {
	SnapshotID   uint   `json:"snapshot_id"`
	Hostname     string `json:"hostname"`
	SnapshotTime string `json:"snapshot_time"`
}

// ChannelRequest 订阅通道的入站消息
type ChannelRequest struct {
	Action string `json:"action"`
}

// ChannelMessage 订阅通道的出站消息
type ChannelMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

const (
	ActionLatest        = "latest"
	MessageTypeSnapshot = "snapshot"
)
