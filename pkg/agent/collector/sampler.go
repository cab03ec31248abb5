package collector

import (
	"context"
	"time"

	"github.com/dushixiang/procmon/internal/protocol"
)

// Sampler 组合进程与主机信息，生成一次快照
type Sampler struct {
	processes *ProcessCollector
	host      *HostCollector
	now       func() time.Time
}

// NewSampler 创建采样器
func NewSampler(warmUp time.Duration) *Sampler {
	return &Sampler{
		processes: NewProcessCollector(warmUp),
		host:      NewHostCollector(),
		now:       time.Now,
	}
}

// Sample 采集一次快照，snapshot_time 为采集完成时的 UTC 时间
func (s *Sampler) Sample(ctx context.Context) (*protocol.Snapshot, error) {
	processes, err := s.processes.Collect(ctx)
	if err != nil {
		return nil, err
	}

	details, err := s.host.Collect(ctx)
	if err != nil {
		return nil, err
	}

	return &protocol.Snapshot{
		HostDetails:  *details,
		SnapshotTime: s.now().UTC().Format(time.RFC3339Nano),
		Processes:    processes,
	}, nil
}
