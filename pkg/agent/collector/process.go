package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dushixiang/procmon/internal/protocol"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	// DefaultWarmUp 两次 CPU 采样之间的间隔
	DefaultWarmUp = time.Second
	// RSSScale 上报的 rss_bytes 为 RSS / RSSScale
	RSSScale = 10000
)

// ProcessCollector 进程采集器
type ProcessCollector struct {
	warmUp time.Duration
	wait   func(ctx context.Context, d time.Duration) error
}

// NewProcessCollector 创建进程采集器
func NewProcessCollector(warmUp time.Duration) *ProcessCollector {
	if warmUp < 0 {
		warmUp = DefaultWarmUp
	}
	return &ProcessCollector{
		warmUp: warmUp,
		wait:   sleepContext,
	}
}

// Collect 采集进程列表：第一轮预热 CPU 计数，等待 warmUp 后第二轮读取数据。
// 期间退出或无权限访问的进程直接跳过
func (c *ProcessCollector) Collect(ctx context.Context) ([]protocol.ProcessData, error) {
	primed, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取进程列表失败: %w", err)
	}

	warm := make(map[int32]*process.Process, len(primed))
	for _, p := range primed {
		if _, err := p.PercentWithContext(ctx, 0); err != nil {
			continue
		}
		warm[p.Pid] = p
	}

	if err := c.wait(ctx, c.warmUp); err != nil {
		return nil, err
	}

	current, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取进程列表失败: %w", err)
	}

	result := make([]protocol.ProcessData, 0, len(current))
	skipped := 0
	for _, p := range current {
		// 复用第一轮的对象，CPU 使用率按两轮之间的差值计算
		if w, ok := warm[p.Pid]; ok {
			p = w
		}
		data, err := readProcess(ctx, p)
		if err != nil {
			skipped++
			continue
		}
		result = append(result, data)
	}

	if skipped > 0 {
		slog.Debug("部分进程已退出或无权限访问", "skipped", skipped)
	}
	return result, nil
}

func readProcess(ctx context.Context, p *process.Process) (protocol.ProcessData, error) {
	cpuPercent, err := p.PercentWithContext(ctx, 0)
	if err != nil {
		return protocol.ProcessData{}, err
	}
	ppid, err := p.PpidWithContext(ctx)
	if err != nil {
		return protocol.ProcessData{}, err
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return protocol.ProcessData{}, err
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return protocol.ProcessData{}, err
	}

	return protocol.ProcessData{
		PID:        p.Pid,
		PPID:       ppid,
		Name:       name,
		CPUPercent: cpuPercent,
		RSSBytes:   mem.RSS / RSSScale,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
