package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dushixiang/procmon/internal/protocol"
	"github.com/dushixiang/procmon/pkg/agent/collector"
	"github.com/dushixiang/procmon/pkg/agent/config"
	"github.com/dushixiang/procmon/pkg/agent/sender"
)

// 构建时通过 ldflags 注入: -X github.com/dushixiang/procmon/pkg/agent.Version=1.0.0
var Version = "dev"

// GetVersion 探针版本
func GetVersion() string {
	return Version
}

// ErrCycleInProgress 上一轮采集上报尚未结束
var ErrCycleInProgress = errors.New("collection cycle already in progress")

// Sampler 快照采样
type Sampler interface {
	Sample(ctx context.Context) (*protocol.Snapshot, error)
}

// Transmitter 快照上报
type Transmitter interface {
	Send(ctx context.Context, encoded string) bool
}

// Agent 探针：按固定间隔采样、编码并上报
type Agent struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	sampler   Sampler
	newSender func(cfg *config.Config) Transmitter

	// 同一时刻只允许一轮采集上报
	cycle sync.Mutex

	cancelMu sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
}

// New 创建 Agent
func New(cfg *config.Config) *Agent {
	return &Agent{
		cfg:     cfg,
		sampler: collector.NewSampler(cfg.GetWarmUp()),
		newSender: func(cfg *config.Config) Transmitter {
			return sender.New(sender.Options{
				Endpoint:   cfg.Endpoint,
				APIKey:     cfg.APIKey,
				MaxRetries: cfg.MaxRetries,
				Timeout:    cfg.GetTimeout(),
			})
		},
	}
}

// Config 当前配置
func (a *Agent) Config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// ApplyConfig 应用新配置，从下一轮开始生效
func (a *Agent) ApplyConfig(cfg *config.Config) {
	a.cfgMu.Lock()
	a.cfg = cfg
	a.cfgMu.Unlock()
	slog.Info("探针配置已更新", "endpoint", cfg.Endpoint, "interval", cfg.GetInterval(), "max_retries", cfg.MaxRetries)
}

// RunOnce 执行一轮采样、编码与上报，返回是否上报成功。
// 与正在进行的一轮重叠时直接返回 ErrCycleInProgress
func (a *Agent) RunOnce(ctx context.Context) (bool, error) {
	if !a.cycle.TryLock() {
		return false, ErrCycleInProgress
	}
	defer a.cycle.Unlock()

	cfg := a.Config()

	snapshot, err := a.sampler.Sample(ctx)
	if err != nil {
		return false, err
	}
	slog.Info("采集完成", "snapshot_time", snapshot.SnapshotTime, "processes", len(snapshot.Processes))

	encoded, err := protocol.Encode(snapshot)
	if err != nil {
		return false, err
	}

	sent := a.newSender(cfg).Send(ctx, encoded)
	if sent {
		slog.Info("上报成功", "hostname", snapshot.HostDetails.Hostname, "snapshot_time", snapshot.SnapshotTime)
	} else {
		slog.Warn("上报失败，等待下一轮", "hostname", snapshot.HostDetails.Hostname)
	}
	return sent, nil
}

// Start 启动采集循环，直到 ctx 结束或调用 Stop。
// 每轮结束后等待间隔的剩余时间，超时的一轮结束后立即开始下一轮
func (a *Agent) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.cancelMu.Lock()
	a.cancel = cancel
	a.done = done
	a.cancelMu.Unlock()
	defer close(done)
	defer cancel()

	slog.Info("探针已启动", "version", Version, "endpoint", a.Config().Endpoint, "interval", a.Config().GetInterval())

	for {
		started := time.Now()
		if _, err := a.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("本轮采集失败", "error", err)
		}

		wait := a.Config().GetInterval() - time.Since(started)
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("探针循环已退出")
			return nil
		case <-timer.C:
		}
	}
}

// Stop 停止采集循环并等待当前一轮结束
func (a *Agent) Stop() {
	a.cancelMu.Lock()
	cancel, done := a.cancel, a.done
	a.cancelMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
