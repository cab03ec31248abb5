package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dushixiang/procmon/pkg/agent"
	"github.com/dushixiang/procmon/pkg/agent/config"
	"github.com/kardianos/service"
)

const (
	ServiceName        = "procmon-agent"
	ServiceDisplayName = "Procmon Agent"
	ServiceDescription = "procmon 进程监控探针 - 采集进程与主机信息并上报到服务端"
)

// program 实现 service.Interface
type program struct {
	loader *config.Loader
	agent  *agent.Agent
	cancel context.CancelFunc
}

// startAgent 启动 Agent 并监听配置变化
func startAgent(ctx context.Context, loader *config.Loader) *agent.Agent {
	a := agent.New(loader.Current())
	loader.Watch(a.ApplyConfig)

	go func() {
		if err := a.Start(ctx); err != nil {
			slog.Warn("探针运行出错", "error", err)
		}
	}()
	return a
}

// Start 启动服务
func (p *program) Start(s service.Service) error {
	agent.InitLogger(p.loader.Current().Log)
	slog.Info("Procmon Agent 服务启动中...", "version", agent.GetVersion())

	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	p.agent = startAgent(ctx, p.loader)
	return nil
}

// Stop 停止服务
func (p *program) Stop(s service.Service) error {
	slog.Info("Procmon Agent 服务停止中...")

	if p.cancel != nil {
		p.cancel()
	}
	if p.agent != nil {
		p.agent.Stop()
	}

	slog.Info("Procmon Agent 服务已停止")
	return nil
}

// ServiceManager 系统服务管理
type ServiceManager struct {
	loader  *config.Loader
	service service.Service
}

// NewServiceManager 创建服务管理器，配置需已加载
func NewServiceManager(loader *config.Loader) (*ServiceManager, error) {
	cfg := loader.Current()
	if cfg == nil {
		return nil, fmt.Errorf("配置未加载")
	}

	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("获取可执行文件路径失败: %w", err)
	}

	s, err := service.New(&program{loader: loader}, &service.Config{
		Name:        ServiceName,
		DisplayName: ServiceDisplayName,
		Description: ServiceDescription,
		Executable:  execPath,
		Arguments:   []string{"run", "--config", cfg.Path},
		Option:      restartPolicy(),
	})
	if err != nil {
		return nil, fmt.Errorf("创建服务失败: %w", err)
	}
	return &ServiceManager{loader: loader, service: s}, nil
}

// restartPolicy 异常退出后自动重启（systemd / Windows SCM / launchd）
func restartPolicy() service.KeyValue {
	return service.KeyValue{
		"Restart":            "always",
		"RestartSec":         "10",
		"StartLimitInterval": "0",
		"KillMode":           "process",
		"OnFailure":          "restart",
		"ResetPeriod":        86400,
		"RestartDelay":       10000,
		"KeepAlive":          true,
		"RunAtLoad":          true,
	}
}

// Actions 支持的服务操作: start, stop, restart, install, uninstall
func Actions() []string {
	return service.ControlAction[:]
}

// Control 执行服务操作，卸载前先尝试停止
func (m *ServiceManager) Control(action string) error {
	if action == "uninstall" {
		_ = m.service.Stop()
	}
	if err := service.Control(m.service, action); err != nil {
		return fmt.Errorf("%s 失败: %w", action, err)
	}
	return nil
}

// Status 查看服务状态
func (m *ServiceManager) Status() (string, error) {
	status, err := m.service.Status()
	if err != nil {
		return "", err
	}
	return StatusText(status), nil
}

// StatusText 服务状态描述
func StatusText(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "运行中 (Running)"
	case service.StatusStopped:
		return "已停止 (Stopped)"
	case service.StatusUnknown:
		return "未知 (Unknown)"
	default:
		return fmt.Sprintf("状态: %d", status)
	}
}

// Run 运行探针：由服务管理器启动时交给 service.Run，否则前台运行直到收到中断信号
func (m *ServiceManager) Run() error {
	if !service.Interactive() {
		return m.service.Run()
	}

	cfg := m.loader.Current()
	agent.InitLogger(cfg.Log)
	slog.Info("配置加载成功",
		"config", cfg.Path,
		"endpoint", cfg.Endpoint,
		"interval", cfg.GetInterval(),
		"max_retries", cfg.MaxRetries)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := startAgent(ctx, m.loader)

	<-ctx.Done()
	slog.Info("收到中断信号，正在关闭...")
	a.Stop()
	slog.Info("探针已停止")
	return nil
}
