package collector

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"strings"

	"github.com/dushixiang/procmon/internal/protocol"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

const gb = 1024 * 1024 * 1024

// HostCollector 主机信息采集器
type HostCollector struct {
	diskPath string
}

// NewHostCollector 创建主机信息采集器
func NewHostCollector() *HostCollector {
	diskPath := "/"
	if runtime.GOOS == "windows" {
		diskPath = `C:\`
	}
	return &HostCollector{diskPath: diskPath}
}

// Collect 采集主机信息（每次采集以检测主机名等变化）
func (h *HostCollector) Collect(ctx context.Context) (*protocol.HostDetails, error) {
	hostInfo, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取主机信息失败: %w", err)
	}

	details := &protocol.HostDetails{
		Hostname: hostInfo.Hostname,
		OS:       strings.TrimSpace(osName(hostInfo.OS) + " " + hostInfo.KernelVersion),
	}

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		details.Processor = strings.TrimSpace(infos[0].ModelName)
	} else if err != nil {
		slog.Debug("获取 CPU 型号失败", "error", err)
	}

	if physical, err := cpu.CountsWithContext(ctx, false); err == nil {
		details.PhysicalCores = physical
	}
	if logical, err := cpu.CountsWithContext(ctx, true); err == nil {
		details.LogicalCores = logical
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取内存信息失败: %w", err)
	}
	details.RAMTotalGB = toGB(vm.Total)
	details.RAMUsedGB = toGB(vm.Used)
	details.RAMAvailableGB = toGB(vm.Available)

	usage, err := disk.UsageWithContext(ctx, h.diskPath)
	if err != nil {
		return nil, fmt.Errorf("获取磁盘信息失败: %w", err)
	}
	details.DiskTotalGB = toGB(usage.Total)
	details.DiskUsedGB = toGB(usage.Used)
	details.DiskFreeGB = toGB(usage.Free)

	return details, nil
}

// toGB 字节转换为 GB，保留两位小数
func toGB(bytes uint64) float64 {
	return round2(float64(bytes) / gb)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// osName 与 uname 一致的系统名称，如 linux -> Linux
func osName(goos string) string {
	switch goos {
	case "linux":
		return "Linux"
	case "darwin":
		return "Darwin"
	case "windows":
		return "Windows"
	case "freebsd":
		return "FreeBSD"
	case "":
		return ""
	default:
		return strings.ToUpper(goos[:1]) + goos[1:]
	}
}
