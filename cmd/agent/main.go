package main

import (
	"fmt"
	"os"

	"github.com/dushixiang/procmon/pkg/agent"
	"github.com/dushixiang/procmon/pkg/agent/config"
	agentservice "github.com/dushixiang/procmon/pkg/agent/service"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "procmon-agent",
	Short: "procmon 探针",
	Long:  "按固定间隔采集进程与主机信息，压缩编码后上报到 procmon 服务端。",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "前台运行探针（由服务管理器启动时以服务方式运行）",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newManager()
		if err != nil {
			return err
		}
		return mgr.Run()
	},
}

var actionShort = map[string]string{
	"install":   "安装为系统服务",
	"uninstall": "卸载系统服务",
	"start":     "启动服务",
	"stop":      "停止服务",
	"restart":   "重启服务",
}

// controlCmd 服务控制命令
func controlCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: actionShort[action],
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(m *agentservice.ServiceManager) error {
				if err := m.Control(action); err != nil {
					return err
				}
				fmt.Printf("%s 完成\n", action)
				return nil
			})
		},
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "查看服务状态",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *agentservice.ServiceManager) error {
			status, err := m.Status()
			if err != nil {
				return fmt.Errorf("获取服务状态失败: %w", err)
			}
			fmt.Println(status)
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "查看版本",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(agent.GetVersion())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigFile, "配置文件路径（JSON 或 YAML）")
	rootCmd.AddCommand(runCmd, statusCmd, versionCmd)
	for _, action := range agentservice.Actions() {
		rootCmd.AddCommand(controlCmd(action))
	}
}

func newManager() (*agentservice.ServiceManager, error) {
	loader := config.NewLoader(afero.NewOsFs(), configPath)
	if _, err := loader.Load(); err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	return agentservice.NewServiceManager(loader)
}

func withManager(fn func(m *agentservice.ServiceManager) error) error {
	mgr, err := newManager()
	if err != nil {
		return err
	}
	return fn(mgr)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
