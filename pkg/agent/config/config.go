package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// DefaultConfigFile 默认配置文件（位于工作目录）
const DefaultConfigFile = "agentconfig.json"

// 环境变量
const (
	EnvEndpoint   = "ENDPOINT"
	EnvAPIKey     = "API_KEY"
	EnvInterval   = "INTERVAL"
	EnvMaxRetries = "MAX_RETRIES"
	EnvTimeout    = "TIMEOUT"
)

// Config 探针配置
type Config struct {
	Path string `mapstructure:"-"`

	Endpoint   string `mapstructure:"endpoint"`
	APIKey     string `mapstructure:"api_key"`
	Interval   int    `mapstructure:"interval"`    // 采集间隔（秒）
	MaxRetries int    `mapstructure:"max_retries"` // 单次上报的最大请求次数（含首次）
	Timeout    int    `mapstructure:"timeout"`     // 单次请求超时（秒）
	WarmUp     int    `mapstructure:"warm_up"`     // CPU 采样预热时间（毫秒）

	Log LogConfig `mapstructure:"log"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// GetInterval 采集间隔
func (c *Config) GetInterval() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// GetTimeout 单次请求超时
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// GetWarmUp CPU 采样预热时间
func (c *Config) GetWarmUp() time.Duration {
	return time.Duration(c.WarmUp) * time.Millisecond
}

// Validate 校验配置
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint 不能为空")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval 必须大于 0: %d", c.Interval)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries 必须大于 0: %d", c.MaxRetries)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout 必须大于 0: %d", c.Timeout)
	}
	if c.WarmUp < 0 {
		return fmt.Errorf("warm_up 不能为负数: %d", c.WarmUp)
	}
	return nil
}

// Loader 配置加载器：环境变量作为默认值，配置文件覆盖环境变量，支持热加载
type Loader struct {
	fs   afero.Fs
	path string
	v    *viper.Viper

	mu       sync.RWMutex
	current  *Config
	watchers []func(*Config)
}

// NewLoader 创建配置加载器，path 为空时使用 DefaultConfigFile
func NewLoader(fs afero.Fs, path string) *Loader {
	if path == "" {
		path = DefaultConfigFile
	}
	v := viper.New()
	v.SetFs(fs)
	v.SetConfigFile(path)
	setDefaults(v)

	return &Loader{
		fs:   fs,
		path: path,
		v:    v,
	}
}

// Load 从本地文件系统加载配置
func Load(path string) (*Config, error) {
	return NewLoader(afero.NewOsFs(), path).Load()
}

// Load 读取配置
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.read()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Current 当前生效的配置
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Path 配置文件路径
func (l *Loader) Path() string {
	return l.path
}

// Watch 监听配置文件变化，变更后的配置校验通过才会生效
func (l *Loader) Watch(fn func(*Config)) {
	l.mu.Lock()
	first := len(l.watchers) == 0
	l.watchers = append(l.watchers, fn)
	l.mu.Unlock()

	if !first {
		return
	}
	l.v.OnConfigChange(l.handleChange)
	l.v.WatchConfig()
}

func (l *Loader) handleChange(e fsnotify.Event) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}

	cfg, err := l.read()
	if err != nil {
		slog.Warn("重新加载配置失败，继续使用旧配置", "file", e.Name, "error", err)
		return
	}

	l.mu.Lock()
	l.current = cfg
	watchers := append([]func(*Config){}, l.watchers...)
	l.mu.Unlock()

	slog.Info("配置已重新加载", "file", e.Name, "endpoint", cfg.Endpoint, "interval", cfg.Interval)
	for _, fn := range watchers {
		fn(cfg)
	}
}

func (l *Loader) read() (*Config, error) {
	exists, err := afero.Exists(l.fs, l.path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if exists {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("配置格式错误: %w", err)
	}
	cfg.Path = l.path
	if abs, err := filepath.Abs(l.path); err == nil {
		cfg.Path = abs
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults 默认值，设置了环境变量时以环境变量为准
func setDefaults(v *viper.Viper) {
	v.SetDefault("endpoint", envOr(EnvEndpoint, "http://127.0.0.1:8000/ingest/"))
	v.SetDefault("api_key", envOr(EnvAPIKey, ""))
	v.SetDefault("interval", envOr(EnvInterval, "5"))
	v.SetDefault("max_retries", envOr(EnvMaxRetries, "5"))
	v.SetDefault("timeout", envOr(EnvTimeout, "10"))
	v.SetDefault("warm_up", 1000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", false)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
