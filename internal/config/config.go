package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	EnvAPIKey      = "AGENT_API_KEY"
	EnvDatabaseDSN = "DATABASE_DSN"

	DatabasePostgres = "postgres"
	DatabaseSQLite   = "sqlite"
)

// AppConfig 应用配置
type AppConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	APIKey    string          `yaml:"apiKey"` // 探针上报使用的共享密钥
	Log       LogConfig       `yaml:"log"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Cache     CacheConfig     `yaml:"cache"`
	Stats     StatsConfig     `yaml:"stats"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Type         string `yaml:"type"` // postgres / sqlite
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
	MaxIdleConns int    `yaml:"maxIdleConns"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // 为空时输出到控制台
	MaxSize    int    `yaml:"maxSize"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAge     int    `yaml:"maxAge"`
	Compress   bool   `yaml:"compress"`
}

// BroadcastConfig 实时推送配置
type BroadcastConfig struct {
	BufferSize int `yaml:"bufferSize"` // 每个订阅者的缓冲大小
}

// CacheConfig 缓存配置
type CacheConfig struct {
	SnapshotTTL time.Duration `yaml:"snapshotTTL"`
}

// StatsConfig 统计日志配置
type StatsConfig struct {
	Interval time.Duration `yaml:"interval"` // 为 0 时不输出
}

// Default 默认配置
func Default() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Addr:            ":8000",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Type:         DatabaseSQLite,
			DSN:          "data/procmon.db",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
		Broadcast: BroadcastConfig{
			BufferSize: 16,
		},
		Cache: CacheConfig{
			SnapshotTTL: 5 * time.Minute,
		},
		Stats: StatsConfig{
			Interval: time.Minute,
		},
	}
}

// Load 读取配置文件（不存在时使用默认值），环境变量覆盖密钥与数据库连接
func Load(fsys afero.Fs, path string) (*AppConfig, error) {
	cfg := Default()

	if path != "" {
		data, err := afero.ReadFile(fsys, path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("解析配置文件失败: %w", err)
			}
		}
	}

	if v := strings.TrimSpace(os.Getenv(EnvAPIKey)); v != "" {
		cfg.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDatabaseDSN)); v != "" {
		cfg.Database.DSN = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *AppConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("apiKey 不能为空（可通过环境变量 %s 设置）", EnvAPIKey)
	}
	switch c.Database.Type {
	case DatabasePostgres, DatabaseSQLite:
	default:
		return fmt.Errorf("不支持的数据库类型: %s", c.Database.Type)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn 不能为空")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr 不能为空")
	}
	return nil
}
