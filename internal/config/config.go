// Package config 載入 calc-pi-dist 的設定：預設值 → YAML 檔案 → 環境變數
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Config 所有元件的設定
type Config struct {
	Store struct {
		Driver           string        `yaml:"driver" env:"STORE_DRIVER"`
		RedisURL         string        `yaml:"redis_url" env:"REDIS_URL"`
		PostgresDSN      string        `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
		KeyPrefix        string        `yaml:"key_prefix" env:"KEY_PREFIX"`
		SnapshotPath     string        `yaml:"snapshot_path" env:"SNAPSHOT_PATH"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval" env:"SNAPSHOT_INTERVAL"`
	} `yaml:"store"`

	Lease struct {
		Duration        time.Duration `yaml:"duration" env:"LEASE_DURATION"`
		ReclaimInterval time.Duration `yaml:"reclaim_interval" env:"RECLAIM_INTERVAL"`
		ReclaimBatch    int           `yaml:"reclaim_batch" env:"RECLAIM_BATCH"`
	} `yaml:"lease"`

	HTTP struct {
		Addr     string `yaml:"addr" env:"HTTP_ADDR"`
		RootPath string `yaml:"root_path" env:"ROOT_PATH"`
	} `yaml:"http"`

	GRPC struct {
		Addr string `yaml:"addr" env:"GRPC_ADDR"`
	} `yaml:"grpc"`

	Metrics struct {
		Enabled bool `yaml:"enabled" env:"METRICS_ENABLED"`
		Port    int  `yaml:"port" env:"METRICS_PORT"`
	} `yaml:"metrics"`

	Worker struct {
		Count   int           `yaml:"count" env:"WORKER_COUNT"`
		Backoff time.Duration `yaml:"backoff" env:"WORKER_BACKOFF"`
		Master  string        `yaml:"master" env:"MASTER_ADDR"`
	} `yaml:"worker"`

	Notifier struct {
		History int `yaml:"history" env:"NOTIFIER_HISTORY"`
		Buffer  int `yaml:"buffer" env:"NOTIFIER_BUFFER"`
	} `yaml:"notifier"`

	Log struct {
		Level  string `yaml:"level" env:"LOG_LEVEL"`
		Format string `yaml:"format" env:"LOG_FORMAT"`
	} `yaml:"log"`
}

// Default 回傳內建預設值
func Default() *Config {
	cfg := &Config{}
	cfg.Store.Driver = DriverMemory
	cfg.Store.RedisURL = "redis://localhost:6379/0"
	cfg.Store.KeyPrefix = "pi"
	cfg.Store.SnapshotInterval = 30 * time.Second
	cfg.Lease.Duration = 10 * time.Second
	cfg.Lease.ReclaimInterval = time.Second
	cfg.Lease.ReclaimBatch = 100
	cfg.HTTP.Addr = ":8099"
	cfg.GRPC.Addr = ":50051"
	cfg.Metrics.Port = 9090
	cfg.Worker.Backoff = time.Second
	cfg.Worker.Master = "localhost:50051"
	cfg.Notifier.History = 50
	cfg.Notifier.Buffer = 64
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Load 讀取設定
//
// 參數：
//   - path: YAML 檔案路徑；空字串表示只用預設值與環境變數
//
// 返回值：
//   - *Config: 已驗證的設定
//   - error: 檔案讀取、解析或驗證失敗
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查設定值是否可用
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url is required for the redis driver"))
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Lease.Duration < time.Second {
		errs = append(errs, fmt.Errorf("lease.duration must be at least 1s, got %s", c.Lease.Duration))
	}
	if c.Lease.ReclaimInterval <= 0 {
		errs = append(errs, errors.New("lease.reclaim_interval must be positive"))
	}
	if c.Lease.ReclaimBatch <= 0 {
		errs = append(errs, errors.New("lease.reclaim_batch must be positive"))
	}
	if c.Worker.Count < 0 {
		errs = append(errs, errors.New("worker.count must not be negative"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel 將 log.level 轉為 slog.Level
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q: %w", c.Log.Level, err)
	}
	return level, nil
}
