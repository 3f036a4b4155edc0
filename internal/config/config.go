// ============================================================================
// fedqueue Config - YAML 設定檔 + 環境變數覆寫
// ============================================================================
//
// Package: internal/config
// 文件: config.go
//
// 載入順序:
//   1. Defaults() 內建預設值
//   2. YAML 設定檔（預設 configs/default.yaml），時間欄位使用 "5s" 形式
//   3. FEDQUEUE_* 環境變數覆寫（部署時注入密碼、位址）
//   4. Validate() 檢查組合是否合法
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 是所有環境變數覆寫的前綴
const EnvPrefix = "FEDQUEUE_"

// Config represents the complete system configuration structure.
type Config struct {
	App        AppConfig        `yaml:"app" envPrefix:"APP_"`
	Queue      QueueConfig      `yaml:"queue" envPrefix:"QUEUE_"`
	Worker     WorkerConfig     `yaml:"worker" envPrefix:"WORKER_"`
	Retry      RetryConfig      `yaml:"retry" envPrefix:"RETRY_"`
	Delivery   DeliveryConfig   `yaml:"delivery" envPrefix:"DELIVERY_"`
	Resolver   ResolverConfig   `yaml:"resolver" envPrefix:"RESOLVER_"`
	Signature  SignatureConfig  `yaml:"signature" envPrefix:"SIGNATURE_"`
	Keys       []KeyConfig      `yaml:"keys"`
	Media      MediaConfig      `yaml:"media" envPrefix:"MEDIA_"`
	Blob       BlobConfig       `yaml:"blob" envPrefix:"BLOB_"`
	DeadLetter DeadLetterConfig `yaml:"deadletter" envPrefix:"DEADLETTER_"`
	Notify     NotifyConfig     `yaml:"notify" envPrefix:"NOTIFY_"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" envPrefix:"SCHEDULER_"`
	Server     ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Metrics    MetricsConfig    `yaml:"metrics" envPrefix:"METRICS_"`
}

type AppConfig struct {
	Name      string `yaml:"name" env:"NAME"`
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	// ServiceKeyID 用於簽署對外的 GET（actor / outbox 抓取）
	ServiceKeyID string `yaml:"service_key_id" env:"SERVICE_KEY_ID"`
	UserAgent    string `yaml:"user_agent" env:"USER_AGENT"`
}

// QueueConfig selects and configures the broker.
type QueueConfig struct {
	Driver            string        `yaml:"driver" env:"DRIVER"` // memory | redis | lmstfy
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" env:"VISIBILITY_TIMEOUT"`

	Redis struct {
		Addr        string        `yaml:"addr" env:"ADDR"`
		Password    string        `yaml:"password" env:"PASSWORD"`
		DB          int           `yaml:"db" env:"DB"`
		Prefix      string        `yaml:"prefix" env:"PREFIX"`
		OrphanGrace time.Duration `yaml:"orphan_grace" env:"ORPHAN_GRACE"`
	} `yaml:"redis" envPrefix:"REDIS_"`

	Lmstfy struct {
		Host      string `yaml:"host" env:"HOST"`
		Port      int    `yaml:"port" env:"PORT"`
		Namespace string `yaml:"namespace" env:"NAMESPACE"`
		Token     string `yaml:"token" env:"TOKEN"`
		Queue     string `yaml:"queue" env:"QUEUE"`
		Tries     uint16 `yaml:"tries" env:"TRIES"`
		TTL       uint32 `yaml:"ttl_seconds" env:"TTL_SECONDS"`
	} `yaml:"lmstfy" envPrefix:"LMSTFY_"`
}

type WorkerConfig struct {
	WorkerCount   int           `yaml:"worker_count" env:"COUNT"`
	JobTimeout    time.Duration `yaml:"job_timeout" env:"JOB_TIMEOUT"`
	ConsumeWait   time.Duration `yaml:"consume_wait" env:"CONSUME_WAIT"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace" env:"SHUTDOWN_GRACE"` // 關機時等待進行中任務的上限
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelay   time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	Jitter      float64       `yaml:"jitter" env:"JITTER"`
}

type DeliveryConfig struct {
	Timeout          time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxResponseBytes int64         `yaml:"max_response_bytes" env:"MAX_RESPONSE_BYTES"`

	// StaleKeyMinAge：401/403 時，只有快取的 actor 至少這麼舊才會失效重抓
	StaleKeyMinAge time.Duration `yaml:"stale_key_min_age" env:"STALE_KEY_MIN_AGE"`
}

type ResolverConfig struct {
	TTL          time.Duration `yaml:"ttl" env:"TTL"`
	CacheSize    int           `yaml:"cache_size" env:"CACHE_SIZE"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	SnapshotPath string        `yaml:"snapshot_path" env:"SNAPSHOT_PATH"`
}

type SignatureConfig struct {
	ClockSkew time.Duration `yaml:"clock_skew" env:"CLOCK_SKEW"`
}

// KeyConfig maps a local actor key id to its PEM private key file.
type KeyConfig struct {
	KeyID          string `yaml:"key_id"`
	PrivateKeyFile string `yaml:"private_key_file"`
}

type MediaConfig struct {
	AllowedTypes []string      `yaml:"allowed_types" env:"ALLOWED_TYPES"`
	MaxBytes     int64         `yaml:"max_bytes" env:"MAX_BYTES"`
	MaxPixels    int64         `yaml:"max_pixels" env:"MAX_PIXELS"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`
	JPEGQuality  int           `yaml:"jpeg_quality" env:"JPEG_QUALITY"`
	KeyPrefix    string        `yaml:"key_prefix" env:"KEY_PREFIX"`

	Variants []VariantConfig `yaml:"variants"`
}

type VariantConfig struct {
	Name    string `yaml:"name"`
	MaxEdge int    `yaml:"max_edge"`
}

type BlobConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"` // memory | minio

	Minio struct {
		Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
		AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
		SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
		Bucket    string `yaml:"bucket" env:"BUCKET"`
		Region    string `yaml:"region" env:"REGION"`
		UseSSL    bool   `yaml:"use_ssl" env:"USE_SSL"`
	} `yaml:"minio" envPrefix:"MINIO_"`
}

type DeadLetterConfig struct {
	Driver      string `yaml:"driver" env:"DRIVER"` // journal | postgres
	JournalPath string `yaml:"journal_path" env:"JOURNAL_PATH"`
	PostgresDSN string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
}

type NotifyConfig struct {
	Driver  string `yaml:"driver" env:"DRIVER"` // log | redis
	Channel string `yaml:"channel" env:"CHANNEL"`
}

type SchedulerConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	DigestInterval time.Duration `yaml:"digest_interval" env:"DIGEST_INTERVAL"`
	DigestLimit    int           `yaml:"digest_limit" env:"DIGEST_LIMIT"`
	Outboxes       []string      `yaml:"outboxes" env:"OUTBOXES"`

	RefreshInterval time.Duration `yaml:"refresh_interval" env:"REFRESH_INTERVAL"`
	RefreshMinAge   time.Duration `yaml:"refresh_min_age" env:"REFRESH_MIN_AGE"`
	RefreshBatch    int           `yaml:"refresh_batch" env:"REFRESH_BATCH"`
}

type ServerConfig struct {
	GRPCAddr     string `yaml:"grpc_addr" env:"GRPC_ADDR"`
	HTTPAddr     string `yaml:"http_addr" env:"HTTP_ADDR"`
	MaxInboxBody int64  `yaml:"max_inbox_body" env:"MAX_INBOX_BODY"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

// Defaults returns a configuration that runs a single in-process worker with
// no external services.
func Defaults() Config {
	var c Config
	c.App.Name = "fedqueue"
	c.App.LogLevel = "info"
	c.App.LogFormat = "json"
	c.App.UserAgent = "fedqueue/1.0"

	c.Queue.Driver = "memory"
	c.Queue.VisibilityTimeout = 5 * time.Minute
	c.Queue.Redis.Addr = "localhost:6379"
	c.Queue.Redis.Prefix = "fedqueue"
	c.Queue.Redis.OrphanGrace = time.Minute
	c.Queue.Lmstfy.Queue = "fedqueue"
	c.Queue.Lmstfy.Tries = 3
	c.Queue.Lmstfy.Port = 7777

	c.Worker.WorkerCount = 8
	c.Worker.JobTimeout = 2 * time.Minute
	c.Worker.ConsumeWait = 2 * time.Second
	c.Worker.ShutdownGrace = 30 * time.Second

	c.Retry.MaxAttempts = 8
	c.Retry.BaseDelay = 30 * time.Second
	c.Retry.MaxDelay = 6 * time.Hour
	c.Retry.Jitter = 0.2

	c.Delivery.Timeout = 30 * time.Second
	c.Delivery.MaxResponseBytes = 1 << 20

	c.Resolver.TTL = 24 * time.Hour
	c.Resolver.CacheSize = 10000
	c.Resolver.Timeout = 10 * time.Second
	c.Resolver.MaxBodyBytes = 1 << 20

	c.Signature.ClockSkew = 12 * time.Hour

	c.Media.AllowedTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}
	c.Media.MaxBytes = 40 << 20
	c.Media.MaxPixels = 40 << 20
	c.Media.FetchTimeout = 30 * time.Second
	c.Media.JPEGQuality = 85
	c.Media.KeyPrefix = "media"
	c.Media.Variants = []VariantConfig{
		{Name: "small", MaxEdge: 320},
		{Name: "medium", MaxEdge: 960},
		{Name: "large", MaxEdge: 2048},
	}

	c.Blob.Driver = "memory"
	c.Blob.Minio.Bucket = "fedqueue-media"

	c.DeadLetter.Driver = "journal"
	c.DeadLetter.JournalPath = "data/deadletters.log"

	c.Notify.Driver = "log"
	c.Notify.Channel = "fedqueue:events"

	c.Scheduler.Enabled = true
	c.Scheduler.DigestInterval = 15 * time.Minute
	c.Scheduler.DigestLimit = 20
	c.Scheduler.RefreshInterval = time.Hour
	c.Scheduler.RefreshMinAge = 12 * time.Hour
	c.Scheduler.RefreshBatch = 100

	c.Server.GRPCAddr = ":50051"
	c.Server.HTTPAddr = ":8080"
	c.Server.MaxInboxBody = 1 << 20

	c.Metrics.Enabled = true
	return c
}

// Load reads path on top of Defaults, then applies FEDQUEUE_* overrides.
// A missing file is not an error; the defaults and environment still apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks option combinations that would otherwise fail at runtime.
func (c *Config) Validate() error {
	var err error

	switch c.Queue.Driver {
	case "memory", "redis":
	case "lmstfy":
		if c.Queue.Lmstfy.Host == "" || c.Queue.Lmstfy.Namespace == "" {
			err = multierr.Append(err, errors.New("queue.lmstfy: host and namespace are required"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("queue.driver: unknown driver %q", c.Queue.Driver))
	}

	if c.Worker.WorkerCount <= 0 {
		err = multierr.Append(err, errors.New("worker.worker_count must be positive"))
	}
	if c.Worker.JobTimeout <= 0 {
		err = multierr.Append(err, errors.New("worker.job_timeout must be positive"))
	}
	// lease 必須比單一任務的最長執行時間長，否則 broker 會把仍在執行的任務交給另一個 worker
	if c.Queue.VisibilityTimeout > 0 && c.Worker.JobTimeout >= c.Queue.VisibilityTimeout {
		err = multierr.Append(err, fmt.Errorf("worker.job_timeout (%s) must be below queue.visibility_timeout (%s)",
			c.Worker.JobTimeout, c.Queue.VisibilityTimeout))
	}

	if c.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("retry.max_attempts must be positive"))
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		err = multierr.Append(err, errors.New("retry: base_delay must be positive and not above max_delay"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		err = multierr.Append(err, errors.New("retry.jitter must be within [0, 1]"))
	}

	if len(c.Media.Variants) < 3 {
		err = multierr.Append(err, errors.New("media.variants: at least small, medium and large are required"))
	}
	for _, v := range c.Media.Variants {
		if v.Name == "" || v.MaxEdge <= 0 {
			err = multierr.Append(err, fmt.Errorf("media.variants: invalid variant %+v", v))
		}
	}

	switch c.Blob.Driver {
	case "memory":
	case "minio":
		if c.Blob.Minio.Endpoint == "" || c.Blob.Minio.Bucket == "" {
			err = multierr.Append(err, errors.New("blob.minio: endpoint and bucket are required"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("blob.driver: unknown driver %q", c.Blob.Driver))
	}

	switch c.DeadLetter.Driver {
	case "journal":
		if c.DeadLetter.JournalPath == "" {
			err = multierr.Append(err, errors.New("deadletter.journal_path is required"))
		}
	case "postgres":
		if c.DeadLetter.PostgresDSN == "" {
			err = multierr.Append(err, errors.New("deadletter.postgres_dsn is required"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("deadletter.driver: unknown driver %q", c.DeadLetter.Driver))
	}

	switch c.Notify.Driver {
	case "log", "redis":
	default:
		err = multierr.Append(err, fmt.Errorf("notify.driver: unknown driver %q", c.Notify.Driver))
	}

	for i, k := range c.Keys {
		if k.KeyID == "" || k.PrivateKeyFile == "" {
			err = multierr.Append(err, fmt.Errorf("keys[%d]: key_id and private_key_file are required", i))
		}
	}

	return err
}

// UsesRedis reports whether any component needs a redis client.
func (c *Config) UsesRedis() bool {
	return c.Queue.Driver == "redis" || c.Notify.Driver == "redis"
}
