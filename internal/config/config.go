// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/article-batch-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/article-batch-orchestrator/internal/extraction/httpclient"
	leaseredis "github.com/JakeFAU/article-batch-orchestrator/internal/lease/redis"
	"github.com/JakeFAU/article-batch-orchestrator/internal/logging"
	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/article-batch-orchestrator/internal/policy/ratelimit"
	pushsqs "github.com/JakeFAU/article-batch-orchestrator/internal/push/sqs"
	"github.com/JakeFAU/article-batch-orchestrator/internal/render/pdf"
	"github.com/JakeFAU/article-batch-orchestrator/internal/storage/gcs"
	"github.com/JakeFAU/article-batch-orchestrator/internal/storage/local"
	"github.com/JakeFAU/article-batch-orchestrator/internal/storage/postgres"
	s3store "github.com/JakeFAU/article-batch-orchestrator/internal/storage/s3"
	"github.com/JakeFAU/article-batch-orchestrator/internal/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. ORCHESTRATOR_SERVER_PORT.
const EnvPrefix = "ORCHESTRATOR"

// Backend names accepted by the selector keys.
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendS3       = "s3"
	BackendPubSub   = "pubsub"
	BackendSQS      = "sqs"
	BackendRedis    = "redis"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig             `mapstructure:"server"`
	Logging    logging.Config           `mapstructure:"logging"`
	Scheduler  SchedulerConfig          `mapstructure:"scheduler"`
	Dispatcher DispatcherConfig         `mapstructure:"dispatcher"`
	Barrier    BarrierConfig            `mapstructure:"barrier"`
	Retry      orchestrator.RetryConfig `mapstructure:"retry"`
	Extraction httpclient.Config        `mapstructure:"extraction"`
	RateLimit  ratelimit.Config         `mapstructure:"ratelimit"`
	Assembler  AssemblerConfig          `mapstructure:"assembler"`
	Store      StoreConfig              `mapstructure:"store"`
	Storage    StorageConfig            `mapstructure:"storage"`
	Notify     NotifyConfig             `mapstructure:"notify"`
	Push       PushConfig               `mapstructure:"push"`
	Redis      leaseredis.Config        `mapstructure:"redis"`
	Telemetry  telemetry.Config         `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int    `mapstructure:"port"`
	APIKey                 string `mapstructure:"api_key"`
	RequestTimeoutSeconds  int    `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
}

// SchedulerConfig sets tick cadence and the tick lease.
type SchedulerConfig struct {
	FastIntervalSeconds int    `mapstructure:"fast_interval_seconds"`
	SlowIntervalSeconds int    `mapstructure:"slow_interval_seconds"`
	Lease               string `mapstructure:"lease"`
	LeaseTTLSeconds     int    `mapstructure:"lease_ttl_seconds"`
}

// DispatcherConfig adds the reconciler's fetch timeout to the dispatcher knobs.
type DispatcherConfig struct {
	dispatcher.Config `mapstructure:",squash"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
}

// BarrierConfig bounds one barrier scan.
type BarrierConfig struct {
	BatchLimit int `mapstructure:"batch_limit"`
}

// AssemblerConfig groups assembly and rendering settings.
type AssemblerConfig struct {
	ArtifactRoot      string        `mapstructure:"artifact_root"`
	EventTopic        string        `mapstructure:"event_topic"`
	PublishTimeout    time.Duration `mapstructure:"publish_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	FinalizeBatchSize int           `mapstructure:"finalize_batch_size"`
	Render            pdf.Config    `mapstructure:"render"`
}

// StoreConfig selects the task and result store.
type StoreConfig struct {
	Backend  string          `mapstructure:"backend"`
	Postgres postgres.Config `mapstructure:"postgres"`
	SQLite   SQLiteConfig    `mapstructure:"sqlite"`
}

// SQLiteConfig points at the database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// StorageConfig selects the artifact blob store.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Local   local.Config `mapstructure:"local"`
	GCS     gcs.Config   `mapstructure:"gcs"`
	S3      S3Config     `mapstructure:"s3"`
}

// S3Config adds client settings to the S3 blob store config.
type S3Config struct {
	s3store.Config `mapstructure:",squash"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
}

// NotifyConfig selects where "artifact published" events go.
type NotifyConfig struct {
	Backend string       `mapstructure:"backend"`
	PubSub  PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig names a Pub/Sub project and topic or subscription.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

// PushConfig selects the inbound completion queue.
type PushConfig struct {
	Backend string        `mapstructure:"backend"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	SQS     SQSPushConfig `mapstructure:"sqs"`
}

// SQSPushConfig adds client settings to the SQS consumer config.
type SQSPushConfig struct {
	pushsqs.Config `mapstructure:",squash"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.shutdown_timeout_seconds", 30)

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("scheduler.fast_interval_seconds", 10)
	v.SetDefault("scheduler.slow_interval_seconds", 90)
	v.SetDefault("scheduler.lease", BackendLocal)
	v.SetDefault("scheduler.lease_ttl_seconds", 0)

	v.SetDefault("dispatcher.submit_batch_size", 50)
	v.SetDefault("dispatcher.probe_batch_size", 100)
	v.SetDefault("dispatcher.requeue_batch_size", 50)
	v.SetDefault("dispatcher.submit_timeout", "15s")
	v.SetDefault("dispatcher.write_timeout", "10s")
	v.SetDefault("dispatcher.fetch_timeout", "15s")

	v.SetDefault("barrier.batch_limit", 200)

	v.SetDefault("retry.base_delay", "10s")
	v.SetDefault("retry.max_delay", "15m")
	v.SetDefault("retry.requeue_max", 0)
	v.SetDefault("retry.requeue_after", "5m")

	v.SetDefault("extraction.base_url", "http://localhost:8081")
	v.SetDefault("extraction.client_id", "article-batch-orchestrator")
	v.SetDefault("extraction.listening_attribute", "batches")
	v.SetDefault("extraction.timeout", "15s")
	v.SetDefault("extraction.rps", 20)
	v.SetDefault("extraction.burst", 20)
	v.SetDefault("extraction.user_agent", "article-batch-orchestrator/0.1")

	v.SetDefault("ratelimit.rps", 2)
	v.SetDefault("ratelimit.burst", 4)

	v.SetDefault("assembler.artifact_root", "pdfs")
	v.SetDefault("assembler.event_topic", "artifact.published")
	v.SetDefault("assembler.publish_timeout", "1m")
	v.SetDefault("assembler.write_timeout", "10s")
	v.SetDefault("assembler.finalize_batch_size", 20)
	v.SetDefault("assembler.render.compress", true)
	v.SetDefault("assembler.render.font_size", 11)
	v.SetDefault("assembler.render.embed_images", true)
	v.SetDefault("assembler.render.image_timeout", "10s")
	v.SetDefault("assembler.render.max_image_bytes", 5<<20)

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.postgres.min_conns", 0)
	v.SetDefault("store.postgres.max_conn_lifetime", "30m")
	v.SetDefault("store.sqlite.path", "data/orchestrator.db")

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.local.base_dir", "artifacts")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.public_base_url", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.public_base_url", "")
	v.SetDefault("storage.s3.use_path_style", false)
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.endpoint", "")

	v.SetDefault("notify.backend", BackendNone)
	v.SetDefault("notify.pubsub.project_id", "")
	v.SetDefault("notify.pubsub.topic", "")

	v.SetDefault("push.backend", BackendNone)
	v.SetDefault("push.pubsub.project_id", "")
	v.SetDefault("push.pubsub.subscription", "")
	v.SetDefault("push.sqs.queue_url", "")
	v.SetDefault("push.sqs.error_delay", "5s")
	v.SetDefault("push.sqs.region", "")
	v.SetDefault("push.sqs.endpoint", "")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", leaseredis.DefaultPrefix)

	v.SetDefault("telemetry.service_name", "article-batch-orchestrator")
	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.FastIntervalSeconds <= 0 || c.Scheduler.SlowIntervalSeconds <= 0 {
		return fmt.Errorf("scheduler intervals must be > 0")
	}
	if err := oneOf("scheduler.lease", c.Scheduler.Lease, BackendLocal, BackendRedis); err != nil {
		return err
	}
	if c.Scheduler.Lease == BackendRedis && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when scheduler.lease is redis")
	}
	if c.Retry.RequeueAfter < 0 || c.Retry.MaxRequeues < 0 {
		return fmt.Errorf("retry.requeue_max and retry.requeue_after must be >= 0")
	}
	if c.Extraction.BaseURL == "" {
		return fmt.Errorf("extraction.base_url is required")
	}
	if c.Extraction.ClientID == "" || c.Extraction.ListeningAttribute == "" {
		return fmt.Errorf("extraction.client_id and extraction.listening_attribute are required")
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := oneOf("notify.backend", c.Notify.Backend, BackendNone, BackendMemory, BackendPubSub); err != nil {
		return err
	}
	if c.Notify.Backend == BackendPubSub && (c.Notify.PubSub.ProjectID == "" || c.Notify.PubSub.Topic == "") {
		return fmt.Errorf("notify.pubsub.project_id and notify.pubsub.topic are required")
	}
	if err := oneOf("push.backend", c.Push.Backend, BackendNone, BackendPubSub, BackendSQS); err != nil {
		return err
	}
	switch c.Push.Backend {
	case BackendPubSub:
		if c.Push.PubSub.ProjectID == "" || c.Push.PubSub.Subscription == "" {
			return fmt.Errorf("push.pubsub.project_id and push.pubsub.subscription are required")
		}
	case BackendSQS:
		if c.Push.SQS.QueueURL == "" {
			return fmt.Errorf("push.sqs.queue_url is required")
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

func (c Config) validateStore() error {
	if err := oneOf("store.backend", c.Store.Backend, BackendMemory, BackendPostgres, BackendSQLite); err != nil {
		return err
	}
	switch c.Store.Backend {
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required")
		}
	case BackendSQLite:
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path is required")
		}
	}
	return nil
}

func (c Config) validateStorage() error {
	if err := oneOf("storage.backend", c.Storage.Backend, BackendMemory, BackendLocal, BackendGCS, BackendS3); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required")
		}
	case BackendGCS:
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required")
		}
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required")
		}
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}

// FastInterval is the Dispatcher and Barrier Monitor tick period.
func (c Config) FastInterval() time.Duration {
	return time.Duration(c.Scheduler.FastIntervalSeconds) * time.Second
}

// SlowInterval is the Assembler tick period.
func (c Config) SlowInterval() time.Duration {
	return time.Duration(c.Scheduler.SlowIntervalSeconds) * time.Second
}

// LeaseTTL is zero when the scheduler should derive it from the interval.
func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.Scheduler.LeaseTTLSeconds) * time.Second
}

// RequestTimeout bounds one HTTP request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown of the server and scheduler.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
