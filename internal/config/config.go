// Package config loads confd's runtime configuration: where config
// segments live on disk, how many workers process reloads, and how
// the optional distributed-lock, audit-store and Kubernetes-source
// backends are reached.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the top-level confd configuration.
type Config struct {
	// Profile selects a bundle of defaults tuned for a deployment size.
	Profile DeploymentProfile `mapstructure:"profile" validate:"required,oneof=standalone clustered"`

	Storage    StorageConfig    `mapstructure:"storage" validate:"required"`
	Worker     WorkerConfig     `mapstructure:"worker" validate:"required"`
	Report     ReportConfig     `mapstructure:"report"`
	Log        LogConfig        `mapstructure:"log" validate:"required"`
	Lock       LockBackendConfig  `mapstructure:"lock"`
	Audit      AuditBackendConfig `mapstructure:"audit"`
	K8sSource  K8sSourceConfig    `mapstructure:"k8s_source"`
	HTTPOps    HTTPOpsConfig      `mapstructure:"http_ops"`
	App        AppConfig          `mapstructure:"app" validate:"required"`
}

// DeploymentProfile names a bundle of defaults.
type DeploymentProfile string

const (
	// ProfileStandalone runs a single confd process against a local
	// config tree with no distributed lock and no audit store.
	ProfileStandalone DeploymentProfile = "standalone"

	// ProfileClustered runs several confd processes sharing one config
	// tree; it requires the distributed lock, which serializes
	// publishes, and the audit store connection to be enabled.
	ProfileClustered DeploymentProfile = "clustered"
)

// StorageConfig locates the three directories the loader operates on.
type StorageConfig struct {
	// ConfigDir is the root of the preference-file tree being watched.
	ConfigDir string `mapstructure:"config_dir" validate:"required"`

	// LastGoodDir holds the most recent successfully loaded copy of
	// each segment, used as a fallback only at initial startup.
	LastGoodDir string `mapstructure:"last_good_dir" validate:"required"`

	// RejectDir receives a copy of any segment file that failed to
	// load.
	RejectDir string `mapstructure:"reject_dir" validate:"required"`

	// ScanInterval is how often the directory tree is polled for
	// added/modified/removed segments.
	ScanInterval time.Duration `mapstructure:"scan_interval" validate:"required,gt=0"`
}

// WorkerConfig controls the reload worker pool.
type WorkerConfig struct {
	// Count is the number of worker goroutines. Zero means every
	// confset_load tick runs synchronously in the caller.
	Count int `mapstructure:"count" validate:"gte=0"`

	// SegmentParallelism caps the number of sub-jobs a single
	// SegmentManager run may have dispatched at once. Zero selects
	// max(Count*2, DefaultSegmentParallelism).
	SegmentParallelism int `mapstructure:"segment_parallelism" validate:"gte=0"`

	// RetryFrequency is the backoff applied to a segment that failed
	// to load before it is retried again.
	RetryFrequency time.Duration `mapstructure:"retry_frequency" validate:"required,gt=0"`
}

// DefaultSegmentParallelism is used when WorkerConfig.SegmentParallelism is 0
// and WorkerConfig.Count*2 does not exceed it.
const DefaultSegmentParallelism = 4

// ReportConfig controls the best-effort UDP notification sent on every
// successful load.
type ReportConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`

	// RatePerSecond caps notifications per segment type so a flapping
	// file cannot flood the report server.
	RatePerSecond float64 `mapstructure:"rate_per_second" validate:"gte=0"`
}

// LogConfig drives the slog handler construction.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`

	// Output is "stdout", "stderr", or a file path (rotated via lumberjack).
	Output     string `mapstructure:"output" validate:"required"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

// LockBackendConfig configures the Redis-backed distributed lock that
// guards a SegmentManager publish in a clustered deployment.
type LockBackendConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Addr           string        `mapstructure:"addr"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	TTL            time.Duration `mapstructure:"ttl" validate:"gte=0"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" validate:"gte=0"`
	ValuePrefix    string        `mapstructure:"value_prefix"`
}

// AuditBackendConfig configures the Postgres audit store.
type AuditBackendConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns" validate:"gte=0"`
	MinConns        int32         `mapstructure:"min_conns" validate:"gte=0"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" validate:"gte=0"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time" validate:"gte=0"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" validate:"gte=0"`
}

// K8sSourceConfig configures the ConfigMap-backed alternative source
// for preference files.
type K8sSourceConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Namespace     string `mapstructure:"namespace"`
	LabelSelector string `mapstructure:"label_selector"`
}

// HTTPOpsConfig configures the /healthz and /debug/confset surface.
type HTTPOpsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// AppConfig holds process-wide identity fields.
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Environment string `mapstructure:"environment" validate:"required"`
}

var validate = validator.New()

// LoadConfig loads configuration from configPath (if non-empty),
// layering environment variables and defaults beneath it.
func LoadConfig(configPath string) (*Config, error) {
	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("CONFD")

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")

		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromEnv loads configuration from environment variables and
// defaults only, skipping any config file.
func LoadConfigFromEnv() (*Config, error) {
	return LoadConfig("")
}

func setDefaults() {
	viper.SetDefault("profile", "standalone")

	viper.SetDefault("storage.config_dir", "/etc/confd/conf.d")
	viper.SetDefault("storage.last_good_dir", "/var/lib/confd/last-good")
	viper.SetDefault("storage.reject_dir", "/var/lib/confd/reject")
	viper.SetDefault("storage.scan_interval", "5s")

	viper.SetDefault("worker.count", 4)
	viper.SetDefault("worker.segment_parallelism", 0)
	viper.SetDefault("worker.retry_frequency", "5s")

	viper.SetDefault("report.enabled", false)
	viper.SetDefault("report.addr", "")
	viper.SetDefault("report.rate_per_second", 10)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size_mb", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age_days", 28)
	viper.SetDefault("log.compress", true)

	viper.SetDefault("lock.enabled", false)
	viper.SetDefault("lock.addr", "localhost:6379")
	viper.SetDefault("lock.db", 0)
	viper.SetDefault("lock.ttl", "30s")
	viper.SetDefault("lock.acquire_timeout", "5s")
	viper.SetDefault("lock.value_prefix", "confd:segment:")

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.host", "localhost")
	viper.SetDefault("audit.port", 5432)
	viper.SetDefault("audit.database", "confd")
	viper.SetDefault("audit.user", "confd")
	viper.SetDefault("audit.ssl_mode", "disable")
	viper.SetDefault("audit.max_conns", 20)
	viper.SetDefault("audit.min_conns", 2)
	viper.SetDefault("audit.max_conn_lifetime", "1h")
	viper.SetDefault("audit.max_conn_idle_time", "5m")
	viper.SetDefault("audit.connect_timeout", "30s")

	viper.SetDefault("k8s_source.enabled", false)
	viper.SetDefault("k8s_source.namespace", "default")
	viper.SetDefault("k8s_source.label_selector", "confd-source=true")

	viper.SetDefault("http_ops.enabled", true)
	viper.SetDefault("http_ops.addr", ":9090")

	viper.SetDefault("app.name", "confd")
	viper.SetDefault("app.environment", "development")
}

// Validate validates struct tags and cross-field profile rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	return c.validateProfile()
}

// validateProfile enforces that a clustered deployment actually turns
// on the collaborators it needs.
func (c *Config) validateProfile() error {
	if c.Profile != ProfileStandalone && c.Profile != ProfileClustered {
		return fmt.Errorf("invalid deployment profile: %s", c.Profile)
	}

	if c.Profile == ProfileClustered {
		if !c.Lock.Enabled {
			return fmt.Errorf("clustered profile requires lock.enabled=true")
		}
		if !c.Audit.Enabled {
			return fmt.Errorf("clustered profile requires audit.enabled=true")
		}
	}

	return nil
}

// EffectiveSegmentParallelism resolves WorkerConfig.SegmentParallelism
// against WorkerConfig.Count the way the SegmentManager's parallelism
// cap is derived: max(worker_target*2, DefaultSegmentParallelism).
func (w WorkerConfig) EffectiveSegmentParallelism() int {
	if w.SegmentParallelism > 0 {
		return w.SegmentParallelism
	}
	if cap := w.Count * 2; cap > DefaultSegmentParallelism {
		return cap
	}
	return DefaultSegmentParallelism
}

// IsStandalone reports whether the process runs without distributed
// collaborators.
func (c *Config) IsStandalone() bool {
	return c.Profile == ProfileStandalone
}

// IsClustered reports whether the process shares a config tree with
// other confd processes.
func (c *Config) IsClustered() bool {
	return c.Profile == ProfileClustered
}
