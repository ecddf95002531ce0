// Package config loads runtime settings from an optional config file,
// STERILCORE_* environment variables and flags bound into viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix.
const EnvPrefix = "STERILCORE"

// StorageConfig selects the persistent store.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// S3Config addresses the archive bucket. Credentials come from the default
// AWS chain unless the access key is set.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	PathStyle       bool   `mapstructure:"path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// BlobConfig selects the incident report archive.
type BlobConfig struct {
	Driver string   `mapstructure:"driver"`
	FSRoot string   `mapstructure:"fs_root"`
	S3     S3Config `mapstructure:"s3"`
}

// BIConfig holds the biological indicator policy.
type BIConfig struct {
	Enforce         bool          `mapstructure:"enforce"`
	DuePollInterval time.Duration `mapstructure:"due_poll_interval"`
}

// ReconcileConfig controls replay of writes the store did not confirm.
type ReconcileConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// MetricsConfig controls the Prometheus endpoint. An empty address disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Stdout  bool `mapstructure:"stdout"`
}

// Config is the full runtime configuration.
type Config struct {
	FacilityID string          `mapstructure:"facility_id"`
	Timezone   string          `mapstructure:"timezone"`
	PhasesFile string          `mapstructure:"phases_file"`
	Storage    StorageConfig   `mapstructure:"storage"`
	Blob       BlobConfig      `mapstructure:"blob"`
	BI         BIConfig        `mapstructure:"bi"`
	Reconcile  ReconcileConfig `mapstructure:"reconcile"`
	Metrics    MetricsConfig   `mapstructure:"metrics"`
	Log        LogConfig       `mapstructure:"log"`
	Telemetry  TelemetryConfig `mapstructure:"telemetry"`
}

// SetDefaults registers the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("facility_id", "default")
	v.SetDefault("timezone", "UTC")
	v.SetDefault("phases_file", "")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "sterilcore.db")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("blob.driver", "fs")
	v.SetDefault("blob.fs_root", "./archive")
	v.SetDefault("blob.s3.bucket", "")
	v.SetDefault("blob.s3.region", "us-east-1")
	v.SetDefault("blob.s3.endpoint", "")
	v.SetDefault("blob.s3.path_style", false)
	v.SetDefault("blob.s3.access_key_id", "")
	v.SetDefault("blob.s3.secret_access_key", "")
	v.SetDefault("bi.enforce", true)
	v.SetDefault("bi.due_poll_interval", 5*time.Minute)
	v.SetDefault("reconcile.interval", 30*time.Second)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.stdout", false)
}

// New returns a viper instance with defaults and environment binding set.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile merges the config file at path into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Load unmarshals and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.FacilityID = strings.TrimSpace(cfg.FacilityID)
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	cfg.Blob.Driver = strings.ToLower(strings.TrimSpace(cfg.Blob.Driver))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.FacilityID == "" {
		errs = append(errs, errors.New("facility_id must not be empty"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path required for sqlite"))
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q: want memory, sqlite or postgres", c.Storage.Driver))
	}
	switch c.Blob.Driver {
	case "", "memory", "fs":
	case "s3":
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket required for s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.driver %q: want memory, fs or s3", c.Blob.Driver))
	}
	if c.BI.DuePollInterval <= 0 {
		errs = append(errs, errors.New("bi.due_poll_interval must be positive"))
	}
	if c.Reconcile.Interval <= 0 {
		errs = append(errs, errors.New("reconcile.interval must be positive"))
	}
	return errors.Join(errs...)
}

// Location returns the configured time zone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
