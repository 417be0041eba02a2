package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"feedflow/models"
)

type Config struct {
	Feedflow  FeedflowConfig      `yaml:"feedflow"`
	Feed      FeedConfig          `yaml:"feed"`
	Writer    WriterConfig        `yaml:"writer"`
	Tasks     []models.TaskConfig `yaml:"tasks"`
	Logging   LoggingConfig       `yaml:"logging"`
	Metrics   MetricsConfig       `yaml:"metrics"`
	Dashboard DashboardConfig     `yaml:"dashboard"`
	Storage   StorageConfig       `yaml:"storage"`
}

type FeedflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// FeedConfig describes the push server all sessions share.
type FeedConfig struct {
	URL                string   `yaml:"url"`
	Credential         string   `yaml:"credential"`
	KlineSources       []string `yaml:"kline_sources"`
	NotificationBuffer int      `yaml:"notification_buffer"`
}

type WriterConfig struct {
	PreviewInitialDelay time.Duration `yaml:"preview_initial_delay"`
	PreviewInterval     time.Duration `yaml:"preview_interval"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type MetricsConfig struct {
	PrometheusAddr string           `yaml:"prometheus_addr"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

// DashboardConfig controls the HTTP task control API.
type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
	DiskPath        string        `yaml:"disk_path"`
}

type StorageConfig struct {
	S3      S3Config      `yaml:"s3"`
	Archive ArchiveConfig `yaml:"archive"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// ArchiveConfig controls the parquet upload performed after a task stops.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
}

// DefaultKlineSources are the source codes whose channels are published per
// symbol without a trailing wildcard.
var DefaultKlineSources = []string{"ZZ-5001", "ZZ-5002"}

func defaultConfig() Config {
	return Config{
		Feed: FeedConfig{
			KlineSources:       append([]string(nil), DefaultKlineSources...),
			NotificationBuffer: 256,
		},
		Writer: WriterConfig{
			PreviewInitialDelay: 2 * time.Second,
			PreviewInterval:     5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			CloudWatch: CloudWatchConfig{Namespace: "FeedFlow"},
		},
		Storage: StorageConfig{
			Archive: ArchiveConfig{Prefix: "feedflow"},
		},
	}
}

// LoadConfig reads the YAML file at path, applies environment overrides and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(resolveConfigPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("FEED_URL"); v != "" {
		config.Feed.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("FEED_CREDENTIAL"); v != "" {
		config.Feed.Credential = strings.TrimSpace(v)
	}

	if config.Storage.Archive.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
}

func validateConfig(cfg *Config) error {
	if cfg.Feedflow.Name == "" {
		return fmt.Errorf("feedflow.name is required")
	}
	if cfg.Feedflow.Version == "" {
		return fmt.Errorf("feedflow.version is required")
	}

	if cfg.Feed.URL == "" {
		return fmt.Errorf("feed.url is required")
	}
	if !strings.HasPrefix(cfg.Feed.URL, "ws://") && !strings.HasPrefix(cfg.Feed.URL, "wss://") {
		return fmt.Errorf("feed.url '%s' must use ws:// or wss://", cfg.Feed.URL)
	}
	if cfg.Feed.NotificationBuffer <= 0 {
		return fmt.Errorf("feed.notification_buffer must be greater than 0")
	}

	if cfg.Writer.PreviewInitialDelay <= 0 {
		return fmt.Errorf("writer.preview_initial_delay must be greater than 0")
	}
	if cfg.Writer.PreviewInterval <= 0 {
		return fmt.Errorf("writer.preview_interval must be greater than 0")
	}

	for i, t := range cfg.Tasks {
		if strings.TrimSpace(t.Source) == "" {
			return fmt.Errorf("tasks[%d].source is required", i)
		}
		if strings.TrimSpace(t.DestDir) == "" {
			return fmt.Errorf("tasks[%d].dest is required", i)
		}
	}

	if cfg.Storage.Archive.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when archiving is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when archiving is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
