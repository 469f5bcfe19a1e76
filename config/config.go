package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Marketfeed MarketfeedConfig `yaml:"marketfeed"`
	API        APIConfig        `yaml:"api"`
	WS         WSConfig         `yaml:"ws"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type MarketfeedConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type APIConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type WSConfig struct {
	URL                  string        `yaml:"url"`
	KeepaliveInterval    time.Duration `yaml:"keepalive_interval"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ManagerMaxRetries    int           `yaml:"manager_max_retries"`
	ManagerRetryDelay    time.Duration `yaml:"manager_retry_delay"`
}

type ArchiveConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	UploadsPerMinute int           `yaml:"uploads_per_minute"`
	S3               S3Config      `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatchEnabled bool          `yaml:"cloudwatch_enabled"`
	Region            string        `yaml:"region"`
	Namespace         string        `yaml:"namespace"`
	ReportInterval    time.Duration `yaml:"report_interval"`
}

// Defaults applied when the file leaves a field unset.
const (
	defaultBaseURL           = "https://api.hyperliquid.xyz"
	defaultWSURL             = "wss://api.hyperliquid.xyz/ws"
	defaultTimeout           = 10 * time.Second
	defaultCacheTTL          = 30 * time.Second
	defaultKeepalive         = 30 * time.Second
	defaultReconnectBase     = time.Second
	defaultReconnectMax      = 30 * time.Second
	defaultReconnectAttempts = 5
	defaultManagerRetries    = 3
	defaultManagerRetryDelay = 2 * time.Second
	defaultArchiveInterval   = time.Minute
	defaultReportInterval    = time.Minute
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references with environment values so secrets
// stay out of the checked-in file.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// LoadConfig reads, expands and validates the YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(expandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	// AWS credentials from the environment win over file values.
	if cfg.Archive.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Archive.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Archive.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Archive.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Archive.S3.Bucket = strings.TrimSpace(v)
		}
	}
	cfg.Archive.S3.Bucket = strings.TrimSpace(cfg.Archive.S3.Bucket)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Marketfeed.Name == "" {
		cfg.Marketfeed.Name = "marketfeed"
	}
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = defaultBaseURL
	}
	if cfg.API.Timeout <= 0 {
		cfg.API.Timeout = defaultTimeout
	}
	if cfg.API.CacheTTL <= 0 {
		cfg.API.CacheTTL = defaultCacheTTL
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = defaultWSURL
	}
	if cfg.WS.KeepaliveInterval <= 0 {
		cfg.WS.KeepaliveInterval = defaultKeepalive
	}
	if cfg.WS.ReconnectBaseDelay <= 0 {
		cfg.WS.ReconnectBaseDelay = defaultReconnectBase
	}
	if cfg.WS.ReconnectMaxDelay <= 0 {
		cfg.WS.ReconnectMaxDelay = defaultReconnectMax
	}
	if cfg.WS.MaxReconnectAttempts <= 0 {
		cfg.WS.MaxReconnectAttempts = defaultReconnectAttempts
	}
	if cfg.WS.ManagerMaxRetries <= 0 {
		cfg.WS.ManagerMaxRetries = defaultManagerRetries
	}
	if cfg.WS.ManagerRetryDelay <= 0 {
		cfg.WS.ManagerRetryDelay = defaultManagerRetryDelay
	}
	if cfg.Archive.Interval <= 0 {
		cfg.Archive.Interval = defaultArchiveInterval
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "Marketfeed"
	}
	if cfg.Metrics.ReportInterval <= 0 {
		cfg.Metrics.ReportInterval = defaultReportInterval
	}
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	return s3BucketRegexp.MatchString(name)
}

func validateConfig(cfg *Config) error {
	if !strings.HasPrefix(cfg.API.BaseURL, "http://") && !strings.HasPrefix(cfg.API.BaseURL, "https://") {
		return fmt.Errorf("api.base_url must be an http(s) URL, got %q", cfg.API.BaseURL)
	}
	if !strings.HasPrefix(cfg.WS.URL, "ws://") && !strings.HasPrefix(cfg.WS.URL, "wss://") {
		return fmt.Errorf("ws.url must be a ws(s) URL, got %q", cfg.WS.URL)
	}
	if cfg.WS.ReconnectBaseDelay > cfg.WS.ReconnectMaxDelay {
		return fmt.Errorf("ws.reconnect_base_delay %s exceeds ws.reconnect_max_delay %s",
			cfg.WS.ReconnectBaseDelay, cfg.WS.ReconnectMaxDelay)
	}
	if cfg.Archive.Enabled {
		if cfg.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when archive is enabled")
		}
		if !isValidS3Bucket(cfg.Archive.S3.Bucket) {
			return fmt.Errorf("archive.s3.bucket %q is not a valid bucket name", cfg.Archive.S3.Bucket)
		}
		if cfg.Archive.S3.Region == "" {
			return fmt.Errorf("archive.s3.region is required when archive is enabled")
		}
	}
	return nil
}
