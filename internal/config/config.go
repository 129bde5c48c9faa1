package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the entire application configuration
type Config struct {
	Download DownloadConfig           `mapstructure:"download"`
	HTTP     HTTPConfig               `mapstructure:"http"`
	Index    IndexConfig              `mapstructure:"index"`
	Logging  LoggingConfig            `mapstructure:"logging"`
	Profiles map[string]ProfileConfig `mapstructure:"profiles"`
}

// DownloadConfig contains worker pool settings
type DownloadConfig struct {
	Profile                string   `mapstructure:"profile"`
	Relays                 []string `mapstructure:"relays"`
	Direct                 bool     `mapstructure:"direct"`
	ThreadsPerRelay        int      `mapstructure:"threads_per_relay"`
	UseRedirectedURL       bool     `mapstructure:"use_redirected_url"`
	MaxConsecutiveFailures int      `mapstructure:"max_consecutive_failures"`
	StrictTokens           bool     `mapstructure:"strict_tokens"`
	FailureBackoff         string   `mapstructure:"failure_backoff"`
	CheckpointInterval     string   `mapstructure:"checkpoint_interval"`
	TerminateTimeout       string   `mapstructure:"terminate_timeout"`
	ProgressInterval       string   `mapstructure:"progress_interval"`
	MinFreeSpaceMB         int      `mapstructure:"min_free_space_mb"`
}

// HTTPConfig contains transport settings
type HTTPConfig struct {
	ConnectTimeout        string `mapstructure:"connect_timeout"`
	ResponseHeaderTimeout string `mapstructure:"response_header_timeout"`
	IdleTimeout           string `mapstructure:"idle_timeout"`
	SkipTLSVerify         bool   `mapstructure:"skip_tls_verify"`
	UserAgent             string `mapstructure:"user_agent"`
	BandwidthLimitKB      int    `mapstructure:"bandwidth_limit_kb"`
	BufferSizeKB          int    `mapstructure:"buffer_size_kb"`
}

// IndexConfig selects where sheet indexes are persisted
type IndexConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
	BucketURL  string `mapstructure:"bucket_url"`
}

// Index backends
const (
	BackendJob    = "job"
	BackendSQLite = "sqlite"
	BackendBlob   = "blob"
)

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("download.profile", "medium")
	v.SetDefault("download.relays", []string{})
	v.SetDefault("download.direct", false)
	v.SetDefault("download.threads_per_relay", 5)
	v.SetDefault("download.use_redirected_url", false)
	v.SetDefault("download.max_consecutive_failures", 10)
	v.SetDefault("download.strict_tokens", true)
	v.SetDefault("download.failure_backoff", "1s")
	v.SetDefault("download.checkpoint_interval", "30s")
	v.SetDefault("download.terminate_timeout", "5s")
	v.SetDefault("download.progress_interval", "500ms")
	v.SetDefault("download.min_free_space_mb", 64)
	v.SetDefault("http.connect_timeout", "15s")
	v.SetDefault("http.response_header_timeout", "30s")
	v.SetDefault("http.idle_timeout", "90s")
	v.SetDefault("http.skip_tls_verify", false)
	v.SetDefault("http.user_agent", "relayget/1.0")
	v.SetDefault("http.bandwidth_limit_kb", 0)
	v.SetDefault("http.buffer_size_kb", 64)
	v.SetDefault("index.backend", BackendJob)
	v.SetDefault("index.sqlite_path", "")
	v.SetDefault("index.bucket_url", "")
	v.SetDefault("logging.level", "warn")
	v.SetDefault("logging.format", "text")
}

// Load loads configuration from the specified file path. An empty path
// yields the defaults. RELAYGET_* environment variables override both,
// e.g. RELAYGET_INDEX_BACKEND=sqlite.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("relayget")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Download.ThreadsPerRelay < 1 {
		return fmt.Errorf("download.threads_per_relay must be positive")
	}
	if c.Download.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("download.max_consecutive_failures must be positive")
	}
	if c.Download.MinFreeSpaceMB < 0 {
		return fmt.Errorf("download.min_free_space_mb must not be negative")
	}

	durations := map[string]string{
		"download.failure_backoff":     c.Download.FailureBackoff,
		"download.checkpoint_interval": c.Download.CheckpointInterval,
		"download.terminate_timeout":   c.Download.TerminateTimeout,
		"download.progress_interval":   c.Download.ProgressInterval,
		"http.connect_timeout":         c.HTTP.ConnectTimeout,
		"http.response_header_timeout": c.HTTP.ResponseHeaderTimeout,
		"http.idle_timeout":            c.HTTP.IdleTimeout,
	}
	for key, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}

	if c.HTTP.BandwidthLimitKB < 0 {
		return fmt.Errorf("http.bandwidth_limit_kb must not be negative")
	}

	switch c.Index.Backend {
	case BackendJob:
	case BackendSQLite:
		// An empty path falls back to a database next to the output file
	case BackendBlob:
		if c.Index.BucketURL == "" {
			return fmt.Errorf("index.bucket_url is required for the blob backend")
		}
	default:
		return fmt.Errorf("invalid index.backend: %s", c.Index.Backend)
	}

	for name, p := range c.Profiles {
		if err := p.validate(); err != nil {
			return fmt.Errorf("profiles.%s: %w", name, err)
		}
	}
	if _, err := c.Profile(c.Download.Profile); err != nil {
		return fmt.Errorf("download.profile: %w", err)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
		// Valid formats
	default:
		return fmt.Errorf("invalid logging.format: %s", c.Logging.Format)
	}

	return nil
}

// AllRelays returns the configured relays, with the direct connection
// (an empty spec) appended when enabled
func (c *DownloadConfig) AllRelays() []string {
	relays := append([]string(nil), c.Relays...)
	if c.Direct {
		relays = append(relays, "")
	}
	return relays
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// GetFailureBackoff returns the pause after a failed fetch
func (c *DownloadConfig) GetFailureBackoff() time.Duration {
	return parseDuration(c.FailureBackoff, time.Second)
}

// GetCheckpointInterval returns the interval between checkpoint flushes.
// Zero disables checkpoints.
func (c *DownloadConfig) GetCheckpointInterval() time.Duration {
	return parseDuration(c.CheckpointInterval, 30*time.Second)
}

// GetTerminateTimeout returns how long Terminate waits for in-flight requests
func (c *DownloadConfig) GetTerminateTimeout() time.Duration {
	d := parseDuration(c.TerminateTimeout, 5*time.Second)
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}

// GetProgressInterval returns the progress refresh interval
func (c *DownloadConfig) GetProgressInterval() time.Duration {
	d := parseDuration(c.ProgressInterval, 500*time.Millisecond)
	if d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}

// GetMinFreeSpace returns the free space to keep on the target disk in bytes
func (c *DownloadConfig) GetMinFreeSpace() int64 {
	return int64(c.MinFreeSpaceMB) * 1024 * 1024
}

// GetConnectTimeout returns the dial and TLS handshake timeout
func (c *HTTPConfig) GetConnectTimeout() time.Duration {
	return parseDuration(c.ConnectTimeout, 15*time.Second)
}

// GetResponseHeaderTimeout returns the response header timeout
func (c *HTTPConfig) GetResponseHeaderTimeout() time.Duration {
	return parseDuration(c.ResponseHeaderTimeout, 30*time.Second)
}

// GetIdleTimeout returns the idle connection timeout
func (c *HTTPConfig) GetIdleTimeout() time.Duration {
	return parseDuration(c.IdleTimeout, 90*time.Second)
}

// GetBandwidthLimit returns the per-connection bandwidth cap in bytes/s
func (c *HTTPConfig) GetBandwidthLimit() int64 {
	return int64(c.BandwidthLimitKB) * 1024
}
