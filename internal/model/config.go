package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// IMAPConfig holds the remote mailbox connection settings.
type IMAPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`

	// Password may be left empty, in which case it is looked up in the
	// OS keyring under "imap-<username>".
	Password string `mapstructure:"password" yaml:"password"`

	// TLS selects implicit TLS; otherwise STARTTLS is used.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// Mailboxes lists the remote folders to sync. The first one is also
	// watched with IDLE.
	Mailboxes []string `mapstructure:"mailboxes" yaml:"mailboxes"`

	PoolSize       int           `mapstructure:"pool_size" yaml:"pool_size"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	MaxSessionIdle time.Duration `mapstructure:"max_session_idle" yaml:"max_session_idle"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	FetchBatchSize int           `mapstructure:"fetch_batch_size" yaml:"fetch_batch_size"`
	RemoteTimeout  time.Duration `mapstructure:"remote_timeout" yaml:"remote_timeout"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// CacheConfig configures both cache tiers and the TTL classes.
type CacheConfig struct {
	// Backend selects the persistent tier: "file" or "redis".
	Backend string `mapstructure:"backend" yaml:"backend"`

	Dir       string `mapstructure:"dir" yaml:"dir"`
	RedisAddr string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db" yaml:"redis_db"`

	TTLListing    time.Duration `mapstructure:"ttl_listing" yaml:"ttl_listing"`
	TTLDetail     time.Duration `mapstructure:"ttl_detail" yaml:"ttl_detail"`
	TTLStats      time.Duration `mapstructure:"ttl_stats" yaml:"ttl_stats"`
	TTLSearch     time.Duration `mapstructure:"ttl_search" yaml:"ttl_search"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// RetryConfig configures the operation retry queue.
type RetryConfig struct {
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`
	BaseDelay     time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Jitter        float64       `mapstructure:"jitter" yaml:"jitter"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size"`
	PruneAfter    time.Duration `mapstructure:"prune_after" yaml:"prune_after"`
	RatePerSec    float64       `mapstructure:"rate_per_sec" yaml:"rate_per_sec"`
}

// SyncConfig configures the sync engine.
type SyncConfig struct {
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
	ThreadWindow time.Duration `mapstructure:"thread_window" yaml:"thread_window"`
	Idle         bool          `mapstructure:"idle" yaml:"idle"`
}

// RealtimeConfig configures the long-poll event broadcaster.
type RealtimeConfig struct {
	QueueSize      int           `mapstructure:"queue_size" yaml:"queue_size"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	MaxPollTimeout time.Duration `mapstructure:"max_poll_timeout" yaml:"max_poll_timeout"`
	ReapInterval   time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// StorageConfig configures attachment storage.
type StorageConfig struct {
	Dir         string `mapstructure:"dir" yaml:"dir"`
	MaxFileSize int64  `mapstructure:"max_file_size" yaml:"max_file_size"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Pretty bool   `mapstructure:"pretty" yaml:"pretty"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	IMAP     IMAPConfig     `mapstructure:"imap" yaml:"imap"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Retry    RetryConfig    `mapstructure:"retry" yaml:"retry"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
	Realtime RealtimeConfig `mapstructure:"realtime" yaml:"realtime"`
	HTTP     HTTPConfig     `mapstructure:"http" yaml:"http"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// DefaultDataDir returns the directory holding the database, cache, and
// attachments, located at ~/.local/share/vexmail.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "data")
	}
	return filepath.Join(home, ".local", "share", "vexmail")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/vexmail/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "vexmail", "config.yaml")
}

// DefaultAppConfig returns a sensible default configuration.
func DefaultAppConfig() *AppConfig {
	dataDir := DefaultDataDir()
	return &AppConfig{
		IMAP: IMAPConfig{
			Port:           "993",
			TLS:            true,
			Mailboxes:      []string{"INBOX"},
			PoolSize:       3,
			AcquireTimeout: 10 * time.Second,
			MaxSessionIdle: 30 * time.Minute,
			IdleTimeout:    25 * time.Minute,
			FetchBatchSize: 50,
			RemoteTimeout:  15 * time.Second,
		},
		Database: DatabaseConfig{
			Path: filepath.Join(dataDir, "vexmail.db"),
		},
		Cache: CacheConfig{
			Backend:       "file",
			Dir:           filepath.Join(dataDir, "cache"),
			RedisAddr:     "localhost:6379",
			TTLListing:    5 * time.Minute,
			TTLDetail:     time.Hour,
			TTLStats:      5 * time.Minute,
			TTLSearch:     5 * time.Minute,
			SweepInterval: 5 * time.Minute,
		},
		Retry: RetryConfig{
			MaxRetries:    5,
			BaseDelay:     time.Second,
			MaxDelay:      60 * time.Second,
			Jitter:        0.2,
			SweepInterval: 5 * time.Second,
			BatchSize:     100,
			PruneAfter:    7 * 24 * time.Hour,
			RatePerSec:    5,
		},
		Sync: SyncConfig{
			Interval:     120 * time.Second,
			ThreadWindow: 30 * 24 * time.Hour,
			Idle:         true,
		},
		Realtime: RealtimeConfig{
			QueueSize:      100,
			IdleTimeout:    5 * time.Minute,
			PollTimeout:    30 * time.Second,
			MaxPollTimeout: 60 * time.Second,
			ReapInterval:   time.Minute,
		},
		HTTP: HTTPConfig{
			Listen: "127.0.0.1:8080",
		},
		Storage: StorageConfig{
			Dir:         filepath.Join(dataDir, "attachments"),
			MaxFileSize: 100 << 20,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// setDefaults registers every default with v so that environment
// overrides resolve even for keys missing from the file.
func setDefaults(v *viper.Viper, cfg *AppConfig) {
	v.SetDefault("imap.host", cfg.IMAP.Host)
	v.SetDefault("imap.port", cfg.IMAP.Port)
	v.SetDefault("imap.username", cfg.IMAP.Username)
	v.SetDefault("imap.password", cfg.IMAP.Password)
	v.SetDefault("imap.tls", cfg.IMAP.TLS)
	v.SetDefault("imap.mailboxes", cfg.IMAP.Mailboxes)
	v.SetDefault("imap.pool_size", cfg.IMAP.PoolSize)
	v.SetDefault("imap.acquire_timeout", cfg.IMAP.AcquireTimeout)
	v.SetDefault("imap.max_session_idle", cfg.IMAP.MaxSessionIdle)
	v.SetDefault("imap.idle_timeout", cfg.IMAP.IdleTimeout)
	v.SetDefault("imap.fetch_batch_size", cfg.IMAP.FetchBatchSize)
	v.SetDefault("imap.remote_timeout", cfg.IMAP.RemoteTimeout)

	v.SetDefault("database.path", cfg.Database.Path)

	v.SetDefault("cache.backend", cfg.Cache.Backend)
	v.SetDefault("cache.dir", cfg.Cache.Dir)
	v.SetDefault("cache.redis_addr", cfg.Cache.RedisAddr)
	v.SetDefault("cache.redis_db", cfg.Cache.RedisDB)
	v.SetDefault("cache.ttl_listing", cfg.Cache.TTLListing)
	v.SetDefault("cache.ttl_detail", cfg.Cache.TTLDetail)
	v.SetDefault("cache.ttl_stats", cfg.Cache.TTLStats)
	v.SetDefault("cache.ttl_search", cfg.Cache.TTLSearch)
	v.SetDefault("cache.sweep_interval", cfg.Cache.SweepInterval)

	v.SetDefault("retry.max_retries", cfg.Retry.MaxRetries)
	v.SetDefault("retry.base_delay", cfg.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", cfg.Retry.MaxDelay)
	v.SetDefault("retry.jitter", cfg.Retry.Jitter)
	v.SetDefault("retry.sweep_interval", cfg.Retry.SweepInterval)
	v.SetDefault("retry.batch_size", cfg.Retry.BatchSize)
	v.SetDefault("retry.prune_after", cfg.Retry.PruneAfter)
	v.SetDefault("retry.rate_per_sec", cfg.Retry.RatePerSec)

	v.SetDefault("sync.interval", cfg.Sync.Interval)
	v.SetDefault("sync.thread_window", cfg.Sync.ThreadWindow)
	v.SetDefault("sync.idle", cfg.Sync.Idle)

	v.SetDefault("realtime.queue_size", cfg.Realtime.QueueSize)
	v.SetDefault("realtime.idle_timeout", cfg.Realtime.IdleTimeout)
	v.SetDefault("realtime.poll_timeout", cfg.Realtime.PollTimeout)
	v.SetDefault("realtime.max_poll_timeout", cfg.Realtime.MaxPollTimeout)
	v.SetDefault("realtime.reap_interval", cfg.Realtime.ReapInterval)

	v.SetDefault("http.listen", cfg.HTTP.Listen)

	v.SetDefault("storage.dir", cfg.Storage.Dir)
	v.SetDefault("storage.max_file_size", cfg.Storage.MaxFileSize)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.pretty", cfg.Log.Pretty)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Values can be overridden with VEXMAIL_* environment variables, e.g.
// VEXMAIL_IMAP_HOST. A missing file yields the defaults plus overrides.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("vexmail")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultAppConfig())

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := DefaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the thresholds that would make a component misbehave.
func (c *AppConfig) Validate() error {
	switch {
	case c.IMAP.PoolSize < 1:
		return errors.New("imap.pool_size must be at least 1")
	case len(c.IMAP.Mailboxes) == 0:
		return errors.New("imap.mailboxes must not be empty")
	case c.Retry.MaxRetries < 1:
		return errors.New("retry.max_retries must be at least 1")
	case c.Retry.Jitter < 0 || c.Retry.Jitter >= 1:
		return errors.New("retry.jitter must be in [0, 1)")
	case c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay:
		return errors.New("retry.base_delay must be positive and not exceed retry.max_delay")
	case c.Realtime.QueueSize < 1:
		return errors.New("realtime.queue_size must be at least 1")
	case c.Cache.Backend != "file" && c.Cache.Backend != "redis":
		return fmt.Errorf("cache.backend %q is not one of file, redis", c.Cache.Backend)
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("imap", cfg.IMAP)
	v.Set("database", cfg.Database)
	v.Set("cache", cfg.Cache)
	v.Set("retry", cfg.Retry)
	v.Set("sync", cfg.Sync)
	v.Set("realtime", cfg.Realtime)
	v.Set("http", cfg.HTTP)
	v.Set("storage", cfg.Storage)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
