package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/fenilsonani/mailrules/internal/batch"
	"github.com/fenilsonani/mailrules/internal/engine"
	"github.com/fenilsonani/mailrules/internal/logging"
	"github.com/fenilsonani/mailrules/internal/outbox"
	"github.com/fenilsonani/mailrules/internal/provider"
	"github.com/fenilsonani/mailrules/internal/provider/imap"
	"github.com/fenilsonani/mailrules/internal/queue"
	"github.com/fenilsonani/mailrules/internal/resilience"
)

// Config holds all configuration for the rules engine
type Config struct {
	Storage  StorageConfig  `koanf:"storage"`
	Logging  logging.Config `koanf:"logging"`
	Redis    RedisConfig    `koanf:"redis"`
	Outbox   OutboxConfig   `koanf:"outbox"`
	Engine   EngineConfig   `koanf:"engine"`
	Batch    BatchConfig    `koanf:"batch"`
	Provider ProviderConfig `koanf:"provider"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Secrets  SecretsConfig  `koanf:"secrets"`
}

// StorageConfig holds storage paths configuration
type StorageConfig struct {
	DataDir      string `koanf:"data_dir"`      // Base data directory
	DatabasePath string `koanf:"database_path"` // SQLite database path
}

// RedisConfig holds the optional Redis coordination settings
type RedisConfig struct {
	Enabled      bool   `koanf:"enabled"`
	URL          string `koanf:"url"`           // Redis connection URL
	Prefix       string `koanf:"prefix"`        // Key prefix
	DedupeWindow string `koanf:"dedupe_window"` // How long an email event is remembered
}

// OutboxConfig holds async action processing configuration
type OutboxConfig struct {
	Workers             int     `koanf:"workers"`    // Owners processed concurrently
	BatchSize           int     `koanf:"batch_size"` // Rows claimed per run
	MaxRetries          int     `koanf:"max_retries"`
	BackoffInitial      string  `koanf:"backoff_initial"`
	BackoffMax          string  `koanf:"backoff_max"`
	BackoffMultiplier   float64 `koanf:"backoff_multiplier"`
	BackoffJitter       bool    `koanf:"backoff_jitter"`
	ActionTimeout       string  `koanf:"action_timeout"`
	PollInterval        string  `koanf:"poll_interval"`
	StaleAfter          string  `koanf:"stale_after"` // Processing rows older than this are reclaimed
	MaxAge              string  `koanf:"max_age"`     // Rows older than this are failed instead of retried
	Retention           string  `koanf:"retention"`
	MaintenanceInterval string  `koanf:"maintenance_interval"`
}

// EngineConfig holds rule execution configuration
type EngineConfig struct {
	ActionTimeout  string `koanf:"action_timeout"`   // Per synchronous action
	BulkApplyLimit int    `koanf:"bulk_apply_limit"` // Messages scanned by apply-to-existing
}

// BatchConfig holds bulk action configuration
type BatchConfig struct {
	MaxBatchSize int    `koanf:"max_batch_size"`
	Concurrency  int    `koanf:"concurrency"`
	CallTimeout  string `koanf:"call_timeout"`
}

// ProviderConfig holds mailbox provider configuration
type ProviderConfig struct {
	RatePerSecond float64       `koanf:"rate_per_second"` // Per owner, 0 = unlimited
	Burst         int           `koanf:"burst"`
	MaxWait       string        `koanf:"max_wait"`
	Breaker       BreakerConfig `koanf:"breaker"`
	IMAP          IMAPConfig    `koanf:"imap"`
	Forward       ForwardConfig `koanf:"forward"`
}

// BreakerConfig holds per-owner circuit breaker settings
type BreakerConfig struct {
	FailureThreshold int    `koanf:"failure_threshold"`
	SuccessThreshold int    `koanf:"success_threshold"`
	Timeout          string `koanf:"timeout"`
	HalfOpenMaxCalls int    `koanf:"half_open_max_calls"`
}

// IMAPConfig holds IMAP adapter settings
type IMAPConfig struct {
	TLS                string `koanf:"tls"` // tls, starttls, none
	InsecureSkipVerify bool   `koanf:"insecure_skip_verify"`
	ArchiveMailbox     string `koanf:"archive_mailbox"`
	TrashMailbox       string `koanf:"trash_mailbox"`
	BatchLimit         int    `koanf:"batch_limit"`
}

// ForwardConfig holds the SMTP relay used by forward actions
type ForwardConfig struct {
	Addr               string `koanf:"addr"` // host:port, empty disables forwarding
	TLS                string `koanf:"tls"`  // tls, starttls, none
	InsecureSkipVerify bool   `koanf:"insecure_skip_verify"`
	Username           string `koanf:"username"`
	Password           string `koanf:"password"`
	LocalName          string `koanf:"local_name"`
	Timeout            string `koanf:"timeout"`
	DKIMDomain         string `koanf:"dkim_domain"`
	DKIMSelector       string `koanf:"dkim_selector"`
	DKIMKeyFile        string `koanf:"dkim_key_file"` // Path to DKIM private key
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Listen  string `koanf:"listen"` // host:port
}

// SecretsConfig holds the key material for provider credentials at rest
type SecretsConfig struct {
	PassphraseEnv string `koanf:"passphrase_env"` // Environment variable holding the passphrase
	Salt          string `koanf:"salt"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:      "/var/lib/mailrules",
			DatabasePath: "/var/lib/mailrules/rules.db",
		},
		Logging: logging.DefaultConfig(),
		Redis: RedisConfig{
			Enabled:      false,
			URL:          "redis://localhost:6379/0",
			Prefix:       "mailrules",
			DedupeWindow: "24h",
		},
		Outbox: OutboxConfig{
			Workers:             4,
			BatchSize:           50,
			MaxRetries:          3,
			BackoffInitial:      "30s",
			BackoffMax:          "1h",
			BackoffMultiplier:   2,
			BackoffJitter:       true,
			ActionTimeout:       "30s",
			PollInterval:        "5s",
			StaleAfter:          "10m",
			MaxAge:              "72h",
			Retention:           "168h", // 7 days
			MaintenanceInterval: "5m",
		},
		Engine: EngineConfig{
			ActionTimeout:  "10s",
			BulkApplyLimit: 1000,
		},
		Batch: BatchConfig{
			MaxBatchSize: batch.MaxBatchSize,
			Concurrency:  4,
			CallTimeout:  "30s",
		},
		Provider: ProviderConfig{
			RatePerSecond: 10,
			Burst:         20,
			MaxWait:       "2s",
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          "30s",
				HalfOpenMaxCalls: 1,
			},
			IMAP: IMAPConfig{
				TLS:            "tls",
				ArchiveMailbox: "Archive",
				TrashMailbox:   "Trash",
				BatchLimit:     imap.DefaultBatchLimit,
			},
			Forward: ForwardConfig{
				TLS:     "starttls",
				Timeout: "1m",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9090",
		},
		Secrets: SecretsConfig{
			PassphraseEnv: "MAILRULES_SECRET",
		},
	}
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // Return defaults if no config file
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateStorage(); err != nil {
		return err
	}

	if err := c.validateTimeouts(); err != nil {
		return err
	}

	// Outbox validation
	if c.Outbox.Workers < 1 {
		return fmt.Errorf("outbox.workers must be at least 1")
	}
	if c.Outbox.Workers > 100 {
		return fmt.Errorf("outbox.workers cannot exceed 100")
	}
	if c.Outbox.BatchSize < 1 {
		return fmt.Errorf("outbox.batch_size must be at least 1")
	}
	if c.Outbox.MaxRetries < 0 {
		return fmt.Errorf("outbox.max_retries cannot be negative")
	}
	if c.Outbox.MaxRetries > 100 {
		return fmt.Errorf("outbox.max_retries cannot exceed 100")
	}
	if c.Outbox.BackoffMultiplier < 1 {
		return fmt.Errorf("outbox.backoff_multiplier must be at least 1 (got: %g)", c.Outbox.BackoffMultiplier)
	}
	if duration(c.Outbox.StaleAfter) <= duration(c.Outbox.ActionTimeout) {
		return fmt.Errorf("outbox.stale_after (%s) must be longer than outbox.action_timeout (%s)",
			c.Outbox.StaleAfter, c.Outbox.ActionTimeout)
	}

	// Batch validation
	if c.Batch.MaxBatchSize < 1 || c.Batch.MaxBatchSize > batch.MaxBatchSize {
		return fmt.Errorf("batch.max_batch_size must be between 1 and %d (got: %d)", batch.MaxBatchSize, c.Batch.MaxBatchSize)
	}
	if c.Batch.Concurrency < 1 {
		return fmt.Errorf("batch.concurrency must be at least 1")
	}

	if c.Engine.BulkApplyLimit < 1 {
		return fmt.Errorf("engine.bulk_apply_limit must be at least 1")
	}

	// Provider validation
	if c.Provider.RatePerSecond < 0 {
		return fmt.Errorf("provider.rate_per_second cannot be negative")
	}
	if c.Provider.RatePerSecond > 0 && c.Provider.Burst < 1 {
		return fmt.Errorf("provider.burst must be at least 1 when rate_per_second is set")
	}
	if err := c.Breaker().Validate(); err != nil {
		return fmt.Errorf("provider.breaker: %w", err)
	}
	if err := validateTLSMode(c.Provider.IMAP.TLS); err != nil {
		return fmt.Errorf("provider.imap.tls: %w", err)
	}
	if c.Provider.Forward.Addr != "" {
		if err := validateTLSMode(c.Provider.Forward.TLS); err != nil {
			return fmt.Errorf("provider.forward.tls: %w", err)
		}
	}
	if c.Provider.Forward.DKIMKeyFile != "" {
		if c.Provider.Forward.DKIMDomain == "" || c.Provider.Forward.DKIMSelector == "" {
			return fmt.Errorf("provider.forward.dkim_domain and dkim_selector are required with dkim_key_file")
		}
		if err := validateFileReadable(c.Provider.Forward.DKIMKeyFile); err != nil {
			return fmt.Errorf("provider.forward.dkim_key_file: %w", err)
		}
	}

	// Redis validation
	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when redis is enabled")
	}

	// Logging validation
	if c.Logging.Level != "" {
		validLevels := map[string]bool{
			"debug": true, "info": true, "warn": true, "error": true,
		}
		if !validLevels[c.Logging.Level] {
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
		}
	}

	if c.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[c.Logging.Format] {
			return fmt.Errorf("logging.format must be one of: json, text (got: %s)", c.Logging.Format)
		}
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics is enabled")
	}

	if c.Secrets.Salt != "" && len(c.Secrets.Salt) < 8 {
		return fmt.Errorf("secrets.salt must be at least 8 bytes")
	}

	return nil
}

func validateTLSMode(mode string) error {
	switch mode {
	case "tls", "starttls", "none":
		return nil
	}
	return fmt.Errorf("must be one of: tls, starttls, none (got: %s)", mode)
}

// validateStorage ensures all storage paths are valid
func (c *Config) validateStorage() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is required")
	}

	if !filepath.IsAbs(c.Storage.DataDir) {
		return fmt.Errorf("storage.data_dir must be an absolute path (got: %s)", c.Storage.DataDir)
	}
	if !filepath.IsAbs(c.Storage.DatabasePath) {
		return fmt.Errorf("storage.database_path must be an absolute path (got: %s)", c.Storage.DatabasePath)
	}

	return nil
}

// durations lists every duration setting with its upper bound.
func (c *Config) durations() []struct {
	name  string
	value string
	max   time.Duration
} {
	return []struct {
		name  string
		value string
		max   time.Duration
	}{
		{"redis.dedupe_window", c.Redis.DedupeWindow, 30 * 24 * time.Hour},
		{"outbox.backoff_initial", c.Outbox.BackoffInitial, time.Hour},
		{"outbox.backoff_max", c.Outbox.BackoffMax, 24 * time.Hour},
		{"outbox.action_timeout", c.Outbox.ActionTimeout, 10 * time.Minute},
		{"outbox.poll_interval", c.Outbox.PollInterval, time.Hour},
		{"outbox.stale_after", c.Outbox.StaleAfter, 24 * time.Hour},
		{"outbox.max_age", c.Outbox.MaxAge, 30 * 24 * time.Hour},
		{"outbox.retention", c.Outbox.Retention, 365 * 24 * time.Hour},
		{"outbox.maintenance_interval", c.Outbox.MaintenanceInterval, 24 * time.Hour},
		{"engine.action_timeout", c.Engine.ActionTimeout, 5 * time.Minute},
		{"batch.call_timeout", c.Batch.CallTimeout, 10 * time.Minute},
		{"provider.max_wait", c.Provider.MaxWait, time.Minute},
		{"provider.breaker.timeout", c.Provider.Breaker.Timeout, time.Hour},
		{"provider.forward.timeout", c.Provider.Forward.Timeout, 10 * time.Minute},
	}
}

// validateTimeouts ensures all timeout configurations are valid
func (c *Config) validateTimeouts() error {
	for _, d := range c.durations() {
		if d.value == "" {
			continue // Optional
		}
		duration, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s is invalid: %w", d.name, err)
		}
		if duration < 0 {
			return fmt.Errorf("%s cannot be negative (got: %s)", d.name, d.value)
		}
		if duration == 0 {
			return fmt.Errorf("%s cannot be zero (got: %s)", d.name, d.value)
		}
		if duration > d.max {
			return fmt.Errorf("%s is too long, maximum is %s (got: %s)", d.name, d.max, d.value)
		}
	}
	return nil
}

// validateFileReadable checks if a file exists and is readable
func validateFileReadable(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("must be an absolute path (got: %s)", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", path)
		}
		return fmt.Errorf("cannot access file: %w", err)
	}

	if info.IsDir() {
		return fmt.Errorf("path is a directory, expected a file: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("file is not readable: %w", err)
	}
	f.Close()

	return nil
}

// EnsureDirectories creates necessary directories
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		filepath.Dir(c.Storage.DatabasePath),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// duration parses a value already checked by Validate. Empty means zero.
func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// OutboxProcessor returns the processor settings.
func (c *Config) OutboxProcessor() outbox.Config {
	return outbox.Config{
		Workers:    c.Outbox.Workers,
		BatchSize:  c.Outbox.BatchSize,
		MaxRetries: c.Outbox.MaxRetries,
		Backoff: resilience.Backoff{
			Initial:    duration(c.Outbox.BackoffInitial),
			Max:        duration(c.Outbox.BackoffMax),
			Multiplier: c.Outbox.BackoffMultiplier,
			Jitter:     c.Outbox.BackoffJitter,
		},
		ActionTimeout:       duration(c.Outbox.ActionTimeout),
		PollInterval:        duration(c.Outbox.PollInterval),
		StaleAfter:          duration(c.Outbox.StaleAfter),
		MaxAge:              duration(c.Outbox.MaxAge),
		Retention:           duration(c.Outbox.Retention),
		MaintenanceInterval: duration(c.Outbox.MaintenanceInterval),
	}
}

// RuleEngine returns the engine settings.
func (c *Config) RuleEngine() engine.Config {
	return engine.Config{ActionTimeout: duration(c.Engine.ActionTimeout)}
}

// BatchService returns the bulk action settings.
func (c *Config) BatchService() batch.Config {
	return batch.Config{
		MaxBatchSize: c.Batch.MaxBatchSize,
		Concurrency:  c.Batch.Concurrency,
		CallTimeout:  duration(c.Batch.CallTimeout),
	}
}

// Queue returns the Redis settings.
func (c *Config) Queue() queue.Config {
	return queue.Config{
		RedisURL:     c.Redis.URL,
		Prefix:       c.Redis.Prefix,
		DedupeWindow: duration(c.Redis.DedupeWindow),
	}
}

// Breaker returns the circuit breaker template for provider accounts.
func (c *Config) Breaker() resilience.Config {
	b := c.Provider.Breaker
	return resilience.Config{
		FailureThreshold: b.FailureThreshold,
		SuccessThreshold: b.SuccessThreshold,
		Timeout:          duration(b.Timeout),
		HalfOpenMaxCalls: b.HalfOpenMaxCalls,
	}
}

// Guard returns the provider guard settings.
func (c *Config) Guard() provider.GuardConfig {
	return provider.GuardConfig{
		RatePerSecond: c.Provider.RatePerSecond,
		Burst:         c.Provider.Burst,
		MaxWait:       duration(c.Provider.MaxWait),
		Breaker:       c.Breaker(),
	}
}

// IMAP returns the IMAP adapter options.
func (c *Config) IMAP() imap.Options {
	i := c.Provider.IMAP
	return imap.Options{
		TLS:                i.TLS,
		InsecureSkipVerify: i.InsecureSkipVerify,
		ArchiveMailbox:     i.ArchiveMailbox,
		TrashMailbox:       i.TrashMailbox,
		BatchLimit:         i.BatchLimit,
	}
}

// Forwarder returns the SMTP relay settings. ok is false when forwarding
// is not configured.
func (c *Config) Forwarder() (cfg provider.ForwarderConfig, ok bool) {
	f := c.Provider.Forward
	if f.Addr == "" {
		return provider.ForwarderConfig{}, false
	}
	return provider.ForwarderConfig{
		Addr:               f.Addr,
		TLS:                f.TLS,
		InsecureSkipVerify: f.InsecureSkipVerify,
		Username:           f.Username,
		Password:           f.Password,
		LocalName:          f.LocalName,
		Timeout:            duration(f.Timeout),
		DKIMDomain:         f.DKIMDomain,
		DKIMSelector:       f.DKIMSelector,
		DKIMKeyPath:        f.DKIMKeyFile,
	}, true
}

// Sealer builds the credential sealer. It returns nil, nil when no
// passphrase is set, which leaves password-based accounts unavailable.
func (c *Config) Sealer() (*provider.Sealer, error) {
	passphrase := os.Getenv(c.Secrets.PassphraseEnv)
	if c.Secrets.PassphraseEnv == "" || passphrase == "" {
		return nil, nil
	}
	if c.Secrets.Salt == "" {
		return nil, fmt.Errorf("secrets.salt is required when %s is set", c.Secrets.PassphraseEnv)
	}
	return provider.NewSealer(passphrase, []byte(c.Secrets.Salt))
}
