package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/podping/hivedispatch/internal/domain"
)

// Config holds all runtime configuration. Values are loaded from an optional
// YAML file and then overridden by environment variables, so a bare
// environment-only deployment works without any file on disk.
type Config struct {
	// Server
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Batching queue
	BatchSize       int           `yaml:"batch_size"`
	MaxBatchItems   int           `yaml:"max_batch_items"`
	MaxWait         time.Duration `yaml:"max_wait"`
	MaxPayloadBytes int           `yaml:"max_payload_bytes"`
	QueueCapacity   int           `yaml:"queue_capacity"`

	// Endpoint pool
	Endpoints           []string      `yaml:"endpoints"`
	EndpointRate        float64       `yaml:"endpoint_rate"`
	EndpointBurst       int           `yaml:"endpoint_burst"`
	QuarantineThreshold int           `yaml:"quarantine_threshold"`
	QuarantineCooldown  time.Duration `yaml:"quarantine_cooldown"`
	ProbeOnStartup      bool          `yaml:"probe_on_startup"`

	// Dispatch
	DispatchWorkers int             `yaml:"dispatch_workers"`
	MaxRetries      int             `yaml:"max_retries"`
	RetryBackoff    []time.Duration `yaml:"retry_backoff"`
	MaxBackoffTotal time.Duration   `yaml:"max_backoff_total"`
	OutcomeRetain   int             `yaml:"outcome_retain"`

	// IPC behaviour
	AwaitTimeout   time.Duration `yaml:"await_timeout"`
	StatusInterval time.Duration `yaml:"status_interval"`

	// Ledger
	Account       string        `yaml:"account"`
	OperationID   string        `yaml:"operation_id"`
	Medium        domain.Medium `yaml:"medium"`
	Reason        domain.Reason `yaml:"reason"`
	LedgerTimeout time.Duration `yaml:"ledger_timeout"`
	DryRun        bool          `yaml:"dry_run"`
}

// Load builds the configuration from defaults, an optional YAML file
// (path taken from the CONFIG_FILE environment variable), and environment
// variable overrides, in that order.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenAddr:      "127.0.0.1:9999",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 30 * time.Second,

		BatchSize:       50,
		MaxBatchItems:   100,
		MaxWait:         3 * time.Second,
		MaxPayloadBytes: 7500,
		QueueCapacity:   10000,

		Endpoints: []string{
			"https://api.hive.blog",
			"https://api.deathwing.me",
			"https://hive-api.arcange.eu",
			"https://api.openhive.network",
		},
		EndpointRate:        2,
		EndpointBurst:       2,
		QuarantineThreshold: 3,
		QuarantineCooldown:  2 * time.Minute,
		ProbeOnStartup:      true,

		DispatchWorkers: 2,
		MaxRetries:      5,
		RetryBackoff:    []time.Duration{3 * time.Second, 9 * time.Second, 30 * time.Second},
		MaxBackoffTotal: 5 * time.Minute,
		OutcomeRetain:   1024,

		AwaitTimeout:   30 * time.Second,
		StatusInterval: time.Minute,

		Account:       "",
		OperationID:   "pp",
		Medium:        domain.MediumPodcast,
		Reason:        domain.ReasonUpdate,
		LedgerTimeout: 30 * time.Second,
		DryRun:        false,
	}
}

func (c *Config) applyEnv() {
	c.ListenAddr = getEnv("LISTEN_ADDR", c.ListenAddr)
	c.ReadTimeout = getDuration("READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = getDuration("WRITE_TIMEOUT", c.WriteTimeout)
	c.ShutdownTimeout = getDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	c.BatchSize = getInt("BATCH_SIZE", c.BatchSize)
	c.MaxBatchItems = getInt("MAX_BATCH_ITEMS", c.MaxBatchItems)
	c.MaxWait = getDuration("MAX_WAIT", c.MaxWait)
	c.MaxPayloadBytes = getInt("MAX_PAYLOAD_BYTES", c.MaxPayloadBytes)
	c.QueueCapacity = getInt("QUEUE_CAPACITY", c.QueueCapacity)

	if v := os.Getenv("ENDPOINTS"); v != "" {
		c.Endpoints = splitList(v)
	}
	c.EndpointRate = getFloat("ENDPOINT_RATE", c.EndpointRate)
	c.EndpointBurst = getInt("ENDPOINT_BURST", c.EndpointBurst)
	c.QuarantineThreshold = getInt("QUARANTINE_THRESHOLD", c.QuarantineThreshold)
	c.QuarantineCooldown = getDuration("QUARANTINE_COOLDOWN", c.QuarantineCooldown)
	c.ProbeOnStartup = getBool("PROBE_ON_STARTUP", c.ProbeOnStartup)

	c.DispatchWorkers = getInt("DISPATCH_WORKERS", c.DispatchWorkers)
	c.MaxRetries = getInt("MAX_RETRIES", c.MaxRetries)
	c.MaxBackoffTotal = getDuration("MAX_BACKOFF_TOTAL", c.MaxBackoffTotal)
	c.OutcomeRetain = getInt("OUTCOME_RETAIN", c.OutcomeRetain)

	for i := range c.RetryBackoff {
		c.RetryBackoff[i] = getDuration(fmt.Sprintf("RETRY_BACKOFF_%d", i+1), c.RetryBackoff[i])
	}

	c.AwaitTimeout = getDuration("AWAIT_TIMEOUT", c.AwaitTimeout)
	c.StatusInterval = getDuration("STATUS_INTERVAL", c.StatusInterval)

	c.Account = getEnv("ACCOUNT", c.Account)
	c.OperationID = getEnv("OPERATION_ID", c.OperationID)
	if v := os.Getenv("MEDIUM"); v != "" {
		c.Medium = domain.Medium(v)
	}
	if v := os.Getenv("REASON"); v != "" {
		c.Reason = domain.Reason(v)
	}
	c.LedgerTimeout = getDuration("LEDGER_TIMEOUT", c.LedgerTimeout)
	c.DryRun = getBool("DRY_RUN", c.DryRun)
}

func (c *Config) validate() error {
	if !c.DryRun && c.Account == "" {
		return fmt.Errorf("ACCOUNT is required unless DRY_RUN is set")
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}
	if !c.Medium.IsValid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidMedium, c.Medium)
	}
	if !c.Reason.IsValid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidReason, c.Reason)
	}
	if c.BatchSize > c.MaxBatchItems {
		return fmt.Errorf("batch_size (%d) must not exceed max_batch_items (%d)", c.BatchSize, c.MaxBatchItems)
	}
	if len(c.RetryBackoff) == 0 {
		return fmt.Errorf("retry_backoff must not be empty")
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
