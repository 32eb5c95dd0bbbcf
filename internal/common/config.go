package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the root configuration for every Qserv binary (czar, replctl).
// Values are layered: defaults -> file1 -> file2 -> ... -> environment -> CLI flags,
// each layer overriding the previous one field-by-field.
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Czar        CzarConfig       `toml:"czar"`
	Merger      MergerConfig     `toml:"merger"`
	Controller  ControllerConfig `toml:"controller"`
	Storage     StorageConfig    `toml:"storage"`
	Logging     LoggingConfig    `toml:"logging"`
	WebSocket   WebSocketConfig  `toml:"websocket"`
}

// WorkerAddr is one entry in the enumerated worker fleet. Cluster membership
// is not discovered over the wire; workers come from configuration.
type WorkerAddr struct {
	Name string `toml:"name"`
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// CzarConfig controls query dispatch (Executive / JobQuery fan-out).
type CzarConfig struct {
	Workers               []WorkerAddr  `toml:"workers"`
	DispatchConcurrency   int           `toml:"dispatch_concurrency"`    // worker-pool goroutine count
	MaxAttempts           int           `toml:"max_attempts"`            // per-task attempt ceiling
	SquashTimeout         time.Duration `toml:"squash_timeout"`          // Executive-level wall clock for one user query
	ProvisionRetryBackoff time.Duration `toml:"provision_retry_backoff"` // transport provisioning retry timer
}

// MergerConfig controls the InfileMerger row sink.
type MergerConfig struct {
	DSN          string `toml:"dsn"`             // result database DSN, opened by the czar with the sqlite driver
	BatchSize    int    `toml:"batch_size"`      // rows buffered before a LOAD DATA flush
	JobIDSQLType string `toml:"job_id_sql_type"` // SQL type for the provenance jobId column
}

// ControllerConfig controls the replication control plane.
type ControllerConfig struct {
	DSN             string        `toml:"dsn"` // relational persisted-state DSN
	JobPollInterval time.Duration `toml:"job_poll_interval"`
	VerifySweepSize int           `toml:"verify_sweep_size"` // VerifyJob.maxReplicas
	ReportCacheTTL  time.Duration `toml:"report_cache_ttl"`  // rebalance report cache lifetime
	IndexBatchSize  int           `toml:"index_batch_size"`  // max tables per worker request in DDL fan-outs
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
	SQLite SQLiteConfig `toml:"sqlite"`
}

// BadgerConfig backs the fast per-(job,worker) dedupe registry and event log.
type BadgerConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

// SQLiteConfig backs the relational persisted state (controllers/jobs/requests).
type SQLiteConfig struct {
	Path string `toml:"path"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // default: "15:04:05.000"
}

// WebSocketConfig drives the opsui progress feed.
type WebSocketConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// NewDefaultConfig returns the configuration baseline every loaded file is merged onto.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Czar: CzarConfig{
			DispatchConcurrency:   8,
			MaxAttempts:           5,
			SquashTimeout:         10 * time.Minute,
			ProvisionRetryBackoff: 500 * time.Millisecond,
		},
		Merger: MergerConfig{
			BatchSize:    1000,
			JobIDSQLType: "BIGINT",
		},
		Controller: ControllerConfig{
			JobPollInterval: 2 * time.Second,
			VerifySweepSize: 1000,
			ReportCacheTTL:  240 * time.Second,
			IndexBatchSize:  50,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{Path: "./data/badger"},
			SQLite: SQLiteConfig{Path: "./data/qserv.db"},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
		WebSocket: WebSocketConfig{
			Enabled: false,
			Port:    8600,
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 -> file2 -> ... -> env.
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides applies QSERV_* environment variables, the highest-priority
// layer below explicit CLI flags.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("QSERV_ENV"); env != "" {
		config.Environment = env
	}
	if dsn := os.Getenv("QSERV_MERGER_DSN"); dsn != "" {
		config.Merger.DSN = dsn
	}
	if dsn := os.Getenv("QSERV_CONTROLLER_DSN"); dsn != "" {
		config.Controller.DSN = dsn
	}
	if n := os.Getenv("QSERV_CZAR_MAX_ATTEMPTS"); n != "" {
		if v, err := strconv.Atoi(n); err == nil {
			config.Czar.MaxAttempts = v
		}
	}
	if n := os.Getenv("QSERV_CZAR_DISPATCH_CONCURRENCY"); n != "" {
		if v, err := strconv.Atoi(n); err == nil {
			config.Czar.DispatchConcurrency = v
		}
	}
	if level := os.Getenv("QSERV_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// ApplyFlagOverrides applies CLI-flag-sourced overrides, the highest priority layer.
func ApplyFlagOverrides(config *Config, maxAttempts int, dispatchConcurrency int) {
	if maxAttempts > 0 {
		config.Czar.MaxAttempts = maxAttempts
	}
	if dispatchConcurrency > 0 {
		config.Czar.DispatchConcurrency = dispatchConcurrency
	}
}

// IsProduction reports whether the configured environment is production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
