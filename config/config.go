// Package config loads the ledger configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure. It is read-only after Load
// returns.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Crypto   CryptoConfig   `yaml:"crypto"`
	Audit    AuditConfig    `yaml:"audit"`
	Log      LogConfig      `yaml:"log"`
}

type DatabaseConfig struct {
	Path        string   `yaml:"path"`
	OpenTimeout Duration `yaml:"open_timeout"`
	Verbose     bool     `yaml:"verbose"`
}

// CryptoConfig controls key derivation and the key worker.
type CryptoConfig struct {
	KDF            KDFConfig `yaml:"kdf"`
	RequestTimeout Duration  `yaml:"request_timeout"`

	// Offload runs field encryption on the key worker instead of inline.
	Offload bool `yaml:"offload"`
}

// KDFConfig holds argon2id cost parameters. They apply to new setups only;
// existing key material keeps the parameters it was created with.
type KDFConfig struct {
	Time      uint32 `yaml:"time"`
	MemoryKiB uint32 `yaml:"memory_kib"`
	Threads   uint8  `yaml:"threads"`
}

type AuditConfig struct {
	// Dir defaults to an "audit" directory next to the database file.
	Dir         string `yaml:"dir"`
	MaxFileSize int64  `yaml:"max_file_size"`
	Sync        bool   `yaml:"sync"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a time.Duration that reads and writes YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Defaults returns a Config with all default values.
func Defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "ledger.db",
			OpenTimeout: Duration(10 * time.Second),
		},
		Crypto: CryptoConfig{
			KDF: KDFConfig{
				Time:      3,
				MemoryKiB: 64 * 1024,
				Threads:   4,
			},
			RequestTimeout: Duration(30 * time.Second),
		},
		Audit: AuditConfig{
			MaxFileSize: 1024 * 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration with precedence: defaults, then the YAML file at
// path, then LEDGER_* environment variables. An empty path falls back to
// LEDGER_CONFIG_PATH; a missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("LEDGER_CONFIG_PATH")
	}
	if path != "" {
		if err := loadYAMLFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads configuration from YAML data on top of the defaults, without
// consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies non-empty environment variables. Malformed
// values are errors rather than being ignored.
func applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(name string, dest *string) {
		if v := os.Getenv(name); v != "" {
			*dest = v
		}
	}
	boolean := func(name string, dest *bool) {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dest = b
		}
	}
	duration := func(name string, dest *Duration) {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dest = Duration(d)
		}
	}
	uint32v := func(name string, dest *uint32) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dest = uint32(n)
		}
	}

	// Database
	str("LEDGER_DB_PATH", &cfg.Database.Path)
	duration("LEDGER_DB_OPEN_TIMEOUT", &cfg.Database.OpenTimeout)
	boolean("LEDGER_DB_VERBOSE", &cfg.Database.Verbose)

	// Crypto
	uint32v("LEDGER_KDF_TIME", &cfg.Crypto.KDF.Time)
	uint32v("LEDGER_KDF_MEMORY_KIB", &cfg.Crypto.KDF.MemoryKiB)
	if v := os.Getenv("LEDGER_KDF_THREADS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			errs = append(errs, fmt.Errorf("LEDGER_KDF_THREADS: %w", err))
		} else {
			cfg.Crypto.KDF.Threads = uint8(n)
		}
	}
	duration("LEDGER_CRYPTO_TIMEOUT", &cfg.Crypto.RequestTimeout)
	boolean("LEDGER_CRYPTO_OFFLOAD", &cfg.Crypto.Offload)

	// Audit
	str("LEDGER_AUDIT_DIR", &cfg.Audit.Dir)
	boolean("LEDGER_AUDIT_SYNC", &cfg.Audit.Sync)

	// Log
	str("LEDGER_LOG_LEVEL", &cfg.Log.Level)
	str("LEDGER_LOG_FORMAT", &cfg.Log.Format)

	return errors.Join(errs...)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Database.OpenTimeout < 0 {
		errs = append(errs, errors.New("database.open_timeout must not be negative"))
	}
	k := c.Crypto.KDF
	if k.Time < 1 {
		errs = append(errs, errors.New("crypto.kdf.time must be at least 1"))
	}
	if k.Threads < 1 {
		errs = append(errs, errors.New("crypto.kdf.threads must be at least 1"))
	}
	if k.MemoryKiB < 8*uint32(k.Threads) {
		errs = append(errs, fmt.Errorf("crypto.kdf.memory_kib must be at least %d", 8*uint32(k.Threads)))
	}
	if c.Crypto.RequestTimeout <= 0 {
		errs = append(errs, errors.New("crypto.request_timeout must be positive"))
	}
	if c.Audit.MaxFileSize < 0 {
		errs = append(errs, errors.New("audit.max_file_size must not be negative"))
	}
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func (lc LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(lc.Level))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds the logger described by lc, writing to w.
func (lc LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := lc.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch lc.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", lc.Format)
	}
}
