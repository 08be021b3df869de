package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var envVars = []string{
	"LEDGER_CONFIG_PATH",
	"LEDGER_DB_PATH",
	"LEDGER_DB_OPEN_TIMEOUT",
	"LEDGER_DB_VERBOSE",
	"LEDGER_KDF_TIME",
	"LEDGER_KDF_MEMORY_KIB",
	"LEDGER_KDF_THREADS",
	"LEDGER_CRYPTO_TIMEOUT",
	"LEDGER_CRYPTO_OFFLOAD",
	"LEDGER_AUDIT_DIR",
	"LEDGER_AUDIT_SYNC",
	"LEDGER_LOG_LEVEL",
	"LEDGER_LOG_FORMAT",
}

// clearEnv unsets every LEDGER_* variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range envVars {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)
	require.Equal(t, "ledger.db", cfg.Database.Path)
	require.Equal(t, 10*time.Second, cfg.Database.OpenTimeout.Std())
	require.Equal(t, KDFConfig{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}, cfg.Crypto.KDF)
	require.Equal(t, 30*time.Second, cfg.Crypto.RequestTimeout.Std())
	require.False(t, cfg.Crypto.Offload)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
database:
  path: /var/lib/ledger/main.db
  open_timeout: 2s
  verbose: true
crypto:
  kdf:
    time: 4
    memory_kib: 32768
    threads: 2
  request_timeout: 1m
  offload: true
audit:
  dir: /var/log/ledger
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/ledger/main.db", cfg.Database.Path)
	require.Equal(t, 2*time.Second, cfg.Database.OpenTimeout.Std())
	require.True(t, cfg.Database.Verbose)
	require.Equal(t, KDFConfig{Time: 4, MemoryKiB: 32768, Threads: 2}, cfg.Crypto.KDF)
	require.Equal(t, time.Minute, cfg.Crypto.RequestTimeout.Std())
	require.True(t, cfg.Crypto.Offload)
	require.Equal(t, "/var/log/ledger", cfg.Audit.Dir)
	require.Equal(t, int64(1024*1024), cfg.Audit.MaxFileSize, "unset keys keep defaults")
	require.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "database:\n  path: from-env-path.db\n")
	t.Setenv("LEDGER_CONFIG_PATH", path)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "from-env-path.db", cfg.Database.Path)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "database:\n  path: file.db\nlog:\n  level: warn\n")
	t.Setenv("LEDGER_DB_PATH", "env.db")
	t.Setenv("LEDGER_DB_VERBOSE", "1")
	t.Setenv("LEDGER_KDF_TIME", "5")
	t.Setenv("LEDGER_KDF_MEMORY_KIB", "1024")
	t.Setenv("LEDGER_KDF_THREADS", "1")
	t.Setenv("LEDGER_CRYPTO_TIMEOUT", "5s")
	t.Setenv("LEDGER_CRYPTO_OFFLOAD", "true")
	t.Setenv("LEDGER_AUDIT_DIR", "/tmp/audit")
	t.Setenv("LEDGER_AUDIT_SYNC", "true")
	t.Setenv("LEDGER_LOG_FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "env.db", cfg.Database.Path)
	require.True(t, cfg.Database.Verbose)
	require.Equal(t, KDFConfig{Time: 5, MemoryKiB: 1024, Threads: 1}, cfg.Crypto.KDF)
	require.Equal(t, 5*time.Second, cfg.Crypto.RequestTimeout.Std())
	require.True(t, cfg.Crypto.Offload)
	require.Equal(t, "/tmp/audit", cfg.Audit.Dir)
	require.True(t, cfg.Audit.Sync)
	require.Equal(t, "warn", cfg.Log.Level, "file value survives when env is unset")
	require.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_MalformedEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("LEDGER_DB_OPEN_TIMEOUT", "soon")
	t.Setenv("LEDGER_KDF_THREADS", "300")
	t.Setenv("LEDGER_CRYPTO_OFFLOAD", "maybe")

	_, err := Load("")
	require.Error(t, err)
	require.ErrorContains(t, err, "LEDGER_DB_OPEN_TIMEOUT")
	require.ErrorContains(t, err, "LEDGER_KDF_THREADS")
	require.ErrorContains(t, err, "LEDGER_CRYPTO_OFFLOAD")
}

func TestLoad_BadFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeFile(t, "database: [unclosed"))
	require.ErrorContains(t, err, "parsing config file")

	_, err = Load(writeFile(t, "database:\n  open_timeout: forever\n"))
	require.ErrorContains(t, err, `invalid duration "forever"`)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		errMsg string
	}{
		{"empty path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"zero kdf time", func(c *Config) { c.Crypto.KDF.Time = 0 }, "crypto.kdf.time"},
		{"zero threads", func(c *Config) { c.Crypto.KDF.Threads = 0 }, "crypto.kdf.threads"},
		{"too little memory", func(c *Config) { c.Crypto.KDF.MemoryKiB = 16 }, "crypto.kdf.memory_kib"},
		{"zero timeout", func(c *Config) { c.Crypto.RequestTimeout = 0 }, "crypto.request_timeout"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Defaults()
			require.NoError(t, c.Validate())
			tt.modify(c)
			require.ErrorContains(t, c.Validate(), tt.errMsg)
		})
	}
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte("log:\n  level: error\n"))
	require.NoError(t, err)
	require.Equal(t, "error", cfg.Log.Level)
	require.Equal(t, "ledger.db", cfg.Database.Path)

	_, err = Parse([]byte("log:\n  format: xml\n"))
	require.Error(t, err)
}

func TestDuration_YAMLRoundTrip(t *testing.T) {
	data, err := yaml.Marshal(map[string]Duration{"timeout": Duration(90 * time.Second)})
	require.NoError(t, err)
	require.Equal(t, "timeout: 1m30s\n", string(data))

	var out map[string]Duration
	require.NoError(t, yaml.Unmarshal(data, &out))
	require.Equal(t, 90*time.Second, out["timeout"].Std())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.True(t, strings.HasPrefix(out, "{"))
	require.Contains(t, out, `"msg":"shown"`)
	require.Contains(t, out, `"k":"v"`)

	buf.Reset()
	logger, err = LogConfig{Level: "debug", Format: "text"}.NewLogger(&buf)
	require.NoError(t, err)
	logger.Debug("details")
	require.Contains(t, buf.String(), "msg=details")

	_, err = LogConfig{Level: "nope", Format: "text"}.NewLogger(&buf)
	require.Error(t, err)
}
