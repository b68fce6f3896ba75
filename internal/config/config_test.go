package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opd-emr/internal/platform/sqlite"
	"opd-emr/pkg/retry"
)

// clearEnv unsets every bound key for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ENV", "HTTP_ADDR", "HTTP_REQUEST_TIMEOUT", "HTTP_SHUTDOWN_TIMEOUT", "HTTP_ORDER_RATE",
		"DB_PATH", "DB_BUSY_TIMEOUT", "DB_TX_LOCK_MODE", "DB_WRITE_QUEUE",
		"DB_CONNECT_MAX_RETRIES", "DB_CONNECT_MULTIPLIER", "DB_STATEMENT_MAX_RETRIES",
		"DB_STATEMENT_MULTIPLIER", "DB_RETRY_INITIAL_DELAY", "DB_RETRY_MAX_DELAY", "DB_RETRY_JITTER",
		"MAINTENANCE_SCHEDULE", "MAINTENANCE_TIMEOUT",
		"LOG_CONSOLE_LEVEL", "LOG_FILE_LEVEL", "LOG_FILE",
	} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "prod", c.Env)
	assert.Equal(t, ":8080", c.HTTP.Addr)
	assert.Equal(t, 15*time.Second, c.HTTP.RequestTimeout)
	assert.Zero(t, c.HTTP.OrderRate)
	assert.Equal(t, "data/clinic.db", c.DB.Path)
	assert.Equal(t, 30*time.Second, c.DB.BusyTimeout)
	assert.Equal(t, "IMMEDIATE", c.DB.TxLockMode)
	assert.False(t, c.DB.WriteQueue)
	assert.Equal(t, 5, c.DB.ConnectMaxRetries)
	assert.Equal(t, 2.0, c.DB.ConnectMultiplier)
	assert.Equal(t, 1.5, c.DB.StatementMultiplier)
	assert.Equal(t, 100*time.Millisecond, c.DB.RetryInitialDelay)
	assert.Equal(t, 2*time.Second, c.DB.RetryMaxDelay)
	assert.Equal(t, "none", c.DB.RetryJitter)
	assert.Equal(t, "@every 15m", c.Maintenance.Schedule)
	assert.Equal(t, "info", c.Log.ConsoleLevel)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "DEV")
	t.Setenv("DB_PATH", "/var/lib/clinic/clinic.db")
	t.Setenv("DB_BUSY_TIMEOUT", "5s")
	t.Setenv("DB_TX_LOCK_MODE", "exclusive")
	t.Setenv("DB_WRITE_QUEUE", "true")
	t.Setenv("DB_STATEMENT_MAX_RETRIES", "3")
	t.Setenv("DB_STATEMENT_MULTIPLIER", "2.5")
	t.Setenv("LOG_CONSOLE_LEVEL", "DEBUG")

	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "dev", c.Env)
	assert.Equal(t, "/var/lib/clinic/clinic.db", c.DB.Path)
	assert.Equal(t, 5*time.Second, c.DB.BusyTimeout)
	assert.Equal(t, "EXCLUSIVE", c.DB.TxLockMode)
	assert.True(t, c.DB.WriteQueue)
	assert.Equal(t, 3, c.DB.StatementMaxRetries)
	assert.Equal(t, 2.5, c.DB.StatementMultiplier)
	assert.Equal(t, "debug", c.Log.ConsoleLevel)
}

func TestLoad_ConfigFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "clinicd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9090"
db:
  path: /srv/clinic.db
  busy_timeout: 10s
maintenance:
  schedule: "0 3 * * *"
`), 0o600))
	t.Setenv("HTTP_ADDR", ":7070")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", c.HTTP.Addr, "env wins over file")
	assert.Equal(t, "/srv/clinic.db", c.DB.Path)
	assert.Equal(t, 10*time.Second, c.DB.BusyTimeout)
	assert.Equal(t, "0 3 * * *", c.Maintenance.Schedule)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"env", "ENV", "staging"},
		{"lock mode", "DB_TX_LOCK_MODE", "SHARED"},
		{"multiplier", "DB_STATEMENT_MULTIPLIER", "0.5"},
		{"retries", "DB_CONNECT_MAX_RETRIES", "-1"},
		{"max delay below initial", "DB_RETRY_MAX_DELAY", "10ms"},
		{"log level", "LOG_FILE_LEVEL", "verbose"},
		{"jitter", "DB_RETRY_JITTER", "full"},
		{"duration", "DB_BUSY_TIMEOUT", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)

			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestConfig_DBOptions(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_TX_LOCK_MODE", "deferred")
	t.Setenv("DB_CONNECT_MAX_RETRIES", "2")

	c, err := Load("")
	require.NoError(t, err)

	opts := c.DBOptions()
	assert.Equal(t, sqlite.TxLockDeferred, opts.TxLockMode)
	assert.Equal(t, 30*time.Second, opts.BusyTimeout)
	assert.Equal(t, 1, opts.MaxOpenConns)
	assert.True(t, opts.WALMode)
	assert.True(t, opts.ForeignKeys)

	assert.Equal(t, 3, opts.ConnectRetry.Attempts())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, opts.ConnectRetry.Schedule())

	assert.Equal(t, retry.JitterNone, opts.StatementRetry.Jitter)
	assert.Equal(t, 6, opts.StatementRetry.Attempts())
	assert.Equal(t, opts.StatementRetry, opts.UnitRetry)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		150 * time.Millisecond,
		225 * time.Millisecond,
		337500 * time.Microsecond,
		506250 * time.Microsecond,
	}, opts.StatementRetry.Schedule())
}

func TestConfig_DBOptions_Jitter(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_RETRY_JITTER", " Decorrelated ")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "decorrelated", c.DB.RetryJitter)

	opts := c.DBOptions()
	assert.Equal(t, retry.JitterDecorrelated, opts.ConnectRetry.Jitter)
	assert.Equal(t, retry.JitterDecorrelated, opts.StatementRetry.Jitter)
	assert.Equal(t, retry.JitterDecorrelated, opts.UnitRetry.Jitter)

	// the reported schedule stays un-jittered
	assert.Equal(t, sqlite.DefaultStatementPolicy().Schedule(), opts.StatementRetry.Schedule())
}
