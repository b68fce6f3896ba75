package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"opd-emr/internal/platform/sqlite"
	"opd-emr/pkg/retry"
)

// Config holds application configuration values.
type Config struct {
	Env  string `mapstructure:"env" validate:"required,oneof=dev prod test"`
	HTTP struct {
		Addr            string        `mapstructure:"addr" validate:"required"`
		RequestTimeout  time.Duration `mapstructure:"request_timeout" validate:"gte=0"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
		OrderRate       time.Duration `mapstructure:"order_rate" validate:"gte=0"`
	} `mapstructure:"http"`
	DB struct {
		Path                string        `mapstructure:"path" validate:"required"`
		BusyTimeout         time.Duration `mapstructure:"busy_timeout" validate:"gte=0"`
		TxLockMode          string        `mapstructure:"tx_lock_mode" validate:"oneof=DEFERRED IMMEDIATE EXCLUSIVE"`
		WriteQueue          bool          `mapstructure:"write_queue"`
		ConnectMaxRetries   int           `mapstructure:"connect_max_retries" validate:"gte=0,lte=20"`
		ConnectMultiplier   float64       `mapstructure:"connect_multiplier" validate:"gte=1"`
		StatementMaxRetries int           `mapstructure:"statement_max_retries" validate:"gte=0,lte=20"`
		StatementMultiplier float64       `mapstructure:"statement_multiplier" validate:"gte=1"`
		RetryInitialDelay   time.Duration `mapstructure:"retry_initial_delay" validate:"gt=0"`
		RetryMaxDelay       time.Duration `mapstructure:"retry_max_delay" validate:"gtefield=RetryInitialDelay"`
		RetryJitter         string        `mapstructure:"retry_jitter" validate:"oneof=none equal decorrelated"`
	} `mapstructure:"db"`
	Maintenance struct {
		Schedule string        `mapstructure:"schedule"`
		Timeout  time.Duration `mapstructure:"timeout" validate:"gte=0"`
	} `mapstructure:"maintenance"`
	Log struct {
		ConsoleLevel string `mapstructure:"console_level" validate:"required,oneof=debug info warn error"`
		FileLevel    string `mapstructure:"file_level" validate:"required,oneof=debug info warn error"`
		File         string `mapstructure:"file"`
	} `mapstructure:"log"`
}

var validate = validator.New()

// defaults doubles as the list of keys bound to the environment:
// db.busy_timeout is read from DB_BUSY_TIMEOUT and so on.
var defaults = map[string]any{
	"env":                      "prod",
	"http.addr":                ":8080",
	"http.request_timeout":     "15s",
	"http.shutdown_timeout":    "10s",
	"http.order_rate":          "0s",
	"db.path":                  "data/clinic.db",
	"db.busy_timeout":          "30s",
	"db.tx_lock_mode":          "IMMEDIATE",
	"db.write_queue":           false,
	"db.connect_max_retries":   5,
	"db.connect_multiplier":    2.0,
	"db.statement_max_retries": 5,
	"db.statement_multiplier":  1.5,
	"db.retry_initial_delay":   "100ms",
	"db.retry_max_delay":       "2s",
	"db.retry_jitter":          "none",
	"maintenance.schedule":     "@every 15m",
	"maintenance.timeout":      "1m",
	"log.console_level":        "info",
	"log.file_level":           "debug",
	"log.file":                 "data/logs/clinicd.log",
}

// Load reads configuration from defaults, an optional config file, the optional
// .env file and environment variables, in increasing priority.
// An empty MAINTENANCE_SCHEDULE disables maintenance.
func Load(configFile string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}

	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	c.DB.TxLockMode = strings.ToUpper(strings.TrimSpace(c.DB.TxLockMode))
	c.DB.RetryJitter = strings.ToLower(strings.TrimSpace(c.DB.RetryJitter))
	c.Log.ConsoleLevel = strings.ToLower(c.Log.ConsoleLevel)
	c.Log.FileLevel = strings.ToLower(c.Log.FileLevel)
	c.Maintenance.Schedule = strings.TrimSpace(c.Maintenance.Schedule)

	if err := validate.Struct(c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// DBOptions converts the DB section into store options. Jitter applies to every
// retry policy; the reported Schedule stays the un-jittered base.
func (c Config) DBOptions() sqlite.DBOptions {
	opts := sqlite.DefaultDBOptions()
	opts.BusyTimeout = c.DB.BusyTimeout
	if mode, err := sqlite.ParseTxLockMode(c.DB.TxLockMode); err == nil {
		opts.TxLockMode = mode
	}
	opts.EnableWriteQueue = c.DB.WriteQueue
	jitter, _ := retry.ParseJitterStrategy(c.DB.RetryJitter)

	opts.ConnectRetry = sqlite.RetryPolicy{
		MaxRetries:   c.DB.ConnectMaxRetries,
		InitialDelay: c.DB.RetryInitialDelay,
		MaxDelay:     c.DB.RetryMaxDelay,
		Multiplier:   c.DB.ConnectMultiplier,
		Jitter:       jitter,
	}
	opts.StatementRetry = sqlite.RetryPolicy{
		MaxRetries:   c.DB.StatementMaxRetries,
		InitialDelay: c.DB.RetryInitialDelay,
		MaxDelay:     c.DB.RetryMaxDelay,
		Multiplier:   c.DB.StatementMultiplier,
		Jitter:       jitter,
	}
	opts.UnitRetry = opts.StatementRetry
	return opts
}
