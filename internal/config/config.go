// Package config loads server settings from defaults, an optional config
// file, and ESTORE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Keys used in viper, config files, and (upper-cased, ESTORE_ prefixed) the environment.
const (
	KeyDatabaseURL      = "database_url"
	KeyAddr             = "addr"
	KeyLogLevel         = "log_level"
	KeyTraceStdout      = "trace_stdout"
	KeyTraceSampleRatio = "trace_sample_ratio"
	KeyAdminAllowDelete = "admin_allow_delete"
	KeyMaxPageSize      = "max_page_size"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "ESTORE"

// HardMaxPageSize bounds MaxPageSize regardless of configuration.
const HardMaxPageSize = 1000

// Config holds the resolved settings.
type Config struct {
	DatabaseURL      string  `mapstructure:"database_url"`
	Addr             string  `mapstructure:"addr"`
	LogLevel         string  `mapstructure:"log_level"`
	TraceStdout      bool    `mapstructure:"trace_stdout"`
	TraceSampleRatio float64 `mapstructure:"trace_sample_ratio"`
	AdminAllowDelete bool    `mapstructure:"admin_allow_delete"`
	MaxPageSize      int     `mapstructure:"max_page_size"`
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyDatabaseURL, "sqlite:")
	v.SetDefault(KeyAddr, ":8080")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyTraceStdout, false)
	v.SetDefault(KeyTraceSampleRatio, 1.0)
	v.SetDefault(KeyAdminAllowDelete, false)
	v.SetDefault(KeyMaxPageSize, 200)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file into v and decodes the result.
func Load(v *viper.Viper, configFile string) (Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks that required settings are present and in range.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("database_url is required"))
	}
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.MaxPageSize < 1 || c.MaxPageSize > HardMaxPageSize {
		errs = append(errs, fmt.Errorf("max_page_size must be in [1, %d], got %d", HardMaxPageSize, c.MaxPageSize))
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("trace_sample_ratio must be in [0, 1], got %g", c.TraceSampleRatio))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// Level returns the configured log level, defaulting to info.
func (c Config) Level() slog.Level {
	l, _ := ParseLevel(c.LogLevel)
	return l
}
