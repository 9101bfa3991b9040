// Package config loads flowcompile's configuration from flags, environment
// variables, and an optional config file, with that order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ha1tch/flowcompile/internal/layout"
	flowerrors "github.com/ha1tch/flowcompile/pkg/errors"
	"github.com/ha1tch/flowcompile/pkg/log"
)

// Config is flowcompile's full runtime configuration: the path layout
// (spec.md §6's enumerated compiler options), catalog connection
// settings, poll intervals, and logging.
type Config struct {
	Layout layout.Config

	CatalogDriver string // "sqlite" or "postgres"
	CatalogDSN    string

	CompilerPollInterval time.Duration
	GCPollInterval       time.Duration

	LogLevel  string
	LogFormat string
}

// DefaultConfig returns flowcompile's out-of-the-box configuration: a
// compiler working directory of ./flowcompile-data, a local SQLite catalog
// file flowcompile.db in the current directory, the spec's default poll
// intervals, and text logging at info level.
func DefaultConfig() Config {
	return Config{
		Layout: layout.Config{
			CompilerWorkingDirectory: "./flowcompile-data",
			SQLCompilerHome:          "/usr/local/lib/flowcompile",
			Debug:                    false,
			Precompile:               false,
		},
		CatalogDriver:        "sqlite",
		CatalogDSN:           "flowcompile.db",
		CompilerPollInterval: time.Second,
		GCPollInterval:       3 * time.Second,
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// BindFlags registers every configurable option on fs, using
// DefaultConfig's values as defaults. Call this once per cobra command
// that should accept these flags.
func BindFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.String("compiler-working-directory", d.Layout.CompilerWorkingDirectory, "root directory for the generated workspace and compiled binaries")
	fs.String("sql-compiler-home", d.Layout.SQLCompilerHome, "directory containing the SQL-to-dataflow compiler executable")
	fs.String("dbsp-override-path", d.Layout.DBSPOverridePath, "local checkout to redirect generated path dependencies at (development only)")
	fs.Bool("debug", d.Layout.Debug, "build the native stage in debug mode instead of release")
	fs.Bool("precompile", d.Layout.Precompile, "run the dependency warm-up routine before serving")

	fs.String("catalog-driver", d.CatalogDriver, "catalog backend: sqlite or postgres")
	fs.String("catalog-dsn", d.CatalogDSN, "catalog connection string (sqlite file path, or postgres DSN)")

	fs.Duration("compiler-poll-interval", d.CompilerPollInterval, "orchestrator poll/cancellation-check interval")
	fs.Duration("gc-poll-interval", d.GCPollInterval, "garbage collector sweep interval")

	fs.String("log-level", d.LogLevel, "log level: debug, info, warn, error")
	fs.String("log-format", d.LogFormat, "log format: text or json")
}

// Load resolves configuration from (in increasing precedence) defaults,
// an optional config file, environment variables prefixed FLOWCOMPILE_,
// and flags already bound to fs.
func Load(fs *pflag.FlagSet, configFile string) (Config, error) {
	v := viper.New()

	d := DefaultConfig()
	v.SetDefault("compiler-working-directory", d.Layout.CompilerWorkingDirectory)
	v.SetDefault("sql-compiler-home", d.Layout.SQLCompilerHome)
	v.SetDefault("dbsp-override-path", d.Layout.DBSPOverridePath)
	v.SetDefault("debug", d.Layout.Debug)
	v.SetDefault("precompile", d.Layout.Precompile)
	v.SetDefault("catalog-driver", d.CatalogDriver)
	v.SetDefault("catalog-dsn", d.CatalogDSN)
	v.SetDefault("compiler-poll-interval", d.CompilerPollInterval)
	v.SetDefault("gc-poll-interval", d.GCPollInterval)
	v.SetDefault("log-level", d.LogLevel)
	v.SetDefault("log-format", d.LogFormat)

	v.SetEnvPrefix("FLOWCOMPILE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, flowerrors.Wrap(err, flowerrors.ErrCodeConfigParse, "reading config file").
				WithField("path", configFile).
				Err()
		}
	}

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, flowerrors.Wrap(err, flowerrors.ErrCodeConfigInvalid, "binding flags").Err()
		}
	}

	cfg := Config{
		Layout: layout.Config{
			CompilerWorkingDirectory: v.GetString("compiler-working-directory"),
			SQLCompilerHome:          v.GetString("sql-compiler-home"),
			DBSPOverridePath:         v.GetString("dbsp-override-path"),
			Debug:                    v.GetBool("debug"),
			Precompile:               v.GetBool("precompile"),
		},
		CatalogDriver:        v.GetString("catalog-driver"),
		CatalogDSN:           v.GetString("catalog-dsn"),
		CompilerPollInterval: v.GetDuration("compiler-poll-interval"),
		GCPollInterval:       v.GetDuration("gc-poll-interval"),
		LogLevel:             v.GetString("log-level"),
		LogFormat:            v.GetString("log-format"),
	}

	return cfg, cfg.Validate()
}

// Validate rejects configuration values the rest of the service can't act
// on, before anything tries to open a catalog connection or spawn a
// compiler.
func (c Config) Validate() error {
	if c.Layout.CompilerWorkingDirectory == "" {
		return flowerrors.InvalidInput("compiler-working-directory", "must not be empty").Err()
	}
	if c.Layout.SQLCompilerHome == "" {
		return flowerrors.InvalidInput("sql-compiler-home", "must not be empty").Err()
	}
	switch c.CatalogDriver {
	case "sqlite", "postgres":
	default:
		return flowerrors.InvalidInput("catalog-driver", "must be sqlite or postgres").Err()
	}
	if c.CatalogDSN == "" {
		return flowerrors.InvalidInput("catalog-dsn", "must not be empty").Err()
	}
	if c.CompilerPollInterval <= 0 {
		return flowerrors.InvalidInput("compiler-poll-interval", "must be positive").Err()
	}
	if c.GCPollInterval <= 0 {
		return flowerrors.InvalidInput("gc-poll-interval", "must be positive").Err()
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return flowerrors.InvalidInput("log-level", err.Error()).Err()
	}
	if _, err := log.ParseFormat(c.LogFormat); err != nil {
		return flowerrors.InvalidInput("log-format", err.Error()).Err()
	}
	return nil
}

// LogConfig translates the resolved log level/format into a pkg/log.Config.
func (c Config) LogConfig() log.Config {
	cfg := log.DefaultConfig()
	if level, err := log.ParseLevel(c.LogLevel); err == nil {
		cfg.DefaultLevel = level
	}
	if format, err := log.ParseFormat(c.LogFormat); err == nil {
		cfg.Format = format
	}
	return cfg
}
