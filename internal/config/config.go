// Package config layers the tool's two tunables — chunk size and log
// level — across CLI flags, environment variables, an optional config
// file, and defaults, in that order of precedence. Everything else
// (mode, workdir, dry-run, device path) is positional/required and stays
// on the cobra command itself; it has no sensible default to layer.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

const (
	DefaultChunkSize = 4096
	DefaultLogLevel  = "info"

	envPrefix = "BLOCKCRYPT"
)

// Config holds the resolved tunables for a run.
type Config struct {
	ChunkSize int    `mapstructure:"chunk_size"`
	LogLevel  string `mapstructure:"log_level"`
}

// Load resolves Config from (in ascending precedence) defaults, an
// optional blockcrypt.yaml in the current directory, and BLOCKCRYPT_*
// environment variables. CLI flags are layered on top by the caller,
// since cobra/pflag binding happens at the command layer, not here.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("blockcrypt")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetDefault("chunk_size", DefaultChunkSize)
	v.SetDefault("log_level", DefaultLogLevel)

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// ApplyOverride layers an explicitly-set CLI flag value on top of cfg. It
// is the caller's job to know whether the flag was actually set versus
// merely carrying pflag's zero value; viper's own flag-binding would
// otherwise make "set to the default" indistinguishable from "unset".
func (c *Config) ApplyOverride(chunkSize int, logLevel string) {
	if chunkSize > 0 {
		c.ChunkSize = chunkSize
	}
	if logLevel != "" {
		c.LogLevel = logLevel
	}
}
