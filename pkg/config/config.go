// Package config loads the worker's tunables via viper, matching the
// teacher's reliance on spf13/viper for sandbox/runtime configuration.
// There is no control-daemon config surface here (out of scope per
// spec.md §1); this only covers the per-worker knobs: the local protocol
// version offered in the handshake, default vchan buffer size, and log
// level.
package config

import (
	"github.com/spf13/viper"

	"github.com/qrexec-go/agent/internal/handshake"
	"github.com/qrexec-go/agent/internal/vchan"
)

// Config is the resolved set of worker tunables.
type Config struct {
	ProtocolVersion int    `mapstructure:"protocol_version"`
	BufferSize      int    `mapstructure:"buffer_size"`
	LogLevel        string `mapstructure:"log_level"`
}

// Load reads configuration from (in ascending priority) defaults, a config
// file named qrexec-agent.{yaml,json,toml} on the search path, and
// QREXEC_AGENT_-prefixed environment variables.
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetDefault("protocol_version", handshake.MinimumSupportedVersion)
	v.SetDefault("buffer_size", vchan.DefaultBufferSize)
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("QREXEC_AGENT")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("qrexec-agent")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/qrexec-agent")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if _, err := vchan.ValidateBufferSize(cfg.BufferSize); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
