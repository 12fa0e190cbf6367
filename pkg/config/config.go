// Package config holds the settings shared by every node binary.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"time"
)

const (
	DefaultLogLevel       = "info"
	DefaultGossipInterval = time.Second
	DefaultGossipMode     = "efficient"
	DefaultMaxInFlight    = 0
	DefaultRPCTimeout     = time.Second
	DefaultKVService      = "seq-kv"
	DefaultFetchInterval  = time.Second
)

// Config is filled from flags, GLOMERS_* environment variables and an
// optional glomers.{yaml,toml,json} file, in that order of precedence.
type Config struct {
	LogLevel       string        `mapstructure:"log-level"`
	GossipInterval time.Duration `mapstructure:"gossip-interval"`
	GossipMode     string        `mapstructure:"gossip-mode"`
	MaxInFlight    int64         `mapstructure:"max-in-flight"`
	RPCTimeout     time.Duration `mapstructure:"rpc-timeout"`
	KVService      string        `mapstructure:"kv-service"`
	FetchInterval  time.Duration `mapstructure:"fetch-interval"`
	MetricsListen  string        `mapstructure:"metrics-listen"`
	ConfigDir      string        `mapstructure:"config-dir"`
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:       DefaultLogLevel,
		GossipInterval: DefaultGossipInterval,
		GossipMode:     DefaultGossipMode,
		MaxInFlight:    DefaultMaxInFlight,
		RPCTimeout:     DefaultRPCTimeout,
		KVService:      DefaultKVService,
		FetchInterval:  DefaultFetchInterval,
	}
}

// NewLogger returns a text logger at the configured level. w must not be the
// protocol output; binaries pass stderr.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("config: log-level: %w", err)
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}
