// Package config loads StockNest configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all daemon configuration loaded from environment variables.
type Config struct {
	App    AppConfig
	Server ServerConfig
	Peer   PeerConfig
	Sync   SyncConfig
}

// AppConfig holds application-level settings.
type AppConfig struct {
	DeviceName string `envconfig:"DEVICE_NAME" default:"stocknest"`
	DataDir    string `envconfig:"DATA_DIR" default:"./data"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
}

// ServerConfig holds the local UI HTTP server settings.
type ServerConfig struct {
	Addr            string        `envconfig:"HTTP_ADDR" default:"127.0.0.1:8090"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
}

// PeerConfig holds signaling and direct-channel settings.
type PeerConfig struct {
	SignalURL        string        `envconfig:"SIGNAL_URL" default:"ws://127.0.0.1:8970/signal"`
	ListenAddr       string        `envconfig:"PEER_ADDR" default:"127.0.0.1:8971"`
	AnnounceInterval time.Duration `envconfig:"ANNOUNCE_INTERVAL" default:"30s"`
	ConnectTimeout   time.Duration `envconfig:"CONNECT_TIMEOUT" default:"5s"`
	Capabilities     string        `envconfig:"CAPABILITIES" default:""`
}

// SyncConfig holds protocol tuning knobs.
type SyncConfig struct {
	// DebounceWindow coalesces local edits before a change notice goes out.
	DebounceWindow time.Duration `envconfig:"SYNC_DEBOUNCE_WINDOW" default:"1s"`
	// ToleranceWindow is the maximum timestamp distance, in seconds, at
	// which two edits count as concurrent and are surfaced as a conflict.
	ToleranceWindow int64 `envconfig:"SYNC_TOLERANCE_WINDOW" default:"0"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
