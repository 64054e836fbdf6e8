// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config loads the nanoprobe daemon's TOML configuration
// (SPEC_FULL.md §2 ambient stack), using the same library the teacher
// repo's go.mod already depends on.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk configuration for cmd/nanoprobe.
type Config struct {
	Node NodeConfig `toml:"node"`
	Net  NetConfig  `toml:"net"`
	CMA  CMAConfig  `toml:"cma"`
	Keys KeysConfig `toml:"keys"`
}

// NodeConfig names this node and sets its logging/debug level.
type NodeConfig struct {
	Hostname   string `toml:"hostname"`
	DebugLevel int    `toml:"debug_level"`
	LogLevel   string `toml:"log_level"`
}

// NetConfig configures the UDP transport and reliability tunables.
type NetConfig struct {
	BindAddr              string   `toml:"bind_addr"`
	BindFallbackEphemeral bool     `toml:"bind_fallback_ephemeral"`
	McastGroup            string   `toml:"mcast_group"`
	McastInterface        string   `toml:"mcast_interface"`
	WindowSize            int      `toml:"window_size"`
	RexmitInterval        Duration `toml:"rexmit_interval"`
	MaxQueueLen           int      `toml:"max_queue_len"`
}

// Duration wraps time.Duration so it can be written in TOML as a duration
// string ("500ms", "2s") instead of raw nanoseconds, matching
// BurntSushi/toml's UnmarshalTOML hook (spec.md §9 style: short, readable
// config values over opaque integers).
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalTOML(data interface{}) error {
	switch v := data.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case int64:
		*d = Duration(time.Duration(v))
		return nil
	default:
		return fmt.Errorf("config: unsupported duration value %v (%T)", data, data)
	}
}

// CMAConfig names the CMA rendezvous address reached during startup
// handshake (spec.md §4.10).
type CMAConfig struct {
	RendezvousAddr string `toml:"rendezvous_addr"`
}

// KeysConfig locates the on-disk key material (core/keystore file layout).
type KeysConfig struct {
	Dir              string `toml:"dir"`
	DefaultSignKeyID string `toml:"default_sign_key_id"`
}

// Default returns a Config with every field populated with a sane
// starting point, to be overridden by Load.
func Default() Config {
	return Config{
		Node: NodeConfig{Hostname: "localhost", LogLevel: "info"},
		Net: NetConfig{
			BindAddr:       "0.0.0.0:1984",
			WindowSize:     8,
			RexmitInterval: Duration(2 * time.Second),
			MaxQueueLen:    256,
		},
		Keys: KeysConfig{Dir: "/etc/nanoprobe/keys"},
	}
}

// Load reads and parses path, starting from Default() so unspecified
// fields keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}
