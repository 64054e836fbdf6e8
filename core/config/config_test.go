// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nanoprobe.toml")
	body := `
[node]
hostname = "probe-1"
log_level = "debug"

[net]
bind_addr = "127.0.0.1:1984"
window_size = 16
rexmit_interval = "500ms"

[cma]
rendezvous_addr = "239.0.0.1:1984"

[keys]
dir = "/var/lib/nanoprobe/keys"
default_sign_key_id = "node-1"
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Node.Hostname != "probe-1" || cfg.Node.LogLevel != "debug" {
		t.Fatalf("node config mismatch: %+v", cfg.Node)
	}
	if cfg.Net.WindowSize != 16 || cfg.Net.RexmitInterval.Duration() != 500*time.Millisecond {
		t.Fatalf("net config mismatch: %+v", cfg.Net)
	}
	if cfg.CMA.RendezvousAddr != "239.0.0.1:1984" {
		t.Fatalf("cma config mismatch: %+v", cfg.CMA)
	}
	if cfg.Keys.DefaultSignKeyID != "node-1" {
		t.Fatalf("keys config mismatch: %+v", cfg.Keys)
	}
	// MaxQueueLen was not set in the TOML and should keep its default.
	if cfg.Net.MaxQueueLen != 256 {
		t.Fatalf("expected default MaxQueueLen to survive, got %d", cfg.Net.MaxQueueLen)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/nanoprobe.toml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
