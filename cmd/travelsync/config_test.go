// Copyright 2024 The go-ethereum Authors
// This file is part of go-ethereum.
//
// go-ethereum is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-ethereum is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-ethereum. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Chain.ChainID = 7001
	cfg.Chain.NFT = common.HexToAddress("0x00000000000000000000000000000000000f0001")
	cfg.Chain.Travel = common.HexToAddress("0x00000000000000000000000000000000000f0002")
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid", func(*Config) {}, ""},
		{"no datadir", func(c *Config) { c.DataDir = "" }, "datadir is required"},
		{"no rpc", func(c *Config) { c.Chain.RPCURL = "" }, "rpc is required"},
		{"no chain id", func(c *Config) { c.Chain.ChainID = 0 }, "chainid is required"},
		{"no nft", func(c *Config) { c.Chain.NFT = common.Address{} }, "contracts.nft is required"},
		{"no travel", func(c *Config) { c.Chain.Travel = common.Address{} }, "contracts.travel is required"},
		{"bad backend", func(c *Config) { c.Ledger.Backend = "sqlite" }, "ledger.backend"},
		{"postgres without dsn", func(c *Config) { c.Ledger.Backend = "postgres" }, "ledger.dsn is required"},
		{"postgres", func(c *Config) { c.Ledger.Backend, c.Ledger.PostgresDSN = "postgres", "postgres://localhost/frogs" }, ""},
		{"zero interval", func(c *Config) { c.Reconcile.Interval = 0 }, "reconcile.interval"},
		{"zero workers", func(c *Config) { c.Reconcile.Workers = 0 }, "reconcile.workers"},
		{"negative rate", func(c *Config) { c.Chain.RateLimit = -1 }, "rpc.ratelimit"},
		{"zero range", func(c *Config) { c.Relay.MaxBlockRange = 0 }, "relay.maxrange"},
		{"relay disabled zero range", func(c *Config) { c.Relay.Enabled, c.Relay.MaxBlockRange = false, 0 }, ""},
		{"public admin without jwt", func(c *Config) { c.Admin.Addr = "0.0.0.0:8570" }, "admin.jwtsecret is required"},
		{"public admin with jwt", func(c *Config) { c.Admin.Addr, c.Admin.JWTSecretFile = "0.0.0.0:8570", "jwt.hex" }, ""},
		{"loopback admin", func(c *Config) { c.Admin.Addr = "127.0.0.1:8570" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Fatalf("expected error containing %q, got %v", tt.errMsg, err)
			}
		})
	}
}

func TestConfigFileRoundTrip(t *testing.T) {
	cfg := validConfig()
	cfg.Reconcile.AutoCompleteExpired = true
	cfg.Reconcile.TimeoutGrace = 45 * time.Minute
	cfg.Admin.CORSOrigins = []string{"https://admin.example"}

	var buf bytes.Buffer
	if err := writeConfig(&buf, cfg); err != nil {
		t.Fatalf("write config: %v", err)
	}
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}
	loaded := defaultConfig()
	if err := loadConfig(file, loaded); err != nil {
		t.Fatalf("load config: %v", err)
	}
	if loaded.Chain.NFT != cfg.Chain.NFT || loaded.Chain.ChainID != 7001 {
		t.Fatalf("chain section not restored: %+v", loaded.Chain)
	}
	if !loaded.Reconcile.AutoCompleteExpired || loaded.Reconcile.TimeoutGrace != 45*time.Minute {
		t.Fatalf("reconcile section not restored: %+v", loaded.Reconcile)
	}
	if len(loaded.Admin.CORSOrigins) != 1 || loaded.Admin.CORSOrigins[0] != "https://admin.example" {
		t.Fatalf("cors origins not restored: %v", loaded.Admin.CORSOrigins)
	}
}

func TestConfigUnknownField(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte("[Reconcile]\nWorkerz = 3\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	err := loadConfig(file, defaultConfig())
	if err == nil || !strings.Contains(err.Error(), "Workerz") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestIsLoopback(t *testing.T) {
	for addr, want := range map[string]bool{
		"localhost:8570":    true,
		"127.0.0.1:0":       true,
		"[::1]:8570":        true,
		"0.0.0.0:8570":      false,
		"10.0.0.4:8570":     false,
		"admin.example:443": false,
		"garbage":           false,
	} {
		if got := isLoopback(addr); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", addr, got, want)
		}
	}
}
