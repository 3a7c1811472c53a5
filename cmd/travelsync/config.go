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
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"time"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
	"github.com/naoina/toml"
)

// Config holds the travelsync daemon configuration. It is read from an
// optional TOML file; command line flags override file values.
type Config struct {
	DataDir        string
	ConnectorsFile string `toml:",omitempty"` // YAML connector registry

	Ledger    LedgerConfig
	Chain     ChainConfig
	Reconcile ReconcileConfig
	Relay     RelayConfig
	Push      PushConfig
	Admin     AdminConfig
	Metrics   MetricsConfig
	Log       LogConfig
}

type LedgerConfig struct {
	Backend     string // "leveldb" or "postgres"
	PostgresDSN string `toml:",omitempty"`
	Cache       int    // leveldb cache in MB
	Handles     int
}

type ChainConfig struct {
	RPCURL  string
	ChainID uint64
	NFT     common.Address
	Travel  common.Address
	// KeyFile holds the hex encoded admin key. Without it the daemon runs
	// read-only and escalates every chain-affecting correction.
	KeyFile        string `toml:",omitempty"`
	RateLimit      float64
	Burst          int
	Legacy         bool
	ConfirmTimeout time.Duration
	ConfirmBlocks  uint64
	SkipVisiting   bool
}

type ReconcileConfig struct {
	Interval            time.Duration
	Workers             int
	FrogTimeout         time.Duration
	CorrectionTimeout   time.Duration
	MaxAttempts         int
	TimeoutGrace        time.Duration
	AutoCompleteExpired bool
	CrossChainOnly      bool
	OlderThan           time.Duration
}

type RelayConfig struct {
	Enabled          bool
	PollInterval     time.Duration
	MaxBlockRange    uint64
	Confirmations    uint64
	StartLookback    uint64
	FailureThreshold int
}

type PushConfig struct {
	URL       string `toml:",omitempty"`
	TokenFile string `toml:",omitempty"`
	QueueSize int
}

type AdminConfig struct {
	Enabled       bool
	Addr          string
	JWTSecretFile string   `toml:",omitempty"`
	CORSOrigins   []string `toml:",omitempty"`
}

type MetricsConfig struct {
	Enabled      bool
	Addr         string
	OTLPEndpoint string `toml:",omitempty"`
	PprofEnabled bool
	PprofAddr    string

	PyroscopeServer string `toml:",omitempty"`
}

type LogConfig struct {
	Verbosity string
	JSON      bool
	File      string `toml:",omitempty"`
	MaxSizeMB int
	MaxBackup int
}

func defaultConfig() *Config {
	return &Config{
		DataDir: "./travelsync-data",
		Ledger: LedgerConfig{
			Backend: "leveldb",
			Cache:   64,
			Handles: 128,
		},
		Chain: ChainConfig{
			RPCURL:         "http://localhost:8545",
			RateLimit:      20,
			Burst:          10,
			ConfirmTimeout: 2 * time.Minute,
			ConfirmBlocks:  1,
		},
		Reconcile: ReconcileConfig{
			Interval:          5 * time.Minute,
			Workers:           4,
			FrogTimeout:       30 * time.Second,
			CorrectionTimeout: 3 * time.Minute,
			MaxAttempts:       3,
			TimeoutGrace:      30 * time.Minute,
		},
		Relay: RelayConfig{
			Enabled:          true,
			PollInterval:     5 * time.Second,
			MaxBlockRange:    2000,
			Confirmations:    2,
			StartLookback:    5000,
			FailureThreshold: 3,
		},
		Push: PushConfig{QueueSize: 1024},
		Admin: AdminConfig{
			Enabled: true,
			Addr:    "localhost:8570",
		},
		Metrics: MetricsConfig{
			Addr:      "127.0.0.1:6070",
			PprofAddr: "127.0.0.1:6071",
		},
		Log: LogConfig{
			Verbosity: "info",
			MaxSizeMB: 100,
			MaxBackup: 10,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("datadir is required")
	}
	if c.Chain.RPCURL == "" {
		return errors.New("rpc is required")
	}
	if c.Chain.ChainID == 0 {
		return errors.New("chainid is required")
	}
	if c.Chain.NFT == (common.Address{}) {
		return errors.New("contracts.nft is required")
	}
	if c.Chain.Travel == (common.Address{}) {
		return errors.New("contracts.travel is required")
	}
	switch c.Ledger.Backend {
	case "leveldb":
	case "postgres":
		if c.Ledger.PostgresDSN == "" {
			return errors.New("ledger.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("ledger.backend must be 'leveldb' or 'postgres', got %q", c.Ledger.Backend)
	}
	if c.Reconcile.Interval <= 0 {
		return errors.New("reconcile.interval must be > 0")
	}
	if c.Reconcile.Workers < 1 {
		return errors.New("reconcile.workers must be > 0")
	}
	if c.Chain.RateLimit < 0 {
		return errors.New("rpc.ratelimit must not be negative")
	}
	if c.Relay.Enabled && c.Relay.MaxBlockRange == 0 {
		return errors.New("relay.maxrange must be > 0")
	}
	if c.Push.URL != "" && c.Push.QueueSize <= 0 {
		return errors.New("push.queue must be > 0")
	}
	if c.Admin.Enabled && c.Admin.JWTSecretFile == "" && !isLoopback(c.Admin.Addr) {
		return fmt.Errorf("admin.jwtsecret is required when the admin API listens on %s", c.Admin.Addr)
	}
	return nil
}

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		id := fmt.Sprintf("%s.%s", rt.String(), field)
		link := ""
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://pkg.go.dev/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, id, link)
	},
}

func loadConfig(file string, cfg *Config) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

func writeConfig(w io.Writer, cfg *Config) error {
	out, err := tomlSettings.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
