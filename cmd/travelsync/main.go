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

// travelsync keeps the off-chain travel ledger consistent with the
// on-chain state of every frog.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gofrs/flock"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the ledger and the instance lock",
		Value: "./travelsync-data",
	}
	connectorsFlag = &cli.StringFlag{
		Name:  "connectors",
		Usage: "YAML file listing the connector contracts of every target chain",
	}
	ledgerBackendFlag = &cli.StringFlag{
		Name:  "ledger.backend",
		Usage: "Ledger backend (leveldb, postgres)",
		Value: "leveldb",
	}
	ledgerDSNFlag = &cli.StringFlag{
		Name:    "ledger.dsn",
		Usage:   "Postgres connection string of the ledger",
		EnvVars: []string{"TRAVELSYNC_LEDGER_DSN"},
	}
	ledgerCacheFlag = &cli.IntFlag{
		Name:  "ledger.cache",
		Usage: "Megabytes of memory allocated to the leveldb ledger",
		Value: 64,
	}
	rpcURLFlag = &cli.StringFlag{
		Name:  "rpc",
		Usage: "Origin chain RPC endpoint",
		Value: "http://localhost:8545",
	}
	chainIDFlag = &cli.Uint64Flag{
		Name:  "chainid",
		Usage: "Origin chain id",
	}
	nftAddressFlag = &cli.StringFlag{
		Name:  "contracts.nft",
		Usage: "Address of the frog NFT contract",
	}
	travelAddressFlag = &cli.StringFlag{
		Name:  "contracts.travel",
		Usage: "Address of the cross-chain travel contract",
	}
	keyFileFlag = &cli.StringFlag{
		Name:  "signer.keyfile",
		Usage: "File holding the hex encoded admin key (read-only without it)",
	}
	rateLimitFlag = &cli.Float64Flag{
		Name:  "rpc.ratelimit",
		Usage: "Maximum chain calls per second per endpoint (0 = unlimited)",
		Value: 20,
	}
	legacyTxFlag = &cli.BoolFlag{
		Name:  "tx.legacy",
		Usage: "Send legacy transactions instead of dynamic fee transactions",
	}
	confirmTimeoutFlag = &cli.DurationFlag{
		Name:  "tx.timeout",
		Usage: "Maximum time to wait for a correction to be confirmed",
		Value: defaultConfig().Chain.ConfirmTimeout,
	}
	confirmBlocksFlag = &cli.Uint64Flag{
		Name:  "tx.confirmations",
		Usage: "Blocks a correction needs before the ledger follows it",
		Value: 1,
	}
	skipVisitingFlag = &cli.BoolFlag{
		Name:  "connectors.skipvisiting",
		Usage: "Do not consult connector contracts while reading frog state",
	}
	intervalFlag = &cli.DurationFlag{
		Name:  "reconcile.interval",
		Usage: "Time between full reconciliation passes",
		Value: defaultConfig().Reconcile.Interval,
	}
	workersFlag = &cli.IntFlag{
		Name:  "reconcile.workers",
		Usage: "Frogs reconciled concurrently",
		Value: 4,
	}
	frogTimeoutFlag = &cli.DurationFlag{
		Name:  "reconcile.frogtimeout",
		Usage: "Bound of the chain reads of one frog",
		Value: defaultConfig().Reconcile.FrogTimeout,
	}
	graceFlag = &cli.DurationFlag{
		Name:  "reconcile.grace",
		Usage: "Time past the scheduled end before a cross-chain travel counts as expired",
		Value: defaultConfig().Reconcile.TimeoutGrace,
	}
	autoCompleteFlag = &cli.BoolFlag{
		Name:  "reconcile.autocomplete",
		Usage: "Complete expired cross-chain travels on chain instead of escalating them",
	}
	crossChainOnlyFlag = &cli.BoolFlag{
		Name:  "reconcile.crosschainonly",
		Usage: "Only reconcile frogs with active cross-chain travels",
	}
	olderThanFlag = &cli.DurationFlag{
		Name:  "reconcile.olderthan",
		Usage: "Only reconcile frogs whose active travels started before this age (0 = all)",
	}
	relayFlag = &cli.BoolFlag{
		Name:  "relay",
		Usage: "Mirror contract events into the ledger",
		Value: true,
	}
	relayIntervalFlag = &cli.DurationFlag{
		Name:  "relay.interval",
		Usage: "Log polling interval",
		Value: defaultConfig().Relay.PollInterval,
	}
	relayConfirmationsFlag = &cli.Uint64Flag{
		Name:  "relay.confirmations",
		Usage: "Blocks a log needs before it is mirrored",
		Value: 2,
	}
	relayRangeFlag = &cli.Uint64Flag{
		Name:  "relay.maxrange",
		Usage: "Maximum blocks fetched per log query",
		Value: 2000,
	}
	relayLookbackFlag = &cli.Uint64Flag{
		Name:  "relay.lookback",
		Usage: "Blocks behind head to start from when a source has no cursor",
		Value: 5000,
	}
	pushURLFlag = &cli.StringFlag{
		Name:  "push.url",
		Usage: "Websocket endpoint of the real-time delivery service",
	}
	pushTokenFlag = &cli.StringFlag{
		Name:  "push.tokenfile",
		Usage: "File holding the bearer token of the delivery service",
	}
	adminFlag = &cli.BoolFlag{
		Name:  "admin",
		Usage: "Enable the admin RPC server",
		Value: true,
	}
	adminAddrFlag = &cli.StringFlag{
		Name:  "admin.addr",
		Usage: "Listen address of the admin RPC server",
		Value: "localhost:8570",
	}
	adminJWTFlag = &cli.StringFlag{
		Name:  "admin.jwtsecret",
		Usage: "File holding the hex encoded HS256 secret of the admin API",
	}
	adminCORSFlag = &cli.StringSliceFlag{
		Name:  "admin.corsdomain",
		Usage: "Origins allowed to call the admin API from a browser",
	}
	metricsFlag = &cli.BoolFlag{
		Name:  "metrics",
		Usage: "Enable metrics collection and the Prometheus endpoint",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "Listen address of the metrics server",
		Value: "127.0.0.1:6070",
	}
	otlpEndpointFlag = &cli.StringFlag{
		Name:  "otlp.endpoint",
		Usage: "OTLP/HTTP collector receiving reconciliation traces (host:port)",
	}
	pprofFlag = &cli.BoolFlag{
		Name:  "pprof",
		Usage: "Enable the pprof HTTP server",
	}
	pprofAddrFlag = &cli.StringFlag{
		Name:  "pprof.addr",
		Usage: "Listen address of the pprof server",
		Value: "127.0.0.1:6071",
	}
	pyroscopeFlag = &cli.StringFlag{
		Name:  "pyroscope.server",
		Usage: "Pyroscope server receiving continuous profiles",
	}
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Log level (trace, debug, info, warn, error, crit)",
		Value: "info",
	}
	logJSONFlag = &cli.BoolFlag{
		Name:  "log.json",
		Usage: "Format logs as JSON",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "Write logs to a rotated file instead of stderr",
	}
	frogFlag = &cli.Uint64Flag{
		Name:  "frog",
		Usage: "Reconcile a single frog",
	}
)

var daemonFlags = []cli.Flag{
	configFileFlag,
	dataDirFlag,
	connectorsFlag,
	ledgerBackendFlag,
	ledgerDSNFlag,
	ledgerCacheFlag,
	rpcURLFlag,
	chainIDFlag,
	nftAddressFlag,
	travelAddressFlag,
	keyFileFlag,
	rateLimitFlag,
	legacyTxFlag,
	confirmTimeoutFlag,
	confirmBlocksFlag,
	skipVisitingFlag,
	intervalFlag,
	workersFlag,
	frogTimeoutFlag,
	graceFlag,
	autoCompleteFlag,
	crossChainOnlyFlag,
	olderThanFlag,
	relayFlag,
	relayIntervalFlag,
	relayConfirmationsFlag,
	relayRangeFlag,
	relayLookbackFlag,
	pushURLFlag,
	pushTokenFlag,
	adminFlag,
	adminAddrFlag,
	adminJWTFlag,
	adminCORSFlag,
	metricsFlag,
	metricsAddrFlag,
	otlpEndpointFlag,
	pprofFlag,
	pprofAddrFlag,
	pyroscopeFlag,
	verbosityFlag,
	logJSONFlag,
	logFileFlag,
}

var app = &cli.App{
	Name:   "travelsync",
	Usage:  "Frog travel reconciliation daemon",
	Flags:  daemonFlags,
	Action: runDaemon,
	Commands: []*cli.Command{
		{
			Name:   "dumpconfig",
			Usage:  "Show the effective configuration as TOML",
			Flags:  daemonFlags,
			Action: dumpConfig,
		},
		{
			Name:   "reconcile",
			Usage:  "Run one reconciliation pass (or one frog with --frog) and print the decisions",
			Flags:  append([]cli.Flag{frogFlag}, daemonFlags...),
			Action: reconcileOnce,
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	lock, err := lockDataDir(cfg.DataDir)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if cfg.Metrics.Enabled {
		metrics.Enable()
	}
	runner, err := NewRunner(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}
	if cfg.Metrics.Enabled {
		runner.servers = append(runner.servers, startMetricsServer(cfg.Metrics.Addr))
	}
	if cfg.Metrics.PprofEnabled {
		runner.servers = append(runner.servers, startPprofServer(cfg.Metrics.PprofAddr))
	}
	if cfg.Metrics.PyroscopeServer != "" {
		profiler, err := startPyroscope(cfg.Metrics.PyroscopeServer)
		if err != nil {
			runner.Stop()
			return fmt.Errorf("failed to start profiler: %w", err)
		}
		defer profiler.Stop()
	}
	quitMetrics := make(chan struct{})
	defer close(quitMetrics)
	if cfg.Metrics.Enabled {
		go collectProcessMetrics(3*time.Second, quitMetrics)
	}
	if cfg.Metrics.OTLPEndpoint != "" {
		shutdown, err := setupTracing(context.Background(), cfg.Metrics.OTLPEndpoint, true)
		if err != nil {
			runner.Stop()
			return fmt.Errorf("failed to set up tracing: %w", err)
		}
		runner.shutdown = shutdown
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := runner.Start(); err != nil {
		runner.Stop()
		return fmt.Errorf("failed to start: %w", err)
	}
	log.Info("Travel reconciliation daemon started", "rpc", cfg.Chain.RPCURL, "chain", cfg.Chain.ChainID, "datadir", cfg.DataDir)

	sig := <-sigCh
	log.Info("Received signal, shutting down", "signal", sig)
	return runner.Stop()
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	return writeConfig(os.Stdout, cfg)
}

func reconcileOnce(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	cfg.Log.File = ""
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	lock, err := lockDataDir(cfg.DataDir)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	runner, err := NewRunner(ctx.Context, cfg)
	if err != nil {
		return err
	}
	defer runner.Stop()

	enc := json.NewEncoder(ctx.App.Writer)
	enc.SetIndent("", "  ")
	if ctx.IsSet(frogFlag.Name) {
		return enc.Encode(runner.engine.ReconcileOne(ctx.Context, ctx.Uint64(frogFlag.Name)))
	}
	res, err := runner.engine.ReconcileAll(ctx.Context)
	if err != nil {
		return err
	}
	return enc.Encode(res)
}

// makeConfig loads the defaults, then the config file, then the flags that
// were set explicitly.
func makeConfig(ctx *cli.Context) (*Config, error) {
	cfg := defaultConfig()
	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := loadConfig(file, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyFlags(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(ctx *cli.Context, cfg *Config) error {
	setString := func(flag *cli.StringFlag, dst *string) {
		if ctx.IsSet(flag.Name) {
			*dst = ctx.String(flag.Name)
		}
	}
	setUint64 := func(flag *cli.Uint64Flag, dst *uint64) {
		if ctx.IsSet(flag.Name) {
			*dst = ctx.Uint64(flag.Name)
		}
	}
	setInt := func(flag *cli.IntFlag, dst *int) {
		if ctx.IsSet(flag.Name) {
			*dst = ctx.Int(flag.Name)
		}
	}
	setBool := func(flag *cli.BoolFlag, dst *bool) {
		if ctx.IsSet(flag.Name) {
			*dst = ctx.Bool(flag.Name)
		}
	}
	setDuration := func(flag *cli.DurationFlag, dst *time.Duration) {
		if ctx.IsSet(flag.Name) {
			*dst = ctx.Duration(flag.Name)
		}
	}
	setAddress := func(flag *cli.StringFlag, dst *common.Address) error {
		if !ctx.IsSet(flag.Name) {
			return nil
		}
		s := ctx.String(flag.Name)
		if !common.IsHexAddress(s) {
			return fmt.Errorf("invalid %s address %q", flag.Name, s)
		}
		*dst = common.HexToAddress(s)
		return nil
	}

	setString(dataDirFlag, &cfg.DataDir)
	setString(connectorsFlag, &cfg.ConnectorsFile)
	setString(ledgerBackendFlag, &cfg.Ledger.Backend)
	setString(ledgerDSNFlag, &cfg.Ledger.PostgresDSN)
	setInt(ledgerCacheFlag, &cfg.Ledger.Cache)
	setString(rpcURLFlag, &cfg.Chain.RPCURL)
	setUint64(chainIDFlag, &cfg.Chain.ChainID)
	if err := setAddress(nftAddressFlag, &cfg.Chain.NFT); err != nil {
		return err
	}
	if err := setAddress(travelAddressFlag, &cfg.Chain.Travel); err != nil {
		return err
	}
	setString(keyFileFlag, &cfg.Chain.KeyFile)
	if ctx.IsSet(rateLimitFlag.Name) {
		cfg.Chain.RateLimit = ctx.Float64(rateLimitFlag.Name)
	}
	setBool(legacyTxFlag, &cfg.Chain.Legacy)
	setDuration(confirmTimeoutFlag, &cfg.Chain.ConfirmTimeout)
	setUint64(confirmBlocksFlag, &cfg.Chain.ConfirmBlocks)
	setBool(skipVisitingFlag, &cfg.Chain.SkipVisiting)

	setDuration(intervalFlag, &cfg.Reconcile.Interval)
	setInt(workersFlag, &cfg.Reconcile.Workers)
	setDuration(frogTimeoutFlag, &cfg.Reconcile.FrogTimeout)
	setDuration(graceFlag, &cfg.Reconcile.TimeoutGrace)
	setBool(autoCompleteFlag, &cfg.Reconcile.AutoCompleteExpired)
	setBool(crossChainOnlyFlag, &cfg.Reconcile.CrossChainOnly)
	setDuration(olderThanFlag, &cfg.Reconcile.OlderThan)

	setBool(relayFlag, &cfg.Relay.Enabled)
	setDuration(relayIntervalFlag, &cfg.Relay.PollInterval)
	setUint64(relayConfirmationsFlag, &cfg.Relay.Confirmations)
	setUint64(relayRangeFlag, &cfg.Relay.MaxBlockRange)
	setUint64(relayLookbackFlag, &cfg.Relay.StartLookback)

	setString(pushURLFlag, &cfg.Push.URL)
	setString(pushTokenFlag, &cfg.Push.TokenFile)

	setBool(adminFlag, &cfg.Admin.Enabled)
	setString(adminAddrFlag, &cfg.Admin.Addr)
	setString(adminJWTFlag, &cfg.Admin.JWTSecretFile)
	if ctx.IsSet(adminCORSFlag.Name) {
		cfg.Admin.CORSOrigins = ctx.StringSlice(adminCORSFlag.Name)
	}

	setBool(metricsFlag, &cfg.Metrics.Enabled)
	setString(metricsAddrFlag, &cfg.Metrics.Addr)
	setString(otlpEndpointFlag, &cfg.Metrics.OTLPEndpoint)
	setBool(pprofFlag, &cfg.Metrics.PprofEnabled)
	setString(pprofAddrFlag, &cfg.Metrics.PprofAddr)
	setString(pyroscopeFlag, &cfg.Metrics.PyroscopeServer)

	setString(verbosityFlag, &cfg.Log.Verbosity)
	setBool(logJSONFlag, &cfg.Log.JSON)
	setString(logFileFlag, &cfg.Log.File)
	return nil
}

func setupLogging(cfg LogConfig) error {
	lvl, err := log.LvlFromString(cfg.Verbosity)
	if err != nil {
		return fmt.Errorf("invalid verbosity: %w", err)
	}
	var (
		out      io.Writer = os.Stderr
		useColor           = true
	)
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackup,
			Compress:   true,
		}
		useColor = false
	}
	var handler slog.Handler
	if cfg.JSON {
		handler = log.JSONHandlerWithLevel(out, lvl)
	} else {
		handler = log.NewTerminalHandlerWithLevel(out, lvl, useColor)
	}
	log.SetDefault(log.NewLogger(handler))
	return nil
}

// lockDataDir takes the instance lock of the data directory so two daemons
// never reconcile the same ledger.
func lockDataDir(dir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	lock := flock.New(filepath.Join(dir, "LOCK"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock datadir: %w", err)
	}
	if !locked {
		return nil, errors.New("datadir already used by another process")
	}
	return lock, nil
}
