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
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/zetafrog/travelsync/core/chain"
	"github.com/zetafrog/travelsync/core/ledger"
	"github.com/zetafrog/travelsync/core/reconcile"
	"github.com/zetafrog/travelsync/core/relay"
	"github.com/zetafrog/travelsync/core/travel"
)

const maxPassBackoff = 30 * time.Second

// Runner manages the daemon lifecycle.
type Runner struct {
	cfg        *Config
	client     *ethclient.Client
	store      ledger.Store
	connectors *chain.Connectors
	reader     *chain.Reader
	writer     *chain.Writer // nil when running read-only
	engine     *reconcile.Engine
	relay      *relay.Relay // nil when the relay is disabled
	feed       *relay.FeedNotifier
	pusher     *relay.Pusher // nil without a push url
	phase      *PhaseTracker

	admin    *AdminServer
	servers  []*http.Server
	shutdown func(context.Context) error // tracing

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewRunner dials the chains, opens the ledger and wires every component.
func NewRunner(ctx context.Context, cfg *Config) (*Runner, error) {
	client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.Chain.RPCURL, err)
	}
	conns := chain.NewConnectors()
	if cfg.ConnectorsFile != "" {
		infos, err := chain.LoadConnectorRegistry(cfg.ConnectorsFile)
		if err != nil {
			client.Close()
			return nil, err
		}
		if conns, err = chain.DialConnectors(ctx, infos, cfg.Chain.RateLimit); err != nil {
			client.Close()
			return nil, err
		}
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		conns.Close()
		client.Close()
		return nil, err
	}
	r, err := newRunner(ctx, cfg, client, store, conns)
	if err != nil {
		store.Close()
		conns.Close()
		client.Close()
		return nil, err
	}
	return r, nil
}

func openStore(ctx context.Context, cfg *Config) (ledger.Store, error) {
	switch cfg.Ledger.Backend {
	case "postgres":
		return ledger.OpenPGStore(ctx, cfg.Ledger.PostgresDSN)
	default:
		return ledger.OpenKVStore(filepath.Join(cfg.DataDir, "ledger"), cfg.Ledger.Cache, cfg.Ledger.Handles)
	}
}

func newRunner(ctx context.Context, cfg *Config, client *ethclient.Client, store ledger.Store, conns *chain.Connectors) (*Runner, error) {
	id, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain id: %w", err)
	}
	if id.Uint64() != cfg.Chain.ChainID {
		return nil, fmt.Errorf("rpc endpoint serves chain %d, configured chain is %d", id, cfg.Chain.ChainID)
	}
	contracts := chain.Contracts{NFT: cfg.Chain.NFT, Travel: cfg.Chain.Travel}
	reader := chain.NewReader(client, chain.ReaderConfig{
		Contracts:    contracts,
		RateLimit:    cfg.Chain.RateLimit,
		Burst:        cfg.Chain.Burst,
		FrogTimeout:  cfg.Reconcile.FrogTimeout,
		OriginChain:  cfg.Chain.ChainID,
		SkipVisiting: cfg.Chain.SkipVisiting,
	}, conns)

	r := &Runner{
		cfg:        cfg,
		client:     client,
		store:      store,
		connectors: conns,
		reader:     reader,
		feed:       relay.NewFeedNotifier(0),
		phase:      NewPhaseTracker(),
		stopCh:     make(chan struct{}),
	}
	var writer reconcile.ChainWriter
	if cfg.Chain.KeyFile != "" {
		key, err := crypto.LoadECDSA(cfg.Chain.KeyFile)
		if err != nil {
			r.feed.Close()
			return nil, fmt.Errorf("failed to load signer key: %w", err)
		}
		w, err := chain.NewWriter(client, reader, chain.WriterConfig{
			Contracts:      contracts,
			Key:            key,
			ConfirmTimeout: cfg.Chain.ConfirmTimeout,
			ConfirmBlocks:  cfg.Chain.ConfirmBlocks,
			Legacy:         cfg.Chain.Legacy,
		})
		if err != nil {
			r.feed.Close()
			return nil, err
		}
		r.writer, writer = w, w
		log.Info("Chain writer enabled", "signer", w.Signer())
	} else {
		log.Warn("No signer key configured, chain-affecting corrections will be escalated")
	}

	notifiers := relay.Notifiers{r.feed}
	if cfg.Push.URL != "" {
		var token string
		if cfg.Push.TokenFile != "" {
			data, err := os.ReadFile(cfg.Push.TokenFile)
			if err != nil {
				r.feed.Close()
				return nil, fmt.Errorf("failed to read push token: %w", err)
			}
			token = strings.TrimSpace(string(data))
		}
		r.pusher = relay.NewPusher(relay.PusherConfig{URL: cfg.Push.URL, Token: token, QueueSize: cfg.Push.QueueSize})
		notifiers = append(notifiers, r.pusher)
	}

	r.engine = reconcile.New(reconcile.Config{
		Workers:           cfg.Reconcile.Workers,
		FrogTimeout:       cfg.Reconcile.FrogTimeout,
		CorrectionTimeout: cfg.Reconcile.CorrectionTimeout,
		MaxAttempts:       cfg.Reconcile.MaxAttempts,
		Policy: travel.Policy{
			TimeoutGrace:        cfg.Reconcile.TimeoutGrace,
			AutoCompleteExpired: cfg.Reconcile.AutoCompleteExpired,
		},
		Candidates: ledger.CandidateFilter{
			CrossChainOnly: cfg.Reconcile.CrossChainOnly,
			OlderThan:      cfg.Reconcile.OlderThan,
		},
	}, store, reader, writer, notifiers)

	if cfg.Relay.Enabled {
		sources := append([]relay.Source{relay.OriginSource(cfg.Chain.ChainID, client, contracts)}, relay.ConnectorSources(conns)...)
		r.relay = relay.New(relay.Config{
			PollInterval:     cfg.Relay.PollInterval,
			MaxBlockRange:    cfg.Relay.MaxBlockRange,
			Confirmations:    cfg.Relay.Confirmations,
			StartLookback:    cfg.Relay.StartLookback,
			FailureThreshold: cfg.Relay.FailureThreshold,
		}, store, sources, notifiers, r.engine)
	}
	return r, nil
}

// Start starts the daemon runner.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("already running")
	}
	if r.cfg.Admin.Enabled {
		var secret []byte
		if r.cfg.Admin.JWTSecretFile != "" {
			s, err := readJWTSecret(r.cfg.Admin.JWTSecretFile)
			if err != nil {
				return err
			}
			secret = s
		}
		admin, err := NewAdminServer(r.cfg.Admin.Addr, NewAdminAPI(r), secret, r.cfg.Admin.CORSOrigins)
		if err != nil {
			return fmt.Errorf("failed to start admin server: %w", err)
		}
		r.admin = admin
	}
	if r.pusher != nil {
		if err := r.pusher.Start(); err != nil {
			return err
		}
	}
	if r.relay != nil {
		if err := r.relay.Start(); err != nil {
			return err
		}
	}
	r.running = true
	r.wg.Add(1)
	go r.loop()
	return nil
}

// Stop stops the daemon runner and releases every resource.
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return r.close()
	}
	close(r.stopCh)
	r.wg.Wait()
	r.running = false
	return r.close()
}

func (r *Runner) close() error {
	if r.relay != nil {
		r.relay.Stop()
	}
	if r.admin != nil {
		if err := r.admin.Close(); err != nil {
			log.Error("Failed to close admin server", "err", err)
		}
		r.admin = nil
	}
	if r.pusher != nil {
		r.pusher.Stop()
	}
	for _, srv := range r.servers {
		srv.Close()
	}
	r.servers = nil
	if r.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.shutdown(ctx); err != nil {
			log.Warn("Failed to flush traces", "err", err)
		}
		cancel()
		r.shutdown = nil
	}
	r.feed.Close()
	r.connectors.Close()
	r.client.Close()
	return r.store.Close()
}

// loop runs a full pass every interval and reconciles triggered frogs as
// soon as the relay flags them.
func (r *Runner) loop() {
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Info("Reconciliation loop started", "interval", r.cfg.Reconcile.Interval, "workers", r.cfg.Reconcile.Workers)
	backoff := time.Second
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-r.stopCh:
			log.Info("Reconciliation loop stopped")
			return
		case <-r.engine.Triggered():
			ds := r.engine.ReconcileTriggered(ctx)
			triggeredTotal.Inc(int64(len(ds)))
			continue
		case <-timer.C:
		}
		res, err := r.engine.ReconcileAll(ctx)
		passTotal.Inc(1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			passErrorsTotal.Inc(1)
			log.Warn("Reconciliation pass failed", "err", err, "backoff", backoff)
			passBackoffGauge.Update(backoff.Milliseconds())
			r.updatePhase(false, true)
			timer.Reset(backoff)
			backoff = min(backoff*2, maxPassBackoff)
			continue
		}
		backoff = time.Second
		passBackoffGauge.Update(0)
		r.updatePhase(!res.Cancelled, false)
		timer.Reset(r.cfg.Reconcile.Interval)
	}
}

func (r *Runner) updatePhase(completed, failed bool) DaemonPhase {
	in := PhaseInput{
		PassCompleted: completed,
		PassFailed:    failed,
		WriterHalted:  r.engine.WriterHalted() != nil,
	}
	if r.relay != nil {
		in.RelayDegraded = r.relay.Degraded()
		in.RelayBehind = r.relayBehind()
	}
	return r.phase.Update(in)
}

// relayBehind reports whether any source lags more than one poll range
// behind its safe head.
func (r *Runner) relayBehind() bool {
	for _, st := range r.relay.Status() {
		if st.Head > st.Cursor+r.cfg.Relay.Confirmations+r.cfg.Relay.MaxBlockRange {
			return true
		}
	}
	return false
}

func (r *Runner) status() *DaemonStatus {
	st := &DaemonStatus{
		Phase:     r.phase.Current(),
		ChainID:   r.cfg.Chain.ChainID,
		ReadOnly:  r.writer == nil,
		LastPass:  r.engine.LastPass(),
		Escalated: len(r.engine.Escalations()),
	}
	if err := r.engine.WriterHalted(); err != nil {
		st.WriterHalted = err.Error()
	}
	if r.relay != nil {
		st.RelayDegraded = r.relay.Degraded()
		st.Sources = r.relay.Status()
	}
	if r.pusher != nil {
		connected := r.pusher.Connected()
		st.PushConnected = &connected
	}
	return st
}
