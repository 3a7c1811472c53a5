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

// Package relay mirrors contract events into the ledger as they are
// confirmed, so the ledger stays close to the chain between reconciliation
// passes.
package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/zetafrog/travelsync/core/chain"
	"github.com/zetafrog/travelsync/core/ledger"
	"github.com/zetafrog/travelsync/core/travel"
)

// Triggerer requests reconciliation of a frog.
type Triggerer interface {
	Trigger(frogID uint64)
}

// Source is one chain whose contract logs are mirrored.
type Source struct {
	Name      string // cursor name
	ChainID   uint64
	Client    chain.Client
	Contracts map[common.Address]*abi.ABI
}

// OriginSource builds the source of the origin NFT and travel contracts.
func OriginSource(chainID uint64, client chain.Client, contracts chain.Contracts) Source {
	return Source{
		Name:    "origin",
		ChainID: chainID,
		Client:  client,
		Contracts: map[common.Address]*abi.ABI{
			contracts.NFT:    &chain.NFTABI,
			contracts.Travel: &chain.TravelABI,
		},
	}
}

// ConnectorSources builds one source per registered connector.
func ConnectorSources(conns *chain.Connectors) []Source {
	var out []Source
	for _, info := range conns.List() {
		client, _, err := conns.Client(info.ChainID)
		if err != nil {
			continue
		}
		out = append(out, Source{
			Name:      "connector-" + info.Name,
			ChainID:   info.ChainID,
			Client:    client,
			Contracts: map[common.Address]*abi.ABI{info.Connector: &chain.ConnectorABI},
		})
	}
	return out
}

func (s Source) addresses() []common.Address {
	out := make([]common.Address, 0, len(s.Contracts))
	for addr := range s.Contracts {
		out = append(out, addr)
	}
	return out
}

// Config tunes the relay.
type Config struct {
	PollInterval     time.Duration
	MaxBlockRange    uint64
	Confirmations    uint64
	StartLookback    uint64 // blocks behind head to start from without a cursor
	FailureThreshold int    // consecutive failed polls before a source is degraded
}

func (c *Config) sanitize() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxBlockRange == 0 {
		c.MaxBlockRange = 2000
	}
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 3
	}
}

// SourceStatus is the operator view of one source.
type SourceStatus struct {
	Name      string `json:"name"`
	ChainID   uint64 `json:"chainId"`
	Cursor    uint64 `json:"cursor"`
	Head      uint64 `json:"head"`
	Failures  int    `json:"failures"`
	LastError string `json:"lastError,omitempty"`
}

// Relay polls every source and applies its events to the ledger.
type Relay struct {
	cfg      Config
	store    ledger.Store
	sources  []Source
	notifier travel.Notifier
	trigger  Triggerer

	degraded atomic.Bool
	mu       sync.Mutex
	status   map[string]*SourceStatus

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New creates a relay. notifier and trigger may be nil.
func New(cfg Config, store ledger.Store, sources []Source, notifier travel.Notifier, trigger Triggerer) *Relay {
	cfg.sanitize()
	status := make(map[string]*SourceStatus, len(sources))
	for _, src := range sources {
		status[src.Name] = &SourceStatus{Name: src.Name, ChainID: src.ChainID}
	}
	return &Relay{
		cfg:      cfg,
		store:    store,
		sources:  sources,
		notifier: notifier,
		trigger:  trigger,
		status:   status,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the polling loop.
func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("relay already running")
	}
	r.running = true
	r.wg.Add(1)
	go r.loop()
	log.Info("Event relay started", "sources", len(r.sources), "confirmations", r.cfg.Confirmations)
	return nil
}

// Stop halts polling and waits for the loop to exit.
func (r *Relay) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()
	r.wg.Wait()
	log.Info("Event relay stopped")
}

func (r *Relay) loop() {
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

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-timer.C:
		}
		behind := r.PollOnce(ctx)
		if behind {
			timer.Reset(0)
		} else {
			timer.Reset(r.cfg.PollInterval)
		}
	}
}

// PollOnce polls every source once and reports whether any source is still
// behind its safe head.
func (r *Relay) PollOnce(ctx context.Context) bool {
	behind := false
	for _, src := range r.sources {
		if ctx.Err() != nil {
			return false
		}
		more, err := r.pollSource(ctx, src)
		r.observe(src, err)
		behind = behind || (more && err == nil)
	}
	return behind
}

func (r *Relay) observe(src Source, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.status[src.Name]
	if err == nil {
		st.Failures, st.LastError = 0, ""
	} else {
		st.Failures++
		st.LastError = err.Error()
		pollErrors.Inc(1)
		log.Warn("Relay poll failed", "source", src.Name, "failures", st.Failures, "err", err)
	}
	degraded := false
	for _, s := range r.status {
		if s.Failures >= r.cfg.FailureThreshold {
			degraded = true
		}
	}
	if degraded != r.degraded.Swap(degraded) {
		if degraded {
			log.Error("Event relay degraded", "source", src.Name, "err", st.LastError)
			degradedGauge.Update(1)
		} else {
			log.Info("Event relay recovered")
			degradedGauge.Update(0)
		}
	}
}

// pollSource processes the next confirmed block range of src.
func (r *Relay) pollSource(ctx context.Context, src Source) (bool, error) {
	head, err := src.Client.BlockNumber(ctx)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	r.status[src.Name].Head = head
	r.mu.Unlock()
	if head < r.cfg.Confirmations {
		return false, nil
	}
	safe := head - r.cfg.Confirmations

	cursor, ok, err := r.store.Cursor(ctx, src.Name)
	if err != nil {
		return false, err
	}
	var from uint64
	switch {
	case ok:
		from = cursor + 1
	case safe > r.cfg.StartLookback:
		from = safe - r.cfg.StartLookback
	}
	if from > safe {
		return false, nil
	}
	to := safe
	if to-from+1 > r.cfg.MaxBlockRange {
		to = from + r.cfg.MaxBlockRange - 1
	}
	logs, err := chain.FetchLogs(ctx, src.Client, from, to, src.addresses())
	if err != nil {
		return false, err
	}
	for _, lg := range logs {
		contract := src.Contracts[lg.Address]
		if contract == nil {
			continue
		}
		ev, err := chain.DecodeLog(contract, src.ChainID, lg)
		if errors.Is(err, chain.ErrUnknownEvent) {
			continue
		}
		if err != nil {
			// An undecodable log can never succeed; skip it rather than stall.
			undecodable.Inc(1)
			log.Warn("Skipping undecodable log", "source", src.Name, "tx", lg.TxHash, "index", lg.Index, "err", err)
			continue
		}
		if err := r.Handle(ctx, ev); err != nil {
			return false, err
		}
	}
	if err := r.store.SetCursor(ctx, src.Name, to); err != nil {
		return false, err
	}
	r.mu.Lock()
	r.status[src.Name].Cursor = to
	r.mu.Unlock()
	blocksProcessed.Inc(int64(to - from + 1))
	return to < safe, nil
}

// Degraded reports whether any source keeps failing.
func (r *Relay) Degraded() bool { return r.degraded.Load() }

// Status returns a snapshot of every source.
func (r *Relay) Status() []SourceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SourceStatus, 0, len(r.sources))
	for _, src := range r.sources {
		out = append(out, *r.status[src.Name])
	}
	return out
}
