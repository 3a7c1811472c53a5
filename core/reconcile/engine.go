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

// Package reconcile compares the off-chain ledger with the chain for each frog
// and applies the correction the classifier decides on.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/zetafrog/travelsync/core/chain"
	"github.com/zetafrog/travelsync/core/ledger"
	"github.com/zetafrog/travelsync/core/travel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrStaleDecision is returned when a correction's preconditions no
	// longer hold inside the ledger transaction.
	ErrStaleDecision = errors.New("stale decision")

	// ErrNoWriter is returned by escalations when no chain writer is
	// configured.
	ErrNoWriter = errors.New("no chain writer configured")
)

// ChainReader is the read side the engine classifies against.
type ChainReader interface {
	Snapshot(ctx context.Context, frogID uint64) (*travel.ChainSnapshot, error)
}

// ChainWriter is the privileged write side. *chain.Writer implements it.
type ChainWriter interface {
	MarkTravelCompleted(ctx context.Context, frogID uint64, xpReward *uint256.Int) (*chain.WriteResult, error)
	EmergencyResetFrogStatus(ctx context.Context, frogID uint64) (*chain.WriteResult, error)
	AdminClearStuckTravel(ctx context.Context, frogID uint64) (*chain.WriteResult, error)
	Halted() error
	Resume()
}

// Config tunes the engine.
type Config struct {
	Workers           int
	FrogTimeout       time.Duration
	CorrectionTimeout time.Duration
	MaxAttempts       int
	Policy            travel.Policy
	Candidates        ledger.CandidateFilter // Now is filled per pass
	Clock             func() time.Time
}

func (c *Config) sanitize() {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.FrogTimeout <= 0 {
		c.FrogTimeout = 30 * time.Second
	}
	if c.CorrectionTimeout <= 0 {
		c.CorrectionTimeout = 3 * time.Minute
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// PassError aborts a whole pass; per-frog failures never do.
type PassError struct {
	PassID string
	Err    error
}

func (e *PassError) Error() string {
	return fmt.Sprintf("reconciliation pass %s aborted: %v", e.PassID, e.Err)
}
func (e *PassError) Unwrap() error { return e.Err }

// PassResult summarizes one ReconcileAll.
type PassResult struct {
	ID          string            `json:"id"`
	Started     time.Time         `json:"started"`
	Finished    time.Time         `json:"finished"`
	Decisions   []travel.Decision `json:"decisions"`
	Corrected   int               `json:"corrected"`
	Deferred    int               `json:"deferred"`
	Conflicting int               `json:"conflicting"`
	Escalated   int               `json:"escalated"`
	Errors      int               `json:"errors"`
	Cancelled   bool              `json:"cancelled,omitempty"`
}

func (p *PassResult) add(d travel.Decision) {
	p.Decisions = append(p.Decisions, d)
	switch {
	case d.Corrected:
		p.Corrected++
	case d.Kind == travel.KindDeferred:
		p.Deferred++
	case d.Kind == travel.KindConflicting:
		p.Conflicting++
	}
	if d.Action == travel.ActionEscalate {
		p.Escalated++
	}
	if d.Error != "" {
		p.Errors++
	}
}

// Engine reconciles frogs one at a time under a per-frog lock.
type Engine struct {
	cfg      Config
	store    ledger.Store
	reader   ChainReader
	writer   ChainWriter // nil in read-only deployments
	notifier travel.Notifier
	locks    *frogLocks
	tracer   trace.Tracer

	mu       sync.RWMutex
	last     map[uint64]travel.Decision
	lastPass *PassResult

	triggered mapset.Set[uint64]
	triggerCh chan struct{}
}

// New creates an engine. writer and notifier may be nil.
func New(cfg Config, store ledger.Store, reader ChainReader, writer ChainWriter, notifier travel.Notifier) *Engine {
	cfg.sanitize()
	return &Engine{
		cfg:       cfg,
		store:     store,
		reader:    reader,
		writer:    writer,
		notifier:  notifier,
		locks:     newFrogLocks(),
		tracer:    otel.Tracer("github.com/zetafrog/travelsync/core/reconcile"),
		last:      make(map[uint64]travel.Decision),
		triggered: mapset.NewSet[uint64](),
		triggerCh: make(chan struct{}, 1),
	}
}

// ReconcileOne reconciles a single frog. Failures are reported inside the
// decision, never as raw chain or database errors.
func (e *Engine) ReconcileOne(ctx context.Context, frogID uint64) travel.Decision {
	return e.reconcile(ctx, frogID, "")
}

func (e *Engine) reconcile(ctx context.Context, frogID uint64, passID string) travel.Decision {
	ctx, span := e.tracer.Start(ctx, "reconcile.one", trace.WithAttributes(attribute.Int64("frog.id", int64(frogID))))
	defer span.End()
	start := time.Now()
	defer frogLatency.UpdateSince(start)

	unlock := e.locks.lock(frogID)
	defer unlock()

	var d travel.Decision
	for attempt := 1; ; attempt++ {
		var err error
		d, err = e.attempt(ctx, frogID)
		d.Attempts = attempt
		if errors.Is(err, ErrStaleDecision) && attempt < e.cfg.MaxAttempts {
			staleRetries.Inc(1)
			log.Debug("Stale correction, retrying", "frog", frogID, "attempt", attempt, "err", err)
			continue
		}
		if err != nil {
			applyErrors.Inc(1)
			d.Corrected = false
			d.Error = classifyErr(err)
			if d.Mutates() && errors.Is(err, context.DeadlineExceeded) {
				// The correction outran its timeout; the next pass re-reads both sides.
				d.Kind = travel.KindDeferred
				d.Reason += " (correction timed out after " + e.cfg.CorrectionTimeout.String() + ")"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, d.Error)
		}
		break
	}
	d.PassID = passID
	span.SetAttributes(attribute.String("decision.kind", string(d.Kind)), attribute.String("decision.action", string(d.Action)))
	e.record(d)
	return d
}

// attempt runs one read, classify and apply cycle.
func (e *Engine) attempt(ctx context.Context, frogID uint64) (travel.Decision, error) {
	fctx, cancel := context.WithTimeout(ctx, e.cfg.FrogTimeout)
	defer cancel()

	now := e.cfg.Clock()
	rec, err := e.store.Record(fctx, frogID)
	if err != nil {
		return travel.Decision{FrogID: frogID, Kind: travel.KindDeferred, Action: travel.ActionNone, At: now, Reason: "ledger unavailable"}, err
	}
	in := travel.Input{FrogID: frogID, Ledger: rec, Policy: e.cfg.Policy, Now: now}
	if travel.NeedsChain(rec) {
		in.Chain, in.ChainErr = e.reader.Snapshot(fctx, frogID)
		if in.ChainErr != nil && errors.Is(fctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			in.ChainErr = fmt.Errorf("frog timeout after %s: %w", e.cfg.FrogTimeout, in.ChainErr)
		}
	}
	d := travel.Classify(in)
	if !d.Mutates() {
		return d, nil
	}
	// Cancellation is honoured before a correction starts, never during.
	if ctx.Err() != nil {
		d.Kind, d.Action = travel.KindDeferred, travel.ActionNone
		d.Reason = "cancelled before correction"
		d.Rows, d.Travel, d.Frog, d.XPReward = nil, nil, nil, nil
		return d, nil
	}
	if d.ChainAffecting() && e.writer == nil {
		d.Action = travel.ActionEscalate
		d.Reason += " (" + ErrNoWriter.Error() + ")"
		return d, nil
	}
	actx, acancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CorrectionTimeout)
	defer acancel()
	if err := e.apply(actx, &d); err != nil {
		return d, err
	}
	return d, nil
}

// ReconcileAll reconciles every candidate frog plus any triggered ones.
func (e *Engine) ReconcileAll(ctx context.Context) (*PassResult, error) {
	pass := &PassResult{ID: uuid.NewString(), Started: e.cfg.Clock()}
	ctx, span := e.tracer.Start(ctx, "reconcile.all", trace.WithAttributes(attribute.String("pass.id", pass.ID)))
	defer span.End()
	start := time.Now()
	defer passLatency.UpdateSince(start)

	filter := e.cfg.Candidates
	filter.Now = pass.Started
	ids, err := e.store.Candidates(ctx, filter)
	if err != nil {
		passFailures.Inc(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "candidate enumeration failed")
		return nil, &PassError{PassID: pass.ID, Err: err}
	}
	set := mapset.NewThreadUnsafeSet(ids...)
	set = set.Union(e.drainTriggers())
	ids = set.ToSlice()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	passCandidates.Update(int64(len(ids)))
	span.SetAttributes(attribute.Int("pass.candidates", len(ids)))

	results := make([]travel.Decision, len(ids))
	started := 0
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for i, id := range ids {
		if ctx.Err() != nil {
			pass.Cancelled = true
			break
		}
		started++
		g.Go(func() error {
			results[i] = e.reconcile(ctx, id, pass.ID)
			return nil
		})
	}
	g.Wait()

	for _, d := range results[:started] {
		pass.add(d)
	}
	pass.Finished = e.cfg.Clock()
	e.mu.Lock()
	e.lastPass = pass
	e.mu.Unlock()

	log.Info("Reconciliation pass finished", "id", pass.ID, "frogs", started, "corrected", pass.Corrected,
		"deferred", pass.Deferred, "conflicting", pass.Conflicting, "errors", pass.Errors, "elapsed", time.Since(start))
	return pass, nil
}

// Trigger requests reconciliation of a frog outside the regular interval.
func (e *Engine) Trigger(frogID uint64) {
	triggerCount.Inc(1)
	e.triggered.Add(frogID)
	select {
	case e.triggerCh <- struct{}{}:
	default:
	}
}

// Triggered is signalled whenever Trigger added work.
func (e *Engine) Triggered() <-chan struct{} { return e.triggerCh }

func (e *Engine) drainTriggers() mapset.Set[uint64] {
	out := mapset.NewThreadUnsafeSet[uint64]()
	for _, id := range e.triggered.ToSlice() {
		e.triggered.Remove(id)
		out.Add(id)
	}
	return out
}

// ReconcileTriggered reconciles the frogs requested through Trigger.
func (e *Engine) ReconcileTriggered(ctx context.Context) []travel.Decision {
	ids := e.drainTriggers().ToSlice()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]travel.Decision, 0, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			// Keep the rest for the next run.
			e.Trigger(id)
			continue
		}
		out = append(out, e.reconcile(ctx, id, ""))
	}
	return out
}

func (e *Engine) record(d travel.Decision) {
	markDecision(&d)
	e.mu.Lock()
	e.last[d.FrogID] = d
	surfaced := 0
	for _, v := range e.last {
		if v.Surfaced() {
			surfaced++
		}
	}
	e.mu.Unlock()
	escalatedGauge.Update(int64(surfaced))

	switch {
	case d.Error != "":
		log.Warn("Reconciliation failed", "frog", d.FrogID, "kind", d.Kind, "action", d.Action, "err", d.Error)
	case d.Kind == travel.KindConflicting:
		log.Warn("Conflicting travel state", "frog", d.FrogID, "reason", d.Reason)
	case d.Action == travel.ActionEscalate:
		log.Warn("Travel needs operator attention", "frog", d.FrogID, "reason", d.Reason)
	case d.Corrected:
		log.Info("Travel state corrected", "frog", d.FrogID, "kind", d.Kind, "action", d.Action, "reason", d.Reason)
	case d.Kind == travel.KindDeferred:
		log.Debug("Frog deferred", "frog", d.FrogID, "reason", d.Reason)
	}
}

// LastOutcome returns the most recent decision for a frog.
func (e *Engine) LastOutcome(frogID uint64) (travel.Decision, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.last[frogID]
	return d, ok
}

// LastPass returns the summary of the latest completed pass, or nil.
func (e *Engine) LastPass() *PassResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastPass
}

// Escalations returns the latest decisions that need an operator.
func (e *Engine) Escalations() []travel.Decision {
	e.mu.RLock()
	var out []travel.Decision
	for _, d := range e.last {
		if d.Surfaced() {
			out = append(out, d)
		}
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FrogID < out[j].FrogID })
	return out
}

// WriterHalted reports the authorization failure that halted the chain
// writer, if any.
func (e *Engine) WriterHalted() error {
	if e.writer == nil {
		return nil
	}
	return e.writer.Halted()
}

// classifyErr renders an error as its place in the error taxonomy.
func classifyErr(err error) string {
	var prefix string
	switch {
	case errors.Is(err, chain.ErrWriterHalted):
		prefix = "writer halted"
	case errors.Is(err, chain.ErrUnauthorized):
		prefix = "unauthorized"
	case errors.Is(err, chain.ErrTransactionReverted):
		prefix = "reverted"
	case errors.Is(err, chain.ErrTimeout):
		prefix = "timeout"
	case errors.Is(err, chain.ErrChainUnavailable):
		prefix = "chain unavailable"
	case errors.Is(err, travel.ErrIllegalTransition):
		prefix = "illegal transition"
	case errors.Is(err, ErrStaleDecision):
		prefix = "stale"
	default:
		prefix = "ledger"
	}
	return prefix + ": " + err.Error()
}
