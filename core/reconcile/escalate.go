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

package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/zetafrog/travelsync/core/chain"
	"github.com/zetafrog/travelsync/core/travel"
)

// ClearStuckTravel clears the frog's cross-chain record on chain and then
// reconciles the ledger against the result.
func (e *Engine) ClearStuckTravel(ctx context.Context, frogID uint64) (travel.Decision, error) {
	return e.escalate(ctx, frogID, "adminClearStuckTravel", func(ctx context.Context) (*chain.WriteResult, error) {
		return e.writer.AdminClearStuckTravel(ctx, frogID)
	})
}

// EmergencyReset forces the frog's NFT status to Idle and then reconciles.
func (e *Engine) EmergencyReset(ctx context.Context, frogID uint64) (travel.Decision, error) {
	return e.escalate(ctx, frogID, "emergencyResetFrogStatus", func(ctx context.Context) (*chain.WriteResult, error) {
		return e.writer.EmergencyResetFrogStatus(ctx, frogID)
	})
}

func (e *Engine) escalate(ctx context.Context, frogID uint64, method string, write func(context.Context) (*chain.WriteResult, error)) (travel.Decision, error) {
	if e.writer == nil {
		return travel.Decision{}, ErrNoWriter
	}
	escalationCount.Inc(1)
	log.Warn("Operator escalation", "frog", frogID, "method", method)

	unlock := e.locks.lock(frogID)
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CorrectionTimeout)
	res, err := write(wctx)
	cancel()
	unlock()
	if err != nil {
		return travel.Decision{}, err
	}
	d := e.ReconcileOne(ctx, frogID)
	hash := res.TxHash
	d.TxHash, d.Admin = &hash, true
	e.record(d)
	return d, nil
}

// CompleteTravel completes the frog's in-flight cross-chain travel on chain
// with the reward of its planned duration, then completes the ledger row.
func (e *Engine) CompleteTravel(ctx context.Context, frogID uint64) (travel.Decision, error) {
	if e.writer == nil {
		return travel.Decision{}, ErrNoWriter
	}
	escalationCount.Inc(1)
	unlock := e.locks.lock(frogID)
	defer unlock()

	snap, err := e.reader.Snapshot(ctx, frogID)
	if err != nil {
		return travel.Decision{}, err
	}
	cc := snap.CrossChain
	if !cc.Status.InFlight() {
		return travel.Decision{}, fmt.Errorf("frog %d has no cross-chain travel in flight (chain reports %s)", frogID, cc.Status)
	}
	rec, err := e.store.Record(ctx, frogID)
	if err != nil {
		return travel.Decision{}, err
	}
	now := e.cfg.Clock()
	d := travel.Decision{
		FrogID:   frogID,
		Kind:     travel.KindChainBehindLedger,
		Action:   travel.ActionCompleteExpired,
		Reason:   "operator completion",
		XPReward: travel.XPReward(cc.MaxDuration),
		Admin:    true,
		At:       now,
	}
	for _, t := range rec.Active() {
		if t.CrossChain && t.StartTime.Unix() == cc.StartTime.Unix() {
			d.Rows = append(d.Rows, travel.RowChange{
				TravelID: t.ID,
				From:     t.Composite(),
				To:       travel.Composite{Local: travel.StatusCompleted, CrossChain: travel.CrossChainCompleted, IsCrossChain: true},
			})
		}
	}
	if st := rec.FrogStatus(); st != travel.FrogIdle {
		d.Frog = &travel.FrogChange{From: st, To: travel.FrogIdle}
	}
	log.Warn("Operator escalation", "frog", frogID, "method", "markTravelCompleted", "xp", d.XPReward, "rows", len(d.Rows))

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CorrectionTimeout)
	defer cancel()
	err = e.apply(actx, &d)
	if errors.Is(err, ErrStaleDecision) {
		// The chain write went through; leave the ledger to the next pass.
		e.Trigger(frogID)
	}
	if err != nil {
		d.Error = classifyErr(err)
	}
	d.Attempts = 1
	e.record(d)
	return d, err
}

// ResumeWriter lifts an authorization halt of the chain writer.
func (e *Engine) ResumeWriter() error {
	if e.writer == nil {
		return ErrNoWriter
	}
	e.writer.Resume()
	return nil
}
