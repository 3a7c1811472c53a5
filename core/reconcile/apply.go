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
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/zetafrog/travelsync/core/ledger"
	"github.com/zetafrog/travelsync/core/travel"
)

// apply executes a mutating decision. A chain write is confirmed before the
// ledger is touched.
func (e *Engine) apply(ctx context.Context, d *travel.Decision) error {
	if d.ChainAffecting() {
		res, err := e.writer.MarkTravelCompleted(ctx, d.FrogID, d.XPReward)
		if err != nil {
			return err
		}
		hash := res.TxHash
		d.TxHash = &hash
		log.Info("Expired travel completed on chain", "frog", d.FrogID, "xp", d.XPReward, "tx", hash, "block", res.BlockNumber)
	}
	changed, err := e.commit(ctx, d)
	if err != nil {
		return err
	}
	d.Corrected = changed
	if changed {
		e.notify(d)
	}
	return nil
}

// commit writes the ledger side of d in one transaction. Every change is
// checked against the current rows first: a row already in its target state
// is skipped, a row in neither state makes the decision stale.
func (e *Engine) commit(ctx context.Context, d *travel.Decision) (bool, error) {
	var changed bool
	err := e.store.Update(ctx, d.FrogID, func(tx ledger.Tx) error {
		changed = false
		now := e.cfg.Clock()
		rows, err := tx.Travels()
		if err != nil {
			return err
		}
		byID := make(map[uint64]*travel.Travel, len(rows))
		for _, t := range rows {
			byID[t.ID] = t
		}
		var credit *uint256.Int
		for _, rc := range d.Rows {
			t := byID[rc.TravelID]
			if t == nil {
				return fmt.Errorf("%w: travel #%d disappeared", ErrStaleDecision, rc.TravelID)
			}
			cur := t.Composite()
			if cur == rc.To {
				continue
			}
			if cur != rc.From {
				return fmt.Errorf("%w: travel #%d is %s, expected %s", ErrStaleDecision, t.ID, cur, rc.From)
			}
			if err := travel.ValidateTransition(rc.From, rc.To, d.Admin); err != nil {
				return err
			}
			if d.Admin {
				log.Warn("Administrative travel override", "frog", d.FrogID, "travel", t.ID, "from", rc.From, "to", rc.To)
			}
			t.Status, t.CrossChainStatus = rc.To.Local, rc.To.CrossChain
			if rc.Note != "" {
				t.ErrorMessage = rc.Note
			}
			if rc.To.CrossChain == travel.CrossChainOnTarget && t.ArrivedAt.IsZero() {
				t.ArrivedAt = now
			}
			if rc.To.Local == travel.StatusCompleted {
				t.CompletedAt = now
				if d.XPReward != nil {
					t.XPEarned = new(uint256.Int).Set(d.XPReward)
					credit = d.XPReward
				}
			}
			t.UpdatedAt = now
			if err := tx.UpdateTravel(t); err != nil {
				return err
			}
			changed = true
		}
		if d.Travel != nil {
			inserted, err := materializeRow(tx, rows, d.Travel)
			if err != nil {
				return err
			}
			changed = changed || inserted
		}
		if d.Frog != nil || credit != nil {
			frogChanged, err := e.commitFrog(tx, d, credit, now)
			if err != nil {
				return err
			}
			changed = changed || frogChanged
		}
		return nil
	})
	return changed, err
}

// materializeRow inserts the travel the chain reports. An equal active row
// means an earlier attempt already did so.
func materializeRow(tx ledger.Tx, rows []*travel.Travel, want *travel.Travel) (bool, error) {
	for _, t := range rows {
		if t.Terminal() {
			continue
		}
		if t.CrossChain == want.CrossChain && t.StartTime.Unix() == want.StartTime.Unix() {
			return false, nil
		}
		return false, fmt.Errorf("%w: travel #%d became active", ErrStaleDecision, t.ID)
	}
	row := want.Copy()
	row.ID = 0
	_, err := tx.InsertTravel(row)
	if errors.Is(err, ledger.ErrDuplicateTravel) {
		return false, fmt.Errorf("%w: %v", ErrStaleDecision, err)
	}
	return err == nil, err
}

func (e *Engine) commitFrog(tx ledger.Tx, d *travel.Decision, credit *uint256.Int, now time.Time) (bool, error) {
	f, err := tx.Frog()
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		f = &travel.Frog{ID: d.FrogID, Status: travel.FrogIdle, XP: new(uint256.Int)}
	case err != nil:
		return false, err
	}
	changed := false
	if fc := d.Frog; fc != nil && f.Status != fc.To {
		if f.Status != fc.From {
			return false, fmt.Errorf("%w: frog is %s, expected %s", ErrStaleDecision, f.Status, fc.From)
		}
		f.Status = fc.To
		changed = true
	}
	if credit != nil {
		if f.XP == nil {
			f.XP = new(uint256.Int)
		}
		if _, overflow := f.XP.AddOverflow(f.XP, credit); overflow {
			return false, fmt.Errorf("frog %d xp overflows", d.FrogID)
		}
		changed = true
	}
	if !changed {
		return false, nil
	}
	f.UpdatedAt = now
	return true, tx.PutFrog(f)
}

// notify publishes the user-facing stage of a committed correction.
func (e *Engine) notify(d *travel.Decision) {
	if e.notifier == nil {
		return
	}
	stage := travel.StageSyncCorrected
	switch d.Action {
	case travel.ActionCancelDuplicates:
		stage = travel.StageCancelled
	case travel.ActionCompleteExpired:
		stage = travel.StageCompleted
	case travel.ActionAdvanceCrossChain:
		if len(d.Rows) > 0 {
			stage = d.Rows[0].To.CrossChain.Stage()
		}
	}
	e.notifier.Notify(travel.Notification{FrogID: d.FrogID, Stage: stage, Message: d.Reason})
}
