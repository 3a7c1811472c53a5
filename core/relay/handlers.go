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

package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/zetafrog/travelsync/core/chain"
	"github.com/zetafrog/travelsync/core/ledger"
	"github.com/zetafrog/travelsync/core/travel"
)

// effect collects what a handler wants done after its transaction commits.
type effect struct {
	notes   []travel.Notification
	trigger bool
}

func (e *effect) notify(frogID uint64, stage, msg string) {
	e.notes = append(e.notes, travel.Notification{FrogID: frogID, Stage: stage, Message: msg})
}

type handlerFunc func(tx ledger.Tx, ev *chain.Event, fx *effect) error

var handlers = map[string]handlerFunc{
	"FrogMinted":                handleMinted,
	"LevelUp":                   handleLevelUp,
	"TravelStarted":             handleTravelStarted,
	"TravelCompleted":           handleTravelCompleted,
	"TravelCancelled":           handleTravelCancelled,
	"CrossChainTravelStarted":   handleCrossChainStarted,
	"CrossChainTravelCompleted": handleCrossChainCompleted,
	"CrossChainTravelFailed":    handleCrossChainFailed,
	"EmergencyReturn":           handleEmergencyReturn,
	"FrogArrived":               handleFrogArrived,
	"FrogDeparted":              handleFrogDeparted,
}

// Handle applies one decoded event in a single ledger transaction. Events are
// keyed by txHash:logIndex, so a replayed event changes nothing.
func (r *Relay) Handle(ctx context.Context, ev *chain.Event) error {
	h, ok := handlers[ev.Name]
	if !ok {
		return nil
	}
	var fx effect
	err := r.store.Update(ctx, ev.FrogID, func(tx ledger.Tx) error {
		fx = effect{}
		fresh, err := tx.MarkEvent(ev.Key())
		if err != nil || !fresh {
			return err
		}
		return h(tx, ev, &fx)
	})
	if err != nil {
		return fmt.Errorf("%s frog %d (%s): %w", ev.Name, ev.FrogID, ev.Key(), err)
	}
	eventsApplied.Inc(1)
	if r.notifier != nil {
		for _, n := range fx.notes {
			r.notifier.Notify(n)
		}
	}
	if fx.trigger && r.trigger != nil {
		anomalies.Inc(1)
		r.trigger.Trigger(ev.FrogID)
	}
	return nil
}

// loadFrog returns the frog row, creating an idle one for unknown frogs.
func loadFrog(tx ledger.Tx, frogID uint64) (*travel.Frog, error) {
	f, err := tx.Frog()
	if errors.Is(err, ledger.ErrNotFound) {
		return &travel.Frog{ID: frogID, Status: travel.FrogIdle, XP: new(uint256.Int), Level: 1}, nil
	}
	return f, err
}

func eventTime(ev *chain.Event, field string) time.Time {
	secs, err := ev.Uint64(field)
	if err != nil || secs == 0 {
		return time.Time{}
	}
	return time.Unix(int64(secs), 0).UTC()
}

func setFrogStatus(tx ledger.Tx, frogID uint64, status travel.FrogStatus) error {
	f, err := loadFrog(tx, frogID)
	if err != nil {
		return err
	}
	if f.Status == status {
		return nil
	}
	f.Status = status
	return tx.PutFrog(f)
}

func handleMinted(tx ledger.Tx, ev *chain.Event, fx *effect) error {
	f, err := loadFrog(tx, ev.FrogID)
	if err != nil {
		return err
	}
	f.Owner = ev.Address("owner")
	if name := ev.Text("name"); name != "" {
		f.Name = name
	}
	return tx.PutFrog(f)
}

func handleLevelUp(tx ledger.Tx, ev *chain.Event, fx *effect) error {
	level, err := ev.Uint64("newLevel")
	if err != nil {
		return err
	}
	f, err := loadFrog(tx, ev.FrogID)
	if err != nil {
		return err
	}
	if level <= f.Level {
		return nil
	}
	f.Level = level
	return tx.PutFrog(f)
}

// activeRows returns the frog's non-terminal rows of one kind.
func activeRows(tx ledger.Tx, crossChain bool) ([]*travel.Travel, int, error) {
	rec, err := tx.Record()
	if err != nil {
		return nil, 0, err
	}
	var out []*travel.Travel
	all := rec.Active()
	for _, t := range all {
		if t.CrossChain == crossChain {
			out = append(out, t)
		}
	}
	return out, len(all), nil
}

func handleTravelStarted(tx ledger.Tx, ev *chain.Event, fx *effect) error {
	target, err := ev.Uint64("targetChainId")
	if err != nil {
		return err
	}
	row := &travel.Travel{
		FrogID:        ev.FrogID,
		Status:        travel.StatusActive,
		StartTime:     eventTime(ev, "startTime"),
		EndTime:       eventTime(ev, "endTime"),
		TargetChainID: target,
		TargetWallet:  ev.Address("targetWallet"),
		LockTxHash:    ev.Log.TxHash,
	}
	return startTravel(tx, ev, fx, row)
}

func handleCrossChainStarted(tx ledger.Tx, ev *chain.Event, fx *effect) error {
	target, err := ev.Uint64("targetChainId")
	if err != nil {
		return err
	}
	maxDuration, err := ev.Uint64("maxDuration")
	if err != nil {
		return err
	}
	start := eventTime(ev, "startTime")
	row := &travel.Travel{
		FrogID:           ev.FrogID,
		Status:           travel.StatusActive,
		CrossChain:       true,
		CrossChainStatus: travel.CrossChainLocked,
		StartTime:        start,
		TargetChainID:    target,
		MessageID:        ev.Hash("messageId"),
		LockTxHash:       ev.Log.TxHash,
	}
	if maxDuration > 0 && !start.IsZero() {
		row.EndTime = start.Add(time.Duration(maxDuration) * time.Second)
	}
	return startTravel(tx, ev, fx, row)
}

// startTravel inserts the row keyed by (frog, start time). A row inserted
// earlier under the same key only gains the chain identifiers it lacks.
func startTravel(tx ledger.Tx, ev *chain.Event, fx *effect, row *travel.Travel) error {
	_, others, err := activeRows(tx, row.CrossChain)
	if err != nil {
		return err
	}
	_, err = tx.InsertTravel(row)
	switch {
	case errors.Is(err, ledger.ErrDuplicateTravel):
		return enrichStarted(tx, row)
	case err != nil:
		return err
	}
	if others > 0 {
		// The frog now has a second active travel; let reconciliation decide.
		fx.trigger = true
	}
	if err := setFrogStatus(tx, ev.FrogID, travel.ExpectedFrogStatus(row.CrossChain)); err != nil {
		return err
	}
	fx.notify(ev.FrogID, travel.StageStarted, "")
	return nil
}

func enrichStarted(tx ledger.Tx, row *travel.Travel) error {
	rows, err := tx.Travels()
	if err != nil {
		return err
	}
	for _, t := range rows {
		if t.Status == travel.StatusCancelled || t.StartTime.Unix() != row.StartTime.Unix() {
			continue
		}
		changed := false
		if t.LockTxHash == (common.Hash{}) && row.LockTxHash != (common.Hash{}) {
			t.LockTxHash, changed = row.LockTxHash, true
		}
		if t.MessageID == (common.Hash{}) && row.MessageID != (common.Hash{}) {
			t.MessageID, changed = row.MessageID, true
		}
		if !changed {
			return nil
		}
		return tx.UpdateTravel(t)
	}
	return nil
}

// finishFrog updates the frog after one of its travels ended.
func finishFrog(tx ledger.Tx, frogID uint64, completed bool, xp *uint256.Int) error {
	f, err := loadFrog(tx, frogID)
	if err != nil {
		return err
	}
	rec, err := tx.Record()
	if err != nil {
		return err
	}
	if len(rec.Active()) == 0 {
		f.Status = travel.FrogIdle
	}
	if completed {
		f.TotalTravels++
	}
	if xp != nil && !xp.IsZero() {
		if f.XP == nil {
			f.XP = new(uint256.Int)
		}
		if _, overflow := f.XP.AddOverflow(f.XP, xp); overflow {
			return fmt.Errorf("frog %d xp overflows", frogID)
		}
	}
	return tx.PutFrog(f)
}

// endLocal moves the latest active local travel to a terminal status.
func endLocal(tx ledger.Tx, ev *chain.Event, fx *effect, status travel.LocalStatus, stage string, mutate func(*travel.Travel) error) error {
	rows, _, err := activeRows(tx, false)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fx.trigger = true
		log.Debug("Travel end without an active local travel", "event", ev.Name, "frog", ev.FrogID)
		return nil
	}
	if len(rows) > 1 {
		fx.trigger = true
	}
	t := rows[len(rows)-1]
	to := travel.Composite{Local: status}
	if err := travel.ValidateTransition(t.Composite(), to, false); err != nil {
		outOfOrder.Inc(1)
		log.Info("Skipping travel event", "event", ev.Name, "frog", ev.FrogID, "travel", t.ID, "err", err)
		return nil
	}
	t.Status = status
	if mutate != nil {
		if err := mutate(t); err != nil {
			return err
		}
	}
	if err := tx.UpdateTravel(t); err != nil {
		return err
	}
	if err := finishFrog(tx, ev.FrogID, status == travel.StatusCompleted, nil); err != nil {
		return err
	}
	fx.notify(ev.FrogID, stage, "")
	return nil
}

func handleTravelCompleted(tx ledger.Tx, ev *chain.Event, fx *effect) error {
	souvenir, err := ev.Uint64("souvenirId")
	if err != nil {
		return err
	}
	return endLocal(tx, ev, fx, travel.StatusCompleted, travel.StageCompleted, func(t *travel.Travel) error {
		t.CompletedAt = eventTime(ev, "timestamp")
		t.JournalHash = ev.Text("journalHash")
		t.SouvenirID = souvenir
		return nil
	})
}

func handleTravelCancelled(tx ledger.Tx, ev *chain.Event, fx *effect) error {
	return endLocal(tx, ev, fx, travel.StatusCancelled, travel.StageCancelled, nil)
}

// pickCrossChain selects the active cross-chain row an event refers to,
// preferring a message id match.
func pickCrossChain(rows []*travel.Travel, msg common.Hash) *travel.Travel {
	if len(rows) == 0 {
		return nil
	}
	if msg != (common.Hash{}) {
		for _, t := range rows {
			if t.MessageID == msg || t.ReturnMessageID == msg {
				return t
			}
		}
	}
	return rows[len(rows)-1]
}

// advance moves the frog's active cross-chain travel along its lifecycle.
// Late or out-of-order events never move a status backward; they are
// skipped.
func advance(tx ledger.Tx, ev *chain.Event, fx *effect, msg common.Hash, next func(*travel.Travel) travel.Composite, mutate func(*travel.Travel)) (*travel.Travel, bool, error) {
	rows, _, err := activeRows(tx, true)
	if err != nil {
		return nil, false, err
	}
	if len(rows) > 1 {
		fx.trigger = true
	}
	t := pickCrossChain(rows, msg)
	if t == nil {
		fx.trigger = true
		log.Debug("Cross-chain event without an active travel", "event", ev.Name, "frog", ev.FrogID)
		return nil, false, nil
	}
	from, to := t.Composite(), next(t)
	if from == to {
		return t, false, nil
	}
	if err := travel.ValidateTransition(from, to, false); err != nil {
		outOfOrder.Inc(1)
		log.Info("Skipping out-of-order travel event", "event", ev.Name, "frog", ev.FrogID, "travel", t.ID, "err", err)
		return t, false, nil
	}
	t.Status, t.CrossChainStatus = to.Local, to.CrossChain
	if mutate != nil {
		mutate(t)
	}
	if err := tx.UpdateTravel(t); err != nil {
		return nil, false, err
	}
	fx.notify(ev.FrogID, to.CrossChain.Stage(), "")
	return t, true, nil
}

func terminal(local travel.LocalStatus, cc travel.CrossChainStatus) func(*travel.Travel) travel.Composite {
	return func(*travel.Travel) travel.Composite {
		return travel.Composite{Local: local, CrossChain: cc, IsCrossChain: true}
	}
}

func stage(cc travel.CrossChainStatus) func(*travel.Travel) travel.Composite {
	return func(t *travel.Travel) travel.Composite {
		c := t.Composite()
		c.CrossChain = cc
		return c
	}
}

func handleCrossChainCompleted(tx ledger.Tx, ev *chain.Event, fx *effect) error {
	xp, err := ev.Uint256("xpReward")
	if err != nil {
		return err
	}
	_, moved, err := advance(tx, ev, fx, ev.Hash("messageId"), terminal(travel.StatusCompleted, travel.CrossChainCompleted), func(t *travel.Travel) {
		t.CompletedAt = eventTime(ev, "timestamp")
		t.XPEarned = xp
	})
	if err != nil || !moved {
		return err
	}
	return finishFrog(tx, ev.FrogID, true, xp)
}

func handleCrossChainFailed(tx ledger.Tx, ev *chain.Event, fx *effect) error {
	_, moved, err := advance(tx, ev, fx, ev.Hash("messageId"), terminal(travel.StatusFailed, travel.CrossChainFailed), func(t *travel.Travel) {
		t.ErrorMessage = ev.Text("reason")
	})
	if err != nil || !moved {
		return err
	}
	return finishFrog(tx, ev.FrogID, false, nil)
}

func handleEmergencyReturn(tx ledger.Tx, ev *chain.Event, fx *effect) error {
	_, moved, err := advance(tx, ev, fx, common.Hash{}, terminal(travel.StatusFailed, travel.CrossChainTimeout), func(t *travel.Travel) {
		t.ErrorMessage = "emergency return: " + ev.Text("reason")
	})
	if err != nil || !moved {
		return err
	}
	return finishFrog(tx, ev.FrogID, false, nil)
}

func handleFrogArrived(tx ledger.Tx, ev *chain.Event, fx *effect) error {
	if !targetMatches(tx, ev, fx) {
		return nil
	}
	_, _, err := advance(tx, ev, fx, ev.Hash("messageId"), stage(travel.CrossChainOnTarget), func(t *travel.Travel) {
		t.ArrivedAt = eventTime(ev, "timestamp")
	})
	return err
}

func handleFrogDeparted(tx ledger.Tx, ev *chain.Event, fx *effect) error {
	if !targetMatches(tx, ev, fx) {
		return nil
	}
	ret := ev.Hash("returnMessageId")
	_, _, err := advance(tx, ev, fx, common.Hash{}, stage(travel.CrossChainReturning), func(t *travel.Travel) {
		t.ReturnMessageID = ret
	})
	return err
}

// targetMatches checks that a connector event came from the chain the
// active travel is headed to.
func targetMatches(tx ledger.Tx, ev *chain.Event, fx *effect) bool {
	rows, _, err := activeRows(tx, true)
	if err != nil || len(rows) == 0 {
		return true
	}
	t := rows[len(rows)-1]
	if t.TargetChainID == 0 || t.TargetChainID == ev.ChainID {
		return true
	}
	fx.trigger = true
	log.Warn("Connector event from unexpected chain", "event", ev.Name, "frog", ev.FrogID, "chain", ev.ChainID, "target", t.TargetChainID)
	return false
}
