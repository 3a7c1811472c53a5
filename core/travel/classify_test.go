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

package travel

import (
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"
)

var (
	t0  = time.Unix(1_700_000_000, 0)
	now = t0.Add(2 * time.Hour)
)

func crossChainRow(id uint64, local LocalStatus, cc CrossChainStatus, start time.Time) *Travel {
	return &Travel{ID: id, FrogID: 3, Status: local, CrossChain: true, CrossChainStatus: cc, StartTime: start, TargetChainID: 97}
}

func localRow(id uint64, local LocalStatus, start time.Time) *Travel {
	return &Travel{ID: id, FrogID: 3, Status: local, StartTime: start, EndTime: start.Add(time.Hour)}
}

func ledger(frog FrogStatus, rows ...*Travel) LedgerRecord {
	return LedgerRecord{Frog: &Frog{ID: 3, Status: frog, XP: new(uint256.Int)}, Travels: rows}
}

func idleChain(canStart bool) *ChainSnapshot {
	return &ChainSnapshot{FrogID: 3, FrogStatus: FrogIdle, CanStart: canStart}
}

func crossChainSnapshot(frog FrogStatus, cc CrossChainStatus, start time.Time) *ChainSnapshot {
	return &ChainSnapshot{
		FrogID:     3,
		FrogStatus: frog,
		CrossChain: CrossChainTravel{Status: cc, TargetChainID: 97, StartTime: start, MaxDuration: 4 * time.Hour},
	}
}

// applyDecision mimics the ledger side of a correction so classification can
// be re-run on the corrected record.
func applyDecision(rec LedgerRecord, d Decision) LedgerRecord {
	out := LedgerRecord{Frog: rec.Frog.Copy()}
	for _, t := range rec.Travels {
		cpy := t.Copy()
		for _, rc := range d.Rows {
			if rc.TravelID == t.ID && cpy.Composite() == rc.From {
				cpy.Status, cpy.CrossChainStatus = rc.To.Local, rc.To.CrossChain
				if rc.Note != "" {
					cpy.ErrorMessage = rc.Note
				}
			}
		}
		out.Travels = append(out.Travels, cpy)
	}
	if d.Travel != nil {
		nt := d.Travel.Copy()
		nt.ID = uint64(len(out.Travels) + 100)
		out.Travels = append(out.Travels, nt)
	}
	if d.Frog != nil && out.Frog.Status == d.Frog.From {
		out.Frog.Status = d.Frog.To
	}
	return out
}

func TestClassifyStuckCrossChainTravel(t *testing.T) {
	rec := ledger(FrogCrossChainLocked, crossChainRow(81, StatusActive, CrossChainTraveling, t0))
	d := Classify(Input{FrogID: 3, Ledger: rec, Chain: idleChain(true), Now: now})

	require.Equal(t, KindChainBehindLedger, d.Kind)
	require.Equal(t, ActionFailStuckTravels, d.Action)
	require.Len(t, d.Rows, 1)
	require.Equal(t, uint64(81), d.Rows[0].TravelID)
	require.Equal(t, Composite{Local: StatusFailed, CrossChain: CrossChainFailed, IsCrossChain: true}, d.Rows[0].To)
	require.Contains(t, d.Rows[0].Note, NoteSyncMismatch)
	require.Equal(t, &FrogChange{From: FrogCrossChainLocked, To: FrogIdle}, d.Frog)
	require.False(t, d.ChainAffecting())

	fixed := applyDecision(rec, d)
	require.Empty(t, fixed.Active())
	require.Equal(t, FrogIdle, fixed.FrogStatus())
	again := Classify(Input{FrogID: 3, Ledger: fixed, Chain: idleChain(true), Now: now})
	require.Equal(t, KindConsistent, again.Kind)
}

// The NFT reports the frog idle and free while the cross-chain record is left
// at Traveling: the record is stale and the travel is failed.
func TestClassifyStaleCrossChainRecord(t *testing.T) {
	chain := crossChainSnapshot(FrogIdle, CrossChainTraveling, t0)
	chain.CanStart = true
	require.False(t, chain.Active())

	rec := ledger(FrogCrossChainLocked, crossChainRow(81, StatusActive, CrossChainTraveling, t0))
	d := Classify(Input{FrogID: 3, Ledger: rec, Chain: chain, Now: now})
	require.Equal(t, KindChainBehindLedger, d.Kind)
	require.Equal(t, ActionFailStuckTravels, d.Action)
	require.Len(t, d.Rows, 1)
	require.Equal(t, uint64(81), d.Rows[0].TravelID)
	want := Composite{Local: StatusFailed, CrossChain: CrossChainFailed, IsCrossChain: true}
	if diff := pretty.Compare(want, d.Rows[0].To); diff != "" {
		t.Fatalf("failed row target mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, &FrogChange{From: FrogCrossChainLocked, To: FrogIdle}, d.Frog)

	// An idle ledger frog is left alone instead of being locked again.
	rec = ledger(FrogIdle, crossChainRow(81, StatusActive, CrossChainTraveling, t0))
	d = Classify(Input{FrogID: 3, Ledger: rec, Chain: chain, Now: now})
	require.Equal(t, KindChainBehindLedger, d.Kind)
	require.Equal(t, ActionFailStuckTravels, d.Action)
	require.Nil(t, d.Frog)

	fixed := applyDecision(rec, d)
	again := Classify(Input{FrogID: 3, Ledger: fixed, Chain: chain, Now: now})
	require.Equal(t, KindConsistent, again.Kind, again.Reason)

	// Without CanStart the record still holds the frog.
	chain.CanStart = false
	require.True(t, chain.Active())
}

func TestClassifyDuplicateRowsWithoutChain(t *testing.T) {
	rec := ledger(FrogTraveling, localRow(7, StatusActive, t0), localRow(9, StatusActive, t0))
	require.False(t, NeedsChain(rec))

	d := Classify(Input{FrogID: 3, Ledger: rec, Now: now})
	require.Equal(t, KindDuplicateLedgerRows, d.Kind)
	require.Equal(t, ActionCancelDuplicates, d.Action)
	require.Len(t, d.Rows, 1)
	require.Equal(t, uint64(9), d.Rows[0].TravelID)
	require.Equal(t, StatusCancelled, d.Rows[0].To.Local)
	require.Contains(t, d.Rows[0].Note, NoteDuplicate)

	fixed := applyDecision(rec, d)
	require.Len(t, fixed.Active(), 1)
	require.Equal(t, uint64(7), fixed.Active()[0].ID)
	require.True(t, NeedsChain(fixed))
}

func TestClassifyMaterializeRoundTrip(t *testing.T) {
	chain := crossChainSnapshot(FrogTraveling, CrossChainOnTarget, t0)
	rec := ledger(FrogIdle)

	d := Classify(Input{FrogID: 3, Ledger: rec, Chain: chain, Now: now})
	require.Equal(t, KindLedgerBehindChain, d.Kind)
	require.Equal(t, ActionMaterializeTravel, d.Action)
	require.NotNil(t, d.Travel)
	require.Equal(t, StatusActive, d.Travel.Status)
	require.Equal(t, CrossChainOnTarget, d.Travel.CrossChainStatus)
	require.True(t, d.Travel.CrossChain)
	require.Equal(t, t0.Unix(), d.Travel.StartTime.Unix())
	require.Equal(t, &FrogChange{From: FrogIdle, To: FrogTraveling}, d.Frog)

	fixed := applyDecision(rec, d)
	again := Classify(Input{FrogID: 3, Ledger: fixed, Chain: chain, Now: now})
	require.Equal(t, KindConsistent, again.Kind, again.Reason)
}

func TestClassifyDeferredOnChainError(t *testing.T) {
	rec := ledger(FrogCrossChainLocked, crossChainRow(5, StatusActive, CrossChainLocked, t0))
	d := Classify(Input{FrogID: 3, Ledger: rec, ChainErr: errors.New("dial tcp: i/o timeout"), Now: now})
	require.Equal(t, KindDeferred, d.Kind)
	require.Equal(t, ActionNone, d.Action)
	require.False(t, d.Mutates())
	require.Empty(t, d.Rows)
}

func TestClassifyChainIdleCannotStart(t *testing.T) {
	rec := ledger(FrogCrossChainLocked, crossChainRow(5, StatusActive, CrossChainLocked, t0))
	d := Classify(Input{FrogID: 3, Ledger: rec, Chain: idleChain(false), Now: now})
	require.Equal(t, KindConflicting, d.Kind)
	require.False(t, d.Mutates())
}

func TestClassifyMissedCompletion(t *testing.T) {
	rec := ledger(FrogCrossChainLocked, crossChainRow(5, StatusProcessing, CrossChainReturning, t0))
	chain := crossChainSnapshot(FrogIdle, CrossChainCompleted, t0)
	chain.CanStart = true

	d := Classify(Input{FrogID: 3, Ledger: rec, Chain: chain, Now: now})
	require.Equal(t, KindLedgerBehindChain, d.Kind)
	require.Equal(t, ActionAdvanceCrossChain, d.Action)
	require.Equal(t, Composite{Local: StatusCompleted, CrossChain: CrossChainCompleted, IsCrossChain: true}, d.Rows[0].To)
	require.Equal(t, FrogIdle, d.Frog.To)
}

func TestClassifyIdentityMismatch(t *testing.T) {
	rec := ledger(FrogCrossChainLocked, crossChainRow(5, StatusActive, CrossChainLocked, t0))
	chain := crossChainSnapshot(FrogCrossChainLocked, CrossChainTraveling, t0.Add(time.Minute))
	d := Classify(Input{FrogID: 3, Ledger: rec, Chain: chain, Now: now})
	require.Equal(t, KindConflicting, d.Kind)

	row := crossChainRow(5, StatusActive, CrossChainLocked, t0)
	row.TargetChainID = 11155111
	d = Classify(Input{FrogID: 3, Ledger: ledger(FrogCrossChainLocked, row), Chain: crossChainSnapshot(FrogCrossChainLocked, CrossChainTraveling, t0), Now: now})
	require.Equal(t, KindConflicting, d.Kind)
}

func TestClassifyTerminalRowMatchesChain(t *testing.T) {
	rec := ledger(FrogIdle, crossChainRow(5, StatusFailed, CrossChainFailed, t0))
	chain := crossChainSnapshot(FrogCrossChainLocked, CrossChainTraveling, t0)
	d := Classify(Input{FrogID: 3, Ledger: rec, Chain: chain, Now: now})
	require.Equal(t, KindConflicting, d.Kind)
}

func TestClassifyAdvance(t *testing.T) {
	rec := ledger(FrogCrossChainLocked, crossChainRow(5, StatusActive, CrossChainLocked, t0))
	chain := crossChainSnapshot(FrogCrossChainLocked, CrossChainTraveling, t0)

	d := Classify(Input{FrogID: 3, Ledger: rec, Chain: chain, Now: now})
	require.Equal(t, ActionAdvanceCrossChain, d.Action)
	require.Equal(t, CrossChainTraveling, d.Rows[0].To.CrossChain)
	require.Nil(t, d.Frog)

	// A visiting frog counts as arrived.
	chain.Visiting = true
	d = Classify(Input{FrogID: 3, Ledger: rec, Chain: chain, Now: now})
	require.Equal(t, CrossChainOnTarget, d.Rows[0].To.CrossChain)

	// The ledger being ahead on stage is not regressed.
	ahead := ledger(FrogCrossChainLocked, crossChainRow(5, StatusActive, CrossChainOnTarget, t0))
	chain.Visiting = false
	d = Classify(Input{FrogID: 3, Ledger: ahead, Chain: chain, Now: now})
	require.Equal(t, KindConsistent, d.Kind)
}

func TestClassifySyncFrogStatus(t *testing.T) {
	rec := ledger(FrogIdle, localRow(5, StatusActive, t0))
	chain := &ChainSnapshot{FrogID: 3, FrogStatus: FrogTraveling, Local: &LocalTravel{StartTime: t0, EndTime: t0.Add(3 * time.Hour)}}
	d := Classify(Input{FrogID: 3, Ledger: rec, Chain: chain, Now: now})
	require.Equal(t, KindLedgerBehindChain, d.Kind)
	require.Equal(t, ActionSyncFrogStatus, d.Action)
	require.Equal(t, &FrogChange{From: FrogIdle, To: FrogTraveling}, d.Frog)

	idle := ledger(FrogTraveling)
	d = Classify(Input{FrogID: 3, Ledger: idle, Chain: idleChain(true), Now: now})
	require.Equal(t, ActionSyncFrogStatus, d.Action)
	require.Equal(t, FrogIdle, d.Frog.To)
}

func TestClassifySupersededRows(t *testing.T) {
	rec := ledger(FrogCrossChainLocked,
		crossChainRow(4, StatusActive, CrossChainLocked, t0.Add(-24*time.Hour)),
		crossChainRow(5, StatusActive, CrossChainTraveling, t0),
	)
	chain := crossChainSnapshot(FrogCrossChainLocked, CrossChainTraveling, t0)
	d := Classify(Input{FrogID: 3, Ledger: rec, Chain: chain, Now: now})
	require.Equal(t, KindChainBehindLedger, d.Kind)
	require.Equal(t, ActionFailStuckTravels, d.Action)
	require.Len(t, d.Rows, 1)
	require.Equal(t, uint64(4), d.Rows[0].TravelID)

	fixed := applyDecision(rec, d)
	require.Len(t, fixed.Active(), 1)
	require.Equal(t, KindConsistent, Classify(Input{FrogID: 3, Ledger: fixed, Chain: chain, Now: now}).Kind)

	// Without a chain match the rows are left for an operator.
	other := crossChainSnapshot(FrogCrossChainLocked, CrossChainTraveling, t0.Add(time.Hour))
	require.Equal(t, KindConflicting, Classify(Input{FrogID: 3, Ledger: rec, Chain: other, Now: now}).Kind)
}

func TestClassifyExpired(t *testing.T) {
	rec := ledger(FrogCrossChainLocked, crossChainRow(5, StatusActive, CrossChainOnTarget, t0))
	chain := crossChainSnapshot(FrogCrossChainLocked, CrossChainOnTarget, t0)
	late := t0.Add(5 * time.Hour)

	d := Classify(Input{FrogID: 3, Ledger: rec, Chain: chain, Now: late, Policy: Policy{TimeoutGrace: 30 * time.Minute}})
	require.Equal(t, KindChainBehindLedger, d.Kind)
	require.Equal(t, ActionEscalate, d.Action)
	require.Contains(t, d.Reason, NoteTimeout)
	require.False(t, d.Mutates())

	d = Classify(Input{FrogID: 3, Ledger: rec, Chain: chain, Now: late, Policy: Policy{TimeoutGrace: 30 * time.Minute, AutoCompleteExpired: true}})
	require.Equal(t, ActionCompleteExpired, d.Action)
	require.True(t, d.ChainAffecting())
	require.Equal(t, uint64(50+4*20), d.XPReward.Uint64())
	require.Equal(t, FrogIdle, d.Frog.To)

	// Within the grace period nothing happens.
	d = Classify(Input{FrogID: 3, Ledger: rec, Chain: chain, Now: t0.Add(4*time.Hour + 10*time.Minute), Policy: Policy{TimeoutGrace: 30 * time.Minute}})
	require.Equal(t, KindConsistent, d.Kind)
}

func TestClassifyUnreadableChainTravel(t *testing.T) {
	chain := &ChainSnapshot{FrogID: 3, FrogStatus: FrogTraveling}
	d := Classify(Input{FrogID: 3, Ledger: ledger(FrogIdle), Chain: chain, Now: now})
	require.Equal(t, KindConflicting, d.Kind)
}

func TestClassifyIsPure(t *testing.T) {
	rec := ledger(FrogCrossChainLocked, crossChainRow(81, StatusActive, CrossChainTraveling, t0))
	in := Input{FrogID: 3, Ledger: rec, Chain: idleChain(true), Now: now}
	first := Classify(in)
	second := Classify(in)
	require.Equal(t, first, second)
	require.Equal(t, StatusActive, rec.Travels[0].Status)
}

func TestXPReward(t *testing.T) {
	require.Equal(t, uint64(50), XPReward(0).Uint64())
	require.Equal(t, uint64(50), XPReward(-time.Hour).Uint64())
	require.Equal(t, uint64(70), XPReward(time.Hour).Uint64())
	require.Equal(t, uint64(80), XPReward(90*time.Minute).Uint64())
	require.Equal(t, uint64(530), XPReward(24*time.Hour).Uint64())
}
