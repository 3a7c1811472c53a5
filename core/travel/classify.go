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
	"fmt"
	"time"
)

// Policy holds the operational knobs of classification.
type Policy struct {
	// TimeoutGrace is added to a travel's scheduled end before it counts as
	// expired.
	TimeoutGrace time.Duration

	// AutoCompleteExpired completes expired cross-chain travels on chain
	// instead of escalating them to an operator.
	AutoCompleteExpired bool
}

// Input is everything Classify looks at for one frog.
type Input struct {
	FrogID   uint64
	Ledger   LedgerRecord
	Chain    *ChainSnapshot // nil when the chain was not read
	ChainErr error
	Policy   Policy
	Now      time.Time
}

// NeedsChain reports whether classifying rec requires a chain snapshot.
// Duplicate rows are resolved from the ledger alone.
func NeedsChain(rec LedgerRecord) bool { return len(rec.Duplicates()) == 0 }

// Classify compares the ledger record of one frog with a fresh chain snapshot
// and returns the divergence together with the corrective action. It performs
// no I/O and never mutates its input.
func Classify(in Input) Decision {
	d := Decision{FrogID: in.FrogID, Kind: KindConsistent, Action: ActionNone, At: in.Now}
	if groups := in.Ledger.Duplicates(); len(groups) > 0 {
		return classifyDuplicates(d, groups)
	}
	if in.ChainErr != nil || in.Chain == nil {
		d.Kind = KindDeferred
		d.Reason = "chain unavailable"
		if in.ChainErr != nil {
			d.Reason += ": " + in.ChainErr.Error()
		}
		return d
	}
	active := in.Ledger.Active()
	switch {
	case !in.Chain.Active():
		return classifyChainIdle(d, in, active)
	case len(active) == 0:
		return classifyUntracked(d, in)
	default:
		return classifyBothActive(d, in, active)
	}
}

func classifyDuplicates(d Decision, groups [][]*Travel) Decision {
	d.Kind = KindDuplicateLedgerRows
	d.Action = ActionCancelDuplicates
	for _, group := range groups {
		keep := group[0]
		for _, t := range group[1:] {
			from := t.Composite()
			to := from
			to.Local = StatusCancelled
			d.Rows = append(d.Rows, RowChange{
				TravelID: t.ID,
				From:     from,
				To:       to,
				Note:     fmt.Sprintf("%s: same start time as travel #%d", NoteDuplicate, keep.ID),
			})
		}
	}
	d.Reason = fmt.Sprintf("%d duplicate travel rows", len(d.Rows))
	return d
}

func classifyChainIdle(d Decision, in Input, active []*Travel) Decision {
	ledgerFrog := in.Ledger.FrogStatus()
	if len(active) == 0 {
		if ledgerFrog != FrogIdle {
			d.Kind = KindLedgerBehindChain
			d.Action = ActionSyncFrogStatus
			d.Frog = &FrogChange{From: ledgerFrog, To: FrogIdle}
			d.Reason = "frog idle on chain"
		}
		return d
	}
	// The chain settled the travel but the ledger missed the final event.
	if t, to, ok := settledOnChain(in.Chain, active); ok {
		d.Kind = KindLedgerBehindChain
		d.Action = ActionAdvanceCrossChain
		d.Rows = []RowChange{{TravelID: t.ID, From: t.Composite(), To: to}}
		d.Frog = frogChange(ledgerFrog, FrogIdle)
		d.Reason = fmt.Sprintf("cross-chain travel %s on chain", in.Chain.CrossChain.Status)
		return d
	}
	if !in.Chain.CanStart {
		d.Kind = KindConflicting
		d.Reason = fmt.Sprintf("frog idle on chain with %d active ledger travels, but no new travel can start", len(active))
		return d
	}
	d.Kind = KindChainBehindLedger
	d.Action = ActionFailStuckTravels
	d.Reason = NoteSyncMismatch + ": chain reports frog idle"
	d.Rows = failRows(active, d.Reason)
	d.Frog = frogChange(ledgerFrog, FrogIdle)
	return d
}

func classifyUntracked(d Decision, in Input) Decision {
	id, ok := chainIdentity(in.Chain)
	if !ok {
		d.Kind = KindConflicting
		d.Reason = fmt.Sprintf("chain reports frog %s without a readable travel", in.Chain.FrogStatus)
		return d
	}
	for _, t := range in.Ledger.Travels {
		if t.Terminal() && t.CrossChain == id.crossChain && sameStart(t.StartTime, id.start) {
			d.Kind = KindConflicting
			d.Reason = fmt.Sprintf("active chain travel matches terminal ledger travel #%d (%s)", t.ID, t.Composite())
			return d
		}
	}
	d.Kind = KindLedgerBehindChain
	d.Action = ActionMaterializeTravel
	d.Travel = materialize(in.FrogID, in.Chain, id)
	d.Frog = frogChange(in.Ledger.FrogStatus(), expectedFrog(in.Chain, id.crossChain))
	d.Reason = "travel active on chain but missing from ledger"
	return d
}

func classifyBothActive(d Decision, in Input, active []*Travel) Decision {
	id, ok := chainIdentity(in.Chain)
	if !ok {
		d.Kind = KindConflicting
		d.Reason = fmt.Sprintf("chain reports frog %s without a readable travel", in.Chain.FrogStatus)
		return d
	}
	var match *Travel
	for _, t := range active {
		if t.CrossChain == id.crossChain && sameStart(t.StartTime, id.start) {
			match = t
			break
		}
	}
	if match == nil {
		d.Kind = KindConflicting
		d.Reason = fmt.Sprintf("ledger travel #%d does not match chain travel started at %d", active[0].ID, id.start.Unix())
		return d
	}
	if id.target != 0 && match.TargetChainID != 0 && id.target != match.TargetChainID {
		d.Kind = KindConflicting
		d.Reason = fmt.Sprintf("travel #%d targets chain %d, chain reports %d", match.ID, match.TargetChainID, id.target)
		return d
	}
	ledgerFrog := in.Ledger.FrogStatus()
	expected := expectedFrog(in.Chain, match.CrossChain)

	if len(active) > 1 {
		var stuck []*Travel
		for _, t := range active {
			if t != match {
				stuck = append(stuck, t)
			}
		}
		d.Kind = KindChainBehindLedger
		d.Action = ActionFailStuckTravels
		d.Reason = fmt.Sprintf("%s: superseded by travel #%d", NoteSyncMismatch, match.ID)
		d.Rows = failRows(stuck, d.Reason)
		d.Frog = frogChange(ledgerFrog, expected)
		return d
	}
	if deadline, ok := deadlineOf(in.Chain, match); ok && in.Now.After(deadline.Add(in.Policy.TimeoutGrace)) {
		d.Kind = KindChainBehindLedger
		d.Reason = fmt.Sprintf("%s: travel #%d overdue by %s", NoteTimeout, match.ID, in.Now.Sub(deadline).Round(time.Second))
		if !in.Policy.AutoCompleteExpired || !match.CrossChain {
			d.Action = ActionEscalate
			return d
		}
		d.Action = ActionCompleteExpired
		d.Rows = []RowChange{{
			TravelID: match.ID,
			From:     match.Composite(),
			To:       Composite{Local: StatusCompleted, CrossChain: CrossChainCompleted, IsCrossChain: true},
		}}
		d.XPReward = XPReward(deadline.Sub(match.StartTime))
		d.Frog = frogChange(ledgerFrog, FrogIdle)
		return d
	}
	if match.CrossChain {
		if st := effectiveStatus(in.Chain); st.Rank() > match.CrossChainStatus.Rank() {
			to := match.Composite()
			to.CrossChain = st
			d.Kind = KindLedgerBehindChain
			d.Action = ActionAdvanceCrossChain
			d.Rows = []RowChange{{TravelID: match.ID, From: match.Composite(), To: to}}
			d.Frog = frogChange(ledgerFrog, expected)
			d.Reason = fmt.Sprintf("chain reports %s", st)
			return d
		}
	}
	if ledgerFrog != expected {
		d.Kind = KindLedgerBehindChain
		d.Action = ActionSyncFrogStatus
		d.Frog = &FrogChange{From: ledgerFrog, To: expected}
		d.Reason = fmt.Sprintf("chain reports frog %s", expected)
	}
	return d
}

type identity struct {
	crossChain bool
	start      time.Time
	target     uint64
}

// chainIdentity names the travel the chain currently holds the frog in.
func chainIdentity(s *ChainSnapshot) (identity, bool) {
	if s.CrossChain.Status.InFlight() && !s.CrossChain.StartTime.IsZero() {
		return identity{crossChain: true, start: s.CrossChain.StartTime, target: s.CrossChain.TargetChainID}, true
	}
	if s.Local != nil && !s.Local.Completed && !s.Local.StartTime.IsZero() {
		return identity{start: s.Local.StartTime, target: s.Local.TargetChainID}, true
	}
	return identity{}, false
}

// effectiveStatus is the origin cross-chain status, lifted to OnTarget when
// the target connector already hosts the frog.
func effectiveStatus(s *ChainSnapshot) CrossChainStatus {
	if s.CrossChain.Status == CrossChainTraveling && s.Visiting {
		return CrossChainOnTarget
	}
	return s.CrossChain.Status
}

func expectedFrog(s *ChainSnapshot, crossChain bool) FrogStatus {
	if s.FrogStatus != FrogIdle {
		return s.FrogStatus
	}
	return ExpectedFrogStatus(crossChain)
}

func settledOnChain(s *ChainSnapshot, active []*Travel) (*Travel, Composite, bool) {
	cc := s.CrossChain
	if len(active) != 1 || !active[0].CrossChain || !cc.Status.Terminal() {
		return nil, Composite{}, false
	}
	t := active[0]
	if !sameStart(t.StartTime, cc.StartTime) {
		return nil, Composite{}, false
	}
	to := Composite{Local: StatusFailed, CrossChain: cc.Status, IsCrossChain: true}
	if cc.Status == CrossChainCompleted {
		to.Local = StatusCompleted
	}
	return t, to, true
}

func deadlineOf(s *ChainSnapshot, t *Travel) (time.Time, bool) {
	if t.CrossChain && s.CrossChain.MaxDuration > 0 {
		return s.CrossChain.StartTime.Add(s.CrossChain.MaxDuration), true
	}
	if !t.CrossChain && s.Local != nil && !s.Local.EndTime.IsZero() {
		return s.Local.EndTime, true
	}
	if !t.EndTime.IsZero() {
		return t.EndTime, true
	}
	return time.Time{}, false
}

func materialize(frogID uint64, s *ChainSnapshot, id identity) *Travel {
	t := &Travel{
		FrogID:        frogID,
		Status:        StatusActive,
		StartTime:     id.start,
		TargetChainID: id.target,
	}
	if id.crossChain {
		cc := s.CrossChain
		t.CrossChain = true
		t.CrossChainStatus = effectiveStatus(s)
		t.MessageID = cc.OutboundMessageID
		t.ReturnMessageID = cc.ReturnMessageID
		if cc.MaxDuration > 0 {
			t.EndTime = cc.StartTime.Add(cc.MaxDuration)
		}
		return t
	}
	t.EndTime = s.Local.EndTime
	t.TargetWallet = s.Local.TargetWallet
	return t
}

func failRows(rows []*Travel, note string) []RowChange {
	out := make([]RowChange, 0, len(rows))
	for _, t := range rows {
		out = append(out, RowChange{TravelID: t.ID, From: t.Composite(), To: failedComposite(t.CrossChain), Note: note})
	}
	return out
}

func frogChange(from, to FrogStatus) *FrogChange {
	if from == to {
		return nil
	}
	return &FrogChange{From: from, To: to}
}

func sameStart(a, b time.Time) bool { return a.Unix() == b.Unix() }
