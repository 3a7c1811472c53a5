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
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Kind classifies how the ledger and the chain relate for one frog.
type Kind string

const (
	KindConsistent          Kind = "Consistent"
	KindLedgerBehindChain   Kind = "LedgerBehindChain"
	KindChainBehindLedger   Kind = "ChainBehindLedger"
	KindConflicting         Kind = "Conflicting"
	KindDuplicateLedgerRows Kind = "DuplicateLedgerRows"
	KindDeferred            Kind = "Deferred"
)

// Action is the corrective step attached to a decision.
type Action string

const (
	ActionNone              Action = "None"
	ActionFailStuckTravels  Action = "FailStuckTravels"
	ActionMaterializeTravel Action = "MaterializeTravel"
	ActionAdvanceCrossChain Action = "AdvanceCrossChain"
	ActionSyncFrogStatus    Action = "SyncFrogStatus"
	ActionCancelDuplicates  Action = "CancelDuplicates"
	ActionCompleteExpired   Action = "CompleteExpired"
	ActionEscalate          Action = "Escalate"
)

// Annotation prefixes written into Travel.ErrorMessage by corrections.
const (
	NoteSyncMismatch = "sync-mismatch"
	NoteDuplicate    = "duplicate"
	NoteTimeout      = "timeout"
)

// RowChange moves one existing travel row from an observed state to a target
// state. From doubles as the precondition checked when the change is applied.
type RowChange struct {
	TravelID uint64    `json:"travelId"`
	From     Composite `json:"from"`
	To       Composite `json:"to"`
	Note     string    `json:"note,omitempty"`
}

// FrogChange moves the mirrored frog status.
type FrogChange struct {
	From FrogStatus `json:"from"`
	To   FrogStatus `json:"to"`
}

// Decision is the outcome of classifying one frog, plus the fields the engine
// fills in while applying it.
type Decision struct {
	FrogID uint64 `json:"frogId"`
	Kind   Kind   `json:"kind"`
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`

	Rows     []RowChange  `json:"rows,omitempty"`
	Travel   *Travel      `json:"travel,omitempty"` // row to materialize
	Frog     *FrogChange  `json:"frog,omitempty"`
	XPReward *uint256.Int `json:"xpReward,omitempty"`
	Admin    bool         `json:"admin,omitempty"`

	Corrected bool         `json:"corrected"`
	TxHash    *common.Hash `json:"txHash,omitempty"`
	Error     string       `json:"error,omitempty"`
	Attempts  int          `json:"attempts,omitempty"`
	PassID    string       `json:"passId,omitempty"`
	At        time.Time    `json:"at"`
}

// Mutates reports whether applying d changes the ledger.
func (d *Decision) Mutates() bool {
	switch d.Action {
	case ActionNone, ActionEscalate:
		return false
	}
	return true
}

// ChainAffecting reports whether d needs a confirmed chain write before the
// ledger may be touched.
func (d *Decision) ChainAffecting() bool { return d.Action == ActionCompleteExpired }

// Surfaced reports whether d needs an operator's attention.
func (d *Decision) Surfaced() bool {
	return d.Kind == KindConflicting || d.Action == ActionEscalate || d.Error != ""
}
