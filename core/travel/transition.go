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
	"fmt"
	"strings"
)

var (
	// ErrIllegalTransition is returned for any transition outside the
	// composite state table or against the lifecycle ordering.
	ErrIllegalTransition = errors.New("illegal travel transition")

	// ErrConflicting marks divergence that is never corrected automatically.
	ErrConflicting = errors.New("conflicting chain and ledger state")

	// ErrIntegrityViolation marks duplicate ledger rows.
	ErrIntegrityViolation = errors.New("ledger integrity violation")
)

// Composite is one (local, cross-chain) state of a travel.
type Composite struct {
	Local        LocalStatus
	CrossChain   CrossChainStatus
	IsCrossChain bool
}

func (c Composite) String() string {
	if !c.IsCrossChain {
		return c.Local.String() + "/-"
	}
	return c.Local.String() + "/" + c.CrossChain.String()
}

func (c Composite) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Composite) UnmarshalText(text []byte) error {
	v, err := ParseComposite(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ParseComposite parses the "Local/CrossChain" form produced by String. A
// dash in place of the cross-chain status denotes a local travel.
func ParseComposite(s string) (Composite, error) {
	local, cc, ok := strings.Cut(s, "/")
	if !ok {
		return Composite{}, fmt.Errorf("malformed travel state %q", s)
	}
	ls, err := ParseLocalStatus(local)
	if err != nil {
		return Composite{}, err
	}
	if cc == "-" {
		return Composite{Local: ls}, nil
	}
	cs, err := ParseCrossChainStatus(cc)
	if err != nil {
		return Composite{}, err
	}
	return Composite{Local: ls, CrossChain: cs, IsCrossChain: true}, nil
}

// Terminal reports whether the composite state is final.
func (c Composite) Terminal() bool { return c.Local.Terminal() }

// Legal reports whether c is part of the composite state table.
//
//	local:       Active/- Processing/- Completed/- Failed/- Cancelled/-
//	cross-chain: {Active,Processing}/{Locked..Returning}
//	             Completed/Completed  Failed/Failed  Failed/Timeout
//	             Cancelled/* (administrative, cross-chain status frozen)
func (c Composite) Legal() bool {
	if !c.IsCrossChain {
		return c.CrossChain == CrossChainNone
	}
	if !c.CrossChain.Valid() {
		return false
	}
	switch c.Local {
	case StatusActive, StatusProcessing:
		return c.CrossChain.InFlight()
	case StatusCompleted:
		return c.CrossChain == CrossChainCompleted
	case StatusFailed:
		return c.CrossChain == CrossChainFailed || c.CrossChain == CrossChainTimeout
	case StatusCancelled:
		return true
	}
	return false
}

// CompositeLegal reports whether the (local, cross-chain) pair is a state a
// travel may ever be in.
func CompositeLegal(local LocalStatus, cc CrossChainStatus, crossChain bool) bool {
	return Composite{Local: local, CrossChain: cc, IsCrossChain: crossChain}.Legal()
}

// TransitionError describes a rejected transition.
type TransitionError struct {
	From, To Composite
	Reason   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal travel transition %s -> %s: %s", e.From, e.To, e.Reason)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// ValidateTransition checks a proposed move from one composite state to
// another. Re-applying the current state is always accepted. An
// administrative override lifts the ordering rules but never the state table.
func ValidateTransition(from, to Composite, admin bool) error {
	if from == to {
		return nil
	}
	if !to.Legal() {
		return &TransitionError{From: from, To: to, Reason: "target state is not in the composite table"}
	}
	if admin {
		return nil
	}
	if from.IsCrossChain != to.IsCrossChain {
		return &TransitionError{From: from, To: to, Reason: "travel kind cannot change"}
	}
	if from.Terminal() {
		return &TransitionError{From: from, To: to, Reason: "travel already terminal"}
	}
	if to.Local == StatusActive && from.Local == StatusProcessing {
		return &TransitionError{From: from, To: to, Reason: "processing travel cannot return to active"}
	}
	// Cancellation freezes the cross-chain status where it was.
	if to.Local == StatusCancelled {
		if to.CrossChain != from.CrossChain {
			return &TransitionError{From: from, To: to, Reason: "cancellation must keep cross-chain status"}
		}
		return nil
	}
	if to.CrossChain.Rank() < from.CrossChain.Rank() {
		return &TransitionError{From: from, To: to, Reason: "cross-chain status cannot move backward"}
	}
	return nil
}

// failedComposite returns the final composite state for a failed travel of
// the given kind.
func failedComposite(isCrossChain bool) Composite {
	if !isCrossChain {
		return Composite{Local: StatusFailed}
	}
	return Composite{Local: StatusFailed, CrossChain: CrossChainFailed, IsCrossChain: true}
}

// ExpectedFrogStatus returns the frog status matching one active travel of the
// given kind.
func ExpectedFrogStatus(isCrossChain bool) FrogStatus {
	if isCrossChain {
		return FrogCrossChainLocked
	}
	return FrogTraveling
}
