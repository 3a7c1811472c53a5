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

import "fmt"

// FrogStatus is the lifecycle status of a frog as stored by the NFT contract.
type FrogStatus uint8

const (
	FrogIdle FrogStatus = iota
	FrogTraveling
	FrogCrossChainLocked
)

var frogStatusNames = [...]string{"Idle", "Traveling", "CrossChainLocked"}

func (s FrogStatus) String() string {
	if int(s) < len(frogStatusNames) {
		return frogStatusNames[s]
	}
	return fmt.Sprintf("FrogStatus(%d)", uint8(s))
}

func (s FrogStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *FrogStatus) UnmarshalText(text []byte) error {
	v, err := ParseFrogStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Valid reports whether s is one of the on-chain values 0-2.
func (s FrogStatus) Valid() bool { return int(s) < len(frogStatusNames) }

// ParseFrogStatus maps a stored status name back to its value.
func ParseFrogStatus(name string) (FrogStatus, error) {
	for i, n := range frogStatusNames {
		if n == name {
			return FrogStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown frog status %q", name)
}

// LocalStatus is the off-chain lifecycle status of a travel row.
type LocalStatus uint8

const (
	StatusActive LocalStatus = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
	StatusCancelled
)

var localStatusNames = [...]string{"Active", "Processing", "Completed", "Failed", "Cancelled"}

func (s LocalStatus) String() string {
	if int(s) < len(localStatusNames) {
		return localStatusNames[s]
	}
	return fmt.Sprintf("LocalStatus(%d)", uint8(s))
}

func (s LocalStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *LocalStatus) UnmarshalText(text []byte) error {
	v, err := ParseLocalStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Terminal reports whether no further transition may leave s.
func (s LocalStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseLocalStatus maps a stored status name back to its value.
func ParseLocalStatus(name string) (LocalStatus, error) {
	for i, n := range localStatusNames {
		if n == name {
			return LocalStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown travel status %q", name)
}

// CrossChainStatus is the status of a cross-chain travel as reported by the
// origin-chain travel contract (values 0-7).
type CrossChainStatus uint8

const (
	CrossChainNone CrossChainStatus = iota
	CrossChainLocked
	CrossChainTraveling
	CrossChainOnTarget
	CrossChainReturning
	CrossChainCompleted
	CrossChainFailed
	CrossChainTimeout
)

var crossChainNames = [...]string{"None", "Locked", "Traveling", "OnTarget", "Returning", "Completed", "Failed", "Timeout"}

func (s CrossChainStatus) String() string {
	if int(s) < len(crossChainNames) {
		return crossChainNames[s]
	}
	return fmt.Sprintf("CrossChainStatus(%d)", uint8(s))
}

func (s CrossChainStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *CrossChainStatus) UnmarshalText(text []byte) error {
	v, err := ParseCrossChainStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Valid reports whether s is one of the on-chain values 0-7.
func (s CrossChainStatus) Valid() bool { return int(s) < len(crossChainNames) }

// Rank orders statuses along the travel lifecycle. The three terminal
// outcomes share the highest rank.
func (s CrossChainStatus) Rank() int {
	switch s {
	case CrossChainCompleted, CrossChainFailed, CrossChainTimeout:
		return int(CrossChainCompleted)
	default:
		return int(s)
	}
}

// Terminal reports whether s is Completed, Failed or Timeout.
func (s CrossChainStatus) Terminal() bool { return s.Rank() == int(CrossChainCompleted) }

// InFlight reports whether the frog is locked somewhere between departure and
// return for this status.
func (s CrossChainStatus) InFlight() bool {
	return s >= CrossChainLocked && s <= CrossChainReturning
}

// ParseCrossChainStatus maps a stored status name back to its value.
func ParseCrossChainStatus(name string) (CrossChainStatus, error) {
	for i, n := range crossChainNames {
		if n == name {
			return CrossChainStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown cross-chain status %q", name)
}

// Notification stages pushed to the real-time delivery layer.
const (
	StageStarted       = "STARTED"
	StageCrossingOut   = "CROSSING_OUT"
	StageOnTargetChain = "ON_TARGET_CHAIN"
	StageCrossingBack  = "CROSSING_BACK"
	StageCompleted     = "COMPLETED"
	StageFailed        = "FAILED"
	StageTimeout       = "TIMEOUT"
	StageCancelled     = "CANCELLED"
	StageSyncCorrected = "SYNC_CORRECTED"
)

// Stage returns the notification stage matching a cross-chain status.
func (s CrossChainStatus) Stage() string {
	switch s {
	case CrossChainLocked:
		return StageStarted
	case CrossChainTraveling:
		return StageCrossingOut
	case CrossChainOnTarget:
		return StageOnTargetChain
	case CrossChainReturning:
		return StageCrossingBack
	case CrossChainCompleted:
		return StageCompleted
	case CrossChainFailed:
		return StageFailed
	case CrossChainTimeout:
		return StageTimeout
	default:
		return StageStarted
	}
}
