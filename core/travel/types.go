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
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Frog is the ledger mirror of one frog NFT.
type Frog struct {
	ID           uint64         `json:"id"` // on-chain token id
	Owner        common.Address `json:"owner"`
	Name         string         `json:"name"`
	Status       FrogStatus     `json:"status"`
	TotalTravels uint64         `json:"totalTravels"`
	XP           *uint256.Int   `json:"xp"`
	Level        uint64         `json:"level"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Copy returns a deep copy of f.
func (f *Frog) Copy() *Frog {
	cpy := *f
	if f.XP != nil {
		cpy.XP = new(uint256.Int).Set(f.XP)
	}
	return &cpy
}

// Travel is the ledger mirror of one journey. CrossChainStatus is only
// meaningful when CrossChain is set; local travels keep it at CrossChainNone.
type Travel struct {
	ID               uint64           `json:"id"`
	FrogID           uint64           `json:"frogId"`
	Status           LocalStatus      `json:"status"`
	CrossChain       bool             `json:"crossChain"`
	CrossChainStatus CrossChainStatus `json:"crossChainStatus"`
	StartTime        time.Time        `json:"startTime"`
	EndTime          time.Time        `json:"endTime"`
	TargetChainID    uint64           `json:"targetChainId"`
	TargetWallet     common.Address   `json:"targetWallet"`
	MessageID        common.Hash      `json:"messageId"` // outbound correlation id
	ReturnMessageID  common.Hash      `json:"returnMessageId"`
	LockTxHash       common.Hash      `json:"lockTxHash"`
	ArrivedAt        time.Time        `json:"arrivedAt"`
	CompletedAt      time.Time        `json:"completedAt"`
	ErrorMessage     string           `json:"errorMessage,omitempty"`
	XPEarned         *uint256.Int     `json:"xpEarned,omitempty"`
	JournalHash      string           `json:"journalHash,omitempty"`
	SouvenirID       uint64           `json:"souvenirId,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Copy returns a deep copy of t.
func (t *Travel) Copy() *Travel {
	cpy := *t
	if t.XPEarned != nil {
		cpy.XPEarned = new(uint256.Int).Set(t.XPEarned)
	}
	return &cpy
}

// Terminal reports whether the travel reached a final local status.
func (t *Travel) Terminal() bool { return t.Status.Terminal() }

// Composite returns the (local, cross-chain) pair of the row.
func (t *Travel) Composite() Composite {
	return Composite{Local: t.Status, CrossChain: t.CrossChainStatus, IsCrossChain: t.CrossChain}
}

// LedgerRecord is everything the ledger knows about one frog. Frog is nil when
// the frog has never been mirrored.
type LedgerRecord struct {
	Frog    *Frog
	Travels []*Travel
}

// Active returns the non-terminal travels ordered by id.
func (r LedgerRecord) Active() []*Travel {
	var out []*Travel
	for _, t := range r.Travels {
		if !t.Terminal() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Duplicates groups non-terminal rows sharing a start time. Only groups with
// more than one row are returned; each group is ordered by id.
func (r LedgerRecord) Duplicates() [][]*Travel {
	groups := make(map[int64][]*Travel)
	var order []int64
	for _, t := range r.Active() {
		key := t.StartTime.Unix()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], t)
	}
	var out [][]*Travel
	for _, key := range order {
		if len(groups[key]) > 1 {
			out = append(out, groups[key])
		}
	}
	return out
}

// FrogStatus returns the mirrored frog status, Idle when the frog is unknown.
func (r LedgerRecord) FrogStatus() FrogStatus {
	if r.Frog == nil {
		return FrogIdle
	}
	return r.Frog.Status
}

// CrossChainTravel is the origin-chain record of a frog's latest cross-chain
// travel. A zero StartTime with Status None means there is no record.
type CrossChainTravel struct {
	Status            CrossChainStatus
	TargetChainID     uint64
	StartTime         time.Time
	MaxDuration       time.Duration
	Owner             common.Address
	OutboundMessageID common.Hash
	ReturnMessageID   common.Hash
}

// LocalTravel is the NFT contract's view of the frog's current local travel.
type LocalTravel struct {
	StartTime     time.Time
	EndTime       time.Time
	TargetWallet  common.Address
	TargetChainID uint64
	Completed     bool
}

// ChainSnapshot is the transient chain-side input of one classification.
type ChainSnapshot struct {
	FrogID     uint64
	FrogStatus FrogStatus
	CrossChain CrossChainTravel
	CanStart   bool
	Local      *LocalTravel // nil when the NFT reports no active travel
	Visiting   bool         // frog observed on its target connector
	ReadAt     time.Time
}

// Active reports whether the chain holds the frog in any travel. A frog the
// NFT reports idle and free to start again is not held, whatever its stale
// cross-chain record says.
func (s *ChainSnapshot) Active() bool {
	if s.FrogStatus == FrogIdle && s.CanStart {
		return false
	}
	return s.FrogStatus != FrogIdle || s.CrossChain.Status.InFlight()
}

// LockTxPresent reports whether the outbound cross-chain message was sent.
func (s *ChainSnapshot) LockTxPresent() bool {
	return s.CrossChain.OutboundMessageID != (common.Hash{})
}

// Elapsed returns the time since the cross-chain travel started, or zero.
func (s *ChainSnapshot) Elapsed(now time.Time) time.Duration {
	if s.CrossChain.StartTime.IsZero() {
		return 0
	}
	return now.Sub(s.CrossChain.StartTime)
}

// Notification is the normalized payload handed to the real-time delivery
// layer.
type Notification struct {
	FrogID  uint64 `json:"frogId"`
	Stage   string `json:"stage"`
	Message string `json:"message,omitempty"`
}

// Notifier delivers notifications. Notify must not block on slow consumers.
type Notifier interface {
	Notify(n Notification)
}
