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

package ledger

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/zetafrog/travelsync/core/travel"
)

const rowVersionV1 = 1

// rlpFrog is the RLP-encodable representation of travel.Frog. XP is kept as
// a decimal string so the row never depends on a fixed-width integer.
type rlpFrog struct {
	Version      uint16
	ID           uint64
	Owner        common.Address
	Name         string
	Status       uint8
	TotalTravels uint64
	XP           string
	Level        uint64
	UpdatedAt    uint64
}

// rlpTravel is the RLP-encodable representation of travel.Travel.
type rlpTravel struct {
	Version          uint16
	ID               uint64
	FrogID           uint64
	Status           uint8
	CrossChain       bool
	CrossChainStatus uint8
	StartTime        uint64
	EndTime          uint64
	TargetChainID    uint64
	TargetWallet     common.Address
	MessageID        common.Hash
	ReturnMessageID  common.Hash
	LockTxHash       common.Hash
	ArrivedAt        uint64
	CompletedAt      uint64
	ErrorMessage     string
	XPEarned         string
	JournalHash      string
	SouvenirID       uint64
	CreatedAt        uint64
	UpdatedAt        uint64
}

func unixOf(t time.Time) uint64 {
	if t.IsZero() || t.Unix() < 0 {
		return 0
	}
	return uint64(t.Unix())
}

func timeOf(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(int64(v), 0).UTC()
}

func decimalOf(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}

func parseDecimal(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	return uint256.FromDecimal(s)
}

// EncodeFrog encodes a frog row to RLP bytes.
func EncodeFrog(f *travel.Frog) ([]byte, error) {
	return rlp.EncodeToBytes(&rlpFrog{
		Version:      rowVersionV1,
		ID:           f.ID,
		Owner:        f.Owner,
		Name:         f.Name,
		Status:       uint8(f.Status),
		TotalTravels: f.TotalTravels,
		XP:           decimalOf(f.XP),
		Level:        f.Level,
		UpdatedAt:    unixOf(f.UpdatedAt),
	})
}

// DecodeFrog decodes RLP bytes to a frog row.
func DecodeFrog(data []byte) (*travel.Frog, error) {
	var row rlpFrog
	if err := rlp.DecodeBytes(data, &row); err != nil {
		return nil, err
	}
	if row.Version != rowVersionV1 {
		return nil, fmt.Errorf("unsupported frog row version: %d", row.Version)
	}
	status := travel.FrogStatus(row.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("frog %d: invalid status %d", row.ID, row.Status)
	}
	xp, err := parseDecimal(row.XP)
	if err != nil {
		return nil, fmt.Errorf("frog %d: invalid xp %q: %w", row.ID, row.XP, err)
	}
	if xp == nil {
		xp = new(uint256.Int)
	}
	return &travel.Frog{
		ID:           row.ID,
		Owner:        row.Owner,
		Name:         row.Name,
		Status:       status,
		TotalTravels: row.TotalTravels,
		XP:           xp,
		Level:        row.Level,
		UpdatedAt:    timeOf(row.UpdatedAt),
	}, nil
}

// EncodeTravel encodes a travel row to RLP bytes.
func EncodeTravel(t *travel.Travel) ([]byte, error) {
	return rlp.EncodeToBytes(&rlpTravel{
		Version:          rowVersionV1,
		ID:               t.ID,
		FrogID:           t.FrogID,
		Status:           uint8(t.Status),
		CrossChain:       t.CrossChain,
		CrossChainStatus: uint8(t.CrossChainStatus),
		StartTime:        unixOf(t.StartTime),
		EndTime:          unixOf(t.EndTime),
		TargetChainID:    t.TargetChainID,
		TargetWallet:     t.TargetWallet,
		MessageID:        t.MessageID,
		ReturnMessageID:  t.ReturnMessageID,
		LockTxHash:       t.LockTxHash,
		ArrivedAt:        unixOf(t.ArrivedAt),
		CompletedAt:      unixOf(t.CompletedAt),
		ErrorMessage:     t.ErrorMessage,
		XPEarned:         decimalOf(t.XPEarned),
		JournalHash:      t.JournalHash,
		SouvenirID:       t.SouvenirID,
		CreatedAt:        unixOf(t.CreatedAt),
		UpdatedAt:        unixOf(t.UpdatedAt),
	})
}

// DecodeTravel decodes RLP bytes to a travel row.
func DecodeTravel(data []byte) (*travel.Travel, error) {
	var row rlpTravel
	if err := rlp.DecodeBytes(data, &row); err != nil {
		return nil, err
	}
	if row.Version != rowVersionV1 {
		return nil, fmt.Errorf("unsupported travel row version: %d", row.Version)
	}
	xp, err := parseDecimal(row.XPEarned)
	if err != nil {
		return nil, fmt.Errorf("travel %d: invalid xp %q: %w", row.ID, row.XPEarned, err)
	}
	t := &travel.Travel{
		ID:               row.ID,
		FrogID:           row.FrogID,
		Status:           travel.LocalStatus(row.Status),
		CrossChain:       row.CrossChain,
		CrossChainStatus: travel.CrossChainStatus(row.CrossChainStatus),
		StartTime:        timeOf(row.StartTime),
		EndTime:          timeOf(row.EndTime),
		TargetChainID:    row.TargetChainID,
		TargetWallet:     row.TargetWallet,
		MessageID:        row.MessageID,
		ReturnMessageID:  row.ReturnMessageID,
		LockTxHash:       row.LockTxHash,
		ArrivedAt:        timeOf(row.ArrivedAt),
		CompletedAt:      timeOf(row.CompletedAt),
		ErrorMessage:     row.ErrorMessage,
		XPEarned:         xp,
		JournalHash:      row.JournalHash,
		SouvenirID:       row.SouvenirID,
		CreatedAt:        timeOf(row.CreatedAt),
		UpdatedAt:        timeOf(row.UpdatedAt),
	}
	if !t.Composite().Legal() {
		return nil, fmt.Errorf("travel %d: illegal stored state %s", row.ID, t.Composite())
	}
	return t, nil
}
