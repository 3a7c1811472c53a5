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

package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// ErrUnknownEvent is returned for logs that match no known event.
var ErrUnknownEvent = errors.New("unknown event")

// Event is one decoded contract log.
type Event struct {
	Name    string
	ChainID uint64
	FrogID  uint64
	Log     types.Log
	Fields  map[string]any
}

// Key is the delivery identity of the event, txHash:logIndex.
func (e *Event) Key() string {
	return fmt.Sprintf("%s:%d", e.Log.TxHash.Hex(), e.Log.Index)
}

func (e *Event) field(name string) (any, error) {
	v, ok := e.Fields[name]
	if !ok {
		return nil, fmt.Errorf("event %s has no field %q", e.Name, name)
	}
	return v, nil
}

// Uint64 returns an integer field, rejecting values beyond 64 bits.
func (e *Event) Uint64(name string) (uint64, error) {
	v, err := e.field(name)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint8:
		return uint64(n), nil
	case *big.Int:
		return Uint64(n)
	}
	return 0, fmt.Errorf("event %s field %q is %T", e.Name, name, v)
}

// Uint256 returns a uint256 field.
func (e *Event) Uint256(name string) (*uint256.Int, error) {
	v, err := e.field(name)
	if err != nil {
		return nil, err
	}
	n, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("event %s field %q is %T", e.Name, name, v)
	}
	return Uint256(n)
}

func (e *Event) Text(name string) string {
	s, _ := e.Fields[name].(string)
	return s
}

func (e *Event) Address(name string) common.Address {
	a, _ := e.Fields[name].(common.Address)
	return a
}

func (e *Event) Hash(name string) common.Hash {
	switch h := e.Fields[name].(type) {
	case [32]byte:
		return h
	case common.Hash:
		return h
	}
	return common.Hash{}
}

// DecodeLog decodes lg against contract. Every known event carries the
// indexed tokenId that becomes FrogID.
func DecodeLog(contract *abi.ABI, chainID uint64, lg types.Log) (*Event, error) {
	if len(lg.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	ev, err := contract.EventByID(lg.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("%w: topic %s", ErrUnknownEvent, lg.Topics[0].Hex())
	}
	fields := make(map[string]any)
	if len(lg.Data) > 0 {
		if err := contract.UnpackIntoMap(fields, ev.Name, lg.Data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", ev.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return nil, fmt.Errorf("decode %s topics: %w", ev.Name, err)
	}
	out := &Event{Name: ev.Name, ChainID: chainID, Log: lg, Fields: fields}
	if out.FrogID, err = out.Uint64("tokenId"); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchLogs returns the logs emitted by addrs in [from, to], ordered by block
// and log index.
func FetchLogs(ctx context.Context, client Client, from, to uint64, addrs []common.Address) ([]types.Log, error) {
	logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: addrs,
	})
	if err != nil {
		return nil, unavailable("eth_getLogs", 0, err)
	}
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
	logsFetchedCounter.Inc(int64(len(logs)))
	return logs, nil
}
