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
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrChainUnavailable    = errors.New("chain unavailable")
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrTimeout             = errors.New("transaction not confirmed in time")
	ErrUnauthorized        = errors.New("signer not authorized")
	ErrWriterHalted        = errors.New("chain writer halted")
	ErrValueOverflow       = errors.New("on-chain value overflows")
	ErrNoConnector         = errors.New("no connector registered for chain")
)

// ChainUnavailableError wraps every transport, RPC or decoding failure of a
// read. It never means the frog is idle.
type ChainUnavailableError struct {
	Op     string
	FrogID uint64
	Err    error
}

func (e *ChainUnavailableError) Error() string {
	return fmt.Sprintf("chain unavailable: %s frog %d: %v", e.Op, e.FrogID, e.Err)
}
func (e *ChainUnavailableError) Unwrap() error        { return e.Err }
func (e *ChainUnavailableError) Is(target error) bool { return target == ErrChainUnavailable }

// TransactionRevertedError is returned when a write reverts, either in the
// preflight call or on chain. It is never retried automatically.
type TransactionRevertedError struct {
	Method string
	FrogID uint64
	TxHash common.Hash // zero when the preflight call reverted
	Reason string
}

func (e *TransactionRevertedError) Error() string {
	if e.TxHash == (common.Hash{}) {
		return fmt.Sprintf("%s(%d) reverted in preflight: %s", e.Method, e.FrogID, e.Reason)
	}
	return fmt.Sprintf("%s(%d) reverted in %s: %s", e.Method, e.FrogID, e.TxHash.Hex(), e.Reason)
}
func (e *TransactionRevertedError) Is(target error) bool { return target == ErrTransactionReverted }

// TimeoutError is returned when a submitted transaction was not confirmed in
// time. Retrying the same write rebroadcasts the same signed transaction.
type TimeoutError struct {
	Method string
	FrogID uint64
	TxHash common.Hash
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s(%d) tx %s not confirmed after %s", e.Method, e.FrogID, e.TxHash.Hex(), e.Waited)
}
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// UnauthorizedError is a configuration error: the signer lacks the role the
// contract requires. It halts the writer.
type UnauthorizedError struct {
	Method string
	Signer common.Address
	Reason string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("%s: signer %s not authorized: %s", e.Method, e.Signer.Hex(), e.Reason)
}
func (e *UnauthorizedError) Is(target error) bool { return target == ErrUnauthorized }

func unavailable(op string, frogID uint64, err error) error {
	readErrors.Inc(1)
	return &ChainUnavailableError{Op: op, FrogID: frogID, Err: err}
}
