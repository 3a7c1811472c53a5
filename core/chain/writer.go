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
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"github.com/zetafrog/travelsync/core/travel"
)

// TxBackend is the chain client surface the writer needs.
// *ethclient.Client satisfies it.
type TxBackend interface {
	Caller
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// WriterConfig configures a Writer.
type WriterConfig struct {
	Contracts      Contracts
	Key            *ecdsa.PrivateKey
	ConfirmTimeout time.Duration
	ConfirmBlocks  uint64 // 1 means included in a block
	PollInterval   time.Duration
	Legacy         bool // sign legacy transactions instead of EIP-1559
}

// WriteResult describes a confirmed write and the state read back after it.
type WriteResult struct {
	TxHash           common.Hash
	BlockNumber      uint64
	FrogStatus       travel.FrogStatus
	CrossChainStatus travel.CrossChainStatus
	Reread           bool // false when the post-write read failed
	Rebroadcast      bool
}

type pendingKey struct {
	method string
	frogID uint64
}

// Writer submits the privileged administrative transactions. Writes for the
// same frog must not be issued concurrently; the caller holds a per-frog
// lock.
type Writer struct {
	backend TxBackend
	reader  *Reader
	cfg     WriterConfig
	signer  common.Address

	sendMu  sync.Mutex // serializes nonce assignment and submission
	chainID *big.Int

	mu      sync.Mutex
	pending map[pendingKey]*types.Transaction
	halt    *UnauthorizedError
}

// NewWriter creates a writer signing with cfg.Key. reader is used for the
// post-write read back.
func NewWriter(backend TxBackend, reader *Reader, cfg WriterConfig) (*Writer, error) {
	if cfg.Key == nil {
		return nil, errors.New("chain writer: signer key is required")
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.ConfirmBlocks == 0 {
		cfg.ConfirmBlocks = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Writer{
		backend: backend,
		reader:  reader,
		cfg:     cfg,
		signer:  crypto.PubkeyToAddress(cfg.Key.PublicKey),
		pending: make(map[pendingKey]*types.Transaction),
	}, nil
}

// Signer returns the address transactions are sent from.
func (w *Writer) Signer() common.Address { return w.signer }

// Halted returns the authorization failure that halted the writer, or nil.
func (w *Writer) Halted() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.halt == nil {
		return nil
	}
	return w.halt
}

// Resume clears a halt after the operator fixed the signer's permissions.
func (w *Writer) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.halt != nil {
		log.Info("Chain writer resumed", "signer", w.signer, "halted", w.halt.Method)
	}
	w.halt = nil
	writerHaltedGauge.Update(0)
}

// Pending returns the number of submitted but unconfirmed transactions.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// MarkTravelCompleted completes the frog's cross-chain travel on the origin
// chain, crediting xpReward.
func (w *Writer) MarkTravelCompleted(ctx context.Context, frogID uint64, xpReward *uint256.Int) (*WriteResult, error) {
	if xpReward == nil {
		xpReward = new(uint256.Int)
	}
	return w.send(ctx, "markTravelCompleted", &TravelABI, w.cfg.Contracts.Travel, frogID, tokenArg(frogID), xpReward.ToBig())
}

// EmergencyResetFrogStatus forces the NFT status of the frog back to Idle.
func (w *Writer) EmergencyResetFrogStatus(ctx context.Context, frogID uint64) (*WriteResult, error) {
	return w.send(ctx, "emergencyResetFrogStatus", &NFTABI, w.cfg.Contracts.NFT, frogID, tokenArg(frogID))
}

// AdminClearStuckTravel clears the frog's cross-chain travel record.
func (w *Writer) AdminClearStuckTravel(ctx context.Context, frogID uint64) (*WriteResult, error) {
	return w.send(ctx, "adminClearStuckTravel", &TravelABI, w.cfg.Contracts.Travel, frogID, tokenArg(frogID))
}

func (w *Writer) send(ctx context.Context, method string, contract *abi.ABI, to common.Address, frogID uint64, args ...any) (*WriteResult, error) {
	if err := w.Halted(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriterHalted, err)
	}
	input, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	start := time.Now()
	defer writeLatency.UpdateSince(start)

	key := pendingKey{method, frogID}
	w.mu.Lock()
	tx := w.pending[key]
	w.mu.Unlock()

	rebroadcast := tx != nil
	if rebroadcast {
		if receipt, err := w.backend.TransactionReceipt(ctx, tx.Hash()); err == nil && receipt != nil {
			log.Info("Earlier write already mined", "method", method, "frog", frogID, "tx", tx.Hash())
		} else if err := w.backend.SendTransaction(ctx, tx); err != nil && !knownTxError(err) {
			return nil, unavailable(method, frogID, err)
		} else {
			writeRebroadcasts.Inc(1)
			log.Info("Rebroadcast pending write", "method", method, "frog", frogID, "tx", tx.Hash(), "nonce", tx.Nonce())
		}
	} else {
		if err := w.preflight(ctx, method, to, input, frogID); err != nil {
			return nil, err
		}
		w.sendMu.Lock()
		tx, err = w.sign(ctx, to, input)
		if err != nil {
			w.sendMu.Unlock()
			return nil, unavailable(method, frogID, err)
		}
		// Remember before submission: a lost response must not lead to a
		// second transaction with a fresh nonce.
		w.mu.Lock()
		w.pending[key] = tx
		w.mu.Unlock()
		err = w.backend.SendTransaction(ctx, tx)
		w.sendMu.Unlock()
		if err != nil {
			if isRevert(err) || isUnauthorized(err) {
				w.forget(key)
				return nil, w.classify(method, frogID, err)
			}
			return nil, unavailable(method, frogID, err)
		}
		writeTotal.Inc(1)
		log.Info("Submitted chain write", "method", method, "frog", frogID, "tx", tx.Hash(), "nonce", tx.Nonce())
	}

	receipt, err := w.waitReceipt(ctx, tx)
	if err != nil {
		writeTimeouts.Inc(1)
		log.Warn("Chain write not confirmed", "method", method, "frog", frogID, "tx", tx.Hash(), "err", err)
		return nil, &TimeoutError{Method: method, FrogID: frogID, TxHash: tx.Hash(), Waited: time.Since(start)}
	}
	w.forget(key)

	if receipt.Status != types.ReceiptStatusSuccessful {
		writeReverted.Inc(1)
		reason := w.replayReason(ctx, to, input, receipt.BlockNumber)
		return nil, &TransactionRevertedError{Method: method, FrogID: frogID, TxHash: tx.Hash(), Reason: reason}
	}
	res := &WriteResult{TxHash: tx.Hash(), Rebroadcast: rebroadcast}
	if receipt.BlockNumber != nil {
		res.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if w.reader != nil {
		if err := w.readBack(ctx, frogID, res); err != nil {
			log.Warn("Read back after write failed", "method", method, "frog", frogID, "err", err)
		}
	}
	return res, nil
}

func (w *Writer) forget(key pendingKey) {
	w.mu.Lock()
	delete(w.pending, key)
	w.mu.Unlock()
}

func (w *Writer) readBack(ctx context.Context, frogID uint64, res *WriteResult) error {
	status, err := w.reader.FrogStatus(ctx, frogID)
	if err != nil {
		return err
	}
	cc, err := w.reader.CrossChainTravel(ctx, frogID)
	if err != nil {
		return err
	}
	res.FrogStatus, res.CrossChainStatus, res.Reread = status, cc.Status, true
	return nil
}

// preflight executes the write as a call from the signer so reverts surface
// before anything is signed.
func (w *Writer) preflight(ctx context.Context, method string, to common.Address, input []byte, frogID uint64) error {
	_, err := w.backend.CallContract(ctx, ethereum.CallMsg{From: w.signer, To: &to, Data: input}, nil)
	if err == nil {
		return nil
	}
	return w.classify(method, frogID, err)
}

// classify maps a failed call into the write taxonomy, halting the writer on
// authorization failures.
func (w *Writer) classify(method string, frogID uint64, err error) error {
	switch {
	case isUnauthorized(err):
		uerr := &UnauthorizedError{Method: method, Signer: w.signer, Reason: revertReason(err)}
		w.mu.Lock()
		w.halt = uerr
		w.mu.Unlock()
		writerHaltedGauge.Update(1)
		log.Error("Chain writer halted", "method", method, "signer", w.signer, "reason", uerr.Reason)
		return uerr
	case isRevert(err):
		writeReverted.Inc(1)
		return &TransactionRevertedError{Method: method, FrogID: frogID, Reason: revertReason(err)}
	default:
		return unavailable(method, frogID, err)
	}
}

func (w *Writer) sign(ctx context.Context, to common.Address, input []byte) (*types.Transaction, error) {
	if w.chainID == nil {
		id, err := w.backend.ChainID(ctx)
		if err != nil {
			return nil, err
		}
		w.chainID = id
	}
	nonce, err := w.backend.PendingNonceAt(ctx, w.signer)
	if err != nil {
		return nil, err
	}
	gas, err := w.backend.EstimateGas(ctx, ethereum.CallMsg{From: w.signer, To: &to, Data: input})
	if err != nil {
		return nil, err
	}
	gas += gas / 5

	price, err := w.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	var inner types.TxData
	if w.cfg.Legacy {
		inner = &types.LegacyTx{Nonce: nonce, GasPrice: price, Gas: gas, To: &to, Data: input}
	} else {
		tip, err := w.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, err
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(price, big.NewInt(2)))
		inner = &types.DynamicFeeTx{
			ChainID:   w.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Data:      input,
		}
	}
	return types.SignTx(types.NewTx(inner), types.LatestSignerForChainID(w.chainID), w.cfg.Key)
}

// waitReceipt polls for the receipt until it has ConfirmBlocks confirmations
// or ConfirmTimeout passes.
func (w *Writer) waitReceipt(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := w.backend.TransactionReceipt(ctx, tx.Hash())
		if err == nil && receipt != nil && receipt.BlockNumber != nil {
			if w.cfg.ConfirmBlocks <= 1 {
				return receipt, nil
			}
			head, err := w.backend.BlockNumber(ctx)
			if err == nil && head+1 >= receipt.BlockNumber.Uint64()+w.cfg.ConfirmBlocks {
				return receipt, nil
			}
		} else if err != nil && !errors.Is(err, ethereum.NotFound) {
			log.Debug("Receipt lookup failed", "tx", tx.Hash(), "err", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// replayReason re-executes a reverted transaction at its block to recover
// the revert reason.
func (w *Writer) replayReason(ctx context.Context, to common.Address, input []byte, block *big.Int) string {
	_, err := w.backend.CallContract(ctx, ethereum.CallMsg{From: w.signer, To: &to, Data: input}, block)
	if err == nil {
		return "execution reverted"
	}
	return revertReason(err)
}

// revertData extracts the ABI-encoded revert payload of a JSON-RPC error.
func revertData(err error) []byte {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil
	}
	s, ok := de.ErrorData().(string)
	if !ok {
		return nil
	}
	data, derr := hexutil.Decode(s)
	if derr != nil {
		return nil
	}
	return data
}

func revertReason(err error) string {
	data := revertData(err)
	if len(data) >= 4 {
		if reason, uerr := abi.UnpackRevert(data); uerr == nil {
			return reason
		}
		switch [4]byte(data[:4]) {
		case ownableUnauthorizedSelector:
			return "OwnableUnauthorizedAccount"
		case accessControlSelector:
			return "AccessControlUnauthorizedAccount"
		}
		return "custom error " + hexutil.Encode(data[:4])
	}
	return err.Error()
}

func isRevert(err error) bool {
	var rerr rpc.Error
	if errors.As(err, &rerr) && rerr.ErrorCode() == 3 {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "revert")
}

var unauthorizedPatterns = []string{
	"ownableunauthorizedaccount",
	"accesscontrolunauthorizedaccount",
	"ownable: caller is not the owner",
	"not authorized",
	"caller is not",
	"unauthorized",
}

func isUnauthorized(err error) bool {
	if data := revertData(err); len(data) >= 4 {
		switch [4]byte(data[:4]) {
		case ownableUnauthorizedSelector, accessControlSelector:
			return true
		}
	}
	if !isRevert(err) {
		return false
	}
	msg := strings.ToLower(revertReason(err) + " " + err.Error())
	for _, p := range unauthorizedPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func knownTxError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "nonce too low")
}
