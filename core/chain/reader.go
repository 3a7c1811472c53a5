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
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/zetafrog/travelsync/core/travel"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Caller is the read-only part of a chain client.
type Caller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	Contracts    Contracts
	RateLimit    float64       // calls per second, 0 for unlimited
	Burst        int           // burst size of the limiter
	FrogTimeout  time.Duration // bound of one Snapshot
	OriginChain  uint64
	SkipVisiting bool // do not consult connectors while building snapshots
}

// Reader queries frog and travel state on the origin chain. It never
// mutates anything and reports every failure as *ChainUnavailableError.
type Reader struct {
	backend    Caller
	cfg        ReaderConfig
	limiter    *rate.Limiter
	connectors *Connectors
}

// NewReader creates a reader. connectors may be nil.
func NewReader(backend Caller, cfg ReaderConfig, connectors *Connectors) *Reader {
	return &Reader{
		backend:    backend,
		cfg:        cfg,
		limiter:    newLimiter(cfg.RateLimit, cfg.Burst),
		connectors: connectors,
	}
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func tokenArg(frogID uint64) *big.Int { return new(big.Int).SetUint64(frogID) }

// call packs, executes and unpacks one view call.
func call(ctx context.Context, backend Caller, limiter *rate.Limiter, contract *abi.ABI, to common.Address, from common.Address, method string, args ...any) ([]any, error) {
	if err := limiter.Wait(ctx); err != nil {
		return nil, err
	}
	input, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	start := time.Now()
	out, err := backend.CallContract(ctx, ethereum.CallMsg{From: from, To: &to, Data: input}, nil)
	readLatency.UpdateSince(start)
	if err != nil {
		return nil, err
	}
	vals, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return vals, nil
}

func (r *Reader) view(ctx context.Context, contract *abi.ABI, to common.Address, frogID uint64, method string) ([]any, error) {
	vals, err := call(ctx, r.backend, r.limiter, contract, to, common.Address{}, method, tokenArg(frogID))
	if err != nil {
		return nil, unavailable(method, frogID, err)
	}
	return vals, nil
}

// Uint64 converts an on-chain integer, rejecting values that do not fit.
func Uint64(v *big.Int) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	u, overflow := uint256.FromBig(v)
	if overflow || v.Sign() < 0 || !u.IsUint64() {
		return 0, fmt.Errorf("%w: %s", ErrValueOverflow, v)
	}
	return u.Uint64(), nil
}

// Uint256 converts an on-chain integer to its fixed-width form.
func Uint256(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	u, overflow := uint256.FromBig(v)
	if overflow || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s", ErrValueOverflow, v)
	}
	return u, nil
}

func durationOf(secs uint64) (time.Duration, error) {
	if secs > uint64(math.MaxInt64/int64(time.Second)) {
		return 0, fmt.Errorf("%w: duration %ds", ErrValueOverflow, secs)
	}
	return time.Duration(secs) * time.Second, nil
}

func timeOf(secs uint64) time.Time {
	if secs == 0 || secs > math.MaxInt64 {
		return time.Time{}
	}
	return time.Unix(int64(secs), 0).UTC()
}

// FrogStatus reads getFrogStatus from the NFT contract.
func (r *Reader) FrogStatus(ctx context.Context, frogID uint64) (travel.FrogStatus, error) {
	vals, err := r.view(ctx, &NFTABI, r.cfg.Contracts.NFT, frogID, "getFrogStatus")
	if err != nil {
		return 0, err
	}
	status := travel.FrogStatus(vals[0].(uint8))
	if !status.Valid() {
		return 0, unavailable("getFrogStatus", frogID, fmt.Errorf("invalid frog status %d", uint8(status)))
	}
	return status, nil
}

// CrossChainTravel reads the cross-chain travel record of the frog.
func (r *Reader) CrossChainTravel(ctx context.Context, frogID uint64) (travel.CrossChainTravel, error) {
	var out travel.CrossChainTravel
	vals, err := r.view(ctx, &TravelABI, r.cfg.Contracts.Travel, frogID, "crossChainTravels")
	if err != nil {
		return out, err
	}
	target, err := Uint64(vals[2].(*big.Int))
	if err != nil {
		return out, unavailable("crossChainTravels", frogID, err)
	}
	maxDuration, err := durationOf(vals[6].(uint64))
	if err != nil {
		return out, unavailable("crossChainTravels", frogID, err)
	}
	status := travel.CrossChainStatus(vals[7].(uint8))
	if !status.Valid() {
		return out, unavailable("crossChainTravels", frogID, fmt.Errorf("invalid cross-chain status %d", uint8(status)))
	}
	return travel.CrossChainTravel{
		Status:            status,
		TargetChainID:     target,
		StartTime:         timeOf(vals[5].(uint64)),
		MaxDuration:       maxDuration,
		Owner:             vals[1].(common.Address),
		OutboundMessageID: vals[3].([32]byte),
		ReturnMessageID:   vals[4].([32]byte),
	}, nil
}

// CanStartCrossChainTravel reads whether the travel contract would accept a
// new cross-chain travel for the frog.
func (r *Reader) CanStartCrossChainTravel(ctx context.Context, frogID uint64) (bool, error) {
	vals, err := r.view(ctx, &TravelABI, r.cfg.Contracts.Travel, frogID, "canStartCrossChainTravel")
	if err != nil {
		return false, err
	}
	return vals[0].(bool), nil
}

// ActiveTravel reads the NFT's current local travel. It returns nil when the
// frog has none.
func (r *Reader) ActiveTravel(ctx context.Context, frogID uint64) (*travel.LocalTravel, error) {
	vals, err := r.view(ctx, &NFTABI, r.cfg.Contracts.NFT, frogID, "getActiveTravel")
	if err != nil {
		return nil, err
	}
	start := vals[0].(uint64)
	if start == 0 {
		return nil, nil
	}
	target, err := Uint64(vals[3].(*big.Int))
	if err != nil {
		return nil, unavailable("getActiveTravel", frogID, err)
	}
	return &travel.LocalTravel{
		StartTime:     timeOf(start),
		EndTime:       timeOf(vals[1].(uint64)),
		TargetWallet:  vals[2].(common.Address),
		TargetChainID: target,
		Completed:     vals[4].(bool),
	}, nil
}

// Snapshot gathers everything classification needs about one frog, bounded
// by the configured frog timeout.
func (r *Reader) Snapshot(ctx context.Context, frogID uint64) (*travel.ChainSnapshot, error) {
	start := time.Now()
	defer snapshotLatency.UpdateSince(start)

	if r.cfg.FrogTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.FrogTimeout)
		defer cancel()
	}
	snap := &travel.ChainSnapshot{FrogID: frogID}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		snap.FrogStatus, err = r.FrogStatus(gctx, frogID)
		return err
	})
	g.Go(func() (err error) {
		snap.CrossChain, err = r.CrossChainTravel(gctx, frogID)
		return err
	})
	g.Go(func() (err error) {
		snap.CanStart, err = r.CanStartCrossChainTravel(gctx, frogID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if snap.FrogStatus == travel.FrogTraveling {
		local, err := r.ActiveTravel(ctx, frogID)
		if err != nil {
			return nil, err
		}
		snap.Local = local
	}
	if cc := snap.CrossChain; cc.Status.InFlight() && r.connectors != nil && !r.cfg.SkipVisiting {
		visiting, err := r.connectors.IsFrogVisiting(ctx, cc.TargetChainID, frogID)
		switch {
		case errors.Is(err, ErrNoConnector):
		case err != nil:
			// The connector only refines the stage; the origin chain decides.
			log.Debug("Connector visiting check failed", "frog", frogID, "chain", cc.TargetChainID, "err", err)
		default:
			snap.Visiting = visiting
		}
	}
	snap.ReadAt = time.Now()
	return snap, nil
}
