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

package reconcile

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"github.com/zetafrog/travelsync/core/chain"
	"github.com/zetafrog/travelsync/core/chain/chaintest"
	"github.com/zetafrog/travelsync/core/ledger"
	"github.com/zetafrog/travelsync/core/travel"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreCurrent())
}

var testNow = time.Unix(1_700_050_000, 0).UTC()

type recorder struct {
	mu    sync.Mutex
	notes []travel.Notification
}

func (r *recorder) Notify(n travel.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.notes {
		out = append(out, n.Stage)
	}
	return out
}

type testEnv struct {
	chain  *chaintest.Chain
	store  ledger.Store
	engine *Engine
	notes  *recorder
}

type envOption func(*envConfig)

type envConfig struct {
	cfg      Config
	db       ethdb.KeyValueStore
	admin    *common.Address
	noWriter bool
	wrap     func(ledger.Store) ledger.Store
	reader   func(ChainReader) ChainReader
}

func withPolicy(p travel.Policy) envOption { return func(c *envConfig) { c.cfg.Policy = p } }
func withDB(db ethdb.KeyValueStore) envOption { return func(c *envConfig) { c.db = db } }
func withoutWriter() envOption                { return func(c *envConfig) { c.noWriter = true } }
func withStore(wrap func(ledger.Store) ledger.Store) envOption {
	return func(c *envConfig) { c.wrap = wrap }
}
func withAdmin(addr common.Address) envOption { return func(c *envConfig) { c.admin = &addr } }
func withReader(wrap func(ChainReader) ChainReader) envOption {
	return func(c *envConfig) { c.reader = wrap }
}
func withConfig(fn func(*Config)) envOption { return func(c *envConfig) { fn(&c.cfg) } }

func newEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	ec := envConfig{
		cfg: Config{
			Workers:           4,
			FrogTimeout:       3 * time.Second,
			CorrectionTimeout: 5 * time.Second,
			MaxAttempts:       3,
			Policy:            travel.Policy{TimeoutGrace: 10 * time.Minute},
			Clock:             func() time.Time { return testNow },
		},
		db: memorydb.New(),
	}
	for _, opt := range opts {
		opt(&ec)
	}
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	admin := crypto.PubkeyToAddress(key.PublicKey)
	if ec.admin != nil {
		admin = *ec.admin
	}
	c := chaintest.New(7001, admin)
	t.Cleanup(c.Close)

	var store ledger.Store = ledger.NewKVStore(ec.db)
	if ec.wrap != nil {
		store = ec.wrap(store)
	}
	reader := chain.NewReader(c.Client(), chain.ReaderConfig{Contracts: c.Contracts(), FrogTimeout: 2 * time.Second}, nil)
	var writer ChainWriter
	if !ec.noWriter {
		writer = newTestWriter(t, c, reader, key)
	}
	var cr ChainReader = reader
	if ec.reader != nil {
		cr = ec.reader(reader)
	}
	notes := new(recorder)
	return &testEnv{chain: c, store: store, engine: New(ec.cfg, store, cr, writer, notes), notes: notes}
}

func newTestWriter(t *testing.T, c *chaintest.Chain, reader *chain.Reader, key *ecdsa.PrivateKey) *chain.Writer {
	w, err := chain.NewWriter(c.Client(), reader, chain.WriterConfig{
		Contracts:      c.Contracts(),
		Key:            key,
		ConfirmTimeout: 2 * time.Second,
		PollInterval:   10 * time.Millisecond,
	})
	require.NoError(t, err)
	return w
}

func (e *testEnv) seed(t *testing.T, frogID uint64, status travel.FrogStatus, rows ...*travel.Travel) []uint64 {
	t.Helper()
	var ids []uint64
	err := e.store.Update(context.Background(), frogID, func(tx ledger.Tx) error {
		if err := tx.PutFrog(&travel.Frog{ID: frogID, Status: status, XP: new(uint256.Int)}); err != nil {
			return err
		}
		for _, r := range rows {
			id, err := tx.InsertTravel(r)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	require.NoError(t, err)
	return ids
}

func (e *testEnv) record(t *testing.T, frogID uint64) travel.LedgerRecord {
	t.Helper()
	rec, err := e.store.Record(context.Background(), frogID)
	require.NoError(t, err)
	return rec
}

func crossChainRow(frogID uint64, cc travel.CrossChainStatus, start time.Time) *travel.Travel {
	return &travel.Travel{
		FrogID:           frogID,
		Status:           travel.StatusActive,
		CrossChain:       true,
		CrossChainStatus: cc,
		StartTime:        start,
		TargetChainID:    97,
	}
}

func chainFrog(cc uint8, start time.Time, maxDuration time.Duration) chaintest.Frog {
	return chaintest.Frog{
		Status:        2,
		CCStatus:      cc,
		TargetChainID: 97,
		StartTime:     uint64(start.Unix()),
		MaxDuration:   uint64(maxDuration / time.Second),
		OutboundMsg:   common.HexToHash("0x0101"),
	}
}

// Chain idle, ledger says travelling: the stale row is failed and the frog
// released.
func TestReconcileStuckTravel(t *testing.T) {
	env := newEnv(t)
	start := testNow.Add(-time.Hour)
	env.seed(t, 1, travel.FrogCrossChainLocked, crossChainRow(1, travel.CrossChainOnTarget, start))
	env.chain.SetFrog(1, chaintest.Frog{CanStart: true})

	d := env.engine.ReconcileOne(context.Background(), 1)
	require.Equal(t, travel.KindChainBehindLedger, d.Kind)
	require.Equal(t, travel.ActionFailStuckTravels, d.Action)
	require.True(t, d.Corrected)
	require.Empty(t, d.Error)

	rec := env.record(t, 1)
	require.Equal(t, travel.FrogIdle, rec.Frog.Status)
	require.Len(t, rec.Travels, 1)
	row := rec.Travels[0]
	require.Equal(t, travel.StatusFailed, row.Status)
	require.Equal(t, travel.CrossChainFailed, row.CrossChainStatus)
	require.True(t, strings.HasPrefix(row.ErrorMessage, travel.NoteSyncMismatch))
	require.Equal(t, []string{travel.StageSyncCorrected}, env.notes.stages())

	// A second pass finds nothing to do.
	d = env.engine.ReconcileOne(context.Background(), 1)
	require.Equal(t, travel.KindConsistent, d.Kind)
	require.False(t, d.Corrected)
	require.Len(t, env.notes.stages(), 1)
}

// The NFT reports the frog idle and free while its cross-chain record is
// still at Traveling.
func TestReconcileStaleCrossChainRecord(t *testing.T) {
	env := newEnv(t)
	start := testNow.Add(-time.Hour)
	env.seed(t, 6, travel.FrogCrossChainLocked, crossChainRow(6, travel.CrossChainTraveling, start))
	env.chain.SetFrog(6, chaintest.Frog{Status: 0, CCStatus: 2, TargetChainID: 97, StartTime: uint64(start.Unix()), CanStart: true})

	d := env.engine.ReconcileOne(context.Background(), 6)
	require.Equal(t, travel.KindChainBehindLedger, d.Kind)
	require.Equal(t, travel.ActionFailStuckTravels, d.Action)
	require.True(t, d.Corrected)
	require.Empty(t, env.chain.Sent(), "ledger-side correction must not touch the chain")

	rec := env.record(t, 6)
	require.Equal(t, travel.FrogIdle, rec.Frog.Status)
	require.Equal(t, travel.StatusFailed, rec.Travels[0].Status)

	// An idle ledger frog stays idle.
	env.seed(t, 7, travel.FrogIdle, crossChainRow(7, travel.CrossChainTraveling, start))
	env.chain.SetFrog(7, chaintest.Frog{Status: 0, CCStatus: 2, TargetChainID: 97, StartTime: uint64(start.Unix()), CanStart: true})
	d = env.engine.ReconcileOne(context.Background(), 7)
	require.Equal(t, travel.ActionFailStuckTravels, d.Action)
	require.Nil(t, d.Frog)
	require.Equal(t, travel.FrogIdle, env.record(t, 7).Frog.Status)
}

func TestReconcileDuplicatesWithoutChain(t *testing.T) {
	db := memorydb.New()
	start := testNow.Add(-time.Hour)
	a, b := crossChainRow(3, travel.CrossChainLocked, start), crossChainRow(3, travel.CrossChainLocked, start)
	a.ID, b.ID = 1, 2
	ledger.WriteTravelRow(db, a)
	ledger.WriteTravelRow(db, b)
	ledger.WriteTravelSeq(db, 2)
	ledger.WriteFrogRow(db, &travel.Frog{ID: 3, Status: travel.FrogCrossChainLocked, XP: new(uint256.Int)})

	env := newEnv(t, withDB(db))
	d := env.engine.ReconcileOne(context.Background(), 3)
	require.Equal(t, travel.KindDuplicateLedgerRows, d.Kind)
	require.True(t, d.Corrected)
	require.Zero(t, env.chain.Calls(), "duplicates must be resolved without chain reads")

	rec := env.record(t, 3)
	require.Equal(t, "Active/Locked", rec.Travels[0].Composite().String())
	require.Equal(t, travel.StatusCancelled, rec.Travels[1].Status)
	require.Equal(t, travel.CrossChainLocked, rec.Travels[1].CrossChainStatus)
	require.Equal(t, []string{travel.StageCancelled}, env.notes.stages())
}

func TestReconcileChainUnavailable(t *testing.T) {
	env := newEnv(t)
	env.seed(t, 1, travel.FrogCrossChainLocked, crossChainRow(1, travel.CrossChainOnTarget, testNow.Add(-time.Hour)))
	env.chain.SetUnavailable(true)

	d := env.engine.ReconcileOne(context.Background(), 1)
	require.Equal(t, travel.KindDeferred, d.Kind)
	require.False(t, d.Corrected)
	require.Contains(t, d.Reason, "chain unavailable")

	rec := env.record(t, 1)
	require.Equal(t, travel.StatusActive, rec.Travels[0].Status, "an unreadable chain must never fail a travel")
	require.Equal(t, travel.FrogCrossChainLocked, rec.Frog.Status)
}

// hangingReader blocks until the caller gives up.
type hangingReader struct{}

func (hangingReader) Snapshot(ctx context.Context, frogID uint64) (*travel.ChainSnapshot, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestReconcileChainTimeout(t *testing.T) {
	env := newEnv(t,
		withReader(func(ChainReader) ChainReader { return hangingReader{} }),
		withConfig(func(c *Config) { c.FrogTimeout = 50 * time.Millisecond }),
	)
	env.seed(t, 1, travel.FrogCrossChainLocked, crossChainRow(1, travel.CrossChainOnTarget, testNow.Add(-time.Hour)))

	begin := time.Now()
	d := env.engine.ReconcileOne(context.Background(), 1)
	require.Less(t, time.Since(begin), 2*time.Second)
	require.Equal(t, travel.KindDeferred, d.Kind)
	require.Equal(t, travel.ActionNone, d.Action)
	require.False(t, d.Corrected)
	require.Contains(t, d.Reason, "frog timeout after 50ms")

	rec := env.record(t, 1)
	require.Equal(t, travel.StatusActive, rec.Travels[0].Status)
	require.Equal(t, travel.FrogCrossChainLocked, rec.Frog.Status)
}

// slowStore holds its next Update until the caller's deadline passes.
type slowStore struct {
	ledger.Store
	armed atomic.Bool
}

func (s *slowStore) Update(ctx context.Context, frogID uint64, fn func(ledger.Tx) error) error {
	if s.armed.CompareAndSwap(true, false) {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.Store.Update(ctx, frogID, fn)
}

func TestReconcileCorrectionTimeout(t *testing.T) {
	var ss *slowStore
	env := newEnv(t,
		withStore(func(s ledger.Store) ledger.Store {
			ss = &slowStore{Store: s}
			return ss
		}),
		withConfig(func(c *Config) { c.CorrectionTimeout = 50 * time.Millisecond }),
	)
	env.seed(t, 1, travel.FrogCrossChainLocked, crossChainRow(1, travel.CrossChainOnTarget, testNow.Add(-time.Hour)))
	env.chain.SetFrog(1, chaintest.Frog{CanStart: true})
	ss.armed.Store(true)

	d := env.engine.ReconcileOne(context.Background(), 1)
	require.Equal(t, travel.KindDeferred, d.Kind)
	require.False(t, d.Corrected)
	require.Contains(t, d.Error, context.DeadlineExceeded.Error())
	require.Contains(t, d.Reason, "correction timed out")
	require.Empty(t, env.notes.stages())
	require.Equal(t, travel.StatusActive, env.record(t, 1).Travels[0].Status)

	// The next attempt goes through.
	d = env.engine.ReconcileOne(context.Background(), 1)
	require.True(t, d.Corrected)
	require.Equal(t, travel.KindChainBehindLedger, d.Kind)
}

func TestReconcileMaterializes(t *testing.T) {
	env := newEnv(t)
	start := testNow.Add(-20 * time.Minute)
	env.chain.SetFrog(2, chainFrog(2, start, 2*time.Hour))

	d := env.engine.ReconcileOne(context.Background(), 2)
	require.Equal(t, travel.KindLedgerBehindChain, d.Kind)
	require.Equal(t, travel.ActionMaterializeTravel, d.Action)
	require.True(t, d.Corrected)

	rec := env.record(t, 2)
	require.NotNil(t, rec.Frog)
	require.Equal(t, travel.FrogCrossChainLocked, rec.Frog.Status)
	require.Len(t, rec.Travels, 1)
	row := rec.Travels[0]
	require.Equal(t, "Active/Traveling", row.Composite().String())
	require.Equal(t, start.Unix(), row.StartTime.Unix())
	require.Equal(t, common.HexToHash("0x0101"), row.MessageID)

	d = env.engine.ReconcileOne(context.Background(), 2)
	require.Equal(t, travel.KindConsistent, d.Kind)
}

func TestReconcileAdvances(t *testing.T) {
	env := newEnv(t)
	start := testNow.Add(-20 * time.Minute)
	env.seed(t, 6, travel.FrogCrossChainLocked, crossChainRow(6, travel.CrossChainLocked, start))
	env.chain.SetFrog(6, chainFrog(4, start, 2*time.Hour))

	d := env.engine.ReconcileOne(context.Background(), 6)
	require.Equal(t, travel.ActionAdvanceCrossChain, d.Action)
	require.True(t, d.Corrected)
	require.Equal(t, "Active/Returning", env.record(t, 6).Travels[0].Composite().String())
	require.Equal(t, []string{travel.StageCrossingBack}, env.notes.stages())
}

func TestReconcileExpiredAutoComplete(t *testing.T) {
	env := newEnv(t, withPolicy(travel.Policy{TimeoutGrace: 10 * time.Minute, AutoCompleteExpired: true}))
	start := testNow.Add(-3 * time.Hour)
	env.seed(t, 4, travel.FrogCrossChainLocked, crossChainRow(4, travel.CrossChainOnTarget, start))
	env.chain.SetFrog(4, chainFrog(3, start, time.Hour))

	d := env.engine.ReconcileOne(context.Background(), 4)
	require.Empty(t, d.Error)
	require.Equal(t, travel.ActionCompleteExpired, d.Action)
	require.True(t, d.Corrected)
	require.NotNil(t, d.TxHash)
	require.Equal(t, uint64(70), d.XPReward.Uint64())

	f := env.chain.Frog(4)
	require.Equal(t, 1, f.Completions)
	require.Equal(t, uint64(70), f.XPCredited.Uint64())

	rec := env.record(t, 4)
	require.Equal(t, "Completed/Completed", rec.Travels[0].Composite().String())
	require.Equal(t, uint64(70), rec.Travels[0].XPEarned.Uint64())
	require.Equal(t, travel.FrogIdle, rec.Frog.Status)
	require.Equal(t, uint64(70), rec.Frog.XP.Uint64())
	require.Equal(t, []string{travel.StageCompleted}, env.notes.stages())

	// The completed travel stays completed; no second transaction.
	d = env.engine.ReconcileOne(context.Background(), 4)
	require.False(t, d.Corrected)
	require.Len(t, env.chain.Sent(), 1)
}

func TestReconcileExpiredEscalates(t *testing.T) {
	env := newEnv(t)
	start := testNow.Add(-3 * time.Hour)
	env.seed(t, 4, travel.FrogCrossChainLocked, crossChainRow(4, travel.CrossChainOnTarget, start))
	env.chain.SetFrog(4, chainFrog(3, start, time.Hour))

	d := env.engine.ReconcileOne(context.Background(), 4)
	require.Equal(t, travel.ActionEscalate, d.Action)
	require.True(t, strings.HasPrefix(d.Reason, travel.NoteTimeout))
	require.False(t, d.Corrected)
	require.Empty(t, env.chain.Sent())
	require.Len(t, env.engine.Escalations(), 1)
	require.Equal(t, "Active/OnTarget", env.record(t, 4).Travels[0].Composite().String())
}

func TestReconcileExpiredWithoutWriter(t *testing.T) {
	env := newEnv(t, withoutWriter(), withPolicy(travel.Policy{AutoCompleteExpired: true}))
	start := testNow.Add(-3 * time.Hour)
	env.seed(t, 4, travel.FrogCrossChainLocked, crossChainRow(4, travel.CrossChainOnTarget, start))
	env.chain.SetFrog(4, chainFrog(3, start, time.Hour))

	d := env.engine.ReconcileOne(context.Background(), 4)
	require.Equal(t, travel.ActionEscalate, d.Action)
	require.Contains(t, d.Reason, ErrNoWriter.Error())
}

// raceStore moves a travel row between the engine's read and its commit.
type raceStore struct {
	ledger.Store
	armed atomic.Bool
	frog  uint64
	row   uint64
}

func (s *raceStore) Update(ctx context.Context, frogID uint64, fn func(ledger.Tx) error) error {
	if s.armed.CompareAndSwap(true, false) {
		s.Store.Update(ctx, s.frog, func(tx ledger.Tx) error {
			rows, _ := tx.Travels()
			for _, r := range rows {
				if r.ID == s.row {
					r.Status = travel.StatusProcessing
					return tx.UpdateTravel(r)
				}
			}
			return nil
		})
	}
	return s.Store.Update(ctx, frogID, fn)
}

func TestReconcileStaleRetry(t *testing.T) {
	var rs *raceStore
	env := newEnv(t, withStore(func(s ledger.Store) ledger.Store {
		rs = &raceStore{Store: s, frog: 1}
		return rs
	}))
	ids := env.seed(t, 1, travel.FrogCrossChainLocked, crossChainRow(1, travel.CrossChainOnTarget, testNow.Add(-time.Hour)))
	rs.row = ids[0]
	rs.armed.Store(true)
	env.chain.SetFrog(1, chaintest.Frog{CanStart: true})

	d := env.engine.ReconcileOne(context.Background(), 1)
	require.Empty(t, d.Error)
	require.True(t, d.Corrected)
	require.Equal(t, 2, d.Attempts)
	require.Equal(t, "Failed/Failed", env.record(t, 1).Travels[0].Composite().String())
}

type failingStore struct{ ledger.Store }

func (failingStore) Candidates(context.Context, ledger.CandidateFilter) ([]uint64, error) {
	return nil, errors.New("disk on fire")
}

func TestReconcileAll(t *testing.T) {
	env := newEnv(t)
	start := testNow.Add(-20 * time.Minute)
	// 1 is stuck, 2 is consistent, 5 is idle and never a candidate.
	env.seed(t, 1, travel.FrogCrossChainLocked, crossChainRow(1, travel.CrossChainOnTarget, start))
	env.chain.SetFrog(1, chaintest.Frog{CanStart: true})
	env.seed(t, 2, travel.FrogCrossChainLocked, crossChainRow(2, travel.CrossChainOnTarget, start))
	env.chain.SetFrog(2, chainFrog(3, start, 2*time.Hour))
	env.seed(t, 5, travel.FrogIdle)
	env.engine.Trigger(9)

	pass, err := env.engine.ReconcileAll(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, pass.ID)
	require.Len(t, pass.Decisions, 3, "frog 5 is not a candidate, frog 9 was triggered")
	require.Equal(t, 1, pass.Corrected)
	require.Zero(t, pass.Errors)
	require.Same(t, pass, env.engine.LastPass())

	for _, d := range pass.Decisions {
		require.Equal(t, pass.ID, d.PassID)
	}
	last, ok := env.engine.LastOutcome(9)
	require.True(t, ok)
	require.Equal(t, travel.KindConsistent, last.Kind)
	_, ok = env.engine.LastOutcome(5)
	require.False(t, ok)

	// Corrected frogs drop out of the candidate set.
	pass, err = env.engine.ReconcileAll(context.Background())
	require.NoError(t, err)
	require.Len(t, pass.Decisions, 1)
	require.Zero(t, pass.Corrected)
}

func TestReconcileAllCandidateFailure(t *testing.T) {
	env := newEnv(t, withStore(func(s ledger.Store) ledger.Store { return failingStore{s} }))
	_, err := env.engine.ReconcileAll(context.Background())
	var perr *PassError
	require.ErrorAs(t, err, &perr)
	require.NotEmpty(t, perr.PassID)
	require.Nil(t, env.engine.LastPass())
}

func TestReconcileAllCancelled(t *testing.T) {
	env := newEnv(t)
	env.seed(t, 1, travel.FrogCrossChainLocked, crossChainRow(1, travel.CrossChainOnTarget, testNow.Add(-time.Hour)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pass, err := env.engine.ReconcileAll(ctx)
	require.NoError(t, err)
	require.True(t, pass.Cancelled)
	require.Empty(t, pass.Decisions)
	require.Equal(t, travel.StatusActive, env.record(t, 1).Travels[0].Status)
}

func TestReconcileTriggered(t *testing.T) {
	env := newEnv(t)
	env.engine.Trigger(7)
	env.engine.Trigger(7)
	env.engine.Trigger(8)
	select {
	case <-env.engine.Triggered():
	default:
		t.Fatal("trigger not signalled")
	}
	ds := env.engine.ReconcileTriggered(context.Background())
	require.Len(t, ds, 2)
	require.Equal(t, uint64(7), ds[0].FrogID)
	require.Empty(t, env.engine.ReconcileTriggered(context.Background()))
}

func TestClearStuckTravel(t *testing.T) {
	env := newEnv(t)
	start := testNow.Add(-10 * time.Minute)
	env.seed(t, 4, travel.FrogCrossChainLocked, crossChainRow(4, travel.CrossChainOnTarget, start))
	env.chain.SetFrog(4, chainFrog(3, start, time.Hour))
	require.Equal(t, travel.KindConsistent, env.engine.ReconcileOne(context.Background(), 4).Kind)

	d, err := env.engine.ClearStuckTravel(context.Background(), 4)
	require.NoError(t, err)
	require.True(t, d.Admin)
	require.NotNil(t, d.TxHash)
	require.Equal(t, travel.ActionFailStuckTravels, d.Action)
	require.True(t, d.Corrected)
	require.Equal(t, "Failed/Failed", env.record(t, 4).Travels[0].Composite().String())

	last, _ := env.engine.LastOutcome(4)
	require.True(t, last.Admin)
}

func TestCompleteTravel(t *testing.T) {
	env := newEnv(t)
	start := testNow.Add(-30 * time.Minute)
	env.seed(t, 5, travel.FrogCrossChainLocked, crossChainRow(5, travel.CrossChainReturning, start))
	env.chain.SetFrog(5, chainFrog(4, start, 2*time.Hour))

	d, err := env.engine.CompleteTravel(context.Background(), 5)
	require.NoError(t, err)
	require.True(t, d.Corrected)
	require.Equal(t, uint64(90), d.XPReward.Uint64())
	require.Equal(t, uint64(90), env.chain.Frog(5).XPCredited.Uint64())

	rec := env.record(t, 5)
	require.Equal(t, "Completed/Completed", rec.Travels[0].Composite().String())
	require.Equal(t, travel.FrogIdle, rec.Frog.Status)
	require.Equal(t, uint64(90), rec.Frog.XP.Uint64())

	_, err = env.engine.CompleteTravel(context.Background(), 5)
	require.Error(t, err, "nothing left in flight")
}

func TestEscalationUnauthorizedHalts(t *testing.T) {
	env := newEnv(t, withAdmin(common.HexToAddress("0x9999999999999999999999999999999999999999")))
	env.chain.SetFrog(4, chainFrog(3, testNow.Add(-10*time.Minute), time.Hour))

	_, err := env.engine.EmergencyReset(context.Background(), 4)
	require.ErrorIs(t, err, chain.ErrUnauthorized)
	require.Error(t, env.engine.WriterHalted())

	_, err = env.engine.ClearStuckTravel(context.Background(), 4)
	require.ErrorIs(t, err, chain.ErrWriterHalted)

	require.NoError(t, env.engine.ResumeWriter())
	require.NoError(t, env.engine.WriterHalted())
}

func TestEscalationWithoutWriter(t *testing.T) {
	env := newEnv(t, withoutWriter())
	_, err := env.engine.EmergencyReset(context.Background(), 1)
	require.ErrorIs(t, err, ErrNoWriter)
	require.ErrorIs(t, env.engine.ResumeWriter(), ErrNoWriter)
}

// gatedReader holds the snapshot of one frog until released.
type gatedReader struct {
	ChainReader
	frog    uint64
	entered chan struct{}
	release chan struct{}
}

func (r *gatedReader) Snapshot(ctx context.Context, frogID uint64) (*travel.ChainSnapshot, error) {
	if frogID == r.frog {
		close(r.entered)
		<-r.release
	}
	return r.ChainReader.Snapshot(ctx, frogID)
}

// A frog waiting on the chain never holds up another frog's correction.
func TestReconcileNoGlobalLock(t *testing.T) {
	gr := &gatedReader{frog: 1, entered: make(chan struct{}), release: make(chan struct{})}
	env := newEnv(t, withReader(func(r ChainReader) ChainReader {
		gr.ChainReader = r
		return gr
	}))
	start := testNow.Add(-time.Hour)
	env.seed(t, 1, travel.FrogCrossChainLocked, crossChainRow(1, travel.CrossChainOnTarget, start))
	env.seed(t, 2, travel.FrogCrossChainLocked, crossChainRow(2, travel.CrossChainOnTarget, start))
	env.chain.SetFrog(1, chaintest.Frog{CanStart: true})
	env.chain.SetFrog(2, chaintest.Frog{CanStart: true})

	done := make(chan travel.Decision, 1)
	go func() { done <- env.engine.ReconcileOne(context.Background(), 1) }()
	<-gr.entered

	d := env.engine.ReconcileOne(context.Background(), 2)
	require.True(t, d.Corrected)
	require.Equal(t, travel.FrogIdle, env.record(t, 2).Frog.Status)

	close(gr.release)
	require.True(t, (<-done).Corrected)
}

func TestFrogLocks(t *testing.T) {
	locks := newFrogLocks()
	var (
		wg     sync.WaitGroup
		inside atomic.Int32
		maxIn  atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock(1)
			n := inside.Add(1)
			if n > maxIn.Load() {
				maxIn.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	// A different frog is never blocked by frog 1.
	unlock := locks.lock(2)
	unlock()
	wg.Wait()
	require.Equal(t, int32(1), maxIn.Load())
	require.Zero(t, locks.held())
}

func TestClassifyErr(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&chain.TransactionRevertedError{Method: "m", Reason: "nope"}, "reverted"},
		{&chain.TimeoutError{Method: "m"}, "timeout"},
		{&chain.UnauthorizedError{Method: "m"}, "unauthorized"},
		{&chain.ChainUnavailableError{Op: "m", Err: errors.New("x")}, "chain unavailable"},
		{&travel.TransitionError{Reason: "x"}, "illegal transition"},
		{ErrStaleDecision, "stale"},
		{errors.New("leveldb: closed"), "ledger"},
	}
	for _, tt := range tests {
		if got := classifyErr(tt.err); !strings.HasPrefix(got, tt.want+": ") {
			t.Errorf("classifyErr(%v) = %q, want prefix %q", tt.err, got, tt.want)
		}
	}
}
