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
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/zetafrog/travelsync/core/travel"
)

// KVStore is the embedded ledger backend on a go-ethereum key-value store.
// Rows are RLP encoded and every Update commits as one batch.
type KVStore struct {
	db     ethdb.KeyValueStore
	mu     sync.RWMutex // writers exclusive, readers see whole batches
	lastID uint64       // last assigned travel id
}

// OpenKVStore opens or creates a LevelDB-backed ledger at path.
func OpenKVStore(path string, cache, handles int) (*KVStore, error) {
	kvdb, err := leveldb.New(path, cache, handles, "travelsync/ledger/", false)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database at %s: %w", path, err)
	}
	s := NewKVStore(kvdb)
	log.Info("Opened travel ledger", "path", path, "lastTravel", s.lastID)
	return s, nil
}

// NewKVStore wraps an already opened key-value store.
func NewKVStore(db ethdb.KeyValueStore) *KVStore {
	return &KVStore{db: db, lastID: ReadTravelSeq(db)}
}

func (s *KVStore) Frog(ctx context.Context, frogID uint64) (*travel.Frog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ReadFrog(s.db, frogID)
}

func (s *KVStore) Travels(ctx context.Context, frogID uint64) ([]*travel.Travel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ReadTravels(s.db, frogID)
}

func (s *KVStore) Record(ctx context.Context, frogID uint64) (travel.LedgerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return readRecord(s.db, s.db, frogID)
}

func readRecord(r ethdb.KeyValueReader, it ethdb.Iteratee, frogID uint64) (travel.LedgerRecord, error) {
	var rec travel.LedgerRecord
	f, err := ReadFrog(r, frogID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return rec, err
	default:
		rec.Frog = f
	}
	rec.Travels, err = ReadTravels(it, frogID)
	return rec, err
}

func (s *KVStore) Candidates(ctx context.Context, filter CandidateFilter) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := mapset.NewThreadUnsafeSet[uint64]()
	it := s.db.NewIterator(activePrefix, nil)
	for it.Next() {
		frogID, travelID, ok := activeKeyIDs(it.Key())
		if !ok {
			continue
		}
		if filter.restricted() {
			t, err := ReadTravel(s.db, frogID, travelID)
			if err != nil {
				it.Release()
				return nil, err
			}
			if !filter.match(t) {
				continue
			}
		}
		set.Add(frogID)
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return nil, fmt.Errorf("iterate active travels: %w", err)
	}
	if !filter.restricted() {
		fit := s.db.NewIterator(frogPrefix, nil)
		for fit.Next() {
			f, err := DecodeFrog(fit.Value())
			if err != nil {
				fit.Release()
				return nil, err
			}
			if f.Status != travel.FrogIdle {
				set.Add(f.ID)
			}
		}
		err := fit.Error()
		fit.Release()
		if err != nil {
			return nil, fmt.Errorf("iterate frogs: %w", err)
		}
	}
	out := set.ToSlice()
	sortIDs(out)
	candidatesGauge.Update(int64(len(out)))
	return out, nil
}

// Update runs fn against a batch and commits it. Commits are serialized by the
// store-wide write mutex, which also guards the travel id sequence; it is held
// only for the ledger transaction itself, never across chain calls, so frogs
// reconciled concurrently wait on each other's batch writes only.
func (s *KVStore) Update(ctx context.Context, frogID uint64, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &kvTx{
		db:      s.db,
		frogID:  frogID,
		batch:   s.db.NewBatch(),
		overlay: make(map[string][]byte),
		lastID:  s.lastID,
		now:     time.Now(),
	}
	if err := fn(tx); err != nil {
		rollbackTotal.Inc(1)
		return err
	}
	if len(tx.overlay) == 0 {
		return nil
	}
	if tx.lastID != s.lastID {
		if err := tx.batch.Put(travelSeqKey, encodeUint64(tx.lastID)); err != nil {
			return err
		}
	}
	if err := tx.batch.Write(); err != nil {
		return fmt.Errorf("commit ledger update for frog %d: %w", frogID, err)
	}
	s.lastID = tx.lastID
	updateTotal.Inc(1)
	updateLatency.UpdateSince(start)
	return nil
}

func (s *KVStore) Cursor(ctx context.Context, name string) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ReadCursor(s.db, name)
}

func (s *KVStore) SetCursor(ctx context.Context, name string, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Put(cursorKey(name), encodeUint64(block))
}

func (s *KVStore) Close() error {
	return s.db.Close()
}

// kvTx buffers the writes of one Update. Reads see the buffered writes first.
type kvTx struct {
	db      ethdb.KeyValueStore
	frogID  uint64
	batch   ethdb.Batch
	overlay map[string][]byte // nil value marks a deletion
	lastID  uint64
	now     time.Time
}

func (tx *kvTx) Has(key []byte) (bool, error) {
	if v, ok := tx.overlay[string(key)]; ok {
		return v != nil, nil
	}
	return tx.db.Has(key)
}

func (tx *kvTx) Get(key []byte) ([]byte, error) {
	if v, ok := tx.overlay[string(key)]; ok {
		if v == nil {
			return nil, ErrNotFound
		}
		return v, nil
	}
	return tx.db.Get(key)
}

func (tx *kvTx) Put(key []byte, value []byte) error {
	tx.overlay[string(key)] = common.CopyBytes(value)
	return tx.batch.Put(key, value)
}

func (tx *kvTx) Delete(key []byte) error {
	tx.overlay[string(key)] = nil
	return tx.batch.Delete(key)
}

func (tx *kvTx) Frog() (*travel.Frog, error) { return ReadFrog(tx, tx.frogID) }

func (tx *kvTx) Travels() ([]*travel.Travel, error) {
	rows, err := ReadTravels(tx.db, tx.frogID)
	if err != nil {
		return nil, err
	}
	byID := make(map[uint64]*travel.Travel, len(rows))
	for _, t := range rows {
		byID[t.ID] = t
	}
	prefix := travelFrogPrefix(tx.frogID)
	for key, value := range tx.overlay {
		if !bytes.HasPrefix([]byte(key), prefix) || len(key) != len(prefix)+8 || value == nil {
			continue
		}
		t, err := DecodeTravel(value)
		if err != nil {
			return nil, err
		}
		byID[t.ID] = t
	}
	out := make([]*travel.Travel, 0, len(byID))
	for _, t := range byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *kvTx) Record() (travel.LedgerRecord, error) {
	var rec travel.LedgerRecord
	f, err := tx.Frog()
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return rec, err
	default:
		rec.Frog = f
	}
	rec.Travels, err = tx.Travels()
	return rec, err
}

func (tx *kvTx) PutFrog(f *travel.Frog) error {
	if f.ID != tx.frogID {
		return fmt.Errorf("ledger: frog %d written in transaction of frog %d", f.ID, tx.frogID)
	}
	cpy := f.Copy()
	cpy.UpdatedAt = tx.now
	return writeFrog(tx, cpy)
}

func (tx *kvTx) InsertTravel(t *travel.Travel) (uint64, error) {
	if err := checkTravel(tx.frogID, t); err != nil {
		return 0, err
	}
	if t.Status != travel.StatusCancelled {
		_, taken, err := readStartIndex(tx, startIndexKey(tx.frogID, t.StartTime.Unix()))
		if err != nil {
			return 0, err
		}
		if taken {
			duplicateInserts.Inc(1)
			return 0, ErrDuplicateTravel
		}
	}
	tx.lastID++
	cpy := t.Copy()
	cpy.ID = tx.lastID
	if cpy.CreatedAt.IsZero() {
		cpy.CreatedAt = tx.now
	}
	cpy.UpdatedAt = tx.now
	if err := writeTravel(tx, cpy); err != nil {
		return 0, err
	}
	insertedTravels.Inc(1)
	t.ID = cpy.ID
	return cpy.ID, nil
}

func (tx *kvTx) UpdateTravel(t *travel.Travel) error {
	if err := checkTravel(tx.frogID, t); err != nil {
		return err
	}
	prev, err := ReadTravel(tx, tx.frogID, t.ID)
	if err != nil {
		return err
	}
	if prev.StartTime.Unix() != t.StartTime.Unix() {
		return fmt.Errorf("ledger: start time of travel %d is immutable", t.ID)
	}
	if prev.Status == travel.StatusCancelled && t.Status != travel.StatusCancelled {
		owner, taken, err := readStartIndex(tx, startIndexKey(tx.frogID, t.StartTime.Unix()))
		if err != nil {
			return err
		}
		if taken && owner != t.ID {
			return ErrDuplicateTravel
		}
	}
	cpy := t.Copy()
	cpy.CreatedAt = prev.CreatedAt
	cpy.UpdatedAt = tx.now
	return writeTravel(tx, cpy)
}

func (tx *kvTx) MarkEvent(key string) (bool, error) {
	ekey := eventKey(key)
	seen, err := tx.Has(ekey)
	if err != nil {
		return false, err
	}
	if seen {
		replayedEvents.Inc(1)
		return false, nil
	}
	return true, tx.Put(ekey, encodeUint64(uint64(tx.now.Unix())))
}
