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
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/zetafrog/travelsync/core/travel"
)

type kvReadWriter interface {
	ethdb.KeyValueReader
	ethdb.KeyValueWriter
}

// ReadFrog reads a frog row. Returns ErrNotFound if the frog is unknown.
func ReadFrog(db ethdb.KeyValueReader, frogID uint64) (*travel.Frog, error) {
	key := frogKey(frogID)
	has, err := db.Has(key)
	if err != nil {
		return nil, fmt.Errorf("read frog %d: %w", frogID, err)
	}
	if !has {
		return nil, ErrNotFound
	}
	data, err := db.Get(key)
	if err != nil {
		return nil, fmt.Errorf("read frog %d: %w", frogID, err)
	}
	return DecodeFrog(data)
}

func writeFrog(db ethdb.KeyValueWriter, f *travel.Frog) error {
	data, err := EncodeFrog(f)
	if err != nil {
		return fmt.Errorf("encode frog %d: %w", f.ID, err)
	}
	return db.Put(frogKey(f.ID), data)
}

// ReadTravel reads one travel row. Returns ErrNotFound if it does not exist.
func ReadTravel(db ethdb.KeyValueReader, frogID, travelID uint64) (*travel.Travel, error) {
	key := travelKey(frogID, travelID)
	has, err := db.Has(key)
	if err != nil {
		return nil, fmt.Errorf("read travel %d: %w", travelID, err)
	}
	if !has {
		return nil, ErrNotFound
	}
	data, err := db.Get(key)
	if err != nil {
		return nil, fmt.Errorf("read travel %d: %w", travelID, err)
	}
	return DecodeTravel(data)
}

// ReadTravels reads every travel row of a frog, ordered by id.
func ReadTravels(db ethdb.Iteratee, frogID uint64) ([]*travel.Travel, error) {
	prefix := travelFrogPrefix(frogID)
	it := db.NewIterator(prefix, nil)
	defer it.Release()

	var out []*travel.Travel
	for it.Next() {
		if len(it.Key()) != len(prefix)+8 {
			continue
		}
		t, err := DecodeTravel(it.Value())
		if err != nil {
			return nil, fmt.Errorf("frog %d: %w", frogID, err)
		}
		out = append(out, t)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("iterate travels of frog %d: %w", frogID, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func readStartIndex(db ethdb.KeyValueReader, key []byte) (uint64, bool, error) {
	has, err := db.Has(key)
	if err != nil || !has {
		return 0, false, err
	}
	data, err := db.Get(key)
	if err != nil {
		return 0, false, err
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("corrupt start index entry %x", key)
	}
	return binary.BigEndian.Uint64(data), true, nil
}

// writeTravel stores a row and keeps the active and start-time indexes in
// step with its status.
func writeTravel(db kvReadWriter, t *travel.Travel) error {
	data, err := EncodeTravel(t)
	if err != nil {
		return fmt.Errorf("encode travel %d: %w", t.ID, err)
	}
	if err := db.Put(travelKey(t.FrogID, t.ID), data); err != nil {
		return err
	}
	if t.Terminal() {
		err = db.Delete(activeKey(t.FrogID, t.ID))
	} else {
		err = db.Put(activeKey(t.FrogID, t.ID), []byte{1})
	}
	if err != nil {
		return err
	}
	skey := startIndexKey(t.FrogID, t.StartTime.Unix())
	owner, ok, err := readStartIndex(db, skey)
	if err != nil {
		return err
	}
	switch {
	case t.Status == travel.StatusCancelled:
		if ok && owner == t.ID {
			return db.Delete(skey)
		}
	case !ok:
		return db.Put(skey, encodeUint64(t.ID))
	}
	return nil
}

// WriteTravelRow stores a travel row and its indexes without the uniqueness
// check of InsertTravel.
// NOTE: This function uses log.Crit on failure. It is meant for imports of
// legacy ledgers and for tests that need to reproduce integrity defects.
func WriteTravelRow(db ethdb.KeyValueStore, t *travel.Travel) {
	if err := writeTravel(db, t); err != nil {
		log.Crit("Failed to write travel row", "frog", t.FrogID, "travel", t.ID, "err", err)
	}
}

// WriteFrogRow stores a frog row.
// NOTE: This function uses log.Crit on failure, see WriteTravelRow.
func WriteFrogRow(db ethdb.KeyValueWriter, f *travel.Frog) {
	if err := writeFrog(db, f); err != nil {
		log.Crit("Failed to write frog row", "frog", f.ID, "err", err)
	}
}

// ReadTravelSeq reads the last assigned travel id.
func ReadTravelSeq(db ethdb.KeyValueReader) uint64 {
	data, err := db.Get(travelSeqKey)
	if err != nil || len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}

// WriteTravelSeq persists the last assigned travel id.
// NOTE: This function uses log.Crit on failure, see WriteTravelRow.
func WriteTravelSeq(db ethdb.KeyValueWriter, seq uint64) {
	if err := db.Put(travelSeqKey, encodeUint64(seq)); err != nil {
		log.Crit("Failed to write travel sequence", "seq", seq, "err", err)
	}
}

// ReadCursor reads the last processed block of a relay source.
func ReadCursor(db ethdb.KeyValueReader, name string) (uint64, bool, error) {
	key := cursorKey(name)
	has, err := db.Has(key)
	if err != nil || !has {
		return 0, false, err
	}
	data, err := db.Get(key)
	if err != nil {
		return 0, false, err
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("corrupt cursor %q", name)
	}
	return binary.BigEndian.Uint64(data), true, nil
}

// activeKeyIDs splits an active index key into frog and travel id.
func activeKeyIDs(key []byte) (uint64, uint64, bool) {
	if !bytes.HasPrefix(key, activePrefix) || len(key) != len(activePrefix)+16 {
		return 0, 0, false
	}
	rest := key[len(activePrefix):]
	return binary.BigEndian.Uint64(rest[:8]), binary.BigEndian.Uint64(rest[8:]), true
}
