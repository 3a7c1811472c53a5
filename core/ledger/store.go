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

// Package ledger implements the off-chain mirror of frogs and travels.
package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/zetafrog/travelsync/core/travel"
)

var (
	// ErrNotFound is returned when a frog or travel row does not exist.
	ErrNotFound = errors.New("ledger: not found")

	// ErrDuplicateTravel is returned by InsertTravel when a non-cancelled
	// travel with the same (frog, start time) already exists.
	ErrDuplicateTravel = errors.New("ledger: duplicate travel")
)

// CandidateFilter narrows candidate enumeration to possibly stuck frogs.
type CandidateFilter struct {
	CrossChainOnly bool
	OlderThan      time.Duration // only rows started more than OlderThan before Now
	Now            time.Time
}

func (f CandidateFilter) restricted() bool { return f.CrossChainOnly || f.OlderThan > 0 }

func (f CandidateFilter) match(t *travel.Travel) bool {
	if f.CrossChainOnly && !t.CrossChain {
		return false
	}
	if f.OlderThan > 0 && f.Now.Sub(t.StartTime) < f.OlderThan {
		return false
	}
	return true
}

// Store is the transactional ledger handle shared by the reconciliation engine
// and the event relay.
type Store interface {
	// Frog returns the frog row, or ErrNotFound.
	Frog(ctx context.Context, frogID uint64) (*travel.Frog, error)

	// Travels returns every travel row of the frog ordered by id.
	Travels(ctx context.Context, frogID uint64) ([]*travel.Travel, error)

	// Record returns the frog together with its travels. A frog that was
	// never mirrored yields a record with a nil Frog.
	Record(ctx context.Context, frogID uint64) (travel.LedgerRecord, error)

	// Candidates lists frogs with at least one non-terminal travel or a
	// non-idle status. A restricted filter only keeps frogs whose active
	// rows match it.
	Candidates(ctx context.Context, filter CandidateFilter) ([]uint64, error)

	// Update runs fn in one atomic transaction scoped to a single frog. The
	// transaction commits only if fn returns nil.
	Update(ctx context.Context, frogID uint64, fn func(Tx) error) error

	// Cursor returns the last processed block of a relay source.
	Cursor(ctx context.Context, name string) (uint64, bool, error)
	SetCursor(ctx context.Context, name string, block uint64) error

	Close() error
}

// Tx is the view of one frog inside an Update.
type Tx interface {
	Frog() (*travel.Frog, error)
	Travels() ([]*travel.Travel, error)
	Record() (travel.LedgerRecord, error)
	PutFrog(f *travel.Frog) error

	// InsertTravel stores a new row, assigns its id and returns it.
	InsertTravel(t *travel.Travel) (uint64, error)

	// UpdateTravel overwrites an existing row. The start time of a row is
	// immutable.
	UpdateTravel(t *travel.Travel) error

	// MarkEvent records a delivery key and reports whether it was new.
	MarkEvent(key string) (bool, error)
}

func checkTravel(frogID uint64, t *travel.Travel) error {
	if t.FrogID != frogID {
		return errors.New("ledger: travel belongs to another frog")
	}
	if !t.Composite().Legal() {
		return &travel.TransitionError{To: t.Composite(), Reason: "state outside the composite table"}
	}
	return nil
}

func sortIDs(ids []uint64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
