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

import "sync"

// frogLocks is a keyed mutex. Frogs never contend with each other and an
// entry lives only while someone holds or waits for it.
type frogLocks struct {
	mu    sync.Mutex
	locks map[uint64]*frogLock
}

type frogLock struct {
	mu   sync.Mutex
	refs int
}

func newFrogLocks() *frogLocks {
	return &frogLocks{locks: make(map[uint64]*frogLock)}
}

// lock acquires the frog's lock and returns the matching unlock.
func (l *frogLocks) lock(frogID uint64) func() {
	l.mu.Lock()
	fl, ok := l.locks[frogID]
	if !ok {
		fl = new(frogLock)
		l.locks[frogID] = fl
	}
	fl.refs++
	l.mu.Unlock()

	fl.mu.Lock()
	return func() {
		fl.mu.Unlock()
		l.mu.Lock()
		if fl.refs--; fl.refs == 0 {
			delete(l.locks, frogID)
		}
		l.mu.Unlock()
	}
}

// held returns the number of frogs currently locked or awaited.
func (l *frogLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
