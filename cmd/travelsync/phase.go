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

package main

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// DaemonPhase represents the daemon's operational phase.
type DaemonPhase string

const (
	PhaseInitializing DaemonPhase = "initializing"
	PhaseCatchingUp   DaemonPhase = "catching-up"
	PhaseSynced       DaemonPhase = "synced"
	PhaseDegraded     DaemonPhase = "degraded"
	PhaseHalted       DaemonPhase = "halted" // writer halted on an authorization failure
)

var phaseValues = map[DaemonPhase]int64{
	PhaseInitializing: 0,
	PhaseCatchingUp:   1,
	PhaseSynced:       2,
	PhaseDegraded:     3,
	PhaseHalted:       4,
}

// PhaseTracker manages the daemon's operational phase transitions.
type PhaseTracker struct {
	mu          sync.Mutex
	current     DaemonPhase
	syncedSince time.Time
	passes      uint64
}

func NewPhaseTracker() *PhaseTracker {
	return &PhaseTracker{current: PhaseInitializing}
}

// PhaseInput is what the runner observed since the last update.
type PhaseInput struct {
	PassCompleted bool // a full pass finished without a pass error
	PassFailed    bool
	RelayBehind   bool
	RelayDegraded bool
	WriterHalted  bool
}

// Update moves the phase according to in.
func (pt *PhaseTracker) Update(in PhaseInput) DaemonPhase {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	prev := pt.current
	if in.PassCompleted {
		pt.passes++
	}
	switch {
	case in.WriterHalted:
		pt.current = PhaseHalted
	case in.RelayDegraded || in.PassFailed:
		pt.current = PhaseDegraded
	case pt.passes == 0 && prev == PhaseInitializing:
		// Stay initializing until the first full pass.
	case in.RelayBehind:
		pt.current = PhaseCatchingUp
	case pt.passes > 0:
		pt.current = PhaseSynced
	}
	if pt.current != PhaseSynced {
		pt.syncedSince = time.Time{}
	} else if prev != PhaseSynced {
		pt.syncedSince = time.Now()
	}
	if prev != pt.current {
		log.Info("Daemon phase transition", "from", prev, "to", pt.current)
		phaseGauge.Update(phaseValues[pt.current])
	}
	return pt.current
}

// Current returns the current daemon phase.
func (pt *PhaseTracker) Current() DaemonPhase {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.current
}

// SyncedSince returns when the daemon entered the synced phase.
func (pt *PhaseTracker) SyncedSince() time.Time {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.syncedSince
}
