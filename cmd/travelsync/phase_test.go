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

import "testing"

func TestPhaseTransitions(t *testing.T) {
	pt := NewPhaseTracker()
	steps := []struct {
		in   PhaseInput
		want DaemonPhase
	}{
		{PhaseInput{RelayBehind: true}, PhaseInitializing},
		{PhaseInput{PassCompleted: true, RelayBehind: true}, PhaseCatchingUp},
		{PhaseInput{PassCompleted: true}, PhaseSynced},
		{PhaseInput{PassFailed: true}, PhaseDegraded},
		{PhaseInput{PassCompleted: true}, PhaseSynced},
		{PhaseInput{PassCompleted: true, RelayDegraded: true}, PhaseDegraded},
		{PhaseInput{PassCompleted: true, WriterHalted: true, RelayDegraded: true}, PhaseHalted},
		{PhaseInput{PassCompleted: true}, PhaseSynced},
	}
	for i, step := range steps {
		if got := pt.Update(step.in); got != step.want {
			t.Fatalf("step %d: phase %s, want %s", i, got, step.want)
		}
		if pt.Current() != step.want {
			t.Fatalf("step %d: Current() = %s", i, pt.Current())
		}
	}
}

func TestPhaseSyncedSince(t *testing.T) {
	pt := NewPhaseTracker()
	if !pt.SyncedSince().IsZero() {
		t.Fatal("synced time set before the first pass")
	}
	pt.Update(PhaseInput{PassCompleted: true})
	since := pt.SyncedSince()
	if since.IsZero() {
		t.Fatal("synced time not set")
	}
	pt.Update(PhaseInput{PassCompleted: true})
	if pt.SyncedSince() != since {
		t.Fatal("synced time moved while staying synced")
	}
	pt.Update(PhaseInput{PassFailed: true})
	if !pt.SyncedSince().IsZero() {
		t.Fatal("synced time kept after degrading")
	}
}

func TestPhaseFailureBeforeFirstPass(t *testing.T) {
	pt := NewPhaseTracker()
	if got := pt.Update(PhaseInput{PassFailed: true}); got != PhaseDegraded {
		t.Fatalf("phase %s, want %s", got, PhaseDegraded)
	}
	if got := pt.Update(PhaseInput{PassCompleted: true}); got != PhaseSynced {
		t.Fatalf("phase %s, want %s", got, PhaseSynced)
	}
}
