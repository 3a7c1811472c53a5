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

package travel

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func cc(local LocalStatus, status CrossChainStatus) Composite {
	return Composite{Local: local, CrossChain: status, IsCrossChain: true}
}

func TestCompositeLegal(t *testing.T) {
	tests := []struct {
		state Composite
		legal bool
	}{
		{Composite{Local: StatusActive}, true},
		{Composite{Local: StatusCompleted}, true},
		{Composite{Local: StatusActive, CrossChain: CrossChainLocked}, false},
		{cc(StatusActive, CrossChainLocked), true},
		{cc(StatusActive, CrossChainReturning), true},
		{cc(StatusProcessing, CrossChainOnTarget), true},
		{cc(StatusActive, CrossChainNone), false},
		{cc(StatusActive, CrossChainCompleted), false},
		{cc(StatusCompleted, CrossChainCompleted), true},
		{cc(StatusCompleted, CrossChainFailed), false},
		{cc(StatusFailed, CrossChainFailed), true},
		{cc(StatusFailed, CrossChainTimeout), true},
		{cc(StatusFailed, CrossChainTraveling), false},
		{cc(StatusCancelled, CrossChainTraveling), true},
		{cc(StatusActive, CrossChainStatus(9)), false},
	}
	for _, tt := range tests {
		if got := tt.state.Legal(); got != tt.legal {
			t.Errorf("%v: legal = %v, want %v", tt.state, got, tt.legal)
		}
		if got := CompositeLegal(tt.state.Local, tt.state.CrossChain, tt.state.IsCrossChain); got != tt.legal {
			t.Errorf("%v: CompositeLegal = %v, want %v", tt.state, got, tt.legal)
		}
	}
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name     string
		from, to Composite
		admin    bool
		ok       bool
	}{
		{"advance", cc(StatusActive, CrossChainLocked), cc(StatusActive, CrossChainTraveling), false, true},
		{"skip stage", cc(StatusActive, CrossChainLocked), cc(StatusActive, CrossChainReturning), false, true},
		{"complete", cc(StatusProcessing, CrossChainReturning), cc(StatusCompleted, CrossChainCompleted), false, true},
		{"timeout", cc(StatusActive, CrossChainOnTarget), cc(StatusFailed, CrossChainTimeout), false, true},
		{"backward", cc(StatusActive, CrossChainOnTarget), cc(StatusActive, CrossChainLocked), false, false},
		{"backward admin", cc(StatusActive, CrossChainOnTarget), cc(StatusActive, CrossChainLocked), true, true},
		{"leave terminal", cc(StatusFailed, CrossChainFailed), cc(StatusActive, CrossChainTraveling), false, false},
		{"terminal to terminal", cc(StatusFailed, CrossChainFailed), cc(StatusCompleted, CrossChainCompleted), false, false},
		{"same state", cc(StatusFailed, CrossChainFailed), cc(StatusFailed, CrossChainFailed), false, true},
		{"processing to active", Composite{Local: StatusProcessing}, Composite{Local: StatusActive}, false, false},
		{"local complete", Composite{Local: StatusActive}, Composite{Local: StatusCompleted}, false, true},
		{"kind change", Composite{Local: StatusActive}, cc(StatusActive, CrossChainLocked), false, false},
		{"cancel frozen", cc(StatusActive, CrossChainTraveling), cc(StatusCancelled, CrossChainTraveling), false, true},
		{"cancel moved", cc(StatusActive, CrossChainTraveling), cc(StatusCancelled, CrossChainLocked), false, false},
		{"illegal target admin", cc(StatusActive, CrossChainTraveling), cc(StatusCompleted, CrossChainFailed), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to, tt.admin)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrIllegalTransition))
			var terr *TransitionError
			require.True(t, errors.As(err, &terr))
			require.Equal(t, tt.to, terr.To)
		})
	}
}

// Walks every pair of cross-chain statuses and checks that no accepted
// non-administrative transition lowers the rank.
func TestTransitionMonotonic(t *testing.T) {
	locals := []LocalStatus{StatusActive, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}
	for _, fl := range locals {
		for fc := CrossChainNone; fc <= CrossChainTimeout; fc++ {
			from := cc(fl, fc)
			if !from.Legal() {
				continue
			}
			for _, tl := range locals {
				for tc := CrossChainNone; tc <= CrossChainTimeout; tc++ {
					to := cc(tl, tc)
					if ValidateTransition(from, to, false) != nil {
						continue
					}
					require.GreaterOrEqual(t, to.CrossChain.Rank(), from.CrossChain.Rank(), "%v -> %v", from, to)
					if from.Terminal() {
						require.Equal(t, from, to)
					}
				}
			}
		}
	}
}

func TestCompositeText(t *testing.T) {
	for _, c := range []Composite{{Local: StatusFailed}, cc(StatusActive, CrossChainOnTarget), cc(StatusFailed, CrossChainTimeout)} {
		blob, err := json.Marshal(c)
		require.NoError(t, err)
		var dec Composite
		require.NoError(t, json.Unmarshal(blob, &dec))
		require.Equal(t, c, dec)
	}
	_, err := ParseComposite("Active")
	require.Error(t, err)
	_, err = ParseComposite("Active/Sideways")
	require.Error(t, err)
}

func TestStatusParse(t *testing.T) {
	for s := CrossChainNone; s <= CrossChainTimeout; s++ {
		got, err := ParseCrossChainStatus(s.String())
		require.NoError(t, err)
		require.Equal(t, s, got)
	}
	require.True(t, CrossChainTimeout.Terminal())
	require.Equal(t, CrossChainCompleted.Rank(), CrossChainFailed.Rank())
	require.False(t, CrossChainNone.InFlight())
	require.Equal(t, "CrossChainStatus(9)", CrossChainStatus(9).String())
	require.Equal(t, StageOnTargetChain, CrossChainOnTarget.Stage())
	_, err := ParseFrogStatus("Sleeping")
	require.Error(t, err)
}
