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
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/zetafrog/travelsync/core/travel"
)

var (
	passLatency     = metrics.NewRegisteredTimer("travelsync/reconcile/pass/latency", nil)
	passFailures    = metrics.NewRegisteredCounter("travelsync/reconcile/pass/failures", nil)
	passCandidates  = metrics.NewRegisteredGauge("travelsync/reconcile/pass/candidates", nil)
	frogLatency     = metrics.NewRegisteredTimer("travelsync/reconcile/frog/latency", nil)
	correctedMeter  = metrics.NewRegisteredMeter("travelsync/reconcile/corrected", nil)
	staleRetries    = metrics.NewRegisteredCounter("travelsync/reconcile/stale", nil)
	applyErrors     = metrics.NewRegisteredCounter("travelsync/reconcile/apply/errors", nil)
	escalationCount = metrics.NewRegisteredCounter("travelsync/reconcile/escalations", nil)
	triggerCount    = metrics.NewRegisteredCounter("travelsync/reconcile/triggers", nil)
	escalatedGauge  = metrics.NewRegisteredGauge("travelsync/reconcile/surfaced", nil)
)

// markDecision counts decisions per kind.
func markDecision(d *travel.Decision) {
	metrics.GetOrRegisterCounter("travelsync/reconcile/kind/"+string(d.Kind), nil).Inc(1)
	if d.Corrected {
		correctedMeter.Mark(1)
	}
}
