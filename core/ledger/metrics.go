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

import "github.com/ethereum/go-ethereum/metrics"

var (
	updateLatency     = metrics.NewRegisteredTimer("travelsync/ledger/update/latency", nil)
	updateTotal       = metrics.NewRegisteredCounter("travelsync/ledger/update/total", nil)
	rollbackTotal     = metrics.NewRegisteredCounter("travelsync/ledger/rollback/total", nil)
	duplicateInserts  = metrics.NewRegisteredCounter("travelsync/ledger/insert/duplicates", nil)
	insertedTravels   = metrics.NewRegisteredCounter("travelsync/ledger/insert/total", nil)
	replayedEvents    = metrics.NewRegisteredCounter("travelsync/ledger/events/replayed", nil)
	candidatesGauge   = metrics.NewRegisteredGauge("travelsync/ledger/candidates", nil)
	pgConnectAttempts = metrics.NewRegisteredCounter("travelsync/ledger/pg/connect/attempts", nil)
)
