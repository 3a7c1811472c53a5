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

package chain

import "github.com/ethereum/go-ethereum/metrics"

var (
	readLatency        = metrics.NewRegisteredTimer("travelsync/chain/read/latency", nil)
	readErrors         = metrics.NewRegisteredCounter("travelsync/chain/read/errors", nil)
	snapshotLatency    = metrics.NewRegisteredTimer("travelsync/chain/snapshot/latency", nil)
	writeLatency       = metrics.NewRegisteredTimer("travelsync/chain/write/latency", nil)
	writeTotal         = metrics.NewRegisteredCounter("travelsync/chain/write/total", nil)
	writeReverted      = metrics.NewRegisteredCounter("travelsync/chain/write/reverted", nil)
	writeTimeouts      = metrics.NewRegisteredCounter("travelsync/chain/write/timeouts", nil)
	writeRebroadcasts  = metrics.NewRegisteredCounter("travelsync/chain/write/rebroadcasts", nil)
	writerHaltedGauge  = metrics.NewRegisteredGauge("travelsync/chain/writer/halted", nil) // 0=active, 1=halted
	connectorFailures  = metrics.NewRegisteredCounter("travelsync/chain/connector/failures", nil)
	logsFetchedCounter = metrics.NewRegisteredCounter("travelsync/chain/logs/fetched", nil)
)
