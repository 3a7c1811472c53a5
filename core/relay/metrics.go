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

package relay

import "github.com/ethereum/go-ethereum/metrics"

var (
	pollErrors           = metrics.NewRegisteredCounter("travelsync/relay/poll/errors", nil)
	degradedGauge        = metrics.NewRegisteredGauge("travelsync/relay/degraded", nil)
	blocksProcessed      = metrics.NewRegisteredCounter("travelsync/relay/blocks", nil)
	undecodable          = metrics.NewRegisteredCounter("travelsync/relay/logs/undecodable", nil)
	eventsApplied        = metrics.NewRegisteredCounter("travelsync/relay/events/applied", nil)
	outOfOrder           = metrics.NewRegisteredCounter("travelsync/relay/events/outoforder", nil)
	anomalies            = metrics.NewRegisteredCounter("travelsync/relay/anomalies", nil)
	pushQueued           = metrics.NewRegisteredCounter("travelsync/relay/push/queued", nil)
	pushDropped          = metrics.NewRegisteredCounter("travelsync/relay/push/dropped", nil)
	pushSent             = metrics.NewRegisteredCounter("travelsync/relay/push/sent", nil)
	pushReconnects       = metrics.NewRegisteredCounter("travelsync/relay/push/reconnects", nil)
	pushConnectedGauge   = metrics.NewRegisteredGauge("travelsync/relay/push/connected", nil)
	feedSubscribersGauge = metrics.NewRegisteredGauge("travelsync/relay/feed/subscribers", nil)
)
