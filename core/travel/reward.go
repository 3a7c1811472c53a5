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
	"time"

	"github.com/holiman/uint256"
)

const (
	baseXPReward = 50
	xpPerHour    = 20
)

// XPReward returns the experience credited for a completed cross-chain travel
// of the given duration: 50 plus 20 per hour, rounded down.
func XPReward(d time.Duration) *uint256.Int {
	if d < 0 {
		d = 0
	}
	secs := uint64(d / time.Second)
	return uint256.NewInt(baseXPReward + secs*xpPerHour/3600)
}
