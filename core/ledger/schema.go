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

import "encoding/binary"

// The embedded ledger keeps all rows in one key-value namespace:
//
//	frogPrefix + frogID                  -> rlp(frog)
//	travelPrefix + frogID + travelID     -> rlp(travel)
//	activePrefix + frogID + travelID     -> empty, for non-terminal rows
//	startIndexPrefix + frogID + start    -> travelID, for non-cancelled rows
//	eventPrefix + key                    -> unix time the event was first seen
//	cursorPrefix + name                  -> block number
var (
	frogPrefix       = []byte("ts-frog-")
	travelPrefix     = []byte("ts-travel-")
	activePrefix     = []byte("ts-active-")
	startIndexPrefix = []byte("ts-start-")
	eventPrefix      = []byte("ts-event-")
	cursorPrefix     = []byte("ts-cursor-")

	travelSeqKey = []byte("ts-TravelSeq")
)

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func frogKey(frogID uint64) []byte {
	return append(append([]byte{}, frogPrefix...), encodeUint64(frogID)...)
}

func travelFrogPrefix(frogID uint64) []byte {
	return append(append([]byte{}, travelPrefix...), encodeUint64(frogID)...)
}

func travelKey(frogID, travelID uint64) []byte {
	return append(travelFrogPrefix(frogID), encodeUint64(travelID)...)
}

func activeKey(frogID, travelID uint64) []byte {
	key := append(append([]byte{}, activePrefix...), encodeUint64(frogID)...)
	return append(key, encodeUint64(travelID)...)
}

func startIndexKey(frogID uint64, start int64) []byte {
	key := append(append([]byte{}, startIndexPrefix...), encodeUint64(frogID)...)
	return append(key, encodeUint64(uint64(start))...)
}

func eventKey(key string) []byte {
	return append(append([]byte{}, eventPrefix...), key...)
}

func cursorKey(name string) []byte {
	return append(append([]byte{}, cursorPrefix...), name...)
}
