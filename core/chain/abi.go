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

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const nftABIJSON = `[
{"type":"function","name":"getFrogStatus","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"uint8"}]},
{"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"getActiveTravel","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[
	{"name":"startTime","type":"uint64"},{"name":"endTime","type":"uint64"},{"name":"targetWallet","type":"address"},
	{"name":"targetChainId","type":"uint256"},{"name":"completed","type":"bool"}]},
{"type":"function","name":"emergencyResetFrogStatus","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[]},
{"type":"event","name":"FrogMinted","anonymous":false,"inputs":[
	{"name":"owner","type":"address","indexed":true},{"name":"tokenId","type":"uint256","indexed":true},
	{"name":"name","type":"string","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}]},
{"type":"event","name":"TravelStarted","anonymous":false,"inputs":[
	{"name":"tokenId","type":"uint256","indexed":true},{"name":"targetWallet","type":"address","indexed":true},
	{"name":"targetChainId","type":"uint256","indexed":false},{"name":"startTime","type":"uint64","indexed":false},
	{"name":"endTime","type":"uint64","indexed":false}]},
{"type":"event","name":"TravelCompleted","anonymous":false,"inputs":[
	{"name":"tokenId","type":"uint256","indexed":true},{"name":"journalHash","type":"string","indexed":false},
	{"name":"souvenirId","type":"uint256","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}]},
{"type":"event","name":"TravelCancelled","anonymous":false,"inputs":[
	{"name":"tokenId","type":"uint256","indexed":true},{"name":"timestamp","type":"uint256","indexed":false}]},
{"type":"event","name":"LevelUp","anonymous":false,"inputs":[
	{"name":"tokenId","type":"uint256","indexed":true},{"name":"newLevel","type":"uint256","indexed":false},
	{"name":"timestamp","type":"uint256","indexed":false}]}
]`

const travelABIJSON = `[
{"type":"function","name":"crossChainTravels","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[
	{"name":"tokenId","type":"uint256"},{"name":"owner","type":"address"},{"name":"targetChainId","type":"uint256"},
	{"name":"outboundMessageId","type":"bytes32"},{"name":"returnMessageId","type":"bytes32"},
	{"name":"startTime","type":"uint64"},{"name":"maxDuration","type":"uint64"},{"name":"status","type":"uint8"},
	{"name":"travelData","type":"bytes"}]},
{"type":"function","name":"canStartCrossChainTravel","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"markTravelCompleted","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"},{"name":"xpReward","type":"uint256"}],"outputs":[]},
{"type":"function","name":"adminClearStuckTravel","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[]},
{"type":"event","name":"CrossChainTravelStarted","anonymous":false,"inputs":[
	{"name":"tokenId","type":"uint256","indexed":true},{"name":"owner","type":"address","indexed":true},
	{"name":"targetChainId","type":"uint256","indexed":false},{"name":"messageId","type":"bytes32","indexed":false},
	{"name":"startTime","type":"uint64","indexed":false},{"name":"maxDuration","type":"uint64","indexed":false}]},
{"type":"event","name":"CrossChainTravelCompleted","anonymous":false,"inputs":[
	{"name":"tokenId","type":"uint256","indexed":true},{"name":"messageId","type":"bytes32","indexed":false},
	{"name":"xpReward","type":"uint256","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}]},
{"type":"event","name":"CrossChainTravelFailed","anonymous":false,"inputs":[
	{"name":"tokenId","type":"uint256","indexed":true},{"name":"messageId","type":"bytes32","indexed":false},
	{"name":"reason","type":"string","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}]},
{"type":"event","name":"EmergencyReturn","anonymous":false,"inputs":[
	{"name":"tokenId","type":"uint256","indexed":true},{"name":"owner","type":"address","indexed":true},
	{"name":"reason","type":"string","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}]}
]`

const connectorABIJSON = `[
{"type":"function","name":"isFrogVisiting","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"getVisitingFrog","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[
	{"name":"owner","type":"address"},{"name":"name","type":"string"},{"name":"arrivalTime","type":"uint64"},
	{"name":"status","type":"uint8"},{"name":"actionsExecuted","type":"uint256"},{"name":"xpEarned","type":"uint256"}]},
{"type":"event","name":"FrogArrived","anonymous":false,"inputs":[
	{"name":"tokenId","type":"uint256","indexed":true},{"name":"owner","type":"address","indexed":true},
	{"name":"name","type":"string","indexed":false},{"name":"messageId","type":"bytes32","indexed":false},
	{"name":"timestamp","type":"uint256","indexed":false}]},
{"type":"event","name":"FrogDeparted","anonymous":false,"inputs":[
	{"name":"tokenId","type":"uint256","indexed":true},{"name":"returnMessageId","type":"bytes32","indexed":false},
	{"name":"xpEarned","type":"uint256","indexed":false},{"name":"actionsExecuted","type":"uint256","indexed":false},
	{"name":"timestamp","type":"uint256","indexed":false}]}
]`

var (
	NFTABI       = mustParseABI(nftABIJSON)
	TravelABI    = mustParseABI(travelABIJSON)
	ConnectorABI = mustParseABI(connectorABIJSON)
)

// Selectors of the custom errors raised by access-controlled contracts.
var (
	ownableUnauthorizedSelector = selector("OwnableUnauthorizedAccount(address)")
	accessControlSelector       = selector("AccessControlUnauthorizedAccount(address,bytes32)")
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

func selector(sig string) [4]byte {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(sig))[:4])
	return sel
}

// Contracts holds the origin chain contract addresses.
type Contracts struct {
	NFT    common.Address `toml:",omitempty"`
	Travel common.Address `toml:",omitempty"`
}
