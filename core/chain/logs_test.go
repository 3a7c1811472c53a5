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

package chain_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/zetafrog/travelsync/core/chain"
	"github.com/zetafrog/travelsync/core/chain/chaintest"
)

func TestDecodeEvents(t *testing.T) {
	c := chaintest.New(originChainID, common.Address{})
	defer c.Close()

	owner := common.HexToAddress("0x3333333333333333333333333333333333333333")
	msg := common.HexToHash("0xbeef")
	c.Emit(&chain.TravelABI, chaintest.TravelAddress, "CrossChainTravelStarted",
		big.NewInt(8), owner, big.NewInt(97), [32]byte(msg), uint64(1_700_000_000), uint64(3600))
	c.Emit(&chain.NFTABI, chaintest.NFTAddress, "TravelCompleted",
		big.NewInt(8), "ipfs://journal", big.NewInt(12), big.NewInt(1_700_000_500))
	c.Emit(&chain.ConnectorABI, chaintest.ConnectorAddress, "FrogArrived",
		big.NewInt(8), owner, "Ribbit", [32]byte(msg), big.NewInt(1_700_000_100))

	logs, err := chain.FetchLogs(context.Background(), c.Client(), 0, c.Head(), []common.Address{chaintest.TravelAddress, chaintest.NFTAddress})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("address filter: have %d logs, want 2", len(logs))
	}
	started, err := chain.DecodeLog(&chain.TravelABI, originChainID, logs[0])
	if err != nil {
		t.Fatalf("decode started: %v", err)
	}
	if started.Name != "CrossChainTravelStarted" || started.FrogID != 8 {
		t.Fatalf("unexpected event %s frog %d", started.Name, started.FrogID)
	}
	if target, _ := started.Uint64("targetChainId"); target != 97 {
		t.Fatalf("target chain: have %d", target)
	}
	if started.Hash("messageId") != msg || started.Address("owner") != owner {
		t.Fatalf("unexpected fields:\n%s", spew.Sdump(started.Fields))
	}
	if started.Key() != logs[0].TxHash.Hex()+":0" {
		t.Fatalf("unexpected key %s", started.Key())
	}
	completed, err := chain.DecodeLog(&chain.NFTABI, originChainID, logs[1])
	if err != nil {
		t.Fatalf("decode completed: %v", err)
	}
	if completed.Text("journalHash") != "ipfs://journal" {
		t.Fatalf("journal: %q", completed.Text("journalHash"))
	}
	// A travel log decoded against the NFT ABI is unknown.
	if _, err := chain.DecodeLog(&chain.NFTABI, originChainID, logs[0]); !errors.Is(err, chain.ErrUnknownEvent) {
		t.Fatalf("expected unknown event, got %v", err)
	}
	if _, err := chain.DecodeLog(&chain.NFTABI, originChainID, types.Log{}); !errors.Is(err, chain.ErrUnknownEvent) {
		t.Fatalf("expected unknown event for empty log, got %v", err)
	}
}

func TestDecodeTokenIDOverflow(t *testing.T) {
	c := chaintest.New(originChainID, common.Address{})
	defer c.Close()
	huge := new(big.Int).Lsh(big.NewInt(1), 100)
	lg := c.Emit(&chain.NFTABI, chaintest.NFTAddress, "TravelCancelled", huge, big.NewInt(1))
	if _, err := chain.DecodeLog(&chain.NFTABI, originChainID, lg); !errors.Is(err, chain.ErrValueOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}
