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
	"context"
	"fmt"
	"math/big"
	"os"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Client is a chain client usable both for view calls and log polling.
type Client interface {
	Caller
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// ConnectorInfo is one connector contract on a target chain.
type ConnectorInfo struct {
	ChainID   uint64
	Name      string
	RPCURL    string
	Connector common.Address
}

// registryEntry is the on-disk form; addresses stay strings so YAML never
// resolves them as integers.
type registryEntry struct {
	ChainID   uint64 `yaml:"chainId"`
	Name      string `yaml:"name"`
	RPCURL    string `yaml:"rpcUrl"`
	Connector string `yaml:"connector"`
}

type registryFile struct {
	Connectors []registryEntry `yaml:"connectors"`
}

// LoadConnectorRegistry reads the YAML connector registry at path.
//
//	connectors:
//	  - chainId: 97
//	    name: bsc-testnet
//	    rpcUrl: https://data-seed-prebsc-1-s1.binance.org:8545
//	    connector: "0x..."
func LoadConnectorRegistry(path string) ([]ConnectorInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConnectorRegistry(data)
}

// ParseConnectorRegistry decodes and validates a registry document.
func ParseConnectorRegistry(data []byte) ([]ConnectorInfo, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("connector registry: %w", err)
	}
	seen := make(map[uint64]bool)
	out := make([]ConnectorInfo, 0, len(file.Connectors))
	for i, c := range file.Connectors {
		switch {
		case c.ChainID == 0:
			return nil, fmt.Errorf("connector registry entry %d: chainId is required", i)
		case c.RPCURL == "":
			return nil, fmt.Errorf("connector registry entry %d: rpcUrl is required", i)
		case !common.IsHexAddress(c.Connector):
			return nil, fmt.Errorf("connector registry entry %d: invalid connector address %q", i, c.Connector)
		case seen[c.ChainID]:
			return nil, fmt.Errorf("connector registry: duplicate chainId %d", c.ChainID)
		}
		seen[c.ChainID] = true
		addr := common.HexToAddress(c.Connector)
		if addr == (common.Address{}) {
			return nil, fmt.Errorf("connector registry entry %d: connector address is required", i)
		}
		out = append(out, ConnectorInfo{ChainID: c.ChainID, Name: c.Name, RPCURL: c.RPCURL, Connector: addr})
	}
	return out, nil
}

// VisitingFrog is a connector's record of a frog present on its chain.
type VisitingFrog struct {
	Owner           common.Address
	Name            string
	ArrivalTime     uint64
	Status          uint8
	ActionsExecuted uint64
	XPEarned        *uint256.Int
}

type connector struct {
	info    ConnectorInfo
	client  Client
	limiter *rate.Limiter
	closer  func()
}

// Connectors queries the connector contracts of the target chains.
type Connectors struct {
	mu      sync.RWMutex
	byChain map[uint64]*connector
}

func NewConnectors() *Connectors {
	return &Connectors{byChain: make(map[uint64]*connector)}
}

// DialConnectors connects to every registry entry.
func DialConnectors(ctx context.Context, infos []ConnectorInfo, rateLimit float64) (*Connectors, error) {
	c := NewConnectors()
	for _, info := range infos {
		client, err := ethclient.DialContext(ctx, info.RPCURL)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("dial connector %s (chain %d): %w", info.Name, info.ChainID, err)
		}
		c.register(info, client, rateLimit, client.Close)
	}
	return c, nil
}

// Register adds a connector backed by an existing client.
func (c *Connectors) Register(info ConnectorInfo, client Client) {
	c.register(info, client, 0, nil)
}

func (c *Connectors) register(info ConnectorInfo, client Client, rateLimit float64, closer func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byChain[info.ChainID] = &connector{info: info, client: client, limiter: newLimiter(rateLimit, 4), closer: closer}
}

func (c *Connectors) get(chainID uint64) (*connector, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.byChain[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoConnector, chainID)
	}
	return conn, nil
}

// List returns the registered connectors ordered by chain id.
func (c *Connectors) List() []ConnectorInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ConnectorInfo, 0, len(c.byChain))
	for _, conn := range c.byChain {
		out = append(out, conn.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

// Client returns the chain client of a registered connector.
func (c *Connectors) Client(chainID uint64) (Client, ConnectorInfo, error) {
	conn, err := c.get(chainID)
	if err != nil {
		return nil, ConnectorInfo{}, err
	}
	return conn.client, conn.info, nil
}

// IsFrogVisiting reports whether the connector on chainID holds the frog.
func (c *Connectors) IsFrogVisiting(ctx context.Context, chainID, frogID uint64) (bool, error) {
	conn, err := c.get(chainID)
	if err != nil {
		return false, err
	}
	vals, err := call(ctx, conn.client, conn.limiter, &ConnectorABI, conn.info.Connector, common.Address{}, "isFrogVisiting", tokenArg(frogID))
	if err != nil {
		connectorFailures.Inc(1)
		return false, unavailable("isFrogVisiting", frogID, err)
	}
	return vals[0].(bool), nil
}

// VisitingFrog reads the connector's record of the frog. It returns nil when
// the frog is not visiting.
func (c *Connectors) VisitingFrog(ctx context.Context, chainID, frogID uint64) (*VisitingFrog, error) {
	conn, err := c.get(chainID)
	if err != nil {
		return nil, err
	}
	vals, err := call(ctx, conn.client, conn.limiter, &ConnectorABI, conn.info.Connector, common.Address{}, "getVisitingFrog", tokenArg(frogID))
	if err != nil {
		connectorFailures.Inc(1)
		return nil, unavailable("getVisitingFrog", frogID, err)
	}
	owner := vals[0].(common.Address)
	if owner == (common.Address{}) {
		return nil, nil
	}
	actions, err := Uint64(vals[4].(*big.Int))
	if err != nil {
		return nil, unavailable("getVisitingFrog", frogID, err)
	}
	xp, err := Uint256(vals[5].(*big.Int))
	if err != nil {
		return nil, unavailable("getVisitingFrog", frogID, err)
	}
	return &VisitingFrog{
		Owner:           owner,
		Name:            vals[1].(string),
		ArrivalTime:     vals[2].(uint64),
		Status:          vals[3].(uint8),
		ActionsExecuted: actions,
		XPEarned:        xp,
	}, nil
}

// Close releases dialed clients.
func (c *Connectors) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, conn := range c.byChain {
		if conn.closer != nil {
			conn.closer()
		}
		delete(c.byChain, id)
	}
}

