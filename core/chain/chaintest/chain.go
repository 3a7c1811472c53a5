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

// Package chaintest serves an in-memory chain over the eth JSON-RPC namespace
// so chain-facing code can be tested against a real ethclient.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/zetafrog/travelsync/core/chain"
)

// Fixed contract addresses of every test chain.
var (
	NFTAddress       = common.HexToAddress("0x00000000000000000000000000000000000f0001")
	TravelAddress    = common.HexToAddress("0x00000000000000000000000000000000000f0002")
	ConnectorAddress = common.HexToAddress("0x00000000000000000000000000000000000f0003")
)

// Frog is the contract state of one frog.
type Frog struct {
	Status uint8 // NFT frog status

	CCStatus      uint8
	TargetChainID uint64
	StartTime     uint64
	MaxDuration   uint64
	Owner         common.Address
	OutboundMsg   common.Hash
	ReturnMsg     common.Hash
	CanStart      bool

	LocalStart     uint64
	LocalEnd       uint64
	LocalWallet    common.Address
	LocalTarget    uint64
	LocalCompleted bool

	Visiting    bool // connector state on this chain
	XPCredited  *big.Int
	Completions int
}

// Chain is a single in-memory chain.
type Chain struct {
	mu         sync.Mutex
	chainID    uint64
	admin      common.Address
	head       uint64
	frogs      map[uint64]*Frog
	nonces     map[common.Address]uint64
	receipts   map[common.Hash]*types.Receipt
	held       map[common.Hash]*types.Transaction
	sent       []*types.Transaction
	logs       []types.Log
	reverts    map[string]string
	failMined  map[string]bool
	hold       bool
	down       bool
	callCount  int
	txCounter  uint64
	server     *rpc.Server
	rpcClients []*rpc.Client
}

// New creates a chain whose admin functions accept only admin.
func New(chainID uint64, admin common.Address) *Chain {
	c := &Chain{
		chainID:   chainID,
		admin:     admin,
		head:      100,
		frogs:     make(map[uint64]*Frog),
		nonces:    make(map[common.Address]uint64),
		receipts:  make(map[common.Hash]*types.Receipt),
		held:      make(map[common.Hash]*types.Transaction),
		reverts:   make(map[string]string),
		failMined: make(map[string]bool),
		server:    rpc.NewServer(),
	}
	if err := c.server.RegisterName("eth", &ethService{c}); err != nil {
		panic(err)
	}
	return c
}

// Contracts returns the origin contract addresses.
func (c *Chain) Contracts() chain.Contracts {
	return chain.Contracts{NFT: NFTAddress, Travel: TravelAddress}
}

// Client returns an ethclient connected in-process.
func (c *Chain) Client() *ethclient.Client {
	cl := rpc.DialInProc(c.server)
	c.mu.Lock()
	c.rpcClients = append(c.rpcClients, cl)
	c.mu.Unlock()
	return ethclient.NewClient(cl)
}

// Close shuts the server and every client down.
func (c *Chain) Close() {
	c.mu.Lock()
	clients := c.rpcClients
	c.rpcClients = nil
	c.mu.Unlock()
	for _, cl := range clients {
		cl.Close()
	}
	c.server.Stop()
}

func (c *Chain) SetFrog(id uint64, f Frog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cpy := f
	c.frogs[id] = &cpy
}

// Frog returns a copy of the frog's contract state.
func (c *Chain) Frog(id uint64) Frog {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.frogs[id]; ok {
		return *f
	}
	return Frog{CanStart: true}
}

func (c *Chain) frog(id uint64) *Frog {
	f, ok := c.frogs[id]
	if !ok {
		f = &Frog{CanStart: true}
		c.frogs[id] = f
	}
	return f
}

// Revert makes every call and transaction to method revert with reason.
func (c *Chain) Revert(method, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reverts[method] = reason
}

// FailMined makes transactions to method pass preflight but fail on chain.
func (c *Chain) FailMined(method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failMined[method] = true
}

// HoldReceipts keeps submitted transactions unmined while on.
func (c *Chain) HoldReceipts(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hold = on
}

// MineHeld mines every held transaction.
func (c *Chain) MineHeld() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for hash, tx := range c.held {
		c.mine(tx)
		delete(c.held, hash)
	}
}

// SetUnavailable makes every RPC fail while on.
func (c *Chain) SetUnavailable(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = on
}

// Sent returns the distinct transactions accepted so far.
func (c *Chain) Sent() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.sent...)
}

// Calls returns the number of RPC requests served.
func (c *Chain) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callCount
}

func (c *Chain) Head() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// Mine advances the head by n empty blocks.
func (c *Chain) Mine(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head += n
}

// Emit records an event log in a new block. args follow the event's input
// order, indexed and non-indexed alike.
func (c *Chain) Emit(contract *abi.ABI, addr common.Address, name string, args ...any) types.Log {
	ev, ok := contract.Events[name]
	if !ok {
		panic("unknown event " + name)
	}
	if len(args) != len(ev.Inputs) {
		panic(fmt.Sprintf("event %s takes %d args, have %d", name, len(ev.Inputs), len(args)))
	}
	topics := []common.Hash{ev.ID}
	var plain []any
	for i, in := range ev.Inputs {
		if !in.Indexed {
			plain = append(plain, args[i])
			continue
		}
		switch v := args[i].(type) {
		case *big.Int:
			topics = append(topics, common.BigToHash(v))
		case common.Address:
			topics = append(topics, common.BytesToHash(v.Bytes()))
		case common.Hash:
			topics = append(topics, v)
		default:
			panic(fmt.Sprintf("unsupported indexed arg %T", v))
		}
	}
	data, err := ev.Inputs.NonIndexed().Pack(plain...)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head++
	c.txCounter++
	lg := types.Log{
		Address:     addr,
		Topics:      topics,
		Data:        data,
		BlockNumber: c.head,
		TxHash:      crypto.Keccak256Hash(new(big.Int).SetUint64(c.txCounter).Bytes(), []byte(name)),
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(c.head)),
	}
	c.logs = append(c.logs, lg)
	return lg
}

// callError mimics the node's revert error with ABI-encoded data.
type callError struct {
	msg  string
	data []byte
}

func (e *callError) Error() string          { return e.msg }
func (e *callError) ErrorCode() int         { return 3 }
func (e *callError) ErrorData() interface{} { return hexutil.Encode(e.data) }

func revertWith(reason string) error {
	str, _ := abi.NewType("string", "", nil)
	packed, err := abi.Arguments{{Type: str}}.Pack(reason)
	if err != nil {
		panic(err)
	}
	data := append(crypto.Keccak256([]byte("Error(string)"))[:4], packed...)
	return &callError{msg: "execution reverted: " + reason, data: data}
}

func unauthorized(caller common.Address) error {
	data := append(crypto.Keccak256([]byte("OwnableUnauthorizedAccount(address)"))[:4], common.LeftPadBytes(caller.Bytes(), 32)...)
	return &callError{msg: "execution reverted", data: data}
}

var errDown = errors.New("connection refused")

// dispatch executes a call or transaction against the contracts. Writes are
// applied only when commit is set.
func (c *Chain) dispatch(from common.Address, to *common.Address, input []byte, commit bool) ([]byte, string, error) {
	if to == nil || len(input) < 4 {
		return nil, "", errors.New("invalid call")
	}
	var contract *abi.ABI
	switch *to {
	case NFTAddress:
		contract = &chain.NFTABI
	case TravelAddress:
		contract = &chain.TravelABI
	case ConnectorAddress:
		contract = &chain.ConnectorABI
	default:
		return nil, "", nil
	}
	method, err := contract.MethodById(input[:4])
	if err != nil {
		return nil, "", &callError{msg: "execution reverted", data: nil}
	}
	args, err := method.Inputs.Unpack(input[4:])
	if err != nil {
		return nil, method.Name, err
	}
	id := args[0].(*big.Int).Uint64()
	if reason, ok := c.reverts[method.Name]; ok {
		return nil, method.Name, revertWith(reason)
	}
	f := c.frog(id)
	var out []any
	switch method.Name {
	case "getFrogStatus":
		out = []any{f.Status}
	case "ownerOf":
		out = []any{f.Owner}
	case "getActiveTravel":
		out = []any{f.LocalStart, f.LocalEnd, f.LocalWallet, new(big.Int).SetUint64(f.LocalTarget), f.LocalCompleted}
	case "crossChainTravels":
		out = []any{
			new(big.Int).SetUint64(id), f.Owner, new(big.Int).SetUint64(f.TargetChainID),
			[32]byte(f.OutboundMsg), [32]byte(f.ReturnMsg), f.StartTime, f.MaxDuration, f.CCStatus, []byte{},
		}
	case "canStartCrossChainTravel":
		out = []any{f.CanStart}
	case "isFrogVisiting":
		out = []any{f.Visiting}
	case "getVisitingFrog":
		if f.Visiting {
			out = []any{f.Owner, "frog", f.StartTime, uint8(1), big.NewInt(0), big.NewInt(0)}
		} else {
			out = []any{common.Address{}, "", uint64(0), uint8(0), big.NewInt(0), big.NewInt(0)}
		}
	case "markTravelCompleted", "emergencyResetFrogStatus", "adminClearStuckTravel":
		if from != c.admin {
			return nil, method.Name, unauthorized(from)
		}
		if method.Name == "markTravelCompleted" && !(f.CCStatus >= 1 && f.CCStatus <= 4) {
			return nil, method.Name, revertWith("Travel not active")
		}
		if commit {
			switch method.Name {
			case "markTravelCompleted":
				f.CCStatus, f.Status, f.CanStart = 5, 0, true
				f.XPCredited = new(big.Int).Set(args[1].(*big.Int))
				f.Completions++
			case "emergencyResetFrogStatus":
				f.Status = 0
			case "adminClearStuckTravel":
				f.CCStatus, f.Status, f.CanStart = 0, 0, true
			}
		}
		return nil, method.Name, nil
	default:
		return nil, method.Name, fmt.Errorf("unsupported method %s", method.Name)
	}
	res, err := method.Outputs.Pack(out...)
	return res, method.Name, err
}

// mine includes tx in a new block. Callers hold c.mu.
func (c *Chain) mine(tx *types.Transaction) {
	from, _ := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	status := types.ReceiptStatusSuccessful
	_, method, err := c.dispatch(from, tx.To(), tx.Data(), false)
	if err != nil || c.failMined[method] {
		status = types.ReceiptStatusFailed
	} else {
		c.dispatch(from, tx.To(), tx.Data(), true)
	}
	c.head++
	c.receipts[tx.Hash()] = &types.Receipt{
		Type:              tx.Type(),
		Status:            status,
		CumulativeGasUsed: 50000,
		Logs:              []*types.Log{},
		TxHash:            tx.Hash(),
		GasUsed:           50000,
		BlockHash:         common.BigToHash(new(big.Int).SetUint64(c.head)),
		BlockNumber:       new(big.Int).SetUint64(c.head),
	}
}

type callArgs struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to"`
	Input hexutil.Bytes   `json:"input"`
	Data  hexutil.Bytes   `json:"data"`
}

func (a callArgs) data() []byte {
	if len(a.Input) > 0 {
		return a.Input
	}
	return a.Data
}

type filterArgs struct {
	FromBlock *hexutil.Big     `json:"fromBlock"`
	ToBlock   *hexutil.Big     `json:"toBlock"`
	Addresses []common.Address `json:"address"`
}

// ethService implements the subset of the eth namespace the daemon uses.
type ethService struct{ c *Chain }

func (s *ethService) enter() error {
	s.c.callCount++
	if s.c.down {
		return errDown
	}
	return nil
}

func (s *ethService) ChainId() (*hexutil.Big, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if err := s.enter(); err != nil {
		return nil, err
	}
	return (*hexutil.Big)(new(big.Int).SetUint64(s.c.chainID)), nil
}

func (s *ethService) BlockNumber() (hexutil.Uint64, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if err := s.enter(); err != nil {
		return 0, err
	}
	return hexutil.Uint64(s.c.head), nil
}

func (s *ethService) Call(ctx context.Context, args callArgs, block string) (hexutil.Bytes, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if err := s.enter(); err != nil {
		return nil, err
	}
	out, _, err := s.c.dispatch(args.From, args.To, args.data(), false)
	return out, err
}

func (s *ethService) EstimateGas(ctx context.Context, args callArgs) (hexutil.Uint64, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if err := s.enter(); err != nil {
		return 0, err
	}
	return 100000, nil
}

func (s *ethService) GasPrice() (*hexutil.Big, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if err := s.enter(); err != nil {
		return nil, err
	}
	return (*hexutil.Big)(big.NewInt(1_000_000_000)), nil
}

func (s *ethService) MaxPriorityFeePerGas() (*hexutil.Big, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if err := s.enter(); err != nil {
		return nil, err
	}
	return (*hexutil.Big)(big.NewInt(1_000_000_000)), nil
}

func (s *ethService) GetTransactionCount(ctx context.Context, addr common.Address, block string) (hexutil.Uint64, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if err := s.enter(); err != nil {
		return 0, err
	}
	return hexutil.Uint64(s.c.nonces[addr]), nil
}

func (s *ethService) SendRawTransaction(ctx context.Context, raw hexutil.Bytes) (common.Hash, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if err := s.enter(); err != nil {
		return common.Hash{}, err
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, err
	}
	hash := tx.Hash()
	if _, ok := s.c.receipts[hash]; ok {
		return common.Hash{}, errors.New("already known")
	}
	if _, ok := s.c.held[hash]; ok {
		if s.c.hold {
			return common.Hash{}, errors.New("already known")
		}
		delete(s.c.held, hash)
		s.c.mine(tx)
		return hash, nil
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return common.Hash{}, err
	}
	if tx.Nonce() != s.c.nonces[from] {
		return common.Hash{}, fmt.Errorf("invalid nonce: have %d, want %d", tx.Nonce(), s.c.nonces[from])
	}
	s.c.nonces[from]++
	s.c.sent = append(s.c.sent, tx)
	if s.c.hold {
		s.c.held[hash] = tx
		return hash, nil
	}
	s.c.mine(tx)
	return hash, nil
}

func (s *ethService) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if err := s.enter(); err != nil {
		return nil, err
	}
	return s.c.receipts[hash], nil
}

func (s *ethService) GetLogs(ctx context.Context, crit filterArgs) ([]types.Log, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if err := s.enter(); err != nil {
		return nil, err
	}
	from, to := uint64(0), s.c.head
	if crit.FromBlock != nil {
		from = (*big.Int)(crit.FromBlock).Uint64()
	}
	if crit.ToBlock != nil {
		to = (*big.Int)(crit.ToBlock).Uint64()
	}
	addrs := make(map[common.Address]bool)
	for _, a := range crit.Addresses {
		addrs[a] = true
	}
	out := []types.Log{}
	for _, lg := range s.c.logs {
		if lg.BlockNumber < from || lg.BlockNumber > to {
			continue
		}
		if len(addrs) > 0 && !addrs[lg.Address] {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}
