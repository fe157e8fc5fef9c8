// Copyright 2018 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package gallery

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

var (
	errFakeRPC = errors.New("connection refused")

	accountA = common.HexToAddress("0x1111111111111111111111111111111111111111")
	accountB = common.HexToAddress("0x2222222222222222222222222222222222222222")
	accountC = common.HexToAddress("0x3333333333333333333333333333333333333333")

	fakeMintedTopic = common.HexToHash("0x01")
)

// fakeChain is an in-memory ChainClient. Errors are injected per operation
// name; owners and history mutate as transactions are submitted.
type fakeChain struct {
	mu       sync.Mutex
	next     uint64
	max      uint64
	price    *big.Int
	baseURI  string
	account  common.Address
	chainID  uint64
	owners   map[uint64]common.Address
	history  []*TransferEvent
	errs     map[string]error
	calls    map[string]int
	receipts map[common.Hash]*types.Receipt
	txs      uint64

	revert      bool          // mined receipts report failure
	noMintLog   bool          // mined receipts carry no Minted log
	holdReceipt chan struct{} // WaitForReceipt blocks until closed

	mintedFeed   event.Feed
	transferFeed event.Feed
	live         int32
	subscribes   int32
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		max:      10,
		price:    big.NewInt(1000),
		baseURI:  "https://meta.example/",
		chainID:  31337,
		owners:   make(map[uint64]common.Address),
		errs:     make(map[string]error),
		calls:    make(map[string]int),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeChain) setErr(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = err
}

func (f *fakeChain) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// enter records a call to op and returns its injected error. Must be
// called with f.mu held.
func (f *fakeChain) enter(op string) error {
	f.calls[op]++
	return f.errs[op]
}

func (f *fakeChain) NextTokenID(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next, f.enter("nextTokenId")
}

func (f *fakeChain) MaxSupply(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.max, f.enter("maxSupply")
}

func (f *fakeChain) MintPrice(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.price), f.enter("mintPrice")
}

func (f *fakeChain) BaseTokenURI(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.baseURI, f.enter("baseTokenURI")
}

func (f *fakeChain) BalanceOf(ctx context.Context, owner common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("balanceOf"); err != nil {
		return 0, err
	}
	var n uint64
	for _, o := range f.owners {
		if o == owner {
			n++
		}
	}
	return n, nil
}

func (f *fakeChain) OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ownerOf"); err != nil {
		return common.Address{}, err
	}
	if err := f.errs[fmt.Sprintf("ownerOf:%d", tokenID)]; err != nil {
		return common.Address{}, err
	}
	owner, ok := f.owners[tokenID]
	if !ok {
		return common.Address{}, fmt.Errorf("execution reverted: invalid token id %d", tokenID)
	}
	return owner, nil
}

func (f *fakeChain) TotalSupply(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.owners)), f.enter("totalSupply")
}

func (f *fakeChain) Account() common.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.account
}

func (f *fakeChain) ChainID(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chainID, f.enter("chainId")
}

func (f *fakeChain) newTx() common.Hash {
	f.txs++
	return common.BigToHash(new(big.Int).SetUint64(0xabc000 + f.txs))
}

func (f *fakeChain) SubmitMint(ctx context.Context, value *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("submitMint"); err != nil {
		return common.Hash{}, err
	}
	if value.Cmp(f.price) < 0 {
		return common.Hash{}, errors.New("execution reverted: insufficient payment")
	}
	hash := f.newTx()
	receipt := &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash}
	if f.revert {
		receipt.Status = types.ReceiptStatusFailed
	} else {
		id := f.next
		f.next++
		f.owners[id] = f.account
		f.history = append(f.history, &TransferEvent{To: f.account, TokenID: id, BlockNumber: f.txs, TxHash: hash})
		if !f.noMintLog {
			receipt.Logs = []*types.Log{
				{Topics: []common.Hash{common.HexToHash("0xdead")}},
				{Topics: []common.Hash{fakeMintedTopic, common.BytesToHash(f.account.Bytes()), common.BigToHash(new(big.Int).SetUint64(id))}},
			}
		}
	}
	f.receipts[hash] = receipt
	return hash, nil
}

func (f *fakeChain) SubmitTransfer(ctx context.Context, from, to common.Address, tokenID uint64) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("submitTransfer"); err != nil {
		return common.Hash{}, err
	}
	hash := f.newTx()
	receipt := &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash}
	if f.revert || f.owners[tokenID] != from {
		receipt.Status = types.ReceiptStatusFailed
	} else {
		f.owners[tokenID] = to
		f.history = append(f.history, &TransferEvent{From: from, To: to, TokenID: tokenID, BlockNumber: f.txs, TxHash: hash})
	}
	f.receipts[hash] = receipt
	return hash, nil
}

func (f *fakeChain) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	hold := f.holdReceipt
	f.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("receipt"); err != nil {
		return nil, err
	}
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, fmt.Errorf("unknown transaction %s", hash)
	}
	return receipt, nil
}

func (f *fakeChain) ParseMinted(l types.Log) (*MintedEvent, error) {
	if len(l.Topics) != 3 || l.Topics[0] != fakeMintedTopic {
		return nil, errors.New("not a Minted log")
	}
	return &MintedEvent{
		To:      common.BytesToAddress(l.Topics[1].Bytes()),
		TokenID: l.Topics[2].Big().Uint64(),
	}, nil
}

// track wraps a feed subscription so tests can count live subscriptions.
func (f *fakeChain) track(sub event.Subscription) event.Subscription {
	atomic.AddInt32(&f.subscribes, 1)
	atomic.AddInt32(&f.live, 1)
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer atomic.AddInt32(&f.live, -1)
		defer sub.Unsubscribe()
		select {
		case <-quit:
			return nil
		case err := <-sub.Err():
			return err
		}
	})
}

func (f *fakeChain) liveSubs() int32 { return atomic.LoadInt32(&f.live) }

func (f *fakeChain) SubscribeMinted(ctx context.Context, sink chan<- *MintedEvent) (event.Subscription, error) {
	f.mu.Lock()
	err := f.enter("subscribe")
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.track(f.mintedFeed.Subscribe(sink)), nil
}

func (f *fakeChain) SubscribeTransfer(ctx context.Context, sink chan<- *TransferEvent) (event.Subscription, error) {
	f.mu.Lock()
	err := f.enter("subscribe")
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.track(f.transferFeed.Subscribe(sink)), nil
}

func (f *fakeChain) TransferHistory(ctx context.Context, account common.Address) ([]*TransferEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("history"); err != nil {
		return nil, err
	}
	var out []*TransferEvent
	for _, ev := range f.history {
		if ev.From == account || ev.To == account {
			cpy := *ev
			out = append(out, &cpy)
		}
	}
	return out, nil
}

// mintTo assigns the next token to owner directly on the fake chain.
func (f *fakeChain) mintTo(owner common.Address) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.owners[id] = owner
	f.txs++
	f.history = append(f.history, &TransferEvent{To: owner, TokenID: id, BlockNumber: f.txs})
	return id
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.LoadAttempts = 1
	cfg.MetadataConcurrency = 4
	cfg.EventQueue = 16
	return cfg
}
