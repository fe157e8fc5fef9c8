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
	"os"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	gallerycontract "github.com/alexwelcing/nftgallery/contracts/gallery"
)

// ErrNoSigner is returned when a transaction is requested from a read-only
// client.
var ErrNoSigner = errors.New("gallery: no signer configured")

// Backend is the node connection an EthereumClient needs. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EthereumClient implements ChainClient for the gallery contract on an
// Ethereum-compatible chain.
type EthereumClient struct {
	nft     *gallerycontract.Gallery
	backend Backend
	opts    *bind.TransactOpts // nil for a read-only client

	deployBlock     uint64
	receiptInterval time.Duration
	logInterval     time.Duration
	readTimeout     time.Duration
	log             log.Logger
}

// NewEthereumClient wires a client to a deployed gallery contract. A nil
// opts yields a read-only client with no connected account.
func NewEthereumClient(backend Backend, addr common.Address, opts *bind.TransactOpts, cfg *Config) (*EthereumClient, error) {
	nft, err := gallerycontract.NewGallery(addr, backend)
	if err != nil {
		return nil, err
	}
	e := &EthereumClient{
		nft:             nft,
		backend:         backend,
		opts:            opts,
		deployBlock:     cfg.DeployBlock,
		receiptInterval: cfg.ReceiptPollInterval,
		logInterval:     cfg.LogPollInterval,
		readTimeout:     cfg.ReadTimeout,
		log:             log.New("module", "gallery/eth", "contract", addr),
	}
	defaults := DefaultConfig()
	if e.receiptInterval <= 0 {
		e.receiptInterval = defaults.ReceiptPollInterval
	}
	if e.logInterval <= 0 {
		e.logInterval = defaults.LogPollInterval
	}
	if e.readTimeout <= 0 {
		e.readTimeout = defaults.ReadTimeout
	}
	return e, nil
}

// DialEthereum connects to rpcURL and, when keyfile is set, unlocks the
// keystore file to sign transactions.
func DialEthereum(ctx context.Context, rpcURL string, contract common.Address, keyfile, password string, cfg *Config) (*EthereumClient, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, chainError("dial", err)
	}
	var opts *bind.TransactOpts
	if keyfile != "" {
		chainID, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, chainError("chainId", err)
		}
		f, err := os.Open(keyfile)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("gallery: open keyfile: %w", err)
		}
		defer f.Close()
		if opts, err = bind.NewTransactorWithChainID(f, password, chainID); err != nil {
			client.Close()
			return nil, fmt.Errorf("gallery: unlock keyfile: %w", err)
		}
	}
	return NewEthereumClient(client, contract, opts, cfg)
}

// Close releases the node connection when the backend supports it.
func (e *EthereumClient) Close() {
	if c, ok := e.backend.(interface{ Close() }); ok {
		c.Close()
	}
}

func (e *EthereumClient) call(ctx context.Context) *bind.CallOpts {
	return &bind.CallOpts{Context: ctx}
}

func toUint64(name string, v *big.Int, err error) (uint64, error) {
	if err != nil {
		return 0, err
	}
	if v == nil || !v.IsUint64() {
		return 0, fmt.Errorf("gallery: %s out of range: %v", name, v)
	}
	return v.Uint64(), nil
}

func (e *EthereumClient) NextTokenID(ctx context.Context) (uint64, error) {
	v, err := e.nft.NextTokenId(e.call(ctx))
	return toUint64("nextTokenId", v, err)
}

func (e *EthereumClient) MaxSupply(ctx context.Context) (uint64, error) {
	v, err := e.nft.MaxSupply(e.call(ctx))
	return toUint64("maxSupply", v, err)
}

func (e *EthereumClient) MintPrice(ctx context.Context) (*big.Int, error) {
	return e.nft.MintPrice(e.call(ctx))
}

func (e *EthereumClient) BaseTokenURI(ctx context.Context) (string, error) {
	return e.nft.BaseTokenURI(e.call(ctx))
}

func (e *EthereumClient) BalanceOf(ctx context.Context, owner common.Address) (uint64, error) {
	v, err := e.nft.BalanceOf(e.call(ctx), owner)
	return toUint64("balanceOf", v, err)
}

func (e *EthereumClient) OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error) {
	return e.nft.OwnerOf(e.call(ctx), new(big.Int).SetUint64(tokenID))
}

func (e *EthereumClient) TotalSupply(ctx context.Context) (uint64, error) {
	v, err := e.nft.TotalSupply(e.call(ctx))
	return toUint64("totalSupply", v, err)
}

func (e *EthereumClient) Account() common.Address {
	if e.opts == nil {
		return common.Address{}
	}
	return e.opts.From
}

func (e *EthereumClient) ChainID(ctx context.Context) (uint64, error) {
	id, err := e.backend.ChainID(ctx)
	return toUint64("chainId", id, err)
}

func (e *EthereumClient) transactOpts(ctx context.Context, value *big.Int) (*bind.TransactOpts, error) {
	if e.opts == nil {
		return nil, ErrNoSigner
	}
	opts := *e.opts
	opts.Context = ctx
	opts.Value = value
	return &opts, nil
}

func (e *EthereumClient) SubmitMint(ctx context.Context, value *big.Int) (common.Hash, error) {
	opts, err := e.transactOpts(ctx, value)
	if err != nil {
		return common.Hash{}, err
	}
	tx, err := e.nft.Mint(opts)
	if err != nil {
		return common.Hash{}, err
	}
	e.log.Debug("Mint transaction sent", "tx", tx.Hash(), "value", value)
	return tx.Hash(), nil
}

func (e *EthereumClient) SubmitTransfer(ctx context.Context, from, to common.Address, tokenID uint64) (common.Hash, error) {
	opts, err := e.transactOpts(ctx, nil)
	if err != nil {
		return common.Hash{}, err
	}
	tx, err := e.nft.TransferFrom(opts, from, to, new(big.Int).SetUint64(tokenID))
	if err != nil {
		return common.Hash{}, err
	}
	e.log.Debug("Transfer transaction sent", "tx", tx.Hash(), "id", tokenID, "to", to)
	return tx.Hash(), nil
}

// WaitForReceipt polls for the receipt until the transaction is mined or
// ctx is done. Lookup errors other than not-found are retried.
func (e *EthereumClient) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(e.receiptInterval)
	defer ticker.Stop()

	logger := e.log.New("tx", hash)
	for {
		receipt, err := e.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if errors.Is(err, ethereum.NotFound) {
			logger.Trace("Transaction not yet mined")
		} else {
			logger.Trace("Receipt retrieval failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *EthereumClient) ParseMinted(l types.Log) (*MintedEvent, error) {
	ev, err := e.nft.ParseMinted(l)
	if err != nil {
		return nil, err
	}
	return convertMinted(ev)
}

func convertMinted(ev *gallerycontract.GalleryMinted) (*MintedEvent, error) {
	id, err := toUint64("tokenId", ev.TokenId, nil)
	if err != nil {
		return nil, err
	}
	return &MintedEvent{To: ev.To, TokenID: id, BlockNumber: ev.Raw.BlockNumber, TxHash: ev.Raw.TxHash}, nil
}

func convertTransfer(ev *gallerycontract.GalleryTransfer) (*TransferEvent, error) {
	id, err := toUint64("tokenId", ev.TokenId, nil)
	if err != nil {
		return nil, err
	}
	return &TransferEvent{
		From:        ev.From,
		To:          ev.To,
		TokenID:     id,
		BlockNumber: ev.Raw.BlockNumber,
		LogIndex:    ev.Raw.Index,
		TxHash:      ev.Raw.TxHash,
	}, nil
}

// SubscribeMinted streams Minted events. Nodes that cannot push
// notifications are polled instead.
func (e *EthereumClient) SubscribeMinted(ctx context.Context, sink chan<- *MintedEvent) (event.Subscription, error) {
	ch := make(chan *gallerycontract.GalleryMinted, 16)
	sub, err := e.nft.WatchMinted(&bind.WatchOpts{Context: ctx}, ch, nil)
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		e.log.Info("Node cannot push logs, polling for Minted events", "interval", e.logInterval)
		return e.pollLogs(ctx, e.nft.MintedEventID(), func(l types.Log, quit <-chan struct{}) bool {
			ev, err := e.ParseMinted(l)
			if err != nil {
				e.log.Warn("Dropping undecodable Minted log", "tx", l.TxHash, "err", err)
				return true
			}
			select {
			case sink <- ev:
				return true
			case <-quit:
				return false
			}
		})
	}
	if err != nil {
		return nil, err
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case raw := <-ch:
				ev, err := convertMinted(raw)
				if err != nil {
					e.log.Warn("Dropping Minted event", "err", err)
					continue
				}
				select {
				case sink <- ev:
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

// SubscribeTransfer streams Transfer events. Nodes that cannot push
// notifications are polled instead.
func (e *EthereumClient) SubscribeTransfer(ctx context.Context, sink chan<- *TransferEvent) (event.Subscription, error) {
	ch := make(chan *gallerycontract.GalleryTransfer, 16)
	sub, err := e.nft.WatchTransfer(&bind.WatchOpts{Context: ctx}, ch, nil, nil)
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		e.log.Info("Node cannot push logs, polling for Transfer events", "interval", e.logInterval)
		return e.pollLogs(ctx, e.nft.TransferEventID(), func(l types.Log, quit <-chan struct{}) bool {
			raw, err := e.nft.ParseTransfer(l)
			if err == nil {
				var ev *TransferEvent
				if ev, err = convertTransfer(raw); err == nil {
					select {
					case sink <- ev:
						return true
					case <-quit:
						return false
					}
				}
			}
			e.log.Warn("Dropping undecodable Transfer log", "tx", l.TxHash, "err", err)
			return true
		})
	}
	if err != nil {
		return nil, err
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case raw := <-ch:
				ev, err := convertTransfer(raw)
				if err != nil {
					e.log.Warn("Dropping Transfer event", "err", err)
					continue
				}
				select {
				case sink <- ev:
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

// pollLogs emulates a log subscription by filtering new blocks every
// logInterval. deliver returns false to stop.
func (e *EthereumClient) pollLogs(ctx context.Context, topic common.Hash, deliver func(types.Log, <-chan struct{}) bool) (event.Subscription, error) {
	head, err := e.backend.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	next := head + 1
	return event.NewSubscription(func(quit <-chan struct{}) error {
		ticker := time.NewTicker(e.logInterval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return nil
			case <-ticker.C:
			}
			rctx, cancel := context.WithTimeout(context.Background(), e.readTimeout)
			head, err := e.backend.BlockNumber(rctx)
			if err != nil || head < next {
				cancel()
				if err != nil {
					e.log.Debug("Block number poll failed", "err", err)
				}
				continue
			}
			logs, err := e.backend.FilterLogs(rctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(next),
				ToBlock:   new(big.Int).SetUint64(head),
				Addresses: []common.Address{e.nft.Address()},
				Topics:    [][]common.Hash{{topic}},
			})
			cancel()
			if err != nil {
				e.log.Debug("Log poll failed", "from", next, "to", head, "err", err)
				continue
			}
			for _, l := range logs {
				if l.Removed {
					continue
				}
				if !deliver(l, quit) {
					return nil
				}
			}
			next = head + 1
		}
	}), nil
}

// TransferHistory returns every Transfer to or from account since the
// configured deploy block, in chain order.
func (e *EthereumClient) TransferHistory(ctx context.Context, account common.Address) ([]*TransferEvent, error) {
	opts := &bind.FilterOpts{Start: e.deployBlock, Context: ctx}
	sent, err := e.nft.FilterTransfer(opts, []common.Address{account}, nil)
	if err != nil {
		return nil, err
	}
	received, err := e.nft.FilterTransfer(opts, nil, []common.Address{account})
	if err != nil {
		return nil, err
	}
	type logKey struct {
		tx    common.Hash
		index uint
	}
	var (
		seen = make(map[logKey]bool)
		out  []*TransferEvent
	)
	for _, raw := range append(sent, received...) {
		key := logKey{raw.Raw.TxHash, raw.Raw.Index}
		if seen[key] || raw.Raw.Removed {
			continue
		}
		seen[key] = true
		ev, err := convertTransfer(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out, nil
}
