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

// Package gallery provides high-level Go bindings for the gallery ERC-721
// contract: sequential paid mints, owner transfers and the Minted/Transfer
// event stream.
package gallery

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"

	"github.com/alexwelcing/nftgallery/contracts/gallery/contract"
)

// ErrEventMismatch is returned when a log does not carry the expected event.
var ErrEventMismatch = errors.New("gallery: log does not match event signature")

// Gallery is a high-level wrapper around the on-chain gallery contract.
type Gallery struct {
	abi      abi.ABI
	address  common.Address
	contract *bind.BoundContract
}

// NewGallery connects to an already-deployed gallery contract.
func NewGallery(addr common.Address, backend bind.ContractBackend) (*Gallery, error) {
	parsed, err := abi.JSON(strings.NewReader(contract.GalleryABI))
	if err != nil {
		return nil, err
	}
	return &Gallery{
		abi:      parsed,
		address:  addr,
		contract: bind.NewBoundContract(addr, parsed, backend, backend, backend),
	}, nil
}

// Address returns the contract address the binding targets.
func (g *Gallery) Address() common.Address { return g.address }

// ABI returns the parsed contract ABI.
func (g *Gallery) ABI() abi.ABI { return g.abi }

// ──────────────────────────────────────────────
//  Write methods
// ──────────────────────────────────────────────

// Mint mints the next sequential token to the sender.
// The caller must attach at least `mintPrice` wei in opts.Value.
func (g *Gallery) Mint(opts *bind.TransactOpts) (*types.Transaction, error) {
	return g.contract.Transact(opts, "mint")
}

// TransferFrom moves tokenId from `from` to `to`.
func (g *Gallery) TransferFrom(opts *bind.TransactOpts, from, to common.Address, tokenId *big.Int) (*types.Transaction, error) {
	return g.contract.Transact(opts, "transferFrom", from, to, tokenId)
}

// ──────────────────────────────────────────────
//  Read methods
// ──────────────────────────────────────────────

// OwnerOf returns the current owner of a token.
func (g *Gallery) OwnerOf(opts *bind.CallOpts, tokenId *big.Int) (common.Address, error) {
	var out []interface{}
	if err := g.contract.Call(opts, &out, "ownerOf", tokenId); err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

// BalanceOf returns how many tokens an address owns.
func (g *Gallery) BalanceOf(opts *bind.CallOpts, owner common.Address) (*big.Int, error) {
	return g.callUint(opts, "balanceOf", owner)
}

// TotalSupply returns the number of tokens in existence.
func (g *Gallery) TotalSupply(opts *bind.CallOpts) (*big.Int, error) {
	return g.callUint(opts, "totalSupply")
}

// NextTokenId returns the id the next mint will receive.
func (g *Gallery) NextTokenId(opts *bind.CallOpts) (*big.Int, error) {
	return g.callUint(opts, "nextTokenId")
}

// MaxSupply returns the collection size cap.
func (g *Gallery) MaxSupply(opts *bind.CallOpts) (*big.Int, error) {
	return g.callUint(opts, "maxSupply")
}

// MintPrice returns the price of one mint in wei.
func (g *Gallery) MintPrice(opts *bind.CallOpts) (*big.Int, error) {
	return g.callUint(opts, "mintPrice")
}

// BaseTokenURI returns the metadata prefix; token metadata lives at
// BaseTokenURI + id + ".json".
func (g *Gallery) BaseTokenURI(opts *bind.CallOpts) (string, error) {
	var out []interface{}
	if err := g.contract.Call(opts, &out, "baseTokenURI"); err != nil {
		return "", err
	}
	return *abi.ConvertType(out[0], new(string)).(*string), nil
}

func (g *Gallery) callUint(opts *bind.CallOpts, method string, params ...interface{}) (*big.Int, error) {
	var out []interface{}
	if err := g.contract.Call(opts, &out, method, params...); err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// ──────────────────────────────────────────────
//  Events
// ──────────────────────────────────────────────

// GalleryMinted is the decoded Minted(to, tokenId) event.
type GalleryMinted struct {
	To      common.Address
	TokenId *big.Int
	Raw     types.Log
}

// GalleryTransfer is the decoded Transfer(from, to, tokenId) event.
type GalleryTransfer struct {
	From    common.Address
	To      common.Address
	TokenId *big.Int
	Raw     types.Log
}

// ParseMinted decodes a Minted log.
func (g *Gallery) ParseMinted(log types.Log) (*GalleryMinted, error) {
	if err := g.matches(log, "Minted"); err != nil {
		return nil, err
	}
	ev := new(GalleryMinted)
	if err := g.contract.UnpackLog(ev, "Minted", log); err != nil {
		return nil, err
	}
	ev.Raw = log
	return ev, nil
}

// ParseTransfer decodes a Transfer log.
func (g *Gallery) ParseTransfer(log types.Log) (*GalleryTransfer, error) {
	if err := g.matches(log, "Transfer"); err != nil {
		return nil, err
	}
	ev := new(GalleryTransfer)
	if err := g.contract.UnpackLog(ev, "Transfer", log); err != nil {
		return nil, err
	}
	ev.Raw = log
	return ev, nil
}

func (g *Gallery) matches(log types.Log, name string) error {
	if len(log.Topics) == 0 || log.Topics[0] != g.abi.Events[name].ID {
		return ErrEventMismatch
	}
	return nil
}

// WatchMinted streams Minted events, optionally filtered by recipient.
func (g *Gallery) WatchMinted(opts *bind.WatchOpts, sink chan<- *GalleryMinted, to []common.Address) (event.Subscription, error) {
	logs, sub, err := g.contract.WatchLogs(opts, "Minted", addressRule(to))
	if err != nil {
		return nil, err
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case log := <-logs:
				ev, err := g.ParseMinted(log)
				if err != nil {
					return err
				}
				select {
				case sink <- ev:
				case err := <-sub.Err():
					return err
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

// WatchTransfer streams Transfer events, optionally filtered by sender or
// recipient.
func (g *Gallery) WatchTransfer(opts *bind.WatchOpts, sink chan<- *GalleryTransfer, from, to []common.Address) (event.Subscription, error) {
	fromRule, toRule := addressRule(from), addressRule(to)
	logs, sub, err := g.contract.WatchLogs(opts, "Transfer", fromRule, toRule)
	if err != nil {
		return nil, err
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case log := <-logs:
				ev, err := g.ParseTransfer(log)
				if err != nil {
					return err
				}
				select {
				case sink <- ev:
				case err := <-sub.Err():
					return err
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

// FilterTransfer returns historical Transfer events in the block range of
// opts, in chain order.
func (g *Gallery) FilterTransfer(opts *bind.FilterOpts, from, to []common.Address) ([]*GalleryTransfer, error) {
	logs, sub, err := g.contract.FilterLogs(opts, "Transfer", addressRule(from), addressRule(to))
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	var out []*GalleryTransfer
	collect := func(log types.Log) error {
		ev, err := g.ParseTransfer(log)
		if err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	}
	for {
		select {
		case log := <-logs:
			if err := collect(log); err != nil {
				return nil, err
			}
		case err := <-sub.Err():
			if err != nil {
				return nil, err
			}
			// The producer is done; drain what is still buffered.
			for {
				select {
				case log := <-logs:
					if err := collect(log); err != nil {
						return nil, err
					}
				default:
					return out, nil
				}
			}
		}
	}
}

// MintedEventID returns the topic hash of the Minted event.
func (g *Gallery) MintedEventID() common.Hash { return g.abi.Events["Minted"].ID }

// TransferEventID returns the topic hash of the Transfer event.
func (g *Gallery) TransferEventID() common.Hash { return g.abi.Events["Transfer"].ID }

func addressRule(addrs []common.Address) []interface{} {
	var rule []interface{}
	for _, a := range addrs {
		rule = append(rule, a)
	}
	return rule
}
