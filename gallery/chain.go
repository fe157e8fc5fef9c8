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
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

// ChainClient is the capability the gallery core consumes from the chain.
// It abstracts contract reads, wallet identity, transaction submission and
// the contract's event stream so the stores and the controller can be
// exercised without a node.
type ChainClient interface {
	// NextTokenID returns the id the next mint will receive.
	NextTokenID(ctx context.Context) (uint64, error)

	// MaxSupply returns the collection size cap.
	MaxSupply(ctx context.Context) (uint64, error)

	// MintPrice returns the price of one mint in wei.
	MintPrice(ctx context.Context) (*big.Int, error)

	// BaseTokenURI returns the metadata URI prefix.
	BaseTokenURI(ctx context.Context) (string, error)

	// BalanceOf returns how many tokens an address owns.
	BalanceOf(ctx context.Context, owner common.Address) (uint64, error)

	// OwnerOf returns the current owner of a token.
	OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error)

	// TotalSupply returns the number of tokens in existence.
	TotalSupply(ctx context.Context) (uint64, error)

	// Account returns the connected wallet account, or the zero address
	// when no wallet is connected.
	Account() common.Address

	// ChainID returns the id of the network the client is attached to.
	ChainID(ctx context.Context) (uint64, error)

	// SubmitMint signs and broadcasts a mint paying value wei.
	SubmitMint(ctx context.Context, value *big.Int) (common.Hash, error)

	// SubmitTransfer signs and broadcasts transferFrom(from, to, tokenID).
	SubmitTransfer(ctx context.Context, from, to common.Address, tokenID uint64) (common.Hash, error)

	// WaitForReceipt blocks until the transaction is mined or ctx ends.
	WaitForReceipt(ctx context.Context, tx common.Hash) (*types.Receipt, error)

	// ParseMinted decodes a receipt log as a Minted event.
	ParseMinted(log types.Log) (*MintedEvent, error)

	// SubscribeMinted streams Minted events into sink.
	SubscribeMinted(ctx context.Context, sink chan<- *MintedEvent) (event.Subscription, error)

	// SubscribeTransfer streams Transfer events into sink.
	SubscribeTransfer(ctx context.Context, sink chan<- *TransferEvent) (event.Subscription, error)

	// TransferHistory returns every Transfer event sending to or from
	// account, in chain order.
	TransferHistory(ctx context.Context, account common.Address) ([]*TransferEvent, error)
}
