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

// Package gallery keeps an in-memory view of an ERC-721 gallery contract in
// sync with the chain.  It caches contract counters, token metadata and the
// connected account's holdings, drives mint and transfer transactions through
// a small state machine, and folds contract events back into the caches
// without conflicting with the optimistic writes the transactions make.
package gallery

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ContractSnapshot is the cached copy of contract-level counters.
type ContractSnapshot struct {
	NextTokenID uint64   `json:"nextTokenId"`
	MaxSupply   uint64   `json:"maxSupply"`
	MintPrice   *big.Int `json:"mintPrice"` // wei
	BaseURI     string   `json:"baseTokenURI"`
}

// SoldOut reports whether every token id has been minted.
func (s ContractSnapshot) SoldOut() bool {
	return s.NextTokenID >= s.MaxSupply
}

// Copy returns a deep copy so callers never share the price pointer.
func (s ContractSnapshot) Copy() ContractSnapshot {
	cpy := s
	if s.MintPrice != nil {
		cpy.MintPrice = new(big.Int).Set(s.MintPrice)
	}
	return cpy
}

// Attribute is a single trait of a token, e.g. {TraitType: "eyes", Value: "laser"}.
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// TokenMetadata is the off-chain descriptive record of a token.
type TokenMetadata struct {
	TokenID     uint64      `json:"tokenId"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Image       string      `json:"image"`
	Attributes  []Attribute `json:"attributes"`

	// Placeholder is set when the record was synthesized because the
	// remote document could not be fetched or decoded.
	Placeholder bool `json:"placeholder,omitempty"`
}

// PlaceholderMetadata returns the stand-in record used for tokens whose
// metadata is unavailable.
func PlaceholderMetadata(id uint64) *TokenMetadata {
	return &TokenMetadata{
		TokenID:     id,
		Name:        fmt.Sprintf("Token #%d", id),
		Description: "Metadata unavailable",
		Attributes:  []Attribute{},
		Placeholder: true,
	}
}

// MintedEvent is a decoded Minted(to, tokenId) contract event.
type MintedEvent struct {
	To          common.Address
	TokenID     uint64
	BlockNumber uint64
	TxHash      common.Hash
}

// TransferEvent is a decoded Transfer(from, to, tokenId) contract event.
type TransferEvent struct {
	From        common.Address
	To          common.Address
	TokenID     uint64
	BlockNumber uint64
	LogIndex    uint
	TxHash      common.Hash
}
