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
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/params"
)

// ErrSoldOut is returned when quoting a mint on a fully minted collection.
var ErrSoldOut = errors.New("gallery: no more tokens to mint")

var weiPerEther = big.NewInt(params.Ether)

// MintQuote is what a user pays for the next mint.
type MintQuote struct {
	TokenID   uint64   `json:"tokenId"` // id the mint is expected to receive
	Wei       *big.Int `json:"wei"`
	Ether     string   `json:"ether"`
	Remaining uint64   `json:"remaining"`
}

// QuoteMint prices the next mint from a snapshot. The token id is a
// prediction; a concurrent mint by another account may take it first.
func QuoteMint(snap ContractSnapshot) (*MintQuote, error) {
	if snap.SoldOut() {
		return nil, ErrSoldOut
	}
	wei := new(big.Int)
	if snap.MintPrice != nil {
		wei.Set(snap.MintPrice)
	}
	return &MintQuote{
		TokenID:   snap.NextTokenID,
		Wei:       wei,
		Ether:     FormatEther(wei),
		Remaining: snap.MaxSupply - snap.NextTokenID,
	}, nil
}

// FormatEther renders a wei amount as a decimal ether string without
// trailing zeros, e.g. 10000000000000000 → "0.01".
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	s := new(big.Rat).SetFrac(wei, weiPerEther).FloatString(18)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}
