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

	"github.com/ethereum/go-ethereum/common"
)

// API exposes a gallery session over JSON-RPC when registered with a
// go-ethereum rpc.Server.  Method namespace: "gallery".
type API struct {
	session *Session
}

// NewAPI creates a JSON-RPC API backed by the given session.
func NewAPI(session *Session) *API {
	return &API{session: session}
}

var errNotLoaded = errors.New("gallery: contract state not loaded")

// Snapshot handles "gallery_snapshot" RPC calls.
func (api *API) Snapshot() (*ContractSnapshot, error) {
	snap, ok := api.session.Snapshot()
	if !ok {
		return nil, errNotLoaded
	}
	return &snap, nil
}

// Token handles "gallery_token" RPC calls.
func (api *API) Token(id uint64) (*TokenMetadata, error) {
	meta, ok := api.session.Token(id)
	if !ok {
		return nil, fmt.Errorf("gallery: metadata for token %d not loaded", id)
	}
	return meta, nil
}

// Tokens handles "gallery_tokens" RPC calls.
func (api *API) Tokens() []*TokenMetadata {
	return api.session.Tokens()
}

// Account handles "gallery_account" RPC calls.
func (api *API) Account() common.Address {
	return api.session.Account()
}

// OwnedTokens handles "gallery_ownedTokens" RPC calls.
func (api *API) OwnedTokens() []uint64 {
	return api.session.Owned()
}

// RefreshOwned handles "gallery_refreshOwned" RPC calls.
func (api *API) RefreshOwned(ctx context.Context) ([]uint64, error) {
	if err := api.session.RefreshOwned(ctx); err != nil && !errors.Is(err, ErrOwnershipIncomplete) {
		return nil, err
	}
	return api.session.Owned(), nil
}

// QuoteMint handles "gallery_quoteMint" RPC calls.
func (api *API) QuoteMint() (*MintQuote, error) {
	snap, ok := api.session.Snapshot()
	if !ok {
		return nil, errNotLoaded
	}
	return QuoteMint(snap)
}

// Mint handles "gallery_mint" RPC calls. A transaction that fails on chain
// is reported through the returned task, not as an RPC error.
func (api *API) Mint(ctx context.Context) (*Task, error) {
	return taskResult(api.session.RequestMint(ctx))
}

// Transfer handles "gallery_transfer" RPC calls.
func (api *API) Transfer(ctx context.Context, tokenID uint64, to string) (*Task, error) {
	return taskResult(api.session.RequestTransfer(ctx, tokenID, to))
}

func taskResult(task Task, err error) (*Task, error) {
	var txErr *TxError
	if err != nil && !errors.As(err, &txErr) {
		return nil, err
	}
	return &task, nil
}

// Task handles "gallery_task" RPC calls.
func (api *API) Task() Task {
	return api.session.Task()
}

// Acknowledge handles "gallery_acknowledge" RPC calls.
func (api *API) Acknowledge() error {
	return api.session.Acknowledge()
}

// Networks handles "gallery_networks" RPC calls.
func (api *API) Networks() Networks {
	return api.session.Networks()
}
