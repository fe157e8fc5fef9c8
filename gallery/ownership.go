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
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
)

// OwnershipChange is sent to index subscribers whenever the active
// account's set changes.
type OwnershipChange struct {
	Account common.Address
	Owned   []uint64
}

type transferDelta struct {
	from, to common.Address
	id       uint64
}

// OwnershipIndex caches the token ids owned by the active account. Switching
// accounts discards the previous holdings; only the active account's set is
// patched incrementally.
type OwnershipIndex struct {
	client  ChainClient
	timeout time.Duration
	log     log.Logger

	mu     sync.RWMutex
	active common.Address
	owned  map[uint64]struct{}

	// While a rebuild is scanning, deltas for the account being rebuilt are
	// journaled and replayed over the scan result. Only the rebuild of the
	// latest generation may install its result.
	gen        uint64
	rebuilding bool
	journal    []transferDelta

	feed event.Feed
}

// NewOwnershipIndex creates an index with no active account.
func NewOwnershipIndex(client ChainClient, timeout time.Duration) *OwnershipIndex {
	return &OwnershipIndex{
		client:  client,
		timeout: timeout,
		log:     log.New("module", "gallery/ownership"),
		owned:   make(map[uint64]struct{}),
	}
}

func (o *OwnershipIndex) readCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.timeout > 0 {
		return context.WithTimeout(ctx, o.timeout)
	}
	return context.WithCancel(ctx)
}

// Rebuild makes account the active account and recomputes its holdings
// from the chain. The zero address clears the active account.
//
// Historical Transfer logs are folded first; when they disagree with the
// on-chain balance the index falls back to querying ownerOf for every id
// below totalSupply. If even that ends short of the balance, the partial
// set is installed and ErrOwnershipIncomplete is returned.
func (o *OwnershipIndex) Rebuild(ctx context.Context, account common.Address) error {
	o.mu.Lock()
	if account != o.active {
		o.active = account
		o.owned = make(map[uint64]struct{})
	}
	o.gen++
	gen := o.gen
	o.rebuilding, o.journal = account != (common.Address{}), nil
	o.mu.Unlock()

	if account == (common.Address{}) {
		o.feed.Send(OwnershipChange{})
		return nil
	}
	owned, err := o.scan(ctx, account)

	o.mu.Lock()
	if o.gen != gen {
		// Superseded by a later rebuild; it owns the journal now.
		o.mu.Unlock()
		return err
	}
	if owned == nil {
		o.rebuilding, o.journal = false, nil
		o.mu.Unlock()
		return err
	}
	for _, d := range o.journal {
		applyDelta(owned, account, d)
	}
	o.owned = owned
	o.rebuilding, o.journal = false, nil
	ids := sortedIDs(owned)
	o.mu.Unlock()

	o.log.Info("Ownership rebuilt", "account", account, "owned", len(ids), "complete", err == nil)
	o.feed.Send(OwnershipChange{Account: account, Owned: ids})
	return err
}

// scan returns the account's holdings. A nil set means nothing usable was
// learned; a non-nil set with ErrOwnershipIncomplete is a partial result.
func (o *OwnershipIndex) scan(ctx context.Context, account common.Address) (map[uint64]struct{}, error) {
	rctx, cancel := o.readCtx(ctx)
	balance, err := o.client.BalanceOf(rctx, account)
	cancel()
	if err != nil {
		return nil, chainError("balanceOf", err)
	}
	if balance == 0 {
		return make(map[uint64]struct{}), nil
	}
	if owned, err := o.scanHistory(ctx, account); err != nil {
		o.log.Debug("Transfer history unavailable, scanning owners", "account", account, "err", err)
	} else if uint64(len(owned)) == balance {
		return owned, nil
	} else {
		o.log.Debug("Transfer history disagrees with balance", "account", account, "history", len(owned), "balance", balance)
	}
	return o.scanOwners(ctx, account, balance)
}

func (o *OwnershipIndex) scanHistory(ctx context.Context, account common.Address) (map[uint64]struct{}, error) {
	events, err := o.client.TransferHistory(ctx, account)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})
	owned := make(map[uint64]struct{})
	for _, ev := range events {
		applyDelta(owned, account, transferDelta{from: ev.From, to: ev.To, id: ev.TokenID})
	}
	return owned, nil
}

func (o *OwnershipIndex) scanOwners(ctx context.Context, account common.Address, balance uint64) (map[uint64]struct{}, error) {
	rctx, cancel := o.readCtx(ctx)
	total, err := o.client.TotalSupply(rctx)
	cancel()
	if err != nil {
		return nil, chainError("totalSupply", err)
	}
	owned := make(map[uint64]struct{})
	for id := uint64(0); id < total && uint64(len(owned)) < balance; id++ {
		if ctx.Err() != nil {
			return nil, chainError("ownerOf", ctx.Err())
		}
		rctx, cancel := o.readCtx(ctx)
		owner, err := o.client.OwnerOf(rctx, id)
		cancel()
		if err != nil {
			o.log.Warn("Owner lookup failed", "id", id, "err", err)
			continue
		}
		if owner == account {
			owned[id] = struct{}{}
		}
	}
	if uint64(len(owned)) < balance {
		o.log.Warn("Ownership scan incomplete", "account", account, "found", len(owned), "balance", balance)
		return owned, ErrOwnershipIncomplete
	}
	return owned, nil
}

// Refresh rebuilds the active account's set.
func (o *OwnershipIndex) Refresh(ctx context.Context) error {
	return o.Rebuild(ctx, o.Active())
}

// ApplyTransferDelta patches the active account's set for a transfer of id
// from `from` to `to`. Removing an absent id or adding a present one is a
// no-op. It reports whether the set changed.
func (o *OwnershipIndex) ApplyTransferDelta(from, to common.Address, id uint64) bool {
	o.mu.Lock()
	active := o.active
	if active == (common.Address{}) || (from != active && to != active) {
		o.mu.Unlock()
		return false
	}
	d := transferDelta{from: from, to: to, id: id}
	if o.rebuilding {
		o.journal = append(o.journal, d)
	}
	changed := applyDelta(o.owned, active, d)
	var ids []uint64
	if changed {
		ids = sortedIDs(o.owned)
	}
	o.mu.Unlock()

	if changed {
		o.log.Debug("Ownership patched", "account", active, "from", from, "to", to, "id", id)
		o.feed.Send(OwnershipChange{Account: active, Owned: ids})
	}
	return changed
}

func applyDelta(set map[uint64]struct{}, account common.Address, d transferDelta) bool {
	_, had := set[d.id]
	if d.from == account {
		delete(set, d.id)
	}
	if d.to == account {
		set[d.id] = struct{}{}
	}
	_, has := set[d.id]
	return had != has
}

// Active returns the active account.
func (o *OwnershipIndex) Active() common.Address {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.active
}

// Owned returns the active account's token ids in ascending order.
func (o *OwnershipIndex) Owned() []uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.active == (common.Address{}) {
		return []uint64{}
	}
	return sortedIDs(o.owned)
}

// Owns reports whether the active account holds id.
func (o *OwnershipIndex) Owns(id uint64) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	_, ok := o.owned[id]
	return ok
}

// Rebuilding reports whether a rebuild is in progress.
func (o *OwnershipIndex) Rebuilding() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.rebuilding
}

// Subscribe registers ch for change notifications.
func (o *OwnershipIndex) Subscribe(ch chan<- OwnershipChange) event.Subscription {
	return o.feed.Subscribe(ch)
}

func sortedIDs(set map[uint64]struct{}) []uint64 {
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
