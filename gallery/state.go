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
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
)

// SnapshotChange is sent to store subscribers after every mutation.
type SnapshotChange struct {
	Snapshot ContractSnapshot
	Loaded   bool // set for a full load, unset for a monotonic update
}

// StateStore holds the cached ContractSnapshot and is the single source of
// truth for contract-level counters.
//
// Writes come from the initial load, confirmed mints and Minted events.
// Updates to NextTokenID only ever raise it, so the order in which those
// writers land does not matter.
type StateStore struct {
	client  ChainClient
	timeout time.Duration
	log     log.Logger

	mu      sync.RWMutex
	snap    *ContractSnapshot
	pending uint64 // highest next id seen before the first load

	feed event.Feed
}

// NewStateStore creates an empty store. Reads are bounded by timeout when it
// is positive.
func NewStateStore(client ChainClient, timeout time.Duration) *StateStore {
	return &StateStore{
		client:  client,
		timeout: timeout,
		log:     log.New("module", "gallery/state"),
	}
}

// Load reads next token id, max supply, mint price and base URI
// concurrently. Any failed read fails the whole load and leaves the current
// snapshot untouched.
func (s *StateStore) Load(ctx context.Context) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	var snap ContractSnapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		if snap.NextTokenID, err = s.client.NextTokenID(gctx); err != nil {
			return chainError("nextTokenId", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if snap.MaxSupply, err = s.client.MaxSupply(gctx); err != nil {
			return chainError("maxSupply", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		var price *big.Int
		if price, err = s.client.MintPrice(gctx); err != nil {
			return chainError("mintPrice", err)
		}
		snap.MintPrice = new(big.Int)
		if price != nil {
			snap.MintPrice.Set(price)
		}
		return nil
	})
	g.Go(func() (err error) {
		if snap.BaseURI, err = s.client.BaseTokenURI(gctx); err != nil {
			return chainError("baseTokenURI", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		s.log.Warn("Contract state load failed", "err", err)
		return err
	}
	if snap.NextTokenID > snap.MaxSupply {
		s.log.Error("Contract reported inconsistent state", "nextTokenId", snap.NextTokenID, "maxSupply", snap.MaxSupply)
		return ErrInconsistentSnapshot
	}

	s.mu.Lock()
	if s.pending > snap.NextTokenID && s.pending <= snap.MaxSupply {
		snap.NextTokenID = s.pending
	}
	if s.snap != nil && s.snap.NextTokenID > snap.NextTokenID {
		// A reload must not move the counter backwards past a mint we
		// already observed.
		snap.NextTokenID = s.snap.NextTokenID
	}
	s.snap = &snap
	s.pending = 0
	out := snap.Copy()
	s.mu.Unlock()

	s.log.Info("Contract state loaded", "nextTokenId", out.NextTokenID, "maxSupply", out.MaxSupply,
		"mintPrice", out.MintPrice, "baseURI", out.BaseURI)
	s.feed.Send(SnapshotChange{Snapshot: out, Loaded: true})
	return nil
}

// Snapshot returns a copy of the current snapshot and whether one has been
// loaded.
func (s *StateStore) Snapshot() (ContractSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.snap == nil {
		return ContractSnapshot{}, false
	}
	return s.snap.Copy(), true
}

// ApplyMintedTokenID raises NextTokenID to next. Values that are not higher
// than the current counter are ignored, which makes duplicate and
// out-of-order deliveries harmless. It reports whether the snapshot changed.
func (s *StateStore) ApplyMintedTokenID(next uint64) bool {
	s.mu.Lock()
	if s.snap == nil {
		if next > s.pending {
			s.pending = next
		}
		s.mu.Unlock()
		s.log.Debug("Deferred next token id until load", "next", next)
		return false
	}
	if next <= s.snap.NextTokenID {
		s.mu.Unlock()
		return false
	}
	if next > s.snap.MaxSupply {
		limit := s.snap.MaxSupply
		s.mu.Unlock()
		s.log.Warn("Ignoring next token id beyond max supply", "next", next, "maxSupply", limit)
		return false
	}
	prev := s.snap.NextTokenID
	s.snap.NextTokenID = next
	out := s.snap.Copy()
	s.mu.Unlock()

	s.log.Debug("Next token id advanced", "from", prev, "to", next)
	s.feed.Send(SnapshotChange{Snapshot: out})
	return true
}

// Subscribe registers ch for change notifications. The channel should be
// buffered; a slow receiver delays every writer.
func (s *StateStore) Subscribe(ch chan<- SnapshotChange) event.Subscription {
	return s.feed.Subscribe(ch)
}
