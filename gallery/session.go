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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
)

// Session is the application context of one connected client: it owns the
// state store, metadata cache and ownership index, and lends them to the
// transaction controller and the event listener.
//
// Lifecycle:
//  1. Start loads the contract snapshot (retrying transient failures),
//     starts the event listener and rebuilds the account's holdings.
//  2. Every full snapshot load triggers a background metadata fill.
//  3. Close stops the listener and the background work.
type Session struct {
	cfg    *Config
	client ChainClient

	state      *StateStore
	metadata   *MetadataCache
	owners     *OwnershipIndex
	controller *Controller
	listener   *Listener
	log        log.Logger

	mu      sync.Mutex
	started bool
	sub     event.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSession wires the gallery components around client.
func NewSession(client ChainClient, fetcher MetadataFetcher, cfg *Config) *Session {
	state := NewStateStore(client, cfg.ReadTimeout)
	owners := NewOwnershipIndex(client, cfg.ReadTimeout)
	return &Session{
		cfg:        cfg,
		client:     client,
		state:      state,
		metadata:   NewMetadataCache(fetcher, cfg.MetadataConcurrency, cfg.MetadataTimeout),
		owners:     owners,
		controller: NewController(client, state, owners, cfg),
		listener:   NewListener(client, state, owners, cfg.EventQueue),
		log:        log.New("module", "gallery"),
	}
}

// Start brings the session up. It fails only when the contract snapshot
// cannot be loaded; an ownership rebuild failure is logged and can be
// retried with RefreshOwned.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	bg, cancel := context.WithCancel(context.Background())
	changes := make(chan SnapshotChange, 4)
	sub := s.state.Subscribe(changes)
	fills := make(chan ContractSnapshot, 1)

	s.wg.Add(2)
	go s.watchSnapshots(bg, changes, sub, fills)
	go s.fillMetadata(bg, fills)

	if err := s.load(ctx); err != nil {
		sub.Unsubscribe()
		cancel()
		s.wg.Wait()
		return err
	}
	if err := s.listener.Start(); err != nil {
		sub.Unsubscribe()
		cancel()
		s.wg.Wait()
		return err
	}
	s.sub, s.cancel, s.started = sub, cancel, true

	if account := s.client.Account(); account != (common.Address{}) {
		if err := s.owners.Rebuild(ctx, account); err != nil {
			s.log.Warn("Ownership rebuild failed", "account", account, "err", err)
		}
	}
	snap, _ := s.state.Snapshot()
	s.log.Info("Gallery session started", "account", s.client.Account(), "minted", snap.NextTokenID, "maxSupply", snap.MaxSupply)
	return nil
}

// load fetches the snapshot, retrying chain failures with exponential
// backoff up to LoadAttempts times.
func (s *Session) load(ctx context.Context) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.cfg.LoadAttempts), ctx)
	return backoff.RetryNotify(func() error {
		err := s.state.Load(ctx)
		if err != nil && !errors.Is(err, ErrChainUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		s.log.Warn("Contract state load failed, retrying", "err", err, "wait", wait)
	})
}

// watchSnapshots hands every fully loaded snapshot to the metadata filler,
// keeping only the latest one pending so the store's feed never waits on
// metadata fetches.
func (s *Session) watchSnapshots(ctx context.Context, changes <-chan SnapshotChange, sub event.Subscription, fills chan ContractSnapshot) {
	defer s.wg.Done()
	for {
		select {
		case change := <-changes:
			if !change.Loaded {
				continue
			}
			select {
			case <-fills:
			default:
			}
			fills <- change.Snapshot
		case <-sub.Err():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) fillMetadata(ctx context.Context, fills <-chan ContractSnapshot) {
	defer s.wg.Done()
	for {
		select {
		case snap := <-fills:
			if err := s.metadata.EnsureLoaded(ctx, snap.MaxSupply, snap.BaseURI); err != nil {
				s.log.Debug("Metadata fill interrupted", "err", err)
				continue
			}
			s.log.Info("Metadata loaded", "tokens", s.metadata.Len())
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the listener and background work. The session cannot be
// restarted.
func (s *Session) Close() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.listener.Stop()
	s.sub.Unsubscribe()
	s.cancel()
	s.wg.Wait()
	s.log.Info("Gallery session closed")
}

// Reload re-reads the contract snapshot.
func (s *Session) Reload(ctx context.Context) error { return s.state.Load(ctx) }

// SwitchAccount rebuilds holdings for a newly connected account. Passing
// the zero address clears them.
func (s *Session) SwitchAccount(ctx context.Context, account common.Address) error {
	return s.owners.Rebuild(ctx, account)
}

// RefreshOwned rebuilds the active account's holdings.
func (s *Session) RefreshOwned(ctx context.Context) error { return s.owners.Refresh(ctx) }

// Snapshot returns the cached contract snapshot.
func (s *Session) Snapshot() (ContractSnapshot, bool) { return s.state.Snapshot() }

// Token returns the cached metadata of a token.
func (s *Session) Token(id uint64) (*TokenMetadata, bool) { return s.metadata.Get(id) }

// Tokens returns every cached token metadata record.
func (s *Session) Tokens() []*TokenMetadata { return s.metadata.All() }

// Owned returns the active account's token ids.
func (s *Session) Owned() []uint64 { return s.owners.Owned() }

// Account returns the account whose holdings are indexed.
func (s *Session) Account() common.Address { return s.owners.Active() }

// Networks returns the supported network table.
func (s *Session) Networks() Networks { return s.cfg.Networks }

// RequestMint starts a mint; see Controller.RequestMint.
func (s *Session) RequestMint(ctx context.Context) (Task, error) {
	return s.controller.RequestMint(ctx)
}

// RequestTransfer starts a transfer; see Controller.RequestTransfer.
func (s *Session) RequestTransfer(ctx context.Context, tokenID uint64, recipient string) (Task, error) {
	return s.controller.RequestTransfer(ctx, tokenID, recipient)
}

// Task returns the controller's current task.
func (s *Session) Task() Task { return s.controller.Task() }

// Acknowledge returns a finished task to Idle.
func (s *Session) Acknowledge() error { return s.controller.Acknowledge() }

// SubscribeSnapshot streams snapshot changes.
func (s *Session) SubscribeSnapshot(ch chan<- SnapshotChange) event.Subscription {
	return s.state.Subscribe(ch)
}

// SubscribeOwnership streams changes of the active account's holdings.
func (s *Session) SubscribeOwnership(ch chan<- OwnershipChange) event.Subscription {
	return s.owners.Subscribe(ch)
}

// SubscribeTasks streams task status changes.
func (s *Session) SubscribeTasks(ch chan<- Task) event.Subscription {
	return s.controller.SubscribeTasks(ch)
}
