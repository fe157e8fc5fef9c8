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

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
)

// resubscribeBackoff caps the wait between attempts to re-establish a
// dropped event subscription.
const resubscribeBackoff = 30 * time.Second

// ErrListenerRunning is returned by a second Start on the same listener.
var ErrListenerRunning = errors.New("gallery: listener already running")

// ReconcileKind identifies the contract event a reconciliation carries.
type ReconcileKind uint8

const (
	ReconcileMinted ReconcileKind = iota + 1
	ReconcileTransfer
)

func (k ReconcileKind) String() string {
	switch k {
	case ReconcileMinted:
		return "minted"
	case ReconcileTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Reconciliation is one observed contract event queued for folding into
// the stores.
type Reconciliation struct {
	Kind    ReconcileKind
	From    common.Address // zero for Minted
	To      common.Address
	TokenID uint64
}

// Listener subscribes to the contract's Minted and Transfer events and
// folds them into the state store and ownership index. Delivery is
// at-least-once and unordered, so every fold is monotonic or idempotent.
type Listener struct {
	client ChainClient
	state  *StateStore
	owners *OwnershipIndex
	log    log.Logger

	queue chan Reconciliation

	mu      sync.Mutex
	running bool
	subs    []event.Subscription
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewListener creates a stopped listener with a queue of queueSize messages.
func NewListener(client ChainClient, state *StateStore, owners *OwnershipIndex, queueSize int) *Listener {
	return &Listener{
		client: client,
		state:  state,
		owners: owners,
		log:    log.New("module", "gallery/events"),
		queue:  make(chan Reconciliation, queueSize),
	}
}

// Start subscribes to the contract events. Subscriptions that fail or drop
// are re-established in the background with exponential backoff.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return ErrListenerRunning
	}
	var (
		minted    = make(chan *MintedEvent, 16)
		transfers = make(chan *TransferEvent, 16)
	)
	l.quit = make(chan struct{})
	l.subs = []event.Subscription{
		event.ResubscribeErr(resubscribeBackoff, func(ctx context.Context, lastErr error) (event.Subscription, error) {
			if lastErr != nil {
				l.log.Warn("Minted subscription dropped, resubscribing", "err", lastErr)
			}
			return l.client.SubscribeMinted(ctx, minted)
		}),
		event.ResubscribeErr(resubscribeBackoff, func(ctx context.Context, lastErr error) (event.Subscription, error) {
			if lastErr != nil {
				l.log.Warn("Transfer subscription dropped, resubscribing", "err", lastErr)
			}
			return l.client.SubscribeTransfer(ctx, transfers)
		}),
	}
	l.running = true

	l.wg.Add(2)
	go l.pump(minted, transfers, l.quit)
	go l.fold(l.quit)

	l.log.Debug("Event listener started")
	return nil
}

// Stop unsubscribes from the chain and waits for the listener goroutines
// to exit. Queued but unfolded messages are dropped.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	for _, sub := range l.subs {
		sub.Unsubscribe()
	}
	l.subs = nil
	close(l.quit)
	l.running = false
	l.mu.Unlock()

	l.wg.Wait()
	l.log.Debug("Event listener stopped")
}

// Enqueue pushes a reconciliation onto the fold queue. It reports false if
// the listener is not running.
func (l *Listener) Enqueue(msg Reconciliation) bool {
	l.mu.Lock()
	quit, running := l.quit, l.running
	l.mu.Unlock()

	if !running {
		return false
	}
	select {
	case l.queue <- msg:
		return true
	case <-quit:
		return false
	}
}

func (l *Listener) pump(minted <-chan *MintedEvent, transfers <-chan *TransferEvent, quit chan struct{}) {
	defer l.wg.Done()
	for {
		var msg Reconciliation
		select {
		case ev := <-minted:
			msg = Reconciliation{Kind: ReconcileMinted, To: ev.To, TokenID: ev.TokenID}
		case ev := <-transfers:
			msg = Reconciliation{Kind: ReconcileTransfer, From: ev.From, To: ev.To, TokenID: ev.TokenID}
		case <-quit:
			return
		}
		select {
		case l.queue <- msg:
		case <-quit:
			return
		}
	}
}

func (l *Listener) fold(quit chan struct{}) {
	defer l.wg.Done()
	for {
		select {
		case msg := <-l.queue:
			l.Apply(msg)
		case <-quit:
			return
		}
	}
}

// Apply folds a single reconciliation into the stores. A failing fold is
// logged and swallowed so one bad event cannot stop the listener.
func (l *Listener) Apply(msg Reconciliation) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("Reconciliation panicked", "kind", msg.Kind, "id", msg.TokenID, "panic", r)
		}
	}()
	switch msg.Kind {
	case ReconcileMinted:
		advanced := l.state.ApplyMintedTokenID(msg.TokenID + 1)
		owned := l.owners.ApplyTransferDelta(common.Address{}, msg.To, msg.TokenID)
		l.log.Debug("Folded Minted event", "to", msg.To, "id", msg.TokenID, "advanced", advanced, "owned", owned)
	case ReconcileTransfer:
		changed := l.owners.ApplyTransferDelta(msg.From, msg.To, msg.TokenID)
		l.log.Debug("Folded Transfer event", "from", msg.From, "to", msg.To, "id", msg.TokenID, "changed", changed)
	default:
		l.log.Error("Unknown reconciliation", "kind", msg.Kind)
	}
}
