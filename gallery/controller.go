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
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
)

var errReverted = errors.New("transaction reverted")

// ValidAddress reports whether s is a 0x-prefixed 20-byte hex address.
func ValidAddress(s string) bool {
	return len(s) == 2+2*common.AddressLength && strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// Controller drives one mint or transfer at a time through the transaction
// lifecycle and applies its effects to the state store and ownership index
// as soon as the receipt confirms success.
//
// The controller does not own the stores; the event listener writes to the
// same stores concurrently and relies on their monotonic and idempotent
// updates instead of locking.
type Controller struct {
	client   ChainClient
	state    *StateStore
	owners   *OwnershipIndex
	networks Networks

	readTimeout    time.Duration
	receiptTimeout time.Duration
	autoAck        bool
	log            log.Logger

	mu   sync.Mutex
	task Task

	feed event.Feed
}

// NewController creates an idle controller.
func NewController(client ChainClient, state *StateStore, owners *OwnershipIndex, cfg *Config) *Controller {
	return &Controller{
		client:         client,
		state:          state,
		owners:         owners,
		networks:       cfg.Networks,
		readTimeout:    cfg.ReadTimeout,
		receiptTimeout: cfg.ReceiptTimeout,
		autoAck:        cfg.AutoAcknowledge,
		log:            log.New("module", "gallery/tx"),
	}
}

// Task returns a copy of the current task. An idle controller returns a
// task with StatusIdle.
func (c *Controller) Task() Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task.Copy()
}

// SubscribeTasks streams every status change of every task.
func (c *Controller) SubscribeTasks(ch chan<- Task) event.Subscription {
	return c.feed.Subscribe(ch)
}

// RequestMint mints the next token to the connected account, paying the
// cached mint price. It blocks until the task is terminal and returns it.
// A *ValidationError means nothing was sent; a *TxError means the task
// ended in Failed.
func (c *Controller) RequestMint(ctx context.Context) (Task, error) {
	if err := c.begin(KindMint, nil, nil); err != nil {
		return Task{}, err
	}
	account, price, err := c.validateMint(ctx)
	if err != nil {
		return c.reject(err)
	}
	if err := c.transition(StatusAwaitingSignature, nil); err != nil {
		return Task{}, err
	}
	// Once the wallet is asked to sign the task runs to completion.
	ctx = context.WithoutCancel(ctx)

	hash, err := c.client.SubmitMint(ctx, price)
	if err != nil {
		return c.fail(err)
	}
	receipt, err := c.confirm(ctx, hash)
	if err != nil {
		return c.fail(err)
	}
	var tokenID *uint64
	if id, ok := c.mintedTokenID(receipt, account); ok {
		tokenID = &id
		c.state.ApplyMintedTokenID(id + 1)
		c.owners.ApplyTransferDelta(common.Address{}, account, id)
		c.log.Info("Token minted", "id", id, "to", account, "tx", hash)
	} else {
		// Without the Minted log the id is unknown; another account may
		// have minted in between. Re-read the counter and the holdings.
		c.advanceCounter(ctx)
		if err := c.owners.Refresh(ctx); err != nil {
			c.log.Warn("Could not refresh holdings after mint", "err", err)
		}
		c.log.Info("Token minted", "to", account, "tx", hash)
	}
	if err := c.transition(StatusSucceeded, func(t *Task) { t.TokenID = tokenID }); err != nil {
		return Task{}, err
	}
	return c.finish(), nil
}

// RequestTransfer transfers tokenID from the connected account to
// recipient. It blocks until the task is terminal and returns it.
func (c *Controller) RequestTransfer(ctx context.Context, tokenID uint64, recipient string) (Task, error) {
	recipient = strings.TrimSpace(recipient)
	var counterparty *common.Address
	if ValidAddress(recipient) {
		addr := common.HexToAddress(recipient)
		counterparty = &addr
	}
	if err := c.begin(KindTransfer, &tokenID, counterparty); err != nil {
		return Task{}, err
	}
	from, to, err := c.validateTransfer(ctx, tokenID, recipient)
	if err != nil {
		return c.reject(err)
	}
	if err := c.transition(StatusAwaitingSignature, nil); err != nil {
		return Task{}, err
	}
	ctx = context.WithoutCancel(ctx)

	hash, err := c.client.SubmitTransfer(ctx, from, to, tokenID)
	if err != nil {
		return c.fail(err)
	}
	if _, err := c.confirm(ctx, hash); err != nil {
		return c.fail(err)
	}
	c.owners.ApplyTransferDelta(from, to, tokenID)

	c.log.Info("Token transferred", "id", tokenID, "from", from, "to", to, "tx", hash)
	if err := c.transition(StatusSucceeded, nil); err != nil {
		return Task{}, err
	}
	return c.finish(), nil
}

// Acknowledge returns a finished task to Idle.
func (c *Controller) Acknowledge() error {
	c.mu.Lock()
	status := c.task.Status
	c.mu.Unlock()

	if status == StatusIdle {
		return nil
	}
	if !status.Terminal() {
		return ErrNotTerminal
	}
	return c.transition(StatusIdle, nil)
}

func (c *Controller) begin(kind TaskKind, tokenID *uint64, counterparty *common.Address) error {
	c.mu.Lock()
	if c.task.Status != StatusIdle {
		c.mu.Unlock()
		return ErrTaskInFlight
	}
	c.task = Task{
		ID:           uuid.New(),
		Kind:         kind,
		TokenID:      tokenID,
		Counterparty: counterparty,
		Status:       StatusIdle,
	}
	c.mu.Unlock()
	return c.transition(StatusValidating, nil)
}

// transition moves the current task to `to`, applying update to the task
// under the lock, and publishes the result.
func (c *Controller) transition(to TaskStatus, update func(*Task)) error {
	c.mu.Lock()
	from := c.task.Status
	if !CanTransition(from, to) {
		c.mu.Unlock()
		c.log.Error("Rejected task transition", "from", from, "to", to)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if to == StatusIdle {
		c.task = Task{Status: StatusIdle}
	} else {
		c.task.Status = to
	}
	if update != nil {
		update(&c.task)
	}
	c.task.UpdatedAt = time.Now()
	out := c.task.Copy()
	c.mu.Unlock()

	c.log.Debug("Task transition", "id", out.ID, "kind", out.Kind, "from", from, "to", to)
	c.feed.Send(out)
	return nil
}

func (c *Controller) reject(err error) (Task, error) {
	c.log.Info("Request rejected", "err", err)
	if terr := c.transition(StatusIdle, nil); terr != nil {
		return Task{}, terr
	}
	return Task{}, err
}

func (c *Controller) fail(err error) (Task, error) {
	reason := ClassifyFailure(err)
	if reason.Informational() {
		c.log.Info("Transaction declined", "err", err)
	} else {
		c.log.Warn("Transaction failed", "reason", reason, "err", err)
	}
	if terr := c.transition(StatusFailed, func(t *Task) {
		t.Reason = reason
		t.Err = err.Error()
	}); terr != nil {
		return Task{}, terr
	}
	return c.finish(), &TxError{Reason: reason, Err: err}
}

// finish hands back the terminal task, returning the controller to Idle
// first when auto-acknowledge is on.
func (c *Controller) finish() Task {
	out := c.Task()
	if c.autoAck {
		if err := c.transition(StatusIdle, nil); err != nil {
			c.log.Error("Auto-acknowledge failed", "err", err)
		}
	}
	return out
}

// confirm records the broadcast transaction and waits for its receipt.
func (c *Controller) confirm(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var explorer string
	if chainID, err := c.chainID(ctx); err == nil {
		explorer = c.networks.TxURL(chainID, hash)
	}
	if err := c.transition(StatusSubmitted, func(t *Task) {
		t.TxHash = hash
		t.ExplorerURL = explorer
	}); err != nil {
		return nil, err
	}
	c.log.Info("Transaction submitted", "tx", hash, "explorer", explorer)

	if err := c.transition(StatusConfirming, nil); err != nil {
		return nil, err
	}
	if c.receiptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.receiptTimeout)
		defer cancel()
	}
	receipt, err := c.client.WaitForReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, errReverted
	}
	return receipt, nil
}

// mintedTokenID returns the id carried by the receipt's Minted log for
// account, if there is one.
func (c *Controller) mintedTokenID(receipt *types.Receipt, account common.Address) (uint64, bool) {
	for _, l := range receipt.Logs {
		ev, err := c.client.ParseMinted(*l)
		if err != nil || ev.To != account {
			continue
		}
		return ev.TokenID, true
	}
	return 0, false
}

// advanceCounter re-reads the contract counter after a mint whose id is
// unknown. If the read fails, the cached counter is bumped by the one mint
// known to have happened.
func (c *Controller) advanceCounter(ctx context.Context) {
	rctx, cancel := c.readCtx(ctx)
	defer cancel()
	next, err := c.client.NextTokenID(rctx)
	if err != nil {
		c.log.Warn("Could not re-read next token id after mint", "err", err)
		snap, _ := c.state.Snapshot()
		next = snap.NextTokenID + 1
	}
	c.state.ApplyMintedTokenID(next)
}

func (c *Controller) readCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.readTimeout > 0 {
		return context.WithTimeout(ctx, c.readTimeout)
	}
	return context.WithCancel(ctx)
}

func (c *Controller) chainID(ctx context.Context) (uint64, error) {
	rctx, cancel := c.readCtx(ctx)
	defer cancel()
	return c.client.ChainID(rctx)
}

// checkWallet validates the parts shared by every request.
func (c *Controller) checkWallet(ctx context.Context, kind TaskKind) (common.Address, error) {
	account := c.client.Account()
	if account == (common.Address{}) {
		return common.Address{}, invalid(kind, "please connect your wallet")
	}
	chainID, err := c.chainID(ctx)
	if err != nil {
		return common.Address{}, chainError("chainId", err)
	}
	if !c.networks.Supported(chainID) {
		return common.Address{}, invalid(kind, "unsupported network %d", chainID)
	}
	return account, nil
}

func (c *Controller) validateMint(ctx context.Context) (common.Address, *big.Int, error) {
	account, err := c.checkWallet(ctx, KindMint)
	if err != nil {
		return common.Address{}, nil, err
	}
	snap, ok := c.state.Snapshot()
	if !ok {
		return common.Address{}, nil, invalid(KindMint, "contract state not loaded")
	}
	if snap.SoldOut() {
		return common.Address{}, nil, invalid(KindMint, "no more tokens to mint (%d/%d)", snap.NextTokenID, snap.MaxSupply)
	}
	return account, snap.MintPrice, nil
}

func (c *Controller) validateTransfer(ctx context.Context, tokenID uint64, recipient string) (common.Address, common.Address, error) {
	account, err := c.checkWallet(ctx, KindTransfer)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	if recipient == "" {
		return common.Address{}, common.Address{}, invalid(KindTransfer, "please enter a recipient address")
	}
	if !ValidAddress(recipient) {
		return common.Address{}, common.Address{}, invalid(KindTransfer, "invalid recipient address %q", recipient)
	}
	to := common.HexToAddress(recipient)
	if to == (common.Address{}) {
		return common.Address{}, common.Address{}, invalid(KindTransfer, "cannot transfer to the zero address")
	}
	if to == account {
		return common.Address{}, common.Address{}, invalid(KindTransfer, "cannot transfer to your own address")
	}
	rctx, cancel := c.readCtx(ctx)
	owner, err := c.client.OwnerOf(rctx, tokenID)
	cancel()
	if err != nil {
		return common.Address{}, common.Address{}, chainError("ownerOf", err)
	}
	if owner != account {
		return common.Address{}, common.Address{}, invalid(KindTransfer, "you are not the owner of token %d", tokenID)
	}
	return account, to, nil
}
