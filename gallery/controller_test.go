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
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type controllerEnv struct {
	chain    *fakeChain
	state    *StateStore
	owners   *OwnershipIndex
	ctrl     *Controller
	listener *Listener
}

func newControllerEnv(t *testing.T, chain *fakeChain, cfg *Config) *controllerEnv {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	env := &controllerEnv{chain: chain, state: NewStateStore(chain, 0), owners: NewOwnershipIndex(chain, 0)}
	require.NoError(t, env.state.Load(context.Background()))
	if account := chain.Account(); account != (common.Address{}) {
		require.NoError(t, env.owners.Rebuild(context.Background(), account))
	}
	env.ctrl = NewController(chain, env.state, env.owners, cfg)
	env.listener = NewListener(chain, env.state, env.owners, cfg.EventQueue)
	return env
}

func walletChain(next uint64) *fakeChain {
	chain := newFakeChain()
	for i := uint64(0); i < next; i++ {
		chain.mintTo(accountB)
	}
	chain.account = accountA
	return chain
}

func collectStatuses(ch <-chan Task) []TaskStatus {
	var out []TaskStatus
	for {
		select {
		case task := <-ch:
			out = append(out, task.Status)
		default:
			return out
		}
	}
}

func TestCanTransition(t *testing.T) {
	edges := map[[2]TaskStatus]bool{
		{StatusIdle, StatusValidating}:              true,
		{StatusValidating, StatusAwaitingSignature}: true,
		{StatusValidating, StatusIdle}:              true,
		{StatusAwaitingSignature, StatusSubmitted}:  true,
		{StatusAwaitingSignature, StatusFailed}:     true,
		{StatusSubmitted, StatusConfirming}:         true,
		{StatusConfirming, StatusSucceeded}:         true,
		{StatusConfirming, StatusFailed}:            true,
		{StatusSucceeded, StatusIdle}:               true,
		{StatusFailed, StatusIdle}:                  true,
	}
	for from := StatusIdle; from <= StatusFailed; from++ {
		for to := StatusIdle; to <= StatusFailed; to++ {
			assert.Equal(t, edges[[2]TaskStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestControllerRejectsInvalidTransition(t *testing.T) {
	env := newControllerEnv(t, walletChain(3), nil)

	err := env.ctrl.transition(StatusSucceeded, nil)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusIdle, env.ctrl.Task().Status)
}

func TestRequestMintEndToEnd(t *testing.T) {
	env := newControllerEnv(t, walletChain(3), nil)

	updates := make(chan Task, 16)
	sub := env.ctrl.SubscribeTasks(updates)
	defer sub.Unsubscribe()

	task, err := env.ctrl.RequestMint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, task.Status)
	assert.Equal(t, KindMint, task.Kind)
	require.NotNil(t, task.TokenID)
	assert.Equal(t, uint64(3), *task.TokenID)
	assert.NotEqual(t, common.Hash{}, task.TxHash)
	assert.Empty(t, task.ExplorerURL, "hardhat has no explorer")

	assert.Equal(t, []TaskStatus{
		StatusValidating, StatusAwaitingSignature, StatusSubmitted, StatusConfirming, StatusSucceeded,
	}, collectStatuses(updates))

	snap, _ := env.state.Snapshot()
	assert.Equal(t, uint64(4), snap.NextTokenID)
	assert.Equal(t, []uint64{3}, env.owners.Owned())

	// The Minted event for the same mint arrives late and changes nothing.
	env.listener.Apply(Reconciliation{Kind: ReconcileMinted, To: accountA, TokenID: 3})
	snap, _ = env.state.Snapshot()
	assert.Equal(t, uint64(4), snap.NextTokenID)
	assert.Equal(t, []uint64{3}, env.owners.Owned())

	require.NoError(t, env.ctrl.Acknowledge())
	idle := env.ctrl.Task()
	assert.Equal(t, StatusIdle, idle.Status)
	assert.Equal(t, uuid.Nil, idle.ID)
	assert.Nil(t, idle.TokenID)
}

func TestRequestMintWithoutMintedLog(t *testing.T) {
	chain := walletChain(3)
	chain.noMintLog = true
	env := newControllerEnv(t, chain, nil)

	task, err := env.ctrl.RequestMint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, task.Status)
	assert.Nil(t, task.TokenID, "the id is unknown without the Minted log")
	assert.Equal(t, 2, chain.callCount("nextTokenId"), "counter re-read after the mint")

	snap, _ := env.state.Snapshot()
	assert.Equal(t, uint64(4), snap.NextTokenID)
	assert.Equal(t, []uint64{3}, env.owners.Owned(), "holdings re-read from the chain")
}

func TestRequestMintWithoutMintedLogRacingMint(t *testing.T) {
	chain := walletChain(3)
	chain.noMintLog = true
	chain.holdReceipt = make(chan struct{})
	env := newControllerEnv(t, chain, nil)

	done := make(chan Task, 1)
	go func() {
		task, err := env.ctrl.RequestMint(context.Background())
		assert.NoError(t, err)
		done <- task
	}()
	require.Eventually(t, func() bool {
		return env.ctrl.Task().Status == StatusConfirming
	}, time.Second, 5*time.Millisecond)

	// Another account mints before our receipt is seen.
	require.Equal(t, uint64(4), chain.mintTo(accountB))
	close(chain.holdReceipt)

	task := <-done
	assert.Equal(t, StatusSucceeded, task.Status)
	assert.Nil(t, task.TokenID)
	assert.Equal(t, []uint64{3}, env.owners.Owned())
	assert.False(t, env.owners.Owns(4))

	snap, _ := env.state.Snapshot()
	assert.Equal(t, uint64(5), snap.NextTokenID)
}

func TestRequestMintCounterFallback(t *testing.T) {
	chain := walletChain(3)
	chain.noMintLog = true
	env := newControllerEnv(t, chain, nil)
	chain.setErr("nextTokenId", errFakeRPC)

	task, err := env.ctrl.RequestMint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, task.Status)

	snap, _ := env.state.Snapshot()
	assert.Equal(t, uint64(4), snap.NextTokenID, "cached counter bumped by one")
}

func TestRequestMintExplorerURL(t *testing.T) {
	chain := walletChain(0)
	chain.chainID = 11155111
	env := newControllerEnv(t, chain, nil)

	task, err := env.ctrl.RequestMint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://sepolia.etherscan.io/tx/"+task.TxHash.Hex(), task.ExplorerURL)
}

func TestRequestMintSupplyBoundary(t *testing.T) {
	t.Run("last token", func(t *testing.T) {
		env := newControllerEnv(t, walletChain(9), nil)
		task, err := env.ctrl.RequestMint(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(9), *task.TokenID)

		snap, _ := env.state.Snapshot()
		assert.True(t, snap.SoldOut())
	})
	t.Run("sold out", func(t *testing.T) {
		env := newControllerEnv(t, walletChain(10), nil)
		_, err := env.ctrl.RequestMint(context.Background())

		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, KindMint, verr.Kind)
		assert.Zero(t, env.chain.callCount("submitMint"))
		assert.Equal(t, StatusIdle, env.ctrl.Task().Status)
	})
}

func TestRequestMintValidation(t *testing.T) {
	t.Run("no wallet", func(t *testing.T) {
		chain := walletChain(0)
		chain.account = common.Address{}
		env := newControllerEnv(t, chain, nil)

		_, err := env.ctrl.RequestMint(context.Background())
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Reason, "connect your wallet")
	})
	t.Run("unsupported network", func(t *testing.T) {
		chain := walletChain(0)
		chain.chainID = 5
		env := newControllerEnv(t, chain, nil)

		_, err := env.ctrl.RequestMint(context.Background())
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Reason, "unsupported network")
	})
	t.Run("snapshot not loaded", func(t *testing.T) {
		chain := walletChain(0)
		ctrl := NewController(chain, NewStateStore(chain, 0), NewOwnershipIndex(chain, 0), testConfig())

		_, err := ctrl.RequestMint(context.Background())
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, StatusIdle, ctrl.Task().Status)
	})
	t.Run("chain id unavailable", func(t *testing.T) {
		chain := walletChain(0)
		env := newControllerEnv(t, chain, nil)
		chain.setErr("chainId", errFakeRPC)

		_, err := env.ctrl.RequestMint(context.Background())
		require.ErrorIs(t, err, ErrChainUnavailable)
		assert.Equal(t, StatusIdle, env.ctrl.Task().Status)
	})
}

func TestRequestTransferValidation(t *testing.T) {
	chain := walletChain(0)
	chain.mintTo(accountA)
	chain.mintTo(accountB)
	env := newControllerEnv(t, chain, nil)

	self := accountA.Hex()
	tests := []struct {
		name      string
		tokenID   uint64
		recipient string
	}{
		{"empty recipient", 0, ""},
		{"zero address", 0, "0x0000000000000000000000000000000000000000"},
		{"self", 0, self},
		{"self lowercase", 0, strings.ToLower(self)},
		{"self uppercase", 0, "0x" + strings.ToUpper(self[2:])},
		{"39 hex chars", 0, "0x" + strings.Repeat("a", 39)},
		{"41 hex chars", 0, "0x" + strings.Repeat("a", 41)},
		{"missing prefix", 0, strings.Repeat("a", 40)},
		{"non-hex", 0, "0x" + strings.Repeat("g", 40)},
		{"not owner", 1, accountC.Hex()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.ctrl.RequestTransfer(context.Background(), tt.tokenID, tt.recipient)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, KindTransfer, verr.Kind)
			assert.Equal(t, StatusIdle, env.ctrl.Task().Status)
		})
	}
	assert.Zero(t, chain.callCount("submitTransfer"))
}

func TestRequestTransferEndToEnd(t *testing.T) {
	chain := walletChain(5)
	chain.mintTo(accountA) // token 5
	chain.mintTo(accountA) // token 6
	env := newControllerEnv(t, chain, nil)
	require.Equal(t, []uint64{5, 6}, env.owners.Owned())

	task, err := env.ctrl.RequestTransfer(context.Background(), 5, strings.ToLower(accountB.Hex()))
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, task.Status)
	assert.Equal(t, KindTransfer, task.Kind)
	assert.Equal(t, uint64(5), *task.TokenID)
	assert.Equal(t, accountB, *task.Counterparty)
	assert.Equal(t, []uint64{6}, env.owners.Owned())

	changes := make(chan OwnershipChange, 4)
	sub := env.owners.Subscribe(changes)
	defer sub.Unsubscribe()

	// Duplicate delivery of the same Transfer event.
	env.listener.Apply(Reconciliation{Kind: ReconcileTransfer, From: accountA, To: accountB, TokenID: 5})
	env.listener.Apply(Reconciliation{Kind: ReconcileTransfer, From: accountA, To: accountB, TokenID: 5})
	assert.Equal(t, []uint64{6}, env.owners.Owned())
	assert.Empty(t, changes)
}

func TestTransactionFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    string
		revert bool
		reason FailureReason
	}{
		{"insufficient funds", "insufficient funds for gas * price + value", false, ReasonInsufficientFunds},
		{"user rejected", "MetaMask Tx Signature: User denied transaction signature.", false, ReasonUserRejected},
		{"network mismatch", "invalid chain id for signer", false, ReasonNetworkMismatch},
		{"unknown", "nonce too low", false, ReasonUnknown},
		{"reverted", "", true, ReasonUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := walletChain(3)
			chain.revert = tt.revert
			if tt.err != "" {
				chain.setErr("submitMint", errors.New(tt.err))
			}
			env := newControllerEnv(t, chain, nil)

			task, err := env.ctrl.RequestMint(context.Background())
			var txErr *TxError
			require.ErrorAs(t, err, &txErr)
			assert.Equal(t, tt.reason, txErr.Reason)
			assert.Equal(t, StatusFailed, task.Status)
			assert.Equal(t, tt.reason, task.Reason)
			if tt.revert {
				assert.Equal(t, "transaction reverted", task.Err)
				assert.NotEqual(t, common.Hash{}, task.TxHash)
			} else {
				assert.Equal(t, tt.err, task.Err)
			}

			snap, _ := env.state.Snapshot()
			assert.Equal(t, uint64(3), snap.NextTokenID, "failed mints leave the snapshot alone")
			assert.Empty(t, env.owners.Owned())

			require.NoError(t, env.ctrl.Acknowledge())
			assert.Equal(t, StatusIdle, env.ctrl.Task().Status)
		})
	}
}

func TestControllerSingleTask(t *testing.T) {
	chain := walletChain(3)
	chain.holdReceipt = make(chan struct{})
	env := newControllerEnv(t, chain, nil)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		task Task
		err  error
	}
	done := make(chan result, 1)
	go func() {
		task, err := env.ctrl.RequestMint(ctx)
		done <- result{task, err}
	}()
	require.Eventually(t, func() bool {
		return env.ctrl.Task().Status == StatusConfirming
	}, time.Second, 5*time.Millisecond)

	_, err := env.ctrl.RequestMint(context.Background())
	assert.ErrorIs(t, err, ErrTaskInFlight)
	_, err = env.ctrl.RequestTransfer(context.Background(), 0, accountB.Hex())
	assert.ErrorIs(t, err, ErrTaskInFlight)
	assert.ErrorIs(t, env.ctrl.Acknowledge(), ErrNotTerminal)

	// The caller going away does not abandon a signed transaction.
	cancel()
	close(chain.holdReceipt)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, StatusSucceeded, res.task.Status)
}

func TestControllerAutoAcknowledge(t *testing.T) {
	cfg := testConfig()
	cfg.AutoAcknowledge = true
	env := newControllerEnv(t, walletChain(3), cfg)

	task, err := env.ctrl.RequestMint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, task.Status)
	assert.Equal(t, StatusIdle, env.ctrl.Task().Status)

	_, err = env.ctrl.RequestMint(context.Background())
	require.NoError(t, err)
}

func TestAcknowledgeIdle(t *testing.T) {
	env := newControllerEnv(t, walletChain(0), nil)
	assert.NoError(t, env.ctrl.Acknowledge())
}

func TestClassifyFailure(t *testing.T) {
	assert.Equal(t, ReasonNone, ClassifyFailure(nil))
	assert.Equal(t, ReasonInsufficientFunds, ClassifyFailure(errors.New("Insufficient balance for transfer")))
	assert.Equal(t, ReasonUserRejected, ClassifyFailure(errors.New("user rejected the request")))
	assert.Equal(t, ReasonNetworkMismatch, ClassifyFailure(errors.New("The current chain of the wallet does not match the target chain")))
	assert.Equal(t, ReasonUnknown, ClassifyFailure(errors.New("could not decrypt key with given password")))

	assert.True(t, ReasonUserRejected.Informational())
	assert.False(t, ReasonUnknown.Informational())
}

func TestValidAddress(t *testing.T) {
	assert.True(t, ValidAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"))
	assert.True(t, ValidAddress("0x5fbdb2315678afecb367f032d93f642f64180aa3"))
	assert.False(t, ValidAddress("5FbDB2315678afecb367f032d93F642f64180aa3"))
	assert.False(t, ValidAddress("0X5FbDB2315678afecb367f032d93F642f64180aa3"))
	assert.False(t, ValidAddress("0x5FbDB2315678afecb367f032d93F642f64180aa"))
	assert.False(t, ValidAddress(""))
}
