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
	"fmt"
	"strings"
)

// Errors returned by the gallery core.
var (
	ErrChainUnavailable     = errors.New("gallery: chain unavailable")
	ErrInconsistentSnapshot = errors.New("gallery: next token id exceeds max supply")
	ErrOwnershipIncomplete  = errors.New("gallery: ownership scan did not reach account balance")
	ErrTaskInFlight         = errors.New("gallery: another transaction is in flight")
	ErrInvalidTransition    = errors.New("gallery: invalid task transition")
	ErrNotTerminal          = errors.New("gallery: task has not finished")
)

// chainError wraps a client failure so that errors.Is(err, ErrChainUnavailable)
// holds while the underlying cause stays reachable.
func chainError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrChainUnavailable, op, err)
}

// ValidationError is a pre-flight rejection of a mint or transfer request.
// No transaction is attempted when one is returned.
type ValidationError struct {
	Kind   TaskKind
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("gallery: %s rejected: %s", e.Kind, e.Reason)
}

func invalid(kind TaskKind, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// FailureReason classifies why a transaction failed.
type FailureReason string

const (
	ReasonNone              FailureReason = ""
	ReasonInsufficientFunds FailureReason = "insufficient_funds"
	ReasonUserRejected      FailureReason = "user_rejected"
	ReasonNetworkMismatch   FailureReason = "network_mismatch"
	ReasonUnknown           FailureReason = "unknown"
)

// Message returns the user-facing text for a reason.
func (r FailureReason) Message() string {
	switch r {
	case ReasonInsufficientFunds:
		return "Insufficient funds to complete the transaction"
	case ReasonUserRejected:
		return "Transaction was rejected by the user"
	case ReasonNetworkMismatch:
		return "Wallet is connected to a different network"
	case ReasonUnknown:
		return "Transaction failed"
	default:
		return ""
	}
}

// Informational reports whether the failure is the user's own choice and
// should not be presented as an error.
func (r FailureReason) Informational() bool {
	return r == ReasonUserRejected
}

var reasonPatterns = []struct {
	reason   FailureReason
	patterns []string
}{
	{ReasonInsufficientFunds, []string{"insufficient funds", "insufficient balance"}},
	{ReasonUserRejected, []string{"user rejected", "user denied", "rejected by user"}},
	{ReasonNetworkMismatch, []string{"invalid chain id", "chain id mismatch", "network mismatch", "wrong network", "does not match the target chain"}},
}

// ClassifyFailure maps an underlying failure message onto a FailureReason.
func ClassifyFailure(err error) FailureReason {
	if err == nil {
		return ReasonNone
	}
	msg := strings.ToLower(err.Error())
	for _, rp := range reasonPatterns {
		for _, p := range rp.patterns {
			if strings.Contains(msg, p) {
				return rp.reason
			}
		}
	}
	return ReasonUnknown
}

// TxError is returned by the controller when a task ends in Failed.
type TxError struct {
	Reason FailureReason
	Err    error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("gallery: transaction failed (%s): %v", e.Reason, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }
