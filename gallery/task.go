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
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// TaskKind is the mutating operation a task performs.
type TaskKind uint8

const (
	KindMint TaskKind = iota + 1
	KindTransfer
)

func (k TaskKind) String() string {
	switch k {
	case KindMint:
		return "mint"
	case KindTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (k TaskKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// TaskStatus is a state of the transaction lifecycle.
type TaskStatus uint8

const (
	StatusIdle TaskStatus = iota
	StatusValidating
	StatusAwaitingSignature
	StatusSubmitted
	StatusConfirming
	StatusSucceeded
	StatusFailed
)

func (s TaskStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusValidating:
		return "validating"
	case StatusAwaitingSignature:
		return "awaiting_signature"
	case StatusSubmitted:
		return "submitted"
	case StatusConfirming:
		return "confirming"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// MarshalText encodes the status by name.
func (s TaskStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether the status ends a task.
func (s TaskStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// transitions is the lifecycle edge table. Validating→Idle is taken when
// pre-flight validation rejects the request.
var transitions = map[TaskStatus][]TaskStatus{
	StatusIdle:              {StatusValidating},
	StatusValidating:        {StatusAwaitingSignature, StatusIdle},
	StatusAwaitingSignature: {StatusSubmitted, StatusFailed},
	StatusSubmitted:         {StatusConfirming},
	StatusConfirming:        {StatusSucceeded, StatusFailed},
	StatusSucceeded:         {StatusIdle},
	StatusFailed:            {StatusIdle},
}

// CanTransition reports whether from→to is an edge of the lifecycle.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task is a mint or transfer moving through the lifecycle.
type Task struct {
	ID           uuid.UUID       `json:"id"`
	Kind         TaskKind        `json:"kind"`
	TokenID      *uint64         `json:"tokenId,omitempty"` // unset for a mint until confirmed
	Counterparty *common.Address `json:"counterparty,omitempty"`
	Status       TaskStatus      `json:"status"`
	Reason       FailureReason   `json:"reason,omitempty"`
	Err          string          `json:"error,omitempty"`
	TxHash       common.Hash     `json:"txHash"`
	ExplorerURL  string          `json:"explorerUrl,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Copy returns a deep copy of the task.
func (t Task) Copy() Task {
	cpy := t
	if t.TokenID != nil {
		id := *t.TokenID
		cpy.TokenID = &id
	}
	if t.Counterparty != nil {
		addr := *t.Counterparty
		cpy.Counterparty = &addr
	}
	return cpy
}
