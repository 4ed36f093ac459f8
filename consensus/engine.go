// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package consensus fixes the surface replication.State needs from a
// replicated log: propose a byte buffer, get it applied in identical order
// on every replica, checkpoint, and answer status queries. The algorithm
// behind Engine (leader election, log matching) is out of scope per
// spec.md §1 — consensus/raftengine supplies the only concrete
// implementation, built on github.com/hashicorp/raft.
package consensus

import (
	"context"
	"io"
	"time"
)

// PeerID identifies one node in the cluster.
type PeerID string

// NodeState mirrors the small state enum a Raft-like engine exposes.
type NodeState int

const (
	StateFollower NodeState = iota
	StateCandidate
	StateLeader
	StateShutdown
)

func (s NodeState) String() string {
	switch s {
	case StateFollower:
		return "follower"
	case StateCandidate:
		return "candidate"
	case StateLeader:
		return "leader"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Status is the snapshot of node/log progress spec.md §6 requires for
// catch-up and health computations.
type Status struct {
	Term            uint64
	LastIndex       uint64
	CommittedIndex  uint64
	KnownAppliedIdx uint64
	ApplyingIndex   uint64
	State           NodeState
	PendingQueue    int
}

// Entry is one committed log entry handed to the StateMachine.
type Entry struct {
	Index uint64
	Term  uint64
	Data  []byte
}

// StateMachine is implemented by replication.State and invoked by Engine
// once per committed entry, in log order, on a single thread — the "apply
// thread" of spec.md §5.
type StateMachine interface {
	Apply(entry Entry)
}

// SnapshotSink is where Engine writes the byte stream produced by
// StateMachine when asked to snapshot; SnapshotSource is where it reads one
// back from on load.
type SnapshotSink = io.WriteCloser
type SnapshotSource = io.ReadCloser

// PeerConfig lists the voting members for ChangePeers/ResetPeers.
type PeerConfig struct {
	Peers []PeerID
}

// Engine is the opaque consensus collaborator. Implementations need not be
// safe for the StateMachine to call back into synchronously from Apply;
// callers serialize all Apply invocations themselves per spec.md §5.
type Engine interface {
	// Init starts the engine against the given state machine.
	Init(ctx context.Context, sm StateMachine) error

	// Propose submits data to the log. expectedTerm, when non-zero, aborts
	// the proposal if the engine's term has moved on (stale-leader ABA
	// guard per spec.md §4.2 step 7). It blocks until the entry is
	// committed and returns it, or returns an error — immediately if this
	// node is not the leader.
	Propose(ctx context.Context, data []byte, expectedTerm uint64) (Entry, error)

	// SnapshotSave asks the engine to write a snapshot, using sink as the
	// destination for the StateMachine-provided payload.
	SnapshotSave(sink SnapshotSink, payload []byte) error

	// SnapshotLoad restores the engine (and state machine) from a
	// previously written snapshot.
	SnapshotLoad(source SnapshotSource) (payload []byte, err error)

	// ChangePeers reconfigures cluster membership via the normal
	// configuration-change path (leader only).
	ChangePeers(ctx context.Context, cfg PeerConfig) error

	// ResetPeers force-overwrites membership without going through
	// consensus. Documented as unsafe for multi-node use per spec.md §4.2.
	ResetPeers(cfg PeerConfig) error

	// Vote forces an election, waiting up to timeout for the result.
	Vote(timeout time.Duration) error

	IsLeader() bool
	LeaderID() PeerID
	Status() Status

	// Shutdown stops the engine; on-done style callers should follow with
	// Join to block until background goroutines exit.
	Shutdown(ctx context.Context) error
	Join() error
}
