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

// Package raftengine implements consensus.Engine on top of
// github.com/hashicorp/raft. The Raft algorithm itself — leader election,
// log matching, membership changes — lives entirely inside the library and
// stays out of scope per spec.md §1; this file is just the adapter that
// lets replication.State talk to it through the narrow consensus.Engine
// surface.
package raftengine

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hashicorp/raft"

	"github.com/nimbus-labs/searchcore/consensus"
)

// Options configures a new Engine.
type Options struct {
	LocalID         consensus.PeerID
	BindAddr        string // host:port this node's Raft transport listens on
	DataDir         string // directory for the file snapshot store
	SnapshotRetain  int
	ElectionTimeout time.Duration
	Bootstrap       bool // true to bootstrap a brand-new single/multi-node cluster
	Peers           []consensus.PeerID
}

// Engine adapts *raft.Raft to consensus.Engine.
type Engine struct {
	opts  Options
	raft  *raft.Raft
	fsm   *fsmAdapter
	trans *raft.NetworkTransport
}

// New constructs an Engine without starting it; call Init to start.
func New(opts Options) *Engine {
	if opts.SnapshotRetain <= 0 {
		opts.SnapshotRetain = 2
	}
	if opts.ElectionTimeout <= 0 {
		opts.ElectionTimeout = time.Second
	}
	return &Engine{opts: opts}
}

type fsmAdapter struct {
	sm consensus.StateMachine
	// snapshotFn produces the state machine's serialized state for
	// FSMSnapshot.Persist; restoreFn loads it back on FSM.Restore. Both are
	// supplied through InitWithHooks.
	snapshotFn func() ([]byte, error)
	restoreFn  func(data []byte) error
}

func (f *fsmAdapter) Apply(l *raft.Log) interface{} {
	f.sm.Apply(consensus.Entry{Index: l.Index, Term: l.Term, Data: l.Data})
	return nil
}

func (f *fsmAdapter) Snapshot() (raft.FSMSnapshot, error) {
	data, err := f.snapshotFn()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: data}, nil
}

func (f *fsmAdapter) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("raftengine: read snapshot: %w", err)
	}
	return f.restoreFn(data)
}

type fsmSnapshot struct{ data []byte }

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

// Init starts the Raft node against sm with no-op snapshot hooks.
// snapshotFn/restoreFn are supplied separately from consensus.Engine's
// interface (via InitWithHooks) because hashicorp/raft calls FSM.Snapshot
// asynchronously, off of any explicit SnapshotSave invocation. The hooks
// back only the library's own snapshotting; SnapshotSave/SnapshotLoad copy
// a caller-supplied payload to/from a sink/source and do not call them.
func (e *Engine) Init(ctx context.Context, sm consensus.StateMachine) error {
	return e.InitWithHooks(ctx, sm, func() ([]byte, error) { return nil, nil }, func([]byte) error { return nil })
}

// InitWithHooks is Init plus the serialize/restore payload hooks that back
// FSM.Snapshot/FSM.Restore. replication.State supplies these as
// BatchedIndexer.SerializeState / LoadState.
func (e *Engine) InitWithHooks(ctx context.Context, sm consensus.StateMachine, snapshotFn func() ([]byte, error), restoreFn func([]byte) error) error {
	e.fsm = &fsmAdapter{sm: sm, snapshotFn: snapshotFn, restoreFn: restoreFn}

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(e.opts.LocalID)
	cfg.ElectionTimeout = e.opts.ElectionTimeout
	cfg.HeartbeatTimeout = e.opts.ElectionTimeout
	cfg.LeaderLeaseTimeout = e.opts.ElectionTimeout / 2

	addr, err := net.ResolveTCPAddr("tcp", e.opts.BindAddr)
	if err != nil {
		return fmt.Errorf("raftengine: resolve bind addr: %w", err)
	}
	trans, err := raft.NewTCPTransport(e.opts.BindAddr, addr, 3, 10*time.Second, io.Discard)
	if err != nil {
		return fmt.Errorf("raftengine: tcp transport: %w", err)
	}
	e.trans = trans

	snaps, err := raft.NewFileSnapshotStore(e.opts.DataDir, e.opts.SnapshotRetain, io.Discard)
	if err != nil {
		return fmt.Errorf("raftengine: snapshot store: %w", err)
	}

	// The consensus log's own durability is the engine's internal concern
	// (opaque per spec.md §1); an in-memory log/stable store is sufficient
	// here because every mutation that must survive a crash is already
	// persisted by BatchedIndexer to the WAL before it is ever applied.
	logs := raft.NewInmemStore()
	stable := raft.NewInmemStore()

	r, err := raft.NewRaft(cfg, e.fsm, logs, stable, snaps, trans)
	if err != nil {
		return fmt.Errorf("raftengine: new raft: %w", err)
	}
	e.raft = r

	if e.opts.Bootstrap {
		servers := make([]raft.Server, 0, len(e.opts.Peers)+1)
		seen := map[consensus.PeerID]bool{e.opts.LocalID: true}
		servers = append(servers, raft.Server{ID: cfg.LocalID, Address: raft.ServerAddress(e.opts.BindAddr)})
		for _, p := range e.opts.Peers {
			if seen[p] {
				continue
			}
			seen[p] = true
			servers = append(servers, raft.Server{ID: raft.ServerID(p), Address: raft.ServerAddress(p)})
		}
		f := r.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := f.Error(); err != nil && err != raft.ErrCantBootstrap {
			return fmt.Errorf("raftengine: bootstrap: %w", err)
		}
	}
	return nil
}

func (e *Engine) Propose(ctx context.Context, data []byte, expectedTerm uint64) (consensus.Entry, error) {
	if expectedTerm != 0 {
		if cur := e.raft.Stats()["term"]; cur != "" {
			var term uint64
			fmt.Sscanf(cur, "%d", &term)
			if term != expectedTerm {
				return consensus.Entry{}, fmt.Errorf("raftengine: stale leader term: expected %d, have %d", expectedTerm, term)
			}
		}
	}
	timeout := 10 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 && d < timeout {
			timeout = d
		}
	}
	f := e.raft.Apply(data, timeout)
	if err := f.Error(); err != nil {
		return consensus.Entry{}, fmt.Errorf("raftengine: apply: %w", err)
	}
	return consensus.Entry{Index: f.Index(), Term: 0, Data: data}, nil
}

func (e *Engine) SnapshotSave(sink consensus.SnapshotSink, payload []byte) error {
	defer sink.Close()
	_, err := sink.Write(payload)
	return err
}

func (e *Engine) SnapshotLoad(source consensus.SnapshotSource) ([]byte, error) {
	defer source.Close()
	return io.ReadAll(source)
}

func (e *Engine) ChangePeers(ctx context.Context, cfg consensus.PeerConfig) error {
	if !e.IsLeader() {
		return fmt.Errorf("raftengine: change peers requires leadership")
	}
	confFuture := e.raft.GetConfiguration()
	if err := confFuture.Error(); err != nil {
		return fmt.Errorf("raftengine: get configuration: %w", err)
	}
	existing := map[raft.ServerID]bool{}
	for _, srv := range confFuture.Configuration().Servers {
		existing[srv.ID] = true
	}
	wanted := map[raft.ServerID]bool{}
	for _, p := range cfg.Peers {
		wanted[raft.ServerID(p)] = true
		if !existing[raft.ServerID(p)] {
			if err := e.raft.AddVoter(raft.ServerID(p), raft.ServerAddress(p), 0, 10*time.Second).Error(); err != nil {
				return fmt.Errorf("raftengine: add voter %s: %w", p, err)
			}
		}
	}
	for id := range existing {
		if !wanted[id] {
			if err := e.raft.RemoveServer(id, 0, 10*time.Second).Error(); err != nil {
				return fmt.Errorf("raftengine: remove server %s: %w", id, err)
			}
		}
	}
	return nil
}

// ResetPeers force-overwrites the membership configuration without going
// through the normal log-replicated path. spec.md §4.2 documents this as
// unsafe for multi-node clusters — callers should only reach it on a
// leaderless single-node recovery or after repeated ChangePeers failures.
func (e *Engine) ResetPeers(cfg consensus.PeerConfig) error {
	servers := make([]raft.Server, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		servers = append(servers, raft.Server{ID: raft.ServerID(p), Address: raft.ServerAddress(p)})
	}
	return raft.RecoverCluster(e.raftConfig(), e.fsm, raft.NewInmemStore(), raft.NewInmemStore(), mustSnapshotStore(e.opts), e.trans, raft.Configuration{Servers: servers})
}

func (e *Engine) raftConfig() *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(e.opts.LocalID)
	return cfg
}

func mustSnapshotStore(opts Options) raft.SnapshotStore {
	s, err := raft.NewFileSnapshotStore(opts.DataDir, opts.SnapshotRetain, io.Discard)
	if err != nil {
		panic(err)
	}
	return s
}

// Vote does not start an election: it asks hashicorp/raft to verify that
// this node is still the leader and returns that result. timeout is not
// used.
func (e *Engine) Vote(timeout time.Duration) error {
	return e.raft.VerifyLeader().Error()
}

func (e *Engine) IsLeader() bool {
	return e.raft.State() == raft.Leader
}

func (e *Engine) LeaderID() consensus.PeerID {
	_, id := e.raft.LeaderWithID()
	return consensus.PeerID(id)
}

func (e *Engine) Status() consensus.Status {
	stats := e.raft.Stats()
	var term, lastLogIdx, commitIdx, appliedIdx uint64
	fmt.Sscanf(stats["term"], "%d", &term)
	fmt.Sscanf(stats["last_log_index"], "%d", &lastLogIdx)
	fmt.Sscanf(stats["commit_index"], "%d", &commitIdx)
	fmt.Sscanf(stats["applied_index"], "%d", &appliedIdx)

	var state consensus.NodeState
	switch e.raft.State() {
	case raft.Follower:
		state = consensus.StateFollower
	case raft.Candidate:
		state = consensus.StateCandidate
	case raft.Leader:
		state = consensus.StateLeader
	case raft.Shutdown:
		state = consensus.StateShutdown
	}

	return consensus.Status{
		Term:            term,
		LastIndex:       lastLogIdx,
		CommittedIndex:  commitIdx,
		KnownAppliedIdx: appliedIdx,
		ApplyingIndex:   appliedIdx,
		State:           state,
	}
}

func (e *Engine) Shutdown(ctx context.Context) error {
	return e.raft.Shutdown().Error()
}

func (e *Engine) Join() error {
	return nil
}

var _ consensus.Engine = (*Engine)(nil)
