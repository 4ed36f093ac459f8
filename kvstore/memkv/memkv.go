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

// Package memkv is an in-memory kvstore.Store: a plain map guarded by a
// sync.RWMutex, where reads take the shared lock and every mutation takes
// the exclusive one. Used by package tests and by
// single-process demos; it has no durability.
package memkv

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nimbus-labs/searchcore/kvstore"
)

// Store is an in-memory, sorted implementation of kvstore.Store.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
	seq  atomic.Uint64
	dir  string
}

// New creates an empty in-memory store. dir is cosmetic — memkv has no
// on-disk footprint — but is returned from StateDirPath so code paths that
// log it behave the same as with boltkv.
func New(dir string) *Store {
	return &Store{data: make(map[string][]byte), dir: dir}
}

func (s *Store) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[string(key)]
	if !ok {
		return nil, kvstore.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Store) Insert(key, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.data[string(key)]
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[string(key)] = cp
	s.seq.Add(1)
	return existed, nil
}

func (s *Store) Remove(key []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.data[string(key)]
	delete(s.data, string(key))
	if existed {
		s.seq.Add(1)
	}
	return existed, nil
}

func (s *Store) sortedKeys() []string {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) Scan(lo, hi []byte, fn func(key, value []byte) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.sortedKeys() {
		kb := []byte(k)
		if bytes.Compare(kb, lo) < 0 {
			continue
		}
		if hi != nil && bytes.Compare(kb, hi) >= 0 {
			break
		}
		if !fn(kb, s.data[k]) {
			break
		}
	}
	return nil
}

func (s *Store) ScanFill(lo, hi []byte) ([]kvstore.KV, error) {
	var out []kvstore.KV
	err := s.Scan(lo, hi, func(k, v []byte) bool {
		kc := make([]byte, len(k))
		copy(kc, k)
		vc := make([]byte, len(v))
		copy(vc, v)
		out = append(out, kvstore.KV{Key: kc, Value: vc})
		return true
	})
	return out, err
}

func (s *Store) DeleteRange(lo, hi []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.sortedKeys() {
		kb := []byte(k)
		if bytes.Compare(kb, lo) < 0 {
			continue
		}
		if hi != nil && bytes.Compare(kb, hi) >= 0 {
			break
		}
		delete(s.data, k)
		s.seq.Add(1)
	}
	return nil
}

func (s *Store) Increment(key []byte, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := decodeInt64(s.data[string(key)])
	cur += delta
	s.data[string(key)] = encodeInt64(cur)
	s.seq.Add(1)
	return cur, nil
}

func (s *Store) CreateCheckpoint(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(map[string][]byte, len(s.data))
	for k, v := range s.data {
		cp := make([]byte, len(v))
		copy(cp, v)
		snap[k] = cp
	}
	checkpoints.Store(path, snap)
	return nil
}

func (s *Store) Reload(fromPath string) (int, error) {
	v, ok := checkpoints.Load(fromPath)
	if !ok {
		return 0, nil
	}
	snap := v.(map[string][]byte)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string][]byte, len(snap))
	for k, val := range snap {
		s.data[k] = val
	}
	return len(s.data), nil
}

func (s *Store) Flush() error { return nil }

func (s *Store) StateDirPath() string { return s.dir }

func (s *Store) LatestSeqNumber() uint64 { return s.seq.Load() }

func (s *Store) Close() error { return nil }

// checkpoints is a process-global registry of named snapshots, standing in
// for the filesystem CreateCheckpoint/Reload round trip boltkv does for
// real. Keyed by path.
var checkpoints sync.Map

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	u := uint64(v)
	for i := 7; i >= 0; i-- {
		b[i] = byte(u)
		u >>= 8
	}
	return b
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	var u uint64
	for i := 0; i < 8; i++ {
		u = u<<8 | uint64(b[i])
	}
	return int64(u)
}
