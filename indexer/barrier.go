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

package indexer

import "sync"

// importBarrier implements the "waiting_on_ids" rule from spec.md §4.1: a
// document-import request referencing collection B will not execute on its
// own worker until every B-import with a smaller start_ts has finished.
// This is only consulted during log replay — during live operation,
// references are already satisfied by creation ordering (a collection
// can't be referenced before it exists).
type importBarrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending map[string]map[int64]struct{}
}

func newImportBarrier() *importBarrier {
	b := &importBarrier{pending: make(map[string]map[int64]struct{})}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// register records that an import into collection at startTS is pending
// replay. Call this once, up front, while building the replay barrier set.
func (b *importBarrier) register(collection string, startTS int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.pending[collection]
	if !ok {
		set = make(map[int64]struct{})
		b.pending[collection] = set
	}
	set[startTS] = struct{}{}
}

// complete marks an import as drained and wakes any waiters.
func (b *importBarrier) complete(collection string, startTS int64) {
	b.mu.Lock()
	if set, ok := b.pending[collection]; ok {
		delete(set, startTS)
	}
	b.mu.Unlock()
	b.cond.Broadcast()
}

// waitForDrain blocks until every registered pending import of collection
// with a start_ts smaller than beforeStartTS has completed.
func (b *importBarrier) waitForDrain(collection string, beforeStartTS int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		set, ok := b.pending[collection]
		if !ok {
			return
		}
		blocked := false
		for ts := range set {
			if ts < beforeStartTS {
				blocked = true
				break
			}
		}
		if !blocked {
			return
		}
		b.cond.Wait()
	}
}
