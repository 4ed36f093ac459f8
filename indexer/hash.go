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

import "hash/maphash"

// shardSeed is fixed for the process lifetime so the same collection name
// always maps to the same worker — the sharding only needs to be stable
// within one running node, not across restarts or nodes (every replica
// computes it independently and reaches the same document-level result
// because CollectionStore state, not worker assignment, is what's
// replicated).
var shardSeed = maphash.MakeSeed()

// hashCollection implements spec.md §4.1's hash_wy(collection_name); the
// original uses a Wy-style string hash purely to pick a worker shard, a
// property maphash.String gives us directly without importing a dedicated
// hashing library — this is a pure local sharding decision, not a
// rebalance-sensitive one (see DESIGN.md's note on why go-rendezvous,
// present only transitively in the teacher's dependency graph, doesn't
// apply here: num_workers is fixed for the process lifetime).
func hashCollection(collection string) uint64 {
	return maphash.String(shardSeed, collection)
}

// workerFor returns the worker index for collection given numWorkers workers.
func workerFor(collection string, numWorkers int) int {
	if numWorkers <= 0 {
		return 0
	}
	return int(hashCollection(collection) % uint64(numWorkers))
}
