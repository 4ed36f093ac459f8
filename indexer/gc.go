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

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// stuckStreakThreshold is the number of consecutive GC cycles an in-flight
// set has to stay unchanged in size before it's logged as a diagnostic —
// spec.md §4.1 describes this as purely informational, with no automated
// recovery action taken on its own.
const stuckStreakThreshold = 3

// runGCLoop prunes in-flight entries that have sat idle past
// cfg.GCPruneMaxAge and logs a diagnostic when the in-flight set looks
// stuck across several consecutive cycles. Grounded on the teacher's
// eviction ticker in internal/ratelimiter/core/worker.go, generalized from
// TTL-bucket eviction to an idle-age prune plus a stuck-set diagnostic.
func (b *BatchedIndexer) runGCLoop() {
	ticker := time.NewTicker(b.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			b.gcTick()
		}
	}
}

type stuckEntry struct {
	startTS int64
	idle    time.Duration
}

func (b *BatchedIndexer) gcTick() {
	now := time.Now()
	maxAge := b.cfg.GCPruneMaxAge

	var stuck []stuckEntry
	count := 0
	b.inflight.Range(func(key, value any) bool {
		count++
		startTS := key.(int64)
		f := value.(*inFlightRequest)
		idle := now.Sub(time.Unix(0, f.lastUpdated.Load()))
		if idle > maxAge {
			b.pruneStale(startTS, f)
			return true
		}
		stuck = append(stuck, stuckEntry{startTS: startTS, idle: idle})
		return true
	})

	if count > 0 && count == b.lastInflightCount {
		b.stuckStreak++
	} else {
		b.stuckStreak = 0
	}
	b.lastInflightCount = count

	if b.stuckStreak >= stuckStreakThreshold && len(stuck) > 0 {
		sort.Slice(stuck, func(i, j int) bool { return stuck[i].idle > stuck[j].idle })
		top := stuck
		if len(top) > 5 {
			top = top[:5]
		}
		fields := make([]zap.Field, 0, len(top)+1)
		fields = append(fields, zap.Int("inflight_count", count))
		for i, s := range top {
			fields = append(fields,
				zap.Int64(fmt.Sprintf("start_ts_%d", i), s.startTS),
				zap.Duration(fmt.Sprintf("idle_%d", i), s.idle),
			)
		}
		b.log.Warn("indexer: in-flight set appears stuck", fields...)
	}
}

// pruneStale retires a request that has been sitting incomplete (or
// complete-but-unapplied) for too long, emitting a terminal timeout
// response if the client is still attached.
func (b *BatchedIndexer) pruneStale(startTS int64, f *inFlightRequest) {
	b.log.Warn("indexer: pruning stale in-flight request", zap.Int64("start_ts", startTS), zap.String("collection", f.collection))
	b.finalize(f, 408, []byte(`{"message":"request timed out waiting to be applied"}`))

	lo, hi := walRangeFor(startTS)
	if err := b.kv.DeleteRange(lo, hi); err != nil {
		b.log.Warn("indexer: delete stale WAL range failed", zap.Error(err), zap.Int64("start_ts", startTS))
	}
	b.inflight.Delete(startTS)

	// Safe even if this request was never registered with the barrier:
	// complete is a no-op on an absent (collection, start_ts) pair.
	b.barrier.complete(f.collection, startTS)
}
