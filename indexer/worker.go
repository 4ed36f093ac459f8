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
	"bytes"
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/nimbus-labs/searchcore/apperror"
)

// runWorker is the per-collection-shard apply loop from spec.md §4.1 steps
// a-i. Grounded on the teacher's Worker commit loop in
// internal/ratelimiter/core/worker.go, generalized from a single ticking
// commit pass to a blocking per-shard FIFO pump.
func (b *BatchedIndexer) runWorker(shard int) {
	q := b.queues[shard]
	for {
		startTS, ok := q.peek()
		if !ok {
			return
		}
		b.applyOne(startTS)
		q.pop(startTS)
	}
}

// applyOne reassembles, applies, and then retires one completed request.
func (b *BatchedIndexer) applyOne(startTS int64) {
	v, ok := b.inflight.Load(startTS)
	if !ok {
		return
	}
	f := v.(*inFlightRequest)

	rec, ok := b.reassemble(startTS)
	if !ok {
		b.retire(startTS, f, nil)
		return
	}

	if err := b.PersistApplyingIndex(rec.LogIndex); err != nil {
		b.log.Warn("indexer: persist applying index failed", zap.Error(err), zap.Int64("start_ts", startTS))
	}

	if b.shouldSkip(rec.LogIndex) {
		b.log.Warn("indexer: skipping previously-crashing log entry", zap.Uint64("log_index", rec.LogIndex), zap.Int64("start_ts", startTS))
		b.finalize(f, 500, []byte(`{"message":"skipped: recorded as unsafe to apply"}`))
		b.retire(startTS, f, rec)
		return
	}

	entry, found := b.routes.Resolve(rec.HTTPMethod, rec.Path)
	if !found {
		b.finalize(f, 404, []byte(`{"message":"no matching route"}`))
		b.retire(startTS, f, rec)
		return
	}

	if !entry.IsHealth {
		if err := b.resource.Check(); err != nil && !entry.IsDelete {
			b.finalize(f, apperror.StatusFor(err), []byte(`{"message":"`+err.Error()+`"}`))
			b.retire(startTS, f, rec)
			return
		}
	}

	if entry.IsWrite && !entry.IsConfig && b.skipWrites.Load() {
		b.finalize(f, 422, []byte(`{"message":"writes are currently disabled on this node"}`))
		b.retire(startTS, f, rec)
		return
	}

	isReplay := f.req == nil || !f.req.IsLive
	if isReplay && entry.IsImport {
		// spec.md §8 scenario 4: an import into f.collection must drain
		// every earlier-start_ts import into a collection f.collection's
		// schema references, not wait on itself (same-collection requests
		// already serialize through this one worker's FIFO queue).
		if refs := b.referencesFor(f.collection); len(refs) > 0 {
			for _, ref := range refs {
				b.barrier.waitForDrain(ref, startTS)
			}
			b.clearCollectionReferences(f.collection)
		}
	}

	req := f.req
	if req == nil {
		req = &Request{
			Method:     rec.HTTPMethod,
			Path:       rec.Path,
			Params:     rec.Params,
			StartTS:    startTS,
			Collection: f.collection,
			RouteHash:  rec.RouteHash,
			LogIndex:   rec.LogIndex,
		}
	}
	req.Body = rec.Body

	res := f.res
	if res == nil {
		res = &Response{done: make(chan struct{})}
	}

	ctx := context.Background()
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	if err := entry.Handler(ctx, req, res); err != nil {
		b.finalize(f, apperror.StatusFor(err), []byte(`{"message":"`+err.Error()+`"}`))
	} else {
		res.mu.Lock()
		already := res.Final
		res.mu.Unlock()
		if !already {
			b.finalize(f, 200, nil)
		}
	}

	if entry.IsImport {
		b.barrier.complete(f.collection, startTS)
	}
	b.retire(startTS, f, rec)
}

func (b *BatchedIndexer) finalize(f *inFlightRequest, status int, body []byte) {
	res := f.res
	if res == nil {
		return
	}
	res.Write(status, body, "application/json; charset=utf-8")
}

// retire deletes the WAL range, drops the in-flight entry, and — if the
// originating node is still alive and the client still cares — dispatches
// the final response.
func (b *BatchedIndexer) retire(startTS int64, f *inFlightRequest, rec *assembledRequest) {
	lo, hi := walRangeFor(startTS)
	if err := b.kv.DeleteRange(lo, hi); err != nil {
		b.log.Warn("indexer: delete WAL range failed", zap.Error(err), zap.Int64("start_ts", startTS))
	}
	if rec != nil {
		b.queuedWrites.Add(-int64(rec.NumChunks))
	}
	b.inflight.Delete(startTS)

	if f.res != nil && f.res.IsAlive && b.dispatch != nil {
		b.dispatch.Dispatch(f.req, f.res)
	}
}

// assembledRequest is the reconstructed, concatenated form of a completed
// request built from its ordered WAL chunks.
type assembledRequest struct {
	HTTPMethod string
	Path       string
	Params     map[string]string
	Body       []byte
	RouteHash  uint64
	LogIndex   uint64
	NumChunks  int
}

// reassemble reads every WAL chunk for startTS in chunk-index order and
// concatenates their bodies, per spec.md §4.1/§6.
func (b *BatchedIndexer) reassemble(startTS int64) (*assembledRequest, bool) {
	lo, hi := walRangeFor(startTS)
	kvs, err := b.kv.ScanFill(lo, hi)
	if err != nil || len(kvs) == 0 {
		return nil, false
	}

	var out assembledRequest
	var body bytes.Buffer
	for _, kv := range kvs {
		var rec chunkRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			continue
		}
		body.Write(rec.BodyChunk)
		out.HTTPMethod = rec.HTTPMethod
		out.Path = rec.Path
		out.Params = rec.Params
		out.RouteHash = rec.RouteHash
		out.LogIndex = rec.LogIndex
		out.NumChunks++
	}
	out.Body = body.Bytes()
	return &out, true
}
