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
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nimbus-labs/searchcore/kvstore"
)

// ResourceChecker is the narrow slice of resource.Monitor the indexer
// needs: nil on healthy, or an apperror.ResourceExhausted-classed error.
type ResourceChecker interface {
	Check() error
}

// Config holds the tunables spec.md §3/§4.1 leaves to the operator.
type Config struct {
	NumWorkers    int
	GCInterval    time.Duration
	GCPruneMaxAge time.Duration
	SkipWrites    bool
}

func (c Config) withDefaults() Config {
	if c.NumWorkers <= 0 {
		c.NumWorkers = 4
	}
	if c.GCInterval <= 0 {
		c.GCInterval = time.Minute
	}
	if c.GCPruneMaxAge <= 0 {
		c.GCPruneMaxAge = time.Hour
	}
	return c
}

// BatchedIndexer is the durable, collection-sharded request pipeline from
// spec.md §4.1.
type BatchedIndexer struct {
	cfg      Config
	kv       kvstore.Store
	routes   RouteTable
	dispatch ResponseDispatcher
	resource ResourceChecker
	log      *zap.Logger

	queues []*workerQueue

	inflight sync.Map // int64(start_ts) -> *inFlightRequest

	queuedWrites atomic.Int64

	pauseMu sync.RWMutex

	skipMu      sync.Mutex
	skipIndices map[uint64]struct{}

	applyingIndex atomic.Uint64

	skipWrites atomic.Bool

	barrier *importBarrier

	refMu    sync.Mutex
	collRefs map[string][]string // referencing collection -> collections its schema references

	stopGC            chan struct{}
	gcWG              sync.WaitGroup
	stuckStreak       int
	lastInflightCount int
}

// New constructs a BatchedIndexer. Call Start to launch its worker pool and
// GC loop.
func New(cfg Config, kv kvstore.Store, routes RouteTable, dispatch ResponseDispatcher, resource ResourceChecker, log *zap.Logger) *BatchedIndexer {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	b := &BatchedIndexer{
		cfg:         cfg,
		kv:          kv,
		routes:      routes,
		dispatch:    dispatch,
		resource:    resource,
		log:         log,
		skipIndices: make(map[uint64]struct{}),
		barrier:     newImportBarrier(),
		collRefs:    make(map[string][]string),
		stopGC:      make(chan struct{}),
	}
	b.skipWrites.Store(cfg.SkipWrites)
	b.queues = make([]*workerQueue, cfg.NumWorkers)
	for i := range b.queues {
		b.queues[i] = newWorkerQueue()
	}
	return b
}

// Start launches one goroutine per worker shard plus the GC loop.
func (b *BatchedIndexer) Start() {
	for i := range b.queues {
		go b.runWorker(i)
	}
	b.gcWG.Add(1)
	go func() {
		defer b.gcWG.Done()
		b.runGCLoop()
	}()
}

// Stop closes every worker queue and waits for the GC loop to exit. Worker
// goroutines themselves drain their queue and exit once it is both closed
// and empty.
func (b *BatchedIndexer) Stop() {
	close(b.stopGC)
	for _, q := range b.queues {
		q.close()
	}
	b.gcWG.Wait()
}

// PauseMutex is the shared/exclusive lock snapshot code uses to quiesce
// workers (spec.md §4.1's pause_mutex).
func (b *BatchedIndexer) PauseMutex() *sync.RWMutex { return &b.pauseMu }

// QueuedWrites returns the current count of apply-pending chunks.
func (b *BatchedIndexer) QueuedWrites() int64 { return b.queuedWrites.Load() }

// SetSkipWrites toggles the operator "skip_writes" escape hatch (spec.md §7).
func (b *BatchedIndexer) SetSkipWrites(v bool) { b.skipWrites.Store(v) }

// Enqueue is called on the consensus apply thread only, per spec.md §4.1.
// It must never block on indexing work: it persists the chunk, updates the
// in-flight map, and — if this is the last chunk — pushes the completed
// request onto its collection's worker queue.
func (b *BatchedIndexer) Enqueue(req *Request, res *Response) {
	chunkIndex := 0
	v, loaded := b.inflight.Load(req.StartTS)
	var f *inFlightRequest
	if loaded {
		f = v.(*inFlightRequest)
		chunkIndex = int(f.nextChunkIndex.Load())
	} else {
		f = newInFlight(req.StartTS, req.Collection)
		f.req = req
		f.res = res
		actual, wasLoaded := b.inflight.LoadOrStore(req.StartTS, f)
		if wasLoaded {
			f = actual.(*inFlightRequest)
			chunkIndex = int(f.nextChunkIndex.Load())
		}
	}
	f.touch()
	f.numChunks.Add(1)

	rec := chunkRecord{
		StartTS:     req.StartTS,
		RouteHash:   req.RouteHash,
		HTTPMethod:  req.Method,
		Path:        req.Path,
		Params:      req.Params,
		BodyChunk:   req.Body,
		IsLastChunk: req.LastChunkAggregate,
		ChunkIndex:  chunkIndex,
		LogIndex:    req.LogIndex,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		b.log.Error("indexer: marshal chunk failed, skipping", zap.Error(err), zap.Int64("start_ts", req.StartTS))
		return
	}
	if _, err := b.kv.Insert(walKey(req.StartTS, chunkIndex), data); err != nil {
		b.log.Error("indexer: persist chunk failed, skipping", zap.Error(err), zap.Int64("start_ts", req.StartTS))
		return
	}
	b.queuedWrites.Add(1)
	f.nextChunkIndex.Add(1)

	if req.LastChunkAggregate {
		entry, found := b.routes.Resolve(req.Method, req.Path)
		if found && entry.IsCreateCollection && req.Collection == "" {
			if name := collectionNameFromBody(req.Body); name != "" {
				req.Collection = name
				f.collection = name
			}
		}

		f.isComplete.Store(true)
		worker := workerFor(req.Collection, len(b.queues))
		b.queues[worker].push(req.StartTS)

		// Only log-replay/follower-apply traffic needs the reference map:
		// a live client's own creation-before-import ordering already
		// satisfies spec.md §4.1's guarantee without it.
		if found && entry.IsCreateCollection && !res.IsAlive {
			if refs := referencedCollections(req.Body); len(refs) > 0 {
				b.setCollectionReferences(req.Collection, refs)
			}
		}
	}
}

// setCollectionReferences records that collection's schema references
// refs — consulted by the replay barrier so an import into collection
// waits on imports into every collection it references, per spec.md §8
// scenario 4.
func (b *BatchedIndexer) setCollectionReferences(collection string, refs []string) {
	b.refMu.Lock()
	b.collRefs[collection] = refs
	b.refMu.Unlock()
}

// referencesFor returns the collections collection's schema references, or
// nil if none were recorded.
func (b *BatchedIndexer) referencesFor(collection string) []string {
	b.refMu.Lock()
	defer b.refMu.Unlock()
	return b.collRefs[collection]
}

// clearCollectionReferences drops a collection's recorded references once
// its barrier wait has drained, mirroring
// original_source/src/batched_indexer.cpp's coll_to_references.erase.
func (b *BatchedIndexer) clearCollectionReferences(collection string) {
	b.refMu.Lock()
	delete(b.collRefs, collection)
	b.refMu.Unlock()
}

// PersistApplyingIndex writes the currently-applying log_index to the meta
// store before any operation that may crash, per spec.md §4.1.
func (b *BatchedIndexer) PersistApplyingIndex(logIndex uint64) error {
	b.applyingIndex.Store(logIndex)
	_, err := b.kv.Insert(skipIndexKey(logIndex), []byte{1})
	return err
}

// ClearSkipIndices is called during snapshot save after the meta store is
// flushed, per spec.md §4.1.
func (b *BatchedIndexer) ClearSkipIndices() error {
	if err := b.kv.DeleteRange([]byte(skipIndexPrefix), []byte(skipIndexPrefix+"\xff")); err != nil {
		return err
	}
	b.skipMu.Lock()
	b.skipIndices = make(map[uint64]struct{})
	b.skipMu.Unlock()
	return nil
}

// AddSkipIndex records a log index known to have crashed the apply loop;
// entries at that index are skipped on next apply. Only indices added here
// are consulted: the keys PersistApplyingIndex writes to the KV store are
// not read back into this set.
func (b *BatchedIndexer) AddSkipIndex(logIndex uint64) {
	b.skipMu.Lock()
	b.skipIndices[logIndex] = struct{}{}
	b.skipMu.Unlock()
}

func (b *BatchedIndexer) shouldSkip(logIndex uint64) bool {
	b.skipMu.Lock()
	defer b.skipMu.Unlock()
	_, ok := b.skipIndices[logIndex]
	return ok
}

// indexerState is the JSON shape persisted/restored by
// SerializeState/LoadState — spec.md §4.1's snapshot support.
type indexerState struct {
	Completed []completedEntry `json:"completed"`
}

type completedEntry struct {
	StartTS        int64  `json:"start_ts"`
	Collection     string `json:"collection"`
	NextChunkIndex int32  `json:"next_chunk_index"`
	IsImport       bool   `json:"is_import"`
}

// SerializeState snapshots in-flight, completed-but-unapplied requests.
// The external pause-mutex must be held exclusive by the caller.
func (b *BatchedIndexer) SerializeState() ([]byte, error) {
	var state indexerState
	b.inflight.Range(func(key, value any) bool {
		f := value.(*inFlightRequest)
		if f.isComplete.Load() {
			startTS := key.(int64)
			entry := completedEntry{
				StartTS:        startTS,
				Collection:     f.collection,
				NextChunkIndex: f.nextChunkIndex.Load(),
			}
			// The WAL chunks already durably carry the route's method and
			// path; resolve the route once here so LoadState knows which
			// completed entries the replay barrier must track, rather than
			// guessing from the collection name alone.
			if rec, ok := b.reassemble(startTS); ok {
				if route, found := b.routes.Resolve(rec.HTTPMethod, rec.Path); found {
					entry.IsImport = route.IsImport
				}
			}
			state.Completed = append(state.Completed, entry)
		}
		return true
	})
	sort.Slice(state.Completed, func(i, j int) bool { return state.Completed[i].StartTS < state.Completed[j].StartTS })
	return json.Marshal(state)
}

// LoadState restores in-flight state from a snapshot, re-enqueuing
// completed requests onto their worker queues in original start_ts order
// before worker threads are signaled (spec.md §4.1).
func (b *BatchedIndexer) LoadState(data []byte) error {
	var state indexerState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("indexer: load state: %w", err)
	}
	sort.Slice(state.Completed, func(i, j int) bool { return state.Completed[i].StartTS < state.Completed[j].StartTS })

	byWorker := make(map[int][]int64)
	for _, e := range state.Completed {
		f := newInFlight(e.StartTS, e.Collection)
		f.isComplete.Store(true)
		f.nextChunkIndex.Store(e.NextChunkIndex)
		b.inflight.Store(e.StartTS, f)

		w := workerFor(e.Collection, len(b.queues))
		byWorker[w] = append(byWorker[w], e.StartTS)

		if e.IsImport {
			b.barrier.register(e.Collection, e.StartTS)
		}
	}
	for w, items := range byWorker {
		b.queues[w].pushMany(items)
	}
	return nil
}
