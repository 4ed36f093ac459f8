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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nimbus-labs/searchcore/kvstore/memkv"
)

type fakeRouteTable struct {
	entries map[string]RouteEntry
}

func (t *fakeRouteTable) Resolve(method, path string) (RouteEntry, bool) {
	e, ok := t.entries[method+" "+path]
	return e, ok
}

type recordingDispatcher struct {
	mu  sync.Mutex
	got []*Response
}

func (d *recordingDispatcher) Dispatch(req *Request, res *Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, res)
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.got)
}

type alwaysOKResource struct{}

func (alwaysOKResource) Check() error { return nil }

func newTestIndexer(t *testing.T, routes *fakeRouteTable, dispatch *recordingDispatcher) (*BatchedIndexer, func()) {
	t.Helper()
	kv := memkv.New(t.TempDir())
	b := New(Config{NumWorkers: 2, GCInterval: time.Hour, GCPruneMaxAge: time.Hour}, kv, routes, dispatch, alwaysOKResource{}, zap.NewNop())
	b.Start()
	return b, b.Stop
}

func TestEnqueueAppliesHandlerAndDispatchesResponse(t *testing.T) {
	var handlerCalled bool
	var mu sync.Mutex

	routes := &fakeRouteTable{entries: map[string]RouteEntry{
		"POST /collections/books/documents": {
			Method:      "POST",
			PathPattern: "/collections/books/documents",
			IsWrite:     true,
			Handler: func(ctx context.Context, req *Request, res *Response) error {
				mu.Lock()
				handlerCalled = true
				mu.Unlock()
				res.Write(201, []byte(`{"id":"1"}`), "application/json")
				return nil
			},
		},
	}}
	dispatch := &recordingDispatcher{}
	b, stop := newTestIndexer(t, routes, dispatch)
	defer stop()

	req := &Request{
		Method:             "POST",
		Path:               "/collections/books/documents",
		Collection:         "books",
		StartTS:            time.Now().UnixNano(),
		LastChunkAggregate: true,
		Body:               []byte(`{"title":"dune"}`),
	}
	res := NewResponse()
	b.Enqueue(req, res)

	require.NoError(t, res.Wait(context.Background()))
	status, body, _ := res.Result()
	require.Equal(t, 201, status)
	require.Equal(t, `{"id":"1"}`, string(body))

	mu.Lock()
	require.True(t, handlerCalled)
	mu.Unlock()

	require.Eventually(t, func() bool { return dispatch.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestEnqueueMultiChunkReassemblesBody(t *testing.T) {
	var gotBody []byte
	var mu sync.Mutex

	routes := &fakeRouteTable{entries: map[string]RouteEntry{
		"POST /collections/books/documents/import": {
			Method:   "POST",
			IsWrite:  true,
			IsImport: true,
			Handler: func(ctx context.Context, req *Request, res *Response) error {
				mu.Lock()
				gotBody = append([]byte(nil), req.Body...)
				mu.Unlock()
				res.Write(200, []byte(`{"num_imported":2}`), "application/json")
				return nil
			},
		},
	}}
	dispatch := &recordingDispatcher{}
	b, stop := newTestIndexer(t, routes, dispatch)
	defer stop()

	startTS := time.Now().UnixNano()
	res := NewResponse()

	chunk1 := &Request{Method: "POST", Path: "/collections/books/documents/import", Collection: "books", StartTS: startTS, Body: []byte(`{"a":1}` + "\n")}
	chunk2 := &Request{Method: "POST", Path: "/collections/books/documents/import", Collection: "books", StartTS: startTS, Body: []byte(`{"b":2}` + "\n"), LastChunkAggregate: true}

	b.Enqueue(chunk1, res)
	b.Enqueue(chunk2, res)

	require.NoError(t, res.Wait(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "{\"a\":1}\n{\"b\":2}\n", string(gotBody))
}

func TestEnqueueUnknownRouteRespondsNotFound(t *testing.T) {
	routes := &fakeRouteTable{entries: map[string]RouteEntry{}}
	dispatch := &recordingDispatcher{}
	b, stop := newTestIndexer(t, routes, dispatch)
	defer stop()

	req := &Request{Method: "GET", Path: "/nonexistent", Collection: "books", StartTS: time.Now().UnixNano(), LastChunkAggregate: true}
	res := NewResponse()
	b.Enqueue(req, res)

	require.NoError(t, res.Wait(context.Background()))
	status, _, _ := res.Result()
	require.Equal(t, 404, status)
}

func TestSkipWritesBlocksWriteRoutes(t *testing.T) {
	routes := &fakeRouteTable{entries: map[string]RouteEntry{
		"POST /collections/books/documents": {
			Method:  "POST",
			IsWrite: true,
			Handler: func(ctx context.Context, req *Request, res *Response) error {
				res.Write(201, nil, "")
				return nil
			},
		},
	}}
	dispatch := &recordingDispatcher{}
	b, stop := newTestIndexer(t, routes, dispatch)
	defer stop()
	b.SetSkipWrites(true)

	req := &Request{Method: "POST", Path: "/collections/books/documents", Collection: "books", StartTS: time.Now().UnixNano(), LastChunkAggregate: true}
	res := NewResponse()
	b.Enqueue(req, res)

	require.NoError(t, res.Wait(context.Background()))
	status, _, _ := res.Result()
	require.Equal(t, 422, status)
}

func TestSerializeStateAndLoadStateRoundTrip(t *testing.T) {
	routes := &fakeRouteTable{entries: map[string]RouteEntry{}}
	dispatch := &recordingDispatcher{}
	kv := memkv.New(t.TempDir())
	b := New(Config{NumWorkers: 2}, kv, routes, dispatch, alwaysOKResource{}, zap.NewNop())

	f := newInFlight(100, "books")
	f.isComplete.Store(true)
	f.nextChunkIndex.Store(3)
	b.inflight.Store(int64(100), f)

	data, err := b.SerializeState()
	require.NoError(t, err)

	b2 := New(Config{NumWorkers: 2}, kv, routes, dispatch, alwaysOKResource{}, zap.NewNop())
	require.NoError(t, b2.LoadState(data))

	v, ok := b2.inflight.Load(int64(100))
	require.True(t, ok)
	loaded := v.(*inFlightRequest)
	require.Equal(t, "books", loaded.collection)
	require.Equal(t, int32(3), loaded.nextChunkIndex.Load())
}

func TestReplayImportWaitsForReferencedCollectionToDrain(t *testing.T) {
	var appliedOrder []string
	var mu sync.Mutex

	routes := &fakeRouteTable{entries: map[string]RouteEntry{
		"POST /collections/a/documents/import": {
			Method:   "POST",
			IsWrite:  true,
			IsImport: true,
			Handler: func(ctx context.Context, req *Request, res *Response) error {
				mu.Lock()
				appliedOrder = append(appliedOrder, "a")
				mu.Unlock()
				res.Write(200, nil, "")
				return nil
			},
		},
	}}
	dispatch := &recordingDispatcher{}
	b, stop := newTestIndexer(t, routes, dispatch)
	defer stop()

	// Simulate a collection-create request for "a" that referenced "b",
	// as recorded during an earlier replay pass, and a still-pending
	// import into "b" at start_ts 10 that the restarted barrier knows
	// about (spec.md §8 scenario 4).
	b.setCollectionReferences("a", []string{"b"})
	b.barrier.register("b", 10)

	req := &Request{
		Method:             "POST",
		Path:               "/collections/a/documents/import",
		Collection:         "a",
		StartTS:            20,
		LastChunkAggregate: true,
		IsLive:             false,
	}
	res := NewResponse()
	res.IsAlive = false
	b.Enqueue(req, res)

	select {
	case <-time.After(50 * time.Millisecond):
	case <-res.done:
		t.Fatal("import into \"a\" applied before \"b\"'s earlier import drained")
	}

	mu.Lock()
	require.Empty(t, appliedOrder)
	mu.Unlock()

	b.barrier.complete("b", 10)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(appliedOrder) == 1
	}, time.Second, 10*time.Millisecond)

	require.Nil(t, b.referencesFor("a"))
}

func TestAddSkipIndexIsHonoredOnApply(t *testing.T) {
	routes := &fakeRouteTable{entries: map[string]RouteEntry{
		"POST /collections/books/documents": {
			Method:  "POST",
			IsWrite: true,
			Handler: func(ctx context.Context, req *Request, res *Response) error {
				res.Write(201, nil, "")
				return nil
			},
		},
	}}
	dispatch := &recordingDispatcher{}
	b, stop := newTestIndexer(t, routes, dispatch)
	defer stop()

	req := &Request{Method: "POST", Path: "/collections/books/documents", Collection: "books", StartTS: time.Now().UnixNano(), LastChunkAggregate: true, LogIndex: 77}
	b.AddSkipIndex(77)

	res := NewResponse()
	b.Enqueue(req, res)

	require.NoError(t, res.Wait(context.Background()))
	status, _, _ := res.Result()
	require.Equal(t, 500, status)
}
