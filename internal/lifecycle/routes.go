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

// Package lifecycle wires the HTTP front door to auth, ratelimit,
// replication, and indexer, implementing the RequestLifecycle glue spec.md
// describes: parse request -> rate-limit -> authenticate -> route -> write
// (through the replicated log) or read (direct) -> respond.
//
// CollectionStore itself stays the opaque external collaborator spec.md §1
// treats it as; the handlers in this file are deliberately minimal
// stand-ins (a mutex-guarded map) only so the lifecycle plumbing above them
// is exercised end-to-end, not a document index.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nimbus-labs/searchcore/indexer"
)

// routeDef pairs an indexer.RouteEntry with the auth action and path-segment
// shape the server needs to extract a collection name and enforce
// authentication, metadata RouteTable's narrower interface doesn't carry.
type routeDef struct {
	Method   string
	Segments []string // e.g. {"collections", ":collection", "documents"}
	Action   string
	Entry    indexer.RouteEntry
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func (d *routeDef) match(method, path string) (map[string]string, bool) {
	if d.Method != method {
		return nil, false
	}
	segs := splitPath(path)
	if len(segs) != len(d.Segments) {
		return nil, false
	}
	params := make(map[string]string)
	for i, want := range d.Segments {
		got := segs[i]
		if strings.HasPrefix(want, ":") {
			params[want[1:]] = got
			continue
		}
		if want != got {
			return nil, false
		}
	}
	return params, true
}

// Router is the concrete indexer.RouteTable, backed by an ordered list of
// routeDefs checked in registration order.
type Router struct {
	defs []*routeDef
}

// NewRouter builds the fixed route table for this node: health, document
// search/write/delete, bulk import, and collection schema update.
func NewRouter(store *stubStore) *Router {
	r := &Router{}
	r.add("GET", []string{"health"}, "", indexer.RouteEntry{
		IsHealth: true,
		Handler:  healthHandler,
	})
	r.add("GET", []string{"collections", ":collection", "documents", "search"}, "documents:search", indexer.RouteEntry{
		Handler: store.searchHandler,
	})
	r.add("POST", []string{"collections"}, "collections:create", indexer.RouteEntry{
		IsWrite:            true,
		IsCreateCollection: true,
		Handler:            store.createCollectionHandler,
	})
	r.add("POST", []string{"collections", ":collection", "documents"}, "documents:create", indexer.RouteEntry{
		IsWrite: true,
		Handler: store.writeHandler,
	})
	r.add("DELETE", []string{"collections", ":collection", "documents", ":id"}, "documents:delete", indexer.RouteEntry{
		IsWrite:  true,
		IsDelete: true,
		Handler:  store.deleteHandler,
	})
	r.add("POST", []string{"collections", ":collection", "documents", "import"}, "documents:import", indexer.RouteEntry{
		IsWrite:  true,
		IsImport: true,
		Async:    true,
		Handler:  store.importHandler,
	})
	r.add("PATCH", []string{"collections", ":collection"}, "collections:update", indexer.RouteEntry{
		IsWrite:  true,
		IsConfig: true,
		Handler:  store.alterHandler,
	})
	return r
}

func (r *Router) add(method string, segments []string, action string, entry indexer.RouteEntry) {
	entry.Method = method
	entry.PathPattern = "/" + strings.Join(segments, "/")
	r.defs = append(r.defs, &routeDef{Method: method, Segments: segments, Action: action, Entry: entry})
}

// Resolve implements indexer.RouteTable.
func (r *Router) Resolve(method, path string) (indexer.RouteEntry, bool) {
	for _, d := range r.defs {
		if _, ok := d.match(method, path); ok {
			return d.Entry, true
		}
	}
	return indexer.RouteEntry{}, false
}

// lookup finds the routeDef (not just the RouteEntry) for a method+path so
// the server can extract path params and the auth action.
func (r *Router) lookup(method, path string) (*routeDef, map[string]string, bool) {
	for _, d := range r.defs {
		if params, ok := d.match(method, path); ok {
			return d, params, true
		}
	}
	return nil, nil, false
}

// stubStore is a minimal, non-durable stand-in for the real CollectionStore
// (out of scope per spec.md §1) — just enough document bookkeeping to
// exercise the write/read/import/alter paths end-to-end in tests and local
// runs.
type stubStore struct {
	mu          sync.Mutex
	collections map[string]map[string]json.RawMessage
}

func newStubStore() *stubStore {
	return &stubStore{collections: make(map[string]map[string]json.RawMessage)}
}

func (s *stubStore) docs(collection string) map[string]json.RawMessage {
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]json.RawMessage)
		s.collections[collection] = docs
	}
	return docs
}

func healthHandler(ctx context.Context, req *indexer.Request, res *indexer.Response) error {
	res.Write(200, []byte(`{"ok":true}`), "application/json; charset=utf-8")
	return nil
}

func (s *stubStore) searchHandler(ctx context.Context, req *indexer.Request, res *indexer.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := s.docs(req.Params["collection"])
	hits := make([]json.RawMessage, 0, len(docs))
	for _, d := range docs {
		hits = append(hits, d)
	}
	body, err := json.Marshal(map[string]any{"found": len(hits), "hits": hits})
	if err != nil {
		return err
	}
	res.Write(200, body, "application/json; charset=utf-8")
	return nil
}

// createCollectionHandler stands in for CollectionStore's schema-create
// path (spec.md §1 Non-goal): just enough to give the collection a slot so
// later writes/searches against it succeed. The indexer itself extracts the
// name and any field references from this same body before the handler
// ever runs (see indexer.collectionNameFromBody/referencedCollections).
func (s *stubStore) createCollectionHandler(ctx context.Context, req *indexer.Request, res *indexer.Response) error {
	var schema struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(req.Body, &schema); err != nil || schema.Name == "" {
		res.Write(400, []byte(`{"message":"malformed collection schema"}`), "application/json; charset=utf-8")
		return nil
	}

	s.mu.Lock()
	s.docs(schema.Name)
	s.mu.Unlock()

	res.Write(201, req.Body, "application/json; charset=utf-8")
	return nil
}

func (s *stubStore) writeHandler(ctx context.Context, req *indexer.Request, res *indexer.Response) error {
	var doc map[string]any
	if err := json.Unmarshal(req.Body, &doc); err != nil {
		res.Write(400, []byte(`{"message":"malformed document body"}`), "application/json; charset=utf-8")
		return nil
	}
	id, _ := doc["id"].(string)
	if id == "" {
		id = fmt.Sprintf("%d", req.StartTS)
		doc["id"] = id
	}

	s.mu.Lock()
	s.docs(req.Params["collection"])[id] = req.Body
	s.mu.Unlock()

	res.Write(201, req.Body, "application/json; charset=utf-8")
	return nil
}

func (s *stubStore) deleteHandler(ctx context.Context, req *indexer.Request, res *indexer.Response) error {
	s.mu.Lock()
	docs := s.docs(req.Params["collection"])
	id := req.Params["id"]
	_, existed := docs[id]
	delete(docs, id)
	s.mu.Unlock()

	if !existed {
		res.Write(404, []byte(`{"message":"document not found"}`), "application/json; charset=utf-8")
		return nil
	}
	res.Write(200, []byte(`{"id":"`+id+`"}`), "application/json; charset=utf-8")
	return nil
}

// importHandler applies one JSONL document per line, streaming a
// per-document ack through Response.Generator when the caller wired one up
// (async import clients), and always finishes with a single aggregate
// Write so synchronous callers still get a terminal response.
func (s *stubStore) importHandler(ctx context.Context, req *indexer.Request, res *indexer.Response) error {
	lines := strings.Split(strings.TrimSpace(string(req.Body)), "\n")
	s.mu.Lock()
	docs := s.docs(req.Params["collection"])
	var successes int
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			if res.Generator != nil {
				res.Generator([]byte(`{"success":false}`+"\n"), false)
			}
			continue
		}
		id, _ := doc["id"].(string)
		if id == "" {
			id = fmt.Sprintf("%d-%d", req.StartTS, successes)
		}
		docs[id] = []byte(line)
		successes++
		if res.Generator != nil {
			res.Generator([]byte(`{"success":true}`+"\n"), false)
		}
	}
	s.mu.Unlock()

	if res.Generator != nil {
		res.Generator(nil, true)
	}
	res.Write(200, []byte(fmt.Sprintf(`{"num_imported":%d}`, successes)), "application/json; charset=utf-8")
	return nil
}

func (s *stubStore) alterHandler(ctx context.Context, req *indexer.Request, res *indexer.Response) error {
	s.mu.Lock()
	s.docs(req.Params["collection"])
	s.mu.Unlock()
	res.Write(200, []byte(`{"message":"schema updated"}`), "application/json; charset=utf-8")
	return nil
}
