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

package lifecycle

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nimbus-labs/searchcore/apperror"
	"github.com/nimbus-labs/searchcore/auth"
	"github.com/nimbus-labs/searchcore/consensus"
	"github.com/nimbus-labs/searchcore/indexer"
	"github.com/nimbus-labs/searchcore/kvstore"
	"github.com/nimbus-labs/searchcore/metrics"
	"github.com/nimbus-labs/searchcore/ratelimit"
	"github.com/nimbus-labs/searchcore/replication"
	"github.com/nimbus-labs/searchcore/resource"
)

const apiKeyHeader = "X-Searchcore-Api-Key"

// Dependencies are the already-constructed collaborators Server wires
// together. The caller (cmd/searchcored) owns their lifetimes.
type Dependencies struct {
	Engine            consensus.Engine
	KV                kvstore.Store
	Auth              *auth.Manager
	RateLimit         *ratelimit.Manager
	Metrics           *metrics.AppMetrics
	Resource          *resource.Monitor
	Log               *zap.Logger
	ReplicationConfig replication.Config
	IndexerConfig     indexer.Config
}

// metricsDispatcher implements indexer.ResponseDispatcher by recording the
// end-to-end latency (arrival to WAL-retire) once a live response is
// finalized — this is the only point in the pipeline that has both.
type metricsDispatcher struct {
	metrics *metrics.AppMetrics
}

func (d *metricsDispatcher) Dispatch(req *indexer.Request, res *indexer.Response) {
	if d.metrics == nil {
		return
	}
	micros := (time.Now().UnixNano() - req.StartTS) / 1000
	label := "doc_write"
	d.metrics.IncrementDuration(label, micros)
}

// Server is the RequestLifecycle glue: parse -> rate-limit -> authenticate
// -> route -> write-through-the-log or direct-read -> respond.
type Server struct {
	router    *Router
	idx       *indexer.BatchedIndexer
	repl      *replication.State
	auth      *auth.Manager
	ratelimit *ratelimit.Manager
	metrics   *metrics.AppMetrics
	log       *zap.Logger
}

// NewServer assembles the indexer and replication state around deps and
// returns a Server ready for Start.
func NewServer(deps Dependencies) *Server {
	store := newStubStore()
	router := NewRouter(store)
	dispatcher := &metricsDispatcher{metrics: deps.Metrics}

	idx := indexer.New(deps.IndexerConfig, deps.KV, router, dispatcher, deps.Resource, deps.Log)
	repl := replication.New(deps.ReplicationConfig, deps.Engine, deps.KV, idx, router, deps.Resource, deps.Log)

	return &Server{
		router:    router,
		idx:       idx,
		repl:      repl,
		auth:      deps.Auth,
		ratelimit: deps.RateLimit,
		metrics:   deps.Metrics,
		log:       deps.Log,
	}
}

// Start starts the indexer workers/GC loop and the replication engine, per
// spec.md §4.2's node-lifecycle Start.
func (s *Server) Start(ctx context.Context) error {
	s.idx.Start()
	return s.repl.Start(ctx)
}

// Shutdown drains the replication state, then stops the indexer.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.repl.Shutdown(ctx)
	s.idx.Stop()
	return err
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"message":"` + message + `"}`))
}

// ServeHTTP implements spec.md's request-processing pipeline end to end.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	def, pathParams, found := s.router.lookup(r.Method, r.URL.Path)
	if !found {
		writeError(w, http.StatusNotFound, "no matching route")
		return
	}

	if !def.Entry.IsHealth && s.ratelimit != nil {
		entities := []ratelimit.Entity{
			{Type: ratelimit.EntityIP, Value: remoteIP(r)},
		}
		if key := r.Header.Get(apiKeyHeader); key != "" {
			entities = append(entities, ratelimit.Entity{Type: ratelimit.EntityAPIKey, Value: key})
		}
		decision := s.ratelimit.Evaluate(entities)
		if decision.Action == ratelimit.ActionBlock {
			writeError(w, http.StatusTooManyRequests, decision.Reason)
			return
		}
	}

	params := make(map[string]string, len(pathParams))
	for k, v := range pathParams {
		params[k] = v
	}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}

	var embeddedParams []map[string]any
	if !def.Entry.IsHealth && s.auth != nil {
		apiKey := r.Header.Get(apiKeyHeader)
		collection := params["collection"]
		var ok bool
		embeddedParams, ok = s.auth.Authenticate(def.Action, []auth.CollectionKey{{Collection: collection, APIKey: apiKey}})
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid api key for this action/collection")
			return
		}
		for _, p := range embeddedParams {
			if p != nil {
				auth.MergeEmbeddedParams(params, p, false)
			}
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	req := &indexer.Request{
		Method:             r.Method,
		Path:               r.URL.Path,
		Params:             params,
		Body:               body,
		StartTS:            time.Now().UnixNano(),
		Collection:         params["collection"],
		IsLive:             true,
		LastChunkAggregate: true, // net/http already hands us the whole body in one read
	}
	if deadline, ok := r.Context().Deadline(); ok {
		req.Deadline = deadline
	}
	res := indexer.NewResponse()

	ctx := r.Context()
	if def.Entry.IsWrite {
		err = s.repl.Write(ctx, req, res, def.Entry)
	} else {
		err = s.repl.Read(ctx, req, res, def.Entry.Handler)
	}
	if err != nil {
		writeError(w, apperror.StatusFor(err), err.Error())
		return
	}

	if waitErr := res.Wait(ctx); waitErr != nil {
		writeError(w, http.StatusGatewayTimeout, "request timed out")
		return
	}

	status, respBody, contentType := res.Result()
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(respBody)

	if s.metrics != nil {
		label := metricsLabel(def)
		s.metrics.IncrementCount(label, 1)
		s.metrics.IncrementDuration(label, time.Since(start).Microseconds())
	}
}

func metricsLabel(def *routeDef) string {
	switch {
	case def.Entry.IsImport:
		return "import"
	case def.Entry.IsDelete:
		return "doc_delete"
	case def.Entry.IsWrite:
		return "doc_write"
	default:
		return "search"
	}
}
