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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nimbus-labs/searchcore/auth"
	"github.com/nimbus-labs/searchcore/consensus"
	"github.com/nimbus-labs/searchcore/kvstore/memkv"
	"github.com/nimbus-labs/searchcore/metrics"
	"github.com/nimbus-labs/searchcore/ratelimit"
	"github.com/nimbus-labs/searchcore/resource"
)

// fakeEngine is a minimal single-node consensus.Engine double: Propose
// synchronously hands the entry to the registered state machine, standing
// in for a single-node cluster's instant commit.
type fakeEngine struct {
	mu        sync.Mutex
	sm        consensus.StateMachine
	nextIndex uint64
}

func (e *fakeEngine) Init(ctx context.Context, sm consensus.StateMachine) error {
	e.sm = sm
	return nil
}
func (e *fakeEngine) Propose(ctx context.Context, data []byte, expectedTerm uint64) (consensus.Entry, error) {
	e.mu.Lock()
	e.nextIndex++
	idx := e.nextIndex
	e.mu.Unlock()
	entry := consensus.Entry{Index: idx, Data: data}
	if e.sm != nil {
		e.sm.Apply(entry)
	}
	return entry, nil
}
func (e *fakeEngine) SnapshotSave(sink consensus.SnapshotSink, payload []byte) error  { return nil }
func (e *fakeEngine) SnapshotLoad(source consensus.SnapshotSource) ([]byte, error)    { return nil, nil }
func (e *fakeEngine) ChangePeers(ctx context.Context, cfg consensus.PeerConfig) error { return nil }
func (e *fakeEngine) ResetPeers(cfg consensus.PeerConfig) error                       { return nil }
func (e *fakeEngine) Vote(timeout time.Duration) error                                { return nil }
func (e *fakeEngine) IsLeader() bool                                                  { return true }
func (e *fakeEngine) LeaderID() consensus.PeerID                                      { return "self" }
func (e *fakeEngine) Status() consensus.Status {
	return consensus.Status{State: consensus.StateLeader}
}
func (e *fakeEngine) Shutdown(ctx context.Context) error { return nil }
func (e *fakeEngine) Join() error                        { return nil }

const testBootstrapKey = "bootstrap-test-key"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	kv := memkv.New(t.TempDir())
	log := zap.NewNop()

	am := auth.New(kv, testBootstrapKey, log)
	require.NoError(t, am.Init())

	rl := ratelimit.New(kv, nil, log)
	require.NoError(t, rl.Init())

	mx := metrics.New(10, log)
	rm := resource.New(resource.Config{}, log)

	deps := Dependencies{
		Engine:    &fakeEngine{},
		KV:        kv,
		Auth:      am,
		RateLimit: rl,
		Metrics:   mx,
		Resource:  rm,
		Log:       log,
	}
	s := NewServer(deps)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	// A freshly-started single-node server never calls RefreshCatchupStatus
	// on its own (that's node-lifecycle's periodic job, out of this
	// package's scope) — prime it once so read routes don't 503.
	s.repl.RefreshCatchupStatus("test setup")
	return s
}

func doRequest(s *Server, method, path, apiKey, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if apiKey != "" {
		req.Header.Set(apiKeyHeader, apiKey)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestServeHTTPHealthBypassesAuthAndRateLimit(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, "GET", "/health", "", "")
	require.Equal(t, 200, rec.Code)
}

func TestServeHTTPWriteThenSearchRoundTrip(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(s, "POST", "/collections/books/documents", testBootstrapKey, `{"id":"1","title":"dune"}`)
	require.Equal(t, 201, rec.Code)

	require.Eventually(t, func() bool {
		rec := doRequest(s, "GET", "/collections/books/documents/search", testBootstrapKey, "")
		return rec.Code == 200 && strings.Contains(rec.Body.String(), `"found":1`)
	}, time.Second, 10*time.Millisecond)
}

func TestServeHTTPRejectsMissingAPIKey(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, "POST", "/collections/books/documents", "", `{"id":"1"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServeHTTPRejectsUnknownAPIKey(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, "POST", "/collections/books/documents", "not-a-real-key", `{"id":"1"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServeHTTPUnknownRouteIs404(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, "GET", "/nonexistent", testBootstrapKey, "")
	require.Equal(t, 404, rec.Code)
}

func TestServeHTTPBlockedByRateLimitRule(t *testing.T) {
	s := newTestServer(t)
	_, err := s.ratelimit.AddRule(ratelimit.Rule{
		Priority: 1,
		Action:   ratelimit.ActionBlock,
		Entities: []ratelimit.RuleEntity{{Type: ratelimit.EntityIP, Pattern: "192.0.2.1"}},
	})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/collections/books/documents", strings.NewReader(`{"id":"1"}`))
	req.Header.Set(apiKeyHeader, testBootstrapKey)
	req.RemoteAddr = "192.0.2.1:5555"
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}
