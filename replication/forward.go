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

package replication

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/nimbus-labs/searchcore/indexer"
)

// leaderForwarder relays a write the local node cannot service (it is a
// follower) to the current leader over plain HTTP, per spec.md §4.2 step 5.
// net/http is used directly here — no pack example swaps it out for the
// outbound side of an internal cluster channel, and spec.md §1 treats the
// HTTP framing layer as external to begin with.
type leaderForwarder struct {
	client *http.Client
}

func newLeaderForwarder(timeout time.Duration) *leaderForwarder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &leaderForwarder{client: &http.Client{Timeout: timeout}}
}

// forward reissues req against leaderURL+req.Path and streams the result
// back into res. Document-import routes (Async) are fired without waiting
// for the body to finish streaming back; every other write is awaited.
func (f *leaderForwarder) forward(ctx context.Context, leaderURL string, req *indexer.Request, res *indexer.Response, async bool) error {
	outReq, err := http.NewRequestWithContext(ctx, req.Method, leaderURL+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return err
	}
	for k, v := range req.Params {
		q := outReq.URL.Query()
		q.Set(k, v)
		outReq.URL.RawQuery = q.Encode()
	}

	do := func() error {
		resp, err := f.client.Do(outReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		res.Write(resp.StatusCode, body, resp.Header.Get("Content-Type"))
		return nil
	}

	if async {
		go func() {
			if err := do(); err != nil {
				res.Write(http.StatusBadGateway, []byte(`{"message":"leader forward failed: `+err.Error()+`"}`), "application/json; charset=utf-8")
			}
		}()
		return nil
	}
	return do()
}
