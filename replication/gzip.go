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
	"compress/gzip"
	"io"
	"sync"
)

// gzipMagic is the two-byte header spec.md §4.2 step 6 checks for.
var gzipMagic = []byte{0x1f, 0x8b}

// isGzipFramed reports whether body starts with the gzip magic number.
func isGzipFramed(body []byte) bool {
	return len(body) >= 2 && bytes.Equal(body[:2], gzipMagic)
}

// chunkInflater is a stateful gzip decompressor that survives WAL chunk
// boundaries: a document-import body can arrive as many separate
// State.Write calls sharing one start_ts, each a slice of one gzip stream, and the inflater must carry
// decompressor state between Feed calls rather than require the whole
// stream up front. Built on an io.Pipe feeding a standard gzip.Reader in a
// background goroutine, since compress/gzip has no incremental-feed API of
// its own.
type chunkInflater struct {
	pw   *io.PipeWriter
	done chan struct{}

	mu  sync.Mutex
	buf bytes.Buffer
	err error
}

func newChunkInflater() *chunkInflater {
	pr, pw := io.Pipe()
	inf := &chunkInflater{pw: pw, done: make(chan struct{})}
	go inf.drain(pr)
	return inf
}

func (inf *chunkInflater) drain(pr *io.PipeReader) {
	defer close(inf.done)
	gz, err := gzip.NewReader(pr)
	if err != nil {
		inf.setErr(err)
		io.Copy(io.Discard, pr)
		return
	}
	defer gz.Close()
	if _, err := io.Copy(inf, gz); err != nil {
		inf.setErr(err)
	}
}

func (inf *chunkInflater) setErr(err error) {
	inf.mu.Lock()
	if inf.err == nil {
		inf.err = err
	}
	inf.mu.Unlock()
}

// Write implements io.Writer so gzip output can be copied directly into the
// accumulation buffer under lock.
func (inf *chunkInflater) Write(p []byte) (int, error) {
	inf.mu.Lock()
	n, err := inf.buf.Write(p)
	inf.mu.Unlock()
	return n, err
}

// Feed appends one more chunk of the compressed stream.
func (inf *chunkInflater) Feed(chunk []byte) error {
	_, err := inf.pw.Write(chunk)
	return err
}

// Finish signals end-of-stream and returns everything inflated so far.
func (inf *chunkInflater) Finish() ([]byte, error) {
	inf.pw.Close()
	<-inf.done
	inf.mu.Lock()
	defer inf.mu.Unlock()
	out := make([]byte, inf.buf.Len())
	copy(out, inf.buf.Bytes())
	return out, inf.err
}
