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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestImportBarrierWaitForDrainReturnsImmediatelyWhenUnregistered(t *testing.T) {
	b := newImportBarrier()
	done := make(chan struct{})
	go func() {
		b.waitForDrain("books", 100)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitForDrain blocked with nothing registered")
	}
}

func TestImportBarrierBlocksUntilEarlierImportCompletes(t *testing.T) {
	b := newImportBarrier()
	b.register("books", 10)

	done := make(chan struct{})
	go func() {
		b.waitForDrain("books", 20)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("waitForDrain returned before the earlier import completed")
	case <-time.After(50 * time.Millisecond):
	}

	b.complete("books", 10)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitForDrain never woke up after complete")
	}
}

func TestImportBarrierIgnoresLaterStartTS(t *testing.T) {
	b := newImportBarrier()
	b.register("books", 30)

	done := make(chan struct{})
	go func() {
		b.waitForDrain("books", 20) // 30 >= 20, not "earlier" -> should not block
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitForDrain blocked on a pending import with a later start_ts")
	}
}
