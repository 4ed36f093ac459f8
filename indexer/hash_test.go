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

	"github.com/stretchr/testify/require"
)

func TestWorkerForIsStableForSameCollection(t *testing.T) {
	first := workerFor("books", 8)
	for i := 0; i < 100; i++ {
		require.Equal(t, first, workerFor("books", 8))
	}
}

func TestWorkerForStaysInRange(t *testing.T) {
	for _, name := range []string{"a", "books", "movies", "", "x-y-z"} {
		w := workerFor(name, 5)
		require.GreaterOrEqual(t, w, 0)
		require.Less(t, w, 5)
	}
}

func TestWorkerForZeroWorkersReturnsZero(t *testing.T) {
	require.Equal(t, 0, workerFor("books", 0))
}
