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

package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQuantileOfBoundaries(t *testing.T) {
	sorted := []int64{10, 20, 30, 40, 50}
	require.Equal(t, int64(0), quantileOf(nil, 0.5))
	require.Equal(t, int64(10), quantileOf(sorted, 0))
	require.Equal(t, int64(50), quantileOf(sorted, 1))
}

func TestDigestEmptySnapshot(t *testing.T) {
	d := newDigest()
	snap := d.snapshot()
	require.Equal(t, int64(0), snap.Count)
	require.Equal(t, int64(0), snap.Min)
	require.Equal(t, int64(0), snap.Max)
}

func TestDigestExactStatsUnderCapacity(t *testing.T) {
	d := newDigest()
	for _, v := range []int64{100, 200, 300, 400, 500} {
		d.observe(v)
	}
	snap := d.snapshot()
	require.Equal(t, int64(5), snap.Count)
	require.Equal(t, int64(100), snap.Min)
	require.Equal(t, int64(500), snap.Max)
	require.Equal(t, int64(300), snap.Avg)
	require.Equal(t, int64(500), snap.P99)
	require.GreaterOrEqual(t, snap.P70, int64(100))
	require.LessOrEqual(t, snap.P70, int64(500))
}

func TestDigestReservoirCapsMemory(t *testing.T) {
	d := newDigest()
	for i := int64(0); i < digestCapacity*4; i++ {
		d.observe(i)
	}
	require.LessOrEqual(t, len(d.reservoir), digestCapacity)
	snap := d.snapshot()
	require.Equal(t, int64(digestCapacity*4), snap.Count)
	require.Equal(t, int64(0), snap.Min)
	require.Equal(t, int64(digestCapacity*4-1), snap.Max)
}
