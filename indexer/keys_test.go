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
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWalKeyOrdersLexicographicallyBySequence(t *testing.T) {
	k1 := walKey(100, 0)
	k2 := walKey(100, 1)
	k3 := walKey(101, 0)

	require.True(t, bytes.Compare(k1, k2) < 0)
	require.True(t, bytes.Compare(k2, k3) < 0)
}

func TestWalRangeForBoundsExactlyOneStartTS(t *testing.T) {
	lo, hi := walRangeFor(50)
	require.True(t, bytes.Compare(lo, walKey(50, 0)) == 0)
	require.True(t, bytes.Compare(walKey(50, 99), hi) < 0)
	require.True(t, bytes.Compare(walKey(51, 0), hi) == 0)
}

func TestDecodeStartTSFromWALKeyRoundTrips(t *testing.T) {
	key := walKey(12345, 7)
	startTS, chunkIndex, ok := decodeStartTSFromWALKey(key)
	require.True(t, ok)
	require.Equal(t, int64(12345), startTS)
	require.Equal(t, 7, chunkIndex)
}

func TestDecodeStartTSFromWALKeyRejectsWrongLength(t *testing.T) {
	_, _, ok := decodeStartTSFromWALKey([]byte("too-short"))
	require.False(t, ok)
}

func TestSkipIndexKeyIsZeroPadded(t *testing.T) {
	k := skipIndexKey(42)
	require.Equal(t, "$SK_00000000000000000042", string(k))
}
