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
	"encoding/binary"
	"fmt"
)

// walKeyPrefix, skipIndexPrefix, and indexerStateKey implement the WAL key
// layout from spec.md §6. start_ts and chunk_index are encoded fixed-width
// big-endian so lexicographic byte order equals numeric order.
const (
	walKeyPrefix    = "$RL_"
	skipIndexPrefix = "$SK_"
	indexerStateKey = "$BI_state"
)

func walKey(startTS int64, chunkIndex int) []byte {
	k := make([]byte, 0, len(walKeyPrefix)+8+1+4)
	k = append(k, walKeyPrefix...)
	k = binary.BigEndian.AppendUint64(k, uint64(startTS))
	k = append(k, '_')
	k = binary.BigEndian.AppendUint32(k, uint32(chunkIndex))
	return k
}

// walRangeFor returns [lo, hi) bounding every chunk of one start_ts.
func walRangeFor(startTS int64) (lo, hi []byte) {
	lo = walKey(startTS, 0)
	hi = walKey(startTS+1, 0)
	return lo, hi
}

// walRangeFrom returns [lo, hi) bounding chunks of start_ts starting at
// nextChunkIndex, used to resume a partially-applied request.
func walRangeFrom(startTS int64, nextChunkIndex int) (lo, hi []byte) {
	return walKey(startTS, nextChunkIndex), walKey(startTS+1, 0)
}

func skipIndexKey(logIndex uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", skipIndexPrefix, logIndex))
}

func decodeStartTSFromWALKey(key []byte) (int64, int, bool) {
	if len(key) != len(walKeyPrefix)+8+1+4 {
		return 0, 0, false
	}
	if string(key[:len(walKeyPrefix)]) != walKeyPrefix {
		return 0, 0, false
	}
	rest := key[len(walKeyPrefix):]
	startTS := int64(binary.BigEndian.Uint64(rest[:8]))
	chunkIndex := int(binary.BigEndian.Uint32(rest[9:13]))
	return startTS, chunkIndex, true
}
