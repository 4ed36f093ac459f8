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

package resource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nimbus-labs/searchcore/apperror"
)

func TestReserveFloorBytesCapsAt500MiB(t *testing.T) {
	// A huge machine with a low ceiling would otherwise demand far more
	// than 500MiB of headroom; the cap keeps the floor sane.
	got := reserveFloorBytes(50, 1024*1024*1024*1024) // 1TiB total, 50% ceiling
	require.Equal(t, uint64(defaultReserveCap), got)
}

func TestReserveFloorBytesUsesPercentOnSmallMachines(t *testing.T) {
	// 100MiB total, ceiling 90% -> spare is 10% of total = 10MiB, well
	// under the 500MiB cap, so the percent-based floor applies.
	total := uint64(100 * 1024 * 1024)
	got := reserveFloorBytes(90, total)
	require.Equal(t, total/10, got)
}

func TestCheckSkipsDiskWhenCeilingIsHundred(t *testing.T) {
	m := New(Config{DataDir: "/nonexistent/path/that/should/never/exist", MaxDiskUsedPercent: 100, MaxMemoryUsedPercent: 100}, zap.NewNop())
	require.NoError(t, m.Check())
}

func TestCheckSkipsDiskWhenDataDirEmpty(t *testing.T) {
	m := New(Config{MaxDiskUsedPercent: 1, MaxMemoryUsedPercent: 100}, zap.NewNop())
	require.NoError(t, m.checkDisk())
}

func TestCheckCachesWithinTTL(t *testing.T) {
	dir := t.TempDir()
	m := New(Config{DataDir: dir, MaxDiskUsedPercent: 100, MaxMemoryUsedPercent: 100, CacheTTL: time.Hour}, zap.NewNop())

	require.NoError(t, m.Check())

	// Force a cached error and confirm Check returns it without recomputing.
	m.mu.Lock()
	m.cachedErr = apperror.OutOfDisk
	m.mu.Unlock()

	require.ErrorIs(t, m.Check(), apperror.OutOfDisk)
}

func TestMemoryPressureFoldsSwapIntoUsedAndTotal(t *testing.T) {
	// 10GiB RAM, healthy at 10% used; 10GiB swap, exhausted at 95% used.
	// RAM alone would read well under most ceilings, but folding in swap
	// pushes the combined usage over a 50% ceiling.
	const mib = 1024 * 1024
	used, total := memoryPressure(10240*mib, 9216*mib, 10240*mib, 512*mib)
	require.Equal(t, uint64(20480*mib), total)
	require.Equal(t, uint64(1024*mib+9728*mib), used)
	require.Greater(t, int(used*100/total), 50)
}

func TestMemoryPressureNoSwapConfiguredMatchesRAMOnly(t *testing.T) {
	const gib = 1024 * 1024 * 1024
	used, total := memoryPressure(8*gib, 6*gib, 0, 0)
	require.Equal(t, uint64(8*gib), total)
	require.Equal(t, uint64(2*gib), used)
}

func TestCheckNowOnRealDataDirWithLenientCeilings(t *testing.T) {
	dir := t.TempDir()
	m := New(Config{DataDir: dir, MaxDiskUsedPercent: 100, MaxMemoryUsedPercent: 100}, zap.NewNop())
	require.NoError(t, m.checkNow())
}
