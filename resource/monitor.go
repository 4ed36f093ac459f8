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

// Package resource guards writes behind a disk/memory pressure check, per
// spec.md §4.6. golang.org/x/sys/unix is an indirect dependency across the
// entire example pack (pulled in transitively by every teacher's go.mod);
// this package promotes it to a direct one and is the first caller to
// actually invoke Statfs/Sysinfo.
package resource

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"go.uber.org/zap"

	"github.com/nimbus-labs/searchcore/apperror"
)

// Config controls the reserve floor and poll cadence, per spec.md §4.6.
type Config struct {
	// DataDir is statfs'd for free disk space.
	DataDir string
	// MaxDiskUsedPercent and MaxMemoryUsedPercent are the ceilings past
	// which Check returns an error. 100 short-circuits that dimension to
	// always-ok, per spec.md §4.6.
	MaxDiskUsedPercent   int
	MaxMemoryUsedPercent int
	// CacheTTL bounds how often Statfs/Sysinfo are actually invoked;
	// Check reuses the last result within the TTL.
	CacheTTL time.Duration
}

func (c *Config) withDefaults() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Second
	}
	if c.MaxDiskUsedPercent <= 0 {
		c.MaxDiskUsedPercent = 100
	}
	if c.MaxMemoryUsedPercent <= 0 {
		c.MaxMemoryUsedPercent = 100
	}
}

// Monitor implements the ResourceChecker surface indexer.BatchedIndexer and
// replication.State depend on.
type Monitor struct {
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	checkedAt time.Time
	cachedErr error
}

// New constructs a Monitor. cfg.DataDir must exist at construction time.
func New(cfg Config, log *zap.Logger) *Monitor {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{cfg: cfg, log: log}
}

// reserveFloorBytes is spec.md §4.6's reserve: the smaller of 500MiB or
// (100-maxUsedPercent)% of the checked dimension's total (disk bytes in
// checkDisk, RAM plus swap in checkMemory), so a low ceiling on a small
// machine doesn't demand more headroom than the machine has.
const defaultReserveCap = 500 * 1024 * 1024

func reserveFloorBytes(maxUsedPercent int, totalMem uint64) uint64 {
	spare := uint64(100-maxUsedPercent) * totalMem / 100
	if spare > defaultReserveCap {
		return defaultReserveCap
	}
	return spare
}

// Check reports whether a write may proceed. It returns
// apperror.OutOfDisk/apperror.OutOfMemory (both ResourceExhausted-classed,
// per spec.md §7) when disk or memory pressure exceeds the configured
// ceilings.
func (m *Monitor) Check() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.checkedAt) < m.cfg.CacheTTL {
		return m.cachedErr
	}
	m.checkedAt = time.Now()
	m.cachedErr = m.checkNow()
	return m.cachedErr
}

func (m *Monitor) checkNow() error {
	if err := m.checkDisk(); err != nil {
		return err
	}
	return m.checkMemory()
}

func (m *Monitor) checkDisk() error {
	if m.cfg.MaxDiskUsedPercent >= 100 || m.cfg.DataDir == "" {
		return nil
	}
	var st unix.Statfs_t
	if err := unix.Statfs(m.cfg.DataDir, &st); err != nil {
		m.log.Warn("resource: statfs failed, skipping disk check", zap.Error(err))
		return nil
	}
	total := st.Blocks * uint64(st.Bsize)
	free := st.Bavail * uint64(st.Bsize)
	if total == 0 {
		return nil
	}
	used := total - free
	usedPercent := int(used * 100 / total)
	floor := reserveFloorBytes(m.cfg.MaxDiskUsedPercent, total)
	if usedPercent >= m.cfg.MaxDiskUsedPercent || free < floor {
		return apperror.OutOfDisk
	}
	return nil
}

func (m *Monitor) checkMemory() error {
	if m.cfg.MaxMemoryUsedPercent >= 100 {
		return nil
	}
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		m.log.Warn("resource: sysinfo failed, skipping memory check", zap.Error(err))
		return nil
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	used, total := memoryPressure(info.Totalram*unit, info.Freeram*unit, info.Totalswap*unit, info.Freeswap*unit)
	if total == 0 {
		return nil
	}
	usedPercent := int(used * 100 / total)
	floor := reserveFloorBytes(m.cfg.MaxMemoryUsedPercent, total)
	free := total - used
	if usedPercent >= m.cfg.MaxMemoryUsedPercent || free < floor {
		return apperror.OutOfMemory
	}
	return nil
}

// memoryPressure folds swap into both the used and total byte counts per
// spec.md §4.6: (total - available) + (swap_total - swap_free), not RAM
// alone — a host can be RAM-healthy and still be swapping hard enough to
// degrade under load.
func memoryPressure(totalRAM, freeRAM, totalSwap, freeSwap uint64) (used, total uint64) {
	total = totalRAM + totalSwap
	used = (totalRAM - freeRAM) + (totalSwap - freeSwap)
	return used, total
}
