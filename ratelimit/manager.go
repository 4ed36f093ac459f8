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

// Package ratelimit decides allow/block/throttle for each incoming request
// based on the first matching rule, sorted by ascending priority, per
// spec.md §4.4.
//
// Grounded on the teacher's internal/ratelimiter/core package: its
// sync.Map of managedVSA scalar/vector state becomes the counters map
// below, generalized from a single VSA refill rate to the smoothed
// previous/current window rate spec.md §4.4 defines, and the auto-ban
// bookkeeping borrows the teacher's threshold-crossing style from
// core/store.go's low-water-mark checks.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nimbus-labs/searchcore/kvstore"
)

// Decision is the outcome of evaluating a request's entities against the
// rule set.
type Decision struct {
	Action Action
	RuleID int64
	Reason string
}

// windowCounter is one sliding-window bucket pair: the standard two-bucket
// decay (previous window's count weighted by remaining overlap, plus the
// current window's count) request_counter_t applies independently per
// window in original_source/src/ratelimit_manager.cpp.
type windowCounter struct {
	prev, current int64
	lastReset     int64
}

type throttleCounter struct {
	minute, hour         windowCounter
	bannedUntil          int64
	violationCount       int
	violationWindowStart int64
}

// Manager is the Go-native RateLimitManager from spec.md §4.4.
type Manager struct {
	mu       sync.RWMutex
	store    *ruleStore
	counters map[string]*throttleCounter
	mirror   BanMirror
	log      *zap.Logger
}

// New constructs a Manager. Call Init to load persisted rules.
func New(kv kvstore.Store, mirror BanMirror, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:    newRuleStore(kv),
		counters: make(map[string]*throttleCounter),
		mirror:   mirror,
		log:      log,
	}
}

func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.load()
}

// AddRule persists a new rule and returns it with its assigned ID.
func (m *Manager) AddRule(rule Rule) (Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.add(rule)
}

// RemoveRule deletes a rule by id.
func (m *Manager) RemoveRule(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.remove(id)
}

// GetAllRules is the get_all_rules() admin-inspection supplement from
// SPEC_FULL.md.
func (m *Manager) GetAllRules() []Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store.all()
}

// ThrottledEntity describes one currently-banned entity tuple.
type ThrottledEntity struct {
	RuleID      int64
	Tuple       string
	BannedUntil time.Time
}

// GetThrottledEntities is the get_throttled_entities() admin-inspection
// supplement from SPEC_FULL.md.
func (m *Manager) GetThrottledEntities() []ThrottledEntity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now().Unix()
	var out []ThrottledEntity
	for key, c := range m.counters {
		if c.bannedUntil <= now {
			continue
		}
		ruleID, tuple := splitCounterKey(key)
		out = append(out, ThrottledEntity{RuleID: ruleID, Tuple: tuple, BannedUntil: time.Unix(c.bannedUntil, 0)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BannedUntil.Before(out[j].BannedUntil) })
	return out
}

// Evaluate decides allow/block/throttle for entities, per spec.md §4.4:
// rules are tried in ascending priority order and the first match
// terminates evaluation.
func (m *Manager) Evaluate(entities []Entity) Decision {
	m.mu.RLock()
	rules := m.store.rules
	m.mu.RUnlock()

	now := time.Now()
	for _, rule := range rules {
		if !rule.matchesAll(entities) {
			continue
		}
		switch rule.Action {
		case ActionAllow:
			return Decision{Action: ActionAllow, RuleID: rule.ID}
		case ActionBlock:
			return Decision{Action: ActionBlock, RuleID: rule.ID, Reason: "blocked by rule"}
		case ActionThrottle:
			return m.throttle(rule, entities, now)
		}
	}
	return Decision{Action: ActionAllow}
}

func (m *Manager) throttle(rule *Rule, entities []Entity, now time.Time) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	tuple := tupleKeyFor(rule, entities)
	key := counterKey(rule.ID, tuple)
	c, ok := m.counters[key]
	if !ok {
		c = &throttleCounter{}
		m.counters[key] = c
	}

	nowUnix := now.Unix()

	if c.bannedUntil > nowUnix {
		c.minute = windowCounter{}
		c.hour = windowCounter{}
		return Decision{Action: ActionBlock, RuleID: rule.ID, Reason: "banned"}
	}
	c.bannedUntil = 0

	minuteRate := advanceAndCount(&c.minute, nowUnix, 60)
	hourRate := advanceAndCount(&c.hour, nowUnix, 3600)

	exceeded := rule.MinuteThreshold >= 0 && minuteRate > float64(rule.MinuteThreshold)
	exceeded = exceeded || (rule.HourThreshold >= 0 && hourRate > float64(rule.HourThreshold))
	if !exceeded {
		return Decision{Action: ActionAllow, RuleID: rule.ID}
	}

	if rule.AutoBan != nil {
		m.recordViolation(key, rule, tuple, nowUnix, c)
	}
	return Decision{Action: ActionBlock, RuleID: rule.ID, Reason: "throttled"}
}

// advanceAndCount resets w on a windowSize-or-larger gap since its last
// reset (zeroing prev entirely past a 2x gap), counts the current request,
// and returns the decayed rate for windowSize per
// original_source/src/ratelimit_manager.cpp's is_rate_limited.
func advanceAndCount(w *windowCounter, nowUnix, windowSize int64) float64 {
	if w.lastReset == 0 {
		w.lastReset = nowUnix
	} else if gap := nowUnix - w.lastReset; gap > windowSize {
		w.prev = w.current
		w.current = 0
		w.lastReset = nowUnix
		if gap > 2*windowSize {
			w.prev = 0
		}
	}
	w.current++

	elapsed := float64(nowUnix - w.lastReset)
	return float64(w.prev)*(float64(windowSize)-elapsed)/float64(windowSize) + float64(w.current)
}

func (m *Manager) recordViolation(key string, rule *Rule, tuple string, nowUnix int64, c *throttleCounter) {
	const violationWindowSeconds = 60

	if nowUnix-c.violationWindowStart > violationWindowSeconds {
		c.violationWindowStart = nowUnix
		c.violationCount = 0
	}
	c.violationCount++

	if c.violationCount < rule.AutoBan.ThresholdNum {
		return
	}

	c.violationCount = 0
	c.bannedUntil = nowUnix + int64(rule.AutoBan.NumHours)*3600
	m.log.Warn("ratelimit: installing ban",
		zap.Int64("rule_id", rule.ID),
		zap.String("tuple", tuple),
		zap.Int64("banned_until", c.bannedUntil),
	)

	if m.mirror != nil {
		until := time.Unix(c.bannedUntil, 0)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = m.mirror.MirrorBan(ctx, rule.ID, tuple, until)
		}()
	}
}

// tupleKeyFor builds the per-match counter key from the request entities
// that actually satisfied rule's entity clauses, sorted for stability.
func tupleKeyFor(rule *Rule, entities []Entity) string {
	parts := make([]string, 0, len(rule.Entities))
	for i := range rule.Entities {
		clause := &rule.Entities[i]
		for _, e := range entities {
			if e.Type == clause.Type && clause.matches(e.Value) {
				parts = append(parts, string(e.Type)+"="+e.Value)
				break
			}
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

func counterKey(ruleID int64, tuple string) string {
	return fmt.Sprintf("%d|%s", ruleID, tuple)
}

func splitCounterKey(key string) (int64, string) {
	parts := strings.SplitN(key, "|", 2)
	var ruleID int64
	fmt.Sscanf(parts[0], "%d", &ruleID)
	if len(parts) == 2 {
		return ruleID, parts[1]
	}
	return ruleID, ""
}
