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

package ratelimit

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/nimbus-labs/searchcore/kvstore"
)

// Action is the terminal disposition a matched rule carries, per spec.md
// §4.4.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionBlock    Action = "block"
	ActionThrottle Action = "throttle"
)

// EntityType names the dimension a rule entity is matched on — left open
// rather than a fixed enum since original_source tracks api_key/ip
// specifically but spec.md §4.4 generalizes rule matching to "entities" of
// any type.
type EntityType string

const (
	EntityAPIKey EntityType = "api_key"
	EntityIP     EntityType = "ip"
)

// Entity is one (type, value) pair extracted from an incoming request.
type Entity struct {
	Type  EntityType
	Value string
}

// RuleEntity is one entity clause of a Rule: a literal value or a regex
// pattern to match the request's entity of the same Type against.
type RuleEntity struct {
	Type    EntityType `json:"type"`
	Pattern string     `json:"pattern"`
	IsRegex bool       `json:"is_regex"`

	compiled *regexp.Regexp
}

func (e *RuleEntity) matches(value string) bool {
	if !e.IsRegex {
		return e.Pattern == value
	}
	if e.compiled == nil {
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			return false
		}
		e.compiled = re
	}
	return e.compiled.MatchString(value)
}

// AutoBan configures automatic banning after repeated throttle violations,
// per spec.md §4.4.
type AutoBan struct {
	ThresholdNum int `json:"threshold_num"`
	NumHours     int `json:"num_hours"`
}

// Rule is the Go-native rate-limit rule from spec.md §4.4. Throttle rules
// carry two independent sliding-window thresholds — 60s and 3600s — each
// disabled by setting it to -1, mirroring request_counter_t's separate
// minute/hour limits in original_source/include/ratelimit_manager.h.
type Rule struct {
	ID              int64        `json:"id"`
	Priority        int          `json:"priority"`
	Action          Action       `json:"action"`
	Entities        []RuleEntity `json:"entities"`
	MinuteThreshold int64        `json:"minute_threshold"`
	HourThreshold   int64        `json:"hour_threshold"`
	AutoBan         *AutoBan     `json:"auto_ban,omitempty"`
}

// matchesAll reports whether every entity clause of r is satisfied by some
// entity of the same type in entities. A rule requiring an entity type not
// present in the request never matches.
func (r *Rule) matchesAll(entities []Entity) bool {
	for i := range r.Entities {
		clause := &r.Entities[i]
		matched := false
		for _, e := range entities {
			if e.Type != clause.Type {
				continue
			}
			if clause.matches(e.Value) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

const rulesKVKey = "$RR_rules"

// ruleStore owns the sorted rule list and its persistence, kept separate
// from counter/ban state so Manager's matching path never needs to touch
// disk.
type ruleStore struct {
	rules  []*Rule
	nextID int64
	kv     kvstore.Store
}

func newRuleStore(kv kvstore.Store) *ruleStore {
	return &ruleStore{kv: kv}
}

func (s *ruleStore) load() error {
	data, err := s.kv.Get([]byte(rulesKVKey))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil
		}
		return fmt.Errorf("ratelimit: load rules: %w", err)
	}
	var rules []*Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("ratelimit: decode rules: %w", err)
	}
	s.rules = rules
	for _, r := range rules {
		if r.ID >= s.nextID {
			s.nextID = r.ID + 1
		}
	}
	s.sortByPriority()
	return nil
}

func (s *ruleStore) persist() error {
	data, err := json.Marshal(s.rules)
	if err != nil {
		return fmt.Errorf("ratelimit: encode rules: %w", err)
	}
	_, err = s.kv.Insert([]byte(rulesKVKey), data)
	return err
}

func (s *ruleStore) sortByPriority() {
	sort.SliceStable(s.rules, func(i, j int) bool { return s.rules[i].Priority < s.rules[j].Priority })
}

func (s *ruleStore) add(rule Rule) (Rule, error) {
	rule.ID = s.nextID
	s.nextID++
	s.rules = append(s.rules, &rule)
	s.sortByPriority()
	if err := s.persist(); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

func (s *ruleStore) remove(id int64) error {
	for i, r := range s.rules {
		if r.ID == id {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			return s.persist()
		}
	}
	return fmt.Errorf("ratelimit: rule %d not found", id)
}

func (s *ruleStore) all() []Rule {
	out := make([]Rule, len(s.rules))
	for i, r := range s.rules {
		out[i] = *r
	}
	return out
}
