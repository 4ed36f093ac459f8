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

package auth

import "sort"

// keyTrie indexes API keys by their Value so both exact lookup and
// prefix range-scans (for scoped-key disambiguation, spec.md §4.3) are
// cheap. Kept as a sorted slice rather than a pointer-per-character trie:
// Value strings are high-entropy opaque secrets, so a radix tree buys
// nothing over a sorted array plus binary search, and the sorted-array
// form is what the range-scan-by-prefix contract actually needs.
type keyTrie struct {
	values []string
	byVal  map[string]*ApiKey
}

func newKeyTrie() *keyTrie {
	return &keyTrie{byVal: make(map[string]*ApiKey)}
}

// insert adds or replaces the entry for key.Value.
func (t *keyTrie) insert(key *ApiKey) {
	if _, exists := t.byVal[key.Value]; !exists {
		i := sort.SearchStrings(t.values, key.Value)
		t.values = append(t.values, "")
		copy(t.values[i+1:], t.values[i:])
		t.values[i] = key.Value
	}
	t.byVal[key.Value] = key
}

// remove deletes the entry for value, if present.
func (t *keyTrie) remove(value string) {
	if _, exists := t.byVal[value]; !exists {
		return
	}
	delete(t.byVal, value)
	i := sort.SearchStrings(t.values, value)
	if i < len(t.values) && t.values[i] == value {
		t.values = append(t.values[:i], t.values[i+1:]...)
	}
}

// lookup returns the key with exactly this value, if any.
func (t *keyTrie) lookup(value string) (*ApiKey, bool) {
	k, ok := t.byVal[value]
	return k, ok
}

// byPrefix returns every key whose Value starts with prefix, in sorted
// order — the "range-scan the key trie by prefix" step of spec.md §4.3.
func (t *keyTrie) byPrefix(prefix string) []*ApiKey {
	lo := sort.SearchStrings(t.values, prefix)
	hi := sort.Search(len(t.values)-lo, func(i int) bool {
		return t.values[lo+i] >= prefixUpperBound(prefix)
	}) + lo

	out := make([]*ApiKey, 0, hi-lo)
	for _, v := range t.values[lo:hi] {
		out = append(out, t.byVal[v])
	}
	return out
}

// prefixUpperBound returns the smallest string greater than every string
// starting with prefix, for use as an exclusive range bound.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return string(b) + "\xff"
}

// all returns every key in the trie, in Value-sorted order.
func (t *keyTrie) all() []*ApiKey {
	out := make([]*ApiKey, 0, len(t.values))
	for _, v := range t.values {
		out = append(out, t.byVal[v])
	}
	return out
}
