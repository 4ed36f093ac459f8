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

// Package auth persists API keys, authenticates incoming requests against
// them (including scoped, HMAC-derived search keys), and merges a scoped
// key's embedded parameters into the effective request — spec.md §4.3.
//
// Grounded on storj-storj's pkg/macaroon for the typed-error,
// constant-time-compare shape of capability verification
// (ErrUnauthorized/ErrRevoked here become apperror.Unauthorized/Forbidden),
// and on original_source/src/auth_manager.cpp for exact matching and
// embedded-parameter merge semantics.
package auth

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nimbus-labs/searchcore/apperror"
	"github.com/nimbus-labs/searchcore/kvstore"
)

const (
	documentsSearchAction = "documents:search"

	keyCounterKVKey = "$KN"
	keyPrefixKVKey  = "$KP_"

	keyValueLen  = 32
	keyPrefixLen = 4

	keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// farFutureExpiry is the "no expiry" sentinel from spec.md §2 — year 4020.
var farFutureExpiry = time.Date(4020, 1, 1, 0, 0, 0, 0, time.UTC).Unix()

// ApiKey is the Go-native api_key_t from spec.md §2.
type ApiKey struct {
	ID          uint32   `json:"id"`
	Value       string   `json:"value"`
	Prefix      string   `json:"-"`
	Description string   `json:"description"`
	Actions     []string `json:"actions"`
	Collections []string `json:"collections"`
	ExpiresAt   int64    `json:"expires_at"`
	Autodelete  bool     `json:"autodelete"`
}

// Truncated returns a copy of k suitable for listing responses: the secret
// value is masked down to its prefix, matching api_key_t::truncate_value
// in the original implementation.
func (k ApiKey) Truncated() ApiKey {
	k.Value = k.Prefix + strings.Repeat("*", keyValueLen-keyPrefixLen)
	return k
}

func (k ApiKey) isExpired(now time.Time) bool {
	return now.Unix() > k.ExpiresAt
}

// CollectionKey pairs one presented key with the collection it's being
// asserted against, mirroring collection_key_t.
type CollectionKey struct {
	Collection string
	APIKey     string
}

// Manager is the Go-native AuthManager from spec.md §4.3.
type Manager struct {
	kv           kvstore.Store
	log          *zap.Logger
	bootstrapKey string
	mu           sync.RWMutex
	trie         *keyTrie
	nextID       uint32
}

// New constructs a Manager. Call Init to load persisted keys.
func New(kv kvstore.Store, bootstrapKey string, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		kv:           kv,
		log:          log,
		bootstrapKey: bootstrapKey,
		trie:         newKeyTrie(),
	}
}

// Init loads the key counter and every persisted key into the in-memory
// trie. Idempotent: safe to call again after a snapshot reload.
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.trie = newKeyTrie()

	counterBytes, err := m.kv.Get([]byte(keyCounterKVKey))
	if err != nil && err != kvstore.ErrNotFound {
		return fmt.Errorf("auth: read key counter: %w", err)
	}
	if len(counterBytes) == 8 {
		m.nextID = uint32(binary.BigEndian.Uint64(counterBytes))
	} else {
		m.nextID = 0
	}

	lo := []byte(keyPrefixKVKey)
	hi := []byte(keyPrefixKVKey + "\xff")
	kvs, err := m.kv.ScanFill(lo, hi)
	if err != nil {
		return fmt.Errorf("auth: scan persisted keys: %w", err)
	}
	for _, pair := range kvs {
		var key ApiKey
		if err := json.Unmarshal(pair.Value, &key); err != nil {
			return fmt.Errorf("auth: decode persisted key: %w", err)
		}
		if len(key.Value) >= keyPrefixLen {
			key.Prefix = key.Value[:keyPrefixLen]
		}
		k := key
		m.trie.insert(&k)
	}
	m.log.Info("auth: loaded persisted API keys", zap.Int("count", len(kvs)))
	return nil
}

// CreateKey assigns an id and a random Value (unless one is already set —
// tests construct deterministic keys directly), persists it under
// $KP_<id>, and indexes it.
func (m *Manager) CreateKey(key ApiKey) (ApiKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key.Value == "" {
		v, err := randomKeyValue()
		if err != nil {
			return ApiKey{}, apperror.Internal.Wrap(err)
		}
		key.Value = v
	}
	if key.ExpiresAt == 0 {
		key.ExpiresAt = farFutureExpiry
	}
	key.Prefix = key.Value[:keyPrefixLen]
	key.ID = m.nextID
	m.nextID++

	data, err := json.Marshal(key)
	if err != nil {
		return ApiKey{}, apperror.Internal.Wrap(err)
	}
	if _, err := m.kv.Insert(apiKeyKVKey(key.ID), data); err != nil {
		return ApiKey{}, apperror.Internal.Wrap(err)
	}
	if err := m.persistCounter(); err != nil {
		return ApiKey{}, apperror.Internal.Wrap(err)
	}

	k := key
	m.trie.insert(&k)
	return key, nil
}

// RotateKey replaces the secret Value of an existing key in place (id,
// description, actions, collections, expiry all carry over), invalidating
// every scoped key derived from the old value. Supplements spec.md §4.3
// with the key-rotation operation original_source's key lifecycle
// supports via delete+recreate; kept here as an atomic single call.
func (m *Manager) RotateKey(id uint32) (ApiKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.findByID(id)
	if !ok {
		return ApiKey{}, apperror.NotFound.New("api key %d not found", id)
	}

	newValue, err := randomKeyValue()
	if err != nil {
		return ApiKey{}, apperror.Internal.Wrap(err)
	}

	m.trie.remove(old.Value)
	rotated := *old
	rotated.Value = newValue
	rotated.Prefix = newValue[:keyPrefixLen]

	data, err := json.Marshal(rotated)
	if err != nil {
		return ApiKey{}, apperror.Internal.Wrap(err)
	}
	if _, err := m.kv.Insert(apiKeyKVKey(id), data); err != nil {
		return ApiKey{}, apperror.Internal.Wrap(err)
	}

	k := rotated
	m.trie.insert(&k)
	return rotated, nil
}

// RemoveKey deletes a key by id.
func (m *Manager) RemoveKey(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.findByID(id)
	if !ok {
		return apperror.NotFound.New("api key %d not found", id)
	}
	if _, err := m.kv.Remove(apiKeyKVKey(id)); err != nil {
		return apperror.Internal.Wrap(err)
	}
	m.trie.remove(old.Value)
	return nil
}

// GetKey returns one key by id, optionally masking its secret value.
func (m *Manager) GetKey(id uint32, truncate bool) (ApiKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.findByID(id)
	if !ok {
		return ApiKey{}, apperror.NotFound.New("api key %d not found", id)
	}
	if truncate {
		return k.Truncated(), nil
	}
	return *k, nil
}

// ListKeys returns every key with its secret value masked, matching
// AuthManager::list_keys's always-truncated contract.
func (m *Manager) ListKeys() []ApiKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.trie.all()
	out := make([]ApiKey, 0, len(all))
	for _, k := range all {
		out = append(out, k.Truncated())
	}
	return out
}

// ListSearchOnlyKeys is the get_keys(search_only) supplement from
// SPEC_FULL.md: returns only keys whose sole action is documents:search,
// the same condition auth_against_key enforces on a scoped key's parent.
func (m *Manager) ListSearchOnlyKeys() []ApiKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ApiKey
	for _, k := range m.trie.all() {
		if len(k.Actions) == 1 && k.Actions[0] == documentsSearchAction {
			out = append(out, k.Truncated())
		}
	}
	return out
}

func (m *Manager) findByID(id uint32) (*ApiKey, bool) {
	for _, k := range m.trie.all() {
		if k.ID == id {
			return k, true
		}
	}
	return nil, false
}

func (m *Manager) persistCounter() error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(m.nextID))
	_, err := m.kv.Insert([]byte(keyCounterKVKey), buf[:])
	return err
}

func apiKeyKVKey(id uint32) []byte {
	return []byte(keyPrefixKVKey + strconv.FormatUint(uint64(id), 10))
}

func randomKeyValue() (string, error) {
	buf := make([]byte, keyValueLen)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(keyAlphabet))))
		if err != nil {
			return "", err
		}
		buf[i] = keyAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// Authenticate implements spec.md §4.3: every (collection, key) pair must
// pass, against either an exact key or a scoped key derived from one.
// embeddedParams is filled in parallel with keys, one entry (possibly nil)
// per input pair.
func (m *Manager) Authenticate(action string, keys []CollectionKey) (embeddedParams []map[string]any, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	embeddedParams = make([]map[string]any, len(keys))
	now := time.Now()

	for i, ck := range keys {
		if ck.APIKey == "" {
			return nil, false
		}
		if m.bootstrapKey != "" && ck.APIKey == m.bootstrapKey {
			continue
		}

		if parent, found := m.trie.lookup(ck.APIKey); found {
			if !authAgainstKey(ck.Collection, action, parent, false, now) {
				return nil, false
			}
			continue
		}

		params, embedOK := m.authenticateScoped(ck, action, now)
		if !embedOK {
			return nil, false
		}
		embeddedParams[i] = params
	}
	return embeddedParams, true
}

func (m *Manager) authenticateScoped(ck CollectionKey, action string, now time.Time) (map[string]any, bool) {
	if action != documentsSearchAction {
		return nil, false
	}
	decoded, ok := decodeScopedKey(ck.APIKey)
	if !ok {
		return nil, false
	}

	for _, parent := range m.trie.byPrefix(decoded.prefix) {
		if !authAgainstKey(ck.Collection, action, parent, true, now) {
			continue
		}
		if !decoded.verifyAgainst(parent.Value) {
			continue
		}

		params := map[string]any{}
		if len(decoded.params) > 0 {
			if err := json.Unmarshal(decoded.params, &params); err != nil {
				continue
			}
		}

		if rawExpiry, has := params["expires_at"]; has {
			expiryF, isNum := rawExpiry.(float64)
			if !isNum || expiryF < 0 {
				continue
			}
			expiry := int64(expiryF)
			if parent.ExpiresAt < expiry {
				expiry = parent.ExpiresAt
			}
			if now.Unix() > expiry {
				continue
			}
		}
		return params, true
	}
	return nil, false
}

// authAgainstKey mirrors AuthManager::auth_against_key exactly, including
// the searchOnly parent-key restriction used when verifying scoped keys.
func authAgainstKey(reqCollection, action string, key *ApiKey, searchOnly bool, now time.Time) bool {
	if key.isExpired(now) {
		return false
	}

	if searchOnly {
		if len(key.Actions) != 1 || key.Actions[0] != documentsSearchAction {
			return false
		}
	} else {
		allowed := false
		resource, _, _ := strings.Cut(action, ":")
		for _, a := range key.Actions {
			if a == "*" || (action != "*" && a == action) {
				allowed = true
				break
			}
			if strings.HasSuffix(a, ":*") && strings.TrimSuffix(a, ":*") == resource {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	collAllowed := false
	for _, c := range key.Collections {
		if c == "*" || c == reqCollection || reqCollection == "" || regexpMatch(reqCollection, c) {
			collAllowed = true
			break
		}
	}
	return collAllowed
}

func regexpMatch(value, pattern string) bool {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

// MergeEmbeddedParams folds a scoped key's embedded params into effective,
// per the overwrite/filter_by rules of AuthManager::add_item_to_params.
func MergeEmbeddedParams(effective map[string]string, embedded map[string]any, overwrite bool) {
	for key, value := range embedded {
		strValue := stringifyParam(value)
		if strValue == "" && value != nil {
			continue
		}
		existing, exists := effective[key]
		switch {
		case !exists:
			effective[key] = strValue
		case key == "filter_by":
			effective[key] = mergeFilterBy(existing, strValue)
		case overwrite:
			effective[key] = strValue
		}
	}
}

func mergeFilterBy(existing, embedded string) string {
	switch {
	case existing != "" && embedded != "":
		return "(" + existing + ") && (" + embedded + ")"
	case existing == "" && embedded != "":
		return "(" + embedded + ")"
	case existing != "" && embedded == "":
		return "(" + existing + ")"
	default:
		return ""
	}
}

func stringifyParam(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

// Housekeeping removes every key with Autodelete set whose ExpiresAt has
// passed. Intended to be called periodically by node-lifecycle code.
func (m *Manager) Housekeeping() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, k := range m.trie.all() {
		if k.Autodelete && now.Unix() > k.ExpiresAt {
			if _, err := m.kv.Remove(apiKeyKVKey(k.ID)); err != nil {
				m.log.Error("auth: failed to remove expired key", zap.Error(err), zap.Uint32("id", k.ID))
				continue
			}
			m.trie.remove(k.Value)
			m.log.Info("auth: removed expired key", zap.Uint32("id", k.ID))
		}
	}
}
