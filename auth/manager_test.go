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

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nimbus-labs/searchcore/kvstore/memkv"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	kv := memkv.New(t.TempDir())
	m := New(kv, "bootstrap-secret-key", zap.NewNop())
	require.NoError(t, m.Init())
	return m
}

func TestCreateKeyAndAuthenticateExact(t *testing.T) {
	m := newTestManager(t)

	key, err := m.CreateKey(ApiKey{
		Description: "full access",
		Actions:     []string{"*"},
		Collections: []string{"*"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, key.Value)

	_, ok := m.Authenticate("documents:search", []CollectionKey{{Collection: "books", APIKey: key.Value}})
	require.True(t, ok)
}

func TestAuthenticateRejectsUnknownKey(t *testing.T) {
	m := newTestManager(t)
	_, ok := m.Authenticate("documents:search", []CollectionKey{{Collection: "books", APIKey: "not-a-real-key"}})
	require.False(t, ok)
}

func TestAuthenticateRejectsWrongCollection(t *testing.T) {
	m := newTestManager(t)
	key, err := m.CreateKey(ApiKey{Actions: []string{"*"}, Collections: []string{"books"}})
	require.NoError(t, err)

	_, ok := m.Authenticate("documents:search", []CollectionKey{{Collection: "movies", APIKey: key.Value}})
	require.False(t, ok)
}

func TestAuthenticateRejectsExpiredKey(t *testing.T) {
	m := newTestManager(t)
	key, err := m.CreateKey(ApiKey{Actions: []string{"*"}, Collections: []string{"*"}, ExpiresAt: 1})
	require.NoError(t, err)

	_, ok := m.Authenticate("documents:search", []CollectionKey{{Collection: "books", APIKey: key.Value}})
	require.False(t, ok)
}

func TestBootstrapKeyAuthenticatesAnything(t *testing.T) {
	m := newTestManager(t)
	_, ok := m.Authenticate("documents:create", []CollectionKey{{Collection: "anything", APIKey: "bootstrap-secret-key"}})
	require.True(t, ok)
}

func TestScopedSearchKeyEmbedsParams(t *testing.T) {
	m := newTestManager(t)
	parent, err := m.CreateKey(ApiKey{Actions: []string{"documents:search"}, Collections: []string{"books"}})
	require.NoError(t, err)

	scoped := encodeScopedKey(parent.Value, parent.Prefix, []byte(`{"filter_by":"genre:scifi"}`))

	params, ok := m.Authenticate("documents:search", []CollectionKey{{Collection: "books", APIKey: scoped}})
	require.True(t, ok)
	require.Len(t, params, 1)
	require.Equal(t, "genre:scifi", params[0]["filter_by"])
}

func TestScopedKeyRejectedForNonSearchAction(t *testing.T) {
	m := newTestManager(t)
	parent, err := m.CreateKey(ApiKey{Actions: []string{"documents:search"}, Collections: []string{"books"}})
	require.NoError(t, err)
	scoped := encodeScopedKey(parent.Value, parent.Prefix, []byte(`{}`))

	_, ok := m.Authenticate("documents:create", []CollectionKey{{Collection: "books", APIKey: scoped}})
	require.False(t, ok)
}

func TestRotateKeyInvalidatesOldValue(t *testing.T) {
	m := newTestManager(t)
	key, err := m.CreateKey(ApiKey{Actions: []string{"*"}, Collections: []string{"*"}})
	require.NoError(t, err)

	rotated, err := m.RotateKey(key.ID)
	require.NoError(t, err)
	require.NotEqual(t, key.Value, rotated.Value)

	_, ok := m.Authenticate("documents:search", []CollectionKey{{Collection: "books", APIKey: key.Value}})
	require.False(t, ok)

	_, ok = m.Authenticate("documents:search", []CollectionKey{{Collection: "books", APIKey: rotated.Value}})
	require.True(t, ok)
}

func TestListKeysTruncatesSecretValue(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateKey(ApiKey{Actions: []string{"*"}, Collections: []string{"*"}})
	require.NoError(t, err)

	keys := m.ListKeys()
	require.Len(t, keys, 1)
	require.Contains(t, keys[0].Value, "*")
}

func TestListSearchOnlyKeysFiltersByAction(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateKey(ApiKey{Actions: []string{"documents:search"}, Collections: []string{"*"}})
	require.NoError(t, err)
	_, err = m.CreateKey(ApiKey{Actions: []string{"*"}, Collections: []string{"*"}})
	require.NoError(t, err)

	searchOnly := m.ListSearchOnlyKeys()
	require.Len(t, searchOnly, 1)
}

func TestRemoveKeyThenAuthenticateFails(t *testing.T) {
	m := newTestManager(t)
	key, err := m.CreateKey(ApiKey{Actions: []string{"*"}, Collections: []string{"*"}})
	require.NoError(t, err)

	require.NoError(t, m.RemoveKey(key.ID))
	_, ok := m.Authenticate("documents:search", []CollectionKey{{Collection: "books", APIKey: key.Value}})
	require.False(t, ok)
}

func TestMergeEmbeddedParamsFiltersByIsConjoined(t *testing.T) {
	effective := map[string]string{"filter_by": "category:fiction"}
	embedded := map[string]any{"filter_by": "user_id:42"}

	MergeEmbeddedParams(effective, embedded, false)
	require.Equal(t, "(category:fiction) && (user_id:42)", effective["filter_by"])
}

func TestMergeEmbeddedParamsNoOverwriteKeepsExisting(t *testing.T) {
	effective := map[string]string{"per_page": "10"}
	embedded := map[string]any{"per_page": float64(50)}

	MergeEmbeddedParams(effective, embedded, false)
	require.Equal(t, "10", effective["per_page"])
}

func TestMergeEmbeddedParamsOverwriteReplacesNonFilter(t *testing.T) {
	effective := map[string]string{"per_page": "10"}
	embedded := map[string]any{"per_page": float64(50)}

	MergeEmbeddedParams(effective, embedded, true)
	require.Equal(t, "50", effective["per_page"])
}

func TestHousekeepingRemovesExpiredAutodeleteKeys(t *testing.T) {
	m := newTestManager(t)
	key, err := m.CreateKey(ApiKey{Actions: []string{"*"}, Collections: []string{"*"}, ExpiresAt: 1, Autodelete: true})
	require.NoError(t, err)

	m.Housekeeping()

	_, err = m.GetKey(key.ID, false)
	require.Error(t, err)
}
