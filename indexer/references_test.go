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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCollectionNameFromBodyExtractsName(t *testing.T) {
	require.Equal(t, "books", collectionNameFromBody([]byte(`{"name":"books","fields":[]}`)))
}

func TestCollectionNameFromBodyMalformedYieldsEmpty(t *testing.T) {
	require.Equal(t, "", collectionNameFromBody([]byte(`not json`)))
}

func TestReferencedCollectionsExtractsLeadingSegment(t *testing.T) {
	body := []byte(`{"name":"a","fields":[
		{"name":"book_id","type":"string","reference":"b.id"},
		{"name":"title","type":"string"}
	]}`)
	require.Equal(t, []string{"b"}, referencedCollections(body))
}

func TestReferencedCollectionsDedupsMultipleFieldsToSameCollection(t *testing.T) {
	body := []byte(`{"name":"a","fields":[
		{"name":"book_id","type":"string","reference":"b.id"},
		{"name":"book_title","type":"string","reference":"b.title"}
	]}`)
	require.Equal(t, []string{"b"}, referencedCollections(body))
}

func TestReferencedCollectionsNoReferencesYieldsNil(t *testing.T) {
	body := []byte(`{"name":"a","fields":[{"name":"title","type":"string"}]}`)
	require.Nil(t, referencedCollections(body))
}

func TestReferencedCollectionsMissingNameYieldsNil(t *testing.T) {
	body := []byte(`{"fields":[{"name":"book_id","reference":"b.id"}]}`)
	require.Nil(t, referencedCollections(body))
}
