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
	"encoding/json"
	"strings"
)

// collectionSchemaBody is the subset of a collection-create request body
// the indexer needs: its own name, and any field-level references to other
// collections, per spec.md §4.1/§8 scenario 4 and
// original_source/src/batched_indexer.cpp's get_ref_coll_names.
type collectionSchemaBody struct {
	Name   string `json:"name"`
	Fields []struct {
		Reference string `json:"reference"`
	} `json:"fields"`
}

// collectionNameFromBody recovers the collection name from a
// collection-create request body, for the case where the route carries no
// :collection path segment (the name only appears in the body).
func collectionNameFromBody(body []byte) string {
	var schema collectionSchemaBody
	if err := json.Unmarshal(body, &schema); err != nil {
		return ""
	}
	return schema.Name
}

// referencedCollections extracts the distinct set of collection names a
// collection-create body's fields reference, by taking the leading
// "Collection" segment of each "Collection.field_name" reference string.
// Malformed or reference-free bodies yield nil.
func referencedCollections(body []byte) []string {
	var schema collectionSchemaBody
	if err := json.Unmarshal(body, &schema); err != nil || schema.Name == "" {
		return nil
	}

	seen := make(map[string]struct{}, len(schema.Fields))
	var out []string
	for _, field := range schema.Fields {
		if field.Reference == "" {
			continue
		}
		name := field.Reference
		if dot := strings.IndexByte(name, '.'); dot >= 0 {
			name = name[:dot]
		}
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
