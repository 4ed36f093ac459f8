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
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// digestLen is the length, in bytes, of a base64-standard-encoded
// HMAC-SHA256 digest (32 raw bytes -> 44 base64 characters with padding).
// The scoped-key wire format embeds this digest as ASCII text, not raw
// bytes, so a second layer of base64 can wrap the whole envelope.
const digestLen = 44

const minScopedKeyLen = digestLen + 4 // digest + 4-byte prefix, params may be empty

// deriveDigest computes the base64 digest embedded in a scoped key:
// HMAC-SHA256 keyed by the parent key's raw value, over the raw param
// bytes, itself base64-encoded.
func deriveDigest(parentValue string, params []byte) string {
	mac := hmac.New(sha256.New, []byte(parentValue))
	mac.Write(params)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// encodeScopedKey builds the wire value for a scoped key: base64(digest ||
// prefix || params), where digest is itself the base64 text from
// deriveDigest and prefix is the parent key's 4-char prefix.
func encodeScopedKey(parentValue, parentPrefix string, params []byte) string {
	digest := deriveDigest(parentValue, params)
	buf := make([]byte, 0, len(digest)+len(parentPrefix)+len(params))
	buf = append(buf, digest...)
	buf = append(buf, parentPrefix...)
	buf = append(buf, params...)
	return base64.StdEncoding.EncodeToString(buf)
}

// decodedScopedKey is the unpacked form of a presented scoped key, per
// spec.md §4.3.
type decodedScopedKey struct {
	digest string
	prefix string
	params []byte
}

// decodeScopedKey base64-decodes presented and splits it into its digest,
// prefix, and params components. It returns ok=false (not an error) for any
// input that doesn't have the minimum scoped-key shape, since the caller
// treats "not a scoped key" as just another lookup miss.
func decodeScopedKey(presented string) (decodedScopedKey, bool) {
	raw, err := base64.StdEncoding.DecodeString(presented)
	if err != nil || len(raw) < minScopedKeyLen {
		return decodedScopedKey{}, false
	}
	return decodedScopedKey{
		digest: string(raw[:digestLen]),
		prefix: string(raw[digestLen : digestLen+4]),
		params: raw[digestLen+4:],
	}, true
}

// verifyAgainst reports whether this decoded key was produced from
// parentValue over exactly these params, using a constant-time digest
// comparison to avoid timing side-channels.
func (d decodedScopedKey) verifyAgainst(parentValue string) bool {
	expected := deriveDigest(parentValue, d.params)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(d.digest)) == 1
}
