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
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// BanMirror is the pluggable-sink surface Manager uses to advertise bans
// beyond this single node. Mirroring is advisory: if it fails, the local
// ban still applies (see SPEC_FULL.md's Non-goals note on cross-node ban
// propagation).
type BanMirror interface {
	MirrorBan(ctx context.Context, ruleID int64, tupleKey string, until time.Time) error
}

// RedisBanMirror publishes ban entries to Redis with a TTL equal to the
// remaining ban duration, so any other process watching the same keyspace
// (e.g. an edge proxy) can reject requests without calling back into this
// node. Grounded on the teacher's GoRedisEvaler
// (internal/ratelimiter/persistence/clients.go): a thin wrapper
// constructed from an address, built on the same go-redis/v9 client.
type RedisBanMirror struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedisBanMirror dials addr lazily — go-redis clients connect on first
// use, so this never blocks or fails at construction time.
func NewRedisBanMirror(addr string, log *zap.Logger) *RedisBanMirror {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBanMirror{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		log:    log,
	}
}

func (m *RedisBanMirror) MirrorBan(ctx context.Context, ruleID int64, tupleKey string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	key := fmt.Sprintf("searchcore:ban:%d:%s", ruleID, tupleKey)
	if err := m.client.Set(ctx, key, until.Unix(), ttl).Err(); err != nil {
		m.log.Warn("ratelimit: failed to mirror ban to redis", zap.Error(err), zap.String("key", key))
		return err
	}
	return nil
}

func (m *RedisBanMirror) Close() error { return m.client.Close() }
