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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRedisBanMirrorDoesNotDial(t *testing.T) {
	// go-redis connects lazily, so pointing at a bogus address must not
	// block or error at construction time.
	mirror := NewRedisBanMirror("127.0.0.1:0", zap.NewNop())
	require.NotNil(t, mirror)
	defer mirror.Close()
}

func TestMirrorBanSkipsAlreadyExpiredDeadline(t *testing.T) {
	mirror := NewRedisBanMirror("127.0.0.1:0", zap.NewNop())
	defer mirror.Close()

	err := mirror.MirrorBan(context.Background(), 1, "ip=1.2.3.4", time.Now().Add(-time.Minute))
	require.NoError(t, err)
}
