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

package apperror_test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbus-labs/searchcore/apperror"
)

func TestStatusForClasses(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", apperror.Validation.New("bad field"), http.StatusBadRequest},
		{"not found", apperror.NotFound.New("no such collection"), http.StatusNotFound},
		{"unauthorized", apperror.Unauthorized.New("bad key"), http.StatusUnauthorized},
		{"forbidden", apperror.Forbidden.New("wrong scope"), http.StatusForbidden},
		{"rate limited", apperror.RateLimited.New("too many"), http.StatusTooManyRequests},
		{"resource exhausted", apperror.ResourceExhausted.New("no space"), 422},
		{"skip writes", apperror.SkipWrites.New("writes disabled"), 422},
		{"alter in progress", apperror.AlterInProgress.New("alter running"), 422},
		{"conflict", apperror.Conflict.New("dup"), http.StatusConflict},
		{"not leader", apperror.NotLeader.New("redirect"), http.StatusInternalServerError},
		{"snapshot in progress", apperror.SnapshotInProgress.New("busy"), http.StatusConflict},
		{"shutting down", apperror.ShuttingDown.New("bye"), http.StatusServiceUnavailable},
		{"unclassified", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, apperror.StatusFor(tc.err))
		})
	}
}

func TestOutOfDiskAndMemoryAreResourceExhausted(t *testing.T) {
	require.True(t, apperror.ResourceExhausted.Has(apperror.OutOfDisk))
	require.True(t, apperror.ResourceExhausted.Has(apperror.OutOfMemory))
	require.Equal(t, 422, apperror.StatusFor(apperror.OutOfDisk))
	require.Equal(t, 422, apperror.StatusFor(apperror.OutOfMemory))
}

func TestWrappedErrorStillClassifies(t *testing.T) {
	base := apperror.NotFound.New("missing doc")
	wrapped := fmt.Errorf("lookup: %w", base)
	require.Equal(t, http.StatusNotFound, apperror.StatusFor(wrapped))
}
