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

// Package apperror categorizes request-boundary failures the way the rest
// of the pipeline needs them categorized: by HTTP surface behavior, not by
// Go type. Every fallible call in this module returns a plain error; the
// route-handling glue unwraps it down to one of the classes below to decide
// a status code.
package apperror

import (
	"net/http"

	"github.com/zeebo/errs"
)

// Classes mirror the error-handling design in spec.md §7. Each Class wraps
// errors of a given surface-behavior kind; Has/Wrap follow the errs.Class
// convention used by storj-storj's pkg/macaroon (ErrUnauthorized, ErrRevoked).
var (
	Validation         = errs.Class("validation")
	NotFound           = errs.Class("not found")
	Unauthorized       = errs.Class("unauthorized")
	Forbidden          = errs.Class("forbidden")
	RateLimited        = errs.Class("rate limited")
	ResourceExhausted  = errs.Class("resource exhausted")
	SkipWrites         = errs.Class("writes disabled")
	AlterInProgress    = errs.Class("alter in progress")
	Conflict           = errs.Class("conflict")
	NotLeader          = errs.Class("not leader")
	SnapshotInProgress = errs.Class("snapshot in progress")
	Internal           = errs.Class("internal")
	ShuttingDown       = errs.Class("shutting down")
)

// StatusFor maps an error produced by one of the classes above to the HTTP
// status spec.md §7 assigns it. Unrecognized errors map to 500, matching
// the "Internal" catch-all for unhandled exceptions in route handlers.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case Validation.Has(err):
		return http.StatusBadRequest
	case NotFound.Has(err):
		return http.StatusNotFound
	case Unauthorized.Has(err):
		return http.StatusUnauthorized
	case Forbidden.Has(err):
		return http.StatusForbidden
	case RateLimited.Has(err):
		return http.StatusTooManyRequests
	case ResourceExhausted.Has(err):
		return 422
	case SkipWrites.Has(err):
		return 422
	case AlterInProgress.Has(err):
		return 422
	case Conflict.Has(err):
		return http.StatusConflict
	case NotLeader.Has(err):
		return http.StatusInternalServerError
	case SnapshotInProgress.Has(err):
		return http.StatusConflict
	case ShuttingDown.Has(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// OutOfDisk and OutOfMemory are the two ResourceExhausted sub-kinds
// surfaced in the response body per spec.md §7.
var (
	OutOfDisk   = ResourceExhausted.New("OUT_OF_DISK")
	OutOfMemory = ResourceExhausted.New("OUT_OF_MEMORY")
)
