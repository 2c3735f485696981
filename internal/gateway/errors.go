// Copyright 2023 SQLKeeper Authors
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

package gateway

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// ErrorCode represents a gateway error code.
type ErrorCode int

// Error codes.
const (
	_ ErrorCode = iota

	// ErrorCodeSessionInvalid is a transient failure whose message matches
	// one of the session-invalidity markers; it triggers eviction and retry.
	ErrorCodeSessionInvalid

	// ErrorCodeOperationFailed is a non-transient statement failure
	// (malformed statement, constraint violation, type mismatch).
	ErrorCodeOperationFailed

	// ErrorCodeConnectionExhausted is raised once the retry budget is exhausted;
	// it wraps the last ErrorCodeSessionInvalid failure.
	ErrorCodeConnectionExhausted

	// ErrorCodeDirectoryUnavailable means the parent storage path could not be created.
	ErrorCodeDirectoryUnavailable
)

// String implements fmt.Stringer.
func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeSessionInvalid:
		return "SessionInvalid"
	case ErrorCodeOperationFailed:
		return "OperationFailed"
	case ErrorCodeConnectionExhausted:
		return "ConnectionExhausted"
	case ErrorCodeDirectoryUnavailable:
		return "DirectoryUnavailable"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(code))
	}
}

// Error represents a gateway error returned by all Gateway methods.
type Error struct {
	err  error
	code ErrorCode
}

// NewError creates a new gateway error.
//
// Code must not be 0. Err may be nil.
func NewError(code ErrorCode, err error) *Error {
	if code == 0 {
		panic("gateway.NewError: code must not be 0")
	}

	return &Error{
		code: code,
		err:  err,
	}
}

// Code returns the error code.
func (err *Error) Code() ErrorCode {
	return err.code
}

// Error implements error interface.
func (err *Error) Error() string {
	return fmt.Sprintf("%s: %v", err.code, err.err)
}

// Unwrap returns the wrapped cause.
func (err *Error) Unwrap() error {
	return err.err
}

// ErrorCodeIs returns true if err is *Error with one of the given error codes.
//
// At least one error code must be given.
func ErrorCodeIs(err error, code ErrorCode, codes ...ErrorCode) bool {
	e, ok := err.(*Error) //nolint:errorlint // do not inspect error chain
	if !ok {
		return false
	}

	return e.code == code || slices.Contains(codes, e.code)
}

// transientMarkers are substrings of driver messages that indicate
// a dead or invalid session. Such failures are retried on a fresh handle.
//
// Matching any of the three markers is intentional: an earlier classifier
// effectively checked only "misuse" due to an operator-precedence bug.
var transientMarkers = []string{"misuse", "closed", "not open"}

// transient reports whether err is classified as a session-invalidity failure.
func transient(err error) bool {
	msg := err.Error()

	return slices.ContainsFunc(transientMarkers, func(marker string) bool {
		return strings.Contains(msg, marker)
	})
}
