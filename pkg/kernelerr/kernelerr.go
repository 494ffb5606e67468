// Copyright 2024 The VeridianOS Authors.
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

// Package kernelerr defines the error taxonomy shared by every core
// subsystem (frame allocator, scheduler, capability system, MAC engine).
//
// Errors are values, never exceptions: every recoverable failure mode
// listed here is returned to the caller through an ordinary Go error,
// wrapping a Code that callers can recover with errors.As. The one
// exception is CodeInternalInvariantViolation, which callers should treat
// as fatal (see Panic).
package kernelerr

import (
	"errors"
	"fmt"
)

// Code identifies one of the recoverable (or fatal) failure classes a core
// subsystem can report, per spec section 7.
type Code int

const (
	// CodeOutOfMemory means the frame allocator could not satisfy a
	// request from any NUMA node or zone.
	CodeOutOfMemory Code = iota + 1
	// CodeInvalidArgument means a malformed token, an out-of-range frame,
	// or unparsable policy text was presented.
	CodeInvalidArgument
	// CodeNotFound means an unknown token, PID, or label was looked up.
	CodeNotFound
	// CodePermissionDenied means a MAC or capability check failed.
	CodePermissionDenied
	// CodeQuotaExceeded means a per-space or per-subsystem limit was hit.
	CodeQuotaExceeded
	// CodeInvalidState means a subsystem was consulted before
	// initialization, or is used outside its documented lifecycle.
	CodeInvalidState
	// CodeAlreadyExists means an operation would duplicate an identity
	// that must be unique (a reserved region overlap, a duplicate token).
	CodeAlreadyExists
	// CodeInternalInvariantViolation is reserved for assertion failures.
	// Recovering from one is not supported; see Panic.
	CodeInternalInvariantViolation
)

func (c Code) String() string {
	switch c {
	case CodeOutOfMemory:
		return "out of memory"
	case CodeInvalidArgument:
		return "invalid argument"
	case CodeNotFound:
		return "not found"
	case CodePermissionDenied:
		return "permission denied"
	case CodeQuotaExceeded:
		return "quota exceeded"
	case CodeInvalidState:
		return "invalid state"
	case CodeAlreadyExists:
		return "already exists"
	case CodeInternalInvariantViolation:
		return "internal invariant violation"
	default:
		return "unknown kernel error"
	}
}

// Error is a Code paired with the operation and subsystem that produced it.
type Error struct {
	Code      Code
	Subsystem string
	Op        string
	// Err, if non-nil, is the underlying cause (e.g. a parse error).
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Subsystem, e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Subsystem, e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a kernelerr.Error with the same Code,
// allowing callers to write errors.Is(err, kernelerr.New("", "", CodeNotFound)).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// New builds an Error for the given subsystem ("frame", "sched", "cap",
// "mac") and operation.
func New(subsystem, op string, code Code) *Error {
	return &Error{Code: code, Subsystem: subsystem, Op: op}
}

// Wrap builds an Error that carries an underlying cause.
func Wrap(subsystem, op string, code Code, err error) *Error {
	return &Error{Code: code, Subsystem: subsystem, Op: op, Err: err}
}

// CodeOf extracts the Code from err, if err is (or wraps) a *Error.
// It returns (0, false) otherwise.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// Panic raises an internal invariant violation. Per spec section 7, these
// are fatal: the kernel prints a diagnostic and halts the offending CPU.
// In this userspace rendering that is a panic carrying an *Error, so a
// recovering caller (e.g. a test harness) can still inspect the Code.
func Panic(subsystem, op, msg string) {
	panic(Wrap(subsystem, op, CodeInternalInvariantViolation, errors.New(msg)))
}
