// Copyright 2025 UMH Systems GmbH
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

package monitoring

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors. Storage backends wrap these, and errors.Is works on both the
// wrapped storage error and the *MutationFailed returned to callers.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrStorageFailure     = errors.New("storage failure")
	ErrConcurrentConflict = errors.New("concurrent conflict")
)

type ErrorKind string

const (
	KindNotFound           ErrorKind = "NotFound"
	KindInvariantViolation ErrorKind = "InvariantViolation"
	KindStorageFailure     ErrorKind = "StorageFailure"
	KindConcurrentConflict ErrorKind = "ConcurrentConflict"
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindInvariantViolation:
		return ErrInvariantViolation
	case KindConcurrentConflict:
		return ErrConcurrentConflict
	default:
		return ErrStorageFailure
	}
}

// MutationFailed is the single error type returned by the coordinator entry points.
// Nothing of the mutation was committed when it is returned.
type MutationFailed struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *MutationFailed) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *MutationFailed) Unwrap() error {
	return e.Err
}

func (e *MutationFailed) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Retryable reports whether the caller may safely retry the whole mutation.
func (e *MutationFailed) Retryable() bool {
	return e.Kind == KindConcurrentConflict || e.Kind == KindStorageFailure
}

// Classify maps any error to its kind. Unknown errors, including context
// cancellation and deadline errors, are storage failures.
func Classify(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvariantViolation):
		return KindInvariantViolation
	case errors.Is(err, ErrConcurrentConflict):
		return KindConcurrentConflict
	default:
		return KindStorageFailure
	}
}

// Fail wraps err into a *MutationFailed for op. An existing *MutationFailed is returned unchanged.
func Fail(op string, err error) error {
	if err == nil {
		return nil
	}
	var mf *MutationFailed
	if errors.As(err, &mf) {
		return mf
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &MutationFailed{Kind: KindStorageFailure, Op: op, Err: err}
	}
	return &MutationFailed{Kind: Classify(err), Op: op, Err: err}
}

// IsRetryable reports whether repeating the whole mutation may succeed.
func IsRetryable(err error) bool {
	var mf *MutationFailed
	if errors.As(err, &mf) {
		return mf.Retryable()
	}
	kind := Classify(err)
	return kind == KindConcurrentConflict || kind == KindStorageFailure
}
