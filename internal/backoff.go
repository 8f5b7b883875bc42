// Copyright 2023 UMH Systems GmbH
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

package internal

import (
	"context"
	"math/rand"
	"time"
)

const Int64Max = 1<<63 - 1

// GetBackoffTime returns a random backoff in [0, 2^retries) slots, capped at maximum.
func GetBackoffTime(retries int64, slotTime time.Duration, maximum time.Duration) (backoff time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			backoff = maximum
		}
	}()

	if slotTime <= 0 || retries <= 0 {
		return time.Duration(0)
	}
	if retries >= 63 {
		return maximum
	}
	umax := uint64(1) << retries
	if umax > Int64Max {
		return maximum
	}
	n := rand.Int63n(int64(umax))

	//Prevents overflow
	if n != 0 && uint64(slotTime.Nanoseconds()) > Int64Max/uint64(n) {
		return maximum
	}

	backoff = time.Duration(n) * slotTime
	if backoff > maximum {
		backoff = maximum
	}
	return backoff
}

// SleepBackedOff waits for the backoff of the given retry or until ctx is done.
// It returns false if ctx ended first.
func SleepBackedOff(ctx context.Context, retries int64, slotTime time.Duration, maximum time.Duration) bool {
	d := GetBackoffTime(retries, slotTime, maximum)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// RetryPolicy bounds how often and how long a failed call is retried.
type RetryPolicy struct {
	MaxAttempts int64
	SlotTime    time.Duration
	Maximum     time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	SlotTime:    10 * time.Millisecond,
	Maximum:     2 * time.Second,
}

// Retry calls fn until it succeeds, returns an error retryable rejects,
// MaxAttempts is reached or ctx ends. The last error is returned.
func Retry(ctx context.Context, policy RetryPolicy, retryable func(error) bool, fn func() error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := int64(0); attempt < attempts; attempt++ {
		if attempt > 0 && !SleepBackedOff(ctx, attempt, policy.SlotTime, policy.Maximum) {
			return err
		}
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}
