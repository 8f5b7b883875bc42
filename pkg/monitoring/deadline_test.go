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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateDeadline(t *testing.T) {
	deadline := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	testCases := []struct {
		name   string
		status TaskStatus
		now    time.Time
		want   bool
	}{
		{name: "pending past deadline", status: TaskPending, now: deadline.Add(time.Second), want: true},
		{name: "in progress past deadline", status: TaskInProgress, now: deadline.Add(time.Hour), want: true},
		{name: "exactly at deadline", status: TaskPending, now: deadline, want: false},
		{name: "before deadline", status: TaskPending, now: deadline.Add(-time.Hour), want: false},
		{name: "already overdue", status: TaskOverdue, now: deadline.Add(time.Hour), want: false},
		{name: "done", status: TaskDone, now: deadline.Add(time.Hour), want: false},
		{name: "unknown status", status: "archived", now: deadline.Add(time.Hour), want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			task := Task{ID: 3, Status: tc.status, Assignee: "ops", Deadline: deadline}
			d := EvaluateDeadline(task, tc.now)

			assert.Equal(t, tc.want, d.Overdue)
			assert.Equal(t, tc.want, d.Alert != nil)
			if tc.want {
				assert.Equal(t, TaskOverdue, d.NewStatus)
				assert.Equal(t, NotificationAlert, d.Alert.Type)
				assert.Contains(t, d.Alert.Message, "task ID: 3")
				assert.Equal(t, tc.now, d.Alert.Timestamp)
			} else {
				assert.Equal(t, tc.status, d.NewStatus)
			}
		})
	}
}

func TestEvaluateDeadlineIdempotent(t *testing.T) {
	deadline := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	task := Task{ID: 3, Status: TaskPending, Deadline: deadline}

	first := EvaluateDeadline(task, deadline.Add(time.Minute))
	require.True(t, first.Overdue)

	task.Status = first.NewStatus
	second := EvaluateDeadline(task, deadline.Add(time.Hour))
	assert.False(t, second.Overdue)
	assert.Nil(t, second.Alert)
}

func TestTaskLifecycle(t *testing.T) {
	next, err := Transition(TaskPending, EventStart)
	require.NoError(t, err)
	assert.Equal(t, TaskInProgress, next)

	next, err = Transition(next, EventComplete)
	require.NoError(t, err)
	assert.Equal(t, TaskDone, next)

	_, err = Transition(TaskDone, EventDeadlinePassed)
	assert.True(t, errors.Is(err, ErrInvariantViolation))

	assert.True(t, Terminal(TaskOverdue))
	assert.True(t, Terminal(TaskDone))
	assert.False(t, Terminal(TaskPending))
	assert.False(t, Terminal(TaskInProgress))
}

func TestLedger(t *testing.T) {
	ops := []ResourceOperation{
		{ResourceID: 1, Quantity: 100, Type: OperationReplenishment},
		{ResourceID: 2, Quantity: 5, Type: OperationReplenishment},
		{ResourceID: 1, Quantity: -60, Type: OperationConsumption},
		{ResourceID: 1, Quantity: 30, Type: OperationReplenishment},
	}
	assert.Equal(t, int64(75), Balance(ops))
	assert.Equal(t, int64(70), BalanceOf(1, ops))
	assert.Equal(t, int64(5), BalanceOf(2, ops))
	assert.Equal(t, int64(0), BalanceOf(3, ops))

	before := BalanceOf(1, ops[:2])
	assert.Equal(t, BalanceOf(1, ops[:3]), ApplyOperation(before, ops[2]))
}

func TestOperationValidate(t *testing.T) {
	assert.NoError(t, ResourceOperation{Quantity: 10, Type: OperationReplenishment}.Validate())
	assert.NoError(t, ResourceOperation{Quantity: -10, Type: OperationConsumption}.Validate())

	for _, op := range []ResourceOperation{
		{Quantity: -10, Type: OperationReplenishment},
		{Quantity: 10, Type: OperationConsumption},
		{Quantity: 0, Type: OperationConsumption},
		{Quantity: 0, Type: OperationReplenishment},
		{Quantity: 5, Type: "transfer"},
	} {
		err := op.Validate()
		assert.True(t, errors.Is(err, ErrInvariantViolation), "%+v", op)
	}
}

func TestMutationFailed(t *testing.T) {
	err := Fail("record_operation", errors.Join(ErrNotFound, errors.New("resource 9")))
	var mf *MutationFailed
	require.True(t, errors.As(err, &mf))
	assert.Equal(t, KindNotFound, mf.Kind)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, mf.Retryable())

	conflict := Fail("record_operation", ErrConcurrentConflict)
	assert.True(t, errors.Is(conflict, ErrConcurrentConflict))
	assert.True(t, conflict.(*MutationFailed).Retryable())

	// Already classified errors pass through unchanged.
	assert.Same(t, conflict, Fail("other", conflict))
	assert.Nil(t, Fail("noop", nil))
	assert.Equal(t, KindStorageFailure, Classify(errors.New("connection reset")))

	assert.True(t, IsRetryable(conflict))
	assert.True(t, IsRetryable(errors.New("connection reset")))
	assert.False(t, IsRetryable(err))
	assert.False(t, IsRetryable(ErrInvariantViolation))
}
