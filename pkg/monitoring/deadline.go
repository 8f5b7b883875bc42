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
	"fmt"
	"time"

	"github.com/looplab/fsm"
)

// Task lifecycle events.
const (
	EventStart          = "start"
	EventComplete       = "complete"
	EventDeadlinePassed = "deadline_passed"
)

// newTaskLifecycle builds the task state machine starting at status.
// overdue and done have no outgoing transitions.
func newTaskLifecycle(status TaskStatus) *fsm.FSM {
	return fsm.NewFSM(
		string(status),
		fsm.Events{
			{Name: EventStart, Src: []string{string(TaskPending)}, Dst: string(TaskInProgress)},
			{Name: EventComplete, Src: []string{string(TaskPending), string(TaskInProgress)}, Dst: string(TaskDone)},
			{Name: EventDeadlinePassed, Src: []string{string(TaskPending), string(TaskInProgress)}, Dst: string(TaskOverdue)},
		},
		fsm.Callbacks{},
	)
}

// CanTransition reports whether event is allowed from status.
func CanTransition(status TaskStatus, event string) bool {
	return newTaskLifecycle(status).Can(event)
}

// Transition applies event to status and returns the resulting status.
func Transition(status TaskStatus, event string) (TaskStatus, error) {
	lifecycle := newTaskLifecycle(status)
	if err := lifecycle.Event(context.Background(), event); err != nil {
		return status, fmt.Errorf("%w: task cannot %s from %s: %v", ErrInvariantViolation, event, status, err)
	}
	return TaskStatus(lifecycle.Current()), nil
}

// Terminal reports whether no further lifecycle event can change status.
func Terminal(status TaskStatus) bool {
	lifecycle := newTaskLifecycle(status)
	return !lifecycle.Can(EventStart) && !lifecycle.Can(EventComplete) && !lifecycle.Can(EventDeadlinePassed)
}

type DeadlineDecision struct {
	Overdue   bool
	NewStatus TaskStatus
	Alert     *Notification
}

// EvaluateDeadline decides whether task turns overdue at now. A task that is already
// overdue (or done) never produces a second decision.
func EvaluateDeadline(task Task, now time.Time) DeadlineDecision {
	if !now.After(task.Deadline) || !CanTransition(task.Status, EventDeadlinePassed) {
		return DeadlineDecision{NewStatus: task.Status}
	}
	next, err := Transition(task.Status, EventDeadlinePassed)
	if err != nil {
		return DeadlineDecision{NewStatus: task.Status}
	}
	trigger := Trigger{Ref: task.Deadline.UTC().Format(time.RFC3339Nano), At: now}
	return DeadlineDecision{
		Overdue:   true,
		NewStatus: next,
		Alert: newNotification(
			NotificationAlert,
			SourceTask,
			task.ID,
			RuleTaskDeadline,
			fmt.Sprintf("Deadline missed for task ID: %d (assignee: %s, deadline: %s)", task.ID, task.Assignee, task.Deadline.UTC().Format(time.RFC3339)),
			trigger,
		),
	}
}
