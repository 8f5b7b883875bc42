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
	"fmt"
	"time"
)

type OperationType string

const (
	OperationConsumption   OperationType = "consumption"
	OperationReplenishment OperationType = "replenishment"
)

type IncidentStatus string

const (
	IncidentOpen     IncidentStatus = "open"
	IncidentResolved IncidentStatus = "resolved"
)

// IncidentTypeShortage is the type of incidents opened by the threshold rule.
const IncidentTypeShortage = "resource_shortage"

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskOverdue    TaskStatus = "overdue"
	TaskDone       TaskStatus = "done"
)

type NotificationType string

const (
	NotificationWarning  NotificationType = "warning"
	NotificationCritical NotificationType = "critical"
	NotificationAlert    NotificationType = "alert"
	NotificationInfo     NotificationType = "info"
)

type NotificationStatus string

const (
	NotificationUnread NotificationStatus = "unread"
	NotificationRead   NotificationStatus = "read"
)

// SourceKind names the entity a notification was derived from.
type SourceKind string

const (
	SourceResource SourceKind = "resource"
	SourceDevice   SourceKind = "device"
	SourceTask     SourceKind = "task"
)

// Rule names, stored on every notification.
const (
	RuleResourceThreshold = "resource_threshold"
	RuleEnergyLimit       = "energy_limit"
	RuleTaskDeadline      = "task_deadline"
)

type Settlement struct {
	ID          int64
	Name        string
	Region      string
	ClimateType string
}

type Infrastructure struct {
	ID           int64
	Name         string
	Type         string
	SettlementID int64
}

type Resource struct {
	ID           int64
	Name         string
	Unit         string
	Type         string
	SettlementID int64
}

// ResourceOperation is an append-only stock movement. Quantity is signed:
// positive for replenishment, negative for consumption.
type ResourceOperation struct {
	ID           int64
	ResourceID   int64
	SettlementID int64
	Quantity     int64
	Type         OperationType
	Date         time.Time
}

// Validate checks the sign/type invariant. A zero quantity matches neither type.
func (o ResourceOperation) Validate() error {
	switch o.Type {
	case OperationReplenishment:
		if o.Quantity <= 0 {
			return fmt.Errorf("%w: replenishment requires a positive quantity, got %d", ErrInvariantViolation, o.Quantity)
		}
	case OperationConsumption:
		if o.Quantity >= 0 {
			return fmt.Errorf("%w: consumption requires a negative quantity, got %d", ErrInvariantViolation, o.Quantity)
		}
	default:
		return fmt.Errorf("%w: unknown operation type %q", ErrInvariantViolation, o.Type)
	}
	return nil
}

type Incident struct {
	ID          int64
	ResourceID  int64
	Type        string
	Description string
	Status      IncidentStatus
	DateTime    time.Time
	ResolvedAt  *time.Time
}

// SensorDevice holds the latest energy reading of a device; a new reading overwrites the previous one.
type SensorDevice struct {
	ID                int64
	Name              string
	Type              string
	InfrastructureID  int64
	Status            string
	LastUpdate        time.Time
	EnergyConsumption int64
}

type Task struct {
	ID          int64
	Name        string
	Description string
	Status      TaskStatus
	Assignee    string
	Deadline    time.Time
}

// Notification is never updated after it has been stored.
type Notification struct {
	ID          int64
	Type        NotificationType
	Message     string
	Timestamp   time.Time
	Status      NotificationStatus
	SourceKind  SourceKind
	SourceID    int64
	Rule        string
	Fingerprint []byte
}

type IncidentChangeKind string

const (
	IncidentOpened       IncidentChangeKind = "opened"
	IncidentAutoResolved IncidentChangeKind = "resolved"
)

type IncidentChange struct {
	Kind     IncidentChangeKind
	Incident Incident
}

// Outcome is everything a single coordinator call committed.
type Outcome struct {
	MutationID      string
	Operation       *ResourceOperation
	Balance         *int64
	Device          *SensorDevice
	Task            *Task
	Notifications   []Notification
	IncidentChanges []IncidentChange
}

// Empty reports whether the call committed nothing.
func (o Outcome) Empty() bool {
	return o.Operation == nil && o.Device == nil && o.Task == nil &&
		len(o.Notifications) == 0 && len(o.IncidentChanges) == 0
}
