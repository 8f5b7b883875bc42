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
	"time"
)

// Store is the storage port used by the rule coordinator.
// Implementations report missing entities with ErrNotFound and lost races with ErrConcurrentConflict.
type Store interface {
	Reader
	// Begin opens a transaction. Every write of a mutation goes through a single Tx.
	Begin(ctx context.Context) (Tx, error)
}

// Reader holds the non-transactional lookups.
type Reader interface {
	Task(ctx context.Context, id int64) (Task, error)
	Balance(ctx context.Context, resourceID int64) (int64, error)
	Incidents(ctx context.Context, resourceID int64) ([]Incident, error)
	Notifications(ctx context.Context, filter NotificationFilter) ([]Notification, error)
	// DueTasks lists pending or in-progress tasks whose deadline lies before now.
	DueTasks(ctx context.Context, now time.Time, limit int) ([]int64, error)
	Ping(ctx context.Context) error
}

// Tx is one atomic unit of work. Lock* methods take the entity's row lock
// and hold it until Commit or Rollback.
type Tx interface {
	LockResource(ctx context.Context, id int64) (Resource, error)
	InsertOperation(ctx context.Context, op ResourceOperation) (ResourceOperation, error)
	BalanceOf(ctx context.Context, resourceID int64) (int64, error)
	OpenIncident(ctx context.Context, resourceID int64) (*Incident, error)
	InsertIncident(ctx context.Context, incident Incident) (Incident, error)
	ResolveIncident(ctx context.Context, id int64, at time.Time) error

	LockDevice(ctx context.Context, id int64) (SensorDevice, error)
	UpdateDeviceReading(ctx context.Context, id int64, reading int64, at time.Time) error

	LockTask(ctx context.Context, id int64) (Task, error)
	SetTaskStatus(ctx context.Context, id int64, status TaskStatus) error

	InsertNotification(ctx context.Context, n Notification) (Notification, error)
	NotificationExists(ctx context.Context, fingerprint []byte) (bool, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type NotificationFilter struct {
	Status     NotificationStatus
	SourceKind SourceKind
	SourceID   int64
	// Limit <= 0 means DefaultNotificationLimit.
	Limit int
}

const DefaultNotificationLimit = 100

func (f NotificationFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultNotificationLimit
	}
	return f.Limit
}
