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

package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/settlement-monitor/pkg/monitoring"
)

var errTxDone = errors.New("transaction already finished")

// Tx applies changes in place and records an undo step for each of them.
type Tx struct {
	store *Store
	undo  []func()
	done  bool
}

func (t *Tx) check(ctx context.Context, method string) error {
	if t.done {
		return fmt.Errorf("%w: %s: %w", monitoring.ErrStorageFailure, method, errTxDone)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", monitoring.ErrStorageFailure, method, err)
	}
	return t.store.fault(method)
}

func (t *Tx) LockResource(ctx context.Context, id int64) (monitoring.Resource, error) {
	if err := t.check(ctx, "LockResource"); err != nil {
		return monitoring.Resource{}, err
	}
	r, ok := t.store.resources[id]
	if !ok {
		return r, fmt.Errorf("%w: resource %d", monitoring.ErrNotFound, id)
	}
	return r, nil
}

func (t *Tx) InsertOperation(ctx context.Context, op monitoring.ResourceOperation) (monitoring.ResourceOperation, error) {
	if err := t.check(ctx, "InsertOperation"); err != nil {
		return op, err
	}
	if _, ok := t.store.resources[op.ResourceID]; !ok {
		return op, fmt.Errorf("%w: resource %d", monitoring.ErrNotFound, op.ResourceID)
	}
	if err := op.Validate(); err != nil {
		return op, err
	}
	op.ID = t.store.id()
	n := len(t.store.operations)
	t.store.operations = append(t.store.operations, op)
	t.undo = append(t.undo, func() { t.store.operations = t.store.operations[:n] })
	return op, nil
}

func (t *Tx) BalanceOf(ctx context.Context, resourceID int64) (int64, error) {
	if err := t.check(ctx, "BalanceOf"); err != nil {
		return 0, err
	}
	return monitoring.BalanceOf(resourceID, t.store.operations), nil
}

func (t *Tx) OpenIncident(ctx context.Context, resourceID int64) (*monitoring.Incident, error) {
	if err := t.check(ctx, "OpenIncident"); err != nil {
		return nil, err
	}
	for _, incident := range t.store.incidents {
		if incident.ResourceID == resourceID && incident.Status == monitoring.IncidentOpen {
			found := copyIncident(incident)
			return &found, nil
		}
	}
	return nil, nil
}

func (t *Tx) InsertIncident(ctx context.Context, incident monitoring.Incident) (monitoring.Incident, error) {
	if err := t.check(ctx, "InsertIncident"); err != nil {
		return incident, err
	}
	if _, ok := t.store.resources[incident.ResourceID]; !ok {
		return incident, fmt.Errorf("%w: resource %d", monitoring.ErrNotFound, incident.ResourceID)
	}
	if incident.Status == monitoring.IncidentOpen {
		for _, existing := range t.store.incidents {
			if existing.ResourceID == incident.ResourceID && existing.Status == monitoring.IncidentOpen {
				return incident, fmt.Errorf("%w: resource %d already has open incident %d", monitoring.ErrConcurrentConflict, incident.ResourceID, existing.ID)
			}
		}
	}
	incident.ID = t.store.id()
	n := len(t.store.incidents)
	t.store.incidents = append(t.store.incidents, copyIncident(incident))
	t.undo = append(t.undo, func() { t.store.incidents = t.store.incidents[:n] })
	return incident, nil
}

func (t *Tx) ResolveIncident(ctx context.Context, id int64, at time.Time) error {
	if err := t.check(ctx, "ResolveIncident"); err != nil {
		return err
	}
	for i := range t.store.incidents {
		incident := &t.store.incidents[i]
		if incident.ID != id {
			continue
		}
		if incident.Status != monitoring.IncidentOpen {
			return fmt.Errorf("%w: incident %d is no longer open", monitoring.ErrConcurrentConflict, id)
		}
		before := copyIncident(*incident)
		resolvedAt := at
		incident.Status = monitoring.IncidentResolved
		incident.ResolvedAt = &resolvedAt
		idx := i
		t.undo = append(t.undo, func() { t.store.incidents[idx] = before })
		return nil
	}
	return fmt.Errorf("%w: incident %d is no longer open", monitoring.ErrConcurrentConflict, id)
}

func (t *Tx) LockDevice(ctx context.Context, id int64) (monitoring.SensorDevice, error) {
	if err := t.check(ctx, "LockDevice"); err != nil {
		return monitoring.SensorDevice{}, err
	}
	d, ok := t.store.devices[id]
	if !ok {
		return d, fmt.Errorf("%w: device %d", monitoring.ErrNotFound, id)
	}
	return d, nil
}

func (t *Tx) UpdateDeviceReading(ctx context.Context, id int64, reading int64, at time.Time) error {
	if err := t.check(ctx, "UpdateDeviceReading"); err != nil {
		return err
	}
	before, ok := t.store.devices[id]
	if !ok {
		return fmt.Errorf("%w: device %d", monitoring.ErrNotFound, id)
	}
	after := before
	after.EnergyConsumption = reading
	after.LastUpdate = at
	t.store.devices[id] = after
	t.undo = append(t.undo, func() { t.store.devices[id] = before })
	return nil
}

func (t *Tx) LockTask(ctx context.Context, id int64) (monitoring.Task, error) {
	if err := t.check(ctx, "LockTask"); err != nil {
		return monitoring.Task{}, err
	}
	task, ok := t.store.tasks[id]
	if !ok {
		return task, fmt.Errorf("%w: task %d", monitoring.ErrNotFound, id)
	}
	return task, nil
}

func (t *Tx) SetTaskStatus(ctx context.Context, id int64, status monitoring.TaskStatus) error {
	if err := t.check(ctx, "SetTaskStatus"); err != nil {
		return err
	}
	before, ok := t.store.tasks[id]
	if !ok {
		return fmt.Errorf("%w: task %d", monitoring.ErrNotFound, id)
	}
	after := before
	after.Status = status
	t.store.tasks[id] = after
	t.undo = append(t.undo, func() { t.store.tasks[id] = before })
	return nil
}

func (t *Tx) InsertNotification(ctx context.Context, n monitoring.Notification) (monitoring.Notification, error) {
	if err := t.check(ctx, "InsertNotification"); err != nil {
		return n, err
	}
	key := string(n.Fingerprint)
	if _, exists := t.store.fingerprints[key]; exists {
		return n, fmt.Errorf("%w: notification %x already stored", monitoring.ErrConcurrentConflict, n.Fingerprint)
	}
	n.ID = t.store.id()
	count := len(t.store.notifications)
	t.store.notifications = append(t.store.notifications, n)
	t.store.fingerprints[key] = struct{}{}
	t.undo = append(t.undo, func() {
		t.store.notifications = t.store.notifications[:count]
		delete(t.store.fingerprints, key)
	})
	return n, nil
}

func (t *Tx) NotificationExists(ctx context.Context, fingerprint []byte) (bool, error) {
	if err := t.check(ctx, "NotificationExists"); err != nil {
		return false, err
	}
	_, exists := t.store.fingerprints[string(fingerprint)]
	return exists, nil
}

func (t *Tx) Commit(ctx context.Context) error {
	if err := t.check(ctx, "Commit"); err != nil {
		if !t.done {
			t.rollback()
		}
		return err
	}
	t.undo = nil
	t.done = true
	t.store.release()
	return nil
}

func (t *Tx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.rollback()
	return nil
}

func (t *Tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.done = true
	t.store.release()
}
