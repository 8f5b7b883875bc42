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

package postgresql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/united-manufacturing-hub/settlement-monitor/pkg/monitoring"
	"go.uber.org/zap"
)

// Tx implements monitoring.Tx. It is not safe for concurrent use.
type Tx struct {
	tx pgx.Tx
}

func (t *Tx) LockResource(ctx context.Context, id int64) (monitoring.Resource, error) {
	var r monitoring.Resource
	err := t.tx.QueryRow(ctx, `
		SELECT id, name, unit, type, settlement_id FROM resources WHERE id = $1 FOR UPDATE
	`, id).Scan(&r.ID, &r.Name, &r.Unit, &r.Type, &r.SettlementID)
	if err != nil {
		return r, classify(fmt.Sprintf("lock resource %d", id), err)
	}
	return r, nil
}

func (t *Tx) InsertOperation(ctx context.Context, op monitoring.ResourceOperation) (monitoring.ResourceOperation, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO resource_operations (resource_id, settlement_id, date, quantity, operation_type)
		VALUES ($1, $2, $3, $4, $5) RETURNING id
	`, op.ResourceID, op.SettlementID, op.Date, op.Quantity, string(op.Type)).Scan(&op.ID)
	if err != nil {
		zap.S().Warnf("Error inserting resource operation: %v (resourceId: %d)", err, op.ResourceID)
		return op, classify("insert resource operation", err)
	}
	return op, nil
}

func (t *Tx) BalanceOf(ctx context.Context, resourceID int64) (int64, error) {
	var balance int64
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0)::BIGINT FROM resource_operations WHERE resource_id = $1
	`, resourceID).Scan(&balance)
	if err != nil {
		return 0, classify("balance", err)
	}
	return balance, nil
}

func (t *Tx) OpenIncident(ctx context.Context, resourceID int64) (*monitoring.Incident, error) {
	incident, err := scanIncident(t.tx.QueryRow(ctx, `
		SELECT id, resource_id, type, description, status, date_time, resolved_at
		FROM incidents WHERE resource_id = $1 AND status = 'open' FOR UPDATE
	`, resourceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("open incident", err)
	}
	return &incident, nil
}

func (t *Tx) InsertIncident(ctx context.Context, incident monitoring.Incident) (monitoring.Incident, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO incidents (resource_id, type, description, status, date_time)
		VALUES ($1, $2, $3, $4, $5) RETURNING id
	`, incident.ResourceID, incident.Type, incident.Description, string(incident.Status), incident.DateTime).Scan(&incident.ID)
	if err != nil {
		zap.S().Warnf("Error inserting incident: %v (resourceId: %d)", err, incident.ResourceID)
		return incident, classify("insert incident", err)
	}
	return incident, nil
}

func (t *Tx) ResolveIncident(ctx context.Context, id int64, at time.Time) error {
	cmdTag, err := t.tx.Exec(ctx, `
		UPDATE incidents SET status = 'resolved', resolved_at = $2 WHERE id = $1 AND status = 'open'
	`, id, at)
	if err != nil {
		zap.S().Warnf("Error resolving incident: %v (incidentId: %d) [%s]", err, id, cmdTag)
		return classify("resolve incident", err)
	}
	if cmdTag.RowsAffected() != 1 {
		return fmt.Errorf("%w: incident %d is no longer open", monitoring.ErrConcurrentConflict, id)
	}
	return nil
}

func (t *Tx) LockDevice(ctx context.Context, id int64) (monitoring.SensorDevice, error) {
	var d monitoring.SensorDevice
	err := t.tx.QueryRow(ctx, `
		SELECT id, name, type, infrastructure_id, status, last_update, energy_consumption
		FROM sensors_devices WHERE id = $1 FOR UPDATE
	`, id).Scan(&d.ID, &d.Name, &d.Type, &d.InfrastructureID, &d.Status, &d.LastUpdate, &d.EnergyConsumption)
	if err != nil {
		return d, classify(fmt.Sprintf("lock device %d", id), err)
	}
	return d, nil
}

func (t *Tx) UpdateDeviceReading(ctx context.Context, id int64, reading int64, at time.Time) error {
	cmdTag, err := t.tx.Exec(ctx, `
		UPDATE sensors_devices SET energy_consumption = $2, last_update = $3 WHERE id = $1
	`, id, reading, at)
	if err != nil {
		zap.S().Warnf("Error updating device reading: %v (deviceId: %d) [%s]", err, id, cmdTag)
		return classify("update device reading", err)
	}
	if cmdTag.RowsAffected() != 1 {
		return fmt.Errorf("%w: device %d", monitoring.ErrNotFound, id)
	}
	return nil
}

func (t *Tx) LockTask(ctx context.Context, id int64) (monitoring.Task, error) {
	task, err := scanTask(t.tx.QueryRow(ctx, `
		SELECT id, name, description, status, assignee, deadline FROM tasks WHERE id = $1 FOR UPDATE
	`, id))
	if err != nil {
		return task, classify(fmt.Sprintf("lock task %d", id), err)
	}
	return task, nil
}

func (t *Tx) SetTaskStatus(ctx context.Context, id int64, status monitoring.TaskStatus) error {
	cmdTag, err := t.tx.Exec(ctx, `UPDATE tasks SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		zap.S().Warnf("Error updating task status: %v (taskId: %d) [%s]", err, id, cmdTag)
		return classify("set task status", err)
	}
	if cmdTag.RowsAffected() != 1 {
		return fmt.Errorf("%w: task %d", monitoring.ErrNotFound, id)
	}
	return nil
}

func (t *Tx) InsertNotification(ctx context.Context, n monitoring.Notification) (monitoring.Notification, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO notifications (type, message, timestamp, status, source_kind, source_id, rule, fingerprint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id
	`, string(n.Type), n.Message, n.Timestamp, string(n.Status), string(n.SourceKind), n.SourceID, n.Rule, n.Fingerprint).Scan(&n.ID)
	if err != nil {
		zap.S().Warnf("Error inserting notification: %v (%s %d)", err, n.SourceKind, n.SourceID)
		return n, classify("insert notification", err)
	}
	return n, nil
}

func (t *Tx) NotificationExists(ctx context.Context, fingerprint []byte) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM notifications WHERE fingerprint = $1)`, fingerprint).Scan(&exists)
	if err != nil {
		return false, classify("lookup notification", err)
	}
	return exists, nil
}

func (t *Tx) Commit(ctx context.Context) error {
	now := time.Now()
	err := t.tx.Commit(ctx)
	commitDuration.Observe(time.Since(now).Seconds())
	zap.S().Debugf("Committing to postgresql took: %s", time.Since(now))
	if err != nil {
		return classify("commit", err)
	}
	return nil
}

// Rollback is a no-op after Commit.
func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	rollbacks.Inc()
	if err != nil {
		zap.S().Errorf("Error rolling back transaction: %v", err)
		return classify("rollback", err)
	}
	return nil
}

func scanIncident(row pgx.Row) (monitoring.Incident, error) {
	var i monitoring.Incident
	var status string
	var resolvedAt *time.Time
	err := row.Scan(&i.ID, &i.ResourceID, &i.Type, &i.Description, &status, &i.DateTime, &resolvedAt)
	i.Status = monitoring.IncidentStatus(status)
	i.ResolvedAt = resolvedAt
	return i, err
}

func scanTask(row pgx.Row) (monitoring.Task, error) {
	var task monitoring.Task
	var status string
	err := row.Scan(&task.ID, &task.Name, &task.Description, &status, &task.Assignee, &task.Deadline)
	task.Status = monitoring.TaskStatus(status)
	return task, err
}
