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
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/united-manufacturing-hub/settlement-monitor/pkg/monitoring"
)

func (c *Connection) Task(ctx context.Context, id int64) (monitoring.Task, error) {
	task, err := scanTask(c.db.QueryRow(ctx, `
		SELECT id, name, description, status, assignee, deadline FROM tasks WHERE id = $1
	`, id))
	if err != nil {
		return task, classify(fmt.Sprintf("task %d", id), err)
	}
	return task, nil
}

func (c *Connection) Balance(ctx context.Context, resourceID int64) (int64, error) {
	var id, balance int64
	err := c.db.QueryRow(ctx, `
		SELECT r.id, COALESCE(SUM(o.quantity), 0)::BIGINT
		FROM resources r LEFT JOIN resource_operations o ON o.resource_id = r.id
		WHERE r.id = $1 GROUP BY r.id
	`, resourceID).Scan(&id, &balance)
	if err != nil {
		return 0, classify(fmt.Sprintf("balance of resource %d", resourceID), err)
	}
	return balance, nil
}

func (c *Connection) Incidents(ctx context.Context, resourceID int64) ([]monitoring.Incident, error) {
	rows, err := c.db.Query(ctx, `
		SELECT id, resource_id, type, description, status, date_time, resolved_at
		FROM incidents WHERE resource_id = $1 ORDER BY date_time DESC, id DESC
	`, resourceID)
	if err != nil {
		return nil, classify("incidents", err)
	}
	defer rows.Close()

	incidents := make([]monitoring.Incident, 0)
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, classify("incidents", err)
		}
		incidents = append(incidents, incident)
	}
	if err = rows.Err(); err != nil {
		return nil, classify("incidents", err)
	}
	return incidents, nil
}

func (c *Connection) Notifications(ctx context.Context, filter monitoring.NotificationFilter) ([]monitoring.Notification, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.SourceKind != "" {
		args = append(args, string(filter.SourceKind))
		where = append(where, fmt.Sprintf("source_kind = $%d", len(args)))
	}
	if filter.SourceID != 0 {
		args = append(args, filter.SourceID)
		where = append(where, fmt.Sprintf("source_id = $%d", len(args)))
	}
	args = append(args, filter.EffectiveLimit())

	var query strings.Builder
	query.WriteString(`SELECT id, type, message, timestamp, status, source_kind, source_id, rule, fingerprint FROM notifications`)
	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(fmt.Sprintf(" ORDER BY timestamp DESC, id DESC LIMIT $%d", len(args)))

	rows, err := c.db.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, classify("notifications", err)
	}
	defer rows.Close()

	notifications := make([]monitoring.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, classify("notifications", err)
		}
		notifications = append(notifications, n)
	}
	if err = rows.Err(); err != nil {
		return nil, classify("notifications", err)
	}
	return notifications, nil
}

func (c *Connection) DueTasks(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	rows, err := c.db.Query(ctx, `
		SELECT id FROM tasks WHERE status IN ('pending', 'in_progress') AND deadline < $1 ORDER BY deadline, id LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, classify("due tasks", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			return nil, classify("due tasks", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, classify("due tasks", err)
	}
	return ids, nil
}

func scanNotification(row pgx.Row) (monitoring.Notification, error) {
	var n monitoring.Notification
	var nType, status, kind string
	err := row.Scan(&n.ID, &nType, &n.Message, &n.Timestamp, &status, &kind, &n.SourceID, &n.Rule, &n.Fingerprint)
	n.Type = monitoring.NotificationType(nType)
	n.Status = monitoring.NotificationStatus(status)
	n.SourceKind = monitoring.SourceKind(kind)
	return n, err
}
