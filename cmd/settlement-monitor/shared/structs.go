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

package shared

import (
	"encoding/hex"

	"github.com/united-manufacturing-hub/settlement-monitor/pkg/monitoring"
)

const (
	TopicPrefix            = "settlement.v1."
	TopicResourceOperation = TopicPrefix + "resource-operation"
	TopicSensorReading     = TopicPrefix + "sensor-reading"
	TopicTaskClock         = TopicPrefix + "task-clock"
	TopicNotifications     = TopicPrefix + "notifications"

	// TopicRegex selects the inbound topics only, never our own notifications.
	TopicRegex = `^settlement\.v1\.(resource-operation|sensor-reading|task-clock)$`

	RedisNotificationChannel = "settlement:notifications"
	InfluxEnergyMeasurement  = "energy_consumption"
)

type ResourceOperationMessage struct {
	ResourceID    int64  `json:"resource_id"`
	SettlementID  int64  `json:"settlement_id,omitempty"`
	Quantity      int64  `json:"quantity"`
	OperationType string `json:"operation_type"`
	TimestampMs   int64  `json:"timestamp_ms,omitempty"`
}

type SensorReadingMessage struct {
	DeviceID    int64 `json:"device_id"`
	Value       int64 `json:"value"`
	TimestampMs int64 `json:"timestamp_ms,omitempty"`
}

type TaskClockMessage struct {
	TaskID      int64 `json:"task_id"`
	TimestampMs int64 `json:"timestamp_ms,omitempty"`
}

// EnergyPayload is the body of an MQTT energy reading. The device id is part of the topic.
type EnergyPayload struct {
	Value       *int64 `json:"value"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// NotificationEvent is the published form of a committed notification.
type NotificationEvent struct {
	MutationID  string `json:"mutation_id"`
	ID          int64  `json:"id"`
	Type        string `json:"type"`
	Message     string `json:"message"`
	TimestampMs int64  `json:"timestamp_ms"`
	SourceKind  string `json:"source_kind"`
	SourceID    int64  `json:"source_id"`
	Rule        string `json:"rule"`
	Fingerprint string `json:"fingerprint"`
}

func NewNotificationEvent(mutationID string, n monitoring.Notification) NotificationEvent {
	return NotificationEvent{
		MutationID:  mutationID,
		ID:          n.ID,
		Type:        string(n.Type),
		Message:     n.Message,
		TimestampMs: n.Timestamp.UnixMilli(),
		SourceKind:  string(n.SourceKind),
		SourceID:    n.SourceID,
		Rule:        n.Rule,
		Fingerprint: hex.EncodeToString(n.Fingerprint),
	}
}
