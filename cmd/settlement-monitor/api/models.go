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

package api

import (
	"encoding/hex"
	"time"

	"github.com/united-manufacturing-hub/settlement-monitor/pkg/monitoring"
)

type idRequest struct {
	ID int64 `uri:"id" binding:"required,min=1"`
}

type operationRequest struct {
	SettlementID  int64  `json:"settlement_id" binding:"omitempty,min=1"`
	Quantity      int64  `json:"quantity" binding:"required"`
	OperationType string `json:"operation_type" binding:"required,oneof=consumption replenishment"`
	TimestampMs   int64  `json:"timestamp_ms" binding:"omitempty,min=1"`
}

type readingRequest struct {
	Value       *int64 `json:"value" binding:"required"`
	TimestampMs int64  `json:"timestamp_ms" binding:"omitempty,min=1"`
}

type clockRequest struct {
	TimestampMs int64 `json:"timestamp_ms" binding:"omitempty,min=1"`
}

type notificationsQuery struct {
	Status     string `form:"status" binding:"omitempty,oneof=unread read"`
	SourceKind string `form:"source_kind" binding:"omitempty,oneof=resource device task"`
	SourceID   int64  `form:"source_id" binding:"omitempty,min=1"`
	Limit      int    `form:"limit" binding:"omitempty,min=1,max=1000"`
}

type notificationResponse struct {
	ID          int64     `json:"id"`
	Type        string    `json:"type"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	Status      string    `json:"status"`
	SourceKind  string    `json:"source_kind"`
	SourceID    int64     `json:"source_id"`
	Rule        string    `json:"rule"`
	Fingerprint string    `json:"fingerprint"`
}

type incidentResponse struct {
	ID          int64      `json:"id"`
	ResourceID  int64      `json:"resource_id"`
	Type        string     `json:"type"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	DateTime    time.Time  `json:"date_time"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

type incidentChangeResponse struct {
	Kind     string           `json:"kind"`
	Incident incidentResponse `json:"incident"`
}

type operationResponse struct {
	ID           int64     `json:"id"`
	ResourceID   int64     `json:"resource_id"`
	SettlementID int64     `json:"settlement_id"`
	Quantity     int64     `json:"quantity"`
	Type         string    `json:"operation_type"`
	Date         time.Time `json:"date"`
}

type deviceResponse struct {
	ID                int64     `json:"id"`
	EnergyConsumption int64     `json:"energy_consumption"`
	LastUpdate        time.Time `json:"last_update"`
}

type taskResponse struct {
	ID       int64     `json:"id"`
	Status   string    `json:"status"`
	Deadline time.Time `json:"deadline"`
}

type outcomeResponse struct {
	MutationID      string                   `json:"mutation_id,omitempty"`
	Operation       *operationResponse       `json:"operation,omitempty"`
	Balance         *int64                   `json:"balance,omitempty"`
	Device          *deviceResponse          `json:"device,omitempty"`
	Task            *taskResponse            `json:"task,omitempty"`
	Notifications   []notificationResponse   `json:"notifications"`
	IncidentChanges []incidentChangeResponse `json:"incident_changes"`
}

type balanceResponse struct {
	ResourceID int64 `json:"resource_id"`
	Balance    int64 `json:"balance"`
}

func toNotification(n monitoring.Notification) notificationResponse {
	return notificationResponse{
		ID:          n.ID,
		Type:        string(n.Type),
		Message:     n.Message,
		Timestamp:   n.Timestamp,
		Status:      string(n.Status),
		SourceKind:  string(n.SourceKind),
		SourceID:    n.SourceID,
		Rule:        n.Rule,
		Fingerprint: hex.EncodeToString(n.Fingerprint),
	}
}

func toNotifications(ns []monitoring.Notification) []notificationResponse {
	out := make([]notificationResponse, 0, len(ns))
	for _, n := range ns {
		out = append(out, toNotification(n))
	}
	return out
}

func toIncident(i monitoring.Incident) incidentResponse {
	return incidentResponse{
		ID:          i.ID,
		ResourceID:  i.ResourceID,
		Type:        i.Type,
		Description: i.Description,
		Status:      string(i.Status),
		DateTime:    i.DateTime,
		ResolvedAt:  i.ResolvedAt,
	}
}

func toIncidents(is []monitoring.Incident) []incidentResponse {
	out := make([]incidentResponse, 0, len(is))
	for _, i := range is {
		out = append(out, toIncident(i))
	}
	return out
}

func toOutcome(o monitoring.Outcome) outcomeResponse {
	resp := outcomeResponse{
		MutationID:      o.MutationID,
		Balance:         o.Balance,
		Notifications:   toNotifications(o.Notifications),
		IncidentChanges: make([]incidentChangeResponse, 0, len(o.IncidentChanges)),
	}
	if o.Operation != nil {
		resp.Operation = &operationResponse{
			ID:           o.Operation.ID,
			ResourceID:   o.Operation.ResourceID,
			SettlementID: o.Operation.SettlementID,
			Quantity:     o.Operation.Quantity,
			Type:         string(o.Operation.Type),
			Date:         o.Operation.Date,
		}
	}
	if o.Device != nil {
		resp.Device = &deviceResponse{
			ID:                o.Device.ID,
			EnergyConsumption: o.Device.EnergyConsumption,
			LastUpdate:        o.Device.LastUpdate,
		}
	}
	if o.Task != nil {
		resp.Task = &taskResponse{ID: o.Task.ID, Status: string(o.Task.Status), Deadline: o.Task.Deadline}
	}
	for _, change := range o.IncidentChanges {
		resp.IncidentChanges = append(resp.IncidentChanges, incidentChangeResponse{
			Kind:     string(change.Kind),
			Incident: toIncident(change.Incident),
		})
	}
	return resp
}
