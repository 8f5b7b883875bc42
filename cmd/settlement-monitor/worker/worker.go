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

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/shared"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/coordinator"
	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/helper"
	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/kafka"
	settlementShared "github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/shared"
	"github.com/united-manufacturing-hub/settlement-monitor/internal"
	"github.com/united-manufacturing-hub/settlement-monitor/pkg/monitoring"
)

var messagesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "settlementmonitor_kafka_messages_total",
		Help: "Kafka messages handled by the worker, by topic and result",
	},
	[]string{"topic", "result"},
)

// Mutator is the subset of the coordinator the worker drives.
type Mutator interface {
	RecordOperation(ctx context.Context, req coordinator.OperationRequest) (monitoring.Outcome, error)
	ReportSensorReading(ctx context.Context, req coordinator.ReadingRequest) (monitoring.Outcome, error)
	AdvanceTaskClock(ctx context.Context, taskID int64, now time.Time) (monitoring.Outcome, error)
}

type Worker struct {
	kafka   kafka.IConnection
	mutator Mutator
	retry   internal.RetryPolicy
}

var errUnknownTopic = errors.New("unknown topic")

func New(k kafka.IConnection, m Mutator, retry internal.RetryPolicy) *Worker {
	return &Worker{kafka: k, mutator: m, retry: retry}
}

// Run consumes messages until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	zap.S().Debugf("Started work loop")
	messageChannel := w.kafka.GetMessages()
	for {
		select {
		case <-ctx.Done():
			zap.S().Debugf("Work loop stopped: %v", ctx.Err())
			return
		case msg, ok := <-messageChannel:
			if !ok {
				zap.S().Warnf("Kafka message channel closed")
				return
			}
			if msg == nil {
				continue
			}
			w.handle(ctx, msg)
		}
	}
}

// handle marks a message once it is applied or can never be applied.
// Messages that still fail after the retries stay unmarked.
func (w *Worker) handle(ctx context.Context, msg *shared.KafkaMessage) {
	zap.S().Debugf("Got message on %s at offset %d", msg.Topic, msg.Offset)

	apply, err := w.decode(msg)
	if err != nil {
		zap.S().Warnf("Dropping message on %s at offset %d: %s", msg.Topic, msg.Offset, err)
		messagesTotal.WithLabelValues(msg.Topic, "invalid").Inc()
		w.kafka.MarkMessage(msg)
		return
	}

	err = internal.Retry(ctx, w.retry, monitoring.IsRetryable, func() error {
		mutationCtx, cancel := helper.Get1MinuteContext()
		defer cancel()
		return apply(mutationCtx)
	})
	switch {
	case err == nil:
		messagesTotal.WithLabelValues(msg.Topic, "ok").Inc()
		w.kafka.MarkMessage(msg)
	case monitoring.IsRetryable(err):
		zap.S().Errorf("Failed to apply message on %s at offset %d: %s", msg.Topic, msg.Offset, err)
		messagesTotal.WithLabelValues(msg.Topic, "failed").Inc()
	default:
		zap.S().Warnf("Rejected message on %s at offset %d: %s", msg.Topic, msg.Offset, err)
		messagesTotal.WithLabelValues(msg.Topic, "rejected").Inc()
		w.kafka.MarkMessage(msg)
	}
}

// decode turns a message into the mutation it asks for.
func (w *Worker) decode(msg *shared.KafkaMessage) (func(ctx context.Context) error, error) {
	switch msg.Topic {
	case settlementShared.TopicResourceOperation:
		var payload settlementShared.ResourceOperationMessage
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			return nil, err
		}
		if payload.ResourceID <= 0 {
			return nil, fmt.Errorf("resource_id must be positive, got %d", payload.ResourceID)
		}
		req := coordinator.OperationRequest{
			ResourceID:   payload.ResourceID,
			SettlementID: payload.SettlementID,
			Quantity:     payload.Quantity,
			Type:         monitoring.OperationType(payload.OperationType),
		}
		if payload.TimestampMs != 0 {
			req.Date = helper.UnixMsToTime(payload.TimestampMs)
		}
		return func(ctx context.Context) error {
			_, err := w.mutator.RecordOperation(ctx, req)
			return err
		}, nil

	case settlementShared.TopicSensorReading:
		var payload settlementShared.SensorReadingMessage
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			return nil, err
		}
		if payload.DeviceID <= 0 {
			return nil, fmt.Errorf("device_id must be positive, got %d", payload.DeviceID)
		}
		req := coordinator.ReadingRequest{
			DeviceID: payload.DeviceID,
			Value:    payload.Value,
			At:       helper.UnixMsToTime(payload.TimestampMs),
		}
		return func(ctx context.Context) error {
			_, err := w.mutator.ReportSensorReading(ctx, req)
			return err
		}, nil

	case settlementShared.TopicTaskClock:
		var payload settlementShared.TaskClockMessage
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			return nil, err
		}
		if payload.TaskID <= 0 {
			return nil, fmt.Errorf("task_id must be positive, got %d", payload.TaskID)
		}
		now := helper.UnixMsToTime(payload.TimestampMs)
		return func(ctx context.Context) error {
			_, err := w.mutator.AdvanceTaskClock(ctx, payload.TaskID, now)
			return err
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", errUnknownTopic, msg.Topic)
}
