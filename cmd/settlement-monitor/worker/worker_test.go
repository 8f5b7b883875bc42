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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/shared"

	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/coordinator"
	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/helper"
	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/kafka"
	settlementShared "github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/shared"
	"github.com/united-manufacturing-hub/settlement-monitor/internal"
	"github.com/united-manufacturing-hub/settlement-monitor/pkg/monitoring"
)

type fakeMutator struct {
	mu         sync.Mutex
	operations []coordinator.OperationRequest
	readings   []coordinator.ReadingRequest
	clocks     []int64
	errs       []error
}

func (f *fakeMutator) next() error {
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeMutator) RecordOperation(_ context.Context, req coordinator.OperationRequest) (monitoring.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.operations = append(f.operations, req)
	return monitoring.Outcome{}, f.next()
}

func (f *fakeMutator) ReportSensorReading(_ context.Context, req coordinator.ReadingRequest) (monitoring.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = append(f.readings, req)
	return monitoring.Outcome{}, f.next()
}

func (f *fakeMutator) AdvanceTaskClock(_ context.Context, taskID int64, _ time.Time) (monitoring.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clocks = append(f.clocks, taskID)
	return monitoring.Outcome{}, f.next()
}

var fastRetry = internal.RetryPolicy{MaxAttempts: 3, SlotTime: time.Millisecond, Maximum: 5 * time.Millisecond}

func newTestWorker(t *testing.T) (*Worker, *kafka.MockConnection, *fakeMutator) {
	helper.InitTestLogging()
	mock := kafka.GetMockKafkaClient(t)
	mutator := &fakeMutator{}
	return New(mock, mutator, fastRetry), mock, mutator
}

func message(topic string, value string) *shared.KafkaMessage {
	return &shared.KafkaMessage{Topic: topic, Value: []byte(value)}
}

func TestDecode(t *testing.T) {
	w, mock, mutator := newTestWorker(t)
	ctx := context.Background()

	w.handle(ctx, message(settlementShared.TopicResourceOperation,
		`{"resource_id": 3, "quantity": -60, "operation_type": "consumption", "timestamp_ms": 1709294400000}`))
	require.Len(t, mutator.operations, 1)
	assert.Equal(t, coordinator.OperationRequest{
		ResourceID: 3,
		Quantity:   -60,
		Type:       monitoring.OperationConsumption,
		Date:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}, mutator.operations[0])

	w.handle(ctx, message(settlementShared.TopicSensorReading, `{"device_id": 4, "value": 501}`))
	require.Len(t, mutator.readings, 1)
	assert.Equal(t, int64(501), mutator.readings[0].Value)
	assert.False(t, mutator.readings[0].At.IsZero())

	w.handle(ctx, message(settlementShared.TopicTaskClock, `{"task_id": 7}`))
	assert.Equal(t, []int64{7}, mutator.clocks)

	assert.Equal(t, 3, mock.MarkedCount())
}

func TestInvalidMessagesAreMarked(t *testing.T) {
	w, mock, mutator := newTestWorker(t)
	ctx := context.Background()

	for _, msg := range []*shared.KafkaMessage{
		message(settlementShared.TopicResourceOperation, `{"resource_id": `),
		message(settlementShared.TopicSensorReading, `{"value": 5}`),
		message(settlementShared.TopicTaskClock, `{"task_id": -1}`),
		message("settlement.v1.unknown", `{}`),
	} {
		w.handle(ctx, msg)
	}
	assert.Equal(t, 4, mock.MarkedCount())
	assert.Empty(t, mutator.operations)
	assert.Empty(t, mutator.readings)
	assert.Empty(t, mutator.clocks)
}

func TestRetries(t *testing.T) {
	t.Run("conflict then success", func(t *testing.T) {
		w, mock, mutator := newTestWorker(t)
		mutator.errs = []error{monitoring.Fail("report_sensor_reading", monitoring.ErrConcurrentConflict)}

		w.handle(context.Background(), message(settlementShared.TopicSensorReading, `{"device_id": 4, "value": 1}`))
		assert.Len(t, mutator.readings, 2)
		assert.Equal(t, 1, mock.MarkedCount())
	})

	t.Run("storage keeps failing", func(t *testing.T) {
		w, mock, mutator := newTestWorker(t)
		down := monitoring.Fail("report_sensor_reading", errors.New("connection refused"))
		mutator.errs = []error{down, down, down}

		w.handle(context.Background(), message(settlementShared.TopicSensorReading, `{"device_id": 4, "value": 1}`))
		assert.Len(t, mutator.readings, 3)
		assert.Equal(t, 0, mock.MarkedCount())
	})

	t.Run("permanent rejection", func(t *testing.T) {
		w, mock, mutator := newTestWorker(t)
		mutator.errs = []error{monitoring.Fail("record_operation", monitoring.ErrNotFound)}

		w.handle(context.Background(), message(settlementShared.TopicResourceOperation,
			`{"resource_id": 99, "quantity": 5, "operation_type": "replenishment"}`))
		assert.Len(t, mutator.operations, 1)
		assert.Equal(t, 1, mock.MarkedCount())
	})
}

func TestRun(t *testing.T) {
	w, mock, mutator := newTestWorker(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	mock.MessagesToSend <- message(settlementShared.TopicTaskClock, `{"task_id": 1}`)
	mock.MessagesToSend <- message(settlementShared.TopicTaskClock, `{"task_id": 2}`)
	require.Eventually(t, func() bool { return mock.MarkedCount() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	mutator.mu.Lock()
	defer mutator.mu.Unlock()
	assert.Equal(t, []int64{1, 2}, mutator.clocks)
}
