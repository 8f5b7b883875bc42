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


package mqtt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/coordinator"
	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/helper"
	"github.com/united-manufacturing-hub/settlement-monitor/internal"
	"github.com/united-manufacturing-hub/settlement-monitor/pkg/monitoring"
)

type fakeReporter struct {
	requests []coordinator.ReadingRequest
	errs     []error
}

func (f *fakeReporter) ReportSensorReading(_ context.Context, req coordinator.ReadingRequest) (monitoring.Outcome, error) {
	f.requests = append(f.requests, req)
	if len(f.errs) == 0 {
		return monitoring.Outcome{}, nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return monitoring.Outcome{}, err
}

func TestParseEnergyMessage(t *testing.T) {
	req, err := ParseEnergyMessage("settlement/karakol/device/42/energy", []byte(`{"value": 501, "timestamp_ms": 1709294400000}`))
	require.NoError(t, err)
	assert.Equal(t, int64(42), req.DeviceID)
	assert.Equal(t, int64(501), req.Value)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), req.At)

	req, err = ParseEnergyMessage("settlement/karakol/device/42/energy", []byte(`{"value": 0}`))
	require.NoError(t, err)
	assert.Equal(t, int64(0), req.Value)
	assert.False(t, req.At.IsZero())

	for _, tc := range []struct {
		topic   string
		payload string
	}{
		{"settlement/karakol/device/42", `{"value": 1}`},
		{"settlement/karakol/pump/42/energy", `{"value": 1}`},
		{"settlement/karakol/device/abc/energy", `{"value": 1}`},
		{"settlement/karakol/device/0/energy", `{"value": 1}`},
		{"settlement/karakol/device/42/energy", `{"timestamp_ms": 1}`},
		{"settlement/karakol/device/42/energy", `not json`},
		{"settlement/karakol/device/42/energy", `{"value": 1.5}`},
	} {
		_, err = ParseEnergyMessage(tc.topic, []byte(tc.payload))
		assert.Error(t, err, "%s %s", tc.topic, tc.payload)
	}
}

func TestHandle(t *testing.T) {
	helper.InitTestLogging()
	retry := internal.RetryPolicy{MaxAttempts: 2, SlotTime: time.Millisecond, Maximum: time.Millisecond}
	reporter := &fakeReporter{errs: []error{monitoring.Fail("report_sensor_reading", monitoring.ErrConcurrentConflict)}}
	h := NewHandler(reporter, retry)

	require.NoError(t, h.Handle(context.Background(), "settlement/1/device/7/energy", []byte(`{"value": 600}`)))
	assert.Len(t, reporter.requests, 2)

	reporter.errs = []error{monitoring.Fail("report_sensor_reading", monitoring.ErrNotFound)}
	err := h.Handle(context.Background(), "settlement/1/device/8/energy", []byte(`{"value": 600}`))
	assert.True(t, errors.Is(err, monitoring.ErrNotFound))
	assert.Len(t, reporter.requests, 3)

	err = h.Handle(context.Background(), "settlement/1/device/8/energy", []byte(`{}`))
	assert.Error(t, err)
	assert.Len(t, reporter.requests, 3)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("MQTT_BROKER_URL", "tcp://broker:1883")
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "tcp://broker:1883", cfg.BrokerURL)
	assert.Equal(t, DefaultTopic, cfg.Topic)
	assert.Equal(t, "settlement-monitor", cfg.ClientID)
}
