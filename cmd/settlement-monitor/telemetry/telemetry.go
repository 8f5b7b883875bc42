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

// Package telemetry archives committed energy readings and resource balances in InfluxDB.
package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/shared"
	"github.com/united-manufacturing-hub/settlement-monitor/pkg/monitoring"
)

const (
	ResourceBalanceMeasurement = "resource_balance"
	writeTimeout               = 5 * time.Second
)

// PointWriter is implemented by api.WriteAPIBlocking.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

func ConfigFromEnv() (Config, error) {
	var cfg Config
	var err error
	if cfg.URL, err = env.GetAsString("INFLUX_URL", false, "http://influxdb:8086"); err != nil {
		return cfg, err
	}
	if cfg.Token, err = env.GetAsString("INFLUX_TOKEN", true, ""); err != nil {
		return cfg, err
	}
	if cfg.Org, err = env.GetAsString("INFLUX_ORG", false, "settlements"); err != nil {
		return cfg, err
	}
	if cfg.Bucket, err = env.GetAsString("INFLUX_BUCKET", false, "settlement-monitor"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type Archive struct {
	writer PointWriter
	limit  int64
	close  func()
}

// Connect checks the server health and returns an archive writing to cfg.Bucket.
func Connect(ctx context.Context, cfg Config, rules monitoring.Config) (*Archive, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb at %s not reachable: %w", cfg.URL, err)
	}
	zap.S().Infof("Connected to InfluxDB %s (status %s)", cfg.URL, health.Status)
	return &Archive{
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		limit:  rules.EnergyLimit,
		close:  client.Close,
	}, nil
}

func NewArchive(writer PointWriter, rules monitoring.Config) *Archive {
	return &Archive{writer: writer, limit: rules.EnergyLimit, close: func() {}}
}

// Points converts the committed state changes of an outcome into points.
func (a *Archive) Points(outcome monitoring.Outcome) []*write.Point {
	points := make([]*write.Point, 0, 2)
	if d := outcome.Device; d != nil {
		points = append(points, influxdb2.NewPoint(
			shared.InfluxEnergyMeasurement,
			map[string]string{"device_id": strconv.FormatInt(d.ID, 10)},
			map[string]interface{}{
				"value":      d.EnergyConsumption,
				"over_limit": d.EnergyConsumption > a.limit,
			},
			d.LastUpdate,
		))
	}
	if op := outcome.Operation; op != nil && outcome.Balance != nil {
		points = append(points, influxdb2.NewPoint(
			ResourceBalanceMeasurement,
			map[string]string{
				"resource_id":   strconv.FormatInt(op.ResourceID, 10),
				"settlement_id": strconv.FormatInt(op.SettlementID, 10),
			},
			map[string]interface{}{
				"balance":  *outcome.Balance,
				"quantity": op.Quantity,
			},
			op.Date,
		))
	}
	return points
}

func (a *Archive) Observe(ctx context.Context, outcome monitoring.Outcome) {
	points := a.Points(outcome)
	if len(points) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := a.writer.WritePoint(ctx, points...); err != nil {
		zap.S().Warnf("Failed to archive %d points for mutation %s: %s", len(points), outcome.MutationID, err)
	}
}

func (a *Archive) Close() {
	a.close()
}
