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

// Package coordinator runs every monitoring rule inside the transaction of the
// mutation that triggered it. A call either commits the mutation together with
// all incidents and notifications it produced, or commits nothing.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/helper"
	"github.com/united-manufacturing-hub/settlement-monitor/internal"
	"github.com/united-manufacturing-hub/settlement-monitor/pkg/monitoring"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	OpRecordOperation     = "record_operation"
	OpReportSensorReading = "report_sensor_reading"
	OpAdvanceTaskClock    = "advance_task_clock"

	DefaultMutationTimeout = time.Minute
	DefaultTaskCacheSize   = 10000
)

// Observer is called on the mutating goroutine after a mutation committed, before
// the caller gets the outcome. Sinks doing network I/O go behind an AsyncObserver.
type Observer interface {
	Observe(ctx context.Context, outcome monitoring.Outcome)
}

type ObserverFunc func(ctx context.Context, outcome monitoring.Outcome)

func (f ObserverFunc) Observe(ctx context.Context, outcome monitoring.Outcome) {
	f(ctx, outcome)
}

type Options struct {
	Rules           monitoring.Config
	MutationTimeout time.Duration
	TaskCacheSize   int
	// Now is used when a request carries no timestamp. Defaults to time.Now.
	Now func() time.Time
}

type OperationRequest struct {
	ResourceID int64
	// SettlementID defaults to the settlement of the resource.
	SettlementID int64
	Quantity     int64
	Type         monitoring.OperationType
	Date         time.Time
}

type ReadingRequest struct {
	DeviceID int64
	Value    int64
	At       time.Time
}

type Coordinator struct {
	store   monitoring.Store
	rules   monitoring.Config
	timeout time.Duration
	now     func() time.Time

	locks         *mapmutex.Mutex
	overdueTasks *lru.Cache
	tracer        trace.Tracer

	observersLock sync.RWMutex
	observers     []Observer
}

func New(store monitoring.Store, opts Options) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("coordinator needs a store")
	}
	if err := opts.Rules.Validate(); err != nil {
		return nil, err
	}
	if opts.MutationTimeout <= 0 {
		opts.MutationTimeout = DefaultMutationTimeout
	}
	if opts.TaskCacheSize <= 0 {
		opts.TaskCacheSize = DefaultTaskCacheSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cache, err := lru.New(opts.TaskCacheSize)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		store:   store,
		rules:   opts.Rules,
		timeout: opts.MutationTimeout,
		now:     opts.Now,
		locks: mapmutex.NewCustomizedMapMutex(
			800,
			100000000,
			10,
			1.1,
			0.2),
		overdueTasks: cache,
		tracer:        otel.Tracer("settlement-monitor/coordinator"),
	}, nil
}

func (c *Coordinator) AddObserver(o Observer) {
	c.observersLock.Lock()
	defer c.observersLock.Unlock()
	c.observers = append(c.observers, o)
}

func (c *Coordinator) Rules() monitoring.Config {
	return c.rules
}

// RecordOperation appends an operation to the resource ledger and evaluates the
// critical threshold against the new balance.
func (c *Coordinator) RecordOperation(ctx context.Context, req OperationRequest) (monitoring.Outcome, error) {
	ctx, span := c.tracer.Start(ctx, OpRecordOperation, trace.WithAttributes(
		attribute.Int64("resource.id", req.ResourceID),
		attribute.String("operation.type", string(req.Type)),
		attribute.Int64("operation.quantity", req.Quantity),
	))
	defer span.End()

	started := time.Now()
	outcome, err := c.recordOperation(ctx, req)
	return c.finish(ctx, span, OpRecordOperation, started, outcome, err)
}

func (c *Coordinator) recordOperation(ctx context.Context, req OperationRequest) (monitoring.Outcome, error) {
	op := monitoring.ResourceOperation{
		ResourceID:   req.ResourceID,
		SettlementID: req.SettlementID,
		Quantity:     req.Quantity,
		Type:         req.Type,
		Date:         req.Date,
	}
	if err := op.Validate(); err != nil {
		return monitoring.Outcome{}, err
	}
	if op.Date.IsZero() {
		op.Date = c.now().UTC()
	}

	unlock, err := c.lock(monitoring.SourceResource, req.ResourceID)
	if err != nil {
		return monitoring.Outcome{}, err
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return monitoring.Outcome{}, err
	}
	resource, err := tx.LockResource(ctx, req.ResourceID)
	if err != nil {
		return monitoring.Outcome{}, c.abort(tx, OpRecordOperation, err)
	}
	if op.SettlementID == 0 {
		op.SettlementID = resource.SettlementID
	}
	inserted, err := tx.InsertOperation(ctx, op)
	if err != nil {
		return monitoring.Outcome{}, c.abort(tx, OpRecordOperation, err)
	}
	balance, err := tx.BalanceOf(ctx, req.ResourceID)
	if err != nil {
		return monitoring.Outcome{}, c.abort(tx, OpRecordOperation, err)
	}
	open, err := tx.OpenIncident(ctx, req.ResourceID)
	if err != nil {
		return monitoring.Outcome{}, c.abort(tx, OpRecordOperation, err)
	}

	outcome := monitoring.Outcome{Operation: &inserted, Balance: &balance}
	at := c.now().UTC()
	decision := monitoring.EvaluateThreshold(req.ResourceID, balance, open, c.rules, monitoring.Trigger{
		Ref: strconv.FormatInt(inserted.ID, 10),
		At:  at,
	})

	if decision.OpenIncident != nil {
		incident, err := tx.InsertIncident(ctx, *decision.OpenIncident)
		if err != nil {
			return monitoring.Outcome{}, c.abort(tx, OpRecordOperation, err)
		}
		outcome.IncidentChanges = append(outcome.IncidentChanges, monitoring.IncidentChange{Kind: monitoring.IncidentOpened, Incident: incident})
	}
	if decision.ResolveIncident != nil {
		if err = tx.ResolveIncident(ctx, decision.ResolveIncident.ID, at); err != nil {
			return monitoring.Outcome{}, c.abort(tx, OpRecordOperation, err)
		}
		resolved := *decision.ResolveIncident
		resolved.Status = monitoring.IncidentResolved
		resolved.ResolvedAt = &at
		outcome.IncidentChanges = append(outcome.IncidentChanges, monitoring.IncidentChange{Kind: monitoring.IncidentAutoResolved, Incident: resolved})
	}
	if decision.Warning != nil {
		n, err := tx.InsertNotification(ctx, *decision.Warning)
		if err != nil {
			return monitoring.Outcome{}, c.abort(tx, OpRecordOperation, err)
		}
		outcome.Notifications = append(outcome.Notifications, n)
	}

	if err = tx.Commit(ctx); err != nil {
		return monitoring.Outcome{}, c.abort(tx, OpRecordOperation, err)
	}
	return outcome, nil
}

// ReportSensorReading overwrites the current reading of a device and raises a
// critical notification when the reading is above the energy limit.
func (c *Coordinator) ReportSensorReading(ctx context.Context, req ReadingRequest) (monitoring.Outcome, error) {
	ctx, span := c.tracer.Start(ctx, OpReportSensorReading, trace.WithAttributes(
		attribute.Int64("device.id", req.DeviceID),
		attribute.Int64("reading.value", req.Value),
	))
	defer span.End()

	started := time.Now()
	outcome, err := c.reportSensorReading(ctx, req)
	return c.finish(ctx, span, OpReportSensorReading, started, outcome, err)
}

func (c *Coordinator) reportSensorReading(ctx context.Context, req ReadingRequest) (monitoring.Outcome, error) {
	if req.Value < 0 {
		return monitoring.Outcome{}, fmt.Errorf("%w: energy consumption must not be negative, got %d", monitoring.ErrInvariantViolation, req.Value)
	}
	at := req.At
	if at.IsZero() {
		at = c.now()
	}
	at = at.UTC()

	unlock, err := c.lock(monitoring.SourceDevice, req.DeviceID)
	if err != nil {
		return monitoring.Outcome{}, err
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return monitoring.Outcome{}, err
	}
	device, err := tx.LockDevice(ctx, req.DeviceID)
	if err != nil {
		return monitoring.Outcome{}, c.abort(tx, OpReportSensorReading, err)
	}
	previous := device.EnergyConsumption
	trigger := monitoring.Trigger{
		Ref: fmt.Sprintf("%d@%s", req.Value, at.Format(time.RFC3339Nano)),
		At:  at,
	}
	if monitoring.OverLimit(req.Value, c.rules) {
		// A redelivered report already left its notification behind.
		seen, err := tx.NotificationExists(ctx, monitoring.Fingerprint(monitoring.SourceDevice, req.DeviceID, monitoring.RuleEnergyLimit, trigger.Ref))
		if err != nil {
			return monitoring.Outcome{}, c.abort(tx, OpReportSensorReading, err)
		}
		if seen {
			zap.S().Debugf("Skipping duplicate reading %s of device %d", trigger.Ref, req.DeviceID)
			duplicateReadings.Inc()
			if err = tx.Rollback(ctx); err != nil {
				zap.S().Errorf("Error rolling back transaction: %v", err)
			}
			return monitoring.Outcome{}, nil
		}
	}
	if err = tx.UpdateDeviceReading(ctx, req.DeviceID, req.Value, at); err != nil {
		return monitoring.Outcome{}, c.abort(tx, OpReportSensorReading, err)
	}
	device.EnergyConsumption = req.Value
	device.LastUpdate = at

	outcome := monitoring.Outcome{Device: &device}
	decision := monitoring.EvaluateEnergy(req.DeviceID, previous, req.Value, c.rules, trigger)
	if decision.Critical != nil {
		n, err := tx.InsertNotification(ctx, *decision.Critical)
		if err != nil {
			return monitoring.Outcome{}, c.abort(tx, OpReportSensorReading, err)
		}
		outcome.Notifications = append(outcome.Notifications, n)
	}

	if err = tx.Commit(ctx); err != nil {
		return monitoring.Outcome{}, c.abort(tx, OpReportSensorReading, err)
	}
	return outcome, nil
}

// AdvanceTaskClock marks a task overdue once now is past its deadline. Tasks that
// are not due are checked without opening a transaction.
func (c *Coordinator) AdvanceTaskClock(ctx context.Context, taskID int64, now time.Time) (monitoring.Outcome, error) {
	ctx, span := c.tracer.Start(ctx, OpAdvanceTaskClock, trace.WithAttributes(
		attribute.Int64("task.id", taskID),
	))
	defer span.End()

	started := time.Now()
	outcome, err := c.advanceTaskClock(ctx, taskID, now)
	return c.finish(ctx, span, OpAdvanceTaskClock, started, outcome, err)
}

func (c *Coordinator) advanceTaskClock(ctx context.Context, taskID int64, now time.Time) (monitoring.Outcome, error) {
	if now.IsZero() {
		now = c.now()
	}
	// Only overdue is final. A done task may be reopened by whoever owns it.
	if c.overdueTasks.Contains(taskID) {
		return monitoring.Outcome{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	task, err := c.store.Task(ctx, taskID)
	if err != nil {
		return monitoring.Outcome{}, err
	}
	if task.Status == monitoring.TaskOverdue {
		c.overdueTasks.Add(taskID, struct{}{})
		return monitoring.Outcome{}, nil
	}
	if !monitoring.EvaluateDeadline(task, now).Overdue {
		return monitoring.Outcome{}, nil
	}

	unlock, err := c.lock(monitoring.SourceTask, taskID)
	if err != nil {
		return monitoring.Outcome{}, err
	}
	defer unlock()

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return monitoring.Outcome{}, err
	}
	task, err = tx.LockTask(ctx, taskID)
	if err != nil {
		return monitoring.Outcome{}, c.abort(tx, OpAdvanceTaskClock, err)
	}
	decision := monitoring.EvaluateDeadline(task, now)
	if !decision.Overdue {
		// Someone else moved the task while it was unlocked.
		if err = tx.Rollback(ctx); err != nil {
			zap.S().Errorf("Error rolling back transaction: %v", err)
		}
		return monitoring.Outcome{}, nil
	}
	if err = tx.SetTaskStatus(ctx, taskID, decision.NewStatus); err != nil {
		return monitoring.Outcome{}, c.abort(tx, OpAdvanceTaskClock, err)
	}
	n, err := tx.InsertNotification(ctx, *decision.Alert)
	if err != nil {
		return monitoring.Outcome{}, c.abort(tx, OpAdvanceTaskClock, err)
	}
	if err = tx.Commit(ctx); err != nil {
		return monitoring.Outcome{}, c.abort(tx, OpAdvanceTaskClock, err)
	}

	task.Status = decision.NewStatus
	c.overdueTasks.Add(taskID, struct{}{})
	return monitoring.Outcome{Task: &task, Notifications: []monitoring.Notification{n}}, nil
}

func (c *Coordinator) Balance(ctx context.Context, resourceID int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	balance, err := c.store.Balance(ctx, resourceID)
	return balance, monitoring.Fail("balance", err)
}

func (c *Coordinator) Incidents(ctx context.Context, resourceID int64) ([]monitoring.Incident, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	incidents, err := c.store.Incidents(ctx, resourceID)
	return incidents, monitoring.Fail("incidents", err)
}

func (c *Coordinator) Notifications(ctx context.Context, filter monitoring.NotificationFilter) ([]monitoring.Notification, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	notifications, err := c.store.Notifications(ctx, filter)
	return notifications, monitoring.Fail("notifications", err)
}

func (c *Coordinator) DueTasks(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ids, err := c.store.DueTasks(ctx, now, limit)
	return ids, monitoring.Fail("due_tasks", err)
}

func (c *Coordinator) lock(kind monitoring.SourceKind, id int64) (func(), error) {
	key := fmt.Sprintf("%s:%d", kind, id)
	if !c.locks.TryLock(key) {
		lockContention.WithLabelValues(string(kind)).Inc()
		return nil, fmt.Errorf("%w: %s is busy", monitoring.ErrConcurrentConflict, key)
	}
	return func() { c.locks.Unlock(key) }, nil
}

// abort rolls tx back with a fresh context, since the mutation context may already be done.
func (c *Coordinator) abort(tx monitoring.Tx, op string, err error) error {
	zap.S().Warnf("Rolling back %s: %v", op, err)
	ctx, cancel := helper.Get5SecondContext()
	defer cancel()
	if errR := tx.Rollback(ctx); errR != nil {
		zap.S().Errorf("Error rolling back transaction: %v", errR)
	}
	return err
}

func (c *Coordinator) finish(ctx context.Context, span trace.Span, op string, started time.Time, outcome monitoring.Outcome, err error) (monitoring.Outcome, error) {
	mutationDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())

	if err != nil {
		failed := monitoring.Fail(op, err)
		var mf *monitoring.MutationFailed
		errors.As(failed, &mf)
		mutationsTotal.WithLabelValues(op, string(mf.Kind)).Inc()
		span.RecordError(failed)
		span.SetStatus(codes.Error, string(mf.Kind))
		if mf.Kind == monitoring.KindStorageFailure {
			internal.ReportIssue(failed, map[string]string{"operation": op})
		}
		return monitoring.Outcome{}, failed
	}

	outcome.MutationID = uuid.NewString()
	span.SetAttributes(
		attribute.String("mutation.id", outcome.MutationID),
		attribute.Int("mutation.notifications", len(outcome.Notifications)),
	)
	mutationsTotal.WithLabelValues(op, "ok").Inc()
	for _, n := range outcome.Notifications {
		notificationsTotal.WithLabelValues(string(n.Type)).Inc()
	}
	for _, change := range outcome.IncidentChanges {
		incidentsTotal.WithLabelValues(string(change.Kind)).Inc()
	}
	if !outcome.Empty() {
		zap.S().Debugf("%s %s committed with %d notifications and %d incident changes",
			op, outcome.MutationID, len(outcome.Notifications), len(outcome.IncidentChanges))
	}

	c.observersLock.RLock()
	observers := c.observers
	c.observersLock.RUnlock()
	for _, o := range observers {
		o.Observe(ctx, outcome)
	}
	return outcome, nil
}
