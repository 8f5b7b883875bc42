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

// Package memory is an in-process monitoring.Store for local runs and tests.
// Transactions are fully serialized: Begin takes the store's only writer slot
// and holds it until Commit or Rollback. Reads wait for the slot as well, so
// uncommitted state is never visible.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/settlement-monitor/pkg/monitoring"
)

type Store struct {
	slot chan struct{}

	settlements   map[int64]monitoring.Settlement
	resources     map[int64]monitoring.Resource
	operations    []monitoring.ResourceOperation
	incidents     []monitoring.Incident
	devices       map[int64]monitoring.SensorDevice
	tasks         map[int64]monitoring.Task
	notifications []monitoring.Notification
	fingerprints  map[string]struct{}
	nextID        int64

	faultsLock sync.Mutex
	faults     map[string]error
}

func New() *Store {
	return &Store{
		slot:         make(chan struct{}, 1),
		settlements:  make(map[int64]monitoring.Settlement),
		resources:    make(map[int64]monitoring.Resource),
		devices:      make(map[int64]monitoring.SensorDevice),
		tasks:        make(map[int64]monitoring.Task),
		fingerprints: make(map[string]struct{}),
		faults:       make(map[string]error),
	}
}

func (s *Store) acquire(ctx context.Context) error {
	select {
	case s.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for store: %w", monitoring.ErrStorageFailure, ctx.Err())
	}
}

func (s *Store) release() {
	<-s.slot
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// InjectFault makes the next call of the named Tx method (e.g. "InsertNotification") fail with err.
func (s *Store) InjectFault(method string, err error) {
	s.faultsLock.Lock()
	defer s.faultsLock.Unlock()
	s.faults[method] = err
}

func (s *Store) fault(method string) error {
	s.faultsLock.Lock()
	defer s.faultsLock.Unlock()
	err, ok := s.faults[method]
	if !ok {
		return nil
	}
	delete(s.faults, method)
	return err
}

// Seed functions below add reference data. A zero id is assigned automatically.

func (s *Store) AddSettlement(settlement monitoring.Settlement) monitoring.Settlement {
	_ = s.acquire(context.Background())
	defer s.release()
	if settlement.ID == 0 {
		settlement.ID = s.id()
	}
	s.settlements[settlement.ID] = settlement
	return settlement
}

func (s *Store) AddResource(resource monitoring.Resource) monitoring.Resource {
	_ = s.acquire(context.Background())
	defer s.release()
	if resource.ID == 0 {
		resource.ID = s.id()
	}
	s.resources[resource.ID] = resource
	return resource
}

func (s *Store) AddDevice(device monitoring.SensorDevice) monitoring.SensorDevice {
	_ = s.acquire(context.Background())
	defer s.release()
	if device.ID == 0 {
		device.ID = s.id()
	}
	s.devices[device.ID] = device
	return device
}

func (s *Store) AddTask(task monitoring.Task) monitoring.Task {
	_ = s.acquire(context.Background())
	defer s.release()
	if task.ID == 0 {
		task.ID = s.id()
	}
	s.tasks[task.ID] = task
	return task
}

// Operations returns a copy of the operation log of a resource.
func (s *Store) Operations(resourceID int64) []monitoring.ResourceOperation {
	_ = s.acquire(context.Background())
	defer s.release()
	var ops []monitoring.ResourceOperation
	for _, op := range s.operations {
		if op.ResourceID == resourceID {
			ops = append(ops, op)
		}
	}
	return ops
}

func (s *Store) Device(id int64) (monitoring.SensorDevice, bool) {
	_ = s.acquire(context.Background())
	defer s.release()
	d, ok := s.devices[id]
	return d, ok
}

func (s *Store) Begin(ctx context.Context) (monitoring.Tx, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	if err := s.fault("Begin"); err != nil {
		s.release()
		return nil, err
	}
	return &Tx{store: s}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Task(ctx context.Context, id int64) (monitoring.Task, error) {
	if err := s.acquire(ctx); err != nil {
		return monitoring.Task{}, err
	}
	defer s.release()
	task, ok := s.tasks[id]
	if !ok {
		return task, fmt.Errorf("%w: task %d", monitoring.ErrNotFound, id)
	}
	return task, nil
}

func (s *Store) Balance(ctx context.Context, resourceID int64) (int64, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.release()
	if _, ok := s.resources[resourceID]; !ok {
		return 0, fmt.Errorf("%w: resource %d", monitoring.ErrNotFound, resourceID)
	}
	return monitoring.BalanceOf(resourceID, s.operations), nil
}

func (s *Store) Incidents(ctx context.Context, resourceID int64) ([]monitoring.Incident, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	incidents := make([]monitoring.Incident, 0)
	for i := len(s.incidents) - 1; i >= 0; i-- {
		if s.incidents[i].ResourceID == resourceID {
			incidents = append(incidents, copyIncident(s.incidents[i]))
		}
	}
	return incidents, nil
}

func (s *Store) Notifications(ctx context.Context, filter monitoring.NotificationFilter) ([]monitoring.Notification, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	notifications := make([]monitoring.Notification, 0)
	for i := len(s.notifications) - 1; i >= 0 && len(notifications) < filter.EffectiveLimit(); i-- {
		n := s.notifications[i]
		if filter.Status != "" && n.Status != filter.Status {
			continue
		}
		if filter.SourceKind != "" && n.SourceKind != filter.SourceKind {
			continue
		}
		if filter.SourceID != 0 && n.SourceID != filter.SourceID {
			continue
		}
		notifications = append(notifications, n)
	}
	return notifications, nil
}

func (s *Store) DueTasks(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	due := make([]monitoring.Task, 0)
	for _, task := range s.tasks {
		if (task.Status == monitoring.TaskPending || task.Status == monitoring.TaskInProgress) && task.Deadline.Before(now) {
			due = append(due, task)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Deadline.Equal(due[j].Deadline) {
			return due[i].ID < due[j].ID
		}
		return due[i].Deadline.Before(due[j].Deadline)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]int64, len(due))
	for i, task := range due {
		ids[i] = task.ID
	}
	return ids, nil
}

func copyIncident(i monitoring.Incident) monitoring.Incident {
	if i.ResolvedAt != nil {
		at := *i.ResolvedAt
		i.ResolvedAt = &at
	}
	return i
}
