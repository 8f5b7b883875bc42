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

package coordinator_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/coordinator"
	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/memory"
	"github.com/united-manufacturing-hub/settlement-monitor/pkg/monitoring"
)

var _ = Describe("Coordinator", func() {
	var (
		store    *memory.Store
		c        *coordinator.Coordinator
		ctx      context.Context
		now      time.Time
		resource monitoring.Resource
		rules    monitoring.Config
	)

	newCoordinator := func() {
		var err error
		c, err = coordinator.New(store, coordinator.Options{
			Rules:           rules,
			MutationTimeout: time.Second,
			Now:             func() time.Time { return now },
		})
		Expect(err).ToNot(HaveOccurred())
	}

	record := func(t monitoring.OperationType, quantity int64) (monitoring.Outcome, error) {
		return c.RecordOperation(ctx, coordinator.OperationRequest{
			ResourceID: resource.ID,
			Quantity:   quantity,
			Type:       t,
		})
	}

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		store = memory.New()
		settlement := store.AddSettlement(monitoring.Settlement{Name: "Karakol"})
		resource = store.AddResource(monitoring.Resource{Name: "water", Unit: "l", SettlementID: settlement.ID})
		rules = monitoring.DefaultConfig()
		newCoordinator()
	})

	Describe("RecordOperation", func() {
		It("follows the threshold across a shortage and a recovery", func() {
			outcome, err := record(monitoring.OperationReplenishment, 100)
			Expect(err).ToNot(HaveOccurred())
			Expect(*outcome.Balance).To(Equal(int64(100)))
			Expect(outcome.Operation.SettlementID).To(Equal(resource.SettlementID))
			Expect(outcome.Notifications).To(BeEmpty())
			Expect(outcome.IncidentChanges).To(BeEmpty())
			Expect(outcome.MutationID).ToNot(BeEmpty())

			By("dropping below the threshold")
			outcome, err = record(monitoring.OperationConsumption, -60)
			Expect(err).ToNot(HaveOccurred())
			Expect(*outcome.Balance).To(Equal(int64(40)))
			Expect(outcome.IncidentChanges).To(HaveLen(1))
			Expect(outcome.IncidentChanges[0].Kind).To(Equal(monitoring.IncidentOpened))
			Expect(outcome.Notifications).To(HaveLen(1))
			Expect(outcome.Notifications[0].Type).To(Equal(monitoring.NotificationWarning))
			Expect(outcome.Notifications[0].SourceID).To(Equal(resource.ID))

			By("recovering above the threshold")
			outcome, err = record(monitoring.OperationReplenishment, 30)
			Expect(err).ToNot(HaveOccurred())
			Expect(*outcome.Balance).To(Equal(int64(70)))
			Expect(outcome.Notifications).To(BeEmpty())
			Expect(outcome.IncidentChanges).To(HaveLen(1))
			Expect(outcome.IncidentChanges[0].Kind).To(Equal(monitoring.IncidentAutoResolved))
			Expect(outcome.IncidentChanges[0].Incident.ResolvedAt).ToNot(BeNil())

			By("dropping again, twice")
			outcome, err = record(monitoring.OperationConsumption, -30)
			Expect(err).ToNot(HaveOccurred())
			Expect(outcome.IncidentChanges).To(HaveLen(1))
			Expect(outcome.Notifications).To(HaveLen(1))
			outcome, err = record(monitoring.OperationConsumption, -10)
			Expect(err).ToNot(HaveOccurred())
			Expect(*outcome.Balance).To(Equal(int64(30)))
			Expect(outcome.IncidentChanges).To(BeEmpty())
			Expect(outcome.Notifications).To(HaveLen(1))

			incidents, err := c.Incidents(ctx, resource.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(incidents).To(HaveLen(2))
			Expect(incidents[0].Status).To(Equal(monitoring.IncidentOpen))
			Expect(incidents[1].Status).To(Equal(monitoring.IncidentResolved))

			warnings, err := c.Notifications(ctx, monitoring.NotificationFilter{SourceKind: monitoring.SourceResource})
			Expect(err).ToNot(HaveOccurred())
			Expect(warnings).To(HaveLen(3))

			balance, err := c.Balance(ctx, resource.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(balance).To(Equal(int64(30)))
		})

		It("treats a balance equal to the threshold as critical", func() {
			outcome, err := record(monitoring.OperationReplenishment, rules.CriticalThreshold)
			Expect(err).ToNot(HaveOccurred())
			Expect(outcome.Notifications).To(HaveLen(1))
			Expect(outcome.IncidentChanges).To(HaveLen(1))
		})

		It("rejects operations with the wrong sign and stores nothing", func() {
			_, err := record(monitoring.OperationConsumption, 10)
			Expect(errors.Is(err, monitoring.ErrInvariantViolation)).To(BeTrue())
			var mf *monitoring.MutationFailed
			Expect(errors.As(err, &mf)).To(BeTrue())
			Expect(mf.Op).To(Equal(coordinator.OpRecordOperation))
			Expect(store.Operations(resource.ID)).To(BeEmpty())
		})

		It("reports unknown resources as not found", func() {
			_, err := c.RecordOperation(ctx, coordinator.OperationRequest{ResourceID: 999, Quantity: 5, Type: monitoring.OperationReplenishment})
			Expect(errors.Is(err, monitoring.ErrNotFound)).To(BeTrue())
		})

		It("leaves no trace when a late step fails", func() {
			_, err := record(monitoring.OperationReplenishment, 100)
			Expect(err).ToNot(HaveOccurred())

			store.InjectFault("InsertNotification", errors.New("disk full"))
			_, err = record(monitoring.OperationConsumption, -60)
			Expect(errors.Is(err, monitoring.ErrStorageFailure)).To(BeTrue())

			Expect(store.Operations(resource.ID)).To(HaveLen(1))
			incidents, err := c.Incidents(ctx, resource.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(incidents).To(BeEmpty())
			notifications, err := c.Notifications(ctx, monitoring.NotificationFilter{})
			Expect(err).ToNot(HaveOccurred())
			Expect(notifications).To(BeEmpty())

			By("retrying the same mutation")
			outcome, err := record(monitoring.OperationConsumption, -60)
			Expect(err).ToNot(HaveOccurred())
			Expect(outcome.Notifications).To(HaveLen(1))
		})

		It("fails when storage stays busy past the mutation timeout", func() {
			rules = monitoring.DefaultConfig()
			var err error
			c, err = coordinator.New(store, coordinator.Options{Rules: rules, MutationTimeout: 20 * time.Millisecond})
			Expect(err).ToNot(HaveOccurred())

			tx, err := store.Begin(ctx)
			Expect(err).ToNot(HaveOccurred())
			defer func() { _ = tx.Rollback(ctx) }()

			_, err = record(monitoring.OperationReplenishment, 10)
			Expect(errors.Is(err, monitoring.ErrStorageFailure)).To(BeTrue())
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
		})

		It("serializes concurrent operations on one resource", func() {
			_, err := record(monitoring.OperationReplenishment, 100)
			Expect(err).ToNot(HaveOccurred())

			var wg sync.WaitGroup
			errs := make(chan error, 60)
			for i := 0; i < 60; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					_, err := record(monitoring.OperationConsumption, -1)
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				Expect(err).ToNot(HaveOccurred())
			}

			balance, err := c.Balance(ctx, resource.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(balance).To(Equal(int64(40)))

			incidents, err := c.Incidents(ctx, resource.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(incidents).To(HaveLen(1))

			// balances 50 down to 40
			warnings, err := c.Notifications(ctx, monitoring.NotificationFilter{SourceKind: monitoring.SourceResource})
			Expect(err).ToNot(HaveOccurred())
			Expect(warnings).To(HaveLen(11))
		})
	})

	Describe("ReportSensorReading", func() {
		var device monitoring.SensorDevice

		BeforeEach(func() {
			device = store.AddDevice(monitoring.SensorDevice{Name: "pump meter", Status: "active"})
		})

		It("alerts only above the energy limit", func() {
			outcome, err := c.ReportSensorReading(ctx, coordinator.ReadingRequest{DeviceID: device.ID, Value: 500})
			Expect(err).ToNot(HaveOccurred())
			Expect(outcome.Notifications).To(BeEmpty())
			Expect(outcome.Device.EnergyConsumption).To(Equal(int64(500)))

			outcome, err = c.ReportSensorReading(ctx, coordinator.ReadingRequest{DeviceID: device.ID, Value: 501})
			Expect(err).ToNot(HaveOccurred())
			Expect(outcome.Notifications).To(HaveLen(1))
			Expect(outcome.Notifications[0].Type).To(Equal(monitoring.NotificationCritical))
			Expect(outcome.Notifications[0].SourceKind).To(Equal(monitoring.SourceDevice))
			Expect(outcome.Notifications[0].SourceID).To(Equal(device.ID))

			stored, ok := store.Device(device.ID)
			Expect(ok).To(BeTrue())
			Expect(stored.EnergyConsumption).To(Equal(int64(501)))
			Expect(stored.LastUpdate).To(Equal(now))
		})

		It("alerts on every over-limit reading by default", func() {
			for i, value := range []int64{600, 700} {
				outcome, err := c.ReportSensorReading(ctx, coordinator.ReadingRequest{DeviceID: device.ID, Value: value, At: now.Add(time.Duration(i) * time.Second)})
				Expect(err).ToNot(HaveOccurred())
				Expect(outcome.Notifications).To(HaveLen(1))
			}
		})

		It("alerts only on the crossing with the on_crossing policy", func() {
			rules.EnergyPolicy = monitoring.EnergyAlertOnCrossing
			newCoordinator()

			expected := []int{1, 0, 0, 1}
			for i, value := range []int64{600, 700, 100, 900} {
				outcome, err := c.ReportSensorReading(ctx, coordinator.ReadingRequest{DeviceID: device.ID, Value: value, At: now.Add(time.Duration(i) * time.Second)})
				Expect(err).ToNot(HaveOccurred())
				Expect(outcome.Notifications).To(HaveLen(expected[i]))
			}
		})

		It("applies a redelivered reading only once", func() {
			first, err := c.ReportSensorReading(ctx, coordinator.ReadingRequest{DeviceID: device.ID, Value: 600, At: now})
			Expect(err).ToNot(HaveOccurred())
			Expect(first.Notifications).To(HaveLen(1))

			again, err := c.ReportSensorReading(ctx, coordinator.ReadingRequest{DeviceID: device.ID, Value: 600, At: now})
			Expect(err).ToNot(HaveOccurred())
			Expect(again.Empty()).To(BeTrue())

			critical, err := c.Notifications(ctx, monitoring.NotificationFilter{SourceKind: monitoring.SourceDevice, SourceID: device.ID})
			Expect(err).ToNot(HaveOccurred())
			Expect(critical).To(HaveLen(1))
		})

		It("does not let a late redelivery overwrite a newer reading", func() {
			_, err := c.ReportSensorReading(ctx, coordinator.ReadingRequest{DeviceID: device.ID, Value: 600, At: now})
			Expect(err).ToNot(HaveOccurred())
			_, err = c.ReportSensorReading(ctx, coordinator.ReadingRequest{DeviceID: device.ID, Value: 700, At: now.Add(time.Second)})
			Expect(err).ToNot(HaveOccurred())

			_, err = c.ReportSensorReading(ctx, coordinator.ReadingRequest{DeviceID: device.ID, Value: 600, At: now})
			Expect(err).ToNot(HaveOccurred())

			stored, _ := store.Device(device.ID)
			Expect(stored.EnergyConsumption).To(Equal(int64(700)))
			Expect(stored.LastUpdate).To(Equal(now.Add(time.Second)))
		})

		It("rejects negative readings", func() {
			_, err := c.ReportSensorReading(ctx, coordinator.ReadingRequest{DeviceID: device.ID, Value: -1})
			Expect(errors.Is(err, monitoring.ErrInvariantViolation)).To(BeTrue())
		})

		It("keeps the previous reading when the notification cannot be stored", func() {
			store.InjectFault("InsertNotification", errors.New("connection reset"))
			_, err := c.ReportSensorReading(ctx, coordinator.ReadingRequest{DeviceID: device.ID, Value: 900})
			Expect(errors.Is(err, monitoring.ErrStorageFailure)).To(BeTrue())

			stored, _ := store.Device(device.ID)
			Expect(stored.EnergyConsumption).To(Equal(int64(0)))
		})

		It("reports unknown devices as not found", func() {
			_, err := c.ReportSensorReading(ctx, coordinator.ReadingRequest{DeviceID: 999, Value: 1})
			Expect(errors.Is(err, monitoring.ErrNotFound)).To(BeTrue())
		})
	})

	Describe("AdvanceTaskClock", func() {
		It("marks an overdue task exactly once", func() {
			task := store.AddTask(monitoring.Task{Name: "repair well", Status: monitoring.TaskPending, Assignee: "ops", Deadline: now.Add(-time.Hour)})

			outcome, err := c.AdvanceTaskClock(ctx, task.ID, now)
			Expect(err).ToNot(HaveOccurred())
			Expect(outcome.Task.Status).To(Equal(monitoring.TaskOverdue))
			Expect(outcome.Notifications).To(HaveLen(1))
			Expect(outcome.Notifications[0].Type).To(Equal(monitoring.NotificationAlert))

			outcome, err = c.AdvanceTaskClock(ctx, task.ID, now.Add(time.Hour))
			Expect(err).ToNot(HaveOccurred())
			Expect(outcome.Empty()).To(BeTrue())

			By("asking a coordinator without a warm cache")
			newCoordinator()
			outcome, err = c.AdvanceTaskClock(ctx, task.ID, now.Add(time.Hour))
			Expect(err).ToNot(HaveOccurred())
			Expect(outcome.Empty()).To(BeTrue())

			alerts, err := c.Notifications(ctx, monitoring.NotificationFilter{SourceKind: monitoring.SourceTask})
			Expect(err).ToNot(HaveOccurred())
			Expect(alerts).To(HaveLen(1))
		})

		It("leaves tasks alone until the deadline has passed", func() {
			task := store.AddTask(monitoring.Task{Status: monitoring.TaskInProgress, Deadline: now})

			outcome, err := c.AdvanceTaskClock(ctx, task.ID, now)
			Expect(err).ToNot(HaveOccurred())
			Expect(outcome.Empty()).To(BeTrue())

			stored, err := store.Task(ctx, task.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.Status).To(Equal(monitoring.TaskInProgress))
		})

		It("never touches finished tasks", func() {
			task := store.AddTask(monitoring.Task{Status: monitoring.TaskDone, Deadline: now.Add(-time.Hour)})
			outcome, err := c.AdvanceTaskClock(ctx, task.ID, now)
			Expect(err).ToNot(HaveOccurred())
			Expect(outcome.Empty()).To(BeTrue())
		})

		It("alerts on a finished task that was reopened after its deadline", func() {
			task := store.AddTask(monitoring.Task{Name: "repair well", Status: monitoring.TaskDone, Deadline: now.Add(-time.Hour)})
			outcome, err := c.AdvanceTaskClock(ctx, task.ID, now)
			Expect(err).ToNot(HaveOccurred())
			Expect(outcome.Empty()).To(BeTrue())

			task.Status = monitoring.TaskPending
			store.AddTask(task)

			outcome, err = c.AdvanceTaskClock(ctx, task.ID, now)
			Expect(err).ToNot(HaveOccurred())
			Expect(outcome.Task.Status).To(Equal(monitoring.TaskOverdue))
			Expect(outcome.Notifications).To(HaveLen(1))

			stored, err := store.Task(ctx, task.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.Status).To(Equal(monitoring.TaskOverdue))
		})

		It("reports unknown tasks as not found", func() {
			_, err := c.AdvanceTaskClock(ctx, 999, now)
			Expect(errors.Is(err, monitoring.ErrNotFound)).To(BeTrue())
		})

		It("lists due tasks for the sweeper", func() {
			due := store.AddTask(monitoring.Task{Status: monitoring.TaskPending, Deadline: now.Add(-time.Minute)})
			store.AddTask(monitoring.Task{Status: monitoring.TaskPending, Deadline: now.Add(time.Minute)})

			ids, err := c.DueTasks(ctx, now, 10)
			Expect(err).ToNot(HaveOccurred())
			Expect(ids).To(Equal([]int64{due.ID}))
		})
	})

	Describe("observers", func() {
		It("see committed outcomes only", func() {
			var seen []monitoring.Outcome
			c.AddObserver(coordinator.ObserverFunc(func(_ context.Context, outcome monitoring.Outcome) {
				seen = append(seen, outcome)
			}))

			_, err := record(monitoring.OperationConsumption, 5)
			Expect(err).To(HaveOccurred())
			Expect(seen).To(BeEmpty())

			outcome, err := record(monitoring.OperationReplenishment, 5)
			Expect(err).ToNot(HaveOccurred())
			Expect(seen).To(HaveLen(1))
			Expect(seen[0].MutationID).To(Equal(outcome.MutationID))
		})
	})

	It("rejects an invalid rule configuration", func() {
		_, err := coordinator.New(store, coordinator.Options{Rules: monitoring.Config{EnergyPolicy: "sometimes"}})
		Expect(err).To(HaveOccurred())
	})
})
