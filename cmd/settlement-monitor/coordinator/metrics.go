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

package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlementmonitor_mutations_total",
			Help: "Mutations handled by the coordinator, by operation and result",
		},
		[]string{"operation", "result"},
	)
	mutationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settlementmonitor_mutation_duration_seconds",
			Help:    "Time from entering the coordinator until commit or rollback",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"operation"},
	)
	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlementmonitor_notifications_total",
			Help: "Committed notifications, by type",
		},
		[]string{"type"},
	)
	incidentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlementmonitor_incident_changes_total",
			Help: "Committed incident changes, by kind",
		},
		[]string{"kind"},
	)
	lockContention = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlementmonitor_lock_contention_total",
			Help: "Mutations rejected because their entity stayed locked",
		},
		[]string{"kind"},
	)
	duplicateReadings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settlementmonitor_duplicate_readings_total",
			Help: "Sensor reports skipped because the same reading was already applied",
		},
	)
	droppedOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlementmonitor_dropped_outcomes_total",
			Help: "Committed outcomes an observer could not take, by observer",
		},
		[]string{"observer"},
	)
)
