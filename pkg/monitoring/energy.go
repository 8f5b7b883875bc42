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

package monitoring

import "fmt"

type EnergyDecision struct {
	Critical *Notification
}

// OverLimit reports whether reading exceeds the limit. A reading equal to the limit is fine.
func OverLimit(reading int64, cfg Config) bool {
	return reading > cfg.EnergyLimit
}

// EvaluateEnergy decides whether a reported reading emits a critical notification.
// previous is the reading the device held before this report.
func EvaluateEnergy(deviceID int64, previous int64, reading int64, cfg Config, trigger Trigger) EnergyDecision {
	if !OverLimit(reading, cfg) {
		return EnergyDecision{}
	}
	if cfg.EnergyPolicy == EnergyAlertOnCrossing && OverLimit(previous, cfg) {
		return EnergyDecision{}
	}
	return EnergyDecision{
		Critical: newNotification(
			NotificationCritical,
			SourceDevice,
			deviceID,
			RuleEnergyLimit,
			fmt.Sprintf("Energy consumption limit exceeded for device ID: %d (reading: %d, limit: %d)", deviceID, reading, cfg.EnergyLimit),
			trigger,
		),
	}
}
