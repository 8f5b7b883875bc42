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

// ThresholdDecision is what the threshold rule wants applied after an operation insert.
// At most one of OpenIncident and ResolveIncident is set.
type ThresholdDecision struct {
	// OpenIncident is a new incident to insert.
	OpenIncident *Incident
	// ResolveIncident is the currently open incident that has to be resolved.
	ResolveIncident *Incident
	Warning         *Notification
}

func (d ThresholdDecision) NoOp() bool {
	return d.OpenIncident == nil && d.ResolveIncident == nil && d.Warning == nil
}

// BelowThreshold reports whether balance counts as critical. Equality is critical.
func BelowThreshold(balance int64, cfg Config) bool {
	return balance <= cfg.CriticalThreshold
}

// EvaluateThreshold decides on incident and warning for a resource given its balance after
// the triggering operation and its currently open incident (nil if none).
//
//	balance <= threshold, no open incident  -> open incident + warning
//	balance <= threshold, open incident     -> warning
//	balance >  threshold, open incident     -> resolve incident
//	balance >  threshold, no open incident  -> nothing
func EvaluateThreshold(resourceID int64, balance int64, open *Incident, cfg Config, trigger Trigger) ThresholdDecision {
	var d ThresholdDecision

	if !BelowThreshold(balance, cfg) {
		if open != nil {
			resolved := *open
			d.ResolveIncident = &resolved
		}
		return d
	}

	if open == nil {
		d.OpenIncident = &Incident{
			ResourceID:  resourceID,
			Type:        IncidentTypeShortage,
			Description: fmt.Sprintf("Balance of resource ID: %d dropped to %d (critical threshold: %d)", resourceID, balance, cfg.CriticalThreshold),
			Status:      IncidentOpen,
			DateTime:    trigger.At,
		}
	}
	d.Warning = newNotification(
		NotificationWarning,
		SourceResource,
		resourceID,
		RuleResourceThreshold,
		fmt.Sprintf("Critical resource level for resource ID: %d (balance: %d, threshold: %d)", resourceID, balance, cfg.CriticalThreshold),
		trigger,
	)
	return d
}
