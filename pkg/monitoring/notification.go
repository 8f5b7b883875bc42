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

import (
	"strconv"
	"time"

	"github.com/united-manufacturing-hub/settlement-monitor/internal"
)

// Trigger identifies the event an evaluation runs for.
// Ref must be unique per event for a given source entity (operation id, reading timestamp, ...).
type Trigger struct {
	Ref string
	At  time.Time
}

// Fingerprint identifies one crossing event. The notification store keeps it unique.
func Fingerprint(kind SourceKind, sourceID int64, rule string, ref string) []byte {
	return internal.AsXXHashStrings(string(kind), strconv.FormatInt(sourceID, 10), rule, ref)
}

func newNotification(t NotificationType, kind SourceKind, sourceID int64, rule string, message string, trigger Trigger) *Notification {
	return &Notification{
		Type:        t,
		Message:     message,
		Timestamp:   trigger.At,
		Status:      NotificationUnread,
		SourceKind:  kind,
		SourceID:    sourceID,
		Rule:        rule,
		Fingerprint: Fingerprint(kind, sourceID, rule, trigger.Ref),
	}
}
