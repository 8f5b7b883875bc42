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

package internal

import (
	"fmt"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// InitSentry enables error reporting. An empty dsn leaves Sentry disabled,
// which is the case for local runs and tests.
func InitSentry(dsn string, release string) {
	if dsn == "" {
		zap.S().Debug("Sentry disabled, no DSN configured")
		return
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:     dsn,
		Release: "settlement-monitor@" + release,
	})
	if err != nil {
		zap.S().Errorf("Failed to initialize Sentry: %s", err)
	}
}

// FlushSentry waits up to timeout for buffered events to be sent.
func FlushSentry(timeout time.Duration) {
	sentry.Flush(timeout)
}

func errorTitle(err error) string {
	message := err.Error()
	if idx := strings.IndexAny(message, ".,:"); idx > 0 {
		message = message[:idx]
	}
	if len(message) > 100 {
		message = message[:97] + "..."
	}
	return message
}

// ReportIssue sends err to Sentry at error level. Tags are added for filtering;
// the "operation" tag also takes part in grouping.
func ReportIssue(err error, tags map[string]string) {
	if err == nil {
		return
	}
	event := sentry.NewEvent()
	event.Level = sentry.LevelError
	event.Message = err.Error()
	event.Exception = []sentry.Exception{{
		Type:       errorTitle(err),
		Value:      err.Error(),
		Stacktrace: sentry.ExtractStacktrace(err),
	}}
	event.Fingerprint = []string{"{{ default }}"}
	event.Tags = make(map[string]string, len(tags))
	for k, v := range tags {
		event.Tags[k] = v
		if k == "operation" {
			event.Fingerprint = append(event.Fingerprint, fmt.Sprintf("operation: %s", v))
		}
	}
	sentry.CaptureEvent(event)
}
