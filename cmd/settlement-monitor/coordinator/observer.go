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
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/settlement-monitor/pkg/monitoring"
)

const DefaultObserverQueueSize = 1000

// AsyncObserver hands outcomes to next on its own goroutine, so a slow sink
// never holds up the mutation that produced them. When the queue is full the
// outcome is dropped; the notifications are already stored.
type AsyncObserver struct {
	name  string
	next  Observer
	queue chan monitoring.Outcome
	done  chan struct{}

	closedLock sync.RWMutex
	closed     bool
}

func NewAsyncObserver(name string, next Observer, queueSize int) *AsyncObserver {
	if queueSize <= 0 {
		queueSize = DefaultObserverQueueSize
	}
	a := &AsyncObserver{
		name:  name,
		next:  next,
		queue: make(chan monitoring.Outcome, queueSize),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

// Observe never blocks.
func (a *AsyncObserver) Observe(_ context.Context, outcome monitoring.Outcome) {
	a.closedLock.RLock()
	defer a.closedLock.RUnlock()
	if a.closed {
		droppedOutcomes.WithLabelValues(a.name).Inc()
		return
	}
	select {
	case a.queue <- outcome:
	default:
		droppedOutcomes.WithLabelValues(a.name).Inc()
		zap.S().Warnf("Observer %s is behind, dropped outcome of mutation %s", a.name, outcome.MutationID)
	}
}

func (a *AsyncObserver) run() {
	defer close(a.done)
	for outcome := range a.queue {
		a.next.Observe(context.Background(), outcome)
	}
}

// Close stops accepting outcomes and waits until the queued ones are delivered or ctx is done.
func (a *AsyncObserver) Close(ctx context.Context) error {
	a.closedLock.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.closedLock.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		zap.S().Warnf("Observer %s still had %d outcomes queued", a.name, len(a.queue))
		return ctx.Err()
	}
}
