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
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/coordinator"
	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/memory"
	"github.com/united-manufacturing-hub/settlement-monitor/pkg/monitoring"
)

// blockingSink records outcomes once release is closed.
type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	seen    []string
}

func (b *blockingSink) Observe(_ context.Context, outcome monitoring.Outcome) {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen = append(b.seen, outcome.MutationID)
}

func (b *blockingSink) Seen() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.seen...)
}

var _ = Describe("AsyncObserver", func() {
	var sink *blockingSink

	BeforeEach(func() {
		sink = &blockingSink{release: make(chan struct{})}
	})

	It("does not wait for a stalled sink", func() {
		a := coordinator.NewAsyncObserver("test", sink, 2)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for _, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
				a.Observe(context.Background(), monitoring.Outcome{MutationID: id})
			}
		}()
		Eventually(done).WithTimeout(time.Second).Should(BeClosed())

		close(sink.release)
		Expect(a.Close(context.Background())).To(Succeed())
		// One outcome is in flight, two are queued and the rest are dropped.
		Expect(len(sink.Seen())).To(BeNumerically("<=", 3))
		Expect(sink.Seen()).To(ContainElement("m1"))
	})

	It("delivers queued outcomes in order on close", func() {
		a := coordinator.NewAsyncObserver("test", sink, 10)
		a.Observe(context.Background(), monitoring.Outcome{MutationID: "m1"})
		a.Observe(context.Background(), monitoring.Outcome{MutationID: "m2"})
		close(sink.release)

		Expect(a.Close(context.Background())).To(Succeed())
		Expect(sink.Seen()).To(Equal([]string{"m1", "m2"}))

		a.Observe(context.Background(), monitoring.Outcome{MutationID: "m3"})
		Expect(sink.Seen()).To(HaveLen(2))
	})

	It("gives up draining when the context ends", func() {
		a := coordinator.NewAsyncObserver("test", sink, 10)
		a.Observe(context.Background(), monitoring.Outcome{MutationID: "m1"})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		Expect(a.Close(ctx)).To(MatchError(context.DeadlineExceeded))
		close(sink.release)
	})

	It("keeps slow sinks off the mutation path", func() {
		store := memory.New()
		resource := store.AddResource(monitoring.Resource{Name: "water", Unit: "l"})
		c, err := coordinator.New(store, coordinator.Options{Rules: monitoring.DefaultConfig()})
		Expect(err).ToNot(HaveOccurred())
		c.AddObserver(coordinator.NewAsyncObserver("test", sink, 10))

		finished := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(finished)
			_, err := c.RecordOperation(context.Background(), coordinator.OperationRequest{
				ResourceID: resource.ID,
				Quantity:   10,
				Type:       monitoring.OperationReplenishment,
			})
			Expect(err).ToNot(HaveOccurred())
		}()
		Eventually(finished).WithTimeout(time.Second).Should(BeClosed())
		close(sink.release)
		Eventually(sink.Seen).Should(HaveLen(1))
	})
})
