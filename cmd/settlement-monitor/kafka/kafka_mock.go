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


package kafka

import (
	"sync"
	"testing"

	"github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/shared"
)

type MockConnection struct {
	MessagesToSend chan *shared.KafkaMessage

	mu       sync.Mutex
	Marked   []*shared.KafkaMessage
	Produced []*shared.KafkaMessage
}

func (c *MockConnection) GetMessages() <-chan *shared.KafkaMessage {
	return c.MessagesToSend
}

func (c *MockConnection) MarkMessage(msg *shared.KafkaMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Marked = append(c.Marked, msg)
}

// SendMessage records produced messages so the mock can stand in for the producer as well.
func (c *MockConnection) SendMessage(msg *shared.KafkaMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Produced = append(c.Produced, msg)
}

func (c *MockConnection) MarkedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Marked)
}

func (c *MockConnection) ProducedMessages() []*shared.KafkaMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*shared.KafkaMessage, len(c.Produced))
	copy(out, c.Produced)
	return out
}

func GetMockKafkaClient(t *testing.T) *MockConnection {
	// Passing t here to ensure it is not used in production code
	t.Logf("Using mock client")
	return &MockConnection{
		MessagesToSend: make(chan *shared.KafkaMessage),
		Marked:         make([]*shared.KafkaMessage, 0),
	}
}
