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
	"errors"
	"math/rand"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/consumer/redpanda"
	"github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/producer"
	"github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/shared"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	settlementShared "github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/shared"
)

const consumerGroup = "settlement-monitor"

type IConnection interface {
	GetMessages() <-chan *shared.KafkaMessage
	MarkMessage(msg *shared.KafkaMessage)
}

// IProducer is the part of the producer used to publish notifications.
type IProducer interface {
	SendMessage(msg *shared.KafkaMessage)
}

type Connection struct {
	consumer *redpanda.Consumer
}

// BrokersFromEnv reads the comma separated KAFKA_BROKERS list.
func BrokersFromEnv() ([]string, error) {
	brokers, err := env.GetAsString("KAFKA_BROKERS", true, "")
	if err != nil {
		return nil, err
	}
	list := make([]string, 0)
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			list = append(list, b)
		}
	}
	if len(list) == 0 {
		return nil, errors.New("KAFKA_BROKERS is empty")
	}
	return list, nil
}

// Init subscribes to the inbound mutation topics. The consumer starts right away.
func Init(brokers []string) (*Connection, error) {
	instanceID := rand.Int63() //nolint:gosec
	consumer, err := redpanda.NewConsumer(brokers, []string{settlementShared.TopicRegex}, consumerGroup, strconv.FormatInt(instanceID, 10))
	if err != nil {
		return nil, err
	}
	zap.S().Infof("Kafka consumer %d joined group %s", instanceID, consumerGroup)
	return &Connection{consumer: consumer}, nil
}

func (c *Connection) GetMessages() <-chan *shared.KafkaMessage {
	return c.consumer.GetMessages()
}

func (c *Connection) MarkMessage(message *shared.KafkaMessage) {
	c.consumer.MarkMessage(message)
}

func NewProducer(brokers []string) (*producer.Producer, error) {
	return producer.NewProducer(brokers)
}

// stats is implemented by the consumer and by the mock.
type stats interface {
	GetStats() (marked uint64, consumed uint64)
}

func (c *Connection) GetStats() (uint64, uint64) {
	return c.consumer.GetStats()
}

const stallTimeout = 5 * time.Minute

// GetLivenessCheck fails when consumed messages stay unmarked for too long.
// An idle topic is healthy, mutations can be rare.
func GetLivenessCheck(c stats) healthcheck.Check {
	var lastMarked atomic.Uint64
	var lastProgress atomic.Int64
	lastProgress.Store(time.Now().UTC().Unix())

	return func() error {
		marked, consumed := c.GetStats()
		now := time.Now().UTC().Unix()
		oldValue := lastMarked.Swap(marked)
		switch {
		case oldValue > marked:
			return errors.New("amount of marked messages went down")
		case oldValue < marked || marked >= consumed:
			lastProgress.Store(now)
			return nil
		case time.Duration(now-lastProgress.Load())*time.Second > stallTimeout:
			return errors.New("no kafka message was marked in the last 5 minutes")
		default:
			return nil
		}
	}
}

func GetReadinessCheck(c *Connection) healthcheck.Check {
	return func() error {
		if c.consumer.IsReady() {
			return nil
		}
		return errors.New("kafka consumer is not ready")
	}
}
