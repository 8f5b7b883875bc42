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

// Package publisher fans committed notifications out to Kafka and Redis pub/sub.
// Delivery is best effort: the notification is already durable in storage.
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/shared"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/helper"
	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/kafka"
	settlementShared "github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/shared"
	"github.com/united-manufacturing-hub/settlement-monitor/pkg/monitoring"
)

const publishTimeout = 5 * time.Second

var publishedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "settlementmonitor_published_notifications_total",
		Help: "Notifications handed to a sink, by sink and result",
	},
	[]string{"sink", "result"},
)

// RedisPublisher is implemented by *redis.Client.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type Publisher struct {
	kafka kafka.IProducer
	redis RedisPublisher
}

// New returns a publisher for the given sinks. Either may be nil.
func New(producer kafka.IProducer, rdb RedisPublisher) *Publisher {
	return &Publisher{kafka: producer, redis: rdb}
}

type RedisConfig struct {
	URI      string
	Password string
	DB       int
}

func RedisConfigFromEnv() (RedisConfig, error) {
	var cfg RedisConfig
	var err error
	if cfg.URI, err = env.GetAsString("REDIS_URI", true, ""); err != nil {
		return cfg, err
	}
	if cfg.Password, err = env.GetAsString("REDIS_PASSWORD", false, ""); err != nil {
		return cfg, err
	}
	if cfg.DB, err = env.GetAsInt("REDIS_DB", false, 0); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.URI,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// IsRedisAvailable pings redis with a 5 second timeout.
func IsRedisAvailable(rdb *redis.Client) error {
	ctx, cancel := helper.Get5SecondContext()
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis not available: %w", err)
	}
	return nil
}

func (p *Publisher) Observe(ctx context.Context, outcome monitoring.Outcome) {
	for _, n := range outcome.Notifications {
		event := settlementShared.NewNotificationEvent(outcome.MutationID, n)
		payload, err := json.Marshal(event)
		if err != nil {
			zap.S().Errorf("Failed to marshal notification %d: %s", n.ID, err)
			continue
		}
		if p.kafka != nil {
			p.kafka.SendMessage(&shared.KafkaMessage{
				Topic: settlementShared.TopicNotifications,
				Key:   []byte(fmt.Sprintf("%s.%d", n.SourceKind, n.SourceID)),
				Value: payload,
				Headers: map[string]string{
					"x-origin":    "settlement-monitor",
					"mutation-id": outcome.MutationID,
				},
			})
			publishedTotal.WithLabelValues("kafka", "ok").Inc()
		}
		if p.redis != nil {
			p.publishRedis(ctx, n.ID, payload)
		}
	}
}

func (p *Publisher) publishRedis(ctx context.Context, id int64, payload []byte) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := p.redis.Publish(ctx, settlementShared.RedisNotificationChannel, payload).Err(); err != nil {
		zap.S().Warnf("Failed to publish notification %d to redis: %s", id, err)
		publishedTotal.WithLabelValues("redis", "failed").Inc()
		return
	}
	publishedTotal.WithLabelValues("redis", "ok").Inc()
}
