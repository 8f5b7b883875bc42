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

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/spf13/cobra"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/api"
	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/coordinator"
	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/helper"
	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/kafka"
	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/memory"
	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/mqtt"
	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/postgresql"
	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/publisher"
	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/sweeper"
	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/telemetry"
	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/worker"
	"github.com/united-manufacturing-hub/settlement-monitor/internal"
	"github.com/united-manufacturing-hub/settlement-monitor/pkg/monitoring"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"

	shutdownTimeout = 30 * time.Second
)

type storage struct {
	store  monitoring.Store
	health healthcheck.Check
	close  func()
}

// openStorage connects the backend named by STORAGE_BACKEND.
func openStorage() (storage, error) {
	backend, err := env.GetAsString("STORAGE_BACKEND", false, BackendPostgres)
	if err != nil {
		return storage{}, err
	}
	switch backend {
	case BackendMemory:
		zap.S().Warnf("Using the in-memory store, nothing will be persisted")
		s := memory.New()
		return storage{
			store:  s,
			health: func() error { return s.Ping(context.Background()) },
			close:  func() {},
		}, nil
	case BackendPostgres:
		cfg, err := postgresql.ConfigFromEnv()
		if err != nil {
			return storage{}, err
		}
		maxWait, err := helper.EnvSeconds("POSTGRES_CONNECT_TIMEOUT_SECONDS", 2*time.Minute)
		if err != nil {
			return storage{}, err
		}
		conn, err := postgresql.Connect(cfg, maxWait)
		if err != nil {
			return storage{}, err
		}
		ctx, cancel := helper.Get5SecondContext()
		defer cancel()
		if err = conn.CheckSchema(ctx); err != nil {
			conn.Close()
			return storage{}, fmt.Errorf("%w (run the migrate command first)", err)
		}
		return storage{store: conn, health: conn.GetHealthCheck(), close: conn.Close}, nil
	default:
		return storage{}, fmt.Errorf("unknown STORAGE_BACKEND %q, expected %s or %s", backend, BackendPostgres, BackendMemory)
	}
}

func newCoordinator(store monitoring.Store) (*coordinator.Coordinator, error) {
	rules, err := monitoring.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	timeout, err := helper.EnvSeconds("MUTATION_TIMEOUT_SECONDS", coordinator.DefaultMutationTimeout)
	if err != nil {
		return nil, err
	}
	cacheSize, err := env.GetAsInt("TASK_CACHE_SIZE", false, coordinator.DefaultTaskCacheSize)
	if err != nil {
		return nil, err
	}
	zap.S().Infof("Rules: critical threshold %d, energy limit %d, energy policy %s",
		rules.CriticalThreshold, rules.EnergyLimit, rules.EnergyPolicy)
	return coordinator.New(store, coordinator.Options{
		Rules:           rules,
		MutationTimeout: timeout,
		TaskCacheSize:   cacheSize,
	})
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := postgresql.ConfigFromEnv()
	if err != nil {
		return err
	}
	conn, err := postgresql.Connect(cfg, 2*time.Minute)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := helper.Get1MinuteContext()
	defer cancel()
	if err = conn.EnsureSchema(ctx); err != nil {
		return err
	}
	zap.S().Infof("Schema of %s is up to date", cfg.Database)
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	st, err := openStorage()
	if err != nil {
		return err
	}
	defer st.close()
	coord, err := newCoordinator(st.store)
	if err != nil {
		return err
	}
	cfg, err := sweeper.ConfigFromEnv()
	if err != nil {
		return err
	}
	result, err := sweeper.New(coord, cfg).SweepOnce(cmd.Context())
	if err != nil {
		return err
	}
	zap.S().Infof("Sweep done: %d due, %d marked overdue, %d failed", result.Due, result.Overdue, result.Failed)
	if result.Failed > 0 {
		return fmt.Errorf("%d tasks could not be advanced", result.Failed)
	}
	return nil
}

// service holds everything serve starts, so the shutdown hook can release it.
type service struct {
	storage  storage
	coord    *coordinator.Coordinator
	server   *api.Server
	consumer *kafka.Connection
	producer interface{ Close() error }
	redis    interface{ Close() error }
	mqtt     *mqtt.Client
	archive  *telemetry.Archive
	sweeper  *sweeper.Sweeper

	observerQueueSize int
	observers         []*coordinator.AsyncObserver

	readiness map[string]healthcheck.Check
	liveness  map[string]healthcheck.Check
}

func runServe(cmd *cobra.Command, args []string) error {
	zap.S().Infof("Starting settlement-monitor %s", buildVersion)

	sentryDSN, err := env.GetAsString("SENTRY_DSN", false, "")
	if err != nil {
		return err
	}
	internal.InitSentry(sentryDSN, buildVersion)
	InitPrometheus()

	svc := &service{
		readiness: map[string]healthcheck.Check{},
		liveness:  map[string]healthcheck.Check{},
	}
	gs := internal.NewGracefulShutdown(shutdownTimeout, func(ctx context.Context) error {
		var err error
		if svc.server != nil {
			err = svc.server.Shutdown(ctx)
		}
		svc.close()
		internal.FlushSentry(2 * time.Second)
		return err
	})

	// setup may fail half way; the shutdown hook releases whatever was started.
	if err = svc.setup(gs.Context()); err != nil {
		internal.ReportIssue(err, map[string]string{"operation": "startup"})
		gs.Shutdown()
		_ = gs.Wait()
		return err
	}
	InitHealthCheck(svc.readiness, svc.liveness)

	g, ctx := errgroup.WithContext(gs.Context())
	g.Go(svc.server.ListenAndServe)
	if svc.consumer != nil {
		w := worker.New(svc.consumer, svc.coord, internal.DefaultRetryPolicy)
		g.Go(func() error {
			w.Run(ctx)
			if ctx.Err() == nil {
				return errors.New("kafka worker stopped")
			}
			return nil
		})
	}
	if svc.sweeper != nil {
		g.Go(func() error { return svc.sweeper.Run(ctx) })
	}
	// Stop the siblings as soon as the shutdown starts.
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svc.server.Shutdown(stopCtx); err != nil {
			zap.S().Warnf("Failed to stop HTTP API: %s", err)
		}
		return nil
	})

	runErr := g.Wait()
	if runErr != nil {
		zap.S().Errorf("Service failed: %s", runErr)
		internal.ReportIssue(runErr, map[string]string{"operation": "serve"})
	}
	gs.Shutdown()
	if err := gs.Wait(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// setup starts every enabled component. ctx lives as long as the service.
func (s *service) setup(ctx context.Context) error {
	var err error
	if s.storage, err = openStorage(); err != nil {
		return err
	}
	s.readiness["database"] = s.storage.health
	s.liveness["database"] = s.storage.health

	if s.coord, err = newCoordinator(s.storage.store); err != nil {
		return err
	}
	if s.observerQueueSize, err = env.GetAsInt("OBSERVER_QUEUE_SIZE", false, coordinator.DefaultObserverQueueSize); err != nil {
		return err
	}

	if err = s.setupKafka(); err != nil {
		return err
	}
	if err = s.setupMQTT(ctx); err != nil {
		return err
	}
	if err = s.setupTelemetry(); err != nil {
		return err
	}

	sweepEnabled, err := env.GetAsBool("SWEEP_ENABLED", false, true)
	if err != nil {
		return err
	}
	if sweepEnabled {
		cfg, err := sweeper.ConfigFromEnv()
		if err != nil {
			return err
		}
		s.sweeper = sweeper.New(s.coord, cfg)
	}

	port, err := env.GetAsInt("HTTP_PORT", false, 8080)
	if err != nil {
		return err
	}
	s.server = api.NewServer(port, s.coord)
	return nil
}

// setupKafka starts the consumer and wires the notification publisher.
// The publisher is registered even without Kafka so that Redis alone works.
func (s *service) setupKafka() error {
	kafkaEnabled, err := env.GetAsBool("KAFKA_ENABLED", false, false)
	if err != nil {
		return err
	}
	redisEnabled, err := env.GetAsBool("REDIS_ENABLED", false, false)
	if err != nil {
		return err
	}

	var producer kafka.IProducer
	if kafkaEnabled {
		brokers, err := kafka.BrokersFromEnv()
		if err != nil {
			return err
		}
		if s.consumer, err = kafka.Init(brokers); err != nil {
			return err
		}
		s.readiness["kafka"] = kafka.GetReadinessCheck(s.consumer)
		s.liveness["kafka"] = kafka.GetLivenessCheck(s.consumer)

		p, err := kafka.NewProducer(brokers)
		if err != nil {
			return err
		}
		s.producer = p
		producer = p
	}

	var rdb publisher.RedisPublisher
	if redisEnabled {
		cfg, err := publisher.RedisConfigFromEnv()
		if err != nil {
			return err
		}
		client := publisher.NewRedisClient(cfg)
		if err = publisher.IsRedisAvailable(client); err != nil {
			_ = client.Close()
			return err
		}
		s.readiness["redis"] = func() error { return publisher.IsRedisAvailable(client) }
		s.redis = client
		rdb = client
	}

	if producer != nil || rdb != nil {
		s.observe("publisher", publisher.New(producer, rdb))
	}
	return nil
}

func (s *service) setupMQTT(ctx context.Context) error {
	enabled, err := env.GetAsBool("MQTT_ENABLED", false, false)
	if err != nil || !enabled {
		return err
	}
	cfg, err := mqtt.ConfigFromEnv()
	if err != nil {
		return err
	}
	handler := mqtt.NewHandler(s.coord, internal.DefaultRetryPolicy)
	if s.mqtt, err = mqtt.Connect(ctx, cfg, handler); err != nil {
		return err
	}
	s.liveness["mqtt"] = s.mqtt.GetHealthCheck()
	return nil
}

func (s *service) setupTelemetry() error {
	enabled, err := env.GetAsBool("INFLUX_ENABLED", false, false)
	if err != nil || !enabled {
		return err
	}
	cfg, err := telemetry.ConfigFromEnv()
	if err != nil {
		return err
	}
	ctx, cancel := helper.Get5SecondContext()
	defer cancel()
	if s.archive, err = telemetry.Connect(ctx, cfg, s.coord.Rules()); err != nil {
		return err
	}
	s.observe("telemetry", s.archive)
	return nil
}

// observe registers o behind its own queue.
func (s *service) observe(name string, o coordinator.Observer) {
	async := coordinator.NewAsyncObserver(name, o, s.observerQueueSize)
	s.observers = append(s.observers, async)
	s.coord.AddObserver(async)
}

func (s *service) close() {
	if s.mqtt != nil {
		s.mqtt.Close()
	}
	// Drain the observers before their sinks go away.
	for _, o := range s.observers {
		ctx, cancel := helper.Get5SecondContext()
		if err := o.Close(ctx); err != nil {
			zap.S().Warnf("Failed to drain observer: %s", err)
		}
		cancel()
	}
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			zap.S().Warnf("Failed to close kafka producer: %s", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			zap.S().Warnf("Failed to close redis client: %s", err)
		}
	}
	if s.archive != nil {
		s.archive.Close()
	}
	if s.storage.close != nil {
		s.storage.close()
	}
}
