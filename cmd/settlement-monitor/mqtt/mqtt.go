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

package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/coordinator"
	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/helper"
	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/shared"
	"github.com/united-manufacturing-hub/settlement-monitor/internal"
	"github.com/united-manufacturing-hub/settlement-monitor/pkg/monitoring"
)

// DefaultTopic matches settlement/<settlement>/device/<device id>/energy.
const DefaultTopic = "settlement/+/device/+/energy"

var readingsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "settlementmonitor_mqtt_readings_total",
		Help: "Energy readings received over MQTT, by result",
	},
	[]string{"result"},
)

type ReadingReporter interface {
	ReportSensorReading(ctx context.Context, req coordinator.ReadingRequest) (monitoring.Outcome, error)
}

type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Topic     string
}

func ConfigFromEnv() (Config, error) {
	var cfg Config
	var err error
	if cfg.BrokerURL, err = env.GetAsString("MQTT_BROKER_URL", true, ""); err != nil {
		return cfg, err
	}
	if cfg.ClientID, err = env.GetAsString("MQTT_CLIENT_ID", false, "settlement-monitor"); err != nil {
		return cfg, err
	}
	if cfg.Username, err = env.GetAsString("MQTT_USERNAME", false, ""); err != nil {
		return cfg, err
	}
	if cfg.Password, err = env.GetAsString("MQTT_PASSWORD", false, ""); err != nil {
		return cfg, err
	}
	if cfg.Topic, err = env.GetAsString("MQTT_TOPIC", false, DefaultTopic); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Handler turns energy messages into sensor reading mutations.
type Handler struct {
	reporter ReadingReporter
	retry    internal.RetryPolicy
}

func NewHandler(reporter ReadingReporter, retry internal.RetryPolicy) *Handler {
	return &Handler{reporter: reporter, retry: retry}
}

// ParseEnergyMessage extracts the reading carried by topic and payload.
func ParseEnergyMessage(topic string, payload []byte) (coordinator.ReadingRequest, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != "settlement" || parts[2] != "device" || parts[4] != "energy" {
		return coordinator.ReadingRequest{}, fmt.Errorf("unexpected topic %s", topic)
	}
	deviceID, err := helper.ParseID(parts[3])
	if err != nil {
		return coordinator.ReadingRequest{}, err
	}
	var body shared.EnergyPayload
	if err = json.Unmarshal(payload, &body); err != nil {
		return coordinator.ReadingRequest{}, err
	}
	if body.Value == nil {
		return coordinator.ReadingRequest{}, errors.New("payload has no value")
	}
	return coordinator.ReadingRequest{
		DeviceID: deviceID,
		Value:    *body.Value,
		At:       helper.UnixMsToTime(body.TimestampMs),
	}, nil
}

func (h *Handler) Handle(ctx context.Context, topic string, payload []byte) error {
	req, err := ParseEnergyMessage(topic, payload)
	if err != nil {
		readingsTotal.WithLabelValues("invalid").Inc()
		return err
	}
	err = internal.Retry(ctx, h.retry, monitoring.IsRetryable, func() error {
		mutationCtx, cancel := helper.Get1MinuteContext()
		defer cancel()
		_, err := h.reporter.ReportSensorReading(mutationCtx, req)
		return err
	})
	if err != nil {
		readingsTotal.WithLabelValues("failed").Inc()
		return err
	}
	readingsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (h *Handler) onMessage(ctx context.Context) MQTT.MessageHandler {
	return func(_ MQTT.Client, message MQTT.Message) {
		if err := h.Handle(ctx, message.Topic(), message.Payload()); err != nil {
			zap.S().Warnf("Failed to handle energy reading on %s: %s", message.Topic(), err)
		}
	}
}

type Client struct {
	client MQTT.Client
}

// Connect connects to the broker and subscribes on every (re)connect.
func Connect(ctx context.Context, cfg Config, h *Handler) (*Client, error) {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(func(c MQTT.Client) {
		zap.S().Infof("Connected to MQTT broker (%s)", cfg.ClientID)
		if token := c.Subscribe(cfg.Topic, 1, h.onMessage(ctx)); token.Wait() && token.Error() != nil {
			zap.S().Errorf("Failed to subscribe to %s: %s", cfg.Topic, token.Error())
			return
		}
		zap.S().Infof("MQTT subscribed (%s)", cfg.Topic)
	})
	opts.SetConnectionLostHandler(func(c MQTT.Client, err error) {
		zap.S().Warnf("Connection lost, reconnecting (%v) (%s)", err, cfg.ClientID)
	})

	client := MQTT.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return nil, fmt.Errorf("timed out connecting to %s", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return &Client{client: client}, nil
}

func (c *Client) GetHealthCheck() healthcheck.Check {
	return func() error {
		if c.client.IsConnected() {
			return nil
		}
		return fmt.Errorf("not connected")
	}
}

func (c *Client) Close() {
	c.client.Disconnect(250)
}
