// Package mqttbus ingests events published by eye trackers over MQTT.
package mqttbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/okian/ocufatigue/pkg/logger"
)

const (
	sourceMQTT     = "mqtt"
	connectTimeout = 5 * time.Second
	handleTimeout  = 2 * time.Second
	quiesceMillis  = 250
)

// ErrNoBroker is returned when no broker address is configured.
var ErrNoBroker = errors.New("no mqtt broker configured")

// Ingester accepts one raw event message.
type Ingester interface {
	IngestRaw(ctx context.Context, data []byte, source string) error
}

// Config groups the subscription settings.
type Config struct {
	Broker   string
	Topic    string
	ClientID string
	QoS      byte
}

// Subscriber forwards every message on the topic filter to an Ingester.
type Subscriber struct {
	cfg    Config
	client mqtt.Client
	ingest Ingester
	logger logger.Logger
}

// NewSubscriber prepares a client; Start connects and subscribes.
func NewSubscriber(cfg Config, ing Ingester) (*Subscriber, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, ErrNoBroker
	}
	if cfg.Topic == "" {
		cfg.Topic = "ocular/+/events"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "ocufatigue"
	}
	s := &Subscriber{cfg: cfg, ingest: ing, logger: logger.Get().Named("mqtt")}

	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	// resubscribe after every reconnect
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if err := s.subscribe(c); err != nil {
			s.logger.Error(context.Background(), "subscribe failed", logger.Error(err))
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn(context.Background(), "connection lost, reconnecting", logger.Error(err))
	})
	s.client = mqtt.NewClient(opts)
	return s, nil
}

// Start connects to the broker.
func (s *Subscriber) Start(ctx context.Context) error {
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect to %s: timeout", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", s.cfg.Broker, err)
	}
	s.logger.Info(ctx, "subscribed",
		logger.String("broker", s.cfg.Broker),
		logger.String("topic", s.cfg.Topic),
	)
	return nil
}

// Stop unsubscribes and disconnects.
func (s *Subscriber) Stop() {
	if s.client.IsConnected() {
		s.client.Unsubscribe(s.cfg.Topic).WaitTimeout(connectTimeout)
	}
	s.client.Disconnect(quiesceMillis)
}

func (s *Subscriber) subscribe(c mqtt.Client) error {
	token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.handle)
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("subscribe %s: timeout", s.cfg.Topic)
	}
	return token.Error()
}

// handle runs on the paho router goroutine; rejected messages are logged
// and dropped.
func (s *Subscriber) handle(_ mqtt.Client, msg mqtt.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	if err := s.ingest.IngestRaw(ctx, msg.Payload(), sourceMQTT); err != nil {
		s.logger.Debug(ctx, "message rejected",
			logger.String("topic", msg.Topic()),
			logger.Error(err),
		)
	}
}
