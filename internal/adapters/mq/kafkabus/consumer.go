// Package kafkabus ingests events from and publishes scores to Kafka.
package kafkabus

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	service "github.com/okian/ocufatigue/internal/app"
	"github.com/okian/ocufatigue/internal/domain/model"
	"github.com/okian/ocufatigue/pkg/logger"
)

const (
	sourceKafka    = "kafka"
	initialBackoff = time.Second
	maxBackoff     = 10 * time.Second
)

// Ingester accepts one raw event message.
type Ingester interface {
	IngestRaw(ctx context.Context, data []byte, source string) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig groups the ingestion settings.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topic   string
}

// Consumer reads events from a topic and hands them to an Ingester.
// Rejected messages are logged and committed; backpressure retries the
// same message without committing it. A stopped service ends the run with
// the message uncommitted, so the group redelivers it.
type Consumer struct {
	reader messageReader
	ingest Ingester
	topic  string
	logger logger.Logger
}

// NewConsumer creates a consumer group reader for cfg.Topic.
func NewConsumer(cfg ConsumerConfig, ing Ingester) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, ErrNoTopic
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return newConsumer(reader, cfg.Topic, ing), nil
}

func newConsumer(r messageReader, topic string, ing Ingester) *Consumer {
	return &Consumer{
		reader: r,
		ingest: ing,
		topic:  topic,
		logger: logger.Get().Named("kafka-consumer"),
	}
}

// Run consumes until ctx is canceled, then closes the reader.
func (c *Consumer) Run(ctx context.Context) {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Error(ctx, "reader close failed", logger.Error(err))
		}
	}()
	c.logger.Info(ctx, "consumer started", logger.String("topic", c.topic))

	backoff := initialBackoff
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				c.logger.Info(ctx, "consumer stopped")
				return
			}
			c.logger.Error(ctx, "fetch failed", logger.Error(err))
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = initialBackoff

		if !c.handle(ctx, msg) {
			return
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error(ctx, "commit failed", logger.Error(err), logger.Int64("offset", msg.Offset))
		}
	}
}

// handle ingests msg, retrying while the pipeline pushes back. It returns
// false when the message must not be committed: ctx ended or the service
// stopped before it was accepted.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	wait := initialBackoff / 10
	for {
		err := c.ingest.IngestRaw(ctx, msg.Value, sourceKafka)
		switch {
		case err == nil:
			return true
		case errors.Is(err, model.ErrBackpressure):
			if !sleep(ctx, wait) {
				return false
			}
			wait = min(wait*2, maxBackoff)
		case errors.Is(err, service.ErrNotStarted):
			c.logger.Info(ctx, "service stopped, leaving message uncommitted",
				logger.Int("partition", msg.Partition),
				logger.Int64("offset", msg.Offset),
			)
			return false
		default:
			c.logger.Debug(ctx, "message rejected",
				logger.Int("partition", msg.Partition),
				logger.Int64("offset", msg.Offset),
				logger.Error(err),
			)
			return true
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
