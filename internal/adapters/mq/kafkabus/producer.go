package kafkabus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/okian/ocufatigue/internal/domain/model"
	"github.com/okian/ocufatigue/pkg/breaker"
)

// Header values of the "kind" header.
const (
	KindScore   = "score"
	KindSummary = "summary"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ProducerConfig groups the score publishing settings.
type ProducerConfig struct {
	Brokers []string
	Topic   string
}

// Producer publishes scores and summaries keyed by session id, so one
// session's records land on one partition in emission order.
type Producer struct {
	writer  messageWriter
	breaker *breaker.Breaker
}

// NewProducer creates a synchronous writer guarded by b. A nil b disables
// the breaker.
func NewProducer(cfg ProducerConfig, b *breaker.Breaker) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, ErrNoTopic
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
	return &Producer{writer: w, breaker: b}, nil
}

// PublishScore writes s to the score topic.
func (p *Producer) PublishScore(ctx context.Context, s model.FatigueScore) error {
	return p.write(ctx, s.SessionID, KindScore, s)
}

// PublishSummary writes s to the score topic.
func (p *Producer) PublishSummary(ctx context.Context, s model.Summary) error {
	return p.write(ctx, s.SessionID, KindSummary, s)
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

func (p *Producer) write(ctx context.Context, key, kind string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	msg := kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(kind)}},
	}
	send := func(ctx context.Context) error { return p.writer.WriteMessages(ctx, msg) }
	if p.breaker == nil {
		err = send(ctx)
	} else {
		err = p.breaker.Execute(ctx, send)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", kind, err)
	}
	return nil
}
