package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/canonical"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	// MaxAttempts defaults to 3.
	MaxAttempts int
	// AttemptTimeout bounds a single write. Defaults to 5s.
	AttemptTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes canonical JSON events keyed by tenant so one tenant's
// events stay on one partition.
type KafkaPublisher struct {
	writer         messageWriter
	maxAttempts    int
	attemptTimeout time.Duration
	backoff        time.Duration
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaPublisher(w, cfg), nil
}

func newKafkaPublisher(w messageWriter, cfg KafkaConfig) *KafkaPublisher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 5 * time.Second
	}
	return &KafkaPublisher{
		writer:         w,
		maxAttempts:    cfg.MaxAttempts,
		attemptTimeout: cfg.AttemptTimeout,
		backoff:        100 * time.Millisecond,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	value, err := canonical.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.TenantID),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
		},
	}

	var lastErr error
	backoff := p.backoff
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
		lastErr = p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if lastErr == nil {
			return nil
		}
		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("publish %s: %w", ev.Type, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("publish %s failed after %d attempts: %w", ev.Type, p.maxAttempts, lastErr)
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
