package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig contains configurable parameters for the Kafka notifier.
type KafkaConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic is the topic goal events are written to.
	Topic string

	// MaxAttempts is how many times a publish is retried on transient
	// error. Defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout. Defaults to 10s if zero.
	WriteTimeout time.Duration
}

// KafkaNotifier publishes goal events through a kafka-go Writer. The
// goal id is used as the message key so events for one goal stay
// ordered within a partition.
type KafkaNotifier struct {
	writer      *kafka.Writer
	maxAttempts int
}

func NewKafkaNotifier(cfg KafkaConfig) (*KafkaNotifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})

	return &KafkaNotifier{writer: w, maxAttempts: cfg.MaxAttempts}, nil
}

// Publish writes the event with bounded retries. Failures are logged
// and swallowed: notification delivery must never affect the outcome
// of the operation that emitted the event.
func (n *KafkaNotifier) Publish(ctx context.Context, event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		log.Printf("[notify] marshal event %s: %v", event.Type, err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(event.GoalID.String()),
		Value: value,
		Time:  event.Ts,
	}

	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := n.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	log.Printf("[notify] publish %s goal=%s failed after %d attempts: %v",
		event.Type, event.GoalID, n.maxAttempts, lastErr)
}

func (n *KafkaNotifier) Close() error {
	if n == nil || n.writer == nil {
		return nil
	}
	return n.writer.Close()
}
