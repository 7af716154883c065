package output

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig contains configurable parameters for the Kafka publisher
type KafkaConfig struct {
	Brokers []string
	Topic   string

	// MaxAttempts defaults to 3
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout, 10s by default
	WriteTimeout time.Duration
}

// messageWriter is the subset of *kafka.Writer the handler uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaHandler publishes each cycle event to a topic keyed by pool, so
// events of one pool stay ordered within a partition
type KafkaHandler struct {
	writer       messageWriter
	topic        string
	maxAttempts  int
	writeTimeout time.Duration
	backoff      time.Duration
	now          func() time.Time
	log          zerolog.Logger
}

func NewKafkaHandler(config KafkaConfig) (*KafkaHandler, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: config.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
	}

	return newKafkaHandler(w, config), nil
}

func newKafkaHandler(w messageWriter, config KafkaConfig) *KafkaHandler {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	return &KafkaHandler{
		writer:       w,
		topic:        config.Topic,
		maxAttempts:  config.MaxAttempts,
		writeTimeout: config.WriteTimeout,
		backoff:      100 * time.Millisecond,
		now:          time.Now,
		log:          log.With().Str("component", "kafka").Str("topic", config.Topic).Logger(),
	}
}

// Emit writes the event as JSON, retrying with exponential backoff capped at 2s
func (h *KafkaHandler) Emit(ctx context.Context, event CycleEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.Pool),
		Value: value,
		Time:  h.now().UTC(),
		Headers: []kafka.Header{
			{Key: "recommendation_id", Value: []byte(event.Recommendation.ID)},
			{Key: "action", Value: []byte(event.Recommendation.Action)},
		},
	}

	var lastErr error
	backoff := h.backoff
	for attempt := 1; attempt <= h.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
		err := h.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return nil
		}

		lastErr = err
		if attempt == h.maxAttempts {
			break
		}
		h.log.Warn().Err(err).Int("attempt", attempt).Msg("Publish failed, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("publish cancelled after %d attempts: %w", attempt, lastErr)
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}

	return fmt.Errorf("publish failed after %d attempts: %w", h.maxAttempts, lastErr)
}

func (h *KafkaHandler) Format() string {
	return "kafka"
}

func (h *KafkaHandler) Close() error {
	if h == nil || h.writer == nil {
		return nil
	}
	return h.writer.Close()
}
