package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type ConsumerConfig struct {
	Brokers     []string
	GroupID     string
	MaxAttempts int
	RetryTTL    time.Duration
}

type Consumer struct {
	group        sarama.ConsumerGroup
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retries      *retryTracker
}

func NewConsumer(cfg ConsumerConfig, logger *slog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	sc := sarama.NewConfig()
	sc.Version = sarama.V3_7_0_0
	sc.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Group.Session.Timeout = 30 * time.Second
	sc.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	sc.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:   group,
		logger:  logger,
		retries: newRetryTracker(cfg.MaxAttempts, cfg.RetryTTL),
	}, nil
}

// WithDLQ routes DLQ-marked and exhausted messages to topic instead of
// leaving them uncommitted.
func (c *Consumer) WithDLQ(publisher Publisher, topic string) *Consumer {
	c.dlqPublisher = publisher
	c.dlqTopic = topic
	return c
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:      handler,
		logger:       c.logger,
		dlqPublisher: c.dlqPublisher,
		dlqTopic:     c.dlqTopic,
		retryTracker: c.retries,
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retryTracker *retryTracker
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim marks a message once it is handled or dead-lettered. A
// retryable failure ends the claim without marking so the group redelivers
// from the last committed offset.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		err := h.handler.HandleMessage(session.Context(), msg)
		if err == nil {
			h.retryTracker.clear(msg)
			session.MarkMessage(msg, "")
			continue
		}

		dlqErr, terminal := AsDLQ(err)
		attempts := 1
		if !terminal {
			attempts = h.retryTracker.record(msg)
			if !h.retryTracker.exhausted(attempts) || h.dlqPublisher == nil {
				h.logger.Warn("kafka message handler failed, will retry",
					"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "attempt", attempts, "error", err)
				return err
			}
			dlqErr = &DLQError{Err: err, Reason: ReasonRetriesExhausted}
		}

		if h.dlqPublisher == nil {
			h.logger.Error("kafka message dropped without dlq", "topic", msg.Topic, "offset", msg.Offset, "error", err)
			session.MarkMessage(msg, "")
			continue
		}
		payload := BuildDLQPayload(msg, dlqErr, attempts)
		if _, _, pubErr := h.dlqPublisher.PublishJSON(session.Context(), h.dlqTopic, string(msg.Key), payload); pubErr != nil {
			h.logger.Error("kafka dlq publish failed", "topic", h.dlqTopic, "error", pubErr)
			return pubErr
		}
		h.logger.Warn("kafka message dead-lettered",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "reason", dlqErr.Reason)
		h.retryTracker.clear(msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

// retryTracker counts failed attempts per message across consumer sessions.
// Entries expire after ttl so a stuck partition does not leak memory.
type retryTracker struct {
	mu          sync.Mutex
	maxAttempts int
	ttl         time.Duration
	attempts    map[string]retryEntry
	now         func() time.Time
}

type retryEntry struct {
	count    int
	lastSeen time.Time
}

func newRetryTracker(maxAttempts int, ttl time.Duration) *retryTracker {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &retryTracker{
		maxAttempts: maxAttempts,
		ttl:         ttl,
		attempts:    make(map[string]retryEntry),
		now:         time.Now,
	}
}

func retryKey(msg *sarama.ConsumerMessage) string {
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}

func (t *retryTracker) record(msg *sarama.ConsumerMessage) int {
	if t == nil {
		return 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for key, entry := range t.attempts {
		if now.Sub(entry.lastSeen) > t.ttl {
			delete(t.attempts, key)
		}
	}
	key := retryKey(msg)
	entry := t.attempts[key]
	entry.count++
	entry.lastSeen = now
	t.attempts[key] = entry
	return entry.count
}

func (t *retryTracker) exhausted(attempts int) bool {
	if t == nil {
		return true
	}
	return attempts >= t.maxAttempts
}

func (t *retryTracker) clear(msg *sarama.ConsumerMessage) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.attempts, retryKey(msg))
	t.mu.Unlock()
}
