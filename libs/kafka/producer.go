package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
)

type ProducerMetrics struct {
	PublishTotal   *prometheus.CounterVec
	PublishLatency *prometheus.HistogramVec
}

func NewProducerMetrics(registry *prometheus.Registry) *ProducerMetrics {
	m := &ProducerMetrics{
		PublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fund_kafka_publish_total",
				Help: "Kafka publish attempts by topic and outcome.",
			},
			[]string{"topic", "status"},
		),
		PublishLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fund_kafka_publish_duration_seconds",
				Help:    "Kafka publish latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
	}

	registry.MustRegister(m.PublishTotal, m.PublishLatency)
	return m
}

func (m *ProducerMetrics) observe(topic string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.PublishTotal.WithLabelValues(topic, status).Inc()
	m.PublishLatency.WithLabelValues(topic).Observe(d.Seconds())
}

type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
	Close() error
}

// DLQPublisher forwards to primary and, when that fails, parks the payload on
// the dead-letter topic. The original error is still returned.
type DLQPublisher struct {
	primary  Publisher
	dlq      Publisher
	dlqTopic string
	logger   *slog.Logger
}

func NewDLQPublisher(primary Publisher, dlq Publisher, dlqTopic string, logger *slog.Logger) *DLQPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DLQPublisher{
		primary:  primary,
		dlq:      dlq,
		dlqTopic: dlqTopic,
		logger:   logger,
	}
}

func (p *DLQPublisher) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	if p == nil || p.primary == nil {
		return 0, 0, fmt.Errorf("kafka producer not configured")
	}
	partition, offset, err := p.primary.PublishJSON(ctx, topic, key, value)
	if err == nil {
		return partition, offset, nil
	}
	if p.dlq == nil || p.dlqTopic == "" {
		return partition, offset, err
	}
	payload := BuildPublishDLQPayload(topic, key, value, err, ReasonPublishFailed, 1)
	if _, _, dlqErr := p.dlq.PublishJSON(ctx, p.dlqTopic, key, payload); dlqErr != nil {
		p.logger.Error("publish dlq failed", "topic", p.dlqTopic, "original_topic", topic, "error", dlqErr)
	}
	return partition, offset, err
}

func (p *DLQPublisher) Close() error {
	if p == nil || p.primary == nil {
		return nil
	}
	return p.primary.Close()
}

type ProducerConfig struct {
	Brokers  []string
	ClientID string
	Retries  int
	Backoff  time.Duration
}

type SyncProducer struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
	metrics  *ProducerMetrics
}

func NewSyncProducer(cfg ProducerConfig, logger *slog.Logger, metrics *ProducerMetrics) (*SyncProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, producerConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newSyncProducer(producer, logger, metrics), nil
}

func newSyncProducer(producer sarama.SyncProducer, logger *slog.Logger, metrics *ProducerMetrics) *SyncProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncProducer{producer: producer, logger: logger, metrics: metrics}
}

func producerConfig(cfg ProducerConfig) *sarama.Config {
	sc := sarama.NewConfig()
	sc.Version = sarama.V3_7_0_0
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	sc.Producer.Retry.Max = 5
	if cfg.Retries > 0 {
		sc.Producer.Retry.Max = cfg.Retries
	}
	sc.Producer.Retry.Backoff = 250 * time.Millisecond
	if cfg.Backoff > 0 {
		sc.Producer.Retry.Backoff = cfg.Backoff
	}
	return sc
}

func (p *SyncProducer) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal kafka payload: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}
	if carrier, ok := value.(interface{ Meta() Envelope }); ok {
		msg.Headers = []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(carrier.Meta().EventType)},
			{Key: []byte("event_id"), Value: []byte(carrier.Meta().EventID)},
		}
	}

	start := time.Now()
	partition, offset, err := p.producer.SendMessage(msg)
	p.metrics.observe(topic, err, time.Since(start))
	if err != nil {
		p.logger.Error("kafka publish failed", "topic", topic, "key", key, "error", err)
		return 0, 0, fmt.Errorf("kafka publish failed: %w", err)
	}
	return partition, offset, nil
}

func (p *SyncProducer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
