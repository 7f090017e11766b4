package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/PariazaInteligent/fundcore/libs/kafka"
	"github.com/google/uuid"
)

const (
	ActionDepositRequested    = "DEPOSIT_REQUESTED"
	ActionDepositApproved     = "DEPOSIT_APPROVED"
	ActionDepositRejected     = "DEPOSIT_REJECTED"
	ActionWithdrawalRequested = "WITHDRAWAL_REQUESTED"
	ActionWithdrawalApproved  = "WITHDRAWAL_APPROVED"
	ActionWithdrawalRejected  = "WITHDRAWAL_REJECTED"
	ActionWithdrawalPaid      = "WITHDRAWAL_PAID"
	ActionTradeCreated        = "TRADE_CREATED"
	ActionTradeAmended        = "TRADE_AMENDED"
	ActionTradeSettled        = "TRADE_SETTLED"
	ActionEntryReversed       = "LEDGER_ENTRY_REVERSED"
	ActionRiskConfigUpdated   = "RISK_CONFIG_UPDATED"
	ActionTierSaved           = "LOYALTY_TIER_SAVED"
)

const (
	ResourceDeposit    = "deposit"
	ResourceWithdrawal = "withdrawal"
	ResourceTrade      = "trade"
	ResourceEntry      = "ledger_entry"
	ResourceRiskConfig = "system_risk"
	ResourceTier       = "loyalty_tier"
)

// Record is a single audit fact. Actor is uuid.Nil for system actions.
type Record struct {
	Actor        uuid.UUID         `json:"actor"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}

// Sink is fire-and-forget: implementations never fail the caller.
type Sink interface {
	Record(ctx context.Context, rec Record)
}

type Metrics interface {
	IncAuditRecord(action, status string)
}

type Nop struct{}

func (Nop) Record(context.Context, Record) {}

type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, rec Record) {
	s.logger.InfoContext(ctx, "audit",
		"actor", rec.Actor,
		"action", rec.Action,
		"resource_type", rec.ResourceType,
		"resource_id", rec.ResourceID,
		"metadata", rec.Metadata,
	)
}

type event struct {
	kafka.Envelope
	Record
}

func (e event) Meta() kafka.Envelope { return e.Envelope }

// KafkaSink publishes records to the audit topic. Publish errors are logged
// and counted, never returned.
type KafkaSink struct {
	publisher kafka.Publisher
	topic     string
	timeout   time.Duration
	logger    *slog.Logger
	metrics   Metrics
	now       func() time.Time
}

func NewKafkaSink(publisher kafka.Publisher, topic string, timeout time.Duration, logger *slog.Logger, metrics Metrics) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	if topic == "" {
		topic = kafka.TopicAudit
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaSink{
		publisher: publisher,
		topic:     topic,
		timeout:   timeout,
		logger:    logger,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *KafkaSink) Record(ctx context.Context, rec Record) {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = s.now()
	}
	env, err := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID(rec.Action, rec.ResourceType, rec.ResourceID, rec.OccurredAt.Format(time.RFC3339Nano)),
		"audit."+rec.Action, 1, rec.ResourceID,
	)
	if err != nil {
		s.fail(rec, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if _, _, err := s.publisher.PublishJSON(ctx, s.topic, rec.ResourceID, event{Envelope: env, Record: rec}); err != nil {
		s.fail(rec, err)
		return
	}
	s.observe(rec.Action, "published")
}

func (s *KafkaSink) fail(rec Record, err error) {
	s.observe(rec.Action, "error")
	s.logger.Error("audit publish failed",
		"action", rec.Action,
		"resource_type", rec.ResourceType,
		"resource_id", rec.ResourceID,
		"error", err,
	)
}

func (s *KafkaSink) observe(action, status string) {
	if s.metrics != nil {
		s.metrics.IncAuditRecord(action, status)
	}
}

// Fanout records to every sink in order.
type Fanout []Sink

func (f Fanout) Record(ctx context.Context, rec Record) {
	for _, sink := range f {
		sink.Record(ctx, rec)
	}
}
