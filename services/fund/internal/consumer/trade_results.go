package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/PariazaInteligent/fundcore/libs/kafka"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/apperr"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/settlement"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	tradeResultEventType  = "trades.result"
	tradeSettledEventType = "trades.settled"
)

// TradeResultEvent is a provider outcome for one trade.
type TradeResultEvent struct {
	kafka.Envelope
	TradeID         string `json:"trade_id"`
	Result          string `json:"result"`
	ProviderEventID string `json:"provider_event_id"`
	ProviderOdds    string `json:"provider_odds,omitempty"`
}

func (e TradeResultEvent) Meta() kafka.Envelope { return e.Envelope }

type TradeSettledEvent struct {
	kafka.Envelope
	TradeID         string `json:"trade_id"`
	Status          string `json:"status"`
	Result          string `json:"result"`
	Stake           string `json:"stake"`
	ResultAmount    string `json:"result_amount"`
	LedgerEntryID   string `json:"ledger_entry_id,omitempty"`
	ProviderEventID string `json:"provider_event_id"`
	SettledAt       string `json:"settled_at"`
}

func (e TradeSettledEvent) Meta() kafka.Envelope { return e.Envelope }

type Settler interface {
	SettleTrade(ctx context.Context, req settlement.SettleRequest) (*settlement.Settlement, error)
}

type TradeReader interface {
	GetTrade(ctx context.Context, id uuid.UUID) (*storage.Trade, error)
	GetSettlementEvent(ctx context.Context, tradeID uuid.UUID) (*storage.SettlementEvent, error)
}

type Metrics interface {
	IncConsumedEvent(eventType, outcome string)
}

type TradeResultConsumer struct {
	settler      Settler
	trades       TradeReader
	producer     kafka.Publisher
	settledTopic string
	logger       *slog.Logger
	metrics      Metrics
}

func NewTradeResultConsumer(settler Settler, trades TradeReader, producer kafka.Publisher, settledTopic string, logger *slog.Logger, metrics Metrics) *TradeResultConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	if settledTopic == "" {
		settledTopic = kafka.TopicTradeSettled
	}
	return &TradeResultConsumer{
		settler:      settler,
		trades:       trades,
		producer:     producer,
		settledTopic: settledTopic,
		logger:       logger,
		metrics:      metrics,
	}
}

// HandleMessage settles the trade named by a provider result. Malformed events
// and results for unknown trades are dead-lettered. A result for a trade that
// is already settled republishes the settled event and succeeds, so a
// redelivery after a failed publish still reaches downstream consumers.
func (c *TradeResultConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		c.observe("invalid")
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "empty")
	}

	var event TradeResultEvent
	if err := kafka.Decode(msg.Value, &event); err != nil {
		c.observe("invalid")
		return err
	}
	req, err := event.settleRequest()
	if err != nil {
		c.observe("invalid")
		return kafka.DLQ(err, "validation")
	}

	result, err := c.settler.SettleTrade(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrState):
		c.logger.Info("trade already settled", "trade_id", req.TradeID, "event_id", event.EventID)
		c.observe("duplicate")
		return c.republish(ctx, event, req.TradeID)
	case errors.Is(err, apperr.ErrInvalid):
		c.observe("invalid")
		return kafka.DLQ(err, "validation")
	case notFoundResource(err) == "trade":
		c.logger.Warn("trade result for unknown trade", "trade_id", req.TradeID, "event_id", event.EventID)
		c.observe("unknown_trade")
		return kafka.DLQ(err, "unknown_trade")
	case notFoundResource(err) != "":
		c.logger.Error("trade result hit missing resource", "trade_id", req.TradeID, "event_id", event.EventID, "error", err)
		c.observe("misconfiguration")
		return kafka.DLQ(err, "misconfiguration")
	default:
		c.observe("error")
		return fmt.Errorf("settle trade %s: %w", req.TradeID, err)
	}

	c.logger.Info("trade settled from provider result",
		"trade_id", result.Trade.ID,
		"status", result.Trade.Status,
		"result_amount", result.Trade.ResultAmount.String(),
		"event_id", event.EventID,
	)
	c.observe("settled")
	return c.publishSettled(ctx, correlationOf(event), result.Trade, result.Event)
}

func (c *TradeResultConsumer) republish(ctx context.Context, event TradeResultEvent, tradeID uuid.UUID) error {
	if c.trades == nil {
		return nil
	}
	trade, err := c.trades.GetTrade(ctx, tradeID)
	if err != nil {
		return fmt.Errorf("load settled trade: %w", err)
	}
	settled, err := c.trades.GetSettlementEvent(ctx, tradeID)
	if err != nil {
		return fmt.Errorf("load settlement event: %w", err)
	}
	return c.publishSettled(ctx, correlationOf(event), trade, settled)
}

func (c *TradeResultConsumer) publishSettled(ctx context.Context, correlationID string, trade *storage.Trade, settled *storage.SettlementEvent) error {
	if c.producer == nil {
		return fmt.Errorf("kafka producer not configured")
	}

	env, err := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID(tradeSettledEventType, trade.ID.String(), settled.ID.String()),
		tradeSettledEventType,
		1,
		correlationID,
	)
	if err != nil {
		return err
	}
	out := TradeSettledEvent{
		Envelope:        env,
		TradeID:         trade.ID.String(),
		Status:          string(trade.Status),
		Result:          string(settled.Result),
		Stake:           trade.Stake.String(),
		ResultAmount:    trade.ResultAmount.String(),
		ProviderEventID: settled.ProviderEventID,
	}
	if trade.LedgerEntryID != uuid.Nil {
		out.LedgerEntryID = trade.LedgerEntryID.String()
	}
	if trade.SettledAt != nil {
		out.SettledAt = trade.SettledAt.UTC().Format(time.RFC3339Nano)
	}

	if _, _, err := c.producer.PublishJSON(ctx, c.settledTopic, out.TradeID, out); err != nil {
		return fmt.Errorf("publish %s: %w", tradeSettledEventType, err)
	}
	return nil
}

func (e TradeResultEvent) settleRequest() (settlement.SettleRequest, error) {
	if e.EventType != tradeResultEventType {
		return settlement.SettleRequest{}, fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	tradeID, err := uuid.Parse(strings.TrimSpace(e.TradeID))
	if err != nil {
		return settlement.SettleRequest{}, fmt.Errorf("invalid trade_id: %w", err)
	}
	result := storage.SettlementResult(strings.ToUpper(strings.TrimSpace(e.Result)))
	if !result.Valid() {
		return settlement.SettleRequest{}, fmt.Errorf("invalid result: %q", e.Result)
	}
	providerEventID := strings.TrimSpace(e.ProviderEventID)
	if providerEventID == "" {
		providerEventID = e.EventID
	}

	req := settlement.SettleRequest{
		TradeID:         tradeID,
		Result:          result,
		ProviderEventID: providerEventID,
	}
	if raw := strings.TrimSpace(e.ProviderOdds); raw != "" {
		odds, err := decimal.NewFromString(raw)
		if err != nil {
			return settlement.SettleRequest{}, fmt.Errorf("invalid provider_odds: %w", err)
		}
		req.ProviderOdds = odds
	}
	return req, nil
}

func correlationOf(e TradeResultEvent) string {
	if id := strings.TrimSpace(e.CorrelationID); id != "" {
		return id
	}
	if id := strings.TrimSpace(e.EventID); id != "" {
		return id
	}
	return e.TradeID
}

// notFoundResource names the missing resource, or returns "" when err is not
// a not-found error.
func notFoundResource(err error) string {
	var nf *apperr.NotFoundError
	if errors.As(err, &nf) {
		return nf.Resource
	}
	return ""
}

func (c *TradeResultConsumer) observe(outcome string) {
	if c.metrics == nil {
		return
	}
	c.metrics.IncConsumedEvent(tradeResultEventType, outcome)
}
