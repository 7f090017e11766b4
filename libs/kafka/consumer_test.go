package kafka

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
)

type handlerFunc func(context.Context, *sarama.ConsumerMessage) error

func (h handlerFunc) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return h(ctx, msg)
}

type stubSession struct {
	ctx     context.Context
	marked  int
	offsets []string
}

func (s *stubSession) Context() context.Context { return s.ctx }
func (s *stubSession) Claims() map[string][]int32 {
	return map[string][]int32{}
}
func (s *stubSession) MemberID() string                                 { return "" }
func (s *stubSession) GenerationID() int32                              { return 0 }
func (s *stubSession) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *stubSession) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *stubSession) MarkMessage(_ *sarama.ConsumerMessage, _ string) {
	s.marked++
}
func (s *stubSession) Commit() {}

type stubClaim struct {
	msgCh chan *sarama.ConsumerMessage
}

func (c *stubClaim) Topic() string                            { return TopicTradeResults }
func (c *stubClaim) Partition() int32                         { return 0 }
func (c *stubClaim) InitialOffset() int64                     { return 0 }
func (c *stubClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *stubClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgCh }

func TestConsumerGroupHandlerDLQsOnError(t *testing.T) {
	dlq := &stubPublisher{}
	handler := &consumerGroupHandler{
		handler: handlerFunc(func(_ context.Context, _ *sarama.ConsumerMessage) error {
			return DLQ(errors.New("decode failed"), "decode")
		}),
		logger:       slog.Default(),
		dlqPublisher: dlq,
		dlqTopic:     TopicDeadLetter,
		retryTracker: newRetryTracker(1, time.Minute),
	}

	msgCh := make(chan *sarama.ConsumerMessage, 1)
	msgCh <- &sarama.ConsumerMessage{Topic: TopicTradeResults, Partition: 0, Offset: 1, Value: []byte("bad")}
	close(msgCh)

	session := &stubSession{ctx: context.Background()}
	claim := &stubClaim{msgCh: msgCh}

	if err := handler.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("consume claim error: %v", err)
	}
	if session.marked != 1 {
		t.Fatalf("expected message to be marked, got %d", session.marked)
	}
	if len(dlq.calls) != 1 {
		t.Fatalf("expected dlq publish, got %d", len(dlq.calls))
	}
	if dlq.calls[0].topic != TopicDeadLetter {
		t.Fatalf("expected dlq topic, got %s", dlq.calls[0].topic)
	}
	if _, ok := dlq.calls[0].value.(DLQPayload); !ok {
		t.Fatalf("expected DLQPayload, got %T", dlq.calls[0].value)
	}
}

func TestConsumerGroupHandlerRetriesThenDeadLetters(t *testing.T) {
	dlq := &stubPublisher{}
	calls := 0
	handler := &consumerGroupHandler{
		handler: handlerFunc(func(_ context.Context, _ *sarama.ConsumerMessage) error {
			calls++
			return errors.New("database unavailable")
		}),
		logger:       slog.Default(),
		dlqPublisher: dlq,
		dlqTopic:     TopicDeadLetter,
		retryTracker: newRetryTracker(2, time.Minute),
	}
	msg := &sarama.ConsumerMessage{Topic: TopicTradeResults, Partition: 0, Offset: 7, Key: []byte("t-1"), Value: []byte("{}")}

	deliver := func() (*stubSession, error) {
		msgCh := make(chan *sarama.ConsumerMessage, 1)
		msgCh <- msg
		close(msgCh)
		session := &stubSession{ctx: context.Background()}
		return session, handler.ConsumeClaim(session, &stubClaim{msgCh: msgCh})
	}

	session, err := deliver()
	if err == nil {
		t.Fatalf("expected first failure to end the claim for redelivery")
	}
	if session.marked != 0 || len(dlq.calls) != 0 {
		t.Fatalf("retryable failure must not be marked or dead-lettered")
	}

	session, err = deliver()
	if err != nil {
		t.Fatalf("expected exhausted message to be dead-lettered, got %v", err)
	}
	if session.marked != 1 || len(dlq.calls) != 1 {
		t.Fatalf("expected mark and dlq publish, got marked=%d dlq=%d", session.marked, len(dlq.calls))
	}
	payload := dlq.calls[0].value.(DLQPayload)
	if payload.Reason != ReasonRetriesExhausted || payload.Attempts != 2 || payload.Offset != 7 {
		t.Fatalf("unexpected dlq payload: %+v", payload)
	}
	if calls != 2 {
		t.Fatalf("expected two handler calls, got %d", calls)
	}
}

func TestRetryTrackerExpiresEntries(t *testing.T) {
	tracker := newRetryTracker(3, time.Minute)
	now := time.Now()
	tracker.now = func() time.Time { return now }
	msg := &sarama.ConsumerMessage{Topic: TopicTradeResults, Offset: 1}

	if n := tracker.record(msg); n != 1 {
		t.Fatalf("expected first attempt, got %d", n)
	}
	now = now.Add(2 * time.Minute)
	if n := tracker.record(msg); n != 1 {
		t.Fatalf("expected expired entry to restart count, got %d", n)
	}
	tracker.clear(msg)
	if len(tracker.attempts) != 0 {
		t.Fatalf("expected cleared tracker")
	}
}
