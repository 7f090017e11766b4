package kafka

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

const (
	ReasonPublishFailed    = "publish_failed"
	ReasonRetriesExhausted = "retries_exhausted"
)

// DLQError marks a message that should go straight to the dead-letter topic
// instead of being retried.
type DLQError struct {
	Err    error
	Reason string
}

func (e *DLQError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DLQError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func DLQ(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &DLQError{Err: err, Reason: reason}
}

func AsDLQ(err error) (*DLQError, bool) {
	var dlqErr *DLQError
	if errors.As(err, &dlqErr) {
		return dlqErr, true
	}
	return nil, false
}

type DLQPayload struct {
	OriginalTopic string    `json:"original_topic"`
	Partition     int32     `json:"partition"`
	Offset        int64     `json:"offset"`
	Key           string    `json:"key,omitempty"`
	Error         string    `json:"error"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	Payload       string    `json:"payload_base64"`
	Timestamp     time.Time `json:"timestamp"`
}

func BuildDLQPayload(msg *sarama.ConsumerMessage, err *DLQError, attempts int) DLQPayload {
	out := DLQPayload{Attempts: attempts, Timestamp: time.Now().UTC()}
	if msg != nil {
		out.OriginalTopic = msg.Topic
		out.Partition = msg.Partition
		out.Offset = msg.Offset
		out.Key = string(msg.Key)
		if len(msg.Value) > 0 {
			out.Payload = base64.StdEncoding.EncodeToString(msg.Value)
		}
	}
	if err != nil {
		out.Reason = err.Reason
		if err.Err != nil {
			out.Error = err.Err.Error()
		}
	}
	return out
}

type DLQPublishPayload struct {
	OriginalTopic string    `json:"original_topic"`
	Key           string    `json:"key,omitempty"`
	Error         string    `json:"error"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	Payload       string    `json:"payload_base64"`
	Timestamp     time.Time `json:"timestamp"`
}

func BuildPublishDLQPayload(topic, key string, value any, err error, reason string, attempts int) DLQPublishPayload {
	out := DLQPublishPayload{
		OriginalTopic: topic,
		Key:           key,
		Reason:        reason,
		Attempts:      attempts,
		Timestamp:     time.Now().UTC(),
	}
	if value != nil {
		raw, marshalErr := json.Marshal(value)
		if marshalErr != nil {
			raw = []byte(fmt.Sprintf("%v", value))
		}
		out.Payload = base64.StdEncoding.EncodeToString(raw)
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}
