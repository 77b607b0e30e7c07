package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event subjects. Every committed batch, balance change, schedule-tag
// completion, and closed position emits exactly one ordered message.
const (
	EventTypeBatchCommitted = "ledger.batch.committed"
	EventTypeBatchRejected  = "ledger.batch.rejected"
	EventTypeBalanceUpdated = "ledger.balance.updated"

	EventTypeTagCompleted = "schedule.tag.completed"
	EventTypeJobFailed    = "schedule.job.failed"

	EventTypePositionClosed = "eod.position.closed"
)

// Event is the envelope carried on the bus. Delivery is at-least-once;
// consumers de-duplicate on ID.
type Event struct {
	ID          uuid.UUID       `json:"id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data"`
	Metadata    EventMetadata   `json:"metadata"`
}

// EventMetadata contains event metadata
type EventMetadata struct {
	CorrelationID string `json:"correlation_id"`
	CausationID   string `json:"causation_id"`
	Source        string `json:"source"`
}

// BatchCommittedEvent describes one applied posting instruction batch.
type BatchCommittedEvent struct {
	BatchID       uuid.UUID `json:"batch_id"`
	ClientBatchID string    `json:"client_batch_id"`
	Instructions  int       `json:"instructions"`
	Accounts      []string  `json:"accounts"`
	CommittedAt   time.Time `json:"committed_at"`
}

// BatchRejectedEvent describes a rejected batch with its reason code.
type BatchRejectedEvent struct {
	ClientBatchID string `json:"client_batch_id"`
	ReasonCode    string `json:"reason_code"`
	Message       string `json:"message"`
}

// BalanceUpdatedEvent describes one account's new balance head version.
type BalanceUpdatedEvent struct {
	AccountID string `json:"account_id"`
	Version   int64  `json:"version"`
	BatchRef  string `json:"batch_ref"`
}

// TagCompletedEvent is the single notification fired when every job carrying
// a tag has reached a terminal state.
type TagCompletedEvent struct {
	Tag         string    `json:"tag"`
	Jobs        int       `json:"jobs"`
	Failed      int       `json:"failed"`
	CompletedAt time.Time `json:"completed_at"`
}

// JobFailedEvent surfaces a schedule execution failure for operational
// alerting and manual republish.
type JobFailedEvent struct {
	JobID     uuid.UUID `json:"job_id"`
	ClientRef string    `json:"client_ref"`
	GroupID   string    `json:"group_id,omitempty"`
	Error     string    `json:"error"`
	FailedAt  time.Time `json:"failed_at"`
}

// PositionClosedEvent publishes an immutable end-of-day closing position.
type PositionClosedEvent struct {
	Date        string            `json:"date"`
	AccountID   string            `json:"account_id"`
	Balances    map[string]string `json:"balances"`
	Attribution string            `json:"attribution"`
	ComputedAt  time.Time         `json:"computed_at"`
}

// NewEvent wraps a payload in the bus envelope.
func NewEvent(eventType, aggregateID string, data interface{}, metadata EventMetadata) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:          uuid.New(),
		Type:        eventType,
		AggregateID: aggregateID,
		Timestamp:   time.Now().UTC(),
		Data:        dataBytes,
		Metadata:    metadata,
	}, nil
}

// ParseEventData parses event data into the specified type.
func ParseEventData[T any](event *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
