// Package outbox provides the durable outbox behind the event-bus boundary:
// events are enqueued in the same logical step as the state change that
// produced them and delivered at-least-once by a poller, surviving transport
// outages. Consumers must be idempotent.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vaultedge/coreledger/pkg/messaging"
)

// Status is the delivery state of an outbox record.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusDispatched Status = "DISPATCHED"
)

// ErrNotFound indicates the record does not exist.
var ErrNotFound = errors.New("outbox record not found")

// Record is one durable event awaiting delivery. ID is assigned by the
// repository and defines per-topic delivery order.
type Record struct {
	ID           int64
	EventID      uuid.UUID
	Subject      string
	AggregateID  string
	Payload      []byte
	Status       Status
	Attempts     int
	LastError    string
	CreatedAt    time.Time
	DispatchedAt *time.Time
}

// Repository persists outbox records.
type Repository interface {
	Enqueue(ctx context.Context, rec *Record) error
	FetchPending(ctx context.Context, limit int) ([]*Record, error)
	MarkDispatched(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
}

// Outbox wraps a repository with the event envelope.
type Outbox struct {
	repo   Repository
	source string
}

// New creates an outbox writing envelopes attributed to source.
func New(repo Repository, source string) *Outbox {
	return &Outbox{repo: repo, source: source}
}

// Emit wraps data in an event envelope and enqueues it durably.
func (o *Outbox) Emit(ctx context.Context, eventType, aggregateID string, data interface{}) error {
	event, err := messaging.NewEvent(eventType, aggregateID, data, messaging.EventMetadata{Source: o.source})
	if err != nil {
		return fmt.Errorf("failed to build event: %w", err)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return o.repo.Enqueue(ctx, &Record{
		EventID:     event.ID,
		Subject:     event.Type,
		AggregateID: aggregateID,
		Payload:     payload,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	})
}

// Repo exposes the underlying repository for the dispatcher.
func (o *Outbox) Repo() Repository {
	return o.repo
}
