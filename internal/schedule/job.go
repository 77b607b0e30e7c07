// Package schedule implements the time-driven trigger component: jobs are
// emitted at due times, ordered within groups, aggregated by tags, and
// dispatched asynchronously relative to whoever defined the schedule.
package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a scheduled job.
type JobStatus string

const (
	StatusScheduled JobStatus = "SCHEDULED"
	StatusPublished JobStatus = "PUBLISHED"
	StatusSucceeded JobStatus = "SUCCEEDED"
	StatusFailed    JobStatus = "FAILED"
	StatusCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether a status counts toward tag completion.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var (
	// ErrJobNotFound indicates the job does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotCancellable indicates the job has already been published; a
	// published job can only fail and be excluded from republish.
	ErrNotCancellable = errors.New("only a scheduled job may be cancelled")
	// ErrNotRepublishable indicates republish was requested for a job that
	// is not in the Failed state.
	ErrNotRepublishable = errors.New("only a failed job may be republished")
	// ErrDependencyBlocked is an expected state, not a failure: the job's
	// group predecessor has not succeeded yet.
	ErrDependencyBlocked = errors.New("job is blocked on its group predecessor")
)

// Job is one scheduled unit of work.
type Job struct {
	ID          uuid.UUID  `json:"id"`
	ClientRef   string     `json:"client_ref"`
	DueAt       time.Time  `json:"due_at"`
	Status      JobStatus  `json:"status"`
	GroupID     string     `json:"group_id,omitempty"`
	GroupPos    int        `json:"group_pos,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (j *Job) clone() *Job {
	cp := *j
	cp.Tags = append([]string(nil), j.Tags...)
	if j.PublishedAt != nil {
		t := *j.PublishedAt
		cp.PublishedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Definition describes a job to be scheduled.
type Definition struct {
	ClientRef string
	DueAt     time.Time
	GroupID   string
	GroupPos  int
	Tags      []string
}

// Store persists job state.
type Store interface {
	Insert(ctx context.Context, job *Job) error
	Update(ctx context.Context, job *Job) error
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	// Due returns Scheduled jobs with DueAt at or before now, ordered by
	// due time then group position.
	Due(ctx context.Context, now time.Time) ([]*Job, error)
	ByGroup(ctx context.Context, groupID string) ([]*Job, error)
	ByTag(ctx context.Context, tag string) ([]*Job, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }
