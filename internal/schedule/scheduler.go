package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Executor runs a published job and reports success or failure.
type Executor func(ctx context.Context, job *Job) error

// TagListener receives the single completion notification for a tag.
type TagListener func(tag string, jobs []*Job)

// Scheduler emits jobs at due times. Independent jobs run concurrently up to
// MaxConcurrent; jobs sharing a group run strictly sequentially because a
// successor is never published before its predecessor succeeds.
type Scheduler struct {
	store Store
	clock Clock
	exec  Executor

	maxConcurrent int
	logger        *zap.Logger

	mu           sync.Mutex
	tagListeners []TagListener
	firedTags    map[string]struct{}
}

// Config holds scheduler settings.
type Config struct {
	MaxConcurrent int
}

// New creates a scheduler.
func New(store Store, clock Clock, exec Executor, cfg Config, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = RealClock()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:         store,
		clock:         clock,
		exec:          exec,
		maxConcurrent: cfg.MaxConcurrent,
		logger:        logger,
		firedTags:     make(map[string]struct{}),
	}
}

// OnTagComplete registers a listener notified once per completed tag.
// Every registered listener sees every completion.
func (s *Scheduler) OnTagComplete(fn TagListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tagListeners = append(s.tagListeners, fn)
}

// Define schedules a one-shot job.
func (s *Scheduler) Define(ctx context.Context, def Definition) (*Job, error) {
	if def.DueAt.IsZero() {
		return nil, fmt.Errorf("due time is required")
	}
	job := &Job{
		ID:        uuid.New(),
		ClientRef: def.ClientRef,
		DueAt:     def.DueAt,
		Status:    StatusScheduled,
		GroupID:   def.GroupID,
		GroupPos:  def.GroupPos,
		Tags:      def.Tags,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.Insert(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// DefineRecurring materializes the next count instances of a cron
// expression as individual jobs.
func (s *Scheduler) DefineRecurring(ctx context.Context, clientRef, cronSpec string, count int, tags []string) ([]*Job, error) {
	sched, err := cron.ParseStandard(cronSpec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cronSpec, err)
	}
	if count <= 0 {
		count = 1
	}

	jobs := make([]*Job, 0, count)
	next := s.clock.Now()
	for i := 0; i < count; i++ {
		next = sched.Next(next)
		job, err := s.Define(ctx, Definition{
			ClientRef: clientRef,
			DueAt:     next,
			Tags:      tags,
		})
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Job returns the current state of a job.
func (s *Scheduler) Job(ctx context.Context, id uuid.UUID) (*Job, error) {
	return s.store.Get(ctx, id)
}

// Cancel drops a job that has not been published yet.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID) error {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != StatusScheduled {
		return ErrNotCancellable
	}
	now := s.clock.Now()
	job.Status = StatusCancelled
	job.CompletedAt = &now
	if err := s.store.Update(ctx, job); err != nil {
		return err
	}
	return s.checkTags(ctx, job)
}

// Republish returns a failed job to Published and runs it again. This is
// the manual intervention that unblocks a group stalled on a failure.
func (s *Scheduler) Republish(ctx context.Context, id uuid.UUID) error {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != StatusFailed {
		return ErrNotRepublishable
	}
	if err := s.publish(ctx, job); err != nil {
		return err
	}
	s.runJob(ctx, job)
	return nil
}

// Blocked reports whether a job is waiting on its group predecessor. This
// is an expected state surfaced as a status, not an error.
func (s *Scheduler) Blocked(ctx context.Context, id uuid.UUID) (bool, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return s.groupBlocked(ctx, job)
}

// DispatchDue publishes and runs every due, unblocked job, waiting for the
// launched jobs to finish. A job blocked by its group stays Scheduled even
// though its due time has passed.
func (s *Scheduler) DispatchDue(ctx context.Context) error {
	due, err := s.store.Due(ctx, s.clock.Now())
	if err != nil {
		return err
	}

	g := new(errgroup.Group)
	g.SetLimit(s.maxConcurrent)
	for _, job := range due {
		blocked, err := s.groupBlocked(ctx, job)
		if err != nil {
			return err
		}
		if blocked {
			continue
		}
		if err := s.publish(ctx, job); err != nil {
			return err
		}
		job := job
		g.Go(func() error {
			s.runJob(ctx, job)
			return nil
		})
	}
	return g.Wait()
}

// Run polls until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.DispatchDue(ctx); err != nil {
				s.logger.Warn("dispatch pass failed", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) publish(ctx context.Context, job *Job) error {
	now := s.clock.Now()
	job.Status = StatusPublished
	job.PublishedAt = &now
	job.Attempts++
	return s.store.Update(ctx, job)
}

func (s *Scheduler) runJob(ctx context.Context, job *Job) {
	err := s.exec(ctx, job)
	now := s.clock.Now()
	job.CompletedAt = &now
	if err != nil {
		job.Status = StatusFailed
		job.LastError = err.Error()
		s.logger.Warn("job failed",
			zap.String("job_id", job.ID.String()),
			zap.String("client_ref", job.ClientRef),
			zap.Error(err),
		)
	} else {
		job.Status = StatusSucceeded
		job.LastError = ""
	}
	if updateErr := s.store.Update(ctx, job); updateErr != nil {
		s.logger.Error("failed to persist job result", zap.Error(updateErr))
		return
	}
	if tagErr := s.checkTags(ctx, job); tagErr != nil {
		s.logger.Error("failed to evaluate tag completion", zap.Error(tagErr))
	}
}

// groupBlocked reports whether any earlier group position has not succeeded.
// A failed predecessor blocks all successors indefinitely until it is
// manually republished.
func (s *Scheduler) groupBlocked(ctx context.Context, job *Job) (bool, error) {
	if job.GroupID == "" {
		return false, nil
	}
	members, err := s.store.ByGroup(ctx, job.GroupID)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m.GroupPos < job.GroupPos && m.Status != StatusSucceeded {
			return true, nil
		}
	}
	return false, nil
}

// checkTags fires the completion listener for every tag of the job whose
// members have all reached a terminal state. Each tag fires exactly once.
func (s *Scheduler) checkTags(ctx context.Context, job *Job) error {
	if len(job.Tags) == 0 {
		return nil
	}
	for _, tag := range job.Tags {
		members, err := s.store.ByTag(ctx, tag)
		if err != nil {
			return err
		}
		complete := true
		for _, m := range members {
			if !m.Status.Terminal() {
				complete = false
				break
			}
		}
		if !complete {
			continue
		}

		s.mu.Lock()
		if _, fired := s.firedTags[tag]; fired {
			s.mu.Unlock()
			continue
		}
		s.firedTags[tag] = struct{}{}
		listeners := append([]TagListener(nil), s.tagListeners...)
		s.mu.Unlock()

		for _, listener := range listeners {
			listener(tag, members)
		}
	}
	return nil
}
