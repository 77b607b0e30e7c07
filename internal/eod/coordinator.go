// Package eod drives the end-of-day cut-off state machine and finalizes the
// immutable closing position for each accounting day.
package eod

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vaultedge/coreledger/internal/account"
	"github.com/vaultedge/coreledger/internal/balance"
	"github.com/vaultedge/coreledger/internal/outbox"
	"github.com/vaultedge/coreledger/internal/posting"
	"github.com/vaultedge/coreledger/internal/schedule"
	"github.com/vaultedge/coreledger/pkg/messaging"
)

// Phase is the coordinator's state.
type Phase string

const (
	PhaseBAU             Phase = "BAU"
	PhasePrimaryCutoff   Phase = "PRIMARY_CUTOFF"
	PhaseGrace           Phase = "GRACE"
	PhaseSecondaryCutoff Phase = "SECONDARY_CUTOFF"
	PhaseOvernight       Phase = "OVERNIGHT"
	PhaseCompletion      Phase = "COMPLETION"
)

var phaseOrder = map[Phase]Phase{
	PhaseBAU:             PhasePrimaryCutoff,
	PhasePrimaryCutoff:   PhaseGrace,
	PhaseGrace:           PhaseSecondaryCutoff,
	PhaseSecondaryCutoff: PhaseOvernight,
	PhaseOvernight:       PhaseCompletion,
}

// Attribution fixes which day's overnight postings count toward a day's
// closing position. It is a per-deployment choice with no default: it
// changes which postings feed which day's interest calculation.
type Attribution string

const (
	// AttributionSameDay includes the day's own overnight postings in its
	// closing position.
	AttributionSameDay Attribution = "SAME_DAY"
	// AttributionPriorDay closes the day at the primary cutoff, so only
	// the prior day's overnight postings are included.
	AttributionPriorDay Attribution = "PRIOR_DAY"
)

// ReasonCutoffExceeded rejects postings backdated behind the secondary
// cutoff: accepting them would destabilize historical end-of-day positions.
const ReasonCutoffExceeded = "CUTOFF_EXCEEDED"

var (
	// ErrNoDay indicates no accounting day has been started.
	ErrNoDay = errors.New("no accounting day in progress")
	// ErrPositionNotFound indicates no closing position exists for the
	// requested day and account.
	ErrPositionNotFound = errors.New("closing position not found")
)

// ClosingPosition is the immutable point-in-time position for one account
// at day close.
type ClosingPosition struct {
	Date        string
	AccountID   string
	Balances    map[balance.Key]string
	Attribution Attribution
	AsOf        time.Time
	ComputedAt  time.Time
}

// OvernightJob describes one settlement/interest job to run after the
// secondary cutoff.
type OvernightJob struct {
	ClientRef string
	GroupID   string
	GroupPos  int
}

// Coordinator owns the cut-off state machine for one accounting day at a
// time.
type Coordinator struct {
	store    balance.Store
	accounts *account.Service
	sched    *schedule.Scheduler
	outbox   *outbox.Outbox
	clock    schedule.Clock
	logger   *zap.Logger

	attribution Attribution

	mu          sync.RWMutex
	phase       Phase
	day         string
	primaryAt   time.Time
	secondaryAt time.Time
	// finalCutoff is the most recent finalized day's secondary cutoff.
	// Postings backdated behind it stay rejected across day boundaries.
	finalCutoff time.Time
	overnight   []OvernightJob
	positions   map[string]map[string]ClosingPosition
}

// NewCoordinator creates a coordinator. Construction fails if attribution
// is unset or unknown, forcing the per-deployment decision.
func NewCoordinator(
	store balance.Store,
	accounts *account.Service,
	sched *schedule.Scheduler,
	ob *outbox.Outbox,
	attribution Attribution,
	clock schedule.Clock,
	logger *zap.Logger,
) (*Coordinator, error) {
	if attribution != AttributionSameDay && attribution != AttributionPriorDay {
		return nil, fmt.Errorf("overnight attribution must be %s or %s, got %q",
			AttributionSameDay, AttributionPriorDay, attribution)
	}
	if clock == nil {
		clock = schedule.RealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		store:       store,
		accounts:    accounts,
		sched:       sched,
		outbox:      ob,
		clock:       clock,
		logger:      logger,
		attribution: attribution,
		phase:       PhaseCompletion,
		positions:   make(map[string]map[string]ClosingPosition),
	}
	sched.OnTagComplete(c.onTagComplete)
	return c, nil
}

// Phase returns the current state.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// RegisterOvernightJobs declares the jobs scheduled when the day reaches
// the overnight window.
func (c *Coordinator) RegisterOvernightJobs(jobs ...OvernightJob) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overnight = append(c.overnight, jobs...)
}

// StartDay opens a new accounting day in BAU with the given cutoffs.
func (c *Coordinator) StartDay(day time.Time, primaryAt, secondaryAt time.Time) error {
	if !secondaryAt.After(primaryAt) {
		return fmt.Errorf("secondary cutoff %s must follow primary cutoff %s", secondaryAt, primaryAt)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseCompletion {
		return fmt.Errorf("cannot start a day while phase is %s", c.phase)
	}
	c.phase = PhaseBAU
	c.day = day.UTC().Format("2006-01-02")
	c.primaryAt = primaryAt
	c.secondaryAt = secondaryAt
	c.logger.Info("accounting day started",
		zap.String("day", c.day),
		zap.Time("primary_cutoff", primaryAt),
		zap.Time("secondary_cutoff", secondaryAt),
	)
	return nil
}

// Admit gates a batch on the accounting-day boundary. Before the primary
// cutoff everything is applied in real time; during grace, backdated
// postings at or before the primary cutoff still retroactively adjust the
// as-of-cutoff balances. Postings value-timestamped behind a finalized
// secondary cutoff are rejected in every phase: once a day's closing
// position is computed, it never shifts, not even after the next day opens.
func (c *Coordinator) Admit(batch *posting.Batch) (string, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	boundary := c.finalCutoff
	switch c.phase {
	case PhaseBAU, PhasePrimaryCutoff, PhaseGrace:
		// The open day's own secondary cutoff is still ahead; only prior
		// finalized days bound backdating here.
	default:
		if c.secondaryAt.After(boundary) {
			boundary = c.secondaryAt
		}
	}
	if boundary.IsZero() {
		return "", "", true
	}
	if earliest := batch.EarliestValueTime(); !earliest.After(boundary) {
		return ReasonCutoffExceeded, fmt.Sprintf(
			"posting value time %s is behind the secondary cutoff %s",
			earliest.Format(time.RFC3339), boundary.Format(time.RFC3339)), false
	}
	return "", "", true
}

// Tick advances the state machine against the clock. It is safe to call
// from a poller at any frequency.
func (c *Coordinator) Tick(ctx context.Context) error {
	now := c.clock.Now()

	c.mu.Lock()
	if c.phase == PhaseBAU && !now.Before(c.primaryAt) {
		c.advance(PhasePrimaryCutoff)
		c.advance(PhaseGrace)
	}
	startOvernight := false
	if c.phase == PhaseGrace && !now.Before(c.secondaryAt) {
		c.advance(PhaseSecondaryCutoff)
		c.advance(PhaseOvernight)
		startOvernight = true
	}
	c.mu.Unlock()

	if startOvernight {
		return c.beginOvernight(ctx)
	}
	return nil
}

// advance must be called with the mutex held.
func (c *Coordinator) advance(to Phase) {
	if phaseOrder[c.phase] != to {
		return
	}
	c.logger.Info("end-of-day phase transition",
		zap.String("day", c.day),
		zap.String("from", string(c.phase)),
		zap.String("to", string(to)),
	)
	c.phase = to
}

func (c *Coordinator) dayTag() string {
	return "eod:" + c.day
}

// beginOvernight schedules the registered overnight jobs tagged for the
// day. With no jobs registered the day completes immediately.
func (c *Coordinator) beginOvernight(ctx context.Context) error {
	c.mu.RLock()
	jobs := append([]OvernightJob(nil), c.overnight...)
	tag := c.dayTag()
	c.mu.RUnlock()

	if len(jobs) == 0 {
		return c.complete(ctx)
	}
	now := c.clock.Now()
	for _, oj := range jobs {
		if _, err := c.sched.Define(ctx, schedule.Definition{
			ClientRef: oj.ClientRef,
			DueAt:     now,
			GroupID:   oj.GroupID,
			GroupPos:  oj.GroupPos,
			Tags:      []string{tag},
		}); err != nil {
			return fmt.Errorf("failed to schedule overnight job %s: %w", oj.ClientRef, err)
		}
	}
	return nil
}

func (c *Coordinator) onTagComplete(tag string, jobs []*schedule.Job) {
	c.mu.RLock()
	current := c.dayTag()
	c.mu.RUnlock()
	if tag != current {
		return
	}
	for _, j := range jobs {
		if j.Status == schedule.StatusFailed {
			c.logger.Warn("overnight job failed; day completes with failures recorded",
				zap.String("job_id", j.ID.String()),
				zap.String("client_ref", j.ClientRef),
			)
		}
	}
	if err := c.complete(context.Background()); err != nil {
		c.logger.Error("failed to finalize day", zap.Error(err))
	}
}

// complete computes and publishes the immutable closing position. The
// attribution setting picks the as-of boundary: PriorDay closes at the
// primary cutoff, SameDay includes the day's own overnight postings.
func (c *Coordinator) complete(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseOvernight && c.phase != PhaseSecondaryCutoff {
		c.mu.Unlock()
		return fmt.Errorf("cannot complete day from phase %s", c.phase)
	}
	day := c.day
	asOf := c.primaryAt
	if c.attribution == AttributionSameDay {
		asOf = c.clock.Now()
	}
	c.mu.Unlock()

	byAccount := make(map[string]ClosingPosition)
	for _, acct := range c.accounts.List(ctx) {
		snap, err := c.store.SnapshotAsOf(ctx, acct.ID, asOf)
		if err != nil {
			return fmt.Errorf("closing snapshot for %s: %w", acct.ID, err)
		}
		pos := ClosingPosition{
			Date:        day,
			AccountID:   acct.ID,
			Balances:    make(map[balance.Key]string, len(snap.Balances)),
			Attribution: c.attribution,
			AsOf:        asOf,
			ComputedAt:  c.clock.Now(),
		}
		for k, v := range snap.Balances {
			pos.Balances[k] = v.String()
		}
		byAccount[acct.ID] = pos

		if err := c.outbox.Emit(ctx, messaging.EventTypePositionClosed, acct.ID,
			messaging.PositionClosedEvent{
				Date:        day,
				AccountID:   acct.ID,
				Balances:    flattenBalances(pos.Balances),
				Attribution: string(c.attribution),
				ComputedAt:  pos.ComputedAt,
			}); err != nil {
			return fmt.Errorf("failed to enqueue position event: %w", err)
		}
	}

	c.mu.Lock()
	c.positions[day] = byAccount
	if c.secondaryAt.After(c.finalCutoff) {
		c.finalCutoff = c.secondaryAt
	}
	c.advance(PhaseCompletion)
	c.mu.Unlock()

	c.logger.Info("accounting day completed",
		zap.String("day", day),
		zap.String("attribution", string(c.attribution)),
		zap.Int("accounts", len(byAccount)),
	)
	return nil
}

// Position returns the immutable closing position for a day and account.
func (c *Coordinator) Position(day, accountID string) (ClosingPosition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byAccount, ok := c.positions[day]
	if !ok {
		return ClosingPosition{}, fmt.Errorf("%w: day %s", ErrPositionNotFound, day)
	}
	pos, ok := byAccount[accountID]
	if !ok {
		return ClosingPosition{}, fmt.Errorf("%w: account %s on %s", ErrPositionNotFound, accountID, day)
	}
	cp := pos
	cp.Balances = make(map[balance.Key]string, len(pos.Balances))
	for k, v := range pos.Balances {
		cp.Balances[k] = v
	}
	return cp, nil
}

func flattenBalances(in map[balance.Key]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		key := strings.Join([]string{k.AssetType, k.Denomination, k.Address, string(k.Phase)}, "/")
		out[key] = v
	}
	return out
}
