package eod

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultedge/coreledger/internal/account"
	"github.com/vaultedge/coreledger/internal/balance"
	"github.com/vaultedge/coreledger/internal/commit"
	"github.com/vaultedge/coreledger/internal/outbox"
	"github.com/vaultedge/coreledger/internal/policy"
	"github.com/vaultedge/coreledger/internal/posting"
	"github.com/vaultedge/coreledger/internal/schedule"
	"github.com/vaultedge/coreledger/internal/validator"
	"github.com/vaultedge/coreledger/pkg/messaging"
)

var usdCommitted = balance.Key{
	AssetType:    "COMMERCIAL_BANK_MONEY",
	Denomination: "USD",
	Address:      "DEFAULT",
	Phase:        posting.PhaseCommitted,
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type dayFixture struct {
	clock       *fakeClock
	store       *balance.MemoryStore
	accounts    *account.Service
	engine      *commit.Engine
	scheduler   *schedule.Scheduler
	coordinator *Coordinator
	repo        *outbox.MemoryRepository
	ref         policy.Ref
}

func newDayFixture(t *testing.T, attribution Attribution, pol *policy.Policy, clock *fakeClock) *dayFixture {
	t.Helper()
	if clock == nil {
		clock = &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	}

	registry := policy.NewRegistry()
	if pol == nil {
		pol = &policy.Policy{Ref: policy.Ref{Name: "vanilla", Version: 1}}
	}
	require.NoError(t, registry.Register(pol))

	store := balance.NewMemoryStore()
	accounts := account.NewService(registry, store, nil)
	val := validator.New(validator.Config{}, accounts, nil, nil)
	repo := outbox.NewMemoryRepository()
	ob := outbox.New(repo, "test")
	engine := commit.NewEngine(store, accounts, registry, val, commit.NewMemoryResults(), ob, commit.Config{}, nil, nil)

	scheduler := schedule.New(schedule.NewMemoryStore(), clock,
		func(ctx context.Context, job *schedule.Job) error {
			return engine.FireScheduled(ctx, job.ClientRef, job.ID)
		}, schedule.Config{}, nil)

	coordinator, err := NewCoordinator(store, accounts, scheduler, ob, attribution, clock, nil)
	require.NoError(t, err)
	engine.SetAdmitter(coordinator)

	return &dayFixture{
		clock:       clock,
		store:       store,
		accounts:    accounts,
		engine:      engine,
		scheduler:   scheduler,
		coordinator: coordinator,
		repo:        repo,
		ref:         pol.Ref,
	}
}

func (f *dayFixture) openAccount(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.accounts.Create(ctx, id, f.ref, nil, nil)
	require.NoError(t, err)
	require.NoError(t, f.accounts.Activate(ctx, id))
}

func (f *dayFixture) transferAt(clientBatchID, from, to, amount string, valueTime time.Time) *posting.Batch {
	dims := posting.Dimensions{
		AssetType:    usdCommitted.AssetType,
		Denomination: usdCommitted.Denomination,
		Address:      usdCommitted.Address,
		Phase:        posting.PhaseCommitted,
	}
	return posting.NewBatch(clientBatchID, []posting.Instruction{{
		Kind: posting.KindTransfer,
		Postings: []posting.Posting{
			{AccountID: from, Direction: posting.DirectionDebit, Dimensions: dims,
				Amount: decimal.RequireFromString(amount), ValueTime: valueTime},
			{AccountID: to, Direction: posting.DirectionCredit, Dimensions: dims,
				Amount: decimal.RequireFromString(amount), ValueTime: valueTime},
		},
	}})
}

func TestNewCoordinatorRequiresAttribution(t *testing.T) {
	store := balance.NewMemoryStore()
	accounts := account.NewService(policy.NewRegistry(), store, nil)
	scheduler := schedule.New(schedule.NewMemoryStore(), nil, nil, schedule.Config{}, nil)
	ob := outbox.New(outbox.NewMemoryRepository(), "test")

	_, err := NewCoordinator(store, accounts, scheduler, ob, "", nil, nil)
	assert.Error(t, err)

	_, err = NewCoordinator(store, accounts, scheduler, ob, "SOMETIMES", nil, nil)
	assert.Error(t, err)
}

func TestStartDay(t *testing.T) {
	f := newDayFixture(t, AttributionPriorDay, nil, nil)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	primary := time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)
	secondary := primary.Add(time.Hour)

	t.Run("secondary must follow primary", func(t *testing.T) {
		assert.Error(t, f.coordinator.StartDay(day, primary, primary))
	})

	t.Run("opens in BAU", func(t *testing.T) {
		require.NoError(t, f.coordinator.StartDay(day, primary, secondary))
		assert.Equal(t, PhaseBAU, f.coordinator.Phase())
	})

	t.Run("cannot start while a day is in flight", func(t *testing.T) {
		assert.Error(t, f.coordinator.StartDay(day.AddDate(0, 0, 1), primary.Add(24*time.Hour), secondary.Add(24*time.Hour)))
	})
}

func TestGraceBackdating(t *testing.T) {
	ctx := context.Background()
	f := newDayFixture(t, AttributionPriorDay, nil, nil)
	f.openAccount(t, "alice")
	f.openAccount(t, "treasury")

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	cutoff := time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)
	secondary := cutoff.Add(time.Hour)
	require.NoError(t, f.coordinator.StartDay(day, cutoff, secondary))

	// Business as usual: 100 USD lands at 10:00.
	f.clock.set(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	res, err := f.engine.Commit(ctx, f.transferAt("bau-1", "treasury", "alice", "100", f.clock.Now()))
	require.NoError(t, err)
	require.Equal(t, commit.StatusCommitted, res.Status)

	t.Run("grace window accepts backdated postings", func(t *testing.T) {
		f.clock.set(cutoff.Add(30 * time.Minute))
		require.NoError(t, f.coordinator.Tick(ctx))
		require.Equal(t, PhaseGrace, f.coordinator.Phase())

		res, err := f.engine.Commit(ctx, f.transferAt("late-1", "treasury", "alice", "20", cutoff.Add(-time.Second)))
		require.NoError(t, err)
		assert.Equal(t, commit.StatusCommitted, res.Status)

		snap, err := f.store.SnapshotAsOf(ctx, "alice", cutoff)
		require.NoError(t, err)
		assert.True(t, snap.Balance(usdCommitted).Equal(decimal.RequireFromString("120")))
	})

	t.Run("after the secondary cutoff the same posting is rejected", func(t *testing.T) {
		f.clock.set(secondary.Add(30 * time.Minute))
		require.NoError(t, f.coordinator.Tick(ctx))
		require.Equal(t, PhaseCompletion, f.coordinator.Phase())

		res, err := f.engine.Commit(ctx, f.transferAt("late-2", "treasury", "alice", "20", cutoff.Add(-time.Second)))
		require.NoError(t, err)
		assert.Equal(t, commit.StatusRejected, res.Status)
		assert.Equal(t, ReasonCutoffExceeded, res.ReasonCode)

		// The rejected posting never reached the as-of view.
		snap, err := f.store.SnapshotAsOf(ctx, "alice", cutoff)
		require.NoError(t, err)
		assert.True(t, snap.Balance(usdCommitted).Equal(decimal.RequireFromString("120")))
	})

	t.Run("current-dated postings still flow after completion", func(t *testing.T) {
		res, err := f.engine.Commit(ctx, f.transferAt("post-1", "treasury", "alice", "5", f.clock.Now()))
		require.NoError(t, err)
		assert.Equal(t, commit.StatusCommitted, res.Status)
	})
}

func TestBackdatingBehindFinalizedDayRejected(t *testing.T) {
	ctx := context.Background()
	f := newDayFixture(t, AttributionPriorDay, nil, nil)
	f.openAccount(t, "alice")
	f.openAccount(t, "treasury")

	day1 := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	cutoff1 := time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)
	secondary1 := cutoff1.Add(time.Hour)
	require.NoError(t, f.coordinator.StartDay(day1, cutoff1, secondary1))

	f.clock.set(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	res, err := f.engine.Commit(ctx, f.transferAt("d1-1", "treasury", "alice", "100", f.clock.Now()))
	require.NoError(t, err)
	require.Equal(t, commit.StatusCommitted, res.Status)

	f.clock.set(secondary1.Add(30 * time.Minute))
	require.NoError(t, f.coordinator.Tick(ctx))
	require.Equal(t, PhaseCompletion, f.coordinator.Phase())

	day2 := day1.AddDate(0, 0, 1)
	require.NoError(t, f.coordinator.StartDay(day2, cutoff1.Add(24*time.Hour), secondary1.Add(24*time.Hour)))
	require.Equal(t, PhaseBAU, f.coordinator.Phase())
	f.clock.set(time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC))

	t.Run("a posting backdated behind the finalized day stays rejected", func(t *testing.T) {
		res, err := f.engine.Commit(ctx, f.transferAt("d2-late", "treasury", "alice", "30", secondary1.Add(-time.Second)))
		require.NoError(t, err)
		assert.Equal(t, commit.StatusRejected, res.Status)
		assert.Equal(t, ReasonCutoffExceeded, res.ReasonCode)

		// Day 1's as-of view is unchanged.
		snap, err := f.store.SnapshotAsOf(ctx, "alice", secondary1)
		require.NoError(t, err)
		assert.True(t, snap.Balance(usdCommitted).Equal(decimal.RequireFromString("100")))
	})

	t.Run("the new day's own postings flow normally", func(t *testing.T) {
		res, err := f.engine.Commit(ctx, f.transferAt("d2-1", "treasury", "alice", "10", f.clock.Now()))
		require.NoError(t, err)
		assert.Equal(t, commit.StatusCommitted, res.Status)
	})
}

// interestPolicy credits the account 5 USD from treasury when its overnight
// schedule fires.
func interestPolicy(clock schedule.Clock) *policy.Policy {
	dims := posting.Dimensions{
		AssetType:    usdCommitted.AssetType,
		Denomination: usdCommitted.Denomination,
		Address:      usdCommitted.Address,
		Phase:        posting.PhaseCommitted,
	}
	return &policy.Policy{
		Ref: policy.Ref{Name: "overnight-interest", Version: 1},
		ScheduleFire: func(_ context.Context, sc policy.ScheduleFireContext) *policy.PostingDirective {
			if sc.Account.ID == "treasury" {
				return nil
			}
			now := clock.Now()
			return &policy.PostingDirective{
				ClientBatchID: "interest-" + sc.Account.ID + "-" + sc.JobRef,
				Instructions: []posting.Instruction{{
					Kind: posting.KindTransfer,
					Postings: []posting.Posting{
						{AccountID: "treasury", Direction: posting.DirectionDebit, Dimensions: dims,
							Amount: decimal.RequireFromString("5"), ValueTime: now},
						{AccountID: sc.Account.ID, Direction: posting.DirectionCredit, Dimensions: dims,
							Amount: decimal.RequireFromString("5"), ValueTime: now},
					},
				}},
			}
		},
	}
}

func runOvernightDay(t *testing.T, attribution Attribution) *dayFixture {
	t.Helper()
	ctx := context.Background()

	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	f := newDayFixture(t, attribution, interestPolicy(clock), clock)
	f.openAccount(t, "alice")
	f.openAccount(t, "treasury")

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	cutoff := time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)
	secondary := cutoff.Add(time.Hour)
	require.NoError(t, f.coordinator.StartDay(day, cutoff, secondary))
	f.coordinator.RegisterOvernightJobs(OvernightJob{ClientRef: "alice"})

	f.clock.set(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	res, err := f.engine.Commit(ctx, f.transferAt("bau-1", "treasury", "alice", "120", f.clock.Now()))
	require.NoError(t, err)
	require.Equal(t, commit.StatusCommitted, res.Status)

	f.clock.set(secondary.Add(30 * time.Minute))
	require.NoError(t, f.coordinator.Tick(ctx))
	require.Equal(t, PhaseOvernight, f.coordinator.Phase())

	// The overnight job runs, its interest posting commits, the tag
	// completes, and the day finalizes.
	require.NoError(t, f.scheduler.DispatchDue(ctx))
	require.Equal(t, PhaseCompletion, f.coordinator.Phase())
	return f
}

func TestOvernightAttribution(t *testing.T) {
	t.Run("prior-day closes at the primary cutoff", func(t *testing.T) {
		f := runOvernightDay(t, AttributionPriorDay)
		pos, err := f.coordinator.Position("2026-03-02", "alice")
		require.NoError(t, err)
		assert.Equal(t, "120", pos.Balances[usdCommitted])
	})

	t.Run("same-day includes the overnight interest", func(t *testing.T) {
		f := runOvernightDay(t, AttributionSameDay)
		pos, err := f.coordinator.Position("2026-03-02", "alice")
		require.NoError(t, err)
		assert.Equal(t, "125", pos.Balances[usdCommitted])
	})

	t.Run("positions are immutable copies", func(t *testing.T) {
		f := runOvernightDay(t, AttributionPriorDay)
		pos, err := f.coordinator.Position("2026-03-02", "alice")
		require.NoError(t, err)
		pos.Balances[usdCommitted] = "999"

		again, err := f.coordinator.Position("2026-03-02", "alice")
		require.NoError(t, err)
		assert.Equal(t, "120", again.Balances[usdCommitted])
	})

	t.Run("closed positions are published on the bus", func(t *testing.T) {
		f := runOvernightDay(t, AttributionPriorDay)
		var closed int
		for _, rec := range f.repo.All() {
			if rec.Subject == messaging.EventTypePositionClosed {
				closed++
			}
		}
		assert.Equal(t, 2, closed)
	})

	t.Run("unknown day has no position", func(t *testing.T) {
		f := runOvernightDay(t, AttributionPriorDay)
		_, err := f.coordinator.Position("2026-03-03", "alice")
		assert.ErrorIs(t, err, ErrPositionNotFound)
	})
}

func TestFailedOvernightJobBlocksCompletion(t *testing.T) {
	ctx := context.Background()
	f := newDayFixture(t, AttributionPriorDay, nil, nil)
	f.openAccount(t, "alice")

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	cutoff := time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)
	secondary := cutoff.Add(time.Hour)
	require.NoError(t, f.coordinator.StartDay(day, cutoff, secondary))

	// The second job depends on a first job whose account does not exist,
	// so the first fails and the group stalls.
	f.coordinator.RegisterOvernightJobs(
		OvernightJob{ClientRef: "ghost", GroupID: "eod", GroupPos: 0},
		OvernightJob{ClientRef: "alice", GroupID: "eod", GroupPos: 1},
	)

	f.clock.set(secondary.Add(time.Minute))
	require.NoError(t, f.coordinator.Tick(ctx))
	require.Equal(t, PhaseOvernight, f.coordinator.Phase())

	require.NoError(t, f.scheduler.DispatchDue(ctx))
	require.NoError(t, f.scheduler.DispatchDue(ctx))

	// The dependent job never became terminal, so the day stays open.
	assert.Equal(t, PhaseOvernight, f.coordinator.Phase())
}
