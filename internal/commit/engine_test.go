package commit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultedge/coreledger/internal/account"
	"github.com/vaultedge/coreledger/internal/balance"
	"github.com/vaultedge/coreledger/internal/outbox"
	"github.com/vaultedge/coreledger/internal/policy"
	"github.com/vaultedge/coreledger/internal/posting"
	"github.com/vaultedge/coreledger/internal/validator"
	"github.com/vaultedge/coreledger/pkg/messaging"
)

var usdCommitted = balance.Key{
	AssetType:    "COMMERCIAL_BANK_MONEY",
	Denomination: "USD",
	Address:      "DEFAULT",
	Phase:        posting.PhaseCommitted,
}

type fixture struct {
	store    *balance.MemoryStore
	accounts *account.Service
	registry *policy.Registry
	repo     *outbox.MemoryRepository
	engine   *Engine
	ref      policy.Ref
}

func newFixture(t *testing.T, pol *policy.Policy) *fixture {
	t.Helper()
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
	engine := NewEngine(store, accounts, registry, val, NewMemoryResults(), ob, Config{}, nil, nil)

	return &fixture{
		store:    store,
		accounts: accounts,
		registry: registry,
		repo:     repo,
		engine:   engine,
		ref:      pol.Ref,
	}
}

func (f *fixture) openAccount(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.accounts.Create(ctx, id, f.ref, nil, nil)
	require.NoError(t, err)
	require.NoError(t, f.accounts.Activate(ctx, id))
}

func (f *fixture) committed(t *testing.T, accountID string) decimal.Decimal {
	t.Helper()
	snap, err := f.store.Snapshot(context.Background(), accountID)
	require.NoError(t, err)
	return snap.Balance(usdCommitted)
}

func transfer(clientBatchID, from, to, amount string) *posting.Batch {
	now := time.Now().UTC()
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
				Amount: decimal.RequireFromString(amount), ValueTime: now},
			{AccountID: to, Direction: posting.DirectionCredit, Dimensions: dims,
				Amount: decimal.RequireFromString(amount), ValueTime: now},
		},
	}})
}

func TestCommitBasics(t *testing.T) {
	ctx := context.Background()

	t.Run("a committed transfer moves money without drift", func(t *testing.T) {
		f := newFixture(t, nil)
		f.openAccount(t, "alice")
		f.openAccount(t, "bob")

		res, err := f.engine.Commit(ctx, transfer("t-1", "alice", "bob", "25"))
		require.NoError(t, err)
		assert.Equal(t, StatusCommitted, res.Status)

		assert.True(t, f.committed(t, "alice").Equal(decimal.RequireFromString("-25")))
		assert.True(t, f.committed(t, "bob").Equal(decimal.RequireFromString("25")))
		assert.True(t, f.committed(t, "alice").Add(f.committed(t, "bob")).IsZero())
	})

	t.Run("rejection leaves every balance untouched", func(t *testing.T) {
		f := newFixture(t, nil)
		f.openAccount(t, "alice")
		f.openAccount(t, "bob")

		b := transfer("t-2", "alice", "bob", "25")
		b.Instructions[0].Postings[1].Amount = decimal.RequireFromString("26")

		res, err := f.engine.Commit(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, res.Status)
		assert.Equal(t, validator.ReasonUnbalanced, res.ReasonCode)

		assert.True(t, f.committed(t, "alice").IsZero())
		assert.True(t, f.committed(t, "bob").IsZero())
	})

	t.Run("one closed account rejects the whole batch", func(t *testing.T) {
		f := newFixture(t, nil)
		f.openAccount(t, "alice")
		_, err := f.accounts.Create(ctx, "carol", f.ref, nil, nil)
		require.NoError(t, err)

		res, err := f.engine.Commit(ctx, transfer("t-3", "alice", "carol", "10"))
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, res.Status)
		assert.Equal(t, validator.ReasonAccountNotOpen, res.ReasonCode)
		assert.True(t, f.committed(t, "alice").IsZero())
	})
}

func TestCommitIdempotency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.openAccount(t, "alice")
	f.openAccount(t, "bob")

	first, err := f.engine.Commit(ctx, transfer("dup-1", "alice", "bob", "40"))
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, first.Status)

	t.Run("replay returns the original result and applies nothing", func(t *testing.T) {
		replay, err := f.engine.Commit(ctx, transfer("dup-1", "alice", "bob", "40"))
		require.NoError(t, err)
		assert.True(t, replay.Replayed)
		assert.Equal(t, first.BatchID, replay.BatchID)
		assert.True(t, f.committed(t, "bob").Equal(decimal.RequireFromString("40")))
	})

	t.Run("rejections are idempotent too", func(t *testing.T) {
		bad := transfer("dup-2", "alice", "bob", "10")
		bad.Instructions[0].Postings = bad.Instructions[0].Postings[:1]

		res1, err := f.engine.Commit(ctx, bad)
		require.NoError(t, err)
		require.Equal(t, StatusRejected, res1.Status)

		bad2 := transfer("dup-2", "alice", "bob", "10")
		res2, err := f.engine.Commit(ctx, bad2)
		require.NoError(t, err)
		assert.True(t, res2.Replayed)
		assert.Equal(t, res1.ReasonCode, res2.ReasonCode)
	})
}

func TestCommitConcurrency(t *testing.T) {
	ctx := context.Background()

	t.Run("disjoint account sets commit concurrently", func(t *testing.T) {
		f := newFixture(t, nil)
		for _, id := range []string{"a1", "a2", "b1", "b2"} {
			f.openAccount(t, id)
		}

		var wg sync.WaitGroup
		errs := make(chan error, 2)
		for _, pair := range [][2]string{{"a1", "a2"}, {"b1", "b2"}} {
			pair := pair
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.engine.Commit(ctx, transfer("c-"+pair[0], pair[0], pair[1], "5"))
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}
		assert.True(t, f.committed(t, "a2").Equal(decimal.RequireFromString("5")))
		assert.True(t, f.committed(t, "b2").Equal(decimal.RequireFromString("5")))
	})

	t.Run("overlapping batches serialize on the shared account", func(t *testing.T) {
		f := newFixture(t, nil)
		f.openAccount(t, "hub")
		const n = 16
		spokes := make([]string, n)
		for i := range spokes {
			spokes[i] = fmt.Sprintf("spoke-%d", i)
			f.openAccount(t, spokes[i])
		}

		var wg sync.WaitGroup
		for i, spoke := range spokes {
			i, spoke := i, spoke
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.engine.Commit(ctx, transfer(fmt.Sprintf("s-%d", i), "hub", spoke, "1"))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.True(t, f.committed(t, "hub").Equal(decimal.RequireFromString("-16")))
		total := decimal.Zero
		for _, spoke := range spokes {
			total = total.Add(f.committed(t, spoke))
		}
		assert.True(t, total.Equal(decimal.RequireFromString("16")))
	})
}

// staleOnceStore fails the next n ApplyBatch calls with ErrStaleSnapshot,
// simulating a head moved by a concurrent writer between snapshot and apply.
type staleOnceStore struct {
	*balance.MemoryStore
	mu    sync.Mutex
	stale int
	calls int
}

func (s *staleOnceStore) ApplyBatch(ctx context.Context, ops []balance.AccountDeltas, ref string) (map[string]balance.Snapshot, error) {
	s.mu.Lock()
	s.calls++
	inject := s.stale > 0
	if inject {
		s.stale--
	}
	s.mu.Unlock()
	if inject {
		return nil, balance.ErrStaleSnapshot
	}
	return s.MemoryStore.ApplyBatch(ctx, ops, ref)
}

func (s *staleOnceStore) applyCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestCommitRetryAfterStaleSnapshot(t *testing.T) {
	ctx := context.Background()
	registry := policy.NewRegistry()
	pol := &policy.Policy{Ref: policy.Ref{Name: "vanilla", Version: 1}}
	require.NoError(t, registry.Register(pol))

	store := &staleOnceStore{MemoryStore: balance.NewMemoryStore(), stale: 1}
	accounts := account.NewService(registry, store, nil)
	val := validator.New(validator.Config{}, accounts, nil, nil)
	ob := outbox.New(outbox.NewMemoryRepository(), "test")
	engine := NewEngine(store, accounts, registry, val, NewMemoryResults(), ob, Config{}, nil, nil)

	for _, id := range []string{"alice", "bob"} {
		_, err := accounts.Create(ctx, id, pol.Ref, nil, nil)
		require.NoError(t, err)
		require.NoError(t, accounts.Activate(ctx, id))
	}

	t.Run("a stale pass retries and applies each delta exactly once", func(t *testing.T) {
		res, err := engine.Commit(ctx, transfer("retry-1", "alice", "bob", "25"))
		require.NoError(t, err)
		require.Equal(t, StatusCommitted, res.Status)
		assert.Equal(t, 2, store.applyCalls())

		snapA, err := store.Snapshot(ctx, "alice")
		require.NoError(t, err)
		snapB, err := store.Snapshot(ctx, "bob")
		require.NoError(t, err)
		assert.True(t, snapA.Balance(usdCommitted).Equal(decimal.RequireFromString("-25")))
		assert.True(t, snapB.Balance(usdCommitted).Equal(decimal.RequireFromString("25")))
		assert.True(t, snapA.Balance(usdCommitted).Add(snapB.Balance(usdCommitted)).IsZero())
	})

	t.Run("exhausting the retry budget surfaces a conflict", func(t *testing.T) {
		store.mu.Lock()
		store.stale = 10
		store.mu.Unlock()

		_, err := engine.Commit(ctx, transfer("retry-2", "alice", "bob", "1"))
		assert.ErrorIs(t, err, ErrConcurrencyConflict)
	})
}

func TestCommitDirectives(t *testing.T) {
	ctx := context.Background()

	fee := &policy.PostingDirective{
		ClientBatchID: "fee-1",
		Instructions: []posting.Instruction{{
			Kind: posting.KindTransfer,
			Postings: []posting.Posting{
				{AccountID: "alice", Direction: posting.DirectionDebit,
					Dimensions: posting.Dimensions{
						AssetType:    usdCommitted.AssetType,
						Denomination: usdCommitted.Denomination,
						Address:      usdCommitted.Address,
						Phase:        posting.PhaseCommitted,
					},
					Amount: decimal.RequireFromString("1"), ValueTime: time.Now().UTC()},
				{AccountID: "bob", Direction: posting.DirectionCredit,
					Dimensions: posting.Dimensions{
						AssetType:    usdCommitted.AssetType,
						Denomination: usdCommitted.Denomination,
						Address:      usdCommitted.Address,
						Phase:        posting.PhaseCommitted,
					},
					Amount: decimal.RequireFromString("1"), ValueTime: time.Now().UTC()},
			},
		}},
	}
	pol := &policy.Policy{
		Ref: policy.Ref{Name: "fee-on-commit", Version: 1},
		PostCommit: func(_ context.Context, pc policy.PostCommitContext) *policy.PostingDirective {
			if pc.Account.ID != "alice" || pc.Batch.ClientBatchID == "fee-1" {
				return nil
			}
			return fee
		},
	}
	f := newFixture(t, pol)
	f.openAccount(t, "alice")
	f.openAccount(t, "bob")

	res, err := f.engine.Commit(ctx, transfer("d-1", "alice", "bob", "100"))
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, res.Status)

	t.Run("directives are returned, not merged into the batch", func(t *testing.T) {
		require.Len(t, res.Directives, 1)
		assert.Equal(t, "fee-1", res.Directives[0].ClientBatchID)
		// The triggering batch alone has been applied.
		assert.True(t, f.committed(t, "alice").Equal(decimal.RequireFromString("-100")))
	})

	t.Run("the directive commits via a second explicit call", func(t *testing.T) {
		dres, err := f.engine.Commit(ctx, posting.NewBatch(res.Directives[0].ClientBatchID, res.Directives[0].Instructions))
		require.NoError(t, err)
		assert.Equal(t, StatusCommitted, dres.Status)
		assert.True(t, f.committed(t, "alice").Equal(decimal.RequireFromString("-101")))
	})
}

type rejectAllAdmitter struct{}

func (rejectAllAdmitter) Admit(_ *posting.Batch) (string, string, bool) {
	return "CUTOFF_EXCEEDED", "day is closed", false
}

func TestCommitAdmitter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.openAccount(t, "alice")
	f.openAccount(t, "bob")
	f.engine.SetAdmitter(rejectAllAdmitter{})

	res, err := f.engine.Commit(ctx, transfer("adm-1", "alice", "bob", "10"))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, "CUTOFF_EXCEEDED", res.ReasonCode)
	assert.True(t, f.committed(t, "alice").IsZero())
}

func TestCommitEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.openAccount(t, "alice")
	f.openAccount(t, "bob")

	_, err := f.engine.Commit(ctx, transfer("ev-1", "alice", "bob", "10"))
	require.NoError(t, err)

	subjects := make(map[string]int)
	for _, rec := range f.repo.All() {
		subjects[rec.Subject]++
	}
	assert.Equal(t, 1, subjects[messaging.EventTypeBatchCommitted])
	assert.Equal(t, 2, subjects[messaging.EventTypeBalanceUpdated])
}
