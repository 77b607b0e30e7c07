// Package commit implements the ledger commit engine: atomic, idempotent,
// per-account-serialized application of accepted posting instruction batches
// to the balance store.
package commit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vaultedge/coreledger/internal/account"
	"github.com/vaultedge/coreledger/internal/balance"
	"github.com/vaultedge/coreledger/internal/metrics"
	"github.com/vaultedge/coreledger/internal/outbox"
	"github.com/vaultedge/coreledger/internal/policy"
	"github.com/vaultedge/coreledger/internal/posting"
	"github.com/vaultedge/coreledger/internal/validator"
	"github.com/vaultedge/coreledger/pkg/messaging"
)

// ErrConcurrencyConflict is returned after the bounded stale-snapshot retry
// budget is exhausted.
var ErrConcurrencyConflict = errors.New("commit retry budget exhausted on stale snapshot")

// Status is the terminal outcome of a commit call.
type Status string

const (
	StatusCommitted Status = "COMMITTED"
	StatusRejected  Status = "REJECTED"
)

// Result describes the outcome of one batch. Replays of an already-decided
// client batch id return the original result with Replayed set.
type Result struct {
	BatchID       uuid.UUID                 `json:"batch_id"`
	ClientBatchID string                    `json:"client_batch_id"`
	Status        Status                    `json:"status"`
	ReasonCode    string                    `json:"reason_code,omitempty"`
	Message       string                    `json:"message,omitempty"`
	CommittedAt   time.Time                 `json:"committed_at"`
	Versions      map[string]int64          `json:"versions,omitempty"`
	Directives    []policy.PostingDirective `json:"directives,omitempty"`
	Replayed      bool                      `json:"-"`
}

// Admitter gates batches on the accounting-day boundary. The end-of-day
// coordinator implements it; a nil admitter accepts everything.
type Admitter interface {
	Admit(batch *posting.Batch) (reasonCode, message string, ok bool)
}

// Config holds commit engine settings.
type Config struct {
	// MaxRetries bounds stale-snapshot retries before failing fatally.
	MaxRetries int
	// Budget is the hard wall-clock limit for one commit call.
	Budget time.Duration
}

// Engine applies batches. All balance mutation in the system funnels
// through Commit.
type Engine struct {
	store     balance.Store
	accounts  *account.Service
	policies  *policy.Registry
	validator *validator.Validator
	results   ResultStore
	outbox    *outbox.Outbox
	admitter  Admitter
	locks     *lockTable

	maxRetries int
	budget     time.Duration
	metrics    metrics.Recorder
	logger     *zap.Logger
}

// NewEngine creates a commit engine.
func NewEngine(
	store balance.Store,
	accounts *account.Service,
	policies *policy.Registry,
	val *validator.Validator,
	results ResultStore,
	ob *outbox.Outbox,
	cfg Config,
	rec metrics.Recorder,
	logger *zap.Logger,
) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 2 * time.Second
	}
	if rec == nil {
		rec = metrics.Noop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:      store,
		accounts:   accounts,
		policies:   policies,
		validator:  val,
		results:    results,
		outbox:     ob,
		locks:      newLockTable(),
		maxRetries: cfg.MaxRetries,
		budget:     cfg.Budget,
		metrics:    rec,
		logger:     logger,
	}
}

// SetAdmitter installs the accounting-day gate. Wired after construction
// because the end-of-day coordinator and the engine are built together.
func (e *Engine) SetAdmitter(a Admitter) {
	e.admitter = a
}

// Commit atomically applies a batch. A single rejected instruction rejects
// the whole batch with zero balance mutation. Rejections are returned as
// Results, not errors.
func (e *Engine) Commit(ctx context.Context, batch *posting.Batch) (*Result, error) {
	start := time.Now()
	res, err := e.commit(ctx, batch)
	status := "error"
	if err == nil {
		status = string(res.Status)
	}
	e.metrics.CommitLatency(time.Since(start), status)
	return res, err
}

func (e *Engine) commit(ctx context.Context, batch *posting.Batch) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.budget)
	defer cancel()

	if existing, ok, err := e.results.Get(ctx, batch.ClientBatchID); err != nil {
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	} else if ok {
		existing.Replayed = true
		return existing, nil
	}

	if err := batch.Validate(); err != nil {
		return e.finishRejected(ctx, batch, validator.ReasonInvalidBatch, err.Error())
	}
	if !batch.Balanced() {
		return e.finishRejected(ctx, batch, validator.ReasonUnbalanced,
			"debits do not equal credits within an instruction")
	}
	if e.admitter != nil {
		if code, msg, ok := e.admitter.Admit(batch); !ok {
			return e.finishRejected(ctx, batch, code, msg)
		}
	}

	ids := batch.AccountIDs()
	release := e.locks.acquire(ids)
	defer release()

	// Re-check under the locks: a concurrent replay may have decided the
	// batch while we waited.
	if existing, ok, err := e.results.Get(ctx, batch.ClientBatchID); err != nil {
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	} else if ok {
		existing.Replayed = true
		return existing, nil
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			e.metrics.CommitRetries(attempt)
		}
		res, err := e.tryApply(ctx, batch, ids)
		if errors.Is(err, balance.ErrStaleSnapshot) {
			lastErr = err
			continue
		}
		return res, err
	}
	return nil, fmt.Errorf("%w: %v", ErrConcurrencyConflict, lastErr)
}

// tryApply runs one validate-and-apply pass with fresh snapshots. The
// per-account locks are held by the caller, so snapshots taken here stay
// current unless the store is mutated out of band.
func (e *Engine) tryApply(ctx context.Context, batch *posting.Batch, ids []string) (*Result, error) {
	accts := make(map[string]*account.Account, len(ids))
	snaps := make(map[string]balance.Snapshot, len(ids))
	pols := make(map[string]*policy.Policy, len(ids))
	var directives []policy.PostingDirective

	for _, id := range ids {
		acct, err := e.accounts.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", id, err)
		}
		snap, err := e.store.Snapshot(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", id, err)
		}
		pol, err := e.policies.Resolve(acct.PolicyRef)
		if err != nil {
			return nil, err
		}
		accts[id], snaps[id], pols[id] = acct, snap, pol
	}

	for _, id := range ids {
		decision, err := e.validator.Validate(ctx, batch, accts[id], snaps[id], pols[id])
		if err != nil {
			return nil, err
		}
		if !decision.Accepted {
			return e.finishRejected(ctx, batch, decision.ReasonCode, decision.Message)
		}
		if decision.Directive != nil {
			directives = append(directives, *decision.Directive)
		}
	}

	// One all-or-nothing apply across every account: a stale head anywhere
	// leaves the whole batch unapplied, so the retry pass starts clean.
	deltas := deltasByAccount(batch)
	ops := make([]balance.AccountDeltas, 0, len(ids))
	for _, id := range ids {
		ops = append(ops, balance.AccountDeltas{
			AccountID: id,
			Version:   snaps[id].Version,
			Deltas:    deltas[id],
		})
	}
	applied, err := e.store.ApplyBatch(ctx, ops, batch.ClientBatchID)
	if err != nil {
		return nil, err
	}
	versions := make(map[string]int64, len(ids))
	for id, snap := range applied {
		versions[id] = snap.Version
	}

	res := &Result{
		BatchID:       batch.ID,
		ClientBatchID: batch.ClientBatchID,
		Status:        StatusCommitted,
		CommittedAt:   time.Now().UTC(),
		Versions:      versions,
	}

	// Post-commit hooks may hand back derived postings; those are returned
	// to the caller for a second, explicit Commit call and never merged
	// into this batch.
	for _, id := range ids {
		pol := pols[id]
		if pol.PostCommit == nil {
			continue
		}
		pc := policy.PostCommitContext{
			Account:  accts[id].View(),
			Batch:    batch,
			Balances: policy.NewScopedReader(snaps[id], pol.Requirements),
			Now:      time.Now().UTC(),
		}
		if d := pol.PostCommit(ctx, pc); d != nil {
			directives = append(directives, *d)
		}
	}
	res.Directives = directives

	if err := e.results.Put(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to record commit result: %w", err)
	}
	e.emitCommitted(ctx, batch, versions)

	e.logger.Info("batch committed",
		zap.String("client_batch_id", batch.ClientBatchID),
		zap.Int("instructions", len(batch.Instructions)),
		zap.Strings("accounts", ids),
	)
	return res, nil
}

func (e *Engine) finishRejected(ctx context.Context, batch *posting.Batch, code, message string) (*Result, error) {
	res := &Result{
		BatchID:       batch.ID,
		ClientBatchID: batch.ClientBatchID,
		Status:        StatusRejected,
		ReasonCode:    code,
		Message:       message,
		CommittedAt:   time.Now().UTC(),
	}
	if err := e.results.Put(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to record rejection: %w", err)
	}
	if err := e.outbox.Emit(ctx, messaging.EventTypeBatchRejected, batch.ClientBatchID,
		messaging.BatchRejectedEvent{
			ClientBatchID: batch.ClientBatchID,
			ReasonCode:    code,
			Message:       message,
		}); err != nil {
		e.logger.Error("failed to enqueue rejection event", zap.Error(err))
	}
	e.logger.Info("batch rejected",
		zap.String("client_batch_id", batch.ClientBatchID),
		zap.String("reason_code", code),
	)
	return res, nil
}

// emitCommitted enqueues exactly one ordered event for the batch plus one
// per affected account.
func (e *Engine) emitCommitted(ctx context.Context, batch *posting.Batch, versions map[string]int64) {
	ids := batch.AccountIDs()
	if err := e.outbox.Emit(ctx, messaging.EventTypeBatchCommitted, batch.ClientBatchID,
		messaging.BatchCommittedEvent{
			BatchID:       batch.ID,
			ClientBatchID: batch.ClientBatchID,
			Instructions:  len(batch.Instructions),
			Accounts:      ids,
			CommittedAt:   time.Now().UTC(),
		}); err != nil {
		e.logger.Error("failed to enqueue commit event", zap.Error(err))
	}
	for _, id := range ids {
		if err := e.outbox.Emit(ctx, messaging.EventTypeBalanceUpdated, id,
			messaging.BalanceUpdatedEvent{
				AccountID: id,
				Version:   versions[id],
				BatchRef:  batch.ClientBatchID,
			}); err != nil {
			e.logger.Error("failed to enqueue balance event", zap.Error(err))
		}
	}
}

// Result returns the recorded outcome for a client batch id, if any.
func (e *Engine) Result(ctx context.Context, clientBatchID string) (*Result, bool, error) {
	return e.results.Get(ctx, clientBatchID)
}

// FireScheduled runs an account's schedule-fire hook for a due job. A
// directive handed back by the hook goes through a separate, explicit
// Commit call with its own client batch id.
func (e *Engine) FireScheduled(ctx context.Context, accountID string, jobID uuid.UUID) error {
	acct, err := e.accounts.Get(ctx, accountID)
	if err != nil {
		return fmt.Errorf("account %s: %w", accountID, err)
	}
	pol, err := e.policies.Resolve(acct.PolicyRef)
	if err != nil {
		return err
	}
	if pol.ScheduleFire == nil {
		return nil
	}
	snap, err := e.store.Snapshot(ctx, accountID)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", accountID, err)
	}

	directive := pol.ScheduleFire(ctx, policy.ScheduleFireContext{
		Account:   acct.View(),
		JobRef:    jobID.String(),
		Scheduled: time.Now().UTC(),
		Balances:  policy.NewScopedReader(snap, pol.Requirements),
		Now:       time.Now().UTC(),
	})
	if directive == nil {
		return nil
	}

	res, err := e.Commit(ctx, posting.NewBatch(directive.ClientBatchID, directive.Instructions))
	if err != nil {
		return err
	}
	if res.Status == StatusRejected {
		return fmt.Errorf("scheduled directive %s rejected: %s %s",
			directive.ClientBatchID, res.ReasonCode, res.Message)
	}
	return nil
}

// deltasByAccount folds a batch's postings into signed balance deltas.
func deltasByAccount(batch *posting.Batch) map[string][]balance.Delta {
	out := make(map[string][]balance.Delta)
	for _, in := range batch.Instructions {
		for _, p := range in.Postings {
			out[p.AccountID] = append(out[p.AccountID], balance.Delta{
				Key: balance.Key{
					AssetType:    p.Dimensions.AssetType,
					Denomination: p.Dimensions.Denomination,
					Address:      p.Dimensions.Address,
					Phase:        p.Dimensions.Phase,
				},
				Amount:    p.Delta(),
				ValueTime: p.ValueTime,
			})
		}
	}
	return out
}
