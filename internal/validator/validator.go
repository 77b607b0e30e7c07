// Package validator implements the synchronous pre-commit decision path. It
// sits on the external fund-movement request path, so every check runs under
// a hard wall-clock budget and reads only the data the policy declared.
package validator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vaultedge/coreledger/internal/account"
	"github.com/vaultedge/coreledger/internal/balance"
	"github.com/vaultedge/coreledger/internal/metrics"
	"github.com/vaultedge/coreledger/internal/policy"
	"github.com/vaultedge/coreledger/internal/posting"
	"github.com/vaultedge/coreledger/pkg/circuit"
)

// Machine-readable rejection reason codes. Every rejection carries one of
// these plus a human-readable message.
const (
	ReasonUnbalanced     = "UNBALANCED_INSTRUCTION"
	ReasonInvalidBatch   = "INVALID_BATCH"
	ReasonAccountNotOpen = "ACCOUNT_NOT_OPEN"
	ReasonRestricted     = "ACCOUNT_RESTRICTED"
	ReasonPolicyReject   = "POLICY_REJECTED"
	ReasonAccountFlagged = "ACCOUNT_FLAGGED"
)

// ErrTimeoutExceeded is fatal to the current request: the decision path
// exceeded its wall-clock budget. It is not retried within the same call.
var ErrTimeoutExceeded = errors.New("validation wall-clock budget exceeded")

// Decision is the terminal accept/reject outcome. Rejections are values,
// not errors; only infrastructure failures surface as errors.
type Decision struct {
	Accepted   bool
	ReasonCode string
	Message    string
	Directive  *policy.PostingDirective
}

func reject(code, message string) Decision {
	return Decision{ReasonCode: code, Message: message}
}

// Flagger marks an account for manual remediation when its decision path
// repeatedly times out.
type Flagger interface {
	Flag(ctx context.Context, accountID, reason string) error
}

// Validator checks candidate batches against account state and policy.
type Validator struct {
	budget   time.Duration
	breakers *circuit.BreakerGroup
	flagger  Flagger
	metrics  metrics.Recorder
	logger   *zap.Logger
}

// Config holds validator settings.
type Config struct {
	// Budget is the hard wall-clock limit for one validation pass.
	Budget time.Duration
	// BreakerMaxFailures is how many consecutive hook failures flag an
	// account for remediation.
	BreakerMaxFailures int
	// BreakerCooldown is how long a tripped account breaker stays open.
	BreakerCooldown time.Duration
}

// New creates a validator. flagger may be nil when remediation flagging is
// handled elsewhere.
func New(cfg Config, flagger Flagger, rec metrics.Recorder, logger *zap.Logger) *Validator {
	if cfg.Budget <= 0 {
		cfg.Budget = 500 * time.Millisecond
	}
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = 3
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = time.Minute
	}
	if rec == nil {
		rec = metrics.Noop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	v := &Validator{
		budget:  cfg.Budget,
		flagger: flagger,
		metrics: rec,
		logger:  logger,
	}
	v.breakers = circuit.NewBreakerGroup(circuit.Config{
		MaxFailures: cfg.BreakerMaxFailures,
		Timeout:     cfg.BreakerCooldown,
		HalfOpenMax: 1,
		OnStateChange: func(name string, from, to circuit.State) {
			if to == circuit.StateOpen {
				v.onBreakerOpen(name)
			}
		},
	})
	return v
}

func (v *Validator) onBreakerOpen(accountID string) {
	v.logger.Warn("validation breaker opened; postings to this account are disabled",
		zap.String("account_id", accountID))
	if v.flagger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := v.flagger.Flag(ctx, accountID, "validation repeatedly timed out"); err != nil {
		v.logger.Error("failed to flag account", zap.String("account_id", accountID), zap.Error(err))
	}
}

// Validate decides a batch against one account's snapshot and policy. The
// batch may touch several accounts; Validate is called once per affected
// account by the commit engine, and any single rejection rejects the whole
// batch.
func (v *Validator) Validate(ctx context.Context, batch *posting.Batch, acct *account.Account, snap balance.Snapshot, pol *policy.Policy) (Decision, error) {
	start := time.Now()
	decision, err := v.validate(ctx, batch, acct, snap, pol)
	v.metrics.ValidationLatency(time.Since(start), err == nil && decision.Accepted)
	return decision, err
}

func (v *Validator) validate(ctx context.Context, batch *posting.Batch, acct *account.Account, snap balance.Snapshot, pol *policy.Policy) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, v.budget)
	defer cancel()

	if err := batch.Validate(); err != nil {
		return reject(ReasonInvalidBatch, err.Error()), nil
	}
	if !batch.Balanced() {
		return reject(ReasonUnbalanced, "debits do not equal credits within an instruction"), nil
	}

	if acct.Flagged {
		return reject(ReasonAccountFlagged, fmt.Sprintf("account %s awaits manual remediation", acct.ID)), nil
	}
	if acct.Status != account.StatusOpen {
		return reject(ReasonAccountNotOpen, fmt.Sprintf("account %s is %s", acct.ID, acct.Status)), nil
	}
	if d := v.checkRestrictions(batch, acct); !d.Accepted {
		return d, nil
	}

	if pol.PreCommit == nil {
		return Decision{Accepted: true}, nil
	}
	return v.runPreCommit(ctx, batch, acct, snap, pol)
}

func (v *Validator) checkRestrictions(batch *posting.Batch, acct *account.Account) Decision {
	for _, in := range batch.Instructions {
		for _, p := range in.Postings {
			if p.AccountID != acct.ID {
				continue
			}
			if p.Direction == posting.DirectionDebit && acct.Restricted(account.RestrictionPreventDebits) {
				return reject(ReasonRestricted, fmt.Sprintf("debits are restricted on account %s", acct.ID))
			}
			if p.Direction == posting.DirectionCredit && acct.Restricted(account.RestrictionPreventCredits) {
				return reject(ReasonRestricted, fmt.Sprintf("credits are restricted on account %s", acct.ID))
			}
		}
	}
	return Decision{Accepted: true}
}

// runPreCommit invokes the policy hook under the account's circuit breaker,
// bounded by the remaining wall-clock budget. The hook sees only the reads
// its policy declared.
func (v *Validator) runPreCommit(ctx context.Context, batch *posting.Batch, acct *account.Account, snap balance.Snapshot, pol *policy.Policy) (Decision, error) {
	breaker := v.breakers.Get(acct.ID)

	var result policy.PreCommitResult
	err := breaker.Execute(func() error {
		pc := policy.PreCommitContext{
			Account:  acct.View(),
			Batch:    batch,
			Balances: policy.NewScopedReader(snap, pol.Requirements),
			Now:      time.Now().UTC(),
		}

		done := make(chan struct{})
		go func() {
			result = pol.PreCommit(ctx, pc)
			close(done)
		}()

		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ErrTimeoutExceeded
		}
	})
	if err != nil {
		if errors.Is(err, circuit.ErrCircuitOpen) || errors.Is(err, circuit.ErrTooManyRequests) {
			return reject(ReasonAccountFlagged,
				fmt.Sprintf("decision path for account %s is disabled pending remediation", acct.ID)), nil
		}
		return Decision{}, err
	}

	if !result.Accepted {
		code := result.ReasonCode
		if code == "" {
			code = ReasonPolicyReject
		}
		return reject(code, result.Message), nil
	}
	return Decision{Accepted: true, Directive: result.Directive}, nil
}
