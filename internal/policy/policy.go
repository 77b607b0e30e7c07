// Package policy defines the decision-policy boundary: pluggable hooks
// invoked at account lifecycle points, each with a declared, statically
// verified read set. Policies are referenced by versioned, externally
// validated configuration; the core never consumes raw policy text.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vaultedge/coreledger/internal/posting"
)

// Ref identifies an activated policy version supplied by the configuration
// loader.
type Ref struct {
	Name    string `json:"name"`
	Version int64  `json:"version"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s@v%d", r.Name, r.Version)
}

// ParseRef parses the "name@vN" form used by the configuration store.
func ParseRef(s string) (Ref, error) {
	at := strings.LastIndex(s, "@v")
	if at <= 0 {
		return Ref{}, fmt.Errorf("malformed policy ref %q, want name@vN", s)
	}
	version, err := strconv.ParseInt(s[at+2:], 10, 64)
	if err != nil || version < 1 {
		return Ref{}, fmt.Errorf("malformed policy ref version in %q", s)
	}
	return Ref{Name: s[:at], Version: version}, nil
}

// HookPoint is a lifecycle point at which a policy hook may run.
type HookPoint string

const (
	HookActivation          HookPoint = "ACTIVATION"
	HookPreCommit           HookPoint = "PRE_COMMIT"
	HookPostCommit          HookPoint = "POST_COMMIT"
	HookScheduleFire        HookPoint = "SCHEDULE_FIRE"
	HookPreParameterChange  HookPoint = "PRE_PARAMETER_CHANGE"
	HookPostParameterChange HookPoint = "POST_PARAMETER_CHANGE"
	HookDerivedParameter    HookPoint = "DERIVED_PARAMETER"
	HookConversion          HookPoint = "CONVERSION"
	HookDeactivation        HookPoint = "DEACTIVATION"
)

// MaxLookback bounds how far back a policy's declared windows may read.
const MaxLookback = 400 * 24 * time.Hour

var (
	// ErrReadOutOfScope indicates a hook attempted a read outside its
	// declared data requirements.
	ErrReadOutOfScope = errors.New("balance read outside declared data requirements")
	// ErrPolicyNotFound indicates no policy is registered for a reference.
	ErrPolicyNotFound = errors.New("policy not found")
)

// BalanceWindow declares one allowed slice of balance reads. Addresses and
// phases are explicit allow-lists; an empty list is a configuration error,
// not a wildcard.
type BalanceWindow struct {
	Addresses []string
	Phases    []posting.Phase
	Lookback  time.Duration
}

// PostingWindow declares how far back committed postings may be read.
type PostingWindow struct {
	Lookback time.Duration
}

// DataRequirements is the full declared read set of a policy. Validator
// reads are restricted to exactly this set; unconstrained ad hoc reads are
// rejected at registration time.
type DataRequirements struct {
	Balances []BalanceWindow
	Postings []PostingWindow
}

// Verify checks the requirements statically: every window must be an
// explicit, bounded allow-list.
func (r DataRequirements) Verify() error {
	for i, w := range r.Balances {
		if len(w.Addresses) == 0 {
			return fmt.Errorf("balance window %d: address allow-list is empty", i)
		}
		if len(w.Phases) == 0 {
			return fmt.Errorf("balance window %d: phase allow-list is empty", i)
		}
		if w.Lookback < 0 || w.Lookback > MaxLookback {
			return fmt.Errorf("balance window %d: lookback %s out of bounds", i, w.Lookback)
		}
	}
	for i, w := range r.Postings {
		if w.Lookback <= 0 || w.Lookback > MaxLookback {
			return fmt.Errorf("posting window %d: lookback %s out of bounds", i, w.Lookback)
		}
	}
	return nil
}

func (r DataRequirements) allowsBalance(address string, phase posting.Phase) bool {
	for _, w := range r.Balances {
		addrOK := false
		for _, a := range w.Addresses {
			if a == address {
				addrOK = true
				break
			}
		}
		if !addrOK {
			continue
		}
		for _, p := range w.Phases {
			if p == phase {
				return true
			}
		}
	}
	return false
}

// AccountView is the immutable account context handed to hooks.
type AccountView struct {
	ID           string
	Status       string
	PolicyRef    Ref
	Params       map[string]string
	Restrictions []string
}

// PostingDirective is a consolidated set of instructions a hook asks the
// ledger to commit. Directive postings always go through a second, explicit
// commit call; they are never merged into the triggering batch. The result
// set is restricted to one consolidated directive to preserve atomicity.
type PostingDirective struct {
	ClientBatchID string
	Instructions  []posting.Instruction
}

// PreCommitResult is the terminal accept/reject decision of the pre-commit
// hook. Rejections carry a machine reason code plus a human-readable message.
type PreCommitResult struct {
	Accepted   bool
	ReasonCode string
	Message    string
	Directive  *PostingDirective
}

// Accept returns an accepting pre-commit result.
func Accept() PreCommitResult {
	return PreCommitResult{Accepted: true}
}

// Reject returns a rejecting pre-commit result with a reason code.
func Reject(code, message string) PreCommitResult {
	return PreCommitResult{ReasonCode: code, Message: message}
}

// PreCommitContext is the immutable context for the pre-commit hook.
// Balances exposes only the reads declared by the policy's requirements.
type PreCommitContext struct {
	Account  AccountView
	Batch    *posting.Batch
	Balances BalanceReader
	Now      time.Time
}

// PostCommitContext is the context for the post-commit hook.
type PostCommitContext struct {
	Account  AccountView
	Batch    *posting.Batch
	Balances BalanceReader
	Now      time.Time
}

// ScheduleFireContext is the context for a schedule-fire hook.
type ScheduleFireContext struct {
	Account   AccountView
	JobRef    string
	Scheduled time.Time
	Balances  BalanceReader
	Now       time.Time
}

// ParameterChangeContext is the context for pre/post parameter change hooks.
type ParameterChangeContext struct {
	Account AccountView
	Updates map[string]string
	Now     time.Time
}

// Policy is the tagged-variant dispatch table: one pure function per
// lifecycle point, plus the declared read set. Nil hooks are no-ops.
type Policy struct {
	Ref          Ref
	Requirements DataRequirements

	Activation          func(ctx context.Context, acct AccountView) error
	PreCommit           func(ctx context.Context, pc PreCommitContext) PreCommitResult
	PostCommit          func(ctx context.Context, pc PostCommitContext) *PostingDirective
	ScheduleFire        func(ctx context.Context, sc ScheduleFireContext) *PostingDirective
	PreParameterChange  func(ctx context.Context, pc ParameterChangeContext) (map[string]string, error)
	PostParameterChange func(ctx context.Context, pc ParameterChangeContext)
	DerivedParameter    func(ctx context.Context, acct AccountView, name string) (string, error)
	Conversion          func(ctx context.Context, acct AccountView, target Ref) error
	Deactivation        func(ctx context.Context, acct AccountView) error
}
