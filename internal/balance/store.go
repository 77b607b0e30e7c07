package balance

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vaultedge/coreledger/internal/posting"
)

var (
	// ErrAccountNotFound indicates the account has no balance records.
	ErrAccountNotFound = errors.New("account not found")
	// ErrStaleSnapshot indicates the optimistic-concurrency token no longer
	// matches the account head; the caller must re-read and retry.
	ErrStaleSnapshot = errors.New("stale balance snapshot")
)

// Key is the 4-tuple a balance value is keyed by within one account.
type Key struct {
	AssetType    string
	Denomination string
	Address      string
	Phase        posting.Phase
}

// Delta is one signed balance movement at a key, carrying the value timestamp
// used by as-of queries.
type Delta struct {
	Key       Key
	Amount    decimal.Decimal
	ValueTime time.Time
}

// AccountDeltas pairs one account's expected head version with the deltas a
// batch applies to it.
type AccountDeltas struct {
	AccountID string
	Version   int64
	Deltas    []Delta
}

// Snapshot is a consistent point-in-time view of one account's balances.
// Version is the optimistic-concurrency token expected by ApplyDeltas.
type Snapshot struct {
	AccountID string
	Version   int64
	AsOf      time.Time
	Balances  map[Key]decimal.Decimal
}

// Balance returns the value at a key, zero if the key has never been posted.
func (s Snapshot) Balance(k Key) decimal.Decimal {
	return s.Balances[k]
}

// Live sums the three phases for an (asset type, denomination, address).
func (s Snapshot) Live(assetType, denomination, address string) decimal.Decimal {
	total := decimal.Zero
	for _, ph := range posting.Phases {
		total = total.Add(s.Balances[Key{assetType, denomination, address, ph}])
	}
	return total
}

// Store holds current and historical balances per account. All mutation
// funnels through ApplyBatch; every other component treats balances as
// read-only.
type Store interface {
	// CreateAccount initializes an empty balance head for an account.
	CreateAccount(ctx context.Context, accountID string) error

	// Snapshot returns the current consistent view of an account.
	Snapshot(ctx context.Context, accountID string) (Snapshot, error)

	// SnapshotAsOf returns the balances as of a value timestamp, computed
	// from the append-only delta log. Backdated postings applied later are
	// reflected in earlier as-of views.
	SnapshotAsOf(ctx context.Context, accountID string, asOf time.Time) (Snapshot, error)

	// ApplyDeltas atomically applies a set of deltas to one account. The
	// version must match the current head or ErrStaleSnapshot is returned.
	// ref ties the journal entries back to the committing batch.
	ApplyDeltas(ctx context.Context, accountID string, version int64, deltas []Delta, ref string) (Snapshot, error)

	// ApplyBatch atomically applies deltas across several accounts. Every
	// version must match its head first; on any mismatch ErrStaleSnapshot
	// is returned and no account is mutated.
	ApplyBatch(ctx context.Context, ops []AccountDeltas, ref string) (map[string]Snapshot, error)
}
