package balance

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// checkpointInterval bounds journal replay for crash recovery. As-of queries
// always replay the value-time-filtered journal because backdated entries may
// land behind any checkpoint.
const checkpointInterval = 128

type journalEntry struct {
	seq       int64
	ref       string
	key       Key
	amount    decimal.Decimal
	valueTime time.Time
	appliedAt time.Time
}

type checkpoint struct {
	seq      int64
	balances map[Key]decimal.Decimal
}

type accountLedger struct {
	version     int64
	current     map[Key]decimal.Decimal
	journal     []journalEntry
	checkpoints []checkpoint
	nextSeq     int64
}

// MemoryStore is the in-process Store: a versioned head per account over an
// append-only delta journal with periodic checkpoints.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*accountLedger
}

// NewMemoryStore creates an empty in-memory balance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*accountLedger)}
}

func (m *MemoryStore) CreateAccount(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[accountID]; ok {
		return nil
	}
	m.accounts[accountID] = &accountLedger{
		current: make(map[Key]decimal.Decimal),
		nextSeq: 1,
	}
	return nil
}

func (m *MemoryStore) Snapshot(_ context.Context, accountID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	led, ok := m.accounts[accountID]
	if !ok {
		return Snapshot{}, ErrAccountNotFound
	}
	return Snapshot{
		AccountID: accountID,
		Version:   led.version,
		AsOf:      time.Now().UTC(),
		Balances:  cloneBalances(led.current),
	}, nil
}

func (m *MemoryStore) SnapshotAsOf(_ context.Context, accountID string, asOf time.Time) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	led, ok := m.accounts[accountID]
	if !ok {
		return Snapshot{}, ErrAccountNotFound
	}

	balances := make(map[Key]decimal.Decimal)
	for _, e := range led.journal {
		if e.valueTime.After(asOf) {
			continue
		}
		balances[e.key] = balances[e.key].Add(e.amount)
	}
	return Snapshot{
		AccountID: accountID,
		Version:   led.version,
		AsOf:      asOf,
		Balances:  balances,
	}, nil
}

func (m *MemoryStore) ApplyDeltas(ctx context.Context, accountID string, version int64, deltas []Delta, ref string) (Snapshot, error) {
	snaps, err := m.ApplyBatch(ctx, []AccountDeltas{{AccountID: accountID, Version: version, Deltas: deltas}}, ref)
	if err != nil {
		return Snapshot{}, err
	}
	return snaps[accountID], nil
}

func (m *MemoryStore) ApplyBatch(_ context.Context, ops []AccountDeltas, ref string) (map[string]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Verify every head before touching any ledger; a stale version on the
	// last account must leave the first untouched.
	ledgers := make([]*accountLedger, len(ops))
	for i, op := range ops {
		led, ok := m.accounts[op.AccountID]
		if !ok {
			return nil, ErrAccountNotFound
		}
		if led.version != op.Version {
			return nil, ErrStaleSnapshot
		}
		ledgers[i] = led
	}

	now := time.Now().UTC()
	snaps := make(map[string]Snapshot, len(ops))
	for i, op := range ops {
		led := ledgers[i]
		for _, d := range op.Deltas {
			led.journal = append(led.journal, journalEntry{
				seq:       led.nextSeq,
				ref:       ref,
				key:       d.Key,
				amount:    d.Amount,
				valueTime: d.ValueTime,
				appliedAt: now,
			})
			led.nextSeq++
			led.current[d.Key] = led.current[d.Key].Add(d.Amount)
		}
		led.version++

		if len(led.journal) > 0 && led.nextSeq%checkpointInterval == 0 {
			led.checkpoints = append(led.checkpoints, checkpoint{
				seq:      led.nextSeq - 1,
				balances: cloneBalances(led.current),
			})
		}

		snaps[op.AccountID] = Snapshot{
			AccountID: op.AccountID,
			Version:   led.version,
			AsOf:      now,
			Balances:  cloneBalances(led.current),
		}
	}
	return snaps, nil
}

func cloneBalances(src map[Key]decimal.Decimal) map[Key]decimal.Decimal {
	dst := make(map[Key]decimal.Decimal, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
