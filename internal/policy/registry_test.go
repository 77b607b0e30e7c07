package policy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultedge/coreledger/internal/balance"
	"github.com/vaultedge/coreledger/internal/posting"
)

func TestParseRef(t *testing.T) {
	t.Run("round trips", func(t *testing.T) {
		ref, err := ParseRef("overdraft-check@v3")
		require.NoError(t, err)
		assert.Equal(t, Ref{Name: "overdraft-check", Version: 3}, ref)
		assert.Equal(t, "overdraft-check@v3", ref.String())
	})

	t.Run("rejects malformed refs", func(t *testing.T) {
		for _, s := range []string{"", "no-version", "@v1", "name@vX", "name@v0"} {
			_, err := ParseRef(s)
			assert.Error(t, err, s)
		}
	})
}

func TestRegistryRegister(t *testing.T) {
	t.Run("rejects unversioned refs", func(t *testing.T) {
		r := NewRegistry()
		err := r.Register(&Policy{Ref: Ref{Name: "p"}})
		assert.Error(t, err)
	})

	t.Run("rejects empty allow-lists", func(t *testing.T) {
		r := NewRegistry()
		err := r.Register(&Policy{
			Ref: Ref{Name: "p", Version: 1},
			Requirements: DataRequirements{
				Balances: []BalanceWindow{{Lookback: time.Hour}},
			},
		})
		assert.Error(t, err)
	})

	t.Run("rejects unbounded lookback", func(t *testing.T) {
		r := NewRegistry()
		err := r.Register(&Policy{
			Ref: Ref{Name: "p", Version: 1},
			Requirements: DataRequirements{
				Balances: []BalanceWindow{{
					Addresses: []string{"DEFAULT"},
					Phases:    []posting.Phase{posting.PhaseCommitted},
					Lookback:  MaxLookback + time.Hour,
				}},
			},
		})
		assert.Error(t, err)
	})

	t.Run("resolves a registered version", func(t *testing.T) {
		r := NewRegistry()
		ref := Ref{Name: "p", Version: 2}
		require.NoError(t, r.Register(&Policy{Ref: ref}))

		pol, err := r.Resolve(ref)
		require.NoError(t, err)
		assert.Equal(t, ref, pol.Ref)

		_, err = r.Resolve(Ref{Name: "p", Version: 3})
		assert.ErrorIs(t, err, ErrPolicyNotFound)
	})
}

func TestScopedReader(t *testing.T) {
	key := balance.Key{
		AssetType:    "COMMERCIAL_BANK_MONEY",
		Denomination: "USD",
		Address:      "DEFAULT",
		Phase:        posting.PhaseCommitted,
	}
	snap := balance.Snapshot{
		AccountID: "acc-1",
		Balances: map[balance.Key]decimal.Decimal{
			key: decimal.RequireFromString("250"),
		},
	}
	req := DataRequirements{
		Balances: []BalanceWindow{{
			Addresses: []string{"DEFAULT"},
			Phases:    []posting.Phase{posting.PhaseCommitted},
			Lookback:  24 * time.Hour,
		}},
	}
	reader := NewScopedReader(snap, req)

	t.Run("declared reads succeed", func(t *testing.T) {
		v, err := reader.Balance("COMMERCIAL_BANK_MONEY", "USD", "DEFAULT", posting.PhaseCommitted)
		require.NoError(t, err)
		assert.True(t, v.Equal(decimal.RequireFromString("250")))
	})

	t.Run("undeclared address is out of scope", func(t *testing.T) {
		_, err := reader.Balance("COMMERCIAL_BANK_MONEY", "USD", "SAVINGS_POT", posting.PhaseCommitted)
		assert.ErrorIs(t, err, ErrReadOutOfScope)
	})

	t.Run("undeclared phase is out of scope", func(t *testing.T) {
		_, err := reader.Balance("COMMERCIAL_BANK_MONEY", "USD", "DEFAULT", posting.PhasePendingIncoming)
		assert.ErrorIs(t, err, ErrReadOutOfScope)
	})

	t.Run("live read needs all three phases declared", func(t *testing.T) {
		_, err := reader.Live("COMMERCIAL_BANK_MONEY", "USD", "DEFAULT")
		assert.ErrorIs(t, err, ErrReadOutOfScope)

		full := DataRequirements{
			Balances: []BalanceWindow{{
				Addresses: []string{"DEFAULT"},
				Phases:    posting.Phases,
				Lookback:  24 * time.Hour,
			}},
		}
		v, err := NewScopedReader(snap, full).Live("COMMERCIAL_BANK_MONEY", "USD", "DEFAULT")
		require.NoError(t, err)
		assert.True(t, v.Equal(decimal.RequireFromString("250")))
	})
}
