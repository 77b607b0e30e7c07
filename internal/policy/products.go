package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vaultedge/coreledger/internal/posting"
)

// Reason codes raised by the standard product policies.
const (
	ReasonOverdraftExceeded = "OVERDRAFT_LIMIT_EXCEEDED"
	ReasonInvalidParameter  = "INVALID_PARAMETER"
)

// StandardProducts returns the deployment's built-in product policies. They
// are registered at startup; accounts reference them through pinned refs.
func StandardProducts() []*Policy {
	return []*Policy{depositCore(), treasuryCore()}
}

// depositCore is the plain deposit product: committed balances on the
// default address may not go below the account's overdraft limit.
func depositCore() *Policy {
	return &Policy{
		Ref: Ref{Name: "deposit-core", Version: 1},
		Requirements: DataRequirements{
			Balances: []BalanceWindow{{
				Addresses: []string{"DEFAULT"},
				Phases:    []posting.Phase{posting.PhaseCommitted},
				Lookback:  24 * time.Hour,
			}},
		},
		PreCommit: func(_ context.Context, pc PreCommitContext) PreCommitResult {
			limit := decimal.Zero
			if raw, ok := pc.Account.Params["overdraft_limit"]; ok {
				parsed, err := decimal.NewFromString(raw)
				if err != nil {
					return Reject(ReasonInvalidParameter,
						fmt.Sprintf("overdraft_limit %q is not a decimal", raw))
				}
				limit = parsed
			}

			// Project the batch's committed-phase movement per (asset,
			// denomination) on top of the current balance.
			projected := make(map[[2]string]decimal.Decimal)
			for _, in := range pc.Batch.Instructions {
				for _, p := range in.Postings {
					if p.AccountID != pc.Account.ID ||
						p.Dimensions.Address != "DEFAULT" ||
						p.Dimensions.Phase != posting.PhaseCommitted {
						continue
					}
					bucket := [2]string{p.Dimensions.AssetType, p.Dimensions.Denomination}
					if _, seen := projected[bucket]; !seen {
						current, err := pc.Balances.Balance(
							p.Dimensions.AssetType, p.Dimensions.Denomination,
							"DEFAULT", posting.PhaseCommitted)
						if err != nil {
							return Reject(ReasonInvalidParameter, err.Error())
						}
						projected[bucket] = current
					}
					projected[bucket] = projected[bucket].Add(p.Delta())
				}
			}
			for bucket, total := range projected {
				if total.LessThan(limit.Neg()) {
					return Reject(ReasonOverdraftExceeded, fmt.Sprintf(
						"projected %s/%s balance %s exceeds overdraft limit %s",
						bucket[0], bucket[1], total, limit))
				}
			}
			return Accept()
		},
	}
}

// treasuryCore covers the bank's own mirror accounts, which absorb the
// opposite side of customer postings and may run negative freely.
func treasuryCore() *Policy {
	return &Policy{Ref: Ref{Name: "treasury-core", Version: 1}}
}
