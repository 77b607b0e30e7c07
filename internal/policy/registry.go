package policy

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/vaultedge/coreledger/internal/balance"
	"github.com/vaultedge/coreledger/internal/posting"
)

// Registry holds activated policy versions. Registration is where the
// declared read set is verified; an unverifiable policy never reaches the
// commit path.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]*Policy
}

// NewRegistry creates an empty policy registry.
func NewRegistry() *Registry {
	return &Registry{policies: make(map[string]*Policy)}
}

// Register verifies and stores a policy version. A policy whose data
// requirements fail static verification is a configuration error.
func (r *Registry) Register(p *Policy) error {
	if p == nil {
		return fmt.Errorf("policy is nil")
	}
	if p.Ref.Name == "" || p.Ref.Version <= 0 {
		return fmt.Errorf("policy ref %q is not an activated version", p.Ref)
	}
	if err := p.Requirements.Verify(); err != nil {
		return fmt.Errorf("policy %s: %w", p.Ref, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.Ref.String()] = p
	return nil
}

// Resolve returns the policy for an activated reference.
func (r *Registry) Resolve(ref Ref) (*Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[ref.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, ref)
	}
	return p, nil
}

// BalanceReader is the read surface hooks see. Reads outside the declared
// requirements fail with ErrReadOutOfScope.
type BalanceReader interface {
	Balance(assetType, denomination, address string, phase posting.Phase) (decimal.Decimal, error)
	Live(assetType, denomination, address string) (decimal.Decimal, error)
}

type scopedReader struct {
	snap balance.Snapshot
	req  DataRequirements
}

// NewScopedReader wraps a snapshot so that hooks can only read what their
// policy declared.
func NewScopedReader(snap balance.Snapshot, req DataRequirements) BalanceReader {
	return &scopedReader{snap: snap, req: req}
}

func (s *scopedReader) Balance(assetType, denomination, address string, phase posting.Phase) (decimal.Decimal, error) {
	if !s.req.allowsBalance(address, phase) {
		return decimal.Zero, fmt.Errorf("%w: address=%s phase=%s", ErrReadOutOfScope, address, phase)
	}
	return s.snap.Balance(balance.Key{
		AssetType:    assetType,
		Denomination: denomination,
		Address:      address,
		Phase:        phase,
	}), nil
}

func (s *scopedReader) Live(assetType, denomination, address string) (decimal.Decimal, error) {
	for _, ph := range posting.Phases {
		if !s.req.allowsBalance(address, ph) {
			return decimal.Zero, fmt.Errorf("%w: address=%s phase=%s", ErrReadOutOfScope, address, ph)
		}
	}
	return s.snap.Live(assetType, denomination, address), nil
}
