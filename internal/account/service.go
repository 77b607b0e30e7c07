package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vaultedge/coreledger/internal/balance"
	"github.com/vaultedge/coreledger/internal/policy"
)

// Service is the account registry plus the lifecycle operations that invoke
// policy hooks: activation, deactivation, parameter changes, derived
// parameter reads, and conversion between policy versions.
type Service struct {
	mu       sync.RWMutex
	accounts map[string]*Account

	policies *policy.Registry
	balances balance.Store
	logger   *zap.Logger
}

// NewService creates an account service.
func NewService(policies *policy.Registry, balances balance.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		accounts: make(map[string]*Account),
		policies: policies,
		balances: balances,
		logger:   logger,
	}
}

// Create registers a new Pending account with the default address and
// initializes its balance head.
func (s *Service) Create(ctx context.Context, id string, ref policy.Ref, params map[string]string, stakeholders []string) (*Account, error) {
	if _, err := s.policies.Resolve(ref); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, exists := s.accounts[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("account %s already exists", id)
	}
	now := time.Now().UTC()
	if params == nil {
		params = make(map[string]string)
	}
	acct := &Account{
		ID:           id,
		Status:       StatusPending,
		PolicyRef:    ref,
		Params:       params,
		Stakeholders: stakeholders,
		Restrictions: make(map[Restriction]struct{}),
		Details:      make(map[string]string),
		Addresses:    []string{DefaultAddress},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.accounts[id] = acct
	s.mu.Unlock()

	if err := s.balances.CreateAccount(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to initialize balances: %w", err)
	}

	s.logger.Info("account created",
		zap.String("account_id", id),
		zap.String("policy", ref.String()),
	)
	return acct.clone(), nil
}

// Get returns a copy of the account.
func (s *Service) Get(_ context.Context, id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return acct.clone(), nil
}

// List returns copies of all accounts.
func (s *Service) List(_ context.Context) []*Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		out = append(out, acct.clone())
	}
	return out
}

// Activate runs the activation hook and moves Pending -> Open.
func (s *Service) Activate(ctx context.Context, id string) error {
	acct, pol, err := s.resolve(id)
	if err != nil {
		return err
	}
	if pol.Activation != nil {
		if err := pol.Activation(ctx, acct.View()); err != nil {
			return fmt.Errorf("activation hook rejected account %s: %w", id, err)
		}
	}
	return s.transition(id, StatusOpen)
}

// Cancel moves Pending -> Cancelled. Terminal.
func (s *Service) Cancel(_ context.Context, id string) error {
	return s.transition(id, StatusCancelled)
}

// RequestClosure moves Open -> PendingClosure unless closure is restricted.
func (s *Service) RequestClosure(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	if acct.Restricted(RestrictionPreventClosure) {
		return fmt.Errorf("account %s: closure is restricted", id)
	}
	return acct.transition(StatusPendingClosure)
}

// Close runs the deactivation hook and moves PendingClosure -> Closed.
func (s *Service) Close(ctx context.Context, id string) error {
	acct, pol, err := s.resolve(id)
	if err != nil {
		return err
	}
	if pol.Deactivation != nil {
		if err := pol.Deactivation(ctx, acct.View()); err != nil {
			return fmt.Errorf("deactivation hook rejected account %s: %w", id, err)
		}
	}
	return s.transition(id, StatusClosed)
}

// SetParams routes an instance-parameter update through the pre and post
// parameter-change hooks. The pre hook may rewrite the update set.
func (s *Service) SetParams(ctx context.Context, id string, updates map[string]string) error {
	acct, pol, err := s.resolve(id)
	if err != nil {
		return err
	}

	pc := policy.ParameterChangeContext{
		Account: acct.View(),
		Updates: updates,
		Now:     time.Now().UTC(),
	}
	if pol.PreParameterChange != nil {
		rewritten, err := pol.PreParameterChange(ctx, pc)
		if err != nil {
			return fmt.Errorf("parameter change rejected for account %s: %w", id, err)
		}
		if rewritten != nil {
			updates = rewritten
		}
	}

	s.mu.Lock()
	live, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	for k, v := range updates {
		live.Params[k] = v
	}
	live.UpdatedAt = time.Now().UTC()
	view := live.View()
	s.mu.Unlock()

	if pol.PostParameterChange != nil {
		pol.PostParameterChange(ctx, policy.ParameterChangeContext{
			Account: view,
			Updates: updates,
			Now:     time.Now().UTC(),
		})
	}
	return nil
}

// DerivedParam serves a derived-parameter read from the policy hook.
func (s *Service) DerivedParam(ctx context.Context, id, name string) (string, error) {
	acct, pol, err := s.resolve(id)
	if err != nil {
		return "", err
	}
	if pol.DerivedParameter == nil {
		return "", fmt.Errorf("policy %s has no derived parameters", acct.PolicyRef)
	}
	return pol.DerivedParameter(ctx, acct.View(), name)
}

// Convert runs the conversion hook and re-points the account at a new
// activated policy version.
func (s *Service) Convert(ctx context.Context, id string, target policy.Ref) error {
	if _, err := s.policies.Resolve(target); err != nil {
		return err
	}
	acct, pol, err := s.resolve(id)
	if err != nil {
		return err
	}
	if pol.Conversion != nil {
		if err := pol.Conversion(ctx, acct.View(), target); err != nil {
			return fmt.Errorf("conversion rejected for account %s: %w", id, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	live, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	live.PolicyRef = target
	live.UpdatedAt = time.Now().UTC()
	return nil
}

// AddRestriction attaches a restriction to the account.
func (s *Service) AddRestriction(_ context.Context, id string, r Restriction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	acct.Restrictions[r] = struct{}{}
	acct.UpdatedAt = time.Now().UTC()
	return nil
}

// RemoveRestriction detaches a restriction from the account.
func (s *Service) RemoveRestriction(_ context.Context, id string, r Restriction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	delete(acct.Restrictions, r)
	acct.UpdatedAt = time.Now().UTC()
	return nil
}

// Flag marks an account for manual remediation. Used when the account's
// validation path repeatedly times out, which functionally disables postings.
func (s *Service) Flag(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	acct.Flagged = true
	acct.Details["remediation_reason"] = reason
	acct.UpdatedAt = time.Now().UTC()
	s.logger.Warn("account flagged for remediation",
		zap.String("account_id", id),
		zap.String("reason", reason),
	)
	return nil
}

func (s *Service) resolve(id string) (*Account, *policy.Policy, error) {
	s.mu.RLock()
	acct, ok := s.accounts[id]
	if !ok {
		s.mu.RUnlock()
		return nil, nil, ErrNotFound
	}
	cp := acct.clone()
	s.mu.RUnlock()

	pol, err := s.policies.Resolve(cp.PolicyRef)
	if err != nil {
		return nil, nil, err
	}
	return cp, pol, nil
}

func (s *Service) transition(id string, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	return acct.transition(to)
}
