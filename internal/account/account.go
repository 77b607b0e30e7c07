// Package account owns the account aggregate: lifecycle status, instance
// parameters, stakeholders, restrictions, and the policy reference. Accounts
// are mutated only through validated state transitions.
package account

import (
	"errors"
	"fmt"
	"time"

	"github.com/vaultedge/coreledger/internal/policy"
)

// Status is the lifecycle state of an account.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusCancelled      Status = "CANCELLED"
	StatusOpen           Status = "OPEN"
	StatusPendingClosure Status = "PENDING_CLOSURE"
	StatusClosed         Status = "CLOSED"
)

// transitions enumerates the legal lifecycle edges. Cancelled is terminal
// from Pending; Closed is terminal from PendingClosure.
var transitions = map[Status][]Status{
	StatusPending:        {StatusOpen, StatusCancelled},
	StatusOpen:           {StatusPendingClosure},
	StatusPendingClosure: {StatusClosed, StatusOpen},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Restriction blocks a class of operations on an account.
type Restriction string

const (
	RestrictionPreventDebits  Restriction = "PREVENT_DEBITS"
	RestrictionPreventCredits Restriction = "PREVENT_CREDITS"
	RestrictionPreventClosure Restriction = "PREVENT_CLOSURE"
)

// DefaultAddress is the address every account starts with. The invariant is
// that an account always has at least one address.
const DefaultAddress = "DEFAULT"

var (
	// ErrNotFound indicates the account does not exist.
	ErrNotFound = errors.New("account not found")
	// ErrInvalidTransition indicates a lifecycle edge that is not allowed.
	ErrInvalidTransition = errors.New("invalid account status transition")
)

// Account is the account aggregate.
type Account struct {
	ID           string                      `json:"id"`
	Status       Status                      `json:"status"`
	PolicyRef    policy.Ref                  `json:"policy_ref"`
	Params       map[string]string           `json:"params"`
	Stakeholders []string                    `json:"stakeholders"`
	Restrictions map[Restriction]struct{}    `json:"-"`
	Details      map[string]string           `json:"details"`
	Addresses    []string                    `json:"addresses"`
	Flagged      bool                        `json:"flagged"`
	CreatedAt    time.Time                   `json:"created_at"`
	UpdatedAt    time.Time                   `json:"updated_at"`
}

// Restricted reports whether the account carries the given restriction.
func (a *Account) Restricted(r Restriction) bool {
	_, ok := a.Restrictions[r]
	return ok
}

// RestrictionList returns the active restrictions as strings.
func (a *Account) RestrictionList() []string {
	out := make([]string, 0, len(a.Restrictions))
	for r := range a.Restrictions {
		out = append(out, string(r))
	}
	return out
}

// View returns the immutable context handed to policy hooks.
func (a *Account) View() policy.AccountView {
	params := make(map[string]string, len(a.Params))
	for k, v := range a.Params {
		params[k] = v
	}
	return policy.AccountView{
		ID:           a.ID,
		Status:       string(a.Status),
		PolicyRef:    a.PolicyRef,
		Params:       params,
		Restrictions: a.RestrictionList(),
	}
}

func (a *Account) clone() *Account {
	cp := *a
	cp.Params = make(map[string]string, len(a.Params))
	for k, v := range a.Params {
		cp.Params[k] = v
	}
	cp.Details = make(map[string]string, len(a.Details))
	for k, v := range a.Details {
		cp.Details[k] = v
	}
	cp.Restrictions = make(map[Restriction]struct{}, len(a.Restrictions))
	for r := range a.Restrictions {
		cp.Restrictions[r] = struct{}{}
	}
	cp.Stakeholders = append([]string(nil), a.Stakeholders...)
	cp.Addresses = append([]string(nil), a.Addresses...)
	return &cp
}

func (a *Account) transition(to Status) error {
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}
	a.Status = to
	a.UpdatedAt = time.Now().UTC()
	return nil
}
