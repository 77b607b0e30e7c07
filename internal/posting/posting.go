package posting

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Direction indicates which side of a fund movement a posting records.
type Direction string

const (
	// DirectionDebit decreases the balance at the posting's dimensions.
	DirectionDebit Direction = "DEBIT"
	// DirectionCredit increases the balance at the posting's dimensions.
	DirectionCredit Direction = "CREDIT"
)

// Phase identifies which balance layer a posting touches. The three phases
// are tracked independently and summed for live views.
type Phase string

const (
	PhasePendingIncoming Phase = "PENDING_INCOMING"
	PhasePendingOutgoing Phase = "PENDING_OUTGOING"
	PhaseCommitted       Phase = "COMMITTED"
)

// Phases lists all valid phases.
var Phases = []Phase{PhasePendingIncoming, PhasePendingOutgoing, PhaseCommitted}

func validPhase(p Phase) bool {
	switch p {
	case PhasePendingIncoming, PhasePendingOutgoing, PhaseCommitted:
		return true
	}
	return false
}

// Dimensions is the 4-tuple a balance value is keyed by.
type Dimensions struct {
	AssetType    string `json:"asset_type"`
	Denomination string `json:"denomination"`
	Address      string `json:"address"`
	Phase        Phase  `json:"phase"`
}

func (d Dimensions) validate() error {
	if strings.TrimSpace(d.AssetType) == "" {
		return fmt.Errorf("asset type is required")
	}
	if strings.TrimSpace(d.Denomination) == "" {
		return fmt.Errorf("denomination is required")
	}
	if strings.TrimSpace(d.Address) == "" {
		return fmt.Errorf("address is required")
	}
	if !validPhase(d.Phase) {
		return fmt.Errorf("invalid phase %q", d.Phase)
	}
	return nil
}

// Posting is a single directional fund movement against one account,
// specified across all four dimensions. Amounts are exact decimals; float64
// never enters amount arithmetic.
type Posting struct {
	AccountID  string          `json:"account_id"`
	Direction  Direction       `json:"direction"`
	Dimensions Dimensions      `json:"dimensions"`
	Amount     decimal.Decimal `json:"amount"`
	ValueTime  time.Time       `json:"value_time"`
}

// Delta returns the signed balance movement this posting applies:
// credits are positive, debits negative.
func (p Posting) Delta() decimal.Decimal {
	if p.Direction == DirectionDebit {
		return p.Amount.Neg()
	}
	return p.Amount
}

func (p Posting) validate() error {
	if strings.TrimSpace(p.AccountID) == "" {
		return fmt.Errorf("account id is required")
	}
	if p.Direction != DirectionDebit && p.Direction != DirectionCredit {
		return fmt.Errorf("invalid direction %q", p.Direction)
	}
	if !p.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s", p.Amount)
	}
	if p.ValueTime.IsZero() {
		return fmt.Errorf("value time is required")
	}
	return p.Dimensions.validate()
}

// InstructionKind is one of the nine defined posting instruction kinds.
type InstructionKind string

const (
	KindInboundAuthorization    InstructionKind = "INBOUND_AUTHORIZATION"
	KindOutboundAuthorization   InstructionKind = "OUTBOUND_AUTHORIZATION"
	KindAdjustmentAuthorization InstructionKind = "ADJUSTMENT_AUTHORIZATION"
	KindSettlement              InstructionKind = "SETTLEMENT"
	KindInboundHardSettlement   InstructionKind = "INBOUND_HARD_SETTLEMENT"
	KindOutboundHardSettlement  InstructionKind = "OUTBOUND_HARD_SETTLEMENT"
	KindTransfer                InstructionKind = "TRANSFER"
	KindRelease                 InstructionKind = "RELEASE"
	KindCustom                  InstructionKind = "CUSTOM"
)

// allowedPhases constrains which balance phases each instruction kind may
// touch. Custom instructions may touch any phase.
var allowedPhases = map[InstructionKind][]Phase{
	KindInboundAuthorization:    {PhasePendingIncoming},
	KindOutboundAuthorization:   {PhasePendingOutgoing},
	KindAdjustmentAuthorization: {PhasePendingIncoming, PhasePendingOutgoing},
	KindSettlement:              {PhasePendingIncoming, PhasePendingOutgoing, PhaseCommitted},
	KindInboundHardSettlement:   {PhaseCommitted},
	KindOutboundHardSettlement:  {PhaseCommitted},
	KindTransfer:                {PhaseCommitted},
	KindRelease:                 {PhasePendingIncoming, PhasePendingOutgoing},
	KindCustom:                  {PhasePendingIncoming, PhasePendingOutgoing, PhaseCommitted},
}

// Instruction is a balanced set of postings of one kind. Sum of debits must
// equal sum of credits per (asset type, denomination).
type Instruction struct {
	ID       uuid.UUID       `json:"id"`
	Kind     InstructionKind `json:"kind"`
	Postings []Posting       `json:"postings"`
}

// Validate checks structural validity: known kind, non-empty postings, each
// posting well formed and within the kind's allowed phases.
func (in Instruction) Validate() error {
	phases, ok := allowedPhases[in.Kind]
	if !ok {
		return fmt.Errorf("unknown instruction kind %q", in.Kind)
	}
	if len(in.Postings) == 0 {
		return fmt.Errorf("instruction %s has no postings", in.ID)
	}
	for i, p := range in.Postings {
		if err := p.validate(); err != nil {
			return fmt.Errorf("posting %d: %w", i, err)
		}
		allowed := false
		for _, ph := range phases {
			if p.Dimensions.Phase == ph {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("posting %d: phase %s not allowed for kind %s", i, p.Dimensions.Phase, in.Kind)
		}
	}
	return nil
}

// Balanced reports whether debits equal credits per (asset type, denomination).
func (in Instruction) Balanced() bool {
	type bucket struct{ asset, denom string }
	sums := make(map[bucket]decimal.Decimal)
	for _, p := range in.Postings {
		b := bucket{p.Dimensions.AssetType, p.Dimensions.Denomination}
		sums[b] = sums[b].Add(p.Delta())
	}
	for _, sum := range sums {
		if !sum.IsZero() {
			return false
		}
	}
	return true
}

// Batch is an ordered, atomic set of instructions sharing a client batch id.
// Acceptance is all-or-nothing; a committed batch is immutable.
type Batch struct {
	ID            uuid.UUID     `json:"id"`
	ClientBatchID string        `json:"client_batch_id"`
	Instructions  []Instruction `json:"instructions"`
	CreatedAt     time.Time     `json:"created_at"`
}

// NewBatch assigns identities to a batch and its instructions.
func NewBatch(clientBatchID string, instructions []Instruction) *Batch {
	for i := range instructions {
		if instructions[i].ID == uuid.Nil {
			instructions[i].ID = uuid.New()
		}
	}
	return &Batch{
		ID:            uuid.New(),
		ClientBatchID: clientBatchID,
		Instructions:  instructions,
		CreatedAt:     time.Now().UTC(),
	}
}

// Validate checks the batch and every instruction in it. It does not check
// balancing; callers reject unbalanced instructions with a reason code.
func (b *Batch) Validate() error {
	if strings.TrimSpace(b.ClientBatchID) == "" {
		return fmt.Errorf("client batch id is required")
	}
	if len(b.Instructions) == 0 {
		return fmt.Errorf("batch has no instructions")
	}
	for i, in := range b.Instructions {
		if err := in.Validate(); err != nil {
			return fmt.Errorf("instruction %d: %w", i, err)
		}
	}
	return nil
}

// Balanced reports whether every instruction in the batch is balanced.
func (b *Batch) Balanced() bool {
	for _, in := range b.Instructions {
		if !in.Balanced() {
			return false
		}
	}
	return true
}

// AccountIDs returns the sorted, de-duplicated set of accounts the batch
// touches. Lock acquisition relies on this ordering.
func (b *Batch) AccountIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, in := range b.Instructions {
		for _, p := range in.Postings {
			if _, ok := seen[p.AccountID]; !ok {
				seen[p.AccountID] = struct{}{}
				ids = append(ids, p.AccountID)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// EarliestValueTime returns the earliest value timestamp across all postings.
// End-of-day admission checks backdating against this.
func (b *Batch) EarliestValueTime() time.Time {
	var earliest time.Time
	for _, in := range b.Instructions {
		for _, p := range in.Postings {
			if earliest.IsZero() || p.ValueTime.Before(earliest) {
				earliest = p.ValueTime
			}
		}
	}
	return earliest
}
