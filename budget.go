package vega

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// BudgetMode determines whether a ledger has a ceiling.
type BudgetMode string

const (
	// BudgetRoot is the ledger of a task root with an explicit budget limit.
	BudgetRoot BudgetMode = "root"
	// BudgetChild is the ledger of an agent funded by its parent's escrow.
	BudgetChild BudgetMode = "child"
	// BudgetUnconstrained has no ceiling and permits any child allocation.
	BudgetUnconstrained BudgetMode = "unconstrained"
)

// BudgetData is an agent's spending ledger.
//
// For constrained modes Committed+Spent never exceeds Allocated. Every
// operation returns a new ledger and leaves the receiver untouched, so a
// rejected operation cannot leave a partially applied change behind.
type BudgetData struct {
	Mode      BudgetMode      `json:"mode"`
	Allocated decimal.Decimal `json:"allocated"`
	Committed decimal.Decimal `json:"committed"`
	Spent     decimal.Decimal `json:"spent"`
}

// NewRootBudget returns the ledger for a task root. A nil limit means
// the task is unconstrained.
func NewRootBudget(limit *decimal.Decimal) BudgetData {
	if limit == nil {
		return BudgetData{Mode: BudgetUnconstrained}
	}
	return BudgetData{Mode: BudgetRoot, Allocated: *limit}
}

// NewChildBudget returns the ledger for a child funded with amount.
func NewChildBudget(amount decimal.Decimal) BudgetData {
	return BudgetData{Mode: BudgetChild, Allocated: amount}
}

// Constrained reports whether the ledger enforces a ceiling.
func (b BudgetData) Constrained() bool {
	return b.Mode != BudgetUnconstrained
}

// Available returns the amount neither spent nor escrowed.
func (b BudgetData) Available() decimal.Decimal {
	return b.Allocated.Sub(b.Committed).Sub(b.Spent)
}

// Floor returns the lowest allocation the ledger can be reduced to.
func (b BudgetData) Floor() decimal.Decimal {
	return b.Committed.Add(b.Spent)
}

// Reserve escrows amount for a new child.
func (b BudgetData) Reserve(amount decimal.Decimal) (BudgetData, error) {
	if amount.IsNegative() {
		return b, &BudgetError{Op: "allocate", Requested: amount.String(), Err: ErrInvalidAmount}
	}
	if b.Constrained() && amount.GreaterThan(b.Available()) {
		return b, &BudgetError{
			Op:        "allocate",
			Requested: amount.String(),
			Available: b.Available().String(),
			Err:       ErrInsufficientBudget,
		}
	}
	b.Committed = b.Committed.Add(amount)
	return b, nil
}

// Release returns a departed child's escrow. The child's spend moves
// into this ledger's Spent so the money it used stays accounted for.
func (b BudgetData) Release(allocated, childSpent decimal.Decimal) BudgetData {
	b.Committed = b.Committed.Sub(allocated)
	if b.Committed.IsNegative() {
		b.Committed = decimal.Zero
	}
	if childSpent.IsPositive() {
		b.Spent = b.Spent.Add(childSpent)
	}
	return b
}

// AdjustCommitted moves a child's escrow from old to next on the parent side.
func (b BudgetData) AdjustCommitted(old, next decimal.Decimal) (BudgetData, error) {
	if next.IsNegative() {
		return b, &BudgetError{Op: "adjust", Requested: next.String(), Err: ErrInvalidAmount}
	}
	delta := next.Sub(old)
	if delta.IsPositive() && b.Constrained() && delta.GreaterThan(b.Available()) {
		return b, &BudgetError{
			Op:        "adjust",
			Requested: next.String(),
			Available: b.Available().String(),
			Err:       ErrInsufficientBudget,
		}
	}
	b.Committed = b.Committed.Add(delta)
	return b, nil
}

// Reallocate sets a new allocation on the child side. An unconstrained
// ledger becomes a child ledger, so the new allocation is enforced.
func (b BudgetData) Reallocate(next decimal.Decimal) (BudgetData, error) {
	if next.IsNegative() {
		return b, &BudgetError{Op: "reallocate", Requested: next.String(), Err: ErrInvalidAmount}
	}
	if next.LessThan(b.Floor()) {
		return b, &BudgetError{
			Op:        "reallocate",
			Requested: next.String(),
			Available: b.Floor().String(),
			Err:       ErrBelowCommitted,
		}
	}
	b.Allocated = next
	if b.Mode == BudgetUnconstrained {
		b.Mode = BudgetChild
	}
	return b, nil
}

// Spend records cost incurred by the agent itself.
func (b BudgetData) Spend(amount decimal.Decimal) (BudgetData, error) {
	if amount.IsNegative() {
		return b, &BudgetError{Op: "spend", Requested: amount.String(), Err: ErrInvalidAmount}
	}
	if b.Constrained() && amount.GreaterThan(b.Available()) {
		return b, &BudgetError{
			Op:        "spend",
			Requested: amount.String(),
			Available: b.Available().String(),
			Err:       ErrBudgetExceeded,
		}
	}
	b.Spent = b.Spent.Add(amount)
	return b, nil
}

// Validate checks the ledger invariant.
func (b BudgetData) Validate() error {
	if b.Allocated.IsNegative() || b.Committed.IsNegative() || b.Spent.IsNegative() {
		return fmt.Errorf("%w: negative ledger field", ErrInvalidAmount)
	}
	if b.Constrained() && b.Floor().GreaterThan(b.Allocated) {
		return fmt.Errorf("%w: committed %s + spent %s > allocated %s",
			ErrBudgetExceeded, b.Committed, b.Spent, b.Allocated)
	}
	return nil
}

// Equal compares two ledgers by value.
func (b BudgetData) Equal(o BudgetData) bool {
	return b.Mode == o.Mode &&
		b.Allocated.Equal(o.Allocated) &&
		b.Committed.Equal(o.Committed) &&
		b.Spent.Equal(o.Spent)
}

func (b BudgetData) String() string {
	return fmt.Sprintf("%s allocated=%s committed=%s spent=%s", b.Mode, b.Allocated, b.Committed, b.Spent)
}
