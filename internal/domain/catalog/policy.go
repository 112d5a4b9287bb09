package catalog

import "stockledger/internal/core/types"

// StockPolicy decides how issuing a resource affects stock.
type StockPolicy interface {
	// Name is "returnable" or "consumable".
	Name() string

	// Tracked reports whether issued quantity stays on loan and must come back.
	Tracked() bool

	// IssueDeltas returns the (onHand, onLoan) deltas for issuing qty.
	IssueDeltas(qty types.Quantity) (onHand, onLoan types.Quantity)
}

type returnablePolicy struct{}

func (returnablePolicy) Name() string  { return "returnable" }
func (returnablePolicy) Tracked() bool { return true }
func (returnablePolicy) IssueDeltas(qty types.Quantity) (types.Quantity, types.Quantity) {
	return -qty, qty
}

type consumablePolicy struct{}

func (consumablePolicy) Name() string  { return "consumable" }
func (consumablePolicy) Tracked() bool { return false }
func (consumablePolicy) IssueDeltas(qty types.Quantity) (types.Quantity, types.Quantity) {
	return -qty, 0
}

var (
	// Returnable moves issued quantity from on-hand to on-loan.
	Returnable StockPolicy = returnablePolicy{}
	// Consumable removes issued quantity from on-hand for good.
	Consumable StockPolicy = consumablePolicy{}
)
