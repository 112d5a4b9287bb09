// Package reception reconciles purchase receptions against ordered
// quantities.
package reception

import (
	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// LineInput is one received resource of a reception.
type LineInput struct {
	ResourceID id.ID
	// Ordered is the purchase-order quantity for the resource.
	Ordered types.Quantity
	// PriorApplied is what earlier receptions already accepted.
	PriorApplied types.Quantity
	Received     types.Quantity
}

// Outstanding is what the order still expects before this reception.
func (in LineInput) Outstanding() types.Quantity {
	return in.Ordered - in.PriorApplied
}

// LineResult is the reconciled outcome of one line.
type LineResult struct {
	ResourceID id.ID
	// Requested is the quantity outstanding before this reception.
	Requested types.Quantity
	// Applied is the quantity to post: min(received, ordered).
	Applied types.Quantity
	// Missing is what stays outstanding after this reception.
	Missing types.Quantity
}

// ShortfallWarning flags an under-delivered line. Advisory only.
type ShortfallWarning struct {
	ResourceID      id.ID          `json:"resourceId"`
	MissingQuantity types.Quantity `json:"missingQuantity"`
}

// Result is the reconciliation of a whole reception.
type Result struct {
	Lines    []LineResult
	Status   entity.MovementStatus
	Warnings []ShortfallWarning
}

// TotalApplied sums the applied quantity of all lines.
func (r Result) TotalApplied() types.Quantity {
	var total types.Quantity
	for _, l := range r.Lines {
		total += l.Applied
	}
	return total
}

// Reconcile compares received against ordered quantities.
//
// The reception is COMPLETE only when every line reaches its ordered
// quantity. Cumulative fulfillment above the ordered quantity is rejected,
// as is a reception that applies nothing.
func Reconcile(lines []LineInput) (Result, error) {
	if len(lines) == 0 {
		return Result{}, apperror.NewValidation("reception must have at least one line")
	}

	res := Result{
		Lines:  make([]LineResult, 0, len(lines)),
		Status: entity.MovementStatusComplete,
	}

	for i, in := range lines {
		if in.Received.IsNegative() {
			return Result{}, apperror.NewValidation("invalid quantity: received quantity must not be negative").
				WithLine(i).
				WithDetail("resource_id", in.ResourceID)
		}
		if in.Ordered.IsNegative() || in.PriorApplied.IsNegative() {
			return Result{}, apperror.NewValidation("invalid purchase order quantities").
				WithLine(i).
				WithDetail("resource_id", in.ResourceID)
		}

		applied := in.Received.Min(in.Ordered)
		if in.PriorApplied+applied > in.Ordered {
			return Result{}, apperror.NewValidation("reception would exceed ordered quantity").
				WithLine(i).
				WithDetail("resource_id", in.ResourceID).
				WithDetail("ordered", in.Ordered.Float64()).
				WithDetail("already_received", in.PriorApplied.Float64()).
				WithDetail("received", in.Received.Float64())
		}

		missing := in.Ordered - in.PriorApplied - applied
		res.Lines = append(res.Lines, LineResult{
			ResourceID: in.ResourceID,
			Requested:  in.Outstanding(),
			Applied:    applied,
			Missing:    missing,
		})

		if missing > 0 {
			res.Status = entity.MovementStatusPartial
			res.Warnings = append(res.Warnings, ShortfallWarning{
				ResourceID:      in.ResourceID,
				MissingQuantity: missing,
			})
		}
	}

	if res.TotalApplied().IsZero() {
		return Result{}, apperror.NewValidation("reception applies no quantity")
	}

	return res, nil
}
