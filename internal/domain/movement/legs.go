package movement

import (
	"fmt"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/stock"
)

// legs translates one line into the stock deltas it posts. Transfers have
// two legs (origin out, destination in); every other kind touches a single
// warehouse.
func legs(detail entity.MovementDetail, direction entity.Direction, line entity.MovementLine) ([]stock.Delta, error) {
	q := line.AcceptedQuantity

	switch detail.SourceKind {
	case entity.SourceTransferRequest:
		if detail.DestinationWarehouseID == nil {
			return nil, fmt.Errorf("transfer %s has no destination", detail.MovementID)
		}
		return []stock.Delta{
			{WarehouseID: detail.OriginWarehouseID, ResourceID: line.ResourceID, OnHand: -q},
			{WarehouseID: *detail.DestinationWarehouseID, ResourceID: line.ResourceID, OnHand: q},
		}, nil

	case entity.SourcePurchaseOrder:
		wh := detail.OriginWarehouseID
		if detail.DestinationWarehouseID != nil {
			wh = *detail.DestinationWarehouseID
		}
		return []stock.Delta{{WarehouseID: wh, ResourceID: line.ResourceID, OnHand: signed(direction, entity.DirectionIn, q)}}, nil

	case entity.SourceConsumption:
		return []stock.Delta{{WarehouseID: detail.OriginWarehouseID, ResourceID: line.ResourceID, OnHand: signed(direction, entity.DirectionOut, -q)}}, nil

	case entity.SourceLoanIssue:
		d := stock.Delta{WarehouseID: detail.OriginWarehouseID, ResourceID: line.ResourceID, OnHand: -q}
		if line.Returnable {
			d.OnLoan = q
		}
		return []stock.Delta{d}, nil

	case entity.SourceLoanReturn:
		return []stock.Delta{{WarehouseID: detail.OriginWarehouseID, ResourceID: line.ResourceID, OnHand: q, OnLoan: -q}}, nil
	}

	return nil, fmt.Errorf("no stock legs for source kind %q", detail.SourceKind)
}

// signed returns q for the kind's natural direction and -q for its
// compensation.
func signed(direction, natural entity.Direction, q types.Quantity) types.Quantity {
	if direction == natural {
		return q
	}
	return q.Neg()
}
