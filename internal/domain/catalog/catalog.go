// Package catalog defines the read-only collaborators the ledger consults:
// the resource catalog and the purchase-order catalog.
package catalog

import (
	"context"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// Resource is an external catalog entry. The ledger references it by id only.
type Resource struct {
	ID            id.ID       `db:"id" json:"id"`
	Code          string      `db:"code" json:"code"`
	Name          string      `db:"name" json:"name"`
	UnitOfMeasure string      `db:"unit_of_measure" json:"unitOfMeasure"`
	IsReturnable  bool        `db:"is_returnable" json:"isReturnable"`
	UnitCost      types.Money `db:"unit_cost" json:"unitCost"`
}

// Policy returns the stock policy matching the resource's capability flag.
func (r Resource) Policy() StockPolicy {
	if r.IsReturnable {
		return Returnable
	}
	return Consumable
}

// ResourceCatalog resolves resource ids. Unknown ids yield apperror NOT_FOUND.
type ResourceCatalog interface {
	Lookup(ctx context.Context, resourceID id.ID) (Resource, error)
}

// PurchaseOrderCatalog reports ordered quantities per purchase-order line.
// A resource that is not on the order yields apperror NOT_FOUND.
type PurchaseOrderCatalog interface {
	GetOrderedQuantity(ctx context.Context, purchaseOrderID string, resourceID id.ID) (types.Quantity, error)
}
