package catalog_repo

import (
	"context"

	"github.com/Masterminds/squirrel"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/catalog"
	"stockledger/internal/infrastructure/storage/postgres"
)

const (
	resourcesTable          = "ext_resources"
	purchaseOrderLinesTable = "ext_purchase_order_lines"
)

var _ catalog.ResourceCatalog = (*ResourceRepo)(nil)

// ResourceRepo resolves resources from ext_resources.
type ResourceRepo struct {
	*BaseReadRepo[catalog.Resource]
}

// NewResourceRepo creates a new resource repository.
func NewResourceRepo(txm *postgres.TxManager) *ResourceRepo {
	return &ResourceRepo{
		BaseReadRepo: NewBaseReadRepo[catalog.Resource](
			txm,
			resourcesTable,
			postgres.ExtractDBColumns[catalog.Resource](),
		),
	}
}

func (r *ResourceRepo) Lookup(ctx context.Context, resourceID id.ID) (catalog.Resource, error) {
	res, err := r.FindOne(ctx, squirrel.Eq{"id": resourceID}, resourceID)
	if apperror.IsNotFound(err) {
		return res, apperror.NewNotFound("resource", resourceID)
	}
	return res, err
}

// orderLine is one row of ext_purchase_order_lines.
type orderLine struct {
	PurchaseOrderID string         `db:"purchase_order_id"`
	ResourceID      id.ID          `db:"resource_id"`
	OrderedQuantity types.Quantity `db:"ordered_quantity"`
}

var _ catalog.PurchaseOrderCatalog = (*PurchaseOrderRepo)(nil)

// PurchaseOrderRepo reads ordered quantities from ext_purchase_order_lines.
type PurchaseOrderRepo struct {
	*BaseReadRepo[orderLine]
}

// NewPurchaseOrderRepo creates a new purchase-order repository.
func NewPurchaseOrderRepo(txm *postgres.TxManager) *PurchaseOrderRepo {
	return &PurchaseOrderRepo{
		BaseReadRepo: NewBaseReadRepo[orderLine](
			txm,
			purchaseOrderLinesTable,
			postgres.ExtractDBColumns[orderLine](),
		),
	}
}

func (r *PurchaseOrderRepo) GetOrderedQuantity(ctx context.Context, purchaseOrderID string, resourceID id.ID) (types.Quantity, error) {
	line, err := r.FindOne(ctx, orderLineKey(purchaseOrderID, resourceID), purchaseOrderID+"/"+resourceID.String())
	if apperror.IsNotFound(err) {
		return 0, apperror.NewNotFound("purchase_order_line", purchaseOrderID+"/"+resourceID.String())
	}
	if err != nil {
		return 0, err
	}
	return line.OrderedQuantity, nil
}

func orderLineKey(purchaseOrderID string, resourceID id.ID) squirrel.Eq {
	return squirrel.Eq{"purchase_order_id": purchaseOrderID, "resource_id": resourceID}
}
