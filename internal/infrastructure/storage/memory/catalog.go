package memory

import (
	"context"
	"sync"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/catalog"
)

var (
	_ catalog.ResourceCatalog      = (*Catalog)(nil)
	_ catalog.PurchaseOrderCatalog = (*Catalog)(nil)
)

// Catalog is a static resource and purchase-order catalog.
type Catalog struct {
	mu        sync.RWMutex
	resources map[id.ID]catalog.Resource
	orders    map[string]map[id.ID]types.Quantity
}

// NewCatalog creates a catalog holding the given resources.
func NewCatalog(resources ...catalog.Resource) *Catalog {
	c := &Catalog{
		resources: make(map[id.ID]catalog.Resource, len(resources)),
		orders:    make(map[string]map[id.ID]types.Quantity),
	}
	for _, r := range resources {
		c.resources[r.ID] = r
	}
	return c
}

// PutResource adds or replaces a resource.
func (c *Catalog) PutResource(r catalog.Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources[r.ID] = r
}

// PutOrderLine sets the ordered quantity of a resource on a purchase order.
func (c *Catalog) PutOrderLine(purchaseOrderID string, resourceID id.ID, ordered types.Quantity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lines, ok := c.orders[purchaseOrderID]
	if !ok {
		lines = make(map[id.ID]types.Quantity)
		c.orders[purchaseOrderID] = lines
	}
	lines[resourceID] = ordered
}

func (c *Catalog) Lookup(_ context.Context, resourceID id.ID) (catalog.Resource, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.resources[resourceID]
	if !ok {
		return catalog.Resource{}, apperror.NewNotFound("resource", resourceID)
	}
	return r, nil
}

func (c *Catalog) GetOrderedQuantity(_ context.Context, purchaseOrderID string, resourceID id.ID) (types.Quantity, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	q, ok := c.orders[purchaseOrderID][resourceID]
	if !ok {
		return 0, apperror.NewNotFound("purchase_order_line", purchaseOrderID+"/"+resourceID.String())
	}
	return q, nil
}

// Load adds every resource and purchase-order line of seed.
func (c *Catalog) Load(seed catalog.Seed) {
	for _, r := range seed.Resources {
		c.PutResource(r)
	}
	for _, po := range seed.PurchaseOrders {
		for _, l := range po.Lines {
			c.PutOrderLine(po.ID, l.ResourceID, l.OrderedQuantity)
		}
	}
}
