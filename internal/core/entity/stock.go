package entity

import (
	"time"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// StockEntry is the authoritative on-hand/on-loan count for one resource
// at one warehouse. Created lazily, never deleted.
type StockEntry struct {
	WarehouseID id.ID          `db:"warehouse_id" json:"warehouseId"`
	ResourceID  id.ID          `db:"resource_id" json:"resourceId"`
	OnHand      types.Quantity `db:"on_hand" json:"onHand"`
	OnLoan      types.Quantity `db:"on_loan" json:"onLoan"`
	Version     int64          `db:"version" json:"version"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updatedAt"`
}

// ZeroStockEntry is returned for keys that have never been touched.
func ZeroStockEntry(warehouseID, resourceID id.ID) StockEntry {
	return StockEntry{WarehouseID: warehouseID, ResourceID: resourceID}
}
