package dto

import (
	"time"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/types"
)

// StockEntryResponse is the stock of one resource at one warehouse.
type StockEntryResponse struct {
	WarehouseID string         `json:"warehouseId"`
	ResourceID  string         `json:"resourceId"`
	OnHand      types.Quantity `json:"onHand"`
	OnLoan      types.Quantity `json:"onLoan"`
	Total       types.Quantity `json:"total"`
	Version     int64          `json:"version"`
	UpdatedAt   *time.Time     `json:"updatedAt,omitempty"`
}

// FromStockEntry creates StockEntryResponse from entity.StockEntry.
func FromStockEntry(e entity.StockEntry) StockEntryResponse {
	resp := StockEntryResponse{
		WarehouseID: e.WarehouseID.String(),
		ResourceID:  e.ResourceID.String(),
		OnHand:      e.OnHand,
		OnLoan:      e.OnLoan,
		Total:       e.OnHand + e.OnLoan,
		Version:     e.Version,
	}
	if !e.UpdatedAt.IsZero() {
		t := e.UpdatedAt
		resp.UpdatedAt = &t
	}
	return resp
}
