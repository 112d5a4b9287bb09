package handlers

import (
	"github.com/gin-gonic/gin"

	"stockledger/internal/domain/movement"
	"stockledger/internal/infrastructure/http/v1/dto"
)

// StockHandler serves stock reads.
type StockHandler struct {
	*BaseHandler
	coord *movement.Coordinator
}

// NewStockHandler creates a new stock handler.
func NewStockHandler(base *BaseHandler, coord *movement.Coordinator) *StockHandler {
	return &StockHandler{BaseHandler: base, coord: coord}
}

// RegisterRoutes mounts the stock routes.
func (h *StockHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/:warehouseId", h.ListByWarehouse)
	rg.GET("/:warehouseId/:resourceId", h.Get)
}

// ListByWarehouse handles GET /stock/:warehouseId
// Returns non-zero entries only.
func (h *StockHandler) ListByWarehouse(c *gin.Context) {
	warehouseID, ok := h.PathID(c, "warehouseId")
	if !ok {
		return
	}
	entries, err := h.coord.ListStock(c.Request.Context(), warehouseID)
	if err != nil {
		h.Error(c, err)
		return
	}
	items := make([]dto.StockEntryResponse, len(entries))
	for i, e := range entries {
		items[i] = dto.FromStockEntry(e)
	}
	h.OK(c, dto.NewListResponse(items))
}

// Get handles GET /stock/:warehouseId/:resourceId
// Unknown pairs read as zero.
func (h *StockHandler) Get(c *gin.Context) {
	warehouseID, ok := h.PathID(c, "warehouseId")
	if !ok {
		return
	}
	resourceID, ok := h.PathID(c, "resourceId")
	if !ok {
		return
	}
	entry, err := h.coord.GetStock(c.Request.Context(), warehouseID, resourceID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromStockEntry(entry))
}
