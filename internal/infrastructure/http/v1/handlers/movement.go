package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"stockledger/internal/domain/movement"
	"stockledger/internal/infrastructure/http/v1/dto"
)

// MovementHandler handles HTTP requests for movements.
type MovementHandler struct {
	*BaseHandler
	coord *movement.Coordinator
}

// NewMovementHandler creates a new movement handler.
func NewMovementHandler(base *BaseHandler, coord *movement.Coordinator) *MovementHandler {
	return &MovementHandler{BaseHandler: base, coord: coord}
}

// RegisterRoutes mounts the movement routes. writes wraps mutating routes.
func (h *MovementHandler) RegisterRoutes(rg *gin.RouterGroup, writes ...gin.HandlerFunc) {
	w := rg.Group("", writes...)
	w.POST("/transfers", h.PostTransfer)
	w.POST("/receptions", h.PostReception)
	w.POST("/consumptions", h.PostConsumption)
	w.POST("/:id/cancel", h.Cancel)
	w.POST("/:id/repost", h.Repost)

	rg.GET("/:id", h.Get)
}

// PostTransfer handles POST /movements/transfers
func (h *MovementHandler) PostTransfer(c *gin.Context) {
	key, ok := h.IdempotencyKey(c)
	if !ok {
		return
	}
	var body dto.CreateTransferRequest
	if !h.BindJSON(c, &body) {
		return
	}
	req, err := body.ToDomain(key)
	if err != nil {
		h.Error(c, err)
		return
	}

	res, err := h.coord.PostTransfer(c.Request.Context(), req)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.respond(c, http.StatusCreated, res)
}

// PostReception handles POST /movements/receptions
func (h *MovementHandler) PostReception(c *gin.Context) {
	key, ok := h.IdempotencyKey(c)
	if !ok {
		return
	}
	var body dto.CreateReceptionRequest
	if !h.BindJSON(c, &body) {
		return
	}
	req, err := body.ToDomain(key)
	if err != nil {
		h.Error(c, err)
		return
	}

	res, err := h.coord.PostReception(c.Request.Context(), req)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.respond(c, http.StatusCreated, res)
}

// PostConsumption handles POST /movements/consumptions
func (h *MovementHandler) PostConsumption(c *gin.Context) {
	key, ok := h.IdempotencyKey(c)
	if !ok {
		return
	}
	var body dto.CreateConsumptionRequest
	if !h.BindJSON(c, &body) {
		return
	}
	req, err := body.ToDomain(key)
	if err != nil {
		h.Error(c, err)
		return
	}

	res, err := h.coord.PostConsumption(c.Request.Context(), req)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.respond(c, http.StatusCreated, res)
}

// Get handles GET /movements/:id
func (h *MovementHandler) Get(c *gin.Context) {
	movementID, ok := h.PathID(c, "id")
	if !ok {
		return
	}
	res, err := h.coord.GetMovement(c.Request.Context(), movementID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromMovementResult(res))
}

// Cancel handles POST /movements/:id/cancel
// The body is optional.
func (h *MovementHandler) Cancel(c *gin.Context) {
	movementID, ok := h.PathID(c, "id")
	if !ok {
		return
	}
	key, ok := h.IdempotencyKey(c)
	if !ok {
		return
	}
	var body dto.CancelMovementRequest
	if c.Request.ContentLength != 0 && !h.BindJSON(c, &body) {
		return
	}

	res, err := h.coord.CancelMovement(c.Request.Context(), movement.CancelRequest{
		IdempotencyKey: key,
		MovementID:     movementID,
		ActorID:        body.ActorID,
		Reason:         body.Reason,
	})
	if err != nil {
		h.Error(c, err)
		return
	}
	h.respond(c, http.StatusCreated, res)
}

// Repost handles POST /movements/:id/repost
// Retries the failed lines of a PARTIAL movement.
func (h *MovementHandler) Repost(c *gin.Context) {
	movementID, ok := h.PathID(c, "id")
	if !ok {
		return
	}
	res, err := h.coord.RepostMovement(c.Request.Context(), movementID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.respond(c, http.StatusOK, res)
}

// respond writes status, or 202 when some lines still need reconciliation.
func (h *MovementHandler) respond(c *gin.Context, status int, res movement.Result) {
	if res.NeedsReconciliation() {
		status = http.StatusAccepted
	} else if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, dto.FromMovementResult(res))
}
