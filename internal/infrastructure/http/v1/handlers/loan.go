package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"stockledger/internal/domain/movement"
	"stockledger/internal/infrastructure/http/v1/dto"
)

// LoanHandler handles HTTP requests for loans.
type LoanHandler struct {
	*BaseHandler
	coord *movement.Coordinator
	now   func() time.Time
}

// NewLoanHandler creates a new loan handler.
func NewLoanHandler(base *BaseHandler, coord *movement.Coordinator) *LoanHandler {
	return &LoanHandler{BaseHandler: base, coord: coord, now: time.Now}
}

// RegisterRoutes mounts the loan routes. writes wraps mutating routes.
func (h *LoanHandler) RegisterRoutes(rg *gin.RouterGroup, writes ...gin.HandlerFunc) {
	w := rg.Group("", writes...)
	w.POST("", h.Issue)
	w.POST("/:id/returns", h.Return)

	rg.GET("", h.List)
	rg.GET("/:id", h.Get)
}

// Issue handles POST /loans
func (h *LoanHandler) Issue(c *gin.Context) {
	key, ok := h.IdempotencyKey(c)
	if !ok {
		return
	}
	var body dto.CreateLoanRequest
	if !h.BindJSON(c, &body) {
		return
	}
	req, err := body.ToDomain(key)
	if err != nil {
		h.Error(c, err)
		return
	}

	res, err := h.coord.IssueLoan(c.Request.Context(), req)
	if err != nil {
		h.Error(c, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, dto.FromLoanResult(res, h.now()))
}

// Return handles POST /loans/:id/returns
func (h *LoanHandler) Return(c *gin.Context) {
	loanID, ok := h.PathID(c, "id")
	if !ok {
		return
	}
	key, ok := h.IdempotencyKey(c)
	if !ok {
		return
	}
	var body dto.CreateReturnRequest
	if !h.BindJSON(c, &body) {
		return
	}
	req, err := body.ToDomain(key, loanID)
	if err != nil {
		h.Error(c, err)
		return
	}

	res, err := h.coord.ReturnLoan(c.Request.Context(), req)
	if err != nil {
		h.Error(c, err)
		return
	}
	status := http.StatusOK
	if res.Movement != nil && res.Movement.NeedsReconciliation() {
		status = http.StatusAccepted
	}
	c.JSON(status, dto.FromLoanResult(res, h.now()))
}

// Get handles GET /loans/:id
func (h *LoanHandler) Get(c *gin.Context) {
	loanID, ok := h.PathID(c, "id")
	if !ok {
		return
	}
	rec, err := h.coord.GetLoan(c.Request.Context(), loanID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromLoanRecord(rec, h.now()))
}

// List handles GET /loans
// Query: status, borrowerId, overdue, limit.
func (h *LoanHandler) List(c *gin.Context) {
	var q dto.LoanListQuery
	if !h.BindQuery(c, &q) {
		return
	}
	now := h.now()
	filter, err := q.ToFilter(now)
	if err != nil {
		h.Error(c, err)
		return
	}

	loans, err := h.coord.ListLoans(c.Request.Context(), filter)
	if err != nil {
		h.Error(c, err)
		return
	}
	items := make([]dto.LoanResponse, len(loans))
	for i, l := range loans {
		items[i] = dto.FromLoan(l, now)
	}
	h.OK(c, dto.NewListResponse(items))
}
