package v1_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/catalog"
	"stockledger/internal/domain/journal"
	"stockledger/internal/domain/loan"
	"stockledger/internal/domain/movement"
	"stockledger/internal/domain/stock"
	v1 "stockledger/internal/infrastructure/http/v1"
	"stockledger/internal/infrastructure/storage/memory"
	"stockledger/pkg/logger"
)

type api struct {
	router  *gin.Engine
	catalog *memory.Catalog
	wh      id.ID
	site    id.ID
	cable   catalog.Resource
	drill   catalog.Resource
}

func newAPI(t *testing.T, rateLimit string) *api {
	t.Helper()
	a := &api{
		catalog: memory.NewCatalog(),
		wh:      id.New(),
		site:    id.New(),
		cable:   catalog.Resource{ID: id.New(), Code: "CBL-01", Name: "Cable", UnitOfMeasure: "m", UnitCost: types.MustMoney("1.25")},
		drill:   catalog.Resource{ID: id.New(), Code: "DRL-01", Name: "Drill", UnitOfMeasure: "pcs", IsReturnable: true, UnitCost: types.MustMoney("120")},
	}
	a.catalog.PutResource(a.cable)
	a.catalog.PutResource(a.drill)

	log := logger.Nop()
	st := stock.NewService(memory.NewStockRepo(), stock.DefaultOptions())
	jr := journal.NewService(memory.NewJournalRepo(), nil, journal.DefaultOptions())
	coord := movement.NewCoordinator(movement.Deps{
		Stock:          st,
		Journal:        jr,
		Tracker:        loan.NewTracker(st, jr, log),
		Resources:      a.catalog,
		PurchaseOrders: a.catalog,
		Publisher:      memory.NewOutbox(),
		Logger:         log,
	})

	router, err := v1.NewRouter(v1.RouterConfig{
		Coordinator: coord,
		Driver:      "memory",
		Logger:      log,
		RateLimit:   rateLimit,
	})
	require.NoError(t, err)
	a.router = router
	return a
}

type call struct {
	method string
	path   string
	body   any
	key    string
	actor  string
}

func (a *api) do(t *testing.T, c call) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if c.body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		req.Header.Set("X-Idempotency-Key", c.key)
	}
	actor := c.actor
	if actor == "" {
		actor = "storekeeper"
	}
	req.Header.Set("X-Actor-ID", actor)

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

// receive posts a full reception of qty units of res into wh.
func (a *api) receive(t *testing.T, po string, res catalog.Resource, qty int64) map[string]any {
	t.Helper()
	a.catalog.PutOrderLine(po, res.ID, types.Units(qty))
	w, body := a.do(t, call{
		method: http.MethodPost,
		path:   "/api/v1/movements/receptions",
		body: map[string]any{
			"purchaseOrderId":        po,
			"destinationWarehouseId": a.wh.String(),
			"lines":                  []map[string]any{{"resourceId": res.ID.String(), "receivedQuantity": qty}},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return body
}

func (a *api) onHand(t *testing.T, wh id.ID, res catalog.Resource) float64 {
	t.Helper()
	w, body := a.do(t, call{method: http.MethodGet, path: "/api/v1/stock/" + wh.String() + "/" + res.ID.String()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return body["onHand"].(float64)
}

func TestHealth(t *testing.T) {
	a := newAPI(t, "")

	w, body := a.do(t, call{method: http.MethodGet, path: "/health/live"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	w, body = a.do(t, call{method: http.MethodGet, path: "/health/ready"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "memory", body["driver"])
}

func TestReception_UpdatesStock(t *testing.T) {
	a := newAPI(t, "")

	body := a.receive(t, "PO-1", a.cable, 40)
	assert.Equal(t, "COMPLETE", body["status"])
	assert.Equal(t, "storekeeper", body["actorId"])
	assert.Equal(t, 40.0, a.onHand(t, a.wh, a.cable))

	w, list := a.do(t, call{method: http.MethodGet, path: "/api/v1/stock/" + a.wh.String()})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, list["totalCount"])
}

func TestTransfer(t *testing.T) {
	a := newAPI(t, "")
	a.receive(t, "PO-1", a.cable, 10)

	transfer := func(qty int64, key string) (*httptest.ResponseRecorder, map[string]any) {
		return a.do(t, call{
			method: http.MethodPost,
			path:   "/api/v1/movements/transfers",
			key:    key,
			body: map[string]any{
				"originWarehouseId":      a.wh.String(),
				"destinationWarehouseId": a.site.String(),
				"lines":                  []map[string]any{{"resourceId": a.cable.ID.String(), "quantity": qty}},
			},
		})
	}

	t.Run("insufficient stock is rejected", func(t *testing.T) {
		w, body := transfer(11, "")
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, "INSUFFICIENT_STOCK", body["code"])
		assert.Equal(t, 10.0, a.onHand(t, a.wh, a.cable))
	})

	t.Run("replay returns the first result", func(t *testing.T) {
		w, first := transfer(4, "t-1")
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.Equal(t, false, first["replayed"])

		w, again := transfer(4, "t-1")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, true, again["replayed"])
		assert.Equal(t, first["id"], again["id"])

		assert.Equal(t, 6.0, a.onHand(t, a.wh, a.cable))
		assert.Equal(t, 4.0, a.onHand(t, a.site, a.cable))
	})

	t.Run("reused key with a different body conflicts", func(t *testing.T) {
		w, body := transfer(1, "t-1")
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "IDEMPOTENCY_CONFLICT", body["code"])
	})
}

func TestMovement_GetAndCancel(t *testing.T) {
	a := newAPI(t, "")
	a.receive(t, "PO-1", a.cable, 10)

	w, created := a.do(t, call{
		method: http.MethodPost,
		path:   "/api/v1/movements/consumptions",
		body: map[string]any{
			"warehouseId": a.wh.String(),
			"reference":   "job-7",
			"lines":       []map[string]any{{"resourceId": a.cable.ID.String(), "quantity": 3}},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	movementID := created["id"].(string)

	w, got := a.do(t, call{method: http.MethodGet, path: "/api/v1/movements/" + movementID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CONSUMPTION", got["sourceKind"])
	assert.Len(t, got["lines"], 1)

	w, reversal := a.do(t, call{
		method: http.MethodPost,
		path:   "/api/v1/movements/" + movementID + "/cancel",
		body:   map[string]any{"reason": "wrong job"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, movementID, reversal["reversalOf"])
	assert.Equal(t, 10.0, a.onHand(t, a.wh, a.cable))

	w, body := a.do(t, call{method: http.MethodPost, path: "/api/v1/movements/" + movementID + "/cancel"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONFLICT", body["code"])
}

func TestLoans(t *testing.T) {
	a := newAPI(t, "")
	a.receive(t, "PO-1", a.drill, 3)

	w, issued := a.do(t, call{
		method: http.MethodPost,
		path:   "/api/v1/loans",
		body: map[string]any{
			"originWarehouseId": a.wh.String(),
			"borrowerId":        "crew-4",
			"dueDate":           time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339),
			"lines":             []map[string]any{{"resourceId": a.drill.ID.String(), "quantity": 2}},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "ACTIVE", issued["status"])
	assert.Equal(t, "storekeeper", issued["responsibleId"])

	loanID := issued["id"].(string)
	lines := issued["lines"].([]any)
	require.Len(t, lines, 1)
	lineID := lines[0].(map[string]any)["id"].(string)

	ret := func(qty float64) (*httptest.ResponseRecorder, map[string]any) {
		return a.do(t, call{
			method: http.MethodPost,
			path:   "/api/v1/loans/" + loanID + "/returns",
			body:   map[string]any{"lines": []map[string]any{{"lineId": lineID, "returnedQuantity": qty}}},
		})
	}

	w, body := ret(3)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "OVER_RETURN", body["code"])

	w, body = ret(1)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "PARTIAL", body["status"])

	w, got := a.do(t, call{method: http.MethodGet, path: "/api/v1/loans/" + loanID})
	require.Equal(t, http.StatusOK, w.Code)
	line := got["lines"].([]any)[0].(map[string]any)
	assert.Equal(t, 1.0, line["outstandingQuantity"])

	w, list := a.do(t, call{method: http.MethodGet, path: "/api/v1/loans?borrowerId=crew-4"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, list["totalCount"])

	w, _ = a.do(t, call{method: http.MethodGet, path: "/api/v1/loans?status=LOST"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestValidationErrors(t *testing.T) {
	a := newAPI(t, "")

	tests := []struct {
		name string
		c    call
		want int
	}{
		{
			name: "malformed path id",
			c:    call{method: http.MethodGet, path: "/api/v1/movements/not-a-uuid"},
			want: http.StatusBadRequest,
		},
		{
			name: "missing lines",
			c: call{method: http.MethodPost, path: "/api/v1/movements/transfers", body: map[string]any{
				"originWarehouseId": a.wh.String(), "destinationWarehouseId": a.site.String(),
			}},
			want: http.StatusBadRequest,
		},
		{
			name: "malformed resource id",
			c: call{method: http.MethodPost, path: "/api/v1/movements/consumptions", body: map[string]any{
				"warehouseId": a.wh.String(),
				"lines":       []map[string]any{{"resourceId": "x", "quantity": 1}},
			}},
			want: http.StatusBadRequest,
		},
		{
			name: "unknown movement",
			c:    call{method: http.MethodGet, path: "/api/v1/movements/" + id.New().String()},
			want: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := a.do(t, tt.c)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.NotEmpty(t, body["code"])
		})
	}
}

func TestRateLimit_WriteRoutesOnly(t *testing.T) {
	a := newAPI(t, "2-M")
	path := "/api/v1/movements/consumptions"
	body := map[string]any{"warehouseId": a.wh.String(), "lines": []map[string]any{}}

	for i := 0; i < 2; i++ {
		w, _ := a.do(t, call{method: http.MethodPost, path: path, body: body})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}
	w, resp := a.do(t, call{method: http.MethodPost, path: path, body: body})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", resp["code"])

	w, _ = a.do(t, call{method: http.MethodGet, path: "/api/v1/stock/" + a.wh.String()})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNewRouter_RejectsBadRate(t *testing.T) {
	_, err := v1.NewRouter(v1.RouterConfig{Logger: logger.Nop(), RateLimit: "lots"})
	assert.Error(t, err)
}
