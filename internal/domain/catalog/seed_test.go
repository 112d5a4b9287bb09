package catalog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/types"
)

const seedJSON = `{
  "resources": [
    {"id": "6f1c2a7e-1b1e-4c8e-9a55-0d7f1c9d2b01", "code": "DRL-01", "name": "Drill", "unitOfMeasure": "pcs", "isReturnable": true, "unitCost": "120"},
    {"id": "6f1c2a7e-1b1e-4c8e-9a55-0d7f1c9d2b02", "code": "CBL-01", "name": "Cable", "unitOfMeasure": "m", "unitCost": "1.25"}
  ],
  "purchaseOrders": [
    {"id": "PO-7", "lines": [{"resourceId": "6f1c2a7e-1b1e-4c8e-9a55-0d7f1c9d2b02", "orderedQuantity": 250}]}
  ]
}`

func TestReadSeed(t *testing.T) {
	s, err := ReadSeed(strings.NewReader(seedJSON))
	require.NoError(t, err)
	require.Len(t, s.Resources, 2)
	assert.Equal(t, Returnable, s.Resources[0].Policy())
	assert.Equal(t, Consumable, s.Resources[1].Policy())
	assert.Equal(t, types.Units(250), s.PurchaseOrders[0].Lines[0].OrderedQuantity)
}

func TestReadSeed_Rejects(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"unknown field", `{"resources": [], "warehouses": []}`},
		{"missing id", `{"resources": [{"code": "X"}]}`},
		{"duplicate id", `{"resources": [
			{"id": "6f1c2a7e-1b1e-4c8e-9a55-0d7f1c9d2b01"},
			{"id": "6f1c2a7e-1b1e-4c8e-9a55-0d7f1c9d2b01"}]}`},
		{"unknown order resource", `{"resources": [], "purchaseOrders": [
			{"id": "PO-1", "lines": [{"resourceId": "6f1c2a7e-1b1e-4c8e-9a55-0d7f1c9d2b01", "orderedQuantity": 1}]}]}`},
		{"zero ordered", `{"resources": [{"id": "6f1c2a7e-1b1e-4c8e-9a55-0d7f1c9d2b01"}], "purchaseOrders": [
			{"id": "PO-1", "lines": [{"resourceId": "6f1c2a7e-1b1e-4c8e-9a55-0d7f1c9d2b01", "orderedQuantity": 0}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadSeed(strings.NewReader(tt.json))
			assert.Error(t, err)
		})
	}
}
