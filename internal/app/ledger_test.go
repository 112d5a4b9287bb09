package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/config"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/movement"
	"stockledger/pkg/logger"
)

const catalogSeed = `{
  "resources": [{"id": "0b6b3e1e-5a0c-4d8e-8f5f-3e1c7a9b2d10", "code": "CBL-01", "name": "Cable", "unitOfMeasure": "m", "unitCost": "1.25"}],
  "purchaseOrders": [{"id": "PO-1", "lines": [{"resourceId": "0b6b3e1e-5a0c-4d8e-8f5f-3e1c7a9b2d10", "orderedQuantity": 5}]}]
}`

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(catalogSeed), 0o600))
	return &config.Config{
		Storage: config.StorageConfig{Driver: config.DriverMemory, CatalogFile: path},
		Ledger:  config.LedgerConfig{RetryAttempts: 3},
	}
}

func TestBuild_Memory(t *testing.T) {
	ctx := context.Background()
	l, err := Build(ctx, memoryConfig(t), logger.Nop())
	require.NoError(t, err)
	defer l.Close()

	assert.Nil(t, l.Pool)
	assert.Empty(t, l.HealthChecks())
	require.NotNil(t, l.Events)

	wh := id.New()
	res, err := l.Coordinator.PostReception(ctx, movement.ReceptionRequest{
		PurchaseOrderID:        "PO-1",
		DestinationWarehouseID: wh,
		ActorID:                "tester",
		Lines: []movement.ReceptionLineRequest{{
			ResourceID:       id.MustParse("0b6b3e1e-5a0c-4d8e-8f5f-3e1c7a9b2d10"),
			ReceivedQuantity: types.Units(5),
		}},
	})
	require.NoError(t, err)
	assert.False(t, res.NeedsReconciliation())

	assert.Positive(t, l.DrainEvents(ctx))
	assert.Zero(t, l.DrainEvents(ctx))

	l.Recover(ctx)
}

func TestBuild_Rejects(t *testing.T) {
	ctx := context.Background()

	_, err := Build(ctx, &config.Config{Storage: config.StorageConfig{Driver: "sqlite"}}, logger.Nop())
	assert.Error(t, err)

	cfg := memoryConfig(t)
	cfg.Storage.CatalogFile = filepath.Join(t.TempDir(), "missing.json")
	_, err = Build(ctx, cfg, logger.Nop())
	assert.Error(t, err)
}
