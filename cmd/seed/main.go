// Package main provides a CLI tool for seeding the external catalog tables
// (ext_resources, ext_purchase_order_lines) from a JSON snapshot.
//
// Usage:
//
//	seed -file catalog.json
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"

	"stockledger/internal/config"
	"stockledger/internal/domain/catalog"
	"stockledger/internal/infrastructure/storage/postgres"
	"stockledger/pkg/logger"
)

const upsertResourceSQL = `
	INSERT INTO ext_resources (id, code, name, unit_of_measure, is_returnable, unit_cost)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO UPDATE SET
		code = EXCLUDED.code,
		name = EXCLUDED.name,
		unit_of_measure = EXCLUDED.unit_of_measure,
		is_returnable = EXCLUDED.is_returnable,
		unit_cost = EXCLUDED.unit_cost`

const upsertOrderLineSQL = `
	INSERT INTO ext_purchase_order_lines (purchase_order_id, resource_id, ordered_quantity)
	VALUES ($1, $2, $3)
	ON CONFLICT (purchase_order_id, resource_id) DO UPDATE SET
		ordered_quantity = EXCLUDED.ordered_quantity`

func main() {
	file := flag.String("file", "", "path to the JSON catalog seed")
	flag.Parse()

	log, err := logger.New(logger.Config{
		Level:       "info",
		Development: true,
		Service:     "stockledger-seed",
	})
	if err != nil {
		fmt.Printf("failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if *file == "" {
		log.Fatal("-file is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalw("failed to load configuration", "error", err)
	}
	if cfg.Storage.Driver != config.DriverPostgres {
		log.Fatalw("seed requires the postgres driver", "driver", cfg.Storage.Driver)
	}

	seed, err := catalog.ReadSeedFile(*file)
	if err != nil {
		log.Fatalw("failed to read seed", "error", err)
	}

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(cfg.Storage.DatabaseURL))
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()

	log.Info("connected to database")

	if err := seedCatalog(ctx, pool, seed); err != nil {
		log.Fatalw("failed to seed catalog", "error", err)
	}

	log.Infow("seeding completed successfully",
		"resources", len(seed.Resources),
		"purchase_orders", len(seed.PurchaseOrders),
	)
}

// seedCatalog upserts the whole seed in one transaction. Each upserted
// resource fires the resources_changed notification, so running servers
// drop their cached copies.
func seedCatalog(ctx context.Context, pool *postgres.Pool, seed catalog.Seed) error {
	return pgx.BeginFunc(ctx, pool.Pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, r := range seed.Resources {
			batch.Queue(upsertResourceSQL, r.ID, r.Code, r.Name, r.UnitOfMeasure, r.IsReturnable, r.UnitCost)
		}
		for _, po := range seed.PurchaseOrders {
			for _, l := range po.Lines {
				batch.Queue(upsertOrderLineSQL, po.ID, l.ResourceID, l.OrderedQuantity.Int64Scaled())
			}
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}
