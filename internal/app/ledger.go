// Package app assembles the ledger from configuration. The API server and
// the background worker build the same components through it.
package app

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"stockledger/internal/config"
	"stockledger/internal/core/tx"
	"stockledger/internal/domain/catalog"
	"stockledger/internal/domain/events"
	"stockledger/internal/domain/journal"
	"stockledger/internal/domain/loan"
	"stockledger/internal/domain/movement"
	"stockledger/internal/domain/stock"
	"stockledger/internal/infrastructure/cache"
	"stockledger/internal/infrastructure/storage/memory"
	"stockledger/internal/infrastructure/storage/postgres"
	"stockledger/internal/infrastructure/storage/postgres/catalog_repo"
	"stockledger/internal/infrastructure/storage/postgres/journal_repo"
	"stockledger/internal/infrastructure/storage/postgres/register_repo"
	"stockledger/pkg/logger"
)

// Ledger holds the assembled components.
type Ledger struct {
	Coordinator *movement.Coordinator
	Journal     *journal.Service
	Driver      string

	// Pool is set for the postgres driver.
	Pool *postgres.Pool
	// Redis is set when REDIS_ADDR is configured.
	Redis *redis.Client
	// Events buffers domain events for the memory driver.
	Events *memory.Outbox

	invalidator *cache.Invalidator
	log         *logger.Logger
}

// backend is what a storage driver contributes.
type backend struct {
	stock     stock.Repository
	journal   journal.Repository
	resources catalog.ResourceCatalog
	orders    catalog.PurchaseOrderCatalog
	txm       tx.Manager
	publisher events.Publisher
}

// Build connects the configured backend and wires the domain services.
// Callers must Close the ledger.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Ledger, error) {
	l := &Ledger{Driver: cfg.Storage.Driver, log: log.WithComponent("ledger")}

	var (
		b   backend
		err error
	)
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		b, err = l.postgresBackend(ctx, cfg)
	case config.DriverMemory:
		b, err = l.memoryBackend(cfg)
	default:
		err = fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	if err != nil {
		l.Close()
		return nil, err
	}

	if cfg.Redis.Enabled() {
		if err := l.withResourceCache(ctx, cfg, &b); err != nil {
			l.Close()
			return nil, err
		}
	}

	stockOpts := stock.DefaultOptions()
	stockOpts.Attempts = cfg.Ledger.RetryAttempts
	if cfg.Ledger.RetryBackoff > 0 {
		stockOpts.Backoff = cfg.Ledger.RetryBackoff
	}
	journalOpts := journal.DefaultOptions()
	journalOpts.StaleAfter = cfg.Ledger.StagingStaleAt

	stockSvc := stock.NewService(b.stock, stockOpts)
	l.Journal = journal.NewService(b.journal, b.txm, journalOpts)
	l.Coordinator = movement.NewCoordinator(movement.Deps{
		Stock:          stockSvc,
		Journal:        l.Journal,
		Tracker:        loan.NewTracker(stockSvc, l.Journal, log),
		Resources:      b.resources,
		PurchaseOrders: b.orders,
		TxManager:      b.txm,
		Publisher:      b.publisher,
		Logger:         log,
	})

	l.log.Infow("ledger assembled",
		"driver", l.Driver,
		"resource_cache", cfg.Redis.Enabled(),
		"stock_attempts", stockOpts.Attempts,
	)
	return l, nil
}

func (l *Ledger) postgresBackend(ctx context.Context, cfg *config.Config) (backend, error) {
	poolCfg := postgres.DefaultPoolConfig(cfg.Storage.DatabaseURL)
	if cfg.Storage.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Storage.MaxConns
		poolCfg.MinConns = min(poolCfg.MinConns, poolCfg.MaxConns)
	}
	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		return backend{}, fmt.Errorf("connect database: %w", err)
	}
	l.Pool = pool

	codec, err := postgres.NewPayloadCodec(postgres.DefaultCompressThreshold)
	if err != nil {
		return backend{}, err
	}
	txOpts := postgres.DefaultTxOptions()
	txOpts.StatementTimeout = cfg.Storage.StatementTimeout
	txOpts.LockTimeout = cfg.Storage.LockTimeout
	txm := postgres.NewTxManager(pool).WithOptions(txOpts)

	return backend{
		stock:     register_repo.NewStockRepo(txm),
		journal:   journal_repo.NewJournalRepo(txm, codec),
		resources: catalog_repo.NewResourceRepo(txm),
		orders:    catalog_repo.NewPurchaseOrderRepo(txm),
		txm:       txm,
		publisher: postgres.NewOutboxPublisher(txm),
	}, nil
}

func (l *Ledger) memoryBackend(cfg *config.Config) (backend, error) {
	cat := memory.NewCatalog()
	if cfg.Storage.CatalogFile != "" {
		seed, err := catalog.ReadSeedFile(cfg.Storage.CatalogFile)
		if err != nil {
			return backend{}, err
		}
		cat.Load(seed)
		l.log.Infow("catalog loaded",
			"file", cfg.Storage.CatalogFile,
			"resources", len(seed.Resources),
			"purchase_orders", len(seed.PurchaseOrders),
		)
	}
	l.Events = memory.NewOutbox()

	return backend{
		stock:     memory.NewStockRepo(),
		journal:   memory.NewJournalRepo(),
		resources: cat,
		orders:    cat,
		publisher: l.Events,
	}, nil
}

// withResourceCache puts the Redis read-through cache in front of the
// resource catalog. With Postgres, catalog changes invalidate entries via
// LISTEN/NOTIFY.
func (l *Ledger) withResourceCache(ctx context.Context, cfg *config.Config, b *backend) error {
	client, err := cache.NewRedisClient(ctx, cache.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return err
	}
	l.Redis = client

	rc := cache.NewResourceCache(b.resources, cache.NewRedisStore(client), cfg.Redis.TTL, l.log)
	b.resources = rc
	if l.Pool != nil {
		l.invalidator = cache.NewInvalidator(l.Pool.Unwrap(), rc)
	}
	return nil
}

// Start launches background listeners.
func (l *Ledger) Start(ctx context.Context) {
	if l.invalidator != nil {
		l.invalidator.Start(ctx)
	}
}

// Recover runs one recovery sweep over abandoned journal writes.
func (l *Ledger) Recover(ctx context.Context) {
	n, err := l.Journal.RecoverStaged(ctx)
	if err != nil {
		l.log.WithContext(ctx).Errorw("journal recovery failed", "error", err)
		return
	}
	if n > 0 {
		l.log.WithContext(ctx).Warnw("journal recovery discarded orphaned writes", "count", n)
	}
}

// DrainEvents logs the events buffered by the memory driver.
func (l *Ledger) DrainEvents(ctx context.Context) int {
	if l.Events == nil {
		return 0
	}
	evts := l.Events.Drain()
	for _, e := range evts {
		l.log.WithContext(ctx).Infow("ledger event",
			"event_type", e.EventType,
			"aggregate_type", e.AggregateType,
			"aggregate_id", e.AggregateID,
			"payload", e.Payload,
		)
	}
	return len(evts)
}

// HealthChecks returns a ping per external dependency.
func (l *Ledger) HealthChecks() map[string]func(context.Context) error {
	checks := make(map[string]func(context.Context) error)
	if l.Pool != nil {
		checks["database"] = l.Pool.Ping
	}
	if l.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return l.Redis.Ping(ctx).Err()
		}
	}
	return checks
}

// Close releases connections.
func (l *Ledger) Close() {
	if l.invalidator != nil {
		l.invalidator.Stop()
	}
	if l.Redis != nil {
		if err := l.Redis.Close(); err != nil {
			l.log.Warnw("close redis", "error", err)
		}
	}
	if l.Pool != nil {
		l.Pool.Close()
	}
}
