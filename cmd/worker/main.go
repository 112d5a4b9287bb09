// Package main is the entry point for the stock ledger background worker.
// It relays the outbox, sweeps abandoned journal writes and reports
// overdue loans.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"stockledger/internal/app"
	"stockledger/internal/config"
	appctx "stockledger/internal/core/context"
	"stockledger/internal/infrastructure/broker"
	"stockledger/internal/infrastructure/storage/postgres"
	"stockledger/pkg/logger"
)

const (
	outboxPollInterval = 500 * time.Millisecond
	dlqInterval        = time.Minute
	statsInterval      = time.Minute
	cleanupInterval    = time.Hour
	overdueInterval    = time.Hour
	overdueBatch       = 500
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.App.LogLevel,
		Development: cfg.App.IsDevelopment(),
		Service:     "stockledger-worker",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if cfg.Storage.Driver != config.DriverPostgres {
		log.Fatalw("worker requires the postgres driver", "driver", cfg.Storage.Driver)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("starting stockledger worker")

	ledger, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to build ledger", "error", err)
	}
	defer ledger.Close()

	handler := postgres.LogHandler(log)
	if ledger.Redis != nil {
		handler = postgres.FanOut(handler, broker.RedisHandler(ledger.Redis))
	}

	worker := NewWorker(ledger, postgres.NewOutboxRelay(ledger.Pool.Unwrap(), cfg.Worker.OutboxBatchSize, handler, log), cfg, log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker...")
	cancel()

	wg.Wait()
	log.Info("worker stopped")
}

// Worker runs the periodic ledger jobs.
type Worker struct {
	ledger *app.Ledger
	relay  *postgres.OutboxRelay
	cfg    *config.Config
	log    *logger.Logger
}

func NewWorker(ledger *app.Ledger, relay *postgres.OutboxRelay, cfg *config.Config, log *logger.Logger) *Worker {
	return &Worker{
		ledger: ledger,
		relay:  relay,
		cfg:    cfg,
		log:    log.WithComponent("worker"),
	}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	outboxTicker := time.NewTicker(outboxPollInterval)
	defer outboxTicker.Stop()
	recoveryTicker := time.NewTicker(w.cfg.Worker.RecoveryInterval)
	defer recoveryTicker.Stop()
	dlqTicker := time.NewTicker(dlqInterval)
	defer dlqTicker.Stop()
	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer cleanupTicker.Stop()
	overdueTicker := time.NewTicker(overdueInterval)
	defer overdueTicker.Stop()

	w.ledger.Recover(jobContext(ctx))
	w.reportOverdue(jobContext(ctx))

	for {
		select {
		case <-ctx.Done():
			return
		case <-outboxTicker.C:
			w.processOutbox(jobContext(ctx))
		case <-recoveryTicker.C:
			w.ledger.Recover(jobContext(ctx))
		case <-dlqTicker.C:
			w.moveToDLQ(jobContext(ctx))
		case <-statsTicker.C:
			w.ledger.Pool.LogStats(ctx)
		case <-cleanupTicker.C:
			w.cleanup(jobContext(ctx))
		case <-overdueTicker.C:
			w.reportOverdue(jobContext(ctx))
		}
	}
}

// jobContext tags each job run with its own trace so its log lines group.
func jobContext(ctx context.Context) context.Context {
	ctx = appctx.WithTrace(ctx, appctx.NewTraceContext())
	return appctx.WithActor(ctx, &appctx.Actor{ID: "system:worker", Source: "worker"})
}

func (w *Worker) processOutbox(ctx context.Context) {
	n, err := w.relay.ProcessBatch(ctx)
	if err != nil {
		w.log.WithContext(ctx).Errorw("outbox batch failed", "error", err)
		return
	}
	if n > 0 {
		w.log.WithContext(ctx).Debugw("processed outbox batch", "count", n)
	}
}

func (w *Worker) moveToDLQ(ctx context.Context) {
	n, err := w.relay.MoveToDLQ(ctx)
	if err != nil {
		w.log.WithContext(ctx).Errorw("move to DLQ failed", "error", err)
		return
	}
	if n > 0 {
		w.log.WithContext(ctx).Warnw("outbox messages moved to DLQ", "count", n)
	}
}

func (w *Worker) cleanup(ctx context.Context) {
	retention := w.cfg.Ledger.StagingRetention

	stages, err := w.ledger.Journal.CleanupCommitted(ctx, retention)
	if err != nil {
		w.log.WithContext(ctx).Errorw("staging cleanup failed", "error", err)
	} else if stages > 0 {
		w.log.WithContext(ctx).Infow("expired idempotency keys", "count", stages)
	}

	published, err := w.relay.PurgePublished(ctx, time.Now().Add(-retention))
	if err != nil {
		w.log.WithContext(ctx).Errorw("outbox purge failed", "error", err)
	} else if published > 0 {
		w.log.WithContext(ctx).Infow("purged published outbox messages", "count", published)
	}
}

func (w *Worker) reportOverdue(ctx context.Context) {
	loans, err := w.ledger.Coordinator.OverdueLoans(ctx, time.Now(), overdueBatch)
	if err != nil {
		w.log.WithContext(ctx).Errorw("overdue loan scan failed", "error", err)
		return
	}
	for _, l := range loans {
		w.log.WithContext(ctx).Warnw("loan overdue",
			"loan_id", l.ID,
			"borrower_id", l.BorrowerID,
			"responsible_id", l.ResponsibleID,
			"due_date", l.DueDate,
			"status", l.Status,
		)
	}
}
