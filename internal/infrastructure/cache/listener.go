package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"stockledger/internal/core/id"
	"stockledger/pkg/logger"
)

// ResourcesChannel is the NOTIFY channel the catalog replication raises
// when ext_resources rows change. The payload is the resource id; an empty
// payload leaves entries to expire by TTL.
const ResourcesChannel = "resources_changed"

// Invalidator listens for PostgreSQL NOTIFY events and drops the matching
// resource cache entries.
type Invalidator struct {
	pool  *pgxpool.Pool
	cache *ResourceCache

	lifecycleMu sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
}

// NewInvalidator creates an invalidator for cache.
func NewInvalidator(pool *pgxpool.Pool, cache *ResourceCache) *Invalidator {
	return &Invalidator{pool: pool, cache: cache}
}

// Start begins listening in the background.
func (l *Invalidator) Start(ctx context.Context) {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()
	if l.started {
		return
	}
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.started = true

	l.wg.Add(1)
	go l.listenLoop()
}

// Stop ends the listener and waits for it to exit.
func (l *Invalidator) Stop() {
	l.lifecycleMu.Lock()
	if !l.started {
		l.lifecycleMu.Unlock()
		return
	}
	cancel := l.cancel
	l.started = false
	l.lifecycleMu.Unlock()

	cancel()
	l.wg.Wait()
}

func (l *Invalidator) listenLoop() {
	defer l.wg.Done()

	for l.ctx.Err() == nil {
		// LISTEN needs a dedicated connection.
		conn, err := l.pool.Acquire(l.ctx)
		if err != nil {
			logger.Error(l.ctx, "failed to acquire connection for LISTEN", "error", err)
			l.pause()
			continue
		}

		if _, err := conn.Exec(l.ctx, "LISTEN "+ResourcesChannel); err != nil {
			logger.Error(l.ctx, "failed to LISTEN", "channel", ResourcesChannel, "error", err)
			conn.Release()
			l.pause()
			continue
		}

		logger.Info(l.ctx, "listening for catalog notifications", "channel", ResourcesChannel)
		l.waitForNotifications(conn)
		conn.Release()
	}
}

func (l *Invalidator) waitForNotifications(conn *pgxpool.Conn) {
	for {
		// Bounded wait so shutdown is noticed.
		ctx, cancel := context.WithTimeout(l.ctx, 30*time.Second)
		n, err := conn.Conn().WaitForNotification(ctx)
		cancel()

		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			if ctx.Err() == context.DeadlineExceeded {
				continue
			}
			logger.Warn(l.ctx, "catalog notification wait failed, reconnecting", "error", err)
			return
		}

		l.handle(l.ctx, n.Payload)
	}
}

func (l *Invalidator) handle(ctx context.Context, payload string) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return
	}
	rid, err := id.Parse(payload)
	if err != nil {
		logger.Warn(ctx, "ignoring malformed catalog notification", "payload", payload)
		return
	}
	if err := l.cache.Invalidate(ctx, rid); err != nil {
		logger.Error(ctx, "failed to invalidate cached resource", "resource_id", rid, "error", err)
	}
}

func (l *Invalidator) pause() {
	select {
	case <-l.ctx.Done():
	case <-time.After(time.Second):
	}
}
