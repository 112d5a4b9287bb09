// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"

	"stockledger/internal/domain/movement"
	"stockledger/internal/infrastructure/http/v1/handlers"
	"stockledger/internal/infrastructure/http/v1/middleware"
	"stockledger/pkg/logger"
)

// RouterConfig holds router configuration.
type RouterConfig struct {
	// Coordinator serves every ledger route
	Coordinator *movement.Coordinator

	// Checks are run by the readiness probe, keyed by dependency name
	Checks map[string]handlers.Check

	// Driver names the storage backend in health output
	Driver string

	// Logger for request logging
	Logger *logger.Logger

	// RateLimit throttles write routes per client IP, e.g. "300-M".
	// Empty disables throttling.
	RateLimit string
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.ErrorHandler())

	healthHandler := handlers.NewHealthHandler(cfg.Driver, cfg.Checks)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
	}

	var writes []gin.HandlerFunc
	if cfg.RateLimit != "" {
		limit, err := middleware.RateLimit(cfg.RateLimit)
		if err != nil {
			return nil, err
		}
		writes = append(writes, limit)
	}

	v1 := router.Group("/api/v1")
	v1.Use(middleware.Actor())
	{
		base := handlers.NewBaseHandler()

		handlers.NewMovementHandler(base, cfg.Coordinator).RegisterRoutes(v1.Group("/movements"), writes...)
		handlers.NewLoanHandler(base, cfg.Coordinator).RegisterRoutes(v1.Group("/loans"), writes...)
		handlers.NewStockHandler(base, cfg.Coordinator).RegisterRoutes(v1.Group("/stock"))
	}

	return router, nil
}
