package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"deliverybot/internal/handler"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Router struct {
	Engine *gin.Engine
}

// NewRouter wires the HTTP front door. db may be nil (readyz then reports
// not ready); an empty jwtSecret leaves mutating routes open.
func NewRouter(deliveryHandler *handler.DeliveryHandler, db Pinger, jwtSecret string, logger *zap.Logger) *Router {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(TraceMiddleware(), RecoveryMiddleware(logger), MetricsMiddleware(), AccessLogMiddleware(logger))

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", func(c *gin.Context) {
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_configured"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Public
	r.GET("/", deliveryHandler.Health)
	r.GET("/status", deliveryHandler.Status)
	r.GET("/deliveries", deliveryHandler.ListActive)

	// Mutating; protected when a secret is configured
	ops := r.Group("/")
	if jwtSecret != "" {
		ops.Use(AuthMiddleware(jwtSecret))
	}
	{
		ops.POST("/check", deliveryHandler.Check)
		ops.POST("/mark_done/:order_number", deliveryHandler.MarkDone)
		ops.DELETE("/delete/:order_number", deliveryHandler.Delete)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "Not found"})
	})

	return &Router{Engine: r}
}

// Server returns an http.Server for graceful shutdown.
func (r *Router) Server(port string) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           r.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
