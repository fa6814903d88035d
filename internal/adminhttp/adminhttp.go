// Package adminhttp exposes an optional operational HTTP surface for
// a running frontend: a health probe and a Prometheus scrape endpoint.
// It is entirely separate from the protocol channel and never touches
// the frontend's stack or handle table beyond reading the handle
// count for the health payload.
package adminhttp

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mbedhost/offloadfrontend/internal/handles"
)

// Server is the admin HTTP surface for one running frontend.
type Server struct {
	engine    *gin.Engine
	startedAt time.Time
}

// NewServer builds the admin router: /health reports uptime and
// handle-table occupancy, /metrics serves the Prometheus registry.
func NewServer(handleTable *handles.Table) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	s := &Server{engine: r, startedAt: time.Now()}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":       "ok",
			"uptime":       time.Since(s.startedAt).String(),
			"service":      "offload-frontend",
			"version":      "0.1.0",
			"handles_used": handleTable.InUse(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return s
}

// ListenAndServe blocks serving the admin router on addr.
func (s *Server) ListenAndServe(addr string) error {
	return s.engine.Run(addr)
}
