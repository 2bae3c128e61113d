// Package api is the HTTP front door: REST endpoints driving the
// work-order lifecycle and a WebSocket endpoint streaming update events.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forgeline/foreman/pkg/clock"
	"github.com/forgeline/foreman/pkg/engine"
	"github.com/forgeline/foreman/pkg/store"
)

// Server wires the engine and store behind HTTP handlers.
type Server struct {
	engine *engine.Engine
	store  store.Store
	clock  clock.Clock
	conns  *ConnectionManager
	router *gin.Engine
}

// NewServer creates the API server and registers its routes.
func NewServer(eng *engine.Engine, st store.Store, clk clock.Clock) *Server {
	s := &Server{
		engine: eng,
		store:  st,
		clock:  clk,
		conns:  NewConnectionManager(eng.Stream(), defaultWriteTimeout),
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.health)
	r.GET("/ws", s.handleWebSocket)

	v1 := r.Group("/api/v1")
	v1.POST("/workorders", s.createWorkOrder)
	v1.GET("/workorders", s.listWorkOrders)
	v1.GET("/workorders/:id", s.getWorkOrder)
	v1.GET("/workorders/:id/state", s.getState)
	v1.POST("/workorders/:id/approve", s.approvePlan)
	v1.POST("/workorders/:id/execute", s.executeWorkOrder)
	v1.POST("/workorders/:id/pause", s.pauseWorkOrder)
	v1.POST("/workorders/:id/resume", s.resumeWorkOrder)
	v1.POST("/workorders/:id/cancel", s.cancelWorkOrder)
	v1.GET("/workorders/:id/receipt", s.getReceipt)
	v1.GET("/workorders/:id/events", s.getEvents)
	v1.GET("/workorders/:id/chat", s.getChat)
	v1.POST("/workorders/:id/chat", s.postChat)
	v1.POST("/workorders/:id/checkpoints/:checkpointId/decision", s.decideCheckpoint)

	s.router = r
	return s
}

// Handler returns the root HTTP handler for use with http.Server.
func (s *Server) Handler() http.Handler { return s.router }

// health reports service liveness and the active WebSocket count.
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"connections": s.conns.ActiveConnections(),
	})
}
