package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/assistant-sessions/internal/chat"
	"github.com/suPer8Hu/assistant-sessions/internal/config"
	"github.com/suPer8Hu/assistant-sessions/internal/httpapi/handlers"
	"github.com/suPer8Hu/assistant-sessions/internal/httpapi/middleware"
)

func NewRouter(cfg config.Config, svc *chat.Service, reconciler handlers.ReconcileEnqueuer, log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"code": 40400, "message": "route not found", "data": nil})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"code": 40500, "message": "method not allowed", "data": nil})
	})

	h := handlers.NewHandler(cfg, svc, reconciler)

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"code": 0, "message": "pong", "data": nil})
	})

	// Assistant conversations (JWT required)
	g := r.Group("/assistant")
	g.Use(middleware.AuthRequired(cfg.JWTSecret))
	g.POST("/sessions", h.ResolveSession)
	g.GET("/sessions/:session_id/history", h.GetHistory)
	g.POST("/sessions/:session_id/turns", h.BeginTurn)
	g.POST("/sessions/:session_id/completed-turns", h.AppendCompletedTurn)
	g.POST("/sessions/:session_id/turns/:turn_id/streaming", h.MarkTurnStreaming)
	g.POST("/sessions/:session_id/turns/:turn_id/deltas", h.AppendTurnDelta)
	g.POST("/sessions/:session_id/turns/:turn_id/finalize", h.FinalizeTurn)
	g.POST("/reconcile", h.Reconcile)
	return r
}
