// Package server exposes the engine's ingress over HTTP and its egress over
// WebSocket.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/wattshift/powerengine/internal/dr"
	"github.com/wattshift/powerengine/internal/engine"
)

const version = "3.1.0"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the HTTP/WebSocket front of the engine.
type Server struct {
	engine    *engine.Engine
	hub       *Hub
	logger    hclog.Logger
	router    *gin.Engine
	startedAt time.Time
}

// New builds the server and its routes.
func New(eng *engine.Engine, hub *Hub, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	s := &Server{
		engine:    eng,
		hub:       hub,
		logger:    logger,
		router:    gin.New(),
		startedAt: time.Now(),
	}
	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.status)
	s.router.GET("/health", s.health)

	api := s.router.Group("/api")
	{
		api.GET("/sites", s.getSites)
		api.GET("/market", s.getMarket)
		api.GET("/history", s.getHistory)
		api.GET("/dashboard", s.getDashboard)
		api.GET("/demand-response", s.getDemandResponse)
		api.GET("/ledger", s.getLedger)

		api.POST("/recompute", s.recompute)
		api.POST("/trigger-dr", s.triggerDR)
		api.POST("/end-dr", s.endDR)
	}

	s.router.GET("/ws", s.handleWebSocket)
}

func (s *Server) status(c *gin.Context) {
	snap := s.engine.Snapshot(1)

	last := interface{}(nil)
	if len(snap.History) > 0 {
		last = snap.History[len(snap.History)-1].Timestamp
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "Smart Energy Arbitrage Backend Running",
		"timestamp": time.Now().UTC(),
		"version":   version,
		"endpoints": gin.H{
			"dashboard":       "/api/dashboard",
			"sites":           "/api/sites",
			"market":          "/api/market",
			"history":         "/api/history",
			"demand_response": "/api/demand-response",
			"ledger":          "/api/ledger",
			"recompute":       "/api/recompute",
			"trigger_dr":      "/api/trigger-dr",
			"end_dr":          "/api/end-dr",
		},
		"current_stats": gin.H{
			"total_profit_per_hour": snap.TotalProfit,
			"active_sites":          len(snap.Sites),
			"connected_clients":     s.hub.Observers(),
			"btc_price":             snap.Market.BTCPrice,
			"ai_demand_level":       snap.Market.AIDemandLevel,
			"active_dr_event":       snap.ActiveDREvent != nil,
			"dr_events_this_year":   snap.DREventsThisYear,
		},
		"last_optimization": last,
	})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "healthy",
		"timestamp":         time.Now().UTC(),
		"uptime_seconds":    time.Since(s.startedAt).Seconds(),
		"connected_clients": s.hub.Observers(),
	})
}

func (s *Server) getSites(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Snapshot(0).Sites)
}

func (s *Server) getMarket(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Snapshot(0).Market)
}

func (s *Server) getHistory(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Snapshot(50).History)
}

func (s *Server) getDashboard(c *gin.Context) {
	snap := s.engine.Snapshot(0)

	c.JSON(http.StatusOK, gin.H{
		"total_profit_per_hour": snap.TotalProfit,
		"active_sites":          len(snap.Sites),
		"market_data":           snap.Market,
		"sites_summary":         snap.Sites,
		"demand_response": gin.H{
			"active_event":     snap.ActiveDREvent,
			"events_this_year": snap.DREventsThisYear,
		},
		"ledger": s.engine.Ledger().Snapshot(),
	})
}

func (s *Server) getDemandResponse(c *gin.Context) {
	drc := s.engine.DR()

	c.JSON(http.StatusOK, gin.H{
		"active_event":        drc.Active(),
		"events_this_year":    drc.EventsThisYear(),
		"max_events_per_year": drc.MaxEventsPerYear(),
		"recent_events":       drc.RecentEvents(10),
		"site_commitments":    drc.SiteCommitments(),
	})
}

func (s *Server) getLedger(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Ledger().Snapshot())
}

func (s *Server) recompute(c *gin.Context) {
	update := s.engine.Recompute()
	if update == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "optimization cycle failed"})
		return
	}
	c.JSON(http.StatusOK, update)
}

// TriggerDRRequest is the trigger-dr request body.
type TriggerDRRequest struct {
	ID            string   `json:"id"`
	Reason        string   `json:"reason"`
	DurationHours float64  `json:"duration_hours"`
	AffectedSites []string `json:"affected_sites"`
}

func (s *Server) triggerDR(c *gin.Context) {
	var req TriggerDRRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	event, err := s.engine.TriggerDR(dr.Event{
		ID:            req.ID,
		Reason:        req.Reason,
		DurationHours: req.DurationHours,
		AffectedSites: req.AffectedSites,
	})
	if err != nil {
		var invalid *dr.InvalidEventError
		switch {
		case errors.As(err, &invalid):
			c.JSON(http.StatusBadRequest, gin.H{"error": invalid.Error()})
		case errors.Is(err, dr.ErrEventLimitReached):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "event": event})
}

func (s *Server) endDR(c *gin.Context) {
	event, err := s.engine.EndDR()
	if err != nil {
		if errors.Is(err, dr.ErrNoActiveEvent) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No active DR event"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "ended_event": event})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.hub.Register(conn)
}
