package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/agentfleet/fleetd/pkg/events"
)

// health handles GET /healthz.
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// websocket handles GET /ws: upgrade and hand the connection to the
// streaming manager. Registered outside the gin engine because the upgrade
// hijacks the connection through the raw ResponseWriter. Blocks until the
// connection closes.
func (s *Server) websocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stream == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"streaming not available"}`))
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	s.deps.Stream.HandleConnection(r.Context(), conn)
}

// stats handles GET /api/stats: one aggregate view across every component.
func (s *Server) stats(c *gin.Context) {
	out := gin.H{}
	if s.deps.Bus != nil {
		out["bus"] = s.deps.Bus.Stats()
	}
	if s.deps.Aggregator != nil {
		out["cumulative"] = s.deps.Aggregator.CumulativeStats()
	}
	if s.deps.Stream != nil {
		out["streaming"] = s.deps.Stream.Stats()
	}
	if s.deps.Router != nil {
		out["routing"] = s.deps.Router.Stats()
	}
	if s.deps.Tracker != nil {
		out["fleet"] = s.deps.Tracker.Stats()
	}
	if s.deps.Coordinator != nil {
		out["running_workflows"] = s.deps.Coordinator.Running()
	}
	c.JSON(http.StatusOK, out)
}

// metricsSnapshot handles GET /api/metrics?window=60.
func (s *Server) metricsSnapshot(c *gin.Context) {
	if s.deps.Aggregator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics not available"})
		return
	}
	if windowParam := c.Query("window"); windowParam != "" {
		window, err := strconv.Atoi(windowParam)
		if err != nil || window <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window must be a positive integer of seconds"})
			return
		}
		c.JSON(http.StatusOK, s.deps.Aggregator.Snapshot(time.Duration(window)*time.Second))
		return
	}
	c.JSON(http.StatusOK, s.deps.Aggregator.AllSnapshots(s.cfg.Metrics.Windows))
}

// workflow handles GET /api/workflows/:id with the tracker's derived view
// and its bottleneck analysis.
func (s *Server) workflow(c *gin.Context) {
	if s.deps.Tracker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "fleet tracking not available"})
		return
	}
	id := c.Param("id")
	view, ok := s.deps.Tracker.Workflow(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown workflow", "workflow_id": id})
		return
	}
	analysis, _ := s.deps.Tracker.AnalyzeWorkflow(id)
	c.JSON(http.StatusOK, gin.H{"workflow": view, "analysis": analysis})
}

// eventTypes handles GET /api/events/types: the closed v1 catalog.
func (s *Server) eventTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"v": events.Version, "event_types": events.Types()})
}
