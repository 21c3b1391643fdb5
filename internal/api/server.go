// Package api provides the HTTP API for observing and steering a running
// simulation.
// GET endpoints are public (read-only observation).
// POST endpoints require a bearer token (admin control plane).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talgya/mix-economy/internal/economy"
	"github.com/talgya/mix-economy/internal/engine"
	"github.com/talgya/mix-economy/internal/persistence"
)

const (
	maxWSConns   = 8
	maxAddPlayer = 1000
	catchUp      = 50
)

// Server serves the simulation state over HTTP.
type Server struct {
	Sim         *engine.Simulation
	Eng         *engine.Engine
	DB          *persistence.DB
	Metrics     *Metrics
	RunID       string
	SnapshotDir string
	Port        int
	AdminKey    string // Bearer token for POST endpoints. Empty = POST disabled.

	// Active websocket connection count (atomic).
	wsConns int32

	upgrader websocket.Upgrader
	srv      *http.Server
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	historyLimiter := NewRateLimiter(120, time.Minute)
	wsLimiter := NewRateLimiter(30, time.Minute)

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4 * 1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()

	// Public endpoints (GET, read-only).
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/fortunes", s.handleFortunes)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/stats/history", RateLimitMiddleware(historyLimiter, s.handleStatsHistory))
	mux.HandleFunc("/api/v1/ws", RateLimitMiddleware(wsLimiter, s.handleWS))
	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics.Handler())
	}

	// Admin endpoints (POST, require bearer token; GET reads the value).
	mux.HandleFunc("/api/v1/speed", s.adminOnly(s.handleSpeed))
	mux.HandleFunc("/api/v1/tax", s.adminOnly(s.handleTax))
	mux.HandleFunc("/api/v1/target", s.adminOnly(s.handleTarget))
	mux.HandleFunc("/api/v1/players", s.adminOnly(s.handlePlayers))
	mux.HandleFunc("/api/v1/snapshot", s.adminOnly(s.handleSnapshot))

	return corsMiddleware(mux)
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.Port)
	s.srv = &http.Server{Addr: addr, Handler: s.Handler()}
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "")

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Shutdown stops the HTTP server started by Start.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set CORS_ORIGINS env var to a comma-separated list of allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth on POST requests.
// GET requests pass through.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if s.AdminKey == "" {
				http.Error(w, "admin endpoints disabled (no MIXSIM_ADMIN_KEY set)", http.StatusForbidden)
				return
			}
			if !s.checkBearerToken(r) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	v := s.Sim.View()
	status := map[string]any{
		"name":         "mixsim",
		"run_id":       s.RunID,
		"period":       v.Period,
		"players":      v.Regulated.Len(),
		"strategy":     v.Strategy,
		"target":       v.Target,
		"latest":       v.Latest,
		"smoothed":     v.Smoothed,
		"settled":      v.Smoothed.Settled(),
		"total_wealth": v.Regulated.TotalWealth(),
	}
	if s.Eng != nil {
		status["speed"] = s.Eng.Speed()
		status["running"] = s.Eng.Running()
	}
	writeJSON(w, status)
}

// handleFortunes returns the sorted fortunes of one economy. Player IDs are
// stable, so a client can follow a player across calls.
// Query: economy=regulated|baseline, order=asc|desc, limit=N.
func (s *Server) handleFortunes(w http.ResponseWriter, r *http.Request) {
	v := s.Sim.View()
	q := r.URL.Query()

	var e *economy.Economy
	switch q.Get("economy") {
	case "", "regulated":
		e = v.Regulated
	case "baseline":
		e = v.Baseline
	default:
		http.Error(w, "economy must be regulated or baseline", http.StatusBadRequest)
		return
	}

	players := e.Sorted()
	if q.Get("order") == "desc" {
		for i, j := 0, len(players)-1; i < j; i, j = i+1, j-1 {
			players[i], players[j] = players[j], players[i]
		}
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n >= 0 && n < len(players) {
			players = players[:n]
		}
	}

	lo, hi := e.MinMax()
	writeJSON(w, map[string]any{
		"period":  v.Period,
		"tax":     e.Tax,
		"min":     lo,
		"max":     hi,
		"players": players,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	events := s.Sim.Events(0)

	// Optional category filter.
	if cat := r.URL.Query().Get("category"); cat != "" {
		filtered := make([]engine.Event, 0, len(events))
		for _, e := range events {
			if e.Category == cat {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}

	start := 0
	if len(events) > limit {
		start = len(events) - limit
	}
	writeJSON(w, events[start:])
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	v := s.Sim.View()
	writeJSON(w, engine.Report{Period: v.Period, Latest: v.Latest, Smoothed: v.Smoothed})
}

func (s *Server) handleStatsHistory(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		http.Error(w, "database not available", http.StatusServiceUnavailable)
		return
	}

	fromPeriod := uint64(0)
	toPeriod := uint64(1<<63 - 1) // Max int64; the SQLite driver rejects uint64 with the high bit set.
	limit := 30

	if f := r.URL.Query().Get("from"); f != "" {
		if v, err := strconv.ParseUint(f, 10, 64); err == nil {
			fromPeriod = v
		}
	}
	if t := r.URL.Query().Get("to"); t != "" {
		if v, err := strconv.ParseUint(t, 10, 64); err == nil && v < toPeriod {
			toPeriod = v
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 1000 {
			limit = v
		}
	}

	rows, err := s.DB.LoadReports(s.RunID, fromPeriod, toPeriod, limit)
	if err != nil {
		slog.Error("stats history query failed", "error", err)
		writeJSON(w, []persistence.ReportRow{})
		return
	}
	if rows == nil {
		rows = []persistence.ReportRow{}
	}
	writeJSON(w, rows)
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if s.Eng == nil {
		http.Error(w, "engine not available", http.StatusServiceUnavailable)
		return
	}
	if r.Method == http.MethodPost {
		var req struct {
			Speed float64 `json:"speed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Speed < 0 || req.Speed > 1000 {
			http.Error(w, "speed must be 0-1000", http.StatusBadRequest)
			return
		}
		s.Eng.SetSpeed(req.Speed)
		slog.Info("speed changed", "speed", req.Speed)
	}

	writeJSON(w, map[string]float64{"speed": s.Eng.Speed()})
}

// handleTax sets the fixed tax of the baseline economy. The regulated tax is
// recomputed every period and cannot be set.
func (s *Server) handleTax(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var req struct {
			Tax *float64 `json:"tax"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tax == nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if *req.Tax < 0 || *req.Tax > 1 {
			http.Error(w, "tax must be 0-1", http.StatusBadRequest)
			return
		}
		s.Sim.SetBaselineTax(*req.Tax)
		slog.Info("baseline tax changed", "tax", *req.Tax)
	}

	v := s.Sim.View()
	writeJSON(w, map[string]float64{
		"baseline":  v.Baseline.Tax,
		"regulated": v.Regulated.Tax,
	})
}

// handleTarget changes the solve target. Fields left out of the request keep
// their current value.
func (s *Server) handleTarget(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		t := s.Sim.Target()
		if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := validateTarget(t); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.Sim.SetTarget(t)
		slog.Info("target changed", "gini", t.Gini, "smooth", t.Smooth, "min_tax", t.MinTax)
	}

	writeJSON(w, s.Sim.Target())
}

func validateTarget(t economy.Target) error {
	switch {
	case t.Gini < 0 || t.Gini > 1:
		return errors.New("gini must be 0-1")
	case t.Smooth < 0.5 || t.Smooth >= 1:
		return errors.New("smooth must be in [0.5, 1)")
	case t.MinTax < 0 || t.MinTax > 1:
		return errors.New("min_tax must be 0-1")
	}
	return nil
}

// handlePlayers adds players to both economies.
func (s *Server) handlePlayers(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		req := struct {
			Count int `json:"count"`
		}{Count: 1}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid json", http.StatusBadRequest)
				return
			}
		}
		if req.Count < 1 || req.Count > maxAddPlayer {
			http.Error(w, fmt.Sprintf("count must be 1-%d", maxAddPlayer), http.StatusBadRequest)
			return
		}

		added := make([]int, 0, req.Count)
		for i := 0; i < req.Count; i++ {
			added = append(added, s.Sim.AddPlayer())
		}
		slog.Info("players added", "count", req.Count)
		writeJSON(w, map[string]any{"added": added, "players": s.Sim.View().Regulated.Len()})
		return
	}

	writeJSON(w, map[string]int{"players": s.Sim.View().Regulated.Len()})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.DB == nil && s.SnapshotDir == "" {
		http.Error(w, "no storage configured", http.StatusServiceUnavailable)
		return
	}

	v := s.Sim.View()
	resp := map[string]any{"period": v.Period, "message": "snapshot saved"}

	if s.DB != nil {
		if err := s.DB.SaveRunState(s.RunID, s.Sim); err != nil {
			slog.Error("snapshot save failed", "error", err)
			http.Error(w, "snapshot failed", http.StatusInternalServerError)
			return
		}
	}
	if s.SnapshotDir != "" {
		path := persistence.SnapshotPath(s.SnapshotDir, s.RunID, v.Period)
		if err := persistence.WriteSnapshot(path, persistence.SnapshotOf(s.RunID, v)); err != nil {
			slog.Error("snapshot file failed", "path", path, "error", err)
			http.Error(w, "snapshot failed", http.StatusInternalServerError)
			return
		}
		resp["file"] = path
	}

	writeJSON(w, resp)
}

// handleWS streams simulation events as JSON text messages, starting with
// the most recent ones.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	current := atomic.AddInt32(&s.wsConns, 1)
	defer atomic.AddInt32(&s.wsConns, -1)
	if current > maxWSConns {
		http.Error(w, "too many websocket connections", http.StatusServiceUnavailable)
		return
	}

	// Subscribe before the handshake completes so nothing is missed between
	// the catch-up and the live feed.
	subID, ch := s.Sim.Subscribe()
	defer s.Sim.Unsubscribe(subID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	slog.Info("websocket client connected", "sub_id", subID)

	// Events recorded between Subscribe and the catch-up read arrive on both;
	// the feed drops the channel copies.
	var f feed
	for _, e := range s.Sim.Events(catchUp) {
		f.fresh(e)
		if err := writeWSEvent(conn, e); err != nil {
			return
		}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader goroutine: clients send nothing, but reading is what notices a
	// close frame or a dropped connection.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !f.fresh(e) {
				continue
			}
			if err := writeWSEvent(conn, e); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-ctx.Done():
			slog.Info("websocket client disconnected", "sub_id", subID)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
			return
		}
	}
}

// feed tracks the last event sent to one websocket client.
type feed struct {
	last uint64
}

// fresh reports whether e comes after everything already sent, and marks it
// sent if so.
func (f *feed) fresh(e engine.Event) bool {
	if e.Seq <= f.last {
		return false
	}
	f.last = e.Seq
	return true
}

func writeWSEvent(conn *websocket.Conn, e engine.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(e)
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
