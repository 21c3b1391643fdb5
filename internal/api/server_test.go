package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/talgya/mix-economy/internal/economy"
	"github.com/talgya/mix-economy/internal/engine"
	"github.com/talgya/mix-economy/internal/entropy"
	"github.com/talgya/mix-economy/internal/persistence"
)

const testKey = "secret"

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	sim, err := engine.NewSimulation(engine.Options{
		Regulated:    economy.NewFromFortunes(0.001, 0.25, []float64{0.5, 0.1, 0.3, 0.2}),
		Baseline:     economy.NewFromFortunes(0.01, 0.25, []float64{0.5, 0.1, 0.3, 0.2}),
		Target:       economy.Target{Gini: 0.2, Smooth: 0.9, MinTax: 0.001},
		Trader:       &engine.Trader{Source: entropy.NewSeeded(3), Count: 10, Amount: 0.01},
		SmoothFactor: 0.9,
	})
	if err != nil {
		t.Fatal(err)
	}
	db, err := persistence.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	s := &Server{
		Sim:         sim,
		Eng:         engine.NewEngine(),
		DB:          db,
		Metrics:     NewMetrics(),
		RunID:       "run-1",
		SnapshotDir: filepath.Join(t.TempDir(), "snaps"),
		AdminKey:    testKey,
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func post(t *testing.T, url, key, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("GET %s: decode: %v", url, err)
	}
}

func TestStatus(t *testing.T) {
	s, ts := newTestServer(t)
	s.Sim.TickPeriod(1)

	var status struct {
		Period   uint64  `json:"period"`
		Players  int     `json:"players"`
		Strategy string  `json:"strategy"`
		Speed    float64 `json:"speed"`
	}
	getJSON(t, ts.URL+"/api/v1/status", &status)
	if status.Period != 1 || status.Players != 4 || status.Strategy != "decaying-perturbation" || status.Speed != 1 {
		t.Errorf("status = %+v", status)
	}
}

func TestFortunesSortedProjection(t *testing.T) {
	_, ts := newTestServer(t)

	var resp struct {
		Players []economy.Player `json:"players"`
	}
	getJSON(t, ts.URL+"/api/v1/fortunes", &resp)
	wantIDs := []economy.PlayerID{1, 3, 2, 0}
	if len(resp.Players) != len(wantIDs) {
		t.Fatalf("got %d players", len(resp.Players))
	}
	for i, p := range resp.Players {
		if p.ID != wantIDs[i] {
			t.Errorf("position %d: id %d, want %d", i, p.ID, wantIDs[i])
		}
	}

	getJSON(t, ts.URL+"/api/v1/fortunes?economy=baseline&order=desc&limit=1", &resp)
	if len(resp.Players) != 1 || resp.Players[0].ID != 0 || resp.Players[0].Fortune != 0.5 {
		t.Errorf("richest = %+v", resp.Players)
	}

	r, err := http.Get(ts.URL + "/api/v1/fortunes?economy=nope")
	if err != nil {
		t.Fatal(err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown economy: status %d", r.StatusCode)
	}
}

func TestAdminAuth(t *testing.T) {
	s, ts := newTestServer(t)

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"wrong token", "nope", http.StatusUnauthorized},
		{"valid token", testKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, ts.URL+"/api/v1/speed", tt.key, `{"speed": 2}`)
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
	if s.Eng.Speed() != 2 {
		t.Errorf("speed = %v, want 2", s.Eng.Speed())
	}

	disabled := &Server{Sim: s.Sim, Eng: s.Eng}
	ts2 := httptest.NewServer(disabled.Handler())
	defer ts2.Close()
	resp := post(t, ts2.URL+"/api/v1/speed", testKey, `{"speed": 3}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("disabled admin: status %d, want 403", resp.StatusCode)
	}
}

func TestTaxAndTarget(t *testing.T) {
	s, ts := newTestServer(t)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"tax ok", "/api/v1/tax", `{"tax": 0.05}`, http.StatusOK},
		{"tax missing", "/api/v1/tax", `{}`, http.StatusBadRequest},
		{"tax too high", "/api/v1/tax", `{"tax": 1.5}`, http.StatusBadRequest},
		{"target partial", "/api/v1/target", `{"gini": 0.3}`, http.StatusOK},
		{"target bad smooth", "/api/v1/target", `{"smooth": 0.2}`, http.StatusBadRequest},
		{"target bad json", "/api/v1/target", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, ts.URL+tt.path, testKey, tt.body)
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	v := s.Sim.View()
	if v.Baseline.Tax != 0.05 {
		t.Errorf("baseline tax = %v, want 0.05", v.Baseline.Tax)
	}
	want := economy.Target{Gini: 0.3, Smooth: 0.9, MinTax: 0.001}
	if v.Target != want {
		t.Errorf("target = %+v, want %+v", v.Target, want)
	}
}

func TestAddPlayers(t *testing.T) {
	s, ts := newTestServer(t)

	resp := post(t, ts.URL+"/api/v1/players", testKey, `{"count": 3}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Added   []int `json:"added"`
		Players int   `json:"players"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Players != 7 || len(out.Added) != 3 || out.Added[0] != 4 {
		t.Errorf("response = %+v", out)
	}
	if s.Sim.View().Baseline.Len() != 7 {
		t.Error("baseline did not grow with regulated")
	}

	bad := post(t, ts.URL+"/api/v1/players", testKey, `{"count": 0}`)
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("count 0: status %d", bad.StatusCode)
	}
}

func TestSnapshotAndHistory(t *testing.T) {
	s, ts := newTestServer(t)
	s.Sim.TickPeriod(1)
	if err := s.DB.SaveReport(s.RunID, s.Sim.TickReport(1)); err != nil {
		t.Fatal(err)
	}

	resp := post(t, ts.URL+"/api/v1/snapshot", testKey, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		File string `json:"file"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(out.File); err != nil {
		t.Errorf("snapshot file: %v", err)
	}
	snap, err := persistence.ReadSnapshot(out.File)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Economies["regulated"].Fortunes) != 4 {
		t.Errorf("snapshot = %+v", snap)
	}
	if _, err := s.DB.LoadEconomy(s.RunID, "regulated"); err != nil {
		t.Errorf("db state: %v", err)
	}

	var rows []persistence.ReportRow
	getJSON(t, ts.URL+"/api/v1/stats/history?limit=5", &rows)
	if len(rows) != 1 || rows[0].Period != 1 {
		t.Errorf("history = %+v", rows)
	}
}

func TestEventsFilter(t *testing.T) {
	s, ts := newTestServer(t)
	s.Sim.TickPeriod(1)
	s.Sim.AddPlayer()

	var events []engine.Event
	getJSON(t, ts.URL+"/api/v1/events?category=admin", &events)
	if len(events) != 1 || events[0].Category != "admin" {
		t.Errorf("events = %+v", events)
	}
}

func TestWebSocketFeed(t *testing.T) {
	s, ts := newTestServer(t)
	s.Sim.TickPeriod(1)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() engine.Event {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var e engine.Event
		if err := conn.ReadJSON(&e); err != nil {
			t.Fatalf("read: %v", err)
		}
		return e
	}

	if e := read(); e.Category != "period" || e.Period != 1 {
		t.Errorf("catch-up event = %+v", e)
	}

	s.Sim.AddPlayer()
	if e := read(); e.Category != "admin" {
		t.Errorf("live event = %+v", e)
	}
}

func TestFeedSkipsEventsAlreadyCaughtUp(t *testing.T) {
	s, _ := newTestServer(t)
	id, ch := s.Sim.Subscribe()
	defer s.Sim.Unsubscribe(id)

	// Recorded after Subscribe but before the catch-up read, so the client
	// would otherwise see it twice.
	s.Sim.AddPlayer()

	var f feed
	backlog := s.Sim.Events(catchUp)
	if len(backlog) == 0 {
		t.Fatal("expected a backlog")
	}
	for _, e := range backlog {
		if !f.fresh(e) {
			t.Fatalf("backlog event %+v rejected", e)
		}
	}
	if e := <-ch; f.fresh(e) {
		t.Errorf("event %+v sent twice", e)
	}

	s.Sim.SetBaselineTax(0.2)
	if e := <-ch; !f.fresh(e) || e.Category != "admin" {
		t.Errorf("live event %+v dropped", e)
	}
}

func TestMetrics(t *testing.T) {
	s, ts := newTestServer(t)
	st := s.Sim.TickPeriod(1)
	s.Metrics.ObservePeriod(st)

	if got := testutil.ToFloat64(s.Metrics.players); got != 4 {
		t.Errorf("players gauge = %v", got)
	}
	if got := testutil.ToFloat64(s.Metrics.trades.WithLabelValues("regulated", "accepted")); got != float64(st.RegulatedTrades.Accepted) {
		t.Errorf("accepted counter = %v, want %d", got, st.RegulatedTrades.Accepted)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), `mixsim_gini{economy="regulated"}`) {
		t.Errorf("metrics output missing regulated gini:\n%s", body)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("a") {
		t.Error("third request should be limited")
	}
	if !rl.Allow("b") {
		t.Error("other IP should not be limited")
	}
	if got := rl.RetryAfter("a"); got != 61 {
		t.Errorf("RetryAfter = %d, want 61", got)
	}
	now = now.Add(time.Minute)
	if !rl.Allow("a") {
		t.Error("window reset should allow again")
	}
}
