package entropy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestSeededIsReplayable(t *testing.T) {
	a, b := NewSeeded(42), NewSeeded(42)
	for i := 0; i < 100; i++ {
		if a.Intn(1000) != b.Intn(1000) || a.Float64() != b.Float64() {
			t.Fatalf("sequences diverged at draw %d", i)
		}
	}
}

func TestForPeriodStreams(t *testing.T) {
	draw := func(s Source) [8]int {
		var out [8]int
		for i := range out {
			out[i] = s.Intn(1 << 20)
		}
		return out
	}
	if draw(ForPeriod(9, 17)) != draw(ForPeriod(9, 17)) {
		t.Fatal("same seed and period gave different streams")
	}
	if draw(ForPeriod(9, 17)) == draw(ForPeriod(9, 18)) {
		t.Fatal("adjacent periods share a stream")
	}
	if draw(ForPeriod(9, 17)) == draw(ForPeriod(10, 17)) {
		t.Fatal("different seeds share a stream")
	}
}

func TestNewClientWithoutKey(t *testing.T) {
	c := NewClient("")
	if c != nil {
		t.Fatal("expected nil client without api key")
	}
	if c.Enabled() {
		t.Fatal("nil client must not be enabled")
	}
	if f := c.Float64(); f < 0 || f >= 1 {
		t.Fatalf("fallback float out of range: %v", f)
	}
}

func TestClientDrawsFromPool(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		data := make([]float64, 50)
		for i := range data {
			data[i] = 0.25
		}
		resp := map[string]any{"result": map[string]any{"random": map[string]any{"data": data}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient("key").WithEndpoint(srv.URL)
	for i := 0; i < 30; i++ {
		if f := c.Float64(); f != 0.25 {
			t.Fatalf("draw %d: expected pooled 0.25, got %v", i, f)
		}
	}
	if got := c.Intn(8); got != 2 {
		t.Fatalf("expected Intn(8) = 2 from 0.25, got %d", got)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one refill, got %d", calls.Load())
	}
}

func TestClientFallsBackOnAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
	}))
	defer srv.Close()

	c := NewClient("key").WithEndpoint(srv.URL)
	for i := 0; i < 5; i++ {
		if f := c.Float64(); f < 0 || f >= 1 {
			t.Fatalf("fallback float out of range: %v", f)
		}
	}
	if n := c.Intn(3); n < 0 || n >= 3 {
		t.Fatalf("fallback int out of range: %d", n)
	}
}
