package main

import (
	"context"
	"testing"

	"github.com/talgya/mix-economy/internal/config"
)

func TestTargets(t *testing.T) {
	got := Targets(4, 0.4)
	want := []float64{0.4, 0.3, 0.2, 0.1}
	if len(got) != len(want) {
		t.Fatalf("got %d targets", len(got))
	}
	for i := range want {
		if d := got[i] - want[i]; d > 1e-12 || d < -1e-12 {
			t.Errorf("target %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestTargetsEmpty(t *testing.T) {
	for _, n := range []int{0, -4} {
		if got := Targets(n, 0.5); len(got) != 0 {
			t.Errorf("Targets(%d) = %v, want none", n, got)
		}
	}
}

func smallConfig() config.Config {
	cfg := config.Default()
	cfg.Economy.Players = 20
	cfg.Market.TransactionsPerPeriod = 50
	cfg.Schedule.ReportEvery = 2
	cfg.Schedule.SmoothFactor = 0.8
	cfg.Schedule.MaxPeriods = 200
	cfg.Sweep.Workers = 3
	return cfg
}

func TestSweepKeepsTargetOrder(t *testing.T) {
	cfg := smallConfig()
	fortunes := make([]float64, cfg.Economy.Players)
	for i := range fortunes {
		fortunes[i] = cfg.Economy.StartFortune
	}
	targets := Targets(5, 0.5)

	results, err := Sweep(context.Background(), cfg, fortunes, 7, targets)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(results) != len(targets) {
		t.Fatalf("got %d results, want %d", len(results), len(targets))
	}
	for i, r := range results {
		if r.TargetGini != targets[i] {
			t.Errorf("result %d target = %v, want %v", i, r.TargetGini, targets[i])
		}
		if r.Periods == 0 || r.Periods > 200 {
			t.Errorf("result %d ran %d periods", i, r.Periods)
		}
		if r.RegulatedTax <= 0 || r.RegulatedTax > 1 {
			t.Errorf("result %d tax = %v", i, r.RegulatedTax)
		}
	}
}

func TestSweepCancelled(t *testing.T) {
	cfg := smallConfig()
	fortunes := make([]float64, cfg.Economy.Players)
	for i := range fortunes {
		fortunes[i] = cfg.Economy.StartFortune
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := Sweep(ctx, cfg, fortunes, 7, Targets(5, 0.5))
	if err == nil {
		t.Error("cancelled sweep returned no error")
	}
	if len(results) != 0 {
		t.Errorf("cancelled sweep returned %d results", len(results))
	}
}
