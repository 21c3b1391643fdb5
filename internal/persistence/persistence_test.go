package persistence

import (
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/talgya/mix-economy/internal/economy"
	"github.com/talgya/mix-economy/internal/engine"
	"github.com/talgya/mix-economy/internal/entropy"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunsAndMeta(t *testing.T) {
	db := openTestDB(t)

	id, err := db.StartRun("live", "test", map[string]int{"players": 3})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	run, err := db.GetRun(id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Kind != "live" || run.Label != "test" || run.ConfigJSON != `{"players":3}` {
		t.Errorf("run = %+v", run)
	}

	if err := db.SaveMeta("k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveMeta("k", "v2"); err != nil {
		t.Fatal(err)
	}
	v, err := db.GetMeta("k")
	if err != nil || v != "v2" {
		t.Errorf("GetMeta = %q, %v; want v2", v, err)
	}
	if _, err := db.GetMeta("missing"); err == nil {
		t.Error("GetMeta on missing key should fail")
	}
}

func TestEconomyStateRoundTrip(t *testing.T) {
	db := openTestDB(t)

	e := economy.NewFromFortunes(0.07, 0.25, []float64{0.1, 0.2, 0.7})
	e.Mode = economy.ModeLegacy
	if err := db.SaveEconomy("run", "regulated", CaptureEconomy(e)); err != nil {
		t.Fatalf("SaveEconomy: %v", err)
	}

	st, err := db.LoadEconomy("run", "regulated")
	if err != nil {
		t.Fatalf("LoadEconomy: %v", err)
	}
	got := st.Restore()
	if got.Tax != 0.07 || got.StartFortune != 0.25 || got.Mode != economy.ModeLegacy {
		t.Errorf("restored params = %v %v %v", got.Tax, got.StartFortune, got.Mode)
	}
	want := e.Fortunes()
	for i, f := range got.Fortunes() {
		if f != want[i] {
			t.Errorf("fortune %d = %v, want %v", i, f, want[i])
		}
	}
	if got.Player(2).ID != 2 {
		t.Errorf("player 2 ID = %d", got.Player(2).ID)
	}

	if _, err := db.LoadEconomy("run", "baseline"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing economy: err = %v, want ErrNotFound", err)
	}
}

func TestReportsHistory(t *testing.T) {
	db := openTestDB(t)

	for p := uint64(10); p <= 50; p += 10 {
		rep := engine.Report{
			Period: p,
			Latest: engine.PeriodStats{
				Period:        p,
				Players:       4,
				RegulatedGini: engine.Reading(0.2),
				BaselineGini:  engine.Reading(math.NaN()),
				RegulatedTax:  0.05,
			},
			Smoothed: engine.Smoother{Factor: 0.99, Weight: 0.5, RegulatedGini: 0.21},
		}
		if err := db.SaveReport("run", rep); err != nil {
			t.Fatalf("SaveReport %d: %v", p, err)
		}
	}

	rows, err := db.LoadReports("run", 20, 40, 10)
	if err != nil {
		t.Fatalf("LoadReports: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if rows[0].Period != 40 || rows[2].Period != 20 {
		t.Errorf("periods = %d..%d, want 40..20", rows[0].Period, rows[2].Period)
	}
	if float64(rows[0].RegulatedGini) != 0.2 {
		t.Errorf("regulated gini = %v", rows[0].RegulatedGini)
	}
	if rows[0].BaselineGini.Finite() {
		t.Errorf("baseline gini = %v, want NaN from NULL", rows[0].BaselineGini)
	}

	rows, err = db.LoadReports("run", 0, 1000, 2)
	if err != nil || len(rows) != 2 {
		t.Errorf("limit: got %d rows, err %v", len(rows), err)
	}
}

func TestSweepResults(t *testing.T) {
	db := openTestDB(t)
	results := []SweepResult{
		{TargetGini: 0.3, Periods: 100, RegulatedGini: 0.31, BaselineGini: 0.4, RegulatedTax: 0.02},
		{TargetGini: 0.1, Periods: 200, RegulatedGini: 0.12, BaselineGini: 0.4, RegulatedTax: 0.2},
	}
	if err := db.SaveSweepResults("sweep", results); err != nil {
		t.Fatalf("SaveSweepResults: %v", err)
	}
	got, err := db.LoadSweepResults("sweep")
	if err != nil {
		t.Fatalf("LoadSweepResults: %v", err)
	}
	if len(got) != 2 || got[0].TargetGini != 0.1 || got[1].Periods != 100 {
		t.Errorf("got %+v", got)
	}
}

func TestSaveRunState(t *testing.T) {
	db := openTestDB(t)

	sim, err := engine.NewSimulation(engine.Options{
		Regulated:    economy.New(0.001, 0.25, 5),
		Baseline:     economy.New(0.01, 0.25, 5),
		Target:       economy.Target{Gini: 0.2, Smooth: 0.9, MinTax: 0.001},
		Trader:       &engine.Trader{Source: entropy.NewSeeded(1), Count: 20, Amount: 0.03},
		SmoothFactor: 0.9,
	})
	if err != nil {
		t.Fatal(err)
	}
	sim.TickPeriod(7)
	if err := db.SaveRunState("run", sim); err != nil {
		t.Fatalf("SaveRunState: %v", err)
	}

	if v, _ := db.GetMeta("last_period"); v != "7" {
		t.Errorf("last_period = %q", v)
	}
	st, err := db.LoadEconomy("run", "baseline")
	if err != nil {
		t.Fatal(err)
	}
	if st.Tax != 0.01 || len(st.Fortunes) != 5 {
		t.Errorf("baseline state = %+v", st)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := SnapshotPath(filepath.Join(t.TempDir(), "snaps"), "run", 12)
	e := economy.NewFromFortunes(0.03, 0.25, []float64{0.5, 0.25, 0.125})

	snap := Snapshot{
		Header: Header{
			Version: SnapshotVersion,
			RunID:   "run",
			Period:  12,
			TakenAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		Economies: map[string]EconomyState{"regulated": CaptureEconomy(e)},
	}
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if got.Header.Period != 12 || got.Header.RunID != "run" || !got.Header.TakenAt.Equal(snap.Header.TakenAt) {
		t.Errorf("header = %+v", got.Header)
	}
	st, ok := got.Economies["regulated"]
	if !ok {
		t.Fatal("regulated economy missing")
	}
	if st.Tax != 0.03 || st.Mode != "strict" || len(st.Fortunes) != 3 || st.Fortunes[2] != 0.125 {
		t.Errorf("state = %+v", st)
	}
}

func TestSnapshotRejectsVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.json.zst")
	if err := WriteSnapshot(path, Snapshot{Header: Header{Version: 99}}); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadSnapshot(path); err == nil {
		t.Error("ReadSnapshot accepted unknown version")
	}
}
