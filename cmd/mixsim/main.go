// Command mixsim runs a regulated economy, whose tax is solved toward a
// target Gini every period, next to a fixed-tax baseline fed the same market.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/mix-economy/internal/api"
	"github.com/talgya/mix-economy/internal/config"
	"github.com/talgya/mix-economy/internal/economy"
	"github.com/talgya/mix-economy/internal/engine"
	"github.com/talgya/mix-economy/internal/entropy"
	"github.com/talgya/mix-economy/internal/persistence"
	"github.com/talgya/mix-economy/internal/population"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults when empty)")
	fresh := flag.Bool("fresh", false, "ignore saved state and start a new run")
	debug := flag.Bool("debug", false, "log every period")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// Signals are caught from here on, so one that arrives during setup
	// still ends the run cleanly once the engine starts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}
	mode, _ := cfg.EconomyMode()
	strategy, _ := economy.StrategyByName(cfg.Regulated.Strategy)
	target := economy.Target{
		Gini:   cfg.Regulated.TargetGini,
		Smooth: cfg.Regulated.SmoothTarget,
		MinTax: cfg.Regulated.MinTax,
	}

	// ── Entropy ───────────────────────────────────────────────────────
	rnd := entropy.NewClient(os.Getenv("RANDOM_ORG_API_KEY"))
	if rnd.Enabled() {
		slog.Info("random.org entropy enabled for seeding")
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = entropy.Seed(rnd)
	}
	slog.Info("mixsim starting", "seed", seed, "strategy", strategy.Name(), "target_gini", target.Gini, "mode", mode)

	// ── Database ──────────────────────────────────────────────────────
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0o755); err != nil {
		slog.Error("failed to create data dir", "error", err)
		os.Exit(1)
	}
	db, err := persistence.Open(cfg.Storage.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database opened", "path", cfg.Storage.DBPath)

	// ── Load or Generate Economies ───────────────────────────────────
	var (
		regulated, baseline *economy.Economy
		runID               string
		startPeriod         uint64
	)
	if !*fresh {
		if saved, ok := restore(db); ok {
			runID, regulated, baseline, startPeriod = saved.ID, saved.Regulated, saved.Baseline, saved.Period
			if saved.Seed != 0 {
				seed = saved.Seed
			} else {
				slog.Warn("saved run has no recorded seed, trades will not replay", "run", runID, "seed", seed)
			}
		}
	}
	if regulated == nil {
		fortunes, err := population.Generate(population.GenConfig{
			Shape:        population.Shape(cfg.Population.Shape),
			Count:        cfg.Economy.Players,
			StartFortune: cfg.Economy.StartFortune,
			Spread:       cfg.Population.Spread,
			Seed:         seed,
		})
		if err != nil {
			slog.Error("failed to generate population", "error", err)
			os.Exit(1)
		}
		regulated = economy.NewFromFortunes(cfg.Regulated.InitialTax, cfg.Economy.StartFortune, fortunes)
		baseline = economy.NewFromFortunes(cfg.Baseline.Tax, cfg.Economy.StartFortune, fortunes)
		regulated.Mode, baseline.Mode = mode, mode

		// Record the seed actually used so a resume replays the same trades.
		cfg.Seed = seed
		runID, err = db.StartRun("live", fmt.Sprintf("%s target %.3f", strategy.Name(), target.Gini), cfg)
		if err != nil {
			slog.Error("failed to record run", "error", err)
			os.Exit(1)
		}
		slog.Info("new run", "run", runID, "players", humanize.Comma(int64(regulated.Len())), "shape", cfg.Population.Shape)
	}

	// ── Simulation ────────────────────────────────────────────────────
	sim, err := engine.NewSimulation(engine.Options{
		Regulated: regulated,
		Baseline:  baseline,
		Strategy:  strategy,
		Target:    target,
		Trader: &engine.Trader{
			Seed:   seed,
			Count:  cfg.Market.TransactionsPerPeriod,
			Amount: cfg.Market.AvgTransaction,
		},
		SmoothFactor: cfg.Schedule.SmoothFactor,
	})
	if err != nil {
		slog.Error("failed to create simulation", "error", err)
		os.Exit(1)
	}
	if startPeriod == 0 {
		if err := db.SaveRunState(runID, sim); err != nil {
			slog.Error("initial save failed", "error", err)
		}
	}

	metrics := api.NewMetrics()

	eng := engine.NewEngine()
	eng.Interval = cfg.Schedule.PeriodInterval
	eng.ReportEvery = uint64(cfg.Schedule.ReportEvery)
	eng.MaxPeriods = uint64(cfg.Schedule.MaxPeriods)
	eng.SetPeriod(startPeriod)

	eng.OnPeriod = func(period uint64) {
		metrics.ObservePeriod(sim.TickPeriod(period))
	}
	eng.OnReport = func(period uint64) {
		rep := sim.TickReport(period)
		metrics.ObserveReport(rep)
		if err := db.SaveReport(runID, rep); err != nil {
			slog.Error("report save failed", "period", period, "error", err)
		}
		if err := db.SaveRunState(runID, sim); err != nil {
			slog.Error("autosave failed", "period", period, "error", err)
		}
	}

	// ── HTTP API ──────────────────────────────────────────────────────
	var apiServer *api.Server
	if cfg.API.Port > 0 {
		adminKey := os.Getenv("MIXSIM_ADMIN_KEY")
		if adminKey == "" {
			slog.Warn("MIXSIM_ADMIN_KEY not set, admin POST endpoints will be disabled")
		}
		apiServer = &api.Server{
			Sim:         sim,
			Eng:         eng,
			DB:          db,
			Metrics:     metrics,
			RunID:       runID,
			SnapshotDir: cfg.Storage.SnapshotDir,
			Port:        cfg.API.Port,
			AdminKey:    adminKey,
		}
		apiServer.Start()
	}

	// ── Start ─────────────────────────────────────────────────────────

	fmt.Printf("\nmixsim run %s: %d players, target gini %.3f.\n", runID, regulated.Len(), target.Gini)
	if apiServer != nil {
		fmt.Printf("API: http://localhost:%d/api/v1/status\n", cfg.API.Port)
	}
	if startPeriod > 0 {
		fmt.Printf("Resuming from period %d\n", startPeriod)
	}
	fmt.Println("Starting simulation... (Ctrl+C to stop)")

	eng.Run(ctx)
	if ctx.Err() != nil {
		slog.Info("received signal, shutting down")
	}

	if apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API shutdown failed", "error", err)
		}
		cancel()
	}

	// Final save and snapshot on shutdown.
	slog.Info("final save...")
	if err := db.SaveRunState(runID, sim); err != nil {
		slog.Error("final save failed", "error", err)
	}
	v := sim.View()
	path := persistence.SnapshotPath(cfg.Storage.SnapshotDir, runID, v.Period)
	if err := persistence.WriteSnapshot(path, persistence.SnapshotOf(runID, v)); err != nil {
		slog.Error("final snapshot failed", "error", err)
	} else {
		slog.Info("snapshot written", "path", path)
	}

	fmt.Printf("Simulation stopped at period %d. Smoothed gini %.4f (baseline %.4f), tax %.4f.\n",
		v.Period, v.Smoothed.RegulatedGini, v.Smoothed.BaselineGini, v.Smoothed.RegulatedTax)
}

// savedRun is the state needed to pick up the last run where it stopped.
type savedRun struct {
	ID                  string
	Regulated, Baseline *economy.Economy
	Period              uint64
	Seed                int64 // 0 when the run config did not record one
}

// restore loads the last saved run. Reports false when there is nothing to
// resume.
func restore(db *persistence.DB) (savedRun, bool) {
	runID, err := db.GetMeta("last_run_id")
	if err != nil {
		slog.Info("no saved state found, starting a new run")
		return savedRun{}, false
	}
	reg, err := db.LoadEconomy(runID, "regulated")
	if err != nil {
		slog.Warn("saved run has no regulated economy", "run", runID, "error", err)
		return savedRun{}, false
	}
	base, err := db.LoadEconomy(runID, "baseline")
	if err != nil {
		slog.Warn("saved run has no baseline economy", "run", runID, "error", err)
		return savedRun{}, false
	}

	saved := savedRun{ID: runID, Regulated: reg.Restore(), Baseline: base.Restore()}
	if s, err := db.GetMeta("last_period"); err == nil {
		if p, err := strconv.ParseUint(s, 10, 64); err == nil {
			saved.Period = p
		}
	}
	if run, err := db.GetRun(runID); err != nil {
		slog.Warn("saved run has no run record", "run", runID, "error", err)
	} else {
		var runCfg config.Config
		if err := json.Unmarshal([]byte(run.ConfigJSON), &runCfg); err != nil {
			slog.Warn("saved run config unreadable", "run", runID, "error", err)
		} else {
			saved.Seed = runCfg.Seed
		}
	}
	slog.Info("run state restored", "run", runID, "period", saved.Period, "seed", saved.Seed, "players", humanize.Comma(int64(len(reg.Fortunes))))
	return saved, true
}
