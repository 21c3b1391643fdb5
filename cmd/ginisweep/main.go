// Command ginisweep runs one regulated economy per target Gini, each to a
// settled smoothed state, and records the achieved Gini and tax per target.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/mix-economy/internal/config"
	"github.com/talgya/mix-economy/internal/economy"
	"github.com/talgya/mix-economy/internal/engine"
	"github.com/talgya/mix-economy/internal/entropy"
	"github.com/talgya/mix-economy/internal/persistence"
	"github.com/talgya/mix-economy/internal/population"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults when empty)")
	noDB := flag.Bool("nodb", false, "print results without storing them")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = entropy.Seed(entropy.NewClient(os.Getenv("RANDOM_ORG_API_KEY")))
	}

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	targets := Targets(cfg.Sweep.Targets, cfg.Sweep.MaxTarget)
	slog.Info("sweep starting",
		"targets", len(targets),
		"workers", cfg.Sweep.Workers,
		"players", humanize.Comma(int64(len(fortunes))),
		"seed", seed,
	)
	began := time.Now()

	results, err := Sweep(ctx, cfg, fortunes, seed, targets)
	if err != nil {
		slog.Error("sweep interrupted", "error", err, "completed", len(results))
	}

	for _, r := range results {
		fmt.Printf("%.4f\t%.4f\t%.4f\t%.4f\t%d\n", r.TargetGini, r.RegulatedGini, r.BaselineGini, r.RegulatedTax, r.Periods)
	}
	slog.Info("sweep finished", "results", len(results), "elapsed", time.Since(began).Round(time.Millisecond))

	if *noDB || len(results) == 0 {
		return
	}
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

	runID, err := db.StartRun("sweep", fmt.Sprintf("%d targets up to %.3f", len(targets), cfg.Sweep.MaxTarget), cfg)
	if err != nil {
		slog.Error("failed to record run", "error", err)
		return
	}
	if err := db.SaveSweepResults(runID, results); err != nil {
		slog.Error("failed to save results", "error", err)
		return
	}
	slog.Info("results saved", "run", runID, "path", cfg.Storage.DBPath)
}

// Targets returns n target Gini values from maxTarget down to maxTarget/n.
// Returns nil when n is not positive.
func Targets(n int, maxTarget float64) []float64 {
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = maxTarget * float64(n-i) / float64(n)
	}
	return out
}

// Sweep runs one simulation per target on cfg.Sweep.Workers goroutines.
// Every simulation starts from the same fortunes and the same trade seed, so
// targets differ only in their tax policy. Results are in target order; on
// cancellation only the finished ones are returned.
func Sweep(ctx context.Context, cfg config.Config, fortunes []float64, seed int64, targets []float64) ([]persistence.SweepResult, error) {
	mode, err := cfg.EconomyMode()
	if err != nil {
		return nil, err
	}
	strategy, err := economy.StrategyByName(cfg.Regulated.Strategy)
	if err != nil {
		return nil, err
	}

	results := make([]persistence.SweepResult, len(targets))
	done := make([]bool, len(targets))
	jobs := make(chan int)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for w := 0; w < cfg.Sweep.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				r, err := runTarget(ctx, cfg, mode, strategy, fortunes, seed, targets[i])
				mu.Lock()
				if err != nil {
					if firstErr == nil {
						firstErr = err
					}
				} else {
					results[i], done[i] = r, true
				}
				mu.Unlock()
				if err == nil {
					slog.Info("target settled",
						"target", fmt.Sprintf("%.4f", r.TargetGini),
						"gini", fmt.Sprintf("%.4f", r.RegulatedGini),
						"tax", fmt.Sprintf("%.4f", r.RegulatedTax),
						"periods", r.Periods,
					)
				}
			}
		}()
	}

feed:
	for i := range targets {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	out := make([]persistence.SweepResult, 0, len(targets))
	for i, r := range results {
		if done[i] {
			out = append(out, r)
		}
	}
	if firstErr == nil {
		firstErr = ctx.Err()
	}
	return out, firstErr
}

func runTarget(ctx context.Context, cfg config.Config, mode economy.Mode, strategy economy.Strategy, fortunes []float64, seed int64, target float64) (persistence.SweepResult, error) {
	regulated := economy.NewFromFortunes(cfg.Regulated.InitialTax, cfg.Economy.StartFortune, fortunes)
	baseline := economy.NewFromFortunes(cfg.Baseline.Tax, cfg.Economy.StartFortune, fortunes)
	regulated.Mode, baseline.Mode = mode, mode

	sim, err := engine.NewSimulation(engine.Options{
		Regulated: regulated,
		Baseline:  baseline,
		Strategy:  strategy,
		Target: economy.Target{
			Gini:   target,
			Smooth: cfg.Regulated.SmoothTarget,
			MinTax: cfg.Regulated.MinTax,
		},
		Trader: &engine.Trader{
			Seed:   seed,
			Count:  cfg.Market.TransactionsPerPeriod,
			Amount: cfg.Market.AvgTransaction,
		},
		SmoothFactor: cfg.Schedule.SmoothFactor,
	})
	if err != nil {
		return persistence.SweepResult{}, err
	}

	rep, err := engine.RunBatch(ctx, sim, uint64(cfg.Schedule.ReportEvery), uint64(cfg.Schedule.MaxPeriods))
	if err != nil {
		return persistence.SweepResult{}, fmt.Errorf("target %.4f: %w", target, err)
	}
	return persistence.SweepResult{
		TargetGini:    target,
		Periods:       rep.Period,
		RegulatedGini: rep.Smoothed.RegulatedGini,
		BaselineGini:  rep.Smoothed.BaselineGini,
		RegulatedTax:  rep.Smoothed.RegulatedTax,
	}, nil
}
