// Package config loads the YAML run configuration for the economy drivers.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/talgya/mix-economy/internal/economy"
)

// Config is the root of a run configuration file.
type Config struct {
	Seed       int64            `yaml:"seed"` // 0 = draw from the entropy source
	Economy    EconomyConfig    `yaml:"economy"`
	Regulated  RegulatedConfig  `yaml:"regulated"`
	Baseline   BaselineConfig   `yaml:"baseline"`
	Market     MarketConfig     `yaml:"market"`
	Population PopulationConfig `yaml:"population"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Storage    StorageConfig    `yaml:"storage"`
	API        APIConfig        `yaml:"api"`
	Sweep      SweepConfig      `yaml:"sweep"`
}

// EconomyConfig is shared by every economy in a run.
type EconomyConfig struct {
	Players      int     `yaml:"players"`
	StartFortune float64 `yaml:"start_fortune"`
	Mode         string  `yaml:"mode"` // "strict" or "legacy"
}

// RegulatedConfig drives the economy whose tax is solved every period.
type RegulatedConfig struct {
	InitialTax   float64 `yaml:"initial_tax"`
	TargetGini   float64 `yaml:"target_gini"`
	SmoothTarget float64 `yaml:"smooth_target"`
	MinTax       float64 `yaml:"min_tax"`
	Strategy     string  `yaml:"strategy"`
}

// BaselineConfig drives the comparison economy with a fixed tax.
type BaselineConfig struct {
	Tax float64 `yaml:"tax"`
}

// MarketConfig controls random peer transactions.
type MarketConfig struct {
	TransactionsPerPeriod int     `yaml:"transactions_per_period"`
	AvgTransaction        float64 `yaml:"avg_transaction"`
}

// PopulationConfig shapes the initial fortunes.
type PopulationConfig struct {
	Shape  string  `yaml:"shape"` // "flat", "uniform" or "noise"
	Spread float64 `yaml:"spread"`
}

// ScheduleConfig controls period timing and reporting.
type ScheduleConfig struct {
	PeriodInterval time.Duration `yaml:"period_interval"`
	ReportEvery    int           `yaml:"report_every"`  // periods between smoothed reports
	SmoothFactor   float64       `yaml:"smooth_factor"` // decay of the report smoothing weight
	MaxPeriods     int           `yaml:"max_periods"`   // 0 = run until stopped
}

// StorageConfig locates the history database and snapshot files.
type StorageConfig struct {
	DBPath      string `yaml:"db_path"`
	SnapshotDir string `yaml:"snapshot_dir"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Port int `yaml:"port"` // 0 = disabled
}

// SweepConfig configures a batch sweep over target Gini values.
type SweepConfig struct {
	Targets   int     `yaml:"targets"`
	MaxTarget float64 `yaml:"max_target"`
	Workers   int     `yaml:"workers"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Seed: 42,
		Economy: EconomyConfig{
			Players:      100,
			StartFortune: 0.25,
			Mode:         economy.ModeStrict.String(),
		},
		Regulated: RegulatedConfig{
			TargetGini:   0.2,
			SmoothTarget: 0.9,
			MinTax:       0.001,
			Strategy:     economy.DecayingPerturbation{}.Name(),
		},
		Market: MarketConfig{
			TransactionsPerPeriod: 1000,
			AvgTransaction:        0.03,
		},
		Population: PopulationConfig{
			Shape:  "flat",
			Spread: 0.1,
		},
		Schedule: ScheduleConfig{
			PeriodInterval: 100 * time.Millisecond,
			ReportEvery:    10,
			SmoothFactor:   0.99,
		},
		Storage: StorageConfig{
			DBPath:      "data/mixsim.db",
			SnapshotDir: "data/snapshots",
		},
		API: APIConfig{Port: 8080},
		Sweep: SweepConfig{
			Targets:   100,
			MaxTarget: 0.5,
			Workers:   4,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the logical consistency of the configuration.
func (c Config) Validate() error {
	if c.Economy.Players < 0 {
		return fmt.Errorf("economy.players must not be negative")
	}
	if _, err := c.EconomyMode(); err != nil {
		return err
	}
	if s := c.Regulated.SmoothTarget; s < 0.5 || s >= 1 {
		return fmt.Errorf("regulated.smooth_target must be in [0.5, 1), got %v", s)
	}
	if m := c.Regulated.MinTax; m < 0 || m > 1 {
		return fmt.Errorf("regulated.min_tax must be in [0, 1], got %v", m)
	}
	if _, err := economy.StrategyByName(c.Regulated.Strategy); err != nil {
		return fmt.Errorf("regulated.strategy: %w", err)
	}
	switch c.Population.Shape {
	case "flat", "uniform", "noise":
	default:
		return fmt.Errorf("population.shape must be flat, uniform or noise, got %q", c.Population.Shape)
	}
	if c.Market.TransactionsPerPeriod < 0 {
		return fmt.Errorf("market.transactions_per_period must not be negative")
	}
	if c.Schedule.PeriodInterval <= 0 {
		return fmt.Errorf("schedule.period_interval must be positive")
	}
	if c.Schedule.ReportEvery <= 0 {
		return fmt.Errorf("schedule.report_every must be positive")
	}
	if f := c.Schedule.SmoothFactor; f <= 0 || f >= 1 {
		return fmt.Errorf("schedule.smooth_factor must be in (0, 1), got %v", f)
	}
	if c.Sweep.Workers <= 0 {
		return fmt.Errorf("sweep.workers must be positive")
	}
	if c.Sweep.Targets <= 0 {
		return fmt.Errorf("sweep.targets must be positive, got %d", c.Sweep.Targets)
	}
	if m := c.Sweep.MaxTarget; m < 0 || m > 1 {
		return fmt.Errorf("sweep.max_target must be in [0, 1], got %v", m)
	}
	return nil
}

// EconomyMode parses Economy.Mode.
func (c Config) EconomyMode() (economy.Mode, error) {
	switch c.Economy.Mode {
	case "", "strict":
		return economy.ModeStrict, nil
	case "legacy":
		return economy.ModeLegacy, nil
	}
	return economy.ModeStrict, fmt.Errorf("economy.mode must be strict or legacy, got %q", c.Economy.Mode)
}
