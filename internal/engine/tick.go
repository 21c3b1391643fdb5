// Package engine provides the period-based loop that drives the economies.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Engine drives the simulation forward one period at a time.
type Engine struct {
	Interval    time.Duration // Base period interval (default 100ms)
	ReportEvery uint64        // Periods between OnReport calls
	MaxPeriods  uint64        // 0 = run until stopped

	// Callbacks populated during setup.
	OnPeriod func(period uint64) // Every period
	OnReport func(period uint64) // Every ReportEvery periods

	mu      sync.Mutex
	period  uint64  // Current period counter (monotonic, never resets)
	speed   float64 // Multiplier: 1.0 = real-time, 0 = paused
	running bool
	stopped bool // Stop arrived before Run
	cancel  context.CancelFunc
}

// NewEngine creates an engine with default settings.
func NewEngine() *Engine {
	return &Engine{
		Interval:    100 * time.Millisecond,
		ReportEvery: 10,
		speed:       1.0,
	}
}

// Period returns the most recently started period.
func (e *Engine) Period() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.period
}

// SetPeriod sets the period counter, used when resuming a saved run.
func (e *Engine) SetPeriod(p uint64) {
	e.mu.Lock()
	e.period = p
	e.mu.Unlock()
}

// Speed returns the speed multiplier.
func (e *Engine) Speed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speed
}

// SetSpeed changes the speed multiplier. 0 pauses the loop.
func (e *Engine) SetSpeed(speed float64) {
	e.mu.Lock()
	e.speed = speed
	e.mu.Unlock()
}

// Running reports whether Run is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Run starts the loop. Blocks until ctx is done, Stop is called, or
// MaxPeriods periods have run. A Stop that lands before Run makes Run
// return without stepping.
func (e *Engine) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.stopped {
		e.stopped = false
		e.mu.Unlock()
		slog.Info("economy engine stopped before start", "period", e.Period())
		return
	}
	e.running = true
	e.cancel = cancel
	start := e.period
	e.mu.Unlock()

	slog.Info("economy engine started", "period", start, "speed", e.Speed())

	for ctx.Err() == nil {
		speed := e.Speed()
		if speed <= 0 {
			// Paused; sleep briefly and check again.
			if !sleep(ctx, 100*time.Millisecond) {
				break
			}
			continue
		}

		began := time.Now()
		period := e.step()

		if e.MaxPeriods > 0 && period-start >= e.MaxPeriods {
			break
		}

		// Sleep for the remainder of the interval, adjusted for speed.
		elapsed := time.Since(began)
		target := time.Duration(float64(e.Interval) / speed)
		if elapsed < target && !sleep(ctx, target-elapsed) {
			break
		}
	}

	e.mu.Lock()
	e.running = false
	e.cancel = nil
	e.mu.Unlock()
	slog.Info("economy engine stopped", "period", e.Period())
}

// Stop halts the loop, or makes the next Run return at once when the loop
// has not started yet.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
		return
	}
	e.stopped = true
}

// step advances by one period and returns it.
func (e *Engine) step() uint64 {
	e.mu.Lock()
	e.period++
	p := e.period
	e.mu.Unlock()

	if e.OnPeriod != nil {
		e.OnPeriod(p)
	}
	if e.ReportEvery > 0 && p%e.ReportEvery == 0 && e.OnReport != nil {
		e.OnReport(p)
	}
	return p
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
