// Simulation ties the regulated and baseline economies to the market and
// runs one period at a time.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/talgya/mix-economy/internal/economy"
)

// maxEvents bounds the in-memory event ring.
const maxEvents = 1000

// Simulation holds a regulated economy, whose tax is solved toward a target
// Gini every period, and a baseline economy that keeps a fixed tax. Both see
// the same market activity.
//
// All access to the economies goes through the simulation lock, so player
// additions and tax changes from the API never interleave with a period.
type Simulation struct {
	mu sync.Mutex

	regulated *economy.Economy
	baseline  *economy.Economy
	strategy  economy.Strategy
	target    economy.Target
	trader    *Trader
	smoother  *Smoother

	lastPeriod uint64
	last       PeriodStats
	events     []Event
	seq        uint64

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// Event is a notable occurrence in the simulation. Seq numbers events from 1
// in the order they were recorded.
type Event struct {
	Seq         uint64 `json:"seq"`
	Period      uint64 `json:"period"`
	Description string `json:"description"`
	Category    string `json:"category"` // "period", "report", "admin", "warning"
}

// PeriodStats summarizes one period.
type PeriodStats struct {
	Period          uint64     `json:"period"`
	Players         int        `json:"players"`
	RegulatedGini   Reading    `json:"regulated_gini"`
	BaselineGini    Reading    `json:"baseline_gini"`
	RegulatedTax    float64    `json:"regulated_tax"`
	BaselineTax     float64    `json:"baseline_tax"`
	RegulatedMin    Reading    `json:"regulated_min"`
	RegulatedMax    Reading    `json:"regulated_max"`
	SolveIterations int        `json:"solve_iterations"`
	RegulatedTrades TradeStats `json:"regulated_trades"`
	BaselineTrades  TradeStats `json:"baseline_trades"`
}

// Report is the smoothed view published every ReportEvery periods.
type Report struct {
	Period   uint64      `json:"period"`
	Latest   PeriodStats `json:"latest"`
	Smoothed Smoother    `json:"smoothed"`
}

// Options configures a Simulation.
type Options struct {
	Regulated    *economy.Economy
	Baseline     *economy.Economy
	Strategy     economy.Strategy
	Target       economy.Target
	Trader       *Trader
	SmoothFactor float64
}

// NewSimulation creates a Simulation. Both economies must have the same
// number of players.
func NewSimulation(opts Options) (*Simulation, error) {
	if opts.Regulated == nil || opts.Baseline == nil {
		return nil, errors.New("simulation needs a regulated and a baseline economy")
	}
	if opts.Regulated.Len() != opts.Baseline.Len() {
		return nil, fmt.Errorf("economy sizes differ: regulated %d, baseline %d",
			opts.Regulated.Len(), opts.Baseline.Len())
	}
	if opts.Strategy == nil {
		opts.Strategy = economy.DecayingPerturbation{}
	}
	return &Simulation{
		regulated: opts.Regulated,
		baseline:  opts.Baseline,
		strategy:  opts.Strategy,
		target:    opts.Target,
		trader:    opts.Trader,
		smoother:  NewSmoother(opts.SmoothFactor),
		subs:      make(map[int]chan Event),
	}, nil
}

// TickPeriod runs one period: random trades, a solve on the regulated
// economy and a fixed-tax update on the baseline.
func (s *Simulation) TickPeriod(period uint64) PeriodStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastPeriod = period
	stats := PeriodStats{Period: period}

	if s.trader != nil {
		trades := s.trader.Trade(period, s.regulated, s.baseline)
		stats.RegulatedTrades = trades[0]
		stats.BaselineTrades = trades[1]
	}

	res, err := s.regulated.SolveWith(s.strategy, s.target)
	if err != nil {
		s.warn(period, "regulated solve", err)
	}
	stats.SolveIterations = res.Iterations

	if err := s.baseline.Update(); err != nil {
		s.warn(period, "baseline update", err)
	}

	s.fill(&stats)
	s.last = stats

	slog.Debug("period",
		"period", period,
		"regulated_gini", fmt.Sprintf("%.4f", float64(stats.RegulatedGini)),
		"baseline_gini", fmt.Sprintf("%.4f", float64(stats.BaselineGini)),
		"tax", fmt.Sprintf("%.4f", stats.RegulatedTax),
		"iterations", stats.SolveIterations,
		"trades", humanize.Comma(int64(stats.RegulatedTrades.Accepted)),
	)
	s.record(Event{
		Period:      period,
		Description: fmt.Sprintf("gini %.4f / %.4f, tax %.4f", float64(stats.RegulatedGini), float64(stats.BaselineGini), stats.RegulatedTax),
		Category:    "period",
	})
	return stats
}

// TickReport folds the latest period into the smoothed averages and logs them.
func (s *Simulation) TickReport(period uint64) Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.smoother.Observe(float64(s.last.RegulatedGini), float64(s.last.BaselineGini), s.last.RegulatedTax)
	rep := Report{Period: period, Latest: s.last, Smoothed: *s.smoother}

	slog.Info("report",
		"period", period,
		"gini_regulated", fmt.Sprintf("%.4f", rep.Smoothed.RegulatedGini),
		"gini_baseline", fmt.Sprintf("%.4f", rep.Smoothed.BaselineGini),
		"tax", fmt.Sprintf("%.4f", rep.Smoothed.RegulatedTax),
		"smooth", fmt.Sprintf("%.4f", rep.Smoothed.Weight),
		"players", humanize.Comma(int64(rep.Latest.Players)),
	)
	s.record(Event{
		Period:      period,
		Description: fmt.Sprintf("smoothed gini %.4f / %.4f, tax %.4f", rep.Smoothed.RegulatedGini, rep.Smoothed.BaselineGini, rep.Smoothed.RegulatedTax),
		Category:    "report",
	})
	return rep
}

// Settled reports whether the smoothed averages have converged.
func (s *Simulation) Settled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.smoother.Settled()
}

// AddPlayer adds one player to both economies and returns its index.
func (s *Simulation) AddPlayer() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.regulated.AddPlayer()
	s.baseline.AddPlayer()
	s.record(Event{Period: s.lastPeriod, Description: fmt.Sprintf("player %d joined", idx), Category: "admin"})
	return idx
}

// SetBaselineTax changes the fixed tax of the baseline economy.
func (s *Simulation) SetBaselineTax(tax float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.baseline.Tax = tax
	s.record(Event{Period: s.lastPeriod, Description: fmt.Sprintf("baseline tax set to %.4f", tax), Category: "admin"})
}

// SetTarget changes the solve target of the regulated economy.
func (s *Simulation) SetTarget(t economy.Target) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.target = t
	s.record(Event{Period: s.lastPeriod, Description: fmt.Sprintf("target gini set to %.4f", t.Gini), Category: "admin"})
}

// Target returns the current solve target.
func (s *Simulation) Target() economy.Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// View is a read-only copy of the simulation state.
type View struct {
	Period    uint64           `json:"period"`
	Strategy  string           `json:"strategy"`
	Target    economy.Target   `json:"target"`
	Latest    PeriodStats      `json:"latest"`
	Smoothed  Smoother         `json:"smoothed"`
	Regulated *economy.Economy `json:"-"`
	Baseline  *economy.Economy `json:"-"`
}

// View returns a copy of the current state. The economies in it are clones
// and safe to read without the simulation lock.
func (s *Simulation) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		Period:    s.lastPeriod,
		Strategy:  s.strategy.Name(),
		Target:    s.target,
		Latest:    s.last,
		Smoothed:  *s.smoother,
		Regulated: s.regulated.Clone(),
		Baseline:  s.baseline.Clone(),
	}
}

// Events returns up to limit of the most recent events, oldest first.
func (s *Simulation) Events(limit int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := 0
	if limit > 0 && len(s.events) > limit {
		start = len(s.events) - limit
	}
	out := make([]Event, len(s.events)-start)
	copy(out, s.events[start:])
	return out
}

// Subscribe registers a listener for new events. Slow listeners miss events
// rather than blocking the simulation.
func (s *Simulation) Subscribe() (int, <-chan Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextID++
	ch := make(chan Event, 64)
	s.subs[s.nextID] = ch
	return s.nextID, ch
}

// Unsubscribe removes a listener and closes its channel.
func (s *Simulation) Unsubscribe(id int) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

// fill computes the per-period readings. Caller holds s.mu.
func (s *Simulation) fill(stats *PeriodStats) {
	stats.Players = s.regulated.Len()
	stats.RegulatedTax = s.regulated.Tax
	stats.BaselineTax = s.baseline.Tax
	lo, hi := s.regulated.MinMax()
	stats.RegulatedMin, stats.RegulatedMax = Reading(lo), Reading(hi)
	stats.RegulatedGini = s.gini(stats.Period, "regulated", s.regulated)
	stats.BaselineGini = s.gini(stats.Period, "baseline", s.baseline)
}

// gini reads an economy's Gini, reporting NaN on failure. Caller holds s.mu.
func (s *Simulation) gini(period uint64, name string, e *economy.Economy) Reading {
	g, err := e.Gini()
	if err != nil {
		s.warn(period, name+" gini", err)
		return Reading(math.NaN())
	}
	return Reading(g)
}

// warn logs and records a non-fatal economy error. Caller holds s.mu.
func (s *Simulation) warn(period uint64, what string, err error) {
	slog.Warn("economy degenerate", "period", period, "op", what, "error", err)
	s.record(Event{Period: period, Description: fmt.Sprintf("%s: %v", what, err), Category: "warning"})
}

// record appends to the event ring and fans out to subscribers. Caller
// holds s.mu.
func (s *Simulation) record(e Event) {
	s.seq++
	e.Seq = s.seq
	s.events = append(s.events, e)
	if len(s.events) > maxEvents {
		s.events = s.events[len(s.events)-maxEvents:]
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
