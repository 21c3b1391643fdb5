// Package economy provides the normalized fortune ledger, peer transactions,
// progressive-tax redistribution, and Gini-targeted tax calibration.
//
// Each player holds a fortune measured against a soft limit of 1.0. Money
// above the limit "burns" at a rate scaled by the tax; the shortfall of the
// poorer players below the limit charges rewards that are weighted by
// existing fortune, so saving is still beneficial.
//
// An Economy is not safe for concurrent use. Callers that share one across
// goroutines must hold exclusive access during Update, Solve and AddPlayer.
package economy

import (
	"fmt"
	"math"
	"sort"
)

// SoftLimit is the fortune above which wealth starts to burn.
const SoftLimit = 1.0

// PlayerID is a stable identifier for a player. IDs are never reused.
type PlayerID uint64

// Player is one agent in the economy.
type Player struct {
	ID      PlayerID `json:"id"`
	Fortune float64  `json:"fortune"`
}

// Mode selects how degenerate numeric states are reported.
type Mode uint8

const (
	// ModeStrict reports empty populations, zero wealth and zero
	// redistribution weight as typed errors.
	ModeStrict Mode = iota
	// ModeLegacy lets non-finite values propagate silently, for regression
	// comparison against recorded runs.
	ModeLegacy
)

// String returns the config name of the mode.
func (m Mode) String() string {
	if m == ModeLegacy {
		return "legacy"
	}
	return "strict"
}

// Economy is the whole economy: player fortunes, the progressive tax and
// the fortune handed to new players.
type Economy struct {
	// Tax is the progressive tax factor, applied to the square root of
	// fortune above the soft limit and to the redistributed shortfall.
	Tax float64
	// StartFortune is given to new players. Should be in [0, 1].
	StartFortune float64
	// Mode selects how degenerate inputs are handled: strict reports them
	// as errors, legacy lets NaN propagate.
	Mode Mode

	players []Player
	nextID  PlayerID
}

// New creates an economy with playerCount players, each at startFortune.
// Inputs are not validated.
func New(tax, startFortune float64, playerCount int) *Economy {
	e := &Economy{
		Tax:          tax,
		StartFortune: startFortune,
		players:      make([]Player, 0, playerCount),
	}
	for i := 0; i < playerCount; i++ {
		e.AddPlayer()
	}
	return e
}

// NewFromFortunes creates an economy whose players start with the given
// fortunes, in order. Used for restoring snapshots and shaped populations.
func NewFromFortunes(tax, startFortune float64, fortunes []float64) *Economy {
	e := &Economy{
		Tax:          tax,
		StartFortune: startFortune,
		players:      make([]Player, len(fortunes)),
	}
	for i, f := range fortunes {
		e.players[i] = Player{ID: e.nextID, Fortune: f}
		e.nextID++
	}
	return e
}

// AddPlayer appends a player with the start fortune and returns its index.
func (e *Economy) AddPlayer() int {
	e.players = append(e.players, Player{ID: e.nextID, Fortune: e.StartFortune})
	e.nextID++
	return len(e.players) - 1
}

// Len returns the number of players.
func (e *Economy) Len() int {
	return len(e.players)
}

// Player returns the player at index i. Panics if i is out of range.
func (e *Economy) Player(i int) Player {
	return e.players[i]
}

// Fortunes returns a copy of all fortunes in index order.
func (e *Economy) Fortunes() []float64 {
	out := make([]float64, len(e.players))
	for i, p := range e.players {
		out[i] = p.Fortune
	}
	return out
}

// Sorted returns the players ordered by ascending fortune. The economy's own
// ordering is unchanged, so index handles stay valid.
func (e *Economy) Sorted() []Player {
	out := make([]Player, len(e.players))
	copy(out, e.players)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Fortune < out[j].Fortune
	})
	return out
}

// TotalWealth returns the sum of all fortunes.
func (e *Economy) TotalWealth() float64 {
	sum := 0.0
	for _, p := range e.players {
		sum += p.Fortune
	}
	return sum
}

// MinMax returns the minimum and maximum fortune, or (0, 0) when there are
// no players.
func (e *Economy) MinMax() (float64, float64) {
	if len(e.players) == 0 {
		return 0, 0
	}
	lo, hi := e.players[0].Fortune, e.players[0].Fortune
	for _, p := range e.players[1:] {
		if p.Fortune < lo {
			lo = p.Fortune
		}
		if p.Fortune > hi {
			hi = p.Fortune
		}
	}
	return lo, hi
}

// Clone returns a deep copy of the economy.
func (e *Economy) Clone() *Economy {
	c := *e
	c.players = make([]Player, len(e.players))
	copy(c.players, e.players)
	return &c
}

// Gini returns the Gini coefficient of the fortunes using the exact
// mean-absolute-difference definition. Cost is O(n²).
func (e *Economy) Gini() (float64, error) {
	n := len(e.players)
	if n == 0 && e.Mode == ModeStrict {
		return 0, ErrEmptyPopulation
	}

	sum := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sum += math.Abs(e.players[i].Fortune - e.players[j].Fortune)
		}
	}
	div := 0.0
	for j := 0; j < n; j++ {
		div += e.players[j].Fortune * float64(n)
	}
	if div == 0 && e.Mode == ModeStrict {
		return 0, ErrZeroWealth
	}
	return sum / (2 * div), nil
}

// Transaction moves amount from one player to another. The sender's
// fortune must stay strictly positive. Self transfers are rejected. Negative
// amounts act as a reverse transfer. Panics if an index is out of range.
func (e *Economy) Transaction(from, to int, amount float64) error {
	e.checkIndex("sender", from)
	e.checkIndex("receiver", to)
	if from == to {
		return ErrTransactionRejected
	}
	newFortune := e.players[from].Fortune - amount
	if newFortune > 0 {
		e.players[to].Fortune += amount
		e.players[from].Fortune = newFortune
		return nil
	}
	return ErrTransactionRejected
}

func (e *Economy) checkIndex(role string, i int) {
	if i < 0 || i >= len(e.players) {
		panic(fmt.Sprintf("economy: %s index %d out of range [0, %d)", role, i, len(e.players)))
	}
}

// Update redistributes wealth using the current tax.
//
// Fortunes at or above the soft limit lose sqrt(fortune-1)*tax. The summed
// shortfall below the limit is then handed out to the players below it,
// weighted by the square root of their fortune (floored at StartFortune)
// and scaled by tax.
//
// In strict mode a zero weight sum returns ErrZeroWeights after the burn has
// been applied and before anything is distributed.
func (e *Economy) Update() error {
	tax := e.Tax

	for i := range e.players {
		p := &e.players[i]
		if p.Fortune >= SoftLimit {
			p.Fortune -= math.Sqrt(p.Fortune-SoftLimit) * tax
		}
	}

	sumWeights := 0.0
	distribute := 0.0
	for _, p := range e.players {
		if p.Fortune < SoftLimit {
			distribute += SoftLimit - p.Fortune
			sumWeights += e.weight(p.Fortune)
		}
	}
	if sumWeights == 0 && e.Mode == ModeStrict {
		return ErrZeroWeights
	}

	for i := range e.players {
		p := &e.players[i]
		if p.Fortune < SoftLimit {
			p.Fortune += e.weight(p.Fortune) / sumWeights * distribute * tax
		}
	}
	return nil
}

// weight is the reward weight of a fortune below the soft limit.
func (e *Economy) weight(fortune float64) float64 {
	if fortune < e.StartFortune {
		return math.Sqrt(e.StartFortune)
	}
	return math.Sqrt(fortune)
}
