// Market activity: random peer transactions between players.
package engine

import (
	"errors"

	"github.com/talgya/mix-economy/internal/economy"
	"github.com/talgya/mix-economy/internal/entropy"
)

// Trader generates random peer transactions. The same (from, to) pairs are
// applied to every economy it trades in, so economies of equal size see the
// same market activity and differ only in their tax policy.
//
// Each period draws from its own stream derived from Seed, which keeps a
// resumed run on the same trades as an uninterrupted one.
type Trader struct {
	Seed   int64
	Count  int     // Transactions per period
	Amount float64 // Amount moved per transaction

	// Source, when set, replaces the per-period streams with one shared
	// stream.
	Source entropy.Source
}

// TradeStats counts the outcome of one period of trading in one economy.
type TradeStats struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// Trade runs Count transactions for period. Pairs are drawn over the first
// economy's population; the others must be at least as large. Returns one
// TradeStats per economy, in order.
func (t *Trader) Trade(period uint64, economies ...*economy.Economy) []TradeStats {
	stats := make([]TradeStats, len(economies))
	if len(economies) == 0 {
		return stats
	}
	n := economies[0].Len()
	if n == 0 {
		return stats
	}

	src := t.Source
	if src == nil {
		src = entropy.ForPeriod(t.Seed, period)
	}
	for i := 0; i < t.Count; i++ {
		from := src.Intn(n)
		to := src.Intn(n)
		for j, e := range economies {
			err := e.Transaction(from, to, t.Amount)
			switch {
			case err == nil:
				stats[j].Accepted++
			case errors.Is(err, economy.ErrTransactionRejected):
				stats[j].Rejected++
			}
		}
	}
	return stats
}
