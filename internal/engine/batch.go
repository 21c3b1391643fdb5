package engine

import "context"

// RunBatch runs periods back to back without pacing. Every reportEvery
// periods it folds a report into the smoothed averages and stops once they
// have settled, ctx is done, or maxPeriods periods have run (0 = no limit).
// Returns the last report.
func RunBatch(ctx context.Context, sim *Simulation, reportEvery, maxPeriods uint64) (Report, error) {
	if reportEvery == 0 {
		reportEvery = 1
	}
	var rep Report
	for period := uint64(1); ; period++ {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		sim.TickPeriod(period)
		if period%reportEvery == 0 {
			rep = sim.TickReport(period)
			if sim.Settled() {
				return rep, nil
			}
		}
		if maxPeriods > 0 && period >= maxPeriods {
			return rep, nil
		}
	}
}
