package economy

import "fmt"

// SolveTolerance is the step size at which a tax search stops.
const SolveTolerance = 0.0001

// Target describes the Gini coefficient a tax search aims for.
type Target struct {
	Gini float64 `json:"gini"`
	// Smooth is the per-iteration step decay in [0.5, 1). 0.5 halves the
	// step like a binary search; larger values decay slower and tolerate a
	// Gini that is only roughly monotonic in tax.
	Smooth float64 `json:"smooth"`
	// MinTax floors the calibrated tax so the search cannot settle on a
	// zero-tax state.
	MinTax float64 `json:"min_tax"`
}

// SolveResult reports the outcome of a tax search.
type SolveResult struct {
	Tax        float64 `json:"tax"`
	Iterations int     `json:"iterations"`
}

// Strategy searches for a tax producing the target Gini. Implementations
// evaluate candidates on clones and must not mutate the economy passed in.
//
// Every strategy assumes the Gini coefficient after an update falls as tax
// rises. Callers should check that experimentally for their population.
type Strategy interface {
	Name() string
	Search(e *Economy, t Target) (SolveResult, error)
}

// Solve calibrates the tax toward targetGini with the decaying perturbation
// search and applies one update with the result.
func (e *Economy) Solve(targetGini, smoothTarget, minTax float64) error {
	_, err := e.SolveWith(DecayingPerturbation{}, Target{
		Gini:   targetGini,
		Smooth: smoothTarget,
		MinTax: minTax,
	})
	return err
}

// SolveWith runs the given strategy, clamps its tax into [MinTax, 1], stores
// it and updates the economy once. On a search error the economy is left
// untouched.
func (e *Economy) SolveWith(s Strategy, t Target) (SolveResult, error) {
	res, err := s.Search(e, t)
	if err != nil {
		return res, fmt.Errorf("%s search: %w", s.Name(), err)
	}

	tax := res.Tax
	if tax < t.MinTax {
		tax = t.MinTax
	}
	if tax > 1 {
		tax = 1
	}
	res.Tax = tax
	e.Tax = tax
	return res, e.Update()
}

// giniAt returns the Gini coefficient the economy would have after one update
// with the given tax.
func giniAt(e *Economy, tax float64) (float64, error) {
	c := e.Clone()
	c.Tax = tax
	if err := c.Update(); err != nil {
		return 0, err
	}
	return c.Gini()
}

// DecayingPerturbation nudges a running tax up or down by a step that shrinks
// geometrically. It keeps no bracket around the root, so it can settle on a
// poor value when Gini is not monotonic in tax or the target is very low.
type DecayingPerturbation struct{}

// Name implements Strategy.
func (DecayingPerturbation) Name() string { return "decaying-perturbation" }

// Search implements Strategy.
func (DecayingPerturbation) Search(e *Economy, t Target) (SolveResult, error) {
	var res SolveResult
	tax := 0.0
	step := 0.5
	for tax <= 1 {
		gini, err := giniAt(e, tax)
		if err != nil {
			return res, err
		}
		res.Iterations++

		if t.Gini-gini > 0 {
			tax -= step
		} else {
			tax += step
		}
		step *= t.Smooth
		if step < SolveTolerance {
			break
		}
	}
	res.Tax = tax
	return res, nil
}

// Bisection keeps a bracket [MinTax, 1] and halves it until it is narrower
// than SolveTolerance. It returns the smallest tax found whose Gini does not
// exceed the target. Target.Smooth is ignored.
type Bisection struct{}

// Name implements Strategy.
func (Bisection) Name() string { return "bisection" }

// Search implements Strategy.
func (Bisection) Search(e *Economy, t Target) (SolveResult, error) {
	var res SolveResult
	lo, hi := t.MinTax, 1.0

	gini, err := giniAt(e, lo)
	if err != nil {
		return res, err
	}
	res.Iterations++
	if gini <= t.Gini {
		res.Tax = lo
		return res, nil
	}

	gini, err = giniAt(e, hi)
	if err != nil {
		return res, err
	}
	res.Iterations++
	if gini > t.Gini {
		res.Tax = hi
		return res, nil
	}

	for hi-lo >= SolveTolerance {
		mid := (lo + hi) / 2
		gini, err := giniAt(e, mid)
		if err != nil {
			return res, err
		}
		res.Iterations++
		if gini > t.Gini {
			lo = mid
		} else {
			hi = mid
		}
	}
	res.Tax = hi
	return res, nil
}

// StrategyByName returns the strategy registered under name.
func StrategyByName(name string) (Strategy, error) {
	switch name {
	case "", DecayingPerturbation{}.Name():
		return DecayingPerturbation{}, nil
	case Bisection{}.Name():
		return Bisection{}, nil
	}
	return nil, fmt.Errorf("unknown solve strategy %q", name)
}
