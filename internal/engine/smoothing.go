package engine

import "math"

// Smoother tracks exponentially smoothed Gini and tax readings. The weight
// of each new reading starts at 1 and decays by Factor per observation, so
// early readings move the average quickly and later ones settle it.
type Smoother struct {
	Factor float64 `json:"factor"`
	Weight float64 `json:"weight"`

	RegulatedGini float64 `json:"regulated_gini"`
	BaselineGini  float64 `json:"baseline_gini"`
	RegulatedTax  float64 `json:"regulated_tax"`
}

// NewSmoother creates a smoother whose weight decays by factor.
func NewSmoother(factor float64) *Smoother {
	return &Smoother{Factor: factor, Weight: 1}
}

// Observe folds one reading into the averages. Non-finite readings leave
// their average unchanged; the weight decays regardless.
func (s *Smoother) Observe(regulatedGini, baselineGini, regulatedTax float64) {
	blend(&s.RegulatedGini, regulatedGini, s.Weight)
	blend(&s.BaselineGini, baselineGini, s.Weight)
	blend(&s.RegulatedTax, regulatedTax, s.Weight)
	s.Weight *= s.Factor
}

func blend(avg *float64, v, weight float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	*avg += (v - *avg) * weight
}

// Settled reports whether new readings barely move the averages any more.
func (s *Smoother) Settled() bool {
	return s.Weight < 1-s.Factor
}
