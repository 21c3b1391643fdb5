// Population generation: initial fortune shapes for a new economy.
// Flat populations start everyone equal; uniform and noise shapes scatter
// fortunes around the start fortune so calibration runs do not all begin at
// a Gini of zero.
package population

import (
	"fmt"
	"math/rand"

	opensimplex "github.com/ojrac/opensimplex-go"
)

// Shape names an initial fortune distribution.
type Shape string

const (
	ShapeFlat    Shape = "flat"    // everyone at the start fortune
	ShapeUniform Shape = "uniform" // independent uniform jitter
	ShapeNoise   Shape = "noise"   // correlated neighbourhoods along the index
)

// minFortune keeps generated fortunes strictly positive so every player can
// take part in transactions.
const minFortune = 1e-3

// GenConfig holds population generation parameters.
type GenConfig struct {
	Shape        Shape
	Count        int
	StartFortune float64
	Spread       float64 // Max deviation from StartFortune
	Seed         int64   // Random seed (0 = random)
}

// Generate returns Count fortunes for the configured shape.
func Generate(cfg GenConfig) ([]float64, error) {
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Int63()
	}

	out := make([]float64, cfg.Count)
	switch cfg.Shape {
	case ShapeFlat, "":
		for i := range out {
			out[i] = cfg.StartFortune
		}
		return out, nil

	case ShapeUniform:
		rng := rand.New(rand.NewSource(seed))
		for i := range out {
			out[i] = clampFortune(cfg.StartFortune + (rng.Float64()*2-1)*cfg.Spread)
		}
		return out, nil

	case ShapeNoise:
		noise := opensimplex.NewNormalized(seed)
		for i := range out {
			// Normalized noise is in [0, 1); recentre to [-1, 1).
			n := octaveNoise(noise, float64(i), 0, 4, 0.05, 0.5)*2 - 1
			out[i] = clampFortune(cfg.StartFortune + n*cfg.Spread)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown population shape %q", cfg.Shape)
}

func clampFortune(f float64) float64 {
	if f < minFortune {
		return minFortune
	}
	return f
}

// octaveNoise generates fractal noise by layering multiple frequencies.
func octaveNoise(noise opensimplex.Noise, x, y float64, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0

	for i := 0; i < octaves; i++ {
		total += noise.Eval2(x*frequency, y*frequency) * amplitude
		maxVal += amplitude
		amplitude *= persistence
		frequency *= 2
	}

	return total / maxVal
}
