package population

import (
	"math"
	"testing"
)

func TestGenerateShapes(t *testing.T) {
	for _, shape := range []Shape{ShapeFlat, ShapeUniform, ShapeNoise} {
		t.Run(string(shape), func(t *testing.T) {
			cfg := GenConfig{Shape: shape, Count: 200, StartFortune: 0.25, Spread: 0.2, Seed: 42}
			fortunes, err := Generate(cfg)
			if err != nil {
				t.Fatal(err)
			}
			if len(fortunes) != cfg.Count {
				t.Fatalf("expected %d fortunes, got %d", cfg.Count, len(fortunes))
			}
			for i, f := range fortunes {
				if f < minFortune || f > cfg.StartFortune+cfg.Spread {
					t.Fatalf("fortune %d = %v outside [%v, %v]", i, f, minFortune, cfg.StartFortune+cfg.Spread)
				}
			}
			if shape == ShapeFlat {
				for i, f := range fortunes {
					if f != cfg.StartFortune {
						t.Fatalf("flat fortune %d = %v", i, f)
					}
				}
			}
		})
	}
}

func TestGenerateDeterministicWithSeed(t *testing.T) {
	for _, shape := range []Shape{ShapeUniform, ShapeNoise} {
		cfg := GenConfig{Shape: shape, Count: 64, StartFortune: 0.3, Spread: 0.1, Seed: 9}
		a, err := Generate(cfg)
		if err != nil {
			t.Fatal(err)
		}
		b, err := Generate(cfg)
		if err != nil {
			t.Fatal(err)
		}
		for i := range a {
			if math.Float64bits(a[i]) != math.Float64bits(b[i]) {
				t.Fatalf("%s: fortune %d differs between runs", shape, i)
			}
		}
	}
}

func TestGenerateUnknownShape(t *testing.T) {
	if _, err := Generate(GenConfig{Shape: "pareto", Count: 3}); err == nil {
		t.Fatal("expected error for unknown shape")
	}
}
