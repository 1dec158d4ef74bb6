package embedding

import (
	"math"
	"testing"

	"github.com/pgvector/pgvector-go"
)

func vectorNorm(v []float32) float64 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	return math.Sqrt(sumSq)
}

func TestNormalizeProducesUnitVector(t *testing.T) {
	v := pgvector.NewVector([]float32{3, 4, 0})
	unit := Normalize(v)

	norm := vectorNorm(unit)
	if math.Abs(norm-1.0) > 1e-6 {
		t.Fatalf("expected unit norm, got %f", norm)
	}
	if math.Abs(float64(unit[0])-0.6) > 1e-6 || math.Abs(float64(unit[1])-0.8) > 1e-6 {
		t.Fatalf("unexpected normalized vector: %v", unit)
	}
}

func TestNormalizeZeroVectorUnchanged(t *testing.T) {
	v := pgvector.NewVector([]float32{0, 0, 0})
	unit := Normalize(v)
	for _, x := range unit {
		if x != 0 {
			t.Fatalf("expected zero vector to remain zero, got %v", unit)
		}
	}
}

func TestNormalizePreservesDimensions(t *testing.T) {
	raw := make([]float32, 384)
	raw[0] = 1
	v := pgvector.NewVector(raw)
	unit := Normalize(v)
	if len(unit) != 384 {
		t.Fatalf("expected 384 dimensions, got %d", len(unit))
	}
}
