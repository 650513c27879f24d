package database

import (
	"math"
	"testing"
)

func TestCosineDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 1},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, 2},
		{"length mismatch", []float32{1}, []float32{1, 0}, 2},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CosineDistance(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CosineDistance() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSimilarityFromDistance(t *testing.T) {
	if got := SimilarityFromDistance(0.08); math.Abs(got-92) > 1e-9 {
		t.Errorf("expected 92, got %v", got)
	}
	if got := SimilarityFromDistance(1.5); got != 0 {
		t.Errorf("expected clamp to 0, got %v", got)
	}
}

func TestMaxDistanceForThreshold(t *testing.T) {
	d := MaxDistanceForThreshold(90)
	if math.Abs(d-0.1) > 1e-9 {
		t.Errorf("expected 0.1, got %v", d)
	}
	if got := SimilarityFromDistance(d); math.Abs(got-90) > 1e-9 {
		t.Errorf("threshold round trip: got %v", got)
	}
}
