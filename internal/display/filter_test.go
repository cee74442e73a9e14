package display

import (
	"math"
	"testing"
)

func TestFilterSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		spec    FilterSpec
		wantErr bool
	}{
		{"valid", FilterSpec{Type: FilterLowPass, Cutoff: 10, Order: 4}, false},
		{"type defaulted", FilterSpec{Cutoff: 10, Order: 2}, false},
		{"unsupported type", FilterSpec{Type: "highpass", Cutoff: 10, Order: 4}, true},
		{"cutoff zero", FilterSpec{Cutoff: 0, Order: 4}, true},
		{"cutoff at nyquist", FilterSpec{Cutoff: 500, Order: 4}, true},
		{"odd order", FilterSpec{Cutoff: 10, Order: 3}, true},
		{"order too small", FilterSpec{Cutoff: 10, Order: 0}, true},
		{"order too large", FilterSpec{Cutoff: 10, Order: 10}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate(1000)
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestLowPass_UnityDCGain(t *testing.T) {
	f, err := NewLowPass(FilterSpec{Cutoff: 10, Order: 4}, 1000)
	if err != nil {
		t.Fatalf("failed to create filter: %v", err)
	}

	var y float64
	for i := 0; i < 5000; i++ {
		y = f.Process(1)
	}

	if math.Abs(y-1) > 1e-2 {
		t.Errorf("expected convergence to 1 on constant input, got %f", y)
	}
}

func TestLowPass_AttenuatesAboveCutoff(t *testing.T) {
	f, err := NewLowPass(FilterSpec{Cutoff: 10, Order: 4}, 1000)
	if err != nil {
		t.Fatalf("failed to create filter: %v", err)
	}

	// 400 Hz tone, 40x the cutoff
	var peak float64
	for n := 0; n < 5000; n++ {
		y := f.Process(math.Sin(2 * math.Pi * 400 * float64(n) / 1000))
		if n >= 4000 && math.Abs(y) > peak {
			peak = math.Abs(y)
		}
	}

	if peak > 0.05 {
		t.Errorf("expected strong attenuation at 40x cutoff, residual peak %f", peak)
	}
}

func TestLowPass_Reset(t *testing.T) {
	f, err := NewLowPass(FilterSpec{Cutoff: 50, Order: 2}, 1000)
	if err != nil {
		t.Fatalf("failed to create filter: %v", err)
	}

	input := []float64{1, 0.5, -0.25, 0.75, -1}

	first := make([]float64, len(input))
	for i, x := range input {
		first[i] = f.Process(x)
	}

	f.Reset()

	for i, x := range input {
		if y := f.Process(x); y != first[i] {
			t.Fatalf("sample %d after reset: expected %f, got %f", i, first[i], y)
		}
	}
}
