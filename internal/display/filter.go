package display

import (
	"fmt"
	"math"
)

const (
	FilterLowPass FilterType = "lowpass"

	OrderMax = 8
)

type FilterType string

func (t FilterType) String() string {
	return string(t)
}

// FilterSpec describes the display smoothing filter applied per visible
// channel. Stored data is never filtered.
type FilterSpec struct {
	Type   FilterType `yaml:"type" json:"type"`     // Only lowpass is supported
	Cutoff float64    `yaml:"cutoff" json:"cutoff"` // Corner frequency in Hz
	Order  int        `yaml:"order" json:"order"`   // Even order, 2 to 8
}

func (s *FilterSpec) Validate(sampleRate float64) error {
	if s.Type != "" && s.Type != FilterLowPass {
		return fmt.Errorf("display.FilterSpec: unsupported filter type: %s", s.Type)
	}
	if s.Cutoff <= 0 || s.Cutoff >= sampleRate/2 {
		return fmt.Errorf("display.FilterSpec: cutoff must be between 0 and the Nyquist rate %.2f Hz: %.2f given", sampleRate/2, s.Cutoff)
	}
	if s.Order < 2 || s.Order > OrderMax || s.Order%2 != 0 {
		return fmt.Errorf("display.FilterSpec: order must be even, between 2 and %d: %d given", OrderMax, s.Order)
	}
	return nil
}

// biquad is one second-order IIR section in direct form I
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64

	x1, x2 float64
	y1, y2 float64
}

func (s *biquad) process(x float64) float64 {
	y := s.b0*x + s.b1*s.x1 + s.b2*s.x2 - s.a1*s.y1 - s.a2*s.y2
	s.x2, s.x1 = s.x1, x
	s.y2, s.y1 = s.y1, y
	return y
}

func (s *biquad) reset() {
	s.x1, s.x2 = 0, 0
	s.y1, s.y2 = 0, 0
}

// LowPass is a causal Butterworth low-pass realized as cascaded biquad
// sections. State is private to one channel; resetting it cannot affect any
// other channel or the storage path.
type LowPass struct {
	sections []biquad
}

// NewLowPass designs a Butterworth low-pass for the given cutoff at the
// given (decimated) sample rate
func NewLowPass(spec FilterSpec, sampleRate float64) (*LowPass, error) {
	if err := spec.Validate(sampleRate); err != nil {
		return nil, err
	}

	w0 := 2 * math.Pi * spec.Cutoff / sampleRate
	cosW0 := math.Cos(w0)
	sinW0 := math.Sin(w0)

	sections := make([]biquad, spec.Order/2)
	for k := range sections {
		// Butterworth pole pair angles give each section its Q
		theta := math.Pi * float64(2*k+1) / float64(2*spec.Order)
		q := 1 / (2 * math.Cos(theta))
		alpha := sinW0 / (2 * q)

		a0 := 1 + alpha
		sections[k] = biquad{
			b0: (1 - cosW0) / 2 / a0,
			b1: (1 - cosW0) / a0,
			b2: (1 - cosW0) / 2 / a0,
			a1: -2 * cosW0 / a0,
			a2: (1 - alpha) / a0,
		}
	}

	return &LowPass{sections: sections}, nil
}

// Process filters one sample through the cascade
func (f *LowPass) Process(x float64) float64 {
	for i := range f.sections {
		x = f.sections[i].process(x)
	}
	return x
}

// Reset clears the filter state
func (f *LowPass) Reset() {
	for i := range f.sections {
		f.sections[i].reset()
	}
}
