package testutil

import (
	"testing"

	"github.com/astropipe/deltafit/pkg/spectrum"
)

// UniformWave returns n observed wavelengths starting at lo with step dwave.
func UniformWave(lo, dwave float64, n int) []float64 {
	wave := make([]float64, n)
	for i := range wave {
		wave[i] = lo + float64(i)*dwave
	}
	return wave
}

// NewSpectrum builds a single-arm spectrum whose flux is cont evaluated at
// each rest-frame wavelength, with constant inverse variance. cont receiving
// the rest wavelength keeps fixtures independent of the model grids used by a
// particular test.
func NewSpectrum(t *testing.T, targetID uint64, z float64, wave []float64, ivar float64, cont func(rfWave float64) float64) *spectrum.Spectrum {
	t.Helper()

	flux := make([]float64, len(wave))
	ivars := make([]float64, len(wave))
	arm := "B"
	for i, w := range wave {
		flux[i] = cont(w / (1 + z))
		ivars[i] = ivar
	}

	spec, err := spectrum.New(targetID, z,
		map[string][]float64{arm: wave},
		map[string][]float64{arm: flux},
		map[string][]float64{arm: ivars})
	if err != nil {
		t.Fatalf("building fixture spectrum: %v", err)
	}
	return spec
}

// ForestReady applies the observed and rest-frame windows and prepares the
// smoothed weights, mirroring what the pipeline does before fitting.
func ForestReady(spec *spectrum.Spectrum, w1, w2, fw1, fw2 float64) *spectrum.Spectrum {
	spec.SetForestRegion(w1, w2, fw1, fw2)
	spec.SetSmoothIvar()
	return spec
}
