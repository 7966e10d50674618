// Package masks applies pixel-level masking policies to spectra before
// continuum fitting: sky emission bands, broad absorption line troughs, and
// damped Lyman-alpha systems with a damping-wing flux correction.
package masks

import (
	"github.com/astropipe/deltafit/pkg/observability"
	"github.com/astropipe/deltafit/pkg/spectrum"
)

// speedOfLight in km/s, used for velocity-window masking.
const speedOfLight = 299792.458

// Masker mutates a spectrum's inverse variance (and for the DLA masker also
// its flux) in place. Maskers hold no per-spectrum state and may be applied
// to any number of spectra.
type Masker interface {
	Name() string
	// Apply masks the spectrum and returns the number of pixels zeroed.
	Apply(spec *spectrum.Spectrum) int
}

// ApplyAll runs the maskers over one spectrum in their declared order
// (sky before BAL before DLA, fixed by construction order), then drops arms
// left with fewer than minPixelsPerArm valid pixels. A dropped arm never
// reappears.
func ApplyAll(maskers []Masker, spec *spectrum.Spectrum, minPixelsPerArm int) {
	for _, m := range maskers {
		n := m.Apply(spec)
		observability.RecordMaskedPixels(m.Name(), n)
	}
	spec.DropShortArms(minPixelsPerArm)
}

// maskObservedRange zeroes the inverse variance over [lo, hi] in the
// observed frame across all arms and returns the number of pixels zeroed.
func maskObservedRange(spec *spectrum.Spectrum, lo, hi float64) int {
	n := 0
	for _, name := range spec.Arms() {
		arm := spec.Arm(name)
		for i, w := range arm.Wave {
			if w < lo || w > hi {
				continue
			}
			if arm.Ivar[i] != 0 {
				arm.Ivar[i] = 0
				n++
			}
		}
	}
	return n
}
