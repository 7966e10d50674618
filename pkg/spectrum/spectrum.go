// Package spectrum holds the in-memory model of one quasar observation and
// the per-object transforms applied before and after continuum fitting.
package spectrum

import (
	"errors"
	"math"
	"sort"
)

// LyaWavelength is the rest-frame Lyman-alpha wavelength in Angstrom.
const LyaWavelength = 1215.67

var (
	// ErrArrayLengthMismatch is returned when per-arm arrays differ in length
	ErrArrayLengthMismatch = errors.New("wave, flux and ivar arrays must have equal length")
	// ErrWaveNotIncreasing is returned when a wavelength grid is not strictly increasing
	ErrWaveNotIncreasing = errors.New("wavelength grid must be strictly increasing")
)

// ArmData holds the observed arrays of a single instrument arm. The forest
// window is tracked as a half-open index range [fi, fj) into the arrays.
type ArmData struct {
	Wave       []float64
	Flux       []float64
	Ivar       []float64
	SmoothIvar []float64

	fi, fj int
}

// ForestWave returns the wavelength grid restricted to the forest window.
func (a *ArmData) ForestWave() []float64 { return a.Wave[a.fi:a.fj] }

// ForestFlux returns the flux array restricted to the forest window.
func (a *ArmData) ForestFlux() []float64 { return a.Flux[a.fi:a.fj] }

// ForestIvar returns the inverse variance restricted to the forest window.
func (a *ArmData) ForestIvar() []float64 { return a.Ivar[a.fi:a.fj] }

// ForestSmoothIvar returns the smoothed inverse variance restricted to the
// forest window. Nil until SetSmoothIvar has run.
func (a *ArmData) ForestSmoothIvar() []float64 {
	if a.SmoothIvar == nil {
		return nil
	}
	return a.SmoothIvar[a.fi:a.fj]
}

// ValidPixels counts forest pixels with positive inverse variance.
func (a *ArmData) ValidPixels() int {
	n := 0
	for _, iv := range a.ForestIvar() {
		if iv > 0 {
			n++
		}
	}
	return n
}

// Spectrum is one quasar observation, possibly split across instrument arms.
// It is created by a reader, windowed to the forest region, masked, and
// finally carries the fitted continuum parameters.
type Spectrum struct {
	TargetID uint64
	RA       float64
	Dec      float64
	Z        float64
	Group    uint32

	// RSNR is a crude signal-to-noise summary over the forest region,
	// filled by SetForestRegion.
	RSNR float64

	// Fitted continuum amplitude and slope. Meaningful only when
	// ContValid is true.
	ContA     float64
	ContB     float64
	ContValid bool

	armNames []string
	arms     map[string]*ArmData
}

// New creates a spectrum from per-arm arrays. Arms with no data may simply be
// absent from the maps. Array lengths are checked per arm.
func New(targetID uint64, z float64, wave, flux, ivar map[string][]float64) (*Spectrum, error) {
	s := &Spectrum{
		TargetID: targetID,
		Z:        z,
		arms:     make(map[string]*ArmData),
	}

	names := make([]string, 0, len(wave))
	for arm := range wave {
		names = append(names, arm)
	}
	sort.Strings(names)

	for _, arm := range names {
		w := wave[arm]
		f := flux[arm]
		iv := ivar[arm]
		if len(f) != len(w) || len(iv) != len(w) {
			return nil, ErrArrayLengthMismatch
		}
		for i := 1; i < len(w); i++ {
			if w[i] <= w[i-1] {
				return nil, ErrWaveNotIncreasing
			}
		}
		if len(w) == 0 {
			continue
		}
		s.arms[arm] = &ArmData{Wave: w, Flux: f, Ivar: iv, fi: 0, fj: len(w)}
		s.armNames = append(s.armNames, arm)
	}

	return s, nil
}

// Arms returns the arm names still present, in stable order.
func (s *Spectrum) Arms() []string { return s.armNames }

// Arm returns the data for one arm, or nil if the arm has been dropped.
func (s *Spectrum) Arm(name string) *ArmData { return s.arms[name] }

// SetForestRegion restricts every arm to the intersection of the observed
// window [w1, w2] and the redshifted rest-frame window [fw1, fw2], then
// computes RSNR over the resulting valid pixels. Arms with no overlap are
// dropped.
func (s *Spectrum) SetForestRegion(w1, w2, fw1, fw2 float64) {
	lo := math.Max(w1, fw1*(1+s.Z))
	hi := math.Min(w2, fw2*(1+s.Z))

	kept := s.armNames[:0]
	for _, name := range s.armNames {
		a := s.arms[name]
		a.fi = sort.SearchFloat64s(a.Wave, lo)
		a.fj = sort.SearchFloat64s(a.Wave, hi)
		if a.fj <= a.fi {
			delete(s.arms, name)
			continue
		}
		kept = append(kept, name)
	}
	s.armNames = kept

	s.RSNR = s.computeRSNR()
}

// computeRSNR averages flux*sqrt(ivar) over valid forest pixels.
func (s *Spectrum) computeRSNR() float64 {
	var sum float64
	var n int
	for _, name := range s.armNames {
		a := s.arms[name]
		flux := a.ForestFlux()
		for i, iv := range a.ForestIvar() {
			if iv <= 0 {
				continue
			}
			sum += flux[i] * math.Sqrt(iv)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// RemoveNonForestPixels physically discards pixels outside the forest window,
// shrinking the arrays to the window set by SetForestRegion.
func (s *Spectrum) RemoveNonForestPixels() {
	for _, name := range s.armNames {
		a := s.arms[name]
		a.Wave = a.ForestWave()
		a.Flux = a.ForestFlux()
		a.Ivar = a.ForestIvar()
		if a.SmoothIvar != nil {
			a.SmoothIvar = a.ForestSmoothIvar()
		}
		a.fi, a.fj = 0, len(a.Wave)
	}
}

// DropShortArms removes arms whose forest valid-pixel count is below
// minPixels. A dropped arm never reappears.
func (s *Spectrum) DropShortArms(minPixels int) {
	kept := s.armNames[:0]
	for _, name := range s.armNames {
		if s.arms[name].ValidPixels() < minPixels {
			delete(s.arms, name)
			continue
		}
		kept = append(kept, name)
	}
	s.armNames = kept
}

// IsLong reports whether the rest-frame forest coverage of the valid pixels
// reaches at least ratio of the full window dforestWave = fw2 - fw1.
func (s *Spectrum) IsLong(dforestWave, ratio float64) bool {
	if ratio <= 0 {
		return true
	}
	var coverage float64
	for _, name := range s.armNames {
		a := s.arms[name]
		wave := a.ForestWave()
		ivar := a.ForestIvar()
		for i, iv := range ivar {
			if iv <= 0 {
				continue
			}
			var dw float64
			switch {
			case i+1 < len(wave):
				dw = wave[i+1] - wave[i]
			case i > 0:
				dw = wave[i] - wave[i-1]
			}
			coverage += dw / (1 + s.Z)
		}
	}
	return coverage >= ratio*dforestWave
}

// ValidSpectra filters spectra that survived fitting.
func ValidSpectra(spectra []*Spectrum) []*Spectrum {
	out := make([]*Spectrum, 0, len(spectra))
	for _, s := range spectra {
		if s.ContValid && len(s.armNames) > 0 {
			out = append(out, s)
		}
	}
	return out
}
