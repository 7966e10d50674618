// Package continuum implements the distributed iterative continuum-fitting
// engine: a per-object amplitude/slope solver against a shared mean-continuum
// template, and the round-based aggregation that updates the global
// mean-continuum and large-scale-structure variance functions.
package continuum

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/interp"

	"github.com/astropipe/deltafit/pkg/spectrum"
)

var (
	// ErrGridTooSmall is returned when a model grid has fewer than two bins
	ErrGridTooSmall = errors.New("model grid needs at least two bins")
	// ErrGridInverted is returned when a grid range is empty or inverted
	ErrGridInverted = errors.New("model grid range is empty or inverted")
)

// Grid is a fixed uniform binning of a wavelength range. Grids are derived
// once from configuration and are identical on every rank by construction;
// they are never re-derived from data.
type Grid struct {
	Lo, Hi  float64
	N       int
	centers []float64
}

// NewGrid builds a uniform grid of n bins over [lo, hi].
func NewGrid(lo, hi float64, n int) (*Grid, error) {
	if n < 2 {
		return nil, ErrGridTooSmall
	}
	if hi <= lo {
		return nil, fmt.Errorf("%w: [%g, %g]", ErrGridInverted, lo, hi)
	}

	g := &Grid{Lo: lo, Hi: hi, N: n}
	step := (hi - lo) / float64(n)
	g.centers = make([]float64, n)
	for i := range g.centers {
		g.centers[i] = lo + (float64(i)+0.5)*step
	}

	return g, nil
}

// Centers returns the bin center wavelengths.
func (g *Grid) Centers() []float64 { return g.centers }

// Bin returns the bin index containing wave, or -1 if outside the range.
func (g *Grid) Bin(wave float64) int {
	if wave < g.Lo || wave >= g.Hi {
		return -1
	}
	i := int((wave - g.Lo) / (g.Hi - g.Lo) * float64(g.N))
	if i >= g.N {
		i = g.N - 1
	}
	return i
}

// Model is one immutable snapshot of the global continuum state: the mean
// continuum on a fixed rest-frame grid and the large-scale-structure variance
// on a fixed observed-frame grid. The iteration engine replaces the snapshot
// wholesale during its global-update phase; a Model is never mutated after
// construction, which is what makes per-rank replication safe without locks.
type Model struct {
	RestGrid *Grid
	ObsGrid  *Grid

	// MeanCont and VarLSS are the bin-center values backing the
	// interpolants. Read-only after construction.
	MeanCont []float64
	VarLSS   []float64

	meanInterp interp.PiecewiseLinear
	varInterp  interp.PiecewiseLinear

	// slope coordinate: t = (rfWave - rfCenter) / rfHalfWidth
	rfCenter    float64
	rfHalfWidth float64
}

// NewModel builds a snapshot from bin-center values. The value slices are
// taken over, not copied.
func NewModel(restGrid, obsGrid *Grid, meanCont, varLSS []float64) (*Model, error) {
	if len(meanCont) != restGrid.N || len(varLSS) != obsGrid.N {
		return nil, fmt.Errorf("%w: value lengths %d/%d vs grids %d/%d",
			ErrGridTooSmall, len(meanCont), len(varLSS), restGrid.N, obsGrid.N)
	}

	m := &Model{
		RestGrid:    restGrid,
		ObsGrid:     obsGrid,
		MeanCont:    meanCont,
		VarLSS:      varLSS,
		rfCenter:    (restGrid.Lo + restGrid.Hi) / 2,
		rfHalfWidth: (restGrid.Hi - restGrid.Lo) / 2,
	}
	if err := m.meanInterp.Fit(restGrid.Centers(), meanCont); err != nil {
		return nil, err
	}
	if err := m.varInterp.Fit(obsGrid.Centers(), varLSS); err != nil {
		return nil, err
	}

	return m, nil
}

// NewInitialModel seeds the global state before the first round: a flat mean
// continuum and a constant default variance. Both are deterministic functions
// of the configuration, so every rank starts from an identical copy.
func NewInitialModel(restGrid, obsGrid *Grid, varLSSDefault float64) (*Model, error) {
	meanCont := make([]float64, restGrid.N)
	for i := range meanCont {
		meanCont[i] = 1
	}
	varLSS := make([]float64, obsGrid.N)
	for i := range varLSS {
		varLSS[i] = varLSSDefault
	}
	return NewModel(restGrid, obsGrid, meanCont, varLSS)
}

// MeanContAt evaluates the mean continuum at a rest-frame wavelength,
// clamping to the grid range.
func (m *Model) MeanContAt(rfWave float64) float64 {
	return m.meanInterp.Predict(clamp(rfWave, m.RestGrid.centers))
}

// VarLSSAt evaluates the large-scale-structure variance at an observed
// wavelength, clamping to the grid range.
func (m *Model) VarLSSAt(obsWave float64) float64 {
	return m.varInterp.Predict(clamp(obsWave, m.ObsGrid.centers))
}

// slopeCoord maps a rest-frame wavelength onto the dimensionless slope
// coordinate of the two-parameter continuum model.
func (m *Model) slopeCoord(rfWave float64) float64 {
	return (rfWave - m.rfCenter) / m.rfHalfWidth
}

// ContinuumAt evaluates the full per-object continuum
// C(rfWave) = (a + b*t) * meanCont(rfWave) for one pixel.
func (m *Model) ContinuumAt(a, b, rfWave float64) float64 {
	return (a + b*m.slopeCoord(rfWave)) * m.MeanContAt(rfWave)
}

// ContinuumOn evaluates the fitted continuum of spec over a slice of observed
// wavelengths. The spectrum must have valid continuum parameters.
func (m *Model) ContinuumOn(spec *spectrum.Spectrum, obsWave []float64) []float64 {
	out := make([]float64, len(obsWave))
	for i, w := range obsWave {
		out[i] = m.ContinuumAt(spec.ContA, spec.ContB, w/(1+spec.Z))
	}
	return out
}

func clamp(x float64, centers []float64) float64 {
	if x < centers[0] {
		return centers[0]
	}
	if last := centers[len(centers)-1]; x > last {
		return last
	}
	return x
}
