package continuum

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/astropipe/deltafit/pkg/spectrum"
)

var (
	// ErrInsufficientPixels is returned when too few valid pixels remain to
	// constrain the two-parameter fit
	ErrInsufficientPixels = errors.New("insufficient pixels for continuum fit")
	// ErrDegenerateFit is returned when the normal equations are singular or
	// ill-conditioned, or the fitted continuum is non-positive
	ErrDegenerateFit = errors.New("degenerate continuum fit")
	// ErrNoConvergence is returned when the inner solve does not settle
	// within its iteration cap
	ErrNoConvergence = errors.New("continuum fit did not converge")
)

// maxFitCond is the conditioning ceiling for the normal-equations matrix.
const maxFitCond = 1e8

// Solver fits the two-parameter (amplitude, slope) continuum model of one
// spectrum against the current global snapshot. The fit weight couples to the
// continuum itself through the variance model, so the linear solve is wrapped
// in a fixed-point loop over the weights.
type Solver struct {
	MinPixels int
	MaxIter   int
	Tol       float64
}

// fitPixel is one usable pixel flattened across arms.
type fitPixel struct {
	flux     float64
	smIvar   float64
	template float64 // meanCont(rfWave)
	t        float64 // slope coordinate
	varLSS   float64
}

// Fit solves for (a, b) on spec given the current model snapshot. On success
// the parameters are written onto the spectrum and ContValid is set; on
// failure the spectrum is flagged invalid and one of ErrInsufficientPixels,
// ErrDegenerateFit or ErrNoConvergence is returned. No other state changes.
func (sv *Solver) Fit(spec *spectrum.Spectrum, m *Model) error {
	spec.ContValid = false

	pixels := sv.gatherPixels(spec, m)
	if len(pixels) < sv.MinPixels {
		return ErrInsufficientPixels
	}

	// Amplitude-only seed with instrumental weights; slope starts flat.
	var num, den float64
	for _, p := range pixels {
		num += p.smIvar * p.template * p.flux
		den += p.smIvar * p.template * p.template
	}
	if den <= 0 {
		return ErrDegenerateFit
	}
	a, b := num/den, 0.0

	converged := false
	for iter := 0; iter < sv.MaxIter; iter++ {
		na, nb, err := sv.solveLinear(pixels, a, b)
		if err != nil {
			return err
		}

		da, db := na-a, nb-b
		a, b = na, nb
		if math.Abs(da)+math.Abs(db) < sv.Tol {
			converged = true
			break
		}
	}
	if !converged {
		return ErrNoConvergence
	}
	if a <= 0 || math.IsNaN(a) || math.IsNaN(b) {
		return ErrDegenerateFit
	}

	spec.ContA = a
	spec.ContB = b
	spec.ContValid = true

	return nil
}

// solveLinear solves the 2x2 weighted normal equations with the weights
// frozen at the current (a, b).
func (sv *Solver) solveLinear(pixels []fitPixel, a, b float64) (na, nb float64, err error) {
	var s00, s01, s11, r0, r1 float64
	for _, p := range pixels {
		c := (a + b*p.t) * p.template
		w := 1 / (1/p.smIvar + p.varLSS*c*c)

		wt := w * p.template
		s00 += wt * p.template
		s01 += wt * p.template * p.t
		s11 += wt * p.template * p.t * p.t
		r0 += wt * p.flux
		r1 += wt * p.t * p.flux
	}

	normal := mat.NewSymDense(2, []float64{s00, s01, s01, s11})

	var chol mat.Cholesky
	if ok := chol.Factorize(normal); !ok {
		return 0, 0, ErrDegenerateFit
	}
	if chol.Cond() > maxFitCond {
		return 0, 0, ErrDegenerateFit
	}

	var sol mat.VecDense
	if err := chol.SolveVecTo(&sol, mat.NewVecDense(2, []float64{r0, r1})); err != nil {
		return 0, 0, ErrDegenerateFit
	}

	return sol.AtVec(0), sol.AtVec(1), nil
}

// gatherPixels flattens the forest regions of all arms into fit pixels,
// skipping masked entries. Pixel order does not affect the solution beyond
// floating-point summation noise.
func (sv *Solver) gatherPixels(spec *spectrum.Spectrum, m *Model) []fitPixel {
	var pixels []fitPixel
	zp1 := 1 + spec.Z
	for _, name := range spec.Arms() {
		arm := spec.Arm(name)
		wave := arm.ForestWave()
		flux := arm.ForestFlux()
		smIvar := arm.ForestSmoothIvar()
		if smIvar == nil {
			smIvar = arm.ForestIvar()
		}
		for i, siv := range smIvar {
			if siv <= 0 {
				continue
			}
			rf := wave[i] / zp1
			pixels = append(pixels, fitPixel{
				flux:     flux[i],
				smIvar:   siv,
				template: m.MeanContAt(rf),
				t:        m.slopeCoord(rf),
				varLSS:   m.VarLSSAt(wave[i]),
			})
		}
	}
	return pixels
}
