package continuum

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/astropipe/deltafit/pkg/comm"
	"github.com/astropipe/deltafit/pkg/observability"
	"github.com/astropipe/deltafit/pkg/spectrum"
)

// ErrDegenerateModel is returned when an entire round accumulates zero weight
// in the mean-continuum stack, which signals an empty or over-masked dataset.
var ErrDegenerateModel = errors.New("mean-continuum stack has zero total weight")

// Engine drives the distributed iteration: per-object fits over the local
// partition, local residual stacking, cross-rank reduction, and the global
// model update, repeated until the mean continuum stops moving or the round
// cap is reached. The global model lives as an immutable snapshot that is
// swapped only inside the update phase, from reduced inputs that are
// identical on every rank.
type Engine struct {
	log    logrus.FieldLogger
	comm   comm.Communicator
	cfg    *Config
	solver *Solver
	model  *Model

	// OnRound, when set, observes each completed round's convergence
	// metric after the global update.
	OnRound func(round int, maxDiff float64)
}

// New builds an engine with the initial global snapshot seeded from the
// configured priors. The grids span the rest-frame window [fw1, fw2] and the
// observed window [w1, w2].
func New(log logrus.FieldLogger, c comm.Communicator, cfg *Config, fw1, fw2, w1, w2 float64) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	restGrid, err := NewGrid(fw1, fw2, cfg.RestGridSize)
	if err != nil {
		return nil, err
	}
	obsGrid, err := NewGrid(w1, w2, cfg.ObsGridSize)
	if err != nil {
		return nil, err
	}

	model, err := NewInitialModel(restGrid, obsGrid, cfg.VarLSSDefault)
	if err != nil {
		return nil, err
	}

	return &Engine{
		log:    log.WithField("component", "continuum").WithField("rank", c.Rank()),
		comm:   c,
		cfg:    cfg,
		solver: &Solver{MinPixels: cfg.MinPixels, MaxIter: cfg.InnerIters, Tol: cfg.InnerTol},
		model:  model,
	}, nil
}

// Model returns the current global snapshot. After Iterate returns nil the
// snapshot is frozen and identical on every rank.
func (e *Engine) Model() *Model { return e.model }

// Iterate runs fit rounds to convergence or the round cap. Any local error is
// converted into a collective abort before unwinding so peers blocked in a
// reduction or barrier fail fast instead of waiting on this rank forever.
func (e *Engine) Iterate(ctx context.Context, spectra []*spectrum.Spectrum) error {
	err := e.iterate(ctx, spectra)
	if err != nil && !errors.Is(err, comm.ErrAborted) {
		e.comm.Abort(ctx, err.Error())
	}
	return err
}

func (e *Engine) iterate(ctx context.Context, spectra []*spectrum.Spectrum) error {
	for round := 1; round <= e.cfg.MaxRounds; round++ {
		start := time.Now()

		nValid := e.fitAll(spectra)

		acc := e.stack(spectra)
		reduced, err := e.comm.AllReduceSum(ctx, fmt.Sprintf("stack:%d", round), acc.flatten())
		if err != nil {
			return fmt.Errorf("round %d reduction failed: %w", round, err)
		}
		acc.unflatten(reduced)

		model, maxDiff, err := e.update(acc)
		if err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
		e.model = model

		// No rank may start the next round's fits before all have
		// finished the update; partitions are uneven.
		if err := e.comm.Barrier(ctx, fmt.Sprintf("round:%d", round)); err != nil {
			return fmt.Errorf("round %d barrier failed: %w", round, err)
		}

		observability.RecordRound(time.Since(start).Seconds(), maxDiff)
		if e.OnRound != nil {
			e.OnRound(round, maxDiff)
		}
		e.log.WithFields(logrus.Fields{
			"round":        round,
			"valid_local":  nValid,
			"valid_global": int(acc.validCount),
			"max_diff":     maxDiff,
			"duration":     time.Since(start).Round(time.Millisecond),
		}).Info("Completed fit round")

		if maxDiff < e.cfg.Tolerance {
			e.log.WithField("rounds", round).Info("Mean continuum converged")
			return nil
		}
	}

	e.log.WithField("rounds", e.cfg.MaxRounds).Warn("Round cap reached before convergence")
	return nil
}

// fitAll refits every spectrum of the local partition against the current
// snapshot. Fit failures only invalidate the object for this round; a
// previously failed object is retried once the global functions have moved.
// Returns the number of valid fits.
func (e *Engine) fitAll(spectra []*spectrum.Spectrum) int {
	var nValid, nFailed int64

	jobs := make(chan *spectrum.Spectrum)
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for spec := range jobs {
				if err := e.solver.Fit(spec, e.model); err != nil {
					atomic.AddInt64(&nFailed, 1)
					observability.RecordFit(fitStatus(err))
					continue
				}
				atomic.AddInt64(&nValid, 1)
				observability.RecordFit("ok")
			}
		}()
	}
	for _, spec := range spectra {
		jobs <- spec
	}
	close(jobs)
	wg.Wait()

	if nFailed > 0 {
		e.log.WithField("failed", nFailed).Debug("Excluded failed fits from this round")
	}
	return int(nValid)
}

func fitStatus(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientPixels):
		return "insufficient_pixels"
	case errors.Is(err, ErrDegenerateFit):
		return "degenerate"
	case errors.Is(err, ErrNoConvergence):
		return "no_convergence"
	default:
		return "error"
	}
}

// update recomputes both global functions from the reduced accumulators and
// returns the next snapshot plus the convergence metric. Bins with zero
// accumulated weight keep their previous value. The new mean continuum is
// renormalized by its weighted mean so the template cannot trade overall
// scale against the per-object amplitudes.
func (e *Engine) update(acc *accumulators) (*Model, float64, error) {
	prev := e.model

	var wTotal, wmTotal float64
	meanCont := make([]float64, prev.RestGrid.N)
	updated := make([]bool, prev.RestGrid.N)
	for i := range meanCont {
		if acc.contWeight[i] > 0 {
			meanCont[i] = acc.contNum[i] / acc.contWeight[i]
			updated[i] = true
			wTotal += acc.contWeight[i]
			wmTotal += acc.contWeight[i] * meanCont[i]
		} else {
			meanCont[i] = prev.MeanCont[i]
		}
	}
	if wTotal == 0 {
		return nil, 0, ErrDegenerateModel
	}

	norm := wmTotal / wTotal
	maxDiff := 0.0
	for i := range meanCont {
		if !updated[i] {
			continue
		}
		if norm > 0 {
			meanCont[i] /= norm
		}
		if prev.MeanCont[i] != 0 {
			diff := math.Abs(meanCont[i]/prev.MeanCont[i] - 1)
			maxDiff = math.Max(maxDiff, diff)
		}
	}

	varLSS := make([]float64, prev.ObsGrid.N)
	for i := range varLSS {
		if acc.varWeight[i] > 0 {
			v := acc.varNum[i] / acc.varWeight[i]
			varLSS[i] = math.Min(math.Max(v, 0), e.cfg.VarLSSMax)
		} else {
			varLSS[i] = prev.VarLSS[i]
		}
	}

	model, err := NewModel(prev.RestGrid, prev.ObsGrid, meanCont, varLSS)
	if err != nil {
		return nil, 0, err
	}
	return model, maxDiff, nil
}
