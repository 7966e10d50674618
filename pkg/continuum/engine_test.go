package continuum

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astropipe/deltafit/internal/testutil"
	"github.com/astropipe/deltafit/pkg/comm"
	"github.com/astropipe/deltafit/pkg/spectrum"
)

func testEngineConfig() *Config {
	return &Config{
		MaxRounds:     10,
		Tolerance:     0.0001,
		InnerIters:    20,
		InnerTol:      1e-8,
		MinPixels:     20,
		VarLSSDefault: 0.1,
		VarLSSMax:     2.0,
		RestGridSize:  40,
		ObsGridSize:   25,
		Concurrency:   4,
	}
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// trueShape is a mildly curved rest-frame continuum shape used as the ground
// truth in recovery tests.
func trueShape(rfWave float64) float64 {
	t := (rfWave - (testFW1+testFW2)/2) / ((testFW2 - testFW1) / 2)
	return 1 + 0.05*t*t
}

// recoveryDataset synthesizes noiseless spectra whose flux is a per-object
// amplitude polynomial times trueShape.
func recoveryDataset(t *testing.T, n int) []*spectrum.Spectrum {
	t.Helper()

	specs := make([]*spectrum.Spectrum, 0, n)
	for k := 0; k < n; k++ {
		amp := 0.8 + 0.05*float64(k%10)
		slope := -0.2 + 0.04*float64(k%11)
		z := 2.1 + 0.02*float64(k%20)

		wave := testutil.UniformWave(3600, 0.8, 600)
		spec := testutil.NewSpectrum(t, uint64(k+1), z, wave, 1e4, func(rf float64) float64 {
			return (amp + slope*slopeTerm(rf)) * trueShape(rf)
		})
		testutil.ForestReady(spec, testW1, testW2, testFW1, testFW2)
		specs = append(specs, spec)
	}
	return specs
}

// assertContinuaMatchFlux checks that the fitted per-object continuum
// reproduces the noiseless input flux. Template shape and per-object
// parameters are only identified jointly, so the product is the invariant to
// test, not the factors.
func assertContinuaMatchFlux(t *testing.T, m *Model, specs []*spectrum.Spectrum, tol float64) {
	t.Helper()

	for _, spec := range specs {
		require.True(t, spec.ContValid, "target %d", spec.TargetID)
		for _, name := range spec.Arms() {
			arm := spec.Arm(name)
			wave := arm.ForestWave()
			flux := arm.ForestFlux()
			cont := m.ContinuumOn(spec, wave)
			for i := range wave {
				assert.InDelta(t, flux[i], cont[i], tol*math.Abs(flux[i]),
					"target %d pixel %d", spec.TargetID, i)
			}
		}
	}
}

func TestEngine_IterateRecoversContinua(t *testing.T) {
	eng, err := New(testLogger(), comm.NewLocal(), testEngineConfig(), testFW1, testFW2, testW1, testW2)
	require.NoError(t, err)

	specs := recoveryDataset(t, 60)
	require.NoError(t, eng.Iterate(context.Background(), specs))

	assertContinuaMatchFlux(t, eng.Model(), specs, 0.01)
}

func TestEngine_TwoSpectraTruthRecovery(t *testing.T) {
	eng, err := New(testLogger(), comm.NewLocal(), testEngineConfig(), testFW1, testFW2, testW1, testW2)
	require.NoError(t, err)

	// Two flat-shape objects: the template has nothing to learn, so the
	// per-object parameters are exactly identifiable.
	truth := []struct{ amp, slope float64 }{{1.3, 0.2}, {0.7, -0.1}}
	specs := make([]*spectrum.Spectrum, len(truth))
	for k, tr := range truth {
		wave := testutil.UniformWave(3600, 0.8, 600)
		spec := testutil.NewSpectrum(t, uint64(k+1), 2.3, wave, 1e4, func(rf float64) float64 {
			return tr.amp + tr.slope*slopeTerm(rf)
		})
		testutil.ForestReady(spec, testW1, testW2, testFW1, testFW2)
		specs[k] = spec
	}

	require.NoError(t, eng.Iterate(context.Background(), specs))

	for k, tr := range truth {
		require.True(t, specs[k].ContValid)
		assert.InDelta(t, tr.amp, specs[k].ContA, 1e-3, "target %d amplitude", k+1)
		assert.InDelta(t, tr.slope, specs[k].ContB, 1e-3, "target %d slope", k+1)
	}

	// Renormalization pins the template scale, so data-covered bins must
	// stack to the noiseless flat shape and uncovered bins keep the flat
	// prior: the whole mean continuum ends at one.
	for i, v := range eng.Model().MeanCont {
		assert.InDelta(t, 1.0, v, 1e-3, "mean continuum bin %d", i)
	}
}

func TestEngine_IterateNoiselessVarianceCollapses(t *testing.T) {
	eng, err := New(testLogger(), comm.NewLocal(), testEngineConfig(), testFW1, testFW2, testW1, testW2)
	require.NoError(t, err)

	specs := recoveryDataset(t, 40)
	require.NoError(t, eng.Iterate(context.Background(), specs))

	// With noiseless input the residual variance estimator goes negative
	// and must clamp at zero wherever the data accumulate weight. The first
	// observed bin sits inside every fixture's forest coverage.
	m := eng.Model()
	assert.Zero(t, m.VarLSS[0])
	assert.Zero(t, m.VarLSS[1])
}

func TestEngine_IterateKeepsUncoveredBins(t *testing.T) {
	cfg := testEngineConfig()
	eng, err := New(testLogger(), comm.NewLocal(), cfg, testFW1, testFW2, testW1, testW2)
	require.NoError(t, err)

	// Observed coverage ends near 4000 A, so the upper observed-frame bins
	// never accumulate weight and must keep the configured prior.
	specs := recoveryDataset(t, 30)
	require.NoError(t, eng.Iterate(context.Background(), specs))

	m := eng.Model()
	last := m.ObsGrid.N - 1
	assert.Equal(t, cfg.VarLSSDefault, m.VarLSS[last])
}

func TestEngine_IterateEmptyPartition(t *testing.T) {
	eng, err := New(testLogger(), comm.NewLocal(), testEngineConfig(), testFW1, testFW2, testW1, testW2)
	require.NoError(t, err)

	err = eng.Iterate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrDegenerateModel)
}

func TestEngine_PartitionEquivalence(t *testing.T) {
	specs := recoveryDataset(t, 48)

	single := func() *Model {
		eng, err := New(testLogger(), comm.NewLocal(), testEngineConfig(), testFW1, testFW2, testW1, testW2)
		require.NoError(t, err)
		require.NoError(t, eng.Iterate(context.Background(), specs))
		return eng.Model()
	}()

	for _, size := range []int{2, 4} {
		t.Run(map[int]string{2: "two ranks", 4: "four ranks"}[size], func(t *testing.T) {
			// Fresh copies; the engine mutates fit parameters in place.
			ranked := make([][]*spectrum.Spectrum, size)
			for i, spec := range recoveryDataset(t, 48) {
				r := i % size
				ranked[r] = append(ranked[r], spec)
			}

			comms := comm.NewLocalGroup(size)
			models := make([]*Model, size)

			var wg sync.WaitGroup
			for rank := 0; rank < size; rank++ {
				wg.Add(1)
				go func(rank int) {
					defer wg.Done()
					eng, err := New(testLogger(), comms[rank], testEngineConfig(), testFW1, testFW2, testW1, testW2)
					assert.NoError(t, err)
					assert.NoError(t, eng.Iterate(context.Background(), ranked[rank]))
					models[rank] = eng.Model()
				}(rank)
			}
			wg.Wait()

			// Every rank must hold a bit-identical snapshot; the reduced
			// inputs are summed in rank order on all of them.
			for rank := 1; rank < size; rank++ {
				assert.Equal(t, models[0].MeanCont, models[rank].MeanCont, "rank %d mean continuum", rank)
				assert.Equal(t, models[0].VarLSS, models[rank].VarLSS, "rank %d variance", rank)
			}

			// And the split run must agree with the single-rank run up to
			// reduction-order floating-point noise.
			for i := range single.MeanCont {
				assert.InDelta(t, single.MeanCont[i], models[0].MeanCont[i], 1e-9, "mean continuum bin %d", i)
			}
			for i := range single.VarLSS {
				assert.InDelta(t, single.VarLSS[i], models[0].VarLSS[i], 1e-9, "variance bin %d", i)
			}
		})
	}
}

func TestEngine_ConvergenceDiffDecreasesMonotonically(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Tolerance = 1e-6

	eng, err := New(testLogger(), comm.NewLocal(), cfg, testFW1, testFW2, testW1, testW2)
	require.NoError(t, err)

	var diffs []float64
	eng.OnRound = func(_ int, maxDiff float64) { diffs = append(diffs, maxDiff) }

	require.NoError(t, eng.Iterate(context.Background(), recoveryDataset(t, 40)))

	// The template correction shrinks every round on well-posed noiseless
	// data; allow only floating-point noise between rounds.
	require.GreaterOrEqual(t, len(diffs), 2)
	for i := 1; i < len(diffs); i++ {
		assert.LessOrEqual(t, diffs[i], diffs[i-1]+1e-9, "round %d", i+1)
	}
	assert.Less(t, diffs[len(diffs)-1], diffs[0])
}

func TestEngine_OneRoundMatchesHandStack(t *testing.T) {
	cfg := testEngineConfig()
	cfg.MaxRounds = 1

	eng, err := New(testLogger(), comm.NewLocal(), cfg, testFW1, testFW2, testW1, testW2)
	require.NoError(t, err)

	wave := testutil.UniformWave(3600, 0.8, 600)
	spec := testutil.NewSpectrum(t, 1, 2.3, wave, 1e4, func(rf float64) float64 {
		return (1.4 + 0.3*slopeTerm(rf)) * trueShape(rf)
	})
	testutil.ForestReady(spec, testW1, testW2, testFW1, testFW2)

	require.NoError(t, eng.Iterate(context.Background(), []*spectrum.Spectrum{spec}))
	require.True(t, spec.ContValid)

	// Rebuild the single round's stack by hand: against the flat initial
	// template the continuum is just the fitted polynomial, the weights use
	// the seed variance, and each bin averages flux over the polynomial.
	m := eng.Model()
	num := make([]float64, m.RestGrid.N)
	wts := make([]float64, m.RestGrid.N)
	zp1 := 1 + spec.Z
	arm := spec.Arm("B")
	fwave := arm.ForestWave()
	flux := arm.ForestFlux()
	smIvar := arm.ForestSmoothIvar()
	for i, w := range fwave {
		rf := w / zp1
		poly := spec.ContA + spec.ContB*m.slopeCoord(rf)
		bin := m.RestGrid.Bin(rf)
		if poly <= 0 || smIvar[i] <= 0 || bin < 0 {
			continue
		}
		wt := 1 / (1/smIvar[i] + cfg.VarLSSDefault*poly*poly)
		num[bin] += wt * flux[i] / poly
		wts[bin] += wt
	}

	var wTotal, wmTotal float64
	want := make([]float64, m.RestGrid.N)
	for i := range want {
		if wts[i] > 0 {
			want[i] = num[i] / wts[i]
			wTotal += wts[i]
			wmTotal += wts[i] * want[i]
		} else {
			want[i] = 1
		}
	}
	norm := wmTotal / wTotal
	for i := range want {
		if wts[i] > 0 {
			want[i] /= norm
		}
	}

	for i := range want {
		assert.InDelta(t, want[i], m.MeanCont[i], 1e-12, "mean continuum bin %d", i)
	}
}

func TestEngine_NewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"zero rounds", func(c *Config) { c.MaxRounds = 0 }, ErrInvalidRounds},
		{"zero tolerance", func(c *Config) { c.Tolerance = 0 }, ErrInvalidTolerance},
		{"zero inner iterations", func(c *Config) { c.InnerIters = 0 }, ErrInvalidInnerIters},
		{"negative min pixels", func(c *Config) { c.MinPixels = -1 }, ErrInvalidMinPixels},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testEngineConfig()
			tt.mutate(cfg)

			_, err := New(testLogger(), comm.NewLocal(), cfg, testFW1, testFW2, testW1, testW2)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
