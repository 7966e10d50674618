package worker

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astropipe/deltafit/pkg/comm"
	"github.com/astropipe/deltafit/pkg/config"
	"github.com/astropipe/deltafit/pkg/observability"
	"github.com/astropipe/deltafit/pkg/specio"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func writeMockCatalog(t *testing.T, dir string, n int) string {
	t.Helper()

	content := "TARGETID,RA,DEC,Z,GROUP\n"
	for i := 0; i < n; i++ {
		z := 2.2 + 0.02*float64(i%15)
		content += fmt.Sprintf("%d,%.3f,%.3f,%.3f,%d\n", i+1, 150.0+0.01*float64(i), 2.0, z, i%3)
	}

	path := filepath.Join(dir, "catalog.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func mockRunConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	cfg := &config.Config{
		Logging: "panic",
		Input: config.Input{
			Catalog: writeMockCatalog(t, dir, 45),
			Arms:    []string{"B"},
			Dwave:   0.8,
			Mock:    true,
			// Noiseless mocks keep the fit assertions exact.
			MockSigma: 0,
			MockSeed:  42,
		},
		Output: config.Output{
			Dir:  filepath.Join(dir, "deltas"),
			Sink: config.SinkFile,
		},
		Wave: config.Wave{W1: 3600, W2: 6000, FW1: 1040, FW2: 1200},
		Forest: config.Forest{
			CoaddArms:       true,
			MinPixelsPerArm: 20,
		},
		Comm: comm.Config{Size: 1},
	}
	cfg.Fitting.MaxRounds = 10
	cfg.Fitting.Tolerance = 0.0001
	cfg.Fitting.InnerIters = 20
	cfg.Fitting.InnerTol = 1e-8
	cfg.Fitting.MinPixels = 20
	cfg.Fitting.VarLSSDefault = 0.1
	cfg.Fitting.VarLSSMax = 2
	cfg.Fitting.RestGridSize = 40
	cfg.Fitting.ObsGridSize = 25
	cfg.Fitting.Concurrency = 4
	return cfg
}

func TestRun_MockEndToEnd(t *testing.T) {
	cfg := mockRunConfig(t)

	require.NoError(t, Run(context.Background(), cfg, quietLogger()))

	records, err := specio.ReadDeltaFile(filepath.Join(cfg.Output.Dir, "deltas-rank0.gob"))
	require.NoError(t, err)
	require.NotEmpty(t, records)

	targets := make(map[uint64]bool)
	for _, rec := range records {
		targets[rec.TargetID] = true
		assert.Equal(t, "coadd", rec.Arm)
		assert.Positive(t, rec.ContA)
		require.NotEmpty(t, rec.Wave)

		// Mock fluxes are flat per object, so after fitting the deltas
		// vanish up to the template discretization.
		for i, d := range rec.Delta {
			assert.Less(t, math.Abs(d), 0.01, "target %d pixel %d", rec.TargetID, i)
			assert.Positive(t, rec.Weight[i], "target %d pixel %d", rec.TargetID, i)
		}
	}
	assert.Equal(t, 45, len(targets))

	// Mock spectra carry clean weights, so the signal-to-noise cut keeps
	// the whole sample.
	assert.Equal(t, 45.0, promtestutil.ToFloat64(observability.SpectraCount.WithLabelValues("read")))
	assert.Equal(t, 45.0, promtestutil.ToFloat64(observability.SpectraCount.WithLabelValues("snr_cut")))
}

func TestRun_MockByGroup(t *testing.T) {
	cfg := mockRunConfig(t)
	cfg.Output.ByGroup = true

	require.NoError(t, Run(context.Background(), cfg, quietLogger()))

	total := 0
	for group := 0; group < 3; group++ {
		records, err := specio.ReadDeltaFile(filepath.Join(cfg.Output.Dir, fmt.Sprintf("deltas-%d.gob", group)))
		require.NoError(t, err, "group %d", group)
		total += len(records)
	}
	assert.Equal(t, 45, total)
}

func TestRun_BadCatalog(t *testing.T) {
	cfg := mockRunConfig(t)
	cfg.Input.Catalog = "/nonexistent/catalog.csv"

	err := Run(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}

func TestRun_RSNRCutRemovesEverything(t *testing.T) {
	cfg := mockRunConfig(t)
	// Mock spectra have enormous RSNR; an impossible threshold empties the
	// sample and the degenerate model surfaces as an error.
	cfg.Forest.MinRSNR = 1e9

	err := Run(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}
