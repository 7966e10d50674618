package specio

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astropipe/deltafit/pkg/catalog"
	"github.com/astropipe/deltafit/pkg/continuum"
	"github.com/astropipe/deltafit/pkg/spectrum"
)

func flatModel(t *testing.T) *continuum.Model {
	t.Helper()

	restGrid, err := continuum.NewGrid(1040, 1200, 40)
	require.NoError(t, err)
	obsGrid, err := continuum.NewGrid(3600, 6000, 25)
	require.NoError(t, err)

	m, err := continuum.NewInitialModel(restGrid, obsGrid, 0.1)
	require.NoError(t, err)
	return m
}

func fittedSpectrum(t *testing.T, targetID uint64, z float64) *spectrum.Spectrum {
	t.Helper()

	n := 200
	wave := make([]float64, n)
	flux := make([]float64, n)
	ivar := make([]float64, n)
	for i := range wave {
		wave[i] = 3700 + 0.8*float64(i)
		flux[i] = 2.2 // constant flux over a unit template and amplitude 2
		ivar[i] = 25
	}
	s, err := spectrum.New(targetID, z,
		map[string][]float64{"B": wave},
		map[string][]float64{"B": flux},
		map[string][]float64{"B": ivar})
	require.NoError(t, err)

	s.SetForestRegion(3600, 6000, 1040, 1200)
	s.ContA = 2
	s.ContB = 0
	s.ContValid = true
	return s
}

func TestComputeDeltas(t *testing.T) {
	m := flatModel(t)
	s := fittedSpectrum(t, 42, 2.5)
	s.RA, s.Dec, s.Group = 150.1, 2.2, 7

	records := ComputeDeltas(s, m)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, uint64(42), rec.TargetID)
	assert.Equal(t, uint32(7), rec.Group)
	assert.Equal(t, "B", rec.Arm)
	assert.Equal(t, 2.0, rec.ContA)
	require.NotEmpty(t, rec.Wave)
	require.Len(t, rec.Delta, len(rec.Wave))
	require.Len(t, rec.Weight, len(rec.Wave))

	// Continuum is 2 everywhere, flux 2.2: delta = 0.1 on every pixel,
	// and weight = 1/(1/(25*4) + 0.1) = 9.174...
	for i := range rec.Delta {
		assert.InDelta(t, 0.1, rec.Delta[i], 1e-10, "pixel %d", i)
		assert.InDelta(t, 1/(1.0/100+0.1), rec.Weight[i], 1e-10, "pixel %d", i)
	}
}

func TestComputeDeltas_SkipsMaskedPixels(t *testing.T) {
	m := flatModel(t)
	s := fittedSpectrum(t, 1, 2.5)

	ivar := s.Arm("B").ForestIvar()
	n := len(ivar)
	ivar[3] = 0
	ivar[4] = 0

	records := ComputeDeltas(s, m)
	require.Len(t, records, 1)
	assert.Len(t, records[0].Wave, n-2)
}

func TestComputeDeltas_AllMasked(t *testing.T) {
	m := flatModel(t)
	s := fittedSpectrum(t, 1, 2.5)

	ivar := s.Arm("B").ForestIvar()
	for i := range ivar {
		ivar[i] = 0
	}

	assert.Empty(t, ComputeDeltas(s, m))
}

func TestFileWriter_Save(t *testing.T) {
	m := flatModel(t)

	t.Run("per rank file", func(t *testing.T) {
		dir := t.TempDir()
		w := &FileWriter{Dir: dir}

		specs := []*spectrum.Spectrum{
			fittedSpectrum(t, 1, 2.5),
			fittedSpectrum(t, 2, 2.6),
		}
		n, err := w.Save(context.Background(), specs, m, 3)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		records, err := ReadDeltaFile(filepath.Join(dir, "deltas-rank3.gob"))
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, uint64(1), records[0].TargetID)
		assert.Equal(t, uint64(2), records[1].TargetID)
	})

	t.Run("per group files", func(t *testing.T) {
		dir := t.TempDir()
		w := &FileWriter{Dir: dir, ByGroup: true}

		a := fittedSpectrum(t, 1, 2.5)
		a.Group = 7
		b := fittedSpectrum(t, 2, 2.6)
		b.Group = 9

		_, err := w.Save(context.Background(), []*spectrum.Spectrum{a, b}, m, 0)
		require.NoError(t, err)

		r7, err := ReadDeltaFile(filepath.Join(dir, "deltas-7.gob"))
		require.NoError(t, err)
		require.Len(t, r7, 1)
		assert.Equal(t, uint64(1), r7[0].TargetID)

		r9, err := ReadDeltaFile(filepath.Join(dir, "deltas-9.gob"))
		require.NoError(t, err)
		require.Len(t, r9, 1)
		assert.Equal(t, uint64(2), r9[0].TargetID)
	})
}

func TestNativeReader_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	records := []SpectrumRecord{
		{
			TargetID: 101,
			Arms: map[string]ArmArrays{
				"B": {Wave: []float64{3700, 3701}, Flux: []float64{1, 2}, Ivar: []float64{1, 1}},
				"R": {Wave: []float64{5800, 5801}, Flux: []float64{3, 4}, Ivar: []float64{1, 1}},
			},
		},
		{
			TargetID: 102,
			Arms: map[string]ArmArrays{
				"B": {Wave: []float64{3700, 3701}, Flux: []float64{5, 6}, Ivar: []float64{1, 1}},
			},
		},
	}
	require.NoError(t, WriteSpectra(dir, 7, records))

	group := catalog.Group{ID: 7, Entries: []catalog.Entry{
		{TargetID: 101, Z: 2.5, RA: 150.1, Dec: 2.2, Group: 7},
		{TargetID: 102, Z: 2.7, Group: 7},
		{TargetID: 999, Z: 2.4, Group: 7}, // no data on disk
	}}

	r := &NativeReader{Dir: dir, Arms: []string{"B", "R"}}
	specs, err := r.Read(group)
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, uint64(101), specs[0].TargetID)
	assert.Equal(t, []string{"B", "R"}, specs[0].Arms())
	assert.InDelta(t, 150.1, specs[0].RA, 1e-12)
	assert.InDelta(t, 2.5, specs[0].Z, 1e-12)

	assert.Equal(t, uint64(102), specs[1].TargetID)
	assert.Equal(t, []string{"B"}, specs[1].Arms())
}

func TestNativeReader_ArmFilter(t *testing.T) {
	dir := t.TempDir()
	records := []SpectrumRecord{{
		TargetID: 101,
		Arms: map[string]ArmArrays{
			"B": {Wave: []float64{3700}, Flux: []float64{1}, Ivar: []float64{1}},
			"R": {Wave: []float64{5800}, Flux: []float64{2}, Ivar: []float64{1}},
		},
	}}
	require.NoError(t, WriteSpectra(dir, 3, records))

	r := &NativeReader{Dir: dir, Arms: []string{"B"}}
	specs, err := r.Read(catalog.Group{ID: 3, Entries: []catalog.Entry{{TargetID: 101, Z: 2.5}}})
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, []string{"B"}, specs[0].Arms())
}

func TestNativeReader_MissingFile(t *testing.T) {
	r := &NativeReader{Dir: t.TempDir(), Arms: []string{"B"}}
	_, err := r.Read(catalog.Group{ID: 1})
	assert.ErrorIs(t, err, ErrNoSuchGroupFile)
}

func TestMockReader_Deterministic(t *testing.T) {
	group := catalog.Group{ID: 1, Entries: []catalog.Entry{
		{TargetID: 11, Z: 2.5},
		{TargetID: 12, Z: 2.8},
	}}
	r := &MockReader{Arms: []string{"B"}, W1: 3600, W2: 3700, Dwave: 0.8, Sigma: 0.1, Seed: 42}

	first, err := r.Read(group)
	require.NoError(t, err)
	second, err := r.Read(group)
	require.NoError(t, err)

	require.Len(t, first, 2)
	for i := range first {
		assert.Equal(t, first[i].Arm("B").Flux, second[i].Arm("B").Flux, "target %d", first[i].TargetID)
	}

	// Different targets draw different realizations.
	assert.NotEqual(t, first[0].Arm("B").Flux, first[1].Arm("B").Flux)
}

func TestMockReader_Noiseless(t *testing.T) {
	group := catalog.Group{ID: 1, Entries: []catalog.Entry{{TargetID: 11, Z: 2.5}}}
	r := &MockReader{Arms: []string{"B"}, W1: 3600, W2: 3700, Dwave: 0.8, Seed: 42}

	specs, err := r.Read(group)
	require.NoError(t, err)
	require.Len(t, specs, 1)

	arm := specs[0].Arm("B")
	for i := range arm.Flux {
		assert.Equal(t, arm.Flux[0], arm.Flux[i])
		assert.Equal(t, 1e4, arm.Ivar[i])
	}
	assert.Greater(t, arm.Flux[0], 0.8)
	assert.Less(t, arm.Flux[0], 1.2)
}
