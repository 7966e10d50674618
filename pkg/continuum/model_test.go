package continuum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGrid(t *testing.T) {
	tests := []struct {
		name      string
		lo, hi    float64
		n         int
		wantError bool
	}{
		{name: "valid grid", lo: 1040, hi: 1200, n: 20},
		{name: "too few bins", lo: 1040, hi: 1200, n: 1, wantError: true},
		{name: "inverted range", lo: 1200, hi: 1040, n: 20, wantError: true},
		{name: "empty range", lo: 1200, hi: 1200, n: 20, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewGrid(tt.lo, tt.hi, tt.n)

			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, g.Centers(), tt.n)
			assert.Greater(t, g.Centers()[0], tt.lo)
			assert.Less(t, g.Centers()[tt.n-1], tt.hi)
		})
	}
}

func TestGrid_Bin(t *testing.T) {
	g, err := NewGrid(1000, 1200, 20)
	require.NoError(t, err)

	tests := []struct {
		name string
		wave float64
		want int
	}{
		{name: "first bin", wave: 1000, want: 0},
		{name: "interior", wave: 1105, want: 10},
		{name: "last bin", wave: 1199.99, want: 19},
		{name: "below range", wave: 999.9, want: -1},
		{name: "at upper edge", wave: 1200, want: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.Bin(tt.wave))
		})
	}
}

func TestGrid_BinMatchesCenters(t *testing.T) {
	g, err := NewGrid(3600, 6000, 25)
	require.NoError(t, err)

	for i, c := range g.Centers() {
		assert.Equal(t, i, g.Bin(c), "center %g", c)
	}
}

func TestNewInitialModel(t *testing.T) {
	restGrid, err := NewGrid(1040, 1200, 40)
	require.NoError(t, err)
	obsGrid, err := NewGrid(3600, 6000, 25)
	require.NoError(t, err)

	m, err := NewInitialModel(restGrid, obsGrid, 0.1)
	require.NoError(t, err)

	// Flat prior everywhere, including between bin centers.
	assert.InDelta(t, 1.0, m.MeanContAt(1100), 1e-12)
	assert.InDelta(t, 1.0, m.MeanContAt(1123.456), 1e-12)
	assert.InDelta(t, 0.1, m.VarLSSAt(4000), 1e-12)

	// Evaluations outside the grid clamp to the edge values.
	assert.InDelta(t, 1.0, m.MeanContAt(900), 1e-12)
	assert.InDelta(t, 0.1, m.VarLSSAt(9000), 1e-12)
}

func TestModel_ContinuumAt(t *testing.T) {
	restGrid, err := NewGrid(1040, 1200, 40)
	require.NoError(t, err)
	obsGrid, err := NewGrid(3600, 6000, 25)
	require.NoError(t, err)

	m, err := NewInitialModel(restGrid, obsGrid, 0.1)
	require.NoError(t, err)

	center := (restGrid.Lo + restGrid.Hi) / 2

	// At the rest-frame center the slope term vanishes.
	assert.InDelta(t, 2.0, m.ContinuumAt(2, 5, center), 1e-12)

	// At the window edges the slope coordinate is exactly +/-1.
	assert.InDelta(t, 2.5, m.ContinuumAt(2, 0.5, restGrid.Hi), 1e-12)
	assert.InDelta(t, 1.5, m.ContinuumAt(2, 0.5, restGrid.Lo), 1e-12)
}

func TestModel_InterpolatesBetweenBins(t *testing.T) {
	restGrid, err := NewGrid(1000, 1200, 4)
	require.NoError(t, err)
	obsGrid, err := NewGrid(3600, 6000, 2)
	require.NoError(t, err)

	meanCont := []float64{1, 2, 3, 4}
	varLSS := []float64{0.1, 0.3}
	m, err := NewModel(restGrid, obsGrid, meanCont, varLSS)
	require.NoError(t, err)

	// Midway between the first two centers (1025 and 1075).
	assert.InDelta(t, 1.5, m.MeanContAt(1050), 1e-12)
	assert.InDelta(t, 0.2, m.VarLSSAt(4800), 1e-12)
}

func TestNewModel_LengthMismatch(t *testing.T) {
	restGrid, err := NewGrid(1000, 1200, 4)
	require.NoError(t, err)
	obsGrid, err := NewGrid(3600, 6000, 2)
	require.NoError(t, err)

	_, err = NewModel(restGrid, obsGrid, []float64{1, 2, 3}, []float64{0.1, 0.3})
	assert.Error(t, err)
}
