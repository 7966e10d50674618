package specio

import (
	"encoding/gob"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/astropipe/deltafit/pkg/catalog"
	"github.com/astropipe/deltafit/pkg/spectrum"
)

// ErrNoSuchGroupFile is returned when a pixel group has no spectrum file
var ErrNoSuchGroupFile = errors.New("no spectrum file for pixel group")

// Reader produces the spectra of one catalog pixel group. Catalog rows with
// no data for some requested arms simply omit those arms; rows with no data
// at all are skipped.
type Reader interface {
	Read(group catalog.Group) ([]*spectrum.Spectrum, error)
}

// ArmArrays holds the raw arrays of one arm in the native spectrum files.
type ArmArrays struct {
	Wave []float64
	Flux []float64
	Ivar []float64
}

// SpectrumRecord is the native on-disk form of one observation.
type SpectrumRecord struct {
	TargetID uint64
	Arms     map[string]ArmArrays
}

// NativeReader reads gob-encoded spectrum files, one per pixel group.
type NativeReader struct {
	Dir  string
	Arms []string
}

// GroupFileName is the native spectrum file name for a pixel group.
func GroupFileName(group uint32) string {
	return fmt.Sprintf("spectra-%d.gob", group)
}

// Read implements Reader.
func (r *NativeReader) Read(group catalog.Group) ([]*spectrum.Spectrum, error) {
	path := filepath.Join(r.Dir, GroupFileName(group.ID))
	f, err := os.Open(path) //nolint:gosec // Path built from configured input dir
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %d", ErrNoSuchGroupFile, group.ID)
		}
		return nil, fmt.Errorf("failed to open spectrum file: %w", err)
	}
	defer f.Close()

	var records []SpectrumRecord
	if err := gob.NewDecoder(f).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode spectrum file %s: %w", path, err)
	}
	byTarget := make(map[uint64]*SpectrumRecord, len(records))
	for i := range records {
		byTarget[records[i].TargetID] = &records[i]
	}

	var out []*spectrum.Spectrum
	for _, entry := range group.Entries {
		rec, ok := byTarget[entry.TargetID]
		if !ok {
			continue
		}

		wave := make(map[string][]float64)
		flux := make(map[string][]float64)
		ivar := make(map[string][]float64)
		for _, arm := range r.Arms {
			arrays, ok := rec.Arms[arm]
			if !ok {
				continue
			}
			wave[arm] = arrays.Wave
			flux[arm] = arrays.Flux
			ivar[arm] = arrays.Ivar
		}
		if len(wave) == 0 {
			continue
		}

		spec, err := spectrum.New(entry.TargetID, entry.Z, wave, flux, ivar)
		if err != nil {
			return nil, fmt.Errorf("target %d: %w", entry.TargetID, err)
		}
		spec.RA = entry.RA
		spec.Dec = entry.Dec
		spec.Group = entry.Group
		out = append(out, spec)
	}

	return out, nil
}

// WriteSpectra writes the native spectrum file of one pixel group. Used by
// mock-data preparation and tests.
func WriteSpectra(dir string, group uint32, records []SpectrumRecord) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, GroupFileName(group))) //nolint:gosec // Configured output dir
	if err != nil {
		return err
	}
	defer f.Close()

	return gob.NewEncoder(f).Encode(records)
}

// MockReader synthesizes deterministic spectra from catalog redshifts, for
// mock analyses and end-to-end runs without survey data. Each target gets a
// reproducible amplitude and noise realization seeded by its identifier.
type MockReader struct {
	Arms  []string
	W1    float64
	W2    float64
	Dwave float64
	// Sigma is the Gaussian flux noise; zero or negative means noiseless
	// pixels with a fixed high inverse variance.
	Sigma float64
	Seed  uint64
}

// Read implements Reader.
func (r *MockReader) Read(group catalog.Group) ([]*spectrum.Spectrum, error) {
	n := int((r.W2-r.W1)/r.Dwave) + 1
	grid := make([]float64, n)
	for i := range grid {
		grid[i] = r.W1 + float64(i)*r.Dwave
	}

	out := make([]*spectrum.Spectrum, 0, len(group.Entries))
	for _, entry := range group.Entries {
		rng := rand.New(rand.NewPCG(r.Seed, entry.TargetID))

		// Per-object amplitude spread, reproducible from the target ID.
		amp := 0.8 + 0.4*rng.Float64()

		wave := make(map[string][]float64)
		flux := make(map[string][]float64)
		ivar := make(map[string][]float64)
		for _, arm := range r.Arms {
			f := make([]float64, n)
			iv := make([]float64, n)
			for i := range f {
				f[i] = amp
				if r.Sigma > 0 {
					f[i] += r.Sigma * rng.NormFloat64()
					iv[i] = 1 / (r.Sigma * r.Sigma)
				} else {
					iv[i] = 1e4
				}
			}
			w := make([]float64, n)
			copy(w, grid)
			wave[arm] = w
			flux[arm] = f
			ivar[arm] = iv
		}

		spec, err := spectrum.New(entry.TargetID, entry.Z, wave, flux, ivar)
		if err != nil {
			return nil, err
		}
		spec.RA = entry.RA
		spec.Dec = entry.Dec
		spec.Group = entry.Group
		out = append(out, spec)
	}

	return out, nil
}

var (
	_ Reader = (*NativeReader)(nil)
	_ Reader = (*MockReader)(nil)
)
