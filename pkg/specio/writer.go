package specio

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/astropipe/deltafit/pkg/continuum"
	"github.com/astropipe/deltafit/pkg/observability"
	"github.com/astropipe/deltafit/pkg/spectrum"
)

// DeltaWriter persists the delta records of a rank's valid spectra using the
// frozen global model for the final weights.
type DeltaWriter interface {
	Save(ctx context.Context, spectra []*spectrum.Spectrum, model *continuum.Model, rank int) (int, error)
}

// FileWriter writes gob-encoded delta files: one per pixel group when
// ByGroup is set, otherwise one per rank.
type FileWriter struct {
	Dir     string
	ByGroup bool
}

// Save implements DeltaWriter and returns the number of records written.
func (w *FileWriter) Save(_ context.Context, spectra []*spectrum.Spectrum, model *continuum.Model, rank int) (int, error) {
	if err := os.MkdirAll(w.Dir, 0o750); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}

	byFile := make(map[string][]DeltaRecord)
	total := 0
	for _, spec := range spectra {
		records := ComputeDeltas(spec, model)
		if len(records) == 0 {
			continue
		}
		name := fmt.Sprintf("deltas-rank%d.gob", rank)
		if w.ByGroup {
			// Pixel groups are rank-disjoint, so per-group files
			// never collide across ranks.
			name = fmt.Sprintf("deltas-%d.gob", spec.Group)
		}
		byFile[name] = append(byFile[name], records...)
		total += len(records)
	}

	for name, records := range byFile {
		if err := writeDeltaFile(filepath.Join(w.Dir, name), records); err != nil {
			return 0, err
		}
	}

	observability.RecordDeltas("file", total)
	return total, nil
}

func writeDeltaFile(path string, records []DeltaRecord) error {
	f, err := os.Create(path) //nolint:gosec // Configured output dir
	if err != nil {
		return fmt.Errorf("failed to create delta file: %w", err)
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(records); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return nil
}

// ReadDeltaFile reads back one delta file.
func ReadDeltaFile(path string) ([]DeltaRecord, error) {
	f, err := os.Open(path) //nolint:gosec // Caller-provided path
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []DeltaRecord
	if err := gob.NewDecoder(f).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return records, nil
}

var _ DeltaWriter = (*FileWriter)(nil)
