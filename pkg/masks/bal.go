package masks

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/astropipe/deltafit/pkg/spectrum"
)

// ErrBadBALCatalog is returned when the BAL catalog cannot be parsed
var ErrBadBALCatalog = errors.New("malformed BAL catalog")

// balLines are the emission lines whose blueshifted troughs a broad
// absorption line system can affect (rest-frame wavelengths in Angstrom).
var balLines = []float64{
	1025.72, // Lyb
	1215.67, // Lya
	1240.81, // NV
	1393.76, // SiIV
	1402.77, // SiIV
	1549.48, // CIV
}

// velocityRange is one BAL trough in outflow velocity (km/s, positive
// towards the observer).
type velocityRange struct {
	VMin, VMax float64
}

// BALMask zeroes the inverse variance over the velocity-windowed regions of
// known BAL troughs, per target.
type BALMask struct {
	ranges map[uint64][]velocityRange
}

// NewBALMask reads a CSV catalog with columns TARGETID,VMIN,VMAX — one row
// per trough; a target may carry several.
func NewBALMask(path string) (*BALMask, error) {
	f, err := os.Open(path) //nolint:gosec // User-provided catalog path
	if err != nil {
		return nil, fmt.Errorf("failed to open BAL catalog: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBALCatalog, err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToUpper(strings.TrimSpace(name))] = i
	}
	for _, name := range []string{"TARGETID", "VMIN", "VMAX"} {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("%w: missing column %s", ErrBadBALCatalog, name)
		}
	}

	m := &BALMask{ranges: make(map[uint64][]velocityRange)}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadBALCatalog, err)
		}

		id, err := strconv.ParseUint(strings.TrimSpace(row[col["TARGETID"]]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad TARGETID: %v", ErrBadBALCatalog, err)
		}
		vmin, err := strconv.ParseFloat(strings.TrimSpace(row[col["VMIN"]]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad VMIN for target %d: %v", ErrBadBALCatalog, id, err)
		}
		vmax, err := strconv.ParseFloat(strings.TrimSpace(row[col["VMAX"]]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad VMAX for target %d: %v", ErrBadBALCatalog, id, err)
		}
		if vmin > vmax {
			vmin, vmax = vmax, vmin
		}
		m.ranges[id] = append(m.ranges[id], velocityRange{VMin: vmin, VMax: vmax})
	}

	return m, nil
}

// Name implements Masker.
func (m *BALMask) Name() string { return "bal" }

// Apply implements Masker. Each trough masks, for every affected line, the
// observed band [l0*(1+z)*(1-vmax/c), l0*(1+z)*(1-vmin/c)].
func (m *BALMask) Apply(spec *spectrum.Spectrum) int {
	ranges, ok := m.ranges[spec.TargetID]
	if !ok {
		return 0
	}

	n := 0
	zp1 := 1 + spec.Z
	for _, vr := range ranges {
		for _, line := range balLines {
			lo := line * zp1 * (1 - vr.VMax/speedOfLight)
			hi := line * zp1 * (1 - vr.VMin/speedOfLight)
			n += maskObservedRange(spec, lo, hi)
		}
	}
	return n
}

var _ Masker = (*BALMask)(nil)
