package masks

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/astropipe/deltafit/pkg/comm"
	"github.com/astropipe/deltafit/pkg/spectrum"
)

// ErrBadDLACatalog is returned when the DLA catalog cannot be parsed
var ErrBadDLACatalog = errors.New("malformed DLA catalog")

// DLADetection is one damped Lyman-alpha system along a sightline.
type DLADetection struct {
	TargetID uint64
	Z        float64
	LogNHI   float64 // log10 column density in cm^-2
}

// DLAMask corrects the damping wings of known DLAs by dividing flux by the
// wing transmission and scaling the inverse variance accordingly. Below the
// transmission floor the correction is unreliable and the pixel is masked
// outright instead.
type DLAMask struct {
	detections map[uint64][]DLADetection
	floor      float64
}

// NewDLAMask loads the DLA catalog on the root rank, broadcasts it to the
// group, and keeps the subset affecting localTargets. The broadcast is
// required because a detection may be owned by a different rank than the
// spectrum it affects.
func NewDLAMask(ctx context.Context, log logrus.FieldLogger, path string, localTargets []uint64, c comm.Communicator, floor float64) (*DLAMask, error) {
	var payload []byte
	if c.Rank() == 0 {
		detections, err := readDLACatalog(path)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(detections); err != nil {
			return nil, fmt.Errorf("failed to encode DLA catalog: %w", err)
		}
		payload = buf.Bytes()
	}

	payload, err := c.Broadcast(ctx, "dla-catalog", payload, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to broadcast DLA catalog: %w", err)
	}

	var detections []DLADetection
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&detections); err != nil {
		return nil, fmt.Errorf("failed to decode DLA catalog: %w", err)
	}

	local := make(map[uint64]bool, len(localTargets))
	for _, id := range localTargets {
		local[id] = true
	}

	m := &DLAMask{detections: make(map[uint64][]DLADetection), floor: floor}
	kept := 0
	for _, d := range detections {
		if !local[d.TargetID] {
			continue
		}
		m.detections[d.TargetID] = append(m.detections[d.TargetID], d)
		kept++
	}
	log.WithFields(logrus.Fields{
		"total": len(detections),
		"local": kept,
	}).Info("Loaded DLA catalog")

	return m, nil
}

func readDLACatalog(path string) ([]DLADetection, error) {
	f, err := os.Open(path) //nolint:gosec // User-provided catalog path
	if err != nil {
		return nil, fmt.Errorf("failed to open DLA catalog: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDLACatalog, err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToUpper(strings.TrimSpace(name))] = i
	}
	for _, name := range []string{"TARGETID", "Z_DLA", "NHI"} {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("%w: missing column %s", ErrBadDLACatalog, name)
		}
	}

	var detections []DLADetection
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadDLACatalog, err)
		}

		var d DLADetection
		if d.TargetID, err = strconv.ParseUint(strings.TrimSpace(row[col["TARGETID"]]), 10, 64); err != nil {
			return nil, fmt.Errorf("%w: bad TARGETID: %v", ErrBadDLACatalog, err)
		}
		if d.Z, err = strconv.ParseFloat(strings.TrimSpace(row[col["Z_DLA"]]), 64); err != nil {
			return nil, fmt.Errorf("%w: bad Z_DLA for target %d: %v", ErrBadDLACatalog, d.TargetID, err)
		}
		if d.LogNHI, err = strconv.ParseFloat(strings.TrimSpace(row[col["NHI"]]), 64); err != nil {
			return nil, fmt.Errorf("%w: bad NHI for target %d: %v", ErrBadDLACatalog, d.TargetID, err)
		}
		detections = append(detections, d)
	}

	return detections, nil
}

// Name implements Masker.
func (m *DLAMask) Name() string { return "dla" }

// Apply implements Masker.
func (m *DLAMask) Apply(spec *spectrum.Spectrum) int {
	detections, ok := m.detections[spec.TargetID]
	if !ok {
		return 0
	}

	n := 0
	for _, name := range spec.Arms() {
		arm := spec.Arm(name)
		for i, w := range arm.Wave {
			if arm.Ivar[i] <= 0 {
				continue
			}
			t := 1.0
			for _, d := range detections {
				t *= wingTransmission(w, d.Z, d.LogNHI)
			}
			if t >= 1 {
				continue
			}
			if t < m.floor {
				arm.Ivar[i] = 0
				n++
				continue
			}
			arm.Flux[i] /= t
			arm.Ivar[i] *= t * t
		}
	}
	return n
}

var _ Masker = (*DLAMask)(nil)
