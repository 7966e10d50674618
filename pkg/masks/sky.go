package masks

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/astropipe/deltafit/pkg/spectrum"
)

// ErrBadSkyMask is returned when the sky mask table cannot be parsed
var ErrBadSkyMask = errors.New("malformed sky mask table")

// skyBand is one wavelength band of the sky mask. Frame is "OBS" for
// observed-frame bands or "RF" for rest-frame bands.
type skyBand struct {
	Lo, Hi float64
	Frame  string
}

// SkyMask zeroes the inverse variance over a fixed list of wavelength bands,
// typically bright sky emission lines.
type SkyMask struct {
	bands []skyBand
}

// NewSkyMask reads a whitespace-separated band table: one "LO HI FRAME" line
// per band, '#' starts a comment.
func NewSkyMask(path string) (*SkyMask, error) {
	f, err := os.Open(path) //nolint:gosec // User-provided mask file path
	if err != nil {
		return nil, fmt.Errorf("failed to open sky mask: %w", err)
	}
	defer f.Close()

	m := &SkyMask{}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: line %d needs LO HI FRAME", ErrBadSkyMask, lineNo)
		}
		lo, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrBadSkyMask, lineNo, err)
		}
		hi, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrBadSkyMask, lineNo, err)
		}
		frame := strings.ToUpper(fields[2])
		if frame != "OBS" && frame != "RF" {
			return nil, fmt.Errorf("%w: line %d: frame must be OBS or RF", ErrBadSkyMask, lineNo)
		}
		if hi < lo {
			return nil, fmt.Errorf("%w: line %d: inverted band", ErrBadSkyMask, lineNo)
		}
		m.bands = append(m.bands, skyBand{Lo: lo, Hi: hi, Frame: frame})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sky mask: %w", err)
	}

	return m, nil
}

// Name implements Masker.
func (m *SkyMask) Name() string { return "sky" }

// Apply implements Masker.
func (m *SkyMask) Apply(spec *spectrum.Spectrum) int {
	n := 0
	for _, band := range m.bands {
		lo, hi := band.Lo, band.Hi
		if band.Frame == "RF" {
			lo *= 1 + spec.Z
			hi *= 1 + spec.Z
		}
		n += maskObservedRange(spec, lo, hi)
	}
	return n
}

var _ Masker = (*SkyMask)(nil)
