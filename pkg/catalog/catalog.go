// Package catalog loads the quasar target catalog and partitions it across
// worker ranks by spatial pixel group.
package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrMissingColumns is returned when the catalog header lacks a
	// required column
	ErrMissingColumns = errors.New("catalog is missing required columns")
	// ErrEmptyCatalog is returned when no rows survive loading and filtering
	ErrEmptyCatalog = errors.New("catalog is empty after filtering")
)

// requiredColumns must be present in the catalog header. SURVEY is optional.
var requiredColumns = []string{"TARGETID", "RA", "DEC", "Z", "GROUP"}

// Entry is one catalog row.
type Entry struct {
	TargetID uint64
	RA       float64
	Dec      float64
	Z        float64
	Group    uint32
	Survey   string
}

// Group is one spatial pixel group's catalog slice, the unit of partitioning
// and of spectrum file I/O.
type Group struct {
	ID      uint32
	Entries []Entry
}

// Load reads a CSV catalog, optionally keeping only the listed surveys, and
// returns its rows grouped by spatial pixel and sorted by group ID.
func Load(path string, keepSurveys []string) ([]Group, error) {
	f, err := os.Open(path) //nolint:gosec // User-provided catalog path
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer f.Close()

	return parse(f, keepSurveys)
}

func parse(r io.Reader, keepSurveys []string) ([]Group, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToUpper(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumns, name)
		}
	}
	surveyCol, hasSurvey := col["SURVEY"]

	keep := make(map[string]bool, len(keepSurveys))
	for _, s := range keepSurveys {
		keep[s] = true
	}

	byGroup := make(map[uint32][]Entry)
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog row: %w", err)
		}

		e, err := parseRow(row, col)
		if err != nil {
			return nil, err
		}
		if hasSurvey {
			e.Survey = strings.TrimSpace(row[surveyCol])
		}
		if len(keep) > 0 && !keep[e.Survey] {
			continue
		}
		byGroup[e.Group] = append(byGroup[e.Group], e)
	}
	if len(byGroup) == 0 {
		return nil, ErrEmptyCatalog
	}

	groups := make([]Group, 0, len(byGroup))
	for id, entries := range byGroup {
		groups = append(groups, Group{ID: id, Entries: entries})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })

	return groups, nil
}

func parseRow(row []string, col map[string]int) (Entry, error) {
	var e Entry
	var err error

	if e.TargetID, err = strconv.ParseUint(strings.TrimSpace(row[col["TARGETID"]]), 10, 64); err != nil {
		return e, fmt.Errorf("bad TARGETID %q: %w", row[col["TARGETID"]], err)
	}
	if e.RA, err = strconv.ParseFloat(strings.TrimSpace(row[col["RA"]]), 64); err != nil {
		return e, fmt.Errorf("bad RA for target %d: %w", e.TargetID, err)
	}
	if e.Dec, err = strconv.ParseFloat(strings.TrimSpace(row[col["DEC"]]), 64); err != nil {
		return e, fmt.Errorf("bad DEC for target %d: %w", e.TargetID, err)
	}
	if e.Z, err = strconv.ParseFloat(strings.TrimSpace(row[col["Z"]]), 64); err != nil {
		return e, fmt.Errorf("bad Z for target %d: %w", e.TargetID, err)
	}
	group, err := strconv.ParseUint(strings.TrimSpace(row[col["GROUP"]]), 10, 32)
	if err != nil {
		return e, fmt.Errorf("bad GROUP for target %d: %w", e.TargetID, err)
	}
	e.Group = uint32(group)

	return e, nil
}
