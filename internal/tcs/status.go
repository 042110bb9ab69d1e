// Package tcs implements the TCS Device: the pointing/tracking/offset
// protocol engine and its status keyword dictionary (spec.md §4.4).
//
// The TCS wire grammar itself is opaque per spec.md §4.4 ("treat as an
// opaque line protocol"); this engine assumes a "status" command that
// replies with a run of "key value" lines terminated by "ok", matching
// the teacher's generic line-reply-until-terminator shape
// (_examples/SoftIron-sibench/src/sibench/foreman.go's single
// currently-running-command model, reused here via devcmd/queue rather
// than copied).
package tcs

import (
	"math"
	"strconv"
	"strings"
)

// Status is the TCS keyword dictionary (spec.md §3).
type Status struct {
	State     []string // per-axis state strings, e.g. [RA, Dec, Rotator]
	St        float64  // sidereal time, degrees
	RA, Dec   float64
	InpRA     float64
	InpDC     float64
	Pos       [2]float64 // current (HA, Dec)
	TrussTemp float64
}

// NewStatus returns a Status with no fields yet populated.
func NewStatus() *Status {
	return &Status{
		St: math.NaN(), RA: math.NaN(), Dec: math.NaN(),
		InpRA: math.NaN(), InpDC: math.NaN(),
		Pos:       [2]float64{math.NaN(), math.NaN()},
		TrussTemp: math.NaN(),
	}
}

func axisState(states []string, i int) string {
	if i >= len(states) {
		return ""
	}
	return states[i]
}

// IsTracking reports whether both the RA and Dec axes (the first two
// state entries) report "Tracking" (spec.md §4.4).
func (s *Status) IsTracking() bool {
	return axisState(s.State, 0) == "Tracking" && axisState(s.State, 1) == "Tracking"
}

// IsSlewing reports whether either of the first two axes is "Slewing".
func (s *Status) IsSlewing() bool {
	return axisState(s.State, 0) == "Slewing" || axisState(s.State, 1) == "Slewing"
}

// AxisHalted reports whether either of the first two axes is "Halted".
func (s *Status) AxisHalted() bool {
	return axisState(s.State, 0) == "Halted" || axisState(s.State, 1) == "Halted"
}

// ParseLine feeds one status reply line into the dictionary. Unrecognized
// lines and parse failures are non-fatal misses (spec.md §9): the caller
// decides completeness, not the parser.
func (s *Status) ParseLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return
	}
	key := strings.ToLower(fields[0])
	rest := fields[1:]

	switch key {
	case "state":
		s.State = rest
	case "st":
		if v, err := strconv.ParseFloat(rest[0], 64); err == nil {
			s.St = v
		}
	case "ra":
		if v, err := strconv.ParseFloat(rest[0], 64); err == nil {
			s.RA = v
		}
	case "dec":
		if v, err := strconv.ParseFloat(rest[0], 64); err == nil {
			s.Dec = v
		}
	case "inpra":
		if v, err := strconv.ParseFloat(rest[0], 64); err == nil {
			s.InpRA = v
		}
	case "inpdc":
		if v, err := strconv.ParseFloat(rest[0], 64); err == nil {
			s.InpDC = v
		}
	case "pos":
		if len(rest) >= 2 {
			ha, err1 := strconv.ParseFloat(rest[0], 64)
			dec, err2 := strconv.ParseFloat(rest[1], 64)
			if err1 == nil && err2 == nil {
				s.Pos = [2]float64{ha, dec}
			}
		}
	case "trusstemp":
		if v, err := strconv.ParseFloat(rest[0], 64); err == nil {
			s.TrussTemp = v
		}
	}
}
