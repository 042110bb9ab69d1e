// Package cmdgrammar is the narrow external collaborator that turns an
// operator command line into structured parameters (spec.md §1: "the
// grammar/parser for the operator command language" is out of scope for
// the device-mediation core, specified only at the verb/parameter level
// in spec.md §6). Actor Core depends on this package's Command type but
// nothing here depends back on usercmd or devcmd.
package cmdgrammar

import (
	"fmt"
	"strconv"
	"strings"
)

// Command is the structured result of parsing one operator command line.
type Command struct {
	Verb    string // "set", "track", "offset", "device", "ping", or "" for an empty line
	SubVerb string // "focus"/"scalefactor" under set; "arc"/"rotator"/"calibration" under offset; "initialize"/"status"/"connect"/"disconnect" under device

	Value          float64
	HasValue       bool
	Incremental    bool
	Multiplicative bool

	Values []float64 // comma-separated numeric vector (track, offset)

	CoordSys string // track's optional "icrs"
	Date     string // track's optional date

	Target string // device's optional "tcs"|"scale"|"all", default "all"
}

// Parse parses one operator command line. An empty line yields a Command
// with Verb == "" (the ping-echo case, spec.md §4.7); any other
// unrecognized verb is a parse error.
func Parse(line string) (*Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return &Command{}, nil
	}

	fields := strings.Fields(line)
	verb := strings.ToLower(fields[0])

	switch verb {
	case "ping":
		return &Command{Verb: "ping"}, nil

	case "set":
		if len(fields) < 2 {
			return nil, fmt.Errorf("set requires a parameter")
		}
		return parseSet(fields[1])

	case "track":
		if len(fields) < 2 {
			return nil, fmt.Errorf("track requires coordinates")
		}
		values, err := parseValues(fields[1])
		if err != nil {
			return nil, err
		}
		c := &Command{Verb: "track", Values: values}
		if len(fields) >= 3 {
			c.CoordSys = fields[2]
		}
		if len(fields) >= 4 {
			c.Date = fields[3]
		}
		return c, nil

	case "offset":
		if len(fields) < 3 {
			return nil, fmt.Errorf("offset requires a coordinate system and values")
		}
		sub := strings.ToLower(fields[1])
		if sub != "arc" && sub != "rotator" && sub != "calibration" {
			return nil, fmt.Errorf("unknown offset coordinate system %q", fields[1])
		}
		values, err := parseValues(fields[2])
		if err != nil {
			return nil, err
		}
		return &Command{Verb: "offset", SubVerb: sub, Values: values}, nil

	case "device":
		if len(fields) < 2 {
			return nil, fmt.Errorf("device requires an action")
		}
		sub := strings.ToLower(fields[1])
		switch sub {
		case "initialize", "status", "connect", "disconnect":
		default:
			return nil, fmt.Errorf("unknown device action %q", fields[1])
		}
		target := "all"
		if len(fields) >= 3 {
			target = strings.ToLower(fields[2])
			switch target {
			case "tcs", "scale", "all":
			default:
				return nil, fmt.Errorf("unknown device target %q", fields[2])
			}
		}
		return &Command{Verb: "device", SubVerb: sub, Target: target}, nil

	default:
		return nil, fmt.Errorf("unknown command verb %q", fields[0])
	}
}

// parseSet parses the single "name[=value][/qualifier...]" token
// following "set".
func parseSet(token string) (*Command, error) {
	qualParts := strings.Split(token, "/")
	base := qualParts[0]
	quals := qualParts[1:]

	var name, valueStr string
	if idx := strings.Index(base, "="); idx >= 0 {
		name, valueStr = base[:idx], base[idx+1:]
	} else {
		name = base
	}
	name = strings.ToLower(name)

	c := &Command{Verb: "set", SubVerb: name}
	if valueStr != "" {
		v, err := strconv.ParseFloat(valueStr, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", valueStr, err)
		}
		c.Value = v
		c.HasValue = true
	}
	for _, q := range quals {
		switch strings.ToLower(q) {
		case "incremental":
			c.Incremental = true
		case "multiplicative":
			c.Multiplicative = true
		default:
			return nil, fmt.Errorf("unknown qualifier %q", q)
		}
	}
	return c, nil
}

func parseValues(token string) ([]float64, error) {
	parts := strings.Split(token, ",")
	values := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid numeric value %q: %w", p, err)
		}
		values = append(values, v)
	}
	return values, nil
}
