// Package scale implements the Scale Device: the scaling-ring protocol
// engine, its free-form status parser, and the move/home/stop/speed state
// machine (spec.md §4.3).
//
// Grounded on
// _examples/original_source/python/tcc/dev/scaleDevice.py's Status and
// ScaleDevice classes; the teacher's foreman.go supplies the state-machine
// idiom (a small enum plus a single SetState), the scaling-ring semantics
// come entirely from the original source.
package scale

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// RingState is the scaling-ring's coarse activity state.
type RingState int

const (
	Done RingState = iota
	Moving
	Homing
	NotHomed
	Failed
)

func (s RingState) String() string {
	switch s {
	case Done:
		return "Done"
	case Moving:
		return "Moving"
	case Homing:
		return "Homing"
	case NotHomed:
		return "NotHomed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Site constants (spec.md §3, §4.3).
const (
	MaxSpeed      = 0.1    // mm/s
	NomSpeed      = 0.1    // mm/s
	ZeroPoint     = 20.0   // mm, scale zero-point
	LockedSetpoint = 25.0  // mm, lock-ring actual_position threshold
	ScalePerMM    = 8.45e-05 // alpha
	MaxIter       = 4      // status re-query attempts before giving up (scaleDevice.py Status.maxIter)
)

// ThreadRingAxis mirrors the controller's THREAD_RING_AXIS section.
type ThreadRingAxis struct {
	ActualPosition   float64
	TargetPosition   float64
	DriveSpeed       float64
	MoveRange        [2]float64
	HardwareFault    *int
	InstructionFault *int
	Overtravel       *bool
}

// LockRingAxis mirrors the controller's LOCK_RING_AXIS section.
type LockRingAxis struct {
	ActualPosition   float64
	TargetPosition   float64
	OpenSetpoint     float64
	LockedSetpoint   float64
	MoveRange        [2]float64
	HardwareFault    *int
	InstructionFault *int
}

// WinchAxis mirrors the controller's WINCH_AXIS section.
type WinchAxis struct {
	ActualPosition   float64
	TargetPosition   float64
	MoveRange        [2]float64
	UpSetpoint       float64
	HardwareFault    *int
	InstructionFault *int
}

// Status is the full scaling-ring status dictionary, rebuilt from scratch
// on every "status" exchange (spec.md §3 Scale Status, §4.3).
type Status struct {
	ThreadRing ThreadRingAxis
	LockRing   LockRingAxis
	Winch      WinchAxis

	RawCartridgeID *int
	PosSw          [3]*int
	IdSw           [9]*int
	GangConnector  *bool
	GangStowed     *bool

	// currentAxis is which axis section generic "key value" lines apply
	// to; switched by a "..._axis" line.
	currentAxis string
	posSwNext   bool
	idSwNext    bool

	gotThreadRing bool
	gotLockRing   bool
	gotWinch      bool
}

const (
	axisThreadRing = "thread_ring_axis"
	axisLockRing   = "lock_ring_axis"
	axisWinch      = "winch_axis"
)

// NewStatus returns a freshly flushed Status.
func NewStatus() *Status {
	s := &Status{}
	s.Flush()
	return s
}

// Flush wipes every field back to "unseen" (NaN/nil), in preparation for a
// fresh "status" exchange. The current axis defaults to the thread ring,
// since unsolicited actual_position lines during a move target it without
// an intervening "..._axis" line.
func (s *Status) Flush() {
	nan2 := [2]float64{math.NaN(), math.NaN()}
	s.ThreadRing = ThreadRingAxis{ActualPosition: math.NaN(), TargetPosition: math.NaN(), DriveSpeed: math.NaN(), MoveRange: nan2}
	s.LockRing = LockRingAxis{ActualPosition: math.NaN(), TargetPosition: math.NaN(), OpenSetpoint: math.NaN(), LockedSetpoint: math.NaN(), MoveRange: nan2}
	s.Winch = WinchAxis{ActualPosition: math.NaN(), TargetPosition: math.NaN(), UpSetpoint: math.NaN(), MoveRange: nan2}

	s.RawCartridgeID = nil
	s.PosSw = [3]*int{}
	s.IdSw = [9]*int{}
	s.GangConnector = nil
	s.GangStowed = nil

	s.currentAxis = axisThreadRing
	s.posSwNext = false
	s.idSwNext = false

	s.gotThreadRing = false
	s.gotLockRing = false
	s.gotWinch = false
}

// SetThreadAxisCurrent points generic key/value parsing back at the
// thread ring, used after a move's unsolicited actual_position reports.
func (s *Status) SetThreadAxisCurrent() { s.currentAxis = axisThreadRing }

func (s *Status) setCurrentAxis(name string) {
	switch name {
	case axisThreadRing:
		s.gotThreadRing = true
	case axisLockRing:
		s.gotLockRing = true
	case axisWinch:
		s.gotWinch = true
	default:
		return
	}
	s.currentAxis = name
}

// Loaded reports whether all three cartridge position switches are
// engaged (spec.md §3: "all three position switches closed").
func (s *Status) Loaded() bool {
	for _, v := range s.PosSw {
		if v == nil || *v == 0 {
			return false
		}
	}
	return true
}

// Locked reports whether the lock ring has reached its locked setpoint.
func (s *Status) Locked() bool {
	return s.LockRing.ActualPosition < LockedSetpoint
}

// LockedAndLoaded is the conjunction of the two.
func (s *Status) LockedAndLoaded() bool {
	return s.Locked() && s.Loaded()
}

// CartID is the majority-vote cartridge id over the three 3-bit groups of
// the 9-bit id-switch vector, +20 to map controller numbering onto site
// numbering (a majority value of 0 is returned as 0, without the offset),
// or -1 if any switch is unseen or the three groups disagree entirely
// (spec.md §3).
func (s *Status) CartID() int {
	for _, v := range s.IdSw {
		if v == nil {
			return -1
		}
	}

	group := func(start int) int {
		v := 0
		for i := 0; i < 3; i++ {
			v = v<<1 | *s.IdSw[start+i]
		}
		return v
	}

	vals := [3]int{group(0), group(3), group(6)}
	counts := map[int]int{}
	for _, v := range vals {
		counts[v]++
	}
	if len(counts) == 3 {
		// all three groups disagree
		return -1
	}

	best, bestCount := -1, -1
	for v, c := range counts {
		if c > bestCount || (c == bestCount && v < best) {
			best, bestCount = v, c
		}
	}
	if best > 0 {
		best += 20
	}
	return best
}

// MungedStatusError indicates a "status" reply completed with "ok" but the
// accumulated status dictionary is missing required fields.
type MungedStatusError struct {
	Msg string
}

func (e *MungedStatusError) Error() string { return e.Msg }

// CheckFull verifies every required field has been populated, raising
// MungedStatusError on the first gap found (spec.md §4.3: "every
// non-optional field must be non-null/non-NaN or the status is munged").
func (s *Status) CheckFull() error {
	if !s.gotThreadRing || !s.gotLockRing || !s.gotWinch {
		return &MungedStatusError{Msg: "failed to receive values for every axis"}
	}

	checkFloat := func(axis, field string, v float64) error {
		if math.IsNaN(v) {
			return &MungedStatusError{Msg: fmt.Sprintf("status: %s not found for %s", field, axis)}
		}
		return nil
	}
	checkRange := func(axis, field string, v [2]float64) error {
		if math.IsNaN(v[0]) || math.IsNaN(v[1]) {
			return &MungedStatusError{Msg: fmt.Sprintf("status: %s not found for %s", field, axis)}
		}
		return nil
	}
	checkFault := func(axis, field string, v *int) error {
		if v == nil {
			return &MungedStatusError{Msg: fmt.Sprintf("status: %s not found for %s", field, axis)}
		}
		return nil
	}

	if err := checkFloat(axisThreadRing, "actual_position", s.ThreadRing.ActualPosition); err != nil {
		return err
	}
	if err := checkFloat(axisThreadRing, "target_position", s.ThreadRing.TargetPosition); err != nil {
		return err
	}
	if err := checkFloat(axisThreadRing, "drive_speed", s.ThreadRing.DriveSpeed); err != nil {
		return err
	}
	if err := checkRange(axisThreadRing, "move_range", s.ThreadRing.MoveRange); err != nil {
		return err
	}
	if err := checkFault(axisThreadRing, "hardware_fault", s.ThreadRing.HardwareFault); err != nil {
		return err
	}
	if err := checkFault(axisThreadRing, "instruction_fault", s.ThreadRing.InstructionFault); err != nil {
		return err
	}
	if s.ThreadRing.Overtravel == nil {
		return &MungedStatusError{Msg: "status: overtravel not found for " + axisThreadRing}
	}

	if err := checkFloat(axisLockRing, "actual_position", s.LockRing.ActualPosition); err != nil {
		return err
	}
	if err := checkFloat(axisLockRing, "target_position", s.LockRing.TargetPosition); err != nil {
		return err
	}
	if err := checkFloat(axisLockRing, "open_setpoint", s.LockRing.OpenSetpoint); err != nil {
		return err
	}
	if err := checkFloat(axisLockRing, "locked_setpoint", s.LockRing.LockedSetpoint); err != nil {
		return err
	}
	if err := checkRange(axisLockRing, "move_range", s.LockRing.MoveRange); err != nil {
		return err
	}
	if err := checkFault(axisLockRing, "hardware_fault", s.LockRing.HardwareFault); err != nil {
		return err
	}
	if err := checkFault(axisLockRing, "instruction_fault", s.LockRing.InstructionFault); err != nil {
		return err
	}

	if err := checkFloat(axisWinch, "actual_position", s.Winch.ActualPosition); err != nil {
		return err
	}
	if err := checkFloat(axisWinch, "target_position", s.Winch.TargetPosition); err != nil {
		return err
	}
	if err := checkFloat(axisWinch, "up_setpoint", s.Winch.UpSetpoint); err != nil {
		return err
	}
	if err := checkRange(axisWinch, "move_range", s.Winch.MoveRange); err != nil {
		return err
	}
	if err := checkFault(axisWinch, "hardware_fault", s.Winch.HardwareFault); err != nil {
		return err
	}
	if err := checkFault(axisWinch, "instruction_fault", s.Winch.InstructionFault); err != nil {
		return err
	}

	for _, v := range s.PosSw {
		if v == nil {
			return &MungedStatusError{Msg: "status: pos_sw not found"}
		}
	}
	for _, v := range s.IdSw {
		if v == nil {
			return &MungedStatusError{Msg: "status: id_sw not found"}
		}
	}
	return nil
}

// ParseLine feeds one reply line (already stripped of its terminator) into
// the status state machine. Unrecognized lines are a non-fatal miss, per
// spec.md §9: completeness is enforced post-hoc by CheckFull, not here.
func (s *Status) ParseLine(line string) {
	line = strings.Trim(strings.TrimSpace(line), "_")
	line = strings.ToLower(strings.ReplaceAll(line, ":", ""))

	if strings.Contains(line, "pos_sw") {
		s.posSwNext = true
		return
	}
	if s.posSwNext {
		s.posSwNext = false
		nums := parseInts(line)
		if len(nums) != 3 {
			return
		}
		for i := range s.PosSw {
			v := nums[i]
			s.PosSw[i] = &v
		}
		return
	}

	if strings.Contains(line, "id_sw") {
		s.idSwNext = true
		return
	}
	if s.idSwNext {
		s.idSwNext = false
		nums := parseInts(line)
		if len(nums) != 9 {
			return
		}
		for i := range s.IdSw {
			v := nums[i]
			s.IdSw[i] = &v
		}
		return
	}

	if strings.Contains(line, "_axis") {
		s.setCurrentAxis(line)
		return
	}

	if strings.Contains(line, "overtravel") {
		v := strings.HasSuffix(line, "on")
		s.ThreadRing.Overtravel = &v
		return
	}

	if strings.Contains(line, "gang") {
		key := strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(line, "on"), "off"))
		value := strings.HasSuffix(line, "on")
		switch key {
		case "gang connector sw":
			s.GangConnector = &value
		case "gang stowed sw":
			s.GangStowed = &value
		}
		return
	}

	fields := strings.SplitN(line, " ", 2)
	if len(fields) != 2 {
		return
	}
	key, value := fields[0], strings.TrimSpace(fields[1])
	keyParts := strings.Split(key, "_")
	keyType := keyParts[len(keyParts)-1]

	switch {
	case keyType == "position" || keyType == "speed" || keyType == "setpoint":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return
		}
		s.setAxisFloat(key, f)
	case keyType == "fault":
		n, err := strconv.Atoi(value)
		if err != nil {
			return
		}
		s.setAxisFault(key, n)
	case keyType == "range":
		parts := strings.SplitN(value, "-", 2)
		if len(parts) != 2 {
			return
		}
		lo, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		hi, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err1 != nil || err2 != nil {
			return
		}
		s.setAxisRange(key, [2]float64{lo, hi})
	case strings.Contains(key, "cartridge"):
		n, err := strconv.Atoi(value)
		if err != nil {
			return
		}
		s.RawCartridgeID = &n
	}
}

func (s *Status) setAxisFloat(key string, v float64) {
	switch s.currentAxis {
	case axisThreadRing:
		switch key {
		case "actual_position":
			s.ThreadRing.ActualPosition = v
		case "target_position":
			s.ThreadRing.TargetPosition = v
		case "drive_speed":
			s.ThreadRing.DriveSpeed = v
		}
	case axisLockRing:
		switch key {
		case "actual_position":
			s.LockRing.ActualPosition = v
		case "target_position":
			s.LockRing.TargetPosition = v
		case "open_setpoint":
			s.LockRing.OpenSetpoint = v
		case "locked_setpoint":
			s.LockRing.LockedSetpoint = v
		}
	case axisWinch:
		switch key {
		case "actual_position":
			s.Winch.ActualPosition = v
		case "target_position":
			s.Winch.TargetPosition = v
		case "up_setpoint":
			s.Winch.UpSetpoint = v
		}
	}
}

func (s *Status) setAxisFault(key string, v int) {
	switch s.currentAxis {
	case axisThreadRing:
		switch key {
		case "hardware_fault":
			s.ThreadRing.HardwareFault = &v
		case "instruction_fault":
			s.ThreadRing.InstructionFault = &v
		}
	case axisLockRing:
		switch key {
		case "hardware_fault":
			s.LockRing.HardwareFault = &v
		case "instruction_fault":
			s.LockRing.InstructionFault = &v
		}
	case axisWinch:
		switch key {
		case "hardware_fault":
			s.Winch.HardwareFault = &v
		case "instruction_fault":
			s.Winch.InstructionFault = &v
		}
	}
}

func (s *Status) setAxisRange(key string, v [2]float64) {
	if key != "move_range" {
		return
	}
	switch s.currentAxis {
	case axisThreadRing:
		s.ThreadRing.MoveRange = v
	case axisLockRing:
		s.LockRing.MoveRange = v
	case axisWinch:
		s.Winch.MoveRange = v
	}
}

// FaultString summarizes every set hardware/instruction fault across all
// three axes, or "" if there are none.
func (s *Status) FaultString() string {
	var faults []string
	add := func(axis, field string, v *int) {
		if v != nil && *v != 0 {
			faults = append(faults, fmt.Sprintf("%s %s %d", axis, field, *v))
		}
	}
	add(axisThreadRing, "hardware_fault", s.ThreadRing.HardwareFault)
	add(axisThreadRing, "instruction_fault", s.ThreadRing.InstructionFault)
	add(axisLockRing, "hardware_fault", s.LockRing.HardwareFault)
	add(axisLockRing, "instruction_fault", s.LockRing.InstructionFault)
	add(axisWinch, "hardware_fault", s.Winch.HardwareFault)
	add(axisWinch, "instruction_fault", s.Winch.InstructionFault)
	return strings.Join(faults, ",")
}

// GangVal encodes the cart gang-connector state as the legacy tri-state
// integer: 2 plugged into the cart, 1 stowed at the boom, 0 unknown.
func (s *Status) GangVal() int {
	onCart := s.GangConnector != nil && *s.GangConnector
	atBoom := s.GangStowed != nil && *s.GangStowed
	switch {
	case onCart && !atBoom:
		return 2
	case atBoom && !onCart:
		return 1
	default:
		return 0
	}
}

func parseInts(line string) []int {
	fields := strings.Fields(line)
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil
		}
		out = append(out, n)
	}
	return out
}
