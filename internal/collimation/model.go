// Package collimation implements the Collimation Model & Loop (spec.md
// §4.6): a pure mapping from telescope pointing (and optionally truss
// temperature) to a secondary-mirror orientation, and a periodic loop
// that drives M2 to track it.
package collimation

import "github.com/lco-obs/dupont-tcc/internal/m2"

// Model maps (hour angle, declination, optional truss temperature) to a
// secondary orientation.
//
// The reference sources retain two historical calibrations of this
// mapping and the spec does not fix one; per the Open Question resolution
// recorded in DESIGN.md, this is a placeholder linear model: each axis is
// a plane in (ha, dec), with a temperature-compensated focus term that
// only activates once a baseline has been captured by SetFocus. A real
// deployment would replace the coefficients with on-sky calibration
// results; the shape (linear in ha/dec, optional temp term) is what
// spec.md §4.6 requires callers to be able to rely on.
type Model struct {
	TiltXHA, TiltXDec   float64
	TiltYHA, TiltYDec   float64
	TransXHA, TransXDec float64
	TransYHA, TransYDec float64
	FocusTemp           float64 // um per degree C, relative to baseline

	MinTilt  float64
	MinTrans float64
	MinFocus float64

	DoCollimate       bool
	CollimateInterval float64 // seconds

	haveBaseline  bool
	baseFocus     float64
	baseTrussTemp float64
}

// NewModel returns a Model with the site's nominal tolerances and a
// disabled loop (matching the reference actor's startup state: an
// operator must explicitly enable collimation).
func NewModel() *Model {
	return &Model{
		MinTilt:           5.0,
		MinTrans:          5.0,
		MinFocus:          2.0,
		DoCollimate:       false,
		CollimateInterval: 60,
	}
}

// SetFocus records a calibration baseline: the secondary focus and truss
// temperature at the moment of calibration, used to temperature-compensate
// subsequent Orient calls (spec.md §3, §4.6).
func (m *Model) SetFocus(focus, trussTemp float64) {
	m.baseFocus = focus
	m.baseTrussTemp = trussTemp
	m.haveBaseline = true
}

// Orient computes the target orientation for the given pointing. If temp
// is nil, the returned focus is nil (not updated) per spec.md §4.6: "If
// temp is omitted, focus is null."
func (m *Model) Orient(ha, dec float64, temp *float64) (focus *float64, tiltX, tiltY, transX, transY float64) {
	tiltX = m.TiltXHA*ha + m.TiltXDec*dec
	tiltY = m.TiltYHA*ha + m.TiltYDec*dec
	transX = m.TransXHA*ha + m.TransXDec*dec
	transY = m.TransYHA*ha + m.TransYDec*dec

	if temp == nil || !m.haveBaseline {
		return nil, tiltX, tiltY, transX, transY
	}
	f := m.baseFocus + m.FocusTemp*(*temp-m.baseTrussTemp)
	return &f, tiltX, tiltY, transX, transY
}

// Deltas computes the per-axis difference between a newly computed
// orientation and M2's current one, for the doFlex test (spec.md §4.6
// step 5).
func Deltas(newOrient [4]float64, current m2.Orientation) (dTiltX, dTiltY, dTransX, dTransY float64) {
	dTiltX = newOrient[0] - current[m2.TiltX]
	dTiltY = newOrient[1] - current[m2.TiltY]
	dTransX = newOrient[2] - current[m2.TransX]
	dTransY = newOrient[3] - current[m2.TransY]
	return
}
