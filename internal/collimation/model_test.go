package collimation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lco-obs/dupont-tcc/internal/m2"
)

func TestOrientFocusNilWithoutTemp(t *testing.T) {
	m := NewModel()
	focus, _, _, _, _ := m.Orient(10, -20, nil)
	assert.Nil(t, focus, "focus must stay nil when temp is omitted, per the orient contract")
}

func TestOrientFocusNilWithoutBaseline(t *testing.T) {
	m := NewModel()
	temp := 15.0
	focus, _, _, _, _ := m.Orient(10, -20, &temp)
	assert.Nil(t, focus, "focus must stay nil until SetFocus has captured a baseline")
}

func TestOrientFocusTracksBaselineAndTemperature(t *testing.T) {
	m := NewModel()
	m.FocusTemp = 2.0
	m.SetFocus(100.0, 10.0)

	temp := 12.0
	focus, _, _, _, _ := m.Orient(0, 0, &temp)
	require.NotNil(t, focus)
	assert.InDelta(t, 104.0, *focus, 1e-9, "baseFocus + FocusTemp*(temp-baseTrussTemp)")
}

func TestOrientTiltAndTransAreLinearInHAAndDec(t *testing.T) {
	m := NewModel()
	m.TiltXHA, m.TiltXDec = 1.0, 2.0
	m.TransYHA, m.TransYDec = 0.5, -0.5

	_, tiltX, _, _, transY := m.Orient(10, 5, nil)
	assert.InDelta(t, 1.0*10+2.0*5, tiltX, 1e-9)
	assert.InDelta(t, 0.5*10+-0.5*5, transY, 1e-9)
}

func TestDeltasComputesPerAxisDifference(t *testing.T) {
	current := m2.Orientation{0, 1.0, 2.0, 3.0, 4.0}
	dTiltX, dTiltY, dTransX, dTransY := Deltas([4]float64{5.0, 10.0, 15.0, 20.0}, current)
	assert.InDelta(t, 4.0, dTiltX, 1e-9)
	assert.InDelta(t, 8.0, dTiltY, 1e-9)
	assert.InDelta(t, 12.0, dTransX, 1e-9)
	assert.InDelta(t, 16.0, dTransY, 1e-9)
}

func TestNewModelStartsWithCollimationDisabled(t *testing.T) {
	m := NewModel()
	assert.False(t, m.DoCollimate, "an operator must explicitly enable collimation")
}
