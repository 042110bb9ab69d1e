package keyword

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lco-obs/dupont-tcc/internal/usercmd"
)

type recorder struct {
	emits []string
}

func (r *recorder) WriteToUsers(level, text string, cmd *usercmd.Command) {
	r.emits = append(r.emits, level+" "+text)
}

func TestUserCommandedAlwaysEmitsAtInfo(t *testing.T) {
	r := &recorder{}
	d := NewDictionary(r)
	cmd := usercmd.New("device", "device status", true)

	d.UpdateKW("ThreadRingState", "Done", cmd, "")
	d.UpdateKW("ThreadRingState", "Done", cmd, "") // same value, still user-commanded

	require.Len(t, r.emits, 2)
	assert.Equal(t, "i ThreadRingState=Done", r.emits[0])
	assert.Equal(t, "i ThreadRingState=Done", r.emits[1])
}

func TestUserCommandedLevelOverride(t *testing.T) {
	r := &recorder{}
	d := NewDictionary(r)
	cmd := usercmd.New("device", "device status", true)

	d.UpdateKW("ScaleRingFaults", "axis 1 fault", cmd, "w")
	require.Len(t, r.emits, 1)
	assert.Equal(t, "w ScaleRingFaults=axis 1 fault", r.emits[0])
}

func TestInternalEmitsOnChangeOnly(t *testing.T) {
	r := &recorder{}
	d := NewDictionary(r)
	internal := usercmd.New("status", "", false)

	d.UpdateKW("SecFocus", "10.0000", internal, "")
	require.Len(t, r.emits, 1)
	assert.Equal(t, "d SecFocus=10.0000", r.emits[0])

	// unchanged value from an internal command must be suppressed
	d.UpdateKW("SecFocus", "10.0000", internal, "")
	assert.Len(t, r.emits, 1, "unchanged value from a non-user command must not re-emit")
}

func TestInternalWithWarnLevelAlwaysEmits(t *testing.T) {
	r := &recorder{}
	d := NewDictionary(r)
	internal := usercmd.New("status", "", false)

	d.UpdateKW("collimateWarning", "Collimation is NOT active", internal, "w")
	d.UpdateKW("collimateWarning", "Collimation is NOT active", internal, "w")
	require.Len(t, r.emits, 2, "level w always emits even when the value is unchanged")
}

func TestInternalSuppressedWhenUnchangedAndNoWarnLevel(t *testing.T) {
	r := &recorder{}
	d := NewDictionary(r)
	internal := usercmd.New("status", "", false)

	d.UpdateKW("apogeeGang", "2", internal, "")
	require.Len(t, r.emits, 1)
	d.UpdateKW("apogeeGang", "2", internal, "")
	assert.Len(t, r.emits, 1)
}

func TestKeywordNameIsCaseInsensitiveForDedup(t *testing.T) {
	r := &recorder{}
	d := NewDictionary(r)
	internal := usercmd.New("status", "", false)

	d.UpdateKW("ScaleFac", "1.0", internal, "")
	require.Len(t, r.emits, 1)
	d.UpdateKW("scalefac", "1.0", internal, "")
	assert.Len(t, r.emits, 1, "case differences in the keyword name must not defeat dedup")
}

func TestUpdateKWsAppliesToEveryEntry(t *testing.T) {
	r := &recorder{}
	d := NewDictionary(r)
	internal := usercmd.New("status", "", false)

	d.UpdateKWs(map[string]string{"A": "1", "B": "2"}, internal)
	assert.Len(t, r.emits, 2)
}
