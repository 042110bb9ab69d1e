package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetQueueDepthReportsLastValue(t *testing.T) {
	SetQueueDepth("scale-metrics-test", 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(queueDepth.WithLabelValues("scale-metrics-test")))

	SetQueueDepth("scale-metrics-test", 0)
	assert.Equal(t, float64(0), testutil.ToFloat64(queueDepth.WithLabelValues("scale-metrics-test")))
}

func TestSetDeviceConnectedTogglesZeroOne(t *testing.T) {
	SetDeviceConnected("tcs-metrics-test", true)
	assert.Equal(t, float64(1), testutil.ToFloat64(deviceConnected.WithLabelValues("tcs-metrics-test")))

	SetDeviceConnected("tcs-metrics-test", false)
	assert.Equal(t, float64(0), testutil.ToFloat64(deviceConnected.WithLabelValues("tcs-metrics-test")))
}

func TestSetCollimationActiveTogglesZeroOne(t *testing.T) {
	SetCollimationActive(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(collimationActive))

	SetCollimationActive(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(collimationActive))
}

func TestRecordDeviceCommandIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(deviceCommandsTotal.WithLabelValues("m2-metrics-test", "move", "Done"))
	RecordDeviceCommand("m2-metrics-test", "move", "Done")
	after := testutil.ToFloat64(deviceCommandsTotal.WithLabelValues("m2-metrics-test", "move", "Done"))
	assert.Equal(t, before+1, after)
}

func TestRecordOperatorCommandIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(operatorCommandsTotal.WithLabelValues("set-metrics-test", "Done"))
	RecordOperatorCommand("set-metrics-test", "Done")
	after := testutil.ToFloat64(operatorCommandsTotal.WithLabelValues("set-metrics-test", "Done"))
	assert.Equal(t, before+1, after)
}

func TestObserveDeviceCommandDurationIncrementsHistogramCount(t *testing.T) {
	before := testutil.CollectAndCount(deviceCommandDuration)
	ObserveDeviceCommandDuration("scale-metrics-test", "move", 10*time.Millisecond)
	after := testutil.CollectAndCount(deviceCommandDuration)
	assert.Equal(t, before+1, after)
}

func TestRecordCollimationInvocationIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(collimationInvocationsTotal)
	RecordCollimationInvocation()
	after := testutil.ToFloat64(collimationInvocationsTotal)
	assert.Equal(t, before+1, after)
}
