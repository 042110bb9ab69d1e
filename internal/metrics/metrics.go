// Package metrics provides Prometheus instrumentation for the actor.
//
// Grounded on _examples/Jeeves-Cluster-Organization-jeeves-core/coreengine/observability:
// promauto-registered collectors exposed as package-level vars, with small
// Record/Set functions as the only public surface so call sites never touch
// a *prometheus.GaugeVec directly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deviceCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcc_device_commands_total",
			Help: "Total device commands that reached a terminal state, by device, verb and state.",
		},
		[]string{"device", "verb", "state"},
	)

	operatorCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcc_operator_commands_total",
			Help: "Total operator commands dispatched, by verb and terminal state.",
		},
		[]string{"verb", "state"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tcc_device_queue_depth",
			Help: "Number of commands pending (not yet running) in a device's queue.",
		},
		[]string{"device"},
	)

	deviceConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tcc_device_connected",
			Help: "1 if the device's TCP session is up, 0 otherwise.",
		},
		[]string{"device"},
	)

	collimationActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tcc_collimation_active",
			Help: "1 if the collimation loop currently has a periodic callback pending.",
		},
	)

	deviceCommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tcc_device_command_duration_seconds",
			Help:    "Time from enqueue to terminal state of a device command, by device and verb.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"device", "verb"},
	)

	collimationInvocationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tcc_collimation_invocations_total",
			Help: "Total number of times the collimation loop's Update was invoked.",
		},
	)
)

// RecordDeviceCommand records the terminal state of one device command.
func RecordDeviceCommand(device, verb, state string) {
	deviceCommandsTotal.WithLabelValues(device, verb, state).Inc()
}

// RecordOperatorCommand records the terminal state of one operator command.
func RecordOperatorCommand(verb, state string) {
	operatorCommandsTotal.WithLabelValues(verb, state).Inc()
}

// SetQueueDepth reports a device's current pending-command count.
func SetQueueDepth(device string, depth int) {
	queueDepth.WithLabelValues(device).Set(float64(depth))
}

// SetDeviceConnected reports a device's connection state.
func SetDeviceConnected(device string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	deviceConnected.WithLabelValues(device).Set(v)
}

// SetCollimationActive reports whether the collimation loop's periodic
// callback is currently armed.
func SetCollimationActive(active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	collimationActive.Set(v)
}

// ObserveDeviceCommandDuration records how long a device command took,
// from enqueue to terminal state.
func ObserveDeviceCommandDuration(device, verb string, d time.Duration) {
	deviceCommandDuration.WithLabelValues(device, verb).Observe(d.Seconds())
}

// RecordCollimationInvocation counts one call to the collimation loop's
// Update, regardless of outcome.
func RecordCollimationInvocation() {
	collimationInvocationsTotal.Inc()
}
