package collimation

import (
	"fmt"
	"math"
	"time"

	"github.com/lco-obs/dupont-tcc/internal/keyword"
	"github.com/lco-obs/dupont-tcc/internal/m2"
	"github.com/lco-obs/dupont-tcc/internal/metrics"
	"github.com/lco-obs/dupont-tcc/internal/tcs"
	"github.com/lco-obs/dupont-tcc/internal/usercmd"
)

const watchdogInterval = 5 * time.Second

// Loop is the periodic collimation controller (spec.md §4.6): it watches
// TCS pointing state and drives M2's flex correction in response.
type Loop struct {
	tcsDev *tcs.Device
	m2Dev  *m2.Device
	model  *Model
	kw     keyword.Sink

	schedule func(fire func())

	pendingTimer *time.Timer
	timerActive  bool

	watchdogTimer *time.Timer
}

// NewLoop builds a Loop bound to the given devices and model.
func NewLoop(schedule func(fire func()), tcsDev *tcs.Device, m2Dev *m2.Device, model *Model, kw keyword.Sink) *Loop {
	return &Loop{
		tcsDev:   tcsDev,
		m2Dev:    m2Dev,
		model:    model,
		kw:       kw,
		schedule: schedule,
	}
}

// Start arms the 5-second watchdog (spec.md §4.6: "give things a chance
// to boot up" before the first check, matching the reference actor).
func (l *Loop) Start() {
	l.watchdogTimer = time.AfterFunc(watchdogInterval, func() {
		l.schedule(l.collimateStatus)
	})
}

// Update runs one pass of the collimation loop (spec.md §4.6 steps 1-8).
func (l *Loop) Update(userCmd *usercmd.Command, force bool) *usercmd.Command {
	metrics.RecordCollimationInvocation()

	if !l.model.DoCollimate && !force {
		userCmd.SetState(usercmd.Failed, "collimation is disabled")
		return userCmd
	}

	if l.tcsDev.Status().AxisHalted() {
		userCmd.SetState(usercmd.Cancelled, "RA or Dec axis halted, not applying collimation.")
		return userCmd
	}

	if l.pendingTimer != nil {
		l.pendingTimer.Stop()
		l.pendingTimer = nil
	}
	l.timerActive = false

	statusCmd := usercmd.Derive(userCmd, "status")
	l.tcsDev.GetStatus(statusCmd)
	statusCmd.AddCallback(func(sc *usercmd.Command) {
		l.onStatusComplete(sc, userCmd, force)
	})

	return userCmd
}

func (l *Loop) onStatusComplete(statusCmd, userCmd *usercmd.Command, force bool) {
	if statusCmd.State() == usercmd.Failed {
		userCmd.SetState(usercmd.Failed, "status command failed")
		l.reschedule()
		return
	}
	if statusCmd.State() != usercmd.Done {
		userCmd.SetState(usercmd.Cancelled, "status command did not complete")
		l.reschedule()
		return
	}

	status := l.tcsDev.Status()

	var ha, dec float64
	if status.IsSlewing() {
		ha = status.St - status.InpRA
		dec = status.InpDC
	} else {
		ha, dec = status.Pos[0], status.Pos[1]
	}

	var tempPtr *float64
	if !math.IsNaN(status.TrussTemp) {
		t := status.TrussTemp
		tempPtr = &t
	}

	focus, tiltX, tiltY, transX, transY := l.model.Orient(ha, dec, tempPtr)
	current := l.m2Dev.Orientation()
	dTiltX, dTiltY, dTransX, dTransY := Deltas([4]float64{tiltX, tiltY, transX, transY}, current)

	doFlex := math.Max(math.Abs(dTiltX), math.Abs(dTiltY)) > l.model.MinTilt ||
		math.Max(math.Abs(dTransX), math.Abs(dTransY)) > l.model.MinTrans

	if !doFlex && !force {
		l.kw.UpdateKW("collimateUpdate", fmt.Sprintf(
			"flex update too small: dTiltX=%.2f, dTiltY=%.2f, dTransX=%.2f, dTransY=%.2f", dTiltX, dTiltY, dTransX, dTransY),
			userCmd, "")
		userCmd.SetState(usercmd.Done, "")
		l.reschedule()
		return
	}

	orient := current
	orient[m2.TiltX] = tiltX
	orient[m2.TiltY] = tiltY
	orient[m2.TransX] = transX
	orient[m2.TransY] = transY
	if focus != nil {
		orient[m2.Focus] = *focus
	}

	l.kw.UpdateKW("collimateUpdate", fmt.Sprintf(
		"Focus=%.2f, TiltX=%.2f, TiltY=%.2f, TransX=%.2f, TransY=%.2f",
		orient[m2.Focus], orient[m2.TiltX], orient[m2.TiltY], orient[m2.TransX], orient[m2.TransY]),
		userCmd, "")

	l.m2Dev.Move(orient, userCmd)
	l.reschedule()
}

func (l *Loop) reschedule() {
	if !l.model.DoCollimate {
		return
	}
	interval := time.Duration(l.model.CollimateInterval * float64(time.Second))
	l.timerActive = true
	l.pendingTimer = time.AfterFunc(interval, func() {
		l.schedule(func() {
			l.timerActive = false
			l.Update(usercmd.New("collimate", "", false), false)
		})
	})
}

// Active reports whether the loop's periodic callback is currently armed,
// for metrics.
func (l *Loop) Active() bool { return l.timerActive }

// collimateStatus is the 5-second watchdog: it warns whenever the loop is
// not actively scheduled while the TCS is tracking or slewing (spec.md
// §4.6).
func (l *Loop) collimateStatus() {
	if !l.timerActive && (l.tcsDev.IsTracking() || l.tcsDev.IsSlewing()) {
		l.kw.UpdateKW("collimateWarning", "Collimation is NOT active", usercmd.New("collimate", "", false), "w")
	}
	l.watchdogTimer = time.AfterFunc(watchdogInterval, func() {
		l.schedule(l.collimateStatus)
	})
}
