// Package m2 implements the M2 Device: the secondary-mirror orientation
// and focus protocol engine (spec.md §4.5).
package m2

import (
	"fmt"
	"strings"
	"time"

	"github.com/lco-obs/dupont-tcc/internal/devcmd"
	"github.com/lco-obs/dupont-tcc/internal/keyword"
	"github.com/lco-obs/dupont-tcc/internal/lineproto"
	"github.com/lco-obs/dupont-tcc/internal/metrics"
	"github.com/lco-obs/dupont-tcc/internal/queue"
	"github.com/lco-obs/dupont-tcc/internal/usercmd"
)

// Orientation is the five-axis secondary mirror orientation vector
// (spec.md §3): focus, tiltX, tiltY, transX, transY.
type Orientation [5]float64

const (
	Focus = iota
	TiltX
	TiltY
	TransX
	TransY
)

// Device is the M2 protocol engine.
type Device struct {
	base  *lineproto.Base
	queue *queue.Queue
	kw    keyword.Sink

	schedule func(fire func())

	orientation Orientation
	secFocus    float64
	isBusy      bool
}

// New builds an M2 Device.
func New(schedule func(fire func()), kw keyword.Sink) *Device {
	d := &Device{
		kw:       kw,
		schedule: schedule,
	}
	d.base = lineproto.New("m2", 5*time.Second, d)
	d.queue = queue.New(map[string]int{"move": 1, "status": 1}, 1, nil)
	return d
}

func (d *Device) Connect(address string) error { return d.base.Connect(address) }
func (d *Device) Disconnect()                  { d.base.Disconnect() }
func (d *Device) Connected() bool              { return d.base.Connected() }
func (d *Device) Lines() <-chan lineproto.Line { return d.base.Lines() }
func (d *Device) Dispatch(line lineproto.Line) { d.base.Dispatch(line) }
func (d *Device) IsBusy() bool                 { return d.isBusy }
func (d *Device) Orientation() Orientation     { return d.orientation }
func (d *Device) SecFocus() float64            { return d.secFocus }
func (d *Device) Depth() int                   { return d.queue.Depth() }

func (d *Device) queueCmd(cmd *devcmd.Command) {
	issuedAt := time.Now()
	cmd.AddCallback(func(c *devcmd.Command) {
		metrics.RecordDeviceCommand("m2", c.Verb, c.State().String())
		metrics.ObserveDeviceCommandDuration("m2", c.Verb, time.Since(issuedAt))
	})

	start := func(c *devcmd.Command) {
		if c.TimeLimit() == 0 {
			c.SetTimeLimit(2 * time.Second)
		}
		c.SetState(devcmd.Running, "")
		c.ArmTimeout(d.schedule)
		if c.Verb == "move" {
			d.isBusy = true
		}
		if err := d.base.WriteLine(c.CmdStr); err != nil {
			c.SetState(devcmd.Failed, "Not connected")
		}
	}
	d.queue.Add(cmd, start)
}

// Move commands the secondary to the given 5-vector orientation (spec.md
// §4.5). Rejecting a move while busy is the Set-Scale handler's
// responsibility, not this device's (spec.md §4.5), so Move here always
// attempts the command.
func (d *Device) Move(orient Orientation, userCmd *usercmd.Command) *usercmd.Command {
	line := fmt.Sprintf("move %.4f %.4f %.4f %.4f %.4f",
		orient[Focus], orient[TiltX], orient[TiltY], orient[TransX], orient[TransY])
	cmd := devcmd.New("move", line)
	cmd.AddCallback(func(c *devcmd.Command) {
		if c.State().IsTerminal() {
			d.isBusy = false
		}
		if c.IsDone() {
			d.orientation = orient
			d.secFocus = orient[Focus]
			d.writeStatusToUsers(userCmd)
		}
	})
	userCmd.Link([]*devcmd.Command{cmd})
	d.queueCmd(cmd)
	return userCmd
}

// Focus commands a focus-only move: delta is absolute if offset is
// false, else added to the current secFocus (spec.md §4.5, §4.7).
func (d *Device) Focus(deltaUM float64, offset bool, userCmd *usercmd.Command) *usercmd.Command {
	target := deltaUM
	if offset {
		target = d.secFocus + deltaUM
	}
	orient := d.orientation
	orient[Focus] = target
	return d.Move(orient, userCmd)
}

// GetStatus enqueues a status request.
func (d *Device) GetStatus(userCmd *usercmd.Command) *usercmd.Command {
	cmd := devcmd.New("status", "status")
	userCmd.Link([]*devcmd.Command{cmd})
	d.queueCmd(cmd)
	return userCmd
}

// HandleReply implements lineproto.Handler.
func (d *Device) HandleReply(replyStr string) {
	replyStr = strings.TrimSpace(replyStr)
	if replyStr == "" {
		return
	}
	running := d.queue.Running()
	if running == nil || running.IsDone() {
		return
	}
	lower := strings.ToLower(replyStr)
	switch {
	case lower == "ok":
		running.SetState(devcmd.Done, "")
	case lower == strings.ToLower(running.CmdStr):
		// echo, ignore
	case strings.Contains(lower, "error"):
		running.SetState(devcmd.Failed, replyStr)
	case running.Verb == "status":
		parseOrientationLine(lower, &d.orientation)
	}
}

// HandleDisconnect implements lineproto.Handler.
func (d *Device) HandleDisconnect() {
	if running := d.queue.Running(); running != nil {
		running.SetState(devcmd.Failed, "Not connected")
	}
	d.isBusy = false
}

func (d *Device) writeStatusToUsers(userCmd *usercmd.Command) {
	d.kw.UpdateKW("secOrient", fmt.Sprintf("%.4f, %.4f, %.4f, %.4f, %.4f",
		d.orientation[Focus], d.orientation[TiltX], d.orientation[TiltY], d.orientation[TransX], d.orientation[TransY]),
		userCmd, "")
	d.kw.UpdateKW("SecFocus", fmt.Sprintf("%.4f", d.secFocus), userCmd, "")
}

func parseOrientationLine(line string, orient *Orientation) {
	fields := strings.Fields(line)
	if len(fields) != 6 || fields[0] != "orient" {
		return
	}
	var vals [5]float64
	for i := 0; i < 5; i++ {
		var v float64
		if _, err := fmt.Sscanf(fields[i+1], "%g", &v); err != nil {
			return
		}
		vals[i] = v
	}
	*orient = vals
}
