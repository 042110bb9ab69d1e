package tcs

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lco-obs/dupont-tcc/internal/devcmd"
	"github.com/lco-obs/dupont-tcc/internal/keyword"
	"github.com/lco-obs/dupont-tcc/internal/lineproto"
	"github.com/lco-obs/dupont-tcc/internal/metrics"
	"github.com/lco-obs/dupont-tcc/internal/queue"
	"github.com/lco-obs/dupont-tcc/internal/usercmd"
)

const trackPollInterval = 1 * time.Second

// Device is the TCS protocol engine (spec.md §4.4).
type Device struct {
	base  *lineproto.Base
	queue *queue.Queue
	kw    keyword.Sink

	schedule func(fire func())

	status *Status

	pendingStatus  *devcmd.Command
	pendingWriters []*usercmd.Command
}

// New builds a TCS Device.
func New(schedule func(fire func()), kw keyword.Sink) *Device {
	d := &Device{
		kw:       kw,
		schedule: schedule,
		status:   NewStatus(),
	}
	d.base = lineproto.New("tcs", 5*time.Second, d)
	d.queue = queue.New(map[string]int{"status": 1, "offset": 1, "track": 1}, 1, nil)
	return d
}

func (d *Device) Connect(address string) error  { return d.base.Connect(address) }
func (d *Device) Disconnect()                   { d.base.Disconnect() }
func (d *Device) Connected() bool               { return d.base.Connected() }
func (d *Device) Lines() <-chan lineproto.Line  { return d.base.Lines() }
func (d *Device) Dispatch(line lineproto.Line)  { d.base.Dispatch(line) }
func (d *Device) Status() *Status               { return d.status }
func (d *Device) IsTracking() bool              { return d.status.IsTracking() }
func (d *Device) IsSlewing() bool               { return d.status.IsSlewing() }
func (d *Device) Depth() int                    { return d.queue.Depth() }

func (d *Device) queueCmd(cmd *devcmd.Command) {
	issuedAt := time.Now()
	cmd.AddCallback(func(c *devcmd.Command) {
		metrics.RecordDeviceCommand("tcs", c.Verb, c.State().String())
		metrics.ObserveDeviceCommandDuration("tcs", c.Verb, time.Since(issuedAt))
	})

	start := func(c *devcmd.Command) {
		c.SetTimeLimit(2 * time.Second)
		c.SetState(devcmd.Running, "")
		c.ArmTimeout(d.schedule)
		if err := d.base.WriteLine(c.CmdStr); err != nil {
			c.SetState(devcmd.Failed, "Not connected")
		}
	}
	d.queue.Add(cmd, start)
}

// GetStatus requests a status dump. If one is already outstanding (e.g.
// the collimation loop's periodic poll overlapping an operator "device
// status"), the new caller is linked to that same device command instead
// of issuing a duplicate request (spec.md §4.3's ScaleDevice busy
// short-circuit, generalized to TCS).
func (d *Device) GetStatus(userCmd *usercmd.Command) *usercmd.Command {
	if d.pendingStatus != nil && !d.pendingStatus.State().IsTerminal() {
		d.pendingWriters = append(d.pendingWriters, userCmd)
		userCmd.Link([]*devcmd.Command{d.pendingStatus})
		return userCmd
	}

	cmd := devcmd.New("status", "status")
	d.pendingWriters = []*usercmd.Command{userCmd}
	cmd.AddCallback(func(c *devcmd.Command) {
		d.pendingStatus = nil
		if c.IsDone() {
			for _, w := range d.pendingWriters {
				d.WriteStatusToUsers(w)
			}
		}
		d.pendingWriters = nil
	})
	d.pendingStatus = cmd
	userCmd.Link([]*devcmd.Command{cmd})
	d.queueCmd(cmd)
	return userCmd
}

// Offset issues a positional offset of the given kind ("arc", "rotator",
// "calibration"). Sign inversion for arc offsets is the Actor Core's
// responsibility (spec.md §4.7); this device sends whatever values it is
// given.
func (d *Device) Offset(kind string, values []float64, userCmd *usercmd.Command) *usercmd.Command {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'f', 6, 64)
	}
	cmd := devcmd.New("offset", fmt.Sprintf("offset %s %s", kind, strings.Join(parts, ",")))
	userCmd.Link([]*devcmd.Command{cmd})
	d.queueCmd(cmd)
	return userCmd
}

// Track issues a slew+track command. extra carries the optional trailing
// tokens from the operator grammar (coordinate system, date); either may be
// empty. The returned operator command completes only once both RA and Dec
// axes report "Tracking" (spec.md §4.4, §4.7), not merely once the TCS has
// accepted the command.
func (d *Device) Track(values []float64, extra []string, userCmd *usercmd.Command) *usercmd.Command {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'f', 6, 64)
	}
	line := fmt.Sprintf("track %s", strings.Join(parts, ","))
	for _, e := range extra {
		if e != "" {
			line += " " + e
		}
	}
	trackCmd := devcmd.New("track", line)
	watch := devcmd.New("track-complete", "")

	trackCmd.AddCallback(func(c *devcmd.Command) {
		if c.IsDone() {
			d.pollForTracking(watch)
		}
	})

	userCmd.Link([]*devcmd.Command{trackCmd, watch})
	d.queueCmd(trackCmd)
	return userCmd
}

func (d *Device) pollForTracking(watch *devcmd.Command) {
	if watch.State().IsTerminal() {
		return
	}
	if d.status.AxisHalted() {
		watch.SetState(devcmd.Cancelled, "RA or Dec axis halted, not tracking")
		return
	}
	if d.status.IsTracking() {
		watch.SetState(devcmd.Done, "")
		return
	}

	poll := devcmd.New("status", "status")
	poll.AddCallback(func(c *devcmd.Command) {
		if !c.IsDone() {
			return
		}
		if watch.State().IsTerminal() {
			return
		}
		time.AfterFunc(trackPollInterval, func() {
			d.schedule(func() { d.pollForTracking(watch) })
		})
	})
	d.queueCmd(poll)
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
		d.status.ParseLine(replyStr)
	}
}

// HandleDisconnect implements lineproto.Handler.
func (d *Device) HandleDisconnect() {
	if running := d.queue.Running(); running != nil {
		running.SetState(devcmd.Failed, "Not connected")
	}
}

// StatusDict renders the outbound keyword set for a status dump.
func (d *Device) StatusDict() map[string]string {
	stateStr := strings.Join(d.status.State, ",")
	return map[string]string{
		"axisCmdState": stateStr,
		"axePos":       fmt.Sprintf("%.6f, %.6f", d.status.Pos[0], d.status.Pos[1]),
		"secTrussTemp": fmt.Sprintf("%.2f", d.status.TrussTemp),
	}
}

func (d *Device) WriteStatusToUsers(userCmd *usercmd.Command) {
	d.kw.UpdateKWs(d.StatusDict(), userCmd)
}
