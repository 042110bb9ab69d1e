package scale

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

const (
	pollIdle   = 4 * time.Second
	pollMoving = 1 * time.Second
)

// Device is the scaling-ring protocol engine (spec.md §4.3).
type Device struct {
	base  *lineproto.Base
	queue *queue.Queue
	kw    keyword.Sink

	// schedule routes a closure onto the single event-loop goroutine; it
	// is how timer fires (poll, command timeouts) stay off the
	// background goroutines that actually wait on them.
	schedule func(fire func())

	status *Status

	targetPos float64
	nomSpeed  float64
	maxSpeed  float64

	state     RingState
	currIter  int
	maxIter   int
	totalTime time.Duration
	timeStamp time.Time

	statusRetries int
	pollTimer     *time.Timer
}

// New builds a Scale Device. kw is the non-owning handle to the actor's
// shared keyword dictionary (spec.md §9).
func New(schedule func(fire func()), kw keyword.Sink) *Device {
	d := &Device{
		kw:       kw,
		schedule: schedule,
		status:   NewStatus(),
		nomSpeed: NomSpeed,
		maxSpeed: MaxSpeed,
		state:    Done,
		maxIter:  3,
	}
	d.base = lineproto.New("scale", 5*time.Second, d)
	d.queue = queue.New(
		map[string]int{"stop": 1, "status": 1, "move": 1, "speed": 1},
		1,
		[]queue.Rule{{Trigger: "stop", Victim: "move", Action: queue.KillRunning}},
	)
	return d
}

// Connect opens the TCP session and, on success, issues the init
// sequence (stop, nominal speed, status) linked to an internal command.
func (d *Device) Connect(address string) error {
	if err := d.base.Connect(address); err != nil {
		return err
	}
	d.Init(usercmd.New("device", "", false))
	return nil
}

// Disconnect tears down the session; lineproto.Base.Disconnect invokes
// HandleDisconnect, which fails every outstanding command.
func (d *Device) Disconnect() { d.base.Disconnect() }

// Connected reports whether the TCP session is currently up.
func (d *Device) Connected() bool { return d.base.Connected() }

// Status exposes the parsed scaling-ring status for callers (the Actor
// Core's set-scaleFactor handler) that need the raw thread-ring position.
func (d *Device) Status() *Status { return d.status }

// Lines exposes the underlying connection's receive channel so the
// owning event loop can select on it.
func (d *Device) Lines() <-chan lineproto.Line { return d.base.Lines() }

// Dispatch forwards one received line to the connection base.
func (d *Device) Dispatch(line lineproto.Line) { d.base.Dispatch(line) }

// IsMoving reports whether the currently running device command is a
// move or home (spec.md §4.3).
func (d *Device) IsMoving() bool {
	c := d.queue.Running()
	if c == nil || !c.IsActive() {
		return false
	}
	return c.Verb == "move" || c.Verb == "home"
}

// IsHomed is hardcoded true: the external Mitutoyo encoder feedback path
// was removed from the reference controller, and this specification
// preserves that (spec.md §9 Open Question).
func (d *Device) IsHomed() bool { return true }

func (d *Device) queueCmd(cmd *devcmd.Command) {
	issuedAt := time.Now()
	cmd.AddCallback(func(c *devcmd.Command) {
		metrics.RecordDeviceCommand("scale", c.Verb, c.State().String())
		metrics.ObserveDeviceCommandDuration("scale", c.Verb, time.Since(issuedAt))
	})

	start := func(c *devcmd.Command) {
		if c.Verb != "move" && c.Verb != "home" {
			c.SetTimeLimit(2 * time.Second)
		}
		c.SetState(devcmd.Running, "")
		c.ArmTimeout(d.schedule)
		if c.Verb == "status" {
			d.status.Flush()
			d.statusRetries = 0
		}
		if err := d.base.WriteLine(c.CmdStr); err != nil {
			c.SetState(devcmd.Failed, "Not connected")
		}
	}
	d.queue.Add(cmd, start)
}

// Init enqueues the standard post-connect sequence.
func (d *Device) Init(userCmd *usercmd.Command) *usercmd.Command {
	cmds := []*devcmd.Command{
		devcmd.New("stop", "stop"),
		devcmd.New("speed", fmt.Sprintf("speed %.4f", d.nomSpeed)),
		devcmd.New("status", "status"),
	}
	userCmd.Link(cmds)
	for _, c := range cmds {
		d.queueCmd(c)
	}
	return userCmd
}

// GetStatus returns status, possibly from cache if the device is busy
// moving or homing (spec.md §4.3).
func (d *Device) GetStatus(userCmd *usercmd.Command, timeLim time.Duration) *usercmd.Command {
	if d.pollTimer != nil {
		d.pollTimer.Stop()
		d.pollTimer = nil
	}
	if timeLim <= 0 {
		timeLim = 2 * time.Second
	}

	if d.IsMoving() || d.state == Homing {
		d.writeStatusToUsers(userCmd)
		d.armPoll()
		userCmd.SetState(usercmd.Done, "")
		return userCmd
	}

	cmd := devcmd.New("status", "status")
	cmd.SetTimeLimit(timeLim)
	cmd.AddCallback(func(c *devcmd.Command) { d.statusCallback(c, userCmd) })
	userCmd.Link([]*devcmd.Command{cmd})
	d.queueCmd(cmd)
	return userCmd
}

func (d *Device) statusCallback(cmd *devcmd.Command, userCmd *usercmd.Command) {
	if !cmd.IsDone() {
		return
	}
	d.status.SetThreadAxisCurrent()
	d.writeStatusToUsers(userCmd)
	d.armPoll()
}

func (d *Device) armPoll() {
	interval := pollIdle
	if d.IsMoving() || d.state == Homing {
		interval = pollMoving
	}
	d.pollTimer = time.AfterFunc(interval, func() {
		d.schedule(func() {
			d.GetStatus(usercmd.New("status", "", false), 0)
		})
	})
}

// Move commands the ring to posMM (spec.md §4.3).
func (d *Device) Move(posMM float64, userCmd *usercmd.Command) *usercmd.Command {
	if !d.IsHomed() {
		userCmd.SetState(usercmd.Failed, "Scaling ring not homed. Issue threadring home.")
		return userCmd
	}
	if d.IsMoving() {
		userCmd.SetState(usercmd.Failed, "Cannot move, device is busy moving")
		return userCmd
	}
	minPos, maxPos := d.status.ThreadRing.MoveRange[0], d.status.ThreadRing.MoveRange[1]
	if posMM < minPos || posMM > maxPos {
		userCmd.SetState(usercmd.Failed, fmt.Sprintf("Move %.6f not in range [%.4f, %.4f]", posMM, minPos, maxPos))
		return userCmd
	}

	d.targetPos = posMM
	d.kw.UpdateKW("DesThreadRingPos", fmt.Sprintf("%.4f", d.targetPos), userCmd, "")

	moveTime := time.Duration(abs(d.targetPos-d.motorPos())/d.status.ThreadRing.DriveSpeed*1000) * time.Millisecond
	cmd := devcmd.New("move", fmt.Sprintf("move %.6f", d.targetPos))
	cmd.SetTimeLimit(moveTime + 60*time.Second)
	cmd.AddCallback(func(c *devcmd.Command) {
		switch {
		case c.IsActive():
			d.state = Moving
			d.currIter = 1
			d.totalTime = moveTime
			d.timeStamp = now()
			d.writeState(userCmd)
		case c.IsDone():
			d.state = Done
			d.currIter = 1
			d.timeStamp = now()
			d.writeState(userCmd)
			d.GetStatus(usercmd.New("status", "", false), 0)
		}
	})
	userCmd.Link([]*devcmd.Command{cmd})
	d.queueCmd(cmd)
	return userCmd
}

// Home drives the ring to its home position.
func (d *Device) Home(userCmd *usercmd.Command) *usercmd.Command {
	d.state = Homing
	d.currIter = 0
	d.timeStamp = now()
	d.writeState(userCmd)

	moveTime := time.Duration(abs(0-d.motorPos())/d.status.ThreadRing.DriveSpeed*1000) * time.Millisecond
	cmd := devcmd.New("home", "home")
	cmd.SetTimeLimit(moveTime + 60*time.Second)
	cmd.AddCallback(func(c *devcmd.Command) {
		if c.IsDone() {
			d.state = Done
			d.timeStamp = now()
			d.writeState(userCmd)
			d.GetStatus(usercmd.New("status", "", false), 0)
		}
	})
	userCmd.Link([]*devcmd.Command{cmd})
	d.queueCmd(cmd)
	return userCmd
}

// Stop cancels any running move and queues stop+status.
func (d *Device) Stop(userCmd *usercmd.Command) *usercmd.Command {
	if d.IsMoving() {
		if running := d.queue.Running(); running != nil {
			running.SetState(devcmd.Cancelled, "Scaling ring move cancelled by stop command.")
		}
	}
	d.state = Done
	d.timeStamp = now()
	d.writeState(userCmd)

	cmds := []*devcmd.Command{devcmd.New("stop", "stop"), devcmd.New("status", "status")}
	cmds[len(cmds)-1].AddCallback(func(c *devcmd.Command) { d.statusCallback(c, userCmd) })
	userCmd.Link(cmds)
	for _, c := range cmds {
		d.queueCmd(c)
	}
	return userCmd
}

// Speed sets the nominal move speed.
func (d *Device) Speed(speedValue float64, userCmd *usercmd.Command) *usercmd.Command {
	if d.IsMoving() {
		userCmd.SetState(usercmd.Failed, "Cannot set speed, device is busy moving")
		return userCmd
	}
	if speedValue > d.maxSpeed {
		userCmd.SetState(usercmd.Failed, fmt.Sprintf("Max Speed Exceeded: %.4f > %.4f", speedValue, d.maxSpeed))
		return userCmd
	}

	cmds := []*devcmd.Command{
		devcmd.New("speed", fmt.Sprintf("speed %.6f", speedValue)),
		devcmd.New("status", "status"),
	}
	cmds[len(cmds)-1].AddCallback(func(c *devcmd.Command) { d.statusCallback(c, userCmd) })
	userCmd.Link(cmds)
	for _, c := range cmds {
		d.queueCmd(c)
	}
	return userCmd
}

func (d *Device) motorPos() float64 { return d.status.ThreadRing.ActualPosition }

// HandleReply implements lineproto.Handler (spec.md §4.3 reply handling).
func (d *Device) HandleReply(replyStr string) {
	replyStr = strings.TrimSpace(strings.ToLower(replyStr))
	if replyStr == "" {
		return
	}

	running := d.queue.Running()
	if running == nil || running.IsDone() {
		return
	}

	switch {
	case replyStr == "ok":
		if running.Verb == "status" {
			if err := d.status.CheckFull(); err != nil {
				d.statusRetries++
				if d.statusRetries > MaxIter {
					running.SetState(devcmd.Failed, "scale device status mangled")
				} else {
					d.base.WriteLine("status")
				}
				return
			}
		}
		running.SetState(devcmd.Done, "")

	case replyStr == running.CmdStr:
		// command echo, ignore

	case strings.Contains(replyStr, "error"):
		running.SetState(devcmd.Failed, replyStr)

	case running.Verb == "status":
		d.status.ParseLine(replyStr)

	case running.Verb == "move":
		if strings.Contains(replyStr, "actual_position") {
			parts := strings.SplitN(replyStr, "actual_position", 2)
			if len(parts) == 2 {
				if v, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err == nil {
					d.status.ThreadRing.ActualPosition = v
				}
			}
		}
	}
}

// HandleDisconnect implements lineproto.Handler: fail the running
// command and every pending one with "Not connected" (spec.md §4.1).
func (d *Device) HandleDisconnect() {
	if running := d.queue.Running(); running != nil {
		running.SetState(devcmd.Failed, "Not connected")
	}
}

func (d *Device) writeState(userCmd *usercmd.Command) {
	d.kw.UpdateKW("ThreadRingState", d.GetStateVal(), userCmd, "")
}

func (d *Device) writeStatusToUsers(userCmd *usercmd.Command) {
	if faultStr := d.status.FaultString(); faultStr != "" {
		d.kw.UpdateKW("ScaleRingFaults", faultStr, userCmd, "w")
	}
	d.kw.UpdateKWs(d.StatusDict(), userCmd)
	d.writeState(userCmd)
}

// GetStateVal formats the 5-tuple ThreadRingState keyword value (spec.md
// §4.3, §6).
func (d *Device) GetStateVal() string {
	state := d.state
	if !d.IsHomed() {
		state = NotHomed
	}
	elapsed := now().Sub(d.timeStamp)
	remaining := d.totalTime - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return fmt.Sprintf("%s, %d, %d, %.2f, %.2f", state, d.currIter, d.maxIter, remaining.Seconds(), d.totalTime.Seconds())
}

// StatusDict renders the outbound keyword set for a full status dump
// (spec.md §6).
func (d *Device) StatusDict() map[string]string {
	desThreadRingPos := "NaN"
	if !isNaN(d.targetPos) {
		desThreadRingPos = fmt.Sprintf("%.4f", d.targetPos)
	}
	motorPos := d.motorPos()
	scaleFactor := "NaN"
	if !isNaN(motorPos) {
		scaleFactor = fmt.Sprintf("%.8f", MM2Scale(motorPos, ZeroPoint, ScalePerMM))
	}
	cartLoaded := "F"
	if d.status.Loaded() {
		cartLoaded = "T"
	}
	cartLocked := "F"
	if d.status.Locked() {
		cartLocked = "T"
	}

	homed := 0
	if d.IsHomed() {
		homed = 1
	}

	return map[string]string{
		"ThreadRingMotorPos": fmt.Sprintf("%.4f", motorPos),
		"ThreadRingEncPos":   fmt.Sprintf("%.4f", motorPos),
		"ThreadRingSpeed":    fmt.Sprintf("%.4f", d.status.ThreadRing.DriveSpeed),
		"ThreadRingMaxSpeed": fmt.Sprintf("%.4f", d.maxSpeed),
		"DesThreadRingPos":   desThreadRingPos,
		"ScaleZeroPos":       fmt.Sprintf("%.4f", ZeroPoint),
		"ScaleFac":           scaleFactor,
		"instrumentNum":      fmt.Sprintf("%d", d.status.CartID()),
		"CartLocked":         cartLocked,
		"CartLoaded":         cartLoaded,
		"apogeeGang":         fmt.Sprintf("%d", d.status.GangVal()),
		"ThreadRingState":    d.GetStateVal(),
		"ScaleEncHomed":      fmt.Sprintf("%d", homed),
	}
}

// Depth reports the device queue's pending-command count, for metrics.
func (d *Device) Depth() int { return d.queue.Depth() }
