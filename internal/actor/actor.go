// Package actor implements the Actor Core (spec.md §4.7): command
// dispatch, the shared keyword dictionary, and the single-threaded event
// loop that owns every device.
//
// Grounded on the teacher's Foreman event loop
// (_examples/SoftIron-sibench/src/sibench/foreman.go: a select over
// channels from independently-running workers, with every mutation made
// from inside that one select) and on tccLCOActor.py's parseAndDispatchCmd
// for the dispatch/error-taxonomy shape (spec.md §4.7, §7).
package actor

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/lco-obs/dupont-tcc/internal/cmdgrammar"
	"github.com/lco-obs/dupont-tcc/internal/collimation"
	"github.com/lco-obs/dupont-tcc/internal/keyword"
	"github.com/lco-obs/dupont-tcc/internal/logging"
	"github.com/lco-obs/dupont-tcc/internal/m2"
	"github.com/lco-obs/dupont-tcc/internal/metrics"
	"github.com/lco-obs/dupont-tcc/internal/scale"
	"github.com/lco-obs/dupont-tcc/internal/tcs"
	"github.com/lco-obs/dupont-tcc/internal/usercmd"
)

// MAX_SF / MIN_SF / SCALE_RATIO are the actor's plate-scale constants
// (spec.md §4.7, tccLCOActor.py).
const (
	MaxSF      = 1.02
	MinSF      = 1 / MaxSF
	ScaleRatio = 1.0 / 7.0
)

// Addresses is the set of host:port endpoints for the three remote devices
// (spec.md §6: "launch parameters are host/port for each device").
type Addresses struct {
	Scale string
	TCS   string
	M2    string
}

// Actor is the Actor Core: it owns the shared keyword dictionary and every
// device, and serializes all state mutation through a single event loop
// (spec.md §5).
type Actor struct {
	log  *logging.Logger
	addr Addresses

	kw *keyword.Dictionary

	scaleDev *scale.Device
	tcsDev   *tcs.Device
	m2Dev    *m2.Device

	collimModel *collimation.Model
	collimLoop  *collimation.Loop

	scheduleC chan func()
	stopC     chan struct{}
}

// New builds an Actor. Devices are constructed but not connected; call
// ConnectAll (or dispatch a "device connect" command) to bring them up.
func New(log *logging.Logger, addr Addresses) *Actor {
	a := &Actor{
		log:       log,
		addr:      addr,
		scheduleC: make(chan func(), 64),
		stopC:     make(chan struct{}),
	}
	a.kw = keyword.NewDictionary(a)

	schedule := a.schedule
	a.scaleDev = scale.New(schedule, a.kw)
	a.tcsDev = tcs.New(schedule, a.kw)
	a.m2Dev = m2.New(schedule, a.kw)

	a.collimModel = collimation.NewModel()
	a.collimLoop = collimation.NewLoop(schedule, a.tcsDev, a.m2Dev, a.collimModel, a.kw)

	return a
}

// schedule routes a closure onto the event loop goroutine (spec.md §5,
// §9): every device and the collimation loop is handed this function as
// its own "schedule" collaborator so timer fires never touch state from a
// background goroutine.
func (a *Actor) schedule(fire func()) {
	select {
	case a.scheduleC <- fire:
	case <-a.stopC:
	}
}

// WriteToUsers implements keyword.Writer by forwarding to the originating
// operator command's own Writer, so a status field updated as a side
// effect of handling command X is still attributed to X's connection.
func (a *Actor) WriteToUsers(level, text string, cmd *usercmd.Command) {
	cmd.WriteToUsers(level, text)
}

// Run is the event loop (spec.md §5: "single-threaded cooperative event
// loop"). It returns when Stop is called.
func (a *Actor) Run() {
	a.collimLoop.Start()
	for {
		select {
		case <-a.stopC:
			return
		case fire := <-a.scheduleC:
			fire()
		case line, ok := <-a.scaleDev.Lines():
			if ok {
				a.scaleDev.Dispatch(line)
			}
		case line, ok := <-a.tcsDev.Lines():
			if ok {
				a.tcsDev.Dispatch(line)
			}
		case line, ok := <-a.m2Dev.Lines():
			if ok {
				a.m2Dev.Dispatch(line)
			}
		}
		a.reportMetrics()
	}
}

// Stop ends the event loop.
func (a *Actor) Stop() {
	close(a.stopC)
}

// ConnectAll dials all three devices concurrently (they share no
// precondition, spec.md §5) and returns the first error, if any, having
// still attempted every connection.
func (a *Actor) ConnectAll() error {
	var g errgroup.Group
	g.Go(func() error { return a.scaleDev.Connect(a.addr.Scale) })
	g.Go(func() error { return a.tcsDev.Connect(a.addr.TCS) })
	g.Go(func() error { return a.m2Dev.Connect(a.addr.M2) })
	return g.Wait()
}

func (a *Actor) reportMetrics() {
	metrics.SetQueueDepth("scale", a.scaleDev.Depth())
	metrics.SetQueueDepth("tcs", a.tcsDev.Depth())
	metrics.SetQueueDepth("m2", a.m2Dev.Depth())
	metrics.SetDeviceConnected("scale", a.scaleDev.Connected())
	metrics.SetDeviceConnected("tcs", a.tcsDev.Connected())
	metrics.SetDeviceConnected("m2", a.m2Dev.Connected())
	metrics.SetCollimationActive(a.collimLoop.Active())
}

// Submit schedules a line for dispatch on the event loop goroutine and
// returns immediately; callers outside the loop (e.g. a connection's
// read goroutine) must use this instead of calling HandleLine directly.
func (a *Actor) Submit(rawText string, writer usercmd.Writer) {
	a.schedule(func() {
		a.HandleLine(rawText, writer)
	})
}

// HandleLine parses and dispatches one operator command line (spec.md
// §4.7). It must be called from the event loop goroutine (e.g. from
// inside a func passed to schedule), since handlers mutate device and
// queue state directly.
func (a *Actor) HandleLine(rawText string, writer usercmd.Writer) (cmd *usercmd.Command) {
	parsed, err := cmdgrammar.Parse(rawText)
	if err != nil {
		cmd = usercmd.New("", rawText, true)
		cmd.Writer = writer
		cmd.AddCallback(writeTerminalNotice)
		cmd.Fail(err.Error(), "")
		metrics.RecordOperatorCommand("parse-error", "Failed")
		return cmd
	}

	cmd = usercmd.New(parsed.Verb, rawText, true)
	cmd.Parsed = parsed
	cmd.Writer = writer
	cmd.AddCallback(writeTerminalNotice)
	a.log.Debug("dispatching operator command", "id", cmd.ID, "verb", cmd.Verb, "raw", rawText)
	cmd.AddCallback(func(c *usercmd.Command) {
		a.log.Debug("operator command terminal", "id", c.ID, "verb", c.Verb, "state", c.State().String(), "message", c.Message())
	})

	if parsed.Verb == "" {
		cmd.SetState(usercmd.Done, "")
		return cmd
	}

	defer func() {
		if r := recover(); r != nil {
			kind := fmt.Sprintf("%T", r)
			// errors.Errorf captures a stack trace at the point of recovery;
			// logging with "%+v" recovers it for the Unexpected error class
			// (spec.md §7) while the operator only ever sees the short message.
			err := errors.Errorf("panic in %s handler: %v", parsed.Verb, r)
			a.log.Error("unhandled panic in command handler", "verb", parsed.Verb, "id", cmd.ID, "error", fmt.Sprintf("%+v", err))
			cmd.Fail(fmt.Sprintf("%v", r), fmt.Sprintf("Exception=%s", kind))
		}
		metrics.RecordOperatorCommand(parsed.Verb, cmd.State().String())
	}()

	switch parsed.Verb {
	case "ping":
		cmd.SetState(usercmd.Done, "")
	case "set":
		a.handleSet(parsed, cmd)
	case "track":
		a.handleTrack(parsed, cmd)
	case "offset":
		a.handleOffset(parsed, cmd)
	case "device":
		a.handleDevice(parsed, cmd)
	default:
		cmd.Fail(fmt.Sprintf("unknown command verb %q", parsed.Verb), "")
	}

	return cmd
}

// writeTerminalNotice emits the line-protocol completion notice for an
// operator command once it reaches a terminal state: ":" for Done, "f" for
// Failed (appending the machine-parseable hub message when present) or
// Cancelled.
func writeTerminalNotice(cmd *usercmd.Command) {
	switch cmd.State() {
	case usercmd.Done:
		cmd.WriteToUsers(":", cmd.Message())
	case usercmd.Failed:
		text := cmd.Message()
		if cmd.HubMessage() != "" {
			text = text + " " + cmd.HubMessage()
		}
		cmd.WriteToUsers("f", text)
	case usercmd.Cancelled:
		cmd.WriteToUsers("f", cmd.Message())
	}
}

func (a *Actor) handleSet(parsed *cmdgrammar.Command, cmd *usercmd.Command) {
	switch parsed.SubVerb {
	case "focus":
		a.handleSetFocus(parsed, cmd)
	case "scalefactor":
		a.handleSetScaleFactor(parsed, cmd)
	default:
		cmd.Fail(fmt.Sprintf("unknown set parameter %q", parsed.SubVerb), "")
	}
}

// handleSetFocus: "set focus[=value][/incremental]" (spec.md §4.7). A
// non-incremental focus set while collimation is enabled also recaptures
// the collimation model's temperature-compensation baseline, matching the
// original's calibration hook (SPEC_FULL.md §4.5 expansion).
func (a *Actor) handleSetFocus(parsed *cmdgrammar.Command, cmd *usercmd.Command) {
	if !parsed.HasValue {
		cmd.Fail("set focus requires a value", "")
		return
	}
	if !parsed.Incremental && a.collimModel.DoCollimate {
		cmd.AddCallback(func(c *usercmd.Command) {
			if c.State() == usercmd.Done {
				a.collimModel.SetFocus(a.m2Dev.SecFocus(), a.tcsDev.Status().TrussTemp)
			}
		})
	}
	a.m2Dev.Focus(parsed.Value, parsed.Incremental, cmd)
}

// handleSetScaleFactor: "set scaleFactor[=value][/multiplicative]"
// (spec.md §4.7, §8 scenario 5).
func (a *Actor) handleSetScaleFactor(parsed *cmdgrammar.Command, cmd *usercmd.Command) {
	if a.m2Dev.IsBusy() {
		cmd.Fail("Cannot set scale, M2 is moving", "")
		return
	}

	currentPos := a.scaleDev.Status().ThreadRing.ActualPosition
	currentScale := scale.MM2Scale(currentPos, scale.ZeroPoint, scale.ScalePerMM)

	if !parsed.HasValue {
		a.kw.UpdateKW("ScaleFac", fmt.Sprintf("%.8f", currentScale), cmd, "")
		cmd.SetState(usercmd.Done, "")
		return
	}

	targetScale := parsed.Value
	if parsed.Multiplicative {
		// Per DESIGN.md's resolution of spec.md §9's open question, the
		// post-multiplication scale is computed via scale2mm(current*mult),
		// which round-trips exactly through mm2scale.
		targetScale = currentScale * parsed.Value
	}

	if targetScale < MinSF || targetScale > MaxSF {
		cmd.Fail(fmt.Sprintf("scaleFactor %.6f not in range [%.6f, %.6f]", targetScale, MinSF, MaxSF), "")
		return
	}

	absPosMM := scale.Scale2MM(targetScale, scale.ZeroPoint, scale.ScalePerMM)
	deltaFocusUM := (absPosMM - currentPos) * 1000 * ScaleRatio * -1

	a.kw.UpdateKW("ScaleFacRange", fmt.Sprintf("%.6f, %.6f", MinSF, MaxSF), cmd, "")

	// Issue both moves against the same operator command: Link accumulates
	// across calls, so cmd completes only once both are Done (spec.md §3,
	// §4.7 scenario 5). Move can Fail cmd synchronously (busy, out of
	// range); skip the M2 focus move entirely when that happens so a
	// policy error never has a device side effect.
	a.scaleDev.Move(absPosMM, cmd)
	if cmd.State() == usercmd.Failed {
		return
	}
	a.m2Dev.Focus(deltaFocusUM, true, cmd)
}

// handleOffset: "offset arc|rotator|calibration <values>" (spec.md §4.7,
// §8 scenarios 3-4).
func (a *Actor) handleOffset(parsed *cmdgrammar.Command, cmd *usercmd.Command) {
	values := parsed.Values
	if parsed.SubVerb == "arc" {
		inverted := make([]float64, len(values))
		for i, v := range values {
			inverted[i] = -v
		}
		values = inverted
	}
	a.tcsDev.Offset(parsed.SubVerb, values, cmd)
}

// handleTrack: "track <eq,pol[,ve,vp[,tai]]> [icrs [date]]" (spec.md §4.7,
// §6).
func (a *Actor) handleTrack(parsed *cmdgrammar.Command, cmd *usercmd.Command) {
	a.tcsDev.Track(parsed.Values, []string{parsed.CoordSys, parsed.Date}, cmd)
}

type deviceHandle struct {
	name       string
	address    string
	connect    func(string) error
	disconnect func()
	status     func(*usercmd.Command) *usercmd.Command
	init       func(*usercmd.Command) *usercmd.Command
}

func (a *Actor) devices(target string) []deviceHandle {
	all := []deviceHandle{
		{
			name: "scale", address: a.addr.Scale,
			connect: a.scaleDev.Connect, disconnect: a.scaleDev.Disconnect,
			status: func(c *usercmd.Command) *usercmd.Command { return a.scaleDev.GetStatus(c, 0) },
			init:   a.scaleDev.Init,
		},
		{
			name: "tcs", address: a.addr.TCS,
			connect: a.tcsDev.Connect, disconnect: a.tcsDev.Disconnect,
			status: a.tcsDev.GetStatus,
			init:   a.tcsDev.GetStatus,
		},
		{
			name: "m2", address: a.addr.M2,
			connect: a.m2Dev.Connect, disconnect: a.m2Dev.Disconnect,
			status: a.m2Dev.GetStatus,
			init:   a.m2Dev.GetStatus,
		},
	}
	if target == "" || target == "all" {
		return all
	}
	for _, d := range all {
		if d.name == target {
			return []deviceHandle{d}
		}
	}
	return nil
}

// handleDevice: "device initialize|status|connect|disconnect [tcs|scale|all]"
// (spec.md §4.7, §6).
func (a *Actor) handleDevice(parsed *cmdgrammar.Command, cmd *usercmd.Command) {
	targets := a.devices(parsed.Target)
	if len(targets) == 0 {
		cmd.Fail(fmt.Sprintf("unknown device target %q", parsed.Target), "")
		return
	}

	switch parsed.SubVerb {
	case "connect":
		var failures []string
		for _, d := range targets {
			if err := d.connect(d.address); err != nil {
				wrapped := errors.Wrapf(err, "connect %s at %s", d.name, d.address)
				a.log.Debug("device connect failed", "device", d.name, "error", fmt.Sprintf("%+v", wrapped))
				failures = append(failures, fmt.Sprintf("%s: %v", d.name, errors.Cause(wrapped)))
			}
		}
		if len(failures) > 0 {
			cmd.Fail(strings.Join(failures, "; "), "")
			return
		}
		cmd.SetState(usercmd.Done, "")

	case "disconnect":
		for _, d := range targets {
			d.disconnect()
		}
		cmd.SetState(usercmd.Done, "")

	case "status":
		for _, d := range targets {
			d.status(cmd)
		}

	case "initialize":
		for _, d := range targets {
			d.init(cmd)
		}

	default:
		cmd.Fail(fmt.Sprintf("unknown device action %q", parsed.SubVerb), "")
	}
}

// Keyword exposes the shared keyword dictionary as the narrow Sink
// collaborator devices depend on (spec.md §9's cyclic-reference note);
// intended for wiring new devices in cmd/tccd, not for handler code.
func (a *Actor) Keyword() keyword.Sink { return a.kw }

// EnableCollimation toggles the collimation loop and, when enabling,
// kicks off an immediate forced update (tccLCOActor.py's setCollimate).
func (a *Actor) EnableCollimation(enable bool) *usercmd.Command {
	a.collimModel.DoCollimate = enable
	cmd := usercmd.New("collimate", "", false)
	if enable {
		return a.collimLoop.Update(cmd, true)
	}
	cmd.SetState(usercmd.Done, "")
	return cmd
}
