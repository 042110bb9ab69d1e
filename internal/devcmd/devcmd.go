// Package devcmd implements the Device Command: one exchange between a
// device protocol engine and its remote controller.
//
// Grounded on the teacher's Foreman/Worker state-transition tables
// (_examples/SoftIron-sibench/src/sibench/foreman.go, worker.go): a small
// enum of states plus a single place (SetState) that logs and fires
// terminal-state callbacks exactly once, mirroring the teacher's
// foremanState / workerState machines. The "fires exactly once" contract
// is spec.md §9's "Dynamic callbacks on command objects" design note.
package devcmd

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle stage of a Device Command. Transitions are
// monotone: Ready -> Running -> {Done, Failed, Cancelled}, and the
// terminal states are final.
type State int

const (
	Ready State = iota
	Running
	Done
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether s is one of Done, Failed or Cancelled.
func (s State) IsTerminal() bool {
	return s == Done || s == Failed || s == Cancelled
}

// Command is one line-protocol exchange with a remote device controller.
type Command struct {
	ID uuid.UUID

	// Verb is the command's first whitespace-delimited token (e.g. "move",
	// "status"); the Command Queue's priority map and kill rules match on
	// this, per spec.md §4.2.
	Verb string

	// CmdStr is the literal line sent to the device (without terminator).
	CmdStr string

	// ParentID/ParentVerb identify the Operator Command that spawned this
	// Device Command, if any. A plain ID rather than a pointer back to
	// usercmd.Command: device commands hold only a back-reference, never
	// ownership (spec.md §3), and storing just the ID avoids an import
	// cycle between devcmd and usercmd (spec.md §9 "cyclic references").
	ParentID   uuid.UUID
	ParentVerb string

	state   State
	message string

	timeLimit time.Duration
	timer     *time.Timer

	callbacks []func(*Command)
	fired     bool
}

// New creates a Ready Device Command for the given verb/wire line.
func New(verb, cmdStr string) *Command {
	return &Command{
		ID:     uuid.New(),
		Verb:   verb,
		CmdStr: cmdStr,
		state:  Ready,
	}
}

// State reports the command's current lifecycle stage.
func (c *Command) State() State { return c.state }

// Message is the human-readable text attached to a terminal state (a
// failure reason, a cancellation reason, or empty for Done).
func (c *Command) Message() string { return c.message }

// IsActive reports whether the command is the one currently being run by
// its queue.
func (c *Command) IsActive() bool { return c.state == Running }

// IsDone reports the narrow "succeeded" terminal state, as distinct from
// Failed/Cancelled.
func (c *Command) IsDone() bool { return c.state == Done }

// AddCallback registers a function to be invoked exactly once, when this
// command reaches a terminal state. If the command is already terminal,
// the callback fires synchronously and immediately.
func (c *Command) AddCallback(fn func(*Command)) {
	if c.fired {
		fn(c)
		return
	}
	c.callbacks = append(c.callbacks, fn)
}

// SetTimeLimit sets (or replaces) the deadline duration used once the
// command transitions to Running; it has no effect on a command that is
// already Running.
func (c *Command) SetTimeLimit(d time.Duration) {
	c.timeLimit = d
}

// TimeLimit reports the configured deadline duration, or 0 if none.
func (c *Command) TimeLimit() time.Duration { return c.timeLimit }

// SetState transitions the command. Terminal states are final: calling
// SetState again on an already-terminal command is a no-op, preserving the
// "fires exactly once" and "state is final" invariants of spec.md §8.
func (c *Command) SetState(state State, message string) {
	if c.state.IsTerminal() {
		return
	}
	c.state = state
	c.message = message

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	if state.IsTerminal() {
		c.fired = true
		cbs := c.callbacks
		c.callbacks = nil
		for _, cb := range cbs {
			cb(c)
		}
	}
}

// ArmTimeout schedules a Failed transition with message "timeout" after
// the command's configured TimeLimit elapses, via the given scheduling
// function (so callers can route the fire back onto the single event-loop
// goroutine rather than calling SetState from a timer goroutine directly).
// It is a no-op if no time limit has been configured.
func (c *Command) ArmTimeout(schedule func(fire func())) {
	if c.timeLimit <= 0 {
		return
	}
	c.timer = time.AfterFunc(c.timeLimit, func() {
		schedule(func() {
			if !c.state.IsTerminal() {
				c.SetState(Failed, "timeout")
			}
		})
	})
}
