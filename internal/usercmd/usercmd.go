// Package usercmd implements the Operator Command: a request from a user
// (or from an internal caller such as the collimation loop), whose
// completion is driven by the joint completion of the Device Commands it
// spawns (spec.md §3).
package usercmd

import (
	"github.com/google/uuid"

	"github.com/lco-obs/dupont-tcc/internal/devcmd"
)

// State reuses the Device Command terminal-state alphabet (spec.md §3:
// "state (same terminal alphabet plus Running)").
type State = devcmd.State

const (
	Ready     = devcmd.Ready
	Running   = devcmd.Running
	Done      = devcmd.Done
	Failed    = devcmd.Failed
	Cancelled = devcmd.Cancelled
)

// Writer is the narrow, out-of-scope "write to user" collaborator
// (spec.md §1): something that can emit a severity-tagged keyword/text line
// to connected operators. Its implementation (the hub/user connection
// protocol) is outside the device-mediation core.
type Writer interface {
	WriteToUsers(level, text string, cmd *Command)
}

// Command is a single operator request.
type Command struct {
	ID uuid.UUID

	Verb    string
	RawText string

	// Parsed holds whatever internal/cmdgrammar produced; handlers type-
	// assert it to the concrete parsed-parameter shape they expect. Kept
	// as interface{} so usercmd does not need to depend on the grammar
	// package.
	Parsed interface{}

	// Writer is the external collaborator used for outbound keyword
	// emission; nil is valid and simply suppresses output (useful for
	// internally-synthesized commands, e.g. device init, that don't need
	// a line written anywhere).
	Writer Writer

	state      State
	message    string
	hubMessage string

	eldest        *Command
	userCommanded bool

	links        []*devcmd.Command
	firstCancel  string
	callbacks    []func(*Command)
	fired        bool
}

// New creates a Ready, top-level (its own eldest ancestor) Operator
// Command. userCommanded should be true for anything typed directly by an
// operator, and false for internally-synthesized commands (device init,
// the collimation loop's periodic tick) — it drives §4.7's keyword
// verbosity rule.
func New(verb, rawText string, userCommanded bool) *Command {
	c := &Command{
		ID:            uuid.New(),
		Verb:          verb,
		RawText:       rawText,
		state:         Ready,
		userCommanded: userCommanded,
	}
	c.eldest = c
	return c
}

// Derive creates a Command descended from parent for the purposes of
// eldest-ancestor tracking (e.g. a handler that synthesizes a sub-command
// to link two device moves together). If parent is nil the new command is
// its own eldest ancestor and is never user-commanded.
func Derive(parent *Command, verb string) *Command {
	c := New(verb, "", false)
	if parent != nil {
		c.eldest = parent.Eldest()
	}
	return c
}

// Eldest returns the eldest ancestor of this command (itself, for a
// top-level command).
func (c *Command) Eldest() *Command { return c.eldest }

// UserCommanded reports whether this command's eldest ancestor was
// directly typed by an operator (spec.md §4.7 keyword verbosity rule).
func (c *Command) UserCommanded() bool { return c.eldest.userCommanded }

// State reports the command's current lifecycle stage.
func (c *Command) State() State { return c.state }

// Message is the human-readable text attached to a terminal state.
func (c *Command) Message() string { return c.message }

// HubMessage is the machine-parseable companion to Message on an
// Unexpected-class failure (spec.md §4.7: "Exception=<Kind>").
func (c *Command) HubMessage() string { return c.hubMessage }

// AddCallback registers a function invoked exactly once when the command
// reaches a terminal state (firing immediately if it already has).
func (c *Command) AddCallback(fn func(*Command)) {
	if c.fired {
		fn(c)
		return
	}
	c.callbacks = append(c.callbacks, fn)
}

// SetState transitions the command. As with Device Commands, terminal
// states are final.
func (c *Command) SetState(state State, message string) {
	c.setState(state, message, "")
}

// Fail transitions to Failed, attaching both the human message and the
// machine-parseable hub message used for the Unexpected error class
// (spec.md §4.7, §7).
func (c *Command) Fail(message, hubMessage string) {
	c.setState(Failed, message, hubMessage)
}

func (c *Command) setState(state State, message, hubMessage string) {
	if c.state.IsTerminal() {
		return
	}
	c.state = state
	c.message = message
	c.hubMessage = hubMessage

	if state.IsTerminal() {
		c.fired = true
		cbs := c.callbacks
		c.callbacks = nil
		for _, cb := range cbs {
			cb(c)
		}
	}
}

// WriteToUsers forwards to the configured Writer, if any.
func (c *Command) WriteToUsers(level, text string) {
	if c.Writer != nil {
		c.Writer.WriteToUsers(level, text, c)
	}
}

// Link attaches the given Device Commands to this Operator Command and
// transitions it to Running. The operator command's own completion now
// tracks their joint completion per spec.md §3's linkage rule: Done iff
// every linked command is Done, Failed if any is Failed (first failure's
// message wins), Cancelled if any is Cancelled and none Failed.
func (c *Command) Link(cmds []*devcmd.Command) {
	if c.state == Ready {
		c.state = Running
	}
	c.links = append(c.links, cmds...)
	for _, d := range cmds {
		d.ParentID = c.ID
		d.ParentVerb = c.Verb
		d.AddCallback(c.onDeviceTerminal)
	}
	c.checkCompletion()
}

func (c *Command) onDeviceTerminal(*devcmd.Command) {
	c.checkCompletion()
}

func (c *Command) checkCompletion() {
	if c.state.IsTerminal() {
		return
	}
	if len(c.links) == 0 {
		return
	}

	var failedMsg string
	haveFailed := false
	haveCancelled := false
	allDone := true

	for _, d := range c.links {
		switch d.State() {
		case devcmd.Failed:
			if !haveFailed {
				haveFailed = true
				failedMsg = d.Message()
			}
			allDone = false
		case devcmd.Cancelled:
			if !haveCancelled {
				haveCancelled = true
				c.firstCancel = d.Message()
			}
			allDone = false
		case devcmd.Done:
			// still a candidate for allDone
		default:
			allDone = false
		}
	}

	switch {
	case haveFailed:
		c.setState(Failed, failedMsg, "")
	case allDone:
		c.setState(Done, "", "")
	case haveCancelled:
		c.setState(Cancelled, c.firstCancel, "")
	}
}
