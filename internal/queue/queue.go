// Package queue implements the per-device Command Queue: an ordered
// sequence of Device Commands with priority and kill-on-conflict rules
// (spec.md §4.2).
//
// Grounded on the teacher's table-driven state machines
// (_examples/SoftIron-sibench/src/sibench/foreman.go): where the teacher
// keys a map of valid transitions by current state, this keys kill rules by
// trigger verb and walks the pending/running set exactly once per enqueue,
// matching the teacher's "look it up, act on it" style rather than a
// general rule-engine.
package queue

import (
	"fmt"
	"math"

	"github.com/lco-obs/dupont-tcc/internal/devcmd"
)

// Action is what a Rule does to its victim when its trigger verb is
// enqueued.
type Action int

const (
	// KillRunning cancels the victim verb if it is the currently Running
	// command.
	KillRunning Action = iota
	// KillPending cancels the victim verb wherever it sits in the pending
	// (not-yet-started) set.
	KillPending
)

// Rule is one (trigger, victim, action) entry, e.g. the scaling ring's
// {trigger: "stop", victim: "move", action: KillRunning}.
type Rule struct {
	Trigger string
	Victim  string
	Action  Action
}

type entry struct {
	cmd   *devcmd.Command
	start func(*devcmd.Command)
}

// Queue is a single device's command queue: at most one command Running at
// a time, pending commands ordered by priority (FIFO within a priority
// class).
type Queue struct {
	priority        map[string]int
	defaultPriority int
	rules           []Rule

	pending []entry
	running *devcmd.Command
}

// New builds a Queue. priority maps verb -> priority (higher runs first);
// verbs absent from the map use defaultPriority. rules are evaluated, in
// order, against every newly enqueued command.
func New(priority map[string]int, defaultPriority int, rules []Rule) *Queue {
	return &Queue{
		priority:        priority,
		defaultPriority: defaultPriority,
		rules:           rules,
	}
}

func (q *Queue) priorityOf(verb string) int {
	if p, ok := q.priority[verb]; ok {
		return p
	}
	return q.defaultPriority
}

// Add enqueues cmd. Any matching kill rules are applied first (so a
// command that kills itself-in-waiting never gets into the pending set in
// a state a caller could mistake for live); start is invoked exactly once,
// when the queue actually begins running cmd, to transition it to Running
// and hand it to the device.
func (q *Queue) Add(cmd *devcmd.Command, start func(*devcmd.Command)) {
	for _, r := range q.rules {
		if r.Trigger != cmd.Verb {
			continue
		}
		killMsg := fmt.Sprintf("Killed by %s", r.Trigger)
		switch r.Action {
		case KillRunning:
			if q.running != nil && q.running.Verb == r.Victim && q.running.State() == devcmd.Running {
				q.running.SetState(devcmd.Cancelled, killMsg)
			}
		case KillPending:
			for _, e := range q.pending {
				if e.cmd.Verb == r.Victim && e.cmd.State() == devcmd.Ready {
					e.cmd.SetState(devcmd.Cancelled, killMsg)
				}
			}
		}
	}

	q.pending = append(q.pending, entry{cmd: cmd, start: start})
	cmd.AddCallback(q.onTerminal)

	if q.running == nil {
		q.advance()
	}
}

// Running reports the currently executing Device Command, or nil if the
// queue is idle.
func (q *Queue) Running() *devcmd.Command { return q.running }

// Depth reports the number of commands waiting to run (not counting the
// currently running command), for metrics.
func (q *Queue) Depth() int {
	n := 0
	for _, e := range q.pending {
		if e.cmd.State() == devcmd.Ready {
			n++
		}
	}
	return n
}

func (q *Queue) onTerminal(cmd *devcmd.Command) {
	if q.running == cmd {
		q.running = nil
		q.advance()
	}
}

// advance pops the highest-priority Ready command (FIFO tie-break) and
// starts it. Any already-terminal entries (cancelled by a kill rule while
// still pending) are dropped here, never started.
func (q *Queue) advance() {
	live := q.pending[:0:0]
	for _, e := range q.pending {
		if e.cmd.State() == devcmd.Ready {
			live = append(live, e)
		}
	}
	q.pending = live

	if q.running != nil || len(q.pending) == 0 {
		return
	}

	bestIdx := -1
	bestPriority := math.MinInt
	for i, e := range q.pending {
		p := q.priorityOf(e.cmd.Verb)
		if p > bestPriority {
			bestPriority = p
			bestIdx = i
		}
	}

	next := q.pending[bestIdx]
	q.pending = append(q.pending[:bestIdx], q.pending[bestIdx+1:]...)

	q.running = next.cmd
	next.start(next.cmd)
}
