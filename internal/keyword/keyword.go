// Package keyword implements the Shared Actor Status: the append-only,
// dedup-on-emit keyword dictionary that is the sole source of outgoing
// status traffic (spec.md §3, §4.7).
//
// Grounded on
// _examples/original_source/python/tcc/actor/tccLCOActor.py's
// TCCStatus.updateKW. Devices receive only the narrow Sink interface,
// never the Dictionary itself, resolving spec.md §9's cyclic-reference
// note: the Actor Core owns the one Dictionary and hands each device a
// non-owning handle to it at construction.
package keyword

import (
	"fmt"
	"strings"

	"github.com/lco-obs/dupont-tcc/internal/usercmd"
)

// Writer is the out-of-scope "write to user" collaborator (spec.md §1):
// whatever delivers a severity-tagged "Name=value" line to connected
// operators.
type Writer interface {
	WriteToUsers(level, text string, cmd *usercmd.Command)
}

// Sink is the narrow interface devices depend on to emit status keywords,
// without needing to know about Dictionary or Writer.
type Sink interface {
	UpdateKW(name, value string, cmd *usercmd.Command, level string)
	UpdateKWs(values map[string]string, cmd *usercmd.Command)
}

// Dictionary is the actor's single keyword dictionary: last-emitted value
// per case-insensitive keyword name, with the emission dedup rule of
// spec.md §4.7.
type Dictionary struct {
	values map[string]string
	writer Writer
}

// NewDictionary builds an empty Dictionary that emits through writer.
func NewDictionary(writer Writer) *Dictionary {
	return &Dictionary{values: make(map[string]string), writer: writer}
}

// UpdateKW applies the emission rule and, if it decides to emit, writes
// "name=value" through the Writer at the resolved level.
//
// Rule (spec.md §4.7):
//   - a user-initiated cmd: always emit at "i", unless level overrides it.
//   - else if value changed since last emission: emit at "d".
//   - else if level is "w": emit at "w" regardless.
//   - else: suppress.
func (d *Dictionary) UpdateKW(name, value string, cmd *usercmd.Command, level string) {
	key := strings.ToLower(name)
	last, seen := d.values[key]
	changed := !seen || last != value
	d.values[key] = value

	var lvl string
	emit := false
	switch {
	case cmd != nil && cmd.UserCommanded():
		emit = true
		lvl = "i"
		if level != "" {
			lvl = level
		}
	case changed:
		emit = true
		lvl = "d"
	case level == "w":
		emit = true
		lvl = "w"
	}

	if emit && d.writer != nil {
		d.writer.WriteToUsers(lvl, fmt.Sprintf("%s=%s", name, value), cmd)
	}
}

// UpdateKWs applies UpdateKW to every entry of values, with no level
// override (the common case: a status dump where only changed fields
// should make it to users unless cmd is user-initiated).
func (d *Dictionary) UpdateKWs(values map[string]string, cmd *usercmd.Command) {
	for name, value := range values {
		d.UpdateKW(name, value, cmd, "")
	}
}
