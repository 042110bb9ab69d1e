// Package lineproto is the TCP Device Base: the connection lifecycle and
// ASCII line framing shared by every device protocol engine (Scale Ring,
// TCS, M2).
//
// Grounded on _examples/SoftIron-sibench/src/comms/tcp_connection.go's
// MessageConnection, generalized from length-prefixed JSON framing to the
// newline-delimited ASCII framing used by the real device wire protocol
// (see _examples/original_source/python/tcc/dev/scaleDevice.py). As in the
// teacher, a background goroutine only ever reads bytes and pushes
// immutable values onto a channel; all state mutation (recording the
// connection, firing callbacks) happens wherever that channel is drained,
// which must be the single event-loop goroutine (spec.md §5).
package lineproto

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrNotConnected is returned by WriteLine when there is no live session.
var ErrNotConnected = errors.New("not connected")

// Line is one received line, or a terminal read error (including io.EOF on
// a clean close). Once Err is non-nil no further Lines follow.
type Line struct {
	Text string
	Err  error
}

// Handler receives dispatched replies and the disconnect notification. It
// is the hook derived devices implement to parse status lines, match
// command echoes, and fail their queue on disconnect.
type Handler interface {
	HandleReply(line string)
	HandleDisconnect()
}

// Base is a single TCP device session: dial, write lines, and deliver
// received lines and disconnects to a Handler. It holds no locks; it is
// only ever safe because every exported method here is called from the
// same goroutine that drains Lines().
type Base struct {
	Name string

	handler     Handler
	dialTimeout time.Duration

	conn   net.Conn
	linesC chan Line
}

// New builds a Base for the given device name (used only in error text),
// with the given dial timeout (0 means no timeout) and Handler.
func New(name string, dialTimeout time.Duration, handler Handler) *Base {
	return &Base{
		Name:        name,
		handler:     handler,
		dialTimeout: dialTimeout,
	}
}

// Connected reports whether there is a live session.
func (b *Base) Connected() bool { return b.conn != nil }

// Connect dials address if not already connected. It is idempotent: a
// second call while already connected is a no-op. On success a background
// goroutine begins delivering received lines to the channel returned by
// Lines(); the caller is responsible for draining that channel (on the
// single event-loop goroutine) and for invoking any device-specific init
// sequence once Connect returns without error.
func (b *Base) Connect(address string) error {
	if b.conn != nil {
		return nil
	}

	var d net.Dialer
	if b.dialTimeout > 0 {
		d.Timeout = b.dialTimeout
	}
	conn, err := d.Dial("tcp", address)
	if err != nil {
		return fmt.Errorf("%s: connect to %s: %w", b.Name, address, err)
	}

	b.conn = conn
	b.linesC = make(chan Line, 16)
	go b.receiveLoop(conn, b.linesC)
	return nil
}

// Disconnect closes the current session, if any, and notifies the
// Handler. Idempotent.
func (b *Base) Disconnect() {
	if b.conn == nil {
		return
	}
	b.conn.Close()
	b.conn = nil
	b.linesC = nil
	b.handler.HandleDisconnect()
}

// Lines returns the channel of received lines for the current session, or
// nil if there is none. The caller selects on this alongside its other
// event sources and calls Dispatch on whatever it receives.
func (b *Base) Lines() <-chan Line {
	if b.linesC == nil {
		return nil
	}
	return b.linesC
}

// Dispatch delivers line to the Handler, or tears the session down on a
// terminal read error. Must be called from the single event-loop
// goroutine.
func (b *Base) Dispatch(line Line) {
	if line.Err != nil {
		b.Disconnect()
		return
	}
	b.handler.HandleReply(line.Text)
}

// WriteLine sends s, with a trailing newline, to the device. It returns
// ErrNotConnected if there is no live session; callers (the device's
// command-sending code) are responsible for failing the affected Device
// Command with that message, since Base itself has no notion of commands.
func (b *Base) WriteLine(s string) error {
	if b.conn == nil {
		return ErrNotConnected
	}
	_, err := b.conn.Write([]byte(s + "\n"))
	if err != nil {
		return fmt.Errorf("%s: write: %w", b.Name, err)
	}
	return nil
}

func (b *Base) receiveLoop(conn net.Conn, out chan<- Line) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		out <- Line{Text: scanner.Text()}
	}
	err := scanner.Err()
	if err == nil {
		err = errConnClosed
	}
	out <- Line{Err: err}
}

var errConnClosed = errors.New("connection closed")
