package collimation

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lco-obs/dupont-tcc/internal/lineproto"
	"github.com/lco-obs/dupont-tcc/internal/m2"
	"github.com/lco-obs/dupont-tcc/internal/tcs"
	"github.com/lco-obs/dupont-tcc/internal/usercmd"
)

type fakeKW struct{}

func (fakeKW) UpdateKW(name, value string, cmd *usercmd.Command, level string) {}
func (fakeKW) UpdateKWs(values map[string]string, cmd *usercmd.Command)        {}

// fakeServer accepts one TCP connection and lets a test script replies for
// the lines it receives.
type fakeServer struct {
	t      *testing.T
	ln     net.Listener
	linesC chan string
	connC  chan net.Conn
}

func startFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	fs := &fakeServer{t: t, ln: ln, linesC: make(chan string, 16), connC: make(chan net.Conn, 1)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		fs.connC <- conn
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			fs.linesC <- scanner.Text()
		}
	}()
	return fs
}

func (fs *fakeServer) addr() string { return fs.ln.Addr().String() }

func (fs *fakeServer) recvLine() string {
	select {
	case l := <-fs.linesC:
		return l
	case <-time.After(time.Second):
		fs.t.Fatal("no line received")
		return ""
	}
}

func (fs *fakeServer) reply(text string) {
	conn := <-fs.connC
	fs.connC <- conn
	fmt.Fprintf(conn, "%s\n", text)
}

func driveEventLoop(lines <-chan lineproto.Line, dispatch func(lineproto.Line)) {
	go func() {
		for line := range lines {
			dispatch(line)
		}
	}()
}

func newLoopFixture(t *testing.T) (*Loop, *Model, *fakeServer, *fakeServer) {
	schedule := func(fire func()) { fire() }

	tcsDev := tcs.New(schedule, fakeKW{})
	tcsSrv := startFakeServer(t)
	require.NoError(t, tcsDev.Connect(tcsSrv.addr()))
	driveEventLoop(tcsDev.Lines(), tcsDev.Dispatch)

	m2Dev := m2.New(schedule, fakeKW{})
	m2Srv := startFakeServer(t)
	require.NoError(t, m2Dev.Connect(m2Srv.addr()))
	driveEventLoop(m2Dev.Lines(), m2Dev.Dispatch)

	model := NewModel()
	loop := NewLoop(schedule, tcsDev, m2Dev, model, fakeKW{})
	return loop, model, tcsSrv, m2Srv
}

func TestUpdateFailsWhenCollimationDisabled(t *testing.T) {
	loop, _, _, _ := newLoopFixture(t)

	cmd := usercmd.New("collimate", "collimate", true)
	loop.Update(cmd, false)

	require.Equal(t, usercmd.Failed, cmd.State())
	assert.Equal(t, "collimation is disabled", cmd.Message())
}

func TestUpdateForcedRunsDespiteDisabled(t *testing.T) {
	loop, model, tcsSrv, m2Srv := newLoopFixture(t)
	model.TiltXHA, model.TiltXDec = 1.0, 0.0
	model.MinTilt = 0.01

	cmd := usercmd.New("collimate", "collimate force", true)
	loop.Update(cmd, true)

	assert.Equal(t, "status", tcsSrv.recvLine())
	tcsSrv.reply("state Tracking Tracking")
	tcsSrv.reply("pos 10.0 -5.0")
	tcsSrv.reply("ok")

	line := m2Srv.recvLine()
	assert.Contains(t, line, "move")
	m2Srv.reply("ok")

	require.Eventually(t, func() bool { return cmd.State().IsTerminal() }, time.Second, time.Millisecond)
	assert.Equal(t, usercmd.Done, cmd.State())
}

func TestUpdateCancelsWhenAxisHalted(t *testing.T) {
	loop, model, tcsSrv, _ := newLoopFixture(t)
	model.DoCollimate = true

	cmd := usercmd.New("collimate", "collimate", true)
	// AxisHalted is read from the cached status, populated before Update
	// ever issues a new request; prime it with a halted reading first.
	statusCmd := usercmd.New("device", "device status", false)
	loop.tcsDev.GetStatus(statusCmd)
	assert.Equal(t, "status", tcsSrv.recvLine())
	tcsSrv.reply("state Halted Tracking")
	tcsSrv.reply("ok")
	require.Eventually(t, func() bool { return statusCmd.State().IsTerminal() }, time.Second, time.Millisecond)

	loop.Update(cmd, false)
	require.Equal(t, usercmd.Cancelled, cmd.State())
}

func TestUpdateSuppressesSmallFlexCorrection(t *testing.T) {
	loop, model, tcsSrv, m2Srv := newLoopFixture(t)
	model.DoCollimate = true
	model.MinTilt = 1000
	model.MinTrans = 1000

	cmd := usercmd.New("collimate", "collimate", false)
	loop.Update(cmd, false)

	assert.Equal(t, "status", tcsSrv.recvLine())
	tcsSrv.reply("state Tracking Tracking")
	tcsSrv.reply("pos 1.0 1.0")
	tcsSrv.reply("ok")

	require.Eventually(t, func() bool { return cmd.State().IsTerminal() }, time.Second, time.Millisecond)
	assert.Equal(t, usercmd.Done, cmd.State())

	select {
	case <-m2Srv.linesC:
		t.Fatal("m2 must not receive a move when the flex correction is below threshold")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestActiveReflectsRescheduleState(t *testing.T) {
	loop, model, _, _ := newLoopFixture(t)
	model.DoCollimate = false
	assert.False(t, loop.Active())
}
