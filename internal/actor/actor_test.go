package actor

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lco-obs/dupont-tcc/internal/logging"
	"github.com/lco-obs/dupont-tcc/internal/scale"
	"github.com/lco-obs/dupont-tcc/internal/usercmd"
)

// fakeServer accepts one TCP connection and lets a test script replies for
// the lines it receives, standing in for a real scaling-ring/TCS/M2
// controller.
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

	fs := &fakeServer{t: t, ln: ln, linesC: make(chan string, 64), connC: make(chan net.Conn, 1)}
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
	case <-time.After(2 * time.Second):
		fs.t.Fatal("no line received from actor")
		return ""
	}
}

func (fs *fakeServer) reply(text string) {
	conn := <-fs.connC
	fs.connC <- conn
	fmt.Fprintf(conn, "%s\n", text)
}

// scaleInitStatusLines is a full status dump with the thread ring parked at
// scale.ZeroPoint, so scenarios that read back the current scale factor see
// exactly 1.0 before any "set scaleFactor" runs.
var scaleInitStatusLines = []string{
	"_thread_ring_axis_",
	"actual_position 20.0",
	"target_position 20.0",
	"drive_speed 0.1",
	"move_range 0-50",
	"hardware_fault 0",
	"instruction_fault 0",
	"overtravel off",
	"_lock_ring_axis_",
	"actual_position 10.0",
	"target_position 10.0",
	"open_setpoint 5.0",
	"locked_setpoint 25.0",
	"move_range 0-50",
	"hardware_fault 0",
	"instruction_fault 0",
	"_winch_axis_",
	"actual_position 1.0",
	"target_position 1.0",
	"up_setpoint 1.0",
	"move_range 0-5",
	"hardware_fault 0",
	"instruction_fault 0",
	"pos_sw",
	"1 1 1",
	"id_sw",
	"1 0 1 1 0 1 1 1 0",
}

// primeScaleInit answers the stop/speed/status sequence the Scale Device
// issues as soon as it connects (scale.Device.Connect -> Init), so later
// commands in a test see an idle, fully-populated device.
func primeScaleInit(t *testing.T, srv *fakeServer) {
	t.Helper()
	require.Equal(t, "stop", srv.recvLine())
	srv.reply("ok")

	require.Contains(t, srv.recvLine(), "speed")
	srv.reply("ok")

	require.Equal(t, "status", srv.recvLine())
	for _, l := range scaleInitStatusLines {
		srv.reply(l)
	}
	srv.reply("ok")
}

type writerRecord struct {
	level string
	text  string
}

type recordingWriter struct {
	mu      sync.Mutex
	records []writerRecord
}

func (w *recordingWriter) WriteToUsers(level, text string, cmd *usercmd.Command) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, writerRecord{level, text})
}

func (w *recordingWriter) has(match func(writerRecord) bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range w.records {
		if match(r) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, w *recordingWriter, match func(writerRecord) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return w.has(match) }, 2*time.Second, 5*time.Millisecond,
		"no matching notice was written to the operator")
}

func newTestActor(t *testing.T) (a *Actor, scaleSrv, tcsSrv, m2Srv *fakeServer) {
	t.Helper()
	log, err := logging.New(t.TempDir(), false)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	scaleSrv = startFakeServer(t)
	tcsSrv = startFakeServer(t)
	m2Srv = startFakeServer(t)

	a = New(log, Addresses{Scale: scaleSrv.addr(), TCS: tcsSrv.addr(), M2: m2Srv.addr()})
	require.NoError(t, a.ConnectAll())

	go a.Run()
	t.Cleanup(a.Stop)

	primeScaleInit(t, scaleSrv)
	return a, scaleSrv, tcsSrv, m2Srv
}

func firstFloat(line string) float64 {
	for _, f := range strings.Fields(line) {
		if v, err := strconv.ParseFloat(f, 64); err == nil {
			return v
		}
	}
	return 0
}

func TestPingIsImmediatelyDone(t *testing.T) {
	a, _, _, _ := newTestActor(t)
	w := &recordingWriter{}
	a.Submit("ping", w)
	waitFor(t, w, func(r writerRecord) bool { return r.level == ":" })
}

func TestEmptyLineCompletesWithoutDispatch(t *testing.T) {
	a, _, _, _ := newTestActor(t)
	w := &recordingWriter{}
	a.Submit("", w)
	waitFor(t, w, func(r writerRecord) bool { return r.level == ":" })
}

func TestUnparsableLineFails(t *testing.T) {
	a, _, _, _ := newTestActor(t)
	w := &recordingWriter{}
	a.Submit("frobnicate everything", w)
	waitFor(t, w, func(r writerRecord) bool { return r.level == "f" })
}

func TestSetFocusAbsoluteThenIncremental(t *testing.T) {
	a, _, _, m2Srv := newTestActor(t)

	w1 := &recordingWriter{}
	a.Submit("set focus=100.0", w1)
	line := m2Srv.recvLine()
	assert.Contains(t, line, "100.0000")
	m2Srv.reply("ok")
	waitFor(t, w1, func(r writerRecord) bool { return r.level == ":" })

	w2 := &recordingWriter{}
	a.Submit("set focus=5.0/incremental", w2)
	line = m2Srv.recvLine()
	assert.Contains(t, line, "105.0000")
	m2Srv.reply("ok")
	waitFor(t, w2, func(r writerRecord) bool { return r.level == ":" })
}

func TestSetFocusWithoutValueFails(t *testing.T) {
	a, _, _, _ := newTestActor(t)
	w := &recordingWriter{}
	a.Submit("set focus", w)
	waitFor(t, w, func(r writerRecord) bool { return r.level == "f" && strings.Contains(r.text, "requires a value") })
}

func TestSetUnknownParameterFails(t *testing.T) {
	a, _, _, _ := newTestActor(t)
	w := &recordingWriter{}
	a.Submit("set bogus=1", w)
	waitFor(t, w, func(r writerRecord) bool { return r.level == "f" && strings.Contains(r.text, "unknown set parameter") })
}

func TestOffsetArcInvertsSign(t *testing.T) {
	a, _, tcsSrv, _ := newTestActor(t)
	w := &recordingWriter{}

	a.Submit("offset arc 1,2", w)
	line := tcsSrv.recvLine()
	assert.Equal(t, "offset arc -1.000000,-2.000000", line)
	tcsSrv.reply("ok")
	waitFor(t, w, func(r writerRecord) bool { return r.level == ":" })
}

func TestOffsetRotatorDoesNotInvertSign(t *testing.T) {
	a, _, tcsSrv, _ := newTestActor(t)
	w := &recordingWriter{}

	a.Submit("offset rotator 3", w)
	line := tcsSrv.recvLine()
	assert.Equal(t, "offset rotator 3.000000", line)
	tcsSrv.reply("ok")
	waitFor(t, w, func(r writerRecord) bool { return r.level == ":" })
}

func TestOffsetTwoCommandsEachSentIndependently(t *testing.T) {
	a, _, tcsSrv, _ := newTestActor(t)

	w1 := &recordingWriter{}
	a.Submit("offset arc 1,0", w1)
	assert.Equal(t, "offset arc -1.000000,-0.000000", tcsSrv.recvLine())
	tcsSrv.reply("ok")
	waitFor(t, w1, func(r writerRecord) bool { return r.level == ":" })

	w2 := &recordingWriter{}
	a.Submit("offset arc 1,0", w2)
	assert.Equal(t, "offset arc -1.000000,-0.000000", tcsSrv.recvLine())
	tcsSrv.reply("ok")
	waitFor(t, w2, func(r writerRecord) bool { return r.level == ":" })
}

// TestSetScaleFactorScenarioNumbers reproduces the worked example: with the
// thread ring at scale.ZeroPoint, "set scaleFactor=1.00006" must move the
// ring to ~19.29mm and offset M2 focus by about +101.4um, both issued
// against the same operator command.
func TestSetScaleFactorScenarioNumbers(t *testing.T) {
	a, scaleSrv, _, m2Srv := newTestActor(t)
	w := &recordingWriter{}

	a.Submit("set scaleFactor=1.00006", w)

	scaleLine := scaleSrv.recvLine()
	require.Contains(t, scaleLine, "move")
	assert.InDelta(t, 19.29, firstFloatAfter(scaleLine, "move"), 0.01)
	scaleSrv.reply("ok")

	m2Line := m2Srv.recvLine()
	require.Contains(t, m2Line, "move")
	assert.InDelta(t, 101.4, firstFloatAfter(m2Line, "move"), 0.1)
	m2Srv.reply("ok")

	waitFor(t, w, func(r writerRecord) bool { return r.level == ":" })
}

func firstFloatAfter(line, prefix string) float64 {
	rest := strings.TrimPrefix(strings.TrimSpace(line), prefix)
	return firstFloat(rest)
}

func TestSetScaleFactorOutOfRangeFails(t *testing.T) {
	a, _, _, _ := newTestActor(t)
	w := &recordingWriter{}
	a.Submit("set scaleFactor=2.0", w)
	waitFor(t, w, func(r writerRecord) bool { return r.level == "f" && strings.Contains(r.text, "not in range") })
}

func TestSetScaleFactorWithoutValueReportsCurrent(t *testing.T) {
	a, _, _, _ := newTestActor(t)
	w := &recordingWriter{}

	a.Submit("set scaleFactor", w)

	expected := scale.MM2Scale(scale.ZeroPoint, scale.ZeroPoint, scale.ScalePerMM)
	want := fmt.Sprintf("ScaleFac=%.8f", expected)
	waitFor(t, w, func(r writerRecord) bool { return r.text == want })
	waitFor(t, w, func(r writerRecord) bool { return r.level == ":" })
}

func TestDeviceStatusQueriesAllThreeDevices(t *testing.T) {
	a, scaleSrv, tcsSrv, m2Srv := newTestActor(t)
	w := &recordingWriter{}

	a.Submit("device status", w)

	assert.Equal(t, "status", scaleSrv.recvLine())
	assert.Equal(t, "status", tcsSrv.recvLine())
	assert.Equal(t, "status", m2Srv.recvLine())
}

func TestDeviceUnknownTargetIsRejected(t *testing.T) {
	a, _, _, _ := newTestActor(t)
	w := &recordingWriter{}
	a.Submit("device status jupiter", w)
	waitFor(t, w, func(r writerRecord) bool { return r.level == "f" })
}

func TestDeviceConnectFailureIsReported(t *testing.T) {
	log, err := logging.New(t.TempDir(), false)
	require.NoError(t, err)
	defer log.Close()

	a := New(log, Addresses{Scale: "127.0.0.1:1", TCS: "127.0.0.1:1", M2: "127.0.0.1:1"})
	go a.Run()
	defer a.Stop()

	w := &recordingWriter{}
	a.Submit("device connect scale", w)
	waitFor(t, w, func(r writerRecord) bool {
		return r.level == "f" && strings.Contains(r.text, "scale") && strings.Contains(r.text, "connect")
	})
}

func TestDeviceDisconnectAllCompletes(t *testing.T) {
	a, _, _, _ := newTestActor(t)
	w := &recordingWriter{}
	a.Submit("device disconnect", w)
	waitFor(t, w, func(r writerRecord) bool { return r.level == ":" })
}
