// Command tccd is the du Pont 2.5m telescope control actor: it owns the
// scaling ring, TCS and M2 devices and serves the operator command line
// protocol described in spec.md §6.
//
// Grounded on the teacher's entrypoint
// (_examples/SoftIron-sibench/src/sibench/main.go: parse args, build a
// config, dieOnError, start a server) adapted from a one-shot benchmark run
// to a long-lived daemon with signal-driven shutdown.
package main

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lco-obs/dupont-tcc/internal/actor"
	"github.com/lco-obs/dupont-tcc/internal/config"
	"github.com/lco-obs/dupont-tcc/internal/logging"
	"github.com/lco-obs/dupont-tcc/internal/usercmd"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	dieOnError(err, "Error parsing arguments")

	log, err := logging.New(cfg.LogDir, cfg.Debug)
	dieOnError(err, "Error opening log")
	defer log.Close()

	a := actor.New(log, actor.Addresses{Scale: cfg.ScaleAddr, TCS: cfg.TCSAddr, M2: cfg.M2Addr})

	if err := a.ConnectAll(); err != nil {
		log.Warn("initial device connect did not fully succeed", "error", err)
	}

	go serveMetrics(log, cfg.ListenPort+1)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ListenPort))
	dieOnError(err, "Error starting operator listener")
	log.Info("tccd listening", "port", cfg.ListenPort)

	go acceptConnections(log, a, listener)

	go a.Run()

	waitForShutdown(log, a, listener)
}

func serveMetrics(log *logging.Logger, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	log.Info("metrics listening", "port", port)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", "error", err)
	}
}

func acceptConnections(log *logging.Logger, a *actor.Actor, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Info("operator listener stopped", "error", err)
			return
		}
		go handleConnection(log, a, conn)
	}
}

// handleConnection reads newline-terminated operator commands from one
// connection and submits each to the actor; outbound keyword and
// completion lines for commands from this connection are written back
// here via connWriter.
func handleConnection(log *logging.Logger, a *actor.Actor, conn net.Conn) {
	defer conn.Close()
	w := &connWriter{conn: conn}
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		a.Submit(line, w)
	}
	if err := scanner.Err(); err != nil {
		log.Warn("operator connection read error", "error", err, "remote", conn.RemoteAddr())
	}
}

// connWriter implements usercmd.Writer for one operator connection: each
// keyword/completion line is written as "<level> <text>".
type connWriter struct {
	conn net.Conn
}

func (w *connWriter) WriteToUsers(level, text string, cmd *usercmd.Command) {
	fmt.Fprintf(w.conn, "%s %s\n", level, text)
}

func waitForShutdown(log *logging.Logger, a *actor.Actor, listener net.Listener) {
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	<-sigC
	log.Info("shutting down")
	listener.Close()
	a.Stop()
}

func dieOnError(err error, format string, a ...interface{}) {
	if err != nil {
		fmt.Fprintf(os.Stderr, format, a...)
		fmt.Fprintf(os.Stderr, ": %v\n", err)
		os.Exit(1)
	}
}
