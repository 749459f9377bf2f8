// tracyd is a demonstration host process for the tracy agent: it starts
// an Agent, registers a handful of synthetic tracepoints, and submits
// data against them on a timer so a tracy-client can observe the whole
// discover/list/enable/push flow end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/Rohde-Schwarz/libtracy"
	"github.com/Rohde-Schwarz/libtracy/announcer"
	"github.com/Rohde-Schwarz/libtracy/internal/tlog"
)

var (
	hostname    = flag.String("hostname", "", "Hostname reported in announce datagrams. Defaults to os.Hostname().")
	processName = flag.String("process", "tracyd", "Process name reported in announce datagrams.")
	listenAddr  = flag.String("listen", "0.0.0.0:0", "Session listener address.")
	promAddr    = flag.String("prom", ":9090", "Prometheus metrics export address and port.")
	debugLog    = flag.Bool("debug", false, "Enable human-readable debug logging.")

	flushInterval    = flag.Duration("flush-interval", time.Second, "Submit buffer flush interval.")
	announceInterval = flag.Duration("announce-interval", 5*time.Second, "UDP multicast announce interval; 0 disables announcing.")
	announceIface    = flag.String("announce-iface", "", "Local interface literal to bind the announce socket to; empty disables announcing.")
	announceAddr     = flag.String("announce-addr", announcer.DefaultIPv4MulticastAddr, "Multicast destination for announce datagrams.")

	tracepoints tracepointList
)

func init() {
	flag.Var(&tracepoints, "tracepoint", "Tracepoint name to register at startup; repeatable.")
}

// tracepointList collects repeated -tracepoint flag occurrences.
type tracepointList []string

func (l *tracepointList) String() string { return fmt.Sprint([]string(*l)) }

func (l *tracepointList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "could not get args from environment variables")

	logger := tlog.New(*debugLog)
	defer logger.Sync()

	host := *hostname
	if host == "" {
		h, err := os.Hostname()
		rtx.Must(err, "could not determine hostname")
		host = h
	}

	promSrv := prometheusx.MustStartPrometheus(*promAddr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer promSrv.Shutdown(ctx)

	agent, err := tracy.New(tracy.Options{
		Hostname:            host,
		ProcessName:         *processName,
		ListenAddr:          *listenAddr,
		BufferFlushInterval: *flushInterval,
		AnnounceInterval:    *announceInterval,
		AnnounceIface:       *announceIface,
		AnnounceMcastAddr:   *announceAddr,
		Logger:              logger,
	})
	rtx.Must(err, "could not start tracy agent")
	defer agent.Close()

	names := []string(tracepoints)
	if len(names) == 0 {
		names = []string{"heartbeat"}
	}
	for _, name := range names {
		rtx.Must(agent.Register(name), "could not register tracepoint %q", name)
	}

	fmt.Printf("tracyd listening on %s\n", agent.Addr())

	go submitLoop(ctx, agent, names)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

// submitLoop submits an incrementing counter against every registered
// tracepoint once per second, whether or not a client is currently
// enabled to receive it. Agent.Submit's gating makes that safe and cheap.
func submitLoop(ctx context.Context, agent *tracy.Agent, names []string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var n uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n++
			payload := []byte(fmt.Sprintf("tick-%d", n))
			for _, name := range names {
				agent.Submit(name, payload)
			}
		}
	}
}
