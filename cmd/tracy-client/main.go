// tracy-client is a minimal reference client for the tracy agent: it
// listens for an announce datagram, dials the advertised TCP port, lists
// the agent's tracepoints, enables all of them, and prints every PUSH
// frame it receives.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/Rohde-Schwarz/libtracy/announcer"
	"github.com/Rohde-Schwarz/libtracy/wire"
)

var (
	mcastAddr = flag.String("announce-addr", announcer.DefaultIPv4MulticastAddr, "Multicast address to listen for announce datagrams on.")
	dialAddr  = flag.String("dial", "", "Skip discovery and dial this host:port directly.")
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "could not get args from environment variables")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	target := *dialAddr
	if target == "" {
		a, err := discover(ctx, *mcastAddr)
		rtx.Must(err, "could not discover an agent via multicast announce")
		target = fmt.Sprintf("%s:%d", a.Hostname, a.TCPPort)
		log.Printf("discovered agent %s/%s at %s (seq %d)", a.Hostname, a.Process, target, a.Seq)
	}

	conn, err := net.Dial("tcp", target)
	rtx.Must(err, "could not dial %s", target)
	defer conn.Close()

	rtx.Must(writeFrame(conn, wire.CmdListRequest, nil), "could not send LIST-REQUEST")
	cmd, payload, err := readFrame(conn)
	rtx.Must(err, "could not read LIST-REPLY")
	if cmd != wire.CmdListReply {
		log.Fatalf("expected LIST-REPLY, got %v", cmd)
	}
	names, err := wire.DecodeNameList(payload)
	rtx.Must(err, "could not decode LIST-REPLY")
	log.Printf("agent advertises %d tracepoints: %v", len(names), names)

	if len(names) > 0 {
		rtx.Must(writeFrame(conn, wire.CmdEnableRequest, wire.EncodeNameList(names)), "could not send ENABLE-REQUEST")
	}

	for {
		cmd, payload, err := readFrame(conn)
		if err != nil {
			if err == io.EOF {
				log.Println("agent closed the session")
				return
			}
			log.Fatalf("read frame: %v", err)
		}
		if cmd != wire.CmdPush {
			log.Printf("unexpected frame %v, ignoring", cmd)
			continue
		}
		records, err := wire.DecodePushRecords(payload)
		rtx.Must(err, "could not decode PUSH")
		for _, r := range records {
			fmt.Printf("%s\t%d\t%q\n", r.Name, r.Timestamp, r.Data)
		}
	}
}

func discover(ctx context.Context, addr string) (wire.Announce, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return wire.Announce{}, err
	}
	conn, err := net.ListenMulticastUDP("udp", nil, udpAddr)
	if err != nil {
		return wire.Announce{}, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	buf := make([]byte, 65535)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return wire.Announce{}, err
	}
	return wire.DecodeAnnounce(buf[:n])
}

func writeFrame(conn net.Conn, cmd wire.Command, payload []byte) error {
	_, err := conn.Write(wire.EncodeFrame(cmd, payload))
	return err
}

func readFrame(conn net.Conn) (wire.Command, []byte, error) {
	header := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, nil, err
	}
	cmd, n, err := wire.DecodeHeader(header)
	if err != nil {
		return 0, nil, err
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return 0, nil, err
		}
	}
	return cmd, payload, nil
}
