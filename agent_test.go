package tracy

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/Rohde-Schwarz/libtracy/wire"
)

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}

func readFrame(t *testing.T, conn net.Conn) (wire.Command, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	header := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	cmd, n, err := wire.DecodeHeader(header)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			t.Fatalf("read payload: %v", err)
		}
	}
	return cmd, payload
}

func TestNewRejectsMissingRequiredFields(t *testing.T) {
	_, err := New(Options{ProcessName: "p", BufferFlushInterval: time.Second})
	if err != ErrEmptyHostname {
		t.Errorf("got %v, want ErrEmptyHostname", err)
	}
	_, err = New(Options{Hostname: "h", BufferFlushInterval: time.Second})
	if err != ErrEmptyProcessName {
		t.Errorf("got %v, want ErrEmptyProcessName", err)
	}
	_, err = New(Options{Hostname: "h", ProcessName: "p"})
	if err != ErrInvalidFlushInterval {
		t.Errorf("got %v, want ErrInvalidFlushInterval", err)
	}
}

func TestAgentHappyPathEndToEnd(t *testing.T) {
	agent, err := New(Options{
		Hostname:             "host1",
		ProcessName:          "proc1",
		ListenAddr:           "127.0.0.1:0",
		BufferFlushInterval:  100 * time.Millisecond,
		BufferHighWaterMark:  1 << 16,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer agent.Close()

	if err := agent.Register("tp"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	conn, err := net.Dial("tcp", agent.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.Write(wire.EncodeFrame(wire.CmdListRequest, nil))
	cmd, payload := readFrame(t, conn)
	if cmd != wire.CmdListReply {
		t.Fatalf("expected LIST-REPLY, got %v", cmd)
	}
	names, err := wire.DecodeNameList(payload)
	if err != nil || len(names) != 1 || names[0] != "tp" {
		t.Fatalf("unexpected LIST-REPLY: names=%v err=%v", names, err)
	}

	conn.Write(wire.EncodeFrame(wire.CmdEnableRequest, wire.EncodeNameList([]string{"tp"})))
	waitUntil(t, func() bool { return agent.TracepointEnabled("tp") })

	agent.Submit("tp", []byte("hi"))

	cmd, payload = readFrame(t, conn)
	if cmd != wire.CmdPush {
		t.Fatalf("expected PUSH, got %v", cmd)
	}
	records, err := wire.DecodePushRecords(payload)
	if err != nil {
		t.Fatalf("DecodePushRecords: %v", err)
	}
	if len(records) != 1 || records[0].Name != "tp" || !bytes.Equal(records[0].Data, []byte("hi")) {
		t.Fatalf("unexpected PUSH records: %+v", records)
	}
}

func TestSubmitDropsWhenNotEnabledOrUnregistered(t *testing.T) {
	agent, err := New(Options{
		Hostname:            "host1",
		ProcessName:         "proc1",
		ListenAddr:          "127.0.0.1:0",
		BufferFlushInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer agent.Close()

	if err := agent.Register("tp"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// No client connected at all: dropped for lack of a client, not a
	// panic or blocking call.
	agent.Submit("tp", []byte("x"))
	agent.Submit("unregistered", []byte("x"))
	agent.Submit("tp", nil)
	agent.Submit("tp", make([]byte, MaxSubmitPayloadLength+1))

	if agent.TracepointEnabled("tp") {
		t.Fatal("tp should not be enabled without a client")
	}
}

func TestRegisterDuplicateNameFails(t *testing.T) {
	agent, err := New(Options{
		Hostname:            "host1",
		ProcessName:         "proc1",
		ListenAddr:          "127.0.0.1:0",
		BufferFlushInterval: time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer agent.Close()

	if err := agent.Register("ABC"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := agent.Register("abc"); err == nil {
		t.Fatal("expected case-folded duplicate registration to fail")
	}
}

func TestDisconnectClearsEnabled(t *testing.T) {
	agent, err := New(Options{
		Hostname:            "host1",
		ProcessName:         "proc1",
		ListenAddr:          "127.0.0.1:0",
		BufferFlushInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer agent.Close()

	if err := agent.Register("tp"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	conn, err := net.Dial("tcp", agent.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Write(wire.EncodeFrame(wire.CmdEnableRequest, wire.EncodeNameList([]string{"tp"})))
	waitUntil(t, func() bool { return agent.TracepointEnabled("tp") })

	conn.Close()

	waitUntil(t, func() bool { return !agent.TracepointEnabled("tp") })
}
