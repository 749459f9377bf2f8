// Package wire implements the framed TLV-style codec shared by the TCP
// session protocol and the UDP announce datagram. Nothing in this package
// touches a socket; it only encodes and decodes byte slices.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Command identifies the kind of frame carried after the 12-byte header.
type Command uint16

// Command ids, fixed for wire compatibility.
const (
	CmdListRequest    Command = 0x01
	CmdListReply      Command = 0x02
	CmdEnableRequest  Command = 0x03
	CmdDisableRequest Command = 0x04
	CmdPush           Command = 0x05
)

func (c Command) String() string {
	switch c {
	case CmdListRequest:
		return "LIST-REQUEST"
	case CmdListReply:
		return "LIST-REPLY"
	case CmdEnableRequest:
		return "ENABLE-REQUEST"
	case CmdDisableRequest:
		return "DISABLE-REQUEST"
	case CmdPush:
		return "PUSH"
	default:
		return fmt.Sprintf("Command(0x%02x)", uint16(c))
	}
}

// FrameMagic is the big-endian magic prefix of every session frame header.
// AnnounceMagic (see announce.go) is deliberately a different value so a
// packet dissector can tell the two datagram kinds apart.
const FrameMagic uint32 = 0x54524143 // "TRAC"

const (
	// MaxNameLength is the maximum length, in bytes, of a canonical
	// tracepoint name.
	MaxNameLength = 32
	// MaxPayloadLength is the maximum length, in bytes, of one submit
	// event's data payload.
	MaxPayloadLength = 2048
	// HeaderSize is the fixed size of the frame header in bytes.
	HeaderSize = 12
	// MaxFramePayload bounds the payload of a single frame on the wire.
	// PUSH batches larger than this are split into multiple frames by
	// the caller; LIST-REPLY/ENABLE/DISABLE payloads are expected to fit
	// comfortably under this given MaxNameLength and realistic
	// tracepoint counts.
	MaxFramePayload = 60000
)

// ProtocolError is returned by Decode* functions when a frame violates the
// wire format. Any ProtocolError observed by a session terminates that
// session (it returns to Listening).
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "tracy: protocol error: " + e.Reason
}

func protoErrf(format string, args ...interface{}) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// EncodeHeader writes the 12-byte frame header for cmd with the given
// payload length.
func EncodeHeader(cmd Command, payloadLen int) []byte {
	h := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(h[0:4], FrameMagic)
	binary.BigEndian.PutUint16(h[4:6], 0) // flags, reserved
	binary.BigEndian.PutUint16(h[6:8], uint16(cmd))
	binary.BigEndian.PutUint32(h[8:12], uint32(payloadLen))
	return h
}

// EncodeFrame returns a complete header+payload frame ready to write to the
// session socket.
func EncodeFrame(cmd Command, payload []byte) []byte {
	frame := make([]byte, 0, HeaderSize+len(payload))
	frame = append(frame, EncodeHeader(cmd, len(payload))...)
	frame = append(frame, payload...)
	return frame
}

// DecodeHeader parses a 12-byte header. It does not read the payload.
func DecodeHeader(h []byte) (cmd Command, payloadLen int, err error) {
	if len(h) != HeaderSize {
		return 0, 0, protoErrf("short header: %d bytes", len(h))
	}
	magic := binary.BigEndian.Uint32(h[0:4])
	if magic != FrameMagic {
		return 0, 0, protoErrf("bad frame magic 0x%08x", magic)
	}
	cmd = Command(binary.BigEndian.Uint16(h[6:8]))
	n := binary.BigEndian.Uint32(h[8:12])
	if n > MaxFramePayload {
		return 0, 0, protoErrf("payload length %d exceeds max frame payload %d", n, MaxFramePayload)
	}
	return cmd, int(n), nil
}

// EncodeNameList encodes the tracepoint-list payload used by LIST-REPLY,
// ENABLE-REQUEST and DISABLE-REQUEST: for each name, a 2-byte big-endian
// length followed by that many name bytes.
func EncodeNameList(names []string) []byte {
	size := 0
	for _, n := range names {
		size += 2 + len(n)
	}
	buf := make([]byte, 0, size)
	for _, n := range names {
		buf = appendLenPrefixed(buf, []byte(n))
	}
	return buf
}

// DecodeNameList decodes a tracepoint-list payload, enforcing that every
// name is 1..MaxNameLength bytes and that inner lengths do not overrun the
// payload.
func DecodeNameList(payload []byte) ([]string, error) {
	var names []string
	off := 0
	for off < len(payload) {
		if off+2 > len(payload) {
			return nil, protoErrf("truncated name length at offset %d", off)
		}
		n := int(binary.BigEndian.Uint16(payload[off : off+2]))
		off += 2
		if n < 1 || n > MaxNameLength {
			return nil, protoErrf("name length %d out of range [1,%d]", n, MaxNameLength)
		}
		if off+n > len(payload) {
			return nil, protoErrf("name of length %d overruns payload at offset %d", n, off)
		}
		names = append(names, string(payload[off:off+n]))
		off += n
	}
	return names, nil
}

// PushRecord is one event as carried by a PUSH frame.
type PushRecord struct {
	Name      string
	Timestamp int64
	Data      []byte
}

func recordSize(r PushRecord) int {
	return 2 + len(r.Name) + 8 + 2 + len(r.Data)
}

// EncodePushRecords splits records into one or more PUSH frame payloads,
// each no larger than maxPayload bytes, preserving record order both within
// and across the returned payloads. It never splits a single record across
// two payloads, so a record larger than maxPayload gets a payload of its
// own that exceeds maxPayload.
func EncodePushRecords(records []PushRecord, maxPayload int) [][]byte {
	var payloads [][]byte
	var cur []byte
	for _, r := range records {
		sz := recordSize(r)
		if len(cur) > 0 && len(cur)+sz > maxPayload {
			payloads = append(payloads, cur)
			cur = nil
		}
		cur = appendLenPrefixed(cur, []byte(r.Name))
		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], uint64(r.Timestamp))
		cur = append(cur, ts[:]...)
		cur = appendLenPrefixed(cur, r.Data)
	}
	if len(cur) > 0 {
		payloads = append(payloads, cur)
	}
	return payloads
}

// DecodePushRecords decodes a single PUSH frame payload into its records,
// enforcing that name lengths are 1..MaxNameLength and data lengths are
// 1..MaxPayloadLength.
func DecodePushRecords(payload []byte) ([]PushRecord, error) {
	var records []PushRecord
	off := 0
	for off < len(payload) {
		if off+2 > len(payload) {
			return nil, protoErrf("truncated record name length at offset %d", off)
		}
		nameLen := int(binary.BigEndian.Uint16(payload[off : off+2]))
		off += 2
		if nameLen < 1 || nameLen > MaxNameLength {
			return nil, protoErrf("record name length %d out of range [1,%d]", nameLen, MaxNameLength)
		}
		if off+nameLen > len(payload) {
			return nil, protoErrf("record name overruns payload at offset %d", off)
		}
		name := string(payload[off : off+nameLen])
		off += nameLen

		if off+8 > len(payload) {
			return nil, protoErrf("truncated timestamp at offset %d", off)
		}
		ts := int64(binary.BigEndian.Uint64(payload[off : off+8]))
		off += 8

		if off+2 > len(payload) {
			return nil, protoErrf("truncated record data length at offset %d", off)
		}
		dataLen := int(binary.BigEndian.Uint16(payload[off : off+2]))
		off += 2
		if dataLen < 1 || dataLen > MaxPayloadLength {
			return nil, protoErrf("record data length %d out of range [1,%d]", dataLen, MaxPayloadLength)
		}
		if off+dataLen > len(payload) {
			return nil, protoErrf("record data overruns payload at offset %d", off)
		}
		data := make([]byte, dataLen)
		copy(data, payload[off:off+dataLen])
		off += dataLen

		records = append(records, PushRecord{Name: name, Timestamp: ts, Data: data})
	}
	return records, nil
}

func appendLenPrefixed(dst []byte, b []byte) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(b)))
	dst = append(dst, l[:]...)
	dst = append(dst, b...)
	return dst
}
