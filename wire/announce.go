package wire

import (
	"encoding/binary"

	jsoniter "github.com/json-iterator/go"
)

// AnnounceMagic is the 4-byte big-endian prefix of every UDP announce
// datagram. It differs from FrameMagic so a dissector attached to either
// socket can distinguish the two datagram kinds at a glance.
const AnnounceMagic uint32 = 0x54414e4e // "TANN"

var announceJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Announce is the JSON body of the UDP announce datagram.
type Announce struct {
	Hostname string `json:"hostname"`
	Process  string `json:"process"`
	TCPPort  uint16 `json:"tcp_port"`
	Seq      uint64 `json:"seq"`
}

// EncodeAnnounce returns the complete datagram: a 4-byte magic prefix
// followed by the JSON-encoded announce body. There is no framing beyond
// the single datagram.
func EncodeAnnounce(a Announce) ([]byte, error) {
	body, err := announceJSON.Marshal(a)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(out, AnnounceMagic)
	out = append(out, body...)
	return out, nil
}

// DecodeAnnounce parses a datagram produced by EncodeAnnounce.
func DecodeAnnounce(datagram []byte) (Announce, error) {
	var a Announce
	if len(datagram) < 4 {
		return a, protoErrf("announce datagram too short: %d bytes", len(datagram))
	}
	magic := binary.BigEndian.Uint32(datagram[0:4])
	if magic != AnnounceMagic {
		return a, protoErrf("bad announce magic 0x%08x", magic)
	}
	if err := announceJSON.Unmarshal(datagram[4:], &a); err != nil {
		return a, protoErrf("bad announce JSON: %v", err)
	}
	return a, nil
}
