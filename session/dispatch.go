package session

import (
	"go.uber.org/zap"

	"github.com/Rohde-Schwarz/libtracy/wire"
)

// handleFrame dispatches one decoded client frame by command id. Any
// decode failure inside a command's payload, or any unrecognised command,
// is a protocol error and terminates the session.
func (w *Worker) handleFrame(msg frameMsg) {
	switch msg.cmd {
	case wire.CmdListRequest:
		w.handleListRequest()
	case wire.CmdEnableRequest:
		w.handleSetEnabled(msg.payload, true)
	case wire.CmdDisableRequest:
		w.handleSetEnabled(msg.payload, false)
	default:
		w.handleSessionError(&wire.ProtocolError{Reason: "unrecognised command " + msg.cmd.String()}, "protocol_error")
	}
}

func (w *Worker) handleListRequest() {
	names := w.registry.SnapshotNames()
	if err := w.writeFrame(wire.CmdListReply, wire.EncodeNameList(names)); err != nil {
		w.handleSessionError(err, "io_error")
	}
}

func (w *Worker) handleSetEnabled(payload []byte, value bool) {
	names, err := wire.DecodeNameList(payload)
	if err != nil {
		w.handleSessionError(err, "protocol_error")
		return
	}
	w.registry.SetEnabled(names, value)
	w.logger.Debug("tracepoints updated", zap.Strings("names", names), zap.Bool("enabled", value))
}
