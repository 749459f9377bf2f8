// Package metrics defines the prometheus metrics that the other packages of
// the agent update to add accounting to their work.
//
// When defining new operations or metrics, these are helpful values to
// track:
//   - things coming into or going out of the system: submits, frames,
//     sessions, announce datagrams.
//   - the success or error status of any of the above.
//   - the distribution of processing latency and batch sizes.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsSubmittedTotal counts events accepted into the submit buffer.
	EventsSubmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracy_events_submitted_total",
			Help: "Number of submit events accepted into the buffer.",
		},
	)

	// EventsDroppedTotal counts events rejected at submit time, labeled by
	// reason (not_enabled, which also covers unregistered names,
	// no_client, buffer_full, input_invalid).
	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracy_events_dropped_total",
			Help: "Number of submit events dropped, by reason.",
		}, []string{"reason"})

	// PushFramesSentTotal counts PUSH frames written to the session socket.
	PushFramesSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracy_push_frames_sent_total",
			Help: "Number of PUSH frames written to the connected client.",
		},
	)

	// FlushBytesTotal counts the serialised bytes of all flushed batches.
	FlushBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracy_flush_bytes_total",
			Help: "Total serialised bytes flushed to the connected client.",
		},
	)

	// BufferHighWaterTrips counts the number of times TryPush rejected an
	// event because the high-water mark was reached.
	BufferHighWaterTrips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracy_buffer_high_water_trips_total",
			Help: "Number of submit events dropped because the buffer high-water mark was reached.",
		},
	)

	// SessionsAcceptedTotal counts TCP client connections accepted.
	SessionsAcceptedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracy_sessions_accepted_total",
			Help: "Number of client TCP sessions accepted.",
		},
	)

	// SessionsResetTotal counts transitions out of Connected, labeled by
	// cause (peer_close, io_error, protocol_error, shutdown).
	SessionsResetTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracy_sessions_reset_total",
			Help: "Number of times a client session ended, by cause.",
		}, []string{"cause"})

	// AnnouncesSentTotal counts UDP announce datagrams actually sent.
	AnnouncesSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracy_announces_sent_total",
			Help: "Number of UDP announce datagrams sent.",
		},
	)

	// RegistrySize reports the current number of registered tracepoints.
	RegistrySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracy_registry_size",
			Help: "Number of currently registered tracepoints.",
		},
	)

	// ConnectedGauge is 1 while a client is connected, 0 otherwise.
	ConnectedGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracy_connected",
			Help: "1 if a client is currently connected, 0 otherwise.",
		},
	)
)

// init() prints a log message to let the user know that the package has
// been loaded and the metrics registered. The metrics are auto-registered,
// which means they are registered as soon as this package is loaded, and
// the exact time this occurs (and whether this occurs at all in a given
// context) can be opaque.
func init() {
	log.Println("Prometheus metrics in tracy.metrics are registered.")
}
