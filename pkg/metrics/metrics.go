package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// request outcomes - counts how each local request cycle ended
	// labels: mutex, outcome (granted/denied/rejected)
	// rejected means Request was called while not available
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerlock_requests_total",
			Help: "outcomes of local lock requests",
		},
		[]string{"mutex", "outcome"},
	)

	// replies sent to peers - grant vs deny split shows contention
	// a high deny rate means peers are fighting over the same lock
	RepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerlock_replies_total",
			Help: "grant and deny replies sent to peer requests",
		},
		[]string{"mutex", "kind"},
	)

	// release counter - local releases only
	// should roughly match granted requests over time
	ReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerlock_releases_total",
			Help: "total number of local lock releases",
		},
		[]string{"mutex"},
	)

	// inbound protocol messages dispatched by the pump
	// labels: mutex, kind (request/release/grant/deny)
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerlock_messages_total",
			Help: "inbound protocol messages dispatched",
		},
		[]string{"mutex", "kind"},
	)

	// peer losses - spikes indicate crashed peers or network trouble
	// every loss during a request aborts or shrinks that request
	PeerLossesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerlock_peer_losses_total",
			Help: "peers reported lost by the transport",
		},
		[]string{"mutex"},
	)

	// registered peers - the quorum target for grant counting
	// should be constant per mutex once the topology is set up
	Peers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "peerlock_peers",
			Help: "registered peers per mutex",
		},
		[]string{"mutex"},
	)

	// lock holding - 1 while this instance holds the named lock
	// summed across peers this should never exceed 1 per mutex
	Held = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "peerlock_held",
			Help: "whether this instance holds the lock (1 = held)",
		},
		[]string{"mutex"},
	)

	// service uptime - always 1 when running
	// prometheus uses this to detect process restarts
	Up = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peerlock_up",
			Help: "whether the process is up (always 1 when running)",
		},
	)
)

func init() {
	// set uptime gauge to 1 on startup
	Up.Set(1)
}
