package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the UDP coordination server.
// Scraped via the admin listener's /metrics endpoint.
var (
	// Datagram metrics
	datagramsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coop_datagrams_received_total",
		Help: "Total datagrams received, by packet type",
	}, []string{"type"})

	datagramsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coop_datagrams_sent_total",
		Help: "Total datagrams sent to clients",
	})

	malformedDatagrams = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coop_malformed_datagrams_total",
		Help: "Total datagrams dropped as malformed, by packet type",
	}, []string{"type"})

	unknownDatagrams = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coop_unknown_datagrams_total",
		Help: "Total datagrams dropped for carrying an unknown type tag",
	})

	// Reliability metrics
	reliablePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coop_reliable_pending",
		Help: "Current depth of the outbound reliable pending table",
	})

	reliableResends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coop_reliable_resends_total",
		Help: "Total reliable frame retransmissions",
	})

	reliableAbandoned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coop_reliable_abandoned_total",
		Help: "Total reliable frames abandoned after the resend budget",
	})

	reliableDuplicatesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coop_reliable_duplicates_dropped_total",
		Help: "Total inbound reliable frames dropped as duplicates",
	})

	// Session metrics
	playersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coop_players_active",
		Help: "Current number of connected players",
	})

	lobbiesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coop_lobbies_active",
		Help: "Current number of live lobbies",
	})

	playersTimedOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coop_players_timed_out_total",
		Help: "Total players removed by the timeout sweep",
	})

	handshakesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coop_handshakes_rejected_total",
		Help: "Total handshakes rejected, by reason",
	}, []string{"reason"})

	// Worker pool metrics
	workerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coop_worker_queue_depth",
		Help: "Current number of datagrams waiting in the worker pool queue",
	})

	workerTasksDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coop_worker_tasks_dropped_total",
		Help: "Total datagrams dropped because the worker pool queue was full",
	})
)

func init() {
	prometheus.MustRegister(datagramsReceived)
	prometheus.MustRegister(datagramsSent)
	prometheus.MustRegister(malformedDatagrams)
	prometheus.MustRegister(unknownDatagrams)

	prometheus.MustRegister(reliablePending)
	prometheus.MustRegister(reliableResends)
	prometheus.MustRegister(reliableAbandoned)
	prometheus.MustRegister(reliableDuplicatesDropped)

	prometheus.MustRegister(playersActive)
	prometheus.MustRegister(lobbiesActive)
	prometheus.MustRegister(playersTimedOut)
	prometheus.MustRegister(handshakesRejected)

	prometheus.MustRegister(workerQueueDepth)
	prometheus.MustRegister(workerTasksDropped)
}

func IncDatagramReceived(typeName string) { datagramsReceived.WithLabelValues(typeName).Inc() }

func IncDatagramSent() { datagramsSent.Inc() }

func IncMalformedDatagram(typeName string) { malformedDatagrams.WithLabelValues(typeName).Inc() }

func IncUnknownDatagram() { unknownDatagrams.Inc() }

func SetReliablePending(n int) { reliablePending.Set(float64(n)) }

func IncReliableResend() { reliableResends.Inc() }

func IncReliableAbandoned() { reliableAbandoned.Inc() }

func IncReliableDuplicateDropped() { reliableDuplicatesDropped.Inc() }

func SetPlayersActive(n int) { playersActive.Set(float64(n)) }

func SetLobbiesActive(n int) { lobbiesActive.Set(float64(n)) }

func AddPlayersTimedOut(n int) { playersTimedOut.Add(float64(n)) }

// IncHandshakeRejected records a rejected handshake. Reasons in use:
// "global_rate_limit", "per_ip_rate_limit", "lobby_full", "lobby_limit",
// "wrong_password", "malformed".
func IncHandshakeRejected(reason string) { handshakesRejected.WithLabelValues(reason).Inc() }

func SetWorkerQueueDepth(n int) { workerQueueDepth.Set(float64(n)) }

func IncWorkerTaskDropped() { workerTasksDropped.Inc() }
