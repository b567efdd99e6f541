//go:build !noprometheus
// +build !noprometheus

// Package instrument exports the onion router metrics.
package instrument

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/onion/core/cell"
)

var (
	incomingCells = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onion_incoming_cells_total",
			Help: "Number of cells received from upstream",
		},
		[]string{"command"},
	)
	circuitsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "onion_circuits_created_total",
			Help: "Number of circuits created",
		},
	)
	circuitsDestroyed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onion_circuits_destroyed_total",
			Help: "Number of circuits torn down",
		},
		[]string{"reason"},
	)
	circuitsExtended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "onion_circuits_extended_total",
			Help: "Number of circuits extended to a next hop",
		},
	)
	cellsForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "onion_cells_forwarded_total",
			Help: "Number of unrecognized relay cells forwarded downstream",
		},
	)
	cellsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onion_cells_rejected_total",
			Help: "Number of cells rejected",
		},
		[]string{"reason"},
	)
	onionSkinsReplayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "onion_replayed_onion_skins_total",
			Help: "Number of replayed CREATE2 onion skins",
		},
	)
	exitStreams = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onion_exit_streams_total",
			Help: "Number of exit streams requested",
		},
		[]string{"result"},
	)
	handshakeDuration = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name: "onion_extend_handshake_seconds",
			Help: "Time taken to extend a circuit to the next hop",
		},
	)
)

func init() {
	prometheus.MustRegister(incomingCells)
	prometheus.MustRegister(circuitsCreated)
	prometheus.MustRegister(circuitsDestroyed)
	prometheus.MustRegister(circuitsExtended)
	prometheus.MustRegister(cellsForwarded)
	prometheus.MustRegister(cellsRejected)
	prometheus.MustRegister(onionSkinsReplayed)
	prometheus.MustRegister(exitStreams)
	prometheus.MustRegister(handshakeDuration)
}

// StartPrometheusListener exposes the registered metrics over HTTP on
// addr.  The returned server must be closed by the caller.
func StartPrometheusListener(addr string, log *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Metrics listener failed: %v", err)
		}
	}()
	log.Noticef("Serving metrics on: http://%v/metrics", addr)
	return srv
}

// Incoming increments the counter for incoming cells.
func Incoming(cmd cell.Command) {
	incomingCells.With(prometheus.Labels{"command": cmd.String()}).Inc()
}

// CircuitCreated increments the counter for created circuits.
func CircuitCreated() {
	circuitsCreated.Inc()
}

// CircuitDestroyed increments the counter for torn down circuits.
func CircuitDestroyed(reason string) {
	circuitsDestroyed.With(prometheus.Labels{"reason": reason}).Inc()
}

// CircuitExtended records a successful extension and its duration.
func CircuitExtended(d time.Duration) {
	circuitsExtended.Inc()
	handshakeDuration.Observe(d.Seconds())
}

// CellForwarded increments the counter for forwarded relay cells.
func CellForwarded() {
	cellsForwarded.Inc()
}

// CellRejected increments the counter for rejected cells.
func CellRejected(reason string) {
	cellsRejected.With(prometheus.Labels{"reason": reason}).Inc()
}

// OnionSkinReplayed increments the counter for replayed onion skins.
func OnionSkinReplayed() {
	onionSkinsReplayed.Inc()
}

// ExitStream increments the counter for exit stream requests.
func ExitStream(result string) {
	exitStreams.With(prometheus.Labels{"result": result}).Inc()
}
