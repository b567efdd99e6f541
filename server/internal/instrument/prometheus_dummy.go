//go:build noprometheus
// +build noprometheus

package instrument

import (
	"net/http"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/onion/core/cell"
)

// StartPrometheusListener does nothing
func StartPrometheusListener(addr string, log *logging.Logger) *http.Server {
	log.Notice("Metrics are disabled")
	return nil
}

// Incoming does nothing
func Incoming(cmd cell.Command) {}

// CircuitCreated does nothing
func CircuitCreated() {}

// CircuitDestroyed does nothing
func CircuitDestroyed(reason string) {}

// CircuitExtended does nothing
func CircuitExtended(d time.Duration) {}

// CellForwarded does nothing
func CellForwarded() {}

// CellRejected does nothing
func CellRejected(reason string) {}

// OnionSkinReplayed does nothing
func OnionSkinReplayed() {}

// ExitStream does nothing
func ExitStream(result string) {}
