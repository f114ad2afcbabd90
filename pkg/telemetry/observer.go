// RequestObserver interface for deriving signals (spans, metrics, logs) from handled requests.
// Observers receive request metadata after the server answers each request.
package telemetry

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// RequestInfo holds request metadata for signal derivation. Timestamp is taken
// from the active Clock, so simulated runs carry simulated time.
type RequestInfo struct {
	Service   string
	Operation string
	Remote    string
	Timestamp time.Time
	Duration  time.Duration
	IsError   bool
	ErrorCode string
	Attrs     []attribute.KeyValue
}

// RequestObserver receives request metadata after each request is handled.
type RequestObserver interface {
	Observe(info RequestInfo)
}

// Observers fans a request out to every observer in order.
type Observers []RequestObserver

// Observe forwards info to each observer.
func (o Observers) Observe(info RequestInfo) {
	for _, obs := range o {
		obs.Observe(info)
	}
}
