// LogObserver derives log records from failed and slow requests.
// Emits ERROR-severity logs for failed requests and WARN-severity logs for slow ones.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/log"
)

// LogObserver emits log records for notable requests.
type LogObserver struct {
	logger        log.Logger
	slowThreshold time.Duration
}

// NewLogObserver creates a LogObserver that emits logs via the given LoggerProvider.
// A slowThreshold of 0 disables slow request detection.
func NewLogObserver(lp log.LoggerProvider, slowThreshold time.Duration) *LogObserver {
	return &LogObserver{
		logger:        lp.Logger(instrumentationName),
		slowThreshold: slowThreshold,
	}
}

// Observe emits log records for failed requests and requests exceeding the slow threshold.
func (l *LogObserver) Observe(info RequestInfo) {
	attrs := []log.KeyValue{
		log.String("service.name", info.Service),
		log.String("operation.name", info.Operation),
	}
	if info.Remote != "" {
		attrs = append(attrs, log.String("client.address", info.Remote))
	}

	if info.IsError {
		var rec log.Record
		rec.SetTimestamp(info.Timestamp)
		rec.SetSeverity(log.SeverityError)
		rec.SetSeverityText("ERROR")
		rec.SetBody(log.StringValue(fmt.Sprintf("%s %s failed: %s", info.Service, info.Operation, info.ErrorCode)))
		rec.AddAttributes(append(attrs, log.String("error.code", info.ErrorCode))...)
		l.logger.Emit(context.Background(), rec)
	}

	if l.slowThreshold > 0 && info.Duration > l.slowThreshold {
		var rec log.Record
		rec.SetTimestamp(info.Timestamp)
		rec.SetSeverity(log.SeverityWarn)
		rec.SetSeverityText("WARN")
		rec.SetBody(log.StringValue(fmt.Sprintf(
			"slow request %s %s: %s (threshold %s)",
			info.Service, info.Operation, info.Duration, l.slowThreshold,
		)))
		rec.AddAttributes(attrs...)
		l.logger.Emit(context.Background(), rec)
	}
}
