package telemetry

import (
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"

	"github.com/felixgeelhaar/runenv/internal/log"
)

// SetLogger routes the OpenTelemetry SDK's own diagnostics, such as failed
// span exports, to logger.
func SetLogger(logger *log.Logger) {
	named := logger.Named("otel")
	otel.SetLogger(logr.FromSlogHandler(named.Slog().Handler()))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		named.WithError(err).Warn("telemetry error")
	}))
}
