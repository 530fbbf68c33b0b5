package replication

import (
	"time"

	"github.com/rs/zerolog"
)

// LoggingLagObserver reports lag crossings through structured logging.
// Plugging in an otel metric recorder later only needs a second
// implementation of LagObserver; nothing in the tailer depends on this one.
type LoggingLagObserver struct {
	logger zerolog.Logger
}

// NewLoggingLagObserver creates a LagObserver that logs threshold crossings.
func NewLoggingLagObserver(logger zerolog.Logger) *LoggingLagObserver {
	return &LoggingLagObserver{logger: logger.With().Str("component", "replication_lag").Logger()}
}

// ObserveLag logs at warn level when lag crosses the warn threshold and at
// error level when it crosses the fatal threshold.
func (o *LoggingLagObserver) ObserveLag(lag time.Duration, exceeded bool) {
	event := o.logger.Warn()
	if exceeded {
		event = o.logger.Error()
	}
	event.Dur("lag", lag).Bool("lag_threshold_exceeded", exceeded).Msg("replication lag observed")
}
