package events

import (
	"context"

	"github.com/rs/zerolog"
)

type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Emit(_ context.Context, evt SecurityEvent) error {
	var e *zerolog.Event
	switch evt.Severity {
	case SeverityHigh, SeverityCritical:
		e = s.Logger.Warn()
	default:
		e = s.Logger.Info()
	}
	e.Str("event_id", evt.ID).
		Str("event_type", evt.Type).
		Str("severity", string(evt.Severity)).
		Str("ip", evt.IP).
		Int("count", evt.Count).
		Fields(evt.Metadata).
		Time("at", evt.At).
		Msg("security event")
	return nil
}
