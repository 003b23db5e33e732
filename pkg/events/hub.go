package events

import (
	"context"

	"github.com/troy-samuels/employer-brand-os-sub003/pkg/stream"
)

// HubSink forwards events to live admin subscribers.
type HubSink struct {
	Hub *stream.Hub
}

func (s HubSink) Emit(_ context.Context, evt SecurityEvent) error {
	if s.Hub == nil {
		return nil
	}
	s.Hub.Publish(stream.NewFrame("security_event", evt.At, evt))
	return nil
}
