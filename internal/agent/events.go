package agent

import "github.com/warp-terra/repoagent/pkg/models"

// EventSink receives reasoning-loop progress events. The session layer
// stamps each event with the current turn id and appends it to the
// session's event buffer.
type EventSink func(eventType models.EventType, payload map[string]any)

// emit dispatches an event to the sink. A nil sink is allowed, and a
// panicking sink must not take down the turn.
func emit(sink EventSink, eventType models.EventType, payload map[string]any) {
	if sink == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	sink(eventType, payload)
}
