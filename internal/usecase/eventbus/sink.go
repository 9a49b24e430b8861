package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"discovery-agent/internal/domain"
)

// Emit marshals payload and publishes it. A nil bus is a no-op.
func Emit(ctx context.Context, bus domain.EventBus, t domain.EventType, sessionID string, payload any) {
	if bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}
	bus.Publish(ctx, domain.Event{
		Type:      t,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Payload:   raw,
	})
}

// StatusSink adapts the bus to a status observer. Updates are published as
// status.updated events and delivered asynchronously.
func StatusSink(bus domain.EventBus) domain.StatusFunc {
	return func(u domain.StatusUpdate) {
		Emit(context.Background(), bus, domain.EventStatusUpdated, u.SessionID, u)
	}
}

// DecodeStatus extracts the StatusUpdate carried by a status.updated event.
func DecodeStatus(e domain.Event) (domain.StatusUpdate, bool) {
	var u domain.StatusUpdate
	if e.Type != domain.EventStatusUpdated || len(e.Payload) == 0 {
		return u, false
	}
	if err := json.Unmarshal(e.Payload, &u); err != nil {
		return u, false
	}
	return u, true
}

// LogEvents subscribes a handler that writes every event to logger at
// debug level. It returns the unsubscribe function.
func LogEvents(bus domain.EventBus, logger *slog.Logger) func() {
	return bus.SubscribeAll(func(ctx context.Context, e domain.Event) {
		logger.DebugContext(ctx, "event",
			"type", string(e.Type),
			"session_id", e.SessionID,
			"payload", string(e.Payload),
		)
	})
}
