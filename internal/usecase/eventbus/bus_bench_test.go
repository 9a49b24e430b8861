package eventbus

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"discovery-agent/internal/domain"
)

func BenchmarkPublish(b *testing.B) {
	bus := New(slog.Default())
	ctx := context.Background()
	event := domain.Event{Type: domain.EventPhaseChanged, Timestamp: time.Now(), SessionID: "bench"}
	for range 4 {
		bus.Subscribe(domain.EventPhaseChanged, func(context.Context, domain.Event) {})
	}
	bus.SubscribeAll(func(context.Context, domain.Event) {})

	b.ReportAllocs()
	for b.Loop() {
		bus.Publish(ctx, event)
	}
	bus.Close()
}

func BenchmarkStatusSink(b *testing.B) {
	bus := New(slog.Default())
	sink := StatusSink(bus)
	bus.Subscribe(domain.EventStatusUpdated, func(context.Context, domain.Event) {})
	u := domain.StatusUpdate{Step: 1, Phase: domain.PhasePlan, Progress: 10, Message: "Planning", SessionID: "bench"}

	b.ReportAllocs()
	for b.Loop() {
		sink(u)
	}
	bus.Close()
}
