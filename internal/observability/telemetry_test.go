package observability

import (
	"context"
	"testing"
	"time"

	"github.com/wealthwatch/streamgate/errs"
)

func waitForEvent(t *testing.T, ch <-chan TelemetryEvent) TelemetryEvent {
	t.Helper()
	select {
	case event, ok := <-ch:
		if !ok {
			t.Fatalf("subscriber channel closed unexpectedly")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for telemetry event")
	}
	return TelemetryEvent{}
}

func TestTelemetryBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewInMemoryTelemetryBus(4)
	defer bus.Close()

	first, err := bus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, err := bus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sent := NewTelemetryEvent(TelemetryEventSubscribed, TelemetrySeverityInfo, 3, map[string]any{"feed": "balances"})
	if err := bus.Publish(context.Background(), sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, ch := range []<-chan TelemetryEvent{first, second} {
		got := waitForEvent(t, ch)
		if got.EventID != sent.EventID || got.Type != TelemetryEventSubscribed || got.Session != 3 {
			t.Fatalf("unexpected event %+v", got)
		}
		if got.Metadata["feed"] != "balances" {
			t.Fatalf("expected metadata to survive delivery, got %+v", got.Metadata)
		}
	}
}

func TestTelemetryBusClonesMetadataPerSubscriber(t *testing.T) {
	bus := NewInMemoryTelemetryBus(4)
	defer bus.Close()

	first, err := bus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, err := bus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sent := NewTelemetryEvent(TelemetryEventFrameDropped, TelemetrySeverityWarn, 1, map[string]any{"error": "bad frame"})
	if err := bus.Publish(context.Background(), sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	a := waitForEvent(t, first)
	b := waitForEvent(t, second)
	a.Metadata["error"] = "mutated"
	if b.Metadata["error"] != "bad frame" {
		t.Fatalf("expected per-subscriber metadata copies, got %+v", b.Metadata)
	}
}

func TestTelemetryBusDeadLettersOnFullSubscriber(t *testing.T) {
	bus := NewInMemoryTelemetryBus(1)
	defer bus.Close()

	if _, err := bus.Subscribe(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// The subscriber never drains, so the second publish overflows.
	for i := 0; i < 2; i++ {
		event := NewTelemetryEvent(TelemetryEventReconnectScheduled, TelemetrySeverityWarn, uint64(i), nil)
		if err := bus.Publish(context.Background(), event); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	dead, dropped := bus.DeadLetters()
	if len(dead) != 1 || dropped != 0 {
		t.Fatalf("expected one dead letter, got %d (dropped %d)", len(dead), dropped)
	}
	if again, _ := bus.DeadLetters(); len(again) != 0 {
		t.Fatalf("expected dead letters to drain, got %d", len(again))
	}
}

func TestTelemetryBusDeadLetterBufferIsBounded(t *testing.T) {
	bus := NewInMemoryTelemetryBus(1)
	defer bus.Close()

	if _, err := bus.Subscribe(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Capacity 1 subscriber plus dead-letter cap of 4; everything beyond
	// lands in the dropped count.
	for i := 0; i < 10; i++ {
		event := NewTelemetryEvent(TelemetryEventFrameDropped, TelemetrySeverityWarn, uint64(i), nil)
		if err := bus.Publish(context.Background(), event); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	dead, dropped := bus.DeadLetters()
	if len(dead) != 4 {
		t.Fatalf("expected dead-letter buffer capped at 4, got %d", len(dead))
	}
	if dropped != 5 {
		t.Fatalf("expected 5 dropped events, got %d", dropped)
	}
}

func TestTelemetryBusPublishAfterCloseFails(t *testing.T) {
	bus := NewInMemoryTelemetryBus(4)
	ch, err := bus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Close()

	event := NewTelemetryEvent(TelemetryEventSubscribed, TelemetrySeverityInfo, 1, nil)
	if err := bus.Publish(context.Background(), event); errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if _, err := bus.Subscribe(context.Background()); err == nil {
		t.Fatalf("expected subscribe after close to fail")
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected channel to close without events")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for channel close")
	}
}

func TestTelemetryBusSubscriberContextCancelRemovesIt(t *testing.T) {
	bus := NewInMemoryTelemetryBus(4)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected channel to close without events")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for subscriber channel close")
	}

	event := NewTelemetryEvent(TelemetryEventSubscribed, TelemetrySeverityInfo, 1, nil)
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish after subscriber cancel: %v", err)
	}
	if dead, dropped := bus.DeadLetters(); len(dead) != 0 || dropped != 0 {
		t.Fatalf("expected no dead letters after subscriber removal, got %d/%d", len(dead), dropped)
	}
}

func TestNewTelemetryEventStampsIdentity(t *testing.T) {
	a := NewTelemetryEvent(TelemetryEventAuthFailed, TelemetrySeverityError, 7, nil)
	b := NewTelemetryEvent(TelemetryEventAuthFailed, TelemetrySeverityError, 7, nil)
	if a.EventID == "" || a.EventID == b.EventID {
		t.Fatalf("expected unique event ids, got %q and %q", a.EventID, b.EventID)
	}
	if a.Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be set")
	}
	if a.Session != 7 {
		t.Fatalf("expected session to be recorded, got %d", a.Session)
	}
}
