package observability

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wealthwatch/streamgate/errs"
)

// TelemetrySeverity represents the severity level of a telemetry event.
type TelemetrySeverity string

const (
	// TelemetrySeverityInfo identifies informational telemetry.
	TelemetrySeverityInfo TelemetrySeverity = "INFO"
	// TelemetrySeverityWarn identifies warning telemetry.
	TelemetrySeverityWarn TelemetrySeverity = "WARN"
	// TelemetrySeverityError identifies error telemetry.
	TelemetrySeverityError TelemetrySeverity = "ERROR"
)

// TelemetryEventType enumerates ops-only telemetry event categories.
type TelemetryEventType string

const (
	// TelemetryEventReconnectScheduled signals a reconnect attempt was scheduled.
	TelemetryEventReconnectScheduled TelemetryEventType = "feed.reconnect_scheduled"
	// TelemetryEventFrameDropped signals a malformed frame was dropped.
	TelemetryEventFrameDropped TelemetryEventType = "feed.frame_dropped"
	// TelemetryEventAuthFailed signals a signing or authentication failure.
	TelemetryEventAuthFailed TelemetryEventType = "feed.auth_failed"
	// TelemetryEventRetriesExhausted signals the reconnect budget ran out.
	TelemetryEventRetriesExhausted TelemetryEventType = "feed.retries_exhausted"
	// TelemetryEventSubscribed signals a session reached the subscribed state.
	TelemetryEventSubscribed TelemetryEventType = "feed.subscribed"
)

// TelemetryEvent carries structured observability information for operations.
type TelemetryEvent struct {
	EventID   string             `json:"event_id"`
	Type      TelemetryEventType `json:"type"`
	Severity  TelemetrySeverity  `json:"severity"`
	Timestamp time.Time          `json:"timestamp"`
	Session   uint64             `json:"session"`
	Metadata  map[string]any     `json:"metadata"`
}

// NewTelemetryEvent stamps a fresh event with a unique id and timestamp.
func NewTelemetryEvent(eventType TelemetryEventType, severity TelemetrySeverity, session uint64, metadata map[string]any) TelemetryEvent {
	return TelemetryEvent{
		EventID:   uuid.NewString(),
		Type:      eventType,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
		Session:   session,
		Metadata:  metadata,
	}
}

// TelemetryBus defines pub/sub semantics for telemetry events.
type TelemetryBus interface {
	Publish(ctx context.Context, event TelemetryEvent) error
	Subscribe(ctx context.Context) (<-chan TelemetryEvent, error)
	Close()
}

// InMemoryTelemetryBus is an in-memory implementation of the telemetry bus.
// Events that cannot be delivered land in a bounded dead-letter buffer for
// later inspection.
type InMemoryTelemetryBus struct {
	ctx    context.Context
	cancel context.CancelFunc
	buffer int

	mu       sync.Mutex
	subs     []*telemetrySubscriber
	dead     []TelemetryEvent
	deadCap  int
	dropped  int
	shutdown sync.Once
}

type telemetrySubscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan TelemetryEvent
	once   sync.Once
}

func (s *telemetrySubscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}

// NewInMemoryTelemetryBus constructs a memory-backed telemetry bus.
func NewInMemoryTelemetryBus(buffer int) *InMemoryTelemetryBus {
	if buffer <= 0 {
		buffer = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InMemoryTelemetryBus{
		ctx:     ctx,
		cancel:  cancel,
		buffer:  buffer,
		subs:    nil,
		deadCap: buffer * 4,
	}
}

// Publish broadcasts the telemetry event to all subscribers. A subscriber
// with a full buffer does not block the dispatch path; the event is dead-
// lettered instead.
func (b *InMemoryTelemetryBus) Publish(ctx context.Context, event TelemetryEvent) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-b.ctx.Done():
		return errs.New("telemetry/publish", errs.CodeUnavailable, errs.WithMessage("telemetry bus closed"))
	case <-ctx.Done():
		return errs.New("telemetry/publish", errs.CodeUnavailable, errs.WithCause(ctx.Err()))
	default:
	}

	// Sends are non-blocking, so delivery happens under the lock; that is
	// what keeps Publish from racing a subscriber channel close.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub == nil || sub.ctx.Err() != nil {
			continue
		}
		select {
		case sub.ch <- cloneTelemetryEvent(event):
		default:
			b.deadLetterLocked(event)
		}
	}
	return nil
}

// Subscribe registers a telemetry subscriber bound to ctx.
func (b *InMemoryTelemetryBus) Subscribe(ctx context.Context) (<-chan TelemetryEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.ctx.Err() != nil {
		return nil, errs.New("telemetry/subscribe", errs.CodeUnavailable, errs.WithMessage("telemetry bus closed"))
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &telemetrySubscriber{
		ctx:    subCtx,
		cancel: cancel,
		ch:     make(chan TelemetryEvent, b.buffer),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		select {
		case <-subCtx.Done():
		case <-b.ctx.Done():
		}
		b.mu.Lock()
		for i, candidate := range b.subs {
			if candidate == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		sub.close()
		b.mu.Unlock()
	}()
	return sub.ch, nil
}

// Close shuts down the bus and closes subscriber channels.
func (b *InMemoryTelemetryBus) Close() {
	b.shutdown.Do(func() {
		b.cancel()
		b.mu.Lock()
		for i, sub := range b.subs {
			if sub != nil {
				sub.close()
			}
			b.subs[i] = nil
		}
		b.subs = nil
		b.mu.Unlock()
	})
}

// DeadLetters returns and clears undelivered events, plus the count of
// events dropped once the dead-letter buffer itself filled up.
func (b *InMemoryTelemetryBus) DeadLetters() ([]TelemetryEvent, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	drained := b.dead
	dropped := b.dropped
	b.dead = nil
	b.dropped = 0
	return drained, dropped
}

func (b *InMemoryTelemetryBus) deadLetterLocked(event TelemetryEvent) {
	if b.deadCap > 0 && len(b.dead) >= b.deadCap {
		b.dropped++
		return
	}
	b.dead = append(b.dead, event)
}

func cloneTelemetryEvent(evt TelemetryEvent) TelemetryEvent {
	clone := evt
	if len(evt.Metadata) > 0 {
		metadataCopy := make(map[string]any, len(evt.Metadata))
		for k, v := range evt.Metadata {
			metadataCopy[k] = v
		}
		clone.Metadata = metadataCopy
	}
	return clone
}
