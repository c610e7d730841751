// Package feed implements the authenticated streaming client for the
// exchange's private account feed: challenge/response handshake, feed
// subscription gating, payload normalization, and bounded reconnection.
package feed

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/wealthwatch/streamgate/errs"
	"github.com/wealthwatch/streamgate/internal/observability"
)

const (
	defaultKeepAliveInterval = 50 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	// The exchange throttles control frames; one per window keeps a
	// reconnect storm under its limit.
	controlFrameInterval = 200 * time.Millisecond

	metricFramesReceived     = "feed_frames_received"
	metricFramesDropped      = "feed_frames_dropped"
	metricConnectionFailures = "feed_connection_failures"
	metricConnectionStatus   = "feed_connection_status"
)

// Options configure a Client. URL and credentials are required; zero values
// elsewhere fall back to defaults.
type Options struct {
	URL             string
	APIKey          string
	APISecretBase64 string

	Reconnect         ReconnectConfig
	KeepAliveInterval time.Duration
	HandshakeTimeout  time.Duration

	// Transport defaults to the real WebSocket transport; tests inject a
	// scripted one.
	Transport Transport
	// OnState is invoked after every state mutation with a snapshot copy.
	OnState func(ClientState)
	// Telemetry receives ops events when set.
	Telemetry observability.TelemetryBus
}

// Client is the public facade over the streaming session. At most one
// logical session runs per Client; the caller never touches the socket.
type Client struct {
	opts      Options
	transport Transport
	store     *stateStore
	gen       atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New validates the options and constructs a Client. Missing credentials are
// a programmer error and surface here rather than at connect time.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errs.New("feed/client", errs.CodeConfig, errs.WithMessage("feed url required"))
	}
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errs.New("feed/client", errs.CodeConfig, errs.WithMessage("api key required"))
	}
	if strings.TrimSpace(opts.APISecretBase64) == "" {
		return nil, errs.New("feed/client", errs.CodeConfig, errs.WithMessage("api secret required"))
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = defaultKeepAliveInterval
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	transport := opts.Transport
	if transport == nil {
		transport = WebsocketTransport{}
	}
	return &Client{
		opts:      opts,
		transport: transport,
		store:     newStateStore(opts.OnState, nil),
	}, nil
}

// Connect starts the session loop. Calling it while a session is already
// running is a no-op. Calling it after the retry budget was exhausted starts
// a fresh budget.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.running = true
	go c.run(ctx, done)
}

// Disconnect ends the session from any state, including mid-handshake. It
// returns once the loop has fully stopped: no further observer callbacks
// fire and all timers are cleared. Disconnecting while disconnected is a
// no-op and never schedules a reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	<-done
}

// State returns a defensive copy of the last known state.
func (c *Client) State() ClientState {
	return c.store.Snapshot()
}

// run owns the attempt loop: one session per iteration, reconnect policy in
// between. It is the only goroutine that mutates the state store.
func (c *Client) run(ctx context.Context, done chan struct{}) {
	release := func() {
		c.mu.Lock()
		// Guard against clobbering a newer loop that Connect may have
		// started after this one released itself.
		if c.done == done {
			c.running = false
		}
		c.mu.Unlock()
	}
	defer func() {
		release()
		close(done)
	}()

	policy := newReconnectPolicy(c.opts.Reconnect)

	for {
		wasSubscribed, err := c.session(ctx)

		if ctx.Err() != nil {
			c.store.SetStatus(StatusDisconnected)
			observability.Telemetry().SetGauge(metricConnectionStatus, 0, nil)
			return
		}

		if wasSubscribed {
			policy.Reset()
		}

		msg := "connection closed"
		if err != nil {
			msg = err.Error()
		}
		c.store.SetFailure(msg)
		observability.Telemetry().IncCounter(metricConnectionFailures, 1, nil)
		observability.Telemetry().SetGauge(metricConnectionStatus, 0, nil)

		delay, ok := policy.Next()
		if !ok {
			// Release before the terminal notification so an observer
			// reacting with Connect() gets a fresh retry budget.
			release()
			c.store.SetFailure("reconnect attempts exhausted; call Connect to retry: " + msg)
			c.publish(observability.TelemetryEventRetriesExhausted, observability.TelemetrySeverityError,
				map[string]any{"last_error": msg})
			observability.Log().Error("reconnect attempts exhausted",
				observability.Field{Key: "last_error", Value: msg})
			return
		}

		c.publish(observability.TelemetryEventReconnectScheduled, observability.TelemetrySeverityWarn,
			map[string]any{"delay_ms": delay.Milliseconds()})
		observability.Log().Info("reconnect scheduled",
			observability.Field{Key: "delay", Value: delay},
			observability.Field{Key: "error", Value: msg})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.store.SetStatus(StatusDisconnected)
			return
		case <-timer.C:
		}
	}
}

type connEventKind uint8

const (
	evFrame connEventKind = iota
	evClosed
)

type connEvent struct {
	kind  connEventKind
	frame []byte
	err   error
}

// session holds the per-attempt handshake state. It lives on the dispatch
// goroutine only.
type session struct {
	gen        uint64
	sock       Socket
	challenged bool
	confirmed  map[string]struct{}
	subscribed bool
	limiter    *rate.Limiter
}

// session runs one connection attempt end to end and reports whether it
// reached subscribed. A nil error means the context was cancelled.
func (c *Client) session(ctx context.Context) (bool, error) {
	gen := c.gen.Add(1)

	dialCtx, cancelDial := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	sock, err := c.transport.Dial(dialCtx, c.opts.URL)
	cancelDial()
	if err != nil {
		return false, err
	}

	s := &session{
		gen:       gen,
		sock:      sock,
		confirmed: make(map[string]struct{}, len(RequiredFeeds())),
		limiter:   rate.NewLimiter(rate.Every(controlFrameInterval), 1),
	}

	events := make(chan connEvent, 64)
	pumpCtx, cancelPump := context.WithCancel(ctx)
	var pump conc.WaitGroup
	pump.Go(func() { readPump(pumpCtx, sock, events) })

	var keepalive *time.Ticker
	var keepaliveC <-chan time.Time
	defer func() {
		if keepalive != nil {
			keepalive.Stop()
		}
		_ = sock.Close("session ended")
		cancelPump()
		pump.Wait()
	}()

	c.store.SetStatus(StatusConnecting)

	opener, err := EncodeChallengeRequest(c.opts.APIKey)
	if err != nil {
		return false, err
	}
	if err := c.sendControl(ctx, s, opener); err != nil {
		return false, err
	}

	for {
		select {
		case <-ctx.Done():
			return s.subscribed, nil
		case ev := <-events:
			if ev.kind == evClosed {
				return s.subscribed, ev.err
			}
			if err := c.handleFrame(ctx, s, ev.frame); err != nil {
				return s.subscribed, err
			}
			if s.subscribed && keepalive == nil {
				keepalive = time.NewTicker(c.opts.KeepAliveInterval)
				keepaliveC = keepalive.C
			}
		case <-keepaliveC:
			if err := sock.Ping(ctx); err != nil {
				return s.subscribed, err
			}
		}
	}
}

// readPump forwards frames from the socket to the dispatch loop until the
// socket dies or the session is torn down.
func readPump(ctx context.Context, sock Socket, events chan<- connEvent) {
	for {
		data, err := sock.Recv(ctx)
		if err != nil {
			select {
			case events <- connEvent{kind: evClosed, err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case events <- connEvent{kind: evFrame, frame: data}:
		case <-ctx.Done():
			return
		}
	}
}

// handleFrame decodes and dispatches one inbound frame. A returned error is
// fatal for the attempt; protocol-level garbage is dropped without one.
func (c *Client) handleFrame(ctx context.Context, s *session, raw []byte) error {
	if s.gen != c.gen.Load() {
		// A reconnect already started constructing a newer connection;
		// late frames from this one must not touch shared state.
		return nil
	}

	env, err := Decode(raw)
	if err != nil {
		observability.Log().Error("frame dropped", observability.Field{Key: "error", Value: err})
		observability.Telemetry().IncCounter(metricFramesDropped, 1, nil)
		c.publish(observability.TelemetryEventFrameDropped, observability.TelemetrySeverityWarn,
			map[string]any{"error": err.Error()})
		return nil
	}
	observability.Telemetry().IncCounter(metricFramesReceived, 1, nil)

	switch env.Kind {
	case EnvelopeChallenge:
		return c.handleChallenge(ctx, s, env.Challenge)
	case EnvelopeSubscribed:
		c.handleSubscribed(s, env.Feed)
	case EnvelopePositions:
		c.store.SetPositions(env.Positions)
	case EnvelopeBalances:
		c.store.SetBalances(env.Balances)
	case EnvelopeError:
		return errs.New("feed/client", errs.CodeProtocol,
			errs.WithMessage("exchange reported error"),
			errs.WithRawMessage(env.ErrMsg))
	case EnvelopeUnrecognized:
	}
	return nil
}

func (c *Client) handleChallenge(ctx context.Context, s *session, challenge string) error {
	if s.challenged {
		// Only the first challenge per attempt is honoured.
		observability.Log().Debug("duplicate challenge ignored")
		return nil
	}
	s.challenged = true
	c.store.SetStatus(StatusChallenged)

	signature, err := Sign(challenge, c.opts.APISecretBase64)
	if err != nil {
		c.publish(observability.TelemetryEventAuthFailed, observability.TelemetrySeverityError,
			map[string]any{"error": err.Error()})
		return err
	}

	for _, feedName := range RequiredFeeds() {
		payload, err := EncodeSubscribeRequest(feedName, c.opts.APIKey, challenge, signature)
		if err != nil {
			return err
		}
		if err := c.sendControl(ctx, s, payload); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) handleSubscribed(s *session, feedName string) {
	if feedName == "" {
		return
	}
	s.confirmed[feedName] = struct{}{}
	if s.subscribed {
		return
	}
	for _, required := range RequiredFeeds() {
		if _, ok := s.confirmed[required]; !ok {
			return
		}
	}
	s.subscribed = true
	c.store.SetStatus(StatusSubscribed)
	observability.Telemetry().SetGauge(metricConnectionStatus, 1, nil)
	c.publish(observability.TelemetryEventSubscribed, observability.TelemetrySeverityInfo, nil)
	observability.Log().Info("feed subscribed",
		observability.Field{Key: "session", Value: s.gen})
}

// sendControl paces outbound control frames before writing.
func (c *Client) sendControl(ctx context.Context, s *session, payload []byte) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return errs.New("feed/client", errs.CodeNetwork,
			errs.WithMessage("control frame pacing interrupted"), errs.WithCause(err))
	}
	return s.sock.Send(ctx, payload)
}

func (c *Client) publish(eventType observability.TelemetryEventType, severity observability.TelemetrySeverity, metadata map[string]any) {
	if c.opts.Telemetry == nil {
		return
	}
	event := observability.NewTelemetryEvent(eventType, severity, c.gen.Load(), metadata)
	if err := c.opts.Telemetry.Publish(context.Background(), event); err != nil {
		observability.Log().Debug("telemetry publish failed",
			observability.Field{Key: "error", Value: err})
	}
}
