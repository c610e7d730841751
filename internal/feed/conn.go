package feed

import (
	"context"
	"time"

	"github.com/coder/websocket"

	"github.com/wealthwatch/streamgate/errs"
)

const (
	connReadLimit    = 2 * 1024 * 1024
	connWriteTimeout = 5 * time.Second
)

// Socket is one physical connection to the feed. A Socket carries no retry
// or protocol logic and is discarded after Close; reconnects always dial a
// fresh one.
type Socket interface {
	// Send writes one text frame.
	Send(ctx context.Context, data []byte) error
	// Recv blocks until the next text frame or a transport error.
	Recv(ctx context.Context) ([]byte, error)
	// Ping probes transport liveness.
	Ping(ctx context.Context) error
	// Close tears the connection down. Safe to call more than once.
	Close(reason string) error
}

// Transport dials sockets. The client takes it as an interface so tests can
// script connections without network I/O.
type Transport interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// WebsocketTransport dials real WebSocket connections.
type WebsocketTransport struct{}

// Dial opens a WebSocket connection and applies the inbound read limit.
func (WebsocketTransport) Dial(ctx context.Context, url string) (Socket, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, errs.New("feed/conn", errs.CodeNetwork,
			errs.WithMessage("dial "+url), errs.WithCause(err))
	}
	conn.SetReadLimit(connReadLimit)
	return &wsSocket{conn: conn}, nil
}

type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) Send(ctx context.Context, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, connWriteTimeout)
	defer cancel()
	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New("feed/conn", errs.CodeNetwork,
			errs.WithMessage("write frame"), errs.WithCause(err))
	}
	return nil
}

func (s *wsSocket) Recv(ctx context.Context) ([]byte, error) {
	for {
		msgType, data, err := s.conn.Read(ctx)
		if err != nil {
			return nil, errs.New("feed/conn", errs.CodeNetwork,
				errs.WithMessage("read frame"), errs.WithCause(err))
		}
		if msgType != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (s *wsSocket) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, connWriteTimeout)
	defer cancel()
	if err := s.conn.Ping(pingCtx); err != nil {
		return errs.New("feed/conn", errs.CodeNetwork,
			errs.WithMessage("ping"), errs.WithCause(err))
	}
	return nil
}

func (s *wsSocket) Close(reason string) error {
	return s.conn.Close(websocket.StatusNormalClosure, reason)
}
