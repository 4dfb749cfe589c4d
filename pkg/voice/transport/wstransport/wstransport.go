// Package wstransport negotiates the remote conversational protocol over a
// WebSocket. The offer is the upgrade request carrying the bearer credential
// and the offered subprotocol; the answer is the 101 response that must
// select it.
package wstransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/voice/credential"
	"github.com/vango-go/vai-order/pkg/voice/protocol"
	"github.com/vango-go/vai-order/pkg/voice/transport"
)

const (
	defaultWriteTimeout   = 5 * time.Second
	defaultPingInterval   = 20 * time.Second
	defaultMaxMessageSize = 1 << 20
)

// Negotiator dials URL for every Open.
type Negotiator struct {
	URL            string
	Dialer         *websocket.Dialer
	Header         http.Header
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	Logger         *slog.Logger
}

var _ transport.Negotiator = (*Negotiator)(nil)

// Open performs the two-step negotiation bounded by ctx.
func (n *Negotiator) Open(ctx context.Context, cred credential.Credential) (transport.Handle, error) {
	if strings.TrimSpace(n.URL) == "" {
		return nil, core.New(core.KindNegotiationFailed, "remote url is required")
	}
	if cred.IsZero() {
		return nil, core.New(core.KindAuthRejected, "missing credential")
	}

	dialer := websocket.Dialer{}
	if n.Dialer != nil {
		dialer = *n.Dialer
	}
	dialer.Subprotocols = []string{protocol.Subprotocol}

	headers := make(http.Header)
	for k, vs := range n.Header {
		for _, v := range vs {
			headers.Add(k, v)
		}
	}
	headers.Set("Authorization", "Bearer "+cred.Token)

	conn, resp, err := dialer.DialContext(ctx, n.URL, headers)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, core.Wrap(core.KindAuthRejected, fmt.Sprintf("remote rejected credential (status %d)", resp.StatusCode), err)
			default:
				return nil, core.Wrap(core.KindNegotiationFailed, fmt.Sprintf("websocket upgrade failed (status %d)", resp.StatusCode), err)
			}
		}
		return nil, transport.ClassifyDialError(err)
	}
	if conn.Subprotocol() != protocol.Subprotocol {
		_ = conn.Close()
		return nil, core.Newf(core.KindNegotiationFailed, "remote answered subprotocol %q, want %q", conn.Subprotocol(), protocol.Subprotocol)
	}

	h := newHandle(conn, n)
	go h.readLoop()
	go h.pingLoop()
	return h, nil
}

type handle struct {
	conn         *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration
	pingInterval time.Duration

	incoming chan protocol.ServerMessage
	stop     chan struct{}
	done     chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

func newHandle(conn *websocket.Conn, n *Negotiator) *handle {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handle{
		conn:         conn,
		logger:       logger,
		writeTimeout: n.WriteTimeout,
		pingInterval: n.PingInterval,
		incoming:     make(chan protocol.ServerMessage, 64),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = defaultWriteTimeout
	}
	if h.pingInterval <= 0 {
		h.pingInterval = defaultPingInterval
	}
	limit := n.MaxMessageSize
	if limit <= 0 {
		limit = defaultMaxMessageSize
	}
	conn.SetReadLimit(limit)
	return h
}

func (h *handle) Incoming() <-chan protocol.ServerMessage { return h.incoming }

func (h *handle) Done() <-chan struct{} { return h.done }

func (h *handle) Send(ctx context.Context, msg protocol.ClientMessage) error {
	if h.closed.Load() {
		return core.New(core.KindSessionClosed, "transport closed")
	}
	data, err := protocol.EncodeClient(msg)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(h.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = h.conn.SetWriteDeadline(deadline)
	if err := h.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return core.Wrap(core.KindTransportLost, "write failed", err)
	}
	return nil
}

// Close sends a normal close frame and tears the connection down.
func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.stop)
		h.writeMu.Lock()
		_ = h.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		h.writeMu.Unlock()
		_ = h.conn.Close()
	})
	return nil
}

func (h *handle) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

func (h *handle) setErr(err error) {
	if err == nil {
		return
	}
	h.errMu.Lock()
	defer h.errMu.Unlock()
	if h.err == nil {
		h.err = err
	}
}

func (h *handle) readLoop() {
	defer close(h.done)
	defer h.Close()

	for {
		messageType, data, err := h.conn.ReadMessage()
		if err != nil {
			if h.closed.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.setErr(core.Wrap(core.KindTransportLost, "remote closed the session", err))
				return
			}
			h.setErr(core.Wrap(core.KindTransportLost, "read failed", err))
			return
		}
		if messageType != websocket.TextMessage {
			h.setErr(core.Newf(core.KindProtocolViolation, "unexpected frame type %d", messageType))
			return
		}
		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				h.logger.Warn("remote protocol violation", "code", de.Code, "param", de.Param, "message", de.Message)
			}
			h.setErr(core.Wrap(core.KindProtocolViolation, "undecodable remote message", err))
			return
		}
		select {
		case h.incoming <- msg:
		case <-h.stop:
			return
		}
	}
}

func (h *handle) pingLoop() {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.writeMu.Lock()
			err := h.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout))
			h.writeMu.Unlock()
			if err != nil && !h.closed.Load() {
				h.logger.Debug("websocket ping failed", "error", err)
			}
		}
	}
}
