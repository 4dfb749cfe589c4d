// Package uistream fans session UI events out to WebSocket subscribers.
// Delivery is fire-and-forget: a subscriber that falls behind is dropped
// rather than slowing the session loop.
package uistream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-order/pkg/voice/session"
)

type Config struct {
	// Buffer is the per-subscriber queue length.
	Buffer       int
	WriteTimeout time.Duration
	PingInterval time.Duration
	// AllowOrigin decides WebSocket upgrades; nil allows every origin.
	AllowOrigin func(r *http.Request) bool
	Logger      *slog.Logger
}

type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

var _ session.Sink = (*Hub)(nil)

func NewHub(cfg Config) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	check := cfg.AllowOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	return &Hub{
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: check},
		subs:     make(map[string]map[*Subscription]struct{}),
	}
}

// Subscription is one consumer of a device's events.
type Subscription struct {
	hub      *Hub
	deviceID string
	ch       chan []byte
	once     sync.Once
	// slow is set when the hub dropped the subscriber for falling behind.
	slow bool
}

// Events yields JSON encoded session.UIEvent payloads. It is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan []byte { return s.ch }

// Dropped reports whether the hub dropped the subscriber for falling behind.
// Valid after Events is closed.
func (s *Subscription) Dropped() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.slow
}

func (s *Subscription) Close() {
	s.hub.remove(s, false)
}

func (h *Hub) Subscribe(deviceID string) *Subscription {
	s := &Subscription{hub: h, deviceID: deviceID, ch: make(chan []byte, h.cfg.Buffer)}
	h.mu.Lock()
	set := h.subs[deviceID]
	if set == nil {
		set = make(map[*Subscription]struct{})
		h.subs[deviceID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) remove(s *Subscription, slow bool) {
	s.once.Do(func() {
		h.mu.Lock()
		if set := h.subs[s.deviceID]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.deviceID)
			}
		}
		s.slow = slow
		h.mu.Unlock()
		close(s.ch)
	})
}

// Subscribers counts subscribers for deviceID.
func (h *Hub) Subscribers(deviceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[deviceID])
}

// Publish implements session.Sink. It never blocks.
func (h *Hub) Publish(ev session.UIEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.cfg.Logger.Error("ui event encode failed", "session_id", ev.SessionID, "error", err)
		return
	}
	h.broadcast(ev.DeviceID, payload)
}

// Warn sends an out-of-band error event to a device, e.g. before shutdown.
func (h *Hub) Warn(deviceID, code, message string) error {
	payload, err := json.Marshal(session.UIEvent{
		DeviceID: deviceID,
		Error:    &session.UIError{Code: code, Message: message, Retryable: true},
		At:       time.Now(),
	})
	if err != nil {
		return err
	}
	h.broadcast(deviceID, payload)
	return nil
}

func (h *Hub) broadcast(deviceID string, payload []byte) {
	var slow []*Subscription
	h.mu.Lock()
	for s := range h.subs[deviceID] {
		select {
		case s.ch <- payload:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.Unlock()

	for _, s := range slow {
		h.cfg.Logger.Warn("ui subscriber too slow, dropping", "device_id", deviceID)
		h.remove(s, true)
	}
}

// ServeWS upgrades the request and streams deviceID's events until the peer
// leaves or falls behind.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, deviceID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := h.Subscribe(deviceID)
	defer sub.Close()

	// The reader only notices the peer going away.
	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-peerGone:
			return
		case <-r.Context().Done():
			h.closeConn(conn, websocket.CloseGoingAway, "server shutting down")
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				return
			}
		case payload, ok := <-sub.Events():
			if !ok {
				if sub.Dropped() {
					h.closeConn(conn, websocket.ClosePolicyViolation, "slow consumer")
				}
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

func (h *Hub) closeConn(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(h.cfg.WriteTimeout))
}
