package session

import (
	"context"
	"time"

	"github.com/vango-go/vai-order/pkg/order"
)

// UI signals carried on UIEvent.Signal.
const (
	SignalDidntCatchThat  = "didnt_catch_that"
	SignalResponseTimeout = "response_timeout"
	SignalCommitDropped   = "commit_dropped"
	SignalReconnecting    = "reconnecting"
	SignalOrderConfirmed  = "order_confirmed"
	SignalOrderUpdated    = "order_updated"
)

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TranscriptFragment is one append-only piece of recognized or synthesized
// speech. Display only.
type TranscriptFragment struct {
	Turn  int       `json:"turn"`
	Role  string    `json:"role"`
	Seq   int64     `json:"seq"`
	Text  string    `json:"text"`
	Final bool      `json:"final,omitempty"`
	At    time.Time `json:"at"`
}

type UIError struct {
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// UIEvent is published for display. Delivery is fire-and-forget.
type UIEvent struct {
	SessionID  string              `json:"session_id"`
	DeviceID   string              `json:"device_id,omitempty"`
	Phase      string              `json:"phase"`
	Signal     string              `json:"signal,omitempty"`
	Transcript *TranscriptFragment `json:"transcript,omitempty"`
	Error      *UIError            `json:"error,omitempty"`
	Totals     *order.Totals       `json:"totals,omitempty"`
	OrderID    string              `json:"order_id,omitempty"`
	At         time.Time           `json:"at"`
}

// Sink receives UI events. Publish is called on the session loop and must not
// block.
type Sink interface {
	Publish(ev UIEvent)
}

type SinkFunc func(ev UIEvent)

func (f SinkFunc) Publish(ev UIEvent) { f(ev) }

type nopSink struct{}

func (nopSink) Publish(UIEvent) {}

// SnapshotStore keeps a recoverable Order Draft after a fatal error.
type SnapshotStore interface {
	Save(ctx context.Context, snap order.Snapshot) error
	Delete(ctx context.Context, sessionID string) error
}

// NoticeKind classifies supervisor notices.
type NoticeKind int

const (
	// NoticeTransportLost: the active transport closed unexpectedly and the
	// session is waiting in CONNECTING for a replacement.
	NoticeTransportLost NoticeKind = iota + 1
	// NoticeRefreshNeeded: the remote asked for the transport to be
	// replaced soon.
	NoticeRefreshNeeded
	// NoticeAttached: an attached transport finished its handshake and is
	// now active.
	NoticeAttached
	// NoticeAttachFailed: an attached transport was discarded before
	// becoming active.
	NoticeAttachFailed
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeTransportLost:
		return "transport_lost"
	case NoticeRefreshNeeded:
		return "refresh_needed"
	case NoticeAttached:
		return "attached"
	case NoticeAttachFailed:
		return "attach_failed"
	default:
		return "unknown"
	}
}

// Notice is sent to the supervising refresh manager.
type Notice struct {
	Kind       NoticeKind
	Generation int64
	Err        error
	At         time.Time
}

// Observer receives lifecycle measurements. Calls happen on the session loop.
type Observer interface {
	PhaseTransition(from, to Phase)
	TimeoutFired(phase Phase)
	FunctionCall(name, outcome string)
	SessionFinished(phase Phase, reason string)
}

type nopObserver struct{}

func (nopObserver) PhaseTransition(Phase, Phase)  {}
func (nopObserver) TimeoutFired(Phase)            {}
func (nopObserver) FunctionCall(string, string)   {}
func (nopObserver) SessionFinished(Phase, string) {}
