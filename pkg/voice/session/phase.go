package session

import (
	"fmt"
	"strings"
	"time"
)

// Phase is the session lifecycle state. Only the session loop changes it.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseAwaitingSessionCreated
	PhaseAwaitingSessionReady
	PhaseListening
	PhaseCommittingAudio
	PhaseAwaitingTranscript
	PhaseAwaitingResponse
	PhaseDisconnecting
	PhaseError
	PhaseEnded
)

var phaseNames = [...]string{
	PhaseIdle:                   "IDLE",
	PhaseConnecting:             "CONNECTING",
	PhaseAwaitingSessionCreated: "AWAITING_SESSION_CREATED",
	PhaseAwaitingSessionReady:   "AWAITING_SESSION_READY",
	PhaseListening:              "LISTENING",
	PhaseCommittingAudio:        "COMMITTING_AUDIO",
	PhaseAwaitingTranscript:     "AWAITING_TRANSCRIPT",
	PhaseAwaitingResponse:       "AWAITING_RESPONSE",
	PhaseDisconnecting:          "DISCONNECTING",
	PhaseError:                  "ERROR",
	PhaseEnded:                  "ENDED",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Terminal reports ERROR and ENDED.
func (p Phase) Terminal() bool { return p == PhaseError || p == PhaseEnded }

// inTurn reports the phases between a commit and the end of the response.
func (p Phase) inTurn() bool {
	return p == PhaseCommittingAudio || p == PhaseAwaitingTranscript || p == PhaseAwaitingResponse
}

// Connected reports phases with a ready transport.
func (p Phase) Connected() bool {
	return p == PhaseListening || p.inTurn()
}

// Timeouts bounds the dwell time of each timed phase.
type Timeouts struct {
	Connect        time.Duration
	SessionCreated time.Duration
	SessionReady   time.Duration
	Commit         time.Duration
	Transcript     time.Duration
	Response       time.Duration
	Disconnect     time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:        15 * time.Second,
		SessionCreated: 5 * time.Second,
		SessionReady:   3 * time.Second,
		Commit:         4 * time.Second,
		Transcript:     11 * time.Second,
		Response:       28 * time.Second,
		Disconnect:     5 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultTimeouts.
func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Connect <= 0 {
		t.Connect = d.Connect
	}
	if t.SessionCreated <= 0 {
		t.SessionCreated = d.SessionCreated
	}
	if t.SessionReady <= 0 {
		t.SessionReady = d.SessionReady
	}
	if t.Commit <= 0 {
		t.Commit = d.Commit
	}
	if t.Transcript <= 0 {
		t.Transcript = d.Transcript
	}
	if t.Response <= 0 {
		t.Response = d.Response
	}
	if t.Disconnect <= 0 {
		t.Disconnect = d.Disconnect
	}
	return t
}

// For returns the budget for p, or zero for untimed phases.
func (t Timeouts) For(p Phase) time.Duration {
	switch p {
	case PhaseConnecting:
		return t.Connect
	case PhaseAwaitingSessionCreated:
		return t.SessionCreated
	case PhaseAwaitingSessionReady:
		return t.SessionReady
	case PhaseCommittingAudio:
		return t.Commit
	case PhaseAwaitingTranscript:
		return t.Transcript
	case PhaseAwaitingResponse:
		return t.Response
	case PhaseDisconnecting:
		return t.Disconnect
	default:
		return 0
	}
}

// SoftTimeoutPolicy decides whether a transcript or response timeout is
// surfaced to the user when the session drops back to LISTENING.
type SoftTimeoutPolicy string

const (
	// SoftTimeoutNotify emits a user-visible signal with the phase change.
	SoftTimeoutNotify SoftTimeoutPolicy = "notify"
	// SoftTimeoutSilent emits only the phase change.
	SoftTimeoutSilent SoftTimeoutPolicy = "silent"
)

func ParseSoftTimeoutPolicy(s string) (SoftTimeoutPolicy, error) {
	switch SoftTimeoutPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", SoftTimeoutNotify:
		return SoftTimeoutNotify, nil
	case SoftTimeoutSilent:
		return SoftTimeoutSilent, nil
	default:
		return "", fmt.Errorf("unknown soft timeout policy %q (want notify or silent)", s)
	}
}
