// Package session implements the voice ordering session state machine.
//
// A Session runs one event loop goroutine. Every transition, function call
// and Order Draft mutation happens on that goroutine, one event at a time.
// Transport readers and writers, the dial, and audio capture run on their own
// goroutines and only post events to the loop.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/order"
	"github.com/vango-go/vai-order/pkg/voice/audio"
	"github.com/vango-go/vai-order/pkg/voice/credential"
	"github.com/vango-go/vai-order/pkg/voice/protocol"
	"github.com/vango-go/vai-order/pkg/voice/toolcall"
	"github.com/vango-go/vai-order/pkg/voice/transport"
)

const (
	eventQueueSize  = 256
	noticeQueueSize = 32
	snapshotTimeout = 2 * time.Second
)

type Dependencies struct {
	SessionID string
	DeviceID  string

	Negotiator transport.Negotiator
	Catalog    order.Catalog
	Pricing    order.Pricing
	Submitter  toolcall.Submitter
	Audio      *audio.Pipeline
	Sink       Sink
	Snapshots  SnapshotStore
	Observer   Observer

	Timeouts      Timeouts
	SoftTimeouts  SoftTimeoutPolicy
	SubmitTimeout time.Duration
	Instructions  string
	Tools         []protocol.ToolDeclaration

	// Resume seeds the draft from a recoverable snapshot.
	Resume *order.Snapshot

	Logger *slog.Logger
	Now    func() time.Time
}

type Session struct {
	id         string
	deviceID   string
	negotiator transport.Negotiator
	draft      *order.Draft
	adapter    *toolcall.Adapter
	audio      *audio.Pipeline
	sink       Sink
	snapshots  SnapshotStore
	observer   Observer
	timeouts   Timeouts
	soft       SoftTimeoutPolicy
	instr      string
	tools      []protocol.ToolDeclaration
	logger     *slog.Logger
	now        func() time.Time

	startMu sync.Mutex
	started bool
	// endReason is set by End before it cancels outstanding work.
	endReason string

	opsCtx    context.Context
	cancelOps context.CancelFunc

	events   chan any
	notices  chan Notice
	loopDone chan struct{}

	phase        atomic.Int32
	lastActivity atomic.Int64
	startedAt    time.Time

	credMu sync.Mutex
	cred   credential.Credential

	transcriptMu sync.Mutex
	transcript   []TranscriptFragment

	// loop-owned state
	generation   int64
	active       *link
	pending      *link
	reconnecting bool
	dialAttempt  int
	dialCancel   context.CancelFunc
	capture      *audio.Capture
	talking      bool
	turn         turnState
	violated     bool
	phaseTimer   *time.Timer
	phaseTimerOn bool
	pendTimer    *time.Timer
	pendTimerOn  bool
	opsDone      <-chan struct{}

	err           error
	finalSnapshot order.Snapshot
}

type turnState struct {
	n            int
	segmentID    string
	userSeq      int64
	assistantSeq int64
	audioSeq     int64
}

func New(deps Dependencies) (*Session, error) {
	if deps.Negotiator == nil {
		return nil, fmt.Errorf("negotiator is required")
	}
	if deps.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if deps.Pricing == nil {
		return nil, fmt.Errorf("pricing is required")
	}
	if deps.Submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sink == nil {
		deps.Sink = nopSink{}
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Audio == nil {
		deps.Audio = audio.NewPipeline(nil, nil, audio.Config{}, deps.Logger)
	}
	if deps.SoftTimeouts == "" {
		deps.SoftTimeouts = SoftTimeoutNotify
	}
	if deps.Tools == nil {
		deps.Tools = protocol.ToolDeclarations()
	}
	if strings.TrimSpace(deps.SessionID) == "" {
		deps.SessionID = "sess_" + uuid.NewString()
	}

	draft, err := order.NewDraft(deps.SessionID, deps.Catalog, deps.Pricing)
	if err != nil {
		return nil, err
	}
	if deps.Resume != nil {
		if err := draft.Restore(*deps.Resume); err != nil {
			return nil, fmt.Errorf("restore draft: %w", err)
		}
	}
	logger := deps.Logger.With("session_id", deps.SessionID)
	adapter, err := toolcall.New(draft, deps.Submitter, toolcall.Config{
		SubmitTimeout: deps.SubmitTimeout,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:         deps.SessionID,
		deviceID:   deps.DeviceID,
		negotiator: deps.Negotiator,
		draft:      draft,
		adapter:    adapter,
		audio:      deps.Audio,
		sink:       deps.Sink,
		snapshots:  deps.Snapshots,
		observer:   deps.Observer,
		timeouts:   deps.Timeouts.withDefaults(),
		soft:       deps.SoftTimeouts,
		instr:      deps.Instructions,
		tools:      deps.Tools,
		logger:     logger,
		now:        deps.Now,
		events:     make(chan any, eventQueueSize),
		notices:    make(chan Notice, noticeQueueSize),
		loopDone:   make(chan struct{}),
	}
	s.phase.Store(int32(PhaseIdle))
	return s, nil
}

func (s *Session) ID() string       { return s.id }
func (s *Session) DeviceID() string { return s.deviceID }

func (s *Session) Phase() Phase { return Phase(s.phase.Load()) }

// Done is closed once the session reached ERROR or ENDED.
func (s *Session) Done() <-chan struct{} { return s.loopDone }

// Err reports why the session ended in ERROR. Valid after Done.
func (s *Session) Err() error {
	select {
	case <-s.loopDone:
		return s.err
	default:
		return nil
	}
}

// Notices delivers supervisor notices. It is never closed; select on Done.
func (s *Session) Notices() <-chan Notice { return s.notices }

// Credential returns the credential of the active transport.
func (s *Session) Credential() credential.Credential {
	s.credMu.Lock()
	defer s.credMu.Unlock()
	return s.cred
}

func (s *Session) setCredential(c credential.Credential) {
	s.credMu.Lock()
	s.cred = c
	s.credMu.Unlock()
}

// Info is a point-in-time view for the orchestrator.
type Info struct {
	SessionID      string    `json:"session_id"`
	DeviceID       string    `json:"device_id,omitempty"`
	Phase          string    `json:"phase"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func (s *Session) Info() Info {
	var last time.Time
	if ns := s.lastActivity.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	s.startMu.Lock()
	started := s.startedAt
	s.startMu.Unlock()
	return Info{
		SessionID:      s.id,
		DeviceID:       s.deviceID,
		Phase:          s.Phase().String(),
		StartedAt:      started,
		LastActivityAt: last,
	}
}

// Transcript returns the fragments received so far in order.
func (s *Session) Transcript() []TranscriptFragment {
	s.transcriptMu.Lock()
	defer s.transcriptMu.Unlock()
	return append([]TranscriptFragment(nil), s.transcript...)
}

// Start begins negotiation with cred, which the caller obtained from the
// credential broker. The session lives until End, a fatal error, or ctx
// cancellation.
func (s *Session) Start(ctx context.Context, cred credential.Credential) error {
	if cred.IsZero() {
		return core.New(core.KindInvalidArguments, "credential is required").WithParam("credential")
	}
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return core.Newf(core.KindInvalidPhase, "session already started (phase %s)", s.Phase())
	}
	if s.Phase() != PhaseIdle {
		return core.New(core.KindSessionClosed, "session already ended")
	}
	s.started = true
	s.startedAt = s.now()
	s.touch()
	s.setCredential(cred)
	s.opsCtx, s.cancelOps = context.WithCancel(ctx)
	s.opsDone = s.opsCtx.Done()
	go s.run()
	return nil
}

// StartTalking opens a new audio segment. Valid in LISTENING.
func (s *Session) StartTalking() error {
	return s.do(func() error {
		if s.Phase() != PhaseListening {
			return core.Newf(core.KindInvalidPhase, "cannot start talking in %s", s.Phase())
		}
		if s.talking {
			return nil
		}
		if s.capture != nil {
			s.capture.Reset()
		}
		s.talking = true
		s.touch()
		return nil
	})
}

// StopTalking commits the buffered segment and moves to COMMITTING_AUDIO.
func (s *Session) StopTalking() error {
	return s.do(func() error {
		if s.Phase() != PhaseListening || !s.talking {
			return core.Newf(core.KindInvalidPhase, "cannot commit audio in %s", s.Phase())
		}
		s.talking = false
		s.touch()
		s.commitAudio()
		return nil
	})
}

// SetTargetSeat sets the seat applied to items added afterwards.
func (s *Session) SetTargetSeat(seat *int) error {
	return s.do(func() error { return s.draft.SetTargetSeat(seat) })
}

func (s *Session) SetNotes(notes string) error {
	return s.do(func() error { return s.draft.SetNotes(notes) })
}

// Snapshot returns a copy of the Order Draft.
func (s *Session) Snapshot() order.Snapshot {
	s.startMu.Lock()
	started := s.started
	if !started {
		snap := s.draft.Snapshot(s.now())
		s.startMu.Unlock()
		return snap
	}
	s.startMu.Unlock()

	var snap order.Snapshot
	if err := s.do(func() error {
		snap = s.draft.Snapshot(s.now())
		return nil
	}); err != nil {
		return s.finalSnapshot
	}
	return snap
}

// Attach hands the session a freshly negotiated transport. While connected
// the new transport handshakes alongside the active one and takes over once
// the session is back in LISTENING; while reconnecting it becomes active
// immediately. On error the caller keeps ownership of h.
func (s *Session) Attach(h transport.Handle, cred credential.Credential, reason string) error {
	if h == nil {
		return core.New(core.KindInvalidArguments, "transport handle is required")
	}
	return s.do(func() error { return s.attach(h, cred, reason) })
}

// Fail moves the session to ERROR with reason. Used by the supervisor when
// recovery is exhausted.
func (s *Session) Fail(reason string) {
	s.startMu.Lock()
	started := s.started
	s.startMu.Unlock()
	if !started {
		return
	}
	s.post(failEvent{reason: reason})
}

// End cancels outstanding work and closes the session gracefully.
func (s *Session) End() {
	s.startMu.Lock()
	if !s.started {
		s.started = true
		s.phase.Store(int32(PhaseEnded))
		s.finalSnapshot = s.draft.Snapshot(s.now())
		close(s.loopDone)
		s.startMu.Unlock()
		return
	}
	s.endReason = "user_end"
	cancel := s.cancelOps
	s.startMu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.post(endEvent{reason: "user_end"})
}

// cancelReason names why opsCtx ended: the End reason, or "canceled" when the
// caller's context went away.
func (s *Session) cancelReason() string {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.endReason != "" {
		return s.endReason
	}
	return "canceled"
}

// do runs fn on the loop and waits for its result.
func (s *Session) do(fn func() error) error {
	s.startMu.Lock()
	started := s.started
	s.startMu.Unlock()
	if !started {
		return core.New(core.KindInvalidPhase, "session not started")
	}
	reply := make(chan error, 1)
	if !s.post(command{fn: fn, reply: reply}) {
		return core.New(core.KindSessionClosed, "session closed")
	}
	select {
	case err := <-reply:
		return err
	case <-s.loopDone:
		select {
		case err := <-reply:
			return err
		default:
			return core.New(core.KindSessionClosed, "session closed")
		}
	}
}

// post enqueues ev for the loop. It reports false once the loop is gone.
func (s *Session) post(ev any) bool {
	select {
	case <-s.loopDone:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.loopDone:
		return false
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

func (s *Session) notify(kind NoticeKind, gen int64, err error) {
	n := Notice{Kind: kind, Generation: gen, Err: err, At: s.now()}
	select {
	case s.notices <- n:
	default:
		s.logger.Warn("supervisor notice dropped", "notice", kind.String(), "generation", gen)
	}
}

func (s *Session) publish(ev UIEvent) {
	ev.SessionID = s.id
	ev.DeviceID = s.deviceID
	if ev.Phase == "" {
		ev.Phase = s.Phase().String()
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	s.sink.Publish(ev)
}

func (s *Session) appendTranscript(role string, seq int64, text string, final bool) {
	last := &s.turn.userSeq
	if role == RoleAssistant {
		last = &s.turn.assistantSeq
	}
	// Seq 0 is unsequenced and kept in arrival order.
	if seq > 0 {
		if seq <= *last {
			s.logger.Debug("transcript fragment dropped", "role", role, "seq", seq, "last_seq", *last)
			return
		}
		*last = seq
	}
	frag := TranscriptFragment{Turn: s.turn.n, Role: role, Seq: seq, Text: text, Final: final, At: s.now()}
	s.transcriptMu.Lock()
	s.transcript = append(s.transcript, frag)
	s.transcriptMu.Unlock()
	s.publish(UIEvent{Transcript: &frag})
}
