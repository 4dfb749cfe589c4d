package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/voice/audio"
	"github.com/vango-go/vai-order/pkg/voice/credential"
	"github.com/vango-go/vai-order/pkg/voice/protocol"
	"github.com/vango-go/vai-order/pkg/voice/toolcall"
	"github.com/vango-go/vai-order/pkg/voice/transport"
)

// Loop events.
type (
	command struct {
		fn    func() error
		reply chan error
	}
	dialResult struct {
		attempt int
		handle  transport.Handle
		err     error
	}
	linkMessage struct {
		gen int64
		msg protocol.ServerMessage
	}
	linkClosed struct {
		gen int64
		err error
	}
	linkWriteFailed struct {
		gen int64
		err error
	}
	endFlushed struct {
		gen int64
	}
	failEvent struct {
		reason string
		err    error
	}
	endEvent struct {
		reason string
	}
)

// Codes in a non-fatal remote error that ask for the transport to be
// replaced.
var refreshCodes = map[string]bool{
	"credential_expiring": true,
	"go_away":             true,
}

func (s *Session) run() {
	defer s.finish()
	s.connect()

	for !s.Phase().Terminal() {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-timerC(s.phaseTimer, s.phaseTimerOn):
			s.phaseTimerOn = false
			s.onPhaseTimeout()
		case <-timerC(s.pendTimer, s.pendTimerOn):
			s.pendTimerOn = false
			s.onPendingTimeout()
		case <-s.opsDone:
			s.opsDone = nil
			s.beginDisconnect(s.cancelReason())
		}
	}
}

func (s *Session) finish() {
	stopTimer(s.phaseTimer, &s.phaseTimerOn)
	stopTimer(s.pendTimer, &s.pendTimerOn)
	if s.dialCancel != nil {
		s.dialCancel()
	}
	if s.capture != nil {
		s.capture.Stop()
	}
	s.active.close()
	s.pending.close()
	s.cancelOps()
	s.finalSnapshot = s.draft.Snapshot(s.now())
	close(s.loopDone)
}

func (s *Session) handle(ev any) {
	switch e := ev.(type) {
	case command:
		e.reply <- e.fn()
	case dialResult:
		s.onDialResult(e)
	case linkMessage:
		s.onLinkMessage(e)
	case linkClosed:
		s.onLinkClosed(e.gen, e.err)
	case linkWriteFailed:
		s.onLinkClosed(e.gen, e.err)
	case endFlushed:
		if s.Phase() == PhaseDisconnecting && s.active != nil && s.active.gen == e.gen {
			s.finishEnded()
		}
	case failEvent:
		kind := core.KindReconnectFailed
		if e.err != nil {
			kind = core.KindOf(e.err)
		}
		s.enterError(kind, e.reason, e.err)
	case endEvent:
		s.beginDisconnect(e.reason)
	default:
		s.logger.Error("unknown session event", "event", ev)
	}
}

// setPhase records the transition, arms the phase timer and publishes the
// UI event. Entering LISTENING promotes a ready pending transport.
func (s *Session) setPhase(to Phase, ui UIEvent) {
	from := s.Phase()
	s.phase.Store(int32(to))
	if from != to {
		s.observer.PhaseTransition(from, to)
		s.logger.Debug("session phase", "from", from.String(), "to", to.String())
	}
	if d := s.timeouts.For(to); d > 0 {
		resetTimer(&s.phaseTimer, &s.phaseTimerOn, d)
	} else {
		stopTimer(s.phaseTimer, &s.phaseTimerOn)
	}
	ui.Phase = to.String()
	s.publish(ui)

	if to == PhaseListening && s.pending != nil && s.pending.ready {
		s.promote()
	}
}

func (s *Session) connect() {
	s.dialAttempt++
	attempt := s.dialAttempt
	ctx, cancel := context.WithTimeout(s.opsCtx, s.timeouts.Connect)
	s.dialCancel = cancel
	cred := s.Credential()
	s.setPhase(PhaseConnecting, UIEvent{})

	go func() {
		h, err := s.negotiator.Open(ctx, cred)
		if !s.post(dialResult{attempt: attempt, handle: h, err: err}) && h != nil {
			_ = h.Close()
		}
	}()
}

func (s *Session) onDialResult(r dialResult) {
	if r.attempt != s.dialAttempt || s.Phase() != PhaseConnecting || s.reconnecting {
		if r.handle != nil {
			_ = r.handle.Close()
		}
		return
	}
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	if r.err != nil {
		kind := core.KindOf(r.err)
		if errors.Is(r.err, context.DeadlineExceeded) {
			kind = core.KindConnectTimeout
		}
		s.enterError(kind, string(kind), r.err)
		return
	}
	s.active = s.newLink(r.handle, s.Credential())
	s.beginHandshake(s.active)
	s.setPhase(PhaseAwaitingSessionCreated, UIEvent{})
}

func (s *Session) beginHandshake(l *link) {
	cfg := s.audio.Config()
	msg := protocol.SessionCreate{
		Type:            protocol.TypeSessionCreate,
		ProtocolVersion: protocol.ProtocolVersion1,
		SessionID:       s.id,
		AudioIn:         cfg.Format(),
		AudioOut:        cfg.Format(),
		Instructions:    s.instr,
		Tools:           s.tools,
	}
	if !l.sendPriority(msg, nil) {
		s.onLinkClosed(l.gen, core.New(core.KindTransportLost, "transport write queue full"))
	}
}

func (s *Session) linkFor(gen int64) *link {
	switch {
	case s.active != nil && s.active.gen == gen:
		return s.active
	case s.pending != nil && s.pending.gen == gen:
		return s.pending
	default:
		return nil
	}
}

func (s *Session) onLinkMessage(e linkMessage) {
	l := s.linkFor(e.gen)
	if l == nil {
		s.logger.Debug("stale transport message dropped", "generation", e.gen, "type", e.msg.ServerType())
		return
	}
	s.touch()
	if l == s.pending {
		s.onPendingMessage(l, e.msg)
		return
	}

	phase := s.Phase()
	switch m := e.msg.(type) {
	case protocol.SessionCreated:
		if phase != PhaseAwaitingSessionCreated {
			s.stale(m, phase)
			return
		}
		if m.SessionID != "" && m.SessionID != s.id {
			s.enterError(core.KindProtocolViolation, "session_id_mismatch",
				core.Newf(core.KindProtocolViolation, "remote created session %q, want %q", m.SessionID, s.id))
			return
		}
		l.created = true
		s.setPhase(PhaseAwaitingSessionReady, UIEvent{})

	case protocol.SessionReady:
		if phase != PhaseAwaitingSessionReady {
			s.stale(m, phase)
			return
		}
		l.ready = true
		if s.reconnecting {
			s.reconnecting = false
			s.notify(NoticeAttached, l.gen, nil)
			s.logger.Info("transport reconnected", "generation", l.gen)
		}
		s.ensureCapture()
		s.setPhase(PhaseListening, UIEvent{})

	case protocol.AudioCommitted:
		if phase != PhaseCommittingAudio || m.SegmentID != s.turn.segmentID {
			s.stale(m, phase)
			return
		}
		s.setPhase(PhaseAwaitingTranscript, UIEvent{})

	case protocol.TranscriptDelta:
		if phase != PhaseAwaitingTranscript {
			s.stale(m, phase)
			return
		}
		s.appendTranscript(RoleUser, m.Seq, m.Text, false)

	case protocol.TranscriptComplete:
		if phase != PhaseAwaitingTranscript {
			s.stale(m, phase)
			return
		}
		s.appendTranscript(RoleUser, m.Seq, m.Text, true)
		s.setPhase(PhaseAwaitingResponse, UIEvent{})

	case protocol.FunctionCall:
		s.onFunctionCall(l, m)

	case protocol.ResponseTextDelta:
		if !s.responding(m) {
			return
		}
		s.appendTranscript(RoleAssistant, m.Seq, m.Text, false)
		s.rearmResponse()

	case protocol.ResponseAudioDelta:
		if !s.responding(m) {
			return
		}
		if m.Seq > 0 && m.Seq <= s.turn.audioSeq {
			return
		}
		s.turn.audioSeq = m.Seq
		s.audio.Play(m.Audio)
		s.rearmResponse()

	case protocol.ResponseComplete:
		if phase != PhaseAwaitingResponse && phase != PhaseAwaitingTranscript {
			s.stale(m, phase)
			return
		}
		s.setPhase(PhaseListening, UIEvent{})

	case protocol.ServerError:
		s.onServerError(l, m, false)

	default:
		s.enterError(core.KindProtocolViolation, "unexpected_message",
			core.Newf(core.KindProtocolViolation, "unexpected remote message %s", e.msg.ServerType()))
	}
}

func (s *Session) stale(msg protocol.ServerMessage, phase Phase) {
	s.logger.Debug("out of phase message rejected", "type", msg.ServerType(), "phase", phase.String())
}

// responding moves AWAITING_TRANSCRIPT on when response content arrives
// without a separate transcript.complete. It reports whether the message
// belongs to the current response.
func (s *Session) responding(msg protocol.ServerMessage) bool {
	switch s.Phase() {
	case PhaseAwaitingResponse:
		return true
	case PhaseAwaitingTranscript:
		s.setPhase(PhaseAwaitingResponse, UIEvent{})
		return true
	default:
		s.stale(msg, s.Phase())
		return false
	}
}

func (s *Session) rearmResponse() {
	if s.Phase() == PhaseAwaitingResponse {
		resetTimer(&s.phaseTimer, &s.phaseTimerOn, s.timeouts.Response)
	}
}

func (s *Session) onFunctionCall(l *link, m protocol.FunctionCall) {
	req := toolcall.RequestFrom(m)
	phase := s.Phase()
	if s.violated || (phase != PhaseAwaitingResponse && phase != PhaseAwaitingTranscript) {
		s.logger.Warn("function call rejected", "call_id", m.CallID, "function", m.Name, "phase", phase.String())
		s.observer.FunctionCall(m.Name, "rejected")
		resp := toolcall.Reject(req, core.Newf(core.KindInvalidPhase, "function call not accepted in %s", phase))
		if !l.sendPriority(resp, nil) {
			s.onLinkClosed(l.gen, core.New(core.KindTransportLost, "transport write queue full"))
		}
		return
	}
	if phase == PhaseAwaitingTranscript {
		s.setPhase(PhaseAwaitingResponse, UIEvent{})
	}

	out := s.adapter.Handle(s.opsCtx, req)
	outcome := "ok"
	if out.Err != nil {
		outcome = string(out.Err.Kind)
	}
	s.observer.FunctionCall(m.Name, outcome)
	s.logger.Info("function call handled", "call_id", m.CallID, "function", m.Name, "outcome", outcome)

	var after func(error)
	if out.Fatal != nil {
		s.violated = true
		fatal := out.Fatal
		after = func(error) { s.post(failEvent{reason: "unknown_function", err: fatal}) }
	}
	if !l.sendPriority(out.Response, after) {
		if out.Fatal != nil {
			s.enterError(core.KindProtocolViolation, "unknown_function", out.Fatal)
			return
		}
		s.onLinkClosed(l.gen, core.New(core.KindTransportLost, "transport write queue full"))
		return
	}

	switch {
	case out.OrderID != "":
		totals := s.draft.Totals()
		s.publish(UIEvent{Signal: SignalOrderConfirmed, OrderID: out.OrderID, Totals: &totals})
	case out.Mutated:
		totals := s.draft.Totals()
		s.publish(UIEvent{Signal: SignalOrderUpdated, Totals: &totals})
	case out.Err != nil && out.Err.Kind == core.KindSubmissionFailed:
		s.publish(UIEvent{Error: &UIError{Code: string(out.Err.Kind), Message: out.Err.Message, Retryable: true}})
	}
	s.rearmResponse()
}

func (s *Session) onServerError(l *link, m protocol.ServerError, pending bool) {
	if m.Fatal {
		err := core.Newf(core.KindInternal, "remote error %s: %s", m.Code, m.Message).WithReason(m.Code)
		if pending {
			s.discardPending(err)
			return
		}
		s.enterError(core.KindInternal, "remote_error", err)
		return
	}
	s.logger.Warn("remote reported error", "code", m.Code, "message", m.Message, "generation", l.gen)
	if refreshCodes[m.Code] && !pending {
		s.notify(NoticeRefreshNeeded, l.gen, nil)
	}
}

func (s *Session) commitAudio() {
	segment := s.takeSegment()
	s.turn = turnState{n: s.turn.n + 1, segmentID: segment.ID}
	s.setPhase(PhaseCommittingAudio, UIEvent{})
	if !s.active.sendSegment(segment, nil) {
		s.onLinkClosed(s.active.gen, core.New(core.KindTransportLost, "transport write queue full"))
	}
}

func (s *Session) takeSegment() audio.Segment {
	if s.capture != nil {
		return s.capture.Take()
	}
	return audio.Segment{ID: fmt.Sprintf("seg_%s_%d", s.id, s.turn.n+1)}
}

func (s *Session) ensureCapture() {
	if s.capture != nil {
		return
	}
	c, err := s.audio.StartCapture(s.opsCtx)
	if err != nil {
		s.logger.Warn("audio capture unavailable", "error", err)
		return
	}
	s.capture = c
}

func (s *Session) onPhaseTimeout() {
	phase := s.Phase()
	s.observer.TimeoutFired(phase)
	s.logger.Info("phase timeout", "phase", phase.String(), "budget", s.timeouts.For(phase).String())

	switch phase {
	case PhaseConnecting:
		if s.dialCancel != nil {
			s.dialCancel()
			s.dialCancel = nil
		}
		if s.reconnecting {
			s.enterError(core.KindReconnectFailed, "reconnect_failed", core.New(core.KindReconnectFailed, "no replacement transport before the connect deadline"))
			return
		}
		s.enterError(core.KindConnectTimeout, "connect_timeout", core.New(core.KindConnectTimeout, "transport negotiation timed out"))
	case PhaseAwaitingSessionCreated, PhaseAwaitingSessionReady:
		if s.reconnecting {
			s.enterError(core.KindReconnectFailed, "reconnect_failed", core.Newf(core.KindHandshakeTimeout, "replacement handshake timed out in %s", phase))
			return
		}
		s.enterError(core.KindHandshakeTimeout, "handshake_timeout", core.Newf(core.KindHandshakeTimeout, "handshake timed out in %s", phase))
	case PhaseCommittingAudio:
		// The segment is dropped; a late ack no longer matches.
		s.turn.segmentID = ""
		s.setPhase(PhaseListening, UIEvent{
			Signal: SignalCommitDropped,
			Error:  &UIError{Code: string(core.KindCommitTimeout), Message: "audio was not acknowledged", Retryable: true},
		})
	case PhaseAwaitingTranscript:
		s.setPhase(PhaseListening, s.softTimeoutEvent(SignalDidntCatchThat, core.KindTranscriptTimeout))
	case PhaseAwaitingResponse:
		s.setPhase(PhaseListening, s.softTimeoutEvent(SignalResponseTimeout, core.KindResponseTimeout))
	case PhaseDisconnecting:
		s.logger.Warn("disconnect timed out, forcing transport close")
		s.finishEnded()
	}
}

func (s *Session) softTimeoutEvent(signal string, kind core.Kind) UIEvent {
	if s.soft == SoftTimeoutSilent {
		return UIEvent{}
	}
	return UIEvent{Signal: signal, Error: &UIError{Code: string(kind), Retryable: true}}
}

func (s *Session) onLinkClosed(gen int64, err error) {
	l := s.linkFor(gen)
	if l == nil {
		return
	}
	if l == s.pending {
		if err == nil {
			err = core.New(core.KindTransportLost, "pending transport closed")
		}
		s.discardPending(err)
		return
	}

	phase := s.Phase()
	if phase == PhaseDisconnecting {
		s.finishEnded()
		return
	}
	if phase.Terminal() {
		return
	}
	if err == nil {
		err = core.New(core.KindTransportLost, "transport closed")
	}
	if core.IsKind(err, core.KindProtocolViolation) {
		s.enterError(core.KindProtocolViolation, "protocol_violation", err)
		return
	}
	s.onTransportLost(err)
}

// onTransportLost keeps the draft and waits in CONNECTING for the
// supervisor to attach a replacement. A pending transport, if any, takes
// over directly.
func (s *Session) onTransportLost(err error) {
	lost := s.active
	s.active = nil
	lost.close()
	s.talking = false
	s.turn.segmentID = ""
	s.logger.Warn("transport lost", "generation", lost.gen, "error", err)

	if p := s.pending; p != nil {
		s.pending = nil
		stopTimer(s.pendTimer, &s.pendTimerOn)
		s.active = p
		s.setCredential(p.cred)
		if p.ready {
			s.notify(NoticeAttached, p.gen, nil)
			s.setPhase(PhaseListening, UIEvent{})
			return
		}
		s.reconnecting = true
		if p.created {
			s.setPhase(PhaseAwaitingSessionReady, UIEvent{})
		} else {
			s.setPhase(PhaseAwaitingSessionCreated, UIEvent{})
		}
		return
	}

	s.reconnecting = true
	s.setPhase(PhaseConnecting, UIEvent{
		Signal: SignalReconnecting,
		Error:  &UIError{Code: string(core.KindTransportLost), Message: "connection lost, reconnecting", Retryable: true},
	})
	s.notify(NoticeTransportLost, lost.gen, err)
}

func (s *Session) attach(h transport.Handle, cred credential.Credential, reason string) error {
	phase := s.Phase()
	switch {
	case phase.Terminal() || phase == PhaseDisconnecting:
		return core.Newf(core.KindSessionClosed, "session is %s", phase)
	case phase == PhaseConnecting && s.reconnecting:
		s.setCredential(cred)
		s.active = s.newLink(h, cred)
		s.logger.Info("replacement transport attached", "generation", s.active.gen, "reason", reason)
		s.beginHandshake(s.active)
		if s.active != nil {
			s.setPhase(PhaseAwaitingSessionCreated, UIEvent{})
		}
		return nil
	case phase.Connected():
		if s.pending != nil {
			s.discardPending(core.New(core.KindTransportLost, "superseded by a newer transport"))
		}
		s.pending = s.newLink(h, cred)
		s.logger.Info("pending transport attached", "generation", s.pending.gen, "reason", reason)
		resetTimer(&s.pendTimer, &s.pendTimerOn, s.timeouts.SessionCreated)
		s.beginHandshake(s.pending)
		return nil
	default:
		return core.Newf(core.KindInvalidPhase, "cannot attach a transport in %s", phase)
	}
}

func (s *Session) onPendingMessage(l *link, msg protocol.ServerMessage) {
	switch m := msg.(type) {
	case protocol.SessionCreated:
		if l.created {
			return
		}
		if m.SessionID != "" && m.SessionID != s.id {
			s.discardPending(core.Newf(core.KindProtocolViolation, "remote created session %q, want %q", m.SessionID, s.id))
			return
		}
		l.created = true
		resetTimer(&s.pendTimer, &s.pendTimerOn, s.timeouts.SessionReady)
	case protocol.SessionReady:
		if !l.created || l.ready {
			return
		}
		l.ready = true
		stopTimer(s.pendTimer, &s.pendTimerOn)
		if s.Phase() == PhaseListening {
			s.promote()
		}
	case protocol.FunctionCall:
		resp := toolcall.Reject(toolcall.RequestFrom(m), core.New(core.KindInvalidPhase, "transport is not active"))
		l.sendPriority(resp, nil)
	case protocol.ServerError:
		s.onServerError(l, m, true)
	default:
		s.logger.Debug("pending transport message ignored", "type", msg.ServerType(), "generation", l.gen)
	}
}

func (s *Session) onPendingTimeout() {
	if s.pending == nil {
		return
	}
	s.observer.TimeoutFired(PhaseAwaitingSessionReady)
	s.discardPending(core.New(core.KindHandshakeTimeout, "pending transport handshake timed out"))
}

func (s *Session) discardPending(err error) {
	p := s.pending
	if p == nil {
		return
	}
	s.pending = nil
	stopTimer(s.pendTimer, &s.pendTimerOn)
	p.close()
	s.logger.Warn("pending transport discarded", "generation", p.gen, "error", err)
	s.notify(NoticeAttachFailed, p.gen, err)
}

// promote makes the ready pending transport active and retires the old one
// after telling the remote it is going away.
func (s *Session) promote() {
	p := s.pending
	if p == nil || !p.ready {
		return
	}
	s.pending = nil
	old := s.active
	s.active = p
	s.setCredential(p.cred)
	if old != nil {
		end := protocol.SessionEnd{Type: protocol.TypeSessionEnd, Reason: "transport_replaced"}
		if !old.sendPriority(end, func(error) { old.close() }) {
			old.close()
		}
	}
	s.logger.Info("transport swapped", "generation", p.gen)
	s.notify(NoticeAttached, p.gen, nil)
}

func (s *Session) beginDisconnect(reason string) {
	phase := s.Phase()
	if phase.Terminal() || phase == PhaseDisconnecting {
		return
	}
	s.cancelOps()
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	if s.capture != nil {
		s.capture.Stop()
		s.capture = nil
	}
	if s.pending != nil {
		p := s.pending
		s.pending = nil
		stopTimer(s.pendTimer, &s.pendTimerOn)
		p.close()
	}
	s.logger.Info("session ending", "reason", reason, "phase", phase.String())
	s.setPhase(PhaseDisconnecting, UIEvent{})

	if s.active == nil {
		s.finishEnded()
		return
	}
	gen := s.active.gen
	end := protocol.SessionEnd{Type: protocol.TypeSessionEnd, Reason: reason}
	if !s.active.sendPriority(end, func(error) { s.post(endFlushed{gen: gen}) }) {
		s.finishEnded()
	}
}

func (s *Session) finishEnded() {
	if s.Phase().Terminal() {
		return
	}
	s.active.close()
	s.active = nil
	if s.snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		if err := s.snapshots.Delete(ctx, s.id); err != nil {
			s.logger.Warn("snapshot delete failed", "error", err)
		}
		cancel()
	}
	s.setPhase(PhaseEnded, UIEvent{})
	s.observer.SessionFinished(PhaseEnded, "ended")
	s.logger.Info("session ended", "order_id", s.adapter.ConfirmedOrderID())
}

// enterError is the single path to ERROR. The draft is saved for resume
// before the UI is told.
func (s *Session) enterError(kind core.Kind, reason string, cause error) {
	if s.Phase().Terminal() {
		return
	}
	if kind == "" {
		kind = core.KindInternal
	}
	if cause == nil {
		s.err = core.New(kind, reason).WithReason(reason)
	} else {
		s.err = core.Wrap(kind, reason, cause).WithReason(reason)
	}
	s.cancelOps()
	s.active.close()
	s.active = nil
	s.pending.close()
	s.pending = nil

	if s.snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		if err := s.snapshots.Save(ctx, s.draft.Snapshot(s.now())); err != nil {
			s.logger.Error("snapshot save failed", "error", err)
		}
		cancel()
	}

	ce := core.AsError(s.err)
	s.logger.Error("session failed", "reason", reason, "kind", string(kind), "error", cause)
	s.setPhase(PhaseError, UIEvent{Error: &UIError{Code: reason, Message: ce.Error(), Retryable: ce.IsRetryable()}})
	s.observer.SessionFinished(PhaseError, reason)
}

func timerC(t *time.Timer, active bool) <-chan time.Time {
	if !active || t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t *time.Timer, active *bool) {
	if t == nil {
		return
	}
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	*active = false
}

func resetTimer(t **time.Timer, active *bool, d time.Duration) {
	if d < 0 {
		return
	}
	if *t == nil {
		*t = time.NewTimer(d)
		*active = true
		return
	}
	stopTimer(*t, active)
	(*t).Reset(d)
	*active = true
}
