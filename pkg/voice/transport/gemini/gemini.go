// Package gemini adapts the Gemini Live API to the remote conversational
// protocol. The ephemeral credential is used as the API key, which is how
// Live accepts short-lived tokens.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/voice/credential"
	"github.com/vango-go/vai-order/pkg/voice/protocol"
	"github.com/vango-go/vai-order/pkg/voice/transport"
)

const (
	DefaultModel      = "gemini-live-2.5-flash-preview"
	defaultSampleRate = 24000
)

// liveSession is the part of *genai.Session the handle drives.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendToolResponse(input genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connectFunc func(ctx context.Context, apiKey string, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

// Negotiator opens one Live session per Open. The Live setup message carries
// the instructions and the order tools, so both are fixed per negotiator.
type Negotiator struct {
	Model        string
	Instructions string
	SampleRateHz int
	Tools        []protocol.ToolDeclaration
	Logger       *slog.Logger

	connect connectFunc
}

var _ transport.Negotiator = (*Negotiator)(nil)

// credentialRejected reports whether err is the server refusing the key: a
// typed API error with an auth status, or Live closing the socket with a
// policy violation.
func credentialRejected(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return authStatus(apiErr.Code, apiErr.Status)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return authStatus(apiErrPtr.Code, apiErrPtr.Status)
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.ClosePolicyViolation
	}
	return false
}

func authStatus(code int, status string) bool {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	switch status {
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		return true
	}
	return false
}

func connectLive(ctx context.Context, apiKey string, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1alpha"},
	})
	if err != nil {
		return nil, err
	}
	session, err := client.Live.Connect(ctx, model, cfg)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (n *Negotiator) liveConfig() (*genai.LiveConnectConfig, error) {
	tools := n.Tools
	if tools == nil {
		tools = protocol.ToolDeclarations()
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if err := json.Unmarshal(t.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("gemini: tool %s schema: %w", t.Name, err)
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: schema,
		})
	}
	cfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		Tools:                    []*genai.Tool{{FunctionDeclarations: decls}},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
		RealtimeInputConfig: &genai.RealtimeInputConfig{
			AutomaticActivityDetection: &genai.AutomaticActivityDetection{Disabled: true},
		},
	}
	if strings.TrimSpace(n.Instructions) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(n.Instructions, genai.RoleUser)
	}
	return cfg, nil
}

// Open connects and sends the Live setup. setupComplete is surfaced as
// session.created + session.ready once session.create has been sent.
func (n *Negotiator) Open(ctx context.Context, cred credential.Credential) (transport.Handle, error) {
	if cred.IsZero() {
		return nil, core.New(core.KindAuthRejected, "missing credential")
	}
	cfg, err := n.liveConfig()
	if err != nil {
		return nil, core.Wrap(core.KindNegotiationFailed, "build live config", err)
	}
	model := n.Model
	if model == "" {
		model = DefaultModel
	}
	connect := n.connect
	if connect == nil {
		connect = connectLive
	}
	live, err := connect(ctx, cred.Token, model, cfg)
	if err != nil {
		if credentialRejected(err) {
			return nil, core.Wrap(core.KindAuthRejected, "live connect rejected credential", err)
		}
		return nil, transport.ClassifyDialError(err)
	}

	rate := n.SampleRateHz
	if rate <= 0 {
		rate = defaultSampleRate
	}
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handle{
		live:     live,
		logger:   logger,
		mimeType: fmt.Sprintf("audio/pcm;rate=%d", rate),
		incoming: make(chan protocol.ServerMessage, 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		// No user turn is open until the first commit.
		inputClosed: true,
	}
	go h.receiveLoop()
	return h, nil
}

type handle struct {
	live     liveSession
	logger   *slog.Logger
	mimeType string

	incoming chan protocol.ServerMessage
	stop     chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	// orderMu serializes pushes onto incoming so synthesized acks and
	// translated remote messages keep their relative order.
	orderMu sync.Mutex

	mu            sync.Mutex
	err           error
	closed        bool
	createSent    bool
	setupDone     bool
	announced     bool
	sessionID     string
	activeSegment string
	// transcript state for the current user turn
	inputSeq    int64
	inputText   strings.Builder
	inputClosed bool
	responseSeq int64
}

func (h *handle) Incoming() <-chan protocol.ServerMessage { return h.incoming }

func (h *handle) Done() <-chan struct{} { return h.done }

func (h *handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		close(h.stop)
		_ = h.live.Close()
	})
	return nil
}

func (h *handle) Send(ctx context.Context, msg protocol.ClientMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return core.New(core.KindSessionClosed, "transport closed")
	}
	h.mu.Unlock()

	switch m := msg.(type) {
	case protocol.SessionCreate:
		h.orderMu.Lock()
		defer h.orderMu.Unlock()
		h.mu.Lock()
		h.createSent = true
		h.sessionID = m.SessionID
		h.mu.Unlock()
		h.announceIfReady()
		return nil
	case protocol.AudioAppend:
		if err := h.startActivity(m.SegmentID); err != nil {
			return err
		}
		return h.wrapSend(h.live.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{MIMEType: h.mimeType, Data: m.Audio},
		}))
	case protocol.AudioCommit:
		if err := h.startActivity(m.SegmentID); err != nil {
			return err
		}
		h.orderMu.Lock()
		defer h.orderMu.Unlock()
		if err := h.wrapSend(h.live.SendRealtimeInput(genai.LiveRealtimeInput{ActivityEnd: &genai.ActivityEnd{}})); err != nil {
			return err
		}
		h.mu.Lock()
		h.activeSegment = ""
		h.inputSeq = 0
		h.inputText.Reset()
		h.inputClosed = false
		h.responseSeq = 0
		h.mu.Unlock()
		// Live has no explicit commit ack; accepted activity end is the ack.
		h.emitLocal(protocol.AudioCommitted{Type: protocol.TypeAudioCommitted, SegmentID: m.SegmentID})
		return nil
	case protocol.FunctionCallResponse:
		resp := &genai.FunctionResponse{ID: m.CallID, Name: m.Name}
		if m.Error != nil {
			resp.Response = map[string]any{"error": map[string]any{
				"code":      m.Error.Code,
				"message":   m.Error.Message,
				"param":     m.Error.Param,
				"retryable": m.Error.Retryable,
			}}
		} else {
			var out any
			if len(m.Result) > 0 {
				if err := json.Unmarshal(m.Result, &out); err != nil {
					return fmt.Errorf("gemini: decode function result: %w", err)
				}
			}
			resp.Response = map[string]any{"output": out}
		}
		return h.wrapSend(h.live.SendToolResponse(genai.LiveToolResponseInput{
			FunctionResponses: []*genai.FunctionResponse{resp},
		}))
	case protocol.SessionEnd:
		return nil
	default:
		return fmt.Errorf("gemini: unsupported client message %T", msg)
	}
}

func (h *handle) startActivity(segmentID string) error {
	h.mu.Lock()
	if h.activeSegment == segmentID {
		h.mu.Unlock()
		return nil
	}
	h.activeSegment = segmentID
	h.mu.Unlock()
	return h.wrapSend(h.live.SendRealtimeInput(genai.LiveRealtimeInput{ActivityStart: &genai.ActivityStart{}}))
}

func (h *handle) wrapSend(err error) error {
	if err == nil {
		return nil
	}
	return core.Wrap(core.KindTransportLost, "live send failed", err)
}

func (h *handle) announceIfReady() {
	h.mu.Lock()
	ready := h.createSent && h.setupDone && !h.announced
	if ready {
		h.announced = true
	}
	sessionID := h.sessionID
	h.mu.Unlock()
	if !ready {
		return
	}
	h.emitLocal(protocol.SessionCreated{Type: protocol.TypeSessionCreated, SessionID: sessionID})
	h.emitLocal(protocol.SessionReady{Type: protocol.TypeSessionReady})
}

// emitLocal pushes a synthesized message. Callers hold orderMu.
func (h *handle) emitLocal(msg protocol.ServerMessage) {
	select {
	case h.incoming <- msg:
	case <-h.stop:
	case <-h.done:
	}
}

func (h *handle) receiveLoop() {
	defer close(h.done)
	for {
		msg, err := h.live.Receive()
		if err != nil {
			h.mu.Lock()
			if !h.closed && h.err == nil {
				h.err = core.Wrap(core.KindTransportLost, "live receive failed", err)
			}
			h.mu.Unlock()
			return
		}
		if !h.deliver(msg) {
			return
		}
	}
}

func (h *handle) deliver(msg *genai.LiveServerMessage) bool {
	h.orderMu.Lock()
	defer h.orderMu.Unlock()
	for _, out := range h.translate(msg) {
		select {
		case h.incoming <- out:
		case <-h.stop:
			return false
		}
	}
	if msg != nil && msg.SetupComplete != nil {
		h.mu.Lock()
		h.setupDone = true
		h.mu.Unlock()
		h.announceIfReady()
	}
	return true
}

func (h *handle) translate(msg *genai.LiveServerMessage) []protocol.ServerMessage {
	var out []protocol.ServerMessage
	if msg == nil {
		return nil
	}
	if msg.GoAway != nil {
		h.logger.Info("live session go_away received")
		out = append(out, protocol.ServerError{Type: protocol.TypeError, Code: "go_away", Message: "remote is draining this session"})
	}
	if sc := msg.ServerContent; sc != nil {
		if tr := sc.InputTranscription; tr != nil && tr.Text != "" {
			out = append(out, h.inputDelta(tr.Text)...)
			if tr.Finished {
				out = append(out, h.closeInput()...)
			}
		}
		if sc.ModelTurn != nil {
			out = append(out, h.closeInput()...)
			for _, part := range sc.ModelTurn.Parts {
				if part == nil {
					continue
				}
				if part.InlineData != nil && len(part.InlineData.Data) > 0 {
					out = append(out, protocol.ResponseAudioDelta{Type: protocol.TypeResponseAudioDelta, Seq: h.nextResponseSeq(), Audio: part.InlineData.Data})
				}
				if part.Text != "" && !part.Thought {
					out = append(out, protocol.ResponseTextDelta{Type: protocol.TypeResponseTextDelta, Seq: h.nextResponseSeq(), Text: part.Text})
				}
			}
		}
		if tr := sc.OutputTranscription; tr != nil && tr.Text != "" {
			out = append(out, h.closeInput()...)
			out = append(out, protocol.ResponseTextDelta{Type: protocol.TypeResponseTextDelta, Seq: h.nextResponseSeq(), Text: tr.Text})
		}
		if sc.TurnComplete {
			out = append(out, h.closeInput()...)
			out = append(out, protocol.ResponseComplete{Type: protocol.TypeResponseComplete})
		}
	}
	if tc := msg.ToolCall; tc != nil {
		out = append(out, h.closeInput()...)
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			args, err := json.Marshal(fc.Args)
			if err != nil || fc.Args == nil {
				args = json.RawMessage(`{}`)
			}
			out = append(out, protocol.FunctionCall{Type: protocol.TypeFunctionCall, CallID: fc.ID, Name: fc.Name, Arguments: args})
		}
	}
	return out
}

func (h *handle) inputDelta(text string) []protocol.ServerMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inputClosed {
		return nil
	}
	h.inputSeq++
	h.inputText.WriteString(text)
	return []protocol.ServerMessage{protocol.TranscriptDelta{Type: protocol.TypeTranscriptDelta, Seq: h.inputSeq, Text: text}}
}

// closeInput emits transcript.complete once per user turn, before any
// response content.
func (h *handle) closeInput() []protocol.ServerMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inputClosed {
		return nil
	}
	h.inputClosed = true
	h.inputSeq++
	return []protocol.ServerMessage{protocol.TranscriptComplete{Type: protocol.TypeTranscriptComplete, Seq: h.inputSeq, Text: strings.TrimSpace(h.inputText.String())}}
}

func (h *handle) nextResponseSeq() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responseSeq++
	return h.responseSeq
}
