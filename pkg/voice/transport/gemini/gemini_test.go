package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/voice/credential"
	"github.com/vango-go/vai-order/pkg/voice/protocol"
	"github.com/vango-go/vai-order/pkg/voice/transport"
)

type fakeLive struct {
	recv chan *genai.LiveServerMessage
	fail chan error

	mu       sync.Mutex
	realtime []genai.LiveRealtimeInput
	tools    []genai.LiveToolResponseInput
	closed   bool
	closeCh  chan struct{}
	once     sync.Once
}

func newFakeLive() *fakeLive {
	return &fakeLive{
		recv:    make(chan *genai.LiveServerMessage, 16),
		fail:    make(chan error, 1),
		closeCh: make(chan struct{}),
	}
}

func (f *fakeLive) SendRealtimeInput(in genai.LiveRealtimeInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.realtime = append(f.realtime, in)
	return nil
}

func (f *fakeLive) SendToolResponse(in genai.LiveToolResponseInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = append(f.tools, in)
	return nil
}

func (f *fakeLive) Receive() (*genai.LiveServerMessage, error) {
	select {
	case msg := <-f.recv:
		return msg, nil
	case err := <-f.fail:
		return nil, err
	case <-f.closeCh:
		return nil, errors.New("use of closed network connection")
	}
}

func (f *fakeLive) Close() error {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.closeCh)
	})
	return nil
}

func openFake(t *testing.T) (transport.Handle, *fakeLive, *genai.LiveConnectConfig) {
	t.Helper()
	live := newFakeLive()
	var gotCfg *genai.LiveConnectConfig
	n := &Negotiator{
		Instructions: "You take food orders.",
		connect: func(ctx context.Context, apiKey, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
			if apiKey != "ek_live" {
				return nil, errors.New("rpc error: 403 permission denied")
			}
			gotCfg = cfg
			return live, nil
		},
	}
	h, err := n.Open(context.Background(), credential.Credential{Token: "ek_live"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h, live, gotCfg
}

func next(t *testing.T, h transport.Handle) protocol.ServerMessage {
	t.Helper()
	select {
	case msg := <-h.Incoming():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestOpen_ConfiguresToolsAndManualActivity(t *testing.T) {
	_, _, cfg := openFake(t)
	require.NotNil(t, cfg)
	require.Len(t, cfg.Tools, 1)
	assert.Len(t, cfg.Tools[0].FunctionDeclarations, 6)
	require.NotNil(t, cfg.RealtimeInputConfig)
	assert.True(t, cfg.RealtimeInputConfig.AutomaticActivityDetection.Disabled)
	assert.NotNil(t, cfg.SystemInstruction)
}

func TestOpen_RejectedKey(t *testing.T) {
	cases := map[string]error{
		"forbidden":        fmt.Errorf("connect: %w", genai.APIError{Code: 403, Message: "API key not valid"}),
		"unauthenticated":  &genai.APIError{Status: "UNAUTHENTICATED"},
		"policy violation": fmt.Errorf("receive: %w", &websocket.CloseError{Code: websocket.ClosePolicyViolation, Text: "API key expired"}),
	}
	for name, connErr := range cases {
		t.Run(name, func(t *testing.T) {
			n := &Negotiator{connect: func(ctx context.Context, apiKey, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
				return nil, connErr
			}}
			_, err := n.Open(context.Background(), credential.Credential{Token: "bad"})
			assert.True(t, core.IsKind(err, core.KindAuthRejected), "err=%v", err)
		})
	}
}

func TestOpen_UntypedErrorMentioningStatusIsNotAuth(t *testing.T) {
	n := &Negotiator{connect: func(ctx context.Context, apiKey, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
		return nil, errors.New("model gemini-401-preview not found: permission to retry later")
	}}
	_, err := n.Open(context.Background(), credential.Credential{Token: "ok"})
	assert.False(t, core.IsKind(err, core.KindAuthRejected), "err=%v", err)
	assert.True(t, core.IsKind(err, core.KindNegotiationFailed), "err=%v", err)

	n.connect = func(ctx context.Context, apiKey, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
		return nil, genai.APIError{Code: 404, Status: "NOT_FOUND"}
	}
	_, err = n.Open(context.Background(), credential.Credential{Token: "ok"})
	assert.True(t, core.IsKind(err, core.KindNegotiationFailed), "err=%v", err)
}

func TestHandshake_WaitsForCreateAndSetup(t *testing.T) {
	h, live, _ := openFake(t)

	live.recv <- &genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}
	select {
	case msg := <-h.Incoming():
		t.Fatalf("unexpected %T before session.create", msg)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, h.Send(context.Background(), protocol.SessionCreate{SessionID: "sess_1"}))
	created, ok := next(t, h).(protocol.SessionCreated)
	require.True(t, ok)
	assert.Equal(t, "sess_1", created.SessionID)
	_, ok = next(t, h).(protocol.SessionReady)
	assert.True(t, ok)
}

func TestTurn_MapsAudioTranscriptToolCallsAndCompletion(t *testing.T) {
	h, live, _ := openFake(t)
	ctx := context.Background()

	require.NoError(t, h.Send(ctx, protocol.AudioAppend{SegmentID: "seg_1", Seq: 1, Audio: []byte{1, 2}}))
	require.NoError(t, h.Send(ctx, protocol.AudioAppend{SegmentID: "seg_1", Seq: 2, Audio: []byte{3, 4}}))
	require.NoError(t, h.Send(ctx, protocol.AudioCommit{SegmentID: "seg_1", Frames: 2}))

	ack, ok := next(t, h).(protocol.AudioCommitted)
	require.True(t, ok)
	assert.Equal(t, "seg_1", ack.SegmentID)

	live.mu.Lock()
	require.Len(t, live.realtime, 4)
	assert.NotNil(t, live.realtime[0].ActivityStart)
	assert.Equal(t, []byte{1, 2}, live.realtime[1].Audio.Data)
	assert.Equal(t, "audio/pcm;rate=24000", live.realtime[1].Audio.MIMEType)
	assert.NotNil(t, live.realtime[3].ActivityEnd)
	live.mu.Unlock()

	live.recv <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{InputTranscription: &genai.Transcription{Text: "one burger"}}}
	delta, ok := next(t, h).(protocol.TranscriptDelta)
	require.True(t, ok)
	assert.Equal(t, "one burger", delta.Text)
	assert.Equal(t, int64(1), delta.Seq)

	live.recv <- &genai.LiveServerMessage{ToolCall: &genai.LiveServerToolCall{FunctionCalls: []*genai.FunctionCall{
		{ID: "fc_1", Name: "add_item", Args: map[string]any{"menu_item_id": "burger", "quantity": 1}},
	}}}
	complete, ok := next(t, h).(protocol.TranscriptComplete)
	require.True(t, ok)
	assert.Equal(t, "one burger", complete.Text)
	call, ok := next(t, h).(protocol.FunctionCall)
	require.True(t, ok)
	assert.Equal(t, "fc_1", call.CallID)
	var args map[string]any
	require.NoError(t, json.Unmarshal(call.Arguments, &args))
	assert.Equal(t, "burger", args["menu_item_id"])

	require.NoError(t, h.Send(ctx, protocol.FunctionCallResponse{CallID: "fc_1", Name: "add_item", Result: json.RawMessage(`{"line_ref":"line_1"}`)}))
	live.mu.Lock()
	require.Len(t, live.tools, 1)
	resp := live.tools[0].FunctionResponses[0]
	assert.Equal(t, "fc_1", resp.ID)
	assert.Equal(t, map[string]any{"line_ref": "line_1"}, resp.Response["output"])
	live.mu.Unlock()

	live.recv <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		ModelTurn:    &genai.Content{Parts: []*genai.Part{{InlineData: &genai.Blob{MIMEType: "audio/pcm", Data: []byte{9}}}}},
		TurnComplete: true,
	}}
	audio, ok := next(t, h).(protocol.ResponseAudioDelta)
	require.True(t, ok)
	assert.Equal(t, []byte{9}, audio.Audio)
	_, ok = next(t, h).(protocol.ResponseComplete)
	assert.True(t, ok)
}

func TestReceiveFailureReportsTransportLost(t *testing.T) {
	h, live, _ := openFake(t)
	live.fail <- errors.New("websocket: close 1011 (internal server error)")

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not terminate")
	}
	assert.True(t, core.IsKind(h.Err(), core.KindTransportLost))
}

func TestCloseIsCleanAndIdempotent(t *testing.T) {
	h, live, _ := openFake(t)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	<-h.Done()
	assert.NoError(t, h.Err())
	live.mu.Lock()
	assert.True(t, live.closed)
	live.mu.Unlock()
}
