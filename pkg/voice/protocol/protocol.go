package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ProtocolVersion1 = "1"

	// Subprotocol is offered during WebSocket negotiation.
	Subprotocol = "vai-order.v1"
)

// Client to remote message types.
const (
	TypeSessionCreate        = "session.create"
	TypeAudioAppend          = "audio.append"
	TypeAudioCommit          = "audio.commit"
	TypeFunctionCallResponse = "function_call.response"
	TypeSessionEnd           = "session.end"
)

// Remote to client message types.
const (
	TypeSessionCreated     = "session.created"
	TypeSessionReady       = "session.ready"
	TypeAudioCommitted     = "audio.committed"
	TypeTranscriptDelta    = "transcript.delta"
	TypeTranscriptComplete = "transcript.complete"
	TypeFunctionCall       = "function_call"
	TypeResponseTextDelta  = "response.text.delta"
	TypeResponseAudioDelta = "response.audio.delta"
	TypeResponseComplete   = "response.complete"
	TypeError              = "error"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// AudioFormat describes the PCM shape of captured and synthesized audio.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// ClientMessage is any message this subsystem sends to the remote service.
type ClientMessage interface {
	ClientType() string
}

// ServerMessage is any message the remote service sends to this subsystem.
type ServerMessage interface {
	ServerType() string
}

type SessionCreate struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	SessionID       string            `json:"session_id"`
	AudioIn         AudioFormat       `json:"audio_in"`
	AudioOut        AudioFormat       `json:"audio_out"`
	Instructions    string            `json:"instructions,omitempty"`
	Tools           []ToolDeclaration `json:"tools,omitempty"`
}

type AudioAppend struct {
	Type      string `json:"type"`
	SegmentID string `json:"segment_id"`
	Seq       int64  `json:"seq"`
	Audio     []byte `json:"audio"`
}

type AudioCommit struct {
	Type      string `json:"type"`
	SegmentID string `json:"segment_id"`
	Frames    int    `json:"frames"`
}

type FunctionCallError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Param     string `json:"param,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

type FunctionCallResponse struct {
	Type   string             `json:"type"`
	CallID string             `json:"call_id"`
	Name   string             `json:"name,omitempty"`
	Result json.RawMessage    `json:"result,omitempty"`
	Error  *FunctionCallError `json:"error,omitempty"`
}

type SessionEnd struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

func (SessionCreate) ClientType() string        { return TypeSessionCreate }
func (AudioAppend) ClientType() string          { return TypeAudioAppend }
func (AudioCommit) ClientType() string          { return TypeAudioCommit }
func (FunctionCallResponse) ClientType() string { return TypeFunctionCallResponse }
func (SessionEnd) ClientType() string           { return TypeSessionEnd }

type SessionCreated struct {
	Type            string `json:"type"`
	SessionID       string `json:"session_id"`
	RemoteSessionID string `json:"remote_session_id,omitempty"`
}

type SessionReady struct {
	Type string `json:"type"`
}

type AudioCommitted struct {
	Type      string `json:"type"`
	SegmentID string `json:"segment_id"`
}

type TranscriptDelta struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`
	Text string `json:"text"`
}

type TranscriptComplete struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`
	Text string `json:"text"`
}

type FunctionCall struct {
	Type      string          `json:"type"`
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ResponseTextDelta struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`
	Text string `json:"text"`
}

type ResponseAudioDelta struct {
	Type  string `json:"type"`
	Seq   int64  `json:"seq"`
	Audio []byte `json:"audio"`
}

type ResponseComplete struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

func (SessionCreated) ServerType() string     { return TypeSessionCreated }
func (SessionReady) ServerType() string       { return TypeSessionReady }
func (AudioCommitted) ServerType() string     { return TypeAudioCommitted }
func (TranscriptDelta) ServerType() string    { return TypeTranscriptDelta }
func (TranscriptComplete) ServerType() string { return TypeTranscriptComplete }
func (FunctionCall) ServerType() string       { return TypeFunctionCall }
func (ResponseTextDelta) ServerType() string  { return TypeResponseTextDelta }
func (ResponseAudioDelta) ServerType() string { return TypeResponseAudioDelta }
func (ResponseComplete) ServerType() string   { return TypeResponseComplete }
func (ServerError) ServerType() string        { return TypeError }

// EncodeClient marshals msg, stamping its type field.
func EncodeClient(msg ClientMessage) ([]byte, error) {
	switch m := msg.(type) {
	case SessionCreate:
		m.Type = TypeSessionCreate
		if m.ProtocolVersion == "" {
			m.ProtocolVersion = ProtocolVersion1
		}
		return json.Marshal(m)
	case AudioAppend:
		m.Type = TypeAudioAppend
		return json.Marshal(m)
	case AudioCommit:
		m.Type = TypeAudioCommit
		return json.Marshal(m)
	case FunctionCallResponse:
		m.Type = TypeFunctionCallResponse
		return json.Marshal(m)
	case SessionEnd:
		m.Type = TypeSessionEnd
		return json.Marshal(m)
	default:
		return nil, fmt.Errorf("protocol: unsupported client message %T", msg)
	}
}

// EncodeServer marshals msg, stamping its type field.
func EncodeServer(msg ServerMessage) ([]byte, error) {
	switch m := msg.(type) {
	case SessionCreated:
		m.Type = TypeSessionCreated
		return json.Marshal(m)
	case SessionReady:
		m.Type = TypeSessionReady
		return json.Marshal(m)
	case AudioCommitted:
		m.Type = TypeAudioCommitted
		return json.Marshal(m)
	case TranscriptDelta:
		m.Type = TypeTranscriptDelta
		return json.Marshal(m)
	case TranscriptComplete:
		m.Type = TypeTranscriptComplete
		return json.Marshal(m)
	case FunctionCall:
		m.Type = TypeFunctionCall
		return json.Marshal(m)
	case ResponseTextDelta:
		m.Type = TypeResponseTextDelta
		return json.Marshal(m)
	case ResponseAudioDelta:
		m.Type = TypeResponseAudioDelta
		return json.Marshal(m)
	case ResponseComplete:
		m.Type = TypeResponseComplete
		return json.Marshal(m)
	case ServerError:
		m.Type = TypeError
		return json.Marshal(m)
	default:
		return nil, fmt.Errorf("protocol: unsupported server message %T", msg)
	}
}

func envelopeType(data []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return "", badRequest("missing type", "type")
	}
	return typ, nil
}

// DecodeServerMessage decodes one remote frame. The message set is closed: an
// unrecognized type is an error, never skipped.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	typ, err := envelopeType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeSessionCreated:
		var msg SessionCreated
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session.created", "")
		}
		return msg, nil
	case TypeSessionReady:
		var msg SessionReady
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session.ready", "")
		}
		return msg, nil
	case TypeAudioCommitted:
		var msg AudioCommitted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio.committed", "")
		}
		if strings.TrimSpace(msg.SegmentID) == "" {
			return nil, badRequest("audio.committed.segment_id is required", "segment_id")
		}
		return msg, nil
	case TypeTranscriptDelta:
		var msg TranscriptDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid transcript.delta", "")
		}
		if msg.Seq < 0 {
			return nil, badRequest("transcript.delta.seq must be >= 0", "seq")
		}
		return msg, nil
	case TypeTranscriptComplete:
		var msg TranscriptComplete
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid transcript.complete", "")
		}
		if msg.Seq < 0 {
			return nil, badRequest("transcript.complete.seq must be >= 0", "seq")
		}
		return msg, nil
	case TypeFunctionCall:
		var msg FunctionCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid function_call", "")
		}
		if strings.TrimSpace(msg.CallID) == "" {
			return nil, badRequest("function_call.call_id is required", "call_id")
		}
		if strings.TrimSpace(msg.Name) == "" {
			return nil, badRequest("function_call.name is required", "name")
		}
		return msg, nil
	case TypeResponseTextDelta:
		var msg ResponseTextDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid response.text.delta", "")
		}
		return msg, nil
	case TypeResponseAudioDelta:
		var msg ResponseAudioDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid response.audio.delta", "")
		}
		return msg, nil
	case TypeResponseComplete:
		var msg ResponseComplete
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid response.complete", "")
		}
		return msg, nil
	case TypeError:
		var msg ServerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid error frame", "")
		}
		if strings.TrimSpace(msg.Code) == "" {
			return nil, badRequest("error.code is required", "code")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported message type "+typ, "type")
	}
}

// DecodeClientMessage decodes one client frame. It is used by remote-side
// implementations and test servers.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	typ, err := envelopeType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeSessionCreate:
		var msg SessionCreate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session.create", "")
		}
		if strings.TrimSpace(msg.ProtocolVersion) == "" {
			return nil, badRequest("session.create.protocol_version is required", "protocol_version")
		}
		if msg.ProtocolVersion != ProtocolVersion1 {
			return nil, unsupported("unsupported protocol version", "protocol_version")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badRequest("session.create.session_id is required", "session_id")
		}
		return msg, nil
	case TypeAudioAppend:
		var msg AudioAppend
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio.append", "")
		}
		if strings.TrimSpace(msg.SegmentID) == "" {
			return nil, badRequest("audio.append.segment_id is required", "segment_id")
		}
		return msg, nil
	case TypeAudioCommit:
		var msg AudioCommit
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio.commit", "")
		}
		if strings.TrimSpace(msg.SegmentID) == "" {
			return nil, badRequest("audio.commit.segment_id is required", "segment_id")
		}
		return msg, nil
	case TypeFunctionCallResponse:
		var msg FunctionCallResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid function_call.response", "")
		}
		if strings.TrimSpace(msg.CallID) == "" {
			return nil, badRequest("function_call.response.call_id is required", "call_id")
		}
		if (len(msg.Result) == 0) == (msg.Error == nil) {
			return nil, badRequest("function_call.response must carry exactly one of result or error", "result")
		}
		return msg, nil
	case TypeSessionEnd:
		var msg SessionEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session.end", "")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported message type "+typ, "type")
	}
}
