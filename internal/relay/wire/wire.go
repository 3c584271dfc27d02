// Package wire defines the client-facing frame protocol of the live relay.
//
// Every inbound text frame is decoded exactly once at the connection boundary
// into a closed set of message variants; the relay session switches on the
// concrete type instead of sniffing JSON keys. Raw binary frames carry PCM
// audio and bypass this package entirely.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/inspexhq/inspex/pkg/upstream"
)

// Decode error codes.
const (
	CodeInvalidJSON   = "invalid_json"
	CodeConfigInvalid = "config_invalid"
	CodeBadPayload    = "bad_payload"
)

// DecodeError describes a client frame that could not be decoded.
type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: %s: %s", e.Code, e.Message)
}

// ── Inbound messages ──────────────────────────────────────────────────────────

// ClientMessage is one decoded inbound frame. The concrete types are:
//
//	Config, Audio, Image, ToolResponse, EndSession,
//	Ping, HealthQuery, Subscribe, Echo, Unknown
type ClientMessage interface {
	isClientMessage()
}

// Config is the optional session override sent before the session starts.
// Zero-valued fields fall back to process defaults field by field.
type Config struct {
	Model              string
	Voice              string
	SystemPrompt       string
	Tools              []upstream.ToolDeclaration
	ResponseModalities []string
}

// Audio is a base64 JSON audio frame with a declared MIME type.
type Audio struct {
	Data     []byte
	MIMEType string
}

// Image is an inline captured photo.
type Image struct {
	Data     []byte
	MIMEType string
}

// ToolResponse carries a client-produced tool result, forwarded verbatim to
// the upstream tool-response envelope.
type ToolResponse struct {
	FunctionResponses json.RawMessage
}

// EndSession asks for a clean session teardown.
type EndSession struct{}

// Ping is a connection-level liveness probe, answered locally with a pong.
type Ping struct{}

// HealthQuery asks for the relay health report over the socket.
type HealthQuery struct{}

// Subscribe registers interest in a topic, acknowledged with a subscribed
// frame.
type Subscribe struct {
	Topic string
}

// Echo asks the relay to reflect the payload back, used by clients to
// measure round-trip latency.
type Echo struct {
	Payload json.RawMessage
}

// Unknown is any well-formed JSON frame with an unrecognized type. Unknown
// frames are forwarded upstream unchanged so newer clients keep working
// against older relays.
type Unknown struct {
	Raw json.RawMessage
}

func (Config) isClientMessage()       {}
func (Audio) isClientMessage()        {}
func (Image) isClientMessage()        {}
func (ToolResponse) isClientMessage() {}
func (EndSession) isClientMessage()   {}
func (Ping) isClientMessage()         {}
func (HealthQuery) isClientMessage()  {}
func (Subscribe) isClientMessage()    {}
func (Echo) isClientMessage()         {}
func (Unknown) isClientMessage()      {}

type clientEnvelope struct {
	Type               string                     `json:"type"`
	Model              string                     `json:"model"`
	Voice              string                     `json:"voice"`
	SystemPrompt       string                     `json:"system_prompt"`
	Tools              []upstream.ToolDeclaration `json:"tools"`
	ResponseModalities []string                   `json:"response_modalities"`
	Data               string                     `json:"data"`
	MIMEType           string                     `json:"mime_type"`
	FunctionResponses  json.RawMessage            `json:"function_responses"`
	Topic              string                     `json:"topic"`
	Payload            json.RawMessage            `json:"payload"`
}

// DecodeClientMessage decodes one inbound text frame. Unrecognized types
// decode to Unknown, never to an error; errors are reserved for frames that
// claim a known type but cannot be decoded as it.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Code: CodeInvalidJSON, Message: err.Error()}
	}

	switch env.Type {
	case "config":
		return Config{
			Model:              env.Model,
			Voice:              env.Voice,
			SystemPrompt:       env.SystemPrompt,
			Tools:              env.Tools,
			ResponseModalities: env.ResponseModalities,
		}, nil

	case "audio":
		payload, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			return nil, &DecodeError{Code: CodeBadPayload, Message: "audio: " + err.Error()}
		}
		mime := env.MIMEType
		if mime == "" {
			mime = "audio/pcm;rate=16000"
		}
		return Audio{Data: payload, MIMEType: mime}, nil

	case "image":
		payload, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			return nil, &DecodeError{Code: CodeBadPayload, Message: "image: " + err.Error()}
		}
		mime := env.MIMEType
		if mime == "" {
			mime = "image/jpeg"
		}
		return Image{Data: payload, MIMEType: mime}, nil

	case "tool_response":
		if len(env.FunctionResponses) == 0 {
			return nil, &DecodeError{Code: CodeBadPayload, Message: "tool_response: missing function_responses"}
		}
		return ToolResponse{FunctionResponses: env.FunctionResponses}, nil

	case "end_session":
		return EndSession{}, nil

	case "ping":
		return Ping{}, nil

	case "health":
		return HealthQuery{}, nil

	case "subscribe":
		return Subscribe{Topic: env.Topic}, nil

	case "echo":
		return Echo{Payload: env.Payload}, nil

	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Unknown{Raw: raw}, nil
	}
}

// DecodeConfig decodes a frame expected to be a config message. It returns
// (cfg, true, nil) for a config frame, (_, false, nil) when the frame is a
// different well-formed message, and a DecodeError with CodeConfigInvalid
// when the frame is unparseable.
func DecodeConfig(data []byte) (Config, bool, error) {
	msg, err := DecodeClientMessage(data)
	if err != nil {
		return Config{}, false, &DecodeError{Code: CodeConfigInvalid, Message: err.Error()}
	}
	cfg, ok := msg.(Config)
	return cfg, ok, nil
}

// ── Outbound frames ───────────────────────────────────────────────────────────

// marshal panics only on programmer error; every outbound frame below is a
// fixed shape of marshalable fields.
func marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("wire: marshal outbound frame: %v", err))
	}
	return data
}

// Connected is the greeting sent immediately after the socket is accepted.
func Connected() []byte {
	return marshal(map[string]any{"type": "connected"})
}

// SessionReady reports the negotiated model and voice once the upstream
// setup handshake is acknowledged.
func SessionReady(model, voice string) []byte {
	return marshal(map[string]any{"type": "session_ready", "model": model, "voice": voice})
}

// Pong answers a Ping.
func Pong() []byte {
	return marshal(map[string]any{"type": "pong"})
}

// Health answers a HealthQuery over the socket.
func Health(status, model, voice string) []byte {
	return marshal(map[string]any{"type": "health", "status": status, "model": model, "voice": voice})
}

// Subscribed acknowledges a Subscribe.
func Subscribed(topic string) []byte {
	return marshal(map[string]any{"type": "subscribed", "topic": topic})
}

// EchoReply reflects an Echo payload.
func EchoReply(payload json.RawMessage) []byte {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return marshal(map[string]any{"type": "echo", "payload": payload})
}

// Transcript carries one model text part.
func Transcript(text, role string) []byte {
	return marshal(map[string]any{"type": "transcript", "text": text, "role": role})
}

// ToolCallFrame notifies the client of in-flight tool invocations.
func ToolCallFrame(calls []upstream.FunctionCall) []byte {
	return marshal(map[string]any{"type": "tool_call", "function_calls": calls})
}

// TurnCompleteFrame signals the end of a model turn.
func TurnCompleteFrame() []byte {
	return marshal(map[string]any{"type": "turn_complete"})
}

// InterruptedFrame signals barge-in; the client must discard buffered
// unplayed audio.
func InterruptedFrame() []byte {
	return marshal(map[string]any{"type": "interrupted"})
}

// ErrorFrame is the single structured frame sent before closing on a fatal
// condition.
func ErrorFrame(code, message string) []byte {
	return marshal(map[string]any{"type": "error", "code": code, "message": message})
}

// AudioFallback is the JSON rendition of a downlink audio chunk, used when
// the binary write path fails.
func AudioFallback(data []byte, mimeType string) []byte {
	return marshal(map[string]any{
		"type":      "audio",
		"data":      base64.StdEncoding.EncodeToString(data),
		"mime_type": mimeType,
	})
}
