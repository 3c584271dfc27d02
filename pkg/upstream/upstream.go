// Package upstream defines the boundary between a relay session and the
// remote conversational endpoint it bridges to.
//
// A Connector opens one duplex connection per session, performs the
// provider-specific setup handshake and returns a Connection exposing typed
// send primitives and a demultiplexed event stream. The relay core depends
// only on this package; provider wire formats live in subpackages.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
)

// Sentinel errors returned by Connector.Connect. The relay maps each to a
// structured error frame before closing the client connection.
var (
	// ErrAuthMissing is returned before any dial attempt when no credential
	// is configured for the remote endpoint.
	ErrAuthMissing = errors.New("upstream: credential missing")

	// ErrConnectFailed wraps a failure to open the duplex connection.
	ErrConnectFailed = errors.New("upstream: connect failed")

	// ErrSetupTimeout is returned when the setup acknowledgement does not
	// arrive within the configured deadline.
	ErrSetupTimeout = errors.New("upstream: setup acknowledgement timed out")

	// ErrClosed is returned by send primitives after Close.
	ErrClosed = errors.New("upstream: connection closed")
)

// ToolDeclaration describes one callable tool advertised in the setup
// handshake. Names are unique within a session.
type ToolDeclaration struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters"`
}

// SessionConfig holds the negotiated parameters for one session. It is
// immutable once the session starts; the relay builds it by merging a client
// override field-by-field over process defaults.
type SessionConfig struct {
	Model              string
	Voice              string
	SystemPrompt       string
	Tools              []ToolDeclaration
	ResponseModalities []string
}

// Merge returns a copy of defaults with every non-zero field of override
// applied on top.
func (c SessionConfig) Merge(override SessionConfig) SessionConfig {
	out := c
	if override.Model != "" {
		out.Model = override.Model
	}
	if override.Voice != "" {
		out.Voice = override.Voice
	}
	if override.SystemPrompt != "" {
		out.SystemPrompt = override.SystemPrompt
	}
	if len(override.Tools) > 0 {
		out.Tools = override.Tools
	}
	if len(override.ResponseModalities) > 0 {
		out.ResponseModalities = override.ResponseModalities
	}
	return out
}

// FunctionCall is one tool invocation requested by the model. ID is an
// opaque correlation token echoed back in the matching FunctionResponse.
type FunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// FunctionResponse is the correlated result of a FunctionCall.
type FunctionResponse struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Response any    `json:"response"`
}

// MediaChunk is a small unit of inline media (audio or image) forwarded
// during an active turn. Data is raw bytes; encoding to the provider's wire
// representation is the Connection's concern.
type MediaChunk struct {
	MIMEType string
	Data     []byte
}

// Event is one demultiplexed message from the remote endpoint. Exactly one
// concrete type is returned per Receive call:
//
//	AudioChunk, Text, TurnComplete, Interrupted, ToolCall
type Event interface {
	isEvent()
}

// AudioChunk carries one decoded chunk of synthesized model audio.
type AudioChunk struct {
	Data     []byte
	MIMEType string
}

// Text carries one model-turn text part.
type Text struct {
	Content string
}

// TurnComplete signals the end of a model turn.
type TurnComplete struct{}

// Interrupted signals barge-in: the model stopped speaking because new user
// input arrived. Receivers must discard queued unplayed audio.
type Interrupted struct{}

// ToolCall carries the function calls of one tool-call envelope.
type ToolCall struct {
	Calls []FunctionCall
}

func (AudioChunk) isEvent()   {}
func (Text) isEvent()         {}
func (TurnComplete) isEvent() {}
func (Interrupted) isEvent()  {}
func (ToolCall) isEvent()     {}

// Connection is an open, setup-acknowledged session with the remote
// endpoint. Implementations must make Close idempotent and safe to call
// concurrently with Receive and the send primitives.
type Connection interface {
	// Receive blocks until the next event arrives. It returns an error when
	// the connection terminates; a clean peer close is reported as an error
	// wrapping net.ErrClosed or io.EOF depending on the transport.
	Receive(ctx context.Context) (Event, error)

	// SendAudio forwards one realtime audio chunk with the given MIME type,
	// e.g. "audio/pcm;rate=16000".
	SendAudio(ctx context.Context, data []byte, mimeType string) error

	// SendMedia forwards arbitrary realtime media chunks (images, declared
	// audio formats) in one envelope.
	SendMedia(ctx context.Context, chunks []MediaChunk) error

	// SendToolResponse sends correlated tool results.
	SendToolResponse(ctx context.Context, responses []FunctionResponse) error

	// SendRaw writes a pre-encoded provider message verbatim. Used for
	// client-produced tool responses and unknown frame passthrough.
	SendRaw(ctx context.Context, payload json.RawMessage) error

	Close() error
}

// Connector opens sessions against one remote endpoint.
type Connector interface {
	Connect(ctx context.Context, cfg SessionConfig) (Connection, error)
}
