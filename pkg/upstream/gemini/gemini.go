// Package gemini implements the upstream.Connector interface for Google's
// Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Audio travels as base64-encoded PCM chunks; tool calls surface
// as upstream.ToolCall events from Receive.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/inspexhq/inspex/pkg/upstream"
)

// Compile-time assertions that Connector and Conn satisfy the upstream interfaces.
var _ upstream.Connector = (*Connector)(nil)
var _ upstream.Connection = (*Conn)(nil)

const (
	defaultBaseURL      = "wss://generativelanguage.googleapis.com/ws"
	defaultSetupTimeout = 15 * time.Second

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Connector.
type Option func(*Connector)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Connector) { c.baseURL = url }
}

// WithSetupTimeout overrides the bounded wait for the setup acknowledgement.
func WithSetupTimeout(d time.Duration) Option {
	return func(c *Connector) {
		if d > 0 {
			c.setupTimeout = d
		}
	}
}

// WithLogger sets the logger used for connection lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(c *Connector) {
		if l != nil {
			c.log = l
		}
	}
}

// ── Connector ──────────────────────────────────────────────────────────────────

// Connector opens Gemini Live sessions. A zero API key makes every Connect
// fail fast with upstream.ErrAuthMissing before any dial attempt.
type Connector struct {
	apiKey       string
	baseURL      string
	setupTimeout time.Duration
	log          *slog.Logger
}

// New creates a Gemini Live Connector with the given API key and options.
func New(apiKey string, opts ...Option) *Connector {
	c := &Connector{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		setupTimeout: defaultSetupTimeout,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect dials the Gemini Live endpoint, sends the setup message derived
// from cfg and waits for the setup acknowledgement. The returned Conn is
// ready to relay media immediately.
//
// Errors wrap upstream.ErrAuthMissing, upstream.ErrConnectFailed or
// upstream.ErrSetupTimeout so callers can map them to client-facing frames.
func (c *Connector) Connect(ctx context.Context, cfg upstream.SessionConfig) (upstream.Connection, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("gemini: %w", upstream.ErrAuthMissing)
	}

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		c.baseURL, c.apiKey,
	)

	wsConn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w: %w", upstream.ErrConnectFailed, err)
	}
	wsConn.SetReadLimit(16 << 20) // model audio frames can be large

	connCtx, cancel := context.WithCancel(context.Background())
	conn := &Conn{
		conn:   wsConn,
		ctx:    connCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    c.log,
	}

	if err := conn.sendSetup(cfg); err != nil {
		conn.teardown(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w: %w", upstream.ErrConnectFailed, err)
	}

	if err := conn.awaitSetupComplete(ctx, c.setupTimeout); err != nil {
		conn.teardown(websocket.StatusPolicyViolation, "setup not acknowledged")
		return nil, err
	}

	go conn.keepaliveLoop()
	c.log.Debug("gemini session established", "model", cfg.Model, "voice", cfg.Voice)
	return conn, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
	Tools             []geminiTool       `json:"tools,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []upstream.FunctionResponse `json:"functionResponses"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete        *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent        *serverContent   `json:"serverContent,omitempty"`
	ToolCall             *toolCallMsg     `json:"toolCall,omitempty"`
	ToolCallCancellation *json.RawMessage `json:"toolCallCancellation,omitempty"`
	Error                *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type toolCallMsg struct {
	FunctionCalls []upstream.FunctionCall `json:"functionCalls"`
}

// ── Conn ───────────────────────────────────────────────────────────────────────

// Conn is one open, setup-acknowledged Gemini Live connection.
type Conn struct {
	conn *websocket.Conn
	log  *slog.Logger

	// pending holds events demultiplexed from a frame that carried more than
	// one, drained by subsequent Receive calls before the next read.
	pending []upstream.Event

	mu     sync.Mutex
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (c *Conn) sendSetup(cfg upstream.SessionConfig) error {
	modalities := cfg.ResponseModalities
	if len(modalities) == 0 {
		modalities = []string{"AUDIO"}
	}

	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", cfg.Model),
			GenerationConfig: generationConfig{
				ResponseModalities: modalities,
			},
		},
	}

	if cfg.SystemPrompt != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.SystemPrompt}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	return c.writeJSON(c.ctx, msg)
}

// awaitSetupComplete reads frames until the setup acknowledgement arrives or
// the deadline elapses. Non-acknowledgement frames received during the wait
// are queued as pending events rather than discarded.
func (c *Conn) awaitSetupComplete(ctx context.Context, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		_, data, err := c.conn.Read(waitCtx)
		if err != nil {
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return fmt.Errorf("gemini: %w", upstream.ErrSetupTimeout)
			}
			return fmt.Errorf("gemini: awaiting setup ack: %w: %w", upstream.ErrConnectFailed, err)
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.SetupComplete != nil {
			return nil
		}
		c.pending = append(c.pending, demux(&msg)...)
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *Conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Receive returns the next demultiplexed event. Frames that carry several
// parts (audio and text in one model turn) yield one event per part, in wire
// order.
func (c *Conn) Receive(ctx context.Context) (upstream.Event, error) {
	for {
		if len(c.pending) > 0 {
			ev := c.pending[0]
			c.pending = c.pending[1:]
			return ev, nil
		}

		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return nil, upstream.ErrClosed
			}
			return nil, fmt.Errorf("gemini: read: %w", err)
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}
		if msg.Error != nil {
			return nil, fmt.Errorf("gemini: server error %d: %s", msg.Error.Code, msg.Error.Message)
		}
		c.pending = append(c.pending, demux(&msg)...)
	}
}

// demux flattens one server message into zero or more events in wire order.
func demux(msg *serverMessage) []upstream.Event {
	var events []upstream.Event

	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData != nil {
					audio, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
					if err != nil || len(audio) == 0 {
						continue
					}
					events = append(events, upstream.AudioChunk{Data: audio, MIMEType: p.InlineData.MIMEType})
				}
				if p.Text != "" {
					events = append(events, upstream.Text{Content: p.Text})
				}
			}
		}
		if sc.Interrupted {
			events = append(events, upstream.Interrupted{})
		}
		if sc.TurnComplete {
			events = append(events, upstream.TurnComplete{})
		}
	}

	if msg.ToolCall != nil && len(msg.ToolCall.FunctionCalls) > 0 {
		events = append(events, upstream.ToolCall{Calls: msg.ToolCall.FunctionCalls})
	}

	return events
}

// SendAudio delivers one raw audio chunk to the model as a realtime media
// chunk with the given MIME type, e.g. "audio/pcm;rate=16000".
func (c *Conn) SendAudio(ctx context.Context, data []byte, mimeType string) error {
	return c.SendMedia(ctx, []upstream.MediaChunk{{MIMEType: mimeType, Data: data}})
}

// SendMedia forwards media chunks in one realtimeInput envelope.
func (c *Conn) SendMedia(ctx context.Context, chunks []upstream.MediaChunk) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	wire := make([]mediaChunk, len(chunks))
	for i, ch := range chunks {
		wire[i] = mediaChunk{
			MIMEType: ch.MIMEType,
			Data:     base64.StdEncoding.EncodeToString(ch.Data),
		}
	}
	return c.writeJSON(ctx, realtimeInputMessage{
		RealtimeInput: realtimeInput{MediaChunks: wire},
	})
}

// SendToolResponse sends correlated tool results in one toolResponse envelope.
func (c *Conn) SendToolResponse(ctx context.Context, responses []upstream.FunctionResponse) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.writeJSON(ctx, toolResponseMessage{
		ToolResponse: toolResponse{FunctionResponses: responses},
	})
}

// SendRaw writes a pre-encoded message verbatim.
func (c *Conn) SendRaw(ctx context.Context, payload json.RawMessage) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if !json.Valid(payload) {
		return errors.New("gemini: raw payload is not valid JSON")
	}
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

func (c *Conn) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return upstream.ErrClosed
	}
	return nil
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *Conn) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (c *Conn) teardown(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.cancel()
		close(c.done)
		c.conn.Close(code, reason)
	})
}

// Close terminates the connection and releases all resources. Idempotent.
func (c *Conn) Close() error {
	c.teardown(websocket.StatusNormalClosure, "session closed")
	return nil
}
