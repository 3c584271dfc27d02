// Package relay bridges one field-client websocket to one upstream
// conversational connection.
//
// A Session owns the full lifecycle: the negotiation window for an optional
// config override, the upstream setup handshake, the concurrent uplink,
// downlink and writer loops, and concurrent tool dispatch behind an audio
// gate. Teardown is idempotent and runs on every exit path.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/inspexhq/inspex/internal/observe"
	"github.com/inspexhq/inspex/internal/relay/wire"
	"github.com/inspexhq/inspex/internal/store"
	"github.com/inspexhq/inspex/internal/tools"
	"github.com/inspexhq/inspex/pkg/upstream"
)

// State is the session lifecycle phase. Transitions are monotonic:
// Connecting, Negotiating, Active, Closing, Closed, with Failed as a sticky
// terminal alternative entered when the upstream connection cannot be
// established.
type State int32

const (
	StateConnecting State = iota
	StateNegotiating
	StateActive
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Client error codes carried in the single error frame sent before a fatal
// close.
const (
	CodeAuthMissing   = "auth_missing"
	CodeConnectFailed = "connect_failed"
	CodeSetupTimeout  = "setup_timeout"
	CodeInternalError = "internal_error"
)

// errSessionEnded signals a clean end of session from inside a pump loop:
// an end_session frame, a client disconnect or a clean upstream close.
var errSessionEnded = errors.New("relay: session ended")

const uplinkAudioMIME = "audio/pcm;rate=16000"

// Session bridges one client websocket to one upstream connection.
type Session struct {
	id        string
	client    *websocket.Conn
	connector upstream.Connector

	defaults           upstream.SessionConfig
	executor           tools.Executor
	toolCtx            *tools.Context
	store              store.Store
	metrics            *observe.Metrics
	log                *slog.Logger
	negotiationTimeout time.Duration
	maxResultBytes     int

	state    atomic.Int32
	cfg      upstream.SessionConfig
	gate     gate
	out      *outQueue
	upstream upstream.Connection

	dispatches sync.WaitGroup
	closeOnce  sync.Once
}

// Option configures a Session.
type Option func(*Session)

// WithID overrides the generated session ID.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithLogger sets the session logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithMetrics sets the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithStore sets the session log store.
func WithStore(st store.Store) Option {
	return func(s *Session) { s.store = st }
}

// WithDefaults sets the process-level session defaults that a client config
// override is merged onto.
func WithDefaults(cfg upstream.SessionConfig) Option {
	return func(s *Session) { s.defaults = cfg }
}

// WithExecutor sets the tool executor.
func WithExecutor(e tools.Executor) Option {
	return func(s *Session) { s.executor = e }
}

// WithToolContext sets the per-session tool context shared by all dispatched
// tool calls of this session.
func WithToolContext(tc *tools.Context) Option {
	return func(s *Session) { s.toolCtx = tc }
}

// WithNegotiationTimeout sets how long the session waits for an optional
// config frame before starting with defaults.
func WithNegotiationTimeout(d time.Duration) Option {
	return func(s *Session) { s.negotiationTimeout = d }
}

// WithMaxResultBytes sets the serialized tool-result size above which results
// are truncated to a summary.
func WithMaxResultBytes(n int) Option {
	return func(s *Session) { s.maxResultBytes = n }
}

// New creates a session over an accepted client websocket. Run drives it.
func New(client *websocket.Conn, connector upstream.Connector, opts ...Option) *Session {
	s := &Session{
		id:                 uuid.NewString(),
		client:             client,
		connector:          connector,
		executor:           tools.NewRegistry(),
		store:              store.NopStore{},
		log:                slog.Default(),
		negotiationTimeout: 2 * time.Second,
		maxResultBytes:     2048,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.toolCtx == nil {
		s.toolCtx = tools.NewContext(s.id, "", 0, 0)
	}
	s.log = s.log.With("session_id", s.id)
	s.out = newOutQueue()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Config returns the negotiated session config. Valid once Run has passed
// negotiation; immutable afterwards.
func (s *Session) Config() upstream.SessionConfig { return s.cfg }

// Close tears the session down from outside the Run loop, unblocking its
// pump goroutines. Used by server shutdown. Idempotent.
func (s *Session) Close() { s.teardown() }

// setState advances the lifecycle unless the session already failed. Failed
// is terminal.
func (s *Session) setState(next State) {
	for {
		cur := s.state.Load()
		if State(cur) == StateFailed {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// clientFrame is one raw frame, or read error, carried from the negotiation
// window into the uplink loop so no client input is ever dropped.
type clientFrame struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// Run drives the session to completion. It returns nil on a clean end and an
// error when the session failed to establish or ended abnormally.
func (s *Session) Run(ctx context.Context) error {
	start := time.Now()
	s.metrics.ActiveSessions.Add(ctx, 1)
	defer func() {
		s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
		s.metrics.SessionDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())
	}()

	s.state.Store(int32(StateConnecting))
	if err := s.writeText(ctx, wire.Connected()); err != nil {
		s.teardown()
		return fmt.Errorf("relay: greeting: %w", err)
	}

	s.setState(StateNegotiating)
	pending := s.negotiate(ctx)

	conn, err := s.connector.Connect(ctx, s.cfg)
	if err != nil {
		return s.fail(ctx, err)
	}
	s.upstream = conn

	s.out.pushControl(wire.SessionReady(s.cfg.Model, s.cfg.Voice))
	s.setState(StateActive)
	s.log.Info("session active", "model", s.cfg.Model, "voice", s.cfg.Voice)
	if err := s.store.CreateSession(ctx, s.id, s.cfg.Model, s.cfg.Voice); err != nil {
		s.log.Warn("session row not recorded", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.writerLoop(gctx) })
	g.Go(func() error { return s.uplink(gctx, pending) })
	g.Go(func() error { return s.downlink(gctx) })

	err = g.Wait()
	s.setState(StateClosing)
	s.teardown()
	s.dispatches.Wait()
	s.setState(StateClosed)

	if err != nil && !errors.Is(err, errSessionEnded) && !errors.Is(err, context.Canceled) {
		s.log.Error("session ended abnormally", "error", err)
		return err
	}
	s.log.Info("session closed")
	return nil
}

// negotiate waits up to the negotiation timeout for a config frame and
// merges it over the defaults. The read runs against the session context
// rather than a deadline context: coder/websocket closes the whole
// connection when a read context expires, and a client that stays silent
// through the window must keep its session. The returned channel is non-nil
// when a frame or read error is still owed to the uplink, either a
// non-config frame that ended the window early or a read left outstanding
// when the timer fired.
func (s *Session) negotiate(ctx context.Context) <-chan clientFrame {
	s.cfg = s.defaults

	first := make(chan clientFrame, 1)
	go func() {
		typ, data, err := s.client.Read(ctx)
		first <- clientFrame{typ: typ, data: data, err: err}
	}()

	timer := time.NewTimer(s.negotiationTimeout)
	defer timer.Stop()

	var f clientFrame
	select {
	case <-timer.C:
		// Window elapsed with the read still outstanding. Defaults apply
		// and whatever the client sends next belongs to the uplink.
		return first
	case f = <-first:
	}

	if f.err != nil {
		// Early disconnect; the uplink observes it on its own read.
		return nil
	}
	if f.typ != websocket.MessageText {
		first <- f
		return first
	}

	cfg, ok, err := wire.DecodeConfig(f.data)
	if err != nil {
		// Recovered locally with defaults. The client is not told; a
		// malformed config is an operator bug, not a session fault.
		s.log.Warn("invalid config frame, using defaults", "error", err)
		return nil
	}
	if !ok {
		first <- f
		return first
	}

	s.cfg = s.defaults.Merge(upstream.SessionConfig{
		Model:              cfg.Model,
		Voice:              cfg.Voice,
		SystemPrompt:       cfg.SystemPrompt,
		Tools:              cfg.Tools,
		ResponseModalities: cfg.ResponseModalities,
	})
	return nil
}

// fail reports one structured error frame, marks the session failed and
// closes the client socket. Used for establishment errors only.
func (s *Session) fail(ctx context.Context, cause error) error {
	code := CodeInternalError
	closeStatus := websocket.StatusInternalError
	switch {
	case errors.Is(cause, upstream.ErrAuthMissing):
		code = CodeAuthMissing
		closeStatus = websocket.StatusCode(4001)
	case errors.Is(cause, upstream.ErrConnectFailed):
		code = CodeConnectFailed
	case errors.Is(cause, upstream.ErrSetupTimeout):
		code = CodeSetupTimeout
	}

	s.log.Error("session failed to establish", "code", code, "error", cause)
	s.metrics.RecordSessionFailure(context.WithoutCancel(ctx), code)
	_ = s.writeText(ctx, wire.ErrorFrame(code, cause.Error()))

	s.state.Store(int32(StateFailed))
	if err := s.store.CloseSession(context.WithoutCancel(ctx), s.id, "failed"); err != nil {
		s.log.Warn("session row not closed", "error", err)
	}
	_ = s.client.Close(closeStatus, code)
	s.out.close()
	return fmt.Errorf("relay: establish session: %w", cause)
}

// writerLoop is the only goroutine writing to the client after the session
// goes active. Audio goes out as binary frames; when a binary write fails
// the chunk is retried once as a base64 JSON frame.
func (s *Session) writerLoop(ctx context.Context) error {
	for {
		f, err := s.out.pop(ctx)
		if err != nil {
			if errors.Is(err, errQueueClosed) {
				return errSessionEnded
			}
			return err
		}
		switch f.kind {
		case frameAudio:
			if err := s.client.Write(ctx, websocket.MessageBinary, f.data); err != nil {
				if isPeerGone(err) {
					return errSessionEnded
				}
				if werr := s.writeText(ctx, wire.AudioFallback(f.data, f.mimeType)); werr != nil {
					return fmt.Errorf("relay: audio fallback write: %w", werr)
				}
			}
		default:
			if err := s.writeText(ctx, f.data); err != nil {
				if isPeerGone(err) {
					return errSessionEnded
				}
				return fmt.Errorf("relay: client write: %w", err)
			}
		}
	}
}

// uplink reads client frames and forwards them upstream. The pending frame
// from negotiation, if any, is replayed first.
func (s *Session) uplink(ctx context.Context, pending <-chan clientFrame) error {
	if pending != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-pending:
			if f.err != nil {
				if isPeerGone(f.err) {
					s.log.Debug("client disconnected")
					return errSessionEnded
				}
				return fmt.Errorf("relay: client read: %w", f.err)
			}
			if err := s.handleClientFrame(ctx, f.typ, f.data); err != nil {
				return err
			}
		}
	}
	for {
		typ, data, err := s.client.Read(ctx)
		if err != nil {
			if isPeerGone(err) {
				s.log.Debug("client disconnected")
				return errSessionEnded
			}
			return fmt.Errorf("relay: client read: %w", err)
		}
		if err := s.handleClientFrame(ctx, typ, data); err != nil {
			return err
		}
	}
}

func (s *Session) handleClientFrame(ctx context.Context, typ websocket.MessageType, data []byte) error {
	if typ == websocket.MessageBinary {
		return s.forwardAudio(ctx, data, uplinkAudioMIME)
	}

	msg, err := wire.DecodeClientMessage(data)
	if err != nil {
		var derr *wire.DecodeError
		if errors.As(err, &derr) {
			s.out.pushControl(wire.ErrorFrame(derr.Code, derr.Message))
			return nil
		}
		s.out.pushControl(wire.ErrorFrame(wire.CodeInvalidJSON, err.Error()))
		return nil
	}

	switch m := msg.(type) {
	case wire.Audio:
		return s.forwardAudio(ctx, m.Data, m.MIMEType)

	case wire.Image:
		s.metrics.RecordFrame(ctx, "uplink", "image")
		// The latest frame doubles as the vision-inspection input.
		s.toolCtx.SetLatestImage(m.Data, m.MIMEType)
		return s.upstream.SendMedia(ctx, []upstream.MediaChunk{{MIMEType: m.MIMEType, Data: m.Data}})

	case wire.ToolResponse:
		s.metrics.RecordFrame(ctx, "uplink", "tool_response")
		var responses []upstream.FunctionResponse
		if err := json.Unmarshal(m.FunctionResponses, &responses); err != nil {
			s.out.pushControl(wire.ErrorFrame(wire.CodeBadPayload, "tool_response: "+err.Error()))
			return nil
		}
		return s.upstream.SendToolResponse(ctx, responses)

	case wire.EndSession:
		s.log.Debug("client requested end of session")
		return errSessionEnded

	case wire.Ping:
		s.out.pushControl(wire.Pong())
		return nil

	case wire.HealthQuery:
		s.out.pushControl(wire.Health("ok", s.cfg.Model, s.cfg.Voice))
		return nil

	case wire.Subscribe:
		s.out.pushControl(wire.Subscribed(m.Topic))
		return nil

	case wire.Echo:
		s.out.pushControl(wire.EchoReply(m.Payload))
		return nil

	case wire.Config:
		// The session config is immutable once negotiated; a late config is
		// passed through upstream untouched like any unrecognized frame.
		s.metrics.RecordFrame(ctx, "uplink", "late_config")
		return s.upstream.SendRaw(ctx, data)

	case wire.Unknown:
		s.metrics.RecordFrame(ctx, "uplink", "unknown")
		return s.upstream.SendRaw(ctx, m.Raw)

	default:
		return nil
	}
}

// forwardAudio sends one microphone chunk upstream unless a tool execution
// is in flight, in which case the chunk is dropped outright. Dropping keeps
// stale speech from arriving after a tool result; queueing would do exactly
// that.
func (s *Session) forwardAudio(ctx context.Context, data []byte, mimeType string) error {
	if !s.gate.Idle() {
		s.metrics.AudioDropped.Add(ctx, 1)
		return nil
	}
	s.metrics.RecordFrame(ctx, "uplink", "audio")
	return s.upstream.SendAudio(ctx, data, mimeType)
}

// downlink receives upstream events and turns them into client frames.
func (s *Session) downlink(ctx context.Context) error {
	for {
		ev, err := s.upstream.Receive(ctx)
		if err != nil {
			if isPeerGone(err) || errors.Is(err, upstream.ErrClosed) {
				s.log.Debug("upstream closed")
				return errSessionEnded
			}
			return fmt.Errorf("relay: upstream receive: %w", err)
		}

		switch e := ev.(type) {
		case upstream.AudioChunk:
			s.metrics.RecordFrame(ctx, "downlink", "audio")
			s.out.pushAudio(e.Data, e.MIMEType)

		case upstream.Text:
			s.metrics.RecordFrame(ctx, "downlink", "transcript")
			s.out.pushControl(wire.Transcript(e.Content, "model"))
			if err := s.store.AppendTranscript(ctx, s.id, "model", e.Content); err != nil {
				s.log.Warn("transcript not recorded", "error", err)
			}

		case upstream.TurnComplete:
			s.metrics.RecordFrame(ctx, "downlink", "turn_complete")
			s.out.pushControl(wire.TurnCompleteFrame())

		case upstream.Interrupted:
			dropped := s.out.flushAudio()
			s.metrics.RecordFrame(ctx, "downlink", "interrupted")
			s.log.Debug("barge-in", "flushed_audio_frames", dropped)
			s.out.pushControl(wire.InterruptedFrame())

		case upstream.ToolCall:
			s.metrics.RecordFrame(ctx, "downlink", "tool_call")
			s.out.pushControl(wire.ToolCallFrame(e.Calls))
			for _, call := range e.Calls {
				s.gate.Acquire()
				s.dispatches.Add(1)
				go s.dispatch(ctx, call)
			}
		}
	}
}

// teardown releases both connections exactly once. Safe to call from any
// exit path.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.out.close()
		if s.upstream != nil {
			if err := s.upstream.Close(); err != nil {
				s.log.Debug("upstream close", "error", err)
			}
		}
		_ = s.client.Close(websocket.StatusNormalClosure, "session closed")
		if s.State() != StateFailed {
			if err := s.store.CloseSession(context.Background(), s.id, "closed"); err != nil {
				s.log.Warn("session row not closed", "error", err)
			}
		}
	})
}

func (s *Session) writeText(ctx context.Context, data []byte) error {
	return s.client.Write(ctx, websocket.MessageText, data)
}

// isPeerGone reports whether err is an expected disconnect rather than a
// protocol failure.
func isPeerGone(err error) bool {
	if websocket.CloseStatus(err) != -1 {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
