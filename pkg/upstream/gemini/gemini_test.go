package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/inspexhq/inspex/pkg/upstream"
	"github.com/inspexhq/inspex/pkg/upstream/gemini"
)

// ── Compile-time interface assertions ─────────────────────────────────────────

// TestInterfaceSatisfaction verifies that the exported types satisfy the
// upstream interfaces at compile time. The real assertions are the
// blank-identifier variables in gemini.go; this test ensures those vars exist
// and the package compiles cleanly.
func TestInterfaceSatisfaction(t *testing.T) {
	t.Parallel()
	// Nothing to do at runtime – the compiler enforces the contracts.
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// newConnector creates a Connector pointing at the given test server.
func newConnector(srv *httptest.Server) *gemini.Connector {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

// connect opens a connection against the test server or fails the test.
func connect(t *testing.T, srv *httptest.Server, cfg upstream.SessionConfig) upstream.Connection {
	t.Helper()
	conn, err := newConnector(srv).Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// receive reads the next event with a bounded wait.
func receive(t *testing.T, conn upstream.Connection) upstream.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ev, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return ev
}

// ── Connect failure modes ─────────────────────────────────────────────────────

func TestConnect_EmptyAPIKey_FailsFastWithAuthMissing(t *testing.T) {
	t.Parallel()

	dialed := make(chan struct{}, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		dialed <- struct{}{}
		<-conn.CloseRead(context.Background()).Done()
	})

	c := gemini.New("", gemini.WithBaseURL(wsURL(srv)))
	_, err := c.Connect(context.Background(), upstream.SessionConfig{Model: "m"})
	if !errors.Is(err, upstream.ErrAuthMissing) {
		t.Fatalf("err = %v; want ErrAuthMissing", err)
	}

	select {
	case <-dialed:
		t.Fatal("Connect dialed the endpoint despite the missing credential")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnect_DialFailure_WrapsConnectFailed(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c := gemini.New("key", gemini.WithBaseURL("ws://127.0.0.1:1"))
	_, err := c.Connect(ctx, upstream.SessionConfig{Model: "m"})
	if !errors.Is(err, upstream.ErrConnectFailed) {
		t.Fatalf("err = %v; want ErrConnectFailed", err)
	}
}

func TestConnect_SetupNeverAcked_TimesOut(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		// Never send setupComplete.
		<-conn.CloseRead(context.Background()).Done()
	})

	c := gemini.New("key",
		gemini.WithBaseURL(wsURL(srv)),
		gemini.WithSetupTimeout(150*time.Millisecond),
	)
	_, err := c.Connect(context.Background(), upstream.SessionConfig{Model: "m"})
	if !errors.Is(err, upstream.ErrSetupTimeout) {
		t.Fatalf("err = %v; want ErrSetupTimeout", err)
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled

	_, err := newConnector(srv).Connect(ctx, upstream.SessionConfig{Model: "m"})
	if err == nil {
		t.Fatal("Connect with cancelled context should return an error")
	}
}

// ── Setup handshake ───────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			Tools []struct {
				FunctionDeclarations []struct {
					Name string `json:"name"`
				} `json:"functionDeclarations"`
			} `json:"tools"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, upstream.SessionConfig{
		Model:        "gemini-2.0-flash-exp",
		Voice:        "Puck",
		SystemPrompt: "You inspect heavy equipment.",
		Tools: []upstream.ToolDeclaration{
			{Name: "run_inspection", Description: "Runs a visual inspection"},
		},
		ResponseModalities: []string{"AUDIO"},
	})

	select {
	case msg := <-received:
		if want := "models/gemini-2.0-flash-exp"; msg.Setup.Model != want {
			t.Errorf("model = %q; want %q", msg.Setup.Model, want)
		}
		if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "AUDIO" {
			t.Errorf("responseModalities = %v; want [AUDIO]", got)
		}
		if sc := msg.Setup.GenerationConfig.SpeechConfig; sc == nil || sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Puck" {
			t.Errorf("unexpected speechConfig: %+v", sc)
		}
		if msg.Setup.SystemInstruction == nil ||
			len(msg.Setup.SystemInstruction.Parts) == 0 ||
			msg.Setup.SystemInstruction.Parts[0].Text != "You inspect heavy equipment." {
			t.Errorf("unexpected system instruction: %+v", msg.Setup.SystemInstruction)
		}
		if len(msg.Setup.Tools) == 0 || len(msg.Setup.Tools[0].FunctionDeclarations) == 0 ||
			msg.Setup.Tools[0].FunctionDeclarations[0].Name != "run_inspection" {
			t.Errorf("unexpected tools: %+v", msg.Setup.Tools)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestConnect_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	urlQuery := make(chan string, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		urlQuery <- r.URL.RawQuery
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := gemini.New("secret-key", gemini.WithBaseURL(wsURL(srv)))
	conn, err := c.Connect(context.Background(), upstream.SessionConfig{Model: "m"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	select {
	case q := <-urlQuery:
		if !strings.Contains(q, "key=secret-key") {
			t.Errorf("URL query %q should contain key=secret-key", q)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

// ── Receive ───────────────────────────────────────────────────────────────────

func TestReceive_AudioChunk_DecodesPCM(t *testing.T) {
	t.Parallel()

	wantPCM := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	encoded := base64.StdEncoding.EncodeToString(wantPCM)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": encoded}},
					},
				},
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, upstream.SessionConfig{Model: "m"})

	ev := receive(t, conn)
	chunk, ok := ev.(upstream.AudioChunk)
	if !ok {
		t.Fatalf("event = %T; want AudioChunk", ev)
	}
	if string(chunk.Data) != string(wantPCM) {
		t.Errorf("audio = %v; want %v", chunk.Data, wantPCM)
	}
	if chunk.MIMEType != "audio/pcm;rate=24000" {
		t.Errorf("mimeType = %q", chunk.MIMEType)
	}
}

func TestReceive_TextThenTurnComplete_WireOrder(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"text": "Left track roller looks worn."},
					},
				},
				"turnComplete": true,
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, upstream.SessionConfig{Model: "m"})

	first := receive(t, conn)
	txt, ok := first.(upstream.Text)
	if !ok {
		t.Fatalf("first event = %T; want Text", first)
	}
	if txt.Content != "Left track roller looks worn." {
		t.Errorf("text = %q", txt.Content)
	}

	second := receive(t, conn)
	if _, ok := second.(upstream.TurnComplete); !ok {
		t.Fatalf("second event = %T; want TurnComplete", second)
	}
}

func TestReceive_Interrupted(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"interrupted": true},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, upstream.SessionConfig{Model: "m"})

	ev := receive(t, conn)
	if _, ok := ev.(upstream.Interrupted); !ok {
		t.Fatalf("event = %T; want Interrupted", ev)
	}
}

func TestReceive_ToolCall(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"toolCall": map[string]any{
				"functionCalls": []map[string]any{
					{"id": "fc-1", "name": "report_anomalies", "args": map[string]any{"confirmed": true}},
				},
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, upstream.SessionConfig{Model: "m"})

	ev := receive(t, conn)
	tc, ok := ev.(upstream.ToolCall)
	if !ok {
		t.Fatalf("event = %T; want ToolCall", ev)
	}
	if len(tc.Calls) != 1 {
		t.Fatalf("calls = %d; want 1", len(tc.Calls))
	}
	call := tc.Calls[0]
	if call.ID != "fc-1" || call.Name != "report_anomalies" {
		t.Errorf("call = %+v", call)
	}
	if confirmed, _ := call.Args["confirmed"].(bool); !confirmed {
		t.Errorf("args = %v; want confirmed=true", call.Args)
	}
}

func TestReceive_FrameBeforeAck_NotDropped(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		// Content arriving before the ack must survive the handshake.
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{"parts": []map[string]any{{"text": "early"}}},
			},
		})
		sendSetupComplete(t, conn)

		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, upstream.SessionConfig{Model: "m"})

	ev := receive(t, conn)
	txt, ok := ev.(upstream.Text)
	if !ok || txt.Content != "early" {
		t.Fatalf("event = %#v; want Text{early}", ev)
	}
}

// ── Send primitives ───────────────────────────────────────────────────────────

type realtimeInputMsg struct {
	RealtimeInput struct {
		MediaChunks []struct {
			MIMEType string `json:"mimeType"`
			Data     string `json:"data"`
		} `json:"mediaChunks"`
	} `json:"realtimeInput"`
}

func TestSendAudio_EncodesAndSends(t *testing.T) {
	t.Parallel()

	audioMsg := make(chan realtimeInputMsg, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		var msg realtimeInputMsg
		readJSON(t, conn, &msg)
		audioMsg <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, upstream.SessionConfig{Model: "m"})

	wantPCM := []byte{0x01, 0x02, 0x03, 0x04}
	if err := conn.SendAudio(context.Background(), wantPCM, "audio/pcm;rate=16000"); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-audioMsg:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) != 1 {
			t.Fatalf("chunks = %d; want 1", len(chunks))
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q; want audio/pcm;rate=16000", chunks[0].MIMEType)
		}
		got, err := base64.StdEncoding.DecodeString(chunks[0].Data)
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if string(got) != string(wantPCM) {
			t.Errorf("decoded audio = %v; want %v", got, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio message")
	}
}

func TestSendMedia_ImageChunk(t *testing.T) {
	t.Parallel()

	mediaMsg := make(chan realtimeInputMsg, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		var msg realtimeInputMsg
		readJSON(t, conn, &msg)
		mediaMsg <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, upstream.SessionConfig{Model: "m"})

	jpeg := []byte{0xFF, 0xD8, 0xFF}
	err := conn.SendMedia(context.Background(), []upstream.MediaChunk{
		{MIMEType: "image/jpeg", Data: jpeg},
	})
	if err != nil {
		t.Fatalf("SendMedia: %v", err)
	}

	select {
	case msg := <-mediaMsg:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) != 1 || chunks[0].MIMEType != "image/jpeg" {
			t.Fatalf("chunks = %+v", chunks)
		}
		got, _ := base64.StdEncoding.DecodeString(chunks[0].Data)
		if string(got) != string(jpeg) {
			t.Errorf("decoded = %v; want %v", got, jpeg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for media message")
	}
}

func TestSendToolResponse_CorrelatesByID(t *testing.T) {
	t.Parallel()

	type toolResponseMsg struct {
		ToolResponse struct {
			FunctionResponses []struct {
				ID       string         `json:"id"`
				Name     string         `json:"name"`
				Response map[string]any `json:"response"`
			} `json:"functionResponses"`
		} `json:"toolResponse"`
	}

	respMsg := make(chan toolResponseMsg, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		var msg toolResponseMsg
		readJSON(t, conn, &msg)
		respMsg <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, upstream.SessionConfig{Model: "m"})

	err := conn.SendToolResponse(context.Background(), []upstream.FunctionResponse{
		{ID: "abc", Name: "report_anomalies", Response: map[string]any{"status": "reported"}},
	})
	if err != nil {
		t.Fatalf("SendToolResponse: %v", err)
	}

	select {
	case msg := <-respMsg:
		resps := msg.ToolResponse.FunctionResponses
		if len(resps) != 1 {
			t.Fatalf("responses = %d; want 1", len(resps))
		}
		if resps[0].ID != "abc" || resps[0].Name != "report_anomalies" {
			t.Errorf("response = %+v", resps[0])
		}
		if resps[0].Response["status"] != "reported" {
			t.Errorf("payload = %v", resps[0].Response)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for tool response")
	}
}

func TestSendRaw_WritesVerbatim(t *testing.T) {
	t.Parallel()

	rawMsg := make(chan string, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		rawMsg <- string(data)

		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, upstream.SessionConfig{Model: "m"})

	payload := `{"toolResponse":{"functionResponses":[{"id":"x","name":"n","response":{}}]}}`
	if err := conn.SendRaw(context.Background(), json.RawMessage(payload)); err != nil {
		t.Fatalf("SendRaw: %v", err)
	}

	select {
	case got := <-rawMsg:
		if got != payload {
			t.Errorf("raw = %q; want %q", got, payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for raw message")
	}
}

func TestSendRaw_RejectsInvalidJSON(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, upstream.SessionConfig{Model: "m"})

	if err := conn.SendRaw(context.Background(), json.RawMessage("{not json")); err == nil {
		t.Fatal("SendRaw with invalid JSON should return an error")
	}
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestSendAudio_AfterClose_ReturnsErrClosed(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, upstream.SessionConfig{Model: "m"})
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err := conn.SendAudio(context.Background(), []byte{1, 2, 3}, "audio/pcm;rate=16000")
	if !errors.Is(err, upstream.ErrClosed) {
		t.Fatalf("err = %v; want ErrClosed", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, upstream.SessionConfig{Model: "m"})

	if err := conn.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
}

// ── Concurrency ───────────────────────────────────────────────────────────────

func TestConcurrentSendAudio_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		// Consume setup, then drain all messages.
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		ctx := context.Background()
		for {
			_, _, err := conn.Read(ctx)
			if err != nil {
				return
			}
		}
	})

	conn := connect(t, srv, upstream.SessionConfig{Model: "m"})

	const goroutines = 8
	const chunksPerGoroutine = 16

	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			for range chunksPerGoroutine {
				_ = conn.SendAudio(context.Background(), []byte{0x01, 0x02, 0x03, 0x04}, "audio/pcm;rate=16000")
			}
		})
	}
	wg.Wait()
}
