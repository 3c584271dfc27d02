package wire_test

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/inspexhq/inspex/internal/relay/wire"
)

func TestDecodeClientMessage_Config(t *testing.T) {
	t.Parallel()

	raw := `{
		"type": "config",
		"model": "gemini-2.0-flash-exp",
		"voice": "Kore",
		"system_prompt": "You are an inspection assistant.",
		"tools": [{"name": "order_parts", "description": "Orders parts"}],
		"response_modalities": ["AUDIO"]
	}`

	msg, err := wire.DecodeClientMessage([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeClientMessage: %v", err)
	}
	cfg, ok := msg.(wire.Config)
	if !ok {
		t.Fatalf("message = %T; want Config", msg)
	}
	if cfg.Model != "gemini-2.0-flash-exp" || cfg.Voice != "Kore" {
		t.Errorf("config = %+v", cfg)
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].Name != "order_parts" {
		t.Errorf("tools = %+v", cfg.Tools)
	}
	if len(cfg.ResponseModalities) != 1 || cfg.ResponseModalities[0] != "AUDIO" {
		t.Errorf("responseModalities = %v", cfg.ResponseModalities)
	}
}

func TestDecodeClientMessage_Audio_DefaultsMIME(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x02, 0x00, 0xFF}
	raw, _ := json.Marshal(map[string]any{
		"type": "audio",
		"data": base64.StdEncoding.EncodeToString(pcm),
	})

	msg, err := wire.DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("DecodeClientMessage: %v", err)
	}
	audio, ok := msg.(wire.Audio)
	if !ok {
		t.Fatalf("message = %T; want Audio", msg)
	}
	if string(audio.Data) != string(pcm) {
		t.Errorf("data = %v; want %v", audio.Data, pcm)
	}
	if audio.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("mimeType = %q; want audio/pcm;rate=16000", audio.MIMEType)
	}
}

func TestDecodeClientMessage_Audio_BadBase64(t *testing.T) {
	t.Parallel()

	_, err := wire.DecodeClientMessage([]byte(`{"type":"audio","data":"!!not-base64!!"}`))
	var derr *wire.DecodeError
	if !errors.As(err, &derr) || derr.Code != wire.CodeBadPayload {
		t.Fatalf("err = %v; want DecodeError with CodeBadPayload", err)
	}
}

func TestDecodeClientMessage_Image(t *testing.T) {
	t.Parallel()

	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	raw, _ := json.Marshal(map[string]any{
		"type":      "image",
		"data":      base64.StdEncoding.EncodeToString(jpeg),
		"mime_type": "image/jpeg",
	})

	msg, err := wire.DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("DecodeClientMessage: %v", err)
	}
	img, ok := msg.(wire.Image)
	if !ok {
		t.Fatalf("message = %T; want Image", msg)
	}
	if img.MIMEType != "image/jpeg" || string(img.Data) != string(jpeg) {
		t.Errorf("image = %+v", img)
	}
}

func TestDecodeClientMessage_ToolResponse(t *testing.T) {
	t.Parallel()

	raw := `{"type":"tool_response","function_responses":[{"id":"fc-1","name":"run_inspection","response":{"status":"ok"}}]}`

	msg, err := wire.DecodeClientMessage([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeClientMessage: %v", err)
	}
	tr, ok := msg.(wire.ToolResponse)
	if !ok {
		t.Fatalf("message = %T; want ToolResponse", msg)
	}

	var resps []map[string]any
	if err := json.Unmarshal(tr.FunctionResponses, &resps); err != nil {
		t.Fatalf("unmarshal function_responses: %v", err)
	}
	if len(resps) != 1 || resps[0]["id"] != "fc-1" {
		t.Errorf("function_responses = %v", resps)
	}
}

func TestDecodeClientMessage_ToolResponse_MissingPayload(t *testing.T) {
	t.Parallel()

	_, err := wire.DecodeClientMessage([]byte(`{"type":"tool_response"}`))
	var derr *wire.DecodeError
	if !errors.As(err, &derr) || derr.Code != wire.CodeBadPayload {
		t.Fatalf("err = %v; want DecodeError with CodeBadPayload", err)
	}
}

func TestDecodeClientMessage_ControlFrames(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want any
	}{
		{`{"type":"end_session"}`, wire.EndSession{}},
		{`{"type":"ping"}`, wire.Ping{}},
		{`{"type":"health"}`, wire.HealthQuery{}},
	}
	for _, tc := range cases {
		msg, err := wire.DecodeClientMessage([]byte(tc.raw))
		if err != nil {
			t.Fatalf("DecodeClientMessage(%s): %v", tc.raw, err)
		}
		if msg != tc.want {
			t.Errorf("DecodeClientMessage(%s) = %#v; want %#v", tc.raw, msg, tc.want)
		}
	}
}

func TestDecodeClientMessage_Subscribe(t *testing.T) {
	t.Parallel()

	msg, err := wire.DecodeClientMessage([]byte(`{"type":"subscribe","topic":"fleet/CAT-320-002"}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage: %v", err)
	}
	sub, ok := msg.(wire.Subscribe)
	if !ok || sub.Topic != "fleet/CAT-320-002" {
		t.Fatalf("message = %#v; want Subscribe{fleet/CAT-320-002}", msg)
	}
}

func TestDecodeClientMessage_UnknownType_PreservesRaw(t *testing.T) {
	t.Parallel()

	raw := `{"type":"client_telemetry","battery":0.42}`
	msg, err := wire.DecodeClientMessage([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeClientMessage: %v", err)
	}
	unknown, ok := msg.(wire.Unknown)
	if !ok {
		t.Fatalf("message = %T; want Unknown", msg)
	}
	if string(unknown.Raw) != raw {
		t.Errorf("raw = %s; want %s", unknown.Raw, raw)
	}
}

func TestDecodeClientMessage_InvalidJSON(t *testing.T) {
	t.Parallel()

	_, err := wire.DecodeClientMessage([]byte(`{"type":`))
	var derr *wire.DecodeError
	if !errors.As(err, &derr) || derr.Code != wire.CodeInvalidJSON {
		t.Fatalf("err = %v; want DecodeError with CodeInvalidJSON", err)
	}
}

func TestDecodeConfig(t *testing.T) {
	t.Parallel()

	cfg, ok, err := wire.DecodeConfig([]byte(`{"type":"config","voice":"Aoede"}`))
	if err != nil || !ok {
		t.Fatalf("DecodeConfig: ok=%v err=%v", ok, err)
	}
	if cfg.Voice != "Aoede" {
		t.Errorf("voice = %q", cfg.Voice)
	}

	_, ok, err = wire.DecodeConfig([]byte(`{"type":"ping"}`))
	if err != nil || ok {
		t.Fatalf("non-config frame: ok=%v err=%v; want ok=false err=nil", ok, err)
	}

	_, _, err = wire.DecodeConfig([]byte(`not json`))
	var derr *wire.DecodeError
	if !errors.As(err, &derr) || derr.Code != wire.CodeConfigInvalid {
		t.Fatalf("err = %v; want DecodeError with CodeConfigInvalid", err)
	}
}

func TestOutboundFrames_Shapes(t *testing.T) {
	t.Parallel()

	var ready map[string]any
	if err := json.Unmarshal(wire.SessionReady("gemini-2.0-flash-exp", "Puck"), &ready); err != nil {
		t.Fatalf("SessionReady: %v", err)
	}
	if ready["type"] != "session_ready" || ready["model"] != "gemini-2.0-flash-exp" || ready["voice"] != "Puck" {
		t.Errorf("session_ready = %v", ready)
	}

	var errFrame map[string]any
	if err := json.Unmarshal(wire.ErrorFrame("auth_missing", "no credential"), &errFrame); err != nil {
		t.Fatalf("ErrorFrame: %v", err)
	}
	if errFrame["type"] != "error" || errFrame["code"] != "auth_missing" {
		t.Errorf("error frame = %v", errFrame)
	}

	var transcript map[string]any
	if err := json.Unmarshal(wire.Transcript("hydraulic leak", "model"), &transcript); err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if transcript["text"] != "hydraulic leak" || transcript["role"] != "model" {
		t.Errorf("transcript = %v", transcript)
	}
}

func TestAudioFallback_RoundTrips(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x10, 0x20, 0x30}
	var frame struct {
		Type     string `json:"type"`
		Data     string `json:"data"`
		MIMEType string `json:"mime_type"`
	}
	if err := json.Unmarshal(wire.AudioFallback(pcm, "audio/pcm;rate=24000"), &frame); err != nil {
		t.Fatalf("AudioFallback: %v", err)
	}
	if frame.Type != "audio" || frame.MIMEType != "audio/pcm;rate=24000" {
		t.Errorf("frame = %+v", frame)
	}
	got, err := base64.StdEncoding.DecodeString(frame.Data)
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	if string(got) != string(pcm) {
		t.Errorf("payload = %v; want %v", got, pcm)
	}
}

func TestEchoReply_EmptyPayload(t *testing.T) {
	t.Parallel()

	var frame map[string]any
	if err := json.Unmarshal(wire.EchoReply(nil), &frame); err != nil {
		t.Fatalf("EchoReply: %v", err)
	}
	if frame["type"] != "echo" {
		t.Errorf("frame = %v", frame)
	}
}
