package relay

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestBoundResult_SmallResultPassesThrough(t *testing.T) {
	t.Parallel()

	in := map[string]any{"status": "complete", "component": "hydraulic pump"}
	out, truncated := boundResult(in, 2048)
	if truncated {
		t.Error("small result reported as truncated")
	}
	m, ok := out.(map[string]any)
	if !ok || m["component"] != "hydraulic pump" {
		t.Errorf("result = %v, want pass-through", out)
	}
}

func TestBoundResult_ExactLimitPassesThrough(t *testing.T) {
	t.Parallel()

	in := map[string]any{"status": "complete"}
	raw, _ := json.Marshal(in)
	out, truncated := boundResult(in, len(raw))
	if truncated {
		t.Error("result at exactly the limit was truncated")
	}
	if _, ok := out.(map[string]any); !ok {
		t.Errorf("result = %T, want original map", out)
	}
}

func TestBoundResult_OversizeCollapsesToSummary(t *testing.T) {
	t.Parallel()

	in := map[string]any{
		"status":    "anomalies_found",
		"component": "conveyor belt",
		"findings":  strings.Repeat("severe fraying along the left edge; ", 200),
	}
	out, truncated := boundResult(in, 2048)
	if !truncated {
		t.Fatal("oversize result not truncated")
	}

	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("result = %T, want map", out)
	}
	if m["status"] != "anomalies_found" {
		t.Errorf("status = %v, want anomalies_found", m["status"])
	}
	if m["component"] != "conveyor belt" {
		t.Errorf("component = %v, want conveyor belt", m["component"])
	}
	summary, ok := m["summary"].(string)
	if !ok || summary == "" {
		t.Fatal("summary missing")
	}
	if len(summary) > summaryBytes {
		t.Errorf("summary length = %d, want <= %d", len(summary), summaryBytes)
	}
	if !utf8.ValidString(summary) {
		t.Error("summary is not valid UTF-8")
	}

	// The bounded form must itself fit the limit.
	raw, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal bounded result: %v", err)
	}
	if len(raw) > 2048 {
		t.Errorf("bounded result is %d bytes, want <= 2048", len(raw))
	}
}

func TestBoundResult_DefaultsWhenFieldsAbsent(t *testing.T) {
	t.Parallel()

	in := map[string]any{"payload": strings.Repeat("x", 4096)}
	out, truncated := boundResult(in, 2048)
	if !truncated {
		t.Fatal("oversize result not truncated")
	}
	m := out.(map[string]any)
	if m["status"] != "complete" {
		t.Errorf("status = %v, want default complete", m["status"])
	}
	if m["component"] != "" {
		t.Errorf("component = %v, want empty default", m["component"])
	}
}

func TestBoundResult_NonMapOversize(t *testing.T) {
	t.Parallel()

	in := strings.Repeat("long plain string result ", 200)
	out, truncated := boundResult(in, 256)
	if !truncated {
		t.Fatal("oversize string not truncated")
	}
	m := out.(map[string]any)
	if m["status"] != "complete" || m["component"] != "" {
		t.Errorf("summary defaults wrong: %v", m)
	}
}

func TestTruncateUTF8_NeverSplitsRunes(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("ü", 100) // 2 bytes per rune
	got := truncateUTF8(s, 25)
	if len(got) > 25 {
		t.Errorf("length = %d, want <= 25", len(got))
	}
	if !utf8.ValidString(got) {
		t.Errorf("result %q is not valid UTF-8", got)
	}
	if got != strings.Repeat("ü", 12) {
		t.Errorf("got %q, want 12 full runes", got)
	}
}

func TestTruncateUTF8_ShortStringUntouched(t *testing.T) {
	t.Parallel()

	if got := truncateUTF8("ok", 800); got != "ok" {
		t.Errorf("got %q, want %q", got, "ok")
	}
}
