package relay

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/inspexhq/inspex/pkg/upstream"
)

// summaryBytes caps the summary field of a truncated tool result.
const summaryBytes = 800

// dispatch executes one tool call and sends the correlated response
// upstream. It runs in its own goroutine; the audio gate was acquired by the
// caller and is released here on every path, including executor panics
// surfacing as errors and send failures.
func (s *Session) dispatch(ctx context.Context, call upstream.FunctionCall) {
	defer s.dispatches.Done()
	defer s.gate.Release()

	start := time.Now()
	status := "ok"
	var response any

	result, err := s.executor.Execute(ctx, call, s.toolCtx)
	if err != nil {
		// An executor failure answers the model instead of killing the
		// session; the model decides how to proceed.
		status = "error"
		response = map[string]any{"error": err.Error()}
		s.log.Warn("tool execution failed", "tool", call.Name, "error", err)
	} else {
		response = result
	}

	bounded, truncated := boundResult(response, s.maxResultBytes)
	if truncated {
		s.log.Info("tool result truncated", "tool", call.Name, "limit_bytes", s.maxResultBytes)
	}

	elapsed := time.Since(start)
	mctx := context.WithoutCancel(ctx)
	s.metrics.ToolExecutionDuration.Record(mctx, elapsed.Seconds())
	s.metrics.RecordToolCall(mctx, call.Name, status)
	s.recordToolCall(mctx, call, bounded, truncated)

	resp := upstream.FunctionResponse{ID: call.ID, Name: call.Name, Response: bounded}
	if err := s.upstream.SendToolResponse(ctx, []upstream.FunctionResponse{resp}); err != nil {
		s.log.Warn("tool response not delivered", "tool", call.Name, "error", err)
	}
}

func (s *Session) recordToolCall(ctx context.Context, call upstream.FunctionCall, result any, truncated bool) {
	args, err := json.Marshal(call.Args)
	if err != nil {
		args = nil
	}
	res, err := json.Marshal(result)
	if err != nil {
		res = nil
	}
	if err := s.store.RecordToolCall(ctx, s.id, call.ID, call.Name, args, res, truncated); err != nil {
		s.log.Warn("tool call not recorded", "tool", call.Name, "error", err)
	}
}

// boundResult enforces the serialized size limit on a tool result. Results
// within the limit pass through untouched. Oversized results collapse to a
// three-field summary that keeps the status and component fields when the
// original result carried them, so the model can still speak a coherent
// answer.
func boundResult(result any, maxBytes int) (any, bool) {
	raw, err := json.Marshal(result)
	if err != nil {
		return map[string]any{"error": "tool result not serializable"}, true
	}
	if len(raw) <= maxBytes {
		return result, false
	}

	status := "complete"
	component := ""
	if m, ok := result.(map[string]any); ok {
		if v, ok := m["status"].(string); ok {
			status = v
		}
		if v, ok := m["component"].(string); ok {
			component = v
		}
	}

	return map[string]any{
		"status":    status,
		"component": component,
		"summary":   truncateUTF8(string(raw), summaryBytes),
	}, true
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
