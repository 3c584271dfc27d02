package relay

import "sync"

// gate tracks in-flight tool executions. While any execution is in flight the
// uplink drops microphone audio instead of queueing it, so stale speech never
// arrives after a tool result.
//
// Acquire never blocks and never fails; a session may run several tool calls
// from one envelope concurrently, and audio stays gated until the last of
// them releases. Release clamps at zero so an extra release cannot wedge the
// counter.
type gate struct {
	mu       sync.Mutex
	inflight int
}

func (g *gate) Acquire() {
	g.mu.Lock()
	g.inflight++
	g.mu.Unlock()
}

func (g *gate) Release() {
	g.mu.Lock()
	if g.inflight > 0 {
		g.inflight--
	}
	g.mu.Unlock()
}

// Idle reports whether no tool execution is in flight.
func (g *gate) Idle() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight == 0
}
