package relay

import (
	"context"
	"errors"
	"sync"
)

var errQueueClosed = errors.New("relay: outbound queue closed")

type frameKind uint8

const (
	frameControl frameKind = iota
	frameAudio
)

// outFrame is one pending outbound client frame. Audio frames carry raw PCM
// written as a binary message; control frames are pre-encoded JSON text.
type outFrame struct {
	kind     frameKind
	data     []byte
	mimeType string // audio frames only, kept for the JSON fallback
}

// outQueue is the single outbound path to the client. Every goroutine that
// produces client frames pushes here and one writer goroutine drains in FIFO
// order, so frame ordering is decided at enqueue time.
type outQueue struct {
	mu     sync.Mutex
	frames []outFrame
	closed bool
	notify chan struct{}
}

func newOutQueue() *outQueue {
	return &outQueue{notify: make(chan struct{}, 1)}
}

func (q *outQueue) push(f outFrame) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.frames = append(q.frames, f)
	q.mu.Unlock()
	q.wake()
}

func (q *outQueue) pushControl(data []byte) {
	q.push(outFrame{kind: frameControl, data: data})
}

func (q *outQueue) pushAudio(data []byte, mimeType string) {
	q.push(outFrame{kind: frameAudio, data: data, mimeType: mimeType})
}

// pop blocks until a frame is available, the queue is closed, or ctx ends.
func (q *outQueue) pop(ctx context.Context) (outFrame, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return f, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return outFrame{}, errQueueClosed
		}
		select {
		case <-ctx.Done():
			return outFrame{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// flushAudio removes every queued audio frame and reports how many were
// dropped. Control frames keep their relative order, so a queued transcript
// still precedes the interrupted notice that triggered the flush.
func (q *outQueue) flushAudio() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.frames[:0]
	dropped := 0
	for _, f := range q.frames {
		if f.kind == frameAudio {
			dropped++
			continue
		}
		kept = append(kept, f)
	}
	q.frames = kept
	return dropped
}

func (q *outQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *outQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
