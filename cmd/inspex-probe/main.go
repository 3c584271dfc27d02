// Command inspex-probe is a terminal client for poking a running relay
// server. It dials the live websocket, optionally negotiates a session
// config, streams microphone-shaped PCM upstream and prints every frame
// the server sends. Received audio is paced through a small playback
// buffer that an interrupted frame discards, the same way a real field
// client cuts playback when the operator talks over the model.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
)

// 16 kHz mono signed 16-bit little-endian, 100 ms per frame.
const (
	chunkBytes  = 3200
	chunkPeriod = 100 * time.Millisecond
)

func main() {
	os.Exit(run())
}

func run() int {
	url := flag.String("url", "ws://localhost:8001/ws/live", "relay websocket URL")
	model := flag.String("model", "", "override the session model")
	voice := flag.String("voice", "", "override the session voice")
	prompt := flag.String("prompt", "", "override the system prompt")
	pcm := flag.String("pcm", "", "16kHz mono s16le file to stream as uplink audio")
	silence := flag.Duration("silence", 0, "stream generated silence for this long instead of a file")
	out := flag.String("out", "", "write received audio to this file (raw 24kHz mono s16le)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.Dial(ctx, *url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inspex-probe: dial %s: %v\n", *url, err)
		return 1
	}
	defer conn.CloseNow()

	// Raise the read limit; downlink audio frames can be large.
	conn.SetReadLimit(1 << 20)

	if *model != "" || *voice != "" || *prompt != "" {
		cfg := map[string]any{"type": "config"}
		if *model != "" {
			cfg["model"] = *model
		}
		if *voice != "" {
			cfg["voice"] = *voice
		}
		if *prompt != "" {
			cfg["system_prompt"] = *prompt
		}
		if err := writeJSON(ctx, conn, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "inspex-probe: send config: %v\n", err)
			return 1
		}
	}

	player, err := newPlayback(*out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inspex-probe: %v\n", err)
		return 1
	}
	defer player.close()
	go player.drain(ctx)

	// Printer loop: dump every incoming frame, routing binary audio and
	// interrupted events through the playback buffer.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				player.enqueue(data)
				fmt.Printf("<- [binary audio, %d bytes]\n", len(data))
				continue
			}
			fmt.Printf("<- %s\n", data)
			var ev struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &ev) == nil && ev.Type == "interrupted" {
				if n := player.discard(); n > 0 {
					fmt.Printf("   discarded %d buffered audio bytes\n", n)
				}
			}
		}
	}()

	// Uplink audio: stream the PCM file, or silence, at real-time pace.
	if *pcm != "" || *silence > 0 {
		src, err := audioSource(*pcm, *silence)
		if err != nil {
			fmt.Fprintf(os.Stderr, "inspex-probe: %v\n", err)
			return 1
		}
		go func() {
			defer src.Close()
			if err := streamAudio(ctx, conn, src); err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "inspex-probe: stream audio: %v\n", err)
			}
		}()
	}

	// Stdin loop: each line becomes an echo frame.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if err := writeJSON(ctx, conn, map[string]any{"type": "echo", "payload": line}); err != nil {
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		// Graceful close: tell the server we are done, then wait briefly for
		// the close handshake.
		endCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = writeJSON(endCtx, conn, map[string]any{"type": "end_session"})
		select {
		case <-done:
		case <-endCtx.Done():
		}
	case <-done:
	}

	fmt.Println("inspex-probe: session closed")
	return 0
}

// audioSource opens the uplink source: a raw PCM file, or a reader that
// produces zeroed samples for the given duration.
func audioSource(path string, silence time.Duration) (io.ReadCloser, error) {
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open pcm file: %w", err)
		}
		return f, nil
	}
	total := int64(silence/chunkPeriod) * chunkBytes
	return io.NopCloser(io.LimitReader(zeroReader{}, total)), nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// streamAudio sends the source as binary frames, one chunk per tick, so
// the relay sees the same cadence a live microphone produces.
func streamAudio(ctx context.Context, conn *websocket.Conn, src io.Reader) error {
	ticker := time.NewTicker(chunkPeriod)
	defer ticker.Stop()

	buf := make([]byte, chunkBytes)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			if werr := conn.Write(ctx, websocket.MessageBinary, buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			fmt.Println("-> uplink audio finished")
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// playback holds received audio and drains it at roughly real-time pace,
// standing in for a speaker. An interrupted frame empties whatever has
// not been "played" yet.
type playback struct {
	mu   sync.Mutex
	buf  []byte
	sink *os.File
}

func newPlayback(path string) (*playback, error) {
	p := &playback{}
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("create audio output: %w", err)
		}
		p.sink = f
	}
	return p, nil
}

func (p *playback) enqueue(data []byte) {
	p.mu.Lock()
	p.buf = append(p.buf, data...)
	p.mu.Unlock()
}

func (p *playback) discard() int {
	p.mu.Lock()
	n := len(p.buf)
	p.buf = p.buf[:0]
	p.mu.Unlock()
	return n
}

func (p *playback) drain(ctx context.Context) {
	ticker := time.NewTicker(chunkPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.mu.Lock()
		n := min(len(p.buf), chunkBytes)
		chunk := p.buf[:n:n]
		p.buf = p.buf[n:]
		p.mu.Unlock()
		if n > 0 && p.sink != nil {
			if _, err := p.sink.Write(chunk); err != nil {
				fmt.Fprintf(os.Stderr, "inspex-probe: write audio output: %v\n", err)
				return
			}
		}
	}
}

func (p *playback) close() {
	if p.sink != nil {
		p.sink.Close()
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
