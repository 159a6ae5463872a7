package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Writer frames events onto an HTTP response in SSE format. It is safe
// for concurrent use: the heartbeat goroutine and the turn's emit path
// interleave on one connection.
type Writer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	stop    chan struct{}
	once    sync.Once
}

// NewWriter prepares w for event streaming and sends the stream headers.
// Returns an error if the ResponseWriter cannot flush, since buffered
// streaming defeats the protocol.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &Writer{
		w:       w,
		flusher: flusher,
		stop:    make(chan struct{}),
	}, nil
}

// Send writes one event frame and flushes it to the client.
func (s *Writer) Send(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flusher.Flush()
}

// Emit returns a callback suitable for passing into producers.
func (s *Writer) Emit() Emit {
	return func(ev Event) { s.Send(ev) }
}

// StartHeartbeat writes comment frames at the given interval until the
// context is cancelled or Close is called. Comment lines keep long-idle
// connections alive through intermediary buffering; parsers ignore them.
func (s *Writer) StartHeartbeat(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.mu.Lock()
				fmt.Fprint(s.w, ": ping\n\n")
				s.flusher.Flush()
				s.mu.Unlock()
			}
		}
	}()
}

// Done writes the literal terminal marker. A cancelled turn never
// reaches this; the connection just closes.
func (s *Writer) Done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

// Close stops the heartbeat goroutine. Safe to call more than once.
func (s *Writer) Close() {
	s.once.Do(func() { close(s.stop) })
}
