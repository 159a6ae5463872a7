package sse

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Noah-Wu66/vectaix-relay/internal/chat"
)

func TestWriterFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	w.Send(Text("hello"))
	w.Send(Citations([]chat.Citation{{URL: "https://a.example", Title: "A"}}))
	w.Done()

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content type = %q", got)
	}

	body := rec.Body.String()
	lines := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	if len(lines) != 3 {
		t.Fatalf("frames = %d, want 3:\n%s", len(lines), body)
	}
	if lines[0] != `data: {"type":"text","content":"hello"}` {
		t.Errorf("frame 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], `"type":"citations"`) {
		t.Errorf("frame 1 = %q", lines[1])
	}
	if lines[2] != "data: [DONE]" {
		t.Errorf("terminal frame = %q", lines[2])
	}
}

func TestHeartbeatWritesComments(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.StartHeartbeat(ctx, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	cancel()
	w.Close()
	time.Sleep(10 * time.Millisecond)

	if !strings.Contains(rec.Body.String(), ": ping\n\n") {
		t.Errorf("no heartbeat comment in body: %q", rec.Body.String())
	}
}

func TestEventOmitsIrrelevantFields(t *testing.T) {
	rec := httptest.NewRecorder()
	w, _ := NewWriter(rec)
	defer w.Close()

	w.Send(SearchStart("the query"))
	body := rec.Body.String()
	if strings.Contains(body, "content") || strings.Contains(body, "citations") {
		t.Errorf("frame carries unrelated fields: %q", body)
	}
	if !strings.Contains(body, `"query":"the query"`) {
		t.Errorf("query missing: %q", body)
	}
}
