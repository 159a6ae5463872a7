package oracle

import (
	"context"
	"errors"
	"testing"

	"github.com/Noah-Wu66/vectaix-relay/internal/provider"
	"github.com/Noah-Wu66/vectaix-relay/internal/sse"
)

// scriptedStreamer plays back a fixed sequence of events.
type scriptedStreamer struct {
	events []sse.Event
	err    error

	lastReq provider.Request
}

func (s *scriptedStreamer) Family() string { return "test" }

func (s *scriptedStreamer) Stream(ctx context.Context, req provider.Request, emit sse.Emit) error {
	s.lastReq = req
	for _, ev := range s.events {
		emit(ev)
	}
	return s.err
}

func TestDecideBuffersTextForwardsThought(t *testing.T) {
	streamer := &scriptedStreamer{events: []sse.Event{
		sse.Thought("considering..."),
		sse.Text(`{"need_search":`),
		sse.Thought("almost done"),
		sse.Text(`true,"query":"x"}`),
	}}
	o := New(streamer, "fast-model", 256, nil)

	var forwarded []sse.Event
	raw := o.Decide(context.Background(), "sys", "user", func(ev sse.Event) {
		forwarded = append(forwarded, ev)
	})

	if raw != `{"need_search":true,"query":"x"}` {
		t.Errorf("answer = %q", raw)
	}
	if len(forwarded) != 2 {
		t.Fatalf("forwarded %d events, want 2 thoughts", len(forwarded))
	}
	for _, ev := range forwarded {
		if ev.Type != sse.TypeThought {
			t.Errorf("forwarded %s event; text must never reach the client", ev.Type)
		}
	}
	if streamer.lastReq.MaxTokens != 256 {
		t.Errorf("MaxTokens = %d, want 256", streamer.lastReq.MaxTokens)
	}
}

func TestDecideFailureReturnsEmpty(t *testing.T) {
	streamer := &scriptedStreamer{
		events: []sse.Event{sse.Text(`{"need_search":true`)},
		err:    errors.New("connection reset"),
	}
	o := New(streamer, "fast-model", 0, nil)

	raw := o.Decide(context.Background(), "sys", "user", nil)
	if raw != "" {
		t.Errorf("failed decision returned %q, want empty", raw)
	}
	if ParseSearchDecision(raw).NeedSearch {
		t.Error("failed decision must map to the negative branch")
	}
}
