package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Noah-Wu66/vectaix-relay/internal/chat"
	"github.com/Noah-Wu66/vectaix-relay/internal/sse"
)

func collectEvents() (sse.Emit, *[]sse.Event) {
	var events []sse.Event
	return func(ev sse.Event) { events = append(events, ev) }, &events
}

func TestGeminiStreamMapsChannels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-goog-api-key"); got != "test-key" {
			t.Errorf("api key header = %q", got)
		}

		var wire geminiRequest
		if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if wire.SystemInstruction == nil || wire.SystemInstruction.Parts[0].Text != "be brief" {
			t.Errorf("system instruction = %+v", wire.SystemInstruction)
		}
		if !wire.GenerationConfig.ThinkingConfig.IncludeThoughts {
			t.Error("thoughts not requested")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"candidates":[{"content":{"parts":[{"text":"pondering","thought":true}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"candidates":[{"content":{"parts":[{"text":"The answer"}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"candidates":[{"content":{"parts":[{"text":" is 42."}],"role":"model"},"groundingMetadata":{"groundingChunks":[{"web":{"uri":"https://src.example","title":"Source"}},{"web":{"uri":"https://src.example","title":"Dup"}}]}}]}`+"\n\n")
	}))
	defer server.Close()

	g := NewGemini("test-key", server.URL, nil)
	emit, events := collectEvents()

	err := g.Stream(context.Background(), Request{
		Model:    "gemini-2.5-pro",
		System:   "be brief",
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "what is the answer"}},
	}, emit)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var thought, text string
	var citations []chat.Citation
	for _, ev := range *events {
		switch ev.Type {
		case sse.TypeThought:
			thought += ev.Content
		case sse.TypeText:
			text += ev.Content
		case sse.TypeCitations:
			citations = ev.Citations
		}
	}
	if thought != "pondering" {
		t.Errorf("thought = %q", thought)
	}
	if text != "The answer is 42." {
		t.Errorf("text = %q", text)
	}
	if len(citations) != 1 || citations[0].URL != "https://src.example" {
		t.Errorf("citations = %+v (grounding must dedupe by URL)", citations)
	}
}

func TestGeminiUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"quota"}}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	g := NewGemini("k", server.URL, nil)
	emit, events := collectEvents()

	err := g.Stream(context.Background(), Request{
		Model:    "gemini-2.5-pro",
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "hi"}},
	}, emit)

	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want *UpstreamError", err)
	}
	if ue.Status != http.StatusTooManyRequests || ue.Family != FamilyGemini {
		t.Errorf("upstream error = %+v", ue)
	}
	if len(*events) != 0 {
		t.Errorf("events emitted on upstream error: %v", *events)
	}
}

func TestGeminiCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"candidates":[{"content":{"parts":[{"text":"first"}]}}]}`+"\n\n")
		w.(http.Flusher).Flush()
		cancel()
		// Hold the stream open; the client must bail out via its context.
		<-r.Context().Done()
	}))
	defer server.Close()

	g := NewGemini("k", server.URL, nil)
	err := g.Stream(ctx, Request{
		Model:    "gemini-2.5-pro",
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "hi"}},
	}, func(sse.Event) {})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
