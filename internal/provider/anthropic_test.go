package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Noah-Wu66/vectaix-relay/internal/chat"
	"github.com/Noah-Wu66/vectaix-relay/internal/sse"
)

func TestAnthropicStreamMapsChannels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("api key header = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicAPIVersion {
			t.Errorf("version header = %q", got)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: content_block_delta\n")
		fmt.Fprint(w, `data: {"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"hmm"}}`+"\n\n")
		fmt.Fprint(w, "event: content_block_delta\n")
		fmt.Fprint(w, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"answer"}}`+"\n\n")
		fmt.Fprint(w, "event: content_block_delta\n")
		fmt.Fprint(w, `data: {"type":"content_block_delta","delta":{"type":"citations_delta","citation":{"url":"https://doc.example","title":"Doc","cited_text":"the quote"}}}`+"\n\n")
		fmt.Fprint(w, "event: message_stop\n")
		fmt.Fprint(w, `data: {"type":"message_stop"}`+"\n\n")
	}))
	defer server.Close()

	a := NewAnthropic("test-key", server.URL, nil)
	emit, events := collectEvents()

	err := a.Stream(context.Background(), Request{
		Model:    "claude-sonnet-4-5",
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "hi"}},
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
	if thought != "hmm" || text != "answer" {
		t.Errorf("thought=%q text=%q", thought, text)
	}
	if len(citations) != 1 || citations[0].CitedText != "the quote" {
		t.Errorf("citations = %+v", citations)
	}
}

func TestThinkingBudget(t *testing.T) {
	tests := []struct {
		req  Request
		want int
	}{
		{Request{BudgetTokens: 2048}, 2048},
		{Request{MaxEffort: true}, 32768},
		{Request{BudgetTokens: 100, MaxEffort: true}, 100},
		{Request{ThinkingLevel: "low"}, 1024},
		{Request{ThinkingLevel: "medium"}, 8192},
		{Request{ThinkingLevel: "high"}, 16384},
		{Request{}, 0},
	}
	for _, tt := range tests {
		if got := thinkingBudget(tt.req); got != tt.want {
			t.Errorf("thinkingBudget(%+v) = %d, want %d", tt.req, got, tt.want)
		}
	}
}
