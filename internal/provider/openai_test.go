package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Noah-Wu66/vectaix-relay/internal/chat"
	"github.com/Noah-Wu66/vectaix-relay/internal/sse"
)

func TestOpenAIStreamMapsChannels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}

		var wire openaiRequest
		if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !wire.Stream {
			t.Error("stream not requested")
		}
		if wire.Messages[0].Role != "system" {
			t.Errorf("first message role = %q, want system", wire.Messages[0].Role)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"reasoning_content":"let me think"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"hello "}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"world","annotations":[{"type":"url_citation","url_citation":{"url":"https://ref.example","title":"Ref"}}]}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		// Anything after the terminal marker must be ignored.
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"ghost"}}]}`+"\n\n")
	}))
	defer server.Close()

	o := NewOpenAI("test-key", server.URL, nil)
	emit, events := collectEvents()

	err := o.Stream(context.Background(), Request{
		Model:    "gpt-5",
		System:   "be brief",
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
	if thought != "let me think" {
		t.Errorf("thought = %q", thought)
	}
	if text != "hello world" {
		t.Errorf("text = %q", text)
	}
	if len(citations) != 1 || citations[0].URL != "https://ref.example" {
		t.Errorf("citations = %+v", citations)
	}
}

func TestReasoningEffort(t *testing.T) {
	if got := reasoningEffort(Request{MaxEffort: true, ThinkingLevel: "low"}); got != "high" {
		t.Errorf("max effort = %q, want high", got)
	}
	if got := reasoningEffort(Request{ThinkingLevel: "medium"}); got != "medium" {
		t.Errorf("medium = %q", got)
	}
	if got := reasoningEffort(Request{ThinkingLevel: "extreme"}); got != "" {
		t.Errorf("unknown level = %q, want empty", got)
	}
}

// The outbound mapping keeps text and image parts in order so a stored
// parts array survives regeneration byte for byte.
func TestOpenAIPartsMapping(t *testing.T) {
	o := NewOpenAI("k", "https://unused.example", nil)

	msgs, err := o.convertMessages(context.Background(), Request{
		Messages: []chat.Message{{
			Role:    chat.RoleUser,
			Content: "hi",
			Parts: []chat.Part{
				{Text: "hi"},
				{InlineData: &chat.InlineData{URL: "data:image/png;base64,aGk=", MimeType: "image/png"}},
			},
		}},
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}

	parts, ok := msgs[0].Content.([]openaiPart)
	if !ok {
		t.Fatalf("content type %T, want parts", msgs[0].Content)
	}
	if parts[0].Type != "text" || parts[0].Text != "hi" {
		t.Errorf("part 0 = %+v", parts[0])
	}
	if parts[1].Type != "image_url" || parts[1].ImageURL == nil {
		t.Errorf("part 1 = %+v", parts[1])
	}
}
