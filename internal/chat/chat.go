// Package chat defines the canonical conversation data model shared by the
// turn controller, provider adapters, and the persistence gateway. Provider
// wire formats never leak past internal/provider; everything above it
// speaks these types.
package chat

import (
	"time"
)

// Message roles. The relay only distinguishes the asking side and the
// answering side; system prompts travel separately on the request.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// InlineData references an image by URL. Adapters resolve the reference
// to transferable bytes at call time; the bytes are never stored.
type InlineData struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
}

// Part is one element of a message body: text or an image reference.
// Exactly one field is set. The JSON shape is stable so that a
// replace-then-read round trip reproduces parts byte for byte.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// Citation is a canonical source attribution, either mapped from a
// provider's native citation mechanism or produced by the research loop.
type Citation struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	CitedText string `json:"cited_text,omitempty"`
}

// Message is one persisted conversation entry. Append-only within a
// conversation except for regenerate/edit, which replace the whole list.
type Message struct {
	ID                  string     `json:"id"`
	Role                string     `json:"role"`
	Content             string     `json:"content"`
	Thought             string     `json:"thought,omitempty"`
	Parts               []Part     `json:"parts,omitempty"`
	Citations           []Citation `json:"citations,omitempty"`
	SearchContextTokens int        `json:"searchContextTokens,omitempty"`
	CouncilOutputs      []string   `json:"councilOutputs,omitempty"`
	CreatedAt           time.Time  `json:"createdAt,omitempty"`
}

// Conversation holds one user's message history. UpdatedAt doubles as the
// optimistic-concurrency token for the write-permit protocol.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	Settings  string    `json:"settings,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Window returns the most recent limit messages. A non-positive limit
// returns the slice unchanged.
func Window(msgs []Message, limit int) []Message {
	if limit <= 0 || len(msgs) <= limit {
		return msgs
	}
	return msgs[len(msgs)-limit:]
}

// TextOf concatenates the text parts of a message, falling back to
// Content for messages stored without a parts array.
func TextOf(m Message) string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		out += p.Text
	}
	return out
}

// UserParts builds the parts array for a new user message: the prompt
// text followed by any image references.
func UserParts(prompt string, images []InlineData) []Part {
	parts := []Part{{Text: prompt}}
	for i := range images {
		img := images[i]
		parts = append(parts, Part{InlineData: &img})
	}
	return parts
}
