// Package sse implements the typed event protocol streamed to the client:
// one structured record per frame, comment lines as heartbeats, and a
// literal [DONE] marker at the end of a completed turn.
package sse

import "github.com/Noah-Wu66/vectaix-relay/internal/chat"

// Frame type identifiers. Conformant parsers switch on Type and ignore
// comment/heartbeat lines entirely.
const (
	TypeThought             = "thought"
	TypeText                = "text"
	TypeSearchStart         = "search_start"
	TypeSearchResult        = "search_result"
	TypeSearchReaderStart   = "search_reader_start"
	TypeSearchReaderResult  = "search_reader_result"
	TypeSearchReaderError   = "search_reader_error"
	TypeSearchError         = "search_error"
	TypeCitations           = "citations"
	TypeSearchContextTokens = "search_context_tokens"
	TypeStreamError         = "stream_error"
)

// ResultRef is the concise result reference carried by search_result frames.
type ResultRef struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Event is one protocol frame. Only the fields relevant to Type are set;
// the rest are omitted from the encoded frame.
type Event struct {
	Type      string          `json:"type,omitempty"`
	Content   string          `json:"content,omitempty"`
	Query     string          `json:"query,omitempty"`
	Results   []ResultRef     `json:"results,omitempty"`
	URL       string          `json:"url,omitempty"`
	Title     string          `json:"title,omitempty"`
	Excerpt   string          `json:"excerpt,omitempty"`
	Message   string          `json:"message,omitempty"`
	Citations []chat.Citation `json:"citations,omitempty"`
	Tokens    int             `json:"tokens,omitempty"`
}

// Emit delivers one frame toward the client. Producers never block on
// the client directly; the writer behind the callback owns flushing.
type Emit func(Event)

// Thought builds a reasoning-channel frame.
func Thought(content string) Event { return Event{Type: TypeThought, Content: content} }

// Text builds an answer-channel frame.
func Text(content string) Event { return Event{Type: TypeText, Content: content} }

// SearchStart announces a new search round for the given query.
func SearchStart(query string) Event { return Event{Type: TypeSearchStart, Query: query} }

// SearchResult reports the concise results of one search call.
func SearchResult(query string, refs []ResultRef) Event {
	return Event{Type: TypeSearchResult, Query: query, Results: refs}
}

// ReaderStart announces a deep read of one result page.
func ReaderStart(url, title string) Event {
	return Event{Type: TypeSearchReaderStart, URL: url, Title: title}
}

// ReaderResult reports a completed page read with a short UI excerpt.
func ReaderResult(url, title, excerpt string) Event {
	return Event{Type: TypeSearchReaderResult, URL: url, Title: title, Excerpt: excerpt}
}

// ReaderError reports a failed page read. The round continues.
func ReaderError(url, title string) Event {
	return Event{Type: TypeSearchReaderError, URL: url, Title: title}
}

// SearchError reports a failed search call. The turn continues without
// fabricated context.
func SearchError(message string) Event { return Event{Type: TypeSearchError, Message: message} }

// Citations carries the deduplicated source list for the turn.
func Citations(cits []chat.Citation) Event { return Event{Type: TypeCitations, Citations: cits} }

// ContextTokens reports the estimated token size of injected search context.
func ContextTokens(n int) Event { return Event{Type: TypeSearchContextTokens, Tokens: n} }

// StreamError surfaces an upstream failure inside the already-open stream.
func StreamError(message string) Event { return Event{Type: TypeStreamError, Message: message} }
