// Package provider implements streaming adapters for the upstream model
// APIs. Each adapter translates canonical messages into one provider's
// wire format, consumes its SSE stream, and maps reasoning deltas,
// answer deltas, and native citations onto the relay's event protocol.
package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Noah-Wu66/vectaix-relay/internal/chat"
	"github.com/Noah-Wu66/vectaix-relay/internal/httpkit"
	"github.com/Noah-Wu66/vectaix-relay/internal/sse"
)

// Model family identifiers.
const (
	FamilyGemini    = "gemini"
	FamilyOpenAI    = "openai"
	FamilyAnthropic = "anthropic"
)

// Request is one generation call in canonical form.
type Request struct {
	Model    string
	System   string
	Messages []chat.Message

	MaxTokens     int
	BudgetTokens  int    // reasoning budget, provider-mapped
	ThinkingLevel string // "low", "medium", "high"
	MaxEffort     bool   // request the provider's maximum reasoning effort
}

// Streamer is the narrow contract every provider family implements.
// Stream emits thought/text/citations frames as they arrive and returns
// when the upstream stream ends. A non-success upstream response is
// returned as *UpstreamError. Cancellation via ctx stops consumption
// mid-flight and returns ctx.Err() without a terminal event.
type Streamer interface {
	Family() string
	Stream(ctx context.Context, req Request, emit sse.Emit) error
}

// UpstreamError reports a non-success response from a provider API.
// By the time most upstream failures are detectable the client stream
// has already committed, so callers surface this as a stream_error
// frame rather than an HTTP status.
type UpstreamError struct {
	Family string
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Family, e.Status, e.Body)
}

// Registry routes requests to the appropriate adapter based on model name.
type Registry struct {
	byFamily map[string]Streamer
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{byFamily: make(map[string]Streamer)}
}

// Register adds an adapter under its family name.
func (r *Registry) Register(s Streamer) {
	r.byFamily[s.Family()] = s
}

// Get returns the adapter for a family name.
func (r *Registry) Get(family string) (Streamer, bool) {
	s, ok := r.byFamily[family]
	return s, ok
}

// ForModel returns the adapter responsible for the given model name.
func (r *Registry) ForModel(model string) (Streamer, error) {
	family := FamilyForModel(model)
	s, ok := r.byFamily[family]
	if !ok {
		return nil, fmt.Errorf("no provider configured for model %q (family %s)", model, family)
	}
	return s, nil
}

// FamilyForModel infers the provider family from a model name.
func FamilyForModel(model string) string {
	switch {
	case strings.HasPrefix(model, "gemini"):
		return FamilyGemini
	case strings.HasPrefix(model, "claude"):
		return FamilyAnthropic
	default:
		return FamilyOpenAI
	}
}

// maxImageBytes bounds an image reference download (20 MB).
const maxImageBytes = 20 * 1024 * 1024

// resolveInline turns an image reference into transferable bytes at call
// time. Data URLs are decoded in place; everything else is fetched.
// No cross-call caching: every generation resolves its own references.
func resolveInline(ctx context.Context, client *http.Client, ref chat.InlineData) ([]byte, string, error) {
	if strings.HasPrefix(ref.URL, "data:") {
		return decodeDataURL(ref.URL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("image request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		httpkit.DrainAndClose(resp.Body, 1024)
		return nil, "", fmt.Errorf("fetch image: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}

	mime := ref.MimeType
	if mime == "" {
		mime = resp.Header.Get("Content-Type")
	}
	if mime == "" {
		mime = "image/png"
	}
	return data, mime, nil
}

// decodeDataURL extracts bytes and media type from a data: URL.
func decodeDataURL(u string) ([]byte, string, error) {
	rest := strings.TrimPrefix(u, "data:")
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("malformed data URL")
	}
	mime := meta
	if i := strings.Index(meta, ";"); i >= 0 {
		mime = meta[:i]
	}
	if !strings.Contains(meta, "base64") {
		return []byte(payload), mime, nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode data URL: %w", err)
	}
	return data, mime, nil
}
