package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Noah-Wu66/vectaix-relay/internal/chat"
	"github.com/Noah-Wu66/vectaix-relay/internal/httpkit"
	"github.com/Noah-Wu66/vectaix-relay/internal/sse"
)

// OpenAI is the adapter for the OpenAI chat completions streaming API.
type OpenAI struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAI creates an OpenAI adapter.
func NewOpenAI(apiKey, baseURL string, logger *slog.Logger) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &OpenAI{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger.With("provider", FamilyOpenAI),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

func (o *OpenAI) Family() string { return FamilyOpenAI }

// OpenAI wire types.

type openaiRequest struct {
	Model               string          `json:"model"`
	Messages            []openaiMessage `json:"messages"`
	Stream              bool            `json:"stream"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	ReasoningEffort     string          `json:"reasoning_effort,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []openaiPart
}

type openaiPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

type openaiChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			Annotations      []struct {
				Type        string `json:"type"`
				URLCitation *struct {
					URL   string `json:"url"`
					Title string `json:"title"`
				} `json:"url_citation"`
			} `json:"annotations"`
		} `json:"delta"`
	} `json:"choices"`
}

// Stream sends one generation request and relays its event stream.
func (o *OpenAI) Stream(ctx context.Context, req Request, emit sse.Emit) error {
	msgs, err := o.convertMessages(ctx, req)
	if err != nil {
		return err
	}

	wire := openaiRequest{
		Model:               req.Model,
		Messages:            msgs,
		Stream:              true,
		MaxCompletionTokens: req.MaxTokens,
		ReasoningEffort:     reasoningEffort(req),
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	o.logger.Debug("preparing request", "model", req.Model, "messages", len(msgs))
	o.logger.Log(ctx, levelTrace, "request payload", "json", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		o.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return &UpstreamError{Family: FamilyOpenAI, Status: resp.StatusCode, Body: errBody}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	seen := make(map[string]bool)
	var citations []chat.Citation

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			break
		}

		var chunk openaiChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // Skip malformed events
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.ReasoningContent != "" {
				emit(sse.Thought(choice.Delta.ReasoningContent))
			}
			if choice.Delta.Content != "" {
				emit(sse.Text(choice.Delta.Content))
			}
			for _, ann := range choice.Delta.Annotations {
				if ann.URLCitation == nil || ann.URLCitation.URL == "" || seen[ann.URLCitation.URL] {
					continue
				}
				seen[ann.URLCitation.URL] = true
				citations = append(citations, chat.Citation{
					URL:   ann.URLCitation.URL,
					Title: ann.URLCitation.Title,
				})
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read stream: %w", err)
	}

	if len(citations) > 0 {
		emit(sse.Citations(citations))
	}

	o.logger.Debug("stream complete", "model", req.Model, "citations", len(citations))
	return nil
}

// reasoningEffort maps the canonical thinking controls onto the
// reasoning_effort parameter.
func reasoningEffort(req Request) string {
	if req.MaxEffort {
		return "high"
	}
	switch req.ThinkingLevel {
	case "low", "medium", "high":
		return req.ThinkingLevel
	}
	return ""
}

// convertMessages maps canonical messages to the chat completions shape,
// resolving image references into data URLs.
func (o *OpenAI) convertMessages(ctx context.Context, req Request) ([]openaiMessage, error) {
	out := make([]openaiMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openaiMessage{Role: "system", Content: req.System})
	}

	for _, m := range req.Messages {
		role := "user"
		if m.Role == chat.RoleModel {
			role = "assistant"
		}

		if len(m.Parts) == 0 {
			out = append(out, openaiMessage{Role: role, Content: m.Content})
			continue
		}

		hasImage := false
		for _, p := range m.Parts {
			if p.InlineData != nil {
				hasImage = true
				break
			}
		}
		if !hasImage {
			out = append(out, openaiMessage{Role: role, Content: chat.TextOf(m)})
			continue
		}

		var wireParts []openaiPart
		for _, p := range m.Parts {
			switch {
			case p.InlineData != nil:
				data, mime, err := resolveInline(ctx, o.httpClient, *p.InlineData)
				if err != nil {
					return nil, fmt.Errorf("resolve image %s: %w", p.InlineData.URL, err)
				}
				wireParts = append(wireParts, openaiPart{
					Type: "image_url",
					ImageURL: &openaiImageURL{
						URL: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data),
					},
				})
			case p.Text != "":
				wireParts = append(wireParts, openaiPart{Type: "text", Text: p.Text})
			}
		}
		out = append(out, openaiMessage{Role: role, Content: wireParts})
	}
	return out, nil
}
