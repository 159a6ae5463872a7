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

const anthropicAPIVersion = "2023-06-01"

// Anthropic is the adapter for the Anthropic Messages streaming API.
type Anthropic struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropic creates an Anthropic adapter.
func NewAnthropic(apiKey, baseURL string, logger *slog.Logger) *Anthropic {
	if logger == nil {
		logger = slog.Default()
	}
	// Extended thinking can take significant time before sending headers.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &Anthropic{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger.With("provider", FamilyAnthropic),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

func (a *Anthropic) Family() string { return FamilyAnthropic }

// Anthropic wire types.

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
	Thinking  *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicBlock
}

type anthropicBlock struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
		Citation *struct {
			URL       string `json:"url"`
			Title     string `json:"title"`
			CitedText string `json:"cited_text"`
		} `json:"citation"`
	} `json:"delta"`
}

// Stream sends one generation request and relays its event stream.
func (a *Anthropic) Stream(ctx context.Context, req Request, emit sse.Emit) error {
	msgs, err := a.convertMessages(ctx, req.Messages)
	if err != nil {
		return err
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	wire := anthropicRequest{
		Model:     req.Model,
		Messages:  msgs,
		System:    req.System,
		MaxTokens: maxTokens,
		Stream:    true,
	}
	if budget := thinkingBudget(req); budget > 0 {
		wire.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: budget}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	a.logger.Debug("preparing request", "model", req.Model, "messages", len(msgs))
	a.logger.Log(ctx, levelTrace, "request payload", "json", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		a.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return &UpstreamError{Family: FamilyAnthropic, Status: resp.StatusCode, Body: errBody}
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

		// SSE format: "event: <type>" followed by "data: <json>"
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			break
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue // Skip malformed events
		}
		if event.Type != "content_block_delta" || event.Delta == nil {
			continue
		}

		switch event.Delta.Type {
		case "thinking_delta":
			if event.Delta.Thinking != "" {
				emit(sse.Thought(event.Delta.Thinking))
			}
		case "text_delta":
			if event.Delta.Text != "" {
				emit(sse.Text(event.Delta.Text))
			}
		case "citations_delta":
			c := event.Delta.Citation
			if c == nil || c.URL == "" || seen[c.URL] {
				continue
			}
			seen[c.URL] = true
			citations = append(citations, chat.Citation{URL: c.URL, Title: c.Title, CitedText: c.CitedText})
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

	a.logger.Debug("stream complete", "model", req.Model, "citations", len(citations))
	return nil
}

// thinkingBudget maps the canonical thinking controls onto a token budget.
func thinkingBudget(req Request) int {
	if req.BudgetTokens > 0 {
		return req.BudgetTokens
	}
	if req.MaxEffort {
		return 32768
	}
	switch req.ThinkingLevel {
	case "low":
		return 1024
	case "medium":
		return 8192
	case "high":
		return 16384
	}
	return 0
}

// convertMessages maps canonical messages to Anthropic blocks, resolving
// image references to base64 sources.
func (a *Anthropic) convertMessages(ctx context.Context, msgs []chat.Message) ([]anthropicMessage, error) {
	out := make([]anthropicMessage, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		if m.Role == chat.RoleModel {
			role = "assistant"
		}

		if len(m.Parts) == 0 {
			out = append(out, anthropicMessage{Role: role, Content: m.Content})
			continue
		}

		var blocks []anthropicBlock
		for _, p := range m.Parts {
			switch {
			case p.InlineData != nil:
				data, mime, err := resolveInline(ctx, a.httpClient, *p.InlineData)
				if err != nil {
					return nil, fmt.Errorf("resolve image %s: %w", p.InlineData.URL, err)
				}
				blocks = append(blocks, anthropicBlock{
					Type: "image",
					Source: &anthropicSource{
						Type:      "base64",
						MediaType: mime,
						Data:      base64.StdEncoding.EncodeToString(data),
					},
				})
			case p.Text != "":
				blocks = append(blocks, anthropicBlock{Type: "text", Text: p.Text})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		out = append(out, anthropicMessage{Role: role, Content: blocks})
	}
	return out, nil
}
