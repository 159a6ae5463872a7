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

// levelTrace mirrors config.LevelTrace for wire-level payload logging.
const levelTrace = slog.Level(-8)

// Gemini is the adapter for the Gemini generateContent streaming API.
type Gemini struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGemini creates a Gemini adapter.
func NewGemini(apiKey, baseURL string, logger *slog.Logger) *Gemini {
	if logger == nil {
		logger = slog.Default()
	}
	// Thinking models can hold the connection for a long time before the
	// first byte. Use a generous response header timeout and no overall
	// client timeout; ctx cancellation bounds the stream.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &Gemini{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger.With("provider", FamilyGemini),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

func (g *Gemini) Family() string { return FamilyGemini }

// Gemini wire types.

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string          `json:"text,omitempty"`
	Thought    bool            `json:"thought,omitempty"`
	InlineData *geminiBlobPart `json:"inlineData,omitempty"`
}

type geminiBlobPart struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type geminiGenConfig struct {
	MaxOutputTokens int                   `json:"maxOutputTokens,omitempty"`
	ThinkingConfig  *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
	ThinkingBudget  int  `json:"thinkingBudget,omitempty"`
}

type geminiChunk struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		GroundingMetadata *struct {
			GroundingChunks []struct {
				Web *struct {
					URI   string `json:"uri"`
					Title string `json:"title"`
				} `json:"web"`
			} `json:"groundingChunks"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
}

// Stream sends one generation request and relays its event stream.
func (g *Gemini) Stream(ctx context.Context, req Request, emit sse.Emit) error {
	contents, err := g.convertMessages(ctx, req.Messages)
	if err != nil {
		return err
	}

	wire := geminiRequest{
		Contents: contents,
		GenerationConfig: &geminiGenConfig{
			MaxOutputTokens: req.MaxTokens,
			ThinkingConfig: &geminiThinkingConfig{
				IncludeThoughts: true,
				ThinkingBudget:  req.BudgetTokens,
			},
		},
	}
	if req.System != "" {
		wire.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	g.logger.Debug("preparing request", "model", req.Model, "messages", len(contents))
	g.logger.Log(ctx, levelTrace, "request payload", "json", string(body))

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", g.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		g.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return &UpstreamError{Family: FamilyGemini, Status: resp.StatusCode, Body: errBody}
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
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk geminiChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // Skip malformed events
		}

		for _, cand := range chunk.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text == "" {
					continue
				}
				if part.Thought {
					emit(sse.Thought(part.Text))
				} else {
					emit(sse.Text(part.Text))
				}
			}
			if cand.GroundingMetadata == nil {
				continue
			}
			for _, gc := range cand.GroundingMetadata.GroundingChunks {
				if gc.Web == nil || gc.Web.URI == "" || seen[gc.Web.URI] {
					continue
				}
				seen[gc.Web.URI] = true
				citations = append(citations, chat.Citation{URL: gc.Web.URI, Title: gc.Web.Title})
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

	g.logger.Debug("stream complete", "model", req.Model, "citations", len(citations))
	return nil
}

// convertMessages maps canonical messages to Gemini contents, resolving
// image references to inline base64 blobs.
func (g *Gemini) convertMessages(ctx context.Context, msgs []chat.Message) ([]geminiContent, error) {
	out := make([]geminiContent, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		if m.Role == chat.RoleModel {
			role = "model"
		}

		parts := m.Parts
		if len(parts) == 0 {
			parts = []chat.Part{{Text: m.Content}}
		}

		var wireParts []geminiPart
		for _, p := range parts {
			switch {
			case p.InlineData != nil:
				data, mime, err := resolveInline(ctx, g.httpClient, *p.InlineData)
				if err != nil {
					return nil, fmt.Errorf("resolve image %s: %w", p.InlineData.URL, err)
				}
				wireParts = append(wireParts, geminiPart{InlineData: &geminiBlobPart{
					MimeType: mime,
					Data:     base64.StdEncoding.EncodeToString(data),
				}})
			case p.Text != "":
				wireParts = append(wireParts, geminiPart{Text: p.Text})
			}
		}
		if len(wireParts) == 0 {
			continue
		}
		out = append(out, geminiContent{Role: role, Parts: wireParts})
	}
	return out, nil
}
