// Package oracle issues constrained decision calls to a fast model and
// parses strict structured output from the raw text. Decisions are
// scaffolding, not prose: the reasoning channel is forwarded live so the
// client sees activity, but the answer channel is buffered in full and
// never streamed to the user.
//
// Parsing is fail-closed: any missing braces, invalid syntax, or wrong
// shape yields the caller's safe negative branch. Failures are never
// retried and never surfaced as errors.
package oracle

import (
	"context"
	"log/slog"
	"strings"

	"github.com/Noah-Wu66/vectaix-relay/internal/chat"
	"github.com/Noah-Wu66/vectaix-relay/internal/provider"
	"github.com/Noah-Wu66/vectaix-relay/internal/sse"
)

// Oracle wraps a fast model behind a single Decide call.
type Oracle struct {
	streamer  provider.Streamer
	model     string
	maxTokens int
	logger    *slog.Logger
}

// New creates an oracle bound to one fast model. maxTokens caps the
// decision output; decisions that need more than a few hundred tokens
// are malformed by definition.
func New(streamer provider.Streamer, model string, maxTokens int, logger *slog.Logger) *Oracle {
	if logger == nil {
		logger = slog.Default()
	}
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &Oracle{
		streamer:  streamer,
		model:     model,
		maxTokens: maxTokens,
		logger:    logger.With("component", "oracle"),
	}
}

// Decide asks one constrained question and returns the raw answer text.
// Thought frames are forwarded to emit as they arrive; text frames are
// buffered. A failed call returns an empty string, which every parser
// maps to its negative branch.
func (o *Oracle) Decide(ctx context.Context, systemPrompt, userPrompt string, emit sse.Emit) string {
	var answer strings.Builder

	req := provider.Request{
		Model:     o.model,
		System:    systemPrompt,
		Messages:  []chat.Message{{Role: chat.RoleUser, Content: userPrompt}},
		MaxTokens: o.maxTokens,
	}

	err := o.streamer.Stream(ctx, req, func(ev sse.Event) {
		switch ev.Type {
		case sse.TypeThought:
			if emit != nil {
				emit(ev)
			}
		case sse.TypeText:
			answer.WriteString(ev.Content)
		}
	})
	if err != nil {
		// A failed decision call is a negative decision, not a turn failure.
		o.logger.Debug("decision call failed", "model", o.model, "error", err)
		return ""
	}

	return answer.String()
}
