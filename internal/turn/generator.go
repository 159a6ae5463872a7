package turn

import (
	"context"

	"github.com/Noah-Wu66/vectaix-relay/internal/chat"
	"github.com/Noah-Wu66/vectaix-relay/internal/provider"
	"github.com/Noah-Wu66/vectaix-relay/internal/sse"
)

// ProviderGenerator is the default single-model generator: it resolves
// the adapter for the requested model, relays its frames, and
// accumulates the persisted output.
type ProviderGenerator struct {
	registry *provider.Registry
}

// NewProviderGenerator creates the default generator over a registry.
func NewProviderGenerator(r *provider.Registry) *ProviderGenerator {
	return &ProviderGenerator{registry: r}
}

func (g *ProviderGenerator) Generate(ctx context.Context, in GenInput, emit sse.Emit) (*GenOutput, error) {
	streamer, err := g.registry.ForModel(in.Model)
	if err != nil {
		return nil, err
	}

	out := &GenOutput{Refusable: streamer.Family() == provider.FamilyGemini}
	acc := Accumulate(out, in.SuppressCitations, emit)

	req := provider.Request{
		Model:         in.Model,
		System:        in.System,
		Messages:      in.Messages,
		MaxTokens:     in.MaxTokens,
		BudgetTokens:  in.BudgetTokens,
		ThinkingLevel: in.ThinkingLevel,
	}
	if err := streamer.Stream(ctx, req, acc); err != nil {
		return nil, err
	}
	return out, nil
}

// Accumulate wraps emit so that frames are both relayed and folded into
// out. Citation frames are swallowed when suppressed; everything else
// passes through verbatim.
func Accumulate(out *GenOutput, suppressCitations bool, emit sse.Emit) sse.Emit {
	return func(ev sse.Event) {
		switch ev.Type {
		case sse.TypeThought:
			out.Thought += ev.Content
		case sse.TypeText:
			out.Text += ev.Content
		case sse.TypeCitations:
			if suppressCitations {
				return
			}
			out.Citations = appendDedup(out.Citations, ev.Citations)
		}
		if emit != nil {
			emit(ev)
		}
	}
}

var _ Generator = (*ProviderGenerator)(nil)

// appendDedup merges citations keeping first occurrence per URL.
func appendDedup(dst []chat.Citation, src []chat.Citation) []chat.Citation {
	seen := make(map[string]bool, len(dst))
	for _, c := range dst {
		seen[c.URL] = true
	}
	for _, c := range src {
		if c.URL == "" || seen[c.URL] {
			continue
		}
		seen[c.URL] = true
		dst = append(dst, c)
	}
	return dst
}
