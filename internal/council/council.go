// Package council answers one turn with three models in parallel and a
// fourth synthesis pass over their raw outputs.
//
// Each branch runs in isolation with its own accumulator; a failed
// branch contributes a literal placeholder instead of aborting the
// fan-out. Branch progress is reported in completion order. Only the
// synthesis call's text reaches the user; the three raw outputs are
// kept on the persisted message for audit.
package council

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Noah-Wu66/vectaix-relay/internal/chat"
	"github.com/Noah-Wu66/vectaix-relay/internal/provider"
	"github.com/Noah-Wu66/vectaix-relay/internal/sse"
	"github.com/Noah-Wu66/vectaix-relay/internal/turn"
)

const synthesisSystemPrompt = `You are given one question and the raw answers of three independent AI models.
Produce one structured comparison with exactly these sections:

## Consensus
Points all answers agree on.

## Divergence
Points where the answers conflict, naming which model said what.

## Unique Findings
Material only one answer contributed.

## Synthesis
One coherent final answer to the question, drawing on the best of all three.

A bracketed failure placeholder means that model produced no answer; compare the remaining ones.`

// Synthesizer fans a turn out to three models and synthesizes the
// results. It satisfies the turn.Generator contract.
type Synthesizer struct {
	registry    *provider.Registry
	models      []string
	synthesizer string
	logger      *slog.Logger
}

// New creates a council over exactly three branch models plus one
// synthesis model.
func New(registry *provider.Registry, models []string, synthesizer string, logger *slog.Logger) (*Synthesizer, error) {
	if len(models) != 3 {
		return nil, fmt.Errorf("council needs exactly 3 models, got %d", len(models))
	}
	if synthesizer == "" {
		return nil, fmt.Errorf("council needs a synthesizer model")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		registry:    registry,
		models:      models,
		synthesizer: synthesizer,
		logger:      logger.With("component", "council"),
	}, nil
}

type branchResult struct {
	index int
	model string
	text  string
	err   error
}

// Generate runs the fan-out and synthesis for one turn.
func (s *Synthesizer) Generate(ctx context.Context, in turn.GenInput, emit sse.Emit) (*turn.GenOutput, error) {
	question, questionMsg := lastQuestion(in.Messages)
	if question == "" {
		return nil, fmt.Errorf("council: no user question in window")
	}

	// Each branch sees the question plus at most the previous council
	// answer, never the full history.
	branchWindow := []chat.Message{questionMsg}
	if prior := priorCouncilAnswer(in.Messages); prior != "" {
		branchWindow = []chat.Message{
			{Role: chat.RoleModel, Content: prior},
			questionMsg,
		}
	}

	results := make(chan branchResult, len(s.models))
	for i, model := range s.models {
		go func(i int, model string) {
			text, err := s.runBranch(ctx, model, in, branchWindow)
			results <- branchResult{index: i, model: model, text: text, err: err}
		}(i, model)
	}

	outputs := make([]string, len(s.models))
	for range s.models {
		res := <-results
		if res.err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("council branch failed", "model", res.model, "error", res.err)
			outputs[res.index] = fmt.Sprintf("[%s failed to answer]", res.model)
			emit(sse.Thought(fmt.Sprintf("council: %s failed\n", res.model)))
			continue
		}
		outputs[res.index] = res.text
		emit(sse.Thought(fmt.Sprintf("council: %s answered\n", res.model)))
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	out, err := s.synthesize(ctx, question, outputs, emit)
	if err != nil {
		return nil, err
	}
	out.CouncilOutputs = outputs
	return out, nil
}

// runBranch streams one branch to completion, buffering its text. Branch
// frames are never relayed to the client.
func (s *Synthesizer) runBranch(ctx context.Context, model string, in turn.GenInput, window []chat.Message) (string, error) {
	streamer, err := s.registry.ForModel(model)
	if err != nil {
		return "", err
	}

	var text strings.Builder
	req := provider.Request{
		Model:         model,
		System:        in.System,
		Messages:      window,
		MaxTokens:     in.MaxTokens,
		BudgetTokens:  in.BudgetTokens,
		ThinkingLevel: in.ThinkingLevel,
	}
	err = streamer.Stream(ctx, req, func(ev sse.Event) {
		if ev.Type == sse.TypeText {
			text.WriteString(ev.Content)
		}
	})
	if err != nil {
		return "", err
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("%s returned no text", model)
	}
	return text.String(), nil
}

// synthesize runs the fourth call over the raw branch outputs. Only its
// text frames are relayed; thought is accumulated for persistence.
func (s *Synthesizer) synthesize(ctx context.Context, question string, outputs []string, emit sse.Emit) (*turn.GenOutput, error) {
	streamer, err := s.registry.ForModel(s.synthesizer)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Question:\n%s\n", question)
	for i, o := range outputs {
		fmt.Fprintf(&b, "\n--- Answer %d (%s) ---\n%s\n", i+1, s.models[i], o)
	}

	out := &turn.GenOutput{}
	req := provider.Request{
		Model:     s.synthesizer,
		System:    synthesisSystemPrompt,
		Messages:  []chat.Message{{Role: chat.RoleUser, Content: b.String()}},
		MaxEffort: true,
	}
	err = streamer.Stream(ctx, req, func(ev sse.Event) {
		switch ev.Type {
		case sse.TypeText:
			out.Text += ev.Content
			emit(ev)
		case sse.TypeThought:
			out.Thought += ev.Content
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// lastQuestion returns the trailing user message's text and the message
// itself, image parts included.
func lastQuestion(window []chat.Message) (string, chat.Message) {
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].Role == chat.RoleUser {
			return chat.TextOf(window[i]), window[i]
		}
	}
	return "", chat.Message{}
}

// priorCouncilAnswer returns the most recent earlier council synthesis.
func priorCouncilAnswer(window []chat.Message) string {
	for i := len(window) - 1; i >= 0; i-- {
		m := window[i]
		if m.Role == chat.RoleModel && len(m.CouncilOutputs) > 0 {
			return chat.TextOf(m)
		}
	}
	return ""
}

var _ turn.Generator = (*Synthesizer)(nil)
