// Package turn owns one chat turn end to end: conversation resolution,
// user-message persistence, optional research, generation, event
// relaying, and the permit-guarded model-message write.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/Noah-Wu66/vectaix-relay/internal/chat"
	"github.com/Noah-Wu66/vectaix-relay/internal/research"
	"github.com/Noah-Wu66/vectaix-relay/internal/sse"
	"github.com/Noah-Wu66/vectaix-relay/internal/store"
)

// ModeRegenerate marks a turn that replaces the stored message list
// instead of appending to it.
const ModeRegenerate = "regenerate"

// Request carries everything a turn needs from the inbound call.
type Request struct {
	Prompt         string
	Model          string
	System         string
	Images         []chat.InlineData
	ThinkingLevel  string
	MaxTokens      int
	BudgetTokens   int
	WebSearch      bool
	History        []chat.Message
	HistoryLimit   int
	ConversationID string
	UserID         string
	Mode           string
	Messages       []chat.Message
	UserMessageID  string
	ModelMessageID string
}

// GenInput is the prepared generation call handed to a Generator.
type GenInput struct {
	Model         string
	System        string
	Messages      []chat.Message
	ThinkingLevel string
	MaxTokens     int
	BudgetTokens  int

	// SuppressCitations drops provider-native citation events; set when
	// the research loop supplies the turn's citations instead.
	SuppressCitations bool
}

// GenOutput is the accumulated result of one generation.
type GenOutput struct {
	Text           string
	Thought        string
	Citations      []chat.Citation
	CouncilOutputs []string

	// Refusable marks output from a family that signals safety refusals
	// by producing nothing at all.
	Refusable bool
}

// Generator produces the model side of a turn, emitting frames as it
// goes and returning the accumulated output.
type Generator interface {
	Generate(ctx context.Context, in GenInput, emit sse.Emit) (*GenOutput, error)
}

// Prepared is the state captured before the event stream opens: the
// resolved conversation, the write permit, and the generation window.
type Prepared struct {
	ConversationID string
	Created        bool
	Permit         store.Permit
	Window         []chat.Message

	req Request
}

// Result reports how a turn ended.
type Result struct {
	Refused  bool
	Appended bool
	Message  chat.Message
}

// Controller executes turns against one store and one research loop.
type Controller struct {
	store    store.Store
	research *research.Orchestrator
	logger   *slog.Logger
}

// NewController creates a turn controller. research may be nil when no
// search provider is configured.
func NewController(st store.Store, r *research.Orchestrator, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:    st,
		research: r,
		logger:   logger.With("component", "turn"),
	}
}

// Prepare validates the request, resolves or creates the conversation,
// commits the user-side write, and captures the write permit. It runs
// before the response commits to the streaming content type, so its
// errors can still surface as HTTP statuses.
func (c *Controller) Prepare(ctx context.Context, req Request) (*Prepared, error) {
	if req.Model == "" {
		return nil, errors.New("model is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("prompt is required")
	}

	if req.Mode == ModeRegenerate {
		return c.prepareRegenerate(ctx, req)
	}

	p := &Prepared{req: req}

	userMsg := chat.Message{
		ID:      req.UserMessageID,
		Role:    chat.RoleUser,
		Content: req.Prompt,
		Parts:   chat.UserParts(req.Prompt, req.Images),
	}
	if userMsg.ID == "" {
		userMsg.ID = newMessageID()
	}

	if req.ConversationID == "" {
		conv := &chat.Conversation{
			ID:     uuid.NewString(),
			UserID: req.UserID,
			Model:  req.Model,
		}
		if err := c.store.CreateConversation(ctx, conv); err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		p.ConversationID = conv.ID
		p.Created = true
		p.Window = chat.Window(append(append([]chat.Message{}, req.History...), userMsg), req.HistoryLimit)
	} else {
		conv, err := c.store.GetConversation(ctx, req.ConversationID, req.UserID)
		if err != nil {
			return nil, err
		}
		p.ConversationID = conv.ID
		p.Window = chat.Window(append(append([]chat.Message{}, conv.Messages...), userMsg), req.HistoryLimit)
	}

	permit, err := c.store.AppendUserMessage(ctx, p.ConversationID, req.UserID, userMsg)
	if err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}
	p.Permit = permit
	return p, nil
}

// prepareRegenerate swaps the stored message list for the client's
// truncated and edited list, then generates from it.
func (c *Controller) prepareRegenerate(ctx context.Context, req Request) (*Prepared, error) {
	if req.ConversationID == "" {
		return nil, errors.New("conversationId is required for regenerate")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("messages are required for regenerate")
	}

	permit, err := c.store.ReplaceMessages(ctx, req.ConversationID, req.UserID, req.Messages)
	if err != nil {
		return nil, fmt.Errorf("replace messages: %w", err)
	}
	return &Prepared{
		ConversationID: req.ConversationID,
		Permit:         permit,
		Window:         chat.Window(req.Messages, req.HistoryLimit),
		req:            req,
	}, nil
}

// Run executes the generation phase of a prepared turn: optional
// research, the provider stream, refusal detection, and the conditional
// model-message append. A context error means the client cancelled; the
// turn then leaves no trace and no terminal marker is owed.
func (c *Controller) Run(ctx context.Context, p *Prepared, gen Generator, emit sse.Emit) (*Result, error) {
	req := p.req
	logger := c.logger.With("conversation", p.ConversationID, "model", req.Model)

	var searched research.Output
	if req.WebSearch && c.research != nil {
		out, err := c.research.Run(ctx, req.Prompt, historyOf(p.Window), emit)
		if err != nil {
			return nil, err
		}
		searched = out
		if searched.Context != "" {
			emit(sse.ContextTokens(searched.ContextTokens))
		}
	}

	in := GenInput{
		Model:             req.Model,
		System:            composeSystem(req.System, searched.Context),
		Messages:          p.Window,
		ThinkingLevel:     req.ThinkingLevel,
		MaxTokens:         req.MaxTokens,
		BudgetTokens:      req.BudgetTokens,
		SuppressCitations: searched.Context != "",
	}

	out, err := gen.Generate(ctx, in, emit)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if out.Refusable && out.Text == "" && out.Thought == "" && len(out.Citations) == 0 {
		logger.Info("silent refusal, rolling back user message")
		if err := c.store.RollbackLastUserMessage(ctx, p.ConversationID, req.UserID); err != nil {
			logger.Error("rollback failed", "error", err)
		}
		return &Result{Refused: true}, nil
	}

	citations := out.Citations
	if searched.Context != "" {
		citations = searched.Citations
	}
	if len(citations) > 0 {
		emit(sse.Citations(citations))
	}

	msg := chat.Message{
		ID:                  req.ModelMessageID,
		Role:                chat.RoleModel,
		Content:             out.Text,
		Thought:             out.Thought,
		Citations:           citations,
		SearchContextTokens: searched.ContextTokens,
		CouncilOutputs:      out.CouncilOutputs,
	}
	if msg.ID == "" {
		msg.ID = newMessageID()
	}

	ok, err := c.store.ConditionallyAppend(ctx, p.ConversationID, req.UserID, msg, p.Permit)
	if err != nil {
		logger.Error("model message append failed", "error", err)
		return &Result{Message: msg}, nil
	}
	if !ok {
		logger.Debug("stale permit, model message dropped")
	}
	return &Result{Appended: ok, Message: msg}, nil
}

// historyOf returns the window minus the trailing user message, which
// the research loop receives separately as the prompt.
func historyOf(window []chat.Message) []chat.Message {
	if n := len(window); n > 0 && window[n-1].Role == chat.RoleUser {
		return window[:n-1]
	}
	return window
}

// composeSystem appends the gathered web context to the system prompt.
func composeSystem(system, webContext string) string {
	if webContext == "" {
		return system
	}
	var b strings.Builder
	if system != "" {
		b.WriteString(system)
		b.WriteString("\n\n")
	}
	b.WriteString("Web search context gathered for the current question. Prefer these facts over stale knowledge and attribute claims to their sources where natural:\n\n")
	b.WriteString(webContext)
	return b.String()
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
