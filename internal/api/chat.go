package api

import (
	"encoding/json"
	"net/http"

	"github.com/Noah-Wu66/vectaix-relay/internal/chat"
	"github.com/Noah-Wu66/vectaix-relay/internal/sse"
	"github.com/Noah-Wu66/vectaix-relay/internal/turn"
)

// refusalMessage is sent when a generation ends in a silent safety
// refusal. The user message has already been rolled back by then.
const refusalMessage = "the model declined to answer; your message was not saved, edit it and retry"

// chatRequest is the inbound JSON body of /api/chat and /api/council.
type chatRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
	Config struct {
		SystemPrompt  string            `json:"systemPrompt"`
		Images        []chat.InlineData `json:"images"`
		ThinkingLevel string            `json:"thinkingLevel"`
		MaxTokens     int               `json:"maxTokens"`
		BudgetTokens  int               `json:"budgetTokens"`
		WebSearch     bool              `json:"webSearch"`
	} `json:"config"`
	History        []chat.Message `json:"history"`
	HistoryLimit   int            `json:"historyLimit"`
	ConversationID string         `json:"conversationId"`
	Mode           string         `json:"mode"`
	Messages       []chat.Message `json:"messages"`
	UserMessageID  string         `json:"userMessageId"`
	ModelMessageID string         `json:"modelMessageId"`
}

func (cr *chatRequest) toTurn(user string) turn.Request {
	return turn.Request{
		Prompt:         cr.Prompt,
		Model:          cr.Model,
		System:         cr.Config.SystemPrompt,
		Images:         cr.Config.Images,
		ThinkingLevel:  cr.Config.ThinkingLevel,
		MaxTokens:      cr.Config.MaxTokens,
		BudgetTokens:   cr.Config.BudgetTokens,
		WebSearch:      cr.Config.WebSearch,
		History:        cr.History,
		HistoryLimit:   cr.HistoryLimit,
		ConversationID: cr.ConversationID,
		UserID:         user,
		Mode:           cr.Mode,
		Messages:       cr.Messages,
		UserMessageID:  cr.UserMessageID,
		ModelMessageID: cr.ModelMessageID,
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.serveTurn(w, r, s.defaultGen)
}

func (s *Server) handleCouncil(w http.ResponseWriter, r *http.Request) {
	if s.councilGen == nil {
		writeError(w, http.StatusServiceUnavailable, "council is not configured")
		return
	}
	s.serveTurn(w, r, s.councilGen)
}

// serveTurn runs one turn over an SSE response. Everything after the
// stream opens travels as typed frames; a cancelled turn just closes
// the connection without a terminal marker.
func (s *Server) serveTurn(w http.ResponseWriter, r *http.Request, gen turn.Generator) {
	var cr chatRequest
	if err := json.NewDecoder(r.Body).Decode(&cr); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx := r.Context()
	prepared, err := s.controller.Prepare(ctx, cr.toTurn(userID(r)))
	if err != nil {
		status, msg := prepareStatus(err)
		writeError(w, status, msg)
		return
	}
	if prepared.Created {
		w.Header().Set("X-Conversation-Id", prepared.ConversationID)
	}

	sw, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sw.Close()
	sw.StartHeartbeat(ctx, s.heartbeat)

	result, err := s.controller.Run(ctx, prepared, gen, sw.Emit())
	if err != nil {
		if ctx.Err() != nil {
			s.logger.Debug("turn cancelled", "conversation", prepared.ConversationID)
			return
		}
		s.logger.Error("turn failed", "conversation", prepared.ConversationID, "error", err)
		sw.Send(sse.StreamError(err.Error()))
		sw.Done()
		return
	}
	if result.Refused {
		sw.Send(sse.StreamError(refusalMessage))
	}
	sw.Done()
}
