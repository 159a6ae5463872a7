// Package store implements the persistence gateway for conversations.
//
// The gateway's only concurrency primitive is the conditional update: a
// model-message append carries the write permit captured when the turn's
// user message committed, and is accepted only if the conversation has
// not advanced past it. A losing writer is dropped silently, not
// blocked or retried.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Noah-Wu66/vectaix-relay/internal/chat"
)

// ErrNotFound is returned when a conversation does not exist for the
// given id and user.
var ErrNotFound = errors.New("conversation not found")

// Permit is the optimistic-concurrency timestamp captured the instant a
// turn's user-message write commits. A later model-message write is
// accepted only while the conversation's UpdatedAt is not newer.
type Permit = time.Time

// Store is the interface the turn controller persists through.
type Store interface {
	// CreateConversation inserts a new conversation row.
	CreateConversation(ctx context.Context, conv *chat.Conversation) error

	// GetConversation returns the conversation scoped to userID, or
	// ErrNotFound.
	GetConversation(ctx context.Context, id, userID string) (*chat.Conversation, error)

	// AppendUserMessage appends msg and returns the new UpdatedAt,
	// which the caller holds as the turn's write permit.
	AppendUserMessage(ctx context.Context, convID, userID string, msg chat.Message) (Permit, error)

	// ConditionallyAppend appends msg only if the conversation's
	// UpdatedAt has not advanced past permit. Returns false, with no
	// error, when a newer writer won the race.
	ConditionallyAppend(ctx context.Context, convID, userID string, msg chat.Message, permit Permit) (bool, error)

	// ReplaceMessages swaps the full stored message list (regenerate /
	// edit-and-resubmit) and returns the new UpdatedAt as the permit.
	ReplaceMessages(ctx context.Context, convID, userID string, msgs []chat.Message) (Permit, error)

	// RollbackLastUserMessage removes the trailing message if it is a
	// user message. Used when a generation ends in a silent refusal so
	// no orphaned question is left in history.
	RollbackLastUserMessage(ctx context.Context, convID, userID string) error

	// Close releases underlying resources.
	Close() error
}
