package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Noah-Wu66/vectaix-relay/internal/sse"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients sit behind the same reverse proxy as the SSE
	// endpoints; origin policy is enforced there.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsFrame mirrors the SSE protocol over a socket. Regular frames embed
// the event; the terminal frame carries type "done". Heartbeats use
// WebSocket ping control messages instead of comment lines.
type wsFrame struct {
	sse.Event
	Done           bool   `json:"done,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Error          string `json:"error,omitempty"`
}

// handleChatWS runs one turn per connection: the client sends a single
// chat request, receives the event stream as JSON messages, and may
// cancel by closing the socket.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var cr chatRequest
	if err := conn.ReadJSON(&cr); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// A read returning means the client closed or spoke out of turn;
	// either way the turn is over.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	var mu sync.Mutex
	send := func(f wsFrame) {
		data, err := json.Marshal(f)
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}

	go func() {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				_ = conn.WriteMessage(websocket.PingMessage, nil)
				mu.Unlock()
			}
		}
	}()

	gen := s.defaultGen
	prepared, err := s.controller.Prepare(ctx, cr.toTurn(userID(r)))
	if err != nil {
		_, msg := prepareStatus(err)
		send(wsFrame{Error: msg})
		return
	}
	if prepared.Created {
		send(wsFrame{ConversationID: prepared.ConversationID})
	}

	result, err := s.controller.Run(ctx, prepared, gen, func(ev sse.Event) {
		send(wsFrame{Event: ev})
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		send(wsFrame{Event: sse.StreamError(err.Error())})
		send(wsFrame{Done: true})
		return
	}
	if result.Refused {
		send(wsFrame{Event: sse.StreamError(refusalMessage)})
	}
	send(wsFrame{Done: true})
}
