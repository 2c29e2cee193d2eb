package collab

import (
	"context"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/charlesng35/boardroom/internal/store"
	apperrors "github.com/charlesng35/boardroom/pkg/errors"
)

const maxChatMessageLength = 4000

// ChatRelay is the chat-message payload forwarded to the other channels.
type ChatRelay struct {
	SessionID string            `json:"sessionId"`
	Message   store.ChatMessage `json:"message"`
}

// Chat sanitises and records a message from a participant and relays it to the room.
func (s *Service) Chat(ch Channel, sessionID, text string) (store.ChatMessage, error) {
	content := strings.TrimSpace(text)
	if content == "" {
		return store.ChatMessage{}, apperrors.NewBadRequest("Message content is required")
	}
	if utf8.RuneCountInString(content) > maxChatMessageLength {
		return store.ChatMessage{}, apperrors.NewBadRequest("Message content exceeds maximum length")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.activeSession(sessionID)
	if err != nil {
		return store.ChatMessage{}, err
	}
	if !state.isParticipant(ch.UserID()) || !s.rooms.contains(sessionID, ch) {
		return store.ChatMessage{}, apperrors.NewBadRequest("Not a member of this session")
	}

	msg := store.ChatMessage{
		ID:       uuid.NewString(),
		UserID:   ch.UserID(),
		Username: state.usernameOf(ch.UserID()),
		Text:     html.EscapeString(content),
		SentAt:   s.timeNow(),
	}
	state.messages = append(state.messages, msg)
	seq := len(state.messages) - 1
	state.lastActive = msg.SentAt

	s.persist.Enqueue(WriteOp{
		SessionID: sessionID,
		Name:      OpAppendMessage,
		Apply: func(ctx context.Context, st store.Store) error {
			return st.AppendMessage(ctx, sessionID, seq, msg)
		},
	})

	s.rooms.broadcast(sessionID, Event{Name: EventChatMessage, Data: ChatRelay{
		SessionID: sessionID,
		Message:   msg,
	}}, ch.ID())
	return msg, nil
}
