package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session id has no durable record.
var ErrNotFound = errors.New("store: session not found")

// Point is one sampled position of a stroke.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke is a finalised drawing action. The style fields come from the first batch of the stroke.
type Stroke struct {
	Points      []Point `json:"points"`
	Color       string  `json:"color"`
	Size        float64 `json:"size"`
	Tool        string  `json:"tool"`
	Shape       string  `json:"shape,omitempty"`
	TextContent string  `json:"textContent,omitempty"`
	AuthorID    string  `json:"authorId,omitempty"`
}

// ChatMessage is a sanitised chat entry.
type ChatMessage struct {
	ID       string    `json:"id"`
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sentAt"`
}

// Participant is a member of a session together with its join order.
type Participant struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	JoinSeq  uint64    `json:"-"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Session is the durable document of a whiteboard session.
type Session struct {
	ID                 string          `json:"sessionId"`
	Name               string          `json:"name"`
	OwnerID            string          `json:"ownerId"`
	IsPrivate          bool            `json:"isPrivate"`
	AccessKey          string          `json:"-"`
	Participants       []Participant   `json:"participants"`
	DrawingPermissions map[string]bool `json:"drawingPermissions"`
	Strokes            []Stroke        `json:"strokes"`
	Messages           []ChatMessage   `json:"messages"`
	LastActiveAt       time.Time       `json:"lastActiveAt"`
	// NextStrokeSeq is the log position the next AppendStroke should use. It
	// can exceed len(Strokes) when an earlier append was lost.
	NextStrokeSeq int `json:"-"`
}

// Validate reports whether the document satisfies the session invariants.
func (s Session) Validate() error {
	switch {
	case s.ID == "":
		return errors.New("store: session id is required")
	case s.OwnerID == "":
		return errors.New("store: session owner is required")
	case s.IsPrivate && s.AccessKey == "":
		return errors.New("store: private session requires an access key")
	}
	return nil
}

// Store is the durable session record consumed by the coordinator.
type Store interface {
	Get(ctx context.Context, sessionID string) (*Session, error)
	// SaveSession upserts the header and replaces the participant and permission sets.
	// Strokes and messages are written through their own operations.
	SaveSession(ctx context.Context, session Session) error
	// AppendStroke writes stroke at log position seq. Positions need not be contiguous.
	AppendStroke(ctx context.Context, sessionID string, seq int, stroke Stroke) error
	ReplaceStrokes(ctx context.Context, sessionID string, strokes []Stroke) error
	AppendMessage(ctx context.Context, sessionID string, seq int, message ChatMessage) error
	Delete(ctx context.Context, sessionID string) error
	ListIdle(ctx context.Context, before time.Time, limit int) ([]string, error)
	Ping(ctx context.Context) error
}
