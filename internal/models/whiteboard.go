package models

import (
	"time"

	"gorm.io/datatypes"
)

// WhiteboardSession is the durable header of a collaborative drawing session.
// Session identifiers are chosen by clients, so they are not UUIDs.
type WhiteboardSession struct {
	ID           string    `gorm:"primaryKey;size:128" json:"id"`
	Name         string    `gorm:"size:255;not null" json:"name"`
	OwnerID      string    `gorm:"size:128;not null;index" json:"owner_id"`
	IsPrivate    bool      `gorm:"not null;default:false" json:"is_private"`
	AccessKey    string    `gorm:"size:255" json:"-"`
	LastActiveAt time.Time `gorm:"index" json:"last_active_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	Participants []SessionParticipant `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"participants,omitempty"`
	Permissions  []SessionPermission  `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"permissions,omitempty"`
	Strokes      []SessionStroke      `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"strokes,omitempty"`
	Messages     []SessionMessage     `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"messages,omitempty"`
}

// SessionParticipant records a user currently present in a session.
type SessionParticipant struct {
	SessionID string    `gorm:"size:128;primaryKey" json:"session_id"`
	UserID    string    `gorm:"size:128;primaryKey" json:"user_id"`
	Username  string    `gorm:"size:255;not null" json:"username"`
	JoinSeq   uint64    `gorm:"not null;default:0" json:"join_seq"`
	JoinedAt  time.Time `gorm:"not null" json:"joined_at"`
}

// SessionPermission stores the drawing flag for a user within a session.
type SessionPermission struct {
	SessionID string `gorm:"size:128;primaryKey" json:"session_id"`
	UserID    string `gorm:"size:128;primaryKey" json:"user_id"`
	CanDraw   bool   `gorm:"not null;default:false" json:"can_draw"`
}

// SessionStroke is one completed stroke in a session's drawing log.
type SessionStroke struct {
	ID          uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID   string         `gorm:"size:128;not null;uniqueIndex:idx_session_stroke_seq" json:"session_id"`
	Seq         int            `gorm:"not null;uniqueIndex:idx_session_stroke_seq" json:"seq"`
	AuthorID    string         `gorm:"size:128" json:"author_id"`
	Color       string         `gorm:"size:64" json:"color"`
	Size        float64        `json:"size"`
	Tool        string         `gorm:"size:64" json:"tool"`
	Shape       string         `gorm:"size:64" json:"shape"`
	TextContent string         `gorm:"type:text" json:"text_content"`
	Points      datatypes.JSON `gorm:"type:json" json:"points"`
	CreatedAt   time.Time      `json:"created_at"`
}

// SessionMessage captures a chat entry posted in a session.
type SessionMessage struct {
	BaseModel

	SessionID  string    `gorm:"size:128;not null;index" json:"session_id"`
	Seq        int64     `gorm:"not null;index" json:"seq"`
	AuthorID   string    `gorm:"size:128;not null" json:"author_id"`
	AuthorName string    `gorm:"size:255" json:"author_name"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	SentAt     time.Time `gorm:"not null;index" json:"sent_at"`
}
