package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/boardroom/internal/database"
	"github.com/charlesng35/boardroom/internal/models"
)

// GormStore persists sessions through gorm.
type GormStore struct {
	db      *gorm.DB
	timeNow func() time.Time
}

// NewGormStore constructs a store backed by the supplied database handle.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("session store: db is required")
	}
	return &GormStore{db: db, timeNow: time.Now}, nil
}

// Get loads the full session document, including its stroke and chat logs.
func (s *GormStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	ctx = ensureContext(ctx)

	var header models.WhiteboardSession
	err := s.db.WithContext(ctx).
		Preload("Participants", func(tx *gorm.DB) *gorm.DB { return tx.Order("join_seq ASC, user_id ASC") }).
		Preload("Permissions").
		Preload("Strokes", func(tx *gorm.DB) *gorm.DB { return tx.Order("seq ASC") }).
		Preload("Messages", func(tx *gorm.DB) *gorm.DB { return tx.Order("seq ASC, sent_at ASC") }).
		First(&header, "id = ?", sessionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session store: load %s: %w", sessionID, err)
	}

	doc := &Session{
		ID:                 header.ID,
		Name:               header.Name,
		OwnerID:            header.OwnerID,
		IsPrivate:          header.IsPrivate,
		AccessKey:          header.AccessKey,
		Participants:       make([]Participant, 0, len(header.Participants)),
		DrawingPermissions: make(map[string]bool, len(header.Permissions)),
		Strokes:            make([]Stroke, 0, len(header.Strokes)),
		Messages:           make([]ChatMessage, 0, len(header.Messages)),
		LastActiveAt:       header.LastActiveAt,
	}

	for _, p := range header.Participants {
		doc.Participants = append(doc.Participants, Participant{
			UserID:   p.UserID,
			Username: p.Username,
			JoinSeq:  p.JoinSeq,
			JoinedAt: p.JoinedAt,
		})
	}
	for _, perm := range header.Permissions {
		doc.DrawingPermissions[perm.UserID] = perm.CanDraw
	}
	for _, row := range header.Strokes {
		stroke, err := strokeFromRow(row)
		if err != nil {
			return nil, fmt.Errorf("session store: decode stroke %d of %s: %w", row.Seq, sessionID, err)
		}
		doc.Strokes = append(doc.Strokes, stroke)
		if row.Seq >= doc.NextStrokeSeq {
			doc.NextStrokeSeq = row.Seq + 1
		}
	}
	for _, row := range header.Messages {
		doc.Messages = append(doc.Messages, ChatMessage{
			ID:       row.ID,
			UserID:   row.AuthorID,
			Username: row.AuthorName,
			Text:     row.Content,
			SentAt:   row.SentAt,
		})
	}

	return doc, nil
}

// SaveSession upserts the session header and rewrites its participants and permissions.
func (s *GormStore) SaveSession(ctx context.Context, session Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	ctx = ensureContext(ctx)

	lastActive := session.LastActiveAt
	if lastActive.IsZero() {
		lastActive = s.timeNow()
	}

	header := models.WhiteboardSession{
		ID:           session.ID,
		Name:         session.Name,
		OwnerID:      session.OwnerID,
		IsPrivate:    session.IsPrivate,
		AccessKey:    session.AccessKey,
		LastActiveAt: lastActive,
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "owner_id", "is_private", "access_key", "last_active_at", "updated_at"}),
		}).Create(&header).Error; err != nil {
			return fmt.Errorf("session store: upsert %s: %w", session.ID, err)
		}

		if err := tx.Where("session_id = ?", session.ID).Delete(&models.SessionParticipant{}).Error; err != nil {
			return err
		}
		if len(session.Participants) > 0 {
			rows := make([]models.SessionParticipant, 0, len(session.Participants))
			for _, p := range session.Participants {
				joined := p.JoinedAt
				if joined.IsZero() {
					joined = lastActive
				}
				rows = append(rows, models.SessionParticipant{
					SessionID: session.ID,
					UserID:    p.UserID,
					Username:  p.Username,
					JoinSeq:   p.JoinSeq,
					JoinedAt:  joined,
				})
			}
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("session store: write participants of %s: %w", session.ID, err)
			}
		}

		if err := tx.Where("session_id = ?", session.ID).Delete(&models.SessionPermission{}).Error; err != nil {
			return err
		}
		if len(session.DrawingPermissions) > 0 {
			rows := make([]models.SessionPermission, 0, len(session.DrawingPermissions))
			for userID, canDraw := range session.DrawingPermissions {
				rows = append(rows, models.SessionPermission{SessionID: session.ID, UserID: userID, CanDraw: canDraw})
			}
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("session store: write permissions of %s: %w", session.ID, err)
			}
		}

		return nil
	})
}

// AppendStroke writes the stroke at position seq of the session log. Writing the same
// position again overwrites it, so a retried append never duplicates a stroke.
func (s *GormStore) AppendStroke(ctx context.Context, sessionID string, seq int, stroke Stroke) error {
	ctx = ensureContext(ctx)

	row, err := strokeToRow(sessionID, seq, stroke)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "seq"}},
			DoUpdates: clause.AssignmentColumns([]string{"author_id", "color", "size", "tool", "shape", "text_content", "points"}),
		}).Create(&row).Error; err != nil {
			return fmt.Errorf("session store: append stroke to %s: %w", sessionID, err)
		}
		return s.touch(tx, sessionID)
	})
}

// ReplaceStrokes swaps the entire stroke log of the session.
func (s *GormStore) ReplaceStrokes(ctx context.Context, sessionID string, strokes []Stroke) error {
	ctx = ensureContext(ctx)

	rows := make([]models.SessionStroke, 0, len(strokes))
	for i, stroke := range strokes {
		row, err := strokeToRow(sessionID, i, stroke)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&models.SessionStroke{}).Error; err != nil {
			return fmt.Errorf("session store: clear strokes of %s: %w", sessionID, err)
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(&rows, 200).Error; err != nil {
				return fmt.Errorf("session store: write strokes of %s: %w", sessionID, err)
			}
		}
		return s.touch(tx, sessionID)
	})
}

// AppendMessage stores a chat entry. Messages are keyed by id, so retries are ignored.
func (s *GormStore) AppendMessage(ctx context.Context, sessionID string, seq int, message ChatMessage) error {
	ctx = ensureContext(ctx)

	sentAt := message.SentAt
	if sentAt.IsZero() {
		sentAt = s.timeNow()
	}
	row := models.SessionMessage{
		BaseModel:  models.BaseModel{ID: message.ID},
		SessionID:  sessionID,
		Seq:        int64(seq),
		AuthorID:   message.UserID,
		AuthorName: message.Username,
		Content:    message.Text,
		SentAt:     sentAt,
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return fmt.Errorf("session store: append message to %s: %w", sessionID, err)
		}
		return s.touch(tx, sessionID)
	})
}

// Delete removes the session and everything recorded for it. Deleting an unknown id is not an error.
func (s *GormStore) Delete(ctx context.Context, sessionID string) error {
	ctx = ensureContext(ctx)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, child := range []any{
			&models.SessionParticipant{},
			&models.SessionPermission{},
			&models.SessionStroke{},
			&models.SessionMessage{},
		} {
			if err := tx.Where("session_id = ?", sessionID).Delete(child).Error; err != nil {
				return fmt.Errorf("session store: delete %s: %w", sessionID, err)
			}
		}
		return tx.Delete(&models.WhiteboardSession{}, "id = ?", sessionID).Error
	})
}

// ListIdle returns sessions without participants whose last activity is older than before.
func (s *GormStore) ListIdle(ctx context.Context, before time.Time, limit int) ([]string, error) {
	ctx = ensureContext(ctx)
	if limit <= 0 {
		limit = 100
	}

	var ids []string
	err := s.db.WithContext(ctx).
		Model(&models.WhiteboardSession{}).
		Where("last_active_at < ?", before).
		Where("NOT EXISTS (SELECT 1 FROM session_participants p WHERE p.session_id = whiteboard_sessions.id)").
		Order("last_active_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("session store: list idle sessions: %w", err)
	}
	return ids, nil
}

// Ping checks the underlying database connection.
func (s *GormStore) Ping(ctx context.Context) error {
	return database.Ping(ctx, s.db)
}

func (s *GormStore) touch(tx *gorm.DB, sessionID string) error {
	return tx.Model(&models.WhiteboardSession{}).
		Where("id = ?", sessionID).
		Update("last_active_at", s.timeNow()).Error
}

func strokeToRow(sessionID string, seq int, stroke Stroke) (models.SessionStroke, error) {
	points := stroke.Points
	if points == nil {
		points = []Point{}
	}
	raw, err := json.Marshal(points)
	if err != nil {
		return models.SessionStroke{}, fmt.Errorf("session store: encode stroke points: %w", err)
	}
	return models.SessionStroke{
		SessionID:   sessionID,
		Seq:         seq,
		AuthorID:    stroke.AuthorID,
		Color:       stroke.Color,
		Size:        stroke.Size,
		Tool:        stroke.Tool,
		Shape:       stroke.Shape,
		TextContent: stroke.TextContent,
		Points:      datatypes.JSON(raw),
	}, nil
}

func strokeFromRow(row models.SessionStroke) (Stroke, error) {
	stroke := Stroke{
		Color:       row.Color,
		Size:        row.Size,
		Tool:        row.Tool,
		Shape:       row.Shape,
		TextContent: row.TextContent,
		AuthorID:    row.AuthorID,
		Points:      []Point{},
	}
	if len(row.Points) > 0 {
		if err := json.Unmarshal(row.Points, &stroke.Points); err != nil {
			return Stroke{}, err
		}
	}
	return stroke, nil
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
