package collab

import (
	"context"

	"go.uber.org/zap"

	"github.com/charlesng35/boardroom/internal/store"
	"github.com/charlesng35/boardroom/pkg/metrics"
)

// PointBatch is one chunk of a stroke in progress. Every batch repeats the style.
type PointBatch struct {
	Points      []store.Point `json:"points"`
	Color       string        `json:"color"`
	Size        float64       `json:"size"`
	Tool        string        `json:"tool"`
	Shape       string        `json:"shape,omitempty"`
	TextContent string        `json:"textContent,omitempty"`
	IsEnd       bool          `json:"isEnd"`
}

// PointRelay is the whiteboard-point payload forwarded to the other channels.
type PointRelay struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	PointBatch
}

// BoardUpdate is the whiteboard-update payload.
type BoardUpdate struct {
	SessionID string         `json:"sessionId"`
	UserID    string         `json:"userId"`
	Strokes   []store.Stroke `json:"strokes"`
}

// Draw forwards a point batch to the rest of the room and appends the stroke
// once its last batch arrives. Batches from users who may not draw are dropped
// without notice. It reports whether the batch was accepted.
func (s *Service) Draw(ch Channel, sessionID string, batch PointBatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID := ch.UserID()
	state, ok := s.sessions[sessionID]
	if !ok || !s.rooms.contains(sessionID, ch) || !state.isParticipant(userID) {
		s.log.Debug("point batch outside a joined session dropped",
			zap.String("session_id", sessionID),
			zap.String("user_id", userID),
		)
		return false
	}
	if !canDraw(state, userID) {
		// The rest of a cut-off stroke must not leak into the next one.
		delete(state.inflight, userID)
		metrics.PermissionDenials.WithLabelValues(EventWhiteboardPoint).Inc()
		s.log.Debug("point batch from user without drawing permission dropped",
			zap.String("session_id", sessionID),
			zap.String("user_id", userID),
		)
		return false
	}

	s.rooms.broadcast(sessionID, Event{Name: EventWhiteboardPoint, Data: PointRelay{
		SessionID:  sessionID,
		UserID:     userID,
		PointBatch: batch,
	}}, ch.ID())

	buf, ok := state.inflight[userID]
	if !ok {
		buf = &store.Stroke{
			Points:      make([]store.Point, 0, len(batch.Points)),
			Color:       batch.Color,
			Size:        batch.Size,
			Tool:        batch.Tool,
			Shape:       batch.Shape,
			TextContent: batch.TextContent,
			AuthorID:    userID,
		}
		state.inflight[userID] = buf
	}
	buf.Points = append(buf.Points, batch.Points...)

	if !batch.IsEnd {
		return true
	}

	delete(state.inflight, userID)
	if len(buf.Points) == 0 {
		return true
	}

	stroke := *buf
	state.strokes = append(state.strokes, stroke)
	seq := state.nextStrokeSeq
	state.nextStrokeSeq++
	state.lastActive = s.timeNow()

	s.persist.Enqueue(WriteOp{
		SessionID: sessionID,
		Name:      OpAppendStroke,
		Apply: func(ctx context.Context, st store.Store) error {
			return st.AppendStroke(ctx, sessionID, seq, stroke)
		},
	})
	return true
}

// AbandonStroke discards the unfinished stroke of ch's user when one of its
// batches never reached Draw.
func (s *Service) AbandonStroke(ch Channel, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[sessionID]
	if !ok || !s.rooms.contains(sessionID, ch) {
		return
	}
	if _, ok := state.inflight[ch.UserID()]; !ok {
		return
	}
	delete(state.inflight, ch.UserID())
	s.log.Debug("unfinished stroke abandoned",
		zap.String("session_id", sessionID),
		zap.String("user_id", ch.UserID()),
	)
}

// Replace swaps the whole stroke log. Only the owner may do this.
func (s *Service) Replace(ch Channel, sessionID string, strokes []store.Stroke) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.activeSession(sessionID)
	if err != nil {
		return err
	}
	if err := s.ownerOnly(state, ch.UserID(), EventWhiteboardUpdate); err != nil {
		return err
	}

	replacement := make([]store.Stroke, len(strokes))
	copy(replacement, strokes)
	state.strokes = replacement
	state.nextStrokeSeq = len(replacement)
	state.inflight = make(map[string]*store.Stroke)
	state.lastActive = s.timeNow()

	durable := make([]store.Stroke, len(replacement))
	copy(durable, replacement)
	s.persist.Enqueue(WriteOp{
		SessionID: sessionID,
		Name:      OpReplaceStrokes,
		Apply: func(ctx context.Context, st store.Store) error {
			return st.ReplaceStrokes(ctx, sessionID, durable)
		},
	})

	s.rooms.broadcast(sessionID, Event{Name: EventWhiteboardUpdate, Data: BoardUpdate{
		SessionID: sessionID,
		UserID:    ch.UserID(),
		Strokes:   replacement,
	}}, ch.ID())

	s.log.Debug("whiteboard replaced",
		zap.String("session_id", sessionID),
		zap.Int("strokes", len(replacement)),
	)
	return nil
}
