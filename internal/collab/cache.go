package collab

import (
	"sort"
	"time"

	"github.com/charlesng35/boardroom/internal/store"
)

// Phase is the join coordinator state of a session id.
type Phase int

const (
	// PhaseNoSession means nothing is cached and no hydration is running.
	PhaseNoSession Phase = iota
	// PhaseHydrating means a join is reading the durable record.
	PhaseHydrating
	// PhaseActive means the session is held in the cache.
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseHydrating:
		return "hydrating"
	case PhaseActive:
		return "active"
	default:
		return "no-session"
	}
}

type participant struct {
	userID   string
	username string
	joinSeq  uint64
	joinedAt time.Time
}

// sessionState is the live working copy of a session.
type sessionState struct {
	id           string
	name         string
	ownerID      string
	isPrivate    bool
	accessKey    string
	participants map[string]*participant
	permissions  map[string]bool
	strokes      []store.Stroke
	messages     []store.ChatMessage
	nextJoinSeq  uint64
	// durable position of the next appended stroke
	nextStrokeSeq int
	// in-progress strokes keyed by author
	inflight   map[string]*store.Stroke
	lastActive time.Time
}

func newSessionState(id, name, ownerID string, isPrivate bool, accessKey string, now time.Time) *sessionState {
	return &sessionState{
		id:           id,
		name:         name,
		ownerID:      ownerID,
		isPrivate:    isPrivate,
		accessKey:    accessKey,
		participants: make(map[string]*participant),
		permissions:  map[string]bool{ownerID: true},
		strokes:      []store.Stroke{},
		messages:     []store.ChatMessage{},
		nextJoinSeq:  1,
		inflight:     make(map[string]*store.Stroke),
		lastActive:   now,
	}
}

func stateFromDocument(doc *store.Session) *sessionState {
	st := newSessionState(doc.ID, doc.Name, doc.OwnerID, doc.IsPrivate, doc.AccessKey, doc.LastActiveAt)

	for _, p := range doc.Participants {
		st.participants[p.UserID] = &participant{
			userID:   p.UserID,
			username: p.Username,
			joinSeq:  p.JoinSeq,
			joinedAt: p.JoinedAt,
		}
		if p.JoinSeq >= st.nextJoinSeq {
			st.nextJoinSeq = p.JoinSeq + 1
		}
	}
	for userID, canDraw := range doc.DrawingPermissions {
		st.permissions[userID] = canDraw
	}
	st.permissions[st.ownerID] = true

	st.strokes = append(st.strokes, doc.Strokes...)
	st.nextStrokeSeq = doc.NextStrokeSeq
	if st.nextStrokeSeq < len(st.strokes) {
		st.nextStrokeSeq = len(st.strokes)
	}
	st.messages = append(st.messages, doc.Messages...)
	return st
}

// addParticipant records the user and reports whether it was newly added.
func (s *sessionState) addParticipant(userID, username string, now time.Time) bool {
	if p, ok := s.participants[userID]; ok {
		if username != "" {
			p.username = username
		}
		return false
	}
	s.participants[userID] = &participant{
		userID:   userID,
		username: username,
		joinSeq:  s.nextJoinSeq,
		joinedAt: now,
	}
	s.nextJoinSeq++
	return true
}

func (s *sessionState) isParticipant(userID string) bool {
	_, ok := s.participants[userID]
	return ok
}

func (s *sessionState) count() int {
	return len(s.participants)
}

// orderedParticipants returns participants by join order, ties broken by user id.
func (s *sessionState) orderedParticipants() []*participant {
	out := make([]*participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].joinSeq != out[j].joinSeq {
			return out[i].joinSeq < out[j].joinSeq
		}
		return out[i].userID < out[j].userID
	})
	return out
}

func (s *sessionState) usernameOf(userID string) string {
	if p, ok := s.participants[userID]; ok {
		return p.username
	}
	return ""
}

func (s *sessionState) permissionsCopy() map[string]bool {
	out := make(map[string]bool, len(s.permissions))
	for k, v := range s.permissions {
		out[k] = v
	}
	return out
}

// document renders the header, participants and permissions for SaveSession.
func (s *sessionState) document() store.Session {
	doc := store.Session{
		ID:                 s.id,
		Name:               s.name,
		OwnerID:            s.ownerID,
		IsPrivate:          s.isPrivate,
		AccessKey:          s.accessKey,
		DrawingPermissions: s.permissionsCopy(),
		LastActiveAt:       s.lastActive,
	}
	for _, p := range s.orderedParticipants() {
		doc.Participants = append(doc.Participants, store.Participant{
			UserID:   p.userID,
			Username: p.username,
			JoinSeq:  p.joinSeq,
			JoinedAt: p.joinedAt,
		})
	}
	return doc
}

// ParticipantInfo describes a session member in outbound events.
type ParticipantInfo struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Snapshot is the full session view sent to a joining channel.
type Snapshot struct {
	SessionID          string              `json:"sessionId"`
	Name               string              `json:"name"`
	OwnerID            string              `json:"ownerId"`
	IsPrivate          bool                `json:"isPrivate"`
	Participants       []ParticipantInfo   `json:"participants"`
	ParticipantCount   int                 `json:"participantCount"`
	DrawingPermissions map[string]bool     `json:"drawingPermissions"`
	Strokes            []store.Stroke      `json:"strokes"`
	Messages           []store.ChatMessage `json:"messages"`
}

func (s *sessionState) snapshot() Snapshot {
	snap := Snapshot{
		SessionID:          s.id,
		Name:               s.name,
		OwnerID:            s.ownerID,
		IsPrivate:          s.isPrivate,
		Participants:       make([]ParticipantInfo, 0, len(s.participants)),
		ParticipantCount:   len(s.participants),
		DrawingPermissions: s.permissionsCopy(),
		Strokes:            append([]store.Stroke(nil), s.strokes...),
		Messages:           append([]store.ChatMessage(nil), s.messages...),
	}
	if snap.Strokes == nil {
		snap.Strokes = []store.Stroke{}
	}
	if snap.Messages == nil {
		snap.Messages = []store.ChatMessage{}
	}
	for _, p := range s.orderedParticipants() {
		snap.Participants = append(snap.Participants, ParticipantInfo{UserID: p.userID, Username: p.username})
	}
	return snap
}
