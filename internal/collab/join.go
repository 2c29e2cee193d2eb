package collab

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/charlesng35/boardroom/internal/store"
	apperrors "github.com/charlesng35/boardroom/pkg/errors"
	"github.com/charlesng35/boardroom/pkg/metrics"
)

// JoinRequest carries the optional creation parameters of a join. The joining
// identity is taken from the channel.
type JoinRequest struct {
	SessionID   string
	SessionName string
	IsPrivate   bool
	AccessKey   string
}

// JoinStatus is the outcome of a join attempt.
type JoinStatus int

const (
	JoinFailed JoinStatus = iota
	Joined
	JoinAwaitingApproval
	// JoinSuperseded means the channel was replaced while the session was hydrating.
	JoinSuperseded
)

func (s JoinStatus) String() string {
	switch s {
	case Joined:
		return "joined"
	case JoinAwaitingApproval:
		return "awaiting_approval"
	case JoinSuperseded:
		return "superseded"
	default:
		return "failed"
	}
}

// JoinResult is returned by every join transition.
type JoinResult struct {
	Status   JoinStatus
	Snapshot Snapshot
	Created  bool
	Err      *apperrors.AppError
}

// JoinFailure is the payload of join-failed and session-not-found.
type JoinFailure struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// KickFailure is the payload of kick-failed.
type KickFailure struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// JoinRequestNotice is sent to the owner of a private session.
type JoinRequestNotice struct {
	SessionID           string `json:"sessionId"`
	RequesterID         string `json:"requesterId"`
	RequesterName       string `json:"requesterName"`
	RequesterChannelRef string `json:"requesterChannelRef"`
}

// SessionRef is the payload of acknowledgements that only name the session.
type SessionRef struct {
	SessionID string `json:"sessionId"`
}

// UserJoined is broadcast when a participant is added.
type UserJoined struct {
	SessionID          string          `json:"sessionId"`
	UserID             string          `json:"userId"`
	Username           string          `json:"username"`
	Count              int             `json:"count"`
	DrawingPermissions map[string]bool `json:"drawingPermissions"`
}

// Join runs the join state machine for ch. Every outcome is also delivered to
// ch as an event before Join returns.
func (s *Service) Join(ctx context.Context, ch Channel, req JoinRequest) JoinResult {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.joinLocked(ctx, ch, req)

	code := ""
	if res.Err != nil {
		code = res.Err.Code
	}
	metrics.JoinOutcomes.WithLabelValues(res.Status.String(), code).Inc()
	return res
}

func (s *Service) joinLocked(ctx context.Context, ch Channel, req JoinRequest) JoinResult {
	conn := s.registerLocked(ch)
	if conn.SessionID != "" && conn.SessionID != req.SessionID {
		s.departLocked(conn.SessionID, ch, ch.UserID())
	}

	state, err := s.resolveLocked(ctx, req.SessionID)
	if !s.registry.isCurrent(ch) {
		s.log.Debug("join superseded by a newer channel",
			zap.String("session_id", req.SessionID),
			zap.String("user_id", ch.UserID()),
		)
		return JoinResult{Status: JoinSuperseded}
	}
	if err != nil {
		s.log.Error("failed to load session", zap.String("session_id", req.SessionID), zap.Error(err))
		return s.failLocked(ch, req.SessionID, apperrors.Wrap(err, "Failed to load session"))
	}

	created := false
	if state == nil {
		name := strings.TrimSpace(req.SessionName)
		switch {
		case name == "" && (req.AccessKey != "" || req.IsPrivate):
			return s.failLocked(ch, req.SessionID, apperrors.ErrInvalidAccessKey)
		case name == "":
			return s.failLocked(ch, req.SessionID, apperrors.ErrSessionNotFound)
		case req.IsPrivate && req.AccessKey == "":
			return s.failLocked(ch, req.SessionID, apperrors.ErrInvalidAccessKey)
		}

		accessKey := ""
		if req.IsPrivate {
			accessKey = req.AccessKey
		}
		state = newSessionState(req.SessionID, name, ch.UserID(), req.IsPrivate, accessKey, s.timeNow())
		s.cacheLocked(state)
		created = true
		s.log.Info("session created",
			zap.String("session_id", state.id),
			zap.String("owner_id", state.ownerID),
			zap.Bool("private", state.isPrivate),
		)
	}

	if state.isPrivate && !created {
		if !accessKeyMatches(req.AccessKey, state.accessKey) {
			return s.failLocked(ch, req.SessionID, apperrors.ErrInvalidAccessKey)
		}
		if ch.UserID() != state.ownerID && !state.isParticipant(ch.UserID()) {
			return s.requestApprovalLocked(state, ch)
		}
	}

	op := OpParticipantAdd
	if created {
		op = OpCreate
	}
	snap := s.admitLocked(state, ch, ch.Username(), op)
	return JoinResult{Status: Joined, Snapshot: snap, Created: created}
}

// resolveLocked returns the cached session, hydrating it from the durable
// store when needed. The lock is released while the store is read; concurrent
// joins of the same id wait for the first hydration. A nil state with a nil
// error means the session does not exist.
func (s *Service) resolveLocked(ctx context.Context, sessionID string) (*sessionState, error) {
	for {
		if state, ok := s.sessions[sessionID]; ok {
			return state, nil
		}

		if wait, ok := s.hydrating[sessionID]; ok {
			s.mu.Unlock()
			select {
			case <-wait:
				s.mu.Lock()
				continue
			case <-ctx.Done():
				s.mu.Lock()
				return nil, ctx.Err()
			}
		}

		done := make(chan struct{})
		s.hydrating[sessionID] = done
		s.mu.Unlock()

		doc, err := s.load(ctx, sessionID)

		s.mu.Lock()
		delete(s.hydrating, sessionID)
		close(done)

		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return s.hydrateLocked(doc), nil
	}
}

func (s *Service) load(ctx context.Context, sessionID string) (*store.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HydrateTimeout)
	defer cancel()

	// Queued writes for this id (a pending delete in particular) land before the read.
	if err := s.persist.Sync(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("wait for queued writes: %w", err)
	}
	return s.store.Get(ctx, sessionID)
}

// hydrateLocked installs a durable record in the cache. No channel can be in
// the room of an uncached session, so recorded participants are leftovers of
// a previous process and are dropped.
func (s *Service) hydrateLocked(doc *store.Session) *sessionState {
	state := stateFromDocument(doc)

	if stale := state.count(); stale > 0 {
		for userID := range state.participants {
			delete(state.participants, userID)
			if userID != state.ownerID {
				delete(state.permissions, userID)
			}
		}
		s.log.Info("dropped stale participants on hydration",
			zap.String("session_id", state.id),
			zap.Int("count", stale),
		)
		s.saveSessionLocked(state, OpParticipantRemove)
	}

	s.cacheLocked(state)
	s.cleanup.arm(state.id)
	return state
}

func (s *Service) requestApprovalLocked(state *sessionState, ch Channel) JoinResult {
	ownerCh := s.registry.channelFor(state.ownerID, state.id)
	if ownerCh == nil {
		return s.failLocked(ch, state.id, apperrors.ErrOwnerUnavailable)
	}

	s.pending[pendingKey{sessionID: state.id, userID: ch.UserID()}] = pendingRequest{
		requesterName: ch.Username(),
		channelRef:    ch.ID(),
		requestedAt:   s.timeNow(),
	}
	s.registry.bind(ch, state.id)

	s.send(ownerCh, Event{Name: EventNewJoinRequest, Data: JoinRequestNotice{
		SessionID:           state.id,
		RequesterID:         ch.UserID(),
		RequesterName:       ch.Username(),
		RequesterChannelRef: ch.ID(),
	}})
	s.send(ch, Event{Name: EventJoinAwaiting, Data: SessionRef{SessionID: state.id}})

	s.log.Info("join request queued for owner approval",
		zap.String("session_id", state.id),
		zap.String("user_id", ch.UserID()),
	)
	return JoinResult{Status: JoinAwaitingApproval}
}

// admitLocked makes ch's user a participant and sends it the snapshot.
func (s *Service) admitLocked(state *sessionState, ch Channel, username, op string) Snapshot {
	userID := ch.UserID()

	if s.cleanup.disarm(state.id) {
		metrics.CleanupRuns.WithLabelValues("cancelled").Inc()
	}
	delete(s.pending, pendingKey{sessionID: state.id, userID: userID})
	s.registry.bind(ch, state.id)

	added := state.addParticipant(userID, username, s.timeNow())
	if _, ok := state.permissions[userID]; !ok {
		state.permissions[userID] = !state.isPrivate || userID == state.ownerID
	}
	state.permissions[state.ownerID] = true

	s.rooms.join(state.id, ch)
	snap := state.snapshot()
	s.send(ch, Event{Name: EventSessionState, Data: snap})

	if added {
		s.rooms.broadcast(state.id, Event{Name: EventUserJoined, Data: UserJoined{
			SessionID:          state.id,
			UserID:             userID,
			Username:           username,
			Count:              state.count(),
			DrawingPermissions: state.permissionsCopy(),
		}}, ch.ID())
		s.saveSessionLocked(state, op)
	}
	return snap
}

func (s *Service) failLocked(ch Channel, sessionID string, appErr *apperrors.AppError) JoinResult {
	name := EventJoinFailed
	if errors.Is(appErr, apperrors.ErrSessionNotFound) {
		name = EventSessionNotFound
	}
	s.send(ch, Event{Name: name, Data: JoinFailure{
		SessionID: sessionID,
		Code:      appErr.Code,
		Message:   appErr.Message,
	}})
	return JoinResult{Status: JoinFailed, Err: appErr}
}

// Approve admits a pending requester. Only the owner may decide; a decision on
// a request that no longer exists is ignored.
func (s *Service) Approve(ch Channel, sessionID, requesterID, requesterChannelRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.activeSession(sessionID)
	if err != nil {
		return err
	}
	if err := s.ownerOnly(state, ch.UserID(), EventApproveJoinRequest); err != nil {
		return err
	}

	key := pendingKey{sessionID: sessionID, userID: requesterID}
	req, ok := s.pending[key]
	if !ok {
		s.log.Info("approve ignored, no pending request",
			zap.String("session_id", sessionID),
			zap.String("requester_id", requesterID),
		)
		return nil
	}
	delete(s.pending, key)

	reqCh := s.registry.channelFor(requesterID, sessionID)
	if reqCh == nil {
		s.log.Info("approved requester is no longer connected",
			zap.String("session_id", sessionID),
			zap.String("requester_id", requesterID),
		)
		return nil
	}
	if requesterChannelRef != "" && requesterChannelRef != reqCh.ID() {
		s.log.Debug("requester reconnected since the request was filed",
			zap.String("session_id", sessionID),
			zap.String("requester_id", requesterID),
			zap.String("filed_channel", requesterChannelRef),
			zap.String("current_channel", reqCh.ID()),
		)
	}

	username := reqCh.Username()
	if username == "" {
		username = req.requesterName
	}
	s.admitLocked(state, reqCh, username, OpParticipantAdd)
	s.send(reqCh, Event{Name: EventJoinApproved, Data: SessionRef{SessionID: sessionID}})

	s.log.Info("join request approved",
		zap.String("session_id", sessionID),
		zap.String("requester_id", requesterID),
		zap.Duration("waited", s.timeNow().Sub(req.requestedAt)),
	)
	return nil
}

// Reject discards a pending request and tells the requester if it is still connected.
func (s *Service) Reject(ch Channel, sessionID, requesterID, requesterChannelRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.activeSession(sessionID)
	if err != nil {
		return err
	}
	if err := s.ownerOnly(state, ch.UserID(), EventRejectJoinRequest); err != nil {
		return err
	}

	key := pendingKey{sessionID: sessionID, userID: requesterID}
	if _, ok := s.pending[key]; !ok {
		s.log.Info("reject ignored, no pending request",
			zap.String("session_id", sessionID),
			zap.String("requester_id", requesterID),
		)
		return nil
	}
	delete(s.pending, key)

	if reqCh := s.registry.channelFor(requesterID, sessionID); reqCh != nil {
		s.registry.unbind(reqCh)
		s.send(reqCh, Event{Name: EventJoinRejected, Data: SessionRef{SessionID: sessionID}})
	}

	s.log.Info("join request rejected",
		zap.String("session_id", sessionID),
		zap.String("requester_id", requesterID),
		zap.String("requester_channel", requesterChannelRef),
	)
	return nil
}

// PendingRequests returns the user ids awaiting approval for sessionID.
func (s *Service) PendingRequests(sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for key := range s.pending {
		if key.sessionID == sessionID {
			out = append(out, key.userID)
		}
	}
	return out
}

func accessKeyMatches(given, want string) bool {
	if given == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(given), []byte(want)) == 1
}
