package collab

import (
	"go.uber.org/zap"

	apperrors "github.com/charlesng35/boardroom/pkg/errors"
)

// UserLeft is broadcast when a participant is removed. NewOwnerID is set only
// when ownership moved.
type UserLeft struct {
	SessionID          string          `json:"sessionId"`
	UserID             string          `json:"userId"`
	Username           string          `json:"username"`
	Count              int             `json:"count"`
	NewOwnerID         string          `json:"newOwnerId,omitempty"`
	DrawingPermissions map[string]bool `json:"drawingPermissions"`
}

// Kicked is sent to a participant removed by the owner.
type Kicked struct {
	SessionID string `json:"sessionId"`
	KickedBy  string `json:"kickedBy"`
}

// Leave removes ch's user from sessionID.
func (s *Service) Leave(ch Channel, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn := s.registry.connection(ch)
	if conn == nil || conn.SessionID != sessionID {
		return apperrors.NewBadRequest("Not a member of this session")
	}
	s.departLocked(sessionID, ch, ch.UserID())
	s.log.Info("participant left session",
		zap.String("session_id", sessionID),
		zap.String("user_id", ch.UserID()),
	)
	return nil
}

// Kick removes targetUserID from the session and disconnects its channel.
// Only the owner may kick, and never itself.
func (s *Service) Kick(ch Channel, sessionID, targetUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.activeSession(sessionID)
	if err != nil {
		return err
	}
	if err := s.ownerOnly(state, ch.UserID(), EventKickParticipant); err != nil {
		return err
	}
	if targetUserID == ch.UserID() {
		return apperrors.NewBadRequest("The session owner cannot kick themselves")
	}
	if !state.isParticipant(targetUserID) {
		return apperrors.NewBadRequest("User is not a participant of this session")
	}

	if targetCh := s.registry.channelFor(targetUserID, sessionID); targetCh != nil {
		s.send(targetCh, Event{Name: EventYouWereKicked, Data: Kicked{SessionID: sessionID, KickedBy: ch.UserID()}})
		s.rooms.leave(sessionID, targetCh)
		s.registry.unbind(targetCh)
		targetCh.Close()
	}
	s.removeParticipantLocked(state, targetUserID)

	s.log.Info("participant kicked",
		zap.String("session_id", sessionID),
		zap.String("user_id", targetUserID),
		zap.String("kicked_by", ch.UserID()),
	)
	return nil
}

// removeParticipantLocked applies a departure to the cache, persists it and
// notifies the room. When the owner leaves, the remaining participant with the
// earliest join takes over.
func (s *Service) removeParticipantLocked(state *sessionState, userID string) {
	delete(state.inflight, userID)
	delete(s.pending, pendingKey{sessionID: state.id, userID: userID})

	p, ok := state.participants[userID]
	if !ok {
		return
	}
	delete(state.participants, userID)

	newOwner := ""
	switch {
	case userID != state.ownerID:
		delete(state.permissions, userID)
	case state.count() > 0:
		newOwner = state.orderedParticipants()[0].userID
		state.ownerID = newOwner
		state.permissions[newOwner] = true
		delete(state.permissions, userID)
	default:
		// The owner stays recorded while the session is empty.
		state.permissions[userID] = true
	}

	op := OpParticipantRemove
	if newOwner != "" {
		op = OpOwner
		s.log.Info("session ownership transferred",
			zap.String("session_id", state.id),
			zap.String("previous_owner", userID),
			zap.String("new_owner", newOwner),
		)
	}
	s.saveSessionLocked(state, op)

	s.rooms.broadcast(state.id, Event{Name: EventUserLeft, Data: UserLeft{
		SessionID:          state.id,
		UserID:             userID,
		Username:           p.username,
		Count:              state.count(),
		NewOwnerID:         newOwner,
		DrawingPermissions: state.permissionsCopy(),
	}}, "")

	if newOwner != "" {
		s.renotifyPendingLocked(state)
	}
	if state.count() == 0 {
		s.abandonPendingLocked(state)
		s.cleanup.arm(state.id)
	}
}

// renotifyPendingLocked hands outstanding join requests to a new owner.
func (s *Service) renotifyPendingLocked(state *sessionState) {
	ownerCh := s.registry.channelFor(state.ownerID, state.id)
	if ownerCh == nil {
		return
	}
	for key, req := range s.pending {
		if key.sessionID != state.id {
			continue
		}
		s.send(ownerCh, Event{Name: EventNewJoinRequest, Data: JoinRequestNotice{
			SessionID:           state.id,
			RequesterID:         key.userID,
			RequesterName:       req.requesterName,
			RequesterChannelRef: req.channelRef,
		}})
	}
}

// abandonPendingLocked fails requests nobody is left to decide on.
func (s *Service) abandonPendingLocked(state *sessionState) {
	for key := range s.pending {
		if key.sessionID != state.id {
			continue
		}
		delete(s.pending, key)
		if reqCh := s.registry.channelFor(key.userID, state.id); reqCh != nil {
			s.registry.unbind(reqCh)
			s.failLocked(reqCh, state.id, apperrors.ErrOwnerUnavailable)
		}
	}
}
