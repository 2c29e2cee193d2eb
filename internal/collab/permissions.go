package collab

import (
	apperrors "github.com/charlesng35/boardroom/pkg/errors"
)

// PermissionsUpdate is broadcast after any drawing permission command.
type PermissionsUpdate struct {
	SessionID          string          `json:"sessionId"`
	DrawingPermissions map[string]bool `json:"drawingPermissions"`
}

// CanDraw reports whether userID may draw in sessionID.
func (s *Service) CanDraw(sessionID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	return canDraw(state, userID)
}

func canDraw(state *sessionState, userID string) bool {
	return userID == state.ownerID || state.permissions[userID]
}

// SetPermission sets the drawing flag of one participant. The owner's flag cannot be cleared.
func (s *Service) SetPermission(ch Channel, sessionID, targetUserID string, allow bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.activeSession(sessionID)
	if err != nil {
		return err
	}
	if err := s.ownerOnly(state, ch.UserID(), EventSetPermission); err != nil {
		return err
	}
	if !state.isParticipant(targetUserID) {
		return apperrors.NewBadRequest("User is not a participant of this session")
	}

	changed := false
	if targetUserID != state.ownerID {
		changed = setFlag(state, targetUserID, allow)
	}
	s.permissionsChangedLocked(state, changed)
	return nil
}

// GrantAll lets every participant draw.
func (s *Service) GrantAll(ch Channel, sessionID string) error {
	return s.setAll(ch, sessionID, EventGrantAll, true)
}

// RevokeAll stops every participant but the owner from drawing.
func (s *Service) RevokeAll(ch Channel, sessionID string) error {
	return s.setAll(ch, sessionID, EventRevokeAll, false)
}

func (s *Service) setAll(ch Channel, sessionID, operation string, allow bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.activeSession(sessionID)
	if err != nil {
		return err
	}
	if err := s.ownerOnly(state, ch.UserID(), operation); err != nil {
		return err
	}

	changed := false
	for userID := range state.participants {
		if userID == state.ownerID {
			continue
		}
		if setFlag(state, userID, allow) {
			changed = true
		}
	}
	s.permissionsChangedLocked(state, changed)
	return nil
}

func setFlag(state *sessionState, userID string, allow bool) bool {
	current, ok := state.permissions[userID]
	if ok && current == allow {
		return false
	}
	state.permissions[userID] = allow
	if !allow {
		delete(state.inflight, userID)
	}
	return true
}

// permissionsChangedLocked persists a change and always tells the whole room,
// the requesting owner included.
func (s *Service) permissionsChangedLocked(state *sessionState, changed bool) {
	state.permissions[state.ownerID] = true
	if changed {
		s.saveSessionLocked(state, OpPermissions)
	}
	s.rooms.broadcast(state.id, Event{Name: EventPermissionsUpdated, Data: PermissionsUpdate{
		SessionID:          state.id,
		DrawingPermissions: state.permissionsCopy(),
	}}, "")
}
