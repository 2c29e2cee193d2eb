package collab

// Event is a named message exchanged over a realtime channel.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// Channel is a live bidirectional connection for one client instance.
//
// Send must not block; implementations queue the event or fail. Close must be
// idempotent and must not call back into the Service synchronously.
type Channel interface {
	ID() string
	UserID() string
	Username() string
	Send(Event) error
	Close()
}

// Events sent by clients.
const (
	EventJoinSession        = "join-session"
	EventApproveJoinRequest = "approve-join-request"
	EventRejectJoinRequest  = "reject-join-request"
	EventKickParticipant    = "kick-participant"
	EventWhiteboardPoint    = "whiteboard-point"
	EventWhiteboardUpdate   = "whiteboard-update"
	EventSetPermission      = "set-drawing-permission"
	EventGrantAll           = "grant-all-drawing-permissions"
	EventRevokeAll          = "revoke-all-drawing-permissions"
	EventChatMessage        = "chat-message"
	EventLeaveSession       = "user-leave-session"
	EventPing               = "ping"
)

// Events sent by the server.
const (
	EventSessionState       = "session-state"
	EventJoinFailed         = "join-failed"
	EventSessionNotFound    = "session-not-found"
	EventJoinAwaiting       = "join-awaiting-approval"
	EventJoinApproved       = "join-approved"
	EventJoinRejected       = "join-rejected"
	EventNewJoinRequest     = "new-join-request"
	EventUserJoined         = "user-joined"
	EventUserLeft           = "user-left"
	EventYouWereKicked      = "you-were-kicked"
	EventKickFailed         = "kick-failed"
	EventPermissionsUpdated = "drawing-permissions-updated"
	EventCommandFailed      = "command-failed"
	EventError              = "error"
	EventPong               = "pong"
)
