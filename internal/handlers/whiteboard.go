package handlers

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	iauth "github.com/charlesng35/boardroom/internal/auth"
	"github.com/charlesng35/boardroom/internal/collab"
	"github.com/charlesng35/boardroom/internal/realtime"
	"github.com/charlesng35/boardroom/internal/store"
	"github.com/charlesng35/boardroom/pkg/errors"
	"github.com/charlesng35/boardroom/pkg/response"
	"github.com/charlesng35/boardroom/pkg/validator"
)

// WhiteboardHandler upgrades authenticated requests to websocket channels and
// routes their events into the session service.
type WhiteboardHandler struct {
	svc *collab.Service
	hub *realtime.Hub
	jwt *iauth.JWTService
	log *zap.Logger
}

var _ realtime.Dispatcher = (*WhiteboardHandler)(nil)

// CommandFailure is the payload of command-failed.
type CommandFailure struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type joinPayload struct {
	SessionID   string `json:"sessionId" validate:"required,sessionid"`
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	SessionName string `json:"sessionName" validate:"omitempty,max=200"`
	IsPrivate   bool   `json:"isPrivate"`
	AccessKey   string `json:"accessKey" validate:"omitempty,max=256"`
}

type joinDecisionPayload struct {
	SessionID           string `json:"sessionId" validate:"required,sessionid"`
	RequesterID         string `json:"requesterId" validate:"required"`
	RequesterChannelRef string `json:"requesterChannelRef"`
}

type kickPayload struct {
	SessionID    string `json:"sessionId" validate:"required,sessionid"`
	TargetUserID string `json:"targetUserId" validate:"required"`
}

type pointPayload struct {
	SessionID string `json:"sessionId" validate:"required,sessionid"`
	UserID    string `json:"userId"`
	collab.PointBatch
}

type updatePayload struct {
	SessionID string         `json:"sessionId" validate:"required,sessionid"`
	Strokes   []store.Stroke `json:"strokes"`
}

type permissionPayload struct {
	SessionID    string `json:"sessionId" validate:"required,sessionid"`
	TargetUserID string `json:"targetUserId" validate:"required"`
	CanDraw      bool   `json:"canDraw"`
}

type sessionPayload struct {
	SessionID string `json:"sessionId" validate:"required,sessionid"`
	UserID    string `json:"userId"`
}

type chatPayload struct {
	SessionID string `json:"sessionId" validate:"required,sessionid"`
	Message   string `json:"message"`
}

// NewWhiteboardHandler wires the websocket transport to the session service.
func NewWhiteboardHandler(svc *collab.Service, hub *realtime.Hub, jwt *iauth.JWTService, log *zap.Logger) *WhiteboardHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WhiteboardHandler{svc: svc, hub: hub, jwt: jwt, log: log}
}

// Stream validates the caller's identity token and upgrades the request.
func (h *WhiteboardHandler) Stream(c *gin.Context) {
	if h.jwt == nil || h.hub == nil || h.svc == nil {
		response.Error(c, errors.ErrNotFound)
		return
	}

	token := iauth.TokenFromRequest(c.Request)
	if token == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	claims, err := h.jwt.ValidateAccessToken(token)
	if err != nil {
		h.log.Debug("rejecting websocket token", zap.Error(err))
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	h.hub.Serve(realtime.Identity{UserID: claims.UserID, Username: claims.Username}, h, c.Writer, c.Request)
}

// Connected registers the new channel.
func (h *WhiteboardHandler) Connected(conn *realtime.Conn) {
	h.svc.Connect(conn)
}

// Disconnected runs the departure flow for the channel.
func (h *WhiteboardHandler) Disconnected(conn *realtime.Conn) {
	h.svc.Disconnect(conn)
}

// Throttled ends the stroke of a point batch lost to the rate limit, so the
// author's next batch starts a new stroke.
func (h *WhiteboardHandler) Throttled(conn *realtime.Conn, env realtime.Envelope) {
	if env.Event != collab.EventWhiteboardPoint || len(env.Data) == 0 {
		return
	}
	var p pointPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.SessionID == "" || !p.IsEnd {
		return
	}
	h.svc.AbandonStroke(conn, p.SessionID)
}

// Dispatch routes one inbound event.
func (h *WhiteboardHandler) Dispatch(ctx context.Context, conn *realtime.Conn, env realtime.Envelope) {
	switch env.Event {
	case collab.EventPing:
		_ = conn.Send(collab.Event{Name: collab.EventPong})

	case collab.EventJoinSession:
		var p joinPayload
		if !h.decode(conn, env, &p) {
			return
		}
		h.checkIdentity(conn, env.Event, p.UserID)
		h.svc.Join(ctx, conn, collab.JoinRequest{
			SessionID:   p.SessionID,
			SessionName: strings.TrimSpace(p.SessionName),
			IsPrivate:   p.IsPrivate,
			AccessKey:   p.AccessKey,
		})

	case collab.EventApproveJoinRequest:
		var p joinDecisionPayload
		if !h.decode(conn, env, &p) {
			return
		}
		h.fail(conn, env.Event, h.svc.Approve(conn, p.SessionID, p.RequesterID, p.RequesterChannelRef))

	case collab.EventRejectJoinRequest:
		var p joinDecisionPayload
		if !h.decode(conn, env, &p) {
			return
		}
		h.fail(conn, env.Event, h.svc.Reject(conn, p.SessionID, p.RequesterID, p.RequesterChannelRef))

	case collab.EventKickParticipant:
		var p kickPayload
		if !h.decode(conn, env, &p) {
			return
		}
		if err := h.svc.Kick(conn, p.SessionID, p.TargetUserID); err != nil {
			info := response.Info(err)
			_ = conn.Send(collab.Event{Name: collab.EventKickFailed, Data: collab.KickFailure{
				SessionID: p.SessionID,
				Code:      info.Code,
				Message:   info.Message,
			}})
		}

	case collab.EventWhiteboardPoint:
		var p pointPayload
		if !h.decode(conn, env, &p) {
			return
		}
		h.checkIdentity(conn, env.Event, p.UserID)
		h.svc.Draw(conn, p.SessionID, p.PointBatch)

	case collab.EventWhiteboardUpdate:
		var p updatePayload
		if !h.decode(conn, env, &p) {
			return
		}
		h.fail(conn, env.Event, h.svc.Replace(conn, p.SessionID, p.Strokes))

	case collab.EventSetPermission:
		var p permissionPayload
		if !h.decode(conn, env, &p) {
			return
		}
		h.fail(conn, env.Event, h.svc.SetPermission(conn, p.SessionID, p.TargetUserID, p.CanDraw))

	case collab.EventGrantAll:
		var p sessionPayload
		if !h.decode(conn, env, &p) {
			return
		}
		h.fail(conn, env.Event, h.svc.GrantAll(conn, p.SessionID))

	case collab.EventRevokeAll:
		var p sessionPayload
		if !h.decode(conn, env, &p) {
			return
		}
		h.fail(conn, env.Event, h.svc.RevokeAll(conn, p.SessionID))

	case collab.EventChatMessage:
		var p chatPayload
		if !h.decode(conn, env, &p) {
			return
		}
		_, err := h.svc.Chat(conn, p.SessionID, p.Message)
		h.fail(conn, env.Event, err)

	case collab.EventLeaveSession:
		var p sessionPayload
		if !h.decode(conn, env, &p) {
			return
		}
		h.checkIdentity(conn, env.Event, p.UserID)
		h.fail(conn, env.Event, h.svc.Leave(conn, p.SessionID))

	default:
		h.log.Debug("unknown realtime event", zap.String("event", env.Event), zap.String("user_id", conn.UserID()))
		h.fail(conn, env.Event, errors.NewBadRequest("Unknown event"))
	}
}

// decode unmarshals and validates the event data, reporting failures to conn.
func (h *WhiteboardHandler) decode(conn *realtime.Conn, env realtime.Envelope, dst any) bool {
	if len(env.Data) == 0 {
		h.fail(conn, env.Event, errors.NewBadRequest("Missing event data"))
		return false
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		h.fail(conn, env.Event, errors.NewBadRequest("Invalid event data"))
		return false
	}
	if err := validator.ValidateStruct(dst); err != nil {
		h.fail(conn, env.Event, errors.NewBadRequest(err.Error()))
		return false
	}
	return true
}

func (h *WhiteboardHandler) fail(conn *realtime.Conn, event string, err error) {
	if err == nil {
		return
	}
	info := response.Info(err)
	_ = conn.Send(collab.Event{Name: collab.EventCommandFailed, Data: CommandFailure{
		Event:   event,
		Code:    info.Code,
		Message: info.Message,
	}})
}

// checkIdentity logs payloads that claim a different user; the connection
// identity always wins.
func (h *WhiteboardHandler) checkIdentity(conn *realtime.Conn, event, claimed string) {
	if claimed == "" || claimed == conn.UserID() {
		return
	}
	h.log.Warn("payload user id does not match connection identity",
		zap.String("event", event),
		zap.String("user_id", conn.UserID()),
		zap.String("claimed_user_id", claimed),
	)
}
