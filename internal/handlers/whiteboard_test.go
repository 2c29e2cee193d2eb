package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	iauth "github.com/charlesng35/boardroom/internal/auth"
	"github.com/charlesng35/boardroom/internal/collab"
	"github.com/charlesng35/boardroom/internal/database/testutil"
	"github.com/charlesng35/boardroom/internal/realtime"
	"github.com/charlesng35/boardroom/internal/store"
)

type wireEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type whiteboardEnv struct {
	t      *testing.T
	svc    *collab.Service
	jwt    *iauth.JWTService
	store  *store.GormStore
	url    string
	server *httptest.Server
}

func newWhiteboardEnv(t *testing.T) *whiteboardEnv {
	t.Helper()
	return newWhiteboardEnvWithHub(t, realtime.Config{})
}

func newWhiteboardEnvWithHub(t *testing.T, hubCfg realtime.Config) *whiteboardEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	st, err := store.NewGormStore(db)
	require.NoError(t, err)

	persist, err := collab.NewPersister(st, collab.PersistConfig{MaxAttempts: 2}, zap.NewNop())
	require.NoError(t, err)
	svc, err := collab.NewService(st, persist, collab.Config{CleanupGrace: time.Minute}, zap.NewNop())
	require.NoError(t, err)

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "test-secret", Issuer: "boardroom"})
	require.NoError(t, err)

	hub := realtime.NewHub(hubCfg, zap.NewNop())
	handler := NewWhiteboardHandler(svc, hub, jwtSvc, zap.NewNop())

	router := gin.New()
	router.GET("/ws", handler.Stream)
	router.GET("/health", Health(st))
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Close(ctx)
		server.Close()
		svc.Stop()
		_ = persist.Close(ctx)
	})

	return &whiteboardEnv{
		t:      t,
		svc:    svc,
		jwt:    jwtSvc,
		store:  st,
		url:    "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		server: server,
	}
}

func (e *whiteboardEnv) connect(userID, username string) *websocket.Conn {
	e.t.Helper()
	token, err := e.jwt.GenerateAccessToken(iauth.AccessTokenInput{UserID: userID, Username: username})
	require.NoError(e.t, err)

	ws, resp, err := websocket.DefaultDialer.Dial(e.url+"?token="+token, nil)
	require.NoError(e.t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	e.t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func emit(t *testing.T, ws *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]any{"event": event, "data": data}))
}

// await reads until an event named name arrives, skipping everything else.
func await(t *testing.T, ws *websocket.Conn, name string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, ws.SetReadDeadline(deadline))
		var evt wireEvent
		require.NoError(t, ws.ReadJSON(&evt), "waiting for %s", name)
		if evt.Event == name {
			return evt.Data
		}
	}
}

func TestWhiteboardHandlerRejectsMissingToken(t *testing.T) {
	env := newWhiteboardEnv(t)

	resp, err := http.Get(env.server.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWhiteboardHandlerRejectsInvalidToken(t *testing.T) {
	env := newWhiteboardEnv(t)

	resp, err := http.Get(env.server.URL + "/ws?token=not-a-jwt")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthPingsStore(t *testing.T) {
	env := newWhiteboardEnv(t)

	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWhiteboardHandlerPingPong(t *testing.T) {
	env := newWhiteboardEnv(t)
	alice := env.connect("alice", "Alice")

	emit(t, alice, collab.EventPing, nil)
	await(t, alice, collab.EventPong)
}

func TestWhiteboardHandlerValidatesPayload(t *testing.T) {
	env := newWhiteboardEnv(t)
	alice := env.connect("alice", "Alice")

	emit(t, alice, collab.EventJoinSession, map[string]any{"sessionId": ""})

	var failure CommandFailure
	require.NoError(t, json.Unmarshal(await(t, alice, collab.EventCommandFailed), &failure))
	require.Equal(t, collab.EventJoinSession, failure.Event)
	require.Equal(t, "BAD_REQUEST", failure.Code)
}

func TestWhiteboardHandlerUnknownSession(t *testing.T) {
	env := newWhiteboardEnv(t)
	alice := env.connect("alice", "Alice")

	emit(t, alice, collab.EventJoinSession, map[string]any{"sessionId": "missing"})

	var failure collab.JoinFailure
	require.NoError(t, json.Unmarshal(await(t, alice, collab.EventSessionNotFound), &failure))
	require.Equal(t, "SESSION_NOT_FOUND", failure.Code)
}

func TestWhiteboardHandlerCollaborationFlow(t *testing.T) {
	env := newWhiteboardEnv(t)
	alice := env.connect("alice", "Alice")
	bob := env.connect("bob", "Bob")

	emit(t, alice, collab.EventJoinSession, map[string]any{
		"sessionId":   "board-1",
		"userId":      "alice",
		"sessionName": "Planning",
	})
	var snap collab.Snapshot
	require.NoError(t, json.Unmarshal(await(t, alice, collab.EventSessionState), &snap))
	require.Equal(t, "alice", snap.OwnerID)
	require.Equal(t, "Planning", snap.Name)

	// The payload user id is ignored in favour of the token identity.
	emit(t, bob, collab.EventJoinSession, map[string]any{"sessionId": "board-1", "userId": "mallory"})
	require.NoError(t, json.Unmarshal(await(t, bob, collab.EventSessionState), &snap))
	require.Equal(t, 2, snap.ParticipantCount)

	var joined collab.UserJoined
	require.NoError(t, json.Unmarshal(await(t, alice, collab.EventUserJoined), &joined))
	require.Equal(t, "bob", joined.UserID)
	require.Equal(t, "Bob", joined.Username)

	emit(t, bob, collab.EventKickParticipant, map[string]any{"sessionId": "board-1", "targetUserId": "alice"})
	var kickFailure collab.KickFailure
	require.NoError(t, json.Unmarshal(await(t, bob, collab.EventKickFailed), &kickFailure))
	require.Equal(t, "PERMISSION_DENIED", kickFailure.Code)

	emit(t, bob, collab.EventGrantAll, map[string]any{"sessionId": "board-1"})
	var cmdFailure CommandFailure
	require.NoError(t, json.Unmarshal(await(t, bob, collab.EventCommandFailed), &cmdFailure))
	require.Equal(t, collab.EventGrantAll, cmdFailure.Event)
	require.Equal(t, "PERMISSION_DENIED", cmdFailure.Code)

	emit(t, alice, collab.EventSetPermission, map[string]any{"sessionId": "board-1", "targetUserId": "bob", "canDraw": true})
	var perms collab.PermissionsUpdate
	require.NoError(t, json.Unmarshal(await(t, bob, collab.EventPermissionsUpdated), &perms))
	require.True(t, perms.DrawingPermissions["bob"])
	await(t, alice, collab.EventPermissionsUpdated)

	emit(t, bob, collab.EventWhiteboardPoint, map[string]any{
		"sessionId": "board-1",
		"points":    []map[string]float64{{"x": 1, "y": 2}, {"x": 3, "y": 4}},
		"color":     "#ff0000",
		"size":      2,
		"tool":      "pen",
		"isEnd":     true,
	})
	var relay collab.PointRelay
	require.NoError(t, json.Unmarshal(await(t, alice, collab.EventWhiteboardPoint), &relay))
	require.Equal(t, "bob", relay.UserID)
	require.Len(t, relay.Points, 2)

	emit(t, bob, collab.EventChatMessage, map[string]any{"sessionId": "board-1", "message": "hello <b>"})
	var chat collab.ChatRelay
	require.NoError(t, json.Unmarshal(await(t, alice, collab.EventChatMessage), &chat))
	require.Equal(t, "bob", chat.Message.UserID)
	require.Equal(t, "hello &lt;b&gt;", chat.Message.Text)

	emit(t, alice, collab.EventKickParticipant, map[string]any{"sessionId": "board-1", "targetUserId": "bob"})
	var kicked collab.Kicked
	require.NoError(t, json.Unmarshal(await(t, bob, collab.EventYouWereKicked), &kicked))
	require.Equal(t, "alice", kicked.KickedBy)

	var left collab.UserLeft
	require.NoError(t, json.Unmarshal(await(t, alice, collab.EventUserLeft), &left))
	require.Equal(t, "bob", left.UserID)
	require.Equal(t, 1, left.Count)

	require.Eventually(t, func() bool {
		doc, err := env.store.Get(context.Background(), "board-1")
		return err == nil && len(doc.Strokes) == 1 && len(doc.Messages) == 1 && len(doc.Participants) == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWhiteboardHandlerThrottledEndBatchClosesStroke(t *testing.T) {
	env := newWhiteboardEnvWithHub(t, realtime.Config{EventsPerSecond: 1, Burst: 3})
	alice := env.connect("alice", "Alice")

	point := func(x float64, color string, end bool) map[string]any {
		return map[string]any{
			"sessionId": "board-1",
			"points":    []map[string]float64{{"x": x, "y": x}},
			"color":     color,
			"tool":      "pen",
			"isEnd":     end,
		}
	}

	emit(t, alice, collab.EventJoinSession, map[string]any{"sessionId": "board-1", "sessionName": "Planning"})
	emit(t, alice, collab.EventWhiteboardPoint, point(1, "red", false))
	emit(t, alice, collab.EventWhiteboardPoint, point(2, "red", false))
	emit(t, alice, collab.EventWhiteboardPoint, point(3, "red", true))

	var errPayload realtime.ErrorPayload
	require.NoError(t, json.Unmarshal(await(t, alice, collab.EventError), &errPayload))
	require.Equal(t, "RATE_LIMIT_EXCEEDED", errPayload.Code)

	time.Sleep(1200 * time.Millisecond)
	emit(t, alice, collab.EventWhiteboardPoint, point(5, "blue", true))

	want := []store.Stroke{{Points: []store.Point{{X: 5, Y: 5}}, Color: "blue", Tool: "pen", AuthorID: "alice"}}
	require.Eventually(t, func() bool {
		snap, ok := env.svc.Snapshot("board-1")
		return ok && len(snap.Strokes) == 1
	}, 3*time.Second, 20*time.Millisecond)
	snap, _ := env.svc.Snapshot("board-1")
	require.Equal(t, want, snap.Strokes)
}
