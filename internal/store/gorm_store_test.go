package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/boardroom/internal/database/testutil"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	st, err := NewGormStore(db)
	require.NoError(t, err)
	return st
}

func sampleSession() Session {
	return Session{
		ID:        "P1",
		Name:      "Planning",
		OwnerID:   "alice",
		IsPrivate: true,
		AccessKey: "K1",
		Participants: []Participant{
			{UserID: "alice", Username: "Alice", JoinSeq: 1},
			{UserID: "bob", Username: "Bob", JoinSeq: 2},
		},
		DrawingPermissions: map[string]bool{"alice": true, "bob": false},
	}
}

func TestGormStore_GetMissingSession(t *testing.T) {
	st := newTestStore(t)

	_, err := st.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_SaveAndGet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveSession(ctx, sampleSession()))

	got, err := st.Get(ctx, "P1")
	require.NoError(t, err)
	require.Equal(t, "Planning", got.Name)
	require.Equal(t, "alice", got.OwnerID)
	require.True(t, got.IsPrivate)
	require.Equal(t, "K1", got.AccessKey)
	require.Len(t, got.Participants, 2)
	require.Equal(t, "alice", got.Participants[0].UserID)
	require.Equal(t, "bob", got.Participants[1].UserID)
	require.Equal(t, map[string]bool{"alice": true, "bob": false}, got.DrawingPermissions)
	require.Empty(t, got.Strokes)
	require.Empty(t, got.Messages)
	require.False(t, got.LastActiveAt.IsZero())
}

func TestGormStore_SaveReplacesMembership(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	doc := sampleSession()
	require.NoError(t, st.SaveSession(ctx, doc))

	doc.OwnerID = "bob"
	doc.Participants = doc.Participants[1:]
	doc.DrawingPermissions = map[string]bool{"bob": true}
	require.NoError(t, st.SaveSession(ctx, doc))

	got, err := st.Get(ctx, "P1")
	require.NoError(t, err)
	require.Equal(t, "bob", got.OwnerID)
	require.Len(t, got.Participants, 1)
	require.Equal(t, map[string]bool{"bob": true}, got.DrawingPermissions)
}

func TestGormStore_SaveRejectsPrivateWithoutKey(t *testing.T) {
	st := newTestStore(t)

	doc := sampleSession()
	doc.AccessKey = ""
	require.Error(t, st.SaveSession(context.Background(), doc))
}

func TestGormStore_AppendStrokeIsIdempotentPerSeq(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveSession(ctx, sampleSession()))

	first := Stroke{Points: []Point{{X: 1, Y: 2}, {X: 3, Y: 4}}, Color: "#000", Size: 2, Tool: "pen", AuthorID: "alice"}
	second := Stroke{Points: []Point{{X: 5, Y: 6}}, Color: "#f00", Size: 4, Tool: "shape", Shape: "circle", AuthorID: "bob"}

	require.NoError(t, st.AppendStroke(ctx, "P1", 0, first))
	require.NoError(t, st.AppendStroke(ctx, "P1", 0, first))
	require.NoError(t, st.AppendStroke(ctx, "P1", 1, second))

	got, err := st.Get(ctx, "P1")
	require.NoError(t, err)
	require.Equal(t, []Stroke{first, second}, got.Strokes)
	require.Equal(t, 2, got.NextStrokeSeq)
}

func TestGormStore_NextStrokeSeqSkipsLostPositions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveSession(ctx, sampleSession()))

	got, err := st.Get(ctx, "P1")
	require.NoError(t, err)
	require.Equal(t, 0, got.NextStrokeSeq)

	s0 := Stroke{Points: []Point{{X: 0, Y: 0}}, Tool: "pen", AuthorID: "alice"}
	s2 := Stroke{Points: []Point{{X: 2, Y: 2}}, Tool: "pen", AuthorID: "alice"}
	require.NoError(t, st.AppendStroke(ctx, "P1", 0, s0))
	require.NoError(t, st.AppendStroke(ctx, "P1", 2, s2))

	got, err = st.Get(ctx, "P1")
	require.NoError(t, err)
	require.Equal(t, []Stroke{s0, s2}, got.Strokes)
	require.Equal(t, 3, got.NextStrokeSeq)
}

func TestGormStore_ReplaceStrokes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveSession(ctx, sampleSession()))
	require.NoError(t, st.AppendStroke(ctx, "P1", 0, Stroke{Points: []Point{{X: 1, Y: 1}}, Tool: "pen"}))

	replacement := []Stroke{
		{Points: []Point{{X: 9, Y: 9}}, Color: "#fff", Size: 1, Tool: "eraser"},
		{Points: []Point{{X: 0, Y: 0}}, Color: "#111", Size: 3, Tool: "text", TextContent: "hi"},
	}
	require.NoError(t, st.ReplaceStrokes(ctx, "P1", replacement))

	got, err := st.Get(ctx, "P1")
	require.NoError(t, err)
	require.Equal(t, replacement, got.Strokes)
	require.Equal(t, 2, got.NextStrokeSeq)

	require.NoError(t, st.ReplaceStrokes(ctx, "P1", nil))
	got, err = st.Get(ctx, "P1")
	require.NoError(t, err)
	require.Empty(t, got.Strokes)
}

func TestGormStore_AppendMessageIgnoresDuplicates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveSession(ctx, sampleSession()))

	sent := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := ChatMessage{ID: "m-1", UserID: "bob", Username: "Bob", Text: "hello", SentAt: sent}
	require.NoError(t, st.AppendMessage(ctx, "P1", 0, msg))
	require.NoError(t, st.AppendMessage(ctx, "P1", 0, msg))

	got, err := st.Get(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	require.Equal(t, "hello", got.Messages[0].Text)
	require.Equal(t, "Bob", got.Messages[0].Username)
	require.True(t, got.Messages[0].SentAt.Equal(sent))
}

func TestGormStore_Delete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveSession(ctx, sampleSession()))
	require.NoError(t, st.AppendStroke(ctx, "P1", 0, Stroke{Points: []Point{{X: 1, Y: 1}}}))
	require.NoError(t, st.AppendMessage(ctx, "P1", 0, ChatMessage{ID: "m-1", UserID: "alice", Text: "x"}))

	require.NoError(t, st.Delete(ctx, "P1"))
	_, err := st.Get(ctx, "P1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.Delete(ctx, "P1"))
}

func TestGormStore_ListIdle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	empty := Session{ID: "empty", Name: "Empty", OwnerID: "alice", LastActiveAt: old}
	busy := Session{
		ID: "busy", Name: "Busy", OwnerID: "alice", LastActiveAt: old,
		Participants:       []Participant{{UserID: "alice", Username: "Alice", JoinSeq: 1}},
		DrawingPermissions: map[string]bool{"alice": true},
	}
	fresh := Session{ID: "fresh", Name: "Fresh", OwnerID: "alice", LastActiveAt: time.Now()}

	for _, doc := range []Session{empty, busy, fresh} {
		require.NoError(t, st.SaveSession(ctx, doc))
	}

	ids, err := st.ListIdle(ctx, time.Now().Add(-24*time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, []string{"empty"}, ids)
}

func TestGormStore_Ping(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Ping(context.Background()))
}

func TestNewGormStoreRequiresDB(t *testing.T) {
	_, err := NewGormStore(nil)
	require.Error(t, err)
}
