package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/charlesng35/boardroom/internal/store"
)

var channelSeq atomic.Uint64

type fakeChannel struct {
	id       string
	userID   string
	username string

	mu     sync.Mutex
	events []Event
	closed bool
}

func newFakeChannel(userID string) *fakeChannel {
	return &fakeChannel{
		id:       fmt.Sprintf("%s-%d", userID, channelSeq.Add(1)),
		userID:   userID,
		username: "user " + userID,
	}
}

func (c *fakeChannel) ID() string       { return c.id }
func (c *fakeChannel) UserID() string   { return c.userID }
func (c *fakeChannel) Username() string { return c.username }

func (c *fakeChannel) Send(evt Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("channel closed")
	}
	c.events = append(c.events, evt)
	return nil
}

func (c *fakeChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) named(name string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, evt := range c.events {
		if evt.Name == name {
			out = append(out, evt)
		}
	}
	return out
}

func (c *fakeChannel) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.Name)
	}
	return out
}

func (c *fakeChannel) last(t *testing.T, name string) Event {
	t.Helper()
	evts := c.named(name)
	require.NotEmpty(t, evts, "channel %s received no %s event", c.id, name)
	return evts[len(evts)-1]
}

func (c *fakeChannel) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

// memoryStore is an in-memory store.Store with failure injection.
type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]*store.Session
	// durable stroke positions, parallel to each document's Strokes
	seqs     map[string][]int
	fail     map[string]int
	failErr  error
	calls    []string
	getCalls int
	getGate  chan struct{}
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		sessions: make(map[string]*store.Session),
		seqs:     make(map[string][]int),
		fail:     make(map[string]int),
		failErr:  errors.New("store unavailable"),
	}
}

// failNext makes the next n calls of op fail; n < 0 fails forever.
func (m *memoryStore) failNext(op string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = n
}

func (m *memoryStore) record(op string) error {
	m.calls = append(m.calls, op)
	n := m.fail[op]
	switch {
	case n < 0:
		return m.failErr
	case n > 0:
		m.fail[op] = n - 1
		return m.failErr
	}
	return nil
}

func (m *memoryStore) callsOf(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.calls {
		if c == op {
			count++
		}
	}
	return count
}

func (m *memoryStore) put(doc store.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneDoc(&doc)
	m.sessions[doc.ID] = cp
	m.seqs[doc.ID] = sequence(len(doc.Strokes))
}

func (m *memoryStore) doc(id string) (*store.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return cloneDoc(doc), true
}

func (m *memoryStore) Get(ctx context.Context, sessionID string) (*store.Session, error) {
	m.mu.Lock()
	m.getCalls++
	gate := m.getGate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("get"); err != nil {
		return nil, err
	}
	doc, ok := m.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneDoc(doc)
	if seqs := m.seqs[sessionID]; len(seqs) > 0 {
		out.NextStrokeSeq = seqs[len(seqs)-1] + 1
	}
	return out, nil
}

func (m *memoryStore) SaveSession(_ context.Context, session store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("save"); err != nil {
		return err
	}
	if err := session.Validate(); err != nil {
		return err
	}
	existing, ok := m.sessions[session.ID]
	next := cloneDoc(&session)
	if ok {
		next.Strokes = existing.Strokes
		next.Messages = existing.Messages
	}
	m.sessions[session.ID] = next
	return nil
}

func (m *memoryStore) AppendStroke(_ context.Context, sessionID string, seq int, stroke store.Stroke) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("append-stroke"); err != nil {
		return err
	}
	doc, ok := m.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	seqs := m.seqs[sessionID]
	i := sort.SearchInts(seqs, seq)
	if i < len(seqs) && seqs[i] == seq {
		doc.Strokes[i] = stroke
		return nil
	}
	m.seqs[sessionID] = append(seqs[:i:i], append([]int{seq}, seqs[i:]...)...)
	doc.Strokes = append(doc.Strokes[:i:i], append([]store.Stroke{stroke}, doc.Strokes[i:]...)...)
	return nil
}

func (m *memoryStore) ReplaceStrokes(_ context.Context, sessionID string, strokes []store.Stroke) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("replace-strokes"); err != nil {
		return err
	}
	doc, ok := m.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	doc.Strokes = append([]store.Stroke{}, strokes...)
	m.seqs[sessionID] = sequence(len(strokes))
	return nil
}

func (m *memoryStore) AppendMessage(_ context.Context, sessionID string, _ int, message store.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("append-message"); err != nil {
		return err
	}
	doc, ok := m.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	doc.Messages = append(doc.Messages, message)
	return nil
}

func (m *memoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("delete"); err != nil {
		return err
	}
	delete(m.sessions, sessionID)
	delete(m.seqs, sessionID)
	return nil
}

func (m *memoryStore) ListIdle(_ context.Context, before time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, doc := range m.sessions {
		if len(doc.Participants) == 0 && doc.LastActiveAt.Before(before) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memoryStore) Ping(context.Context) error { return nil }

func sequence(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func cloneDoc(doc *store.Session) *store.Session {
	cp := *doc
	cp.Participants = append([]store.Participant(nil), doc.Participants...)
	cp.Strokes = append([]store.Stroke(nil), doc.Strokes...)
	cp.Messages = append([]store.ChatMessage(nil), doc.Messages...)
	cp.DrawingPermissions = make(map[string]bool, len(doc.DrawingPermissions))
	for k, v := range doc.DrawingPermissions {
		cp.DrawingPermissions[k] = v
	}
	return &cp
}

type testEnv struct {
	svc     *Service
	persist *Persister
	store   *memoryStore
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	st := newMemoryStore()
	return newTestEnvWithStore(t, st, cfg)
}

func newTestEnvWithStore(t *testing.T, st *memoryStore, cfg Config) *testEnv {
	t.Helper()

	if cfg.CleanupGrace == 0 {
		cfg.CleanupGrace = time.Hour
	}
	persist, err := NewPersister(st, PersistConfig{
		MaxAttempts:      3,
		RetryDelay:       time.Millisecond,
		OperationTimeout: time.Second,
	}, zap.NewNop())
	require.NoError(t, err)

	svc, err := NewService(st, persist, cfg, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() {
		svc.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = persist.Close(ctx)
	})

	return &testEnv{svc: svc, persist: persist, store: st}
}

func (e *testEnv) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.persist.Flush(ctx))
}

func (e *testEnv) join(t *testing.T, ch *fakeChannel, req JoinRequest) JoinResult {
	t.Helper()
	return e.svc.Join(context.Background(), ch, req)
}

// requireOwnerCanDraw checks the owner permission invariant of a cached session.
func (e *testEnv) requireOwnerCanDraw(t *testing.T, sessionID string) {
	t.Helper()
	snap, ok := e.svc.Snapshot(sessionID)
	require.True(t, ok)
	require.True(t, snap.DrawingPermissions[snap.OwnerID], "owner %s lost drawing permission", snap.OwnerID)
}

func participantIDs(snap Snapshot) []string {
	ids := make([]string, 0, len(snap.Participants))
	for _, p := range snap.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

func zapNop() *zap.Logger { return zap.NewNop() }
