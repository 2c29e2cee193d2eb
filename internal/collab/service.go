package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/boardroom/internal/store"
	apperrors "github.com/charlesng35/boardroom/pkg/errors"
	"github.com/charlesng35/boardroom/pkg/metrics"
)

// Config tunes the coordinator.
type Config struct {
	// CleanupGrace is how long an empty session is kept before it is deleted.
	CleanupGrace time.Duration
	// HydrateTimeout bounds the durable read performed by a join.
	HydrateTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.CleanupGrace <= 0 {
		c.CleanupGrace = 5 * time.Minute
	}
	if c.HydrateTimeout <= 0 {
		c.HydrateTimeout = 10 * time.Second
	}
	return c
}

type pendingKey struct {
	sessionID string
	userID    string
}

type pendingRequest struct {
	requesterName string
	channelRef    string
	requestedAt   time.Time
}

// Service owns every piece of process-wide collaboration state: the session
// cache, the pending join table, the connection registry, room membership and
// cleanup timers. All of it is guarded by one mutex so each command runs to
// completion before the next one observes its effects. Durable writes are
// handed to the Persister and never block a command.
type Service struct {
	cfg     Config
	store   store.Store
	persist *Persister
	log     *zap.Logger
	timeNow func() time.Time

	mu        sync.Mutex
	sessions  map[string]*sessionState
	hydrating map[string]chan struct{}
	pending   map[pendingKey]pendingRequest
	registry  *registry
	rooms     *rooms
	cleanup   *cleanupScheduler
}

// NewService wires a coordinator over the durable store and its persister.
func NewService(st store.Store, persist *Persister, cfg Config, log *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, errors.New("collab service: store is required")
	}
	if persist == nil {
		return nil, errors.New("collab service: persister is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	svc := &Service{
		cfg:       cfg.withDefaults(),
		store:     st,
		persist:   persist,
		log:       log,
		timeNow:   time.Now,
		sessions:  make(map[string]*sessionState),
		hydrating: make(map[string]chan struct{}),
		pending:   make(map[pendingKey]pendingRequest),
		registry:  newRegistry(),
		rooms:     newRooms(log),
	}
	svc.cleanup = newCleanupScheduler(svc.cfg.CleanupGrace, svc.expire)
	return svc, nil
}

// Stop cancels every pending cleanup timer. Queued durable writes are drained
// separately through the Persister.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanup.stop()
}

// Phase reports the coordinator state of sessionID.
func (s *Service) Phase(sessionID string) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phaseLocked(sessionID)
}

func (s *Service) phaseLocked(sessionID string) Phase {
	if _, ok := s.sessions[sessionID]; ok {
		return PhaseActive
	}
	if _, ok := s.hydrating[sessionID]; ok {
		return PhaseHydrating
	}
	return PhaseNoSession
}

// Snapshot returns the cached view of sessionID.
func (s *Service) Snapshot(sessionID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.sessions[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	return state.snapshot(), true
}

// Cached reports whether sessionID is held in the cache.
func (s *Service) Cached(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID]
	return ok
}

// InUse reports whether sessionID is cached or being hydrated. Background
// sweeps must leave such sessions alone.
func (s *Service) InUse(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phaseLocked(sessionID) != PhaseNoSession
}

// CleanupPending reports whether an empty-session deletion is scheduled.
func (s *Service) CleanupPending(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanup.pending(sessionID)
}

// Lookup returns the live channel registered for userID, if any.
func (s *Service) Lookup(userID string) Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.lookup(userID)
}

// Connect registers ch as its user's live channel. A previous channel of the
// same user is evicted: it implicitly leaves its session and is closed.
func (s *Service) Connect(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerLocked(ch)
}

func (s *Service) registerLocked(ch Channel) *Connection {
	conn, evicted := s.registry.register(ch)
	if evicted != nil {
		s.log.Info("evicting stale channel",
			zap.String("user_id", evicted.UserID),
			zap.String("session_id", evicted.SessionID),
			zap.String("channel_id", evicted.Channel.ID()),
		)
		if evicted.SessionID != "" {
			s.departLocked(evicted.SessionID, evicted.Channel, evicted.UserID)
		}
		evicted.Channel.Close()
	}
	metrics.LiveChannels.Set(float64(s.registry.len()))
	return conn
}

// Disconnect handles a closed channel. Only the user's current channel triggers
// a leave; a channel that was already evicted is ignored.
func (s *Service) Disconnect(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn := s.registry.unregister(ch)
	metrics.LiveChannels.Set(float64(s.registry.len()))
	if conn == nil || conn.SessionID == "" {
		return
	}
	s.departLocked(conn.SessionID, ch, conn.UserID)
}

// departLocked takes ch out of sessionID and removes its user from the session.
func (s *Service) departLocked(sessionID string, ch Channel, userID string) {
	s.rooms.leave(sessionID, ch)
	s.registry.unbind(ch)
	delete(s.pending, pendingKey{sessionID: sessionID, userID: userID})

	state, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	s.removeParticipantLocked(state, userID)
}

// send delivers evt to a single channel, logging delivery failures.
func (s *Service) send(ch Channel, evt Event) {
	if ch == nil {
		return
	}
	if err := ch.Send(evt); err != nil {
		s.log.Debug("event delivery failed",
			zap.String("channel_id", ch.ID()),
			zap.String("user_id", ch.UserID()),
			zap.String("event", evt.Name),
			zap.Error(err),
		)
	}
}

func (s *Service) ownerOnly(state *sessionState, requesterID, operation string) error {
	if requesterID == state.ownerID {
		return nil
	}
	metrics.PermissionDenials.WithLabelValues(operation).Inc()
	s.log.Info("owner-only command rejected",
		zap.String("session_id", state.id),
		zap.String("user_id", requesterID),
		zap.String("operation", operation),
	)
	return apperrors.ErrPermissionDenied
}

func (s *Service) activeSession(sessionID string) (*sessionState, error) {
	state, ok := s.sessions[sessionID]
	if !ok {
		return nil, apperrors.ErrSessionNotFound
	}
	return state, nil
}

func (s *Service) saveSessionLocked(state *sessionState, op string) {
	state.lastActive = s.timeNow()
	doc := state.document()
	s.persist.Enqueue(WriteOp{
		SessionID: state.id,
		Name:      op,
		Apply: func(ctx context.Context, st store.Store) error {
			return st.SaveSession(ctx, doc)
		},
	})
}

func (s *Service) cacheLocked(state *sessionState) {
	s.sessions[state.id] = state
	metrics.CachedSessions.Set(float64(len(s.sessions)))
}

func (s *Service) evictLocked(sessionID string) {
	delete(s.sessions, sessionID)
	s.rooms.drop(sessionID)
	s.registry.unbindSession(sessionID)
	for key := range s.pending {
		if key.sessionID == sessionID {
			delete(s.pending, key)
		}
	}
	metrics.CachedSessions.Set(float64(len(s.sessions)))
}

// expire runs when a cleanup timer fires.
func (s *Service) expire(sessionID string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cleanup.claim(sessionID, gen) {
		metrics.CleanupRuns.WithLabelValues("cancelled").Inc()
		return
	}
	if state, ok := s.sessions[sessionID]; ok && state.count() > 0 {
		metrics.CleanupRuns.WithLabelValues("skipped").Inc()
		return
	}

	s.evictLocked(sessionID)
	s.persist.Enqueue(WriteOp{
		SessionID: sessionID,
		Name:      OpDelete,
		Apply: func(ctx context.Context, st store.Store) error {
			return st.Delete(ctx, sessionID)
		},
	})
	metrics.CleanupRuns.WithLabelValues("deleted").Inc()
	s.log.Info("empty session deleted after grace period", zap.String("session_id", sessionID))
}
