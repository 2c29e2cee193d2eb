package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/charlesng35/boardroom/internal/store"
	apperrors "github.com/charlesng35/boardroom/pkg/errors"
	"github.com/charlesng35/boardroom/pkg/metrics"
)

// Persistence operation names, used as log fields and metric labels.
const (
	OpCreate            = "create"
	OpParticipantAdd    = "participant-add"
	OpParticipantRemove = "participant-remove"
	OpPermissions       = "permissions"
	OpOwner             = "owner"
	OpAppendStroke      = "append-stroke"
	OpReplaceStrokes    = "replace-strokes"
	OpAppendMessage     = "append-message"
	OpDelete            = "delete"
)

// PersistConfig bounds the retry behaviour of durable writes.
type PersistConfig struct {
	MaxAttempts      int
	RetryDelay       time.Duration
	OperationTimeout time.Duration
}

func (c PersistConfig) withDefaults() PersistConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 10 * time.Second
	}
	return c
}

// WriteOp is one durable mutation of a session.
type WriteOp struct {
	SessionID string
	Name      string
	Apply     func(ctx context.Context, st store.Store) error
}

type sessionQueue struct {
	ops  []WriteOp
	done chan struct{}
}

// Persister applies durable writes in the background. Writes for one session are
// applied in the order they were enqueued; different sessions proceed in parallel.
// A write that still fails after the configured attempts is logged as a
// persistence failure and dropped, leaving the cache authoritative.
type Persister struct {
	store store.Store
	cfg   PersistConfig
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queues  map[string]*sessionQueue
	pending int
	idle    chan struct{}
	closed  bool

	// OnFailure is invoked after a write exhausts its attempts. Tests hook into it.
	OnFailure func(op WriteOp, err error)
}

// NewPersister constructs a persister writing to st.
func NewPersister(st store.Store, cfg PersistConfig, log *zap.Logger) (*Persister, error) {
	if st == nil {
		return nil, errors.New("persister: store is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Persister{
		store:  st,
		cfg:    cfg.withDefaults(),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[string]*sessionQueue),
	}, nil
}

// Enqueue schedules op behind any pending writes of the same session.
func (p *Persister) Enqueue(op WriteOp) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.log.Warn("persister closed, dropping write",
			zap.String("session_id", op.SessionID),
			zap.String("operation", op.Name),
		)
		return
	}

	q, ok := p.queues[op.SessionID]
	if !ok {
		q = &sessionQueue{done: make(chan struct{})}
		p.queues[op.SessionID] = q
		go p.run(op.SessionID, q)
	}
	q.ops = append(q.ops, op)
	p.pending++
	metrics.PersistenceQueueDepth.Set(float64(p.pending))
}

func (p *Persister) run(sessionID string, q *sessionQueue) {
	for {
		p.mu.Lock()
		if len(q.ops) == 0 {
			delete(p.queues, sessionID)
			close(q.done)
			p.mu.Unlock()
			return
		}
		op := q.ops[0]
		q.ops = q.ops[1:]
		p.mu.Unlock()

		p.apply(op)

		p.mu.Lock()
		p.pending--
		metrics.PersistenceQueueDepth.Set(float64(p.pending))
		if p.pending == 0 && p.idle != nil {
			close(p.idle)
			p.idle = nil
		}
		p.mu.Unlock()
	}
}

func (p *Persister) apply(op WriteOp) {
	attempt := 0
	_, err := backoff.Retry(p.ctx, func() (struct{}, error) {
		attempt++
		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.OperationTimeout)
		defer cancel()
		return struct{}{}, op.Apply(ctx, p.store)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.cfg.RetryDelay)),
		backoff.WithMaxTries(uint(p.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.PersistenceAttempts.WithLabelValues(op.Name, "retry").Inc()
			p.log.Warn("durable write failed, retrying",
				zap.String("session_id", op.SessionID),
				zap.String("operation", op.Name),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", next),
				zap.Error(err),
			)
		}),
	)
	if err == nil {
		metrics.PersistenceAttempts.WithLabelValues(op.Name, "success").Inc()
		return
	}

	metrics.PersistenceAttempts.WithLabelValues(op.Name, "failure").Inc()
	failure := apperrors.ErrPersistenceFailure.WithInternal(err)
	p.log.Error("durable write abandoned, cache remains authoritative",
		zap.String("session_id", op.SessionID),
		zap.String("operation", op.Name),
		zap.Int("attempts", attempt),
		zap.Error(failure),
	)
	if p.OnFailure != nil {
		p.OnFailure(op, failure)
	}
}

// Sync waits until every write queued so far for sessionID has been applied.
func (p *Persister) Sync(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	q, ok := p.queues[sessionID]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until all queued writes have been applied or ctx is done.
func (p *Persister) Flush(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	if p.pending == 0 {
		p.mu.Unlock()
		return nil
	}
	if p.idle == nil {
		p.idle = make(chan struct{})
	}
	idle := p.idle
	p.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of writes not yet applied.
func (p *Persister) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Close stops accepting writes and flushes what is queued. Writes still running
// when ctx expires are cancelled.
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	err := p.Flush(ctx)
	p.cancel()
	return err
}
