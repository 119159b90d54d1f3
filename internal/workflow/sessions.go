package workflow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultIdleTTL is how long an unused controller stays in memory.
const DefaultIdleTTL = 30 * time.Minute

// Factory builds an unmounted controller for an owner.
type Factory func(ownerID string) *Controller

// SessionRecorder observes the number of live sessions.
type SessionRecorder interface {
	SessionOpened()
	SessionClosed()
}

type nopSessionRecorder struct{}

func (nopSessionRecorder) SessionOpened() {}
func (nopSessionRecorder) SessionClosed() {}

type session struct {
	ctrl     *Controller
	lastUsed time.Time
}

// Sessions owns one Controller per owner. Concurrent first requests for an
// owner share a single mount, so the draft is loaded once.
type Sessions struct {
	factory  Factory
	idleTTL  time.Duration
	logger   *zap.Logger
	recorder SessionRecorder
	now      func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*session
}

// SessionsOption configures Sessions.
type SessionsOption func(*Sessions)

// WithIdleTTL sets the idle eviction age.
func WithIdleTTL(d time.Duration) SessionsOption {
	return func(s *Sessions) {
		if d > 0 {
			s.idleTTL = d
		}
	}
}

// WithSessionLogger sets the logger.
func WithSessionLogger(l *zap.Logger) SessionsOption {
	return func(s *Sessions) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSessionRecorder sets the session gauge recorder.
func WithSessionRecorder(r SessionRecorder) SessionsOption {
	return func(s *Sessions) {
		if r != nil {
			s.recorder = r
		}
	}
}

// NewSessions creates an empty session table.
func NewSessions(factory Factory, opts ...SessionsOption) *Sessions {
	s := &Sessions{
		factory:  factory,
		idleTTL:  DefaultIdleTTL,
		logger:   zap.NewNop(),
		recorder: nopSessionRecorder{},
		now:      time.Now,
		entries:  make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the mounted controller for ownerID, creating and mounting it on
// first use.
func (s *Sessions) Get(ctx context.Context, ownerID string) *Controller {
	if c := s.lookup(ownerID); c != nil {
		return c
	}

	v, _, _ := s.group.Do(ownerID, func() (any, error) {
		if c := s.lookup(ownerID); c != nil {
			return c, nil
		}
		c := s.factory(ownerID)
		c.Mount(ctx)

		s.mu.Lock()
		s.entries[ownerID] = &session{ctrl: c, lastUsed: s.now()}
		s.mu.Unlock()
		s.recorder.SessionOpened()
		return c, nil
	})
	return v.(*Controller)
}

func (s *Sessions) lookup(ownerID string) *Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[ownerID]
	if !ok {
		return nil
	}
	e.lastUsed = s.now()
	return e.ctrl
}

// Peek returns the live controller for ownerID without creating one.
func (s *Sessions) Peek(ownerID string) (*Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[ownerID]
	if !ok {
		return nil, false
	}
	return e.ctrl, true
}

// Drop removes ownerID's controller without flushing its pending writes.
// It is used before a draft is purged.
func (s *Sessions) Drop(ownerID string) {
	s.mu.Lock()
	e, ok := s.entries[ownerID]
	delete(s.entries, ownerID)
	s.mu.Unlock()
	if !ok {
		return
	}
	e.ctrl.Abandon()
	s.recorder.SessionClosed()
}

// Sweep flushes and evicts controllers idle for longer than the idle TTL. It
// returns the number evicted.
func (s *Sessions) Sweep(ctx context.Context) int {
	cutoff := s.now().Add(-s.idleTTL)

	s.mu.Lock()
	var idle []*Controller
	for owner, e := range s.entries {
		if e.lastUsed.Before(cutoff) {
			idle = append(idle, e.ctrl)
			delete(s.entries, owner)
		}
	}
	s.mu.Unlock()

	for _, c := range idle {
		c.Close(ctx)
		s.recorder.SessionClosed()
	}
	if len(idle) > 0 {
		s.logger.Debug("idle sessions evicted", zap.Int("count", len(idle)))
	}
	return len(idle)
}

// Run sweeps idle sessions every interval until ctx is done.
func (s *Sessions) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Close flushes and closes every controller.
func (s *Sessions) Close(ctx context.Context) {
	s.mu.Lock()
	all := make([]*Controller, 0, len(s.entries))
	for owner, e := range s.entries {
		all = append(all, e.ctrl)
		delete(s.entries, owner)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close(ctx)
			s.recorder.SessionClosed()
		}()
	}
	wg.Wait()
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
