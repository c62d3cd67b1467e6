package backend

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/eugenetaranov/leet/internal/machine"
	"github.com/eugenetaranov/leet/internal/session"
)

// Limited caps the number of sessions a backend has open at once.
// Callers of OpenSession block until a slot is free or ctx is done.
type Limited struct {
	Backend
	sem *semaphore.Weighted
	max int64
}

// Limit wraps b so that at most n sessions are open concurrently.
func Limit(b Backend, n int64) *Limited {
	return &Limited{Backend: b, sem: semaphore.NewWeighted(n), max: n}
}

// MaxSessions returns the configured capacity.
func (l *Limited) MaxSessions() int64 {
	return l.max
}

// OpenSession acquires a slot, then opens the session. The slot is released
// when the session is closed or when opening fails.
func (l *Limited) OpenSession(ctx context.Context, m machine.Descriptor) (session.Session, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	s, err := l.Backend.OpenSession(ctx, m)
	if err != nil {
		l.sem.Release(1)
		return nil, err
	}
	return &slotSession{Session: s, release: func() { l.sem.Release(1) }}, nil
}

// Unwrap returns the underlying backend.
func (l *Limited) Unwrap() Backend {
	return l.Backend
}

// slotSession releases its capacity slot exactly once on Close.
type slotSession struct {
	session.Session
	once    sync.Once
	release func()
}

func (s *slotSession) Close() error {
	var err error
	s.once.Do(func() {
		err = s.Session.Close()
		s.release()
	})
	return err
}
