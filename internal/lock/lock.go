// Package lock provides named critical sections that respect context
// cancellation.
package lock

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Locker hands out one exclusive section per name. The zero value is not
// usable; call New.
type Locker struct {
	mu       sync.Mutex
	sections map[string]*semaphore.Weighted
	observe  func(name string, waited time.Duration)
}

// New creates a Locker. observe, when non-nil, receives how long each
// acquisition waited.
func New(observe func(name string, waited time.Duration)) *Locker {
	return &Locker{
		sections: make(map[string]*semaphore.Weighted),
		observe:  observe,
	}
}

func (l *Locker) section(name string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sections[name]
	if !ok {
		s = semaphore.NewWeighted(1)
		l.sections[name] = s
	}
	return s
}

// Acquire blocks until the named section is free. The only error is the
// context's.
func (l *Locker) Acquire(ctx context.Context, name string) (release func(), err error) {
	s := l.section(name)

	start := time.Now()
	if err := s.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if l.observe != nil {
		l.observe(name, time.Since(start))
	}

	var once sync.Once
	return func() { once.Do(func() { s.Release(1) }) }, nil
}

// Do runs fn inside the named section.
func (l *Locker) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	release, err := l.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}
