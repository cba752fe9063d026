package flow

import (
	"context"
	"sync"

	apperrors "github.com/sheetal-kulkarni/finblocker-etf/internal/errors"
)

// Locks holds one in-flight marker per trade. A second action on the same
// trade waits until the first releases its marker.
type Locks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocks() *Locks {
	return &Locks{slots: make(map[string]chan struct{})}
}

func (l *Locks) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Acquire blocks until the marker for key is free or ctx is done. The
// returned function releases the marker and is safe to call more than once.
func (l *Locks) Acquire(ctx context.Context, key string) (func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, apperrors.Wrap(apperrors.CodeTimeout, "waiting for in-flight action on "+key, ctx.Err())
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}, nil
}

// Held reports whether the marker for key is currently taken.
func (l *Locks) Held(key string) bool {
	return len(l.slot(key)) == 1
}
