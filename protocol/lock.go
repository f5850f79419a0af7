package protocol

import (
	"context"
	"sync"
)

type heldKey struct {
	lock *SessionLock
}

// SessionLock serializes every session mutation of one account. A Do nested inside another Do on the same
// lock, through the context it was handed, runs without locking again.
type SessionLock struct {
	mu sync.Mutex
}

func (l *SessionLock) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(heldKey{l}) != nil {
		return fn(ctx)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(context.WithValue(ctx, heldKey{l}, true))
}
