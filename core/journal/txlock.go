package journal

import (
	"context"
	"sync"
)

// TxLock serialises units of work over a journal. While a unit holds the lock
// no other unit can append entries that a revert of the first would undo.
//
// Begin marks the returned context with the lock. Calls made with that context
// on the unit's own call path join the open unit instead of blocking, which is
// how a receiver hook can run nested work inside the transfer that invoked it.
type TxLock struct {
	mu sync.Mutex
}

type txKey struct{ lock *TxLock }

// Begin blocks until no other unit holds the lock, unless ctx already belongs
// to the open unit. The returned function ends the unit.
func (l *TxLock) Begin(ctx context.Context) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if l.Held(ctx) {
		return ctx, func() {}
	}
	l.mu.Lock()
	return context.WithValue(ctx, txKey{l}, struct{}{}), l.mu.Unlock
}

// Hold takes the lock for a single call that has no context. It never joins.
func (l *TxLock) Hold() func() {
	l.mu.Lock()
	return l.mu.Unlock
}

// Held reports whether ctx belongs to the unit currently holding the lock.
func (l *TxLock) Held(ctx context.Context) bool {
	return ctx != nil && ctx.Value(txKey{l}) != nil
}
