package chat

import (
	"context"
	"sync"

	"github.com/google/uuid"

	apperrors "github.com/yanqian/ragserver/pkg/errors"
)

// convLocks serializes orchestrator runs per conversation. Acquisition is
// cancellation-safe: abandoning a wait never leaks the slot.
type convLocks struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newConvLocks() *convLocks {
	return &convLocks{entries: make(map[uuid.UUID]*lockEntry)}
}

// Acquire blocks until the conversation slot is free or the context ends.
func (l *convLocks) Acquire(ctx context.Context, id uuid.UUID) (func(), error) {
	l.mu.Lock()
	entry, ok := l.entries[id]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(id, entry, false)
		return nil, apperrors.Wrap(apperrors.KindBusy, "conversation_busy", "conversation is busy", ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.release(id, entry, true)
		})
	}, nil
}

func (l *convLocks) release(id uuid.UUID, entry *lockEntry, held bool) {
	if held {
		<-entry.sem
	}
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, id)
	}
	l.mu.Unlock()
}
