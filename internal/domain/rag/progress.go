package rag

import (
	"sync"

	"github.com/google/uuid"
)

// ProgressEvent is fanned out to status-stream subscribers.
type ProgressEvent struct {
	DocumentID uuid.UUID      `json:"documentId"`
	Status     DocumentStatus `json:"status"`
	Progress   Progress       `json:"progress"`
	ChunkCount int            `json:"chunkCount"`
}

// Terminal reports whether no further events will follow.
func (e ProgressEvent) Terminal() bool {
	return e.Status == DocumentStatusComplete || e.Status == DocumentStatusFailed
}

// ProgressBroker is an in-process fan-out of ingestion progress, keyed by
// document. Sends never block: a subscriber that stops draining misses events.
type ProgressBroker struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[chan ProgressEvent]struct{}
}

// NewProgressBroker constructs an empty broker.
func NewProgressBroker() *ProgressBroker {
	return &ProgressBroker{subs: make(map[uuid.UUID]map[chan ProgressEvent]struct{})}
}

// Subscribe registers interest in one document's progress. The returned cancel
// function must be called to release the channel.
func (b *ProgressBroker) Subscribe(documentID uuid.UUID) (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, 16)
	b.mu.Lock()
	set, ok := b.subs[documentID]
	if !ok {
		set = make(map[chan ProgressEvent]struct{})
		b.subs[documentID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[documentID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, documentID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *ProgressBroker) Publish(ev ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[ev.DocumentID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
