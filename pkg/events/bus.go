// Package events is an in-process settlement lifecycle bus: the processor
// publishes a StatusChange on every state transition, and the monitor
// subscribes to keep its aggregate snapshot current without re-querying the
// store on every request.
package events

import (
	"sync"
	"time"

	"github.com/scalarorg/svm-aptos-relayer/pkg/types"
)

// subscriberBuffer bounds how far a slow subscriber can lag before its
// events start being dropped; the monitor reconciles against the store
// periodically, so a dropped event only delays, never corrupts, its view.
const subscriberBuffer = 256

// StatusChange describes a single settlement transitioning from one status
// to another.
type StatusChange struct {
	SourceTxHash string
	From         types.Status
	To           types.Status
	At           time.Time
}

// Bus is a broadcast channel of StatusChange events, safe for concurrent
// Publish/Subscribe from multiple goroutines.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan StatusChange]struct{}
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[chan StatusChange]struct{})}
}

// Publish broadcasts change to every current subscriber. A subscriber whose
// buffer is full does not block the publisher — the event is dropped for
// that subscriber only.
func (b *Bus) Publish(change StatusChange) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- change:
		default:
		}
	}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function the caller must invoke when done.
func (b *Bus) Subscribe() (<-chan StatusChange, func()) {
	ch := make(chan StatusChange, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}
