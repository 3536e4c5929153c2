// Package changefeed fans committed store changes out to in-process
// subscribers.
package changefeed

import (
	"context"
	"log"
	"sync"

	"github.com/louisbranch/conclave/internal/services/conclave/storage"
)

const defaultBuffer = 256

// Broker is a single-node storage.Feed. Slow subscribers drop changes rather
// than block writers; a dropped change is logged.
type Broker struct {
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	buffer int
	closed bool
}

type subscription struct {
	sessionID string
	ch        chan storage.Change
	done      chan struct{}
	once      sync.Once
}

// New builds a broker whose subscriptions buffer up to buffer changes.
func New(buffer int) *Broker {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broker{subs: make(map[*subscription]struct{}), buffer: buffer}
}

var _ storage.Feed = (*Broker)(nil)

// Publish delivers change to every matching subscriber.
func (b *Broker) Publish(ctx context.Context, change storage.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != change.SessionID {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			log.Printf("changefeed: subscriber buffer full, dropping change session=%q table=%s", change.SessionID, change.Table)
		}
	}
	return nil
}

// Subscribe registers a subscriber for sessionID ("" for all sessions).
func (b *Broker) Subscribe(ctx context.Context, sessionID string) (<-chan storage.Change, func(), error) {
	sub := &subscription{sessionID: sessionID, ch: make(chan storage.Change, b.buffer), done: make(chan struct{})}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}, nil
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() { b.release(sub) }
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()
	return sub.ch, cancel, nil
}

// Close releases every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.closed = true
	b.mu.Unlock()
	for _, sub := range subs {
		b.release(sub)
	}
}

func (b *Broker) release(sub *subscription) {
	sub.once.Do(func() {
		b.mu.Lock()
		delete(b.subs, sub)
		close(sub.ch)
		close(sub.done)
		b.mu.Unlock()
	})
}
