package pubsub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// subscriberBuffer is the per-subscription queue depth. A subscription
// that falls this far behind starts losing messages.
const subscriberBuffer = 100

// ErrClosed is returned by Subscribe after the broker has shut down
var ErrClosed = errors.New("pubsub: broker is closed")

// LocalPubSub is the in-process broker for single-instance deployments.
// Delivery never blocks the publisher: a subscription with a full queue
// loses the message and the loss is counted.
type LocalPubSub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]chan Message
	closed bool

	dropped atomic.Uint64
}

// NewLocalPubSub creates an in-process broker
func NewLocalPubSub() *LocalPubSub {
	return &LocalPubSub{
		subs: make(map[string]map[uint64]chan Message),
	}
}

// Publish delivers payload to every subscription on the channel. Full
// queues are skipped.
func (l *LocalPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	msg := Message{Channel: channel, Payload: payload}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Sends are non-blocking, so holding the lock keeps delivery ordered
	// against unsubscribe closing a queue
	for _, ch := range l.subs[channel] {
		select {
		case ch <- msg:
		default:
			l.dropped.Add(1)
			log.Warn().Str("channel", channel).Msg("Subscriber queue full, dropping message")
		}
	}
	return nil
}

// Subscribe registers a queue on the channel. The queue is closed when ctx
// is cancelled or the broker is closed.
func (l *LocalPubSub) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	l.nextID++
	id := l.nextID
	ch := make(chan Message, subscriberBuffer)
	if l.subs[channel] == nil {
		l.subs[channel] = make(map[uint64]chan Message)
	}
	l.subs[channel][id] = ch
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.remove(channel, id)
	}()

	return ch, nil
}

// remove closes a subscription's queue if it is still registered. Close
// may already have taken it.
func (l *LocalPubSub) remove(channel string, id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.subs[channel][id]
	if !ok {
		return
	}
	delete(l.subs[channel], id)
	if len(l.subs[channel]) == 0 {
		delete(l.subs, channel)
	}
	close(ch)
}

// Dropped reports how many messages were lost to full subscriber queues
func (l *LocalPubSub) Dropped() uint64 {
	return l.dropped.Load()
}

// Close closes every subscription queue. Subsequent Subscribe calls fail
// with ErrClosed.
func (l *LocalPubSub) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	for channel, subs := range l.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(l.subs, channel)
	}
	return nil
}
