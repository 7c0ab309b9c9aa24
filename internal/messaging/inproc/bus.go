package inproc

import (
	"errors"
	"fmt"
	"sync"

	"pingpong/internal/domain"
)

var ErrSubscriberQueueFull = errors.New("subscriber queue is full")

// Bus broadcasts notifications to every subscriber. Publish never blocks; a
// subscriber that falls behind loses notifications and the loss is reported.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Notification
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.Notification),
		buffer: buffer,
	}
}

func (b *Bus) Subscribe(subscriberID string) <-chan domain.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[subscriberID]; ok {
		return ch
	}
	ch := make(chan domain.Notification, b.buffer)
	b.subs[subscriberID] = ch
	return ch
}

func (b *Bus) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[subscriberID]
	if !ok {
		return
	}
	delete(b.subs, subscriberID)
	close(ch)
}

func (b *Bus) Publish(n domain.Notification) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var errs []error
	for id, ch := range b.subs {
		select {
		case ch <- n:
		default:
			errs = append(errs, fmt.Errorf("%w: %s dropped %s", ErrSubscriberQueueFull, id, n.Kind))
		}
	}
	return errors.Join(errs...)
}
