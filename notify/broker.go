package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the default per-subscription message buffer.
const DefaultBufferSize = 256

// ErrBrokerClosed is returned by NotifyReady after Close.
var ErrBrokerClosed = errors.New("loom/notify: broker closed")

// Broker is the in-process notifier. It fans ready messages out to
// topic subscriptions over buffered channels; a full subscription drops
// the message rather than blocking the publisher, since workers poll the
// store anyway.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription // topic -> subscriptions
	logger *slog.Logger

	bufferSize int

	totalPublished atomic.Int64
	totalDropped   atomic.Int64

	closed bool
}

var _ Notifier = (*Broker)(nil)

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscription message buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// NewBroker creates an in-process broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		subs:       make(map[string][]*Subscription),
		logger:     logger,
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NotifyReady publishes a ready message to the run's versioned topic and
// to the version-agnostic workflow topic. A subscriber on both sees the
// message once.
func (b *Broker) NotifyReady(_ context.Context, msg ReadyMessage) error {
	topics := []string{Topic(msg.Name, msg.VersionID)}
	if msg.VersionID != "" {
		topics = append(topics, Topic(msg.Name, ""))
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBrokerClosed
	}
	seen := make(map[*Subscription]bool)
	b.totalPublished.Add(1)
	for _, topic := range topics {
		for _, sub := range b.subs[topic] {
			if seen[sub] {
				continue
			}
			seen[sub] = true
			select {
			case sub.ch <- msg:
			default:
				b.totalDropped.Add(1)
				b.logger.Debug("notification dropped, subscriber buffer full",
					"topic", topic, "run_id", msg.RunID)
			}
		}
	}
	b.mu.RUnlock()
	return nil
}

// Subscribe creates a subscription on the given topics. Subscribing to a
// closed broker returns an already-closed subscription.
func (b *Broker) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{
		broker: b,
		topics: topics,
		ch:     make(chan ReadyMessage, b.bufferSize),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.closeOnce.Do(func() { close(sub.ch) })
		return sub
	}
	for _, topic := range topics {
		b.subs[topic] = append(b.subs[topic], sub)
	}
	b.mu.Unlock()

	return sub
}

// Close shuts the broker down: every subscription is detached and its
// channel closed, and further publishes fail with ErrBrokerClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	seen := make(map[*Subscription]bool)
	var subs []*Subscription
	for _, list := range b.subs {
		for _, sub := range list {
			if !seen[sub] {
				seen[sub] = true
				subs = append(subs, sub)
			}
		}
	}
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// Stats returns publish and drop counters.
func (b *Broker) Stats() (published, dropped int64) {
	return b.totalPublished.Load(), b.totalDropped.Load()
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range sub.topics {
		list := b.subs[topic]
		for i, s := range list {
			if s == sub {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// Subscription is one consumer's view of the broker. It implements Source.
type Subscription struct {
	broker *Broker
	topics []string
	ch     chan ReadyMessage

	closeOnce sync.Once
}

var _ Source = (*Subscription)(nil)

// Next blocks until a message arrives, wait elapses, or ctx is done.
func (s *Subscription) Next(ctx context.Context, wait time.Duration) (*ReadyMessage, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case msg, ok := <-s.ch:
		if !ok {
			return nil, nil
		}
		return &msg, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close detaches the subscription from the broker.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.broker.remove(s)
		close(s.ch)
	})
	return nil
}
