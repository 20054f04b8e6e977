// Package syncbus provides the pub/sub transport baton uses across processes:
// lock holders publish release events so that waiters wake up before their
// next poll, and the coordinator publishes outcome notices that external
// notifiers (chat, ticketing) consume.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Event is a single message delivered to subscribers of a topic.
type Event struct {
	Topic   string
	Payload []byte
}

// Bus provides a simple pub/sub mechanism. Delivery is best-effort: a
// subscriber that does not drain its channel misses events.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan Event, error)
	Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error
}

// subscriberBuffer is the channel capacity handed to every subscriber.
const subscriberBuffer = 16

// Metrics reports how many events a bus published and delivered.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout keeps the subscriber channels of one topic.
type fanout struct {
	chans []chan Event
}

func (f *fanout) add() chan Event {
	ch := make(chan Event, subscriberBuffer)
	f.chans = append(f.chans, ch)
	return ch
}

// remove closes and drops ch, reporting whether it was found.
func (f *fanout) remove(ch <-chan Event) bool {
	for i, c := range f.chans {
		if c == ch {
			f.chans[i] = f.chans[len(f.chans)-1]
			f.chans = f.chans[:len(f.chans)-1]
			close(c)
			return true
		}
	}
	return false
}

// deliver does a non-blocking send to every channel and returns the count.
// Callers hold the lock guarding chans, since remove closes channels.
func deliver(chans []chan Event, ev Event) uint64 {
	var n uint64
	for _, ch := range chans {
		select {
		case ch <- ev:
			n++
		default:
		}
	}
	return n
}

// InMemoryBus is a local implementation of Bus, used for single-process
// deployments and tests.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string]*fanout
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string]*fanout)}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if f := b.subs[topic]; f != nil {
		b.delivered.Add(deliver(f.chans, Event{Topic: topic, Payload: payload}))
	}
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	f := b.subs[topic]
	if f == nil {
		f = &fanout{}
		b.subs[topic] = f
	}
	ch := f.add()
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	f := b.subs[topic]
	if f == nil {
		return nil
	}
	f.remove(ch)
	if len(f.chans) == 0 {
		delete(b.subs, topic)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
