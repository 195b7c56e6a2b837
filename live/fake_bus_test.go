package live

import (
	"context"
	"sync"
)

// fakeBus is an in-memory Bus. Messages queued for a destination before it is
// subscribed are delivered on subscription.
type fakeBus struct {
	mu      sync.Mutex
	pending map[string][]Message
	subs    map[string]*fakeSubscription
	log     []string
	closed  bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		pending: make(map[string][]Message),
		subs:    make(map[string]*fakeSubscription),
	}
}

func (b *fakeBus) queue(dest string, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[dest] = append(b.pending[dest], Message{Destination: dest, Body: []byte(body)})
}

// publish delivers body to an active subscription of dest
func (b *fakeBus) publish(dest string, msg Message) bool {
	b.mu.Lock()
	sub, ok := b.subs[dest]
	b.mu.Unlock()
	if !ok {
		return false
	}
	sub.ch <- msg
	return true
}

func (b *fakeBus) events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.log))
	copy(out, b.log)
	return out
}

func (b *fakeBus) Subscribe(dest string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrNotConnected
	}
	sub := &fakeSubscription{bus: b, dest: dest, ch: make(chan Message, 16)}
	for _, msg := range b.pending[dest] {
		sub.ch <- msg
	}
	delete(b.pending, dest)
	b.subs[dest] = sub
	b.log = append(b.log, "subscribe "+dest)
	return sub, nil
}

func (b *fakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.log = append(b.log, "close")
	}
	return nil
}

// drop ends every subscription as if the connection was lost
func (b *fakeBus) drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for dest, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, dest)
	}
}

type fakeSubscription struct {
	bus  *fakeBus
	dest string
	ch   chan Message
	once sync.Once
}

func (s *fakeSubscription) Messages() <-chan Message { return s.ch }

func (s *fakeSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if s.bus.subs[s.dest] == s {
			delete(s.bus.subs, s.dest)
		}
		s.bus.log = append(s.bus.log, "unsubscribe "+s.dest)
	})
	return nil
}

// dialSequence returns a Dialer handing out buses (or errors) in order
func dialSequence(results ...interface{}) (Dialer, *int) {
	var mu sync.Mutex
	calls := 0
	return func(ctx context.Context) (Bus, error) {
		mu.Lock()
		defer mu.Unlock()
		i := calls
		calls++
		if i >= len(results) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		switch r := results[i].(type) {
		case *fakeBus:
			return r, nil
		case error:
			return nil, r
		}
		panic("unexpected dial result")
	}, &calls
}
