package mailstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Subscription.Recv once the bus has been closed
// and all buffered events have been drained.
var ErrClosed = errors.New("mailstore: event bus closed")

// LaggedError is returned by Subscription.Recv when the subscriber fell
// behind the bus's retained history; N events were dropped and the
// subscriber's cursor has been fast-forwarded to the oldest retained event.
type LaggedError struct{ N int }

func (e *LaggedError) Error() string {
	return fmt.Sprintf("mailstore: subscriber lagged, dropped %d events", e.N)
}

// bus is a bounded, fan-out broadcast channel: every Event published is
// observable by every Subscription registered before publication, up to a
// fixed amount of retained history. Publishers never block on slow
// receivers; receivers that fall behind observe a LaggedError instead.
type bus struct {
	mu     sync.Mutex
	buf    []Event
	start  int64 // sequence number of the oldest retained event
	next   int64 // sequence number that will be assigned to the next publish
	closed bool
	waitCh chan struct{}
}

func newBus(capacity int) *bus {
	return &bus{
		buf:    make([]Event, capacity),
		waitCh: make(chan struct{}),
	}
}

func (b *bus) Publish(ev Event) {
	b.mu.Lock()
	cap64 := int64(len(b.buf))
	b.buf[b.next%cap64] = ev
	b.next++
	if b.next-b.start > cap64 {
		b.start = b.next - cap64
	}
	old := b.waitCh
	b.waitCh = make(chan struct{})
	b.mu.Unlock()
	close(old)
}

func (b *bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	old := b.waitCh
	b.waitCh = make(chan struct{})
	b.mu.Unlock()
	close(old)
}

// Subscription is a single receiver's view into the bus, starting strictly
// after the moment it was created.
type Subscription struct {
	b      *bus
	cursor int64
}

func (b *bus) Subscribe() *Subscription {
	b.mu.Lock()
	cursor := b.next
	b.mu.Unlock()
	return &Subscription{b: b, cursor: cursor}
}

// Recv blocks until an event is available, the subscriber has lagged, the
// bus is closed, or ctx is done.
func (s *Subscription) Recv(ctx context.Context) (Event, error) {
	for {
		s.b.mu.Lock()
		switch {
		case s.cursor < s.b.start:
			n := int(s.b.start - s.cursor)
			s.cursor = s.b.start
			s.b.mu.Unlock()
			return Event{}, &LaggedError{N: n}
		case s.cursor < s.b.next:
			ev := s.b.buf[s.cursor%int64(len(s.b.buf))]
			s.cursor++
			s.b.mu.Unlock()
			return ev, nil
		case s.b.closed:
			s.b.mu.Unlock()
			return Event{}, ErrClosed
		}
		waitCh := s.b.waitCh
		s.b.mu.Unlock()

		select {
		case <-waitCh:
			continue
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}
