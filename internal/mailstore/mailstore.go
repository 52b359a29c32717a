// Package mailstore implements the concurrent, bounded, TTL-pruned
// in-memory message store and its event fan-out.
package mailstore

import (
	"context"
	"sync"
	"time"

	"github.com/foxcpp/inboxd/internal/mailparse"
	"github.com/google/uuid"
)

const busCapacity = 1024

// Message is the retained unit of mail.
type Message struct {
	ID         string              `json:"id"`
	Mailbox    string              `json:"mailbox"`
	To         string              `json:"to"`
	From       string              `json:"from"`
	Subject    string              `json:"subject"`
	Date       time.Time           `json:"date"`
	Text       *string             `json:"text,omitempty"`
	HTML       *string             `json:"html,omitempty"`
	Headers    map[string][]string `json:"headers"`
	ReceivedAt time.Time           `json:"received_at"`
}

// Summary is the projection used by list responses.
type Summary struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	Date       time.Time `json:"date"`
	HasHTML    bool      `json:"has_html"`
	Preview    string    `json:"preview"`
	ReceivedAt time.Time `json:"received_at"`
}

func (m *Message) Summary() Summary {
	return Summary{
		ID:         m.ID,
		From:       m.From,
		Subject:    m.Subject,
		Date:       m.Date,
		HasHTML:    m.HTML != nil,
		Preview:    mailparse.Preview(m.Text, m.HTML),
		ReceivedAt: m.ReceivedAt,
	}
}

// EventKind enumerates the kinds of StoreEvent.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventDeleted EventKind = "deleted"
	EventCleared EventKind = "cleared"
)

// Event is a StoreEvent as described in the data model: message_id is the
// zero value for Cleared events.
type Event struct {
	Kind      EventKind `json:"event"`
	Mailbox   string    `json:"mailbox"`
	MessageID string    `json:"message_id,omitempty"`
	At        time.Time `json:"at"`
}

// Store is the concurrent per-mailbox retention container.
type Store struct {
	mu          sync.Mutex
	buckets     map[string][]*Message
	ttl         time.Duration
	maxMessages int
	bus         *bus
	now         func() time.Time
}

// New creates a Store with the given TTL and per-mailbox capacity.
func New(ttl time.Duration, maxMessages int) *Store {
	return &Store{
		buckets:     make(map[string][]*Message),
		ttl:         ttl,
		maxMessages: maxMessages,
		bus:         newBus(busCapacity),
		now:         time.Now,
	}
}

// Close shuts down the store's event bus. Subscribers observe ErrClosed
// once their buffered backlog is drained.
func (s *Store) Close() {
	s.bus.Close()
}

// Add stores msg under mailbox, assigning identifiers and timestamps as
// needed, prunes the bucket, and publishes an Added event.
func (s *Store) Add(mailbox string, msg *Message) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	msg.Mailbox = mailbox
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = now
	}
	if msg.Date.IsZero() {
		msg.Date = msg.ReceivedAt
	}

	s.buckets[mailbox] = append(s.buckets[mailbox], msg)
	s.pruneLocked(mailbox, now)

	s.bus.Publish(Event{Kind: EventAdded, Mailbox: mailbox, MessageID: msg.ID, At: now})
	return msg
}

// List returns a snapshot of mailbox's messages, newest first.
func (s *Store) List(mailbox string) []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(mailbox, s.now().UTC())
	bucket := s.buckets[mailbox]
	out := make([]*Message, len(bucket))
	for i, m := range bucket {
		out[len(bucket)-1-i] = m
	}
	return out
}

// Get returns the message with the given id in mailbox, searching
// newest-to-oldest.
func (s *Store) Get(mailbox, id string) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(mailbox, s.now().UTC())
	bucket := s.buckets[mailbox]
	for i := len(bucket) - 1; i >= 0; i-- {
		if bucket[i].ID == id {
			return bucket[i], true
		}
	}
	return nil, false
}

// Delete removes the message with the given id from mailbox, returning
// whether anything was removed.
func (s *Store) Delete(mailbox, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.buckets[mailbox]
	idx := -1
	for i, m := range bucket {
		if m.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false
	}

	bucket = append(bucket[:idx], bucket[idx+1:]...)
	if len(bucket) == 0 {
		delete(s.buckets, mailbox)
	} else {
		s.buckets[mailbox] = bucket
	}

	s.bus.Publish(Event{Kind: EventDeleted, Mailbox: mailbox, MessageID: id, At: s.now().UTC()})
	return true
}

// Clear removes mailbox's entire bucket, returning the number of messages
// removed.
func (s *Store) Clear(mailbox string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.buckets[mailbox]
	if len(bucket) == 0 {
		return 0
	}
	delete(s.buckets, mailbox)

	s.bus.Publish(Event{Kind: EventCleared, Mailbox: mailbox, At: s.now().UTC()})
	return len(bucket)
}

// CleanupExpired prunes every bucket and returns the total number of
// messages removed.
func (s *Store) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	removed := 0
	for mailbox := range s.buckets {
		before := len(s.buckets[mailbox])
		s.pruneLocked(mailbox, now)
		after := len(s.buckets[mailbox])
		removed += before - after
	}
	return removed
}

// Subscribe registers a new receiver for future events only.
func (s *Store) Subscribe() *Subscription {
	return s.bus.Subscribe()
}

// RecvMailbox waits for the next event matching mailbox, looping past
// unrelated events and lag signals until ctx is done or the bus is closed.
func (sub *Subscription) RecvMailbox(ctx context.Context, mailbox string) (Event, error) {
	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			var lagged *LaggedError
			if ok := asLagged(err, &lagged); ok {
				continue
			}
			return Event{}, err
		}
		if ev.Mailbox == mailbox {
			return ev, nil
		}
	}
}

func asLagged(err error, target **LaggedError) bool {
	l, ok := err.(*LaggedError)
	if ok {
		*target = l
	}
	return ok
}

// pruneLocked applies the TTL-and-capacity eviction pass to a single
// bucket. The caller must hold s.mu.
func (s *Store) pruneLocked(mailbox string, now time.Time) {
	bucket, ok := s.buckets[mailbox]
	if !ok {
		return
	}

	cutoff := now.Add(-s.ttl)
	kept := bucket[:0:0]
	for _, m := range bucket {
		if m.ReceivedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, m)
	}

	if len(kept) > s.maxMessages {
		kept = kept[len(kept)-s.maxMessages:]
	}

	if len(kept) == 0 {
		delete(s.buckets, mailbox)
		return
	}
	s.buckets[mailbox] = kept
}
