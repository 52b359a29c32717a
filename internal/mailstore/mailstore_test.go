package mailstore

import (
	"context"
	"testing"
	"time"
)

func TestAddListOrdering(t *testing.T) {
	s := New(time.Hour, 10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	s.Add("bob", &Message{Subject: "one"})
	s.now = func() time.Time { return base.Add(time.Minute) }
	s.Add("bob", &Message{Subject: "two"})

	list := s.List("bob")
	if len(list) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(list))
	}
	if list[0].Subject != "two" || list[1].Subject != "one" {
		t.Fatalf("expected newest-first ordering, got %q, %q", list[0].Subject, list[1].Subject)
	}
}

func TestCapacityPrune(t *testing.T) {
	s := New(time.Hour, 2)
	for i := 0; i < 5; i++ {
		s.Add("bob", &Message{Subject: "m"})
	}
	if got := len(s.List("bob")); got != 2 {
		t.Fatalf("expected capacity-pruned length 2, got %d", got)
	}
}

func TestTTLExpiry(t *testing.T) {
	s := New(time.Minute, 10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	s.Add("bob", &Message{Subject: "m"})

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	removed := s.CleanupExpired()
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if got := len(s.List("bob")); got != 0 {
		t.Fatalf("expected empty list after expiry, got %d", got)
	}
}

func TestDeleteAndClear(t *testing.T) {
	s := New(time.Hour, 10)
	msg := s.Add("bob", &Message{Subject: "m"})

	if !s.Delete("bob", msg.ID) {
		t.Fatal("expected delete to succeed")
	}
	if _, ok := s.Get("bob", msg.ID); ok {
		t.Fatal("expected message to be gone after delete")
	}
	if s.Delete("bob", msg.ID) {
		t.Fatal("expected second delete to return false")
	}

	s.Add("bob", &Message{Subject: "m2"})
	if n := s.Clear("bob"); n != 1 {
		t.Fatalf("expected clear to remove 1, got %d", n)
	}
	if n := s.Clear("bob"); n != 0 {
		t.Fatalf("expected second clear to be idempotent (0), got %d", n)
	}
}

func TestSubscribeSeesOnlyFutureEvents(t *testing.T) {
	s := New(time.Hour, 10)
	s.Add("alice", &Message{Subject: "before"})

	sub := s.Subscribe()
	s.Add("bob", &Message{Subject: "after"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.RecvMailbox(ctx, "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != EventAdded || ev.Mailbox != "bob" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestSubscribeTimesOutForOtherMailbox(t *testing.T) {
	s := New(time.Hour, 10)
	sub := s.Subscribe()
	s.Add("bob", &Message{Subject: "m"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := sub.RecvMailbox(ctx, "alice")
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
