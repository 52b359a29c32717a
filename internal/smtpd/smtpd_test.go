package smtpd

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/inboxd/internal/config"
	"github.com/foxcpp/inboxd/internal/mailstore"
	"go.uber.org/zap"
)

func testServer(cfg config.Config) (*Server, *mailstore.Store) {
	store := mailstore.New(time.Hour, 10)
	return New(cfg, store, zap.NewNop()), store
}

func session(t *testing.T, s *Server, script []string) []string {
	t.Helper()
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		s.handleConn(server)
		close(done)
	}()

	r := bufio.NewReader(client)
	var replies []string

	readReply := func() {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			replies = append(replies, strings.TrimRight(line, "\r\n"))
			if len(line) >= 4 && line[3] == ' ' {
				return
			}
		}
	}
	readReply() // greeting

	for _, cmd := range script {
		if _, err := client.Write([]byte(cmd)); err != nil {
			t.Fatalf("write: %v", err)
		}
		readReply()
	}

	client.Close()
	<-done
	return replies
}

func TestFullTransaction(t *testing.T) {
	cfg := config.Config{
		Domain:              "example.test",
		MailboxBlacklist:    map[string]bool{},
		BannedSenderDomains: map[string]bool{},
		MaxMessageBytes:     1 << 20,
	}
	s, store := testServer(cfg)

	replies := session(t, s, []string{
		"EHLO client\r\n",
		"MAIL FROM:<a@x.test>\r\n",
		"RCPT TO:<bob@example.test>\r\n",
		"DATA\r\n",
		"Subject: Hi\r\n\r\nHello\r\n.\r\n",
		"QUIT\r\n",
	})

	if len(replies) == 0 {
		t.Fatal("no replies")
	}
	last := replies[len(replies)-2]
	if !strings.HasPrefix(last, "250 message accepted") {
		t.Fatalf("unexpected replies: %v", replies)
	}

	msgs := store.List("bob")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.Subject != "Hi" || m.To != "bob@example.test" || m.From != "a@x.test" {
		t.Fatalf("unexpected message: %+v", m)
	}
	if m.Text == nil || strings.TrimSpace(*m.Text) != "Hello" {
		t.Fatalf("unexpected text body: %v", m.Text)
	}
}

func TestBlacklistedMailbox(t *testing.T) {
	cfg := config.Config{
		Domain:           "example.test",
		MailboxBlacklist: map[string]bool{"admin": true},
		MaxMessageBytes:  1 << 20,
	}
	s, _ := testServer(cfg)

	replies := session(t, s, []string{
		"EHLO client\r\n",
		"MAIL FROM:<a@x.test>\r\n",
		"RCPT TO:<admin@example.test>\r\n",
		"QUIT\r\n",
	})

	found := false
	for _, r := range replies {
		if strings.HasPrefix(r, "550 mailbox is blocked") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected blocked reply, got %v", replies)
	}
}

func TestDotStuffing(t *testing.T) {
	cfg := config.Config{
		Domain:           "example.test",
		MailboxBlacklist: map[string]bool{},
		MaxMessageBytes:  1 << 20,
	}
	s, store := testServer(cfg)

	session(t, s, []string{
		"EHLO client\r\n",
		"MAIL FROM:<a@x.test>\r\n",
		"RCPT TO:<bob@example.test>\r\n",
		"DATA\r\n",
		"Subject: dots\r\n\r\n..leading dot\r\n.\r\n",
		"QUIT\r\n",
	})

	msgs := store.List("bob")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Text == nil || !strings.Contains(*msgs[0].Text, ".leading dot") {
		t.Fatalf("unexpected text body: %v", msgs[0].Text)
	}
}

func TestOversizeMessage(t *testing.T) {
	cfg := config.Config{
		Domain:           "example.test",
		MailboxBlacklist: map[string]bool{},
		MaxMessageBytes:  1024,
	}
	s, store := testServer(cfg)

	big := strings.Repeat("x", 2048)
	// DATA is aborted with 552 as soon as the limit is crossed, so the
	// terminator that follows arrives as a separate command and gets its
	// own reply.
	replies := session(t, s, []string{
		"EHLO client\r\n",
		"MAIL FROM:<a@x.test>\r\n",
		"RCPT TO:<bob@example.test>\r\n",
		"DATA\r\n",
		"Subject: big\r\n\r\n" + big + "\r\n",
		".\r\n",
		"QUIT\r\n",
	})

	found := false
	for _, r := range replies {
		if strings.HasPrefix(r, "552 message too large") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected 552 reply, got %v", replies)
	}
	if len(store.List("bob")) != 0 {
		t.Fatal("expected no message stored")
	}
}

func TestNoRecipients(t *testing.T) {
	cfg := config.Config{Domain: "example.test", MaxMessageBytes: 1 << 20}
	s, _ := testServer(cfg)

	replies := session(t, s, []string{
		"EHLO client\r\n",
		"MAIL FROM:<a@x.test>\r\n",
		"DATA\r\n",
		"QUIT\r\n",
	})

	found := false
	for _, r := range replies {
		if strings.HasPrefix(r, "554 no recipients") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected 554 reply, got %v", replies)
	}
}
