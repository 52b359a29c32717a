// Package smtpd implements the line-oriented SMTP receiver described in
// §4.D of the specification: one cooperative goroutine per connection,
// negotiating a mail transaction and handing parsed messages to the store.
package smtpd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/foxcpp/inboxd/internal/address"
	"github.com/foxcpp/inboxd/internal/config"
	"github.com/foxcpp/inboxd/internal/mailparse"
	"github.com/foxcpp/inboxd/internal/mailstore"
	"go.uber.org/zap"
)

// Server drives SMTP sessions into a mailstore.Store.
type Server struct {
	cfg   config.Config
	store *mailstore.Store
	log   *zap.Logger
	nowFn func() time.Time
}

func New(cfg config.Config, store *mailstore.Store, log *zap.Logger) *Server {
	return &Server{cfg: cfg, store: store, log: log, nowFn: time.Now}
}

// Serve runs the accept loop on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(conn)
	}
}

type recipient struct {
	mailbox  string
	rendered string
}

type transaction struct {
	from       string
	recipients []recipient
}

func (t *transaction) reset() {
	t.from = ""
	t.recipients = nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	writeLine := func(format string, args ...interface{}) error {
		if _, err := fmt.Fprintf(w, format, args...); err != nil {
			return err
		}
		return w.Flush()
	}

	announce := s.cfg.AnnounceDomain()
	if err := writeLine("220 %s ESMTP ready\r\n", announce); err != nil {
		return
	}

	var txn transaction

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		verb, arg := splitCommand(line)
		switch strings.ToUpper(verb) {
		case "EHLO":
			err = writeLine("250-%s\r\n250-SIZE %d\r\n250 8BITMIME\r\n", announce, s.cfg.MaxMessageBytes)
		case "HELO":
			err = writeLine("250 %s\r\n", announce)
		case "MAIL":
			err = s.handleMail(writeLine, &txn, arg)
		case "RCPT":
			err = s.handleRcpt(writeLine, &txn, arg)
		case "DATA":
			err = s.handleData(r, writeLine, &txn, remote)
		case "RSET":
			txn.reset()
			err = writeLine("250 OK\r\n")
		case "NOOP":
			err = writeLine("250 OK\r\n")
		case "QUIT":
			_ = writeLine("221 Bye\r\n")
			return
		default:
			err = writeLine("500 command not recognized\r\n")
		}
		if err != nil {
			return
		}
	}
}

func splitCommand(line string) (verb, arg string) {
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimSpace(line[i+1:])
}

// parsePath extracts the address from a MAIL FROM:/RCPT TO: argument.
func parsePath(arg, prefix string) (string, bool) {
	if len(arg) < len(prefix) || !strings.EqualFold(arg[:len(prefix)], prefix) {
		return "", false
	}
	rest := strings.TrimSpace(arg[len(prefix):])

	if strings.HasPrefix(rest, "<") {
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return rest[1:], true
		}
		return rest[1:end], true
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", true
	}
	return fields[0], true
}

func (s *Server) handleMail(writeLine func(string, ...interface{}) error, txn *transaction, arg string) error {
	path, ok := parsePath(arg, "FROM:")
	if !ok {
		return writeLine("500 command not recognized\r\n")
	}

	if path == "" || path == "<>" {
		txn.reset()
		return writeLine("250 OK\r\n")
	}

	mailbox, domain, err := address.ParseEmail(path)
	if err != nil {
		return writeLine("550 invalid sender address\r\n")
	}
	if s.cfg.BannedSenderDomains[domain] {
		return writeLine("530 sender domain is blocked\r\n")
	}

	txn.recipients = nil
	txn.from = mailbox + "@" + domain
	return writeLine("250 OK\r\n")
}

func (s *Server) handleRcpt(writeLine func(string, ...interface{}) error, txn *transaction, arg string) error {
	path, ok := parsePath(arg, "TO:")
	if !ok {
		return writeLine("500 command not recognized\r\n")
	}

	mailbox, rendered, err := address.NormalizeMailbox(path, s.cfg.Domain)
	if err != nil {
		return writeLine("550 invalid recipient address\r\n")
	}
	if s.cfg.MailboxBlacklist[mailbox] {
		return writeLine("550 mailbox is blocked\r\n")
	}

	txn.recipients = append(txn.recipients, recipient{mailbox: mailbox, rendered: rendered})
	return writeLine("250 OK\r\n")
}

func (s *Server) handleData(r *bufio.Reader, writeLine func(string, ...interface{}) error, txn *transaction, remote string) error {
	if len(txn.recipients) == 0 {
		return writeLine("554 no recipients\r\n")
	}
	if err := writeLine("354 End data with <CR><LF>.<CR><LF>\r\n"); err != nil {
		return err
	}

	var buf strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				txn.reset()
				return writeLine("451 message terminated unexpectedly\r\n")
			}
			txn.reset()
			return writeLine("451 failed to read message\r\n")
		}

		if line == ".\r\n" || line == ".\n" || line == "." {
			break
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		buf.WriteString(line)

		if buf.Len() > s.cfg.MaxMessageBytes {
			txn.reset()
			return writeLine("552 message too large\r\n")
		}
	}

	now := s.nowFn().UTC()
	parsed, err := mailparse.Parse([]byte(buf.String()), now)
	if err != nil {
		txn.reset()
		return writeLine("550 invalid message content\r\n")
	}

	from := parsed.From
	if strings.TrimSpace(from) == "" {
		from = txn.from
	}

	for _, rcpt := range txn.recipients {
		msg := &mailstore.Message{
			To:         rcpt.rendered,
			From:       from,
			Subject:    parsed.Subject,
			Date:       parsed.Date,
			Text:       parsed.Text,
			HTML:       parsed.HTML,
			Headers:    parsed.Headers,
			ReceivedAt: now,
		}
		s.store.Add(rcpt.mailbox, msg)
		s.log.Debug("message accepted",
			zap.String("mailbox", rcpt.mailbox),
			zap.String("remote_addr", remote),
			zap.String("message_id", msg.ID),
		)
	}

	txn.reset()
	return writeLine("250 message accepted\r\n")
}
