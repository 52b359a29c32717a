// Package config loads inboxd's environment-based configuration, per §6
// of the specification.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

var defaultBlacklist = []string{
	"admin", "master", "info", "mail", "webadmin",
	"webmaster", "noreply", "system", "postmaster",
}

// Config holds every environment-derived setting inboxd needs.
type Config struct {
	HTTPAddr            string
	SMTPAddr            string
	Domain              string
	MailboxBlacklist    map[string]bool
	BannedSenderDomains map[string]bool
	MaxMessagesPerBox   int
	MessageTTLMinutes   int
	MaxMessageBytes     int
}

// Load reads configuration from the environment, optionally pre-loaded from
// a .env file in the working directory if present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr: envOr("HTTP_ADDR", ":3000"),
		SMTPAddr: envOr("SMTP_ADDR", ":25"),
		Domain:   strings.ToLower(strings.TrimSpace(os.Getenv("MAIL_DOMAIN"))),
	}

	blacklist := defaultBlacklist
	if raw := os.Getenv("MAILBOX_BLACKLIST"); raw != "" {
		blacklist = splitCSV(raw)
	}
	cfg.MailboxBlacklist = toSet(blacklist)
	cfg.BannedSenderDomains = toSet(splitCSV(os.Getenv("BANNED_SENDER_DOMAINS")))

	maxMessages, err := envInt("MAX_MESSAGES_PER_MAILBOX", 200)
	if err != nil {
		return Config{}, err
	}
	if maxMessages < 1 {
		return Config{}, fmt.Errorf("config: MAX_MESSAGES_PER_MAILBOX must be >= 1")
	}
	cfg.MaxMessagesPerBox = maxMessages

	ttl, err := envInt("MESSAGE_TTL_MINUTES", 1440)
	if err != nil {
		return Config{}, err
	}
	if ttl < 1 {
		return Config{}, fmt.Errorf("config: MESSAGE_TTL_MINUTES must be >= 1")
	}
	cfg.MessageTTLMinutes = ttl

	maxBytes, err := envInt("MAX_MESSAGE_BYTES", 10485760)
	if err != nil {
		return Config{}, err
	}
	if maxBytes < 1024 {
		return Config{}, fmt.Errorf("config: MAX_MESSAGE_BYTES must be >= 1024")
	}
	cfg.MaxMessageBytes = maxBytes

	return cfg, nil
}

// AnnounceDomain is the domain an SMTP session greets clients with.
func (c Config) AnnounceDomain() string {
	if c.Domain == "" {
		return "localhost"
	}
	return c.Domain
}

// BindAddr rewrites a ":port"-style address to "0.0.0.0:port" so the
// service listens on all interfaces by default.
func BindAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}
	return addr
}

func envOr(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return v, nil
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}
