// Package mailparse turns a raw RFC 822 byte blob accepted over SMTP DATA
// into a structured record, walking MIME parts with go-message.
package mailparse

import (
	"bytes"
	"errors"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message"
	mmail "github.com/emersion/go-message/mail"
)

var ErrParse = errors.New("mailparse: invalid message content")

// Parsed is the structured result of parsing a raw message.
type Parsed struct {
	From    string
	Subject string
	Date    time.Time
	Text    *string
	HTML    *string
	Headers map[string][]string
	// HeaderOrder records the order in which header keys first appeared,
	// so callers that need deterministic iteration don't have to sort.
	HeaderOrder []string
}

// Parse parses raw as an RFC 822 message. now is used as the Date fallback.
func Parse(raw []byte, now time.Time) (*Parsed, error) {
	entity, _ := message.Read(bytes.NewReader(raw))
	if entity == nil {
		return nil, ErrParse
	}
	// go-message returns non-fatal warnings (e.g. unknown charset) alongside
	// a best-effort entity; only a nil entity is a hard parse failure.

	headers, order := collectHeaders(entity.Header)

	mh := mmail.Header{Header: entity.Header}

	subject, serr := mh.Subject()
	if serr != nil || strings.TrimSpace(subject) == "" {
		subject = firstHeader(headers, "Subject")
	}
	subject = strings.TrimSpace(subject)

	date, derr := mh.Date()
	if derr != nil || date.IsZero() {
		date = now
	} else {
		date = date.UTC()
	}

	from := strings.TrimSpace(firstHeader(headers, "From"))

	var textParts, htmlParts []string
	if err := walk(entity, &textParts, &htmlParts); err != nil {
		return nil, ErrParse
	}

	return &Parsed{
		From:        from,
		Subject:     subject,
		Date:        date,
		Text:        joinOrNil(textParts),
		HTML:        joinOrNil(htmlParts),
		Headers:     headers,
		HeaderOrder: order,
	}, nil
}

func joinOrNil(parts []string) *string {
	if len(parts) == 0 {
		return nil
	}
	joined := strings.Join(parts, "\n")
	if joined == "" {
		return nil
	}
	return &joined
}

// collectHeaders builds a map keyed by the header name as go-message
// reports it (its canonical MIME form, e.g. "X-Foo"), preserving duplicate
// values in order of appearance, plus the order in which distinct keys
// first appeared.
func collectHeaders(h message.Header) (map[string][]string, []string) {
	headers := make(map[string][]string)
	casing := make(map[string]string) // lowercase -> first-seen key
	var order []string

	fields := h.Fields()
	for fields.Next() {
		key := fields.Key()
		lower := strings.ToLower(key)
		cased, ok := casing[lower]
		if !ok {
			casing[lower] = key
			cased = key
			order = append(order, key)
		}
		headers[cased] = append(headers[cased], fields.Value())
	}
	return headers, order
}

// firstHeader looks up name case-insensitively and returns its first value.
func firstHeader(headers map[string][]string, name string) string {
	for k, vs := range headers {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// walk recurses through MIME parts, collecting non-empty text/plain and
// text/html leaf bodies into the given accumulators.
func walk(e *message.Entity, text, html *[]string) error {
	mediaType, _, ctErr := e.Header.ContentType()
	if ctErr != nil || mediaType == "" {
		mediaType = "text/plain"
	}
	mediaType = strings.ToLower(mediaType)

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := e.MultipartReader()
		if mr == nil {
			return nil
		}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if err := walk(part, text, html); err != nil {
				return err
			}
		}
		return nil
	}

	body, err := io.ReadAll(e.Body)
	if err != nil {
		return err
	}
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil
	}

	switch mediaType {
	case "text/plain":
		*text = append(*text, trimmed)
	case "text/html":
		*html = append(*html, trimmed)
	}
	return nil
}

var (
	tagRe   = regexp.MustCompile(`(?s)<.*?>`)
	spaceRe = regexp.MustCompile(`\s+`)
)

const previewMaxLen = 120

// Preview derives the MessageSummary preview field from a message's bodies:
// prefer text, fall back to HTML with tags stripped, collapse whitespace,
// and truncate at previewMaxLen characters.
func Preview(text, html *string) string {
	var src string
	if text != nil && strings.TrimSpace(*text) != "" {
		src = *text
	} else if html != nil {
		src = tagRe.ReplaceAllString(*html, " ")
	}

	src = spaceRe.ReplaceAllString(strings.TrimSpace(src), " ")

	runes := []rune(src)
	if len(runes) > previewMaxLen {
		return string(runes[:previewMaxLen]) + "..."
	}
	return src
}

// SortedHeaderKeys is a helper for tests/debugging that want deterministic
// output without depending on Go's randomized map iteration.
func SortedHeaderKeys(headers map[string][]string) []string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
