// Package inbound reads replies and bounces from sender mailboxes over IMAP or
// POP3 and extracts the identity headers used to match them to sent mail.
package inbound

import (
	"bufio"
	"fmt"
	"io"
	nettextproto "net/textproto"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"mailnexy/mailer"
)

const snippetLength = 280

// Message is one inbound mail reduced to what matching needs.
type Message struct {
	UID         string
	MessageID   string
	InReplyTo   string
	References  []string
	FromAddress string
	Subject     string
	ReceivedAt  time.Time
	Snippet     string

	// Headers is the raw top-level header map. Embedded holds the headers of
	// the original message quoted inside a delivery report.
	Headers  map[string][]string
	Embedded map[string][]string

	IsBounce          bool
	OriginalMessageID string
	BouncedRecipient  string
}

var (
	embeddedIDPattern = regexp.MustCompile(`(?im)^\s*message-id:\s*(<[^<>\s]+>)`)
	finalRecipient    = regexp.MustCompile(`(?im)^\s*final-recipient:\s*[a-z0-9-]+\s*;\s*(\S+@\S+)`)
	daemonLocalParts  = []string{"mailer-daemon", "postmaster", "mail-daemon"}
	bounceSubjects    = []string{
		"undeliverable",
		"undelivered mail returned",
		"delivery status notification (failure)",
		"mail delivery failed",
		"returned mail",
		"delivery failure",
	}
)

// ParseMessage parses an RFC 5322 message.
func ParseMessage(r io.Reader) (*Message, error) {
	mr, err := mail.CreateReader(r)
	if mr == nil {
		return nil, fmt.Errorf("create mail reader: %w", err)
	}
	return parseReader(mr)
}

// ParseEntity parses an already decoded MIME entity, as returned by POP3 RETR.
func ParseEntity(e *message.Entity) (*Message, error) {
	return parseReader(mail.NewReader(e))
}

func parseReader(mr *mail.Reader) (*Message, error) {
	defer mr.Close()

	h := mr.Header
	msg := &Message{
		Headers: headerMap(h.Header.Header),
	}
	if id, err := h.MessageID(); err == nil && id != "" {
		msg.MessageID = mailer.NormalizeMessageID(id)
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		msg.InReplyTo = mailer.NormalizeMessageID(ids[0])
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		for _, id := range ids {
			if n := mailer.NormalizeMessageID(id); n != "" {
				msg.References = append(msg.References, n)
			}
		}
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.FromAddress = strings.ToLower(strings.TrimSpace(from[0].Address))
	}
	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	}
	if date, err := h.Date(); err == nil {
		msg.ReceivedAt = date.UTC()
	}

	contentType, params, _ := h.ContentType()
	isReport := strings.EqualFold(contentType, "multipart/report") &&
		strings.EqualFold(params["report-type"], "delivery-status")

	var text, html, status string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			// A broken trailing part should not hide the headers we already have.
			break
		}

		var partType string
		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			partType, _, _ = ph.ContentType()
		case *mail.AttachmentHeader:
			partType, _, _ = ph.ContentType()
		}
		partType = strings.ToLower(partType)

		switch partType {
		case "message/rfc822", "text/rfc822-headers", "message/rfc822-headers":
			if hdr, err := textproto.ReadHeader(bufio.NewReader(p.Body)); err == nil {
				msg.Embedded = headerMap(hdr)
				embedded := mail.Header{Header: message.Header{Header: hdr}}
				if id, err := embedded.MessageID(); err == nil && id != "" {
					msg.OriginalMessageID = mailer.NormalizeMessageID(id)
				}
			}
		case "message/delivery-status":
			b, _ := io.ReadAll(io.LimitReader(p.Body, 64<<10))
			status = string(b)
		case "text/plain":
			if text == "" {
				b, _ := io.ReadAll(io.LimitReader(p.Body, 256<<10))
				text = string(b)
			}
		case "text/html":
			if html == "" {
				b, _ := io.ReadAll(io.LimitReader(p.Body, 256<<10))
				html = string(b)
			}
		}
	}

	body := text
	if body == "" && html != "" {
		body = mailer.HTMLToText(html)
	}
	msg.Snippet = snippet(body)

	msg.IsBounce = isReport || looksLikeBounce(msg)
	if msg.IsBounce {
		if msg.OriginalMessageID == "" {
			if m := embeddedIDPattern.FindStringSubmatch(body); len(m) == 2 {
				msg.OriginalMessageID = mailer.NormalizeMessageID(m[1])
			}
		}
		if m := finalRecipient.FindStringSubmatch(status + "\n" + body); len(m) == 2 {
			msg.BouncedRecipient = strings.ToLower(strings.Trim(m[1], "<>"))
		}
	}
	return msg, nil
}

func looksLikeBounce(msg *Message) bool {
	local := msg.FromAddress
	if i := strings.IndexByte(local, '@'); i >= 0 {
		local = local[:i]
	}
	for _, d := range daemonLocalParts {
		if local == d {
			return true
		}
	}
	subject := strings.ToLower(msg.Subject)
	if local == "" || strings.Contains(local, "daemon") {
		for _, s := range bounceSubjects {
			if strings.Contains(subject, s) {
				return true
			}
		}
	}
	return false
}

func headerMap(h textproto.Header) map[string][]string {
	out := map[string][]string{}
	fields := h.Fields()
	for fields.Next() {
		key := nettextproto.CanonicalMIMEHeaderKey(fields.Key())
		out[key] = append(out[key], fields.Value())
	}
	return out
}

func snippet(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(body) <= snippetLength {
		return body
	}
	runes := []rune(body)
	return string(runes[:snippetLength])
}
