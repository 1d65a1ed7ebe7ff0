package mailer

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NormalizeMessageID returns id in canonical "<local@domain>" form, or "" when
// nothing usable remains after trimming.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.Trim(id, `"'`)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, " \t\r\n<>") {
		return ""
	}
	return "<" + id + ">"
}

// NewMessageID generates a random Message-ID for domain.
func NewMessageID(domain string) string {
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), messageDomain(domain))
}

// FallbackMessageID derives a stable Message-ID from the delivery coordinates.
// It is used when the transport reports none.
func FallbackMessageID(statusID uint, stepID uint, attempt int, domain string) string {
	name := fmt.Sprintf("delivery:%d:step:%d:attempt:%d", statusID, stepID, attempt)
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
	return fmt.Sprintf("<%s@%s>", id.String(), messageDomain(domain))
}

func messageDomain(domain string) string {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return "localhost"
	}
	return domain
}
