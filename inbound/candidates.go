package inbound

import (
	"regexp"
	"sort"
	"strings"

	"mailnexy/mailer"
)

// MaxCandidates caps the identity tokens looked up per message.
const MaxCandidates = 20

var (
	bracketedID = regexp.MustCompile(`<[^<>\s]+@[^<>\s]+>`)
	bareID      = regexp.MustCompile(`^[^\s<>"',;]+@[^\s<>"',;]+$`)
)

// identityKeys are the header or payload keys whose values may carry a
// Message-ID of mail we sent. Keys are compared lower-cased with '-' and '_'
// removed.
var identityKeys = map[string]bool{
	"inreplyto":          true,
	"references":         true,
	"messageid":          true,
	"originalmessageid":  true,
	"xoriginalmessageid": true,
	"parentmessageid":    true,
}

func normalizeKey(k string) string {
	k = strings.ToLower(k)
	k = strings.ReplaceAll(k, "-", "")
	k = strings.ReplaceAll(k, "_", "")
	return k
}

type candidateSet struct {
	ids  []string
	seen map[string]bool
}

func (c *candidateSet) add(raw string) bool {
	id := mailer.NormalizeMessageID(raw)
	if id == "" || c.seen[id] || len(c.ids) >= MaxCandidates {
		return len(c.ids) < MaxCandidates
	}
	c.seen[id] = true
	c.ids = append(c.ids, id)
	return len(c.ids) < MaxCandidates
}

// ExtractCandidates returns up to MaxCandidates normalized Message-IDs that may
// identify the mail msg replies to, and whether any identity header was
// present at all. Typed headers come first; the raw header maps are then
// scanned breadth-first.
func ExtractCandidates(msg *Message) ([]string, bool) {
	set := &candidateSet{seen: map[string]bool{}}
	hadIdentity := false

	typed := append([]string{msg.InReplyTo}, msg.References...)
	typed = append(typed, msg.OriginalMessageID)
	for _, id := range typed {
		if strings.TrimSpace(id) == "" {
			continue
		}
		hadIdentity = true
		if !set.add(id) {
			return set.ids, true
		}
	}

	// The message's own Message-ID never identifies the mail it answers.
	top := make(map[string]any, len(msg.Headers))
	for k, v := range msg.Headers {
		if normalizeKey(k) == "messageid" {
			continue
		}
		top[k] = v
	}
	payload := map[string]any{"headers": top}
	if len(msg.Embedded) > 0 {
		payload["original"] = msg.Embedded
	}

	for _, id := range ScanPayloadForIDs(payload, MaxCandidates) {
		hadIdentity = true
		if !set.add(id) {
			break
		}
	}
	return set.ids, hadIdentity
}

type scanItem struct {
	key   string
	value any
}

// ScanPayloadForIDs walks an arbitrary decoded payload breadth-first and
// collects Message-ID shaped values found under identity keys such as
// In-Reply-To or References. It is the fallback for legacy or malformed
// payloads; typed headers should be preferred.
func ScanPayloadForIDs(payload any, limit int) []string {
	if limit <= 0 {
		limit = MaxCandidates
	}
	set := &candidateSet{seen: map[string]bool{}}
	queue := []scanItem{{value: payload}}

	for len(queue) > 0 && len(set.ids) < limit {
		item := queue[0]
		queue = queue[1:]

		switch v := item.value.(type) {
		case map[string]any:
			for _, k := range sortedKeys(v) {
				queue = append(queue, scanItem{key: k, value: v[k]})
			}
		case map[string][]string:
			for _, k := range sortedKeys(v) {
				queue = append(queue, scanItem{key: k, value: v[k]})
			}
		case map[string]string:
			for _, k := range sortedKeys(v) {
				queue = append(queue, scanItem{key: k, value: v[k]})
			}
		case []any:
			for _, child := range v {
				queue = append(queue, scanItem{key: item.key, value: child})
			}
		case []string:
			for _, child := range v {
				queue = append(queue, scanItem{key: item.key, value: child})
			}
		case string:
			if !identityKeys[normalizeKey(item.key)] {
				continue
			}
			for _, id := range idsInValue(v) {
				if len(set.ids) >= limit {
					break
				}
				set.add(id)
			}
		}
	}
	return set.ids
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func idsInValue(v string) []string {
	if found := bracketedID.FindAllString(v, -1); len(found) > 0 {
		return found
	}
	var out []string
	for _, tok := range strings.Fields(v) {
		if bareID.MatchString(tok) {
			out = append(out, tok)
		}
	}
	return out
}
