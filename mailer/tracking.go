package mailer

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var hrefPattern = regexp.MustCompile(`(?i)<a\s[^>]*?href="([^"]+)"`)

// trackingToken binds a tracking URL to a Message-ID.
func trackingToken(messageID string) string {
	hash := sha256.Sum256([]byte("mailnexy-tracking:" + messageID))
	return base64.RawURLEncoding.EncodeToString(hash[:])[:20]
}

func trackingKey(messageID string) string {
	return url.PathEscape(strings.Trim(messageID, "<>"))
}

// OpenPixelURL is the open-tracking image URL for a message.
func OpenPixelURL(baseURL, messageID string) string {
	return fmt.Sprintf("%s/track/open/%s/%s", strings.TrimRight(baseURL, "/"), trackingKey(messageID), trackingToken(messageID))
}

// ClickURL wraps target in a click-tracking redirect.
func ClickURL(baseURL, messageID, target string) string {
	return fmt.Sprintf("%s/track/click/%s/%s?url=%s",
		strings.TrimRight(baseURL, "/"), trackingKey(messageID), trackingToken(messageID), url.QueryEscape(target))
}

// InjectTracking rewrites http(s) links and appends an open pixel. Body is
// returned unchanged when baseURL is empty.
func InjectTracking(body, baseURL, messageID string) string {
	if baseURL == "" || body == "" {
		return body
	}
	out := hrefPattern.ReplaceAllStringFunc(body, func(tag string) string {
		m := hrefPattern.FindStringSubmatch(tag)
		target := m[1]
		lower := strings.ToLower(target)
		if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
			return tag
		}
		return strings.Replace(tag, `"`+target+`"`, `"`+ClickURL(baseURL, messageID, target)+`"`, 1)
	})
	pixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, OpenPixelURL(baseURL, messageID))
	return out + pixel
}
