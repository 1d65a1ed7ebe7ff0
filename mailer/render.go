package mailer

import (
	"html"
	"regexp"
	"strings"

	"mailnexy/models"
)

var (
	placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)
	breakPattern       = regexp.MustCompile(`(?i)<\s*(br\s*/?|/p|/div|/li|/tr|/h[1-6])\s*>`)
	scriptPattern      = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)\s*>`)
	tagPattern         = regexp.MustCompile(`<[^>]*>`)
	blankLinesPattern  = regexp.MustCompile(`\n{3,}`)
	spacesPattern      = regexp.MustCompile(`[ \t]+`)
)

// Variables builds the placeholder map for a contact. Custom fields are
// available both as {{custom.name}} and {{name}}; built-in fields win on
// collision.
func Variables(contact *models.Contact, fields []models.ContactCustomField) map[string]string {
	vars := make(map[string]string, 16+2*len(fields))
	for _, f := range fields {
		name := strings.ToLower(strings.TrimSpace(f.Name))
		if name == "" {
			continue
		}
		vars["custom."+name] = f.Value
		vars[name] = f.Value
	}
	if contact == nil {
		return vars
	}

	fullName := strings.TrimSpace(contact.FirstName + " " + contact.LastName)
	builtin := map[string]string{
		"first_name": contact.FirstName,
		"firstname":  contact.FirstName,
		"last_name":  contact.LastName,
		"lastname":   contact.LastName,
		"full_name":  fullName,
		"fullname":   fullName,
		"name":       fullName,
		"email":      contact.Email,
		"company":    contact.Company,
		"position":   contact.Position,
		"phone":      contact.Phone,
		"website":    contact.Website,
	}
	for k, v := range builtin {
		vars[k] = v
	}
	return vars
}

// Render substitutes {{placeholder}} tokens. Lookup is case-insensitive and
// unknown placeholders render as the empty string.
func Render(template string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(token string) string {
		m := placeholderPattern.FindStringSubmatch(token)
		if len(m) < 2 {
			return ""
		}
		return vars[strings.ToLower(m[1])]
	})
}

// HTMLToText produces a plain-text alternative by stripping markup.
func HTMLToText(body string) string {
	text := scriptPattern.ReplaceAllString(body, "")
	text = breakPattern.ReplaceAllString(text, "\n")
	text = tagPattern.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	text = strings.ReplaceAll(text, "\u00a0", " ")
	text = strings.ReplaceAll(text, "\r\n", "\n")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spacesPattern.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	text = blankLinesPattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// LooksLikeHTML reports whether body contains markup.
func LooksLikeHTML(body string) bool {
	return tagPattern.MatchString(body)
}

// Compose renders a step for a contact into a Message.
func Compose(step *models.SequenceStep, contact *models.Contact, fields []models.ContactCustomField) Message {
	vars := Variables(contact, fields)
	subject := strings.TrimSpace(Render(step.Subject, vars))
	body := Render(step.Body, vars)

	msg := Message{
		To:      contact.Email,
		ToName:  strings.TrimSpace(contact.FirstName + " " + contact.LastName),
		Subject: subject,
	}
	if LooksLikeHTML(body) {
		msg.HTML = body
		msg.Text = HTMLToText(body)
	} else {
		msg.Text = body
	}
	return msg
}
