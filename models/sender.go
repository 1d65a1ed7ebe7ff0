package models

import (
	"time"

	"gorm.io/gorm"
)

// Sender status values. Only verified and active senders may send or be polled.
const (
	SenderVerified = "verified"
	SenderActive   = "active"
	SenderInactive = "inactive"
	SenderDisabled = "disabled"
)

// Inbound protocols.
const (
	ProtocolIMAP = "imap"
	ProtocolPOP3 = "pop3"
)

// Sender represents email sending and receiving credentials
type Sender struct {
	gorm.Model
	TeamID uint `gorm:"not null;index" json:"team_id"`

	// Basic identification
	Name      string `gorm:"not null" json:"name"`
	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `gorm:"not null" json:"from_name"`
	Status    string `gorm:"not null;default:'inactive';index" json:"status"`

	// ========= SMTP Configuration =========
	SMTPHost     string `gorm:"not null" json:"smtp_host"`
	SMTPPort     int    `gorm:"not null" json:"smtp_port"`
	SMTPUsername string `gorm:"not null" json:"smtp_username"`
	SMTPPassword string `gorm:"not null" json:"-"`          // Encrypted in application layer
	Encryption   string `gorm:"not null" json:"encryption"` // SSL, TLS, STARTTLS

	// ========= Inbound Configuration =========
	InboundProtocol   string `json:"inbound_protocol"` // imap, pop3
	InboundHost       string `json:"inbound_host"`
	InboundPort       int    `json:"inbound_port"`
	InboundUsername   string `json:"inbound_username"`
	InboundPassword   string `json:"-"` // Encrypted in application layer
	InboundEncryption string `json:"inbound_encryption" gorm:"default:'SSL'"`
	IMAPMailbox       string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	// ========= Status & Verification =========
	LastPolledAt *time.Time `json:"last_polled_at"`
	LastError    *string    `json:"last_error"`
}

// CanSend reports whether the sender may dispatch or be polled.
func (s *Sender) CanSend() bool {
	return s.Status == SenderVerified || s.Status == SenderActive
}

// HasInbound reports whether inbound polling credentials are complete.
func (s *Sender) HasInbound() bool {
	if s.InboundProtocol != ProtocolIMAP && s.InboundProtocol != ProtocolPOP3 {
		return false
	}
	return s.InboundHost != "" && s.InboundPort > 0 && s.InboundUsername != "" && s.InboundPassword != ""
}

// Domain returns the host part of FromEmail.
func (s *Sender) Domain() string {
	for i := len(s.FromEmail) - 1; i >= 0; i-- {
		if s.FromEmail[i] == '@' {
			return s.FromEmail[i+1:]
		}
	}
	return "localhost"
}
