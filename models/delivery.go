package models

import (
	"time"

	"gorm.io/gorm"
)

// Delivery status values. Exactly one status row exists per (contact, sequence).
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusReplied = "replied"
	StatusBounced = "bounced"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Delivery log types.
const (
	LogSend       = "send"
	LogManualSend = "manual_send"
	LogReply      = "reply"
	LogBounce     = "bounce"
	LogRetrying   = "retrying"
	LogDelayed    = "delayed"
	LogThrottle   = "throttle"
	LogSkipped    = "skipped"
	LogFailed     = "failed"
)

// DeliveryStatus tracks one contact's progress through one sequence.
// While Status is pending, StepID and ScheduledAt are set.
type DeliveryStatus struct {
	gorm.Model
	TeamID     uint  `gorm:"not null;index" json:"team_id"`
	ContactID  uint  `gorm:"not null;uniqueIndex:idx_status_contact_sequence" json:"contact_id"`
	SequenceID uint  `gorm:"not null;uniqueIndex:idx_status_contact_sequence;index" json:"sequence_id"`
	StepID     *uint `gorm:"index" json:"step_id"`

	Status      string     `gorm:"not null;default:'pending';index:idx_status_due,priority:1" json:"status"`
	Attempts    int        `gorm:"default:0" json:"attempts"`
	ScheduledAt *time.Time `gorm:"index:idx_status_due,priority:2" json:"scheduled_at"`
	SentAt      *time.Time `json:"sent_at"`
	ReplyAt     *time.Time `json:"reply_at"`
	BounceAt    *time.Time `json:"bounce_at"`
	LastUpdated time.Time  `json:"last_updated"`

	ScheduleSnapshot *ScheduleOptions `gorm:"type:jsonb;serializer:json" json:"schedule_snapshot,omitempty"`

	ManualTriggeredAt *time.Time `json:"manual_triggered_at"`
	ManualSentAt      *time.Time `json:"manual_sent_at"`
}

// IsManual reports whether an operator forced this delivery.
func (s *DeliveryStatus) IsManual() bool {
	return s.ManualTriggeredAt != nil
}

// IsActive reports whether the row can still receive a reply. A pending row
// that already carries a reply is not active.
func (s *DeliveryStatus) IsActive() bool {
	return s.Status != StatusReplied && s.ReplyAt == nil
}

// DeliveryLog is the append-only audit trail. Rows are inserted, never updated,
// except for Status which marks a send log as replied or bounced.
type DeliveryLog struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
	TeamID     uint      `gorm:"index" json:"team_id"`
	ContactID  uint      `gorm:"not null;index" json:"contact_id"`
	SequenceID uint      `gorm:"not null;index" json:"sequence_id"`
	StepID     *uint     `json:"step_id"`
	StatusID   uint      `gorm:"index" json:"status_id"`

	Status       string         `json:"status"`
	Type         string         `gorm:"not null;index" json:"type"`
	Attempts     int            `json:"attempts"`
	MessageID    string         `gorm:"index" json:"message_id"`
	InboundID    string         `gorm:"index" json:"inbound_id"`
	ErrorMessage string         `gorm:"type:text" json:"error_message"`
	SkipReason   string         `json:"skip_reason"`
	Payload      map[string]any `gorm:"type:jsonb;serializer:json" json:"payload,omitempty"`
	Synced       bool           `gorm:"default:false" json:"synced"`
}

// IsSend reports whether the log records an outbound message.
func (l *DeliveryLog) IsSend() bool {
	return l.Type == LogSend || l.Type == LogManualSend
}
