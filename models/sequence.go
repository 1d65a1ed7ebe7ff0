package models

import "gorm.io/gorm"

// Sequence lifecycle values.
const (
	SequenceDraft  = "draft"
	SequenceActive = "active"
	SequencePaused = "paused"
)

// Sequence represents automated email sequences
type Sequence struct {
	gorm.Model
	TeamID   uint `gorm:"not null;index" json:"team_id"`
	SenderID uint `gorm:"not null;index" json:"sender_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Status      string `gorm:"default:'draft'" json:"status"` // draft, active, paused

	// Settings
	MinGapMinutes *int             `json:"min_gap_minutes"`
	Schedule      *ScheduleOptions `gorm:"type:jsonb;serializer:json" json:"schedule,omitempty"`

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
}

// IsDeleted reports whether the sequence was soft-deleted.
func (s *Sequence) IsDeleted() bool {
	return s.DeletedAt.Valid
}

// LifecycleStatus folds soft deletion into the status value.
func (s *Sequence) LifecycleStatus() string {
	if s.IsDeleted() {
		return "deleted"
	}
	return s.Status
}

// SequenceStep represents steps in an email sequence
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`

	Order   int    `gorm:"not null;column:step_order" json:"order"`
	Subject string `gorm:"not null" json:"subject"`
	Body    string `gorm:"type:text" json:"body"`

	DelayValue *int   `json:"delay_value"`
	DelayUnit  string `json:"delay_unit"` // minutes, hours, days

	// Reply/bounce policy
	SkipIfReplied       bool `gorm:"default:false" json:"skip_if_replied"`
	SkipIfBounced       bool `gorm:"default:false" json:"skip_if_bounced"`
	DelayIfRepliedHours *int `json:"delay_if_replied"`
}
