package models

import "gorm.io/gorm"

// Team owns senders, contacts and sequences, and carries the monthly send capacity.
type Team struct {
	gorm.Model
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`

	// Zero means unlimited.
	MonthlyEmailLimit int `gorm:"default:0" json:"monthly_email_limit"`
}

// TeamUsage counts emails sent by a team in one calendar month ("2006-01").
type TeamUsage struct {
	gorm.Model
	TeamID     uint   `gorm:"not null;uniqueIndex:idx_usage_team_period" json:"team_id"`
	Period     string `gorm:"not null;uniqueIndex:idx_usage_team_period" json:"period"`
	EmailsSent int    `gorm:"default:0" json:"emails_sent"`
}
