package models

import (
	"gorm.io/gorm"
)

// Contact represents a single enrolled recipient
type Contact struct {
	gorm.Model
	TeamID uint `gorm:"not null;index" json:"team_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Position  string `json:"position"`
	Phone     string `json:"phone"`
	Website   string `json:"website"`
	Timezone  string `json:"timezone"`

	// Relations
	CustomFields []ContactCustomField `gorm:"foreignKey:ContactID" json:"custom_fields,omitempty"`
}

// ContactCustomField represents custom fields for contacts
type ContactCustomField struct {
	gorm.Model
	ContactID uint   `gorm:"not null;index" json:"contact_id"`
	Name      string `gorm:"not null;index" json:"name"`
	Value     string `gorm:"type:text" json:"value"`
}
