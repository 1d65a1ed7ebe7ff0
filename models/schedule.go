package models

// Schedule modes.
const (
	ModeImmediate = "immediate"
	ModeFixed     = "fixed"
	ModeWindow    = "window"
)

// ScheduleOptions controls when a step may be sent. Stored as JSON on
// sequences and snapshotted onto delivery rows.
type ScheduleOptions struct {
	Mode string `json:"mode" validate:"omitempty,oneof=immediate fixed window"`

	// fixed mode
	SendTime string `json:"send_time,omitempty" validate:"omitempty,len=5"`

	// window mode
	WindowStart string `json:"window_start,omitempty" validate:"omitempty,len=5"`
	WindowEnd   string `json:"window_end,omitempty" validate:"omitempty,len=5"`

	RespectContactTimezone bool         `json:"respect_contact_timezone"`
	Timezone               string       `json:"timezone,omitempty"`
	FallbackTimezone       string       `json:"fallback_timezone,omitempty"`
	SendDays               []string     `json:"send_days,omitempty"`
	SendWindows            []SendWindow `json:"send_windows,omitempty" validate:"dive"`
}

// SendWindow is a daily "HH:MM" range. End is exclusive; End before Start
// wraps past midnight.
type SendWindow struct {
	Start string `json:"start" validate:"required,len=5"`
	End   string `json:"end" validate:"required,len=5"`
}
