// Package repository defines the persistence contract shared by the delivery
// scheduler, the reply worker and the event recorder.
package repository

import (
	"context"
	"errors"
	"time"

	"mailnexy/models"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrPlanLimitExceeded = errors.New("monthly email limit exceeded")
	ErrNotPending        = errors.New("delivery is not pending")
)

// Repository is the typed persistence contract. Every method participates in
// the surrounding transaction when called on the Repository passed to WithinTx.
type Repository interface {
	// Delivery statuses
	FetchDueStatuses(ctx context.Context, now time.Time, teamID *uint, limit int) ([]models.DeliveryStatus, error)
	GetStatus(ctx context.Context, id uint) (*models.DeliveryStatus, error)
	GetStatusForUpdate(ctx context.Context, id uint) (*models.DeliveryStatus, error)
	FindStatus(ctx context.Context, contactID, sequenceID uint) (*models.DeliveryStatus, error)
	ActiveStatusesForContact(ctx context.Context, contactID uint, sequenceID *uint) ([]models.DeliveryStatus, error)
	SaveStatus(ctx context.Context, status *models.DeliveryStatus) error
	PendingBySequenceStatus(ctx context.Context, teamID *uint) (map[string]int, error)
	NextPendingAt(ctx context.Context, teamID *uint) (*time.Time, error)
	TriggerManual(ctx context.Context, id uint, now time.Time) (*models.DeliveryStatus, error)

	// Sequences and steps. GetSequence returns soft-deleted rows too.
	GetSequence(ctx context.Context, id uint) (*models.Sequence, error)
	GetStep(ctx context.Context, id uint) (*models.SequenceStep, error)
	NextStep(ctx context.Context, sequenceID uint, afterOrder int) (*models.SequenceStep, error)

	// Senders
	GetSender(ctx context.Context, id uint) (*models.Sender, error)
	ListInboundSenders(ctx context.Context) ([]models.Sender, error)

	// Contacts
	GetContact(ctx context.Context, id uint) (*models.Contact, error)
	CustomFields(ctx context.Context, contactID uint) ([]models.ContactCustomField, error)
	FindContactByEmail(ctx context.Context, teamID uint, email string) (*models.Contact, error)

	// Delivery log
	InsertLog(ctx context.Context, log *models.DeliveryLog) error
	FindSendLogsByMessageIDs(ctx context.Context, messageIDs []string) ([]models.DeliveryLog, error)
	FindLogByInboundID(ctx context.Context, inboundID string) (*models.DeliveryLog, error)
	UnsyncedReplyLogs(ctx context.Context, teamID *uint, limit int) ([]models.DeliveryLog, error)
	MarkLogStatus(ctx context.Context, id uint, status string) error
	MarkLogSynced(ctx context.Context, id uint) error

	// Plan capacity
	AssertCanSendEmails(ctx context.Context, teamID uint, count int, now time.Time) error
	TrackEmailsSent(ctx context.Context, teamID uint, count int, now time.Time) error

	WithinTx(ctx context.Context, fn func(tx Repository) error) error
}

// UsagePeriod is the monthly bucket key for capacity accounting.
func UsagePeriod(now time.Time) string {
	return now.UTC().Format("2006-01")
}
