package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mailnexy/models"
)

// GormRepository implements Repository on gorm.
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) conn(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (r *GormRepository) WithinTx(ctx context.Context, fn func(tx Repository) error) error {
	return r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormRepository{db: tx})
	})
}

func (r *GormRepository) FetchDueStatuses(ctx context.Context, now time.Time, teamID *uint, limit int) ([]models.DeliveryStatus, error) {
	q := r.conn(ctx).
		Joins("JOIN sequences ON sequences.id = delivery_statuses.sequence_id AND sequences.deleted_at IS NULL").
		Where("delivery_statuses.status = ?", models.StatusPending).
		Where("delivery_statuses.scheduled_at <= ?", now).
		Where("sequences.status = ?", models.SequenceActive)
	if teamID != nil {
		q = q.Where("delivery_statuses.team_id = ?", *teamID)
	}

	var statuses []models.DeliveryStatus
	err := q.
		Order("CASE WHEN delivery_statuses.manual_triggered_at IS NULL THEN 1 ELSE 0 END").
		Order("delivery_statuses.manual_triggered_at ASC").
		Order("delivery_statuses.scheduled_at ASC").
		Order("delivery_statuses.id ASC").
		Limit(limit).
		Find(&statuses).Error
	if err != nil {
		return nil, fmt.Errorf("fetch due statuses: %w", err)
	}
	return statuses, nil
}

func (r *GormRepository) GetStatus(ctx context.Context, id uint) (*models.DeliveryStatus, error) {
	var status models.DeliveryStatus
	if err := r.conn(ctx).First(&status, id).Error; err != nil {
		return nil, translate(err)
	}
	return &status, nil
}

// GetStatusForUpdate locks the row on postgres. Other dialects rely on the
// transaction's own isolation.
func (r *GormRepository) GetStatusForUpdate(ctx context.Context, id uint) (*models.DeliveryStatus, error) {
	q := r.conn(ctx)
	if r.db.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var status models.DeliveryStatus
	if err := q.First(&status, id).Error; err != nil {
		return nil, translate(err)
	}
	return &status, nil
}

func (r *GormRepository) FindStatus(ctx context.Context, contactID, sequenceID uint) (*models.DeliveryStatus, error) {
	var status models.DeliveryStatus
	err := r.conn(ctx).
		Where("contact_id = ? AND sequence_id = ?", contactID, sequenceID).
		First(&status).Error
	if err != nil {
		return nil, translate(err)
	}
	return &status, nil
}

func (r *GormRepository) ActiveStatusesForContact(ctx context.Context, contactID uint, sequenceID *uint) ([]models.DeliveryStatus, error) {
	q := r.conn(ctx).Where("contact_id = ? AND status <> ? AND reply_at IS NULL", contactID, models.StatusReplied)
	if sequenceID != nil {
		q = q.Where("sequence_id = ?", *sequenceID)
	}
	var statuses []models.DeliveryStatus
	if err := q.Order("id ASC").Find(&statuses).Error; err != nil {
		return nil, err
	}
	return statuses, nil
}

func (r *GormRepository) SaveStatus(ctx context.Context, status *models.DeliveryStatus) error {
	return r.conn(ctx).Save(status).Error
}

type lifecycleCount struct {
	Lifecycle string
	Total     int
}

func (r *GormRepository) PendingBySequenceStatus(ctx context.Context, teamID *uint) (map[string]int, error) {
	q := r.conn(ctx).
		Table("delivery_statuses").
		Select("CASE WHEN sequences.deleted_at IS NOT NULL THEN 'deleted' ELSE sequences.status END AS lifecycle, COUNT(*) AS total").
		Joins("JOIN sequences ON sequences.id = delivery_statuses.sequence_id").
		Where("delivery_statuses.status = ? AND delivery_statuses.deleted_at IS NULL", models.StatusPending)
	if teamID != nil {
		q = q.Where("delivery_statuses.team_id = ?", *teamID)
	}

	var rows []lifecycleCount
	if err := q.Group("lifecycle").Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, row := range rows {
		out[row.Lifecycle] = row.Total
	}
	return out, nil
}

func (r *GormRepository) NextPendingAt(ctx context.Context, teamID *uint) (*time.Time, error) {
	q := r.conn(ctx).Where("status = ? AND scheduled_at IS NOT NULL", models.StatusPending)
	if teamID != nil {
		q = q.Where("team_id = ?", *teamID)
	}
	var status models.DeliveryStatus
	err := q.Order("scheduled_at ASC").First(&status).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return status.ScheduledAt, nil
}

func (r *GormRepository) TriggerManual(ctx context.Context, id uint, now time.Time) (*models.DeliveryStatus, error) {
	var out *models.DeliveryStatus
	err := r.WithinTx(ctx, func(tx Repository) error {
		status, err := tx.GetStatusForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if status.Status != models.StatusPending {
			return ErrNotPending
		}
		status.ManualTriggeredAt = &now
		status.ScheduledAt = &now
		status.LastUpdated = now
		if err := tx.SaveStatus(ctx, status); err != nil {
			return err
		}
		out = status
		return nil
	})
	return out, err
}

func (r *GormRepository) GetSequence(ctx context.Context, id uint) (*models.Sequence, error) {
	var seq models.Sequence
	if err := r.conn(ctx).Unscoped().First(&seq, id).Error; err != nil {
		return nil, translate(err)
	}
	return &seq, nil
}

func (r *GormRepository) GetStep(ctx context.Context, id uint) (*models.SequenceStep, error) {
	var step models.SequenceStep
	if err := r.conn(ctx).First(&step, id).Error; err != nil {
		return nil, translate(err)
	}
	return &step, nil
}

func (r *GormRepository) NextStep(ctx context.Context, sequenceID uint, afterOrder int) (*models.SequenceStep, error) {
	var step models.SequenceStep
	err := r.conn(ctx).
		Where("sequence_id = ? AND step_order > ?", sequenceID, afterOrder).
		Order("step_order ASC").
		First(&step).Error
	if err != nil {
		return nil, translate(err)
	}
	return &step, nil
}

func (r *GormRepository) GetSender(ctx context.Context, id uint) (*models.Sender, error) {
	var sender models.Sender
	if err := r.conn(ctx).First(&sender, id).Error; err != nil {
		return nil, translate(err)
	}
	return &sender, nil
}

func (r *GormRepository) ListInboundSenders(ctx context.Context) ([]models.Sender, error) {
	var senders []models.Sender
	err := r.conn(ctx).
		Where("status IN ?", []string{models.SenderActive, models.SenderVerified}).
		Where("inbound_protocol IN ?", []string{models.ProtocolIMAP, models.ProtocolPOP3}).
		Where("inbound_host <> ''").
		Order("id ASC").
		Find(&senders).Error
	if err != nil {
		return nil, err
	}
	return senders, nil
}

func (r *GormRepository) GetContact(ctx context.Context, id uint) (*models.Contact, error) {
	var contact models.Contact
	if err := r.conn(ctx).First(&contact, id).Error; err != nil {
		return nil, translate(err)
	}
	return &contact, nil
}

func (r *GormRepository) CustomFields(ctx context.Context, contactID uint) ([]models.ContactCustomField, error) {
	var fields []models.ContactCustomField
	if err := r.conn(ctx).Where("contact_id = ?", contactID).Find(&fields).Error; err != nil {
		return nil, err
	}
	return fields, nil
}

func (r *GormRepository) FindContactByEmail(ctx context.Context, teamID uint, email string) (*models.Contact, error) {
	var contact models.Contact
	err := r.conn(ctx).
		Where("team_id = ? AND LOWER(email) = ?", teamID, strings.ToLower(strings.TrimSpace(email))).
		Order("id ASC").
		First(&contact).Error
	if err != nil {
		return nil, translate(err)
	}
	return &contact, nil
}

func (r *GormRepository) InsertLog(ctx context.Context, log *models.DeliveryLog) error {
	return r.conn(ctx).Create(log).Error
}

func (r *GormRepository) FindSendLogsByMessageIDs(ctx context.Context, messageIDs []string) ([]models.DeliveryLog, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var logs []models.DeliveryLog
	err := r.conn(ctx).
		Where("message_id IN ? AND type IN ?", messageIDs, []string{models.LogSend, models.LogManualSend}).
		Order("id ASC").
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func (r *GormRepository) FindLogByInboundID(ctx context.Context, inboundID string) (*models.DeliveryLog, error) {
	var log models.DeliveryLog
	err := r.conn(ctx).
		Where("inbound_id = ? AND type IN ?", inboundID, []string{models.LogReply, models.LogBounce}).
		First(&log).Error
	if err != nil {
		return nil, translate(err)
	}
	return &log, nil
}

func (r *GormRepository) UnsyncedReplyLogs(ctx context.Context, teamID *uint, limit int) ([]models.DeliveryLog, error) {
	q := r.conn(ctx).Where("type IN ? AND synced = ?", []string{models.LogReply, models.LogBounce}, false)
	if teamID != nil {
		q = q.Where("team_id = ?", *teamID)
	}
	var logs []models.DeliveryLog
	if err := q.Order("id ASC").Limit(limit).Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func (r *GormRepository) MarkLogStatus(ctx context.Context, id uint, status string) error {
	return r.conn(ctx).Model(&models.DeliveryLog{}).Where("id = ?", id).Update("status", status).Error
}

func (r *GormRepository) MarkLogSynced(ctx context.Context, id uint) error {
	return r.conn(ctx).Model(&models.DeliveryLog{}).Where("id = ?", id).Update("synced", true).Error
}

func (r *GormRepository) AssertCanSendEmails(ctx context.Context, teamID uint, count int, now time.Time) error {
	var team models.Team
	err := r.conn(ctx).First(&team, teamID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if team.MonthlyEmailLimit <= 0 {
		return nil
	}

	var usage models.TeamUsage
	err = r.conn(ctx).Where("team_id = ? AND period = ?", teamID, UsagePeriod(now)).First(&usage).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if usage.EmailsSent+count > team.MonthlyEmailLimit {
		return ErrPlanLimitExceeded
	}
	return nil
}

// TrackEmailsSent runs in its own savepoint when called inside WithinTx, so a
// failed upsert does not abort the enclosing postgres transaction.
func (r *GormRepository) TrackEmailsSent(ctx context.Context, teamID uint, count int, now time.Time) error {
	usage := models.TeamUsage{TeamID: teamID, Period: UsagePeriod(now), EmailsSent: count}
	return r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "team_id"}, {Name: "period"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"emails_sent": gorm.Expr("team_usages.emails_sent + ?", count),
			}),
		}).Create(&usage).Error
	})
}
