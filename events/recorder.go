// Package events reconciles reply and bounce signals, from mailbox polling or
// webhooks, against delivery history.
package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mailnexy/inbound"
	"mailnexy/mailer"
	"mailnexy/metrics"
	"mailnexy/models"
	"mailnexy/pacing"
	"mailnexy/repository"
	"mailnexy/utils"
)

// Event types.
const (
	TypeReply  = "reply"
	TypeBounce = "bounce"
)

// Outcome statuses.
const (
	StatusProcessed = "processed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// Outcome reasons.
const (
	ReasonNoMatch            = "no_match"
	ReasonAlreadyRecorded    = "already_recorded"
	ReasonInvalidEvent       = "invalid_event"
	ReasonDuplicateMessageID = "duplicate_message_id"
	ReasonError              = "error"
)

// Event is an inbound reply or bounce signal. MessageID, InReplyTo and
// References identify mail we sent; InboundID is the Message-ID of the
// signal itself and is used for de-duplication.
type Event struct {
	Type       string         `json:"type" validate:"required,oneof=reply bounce"`
	MessageID  string         `json:"message_id"`
	InReplyTo  string         `json:"in_reply_to"`
	References []string       `json:"references" validate:"max=100"`
	InboundID  string         `json:"inbound_id"`
	ContactID  *uint          `json:"contact_id"`
	SequenceID *uint          `json:"sequence_id"`
	OccurredAt *time.Time     `json:"occurred_at"`
	Subject    string         `json:"subject"`
	Snippet    string         `json:"snippet"`
	Payload    map[string]any `json:"payload"`
}

// Outcome reports what Record did with one event.
type Outcome struct {
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	StatusID uint   `json:"status_id,omitempty"`
	LogID    uint   `json:"log_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

func skipped(reason string) Outcome {
	return Outcome{Status: StatusSkipped, Reason: reason}
}

// Recorder applies events. Each event runs in its own transaction.
type Recorder struct {
	repo   repository.Repository
	clock  pacing.Clock
	logger *logrus.Entry
}

func NewRecorder(repo repository.Repository, clock pacing.Clock) *Recorder {
	if clock == nil {
		clock = pacing.SystemClock{}
	}
	return &Recorder{
		repo:   repo,
		clock:  clock,
		logger: utils.Component("event_recorder"),
	}
}

// RecordBatch records each event independently; one failure never rolls back
// another event.
func (r *Recorder) RecordBatch(ctx context.Context, evs []Event) []Outcome {
	out := make([]Outcome, 0, len(evs))
	for _, ev := range evs {
		o, err := r.Record(ctx, ev)
		if err != nil {
			o = Outcome{Status: StatusFailed, Reason: ReasonError, Error: err.Error()}
		}
		out = append(out, o)
	}
	return out
}

// Record applies one event. A non-nil error means the store failed and
// nothing was written.
func (r *Recorder) Record(ctx context.Context, ev Event) (Outcome, error) {
	o, err := r.record(ctx, ev)
	status, reason := o.Status, o.Reason
	if err != nil {
		status, reason = StatusFailed, ReasonError
		utils.LogError("event_record_failed", err, map[string]interface{}{
			"type":       ev.Type,
			"inbound_id": ev.InboundID,
		})
	}
	metrics.EventsRecorded.WithLabelValues(ev.Type, status, reason).Inc()
	return o, err
}

// Candidates returns the normalized identity chain of ev: In-Reply-To, then
// References, then MessageID, falling back to a scan of the payload.
func (ev Event) Candidates() []string {
	seen := map[string]bool{}
	var ids []string
	add := func(raw string) {
		id := mailer.NormalizeMessageID(raw)
		if id == "" || seen[id] || len(ids) >= inbound.MaxCandidates {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}
	add(ev.InReplyTo)
	for _, ref := range ev.References {
		add(ref)
	}
	add(ev.MessageID)
	if len(ids) == 0 && len(ev.Payload) > 0 {
		for _, id := range inbound.ScanPayloadForIDs(ev.Payload, inbound.MaxCandidates) {
			add(id)
		}
	}
	return ids
}

func (r *Recorder) record(ctx context.Context, ev Event) (Outcome, error) {
	ev.Type = strings.ToLower(strings.TrimSpace(ev.Type))
	if ev.Type != TypeReply && ev.Type != TypeBounce {
		return skipped(ReasonInvalidEvent), nil
	}
	candidates := ev.Candidates()
	if len(candidates) == 0 && (ev.ContactID == nil || ev.SequenceID == nil) {
		return skipped(ReasonInvalidEvent), nil
	}

	inboundID := mailer.NormalizeMessageID(ev.InboundID)
	if inboundID != "" {
		_, err := r.repo.FindLogByInboundID(ctx, inboundID)
		if err == nil {
			return skipped(ReasonDuplicateMessageID), nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return Outcome{}, fmt.Errorf("lookup inbound id: %w", err)
		}
	}

	sendLog, statusID, err := r.resolve(ctx, ev, candidates)
	if err != nil {
		return Outcome{}, err
	}
	if statusID == 0 {
		return skipped(ReasonNoMatch), nil
	}

	now := r.clock.Now().UTC()
	occurred := now
	if ev.OccurredAt != nil && !ev.OccurredAt.IsZero() {
		occurred = ev.OccurredAt.UTC()
	}

	var out Outcome
	err = r.repo.WithinTx(ctx, func(tx repository.Repository) error {
		status, err := tx.GetStatusForUpdate(ctx, statusID)
		if errors.Is(err, repository.ErrNotFound) {
			out = skipped(ReasonNoMatch)
			return nil
		}
		if err != nil {
			return err
		}

		stepID := status.StepID
		if !apply(status, ev.Type, occurred, now) {
			out = Outcome{Status: StatusSkipped, Reason: ReasonAlreadyRecorded, StatusID: status.ID}
			return nil
		}
		if err := tx.SaveStatus(ctx, status); err != nil {
			return fmt.Errorf("save status: %w", err)
		}

		logType, markAs := models.LogReply, models.StatusReplied
		if ev.Type == TypeBounce {
			logType, markAs = models.LogBounce, models.StatusBounced
		}
		entry := &models.DeliveryLog{
			CreatedAt:  now,
			TeamID:     status.TeamID,
			ContactID:  status.ContactID,
			SequenceID: status.SequenceID,
			StepID:     stepID,
			StatusID:   status.ID,
			Status:     status.Status,
			Type:       logType,
			Attempts:   status.Attempts,
			InboundID:  inboundID,
			Synced:     true,
			Payload: map[string]any{
				"subject":     ev.Subject,
				"snippet":     ev.Snippet,
				"candidates":  candidates,
				"occurred_at": occurred.Format(time.RFC3339),
			},
		}
		if len(ev.Payload) > 0 {
			entry.Payload["payload"] = ev.Payload
		}
		if sendLog != nil {
			entry.MessageID = sendLog.MessageID
			if sendLog.StepID != nil {
				entry.StepID = sendLog.StepID
			}
			if err := tx.MarkLogStatus(ctx, sendLog.ID, markAs); err != nil {
				return fmt.Errorf("mark send log: %w", err)
			}
		} else if len(candidates) > 0 {
			entry.MessageID = candidates[0]
		}
		if err := tx.InsertLog(ctx, entry); err != nil {
			return fmt.Errorf("insert %s log: %w", logType, err)
		}

		out = Outcome{Status: StatusProcessed, StatusID: status.ID, LogID: entry.ID}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	if out.Status == StatusProcessed {
		r.logger.WithFields(logrus.Fields{
			"type":      ev.Type,
			"status_id": out.StatusID,
			"log_id":    out.LogID,
		}).Info("Recorded inbound event")
	}
	return out, nil
}

// resolve finds the delivery an event targets: identity chain first, in
// priority order, then the explicit contact and sequence.
func (r *Recorder) resolve(ctx context.Context, ev Event, candidates []string) (*models.DeliveryLog, uint, error) {
	if len(candidates) > 0 {
		logs, err := r.repo.FindSendLogsByMessageIDs(ctx, candidates)
		if err != nil {
			return nil, 0, fmt.Errorf("lookup send logs: %w", err)
		}
		for _, id := range candidates {
			var match *models.DeliveryLog
			for i := range logs {
				if logs[i].MessageID == id && (match == nil || logs[i].ID > match.ID) {
					match = &logs[i]
				}
			}
			if match == nil {
				continue
			}
			if match.StatusID != 0 {
				return match, match.StatusID, nil
			}
			status, err := r.repo.FindStatus(ctx, match.ContactID, match.SequenceID)
			if err == nil {
				return match, status.ID, nil
			}
			if !errors.Is(err, repository.ErrNotFound) {
				return nil, 0, err
			}
		}
	}

	if ev.ContactID != nil && ev.SequenceID != nil {
		status, err := r.repo.FindStatus(ctx, *ev.ContactID, *ev.SequenceID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, 0, nil
		}
		if err != nil {
			return nil, 0, err
		}
		return nil, status.ID, nil
	}
	return nil, 0, nil
}

// apply mutates status for the event and reports whether anything changed.
// Timestamps only move forward. A row still waiting on a step keeps its step
// and schedule: the scheduler applies the step's reply and bounce policy.
func apply(status *models.DeliveryStatus, eventType string, occurred, now time.Time) bool {
	waiting := status.Status == models.StatusPending && status.StepID != nil
	switch eventType {
	case TypeReply:
		if status.ReplyAt != nil && (waiting || status.Status == models.StatusReplied) {
			return false
		}
		status.ReplyAt = latest(status.ReplyAt, occurred)
		if !waiting {
			status.Status = models.StatusReplied
		}
	case TypeBounce:
		if status.BounceAt != nil && (waiting || status.Status == models.StatusBounced || status.Status == models.StatusReplied) {
			return false
		}
		status.BounceAt = latest(status.BounceAt, occurred)
		if !waiting && status.Status != models.StatusReplied {
			status.Status = models.StatusBounced
		}
	}
	status.LastUpdated = now
	if waiting {
		return true
	}
	status.StepID = nil
	status.ScheduledAt = nil
	status.ManualTriggeredAt = nil
	return true
}

func latest(existing *time.Time, t time.Time) *time.Time {
	if existing != nil && existing.After(t) {
		v := *existing
		return &v
	}
	return &t
}
