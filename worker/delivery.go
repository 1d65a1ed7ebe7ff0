package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"mailnexy/mailer"
	"mailnexy/metrics"
	"mailnexy/models"
	"mailnexy/pacing"
	"mailnexy/repository"
	"mailnexy/schedule"
	"mailnexy/utils"
)

const (
	DefaultBatchLimit = 25
	MaxAttempts       = 3
	RetryBackoff      = 15 * time.Minute

	// runLockTTL bounds how long a crashed run can block the next one.
	runLockTTL = 30 * time.Minute
)

// Detail outcomes.
const (
	OutcomeSent    = "sent"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
	OutcomeRetry   = "retry"
	OutcomeDelayed = "delayed"
)

// Skip and failure reasons.
const (
	ReasonStatusChanged  = "status_changed"
	ReasonDraft          = "draft"
	ReasonPaused         = "paused"
	ReasonDeleted        = "deleted"
	ReasonReplyDelay     = "reply_delay"
	ReasonPlanLimit      = "plan_limit"
	ReasonReplied        = "replied"
	ReasonBounced        = "bounced"
	ReasonStepMissing    = "step_missing"
	ReasonContactMissing = "contact_missing"
	ReasonSenderMissing  = "sender_missing"
	ReasonSenderInactive = "sender_inactive"
	ReasonStoreError     = "store_error"
)

// RunOptions controls one delivery run. Zero values pick the defaults.
type RunOptions struct {
	TeamID                 *uint
	Limit                  int
	Now                    time.Time
	MinSendIntervalMinutes *int
	Sleeper                pacing.Sleeper
}

// Detail is the audit entry for one candidate.
type Detail struct {
	StatusID       uint       `json:"status_id"`
	ContactID      uint       `json:"contact_id"`
	SequenceID     uint       `json:"sequence_id"`
	StepID         *uint      `json:"step_id,omitempty"`
	Outcome        string     `json:"outcome"`
	Reason         string     `json:"reason,omitempty"`
	Error          string     `json:"error,omitempty"`
	MessageID      string     `json:"message_id,omitempty"`
	RescheduledFor *time.Time `json:"rescheduled_for,omitempty"`
}

// Diagnostics explains an empty run.
type Diagnostics struct {
	PendingBySequenceStatus map[string]int `json:"pending_by_sequence_status"`
	NextScheduledAt         *time.Time     `json:"next_scheduled_at,omitempty"`
}

type RunResult struct {
	Scanned     int          `json:"scanned"`
	Sent        int          `json:"sent"`
	Failed      int          `json:"failed"`
	Retried     int          `json:"retried"`
	Skipped     int          `json:"skipped"`
	Delayed     int          `json:"delayed"`
	DurationMs  int64        `json:"duration_ms"`
	Details     []Detail     `json:"details"`
	Diagnostics *Diagnostics `json:"diagnostics"`
}

func (r *RunResult) add(d Detail) {
	r.Details = append(r.Details, d)
	switch d.Outcome {
	case OutcomeSent:
		r.Sent++
	case OutcomeFailed:
		r.Failed++
	case OutcomeRetry:
		r.Retried++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeDelayed:
		r.Delayed++
	}
}

// DeliveryWorker sends due sequence steps. One Run processes its candidates
// sequentially so the pacing gap holds across the whole run.
type DeliveryWorker struct {
	repo             repository.Repository
	transport        mailer.Transport
	locker           Locker
	clock            pacing.Clock
	sleeper          pacing.Sleeper
	minInterval      int
	trackingBaseURL  string
	fallbackTimezone string
	logger           *logrus.Entry
}

type DeliveryOption func(*DeliveryWorker)

func WithLocker(l Locker) DeliveryOption {
	return func(w *DeliveryWorker) { w.locker = l }
}

func WithClock(c pacing.Clock) DeliveryOption {
	return func(w *DeliveryWorker) { w.clock = c }
}

func WithSleeper(s pacing.Sleeper) DeliveryOption {
	return func(w *DeliveryWorker) { w.sleeper = s }
}

// WithMinSendInterval sets the global pacing floor in minutes.
func WithMinSendInterval(minutes int) DeliveryOption {
	return func(w *DeliveryWorker) { w.minInterval = minutes }
}

func WithTrackingBaseURL(url string) DeliveryOption {
	return func(w *DeliveryWorker) { w.trackingBaseURL = url }
}

func WithFallbackTimezone(tz string) DeliveryOption {
	return func(w *DeliveryWorker) { w.fallbackTimezone = tz }
}

func NewDeliveryWorker(repo repository.Repository, transport mailer.Transport, opts ...DeliveryOption) *DeliveryWorker {
	w := &DeliveryWorker{
		repo:      repo,
		transport: transport,
		clock:     pacing.SystemClock{},
		sleeper:   pacing.SystemSleeper{},
		logger:    utils.Component("delivery_worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// shiftedClock moves a clock so a run can be evaluated at a chosen instant
// while time still advances.
type shiftedClock struct {
	base   pacing.Clock
	offset time.Duration
}

func (c shiftedClock) Now() time.Time { return c.base.Now().Add(c.offset).UTC() }

// run is the state of one Run call.
type run struct {
	clock  pacing.Clock
	engine *pacing.Engine
}

// Run executes one scheduler pass.
func (w *DeliveryWorker) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	started := time.Now()
	defer func() {
		metrics.DeliveryRunDuration.Observe(time.Since(started).Seconds())
	}()

	if opts.Limit <= 0 {
		opts.Limit = DefaultBatchLimit
	}
	minInterval := w.minInterval
	if opts.MinSendIntervalMinutes != nil {
		minInterval = *opts.MinSendIntervalMinutes
	}
	sleeper := w.sleeper
	if opts.Sleeper != nil {
		sleeper = opts.Sleeper
	}
	clock := w.clock
	if !opts.Now.IsZero() {
		clock = shiftedClock{base: w.clock, offset: opts.Now.Sub(w.clock.Now())}
	}

	if w.locker != nil {
		release, err := w.locker.Acquire(ctx, runScope(opts.TeamID), runLockTTL)
		if err != nil {
			if errors.Is(err, ErrRunInProgress) {
				metrics.DeliveryRuns.WithLabelValues("locked").Inc()
			} else {
				metrics.DeliveryRuns.WithLabelValues("error").Inc()
			}
			return nil, err
		}
		defer func() {
			if err := release(context.Background()); err != nil {
				w.logger.WithError(err).Warn("Failed to release run lock")
			}
		}()
	}

	r := &run{clock: clock, engine: pacing.NewEngine(clock, sleeper, minInterval)}
	result := &RunResult{Details: []Detail{}}

	if err := w.syncReplies(ctx, opts.TeamID, r.clock.Now()); err != nil {
		utils.LogError("reply_sync_failed", err, nil)
	}

	now := r.clock.Now()
	candidates, err := w.repo.FetchDueStatuses(ctx, now, opts.TeamID, opts.Limit)
	if err != nil {
		metrics.DeliveryRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("fetch due deliveries: %w", err)
	}
	result.Scanned = len(candidates)

	if len(candidates) == 0 {
		result.Diagnostics = w.diagnose(ctx, opts.TeamID)
	}

	for i := range candidates {
		if err := ctx.Err(); err != nil {
			result.DurationMs = time.Since(started).Milliseconds()
			metrics.DeliveryRuns.WithLabelValues("error").Inc()
			return result, err
		}
		d := w.process(ctx, r, &candidates[i])
		metrics.DeliveryOutcomes.WithLabelValues(d.Outcome, d.Reason).Inc()
		result.add(d)
	}

	result.DurationMs = time.Since(started).Milliseconds()
	metrics.DeliveryRuns.WithLabelValues("ok").Inc()

	w.logger.WithFields(logrus.Fields{
		"scanned": result.Scanned,
		"sent":    result.Sent,
		"failed":  result.Failed,
		"retried": result.Retried,
		"skipped": result.Skipped,
		"delayed": result.Delayed,
		"ms":      result.DurationMs,
	}).Info("Delivery run finished")
	return result, nil
}

// syncReplies copies reply and bounce timestamps from logs written outside the
// recorder onto their status rows, so step policies see them this run.
func (w *DeliveryWorker) syncReplies(ctx context.Context, teamID *uint, now time.Time) error {
	logs, err := w.repo.UnsyncedReplyLogs(ctx, teamID, 500)
	if err != nil {
		return err
	}
	for _, l := range logs {
		entry := l
		err := w.repo.WithinTx(ctx, func(tx repository.Repository) error {
			status, err := tx.GetStatusForUpdate(ctx, entry.StatusID)
			if errors.Is(err, repository.ErrNotFound) {
				status, err = tx.FindStatus(ctx, entry.ContactID, entry.SequenceID)
			}
			if errors.Is(err, repository.ErrNotFound) {
				return tx.MarkLogSynced(ctx, entry.ID)
			}
			if err != nil {
				return err
			}

			at := entry.CreatedAt.UTC()
			switch entry.Type {
			case models.LogReply:
				if status.ReplyAt == nil || status.ReplyAt.Before(at) {
					status.ReplyAt = &at
				}
			case models.LogBounce:
				if status.BounceAt == nil || status.BounceAt.Before(at) {
					status.BounceAt = &at
				}
			}
			status.LastUpdated = now
			if err := tx.SaveStatus(ctx, status); err != nil {
				return err
			}
			return tx.MarkLogSynced(ctx, entry.ID)
		})
		if err != nil {
			return fmt.Errorf("sync log %d: %w", entry.ID, err)
		}
	}
	return nil
}

func (w *DeliveryWorker) diagnose(ctx context.Context, teamID *uint) *Diagnostics {
	d := &Diagnostics{PendingBySequenceStatus: map[string]int{}}
	counts, err := w.repo.PendingBySequenceStatus(ctx, teamID)
	if err != nil {
		w.logger.WithError(err).Warn("Failed to group pending deliveries")
	} else {
		d.PendingBySequenceStatus = counts
	}
	next, err := w.repo.NextPendingAt(ctx, teamID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		w.logger.WithError(err).Warn("Failed to find next pending delivery")
	}
	d.NextScheduledAt = next
	return d
}

// process handles one candidate. It never returns an error: every failure
// becomes a Detail.
func (w *DeliveryWorker) process(ctx context.Context, r *run, c *models.DeliveryStatus) Detail {
	log := w.logger.WithFields(logrus.Fields{
		"status_id":   c.ID,
		"contact_id":  c.ContactID,
		"sequence_id": c.SequenceID,
	})

	// Pacing happens before the row is locked so no lock is held while
	// sleeping.
	var gap *int
	if seq, err := w.repo.GetSequence(ctx, c.SequenceID); err == nil {
		gap = seq.MinGapMinutes
	}
	waited, err := r.engine.Wait(ctx, gap, c.IsManual())
	if err != nil {
		return Detail{
			StatusID: c.ID, ContactID: c.ContactID, SequenceID: c.SequenceID, StepID: c.StepID,
			Outcome: OutcomeSkipped, Reason: "cancelled", Error: err.Error(),
		}
	}
	if waited > 0 {
		metrics.PacingWaitSeconds.Observe(waited.Seconds())
		log.WithField("waited", waited.String()).Debug("Throttled before send")
	}

	var d Detail
	err = w.repo.WithinTx(ctx, func(tx repository.Repository) error {
		var err error
		d, err = w.deliver(ctx, tx, r, c, waited, gap)
		return err
	})
	if err != nil {
		log.WithError(err).Error("Delivery transaction failed")
		return Detail{
			StatusID: c.ID, ContactID: c.ContactID, SequenceID: c.SequenceID, StepID: c.StepID,
			Outcome: OutcomeFailed, Reason: ReasonStoreError, Error: err.Error(),
		}
	}

	log.WithFields(logrus.Fields{"outcome": d.Outcome, "reason": d.Reason}).Info("Processed delivery")
	return d
}

// deliver runs inside the candidate's transaction. A returned error rolls
// back every write made here.
func (w *DeliveryWorker) deliver(ctx context.Context, tx repository.Repository, r *run, c *models.DeliveryStatus, waited time.Duration, gap *int) (Detail, error) {
	now := r.clock.Now()
	d := Detail{StatusID: c.ID, ContactID: c.ContactID, SequenceID: c.SequenceID, StepID: c.StepID}

	status, err := tx.GetStatusForUpdate(ctx, c.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return d, err
	}
	if status == nil || changedSinceFetch(status, c, now) {
		d.Outcome, d.Reason = OutcomeSkipped, ReasonStatusChanged
		if status == nil {
			return d, nil
		}
		return d, tx.InsertLog(ctx, newLog(status, models.LogSkipped, now, func(l *models.DeliveryLog) {
			l.StepID = c.StepID
			l.SkipReason = ReasonStatusChanged
		}))
	}

	if waited > 0 {
		err := tx.InsertLog(ctx, newLog(status, models.LogThrottle, now, func(l *models.DeliveryLog) {
			l.Payload = map[string]any{
				"waited_ms":   waited.Milliseconds(),
				"interval_ms": r.engine.Interval(gap).Milliseconds(),
			}
		}))
		if err != nil {
			return d, err
		}
	}

	// skip records a policy skip; terminal rows leave the sequence.
	skip := func(reason, finalStatus string) (Detail, error) {
		d.Outcome, d.Reason = OutcomeSkipped, reason
		if finalStatus != "" {
			status.Status = finalStatus
			status.StepID = nil
			status.ScheduledAt = nil
			status.ManualTriggeredAt = nil
			status.LastUpdated = now
			if err := tx.SaveStatus(ctx, status); err != nil {
				return d, err
			}
		}
		return d, tx.InsertLog(ctx, newLog(status, models.LogSkipped, now, func(l *models.DeliveryLog) {
			l.StepID = c.StepID
			l.SkipReason = reason
		}))
	}

	seq, err := tx.GetSequence(ctx, status.SequenceID)
	if errors.Is(err, repository.ErrNotFound) {
		return skip(ReasonDeleted, "")
	}
	if err != nil {
		return d, err
	}
	switch {
	case seq.IsDeleted():
		return skip(ReasonDeleted, "")
	case seq.Status == models.SequenceDraft:
		return skip(ReasonDraft, "")
	case seq.Status != models.SequenceActive:
		return skip(ReasonPaused, "")
	}

	if status.StepID == nil {
		return skip(ReasonStepMissing, models.StatusSkipped)
	}
	step, err := tx.GetStep(ctx, *status.StepID)
	if errors.Is(err, repository.ErrNotFound) {
		return skip(ReasonStepMissing, models.StatusSkipped)
	}
	if err != nil {
		return d, err
	}

	if status.BounceAt != nil && step.SkipIfBounced {
		return skip(ReasonBounced, models.StatusBounced)
	}
	if status.ReplyAt != nil {
		if step.SkipIfReplied {
			return skip(ReasonReplied, models.StatusReplied)
		}
		if step.DelayIfRepliedHours != nil && *step.DelayIfRepliedHours > 0 {
			until := status.ReplyAt.Add(time.Duration(*step.DelayIfRepliedHours) * time.Hour)
			if !until.Before(now) {
				target := until
				if !target.After(now) {
					target = now.Add(time.Minute)
				}
				status.ScheduledAt = &target
				status.LastUpdated = now
				if err := tx.SaveStatus(ctx, status); err != nil {
					return d, err
				}
				d.Outcome, d.Reason, d.RescheduledFor = OutcomeDelayed, ReasonReplyDelay, &target
				return d, tx.InsertLog(ctx, newLog(status, models.LogSkipped, now, func(l *models.DeliveryLog) {
					l.SkipReason = ReasonReplyDelay
					l.Payload = map[string]any{"rescheduled_for": target.Format(time.RFC3339)}
				}))
			}
		}
	}

	contact, err := tx.GetContact(ctx, status.ContactID)
	if errors.Is(err, repository.ErrNotFound) {
		return skip(ReasonContactMissing, models.StatusSkipped)
	}
	if err != nil {
		return d, err
	}

	sender, err := tx.GetSender(ctx, seq.SenderID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return d, err
	}
	if sender == nil {
		return w.failConfig(ctx, tx, status, c, now, ReasonSenderMissing)
	}
	if !sender.CanSend() {
		return w.failConfig(ctx, tx, status, c, now, ReasonSenderInactive)
	}

	if err := tx.AssertCanSendEmails(ctx, status.TeamID, 1, now); err != nil {
		if errors.Is(err, repository.ErrPlanLimitExceeded) {
			return skip(ReasonPlanLimit, "")
		}
		return d, err
	}

	fields, err := tx.CustomFields(ctx, contact.ID)
	if err != nil {
		return d, err
	}
	msg := mailer.Compose(step, contact, fields)
	msg.MessageID = mailer.NewMessageID(sender.Domain())
	if w.trackingBaseURL != "" && msg.HTML != "" {
		msg.HTML = mailer.InjectTracking(msg.HTML, w.trackingBaseURL, msg.MessageID)
	}

	out := w.transport.Dispatch(ctx, sender, msg)
	if out.Kind != mailer.OK {
		return w.handleFailure(ctx, tx, status, c, r.clock.Now(), out)
	}

	sentAt := r.clock.Now()
	attempt := status.Attempts + 1
	messageID := mailer.NormalizeMessageID(out.MessageID)
	if messageID == "" {
		messageID = mailer.FallbackMessageID(status.ID, step.ID, attempt, sender.Domain())
	}

	if err := tx.TrackEmailsSent(ctx, status.TeamID, 1, sentAt); err != nil {
		// The mail is already out; losing a usage tick beats resending.
		utils.LogError("track_usage_failed", err, map[string]interface{}{"team_id": status.TeamID})
	}

	logType := models.LogSend
	manual := status.IsManual()
	if manual {
		logType = models.LogManualSend
		status.ManualSentAt = &sentAt
		status.ManualTriggeredAt = nil
	}
	status.SentAt = &sentAt
	status.Attempts = 0
	status.LastUpdated = sentAt

	err = tx.InsertLog(ctx, newLog(status, logType, sentAt, func(l *models.DeliveryLog) {
		l.StepID = &step.ID
		l.Status = models.StatusSent
		l.Attempts = attempt
		l.MessageID = messageID
		l.Payload = map[string]any{"subject": msg.Subject, "to": msg.To}
	}))
	if err != nil {
		return d, err
	}

	d.Outcome, d.MessageID = OutcomeSent, messageID
	next, err := tx.NextStep(ctx, seq.ID, step.Order)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		status.Status = models.StatusSent
		status.StepID = nil
		status.ScheduledAt = nil
	case err != nil:
		return d, err
	default:
		opts := status.ScheduleSnapshot
		if opts == nil {
			opts = seq.Schedule
		}
		calc := schedule.Compute(schedule.Input{
			Now:              sentAt,
			DelayValue:       next.DelayValue,
			DelayUnit:        next.DelayUnit,
			ContactTimezone:  contact.Timezone,
			FallbackTimezone: w.fallbackTimezone,
			Options:          opts,
		})
		nextAt, reason := pacing.NextAfterSend(sentAt, calc.Desired, calc.At, r.engine.Interval(seq.MinGapMinutes))

		status.Status = models.StatusPending
		status.StepID = &next.ID
		status.ScheduledAt = &nextAt
		d.RescheduledFor = &nextAt

		if reason != "" {
			err := tx.InsertLog(ctx, newLog(status, models.LogDelayed, sentAt, func(l *models.DeliveryLog) {
				l.SkipReason = reason
				l.Payload = map[string]any{
					"naive":         calc.Desired.Format(time.RFC3339),
					"scheduled_for": nextAt.Format(time.RFC3339),
					"timezone":      calc.Timezone,
				}
			}))
			if err != nil {
				return d, err
			}
		}
	}

	if err := tx.SaveStatus(ctx, status); err != nil {
		return d, err
	}
	r.engine.MarkSent(sentAt)
	return d, nil
}

// failConfig fails a delivery whose sender cannot be used. Configuration
// problems are not transient, so attempts are left alone.
func (w *DeliveryWorker) failConfig(ctx context.Context, tx repository.Repository, status *models.DeliveryStatus, c *models.DeliveryStatus, now time.Time, reason string) (Detail, error) {
	status.Status = models.StatusFailed
	status.StepID = nil
	status.ScheduledAt = nil
	status.ManualTriggeredAt = nil
	status.LastUpdated = now
	if err := tx.SaveStatus(ctx, status); err != nil {
		return Detail{}, err
	}
	d := Detail{
		StatusID: status.ID, ContactID: status.ContactID, SequenceID: status.SequenceID, StepID: c.StepID,
		Outcome: OutcomeFailed, Reason: reason,
	}
	return d, tx.InsertLog(ctx, newLog(status, models.LogFailed, now, func(l *models.DeliveryLog) {
		l.StepID = c.StepID
		l.SkipReason = reason
		l.ErrorMessage = reason
	}))
}

// handleFailure applies the retry policy to a failed dispatch.
func (w *DeliveryWorker) handleFailure(ctx context.Context, tx repository.Repository, status *models.DeliveryStatus, c *models.DeliveryStatus, now time.Time, out mailer.SendOutcome) (Detail, error) {
	attempt := status.Attempts + 1
	d := Detail{
		StatusID: status.ID, ContactID: status.ContactID, SequenceID: status.SequenceID, StepID: c.StepID,
		Reason: out.Reason, Error: out.Error(),
	}

	status.Attempts = attempt
	status.LastUpdated = now

	if out.Kind == mailer.Retryable && !status.IsManual() && attempt < MaxAttempts {
		retryAt := now.Add(RetryBackoff)
		status.ScheduledAt = &retryAt
		if err := tx.SaveStatus(ctx, status); err != nil {
			return d, err
		}
		d.Outcome, d.RescheduledFor = OutcomeRetry, &retryAt
		return d, tx.InsertLog(ctx, newLog(status, models.LogRetrying, now, func(l *models.DeliveryLog) {
			l.ErrorMessage = out.Error()
			l.SkipReason = out.Reason
			l.Payload = map[string]any{"retry_at": retryAt.Format(time.RFC3339)}
		}))
	}

	status.Status = models.StatusFailed
	status.StepID = nil
	status.ScheduledAt = nil
	status.ManualTriggeredAt = nil
	if err := tx.SaveStatus(ctx, status); err != nil {
		return d, err
	}
	d.Outcome = OutcomeFailed
	return d, tx.InsertLog(ctx, newLog(status, models.LogFailed, now, func(l *models.DeliveryLog) {
		l.StepID = c.StepID
		l.ErrorMessage = out.Error()
		l.SkipReason = out.Reason
	}))
}

func newLog(status *models.DeliveryStatus, logType string, at time.Time, fill func(*models.DeliveryLog)) *models.DeliveryLog {
	l := &models.DeliveryLog{
		CreatedAt:  at,
		TeamID:     status.TeamID,
		ContactID:  status.ContactID,
		SequenceID: status.SequenceID,
		StepID:     status.StepID,
		StatusID:   status.ID,
		Status:     status.Status,
		Type:       logType,
		Attempts:   status.Attempts,
		Synced:     true,
	}
	if fill != nil {
		fill(l)
	}
	return l
}

// changedSinceFetch reports whether another writer moved the row after it was
// fetched: it left pending, moved to another step, was retried or is no longer
// due.
func changedSinceFetch(status, fetched *models.DeliveryStatus, now time.Time) bool {
	return status.Status != models.StatusPending ||
		!sameStep(status.StepID, fetched.StepID) ||
		status.Attempts != fetched.Attempts ||
		status.ScheduledAt == nil ||
		status.ScheduledAt.After(now)
}

func sameStep(a, b *uint) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
