package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"mailnexy/events"
	"mailnexy/inbound"
	"mailnexy/mailer"
	"mailnexy/metrics"
	"mailnexy/models"
	"mailnexy/pacing"
	"mailnexy/repository"
	"mailnexy/utils"
)

// Message classifications. Every fetched message gets exactly one.
const (
	ReplyMatched             = "matched"
	ReplyMissingFromAddress  = "missing-from-address"
	ReplyUnknownContact      = "unknown-contact"
	ReplyAmbiguousSequence   = "ambiguous-sequence"
	ReplySequenceDeleted     = "sequence-deleted"
	ReplySequenceInactive    = "sequence-inactive"
	ReplyContactTeamMismatch = "contact-team-mismatch"
	ReplyNotEnrolled         = "not-enrolled"
	ReplyDuplicateMessageID  = "duplicate-message-id"
	ReplyRecordError         = "record-reply-error"
)

// ReplyConfig holds the defaults of a ReplyWorker.
type ReplyConfig struct {
	MessageLimit int
	Parallelism  int
	// AddressFallback matches on the From address when a message carries no
	// identity headers at all. Off unless set.
	AddressFallback bool
	Clock           pacing.Clock
}

// ReplyRunOptions overrides the worker defaults for one run.
type ReplyRunOptions struct {
	MessageLimit      int
	Repository        repository.Repository
	MailClientFactory inbound.Factory
	AddressFallback   *bool
	Parallelism       int
}

type SenderMetrics struct {
	SenderID uint           `json:"sender_id"`
	Fetched  int            `json:"fetched"`
	Matched  int            `json:"matched"`
	Ignored  int            `json:"ignored"`
	Errors   int            `json:"errors"`
	Reasons  map[string]int `json:"reasons"`
}

type ReplyTotals struct {
	Senders int `json:"senders"`
	Fetched int `json:"fetched"`
	Matched int `json:"matched"`
	Ignored int `json:"ignored"`
	Errors  int `json:"errors"`
}

type ReplyRunResult struct {
	Metrics []SenderMetrics `json:"metrics"`
	Totals  ReplyTotals     `json:"totals"`
}

// ReplyWorker polls sender mailboxes and records replies and bounces.
// Senders are polled in parallel; messages of one sender are handled in order.
type ReplyWorker struct {
	repo    repository.Repository
	factory inbound.Factory
	cfg     ReplyConfig
	logger  *logrus.Entry
}

func NewReplyWorker(repo repository.Repository, factory inbound.Factory, cfg ReplyConfig) *ReplyWorker {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = pacing.SystemClock{}
	}
	return &ReplyWorker{
		repo:    repo,
		factory: factory,
		cfg:     cfg,
		logger:  utils.Component("reply_worker"),
	}
}

// replyRun is the resolved configuration of one Run.
type replyRun struct {
	repo     repository.Repository
	factory  inbound.Factory
	recorder *events.Recorder
	limit    int
	fallback bool
}

func (w *ReplyWorker) Run(ctx context.Context, opts ReplyRunOptions) (*ReplyRunResult, error) {
	rr := replyRun{
		repo:     w.repo,
		factory:  w.factory,
		limit:    w.cfg.MessageLimit,
		fallback: w.cfg.AddressFallback,
	}
	if opts.Repository != nil {
		rr.repo = opts.Repository
	}
	if opts.MailClientFactory != nil {
		rr.factory = opts.MailClientFactory
	}
	if opts.MessageLimit > 0 {
		rr.limit = opts.MessageLimit
	}
	if opts.AddressFallback != nil {
		rr.fallback = *opts.AddressFallback
	}
	parallelism := w.cfg.Parallelism
	if opts.Parallelism > 0 {
		parallelism = opts.Parallelism
	}
	if rr.factory == nil {
		return nil, errors.New("reply worker: no mail client factory")
	}
	rr.recorder = events.NewRecorder(rr.repo, w.cfg.Clock)

	senders, err := rr.repo.ListInboundSenders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list inbound senders: %w", err)
	}

	var eligible []models.Sender
	for _, s := range senders {
		if s.CanSend() && s.HasInbound() {
			eligible = append(eligible, s)
		}
	}

	results := make([]SenderMetrics, len(eligible))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i := range eligible {
		i := i
		g.Go(func() error {
			results[i] = w.pollSender(gctx, rr, &eligible[i])
			return nil
		})
	}
	_ = g.Wait()

	res := &ReplyRunResult{Metrics: results}
	for _, m := range results {
		res.Totals.Senders++
		res.Totals.Fetched += m.Fetched
		res.Totals.Matched += m.Matched
		res.Totals.Ignored += m.Ignored
		res.Totals.Errors += m.Errors
	}

	w.logger.WithFields(logrus.Fields{
		"senders": res.Totals.Senders,
		"fetched": res.Totals.Fetched,
		"matched": res.Totals.Matched,
		"ignored": res.Totals.Ignored,
		"errors":  res.Totals.Errors,
	}).Info("Reply poll finished")
	return res, ctx.Err()
}

func (w *ReplyWorker) pollSender(ctx context.Context, rr replyRun, sender *models.Sender) SenderMetrics {
	m := SenderMetrics{SenderID: sender.ID, Reasons: map[string]int{}}
	protocol := strings.ToLower(sender.InboundProtocol)
	log := w.logger.WithFields(logrus.Fields{"sender_id": sender.ID, "protocol": protocol})

	sessionError := func(step string, err error) {
		m.Errors++
		metrics.InboundSessionErrors.WithLabelValues(protocol).Inc()
		utils.LogError("inbound_"+step+"_failed", err, map[string]interface{}{
			"sender_id": sender.ID,
			"protocol":  protocol,
		})
	}

	client, err := rr.factory(sender)
	if err != nil {
		sessionError("client", err)
		return m
	}
	if err := client.Connect(ctx); err != nil {
		sessionError("connect", err)
		return m
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.WithError(err).Debug("Failed to close mailbox session")
		}
	}()

	msgs, err := client.FetchMessages(ctx, rr.limit)
	if err != nil {
		sessionError("fetch", err)
	}
	m.Fetched = len(msgs)

	for i := range msgs {
		msg := &msgs[i]
		reason := w.classify(ctx, rr, sender, msg)
		m.Reasons[reason]++
		metrics.InboundMessages.WithLabelValues(protocol, reason).Inc()

		switch reason {
		case ReplyMatched:
			m.Matched++
		case ReplyRecordError:
			m.Errors++
			// left unseen so the next poll retries it
			continue
		default:
			m.Ignored++
		}

		if msg.UID == "" {
			continue
		}
		if err := client.MarkAsProcessed(ctx, msg.UID); err != nil {
			log.WithError(err).WithField("uid", msg.UID).Warn("Failed to mark message processed")
		}
	}
	return m
}

// classify matches one inbound message and records it when it resolves to
// exactly one active delivery.
func (w *ReplyWorker) classify(ctx context.Context, rr replyRun, sender *models.Sender, msg *inbound.Message) string {
	log := w.logger.WithFields(logrus.Fields{"sender_id": sender.ID, "uid": msg.UID})

	if inboundID := mailer.NormalizeMessageID(msg.MessageID); inboundID != "" {
		_, err := rr.repo.FindLogByInboundID(ctx, inboundID)
		if err == nil {
			return ReplyDuplicateMessageID
		}
		if !errors.Is(err, repository.ErrNotFound) {
			log.WithError(err).Error("Inbound id lookup failed")
			return ReplyRecordError
		}
	}

	candidates, hadIdentity := inbound.ExtractCandidates(msg)

	var (
		contactID  uint
		sequenceID *uint
	)
	if len(candidates) > 0 {
		logs, err := rr.repo.FindSendLogsByMessageIDs(ctx, candidates)
		if err != nil {
			log.WithError(err).Error("Send log lookup failed")
			return ReplyRecordError
		}
		if len(logs) > 0 {
			seqs := map[uint]bool{}
			for _, l := range logs {
				seqs[l.SequenceID] = true
			}
			if len(seqs) > 1 {
				return ReplyAmbiguousSequence
			}
			matched := logs[0]
			if reason := checkSequence(ctx, rr.repo, matched.SequenceID); reason != "" {
				return reason
			}
			contact, err := rr.repo.GetContact(ctx, matched.ContactID)
			if errors.Is(err, repository.ErrNotFound) {
				return ReplyUnknownContact
			}
			if err != nil {
				return ReplyRecordError
			}
			if contact.TeamID != sender.TeamID {
				return ReplyContactTeamMismatch
			}
			contactID = contact.ID
			seqID := matched.SequenceID
			sequenceID = &seqID
		}
	}

	if contactID == 0 {
		if hadIdentity || !rr.fallback {
			return ReplyUnknownContact
		}
		addr := msg.FromAddress
		if msg.IsBounce {
			addr = msg.BouncedRecipient
		}
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" || checkmail.ValidateFormat(addr) != nil {
			return ReplyMissingFromAddress
		}
		contact, err := rr.repo.FindContactByEmail(ctx, sender.TeamID, addr)
		if errors.Is(err, repository.ErrNotFound) {
			return ReplyUnknownContact
		}
		if err != nil {
			return ReplyRecordError
		}
		contactID = contact.ID
	}

	statuses, err := rr.repo.ActiveStatusesForContact(ctx, contactID, sequenceID)
	if err != nil {
		log.WithError(err).Error("Status lookup failed")
		return ReplyRecordError
	}
	switch len(statuses) {
	case 0:
		return ReplyNotEnrolled
	case 1:
	default:
		return ReplyAmbiguousSequence
	}
	status := statuses[0]
	if sequenceID == nil {
		if reason := checkSequence(ctx, rr.repo, status.SequenceID); reason != "" {
			return reason
		}
	}

	ev := events.Event{
		Type:       events.TypeReply,
		InReplyTo:  msg.InReplyTo,
		References: msg.References,
		InboundID:  msg.MessageID,
		ContactID:  &status.ContactID,
		SequenceID: &status.SequenceID,
		Subject:    msg.Subject,
		Snippet:    msg.Snippet,
		Payload: map[string]any{
			"from":      msg.FromAddress,
			"uid":       msg.UID,
			"sender_id": sender.ID,
		},
	}
	if msg.IsBounce {
		ev.Type = events.TypeBounce
		ev.MessageID = msg.OriginalMessageID
		ev.Payload["bounced_recipient"] = msg.BouncedRecipient
	}
	if !msg.ReceivedAt.IsZero() {
		at := msg.ReceivedAt
		ev.OccurredAt = &at
	}

	out, err := rr.recorder.Record(ctx, ev)
	if err != nil {
		return ReplyRecordError
	}
	switch {
	case out.Status == events.StatusProcessed:
		log.WithFields(logrus.Fields{"status_id": out.StatusID, "type": ev.Type}).Info("Matched inbound message")
		return ReplyMatched
	case out.Reason == events.ReasonDuplicateMessageID, out.Reason == events.ReasonAlreadyRecorded:
		return ReplyDuplicateMessageID
	case out.Reason == events.ReasonNoMatch:
		return ReplyNotEnrolled
	default:
		return ReplyRecordError
	}
}

// checkSequence returns a classification when replies to the sequence must
// be ignored.
func checkSequence(ctx context.Context, repo repository.Repository, sequenceID uint) string {
	seq, err := repo.GetSequence(ctx, sequenceID)
	if errors.Is(err, repository.ErrNotFound) {
		return ReplySequenceDeleted
	}
	if err != nil {
		return ReplyRecordError
	}
	if seq.IsDeleted() {
		return ReplySequenceDeleted
	}
	if seq.Status != models.SequenceActive {
		return ReplySequenceInactive
	}
	return ""
}
