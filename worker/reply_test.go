package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"mailnexy/inbound"
	"mailnexy/models"
	"mailnexy/pacing"
	"mailnexy/repository"
)

type fakeClient struct {
	mu         sync.Mutex
	msgs       []inbound.Message
	connectErr error
	marked     []string
	closed     bool
}

func (c *fakeClient) Connect(ctx context.Context) error { return c.connectErr }

func (c *fakeClient) FetchMessages(ctx context.Context, limit int) ([]inbound.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]inbound.Message(nil), c.msgs...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *fakeClient) MarkAsProcessed(ctx context.Context, uid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marked = append(c.marked, uid)
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) Marked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.marked...)
}

type replyEnv struct {
	repo    *repository.MemoryRepository
	clock   *pacing.FakeClock
	team    models.Team
	sender  models.Sender
	seq     models.Sequence
	contact models.Contact
	status  models.DeliveryStatus
	clients map[uint]*fakeClient
	worker  *ReplyWorker
}

func newReplyEnv(t *testing.T) *replyEnv {
	t.Helper()
	repo := repository.NewMemoryRepository()
	clock := pacing.NewFakeClock(t0.Add(time.Hour))

	team := repo.AddTeam(models.Team{Name: "acme"})
	sender := repo.AddSender(inboxSender(team.ID, models.SenderActive))
	seq := repo.AddSequence(models.Sequence{TeamID: team.ID, SenderID: sender.ID, Status: models.SequenceActive})
	step := repo.AddStep(models.SequenceStep{SequenceID: seq.ID, Order: 2, Subject: "Follow up"})
	contact := repo.AddContact(models.Contact{TeamID: team.ID, Email: "jane@example.com"})
	at := t0.Add(2 * time.Hour)
	stepID := step.ID
	status := repo.AddStatus(models.DeliveryStatus{
		TeamID: team.ID, ContactID: contact.ID, SequenceID: seq.ID,
		StepID: &stepID, Status: models.StatusPending, Attempts: 0, ScheduledAt: &at,
	})
	sendLog := &models.DeliveryLog{
		TeamID: team.ID, ContactID: contact.ID, SequenceID: seq.ID, StatusID: status.ID,
		Type: models.LogSend, Status: models.StatusSent, MessageID: "<sent-1@acme.io>",
	}
	require.NoError(t, repo.InsertLog(context.Background(), sendLog))

	e := &replyEnv{
		repo: repo, clock: clock, team: team, sender: sender, seq: seq,
		contact: contact, status: status, clients: map[uint]*fakeClient{},
	}
	e.worker = NewReplyWorker(repo, e.factory, ReplyConfig{Clock: clock, Parallelism: 2})
	return e
}

func inboxSender(teamID uint, status string) models.Sender {
	return models.Sender{
		TeamID:          teamID,
		Name:            "ops",
		FromEmail:       "ops@acme.io",
		Status:          status,
		InboundProtocol: models.ProtocolIMAP,
		InboundHost:     "imap.acme.io",
		InboundPort:     993,
		InboundUsername: "ops@acme.io",
		InboundPassword: "encrypted",
	}
}

func (e *replyEnv) factory(s *models.Sender) (inbound.Client, error) {
	c, ok := e.clients[s.ID]
	if !ok {
		return nil, errors.New("no client")
	}
	return c, nil
}

func (e *replyEnv) inbox(msgs ...inbound.Message) *fakeClient {
	c := &fakeClient{msgs: msgs}
	e.clients[e.sender.ID] = c
	return c
}

func (e *replyEnv) run(t *testing.T, opts ReplyRunOptions) *ReplyRunResult {
	t.Helper()
	res, err := e.worker.Run(context.Background(), opts)
	require.NoError(t, err)
	return res
}

func (e *replyEnv) currentStatus(t *testing.T) *models.DeliveryStatus {
	t.Helper()
	s, err := e.repo.GetStatus(context.Background(), e.status.ID)
	require.NoError(t, err)
	return s
}

func reply(uid, inReplyTo string) inbound.Message {
	return inbound.Message{
		UID:         uid,
		MessageID:   "<reply-" + uid + "@example.com>",
		InReplyTo:   inReplyTo,
		FromAddress: "jane@example.com",
		Subject:     "Re: Follow up",
		Snippet:     "Sounds good",
		ReceivedAt:  t0.Add(30 * time.Minute),
	}
}

func reasonsOf(res *ReplyRunResult) map[string]int {
	out := map[string]int{}
	for _, m := range res.Metrics {
		for k, v := range m.Reasons {
			out[k] += v
		}
	}
	return out
}

func TestReplyMatchedByInReplyTo(t *testing.T) {
	e := newReplyEnv(t)
	client := e.inbox(reply("1", "<sent-1@acme.io>"))

	res := e.run(t, ReplyRunOptions{})

	require.Len(t, res.Metrics, 1)
	m := res.Metrics[0]
	assert.Equal(t, e.sender.ID, m.SenderID)
	assert.Equal(t, 1, m.Fetched)
	assert.Equal(t, 1, m.Matched)
	assert.Equal(t, map[string]int{ReplyMatched: 1}, m.Reasons)
	assert.Equal(t, 1, res.Totals.Matched)

	got := e.currentStatus(t)
	assert.Equal(t, models.StatusPending, got.Status)
	require.NotNil(t, got.ReplyAt)
	assert.True(t, got.ReplyAt.Equal(t0.Add(30*time.Minute)))
	assert.Equal(t, e.status.ScheduledAt, got.ScheduledAt)

	replies := e.repo.LogsOfType(models.LogReply)
	require.Len(t, replies, 1)
	assert.Equal(t, "<reply-1@example.com>", replies[0].InboundID)
	assert.Equal(t, models.StatusReplied, e.repo.LogsOfType(models.LogSend)[0].Status)

	assert.Equal(t, []string{"1"}, client.Marked())
	assert.True(t, client.closed)
}

func TestReplyToPausedSequenceIgnored(t *testing.T) {
	e := newReplyEnv(t)
	e.seq.Status = models.SequencePaused
	e.repo.UpdateSequence(e.seq)
	client := e.inbox(reply("1", "<sent-1@acme.io>"))

	res := e.run(t, ReplyRunOptions{})

	assert.Equal(t, map[string]int{ReplySequenceInactive: 1}, reasonsOf(res))
	assert.Equal(t, 1, res.Totals.Ignored)
	assert.Equal(t, models.StatusPending, e.currentStatus(t).Status)
	assert.Empty(t, e.repo.LogsOfType(models.LogReply))
	assert.Equal(t, []string{"1"}, client.Marked())
}

func TestReplyToDeletedSequenceIgnored(t *testing.T) {
	e := newReplyEnv(t)
	e.seq.DeletedAt = gorm.DeletedAt{Time: t0, Valid: true}
	e.repo.UpdateSequence(e.seq)
	e.inbox(reply("1", "<sent-1@acme.io>"))

	res := e.run(t, ReplyRunOptions{})
	assert.Equal(t, map[string]int{ReplySequenceDeleted: 1}, reasonsOf(res))
}

func TestReplySpanningSequencesIsAmbiguous(t *testing.T) {
	e := newReplyEnv(t)
	other := e.repo.AddSequence(models.Sequence{TeamID: e.team.ID, SenderID: e.sender.ID, Status: models.SequenceActive})
	require.NoError(t, e.repo.InsertLog(context.Background(), &models.DeliveryLog{
		TeamID: e.team.ID, ContactID: e.contact.ID, SequenceID: other.ID,
		Type: models.LogSend, MessageID: "<sent-2@acme.io>",
	}))
	msg := reply("1", "")
	msg.References = []string{"<sent-1@acme.io>", "<sent-2@acme.io>"}
	e.inbox(msg)

	res := e.run(t, ReplyRunOptions{})
	assert.Equal(t, map[string]int{ReplyAmbiguousSequence: 1}, reasonsOf(res))
	assert.Equal(t, models.StatusPending, e.currentStatus(t).Status)
}

func TestReplyAddressFallbackIsOptIn(t *testing.T) {
	e := newReplyEnv(t)
	e.inbox(reply("1", ""))

	res := e.run(t, ReplyRunOptions{})
	assert.Equal(t, map[string]int{ReplyUnknownContact: 1}, reasonsOf(res))
	assert.Equal(t, models.StatusPending, e.currentStatus(t).Status)

	enabled := true
	res = e.run(t, ReplyRunOptions{AddressFallback: &enabled})
	assert.Equal(t, map[string]int{ReplyMatched: 1}, reasonsOf(res))
	assert.NotNil(t, e.currentStatus(t).ReplyAt)
}

func TestReplyAddressFallbackNeverUsedWithIdentityHeaders(t *testing.T) {
	e := newReplyEnv(t)
	e.inbox(reply("1", "<someone-else@elsewhere.io>"))

	enabled := true
	res := e.run(t, ReplyRunOptions{AddressFallback: &enabled})
	assert.Equal(t, map[string]int{ReplyUnknownContact: 1}, reasonsOf(res))
	assert.Equal(t, models.StatusPending, e.currentStatus(t).Status)
}

func TestReplyFallbackRequiresValidFrom(t *testing.T) {
	e := newReplyEnv(t)
	msg := reply("1", "")
	msg.FromAddress = "not an address"
	e.inbox(msg)

	enabled := true
	res := e.run(t, ReplyRunOptions{AddressFallback: &enabled})
	assert.Equal(t, map[string]int{ReplyMissingFromAddress: 1}, reasonsOf(res))
}

func TestReplyDuplicateInboundMessage(t *testing.T) {
	e := newReplyEnv(t)
	e.inbox(reply("1", "<sent-1@acme.io>"))

	e.run(t, ReplyRunOptions{})
	res := e.run(t, ReplyRunOptions{})

	assert.Equal(t, map[string]int{ReplyDuplicateMessageID: 1}, reasonsOf(res))
	assert.Len(t, e.repo.LogsOfType(models.LogReply), 1)
}

func TestReplyNotEnrolledWhenAlreadyReplied(t *testing.T) {
	e := newReplyEnv(t)
	s := e.currentStatus(t)
	s.Status = models.StatusReplied
	replied := t0
	s.ReplyAt = &replied
	require.NoError(t, e.repo.SaveStatus(context.Background(), s))
	e.inbox(reply("2", "<sent-1@acme.io>"))

	res := e.run(t, ReplyRunOptions{})
	assert.Equal(t, map[string]int{ReplyNotEnrolled: 1}, reasonsOf(res))
}

func TestReplyNotEnrolledWhenPendingRowHasReply(t *testing.T) {
	e := newReplyEnv(t)
	e.inbox(reply("1", "<sent-1@acme.io>"))
	e.run(t, ReplyRunOptions{})

	e.inbox(reply("2", "<sent-1@acme.io>"))
	res := e.run(t, ReplyRunOptions{})
	assert.Equal(t, map[string]int{ReplyNotEnrolled: 1}, reasonsOf(res))
	assert.Len(t, e.repo.LogsOfType(models.LogReply), 1)
	assert.Equal(t, models.StatusPending, e.currentStatus(t).Status)
}

func TestReplyContactFromAnotherTeam(t *testing.T) {
	e := newReplyEnv(t)
	otherTeam := e.repo.AddTeam(models.Team{Name: "globex"})
	stranger := e.repo.AddContact(models.Contact{TeamID: otherTeam.ID, Email: "x@globex.io"})
	require.NoError(t, e.repo.InsertLog(context.Background(), &models.DeliveryLog{
		TeamID: otherTeam.ID, ContactID: stranger.ID, SequenceID: e.seq.ID,
		Type: models.LogSend, MessageID: "<sent-x@acme.io>",
	}))
	e.inbox(reply("1", "<sent-x@acme.io>"))

	res := e.run(t, ReplyRunOptions{})
	assert.Equal(t, map[string]int{ReplyContactTeamMismatch: 1}, reasonsOf(res))
}

func TestReplyBounceRecordedFromDSN(t *testing.T) {
	e := newReplyEnv(t)
	e.inbox(inbound.Message{
		UID:               "9",
		MessageID:         "<dsn-1@mx.example.com>",
		FromAddress:       "mailer-daemon@mx.example.com",
		Subject:           "Undelivered Mail Returned to Sender",
		ReceivedAt:        t0.Add(45 * time.Minute),
		IsBounce:          true,
		OriginalMessageID: "<sent-1@acme.io>",
		BouncedRecipient:  "jane@example.com",
	})

	res := e.run(t, ReplyRunOptions{})

	assert.Equal(t, map[string]int{ReplyMatched: 1}, reasonsOf(res))
	got := e.currentStatus(t)
	assert.Equal(t, models.StatusPending, got.Status)
	require.NotNil(t, got.BounceAt)
	assert.Equal(t, models.StatusBounced, e.repo.LogsOfType(models.LogSend)[0].Status)
	assert.Len(t, e.repo.LogsOfType(models.LogBounce), 1)
	assert.Empty(t, e.repo.LogsOfType(models.LogReply))
}

func TestReplyRecordErrorLeavesMessageUnseen(t *testing.T) {
	e := newReplyEnv(t)
	client := e.inbox(reply("1", "<sent-1@acme.io>"))
	e.repo.Fail("InsertLog", errors.New("disk full"))

	res := e.run(t, ReplyRunOptions{})

	assert.Equal(t, map[string]int{ReplyRecordError: 1}, reasonsOf(res))
	assert.Equal(t, 1, res.Totals.Errors)
	assert.Empty(t, client.Marked())
	assert.Equal(t, models.StatusPending, e.currentStatus(t).Status)
}

func TestReplyConnectFailureCountsAsError(t *testing.T) {
	e := newReplyEnv(t)
	c := e.inbox()
	c.connectErr = errors.New("dial tcp: connection refused")

	res := e.run(t, ReplyRunOptions{})
	require.Len(t, res.Metrics, 1)
	assert.Equal(t, 1, res.Metrics[0].Errors)
	assert.Equal(t, 0, res.Metrics[0].Fetched)
	assert.False(t, c.closed)
}

func TestReplyPollsOnlyEligibleSenders(t *testing.T) {
	e := newReplyEnv(t)
	e.inbox(reply("1", "<sent-1@acme.io>"))
	disabled := e.repo.AddSender(inboxSender(e.team.ID, models.SenderDisabled))
	e.clients[disabled.ID] = &fakeClient{msgs: []inbound.Message{reply("7", "<sent-1@acme.io>")}}
	noInbound := inboxSender(e.team.ID, models.SenderVerified)
	noInbound.InboundPassword = ""
	e.repo.AddSender(noInbound)

	res := e.run(t, ReplyRunOptions{})

	assert.Equal(t, 1, res.Totals.Senders)
	assert.Equal(t, e.sender.ID, res.Metrics[0].SenderID)
	assert.Empty(t, e.clients[disabled.ID].Marked())
}

func TestReplyMessageLimit(t *testing.T) {
	e := newReplyEnv(t)
	e.inbox(reply("1", "<unknown-1@x.io>"), reply("2", "<unknown-2@x.io>"), reply("3", "<unknown-3@x.io>"))

	res := e.run(t, ReplyRunOptions{MessageLimit: 2})
	assert.Equal(t, 2, res.Totals.Fetched)
}

func TestReplyRepositoryOverride(t *testing.T) {
	e := newReplyEnv(t)
	e.inbox(reply("1", "<sent-1@acme.io>"))

	empty := repository.NewMemoryRepository()
	res := e.run(t, ReplyRunOptions{Repository: empty})
	assert.Equal(t, 0, res.Totals.Senders)
	assert.Equal(t, models.StatusPending, e.currentStatus(t).Status)
}
