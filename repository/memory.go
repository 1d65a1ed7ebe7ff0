package repository

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"mailnexy/models"
)

// MemoryRepository is an in-process Repository used by tests and dry runs.
// WithinTx serializes transactions and restores a snapshot when fn fails.
type MemoryRepository struct {
	txMu sync.Mutex
	mu   sync.Mutex
	data memoryData

	// injected errors keyed by method name, consumed on first use
	faults map[string]error
}

type memoryData struct {
	teams     map[uint]models.Team
	usage     map[string]int
	senders   map[uint]models.Sender
	contacts  map[uint]models.Contact
	fields    map[uint][]models.ContactCustomField
	sequences map[uint]models.Sequence
	steps     map[uint]models.SequenceStep
	statuses  map[uint]models.DeliveryStatus
	logs      []models.DeliveryLog
	nextID    uint
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		data: memoryData{
			teams:     map[uint]models.Team{},
			usage:     map[string]int{},
			senders:   map[uint]models.Sender{},
			contacts:  map[uint]models.Contact{},
			fields:    map[uint][]models.ContactCustomField{},
			sequences: map[uint]models.Sequence{},
			steps:     map[uint]models.SequenceStep{},
			statuses:  map[uint]models.DeliveryStatus{},
		},
		faults: map[string]error{},
	}
}

func (d memoryData) clone() memoryData {
	out := memoryData{
		teams:     make(map[uint]models.Team, len(d.teams)),
		usage:     make(map[string]int, len(d.usage)),
		senders:   make(map[uint]models.Sender, len(d.senders)),
		contacts:  make(map[uint]models.Contact, len(d.contacts)),
		fields:    make(map[uint][]models.ContactCustomField, len(d.fields)),
		sequences: make(map[uint]models.Sequence, len(d.sequences)),
		steps:     make(map[uint]models.SequenceStep, len(d.steps)),
		statuses:  make(map[uint]models.DeliveryStatus, len(d.statuses)),
		logs:      append([]models.DeliveryLog(nil), d.logs...),
		nextID:    d.nextID,
	}
	for k, v := range d.teams {
		out.teams[k] = v
	}
	for k, v := range d.usage {
		out.usage[k] = v
	}
	for k, v := range d.senders {
		out.senders[k] = v
	}
	for k, v := range d.contacts {
		out.contacts[k] = v
	}
	for k, v := range d.fields {
		out.fields[k] = append([]models.ContactCustomField(nil), v...)
	}
	for k, v := range d.sequences {
		out.sequences[k] = v
	}
	for k, v := range d.steps {
		out.steps[k] = v
	}
	for k, v := range d.statuses {
		out.statuses[k] = v
	}
	return out
}

func (r *MemoryRepository) id(current uint) uint {
	if current != 0 {
		if current > r.data.nextID {
			r.data.nextID = current
		}
		return current
	}
	r.data.nextID++
	return r.data.nextID
}

// Fail makes the next call to method return err.
func (r *MemoryRepository) Fail(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults[method] = err
}

func (r *MemoryRepository) fault(method string) error {
	if err, ok := r.faults[method]; ok {
		delete(r.faults, method)
		return err
	}
	return nil
}

// Seeding helpers. Each assigns an ID when zero and returns the stored copy.

func (r *MemoryRepository) AddTeam(t models.Team) models.Team {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.ID = r.id(t.ID)
	r.data.teams[t.ID] = t
	return t
}

func (r *MemoryRepository) AddSender(s models.Sender) models.Sender {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.ID = r.id(s.ID)
	r.data.senders[s.ID] = s
	return s
}

func (r *MemoryRepository) AddContact(c models.Contact) models.Contact {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.ID = r.id(c.ID)
	for _, f := range c.CustomFields {
		f.ContactID = c.ID
		f.ID = r.id(f.ID)
		r.data.fields[c.ID] = append(r.data.fields[c.ID], f)
	}
	c.CustomFields = nil
	r.data.contacts[c.ID] = c
	return c
}

func (r *MemoryRepository) AddSequence(s models.Sequence) models.Sequence {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.ID = r.id(s.ID)
	for _, step := range s.Steps {
		step.SequenceID = s.ID
		step.ID = r.id(step.ID)
		r.data.steps[step.ID] = step
	}
	s.Steps = nil
	r.data.sequences[s.ID] = s
	return s
}

func (r *MemoryRepository) AddStep(step models.SequenceStep) models.SequenceStep {
	r.mu.Lock()
	defer r.mu.Unlock()
	step.ID = r.id(step.ID)
	r.data.steps[step.ID] = step
	return step
}

// UpdateSequence replaces a stored sequence, e.g. to pause or soft-delete it.
func (r *MemoryRepository) UpdateSequence(s models.Sequence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.sequences[s.ID] = s
}

// UpdateSender replaces a stored sender.
func (r *MemoryRepository) UpdateSender(s models.Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.senders[s.ID] = s
}

func (r *MemoryRepository) AddStatus(s models.DeliveryStatus) models.DeliveryStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.ID = r.id(s.ID)
	r.data.statuses[s.ID] = s
	return s
}

// Logs returns every log row in insertion order.
func (r *MemoryRepository) Logs() []models.DeliveryLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.DeliveryLog(nil), r.data.logs...)
}

// LogsOfType filters Logs by type.
func (r *MemoryRepository) LogsOfType(logType string) []models.DeliveryLog {
	var out []models.DeliveryLog
	for _, l := range r.Logs() {
		if l.Type == logType {
			out = append(out, l)
		}
	}
	return out
}

// Usage returns the tracked send count for a team in the period containing now.
func (r *MemoryRepository) Usage(teamID uint, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.usage[usageKey(teamID, now)]
}

func usageKey(teamID uint, now time.Time) string {
	return UsagePeriod(now) + "/" + strconv.FormatUint(uint64(teamID), 10)
}

// memoryTx is the Repository handed to WithinTx callbacks. Nested WithinTx
// calls join the outer transaction.
type memoryTx struct {
	*MemoryRepository
}

func (t memoryTx) WithinTx(ctx context.Context, fn func(tx Repository) error) error {
	return fn(t)
}

func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(tx Repository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.Lock()
	snapshot := r.data.clone()
	r.mu.Unlock()

	if err := fn(memoryTx{r}); err != nil {
		r.mu.Lock()
		r.data = snapshot
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *MemoryRepository) FetchDueStatuses(ctx context.Context, now time.Time, teamID *uint, limit int) ([]models.DeliveryStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fault("FetchDueStatuses"); err != nil {
		return nil, err
	}

	var out []models.DeliveryStatus
	for _, s := range r.data.statuses {
		if s.Status != models.StatusPending || s.ScheduledAt == nil || s.ScheduledAt.After(now) {
			continue
		}
		if teamID != nil && s.TeamID != *teamID {
			continue
		}
		seq, ok := r.data.sequences[s.SequenceID]
		if !ok || seq.IsDeleted() || seq.Status != models.SequenceActive {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsManual() != b.IsManual() {
			return a.IsManual()
		}
		if a.IsManual() && !a.ManualTriggeredAt.Equal(*b.ManualTriggeredAt) {
			return a.ManualTriggeredAt.Before(*b.ManualTriggeredAt)
		}
		if !a.ScheduledAt.Equal(*b.ScheduledAt) {
			return a.ScheduledAt.Before(*b.ScheduledAt)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) GetStatus(ctx context.Context, id uint) (*models.DeliveryStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.data.statuses[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r *MemoryRepository) GetStatusForUpdate(ctx context.Context, id uint) (*models.DeliveryStatus, error) {
	return r.GetStatus(ctx, id)
}

func (r *MemoryRepository) FindStatus(ctx context.Context, contactID, sequenceID uint) (*models.DeliveryStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.data.statuses {
		if s.ContactID == contactID && s.SequenceID == sequenceID {
			return &s, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) ActiveStatusesForContact(ctx context.Context, contactID uint, sequenceID *uint) ([]models.DeliveryStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.DeliveryStatus
	for _, s := range r.data.statuses {
		if s.ContactID != contactID || !s.IsActive() {
			continue
		}
		if sequenceID != nil && s.SequenceID != *sequenceID {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) SaveStatus(ctx context.Context, status *models.DeliveryStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fault("SaveStatus"); err != nil {
		return err
	}
	status.ID = r.id(status.ID)
	r.data.statuses[status.ID] = *status
	return nil
}

func (r *MemoryRepository) PendingBySequenceStatus(ctx context.Context, teamID *uint) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]int{}
	for _, s := range r.data.statuses {
		if s.Status != models.StatusPending {
			continue
		}
		if teamID != nil && s.TeamID != *teamID {
			continue
		}
		seq, ok := r.data.sequences[s.SequenceID]
		if !ok {
			continue
		}
		out[seq.LifecycleStatus()]++
	}
	return out, nil
}

func (r *MemoryRepository) NextPendingAt(ctx context.Context, teamID *uint) (*time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var next *time.Time
	for _, s := range r.data.statuses {
		if s.Status != models.StatusPending || s.ScheduledAt == nil {
			continue
		}
		if teamID != nil && s.TeamID != *teamID {
			continue
		}
		if next == nil || s.ScheduledAt.Before(*next) {
			t := *s.ScheduledAt
			next = &t
		}
	}
	return next, nil
}

func (r *MemoryRepository) TriggerManual(ctx context.Context, id uint, now time.Time) (*models.DeliveryStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.data.statuses[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status != models.StatusPending {
		return nil, ErrNotPending
	}
	s.ManualTriggeredAt = &now
	s.ScheduledAt = &now
	s.LastUpdated = now
	r.data.statuses[id] = s
	return &s, nil
}

func (r *MemoryRepository) GetSequence(ctx context.Context, id uint) (*models.Sequence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.data.sequences[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r *MemoryRepository) GetStep(ctx context.Context, id uint) (*models.SequenceStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.data.steps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r *MemoryRepository) NextStep(ctx context.Context, sequenceID uint, afterOrder int) (*models.SequenceStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var next *models.SequenceStep
	for _, s := range r.data.steps {
		if s.SequenceID != sequenceID || s.Order <= afterOrder {
			continue
		}
		if next == nil || s.Order < next.Order || (s.Order == next.Order && s.ID < next.ID) {
			step := s
			next = &step
		}
	}
	if next == nil {
		return nil, ErrNotFound
	}
	return next, nil
}

func (r *MemoryRepository) GetSender(ctx context.Context, id uint) (*models.Sender, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.data.senders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r *MemoryRepository) ListInboundSenders(ctx context.Context) ([]models.Sender, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Sender
	for _, s := range r.data.senders {
		if !s.CanSend() || s.InboundHost == "" {
			continue
		}
		if s.InboundProtocol != models.ProtocolIMAP && s.InboundProtocol != models.ProtocolPOP3 {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) GetContact(ctx context.Context, id uint) (*models.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.data.contacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (r *MemoryRepository) CustomFields(ctx context.Context, contactID uint) ([]models.ContactCustomField, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ContactCustomField(nil), r.data.fields[contactID]...), nil
}

func (r *MemoryRepository) FindContactByEmail(ctx context.Context, teamID uint, email string) (*models.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	var found *models.Contact
	for _, c := range r.data.contacts {
		if c.TeamID != teamID || strings.ToLower(c.Email) != email {
			continue
		}
		if found == nil || c.ID < found.ID {
			contact := c
			found = &contact
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (r *MemoryRepository) InsertLog(ctx context.Context, log *models.DeliveryLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fault("InsertLog"); err != nil {
		return err
	}
	log.ID = r.id(log.ID)
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	r.data.logs = append(r.data.logs, *log)
	return nil
}

func (r *MemoryRepository) FindSendLogsByMessageIDs(ctx context.Context, messageIDs []string) ([]models.DeliveryLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fault("FindSendLogsByMessageIDs"); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = true
	}
	var out []models.DeliveryLog
	for _, l := range r.data.logs {
		if l.IsSend() && l.MessageID != "" && want[l.MessageID] {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *MemoryRepository) FindLogByInboundID(ctx context.Context, inboundID string) (*models.DeliveryLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.data.logs {
		if l.InboundID == inboundID && (l.Type == models.LogReply || l.Type == models.LogBounce) {
			return &l, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) UnsyncedReplyLogs(ctx context.Context, teamID *uint, limit int) ([]models.DeliveryLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.DeliveryLog
	for _, l := range r.data.logs {
		if l.Synced || (l.Type != models.LogReply && l.Type != models.LogBounce) {
			continue
		}
		if teamID != nil && l.TeamID != *teamID {
			continue
		}
		out = append(out, l)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) MarkLogStatus(ctx context.Context, id uint, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.data.logs {
		if r.data.logs[i].ID == id {
			r.data.logs[i].Status = status
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRepository) MarkLogSynced(ctx context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.data.logs {
		if r.data.logs[i].ID == id {
			r.data.logs[i].Synced = true
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRepository) AssertCanSendEmails(ctx context.Context, teamID uint, count int, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	team, ok := r.data.teams[teamID]
	if !ok || team.MonthlyEmailLimit <= 0 {
		return nil
	}
	if r.data.usage[usageKey(teamID, now)]+count > team.MonthlyEmailLimit {
		return ErrPlanLimitExceeded
	}
	return nil
}

func (r *MemoryRepository) TrackEmailsSent(ctx context.Context, teamID uint, count int, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fault("TrackEmailsSent"); err != nil {
		return err
	}
	r.data.usage[usageKey(teamID, now)] += count
	return nil
}
