package controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailnexy/models"
	"mailnexy/pacing"
	"mailnexy/repository"
)

type controllerEnv struct {
	app    *fiber.App
	repo   *repository.MemoryRepository
	clock  *pacing.FakeClock
	status models.DeliveryStatus
}

func newControllerEnv(t *testing.T) *controllerEnv {
	t.Helper()
	repo := repository.NewMemoryRepository()
	clock := pacing.NewFakeClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))

	team := repo.AddTeam(models.Team{Name: "acme"})
	contact := repo.AddContact(models.Contact{TeamID: team.ID, Email: "jane@example.com"})
	seq := repo.AddSequence(models.Sequence{TeamID: team.ID, Status: models.SequenceActive})
	step := repo.AddStep(models.SequenceStep{SequenceID: seq.ID, Order: 1, Subject: "Hello"})
	stepID := step.ID
	scheduled := clock.Now().Add(2 * time.Hour)
	status := repo.AddStatus(models.DeliveryStatus{
		TeamID:      team.ID,
		ContactID:   contact.ID,
		SequenceID:  seq.ID,
		StepID:      &stepID,
		Status:      models.StatusPending,
		ScheduledAt: &scheduled,
	})

	sendLog := models.DeliveryLog{
		TeamID:     team.ID,
		ContactID:  contact.ID,
		SequenceID: seq.ID,
		StatusID:   status.ID,
		Status:     models.StatusSent,
		Type:       models.LogSend,
		MessageID:  "<sent-1@acme.io>",
	}
	require.NoError(t, repo.InsertLog(context.Background(), &sendLog))

	ec := NewEventController(repo, clock)
	app := fiber.New()
	app.Post("/events", ec.RecordEvents)
	app.Get("/deliveries/:id", ec.GetDelivery)
	app.Post("/deliveries/:id/trigger", ec.TriggerDelivery)

	return &controllerEnv{app: app, repo: repo, clock: clock, status: status}
}

func (e *controllerEnv) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestRecordSingleEvent(t *testing.T) {
	env := newControllerEnv(t)

	code, body := env.do(t, http.MethodPost, "/events",
		`{"type":"reply","in_reply_to":"<sent-1@acme.io>","inbound_id":"<r1@example.com>"}`)
	require.Equal(t, http.StatusOK, code)

	data := body["data"].(map[string]any)
	assert.Equal(t, "processed", data["status"])

	st, err := env.repo.GetStatus(context.Background(), env.status.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, st.Status)
	assert.NotNil(t, st.ReplyAt)
	assert.NotNil(t, st.ScheduledAt)
}

func TestRecordBatchEvents(t *testing.T) {
	env := newControllerEnv(t)

	code, body := env.do(t, http.MethodPost, "/events", `{"events":[
		{"type":"bounce","message_id":"<sent-1@acme.io>"},
		{"type":"reply","in_reply_to":"<unknown@acme.io>"}
	]}`)
	require.Equal(t, http.StatusOK, code)

	data := body["data"].(map[string]any)
	assert.EqualValues(t, 1, data["processed"])
	assert.EqualValues(t, 1, data["skipped"])
	assert.EqualValues(t, 0, data["failed"])

	outcomes := data["outcomes"].([]any)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "no_match", outcomes[1].(map[string]any)["reason"])
}

func TestRecordEventsValidation(t *testing.T) {
	env := newControllerEnv(t)

	cases := map[string]string{
		"bad type":    `{"type":"open","message_id":"<sent-1@acme.io>"}`,
		"empty batch": `{"events":[]}`,
		"null batch":  `{"events":null}`,
		"nested":      `{"events":[{"type":"click"}]}`,
		"not json":    `{"type":`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			code, body := env.do(t, http.MethodPost, "/events", payload)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, false, body["success"])
		})
	}
	assert.Len(t, env.repo.LogsOfType(models.LogReply), 0)
}

func TestRecordSingleEventStoreError(t *testing.T) {
	env := newControllerEnv(t)
	env.repo.Fail("FindSendLogsByMessageIDs", errors.New("db down"))

	code, _ := env.do(t, http.MethodPost, "/events", `{"type":"reply","in_reply_to":"<sent-1@acme.io>"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestTriggerDelivery(t *testing.T) {
	env := newControllerEnv(t)
	path := "/deliveries/" + itoa(env.status.ID) + "/trigger"

	code, body := env.do(t, http.MethodPost, path, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])

	st, err := env.repo.GetStatus(context.Background(), env.status.ID)
	require.NoError(t, err)
	require.NotNil(t, st.ManualTriggeredAt)
	assert.True(t, st.ManualTriggeredAt.Equal(env.clock.Now()))
	assert.True(t, st.ScheduledAt.Equal(env.clock.Now()))
}

func TestTriggerDeliveryErrors(t *testing.T) {
	env := newControllerEnv(t)

	code, _ := env.do(t, http.MethodPost, "/deliveries/abc/trigger", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPost, "/deliveries/9999/trigger", "")
	assert.Equal(t, http.StatusNotFound, code)

	// a replied row can no longer be forced out
	code, _ = env.do(t, http.MethodPost, "/events", `{"type":"reply","in_reply_to":"<sent-1@acme.io>"}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = env.do(t, http.MethodPost, "/deliveries/"+itoa(env.status.ID)+"/trigger", "")
	assert.Equal(t, http.StatusConflict, code)
}

func TestGetDelivery(t *testing.T) {
	env := newControllerEnv(t)

	code, body := env.do(t, http.MethodGet, "/deliveries/"+itoa(env.status.ID), "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pending", body["data"].(map[string]any)["status"])

	code, _ = env.do(t, http.MethodGet, "/deliveries/4242", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
