package controller

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"mailnexy/events"
	"mailnexy/pacing"
	"mailnexy/repository"
	"mailnexy/utils"
)

// BatchEventRequest carries at most 500 events.
type BatchEventRequest struct {
	Events []events.Event `json:"events" validate:"required,min=1,max=500,dive"`
}

type BatchEventResponse struct {
	Outcomes  []events.Outcome `json:"outcomes"`
	Processed int              `json:"processed"`
	Skipped   int              `json:"skipped"`
	Failed    int              `json:"failed"`
}

// EventController takes reply/bounce webhooks and operator overrides.
type EventController struct {
	Repo     repository.Repository
	Recorder *events.Recorder
	Clock    pacing.Clock
	Logger   *logrus.Entry
}

func NewEventController(repo repository.Repository, clock pacing.Clock) *EventController {
	if clock == nil {
		clock = pacing.SystemClock{}
	}
	return &EventController{
		Repo:     repo,
		Recorder: events.NewRecorder(repo, clock),
		Clock:    clock,
		Logger:   utils.Component("event_controller"),
	}
}

// RecordEvents accepts a single event or {"events": [...]}.
func (ec *EventController) RecordEvents(c *fiber.Ctx) error {
	body := c.Body()
	if len(body) == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Request body is required", nil)
	}

	var envelope struct {
		Events json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	if envelope.Events == nil {
		var ev events.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
		}
		if err := utils.ValidateStruct(ev); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
		}
		out, err := ec.Recorder.Record(c.UserContext(), ev)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to record event", err)
		}
		return c.JSON(utils.SuccessResponse(out))
	}

	var req BatchEventRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	resp := BatchEventResponse{Outcomes: ec.Recorder.RecordBatch(c.UserContext(), req.Events)}
	for _, o := range resp.Outcomes {
		switch o.Status {
		case events.StatusProcessed:
			resp.Processed++
		case events.StatusSkipped:
			resp.Skipped++
		default:
			resp.Failed++
		}
	}

	ec.Logger.WithFields(logrus.Fields{
		"events":    len(req.Events),
		"processed": resp.Processed,
		"skipped":   resp.Skipped,
		"failed":    resp.Failed,
	}).Info("Processed event batch")

	return c.JSON(utils.SuccessResponse(resp))
}

func (ec *EventController) GetDelivery(c *fiber.Ctx) error {
	id, err := utils.ParseUint(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid delivery ID", err)
	}
	status, err := ec.Repo.GetStatus(c.UserContext(), id)
	if errors.Is(err, repository.ErrNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Delivery not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch delivery", err)
	}
	return c.JSON(utils.SuccessResponse(status))
}

// TriggerDelivery forces a pending delivery to go out on the next run,
// bypassing pacing.
func (ec *EventController) TriggerDelivery(c *fiber.Ctx) error {
	id, err := utils.ParseUint(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid delivery ID", err)
	}

	status, err := ec.Repo.TriggerManual(c.UserContext(), id, ec.Clock.Now())
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Delivery not found", nil)
	case errors.Is(err, repository.ErrNotPending):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Delivery is not pending", nil)
	case err != nil:
		utils.LogError("manual_trigger_failed", err, map[string]interface{}{"status_id": id})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to trigger delivery", err)
	}

	utils.LogEvent("manual_trigger", map[string]interface{}{
		"status_id":   status.ID,
		"contact_id":  status.ContactID,
		"sequence_id": status.SequenceID,
	})
	return c.JSON(utils.SuccessResponse(status))
}
