package controller

import (
	"context"
	"errors"
	"time"

	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"mailnexy/inbound"
	"mailnexy/repository"
	"mailnexy/utils"
)

type TestResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type SenderCheckResult struct {
	SenderID  uint       `json:"sender_id"`
	CanSend   bool       `json:"can_send"`
	FromEmail TestResult `json:"from_email"`
	Inbound   TestResult `json:"inbound"`
}

// SenderController verifies sender configuration the workers depend on.
type SenderController struct {
	Repo    repository.Repository
	Factory inbound.Factory
	Timeout time.Duration
	Logger  *logrus.Entry
}

func NewSenderController(repo repository.Repository, factory inbound.Factory) *SenderController {
	return &SenderController{
		Repo:    repo,
		Factory: factory,
		Timeout: 30 * time.Second,
		Logger:  utils.Component("sender_controller"),
	}
}

// CheckSender validates the from address and opens one mailbox session with
// the sender's inbound credentials.
func (sc *SenderController) CheckSender(c *fiber.Ctx) error {
	id, err := utils.ParseUint(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sender ID", err)
	}

	sender, err := sc.Repo.GetSender(c.UserContext(), id)
	if errors.Is(err, repository.ErrNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sender not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch sender", err)
	}

	res := SenderCheckResult{SenderID: sender.ID, CanSend: sender.CanSend()}
	if err := checkmail.ValidateFormat(sender.FromEmail); err != nil {
		res.FromEmail.Error = "Invalid from email format"
	} else {
		res.FromEmail.Success = true
	}

	switch {
	case !sender.HasInbound():
		res.Inbound.Error = "Inbound polling is not configured"
	case sc.Factory == nil:
		res.Inbound.Error = "Inbound checks are disabled"
	default:
		res.Inbound = sc.checkInbound(c.UserContext(), sender.ID, func() (inbound.Client, error) {
			return sc.Factory(sender)
		})
	}

	utils.LogEvent("sender_check_completed", map[string]interface{}{
		"sender_id":       sender.ID,
		"can_send":        res.CanSend,
		"from_email_ok":   res.FromEmail.Success,
		"inbound_success": res.Inbound.Success,
	})
	return c.JSON(utils.SuccessResponse(res))
}

func (sc *SenderController) checkInbound(ctx context.Context, senderID uint, open func() (inbound.Client, error)) TestResult {
	ctx, cancel := context.WithTimeout(ctx, sc.Timeout)
	defer cancel()

	logContext := map[string]interface{}{"sender_id": senderID}
	client, err := open()
	if err != nil {
		utils.LogError("inbound_client", err, logContext)
		return TestResult{Error: err.Error()}
	}
	if err := client.Connect(ctx); err != nil {
		utils.LogError("inbound_connection", err, logContext)
		return TestResult{Error: "Failed to connect to mailbox: " + err.Error()}
	}
	if err := client.Close(); err != nil {
		sc.Logger.WithError(err).WithField("sender_id", senderID).Debug("Failed to close mailbox session")
	}
	return TestResult{Success: true}
}
