// Package mailer renders sequence steps and dispatches them over SMTP.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"

	"mailnexy/models"
)

// OutcomeKind tags the result of a dispatch.
type OutcomeKind int

const (
	OK OutcomeKind = iota
	Retryable
	Fatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OK:
		return "ok"
	case Retryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// Failure reasons carried by SendOutcome.
const (
	ReasonInvalidRecipient = "invalid_recipient"
	ReasonCircuitOpen      = "circuit_open"
	ReasonTransportError   = "transport_error"
	ReasonTimeout          = "timeout"
	ReasonAuthFailed       = "auth_failed"
	ReasonCredentials      = "sender_credentials"
)

var ErrCircuitOpen = errors.New("smtp circuit open")

// SendOutcome is returned by every dispatch. Callers branch on Kind only.
type SendOutcome struct {
	Kind      OutcomeKind
	Reason    string
	MessageID string
	Err       error
}

func (o SendOutcome) Error() string {
	if o.Err == nil {
		return o.Reason
	}
	return fmt.Sprintf("%s: %v", o.Reason, o.Err)
}

func Sent(messageID string) SendOutcome {
	return SendOutcome{Kind: OK, MessageID: messageID}
}

func RetryableFailure(reason string, err error) SendOutcome {
	return SendOutcome{Kind: Retryable, Reason: reason, Err: err}
}

func FatalFailure(reason string, err error) SendOutcome {
	return SendOutcome{Kind: Fatal, Reason: reason, Err: err}
}

// Message is a fully rendered outbound email.
type Message struct {
	To        string
	ToName    string
	Subject   string
	HTML      string
	Text      string
	MessageID string
	Headers   map[string]string
}

// Transport delivers one message on behalf of a sender.
type Transport interface {
	Dispatch(ctx context.Context, sender *models.Sender, msg Message) SendOutcome
}

var temporaryMarkers = []string{
	"try again",
	"temporary",
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
}

// Classify maps an SMTP/network error to a retryable or fatal outcome.
// 4xx replies, timeouts and connection failures are retryable; 5xx replies and
// authentication failures are fatal. Unknown errors are treated as transient
// and left to the attempt cap.
func Classify(err error) SendOutcome {
	if err == nil {
		return SendOutcome{Kind: OK}
	}
	if errors.Is(err, ErrCircuitOpen) {
		return FatalFailure(ReasonCircuitOpen, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return RetryableFailure(ReasonTimeout, err)
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		switch {
		case protoErr.Code == 535 || protoErr.Code == 534 || protoErr.Code == 530:
			return FatalFailure(ReasonAuthFailed, err)
		case protoErr.Code >= 400 && protoErr.Code < 500:
			return RetryableFailure(ReasonTransportError, err)
		case protoErr.Code >= 500:
			return FatalFailure(ReasonTransportError, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return RetryableFailure(ReasonTimeout, err)
		}
		return RetryableFailure(ReasonTransportError, err)
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "authentication") || strings.Contains(msg, "auth failed") {
		return FatalFailure(ReasonAuthFailed, err)
	}
	for _, code := range []string{"421", "450", "451", "452"} {
		if strings.HasPrefix(msg, code) || strings.Contains(msg, " "+code+" ") {
			return RetryableFailure(ReasonTransportError, err)
		}
	}
	for _, code := range []string{"550", "551", "552", "553", "554"} {
		if strings.HasPrefix(msg, code) || strings.Contains(msg, " "+code+" ") {
			return FatalFailure(ReasonTransportError, err)
		}
	}
	for _, marker := range temporaryMarkers {
		if strings.Contains(msg, marker) {
			return RetryableFailure(ReasonTransportError, err)
		}
	}
	return RetryableFailure(ReasonTransportError, err)
}
