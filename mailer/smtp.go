package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"gopkg.in/gomail.v2"

	"mailnexy/metrics"
	"mailnexy/models"
	"mailnexy/utils"
)

// SendFunc performs the actual SMTP exchange. Tests replace it.
type SendFunc func(d *gomail.Dialer, m *gomail.Message) error

func dialAndSend(d *gomail.Dialer, m *gomail.Message) error {
	return d.DialAndSend(m)
}

// SMTPTransport dispatches through each sender's own SMTP server. Every sender
// gets its own circuit breaker so one broken mailbox does not stall the rest.
type SMTPTransport struct {
	timeout        time.Duration
	grace          time.Duration
	breakerTimeout time.Duration
	decrypt        func(string) (string, error)
	send           SendFunc
	logger         *logrus.Entry

	mu       sync.Mutex
	breakers map[uint]*gobreaker.CircuitBreaker
}

type SMTPOption func(*SMTPTransport)

func WithTimeout(d time.Duration) SMTPOption {
	return func(t *SMTPTransport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithSendGrace sets how long a timed-out exchange may still finish before
// the attempt is reported as a timeout.
func WithSendGrace(d time.Duration) SMTPOption {
	return func(t *SMTPTransport) {
		if d >= 0 {
			t.grace = d
		}
	}
}

// WithBreakerTimeout sets how long an open circuit stays open before a single
// trial send is let through.
func WithBreakerTimeout(d time.Duration) SMTPOption {
	return func(t *SMTPTransport) {
		if d > 0 {
			t.breakerTimeout = d
		}
	}
}

func WithSendFunc(fn SendFunc) SMTPOption {
	return func(t *SMTPTransport) { t.send = fn }
}

func WithDecrypt(fn func(string) (string, error)) SMTPOption {
	return func(t *SMTPTransport) { t.decrypt = fn }
}

func WithLogger(l *logrus.Entry) SMTPOption {
	return func(t *SMTPTransport) { t.logger = l }
}

func NewSMTPTransport(opts ...SMTPOption) *SMTPTransport {
	t := &SMTPTransport{
		timeout:        30 * time.Second,
		grace:          5 * time.Second,
		breakerTimeout: 2 * time.Minute,
		decrypt:        utils.Decrypt,
		send:           dialAndSend,
		logger:         utils.Component("smtp_transport"),
		breakers:       make(map[uint]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *SMTPTransport) breaker(sender *models.Sender) *gobreaker.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cb, ok := t.breakers[sender.ID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("smtp-sender-%d", sender.ID),
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     t.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A rejected recipient says nothing about the sender's server.
		IsSuccessful: func(err error) bool {
			return err == nil || recipientRejected(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			t.logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("SMTP circuit breaker state changed")
			metrics.SMTPCircuitTransitions.WithLabelValues(to.String()).Inc()
		},
	})
	t.breakers[sender.ID] = cb
	return cb
}

// Dispatch sends msg and returns a tagged outcome. It never panics on
// transport errors and never returns a nil-kind result.
func (t *SMTPTransport) Dispatch(ctx context.Context, sender *models.Sender, msg Message) SendOutcome {
	out := t.dispatch(ctx, sender, msg)
	metrics.SMTPDispatches.WithLabelValues(out.Kind.String(), out.Reason).Inc()
	return out
}

func (t *SMTPTransport) dispatch(ctx context.Context, sender *models.Sender, msg Message) SendOutcome {
	if err := checkmail.ValidateFormat(msg.To); err != nil {
		return FatalFailure(ReasonInvalidRecipient, fmt.Errorf("%s: %w", msg.To, err))
	}

	password, err := t.decrypt(sender.SMTPPassword)
	if err != nil {
		return FatalFailure(ReasonCredentials, fmt.Errorf("decrypt smtp password: %w", err))
	}

	messageID := NormalizeMessageID(msg.MessageID)
	if messageID == "" {
		messageID = NewMessageID(sender.Domain())
	}

	m := buildMessage(sender, msg, messageID)
	dialer := newDialer(sender, password)

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	_, err = t.breaker(sender).Execute(func() (interface{}, error) {
		return nil, t.sendWithContext(ctx, dialer, m)
	})
	if err == nil {
		return Sent(messageID)
	}
	if errors.Is(err, gobreaker.ErrOpenState) {
		return FatalFailure(ReasonCircuitOpen, fmt.Errorf("%w: sender %d", ErrCircuitOpen, sender.ID))
	}
	// half-open with its trial send in flight
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return RetryableFailure(ReasonCircuitOpen, fmt.Errorf("%w: sender %d on trial", ErrCircuitOpen, sender.ID))
	}

	out := Classify(err)
	t.logger.WithFields(logrus.Fields{
		"sender_id": sender.ID,
		"to":        msg.To,
		"kind":      out.Kind.String(),
		"reason":    out.Reason,
	}).WithError(err).Warn("SMTP dispatch failed")
	return out
}

// sendWithContext bounds the exchange by ctx. gomail has no context support:
// after ctx ends the exchange gets the grace period to finish, then it is
// abandoned and reported as ctx.Err(). An abandoned exchange may still deliver
// in the background, so a timeout retry can duplicate the message.
func (t *SMTPTransport) sendWithContext(ctx context.Context, d *gomail.Dialer, m *gomail.Message) error {
	done := make(chan error, 1)
	go func() {
		done <- t.send(d, m)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}
	if t.grace > 0 {
		timer := time.NewTimer(t.grace)
		defer timer.Stop()
		select {
		case err := <-done:
			return err
		case <-timer.C:
		}
	}
	return ctx.Err()
}

// recipientRejected reports whether err is a permanent refusal of this message
// or recipient, as opposed to the server being unreachable or refusing the
// sender's credentials.
func recipientRejected(err error) bool {
	var protoErr *textproto.Error
	if !errors.As(err, &protoErr) {
		return false
	}
	switch protoErr.Code {
	case 530, 534, 535:
		return false
	}
	return protoErr.Code >= 500
}

func newDialer(sender *models.Sender, password string) *gomail.Dialer {
	d := gomail.NewDialer(sender.SMTPHost, sender.SMTPPort, sender.SMTPUsername, password)
	d.LocalName = sender.Domain()
	d.TLSConfig = &tls.Config{ServerName: sender.SMTPHost}
	switch strings.ToUpper(sender.Encryption) {
	case "SSL":
		d.SSL = true
	case "TLS", "STARTTLS":
		d.SSL = false
	}
	if sender.SMTPPort == 465 {
		d.SSL = true
	}
	return d
}

func buildMessage(sender *models.Sender, msg Message, messageID string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", sender.FromEmail, sender.FromName)
	if msg.ToName != "" {
		m.SetAddressHeader("To", msg.To, msg.ToName)
	} else {
		m.SetHeader("To", msg.To)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetHeader("X-Mailer", "Mailnexy")
	for k, v := range msg.Headers {
		m.SetHeader(k, v)
	}

	text := msg.Text
	if text == "" && msg.HTML != "" {
		text = HTMLToText(msg.HTML)
	}
	switch {
	case msg.HTML != "":
		m.SetBody("text/plain", text)
		m.AddAlternative("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", text)
	}
	return m
}
