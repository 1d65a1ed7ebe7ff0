package mailer

import (
	"context"
	"errors"
	"net/textproto"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"mailnexy/models"
)

func testSender() *models.Sender {
	s := &models.Sender{
		TeamID:       1,
		FromEmail:    "alice@acme.io",
		FromName:     "Alice",
		Status:       models.SenderActive,
		SMTPHost:     "smtp.acme.io",
		SMTPPort:     587,
		SMTPUsername: "alice",
		SMTPPassword: "sealed",
		Encryption:   "STARTTLS",
	}
	s.ID = 7
	return s
}

func plainDecrypt(s string) (string, error) { return s, nil }

func TestRenderPlaceholders(t *testing.T) {
	contact := &models.Contact{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com", Company: "Engines"}
	fields := []models.ContactCustomField{{Name: "Plan", Value: "pro"}}
	vars := Variables(contact, fields)

	out := Render("Hi {{first_name}} / {{ firstName }} at {{company}} on {{custom.plan}} ({{plan}}){{missing}}", vars)
	assert.Equal(t, "Hi Ada / Ada at Engines on pro (pro)", out)
}

func TestCustomFieldDoesNotShadowBuiltin(t *testing.T) {
	contact := &models.Contact{Email: "ada@example.com"}
	vars := Variables(contact, []models.ContactCustomField{{Name: "email", Value: "other@example.com"}})

	assert.Equal(t, "ada@example.com", Render("{{email}}", vars))
	assert.Equal(t, "other@example.com", Render("{{custom.email}}", vars))
}

func TestHTMLToText(t *testing.T) {
	body := "<p>Hello&nbsp;<b>Ada</b></p><style>p{}</style><p>Line two<br/>Line three</p>"
	assert.Equal(t, "Hello Ada\nLine two\nLine three", HTMLToText(body))
}

func TestComposeDetectsHTML(t *testing.T) {
	step := &models.SequenceStep{Subject: " Hi {{first_name}} ", Body: "<p>Hey {{first_name}}</p>"}
	contact := &models.Contact{FirstName: "Ada", Email: "ada@example.com"}

	msg := Compose(step, contact, nil)
	assert.Equal(t, "Hi Ada", msg.Subject)
	assert.Equal(t, "<p>Hey Ada</p>", msg.HTML)
	assert.Equal(t, "Hey Ada", msg.Text)
	assert.Equal(t, "ada@example.com", msg.To)

	step.Body = "plain {{first_name}}"
	msg = Compose(step, contact, nil)
	assert.Empty(t, msg.HTML)
	assert.Equal(t, "plain Ada", msg.Text)
}

func TestNormalizeMessageID(t *testing.T) {
	cases := map[string]string{
		"abc@host":       "<abc@host>",
		" <abc@host> ":   "<abc@host>",
		`"<abc@host>"`:   "<abc@host>",
		"":               "",
		"<>":             "",
		"two words@host": "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeMessageID(in), in)
	}
}

func TestFallbackMessageIDIsDeterministic(t *testing.T) {
	a := FallbackMessageID(1, 2, 0, "acme.io")
	b := FallbackMessageID(1, 2, 0, "acme.io")
	c := FallbackMessageID(1, 2, 1, "acme.io")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasSuffix(a, "@acme.io>"))
	assert.Equal(t, a, NormalizeMessageID(a))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   OutcomeKind
		reason string
	}{
		{"greylisted", &textproto.Error{Code: 451, Msg: "try later"}, Retryable, ReasonTransportError},
		{"mailbox unknown", &textproto.Error{Code: 550, Msg: "no such user"}, Fatal, ReasonTransportError},
		{"auth", &textproto.Error{Code: 535, Msg: "bad credentials"}, Fatal, ReasonAuthFailed},
		{"deadline", context.DeadlineExceeded, Retryable, ReasonTimeout},
		{"circuit", ErrCircuitOpen, Fatal, ReasonCircuitOpen},
		{"plain text 421", errors.New("421 service not available"), Retryable, ReasonTransportError},
		{"plain text 554", errors.New("554 rejected"), Fatal, ReasonTransportError},
		{"unknown", errors.New("something odd"), Retryable, ReasonTransportError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Classify(tt.err)
			assert.Equal(t, tt.kind, out.Kind)
			assert.Equal(t, tt.reason, out.Reason)
		})
	}
}

func TestDispatchSuccessSetsMessageID(t *testing.T) {
	var captured *gomail.Message
	var dialer *gomail.Dialer
	tr := NewSMTPTransport(
		WithDecrypt(plainDecrypt),
		WithSendFunc(func(d *gomail.Dialer, m *gomail.Message) error {
			captured, dialer = m, d
			return nil
		}),
	)

	out := tr.Dispatch(context.Background(), testSender(), Message{To: "bob@example.com", Subject: "Hello", Text: "hi"})
	require.Equal(t, OK, out.Kind)
	require.NotNil(t, captured)
	assert.Equal(t, []string{out.MessageID}, captured.GetHeader("Message-ID"))
	assert.True(t, strings.HasSuffix(out.MessageID, "@acme.io>"))
	assert.Equal(t, "smtp.acme.io", dialer.Host)
	assert.Equal(t, "sealed", dialer.Password)
	assert.False(t, dialer.SSL)
}

func TestDispatchKeepsProvidedMessageID(t *testing.T) {
	tr := NewSMTPTransport(WithDecrypt(plainDecrypt), WithSendFunc(func(*gomail.Dialer, *gomail.Message) error { return nil }))
	out := tr.Dispatch(context.Background(), testSender(), Message{To: "bob@example.com", MessageID: "fixed@acme.io"})
	assert.Equal(t, "<fixed@acme.io>", out.MessageID)
}

func TestDispatchRejectsInvalidRecipient(t *testing.T) {
	var calls int32
	tr := NewSMTPTransport(WithDecrypt(plainDecrypt), WithSendFunc(func(*gomail.Dialer, *gomail.Message) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	out := tr.Dispatch(context.Background(), testSender(), Message{To: "not-an-address"})
	assert.Equal(t, Fatal, out.Kind)
	assert.Equal(t, ReasonInvalidRecipient, out.Reason)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestDispatchTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	tr := NewSMTPTransport(
		WithDecrypt(plainDecrypt),
		WithTimeout(20*time.Millisecond),
		WithSendGrace(0),
		WithSendFunc(func(*gomail.Dialer, *gomail.Message) error {
			<-release
			return nil
		}),
	)

	out := tr.Dispatch(context.Background(), testSender(), Message{To: "bob@example.com"})
	assert.Equal(t, Retryable, out.Kind)
	assert.Equal(t, ReasonTimeout, out.Reason)
}

func TestDispatchLateSuccessWithinGraceIsSent(t *testing.T) {
	tr := NewSMTPTransport(
		WithDecrypt(plainDecrypt),
		WithTimeout(10*time.Millisecond),
		WithSendGrace(time.Second),
		WithSendFunc(func(*gomail.Dialer, *gomail.Message) error {
			time.Sleep(40 * time.Millisecond)
			return nil
		}),
	)

	out := tr.Dispatch(context.Background(), testSender(), Message{To: "bob@example.com"})
	assert.Equal(t, OK, out.Kind)
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int32
	tr := NewSMTPTransport(WithDecrypt(plainDecrypt), WithSendFunc(func(*gomail.Dialer, *gomail.Message) error {
		atomic.AddInt32(&calls, 1)
		return &textproto.Error{Code: 421, Msg: "down"}
	}))
	sender := testSender()

	for i := 0; i < 5; i++ {
		out := tr.Dispatch(context.Background(), sender, Message{To: "bob@example.com"})
		require.Equal(t, Retryable, out.Kind)
	}
	out := tr.Dispatch(context.Background(), sender, Message{To: "bob@example.com"})
	assert.Equal(t, Fatal, out.Kind)
	assert.Equal(t, ReasonCircuitOpen, out.Reason)
	assert.ErrorIs(t, out.Err, ErrCircuitOpen)
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))

	other := testSender()
	other.ID = 8
	out = tr.Dispatch(context.Background(), other, Message{To: "bob@example.com"})
	assert.Equal(t, Retryable, out.Kind, "breakers are per sender")
}

func TestRecipientRejectionsDoNotOpenCircuit(t *testing.T) {
	tr := NewSMTPTransport(WithDecrypt(plainDecrypt), WithSendFunc(func(_ *gomail.Dialer, m *gomail.Message) error {
		if strings.HasPrefix(m.GetHeader("To")[0], "bad") {
			return &textproto.Error{Code: 550, Msg: "mailbox unavailable"}
		}
		return nil
	}))
	sender := testSender()

	for i := 0; i < 8; i++ {
		out := tr.Dispatch(context.Background(), sender, Message{To: "bad" + string(rune('a'+i)) + "@example.com"})
		require.Equal(t, Fatal, out.Kind)
		require.Equal(t, ReasonTransportError, out.Reason)
	}
	out := tr.Dispatch(context.Background(), sender, Message{To: "good@example.com"})
	assert.Equal(t, OK, out.Kind)
}

func TestAuthFailuresStillOpenCircuit(t *testing.T) {
	tr := NewSMTPTransport(WithDecrypt(plainDecrypt), WithSendFunc(func(*gomail.Dialer, *gomail.Message) error {
		return &textproto.Error{Code: 535, Msg: "bad credentials"}
	}))
	sender := testSender()

	for i := 0; i < 5; i++ {
		tr.Dispatch(context.Background(), sender, Message{To: "bob@example.com"})
	}
	out := tr.Dispatch(context.Background(), sender, Message{To: "bob@example.com"})
	assert.Equal(t, ReasonCircuitOpen, out.Reason)
}

func TestHalfOpenCircuitRejectsConcurrentSendAsRetryable(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	entered := make(chan struct{})
	release := make(chan struct{})
	tr := NewSMTPTransport(
		WithDecrypt(plainDecrypt),
		WithBreakerTimeout(10*time.Millisecond),
		WithSendFunc(func(*gomail.Dialer, *gomail.Message) error {
			if failing.Load() {
				return &textproto.Error{Code: 421, Msg: "down"}
			}
			close(entered)
			<-release
			return nil
		}),
	)
	sender := testSender()

	for i := 0; i < 5; i++ {
		tr.Dispatch(context.Background(), sender, Message{To: "bob@example.com"})
	}
	failing.Store(false)
	time.Sleep(30 * time.Millisecond)

	trial := make(chan SendOutcome, 1)
	go func() {
		trial <- tr.Dispatch(context.Background(), sender, Message{To: "bob@example.com"})
	}()
	<-entered

	out := tr.Dispatch(context.Background(), sender, Message{To: "carol@example.com"})
	assert.Equal(t, Retryable, out.Kind)
	assert.Equal(t, ReasonCircuitOpen, out.Reason)

	close(release)
	assert.Equal(t, OK, (<-trial).Kind)
}

func TestInjectTracking(t *testing.T) {
	body := `<a href="https://acme.io/x">x</a><a href="mailto:a@b.c">m</a>`
	out := InjectTracking(body, "https://t.acme.io/", "<id@acme.io>")

	assert.Contains(t, out, `href="https://t.acme.io/track/click/id@acme.io/`)
	assert.Contains(t, out, `url=https%3A%2F%2Facme.io%2Fx`)
	assert.Contains(t, out, `href="mailto:a@b.c"`)
	assert.Contains(t, out, `/track/open/id@acme.io/`)
	assert.Equal(t, body, InjectTracking(body, "", "<id@acme.io>"))
}
