package inbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"mailnexy/models"
	"mailnexy/utils"
)

var (
	ErrUnsupportedProtocol = errors.New("unsupported inbound protocol")
	ErrNotConnected        = errors.New("inbound client not connected")
)

// Client is one mailbox session.
type Client interface {
	Connect(ctx context.Context) error
	FetchMessages(ctx context.Context, limit int) ([]Message, error)
	MarkAsProcessed(ctx context.Context, uid string) error
	Close() error
}

// Factory opens a Client for a sender.
type Factory func(sender *models.Sender) (Client, error)

// Options configures the default clients.
type Options struct {
	Timeout        time.Duration
	ConnectRetries uint64
	Decrypt        func(string) (string, error)
	Seen           SeenStore
	Logger         *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.ConnectRetries == 0 {
		o.ConnectRetries = 2
	}
	if o.Decrypt == nil {
		o.Decrypt = utils.Decrypt
	}
	if o.Logger == nil {
		o.Logger = utils.Component("inbound")
	}
	return o
}

// NewFactory returns a Factory that picks IMAP or POP3 from the sender config.
func NewFactory(opts Options) Factory {
	opts = opts.withDefaults()
	if opts.Seen == nil {
		opts.Seen = NewMemorySeenStore()
	}
	return func(sender *models.Sender) (Client, error) {
		switch strings.ToLower(sender.InboundProtocol) {
		case models.ProtocolIMAP:
			return NewIMAPClient(sender, opts), nil
		case models.ProtocolPOP3:
			return NewPOP3Client(sender, opts), nil
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, sender.InboundProtocol)
		}
	}
}

// useTLS reports whether the session starts with implicit TLS.
func useTLS(encryption string, port, implicitPort int) bool {
	switch strings.ToUpper(encryption) {
	case "SSL", "TLS":
		return true
	case "STARTTLS", "NONE":
		return false
	}
	return port == implicitPort
}

// connectWithRetry retries transient connect failures with exponential
// backoff. Wrap an error in backoff.Permanent to stop early.
func connectWithRetry(ctx context.Context, retries uint64, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx))
}
