package inbound

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"mailnexy/models"
)

// IMAPClient reads unseen mail from one mailbox. Messages are fetched with
// BODY.PEEK[] so nothing is flagged until MarkAsProcessed.
type IMAPClient struct {
	sender *models.Sender
	opts   Options
	logger *logrus.Entry
	c      *client.Client
}

func NewIMAPClient(sender *models.Sender, opts Options) *IMAPClient {
	opts = opts.withDefaults()
	return &IMAPClient{
		sender: sender,
		opts:   opts,
		logger: opts.Logger.WithFields(logrus.Fields{"sender_id": sender.ID, "protocol": "imap"}),
	}
}

func (ic *IMAPClient) Connect(ctx context.Context) error {
	password, err := ic.opts.Decrypt(ic.sender.InboundPassword)
	if err != nil {
		return fmt.Errorf("decrypt inbound password: %w", err)
	}

	addr := net.JoinHostPort(ic.sender.InboundHost, strconv.Itoa(ic.sender.InboundPort))
	tlsConfig := &tls.Config{ServerName: ic.sender.InboundHost}
	dialer := &net.Dialer{Timeout: ic.opts.Timeout}

	err = connectWithRetry(ctx, ic.opts.ConnectRetries, func() error {
		var c *client.Client
		var err error
		if useTLS(ic.sender.InboundEncryption, ic.sender.InboundPort, 993) {
			c, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
		} else {
			c, err = client.DialWithDialer(dialer, addr)
			if err == nil && ic.sender.InboundEncryption != "NONE" {
				if ok, _ := c.SupportStartTLS(); ok {
					err = c.StartTLS(tlsConfig)
				}
			}
		}
		if err != nil {
			if c != nil {
				_ = c.Logout()
			}
			ic.logger.WithError(err).Debug("IMAP dial failed")
			return err
		}
		c.Timeout = ic.opts.Timeout
		ic.c = c
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := ic.c.Login(ic.sender.InboundUsername, password); err != nil {
		_ = ic.c.Logout()
		ic.c = nil
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	mailbox := ic.sender.IMAPMailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := ic.c.Select(mailbox, false); err != nil {
		_ = ic.c.Logout()
		ic.c = nil
		return fmt.Errorf("failed to select mailbox %s: %w", mailbox, err)
	}
	return nil
}

func (ic *IMAPClient) FetchMessages(ctx context.Context, limit int) ([]Message, error) {
	if ic.c == nil {
		return nil, ErrNotConnected
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := ic.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope, imap.FetchInternalDate, section.FetchItem()}

	fetched := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- ic.c.UidFetch(seqset, items, fetched)
	}()

	var out []Message
	for raw := range fetched {
		if ctx.Err() != nil {
			continue // drain
		}
		msg, err := ic.convert(raw, section)
		if err != nil {
			ic.logger.WithError(err).WithField("uid", raw.Uid).Warn("Failed to parse IMAP message")
			continue
		}
		out = append(out, *msg)
	}
	if err := <-done; err != nil {
		return out, fmt.Errorf("error during fetch: %w", err)
	}
	return out, ctx.Err()
}

func (ic *IMAPClient) convert(raw *imap.Message, section *imap.BodySectionName) (*Message, error) {
	literal := raw.GetBody(section)
	if literal == nil {
		return nil, fmt.Errorf("message body not found")
	}
	msg, err := ParseMessage(literal)
	if err != nil {
		return nil, err
	}
	msg.UID = strconv.FormatUint(uint64(raw.Uid), 10)
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = raw.InternalDate.UTC()
	}
	if msg.FromAddress == "" && raw.Envelope != nil && len(raw.Envelope.From) > 0 {
		msg.FromAddress = raw.Envelope.From[0].Address()
	}
	return msg, nil
}

// MarkAsProcessed adds \Seen to the message.
func (ic *IMAPClient) MarkAsProcessed(ctx context.Context, uid string) error {
	if ic.c == nil {
		return ErrNotConnected
	}
	n, err := strconv.ParseUint(uid, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid uid %q: %w", uid, err)
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(n))
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	return ic.c.UidStore(seqset, item, []interface{}{imap.SeenFlag}, nil)
}

func (ic *IMAPClient) Close() error {
	if ic.c == nil {
		return nil
	}
	err := ic.c.Logout()
	ic.c = nil
	return err
}
