package inbound

import (
	"context"
	"fmt"
	"strconv"

	"github.com/knadh/go-pop3"
	"github.com/sirupsen/logrus"

	"mailnexy/models"
)

// POP3Client reads a maildrop over POP3. POP3 cannot flag a message without
// deleting it, so processed UIDs are remembered in a SeenStore instead.
type POP3Client struct {
	sender *models.Sender
	opts   Options
	logger *logrus.Entry
	conn   *pop3.Conn
	scope  string
}

func NewPOP3Client(sender *models.Sender, opts Options) *POP3Client {
	opts = opts.withDefaults()
	if opts.Seen == nil {
		opts.Seen = NewMemorySeenStore()
	}
	return &POP3Client{
		sender: sender,
		opts:   opts,
		logger: opts.Logger.WithFields(logrus.Fields{"sender_id": sender.ID, "protocol": "pop3"}),
		scope:  "sender-" + strconv.FormatUint(uint64(sender.ID), 10),
	}
}

func (pc *POP3Client) Connect(ctx context.Context) error {
	password, err := pc.opts.Decrypt(pc.sender.InboundPassword)
	if err != nil {
		return fmt.Errorf("decrypt inbound password: %w", err)
	}

	p := pop3.New(pop3.Opt{
		Host:        pc.sender.InboundHost,
		Port:        pc.sender.InboundPort,
		TLSEnabled:  useTLS(pc.sender.InboundEncryption, pc.sender.InboundPort, 995),
		DialTimeout: pc.opts.Timeout,
	})

	err = connectWithRetry(ctx, pc.opts.ConnectRetries, func() error {
		conn, err := p.NewConn()
		if err != nil {
			pc.logger.WithError(err).Debug("POP3 dial failed")
			return err
		}
		pc.conn = conn
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to connect to POP3 server: %w", err)
	}

	if err := pc.conn.Auth(pc.sender.InboundUsername, password); err != nil {
		_ = pc.conn.Quit()
		pc.conn = nil
		return fmt.Errorf("failed to login to POP3 server: %w", err)
	}
	return nil
}

func (pc *POP3Client) FetchMessages(ctx context.Context, limit int) ([]Message, error) {
	if pc.conn == nil {
		return nil, ErrNotConnected
	}

	listing, err := pc.conn.Uidl(0)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	var out []Message
	for _, item := range listing {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if limit > 0 && len(out) >= limit {
			break
		}

		uid := item.UID
		if uid == "" {
			uid = strconv.Itoa(item.ID)
		}
		seen, err := pc.opts.Seen.Seen(ctx, pc.scope, uid)
		if err != nil {
			return out, err
		}
		if seen {
			continue
		}

		entity, err := pc.conn.Retr(item.ID)
		if err != nil {
			pc.logger.WithError(err).WithField("uid", uid).Warn("Failed to retrieve POP3 message")
			continue
		}
		msg, err := ParseEntity(entity)
		if err != nil {
			pc.logger.WithError(err).WithField("uid", uid).Warn("Failed to parse POP3 message")
			continue
		}
		msg.UID = uid
		out = append(out, *msg)
	}
	return out, nil
}

// MarkAsProcessed records the UID so later sessions skip it.
func (pc *POP3Client) MarkAsProcessed(ctx context.Context, uid string) error {
	return pc.opts.Seen.MarkSeen(ctx, pc.scope, uid)
}

func (pc *POP3Client) Close() error {
	if pc.conn == nil {
		return nil
	}
	err := pc.conn.Quit()
	pc.conn = nil
	return err
}
