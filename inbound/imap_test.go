package inbound

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailnexy/models"
)

// startIMAPServer serves the in-memory backend (user "username", password
// "password", one seen message in INBOX) on a loopback port.
func startIMAPServer(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := server.New(memory.New())
	s.AllowInsecureAuth = true
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { _ = s.Close() })

	return ln.Addr().(*net.TCPAddr).Port
}

func imapSender(port int, mailbox string) *models.Sender {
	s := &models.Sender{
		InboundProtocol:   models.ProtocolIMAP,
		InboundHost:       "127.0.0.1",
		InboundPort:       port,
		InboundUsername:   "username",
		InboundPassword:   "password",
		InboundEncryption: "NONE",
		IMAPMailbox:       mailbox,
	}
	s.ID = 11
	return s
}

func imapOptions() Options {
	return Options{
		Timeout:        2 * time.Second,
		ConnectRetries: 1,
		Decrypt:        func(s string) (string, error) { return s, nil },
	}
}

func TestIMAPConnectAndFetchUnseen(t *testing.T) {
	port := startIMAPServer(t)
	ctx := context.Background()

	c := NewIMAPClient(imapSender(port, ""), imapOptions())
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	msgs, err := c.FetchMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs, "the only message is already seen")
}

func TestIMAPSelectFailureLogsOut(t *testing.T) {
	port := startIMAPServer(t)

	c := NewIMAPClient(imapSender(port, "Archive"), imapOptions())
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "select mailbox Archive")
	assert.Nil(t, c.c)
	assert.NoError(t, c.Close())
}

func TestIMAPLoginFailure(t *testing.T) {
	port := startIMAPServer(t)
	sender := imapSender(port, "")
	sender.InboundPassword = "wrong"

	c := NewIMAPClient(sender, imapOptions())
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login")
	assert.Nil(t, c.c)
}
