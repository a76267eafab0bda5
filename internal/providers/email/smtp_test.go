package email

import (
	"context"
	"net"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendTemplateRendersPaymentConfirmation(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	p := NewSMTP(Config{Host: "smtp.local", Port: 2525, From: "billing@playmaker.local"})
	p.send = func(_ context.Context, addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	err := p.SendTemplate(context.Background(), []string{"sam@example.com"}, templatePaymentConfirmed, map[string]any{
		"subject":        "Payment received for INV-1",
		"name":           "Sam",
		"amount":         "190.00",
		"currency":       "SAR",
		"description":    "Contacts access (1 year)",
		"invoice_number": "INV-1",
		"order_number":   "CON-1",
		"paid_at":        "2026-03-01",
	})
	require.NoError(t, err)
	assert.Equal(t, "smtp.local:2525", gotAddr)
	assert.Equal(t, []string{"sam@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Payment received for INV-1")
	assert.Contains(t, gotMsg, "190.00 SAR")
	assert.False(t, strings.Contains(gotMsg, "View your payment receipt"))
}

func TestSendWithoutRecipient(t *testing.T) {
	p := NewSMTP(Config{Host: "smtp.local", Port: 25})
	assert.ErrorIs(t, p.Send(context.Background(), nil, "s", "b"), ErrNoRecipient)
}

// silentServer accepts connections but never sends the SMTP greeting.
func silentServer(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	held := make(chan net.Conn, 4)
	go func() {
		defer close(held)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			held <- conn
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		for conn := range held {
			_ = conn.Close()
		}
	})
	return ln.Addr().(*net.TCPAddr).Port
}

func TestSendStopsAtContextDeadline(t *testing.T) {
	p := NewSMTP(Config{Host: "127.0.0.1", Port: silentServer(t), From: "billing@playmaker.local"})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Send(ctx, []string{"sam@example.com"}, "s", "b") }()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("send did not return after the context deadline")
	}
}

func TestSendUsesConfiguredTimeoutWithoutDeadline(t *testing.T) {
	p := NewSMTP(Config{Host: "127.0.0.1", Port: silentServer(t), Timeout: 200 * time.Millisecond})

	start := time.Now()
	err := p.Send(context.Background(), []string{"sam@example.com"}, "s", "b")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}
