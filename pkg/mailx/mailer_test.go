package mailx

import (
	"context"
	"errors"
	"log/slog"
	"net/smtp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestSMTPMailer_Send(t *testing.T) {
	t.Run("builds and submits the message", func(t *testing.T) {
		var gotAddr, gotFrom string
		var gotTo []string
		var gotMsg []byte

		m := NewSMTPMailer(Config{
			Host: "mail.example.com",
			Port: 587,
			From: "no-reply@example.com",
		}, discardLogger())
		m.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
			gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
			return nil
		}

		err := m.Send(context.Background(), "user@example.com", "Your sign-in code", "123456")
		require.NoError(t, err)
		require.Equal(t, "mail.example.com:587", gotAddr)
		require.Equal(t, "no-reply@example.com", gotFrom)
		require.Equal(t, []string{"user@example.com"}, gotTo)

		body := string(gotMsg)
		require.Contains(t, body, "Subject: Your sign-in code\r\n")
		require.Contains(t, body, "\r\n\r\n123456\r\n")
	})

	t.Run("wraps submission errors", func(t *testing.T) {
		m := NewSMTPMailer(Config{Host: "mail.example.com", Port: 587}, discardLogger())
		m.send = func(string, smtp.Auth, string, []string, []byte) error {
			return errors.New("connection refused")
		}

		err := m.Send(context.Background(), "user@example.com", "x", "y")
		require.Error(t, err)
		require.True(t, strings.Contains(err.Error(), "connection refused"))
	})

	t.Run("honours context cancellation", func(t *testing.T) {
		block := make(chan struct{})
		m := NewSMTPMailer(Config{Host: "mail.example.com", Port: 587}, discardLogger())
		m.send = func(string, smtp.Auth, string, []string, []byte) error {
			<-block
			return nil
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := m.Send(ctx, "user@example.com", "x", "y")
		require.ErrorIs(t, err, context.Canceled)
		close(block)
	})
}

func TestLogMailer_Send(t *testing.T) {
	m := NewLogMailer(discardLogger())
	require.NoError(t, m.Send(context.Background(), "user@example.com", "x", "y"))
}
