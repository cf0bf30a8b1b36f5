package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenNSW/accessportal/internal/config"
)

func TestWebhookNotifier(t *testing.T) {
	msg := Message{To: "user@example.org", UserID: "u1", Subject: "Step rejected", Body: "Please resubmit", Event: EventStepRejected}

	t.Run("Delivers JSON payload", func(t *testing.T) {
		var got Message
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		n := NewWebhookNotifier(server.URL, 0)
		require.NoError(t, n.Notify(context.Background(), msg))
		assert.Equal(t, msg, got)
	})

	t.Run("Retries server errors", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		n := NewWebhookNotifier(server.URL, 3)
		n.backoff = time.Millisecond
		require.NoError(t, n.Notify(context.Background(), msg))
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("Does not retry client errors", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer server.Close()

		n := NewWebhookNotifier(server.URL, 3)
		n.backoff = time.Millisecond
		err := n.Notify(context.Background(), msg)
		assert.Error(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestSMTPNotifier(t *testing.T) {
	n := NewSMTPNotifier("mail.example.org", 587, "", "", "portal@example.org")

	var gotAddr string
	var gotTo []string
	var gotBody string
	n.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotBody = addr, to, string(msg)
		return nil
	}

	err := n.Notify(context.Background(), Message{To: "user@example.org", Subject: "Line\r\nBcc: x", Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "mail.example.org:587", gotAddr)
	assert.Equal(t, []string{"user@example.org"}, gotTo)
	assert.Contains(t, gotBody, "Subject: Line  Bcc: x\r\n")
	assert.Contains(t, gotBody, "\r\n\r\nhello\r\n")

	t.Run("Missing recipient", func(t *testing.T) {
		assert.Error(t, n.Notify(context.Background(), Message{UserID: "u1"}))
	})

	t.Run("Send failure is wrapped", func(t *testing.T) {
		sendErr := errors.New("connection refused")
		n.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return sendErr }
		err := n.Notify(context.Background(), Message{To: "user@example.org"})
		assert.ErrorIs(t, err, sendErr)
	})
}

func TestNewNotifierFromConfig(t *testing.T) {
	n, err := NewNotifierFromConfig(config.NotificationConfig{Type: "log"})
	require.NoError(t, err)
	assert.IsType(t, LogNotifier{}, n)

	n, err = NewNotifierFromConfig(config.NotificationConfig{Type: "webhook", WebhookURL: "http://hooks"})
	require.NoError(t, err)
	assert.IsType(t, &WebhookNotifier{}, n)

	_, err = NewNotifierFromConfig(config.NotificationConfig{Type: "pigeon"})
	assert.Error(t, err)
}
