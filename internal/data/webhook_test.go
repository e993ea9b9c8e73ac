package data

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"RouteLane/internal/conf"
	"RouteLane/pkg/crypto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"
)

func TestAlertNotifier_LogModeNeverFails(t *testing.T) {
	notifier := NewNotifier(&conf.Alerts{Delivery: "log"}, testLogger())

	err := notifier.Deliver(context.Background(), &Notification{
		AlertType: "circuit_opened",
		Severity:  "critical",
		Title:     "circuit opened for openai",
	})
	assert.NoError(t, err)
}

func TestAlertNotifier_WebhookPostsPayload(t *testing.T) {
	var received webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	notifier := NewNotifier(&conf.Alerts{
		Delivery:       "webhook",
		WebhookURL:     srv.URL,
		WebhookTimeout: durationpb.New(5 * time.Second),
	}, testLogger())

	tid := int64(7)
	err := notifier.Deliver(context.Background(), &Notification{
		AlertConfigID: 1,
		TenantID:      &tid,
		Provider:      "openai",
		AlertType:     "circuit_opened",
		Severity:      "critical",
		Title:         "circuit opened for openai",
		Body:          "5 consecutive failures",
		Channels:      `["slack"]`,
		GroupKey:      "1:7:openai:circuit_opened",
		IsGrouped:     true,
		SimilarCount:  3,
	})
	require.NoError(t, err)

	assert.Equal(t, "circuit_opened", received.AlertType)
	assert.Equal(t, "openai", received.Provider)
	assert.Equal(t, int32(3), received.SimilarCount)
	assert.NotEmpty(t, received.DeliveryID)
	require.NotNil(t, received.TenantID)
	assert.Equal(t, int64(7), *received.TenantID)
}

func TestAlertNotifier_SignsPayloadWhenSecretConfigured(t *testing.T) {
	secret := "webhook-signing-secret"
	signer, err := crypto.NewSigner([]byte(secret))
	require.NoError(t, err)

	var signature string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get("X-Signature")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	notifier := NewNotifier(&conf.Alerts{
		Delivery:      "webhook",
		WebhookURL:    srv.URL,
		WebhookSecret: secret,
	}, testLogger())

	require.NoError(t, notifier.Deliver(context.Background(), &Notification{AlertType: "circuit_opened"}))

	require.NotEmpty(t, signature)
	assert.True(t, signer.Verify(body, signature))
}

func TestAlertNotifier_NoSignatureWithoutSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Signature"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	notifier := NewNotifier(&conf.Alerts{Delivery: "webhook", WebhookURL: srv.URL}, testLogger())
	assert.NoError(t, notifier.Deliver(context.Background(), &Notification{AlertType: "circuit_opened"}))
}

func TestAlertNotifier_WebhookRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewNotifier(&conf.Alerts{
		Delivery:   "webhook",
		WebhookURL: srv.URL,
	}, testLogger())

	err := notifier.Deliver(context.Background(), &Notification{AlertType: "circuit_opened"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
