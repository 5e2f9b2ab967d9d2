package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/donorhub/contribution-service/internal/domain"
	"github.com/donorhub/contribution-service/pkg/rabbitmq"
)

const testWebhookSecret = "whsec_test_secret"

type capturingProducer struct {
	routingKeys []string
	bodies      []interface{}
	err         error
}

func (p *capturingProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if p.err != nil {
		return p.err
	}
	p.routingKeys = append(p.routingKeys, routingKey)
	p.bodies = append(p.bodies, body)
	return nil
}

func (p *capturingProducer) Close() {}

// signPayload computes a provider signature header over the payload, the way
// the provider signs outgoing webhooks.
func signPayload(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func eventPayload(t *testing.T) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          "evt_1",
		"object":      "event",
		"api_version": "2022-11-15",
		"type":        "payment_intent.succeeded",
		"account":     "acct_test",
		"data": map[string]interface{}{
			"object": map[string]interface{}{"id": "pi_1", "object": "payment_intent"},
		},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return payload
}

func postWebhook(handler http.Handler, payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/provider", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signature)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhookHandler_VerifiedEventIsEnqueued(t *testing.T) {
	producer := &capturingProducer{}
	handler := NewWebhookHandler(producer, testWebhookSecret)

	payload := eventPayload(t)
	rec := postWebhook(handler, payload, signPayload(payload, testWebhookSecret, time.Now()))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(producer.routingKeys) != 1 || producer.routingKeys[0] != rabbitmq.RoutingKeyWebhookEvent {
		t.Fatalf("expected one task on the webhook routing key, got %v", producer.routingKeys)
	}
	task, ok := producer.bodies[0].(domain.WebhookEventTask)
	if !ok {
		t.Fatalf("expected a WebhookEventTask, got %T", producer.bodies[0])
	}
	if task.EventID != "evt_1" || task.EventType != "payment_intent.succeeded" || task.ProviderAccount != "acct_test" {
		t.Fatalf("task fields lost in translation: %+v", task)
	}
	if len(task.Payload) == 0 {
		t.Fatal("the event object payload must ride along on the task")
	}
}

func TestWebhookHandler_BadSignatureIsRejected(t *testing.T) {
	producer := &capturingProducer{}
	handler := NewWebhookHandler(producer, testWebhookSecret)

	payload := eventPayload(t)
	rec := postWebhook(handler, payload, signPayload(payload, "whsec_wrong_secret", time.Now()))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(producer.routingKeys) != 0 {
		t.Fatal("an unverified event must never be enqueued")
	}
}

func TestWebhookHandler_StaleSignatureIsRejected(t *testing.T) {
	handler := NewWebhookHandler(&capturingProducer{}, testWebhookSecret)

	payload := eventPayload(t)
	rec := postWebhook(handler, payload, signPayload(payload, testWebhookSecret, time.Now().Add(-time.Hour)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("a signature outside the tolerance window must be rejected, got %d", rec.Code)
	}
}

func TestWebhookHandler_QueueOutageAnswersRetryable(t *testing.T) {
	producer := &capturingProducer{err: errors.New("task queue unavailable")}
	handler := NewWebhookHandler(producer, testWebhookSecret)

	payload := eventPayload(t)
	rec := postWebhook(handler, payload, signPayload(payload, testWebhookSecret, time.Now()))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("a publish failure must answer 503 so the provider redelivers, got %d", rec.Code)
	}
}
