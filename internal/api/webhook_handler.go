/**
 * @description
 * This file contains the HTTP handler for incoming payment provider webhooks.
 * It acts as the primary entry point for all real-time notifications from the
 * provider.
 *
 * Key features:
 * - Security: Verifies the provider's event signature before anything else.
 * - Decoupling: Does no ledger work inline. Every verified event is published
 *   to the task queue and the endpoint answers 200 immediately, so slow
 *   processing can never make the provider time out and disable the endpoint.
 * - Redelivery: A queue publish failure answers non-2xx, which makes the
 *   provider redeliver the event later.
 *
 * @dependencies
 * - github.com/stripe/stripe-go/v74/webhook: Event signature verification.
 * - pkg/rabbitmq: Task publication.
 */
package api

import (
	"io"
	"log"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/donorhub/contribution-service/internal/domain"
	"github.com/donorhub/contribution-service/pkg/rabbitmq"
)

// maxWebhookBody bounds the request body read; provider events are small.
const maxWebhookBody = 1 << 20

// WebhookHandler ingests provider webhook events.
type WebhookHandler struct {
	producer rabbitmq.Publisher
	secret   string
}

// NewWebhookHandler creates a new handler for the webhook endpoint.
func NewWebhookHandler(producer rabbitmq.Publisher, secret string) *WebhookHandler {
	return &WebhookHandler{producer: producer, secret: secret}
}

// ServeHTTP implements the http.Handler interface.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		log.Printf("level=error component=webhook_handler msg=\"failed to read webhook body\" err=%v", err)
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	event, err := webhook.ConstructEvent(body, r.Header.Get("Stripe-Signature"), h.secret)
	if err != nil {
		log.Printf("level=warn component=webhook_handler msg=\"webhook rejected\" remote=%s err=%v", r.RemoteAddr, err)
		http.Error(w, "Invalid payload or signature", http.StatusBadRequest)
		return
	}

	task := domain.WebhookEventTask{
		EventID:         event.ID,
		EventType:       string(event.Type),
		ProviderAccount: event.Account,
		ReceivedAt:      time.Now().UTC(),
	}
	if event.Data != nil {
		task.Payload = event.Data.Raw
	}

	if err := h.producer.Publish(r.Context(), rabbitmq.Exchange, rabbitmq.RoutingKeyWebhookEvent, task); err != nil {
		// Non-2xx makes the provider redeliver the event once the queue is back.
		log.Printf("level=error component=webhook_handler msg=\"task enqueue failed\" event_id=%s event_type=%s err=%v", event.ID, event.Type, err)
		http.Error(w, "Event queueing unavailable", http.StatusServiceUnavailable)
		return
	}

	log.Printf("level=info component=webhook_handler msg=\"event enqueued\" event_id=%s event_type=%s account=%s", event.ID, event.Type, event.Account)
	w.WriteHeader(http.StatusOK)
}
