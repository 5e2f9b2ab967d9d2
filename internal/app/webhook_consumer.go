/**
 * @description
 * Asynchronous processor for signature-verified provider webhook events. The
 * ingestion endpoint publishes every event to the task queue; this consumer
 * resolves the ledger row the event refers to and applies the declared field
 * subset for that event type.
 *
 * Delivery is at least once, so every handler is idempotent: re-applying an
 * event writes the same values again and appends no duplicate transition.
 * Terminal statuses are never downgraded; an illegal transition is logged and
 * the event acked. A payload that references no known row is logged and
 * dropped, since redelivery cannot make the row appear.
 *
 * Handler return contract: nil acks the message, an error nacks it for
 * redelivery. Malformed payloads ack.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v74"

	"github.com/donorhub/contribution-service/internal/domain"
	"github.com/donorhub/contribution-service/internal/provider"
	"github.com/donorhub/contribution-service/internal/store"
	"github.com/donorhub/contribution-service/pkg/rabbitmq"
)

// taskTimeout bounds the handling of a single queued event.
const taskTimeout = 30 * time.Second

// WebhookProcessor consumes webhook event tasks and mutates the ledger.
type WebhookProcessor struct {
	repo     store.Repository
	gateway  provider.Gateway
	producer rabbitmq.Publisher
}

// NewWebhookProcessor creates a processor. gateway may be nil in tests that
// exercise only ledger writes; settlement row capture is skipped without it.
func NewWebhookProcessor(repo store.Repository, gateway provider.Gateway, producer rabbitmq.Publisher) *WebhookProcessor {
	return &WebhookProcessor{repo: repo, gateway: gateway, producer: producer}
}

// HandleTask is the queue binding entrypoint. It returns true to ack and
// false to nack for redelivery.
func (p *WebhookProcessor) HandleTask(body []byte) bool {
	var task domain.WebhookEventTask
	if err := json.Unmarshal(body, &task); err != nil {
		log.Printf("level=error component=webhook_processor msg=\"malformed task dropped\" err=%v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	if err := p.processEvent(ctx, task); err != nil {
		log.Printf("level=error component=webhook_processor msg=\"event processing failed; requeueing\" event_id=%s event_type=%s err=%v", task.EventID, task.EventType, err)
		return false
	}
	return true
}

func (p *WebhookProcessor) processEvent(ctx context.Context, task domain.WebhookEventTask) error {
	switch task.EventType {
	case "payment_intent.succeeded":
		return p.handlePaymentSucceeded(ctx, task)
	case "payment_intent.payment_failed":
		return p.handlePaymentFailed(ctx, task)
	case "payment_intent.canceled":
		return p.handlePaymentCanceled(ctx, task)
	case "payment_method.attached":
		return p.handlePaymentMethodAttached(ctx, task)
	case "customer.subscription.updated":
		return p.handleSubscriptionUpdated(ctx, task)
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ctx, task)
	case "invoice.upcoming":
		return p.handleInvoiceUpcoming(ctx, task)
	case "charge.refunded":
		return p.handleChargeRefunded(ctx, task)
	default:
		log.Printf("level=info component=webhook_processor msg=\"unhandled event type acked\" event_id=%s event_type=%s", task.EventID, task.EventType)
		return nil
	}
}

// handlePaymentSucceeded confirms a one-time payment: status paid, payment
// timestamp, payment method, and the settlement payment rows from the
// underlying charges.
func (p *WebhookProcessor) handlePaymentSucceeded(ctx context.Context, task domain.WebhookEventTask) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(task.Payload, &pi); err != nil || pi.ID == "" {
		return p.dropMalformed(task, err)
	}

	c, err := p.repo.FindContributionByProviderPaymentID(ctx, pi.ID)
	if err != nil {
		return p.dropUnknown(task, "payment_intent", pi.ID, err)
	}

	if c.Status != domain.StatusPaid {
		if !domain.CanTransition(c.Status, domain.StatusPaid) {
			log.Printf("level=warn component=webhook_processor msg=\"illegal transition skipped\" event_id=%s contribution_id=%s from=%s to=%s", task.EventID, c.ID, c.Status, domain.StatusPaid)
			return nil
		}
		status := domain.StatusPaid
		paidAt := eventTime(pi.Created, task.ReceivedAt)
		fields := store.UpdateContributionFieldsParams{Status: &status, LastPaymentDate: &paidAt}
		if pi.PaymentMethod != nil {
			fields.ProviderPaymentMethodID = &pi.PaymentMethod.ID
		}
		if err := p.repo.UpdateContributionFields(ctx, c.ID, fields); err != nil {
			return fmt.Errorf("persist paid transition: %w", err)
		}
		p.appendRevision(ctx, c.ID, c.Status, status, "payment settled by provider", "webhook")
	}

	return p.captureSettlements(ctx, task.ProviderAccount, c, pi.ID)
}

func (p *WebhookProcessor) handlePaymentFailed(ctx context.Context, task domain.WebhookEventTask) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(task.Payload, &pi); err != nil || pi.ID == "" {
		return p.dropMalformed(task, err)
	}

	c, err := p.repo.FindContributionByProviderPaymentID(ctx, pi.ID)
	if err != nil {
		return p.dropUnknown(task, "payment_intent", pi.ID, err)
	}
	return p.transition(ctx, task, c, domain.StatusFailed, "provider reported payment failure")
}

// handlePaymentCanceled distinguishes a fraud cancellation from an ordinary
// one by the provider's cancellation reason.
func (p *WebhookProcessor) handlePaymentCanceled(ctx context.Context, task domain.WebhookEventTask) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(task.Payload, &pi); err != nil || pi.ID == "" {
		return p.dropMalformed(task, err)
	}

	c, err := p.repo.FindContributionByProviderPaymentID(ctx, pi.ID)
	if err != nil {
		return p.dropUnknown(task, "payment_intent", pi.ID, err)
	}

	target := domain.StatusCanceled
	reason := "payment canceled by provider"
	if string(pi.CancellationReason) == provider.CancellationReasonFraud {
		target = domain.StatusRejected
		reason = "payment canceled as fraudulent"
	}
	return p.transition(ctx, task, c, target, reason)
}

// handlePaymentMethodAttached records the attached method on the recurring
// contribution owned by the method's customer. No status change.
func (p *WebhookProcessor) handlePaymentMethodAttached(ctx context.Context, task domain.WebhookEventTask) error {
	var pm stripe.PaymentMethod
	if err := json.Unmarshal(task.Payload, &pm); err != nil || pm.ID == "" || pm.Customer == nil {
		return p.dropMalformed(task, err)
	}

	c, err := p.repo.FindContributionByProviderCustomerID(ctx, pm.Customer.ID)
	if err != nil {
		return p.dropUnknown(task, "customer", pm.Customer.ID, err)
	}
	if err := p.repo.UpdateContributionFields(ctx, c.ID, store.UpdateContributionFieldsParams{ProviderPaymentMethodID: &pm.ID}); err != nil {
		return fmt.Errorf("persist payment method: %w", err)
	}
	return nil
}

// handleSubscriptionUpdated refreshes the recurring contribution's remote
// identifiers and billing values, and confirms paid once the subscription is
// active.
func (p *WebhookProcessor) handleSubscriptionUpdated(ctx context.Context, task domain.WebhookEventTask) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(task.Payload, &sub); err != nil || sub.ID == "" || sub.Customer == nil {
		return p.dropMalformed(task, err)
	}

	c, err := p.findSubscriptionRow(ctx, &sub)
	if err != nil {
		return p.dropUnknown(task, "subscription", sub.ID, err)
	}

	fields := store.UpdateContributionFieldsParams{}
	if c.ProviderSubscriptionID == nil {
		fields.ProviderSubscriptionID = &sub.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		amount := sub.Items.Data[0].Price.UnitAmount
		if amount > 0 {
			fields.Amount = &amount
		}
	}
	if sub.DefaultPaymentMethod != nil {
		fields.ProviderPaymentMethodID = &sub.DefaultPaymentMethod.ID
	}

	var transitioned string
	switch {
	case sub.Status == stripe.SubscriptionStatusActive && domain.CanTransition(c.Status, domain.StatusPaid):
		status := domain.StatusPaid
		paidAt := eventTime(sub.CurrentPeriodStart, task.ReceivedAt)
		fields.Status = &status
		fields.LastPaymentDate = &paidAt
		transitioned = status
	case sub.Status == stripe.SubscriptionStatusCanceled && domain.CanTransition(c.Status, domain.StatusCanceled):
		status := domain.StatusCanceled
		fields.Status = &status
		transitioned = status
	}

	if err := p.repo.UpdateContributionFields(ctx, c.ID, fields); err != nil {
		return fmt.Errorf("persist subscription update: %w", err)
	}
	if transitioned != "" {
		p.appendRevision(ctx, c.ID, c.Status, transitioned, "subscription state reported by provider", "webhook")
	}
	return nil
}

func (p *WebhookProcessor) handleSubscriptionDeleted(ctx context.Context, task domain.WebhookEventTask) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(task.Payload, &sub); err != nil || sub.ID == "" || sub.Customer == nil {
		return p.dropMalformed(task, err)
	}

	c, err := p.findSubscriptionRow(ctx, &sub)
	if err != nil {
		return p.dropUnknown(task, "subscription", sub.ID, err)
	}
	return p.transition(ctx, task, c, domain.StatusCanceled, "subscription ended by provider")
}

// findSubscriptionRow resolves the ledger row a subscription event refers to.
// The subscription id is authoritative; the customer lookup is a fallback for
// rows that have not acquired their subscription id yet, and a row already
// bound to a different subscription is never matched through it. A donor may
// hold several subscriptions on one customer.
func (p *WebhookProcessor) findSubscriptionRow(ctx context.Context, sub *stripe.Subscription) (*domain.Contribution, error) {
	c, err := p.repo.FindContributionByProviderSubscriptionID(ctx, sub.ID)
	if !errors.Is(err, store.ErrContributionNotFound) {
		return c, err
	}
	c, err = p.repo.FindContributionByProviderCustomerID(ctx, sub.Customer.ID)
	if err != nil {
		return nil, err
	}
	if c.ProviderSubscriptionID != nil && *c.ProviderSubscriptionID != sub.ID {
		return nil, store.ErrContributionNotFound
	}
	return c, nil
}

// handleInvoiceUpcoming emits a reminder side effect only; it never writes to
// the ledger.
func (p *WebhookProcessor) handleInvoiceUpcoming(ctx context.Context, task domain.WebhookEventTask) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(task.Payload, &inv); err != nil || inv.Customer == nil {
		return p.dropMalformed(task, err)
	}

	c, err := p.repo.FindContributionByProviderCustomerID(ctx, inv.Customer.ID)
	if err != nil {
		return p.dropUnknown(task, "customer", inv.Customer.ID, err)
	}

	reminder := domain.UpcomingInvoiceReminder{
		ContributionID:  c.ID.String(),
		ContributorID:   c.ContributorID.String(),
		Amount:          c.Amount,
		Currency:        c.Currency,
		NextPaymentDate: eventTime(inv.NextPaymentAttempt, task.ReceivedAt),
	}
	if inv.AmountDue > 0 {
		reminder.Amount = inv.AmountDue
	}
	if err := p.producer.Publish(ctx, rabbitmq.Exchange, rabbitmq.RoutingKeyReminder, reminder); err != nil {
		return fmt.Errorf("publish reminder: %w", err)
	}
	return nil
}

// handleChargeRefunded flips a paid contribution to refunded and records one
// refund payment row per refund balance transaction.
func (p *WebhookProcessor) handleChargeRefunded(ctx context.Context, task domain.WebhookEventTask) error {
	var ch stripe.Charge
	if err := json.Unmarshal(task.Payload, &ch); err != nil || ch.ID == "" {
		return p.dropMalformed(task, err)
	}

	var c *domain.Contribution
	var err error
	if ch.PaymentIntent != nil {
		c, err = p.repo.FindContributionByProviderPaymentID(ctx, ch.PaymentIntent.ID)
	} else {
		err = store.ErrContributionNotFound
	}
	if errors.Is(err, store.ErrContributionNotFound) && ch.Customer != nil {
		// Subscription charges resolve through the customer.
		c, err = p.repo.FindContributionByProviderCustomerID(ctx, ch.Customer.ID)
	}
	if err != nil {
		return p.dropUnknown(task, "charge", ch.ID, err)
	}

	if domain.CanTransition(c.Status, domain.StatusRefunded) {
		status := domain.StatusRefunded
		if err := p.repo.UpdateContributionFields(ctx, c.ID, store.UpdateContributionFieldsParams{Status: &status}); err != nil {
			return fmt.Errorf("persist refund transition: %w", err)
		}
		p.appendRevision(ctx, c.ID, c.Status, status, "charge refunded by provider", "webhook")
	} else if c.Status != domain.StatusRefunded {
		log.Printf("level=warn component=webhook_processor msg=\"illegal transition skipped\" event_id=%s contribution_id=%s from=%s to=%s", task.EventID, c.ID, c.Status, domain.StatusRefunded)
	}

	if ch.Refunds == nil {
		return nil
	}
	for _, refund := range ch.Refunds.Data {
		if refund == nil || refund.BalanceTransaction == nil {
			continue
		}
		row := &domain.Payment{
			ContributionID:               c.ID,
			AmountRefunded:               refund.Amount,
			ProviderBalanceTransactionID: refund.BalanceTransaction.ID,
			TransactionDate:              eventTime(refund.Created, task.ReceivedAt),
		}
		if err := row.Validate(); err != nil {
			log.Printf("level=warn component=webhook_processor msg=\"invalid refund row skipped\" contribution_id=%s balance_txn=%s err=%v", c.ID, row.ProviderBalanceTransactionID, err)
			continue
		}
		if _, err := p.repo.UpsertPayment(ctx, row); err != nil {
			return fmt.Errorf("upsert refund row: %w", err)
		}
	}
	return nil
}

// captureSettlements pulls the charges behind a settled payment and upserts
// one settlement row per balance transaction. Idempotent across redeliveries.
func (p *WebhookProcessor) captureSettlements(ctx context.Context, account string, c *domain.Contribution, paymentIntentID string) error {
	if p.gateway == nil {
		return nil
	}
	var charges []*stripe.Charge
	err := retryProvider(ctx, "list_charges", func() error {
		var listErr error
		charges, listErr = p.gateway.ListChargesForPaymentIntent(ctx, account, paymentIntentID)
		return listErr
	})
	if err != nil {
		return fmt.Errorf("list settlement charges: %w", err)
	}

	for _, ch := range charges {
		if ch == nil || !ch.Paid || ch.BalanceTransaction == nil {
			continue
		}
		row := &domain.Payment{
			ContributionID:               c.ID,
			GrossAmountPaid:              ch.Amount,
			NetAmountPaid:                ch.BalanceTransaction.Net,
			ProviderBalanceTransactionID: ch.BalanceTransaction.ID,
			TransactionDate:              time.Unix(ch.BalanceTransaction.Created, 0).UTC(),
		}
		if err := row.Validate(); err != nil {
			log.Printf("level=warn component=webhook_processor msg=\"invalid settlement row skipped\" contribution_id=%s balance_txn=%s err=%v", c.ID, row.ProviderBalanceTransactionID, err)
			continue
		}
		if _, err := p.repo.UpsertPayment(ctx, row); err != nil {
			return fmt.Errorf("upsert settlement row: %w", err)
		}
	}
	return nil
}

// transition applies a guarded status change with its audit row. Replays of an
// already-applied event and illegal transitions both ack without writing.
func (p *WebhookProcessor) transition(ctx context.Context, task domain.WebhookEventTask, c *domain.Contribution, target, reason string) error {
	if c.Status == target {
		return nil
	}
	if !domain.CanTransition(c.Status, target) {
		log.Printf("level=warn component=webhook_processor msg=\"illegal transition skipped\" event_id=%s contribution_id=%s from=%s to=%s", task.EventID, c.ID, c.Status, target)
		return nil
	}
	if err := p.repo.UpdateContributionFields(ctx, c.ID, store.UpdateContributionFieldsParams{Status: &target}); err != nil {
		return fmt.Errorf("persist %s transition: %w", target, err)
	}
	p.appendRevision(ctx, c.ID, c.Status, target, reason, "webhook")
	return nil
}

func (p *WebhookProcessor) appendRevision(ctx context.Context, contributionID uuid.UUID, prior, next, reason, actor string) {
	err := p.repo.AppendContributionRevision(ctx, domain.ContributionRevision{
		ContributionID: contributionID,
		PriorStatus:    prior,
		NewStatus:      next,
		Reason:         reason,
		Actor:          actor,
	})
	if err != nil {
		log.Printf("level=warn component=webhook_processor msg=\"revision append failed\" contribution_id=%s err=%v", contributionID, err)
	}
}

// dropMalformed acks a payload that cannot be decoded; redelivery cannot fix it.
func (p *WebhookProcessor) dropMalformed(task domain.WebhookEventTask, err error) error {
	log.Printf("level=error component=webhook_processor msg=\"malformed payload dropped\" event_id=%s event_type=%s err=%v", task.EventID, task.EventType, err)
	return nil
}

// dropUnknown acks an event whose object matches no ledger row; a real store
// failure still propagates for redelivery.
func (p *WebhookProcessor) dropUnknown(task domain.WebhookEventTask, objectKind, objectID string, err error) error {
	if errors.Is(err, store.ErrContributionNotFound) {
		log.Printf("level=warn component=webhook_processor msg=\"event references no ledger row; dropped\" event_id=%s event_type=%s %s=%s", task.EventID, task.EventType, objectKind, objectID)
		return nil
	}
	return fmt.Errorf("lookup contribution for %s %s: %w", objectKind, objectID, err)
}

// eventTime converts a provider unix timestamp, falling back to the ingestion
// time and finally to now.
func eventTime(unix int64, fallback time.Time) time.Time {
	if unix > 0 {
		return time.Unix(unix, 0).UTC()
	}
	if !fallback.IsZero() {
		return fallback.UTC()
	}
	return time.Now().UTC()
}
