package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v74"

	"github.com/donorhub/contribution-service/internal/domain"
	"github.com/donorhub/contribution-service/internal/provider"
	"github.com/donorhub/contribution-service/internal/store"
)

type webhookRepoStub struct {
	store.Repository

	byPaymentID      map[string]*domain.Contribution
	byCustomerID     map[string]*domain.Contribution
	bySubscriptionID map[string]*domain.Contribution
	updates          []store.UpdateContributionFieldsParams
	updateIDs        []uuid.UUID
	revisions        []domain.ContributionRevision
	payments         []*domain.Payment
}

func newWebhookRepoStub() *webhookRepoStub {
	return &webhookRepoStub{
		byPaymentID:      map[string]*domain.Contribution{},
		byCustomerID:     map[string]*domain.Contribution{},
		bySubscriptionID: map[string]*domain.Contribution{},
	}
}

func (s *webhookRepoStub) FindContributionByProviderSubscriptionID(ctx context.Context, subID string) (*domain.Contribution, error) {
	if c, ok := s.bySubscriptionID[subID]; ok {
		return c, nil
	}
	return nil, store.ErrContributionNotFound
}

func (s *webhookRepoStub) FindContributionByProviderPaymentID(ctx context.Context, paymentID string) (*domain.Contribution, error) {
	if c, ok := s.byPaymentID[paymentID]; ok {
		return c, nil
	}
	return nil, store.ErrContributionNotFound
}

func (s *webhookRepoStub) FindContributionByProviderCustomerID(ctx context.Context, customerID string) (*domain.Contribution, error) {
	if c, ok := s.byCustomerID[customerID]; ok {
		return c, nil
	}
	return nil, store.ErrContributionNotFound
}

func (s *webhookRepoStub) UpdateContributionFields(ctx context.Context, id uuid.UUID, fields store.UpdateContributionFieldsParams) error {
	s.updates = append(s.updates, fields)
	s.updateIDs = append(s.updateIDs, id)
	return nil
}

func (s *webhookRepoStub) AppendContributionRevision(ctx context.Context, rev domain.ContributionRevision) error {
	s.revisions = append(s.revisions, rev)
	return nil
}

func (s *webhookRepoStub) UpsertPayment(ctx context.Context, p *domain.Payment) (bool, error) {
	for _, existing := range s.payments {
		if existing.ContributionID == p.ContributionID && existing.ProviderBalanceTransactionID == p.ProviderBalanceTransactionID {
			return false, nil
		}
	}
	s.payments = append(s.payments, p)
	return true, nil
}

type settlementGatewayStub struct {
	provider.Gateway

	charges []*stripe.Charge
}

func (s *settlementGatewayStub) ListChargesForPaymentIntent(ctx context.Context, account, paymentIntentID string) ([]*stripe.Charge, error) {
	return s.charges, nil
}

func webhookTaskBody(t *testing.T, eventType, payload string) []byte {
	t.Helper()
	body, err := json.Marshal(domain.WebhookEventTask{
		EventID:         "evt_test",
		EventType:       eventType,
		ProviderAccount: "acct_test",
		Payload:         json.RawMessage(payload),
		ReceivedAt:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	return body
}

func TestHandleTask_PaymentSucceededTransitionsToPaid(t *testing.T) {
	repo := newWebhookRepoStub()
	c := &domain.Contribution{ID: uuid.New(), Status: domain.StatusProcessing}
	repo.byPaymentID["pi_1"] = c

	gateway := &settlementGatewayStub{charges: []*stripe.Charge{{
		ID:                 "ch_1",
		Paid:               true,
		Amount:             2500,
		BalanceTransaction: &stripe.BalanceTransaction{ID: "txn_1", Net: 2340, Created: time.Now().Unix()},
	}}}
	p := NewWebhookProcessor(repo, gateway, &producerStub{})

	payload := `{"id":"pi_1","created":1700000000,"payment_method":{"id":"pm_1"}}`
	if !p.HandleTask(webhookTaskBody(t, "payment_intent.succeeded", payload)) {
		t.Fatal("expected ack")
	}

	if len(repo.updates) != 1 {
		t.Fatalf("expected one field update, got %d", len(repo.updates))
	}
	upd := repo.updates[0]
	if upd.Status == nil || *upd.Status != domain.StatusPaid {
		t.Fatalf("expected paid status write, got %+v", upd)
	}
	if upd.LastPaymentDate == nil || upd.LastPaymentDate.Unix() != 1700000000 {
		t.Fatal("event timestamp must become the last payment date")
	}
	if upd.ProviderPaymentMethodID == nil || *upd.ProviderPaymentMethodID != "pm_1" {
		t.Fatal("payment method from the event must be recorded")
	}
	if len(repo.revisions) != 1 || repo.revisions[0].Actor != "webhook" {
		t.Fatalf("expected a webhook revision, got %+v", repo.revisions)
	}
	if len(repo.payments) != 1 || repo.payments[0].NetAmountPaid != 2340 {
		t.Fatalf("expected one settlement row with net amount, got %+v", repo.payments)
	}
}

func TestHandleTask_PaymentSucceededReplayWritesNoStatus(t *testing.T) {
	repo := newWebhookRepoStub()
	repo.byPaymentID["pi_1"] = &domain.Contribution{ID: uuid.New(), Status: domain.StatusPaid}
	p := NewWebhookProcessor(repo, nil, &producerStub{})

	if !p.HandleTask(webhookTaskBody(t, "payment_intent.succeeded", `{"id":"pi_1"}`)) {
		t.Fatal("expected ack")
	}
	if len(repo.updates) != 0 || len(repo.revisions) != 0 {
		t.Fatal("replaying a settled event must write nothing")
	}
}

func TestHandleTask_TerminalStatusIsNeverDowngraded(t *testing.T) {
	repo := newWebhookRepoStub()
	repo.byPaymentID["pi_1"] = &domain.Contribution{ID: uuid.New(), Status: domain.StatusRejected}
	p := NewWebhookProcessor(repo, nil, &producerStub{})

	if !p.HandleTask(webhookTaskBody(t, "payment_intent.succeeded", `{"id":"pi_1"}`)) {
		t.Fatal("illegal transition must still ack")
	}
	if len(repo.updates) != 0 {
		t.Fatal("a terminal row must not be rewritten")
	}
}

func TestHandleTask_PaymentCanceledFraudBecomesRejected(t *testing.T) {
	repo := newWebhookRepoStub()
	repo.byPaymentID["pi_1"] = &domain.Contribution{ID: uuid.New(), Status: domain.StatusFlagged}
	p := NewWebhookProcessor(repo, nil, &producerStub{})

	payload := `{"id":"pi_1","cancellation_reason":"fraudulent"}`
	if !p.HandleTask(webhookTaskBody(t, "payment_intent.canceled", payload)) {
		t.Fatal("expected ack")
	}
	if len(repo.updates) != 1 || *repo.updates[0].Status != domain.StatusRejected {
		t.Fatalf("fraud cancellation must reject, got %+v", repo.updates)
	}
}

func TestHandleTask_PaymentCanceledPlainBecomesCanceled(t *testing.T) {
	repo := newWebhookRepoStub()
	repo.byPaymentID["pi_1"] = &domain.Contribution{ID: uuid.New(), Status: domain.StatusProcessing}
	p := NewWebhookProcessor(repo, nil, &producerStub{})

	if !p.HandleTask(webhookTaskBody(t, "payment_intent.canceled", `{"id":"pi_1","cancellation_reason":"requested_by_customer"}`)) {
		t.Fatal("expected ack")
	}
	if len(repo.updates) != 1 || *repo.updates[0].Status != domain.StatusCanceled {
		t.Fatalf("plain cancellation must cancel, got %+v", repo.updates)
	}
}

func TestHandleTask_UnknownObjectIsDropped(t *testing.T) {
	repo := newWebhookRepoStub()
	p := NewWebhookProcessor(repo, nil, &producerStub{})

	if !p.HandleTask(webhookTaskBody(t, "payment_intent.succeeded", `{"id":"pi_missing"}`)) {
		t.Fatal("an event for no ledger row must ack; redelivery cannot help")
	}
	if len(repo.updates) != 0 {
		t.Fatal("unknown object must write nothing")
	}
}

func TestHandleTask_MalformedBodiesAck(t *testing.T) {
	p := NewWebhookProcessor(newWebhookRepoStub(), nil, &producerStub{})
	if !p.HandleTask([]byte("not json")) {
		t.Fatal("a malformed task must ack")
	}
	if !p.HandleTask(webhookTaskBody(t, "payment_intent.succeeded", `{"amount":100}`)) {
		t.Fatal("a payload without an object id must ack")
	}
	if !p.HandleTask(webhookTaskBody(t, "some.future.event", `{}`)) {
		t.Fatal("unhandled event types must ack")
	}
}

func TestHandleTask_ChargeRefundedWritesRefundRow(t *testing.T) {
	repo := newWebhookRepoStub()
	c := &domain.Contribution{ID: uuid.New(), Status: domain.StatusPaid}
	repo.byPaymentID["pi_1"] = c
	p := NewWebhookProcessor(repo, nil, &producerStub{})

	payload := `{"id":"ch_1","payment_intent":{"id":"pi_1"},"refunds":{"data":[{"amount":2500,"created":1700000500,"balance_transaction":{"id":"txn_r1"}}]}}`
	if !p.HandleTask(webhookTaskBody(t, "charge.refunded", payload)) {
		t.Fatal("expected ack")
	}

	if len(repo.updates) != 1 || *repo.updates[0].Status != domain.StatusRefunded {
		t.Fatalf("paid row must move to refunded, got %+v", repo.updates)
	}
	if len(repo.payments) != 1 {
		t.Fatalf("expected one refund row, got %d", len(repo.payments))
	}
	row := repo.payments[0]
	if row.AmountRefunded != 2500 || row.GrossAmountPaid != 0 || row.NetAmountPaid != 0 {
		t.Fatalf("refund row shape is wrong: %+v", row)
	}
	if row.ProviderBalanceTransactionID != "txn_r1" {
		t.Fatalf("refund row must carry the refund balance transaction, got %s", row.ProviderBalanceTransactionID)
	}
}

func TestHandleTask_SubscriptionRefundResolvesThroughCustomer(t *testing.T) {
	repo := newWebhookRepoStub()
	c := &domain.Contribution{ID: uuid.New(), Status: domain.StatusPaid, Interval: domain.IntervalMonthly}
	repo.byCustomerID["cus_1"] = c
	p := NewWebhookProcessor(repo, nil, &producerStub{})

	payload := `{"id":"ch_1","customer":{"id":"cus_1"},"refunds":{"data":[{"amount":900,"balance_transaction":{"id":"txn_r2"}}]}}`
	if !p.HandleTask(webhookTaskBody(t, "charge.refunded", payload)) {
		t.Fatal("expected ack")
	}
	if len(repo.payments) != 1 || repo.payments[0].ContributionID != c.ID {
		t.Fatal("refund must attach to the contribution found via the customer")
	}
}

func TestHandleTask_SubscriptionUpdatedActiveConfirmsPaid(t *testing.T) {
	repo := newWebhookRepoStub()
	c := &domain.Contribution{ID: uuid.New(), Status: domain.StatusProcessing, Interval: domain.IntervalMonthly}
	repo.byCustomerID["cus_1"] = c
	p := NewWebhookProcessor(repo, nil, &producerStub{})

	payload := `{"id":"sub_1","status":"active","customer":{"id":"cus_1"},"current_period_start":1700001000,"items":{"data":[{"price":{"unit_amount":1500}}]},"default_payment_method":{"id":"pm_9"}}`
	if !p.HandleTask(webhookTaskBody(t, "customer.subscription.updated", payload)) {
		t.Fatal("expected ack")
	}

	if len(repo.updates) != 1 {
		t.Fatalf("expected one update, got %d", len(repo.updates))
	}
	upd := repo.updates[0]
	if upd.Status == nil || *upd.Status != domain.StatusPaid {
		t.Fatal("active subscription must confirm paid")
	}
	if upd.Amount == nil || *upd.Amount != 1500 {
		t.Fatal("subscription price must refresh the ledger amount")
	}
	if upd.ProviderSubscriptionID == nil || *upd.ProviderSubscriptionID != "sub_1" {
		t.Fatal("subscription id must be recorded")
	}
	if upd.LastPaymentDate == nil || upd.LastPaymentDate.Unix() != 1700001000 {
		t.Fatal("current period start must become the last payment date")
	}
}

func TestHandleTask_SubscriptionUpdatedMatchesBySubscriptionID(t *testing.T) {
	repo := newWebhookRepoStub()
	rowA := &domain.Contribution{ID: uuid.New(), Status: domain.StatusPaid, Interval: domain.IntervalMonthly, ProviderSubscriptionID: strptr("sub_A")}
	rowB := &domain.Contribution{ID: uuid.New(), Status: domain.StatusPaid, Interval: domain.IntervalMonthly, ProviderSubscriptionID: strptr("sub_B")}
	repo.bySubscriptionID["sub_A"] = rowA
	repo.bySubscriptionID["sub_B"] = rowB
	// The customer lookup surfaces the newest row; here that is the other one.
	repo.byCustomerID["cus_1"] = rowB
	p := NewWebhookProcessor(repo, nil, &producerStub{})

	payload := `{"id":"sub_A","status":"active","customer":{"id":"cus_1"},"items":{"data":[{"price":{"unit_amount":2000}}]}}`
	if !p.HandleTask(webhookTaskBody(t, "customer.subscription.updated", payload)) {
		t.Fatal("expected ack")
	}

	if len(repo.updateIDs) != 1 || repo.updateIDs[0] != rowA.ID {
		t.Fatalf("the event must update the row owning its subscription, got %v", repo.updateIDs)
	}
	if repo.updates[0].ProviderSubscriptionID != nil {
		t.Fatal("a row already bound to its subscription must not have the id rewritten")
	}
	if repo.updates[0].Amount == nil || *repo.updates[0].Amount != 2000 {
		t.Fatalf("the owning row's amount must refresh, got %+v", repo.updates[0])
	}
}

func TestHandleTask_SubscriptionUpdatedNeverRebindsForeignSubscription(t *testing.T) {
	repo := newWebhookRepoStub()
	rowB := &domain.Contribution{ID: uuid.New(), Status: domain.StatusPaid, Interval: domain.IntervalMonthly, ProviderSubscriptionID: strptr("sub_B")}
	repo.bySubscriptionID["sub_B"] = rowB
	repo.byCustomerID["cus_1"] = rowB
	p := NewWebhookProcessor(repo, nil, &producerStub{})

	// An event for a subscription no ledger row owns must not be adopted by
	// the customer's row that is bound to a different subscription.
	payload := `{"id":"sub_unknown","status":"active","customer":{"id":"cus_1"}}`
	if !p.HandleTask(webhookTaskBody(t, "customer.subscription.updated", payload)) {
		t.Fatal("an unmatchable event must ack; redelivery cannot help")
	}
	if len(repo.updates) != 0 {
		t.Fatalf("no row must be written, got %+v", repo.updates)
	}
}

func TestHandleTask_SubscriptionDeletedCancels(t *testing.T) {
	repo := newWebhookRepoStub()
	// A settled subscription may still end; paid -> canceled is legal.
	repo.byCustomerID["cus_1"] = &domain.Contribution{ID: uuid.New(), Status: domain.StatusPaid, Interval: domain.IntervalMonthly}
	p := NewWebhookProcessor(repo, nil, &producerStub{})

	if !p.HandleTask(webhookTaskBody(t, "customer.subscription.deleted", `{"id":"sub_1","customer":{"id":"cus_1"}}`)) {
		t.Fatal("expected ack")
	}
	if len(repo.updates) != 1 || *repo.updates[0].Status != domain.StatusCanceled {
		t.Fatalf("deleted subscription must cancel the row, got %+v", repo.updates)
	}
}

func TestHandleTask_InvoiceUpcomingPublishesReminderOnly(t *testing.T) {
	repo := newWebhookRepoStub()
	repo.byCustomerID["cus_1"] = &domain.Contribution{
		ID:            uuid.New(),
		ContributorID: uuid.New(),
		Status:        domain.StatusPaid,
		Amount:        1200,
		Currency:      "usd",
		Interval:      domain.IntervalMonthly,
	}
	producer := &producerStub{}
	p := NewWebhookProcessor(repo, nil, producer)

	payload := `{"id":"in_1","customer":{"id":"cus_1"},"amount_due":1300,"next_payment_attempt":1700002000}`
	if !p.HandleTask(webhookTaskBody(t, "invoice.upcoming", payload)) {
		t.Fatal("expected ack")
	}
	if len(producer.published) != 1 {
		t.Fatalf("expected one reminder published, got %d", len(producer.published))
	}
	if len(repo.updates) != 0 || len(repo.revisions) != 0 {
		t.Fatal("a reminder event must not touch the ledger")
	}
}
