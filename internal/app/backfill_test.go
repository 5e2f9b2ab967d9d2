package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v74"

	"github.com/donorhub/contribution-service/internal/domain"
	"github.com/donorhub/contribution-service/internal/provider"
	"github.com/donorhub/contribution-service/internal/store"
)

type backfillRepoStub struct {
	store.Repository

	bySubID     map[string]*domain.Contribution
	byPaymentID map[string]*domain.Contribution
	created     []*domain.Contribution
	payments    []*domain.Payment
	revisions   []domain.ContributionRevision
}

func newBackfillRepoStub() *backfillRepoStub {
	return &backfillRepoStub{
		bySubID:     map[string]*domain.Contribution{},
		byPaymentID: map[string]*domain.Contribution{},
	}
}

func (s *backfillRepoStub) FindContributionByProviderSubscriptionID(ctx context.Context, subID string) (*domain.Contribution, error) {
	if c, ok := s.bySubID[subID]; ok {
		return c, nil
	}
	return nil, store.ErrContributionNotFound
}

func (s *backfillRepoStub) FindContributionByProviderPaymentID(ctx context.Context, paymentID string) (*domain.Contribution, error) {
	if c, ok := s.byPaymentID[paymentID]; ok {
		return c, nil
	}
	return nil, store.ErrContributionNotFound
}

func (s *backfillRepoStub) FindOrCreateContributorByEmail(ctx context.Context, email string) (*domain.Contributor, error) {
	return &domain.Contributor{ID: uuid.New(), Email: email}, nil
}

func (s *backfillRepoStub) CreateContribution(ctx context.Context, c *domain.Contribution) error {
	s.created = append(s.created, c)
	if c.ProviderSubscriptionID != nil {
		s.bySubID[*c.ProviderSubscriptionID] = c
	}
	if c.ProviderPaymentID != nil {
		s.byPaymentID[*c.ProviderPaymentID] = c
	}
	return nil
}

func (s *backfillRepoStub) AppendContributionRevision(ctx context.Context, rev domain.ContributionRevision) error {
	s.revisions = append(s.revisions, rev)
	return nil
}

func (s *backfillRepoStub) UpsertPayment(ctx context.Context, p *domain.Payment) (bool, error) {
	for _, existing := range s.payments {
		if existing.ContributionID == p.ContributionID && existing.ProviderBalanceTransactionID == p.ProviderBalanceTransactionID {
			return false, nil
		}
	}
	s.payments = append(s.payments, p)
	return true, nil
}

type backfillGatewayStub struct {
	provider.Gateway

	subs            []*stripe.Subscription
	intents         []*stripe.PaymentIntent
	customerCharges map[string][]*stripe.Charge
	intentCharges   map[string][]*stripe.Charge
}

func (s *backfillGatewayStub) ListSubscriptions(ctx context.Context, account, customerID string, since, until *time.Time) ([]*stripe.Subscription, error) {
	return s.subs, nil
}

func (s *backfillGatewayStub) ListPaymentIntents(ctx context.Context, account, customerID string, since, until *time.Time) ([]*stripe.PaymentIntent, error) {
	return s.intents, nil
}

func (s *backfillGatewayStub) ListChargesForCustomer(ctx context.Context, account, customerID string, since *time.Time) ([]*stripe.Charge, error) {
	return s.customerCharges[customerID], nil
}

func (s *backfillGatewayStub) ListChargesForPaymentIntent(ctx context.Context, account, paymentIntentID string) ([]*stripe.Charge, error) {
	return s.intentCharges[paymentIntentID], nil
}

func ownMetadata() map[string]string {
	pageID := uuid.New()
	return map[string]string{
		"schema_version":   "1.2",
		"source":           domain.MetadataSource,
		"contributor_id":   uuid.New().String(),
		"donation_page_id": pageID.String(),
	}
}

func trackedSubscription() *stripe.Subscription {
	return &stripe.Subscription{
		ID:       "sub_1",
		Status:   stripe.SubscriptionStatusActive,
		Customer: &stripe.Customer{ID: "cus_sub", Email: "recurring@example.org"},
		Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{{
			Price: &stripe.Price{
				UnitAmount: 1500,
				Currency:   "usd",
				Recurring:  &stripe.PriceRecurring{Interval: "month"},
			},
		}}},
		Metadata:           ownMetadata(),
		CurrentPeriodStart: 1700000000,
	}
}

func trackedPaymentIntent() *stripe.PaymentIntent {
	return &stripe.PaymentIntent{
		ID:       "pi_1",
		Amount:   2500,
		Currency: "usd",
		Status:   stripe.PaymentIntentStatusSucceeded,
		Created:  1700000100,
		Customer: &stripe.Customer{ID: "cus_pi", Email: "onetime@example.org"},
		Metadata: ownMetadata(),
	}
}

func settledCharge(btxn string, amount, net int64) *stripe.Charge {
	return &stripe.Charge{
		ID:                 "ch_" + btxn,
		Paid:               true,
		Amount:             amount,
		BalanceTransaction: &stripe.BalanceTransaction{ID: btxn, Net: net, Created: 1700000200},
	}
}

func TestReconcileAccount_ImportsUntrackedObjects(t *testing.T) {
	repo := newBackfillRepoStub()
	gateway := &backfillGatewayStub{
		subs:    []*stripe.Subscription{trackedSubscription()},
		intents: []*stripe.PaymentIntent{trackedPaymentIntent()},
		customerCharges: map[string][]*stripe.Charge{
			"cus_sub": {settledCharge("txn_s1", 1500, 1430)},
		},
		intentCharges: map[string][]*stripe.Charge{
			"pi_1": {settledCharge("txn_p1", 2500, 2340)},
		},
	}
	r := NewReconciler(gateway, repo)

	result, err := r.ReconcileAccount(context.Background(), "acct_test", nil, nil)
	if err != nil {
		t.Fatalf("ReconcileAccount returned error: %v", err)
	}

	if result.ContributionsCreated != 2 {
		t.Fatalf("expected 2 contributions created, got %d", result.ContributionsCreated)
	}
	if result.SubscriptionsSeen != 1 || result.PaymentsSeen != 1 {
		t.Fatalf("unexpected seen counts: %+v", result)
	}
	if result.PaymentRowsInserted != 2 {
		t.Fatalf("expected 2 payment rows inserted, got %d", result.PaymentRowsInserted)
	}

	sub := repo.bySubID["sub_1"]
	if sub == nil {
		t.Fatal("subscription contribution was not created")
	}
	if sub.Status != domain.StatusPaid || sub.LastPaymentDate == nil {
		t.Fatalf("active subscription must import as paid with a payment date, got %+v", sub)
	}
	if sub.Interval != domain.IntervalMonthly || sub.Amount != 1500 {
		t.Fatalf("subscription billing values lost in import: %+v", sub)
	}

	pi := repo.byPaymentID["pi_1"]
	if pi == nil {
		t.Fatal("payment contribution was not created")
	}
	if pi.Status != domain.StatusPaid || pi.Interval != domain.IntervalOneTime {
		t.Fatalf("succeeded payment must import as paid one-time, got %+v", pi)
	}

	for _, rev := range repo.revisions {
		if rev.Actor != "backfill" {
			t.Fatalf("import revisions must be attributed to backfill, got %q", rev.Actor)
		}
	}
}

func TestReconcileAccount_SecondPassIsIdempotent(t *testing.T) {
	repo := newBackfillRepoStub()
	gateway := &backfillGatewayStub{
		subs:    []*stripe.Subscription{trackedSubscription()},
		intents: []*stripe.PaymentIntent{trackedPaymentIntent()},
		customerCharges: map[string][]*stripe.Charge{
			"cus_sub": {settledCharge("txn_s1", 1500, 1430)},
		},
		intentCharges: map[string][]*stripe.Charge{
			"pi_1": {settledCharge("txn_p1", 2500, 2340)},
		},
	}
	r := NewReconciler(gateway, repo)

	if _, err := r.ReconcileAccount(context.Background(), "acct_test", nil, nil); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	second, err := r.ReconcileAccount(context.Background(), "acct_test", nil, nil)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}

	if second.ContributionsCreated != 0 {
		t.Fatalf("second pass must create nothing, got %d", second.ContributionsCreated)
	}
	if second.SkippedExisting != 2 {
		t.Fatalf("second pass must skip both existing rows, got %d", second.SkippedExisting)
	}
	if len(repo.created) != 2 {
		t.Fatalf("expected 2 contributions total, got %d", len(repo.created))
	}
	if len(repo.payments) != 2 {
		t.Fatalf("payment rows must not duplicate, got %d", len(repo.payments))
	}
}

func TestReconcileAccount_FallsBackToCustomerDefaultPaymentMethod(t *testing.T) {
	sub := trackedSubscription()
	sub.DefaultPaymentMethod = nil
	sub.Customer.InvoiceSettings = &stripe.CustomerInvoiceSettings{
		DefaultPaymentMethod: &stripe.PaymentMethod{ID: "pm_default"},
	}

	repo := newBackfillRepoStub()
	r := NewReconciler(&backfillGatewayStub{subs: []*stripe.Subscription{sub}}, repo)

	if _, err := r.ReconcileAccount(context.Background(), "acct_test", nil, nil); err != nil {
		t.Fatalf("ReconcileAccount returned error: %v", err)
	}

	c := repo.bySubID["sub_1"]
	if c == nil {
		t.Fatal("subscription contribution was not created")
	}
	if c.ProviderPaymentMethodID == nil || *c.ProviderPaymentMethodID != "pm_default" {
		t.Fatalf("customer default payment method must be recorded, got %+v", c.ProviderPaymentMethodID)
	}
}

func TestReconcileAccount_ForeignObjectsAreSkipped(t *testing.T) {
	foreignSub := trackedSubscription()
	foreignSub.ID = "sub_foreign"
	foreignSub.Metadata = nil

	invoiceBilled := trackedPaymentIntent()
	invoiceBilled.ID = "pi_invoice"
	invoiceBilled.Invoice = &stripe.Invoice{ID: "in_1"}

	repo := newBackfillRepoStub()
	gateway := &backfillGatewayStub{
		subs:    []*stripe.Subscription{foreignSub},
		intents: []*stripe.PaymentIntent{invoiceBilled},
	}
	r := NewReconciler(gateway, repo)

	result, err := r.ReconcileAccount(context.Background(), "acct_test", nil, nil)
	if err != nil {
		t.Fatalf("ReconcileAccount returned error: %v", err)
	}
	if result.SkippedInvalid != 1 {
		t.Fatalf("a subscription without recognizable metadata must be skipped, got %+v", result)
	}
	if result.PaymentsSeen != 0 {
		t.Fatal("subscription-billed payment intents must not be counted as standalone payments")
	}
	if len(repo.created) != 0 {
		t.Fatal("foreign objects must produce no ledger rows")
	}
}

func TestReconcileAccount_SubscriptionWithoutEmailIsInvalid(t *testing.T) {
	sub := trackedSubscription()
	sub.Customer.Email = ""

	repo := newBackfillRepoStub()
	r := NewReconciler(&backfillGatewayStub{subs: []*stripe.Subscription{sub}}, repo)

	result, err := r.ReconcileAccount(context.Background(), "acct_test", nil, nil)
	if err != nil {
		t.Fatalf("ReconcileAccount returned error: %v", err)
	}
	if result.SkippedInvalid != 1 || len(repo.created) != 0 {
		t.Fatalf("a customer without email cannot be imported, got %+v", result)
	}
}
