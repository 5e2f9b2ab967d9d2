package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v74"

	"github.com/donorhub/contribution-service/internal/domain"
	"github.com/donorhub/contribution-service/internal/provider"
	"github.com/donorhub/contribution-service/internal/store"
	"github.com/donorhub/contribution-service/pkg/badactor"
)

type checkoutRepoStub struct {
	store.Repository

	contributor *domain.Contributor
	created     []*domain.Contribution
	updates     []store.UpdateContributionFieldsParams
	revisions   []domain.ContributionRevision
}

func (s *checkoutRepoStub) FindOrCreateContributorByEmail(ctx context.Context, email string) (*domain.Contributor, error) {
	if s.contributor == nil {
		s.contributor = &domain.Contributor{ID: uuid.New(), Email: email}
	}
	return s.contributor, nil
}

func (s *checkoutRepoStub) CreateContribution(ctx context.Context, c *domain.Contribution) error {
	s.created = append(s.created, c)
	return nil
}

func (s *checkoutRepoStub) UpdateContributionFields(ctx context.Context, id uuid.UUID, fields store.UpdateContributionFieldsParams) error {
	s.updates = append(s.updates, fields)
	return nil
}

func (s *checkoutRepoStub) AppendContributionRevision(ctx context.Context, rev domain.ContributionRevision) error {
	s.revisions = append(s.revisions, rev)
	return nil
}

type checkoutGatewayStub struct {
	provider.Gateway

	paymentIntents []provider.CreatePaymentIntentParams
	setupIntents   int
	subscriptions  []provider.CreateSubscriptionParams
	attachedPMs    []string
}

func (s *checkoutGatewayStub) CreatePaymentIntent(ctx context.Context, account string, p provider.CreatePaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.paymentIntents = append(s.paymentIntents, p)
	return &stripe.PaymentIntent{ID: "pi_test", PaymentMethod: &stripe.PaymentMethod{ID: p.PaymentMethodID}}, nil
}

func (s *checkoutGatewayStub) CreateSetupIntent(ctx context.Context, account, customerID, paymentMethodID string, metadata map[string]string) (*stripe.SetupIntent, error) {
	s.setupIntents++
	return &stripe.SetupIntent{ID: "seti_test"}, nil
}

func (s *checkoutGatewayStub) AttachPaymentMethod(ctx context.Context, account, paymentMethodID, customerID string) (*stripe.PaymentMethod, error) {
	s.attachedPMs = append(s.attachedPMs, paymentMethodID)
	return &stripe.PaymentMethod{ID: paymentMethodID}, nil
}

func (s *checkoutGatewayStub) CreateSubscription(ctx context.Context, account string, p provider.CreateSubscriptionParams) (*stripe.Subscription, error) {
	s.subscriptions = append(s.subscriptions, p)
	return &stripe.Subscription{ID: "sub_test", Status: stripe.SubscriptionStatusActive}, nil
}

type checkoutAdapterStub struct {
	PaymentAdapter

	ensuredCustomers int
}

func (s *checkoutAdapterStub) EnsureCustomer(ctx context.Context, account, email string, metadata map[string]string) (*stripe.Customer, error) {
	s.ensuredCustomers++
	return &stripe.Customer{ID: "cus_test", Email: email}, nil
}

type scorerStub struct {
	score int
	err   error
}

func (s *scorerStub) Score(ctx context.Context, req badactor.ScoreRequest) (*badactor.ScoreResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &badactor.ScoreResponse{OverallJudgment: s.score}, nil
}

type producerStub struct {
	published []string
	err       error
}

func (s *producerStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if s.err != nil {
		return s.err
	}
	s.published = append(s.published, routingKey)
	return nil
}

func (s *producerStub) Close() {}

func newCheckoutService(repo *checkoutRepoStub, gateway *checkoutGatewayStub, adapter *checkoutAdapterStub, scorer Scorer) *Service {
	cache := NewPortalCache(NewNullKV(), "test", time.Hour)
	return NewService(repo, adapter, gateway, scorer, &producerStub{}, cache, Settings{
		FlagScore:       4,
		RejectScore:     5,
		DefaultCurrency: "usd",
		ProductID:       "prod_test",
	})
}

func oneTimeSubmission() domain.ContributionSubmission {
	pageID := uuid.New()
	return domain.ContributionSubmission{
		Amount:          2500,
		Interval:        domain.IntervalOneTime,
		Email:           "Donor@Example.org",
		ProviderAccount: "acct_test",
		PaymentMethodID: "pm_card",
		DonationPageID:  &pageID,
	}
}

func recurringSubmission() domain.ContributionSubmission {
	sub := oneTimeSubmission()
	sub.Interval = domain.IntervalMonthly
	return sub
}

func TestCreateContribution_RejectScoreCreatesNoRemoteObject(t *testing.T) {
	repo := &checkoutRepoStub{}
	gateway := &checkoutGatewayStub{}
	adapter := &checkoutAdapterStub{}
	svc := newCheckoutService(repo, gateway, adapter, &scorerStub{score: 5})

	c, err := svc.CreateContribution(context.Background(), oneTimeSubmission())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if c == nil || c.Status != domain.StatusRejected {
		t.Fatalf("expected rejected ledger row, got %+v", c)
	}
	if adapter.ensuredCustomers != 0 {
		t.Fatal("rejected submission must not create a provider customer")
	}
	if len(gateway.paymentIntents) != 0 || gateway.setupIntents != 0 || len(gateway.subscriptions) != 0 {
		t.Fatal("rejected submission must create no remote object")
	}
	if len(repo.created) != 1 {
		t.Fatalf("expected one ledger row for audit, got %d", len(repo.created))
	}
	if c.BadActorScore == nil || *c.BadActorScore != 5 {
		t.Fatal("rejected row must record the gate score")
	}
	if len(repo.revisions) != 1 || repo.revisions[0].NewStatus != domain.StatusRejected {
		t.Fatalf("expected a rejection revision, got %+v", repo.revisions)
	}
}

func TestCreateContribution_FlagScoreHoldsOneTimePayment(t *testing.T) {
	repo := &checkoutRepoStub{}
	gateway := &checkoutGatewayStub{}
	adapter := &checkoutAdapterStub{}
	svc := newCheckoutService(repo, gateway, adapter, &scorerStub{score: 4})

	c, err := svc.CreateContribution(context.Background(), oneTimeSubmission())
	if err != nil {
		t.Fatalf("CreateContribution returned error: %v", err)
	}
	if c.Status != domain.StatusFlagged {
		t.Fatalf("expected flagged status, got %s", c.Status)
	}
	if c.FlaggedDate == nil {
		t.Fatal("flagged contribution must record its flagged date")
	}
	if len(gateway.paymentIntents) != 1 || !gateway.paymentIntents[0].ManualCapture {
		t.Fatalf("flagged one-time payment must use manual capture, got %+v", gateway.paymentIntents)
	}
	if c.ProviderPaymentID == nil || *c.ProviderPaymentID != "pi_test" {
		t.Fatal("payment intent id must be recorded on the row")
	}
}

func TestCreateContribution_FlagScoreHoldsRecurringAsSetupIntent(t *testing.T) {
	repo := &checkoutRepoStub{}
	gateway := &checkoutGatewayStub{}
	adapter := &checkoutAdapterStub{}
	svc := newCheckoutService(repo, gateway, adapter, &scorerStub{score: 4})

	c, err := svc.CreateContribution(context.Background(), recurringSubmission())
	if err != nil {
		t.Fatalf("CreateContribution returned error: %v", err)
	}
	if c.Status != domain.StatusFlagged {
		t.Fatalf("expected flagged status, got %s", c.Status)
	}
	if gateway.setupIntents != 1 {
		t.Fatal("flagged recurring contribution must store a setup intent")
	}
	if len(gateway.subscriptions) != 0 {
		t.Fatal("flagged recurring contribution must not start a subscription")
	}
	if c.ProviderSetupIntentID == nil || *c.ProviderSetupIntentID != "seti_test" {
		t.Fatal("setup intent id must be recorded on the row")
	}
}

func TestCreateContribution_CleanScoreProceeds(t *testing.T) {
	repo := &checkoutRepoStub{}
	gateway := &checkoutGatewayStub{}
	adapter := &checkoutAdapterStub{}
	svc := newCheckoutService(repo, gateway, adapter, &scorerStub{score: 1})

	c, err := svc.CreateContribution(context.Background(), recurringSubmission())
	if err != nil {
		t.Fatalf("CreateContribution returned error: %v", err)
	}
	if c.Status != domain.StatusProcessing {
		t.Fatalf("expected processing status, got %s", c.Status)
	}
	if len(gateway.attachedPMs) != 1 {
		t.Fatal("recurring checkout must attach the payment method")
	}
	if len(gateway.subscriptions) != 1 {
		t.Fatal("clean recurring checkout must start a subscription")
	}
	if gateway.subscriptions[0].Interval != "month" {
		t.Fatalf("expected provider interval month, got %s", gateway.subscriptions[0].Interval)
	}
	if c.ProviderSubscriptionID == nil || *c.ProviderSubscriptionID != "sub_test" {
		t.Fatal("subscription id must be recorded on the row")
	}
}

func TestCreateContribution_CleanScoreCapturesOneTimeAutomatically(t *testing.T) {
	repo := &checkoutRepoStub{}
	gateway := &checkoutGatewayStub{}
	adapter := &checkoutAdapterStub{}
	svc := newCheckoutService(repo, gateway, adapter, &scorerStub{score: 1})

	c, err := svc.CreateContribution(context.Background(), oneTimeSubmission())
	if err != nil {
		t.Fatalf("CreateContribution returned error: %v", err)
	}
	if c.Status != domain.StatusProcessing {
		t.Fatalf("expected processing status, got %s", c.Status)
	}
	if c.FlaggedDate != nil {
		t.Fatal("clean contribution must not carry a flagged date")
	}
	if len(gateway.paymentIntents) != 1 || gateway.paymentIntents[0].ManualCapture {
		t.Fatalf("clean one-time payment must capture automatically, got %+v", gateway.paymentIntents)
	}
	if c.BadActorScore == nil || *c.BadActorScore != 1 {
		t.Fatal("clean row must still record the gate score")
	}
}

func TestCreateContribution_ScorerOutageFailsOpen(t *testing.T) {
	repo := &checkoutRepoStub{}
	gateway := &checkoutGatewayStub{}
	adapter := &checkoutAdapterStub{}
	svc := newCheckoutService(repo, gateway, adapter, &scorerStub{err: errors.New("scoring api down")})

	c, err := svc.CreateContribution(context.Background(), oneTimeSubmission())
	if err != nil {
		t.Fatalf("gate outage must not block checkout: %v", err)
	}
	if c.Status != domain.StatusProcessing {
		t.Fatalf("expected processing status, got %s", c.Status)
	}
	if c.BadActorScore != nil {
		t.Fatal("unscored submission must not record a score")
	}
	if len(gateway.paymentIntents) != 1 || gateway.paymentIntents[0].ManualCapture {
		t.Fatal("unscored one-time payment must capture automatically")
	}
}

func TestCreateContribution_InvalidSubmissionHasNoSideEffects(t *testing.T) {
	repo := &checkoutRepoStub{}
	gateway := &checkoutGatewayStub{}
	adapter := &checkoutAdapterStub{}
	svc := newCheckoutService(repo, gateway, adapter, &scorerStub{score: 1})

	bad := oneTimeSubmission()
	bad.Amount = 0
	_, err := svc.CreateContribution(context.Background(), bad)
	var vErr *domain.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(repo.created) != 0 || adapter.ensuredCustomers != 0 {
		t.Fatal("invalid submission must produce no side effects")
	}
}
