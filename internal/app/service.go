/**
 * @description
 * This file contains the core business logic for the contribution-service. The
 * `Service` struct orchestrates the donor-facing operations, coordinating
 * between the database repository, the payment provider adapter, the bad-actor
 * scoring API, the portal cache and the message broker.
 *
 * Key features:
 * - Implements the checkout path with its fraud gate (see checkout.go).
 * - Serves the donor portal: cached reads and explicit subscription updates.
 * - Publishes tasks to RabbitMQ for asynchronous processing.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID generation.
 * - github.com/stripe/stripe-go/v74: Remote provider object types.
 * - internal/domain, internal/store, internal/provider: Domain models, data
 *   access and the remote payment surface.
 * - pkg/badactor, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v74"

	"github.com/donorhub/contribution-service/internal/domain"
	"github.com/donorhub/contribution-service/internal/provider"
	"github.com/donorhub/contribution-service/internal/store"
	"github.com/donorhub/contribution-service/pkg/badactor"
	"github.com/donorhub/contribution-service/pkg/rabbitmq"
)

// ErrPermissionDenied is returned when the bad-actor gate rejects a submission
// outright. The ledger row exists for audit; no remote object was created.
var ErrPermissionDenied = errors.New("contribution rejected")

// Scorer is the surface of the bad-actor scoring API the checkout path needs.
type Scorer interface {
	Score(ctx context.Context, req badactor.ScoreRequest) (*badactor.ScoreResponse, error)
}

// PaymentAdapter is the surface of the provider adapter the service and sweeps
// drive. *provider.Adapter satisfies it.
type PaymentAdapter interface {
	EnsureCustomer(ctx context.Context, account, email string, metadata map[string]string) (*stripe.Customer, error)
	CompletePayment(ctx context.Context, c *domain.Contribution, reject bool, actor string) error
	UpdateSubscriptionAmount(ctx context.Context, c *domain.Contribution, amount int64) error
	UpdateSubscriptionPaymentMethod(ctx context.Context, c *domain.Contribution, paymentMethodID string) error
	CancelContribution(ctx context.Context, c *domain.Contribution, actor, reason string) error
}

// Settings carries the tuning values the service reads from configuration.
type Settings struct {
	FlagScore       int
	RejectScore     int
	DefaultCurrency string
	ProductID       string
}

// Service provides the core business logic for contributions.
type Service struct {
	repo          store.Repository
	adapter       PaymentAdapter
	gateway       provider.Gateway
	scorer        Scorer
	eventProducer rabbitmq.Publisher
	cache         *PortalCache
	settings      Settings
}

// NewService creates a new contribution service instance.
func NewService(repo store.Repository, adapter PaymentAdapter, gateway provider.Gateway, scorer Scorer, producer rabbitmq.Publisher, cache *PortalCache, settings Settings) *Service {
	if settings.DefaultCurrency == "" {
		settings.DefaultCurrency = "usd"
	}
	return &Service{
		repo:          repo,
		adapter:       adapter,
		gateway:       gateway,
		scorer:        scorer,
		eventProducer: producer,
		cache:         cache,
		settings:      settings,
	}
}

// PortalContributions serves the donor portal read path. A cache hit returns
// the cached projections; a miss enqueues an asynchronous pull-and-populate
// task and returns an empty list, so the portal can poll until warm.
func (s *Service) PortalContributions(ctx context.Context, email, providerAccount string) ([]domain.PortalProjection, error) {
	identity := normalizeEmail(email)
	if identity == "" {
		return nil, domain.NewValidationError("email", "a contributor email is required")
	}

	projections, err := s.cache.Load(ctx, identity, providerAccount)
	if err == nil {
		return projections, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		return nil, fmt.Errorf("portal cache read: %w", err)
	}

	task := domain.CachePopulateTask{
		Identity:        identity,
		ProviderAccount: providerAccount,
		RequestedAt:     time.Now().UTC(),
	}
	if pubErr := s.eventProducer.Publish(ctx, rabbitmq.Exchange, rabbitmq.RoutingKeyCachePopulate, task); pubErr != nil {
		log.Printf("level=warn component=service msg=\"cache populate enqueue failed\" identity=%s account=%s err=%v", identity, providerAccount, pubErr)
	}
	return []domain.PortalProjection{}, nil
}

// UpdatePortalContribution applies a donor-initiated amount or payment method
// change to a recurring contribution. Ownership is checked against the
// contributor email before any side effect.
func (s *Service) UpdatePortalContribution(ctx context.Context, id uuid.UUID, email string, req domain.PortalUpdateRequest) (*domain.Contribution, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	c, err := s.ownedContribution(ctx, id, email)
	if err != nil {
		return nil, err
	}
	if !c.IsRecurring() || c.ProviderSubscriptionID == nil {
		return nil, domain.NewValidationError("contribution", "only recurring contributions with an active subscription can be updated")
	}

	if req.PaymentMethodID != nil {
		if err := s.adapter.UpdateSubscriptionPaymentMethod(ctx, c, *req.PaymentMethodID); err != nil {
			return nil, err
		}
	}
	if req.Amount != nil {
		if err := s.adapter.UpdateSubscriptionAmount(ctx, c, *req.Amount); err != nil {
			return nil, err
		}
	}

	s.refreshCacheEntry(ctx, email, c)
	return c, nil
}

// CancelPortalContribution cancels a donor's contribution from the portal. The
// remote object is canceled with a non-fraud reason.
func (s *Service) CancelPortalContribution(ctx context.Context, id uuid.UUID, email string) (*domain.Contribution, error) {
	c, err := s.ownedContribution(ctx, id, email)
	if err != nil {
		return nil, err
	}
	if err := s.adapter.CancelContribution(ctx, c, "portal", "canceled by donor from portal"); err != nil {
		return nil, err
	}
	s.refreshCacheEntry(ctx, email, c)
	return c, nil
}

// PortalContributionPayments returns the settlement and refund history of a
// donor's own contribution.
func (s *Service) PortalContributionPayments(ctx context.Context, id uuid.UUID, email string) ([]domain.Payment, error) {
	c, err := s.ownedContribution(ctx, id, email)
	if err != nil {
		return nil, err
	}
	return s.repo.ListPaymentsByContribution(ctx, c.ID)
}

// ReviewContributions lists a contributor's ledger rows for operator review.
// Unlike the portal read path it serves straight from the ledger, uncached.
func (s *Service) ReviewContributions(ctx context.Context, email, providerAccount string) ([]domain.Contribution, error) {
	identity := normalizeEmail(email)
	if identity == "" {
		return nil, domain.NewValidationError("email", "a contributor email is required")
	}
	if strings.TrimSpace(providerAccount) == "" {
		return nil, domain.NewValidationError("provider_account", "a connected provider account is required")
	}
	return s.repo.ListContributionsByIdentity(ctx, identity, providerAccount)
}

// ResolveFlaggedContribution is the manual review decision: accept captures the
// held payment, reject cancels it as fraudulent. Only flagged rows resolve.
func (s *Service) ResolveFlaggedContribution(ctx context.Context, id uuid.UUID, reject bool) (*domain.Contribution, error) {
	c, err := s.repo.FindContributionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.StatusFlagged {
		return nil, domain.NewValidationError("status", fmt.Sprintf("only flagged contributions can be resolved, this one is %s", c.Status))
	}
	if err := s.adapter.CompletePayment(ctx, c, reject, "review"); err != nil {
		return nil, err
	}
	return c, nil
}

// RequestReconcile enqueues a backfill pass over one connected account.
func (s *Service) RequestReconcile(ctx context.Context, providerAccount string, since, until *time.Time) error {
	if strings.TrimSpace(providerAccount) == "" {
		return domain.NewValidationError("provider_account", "a connected provider account is required")
	}
	task := domain.ReconcileAccountTask{
		ProviderAccount: providerAccount,
		Since:           since,
		Until:           until,
		RequestedAt:     time.Now().UTC(),
	}
	return s.eventProducer.Publish(ctx, rabbitmq.Exchange, rabbitmq.RoutingKeyReconcile, task)
}

// ownedContribution loads a contribution and verifies it belongs to the
// contributor identified by email. A mismatch surfaces as not-found so the
// portal cannot be used to enumerate other donors' rows.
func (s *Service) ownedContribution(ctx context.Context, id uuid.UUID, email string) (*domain.Contribution, error) {
	c, err := s.repo.FindContributionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	contributor, err := s.repo.FindContributorByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrContributorNotFound) {
			return nil, store.ErrContributionNotFound
		}
		return nil, err
	}
	if c.ContributorID != contributor.ID {
		return nil, store.ErrContributionNotFound
	}
	return c, nil
}

// refreshCacheEntry best-effort re-projects a mutated row into the portal
// cache so the donor sees their change without waiting for repopulation.
func (s *Service) refreshCacheEntry(ctx context.Context, email string, c *domain.Contribution) {
	proj, err := domain.ProjectionFromContribution(c)
	if err != nil {
		log.Printf("level=warn component=service msg=\"cache refresh skipped; row not projectable\" contribution_id=%s err=%v", c.ID, err)
		return
	}
	if err := s.cache.Upsert(ctx, normalizeEmail(email), c.ProviderAccountID, []domain.CacheItem{proj}); err != nil {
		log.Printf("level=warn component=service msg=\"cache refresh failed\" contribution_id=%s err=%v", c.ID, err)
	}
}

// normalizeEmail is the identity normalization used everywhere an email keys a
// lookup: trimmed and lowercased.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
