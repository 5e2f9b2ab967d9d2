/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the contribution-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/donorhub/contribution-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Contributor methods. Emails are matched case-insensitively so the same
	// donor never splits across two rows regardless of which path created them.
	FindContributorByEmail(ctx context.Context, email string) (*domain.Contributor, error)
	FindOrCreateContributorByEmail(ctx context.Context, email string) (*domain.Contributor, error)

	// Contribution methods
	CreateContribution(ctx context.Context, c *domain.Contribution) error
	FindContributionByID(ctx context.Context, id uuid.UUID) (*domain.Contribution, error)
	FindContributionByProviderPaymentID(ctx context.Context, providerPaymentID string) (*domain.Contribution, error)
	FindContributionByProviderSubscriptionID(ctx context.Context, providerSubscriptionID string) (*domain.Contribution, error)
	FindContributionByProviderCustomerID(ctx context.Context, providerCustomerID string) (*domain.Contribution, error)
	UpdateContributionFields(ctx context.Context, id uuid.UUID, fields UpdateContributionFieldsParams) error
	ListContributionsByIdentity(ctx context.Context, email, providerAccount string) ([]domain.Contribution, error)

	// Sweep candidates
	ListFlaggedContributionsBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Contribution, error)
	ListUnconfirmedContributionsBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Contribution, error)

	// Revision audit trail
	AppendContributionRevision(ctx context.Context, rev domain.ContributionRevision) error

	// Payment methods. UpsertPayment is idempotent on the
	// (contribution_id, provider_balance_transaction_id) pair.
	UpsertPayment(ctx context.Context, p *domain.Payment) (bool, error)
	ListPaymentsByContribution(ctx context.Context, contributionID uuid.UUID) ([]domain.Payment, error)
}

// UpdateContributionFieldsParams declares the restricted field subset a single
// mutation may write. Nil fields are left untouched, so concurrent writers
// from different origins (webhook, manual review, backfill, portal) cannot
// clobber each other's unrelated fields.
type UpdateContributionFieldsParams struct {
	Status                  *string
	Amount                  *int64
	ProviderPaymentID       *string
	ProviderSubscriptionID  *string
	ProviderSetupIntentID   *string
	ProviderCustomerID      *string
	ProviderPaymentMethodID *string
	Metadata                json.RawMessage
	FlaggedDate             *time.Time
	LastPaymentDate         *time.Time
	BadActorScore           *int
	BadActorResponse        json.RawMessage
}

// IsZero reports whether the params would write nothing.
func (p UpdateContributionFieldsParams) IsZero() bool {
	return p.Status == nil &&
		p.Amount == nil &&
		p.ProviderPaymentID == nil &&
		p.ProviderSubscriptionID == nil &&
		p.ProviderSetupIntentID == nil &&
		p.ProviderCustomerID == nil &&
		p.ProviderPaymentMethodID == nil &&
		p.Metadata == nil &&
		p.FlaggedDate == nil &&
		p.LastPaymentDate == nil &&
		p.BadActorScore == nil &&
		p.BadActorResponse == nil
}
