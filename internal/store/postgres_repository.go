/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to contributions, contributors, payments and revision audit rows.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/donorhub/contribution-service/internal/domain"
)

var (
	ErrContributorNotFound  = errors.New("contributor not found")
	ErrContributionNotFound = errors.New("contribution not found")
	ErrNothingToUpdate      = errors.New("update writes no fields")
)

const contributionColumns = `id, amount, currency, interval, status, contributor_id,
	donation_page_id, revenue_program_id, provider_account_id, provider_payment_id,
	provider_subscription_id, provider_setup_intent_id, provider_customer_id,
	provider_payment_method_id, metadata, flagged_date, last_payment_date,
	bad_actor_score, bad_actor_response, created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindContributorByEmail retrieves a contributor by email, case-insensitively.
func (r *PostgresRepository) FindContributorByEmail(ctx context.Context, email string) (*domain.Contributor, error) {
	var c domain.Contributor
	query := `SELECT id, email, created_at FROM contributors WHERE lower(btrim(email)) = lower(btrim($1))`
	err := r.db.QueryRow(ctx, query, email).Scan(&c.ID, &c.Email, &c.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrContributorNotFound
		}
		return nil, err
	}
	return &c, nil
}

// FindOrCreateContributorByEmail returns the existing contributor for the email
// or inserts a new row. The insert races safely against concurrent creators via
// the unique index on lower(email).
func (r *PostgresRepository) FindOrCreateContributorByEmail(ctx context.Context, email string) (*domain.Contributor, error) {
	existing, err := r.FindContributorByEmail(ctx, email)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrContributorNotFound) {
		return nil, err
	}

	c := domain.Contributor{ID: uuid.New(), Email: strings.TrimSpace(email)}
	query := `INSERT INTO contributors (id, email, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (lower(btrim(email))) DO NOTHING
		RETURNING id, email, created_at`
	err = r.db.QueryRow(ctx, query, c.ID, c.Email).Scan(&c.ID, &c.Email, &c.CreatedAt)
	if err == nil {
		return &c, nil
	}
	if err == pgx.ErrNoRows {
		// Lost the race; the row now exists.
		return r.FindContributorByEmail(ctx, email)
	}
	return nil, err
}

// CreateContribution inserts a new contribution row. The donation-source
// invariant is re-checked here so no code path can persist a row violating it.
func (r *PostgresRepository) CreateContribution(ctx context.Context, c *domain.Contribution) error {
	if !c.HasExactlyOneDonationSource() {
		return domain.NewValidationError("donation_source", "contribution must reference exactly one donation source")
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}

	query := `INSERT INTO contributions (
			id, amount, currency, interval, status, contributor_id,
			donation_page_id, revenue_program_id, provider_account_id, provider_payment_id,
			provider_subscription_id, provider_setup_intent_id, provider_customer_id,
			provider_payment_method_id, metadata, flagged_date, last_payment_date,
			bad_actor_score, bad_actor_response, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, now(), now())
		RETURNING created_at, updated_at`
	return r.db.QueryRow(ctx, query,
		c.ID, c.Amount, c.Currency, c.Interval, c.Status, c.ContributorID,
		c.DonationPageID, c.RevenueProgramID, c.ProviderAccountID, c.ProviderPaymentID,
		c.ProviderSubscriptionID, c.ProviderSetupIntentID, c.ProviderCustomerID,
		c.ProviderPaymentMethodID, c.Metadata, c.FlaggedDate, c.LastPaymentDate,
		c.BadActorScore, c.BadActorResponse,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *PostgresRepository) findContributionWhere(ctx context.Context, where string, args ...interface{}) (*domain.Contribution, error) {
	query := fmt.Sprintf(`SELECT %s FROM contributions WHERE %s`, contributionColumns, where)
	row := r.db.QueryRow(ctx, query, args...)
	c, err := scanContribution(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrContributionNotFound
		}
		return nil, err
	}
	return c, nil
}

// FindContributionByID retrieves a single contribution by primary key.
func (r *PostgresRepository) FindContributionByID(ctx context.Context, id uuid.UUID) (*domain.Contribution, error) {
	return r.findContributionWhere(ctx, `id = $1`, id)
}

// FindContributionByProviderPaymentID resolves one-time webhook events.
func (r *PostgresRepository) FindContributionByProviderPaymentID(ctx context.Context, providerPaymentID string) (*domain.Contribution, error) {
	return r.findContributionWhere(ctx, `provider_payment_id = $1`, providerPaymentID)
}

// FindContributionByProviderSubscriptionID resolves backfill dedup checks.
func (r *PostgresRepository) FindContributionByProviderSubscriptionID(ctx context.Context, providerSubscriptionID string) (*domain.Contribution, error) {
	return r.findContributionWhere(ctx, `provider_subscription_id = $1`, providerSubscriptionID)
}

// FindContributionByProviderCustomerID resolves recurring webhook events. The
// newest matching row wins when a donor has several recurring contributions.
func (r *PostgresRepository) FindContributionByProviderCustomerID(ctx context.Context, providerCustomerID string) (*domain.Contribution, error) {
	return r.findContributionWhere(ctx,
		`provider_customer_id = $1 AND interval <> 'one_time' ORDER BY created_at DESC LIMIT 1`,
		providerCustomerID)
}

// UpdateContributionFields applies a partial update writing only the declared
// field subset. An empty params struct is rejected rather than issuing a no-op
// UPDATE, to surface handler bugs early.
func (r *PostgresRepository) UpdateContributionFields(ctx context.Context, id uuid.UUID, fields UpdateContributionFieldsParams) error {
	if fields.IsZero() {
		return ErrNothingToUpdate
	}

	set := make([]string, 0, 13)
	args := make([]interface{}, 0, 14)
	add := func(column string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if fields.Status != nil {
		add("status", *fields.Status)
	}
	if fields.Amount != nil {
		add("amount", *fields.Amount)
	}
	if fields.ProviderPaymentID != nil {
		add("provider_payment_id", *fields.ProviderPaymentID)
	}
	if fields.ProviderSubscriptionID != nil {
		add("provider_subscription_id", *fields.ProviderSubscriptionID)
	}
	if fields.ProviderSetupIntentID != nil {
		add("provider_setup_intent_id", *fields.ProviderSetupIntentID)
	}
	if fields.ProviderCustomerID != nil {
		add("provider_customer_id", *fields.ProviderCustomerID)
	}
	if fields.ProviderPaymentMethodID != nil {
		add("provider_payment_method_id", *fields.ProviderPaymentMethodID)
	}
	if fields.Metadata != nil {
		add("metadata", fields.Metadata)
	}
	if fields.FlaggedDate != nil {
		add("flagged_date", *fields.FlaggedDate)
	}
	if fields.LastPaymentDate != nil {
		add("last_payment_date", *fields.LastPaymentDate)
	}
	if fields.BadActorScore != nil {
		add("bad_actor_score", *fields.BadActorScore)
	}
	if fields.BadActorResponse != nil {
		add("bad_actor_response", fields.BadActorResponse)
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE contributions SET %s, updated_at = now() WHERE id = $%d`,
		strings.Join(set, ", "), len(args))

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrContributionNotFound
	}
	return nil
}

// ListContributionsByIdentity returns the contributions backing a portal cache
// entry: all rows for the contributor email scoped to one connected account.
func (r *PostgresRepository) ListContributionsByIdentity(ctx context.Context, email, providerAccount string) ([]domain.Contribution, error) {
	query := fmt.Sprintf(`SELECT %s FROM contributions
		WHERE contributor_id = (SELECT id FROM contributors WHERE lower(btrim(email)) = lower(btrim($1)))
		AND provider_account_id = $2
		ORDER BY created_at DESC`, contributionColumns)
	rows, err := r.db.Query(ctx, query, email, providerAccount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectContributions(rows)
}

// ListFlaggedContributionsBefore returns flagged rows whose hold began before
// the cutoff, the candidates for the auto-accept sweep.
func (r *PostgresRepository) ListFlaggedContributionsBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Contribution, error) {
	query := fmt.Sprintf(`SELECT %s FROM contributions
		WHERE status = 'flagged' AND flagged_date IS NOT NULL AND flagged_date < $1
		ORDER BY flagged_date ASC LIMIT $2`, contributionColumns)
	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectContributions(rows)
}

// ListUnconfirmedContributionsBefore returns non-terminal rows that never saw a
// payment confirmation, the candidates for the abandoned sweep.
func (r *PostgresRepository) ListUnconfirmedContributionsBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Contribution, error) {
	query := fmt.Sprintf(`SELECT %s FROM contributions
		WHERE status IN ('processing', 'flagged')
		AND last_payment_date IS NULL
		AND created_at < $1
		ORDER BY created_at ASC LIMIT $2`, contributionColumns)
	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectContributions(rows)
}

// AppendContributionRevision records a material status transition.
func (r *PostgresRepository) AppendContributionRevision(ctx context.Context, rev domain.ContributionRevision) error {
	if rev.ID == uuid.Nil {
		rev.ID = uuid.New()
	}
	query := `INSERT INTO contribution_revisions (id, contribution_id, prior_status, new_status, reason, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`
	_, err := r.db.Exec(ctx, query, rev.ID, rev.ContributionID, rev.PriorStatus, rev.NewStatus, rev.Reason, rev.Actor)
	return err
}

// UpsertPayment inserts a settlement or refund row, returning false when the
// (contribution, settlement transaction) pair already exists. Re-running the
// backfill over the same remote history therefore produces no duplicate rows.
func (r *PostgresRepository) UpsertPayment(ctx context.Context, p *domain.Payment) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	query := `INSERT INTO payments (id, contribution_id, gross_amount_paid, net_amount_paid,
			amount_refunded, provider_balance_transaction_id, transaction_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (contribution_id, provider_balance_transaction_id) DO NOTHING`
	tag, err := r.db.Exec(ctx, query, p.ID, p.ContributionID, p.GrossAmountPaid,
		p.NetAmountPaid, p.AmountRefunded, p.ProviderBalanceTransactionID, p.TransactionDate)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListPaymentsByContribution returns all settlement/refund rows for one contribution.
func (r *PostgresRepository) ListPaymentsByContribution(ctx context.Context, contributionID uuid.UUID) ([]domain.Payment, error) {
	query := `SELECT id, contribution_id, gross_amount_paid, net_amount_paid, amount_refunded,
			provider_balance_transaction_id, transaction_date, created_at
		FROM payments WHERE contribution_id = $1 ORDER BY transaction_date ASC`
	rows, err := r.db.Query(ctx, query, contributionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.ID, &p.ContributionID, &p.GrossAmountPaid, &p.NetAmountPaid,
			&p.AmountRefunded, &p.ProviderBalanceTransactionID, &p.TransactionDate, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanContribution(row rowScanner) (*domain.Contribution, error) {
	var c domain.Contribution
	err := row.Scan(
		&c.ID, &c.Amount, &c.Currency, &c.Interval, &c.Status, &c.ContributorID,
		&c.DonationPageID, &c.RevenueProgramID, &c.ProviderAccountID, &c.ProviderPaymentID,
		&c.ProviderSubscriptionID, &c.ProviderSetupIntentID, &c.ProviderCustomerID,
		&c.ProviderPaymentMethodID, &c.Metadata, &c.FlaggedDate, &c.LastPaymentDate,
		&c.BadActorScore, &c.BadActorResponse, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func collectContributions(rows pgx.Rows) ([]domain.Contribution, error) {
	var out []domain.Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
