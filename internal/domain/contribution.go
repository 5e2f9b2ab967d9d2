/**
 * @description
 * This file defines the core domain models for the contribution-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` to represent the value in the smallest currency
 *   unit (cents), which avoids floating-point inaccuracies with financial data.
 * - Provider identifiers are pointers because a contribution acquires them at
 *   different points of its lifecycle (checkout, webhook, backfill).
 */

package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Contribution statuses. These are the only values the status column may hold.
const (
	StatusProcessing = "processing"
	StatusFlagged    = "flagged"
	StatusRejected   = "rejected"
	StatusPaid       = "paid"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
	StatusRefunded   = "refunded"
	StatusAbandoned  = "abandoned"
)

// Contribution intervals.
const (
	IntervalOneTime = "one_time"
	IntervalMonthly = "monthly"
	IntervalYearly  = "yearly"
)

// Contribution represents the central ledger record for a donor's pledge or payment.
// This struct maps directly to the `contributions` table in the database.
type Contribution struct {
	ID                      uuid.UUID       `json:"id"`
	Amount                  int64           `json:"amount"` // in cents
	Currency                string          `json:"currency"`
	Interval                string          `json:"interval"` // 'one_time', 'monthly', 'yearly'
	Status                  string          `json:"status"`
	ContributorID           uuid.UUID       `json:"contributor_id"`
	DonationPageID          *uuid.UUID      `json:"donation_page_id,omitempty"`
	RevenueProgramID        *uuid.UUID      `json:"revenue_program_id,omitempty"`
	ProviderAccountID       string          `json:"provider_account_id"`
	ProviderPaymentID       *string         `json:"provider_payment_id,omitempty"`
	ProviderSubscriptionID  *string         `json:"provider_subscription_id,omitempty"`
	ProviderSetupIntentID   *string         `json:"provider_setup_intent_id,omitempty"`
	ProviderCustomerID      *string         `json:"provider_customer_id,omitempty"`
	ProviderPaymentMethodID *string         `json:"provider_payment_method_id,omitempty"`
	Metadata                json.RawMessage `json:"metadata,omitempty"`
	FlaggedDate             *time.Time      `json:"flagged_date,omitempty"`
	LastPaymentDate         *time.Time      `json:"last_payment_date,omitempty"`
	BadActorScore           *int            `json:"bad_actor_score,omitempty"`
	BadActorResponse        json.RawMessage `json:"bad_actor_response,omitempty"`
	CreatedAt               time.Time       `json:"created_at"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

// IsRecurring reports whether the contribution bills on an interval.
func (c *Contribution) IsRecurring() bool {
	return c.Interval == IntervalMonthly || c.Interval == IntervalYearly
}

// HasExactlyOneDonationSource checks the mutual-exclusion invariant: every
// contribution references exactly one of a donation page or a revenue program.
func (c *Contribution) HasExactlyOneDonationSource() bool {
	return (c.DonationPageID != nil) != (c.RevenueProgramID != nil)
}

// terminalStatuses are statuses no sweep, webhook or portal action may move a
// contribution out of. Paid is not in the set: a refund or a donor
// cancellation may still arrive.
var terminalStatuses = map[string]bool{
	StatusRejected:  true,
	StatusFailed:    true,
	StatusCanceled:  true,
	StatusRefunded:  true,
	StatusAbandoned: true,
}

// IsTerminalStatus reports whether status permits no further transitions.
func IsTerminalStatus(status string) bool {
	return terminalStatuses[status]
}

// legalTransitions enumerates the status state machine. The key is the current
// status, the value the set of statuses reachable from it. Every status write,
// whether webhook-driven or portal-driven, goes through this table.
var legalTransitions = map[string][]string{
	StatusProcessing: {StatusPaid, StatusFailed, StatusCanceled, StatusRejected, StatusAbandoned},
	StatusFlagged:    {StatusProcessing, StatusPaid, StatusRejected, StatusAbandoned},
	StatusPaid:       {StatusRefunded, StatusCanceled},
}

// CanTransition reports whether moving a contribution from one status to
// another is legal under the state machine.
func CanTransition(from, to string) bool {
	if from == to {
		return false
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidInterval reports whether interval is one of the supported values.
func ValidInterval(interval string) bool {
	switch interval {
	case IntervalOneTime, IntervalMonthly, IntervalYearly:
		return true
	}
	return false
}

// Payment represents one settlement or refund event tied to a Contribution.
// The (contribution_id, provider_balance_transaction_id) pair is unique and is
// the idempotency key for webhook refund rows and backfill upserts alike.
type Payment struct {
	ID                           uuid.UUID `json:"id"`
	ContributionID               uuid.UUID `json:"contribution_id"`
	GrossAmountPaid              int64     `json:"gross_amount_paid"`
	NetAmountPaid                int64     `json:"net_amount_paid"`
	AmountRefunded               int64     `json:"amount_refunded"`
	ProviderBalanceTransactionID string    `json:"provider_balance_transaction_id"`
	TransactionDate              time.Time `json:"transaction_date"`
	CreatedAt                    time.Time `json:"created_at"`
}

// Validate enforces the settlement/refund shape invariant: a refund row has
// zero gross/net and a positive refund amount, a settlement row has zero refund.
func (p *Payment) Validate() error {
	if strings.TrimSpace(p.ProviderBalanceTransactionID) == "" {
		return NewValidationError("provider_balance_transaction_id", "settlement transaction id is required")
	}
	if p.AmountRefunded > 0 {
		if p.GrossAmountPaid != 0 || p.NetAmountPaid != 0 {
			return NewValidationError("amount_refunded", "refund rows must carry zero gross and net amounts")
		}
		return nil
	}
	if p.AmountRefunded < 0 {
		return NewValidationError("amount_refunded", "refund amount cannot be negative")
	}
	if p.GrossAmountPaid <= 0 {
		return NewValidationError("gross_amount_paid", "settlement rows must carry a positive gross amount")
	}
	return nil
}

// Contributor represents a donor. One row per first-seen email, shared across
// all of that donor's contributions.
type Contributor struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// ContributionRevision is an audit row appended alongside every material
// status transition, carrying a human-readable reason.
type ContributionRevision struct {
	ID             uuid.UUID `json:"id"`
	ContributionID uuid.UUID `json:"contribution_id"`
	PriorStatus    string    `json:"prior_status"`
	NewStatus      string    `json:"new_status"`
	Reason         string    `json:"reason"`
	Actor          string    `json:"actor"` // e.g. 'webhook', 'sweep', 'backfill', 'portal'
	CreatedAt      time.Time `json:"created_at"`
}

// ContributionSubmission is the DTO for incoming checkout submissions.
type ContributionSubmission struct {
	Amount           int64      `json:"amount"` // in cents
	Currency         string     `json:"currency"`
	Interval         string     `json:"interval"`
	Email            string     `json:"email"`
	FirstName        string     `json:"first_name"`
	LastName         string     `json:"last_name"`
	MailingStreet    string     `json:"mailing_street"`
	MailingCity      string     `json:"mailing_city"`
	MailingState     string     `json:"mailing_state"`
	MailingPostal    string     `json:"mailing_postal_code"`
	MailingCountry   string     `json:"mailing_country"`
	Referer          string     `json:"referer"`
	IP               string     `json:"-"`
	CaptchaToken     string     `json:"captcha_token"`
	PaymentMethodID  string     `json:"payment_method_id"`
	DonationPageID   *uuid.UUID `json:"donation_page_id,omitempty"`
	RevenueProgramID *uuid.UUID `json:"revenue_program_id,omitempty"`
	ProviderAccount  string     `json:"provider_account"`
}

// Validate performs structural validation of a submission before any side
// effect is taken.
func (s *ContributionSubmission) Validate() error {
	if s.Amount <= 0 {
		return NewValidationError("amount", "amount must be a positive number of minor units")
	}
	if !ValidInterval(s.Interval) {
		return NewValidationError("interval", fmt.Sprintf("unsupported interval %q", s.Interval))
	}
	if strings.TrimSpace(s.Email) == "" || !strings.Contains(s.Email, "@") {
		return NewValidationError("email", "a valid email is required")
	}
	if strings.TrimSpace(s.ProviderAccount) == "" {
		return NewValidationError("provider_account", "a connected provider account is required")
	}
	if (s.DonationPageID != nil) == (s.RevenueProgramID != nil) {
		return NewValidationError("donation_source", "exactly one of donation_page_id or revenue_program_id must be set")
	}
	return nil
}

// ValidationError describes malformed input. It is surfaced to the caller and
// never produces a side effect.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Detail)
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, detail string) *ValidationError {
	return &ValidationError{Field: field, Detail: detail}
}
