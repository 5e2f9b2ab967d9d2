/**
 * @description
 * Payload types for messages flowing through the asynchronous task queue.
 * Webhook ingestion, portal cache population and bulk reconciliation all run
 * as consumers of these messages with at-least-once delivery.
 */

package domain

import (
	"encoding/json"
	"time"
)

// WebhookEventTask is the message the ingestion endpoint publishes for every
// signature-verified provider event. The processor consumes it asynchronously.
type WebhookEventTask struct {
	EventID         string          `json:"event_id"`
	EventType       string          `json:"event_type"`
	ProviderAccount string          `json:"provider_account"`
	Payload         json.RawMessage `json:"payload"`
	ReceivedAt      time.Time       `json:"received_at"`
}

// CachePopulateTask asks a worker to pull a contributor's provider objects and
// refresh the portal cache entry for (identity, account).
type CachePopulateTask struct {
	Identity        string    `json:"identity"`
	ProviderAccount string    `json:"provider_account"`
	RequestedAt     time.Time `json:"requested_at"`
}

// ReconcileAccountTask asks a worker to run the backfill transformer over one
// connected provider account, optionally time-bounded.
type ReconcileAccountTask struct {
	ProviderAccount string     `json:"provider_account"`
	Since           *time.Time `json:"since,omitempty"`
	Until           *time.Time `json:"until,omitempty"`
	RequestedAt     time.Time  `json:"requested_at"`
}

// ReconcileResult summarizes one backfill pass over a connected account.
type ReconcileResult struct {
	SubscriptionsSeen    int `json:"subscriptions_seen"`
	PaymentsSeen         int `json:"payments_seen"`
	ContributionsCreated int `json:"contributions_created"`
	SkippedExisting      int `json:"skipped_existing"`
	SkippedInvalid       int `json:"skipped_invalid"`
	PaymentRowsInserted  int `json:"payment_rows_inserted"`
}

// UpcomingInvoiceReminder is the side-effect message emitted for an upcoming
// invoice event. It never writes to the ledger.
type UpcomingInvoiceReminder struct {
	ContributionID  string    `json:"contribution_id"`
	ContributorID   string    `json:"contributor_id"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	NextPaymentDate time.Time `json:"next_payment_date"`
}
