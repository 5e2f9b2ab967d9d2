/**
 * @description
 * The backfill transformer. It walks a connected account's provider history
 * and reconstructs missing ledger rows: subscriptions and standalone payments
 * created by this system (recognized by their versioned metadata) that have no
 * contribution row, plus the settlement and refund payment rows behind them.
 *
 * Untracked remote objects pass through a typed wrapper whose constructor
 * enforces the required fields up front, so the import code never branches on
 * half-present objects. An object failing construction or metadata validation
 * is counted, logged and skipped; it never aborts the pass.
 *
 * Every write is idempotent. Running the same pass twice creates no second
 * contribution and no duplicate payment row.
 */

package app

import (
	"context"
	"encoding/json"
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
)

// reconcileTimeout bounds one queued backfill pass.
const reconcileTimeout = 10 * time.Minute

// IgnorableSyncError marks a remote object that cannot be imported but must
// not abort the pass. Anything else raised inside the loop is fatal and nacks
// the task.
type IgnorableSyncError struct {
	Reason string
}

func (e *IgnorableSyncError) Error() string { return e.Reason }

func ignorable(format string, args ...interface{}) error {
	return &IgnorableSyncError{Reason: fmt.Sprintf(format, args...)}
}

// Reconciler runs backfill passes over connected accounts.
type Reconciler struct {
	gateway provider.Gateway
	repo    store.Repository
}

// NewReconciler creates a backfill worker.
func NewReconciler(gateway provider.Gateway, repo store.Repository) *Reconciler {
	return &Reconciler{gateway: gateway, repo: repo}
}

// HandleTask is the queue binding entrypoint.
func (r *Reconciler) HandleTask(body []byte) bool {
	var task domain.ReconcileAccountTask
	if err := json.Unmarshal(body, &task); err != nil {
		log.Printf("level=error component=reconciler msg=\"malformed task dropped\" err=%v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()

	result, err := r.ReconcileAccount(ctx, task.ProviderAccount, task.Since, task.Until)
	if err != nil {
		log.Printf("level=error component=reconciler msg=\"backfill failed; requeueing\" account=%s err=%v", task.ProviderAccount, err)
		return false
	}
	log.Printf("level=info component=reconciler msg=\"backfill pass complete\" account=%s subscriptions_seen=%d payments_seen=%d created=%d skipped_existing=%d skipped_invalid=%d payment_rows=%d",
		task.ProviderAccount, result.SubscriptionsSeen, result.PaymentsSeen, result.ContributionsCreated, result.SkippedExisting, result.SkippedInvalid, result.PaymentRowsInserted)
	return true
}

// ReconcileAccount runs one backfill pass over an account, optionally bounded
// to objects created inside [since, until).
func (r *Reconciler) ReconcileAccount(ctx context.Context, account string, since, until *time.Time) (*domain.ReconcileResult, error) {
	result := &domain.ReconcileResult{}

	var subs []*stripe.Subscription
	err := retryProvider(ctx, "list_subscriptions", func() error {
		var listErr error
		subs, listErr = r.gateway.ListSubscriptions(ctx, account, "", since, until)
		return listErr
	})
	if err != nil {
		return result, fmt.Errorf("list subscriptions: %w", err)
	}

	for _, sub := range subs {
		if sub == nil {
			continue
		}
		result.SubscriptionsSeen++

		if _, err := r.repo.FindContributionByProviderSubscriptionID(ctx, sub.ID); err == nil {
			result.SkippedExisting++
			continue
		} else if !errors.Is(err, store.ErrContributionNotFound) {
			return result, fmt.Errorf("lookup subscription %s: %w", sub.ID, err)
		}

		tracked, err := newUntrackedSubscription(sub)
		if err != nil {
			var skip *IgnorableSyncError
			if !errors.As(err, &skip) {
				return result, fmt.Errorf("inspect subscription %s: %w", sub.ID, err)
			}
			result.SkippedInvalid++
			log.Printf("level=warn component=reconciler msg=\"subscription skipped\" account=%s subscription_id=%s reason=%q", account, sub.ID, skip.Reason)
			continue
		}

		c, err := r.importSubscription(ctx, account, tracked)
		if err != nil {
			return result, fmt.Errorf("import subscription %s: %w", sub.ID, err)
		}
		result.ContributionsCreated++

		inserted, err := r.importCustomerCharges(ctx, account, c, tracked.customerID, since)
		if err != nil {
			return result, err
		}
		result.PaymentRowsInserted += inserted
	}

	var intents []*stripe.PaymentIntent
	err = retryProvider(ctx, "list_payment_intents", func() error {
		var listErr error
		intents, listErr = r.gateway.ListPaymentIntents(ctx, account, "", since, until)
		return listErr
	})
	if err != nil {
		return result, fmt.Errorf("list payment intents: %w", err)
	}

	for _, pi := range intents {
		if pi == nil || pi.Invoice != nil {
			// Subscription-billed intents are covered by their subscription.
			continue
		}
		result.PaymentsSeen++

		if _, err := r.repo.FindContributionByProviderPaymentID(ctx, pi.ID); err == nil {
			result.SkippedExisting++
			continue
		} else if !errors.Is(err, store.ErrContributionNotFound) {
			return result, fmt.Errorf("lookup payment %s: %w", pi.ID, err)
		}

		tracked, err := newUntrackedPayment(pi)
		if err != nil {
			var skip *IgnorableSyncError
			if !errors.As(err, &skip) {
				return result, fmt.Errorf("inspect payment %s: %w", pi.ID, err)
			}
			result.SkippedInvalid++
			log.Printf("level=warn component=reconciler msg=\"payment skipped\" account=%s payment_intent_id=%s reason=%q", account, pi.ID, skip.Reason)
			continue
		}

		c, err := r.importPayment(ctx, account, tracked)
		if err != nil {
			return result, fmt.Errorf("import payment %s: %w", pi.ID, err)
		}
		result.ContributionsCreated++

		inserted, err := r.importPaymentCharges(ctx, account, c, pi.ID)
		if err != nil {
			return result, err
		}
		result.PaymentRowsInserted += inserted
	}

	return result, nil
}

// untrackedSubscription wraps a provider subscription that has no ledger row.
// Construction fails unless the object carries everything an import needs.
type untrackedSubscription struct {
	sub        *stripe.Subscription
	meta       *domain.ContributionMetadata
	customerID string
	email      string
	amount     int64
	currency   string
	interval   string
}

func newUntrackedSubscription(sub *stripe.Subscription) (*untrackedSubscription, error) {
	if sub.Customer == nil || sub.Customer.ID == "" {
		return nil, ignorable("subscription carries no customer")
	}
	email := strings.TrimSpace(sub.Customer.Email)
	if email == "" {
		return nil, ignorable("subscription customer carries no email")
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return nil, ignorable("subscription carries no priced item")
	}
	price := sub.Items.Data[0].Price
	if price.UnitAmount <= 0 {
		return nil, ignorable("subscription price has no positive amount")
	}
	if price.Recurring == nil {
		return nil, ignorable("subscription price is not recurring")
	}
	interval := ledgerInterval(string(price.Recurring.Interval))
	if !domain.ValidInterval(interval) || interval == domain.IntervalOneTime {
		return nil, ignorable("unsupported recurrence %q", price.Recurring.Interval)
	}

	meta := domain.MetadataFromProviderMap(sub.Metadata)
	if err := meta.Validate(); err != nil {
		return nil, ignorable("metadata: %v", err)
	}

	return &untrackedSubscription{
		sub:        sub,
		meta:       meta,
		customerID: sub.Customer.ID,
		email:      email,
		amount:     price.UnitAmount,
		currency:   string(price.Currency),
		interval:   interval,
	}, nil
}

// untrackedPayment wraps a standalone provider payment with no ledger row.
type untrackedPayment struct {
	pi         *stripe.PaymentIntent
	meta       *domain.ContributionMetadata
	customerID string
	email      string
}

func newUntrackedPayment(pi *stripe.PaymentIntent) (*untrackedPayment, error) {
	if pi.Customer == nil || pi.Customer.ID == "" {
		return nil, ignorable("payment carries no customer")
	}
	email := strings.TrimSpace(pi.Customer.Email)
	if email == "" {
		return nil, ignorable("payment customer carries no email")
	}
	if pi.Amount <= 0 {
		return nil, ignorable("payment has no positive amount")
	}

	meta := domain.MetadataFromProviderMap(pi.Metadata)
	if err := meta.Validate(); err != nil {
		return nil, ignorable("metadata: %v", err)
	}

	return &untrackedPayment{pi: pi, meta: meta, customerID: pi.Customer.ID, email: email}, nil
}

func (r *Reconciler) importSubscription(ctx context.Context, account string, t *untrackedSubscription) (*domain.Contribution, error) {
	contributor, err := r.repo.FindOrCreateContributorByEmail(ctx, strings.ToLower(t.email))
	if err != nil {
		return nil, fmt.Errorf("resolve contributor: %w", err)
	}

	metaRaw, err := json.Marshal(t.meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	c := &domain.Contribution{
		ID:                     uuid.New(),
		Amount:                 t.amount,
		Currency:               t.currency,
		Interval:               t.interval,
		Status:                 subscriptionLedgerStatus(t.sub.Status),
		ContributorID:          contributor.ID,
		DonationPageID:         t.meta.DonationPageID,
		RevenueProgramID:       t.meta.RevenueProgramID,
		ProviderAccountID:      account,
		ProviderSubscriptionID: &t.sub.ID,
		ProviderCustomerID:     &t.customerID,
		Metadata:               metaRaw,
	}
	if t.sub.DefaultPaymentMethod != nil {
		c.ProviderPaymentMethodID = &t.sub.DefaultPaymentMethod.ID
	} else if pm := customerDefaultPaymentMethod(t.sub.Customer); pm != nil {
		c.ProviderPaymentMethodID = &pm.ID
	}
	if c.Status == domain.StatusPaid && t.sub.CurrentPeriodStart > 0 {
		paidAt := time.Unix(t.sub.CurrentPeriodStart, 0).UTC()
		c.LastPaymentDate = &paidAt
	}

	if err := r.repo.CreateContribution(ctx, c); err != nil {
		return nil, err
	}
	r.appendImportRevision(ctx, c)
	return c, nil
}

func (r *Reconciler) importPayment(ctx context.Context, account string, t *untrackedPayment) (*domain.Contribution, error) {
	contributor, err := r.repo.FindOrCreateContributorByEmail(ctx, strings.ToLower(t.email))
	if err != nil {
		return nil, fmt.Errorf("resolve contributor: %w", err)
	}

	metaRaw, err := json.Marshal(t.meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	c := &domain.Contribution{
		ID:                 uuid.New(),
		Amount:             t.pi.Amount,
		Currency:           string(t.pi.Currency),
		Interval:           domain.IntervalOneTime,
		Status:             paymentIntentLedgerStatus(t.pi),
		ContributorID:      contributor.ID,
		DonationPageID:     t.meta.DonationPageID,
		RevenueProgramID:   t.meta.RevenueProgramID,
		ProviderAccountID:  account,
		ProviderPaymentID:  &t.pi.ID,
		ProviderCustomerID: &t.customerID,
		Metadata:           metaRaw,
	}
	if t.pi.PaymentMethod != nil {
		c.ProviderPaymentMethodID = &t.pi.PaymentMethod.ID
	}
	if c.Status == domain.StatusPaid {
		paidAt := time.Unix(t.pi.Created, 0).UTC()
		c.LastPaymentDate = &paidAt
	}

	if err := r.repo.CreateContribution(ctx, c); err != nil {
		return nil, err
	}
	r.appendImportRevision(ctx, c)
	return c, nil
}

func (r *Reconciler) appendImportRevision(ctx context.Context, c *domain.Contribution) {
	err := r.repo.AppendContributionRevision(ctx, domain.ContributionRevision{
		ContributionID: c.ID,
		NewStatus:      c.Status,
		Reason:         "ledger row reconstructed from provider history",
		Actor:          "backfill",
	})
	if err != nil {
		log.Printf("level=warn component=reconciler msg=\"revision append failed\" contribution_id=%s err=%v", c.ID, err)
	}
}

// importCustomerCharges upserts settlement and refund rows for a recurring
// contribution from the customer's charge history.
func (r *Reconciler) importCustomerCharges(ctx context.Context, account string, c *domain.Contribution, customerID string, since *time.Time) (int, error) {
	var charges []*stripe.Charge
	err := retryProvider(ctx, "list_charges", func() error {
		var listErr error
		charges, listErr = r.gateway.ListChargesForCustomer(ctx, account, customerID, since)
		return listErr
	})
	if err != nil {
		return 0, fmt.Errorf("list charges for customer %s: %w", customerID, err)
	}
	return r.upsertChargeRows(ctx, c, charges)
}

// importPaymentCharges upserts settlement and refund rows for a one-time
// contribution from its payment's charges.
func (r *Reconciler) importPaymentCharges(ctx context.Context, account string, c *domain.Contribution, paymentIntentID string) (int, error) {
	var charges []*stripe.Charge
	err := retryProvider(ctx, "list_charges", func() error {
		var listErr error
		charges, listErr = r.gateway.ListChargesForPaymentIntent(ctx, account, paymentIntentID)
		return listErr
	})
	if err != nil {
		return 0, fmt.Errorf("list charges for payment %s: %w", paymentIntentID, err)
	}
	return r.upsertChargeRows(ctx, c, charges)
}

func (r *Reconciler) upsertChargeRows(ctx context.Context, c *domain.Contribution, charges []*stripe.Charge) (int, error) {
	inserted := 0
	for _, ch := range charges {
		if ch == nil {
			continue
		}
		if ch.Paid && ch.BalanceTransaction != nil {
			row := &domain.Payment{
				ContributionID:               c.ID,
				GrossAmountPaid:              ch.Amount,
				NetAmountPaid:                ch.BalanceTransaction.Net,
				ProviderBalanceTransactionID: ch.BalanceTransaction.ID,
				TransactionDate:              time.Unix(ch.BalanceTransaction.Created, 0).UTC(),
			}
			ok, err := r.upsertValidated(ctx, row)
			if err != nil {
				return inserted, err
			}
			if ok {
				inserted++
			}
		}
		if ch.Refunds == nil {
			continue
		}
		for _, refund := range ch.Refunds.Data {
			if refund == nil || refund.BalanceTransaction == nil {
				continue
			}
			row := &domain.Payment{
				ContributionID:               c.ID,
				AmountRefunded:               refund.Amount,
				ProviderBalanceTransactionID: refund.BalanceTransaction.ID,
				TransactionDate:              time.Unix(refund.Created, 0).UTC(),
			}
			ok, err := r.upsertValidated(ctx, row)
			if err != nil {
				return inserted, err
			}
			if ok {
				inserted++
			}
		}
	}
	return inserted, nil
}

func (r *Reconciler) upsertValidated(ctx context.Context, row *domain.Payment) (bool, error) {
	if err := row.Validate(); err != nil {
		log.Printf("level=warn component=reconciler msg=\"invalid payment row skipped\" contribution_id=%s balance_txn=%s err=%v", row.ContributionID, row.ProviderBalanceTransactionID, err)
		return false, nil
	}
	ok, err := r.repo.UpsertPayment(ctx, row)
	if err != nil {
		return false, fmt.Errorf("upsert payment row %s: %w", row.ProviderBalanceTransactionID, err)
	}
	return ok, nil
}
