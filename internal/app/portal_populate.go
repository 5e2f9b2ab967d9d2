/**
 * @description
 * Consumer for portal cache populate tasks. A task names a contributor
 * identity and a connected account; the worker pulls that contributor's live
 * subscriptions and one-time payments from the provider, derives portal
 * projections from the remote objects and upserts them into the cache.
 *
 * Derivation here is the live-sync path. It intentionally stays separate from
 * the backfill transformer's derivation: this one trusts the remote object as
 * the source of truth for display, while backfill reconstructs ledger rows.
 */

package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	stripe "github.com/stripe/stripe-go/v74"

	"github.com/donorhub/contribution-service/internal/domain"
	"github.com/donorhub/contribution-service/internal/provider"
)

// populateTimeout bounds one populate pass over a contributor's objects.
const populateTimeout = 2 * time.Minute

// CachePopulator pulls a contributor's provider objects into the portal cache.
type CachePopulator struct {
	gateway provider.Gateway
	cache   *PortalCache
}

// NewCachePopulator creates a populate worker.
func NewCachePopulator(gateway provider.Gateway, cache *PortalCache) *CachePopulator {
	return &CachePopulator{gateway: gateway, cache: cache}
}

// HandleTask is the queue binding entrypoint.
func (cp *CachePopulator) HandleTask(body []byte) bool {
	var task domain.CachePopulateTask
	if err := json.Unmarshal(body, &task); err != nil {
		log.Printf("level=error component=cache_populator msg=\"malformed task dropped\" err=%v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), populateTimeout)
	defer cancel()

	if err := cp.Populate(ctx, task.Identity, task.ProviderAccount); err != nil {
		log.Printf("level=error component=cache_populator msg=\"populate failed; requeueing\" identity=%s account=%s err=%v", task.Identity, task.ProviderAccount, err)
		return false
	}
	return true
}

// Populate refreshes the cache entry for one (identity, account) pair. An
// identity with no provider customer populates nothing and succeeds.
func (cp *CachePopulator) Populate(ctx context.Context, identity, providerAccount string) error {
	var cus *stripe.Customer
	err := retryProvider(ctx, "search_customer", func() error {
		var searchErr error
		cus, searchErr = cp.gateway.SearchCustomerByEmail(ctx, providerAccount, identity)
		return searchErr
	})
	if err != nil {
		return err
	}
	if cus == nil {
		log.Printf("level=info component=cache_populator msg=\"no provider customer for identity\" identity=%s account=%s", identity, providerAccount)
		return nil
	}

	var subs []*stripe.Subscription
	err = retryProvider(ctx, "list_subscriptions", func() error {
		var listErr error
		subs, listErr = cp.gateway.ListSubscriptions(ctx, providerAccount, cus.ID, nil, nil)
		return listErr
	})
	if err != nil {
		return err
	}

	var intents []*stripe.PaymentIntent
	err = retryProvider(ctx, "list_payment_intents", func() error {
		var listErr error
		intents, listErr = cp.gateway.ListPaymentIntents(ctx, providerAccount, cus.ID, nil, nil)
		return listErr
	})
	if err != nil {
		return err
	}

	items := make([]domain.CacheItem, 0, len(subs)+len(intents))
	for _, sub := range subs {
		if sub == nil || !recognizedMetadata(sub.Metadata) {
			continue
		}
		items = append(items, projectionFromSubscription(sub))
	}
	for _, pi := range intents {
		if pi == nil || !recognizedMetadata(pi.Metadata) {
			continue
		}
		if pi.Invoice != nil {
			// Subscription-billed payments surface through their subscription.
			continue
		}
		items = append(items, projectionFromPaymentIntent(pi))
	}

	if len(items) == 0 {
		log.Printf("level=info component=cache_populator msg=\"no projectable objects for identity\" identity=%s account=%s", identity, providerAccount)
		return nil
	}
	return cp.cache.Upsert(ctx, identity, providerAccount, items)
}

// recognizedMetadata reports whether a remote object carries the versioned
// metadata this system writes. Foreign objects on the same account are not
// portal material.
func recognizedMetadata(meta map[string]string) bool {
	if len(meta) == 0 {
		return false
	}
	return meta["schema_version"] != ""
}

func projectionFromSubscription(sub *stripe.Subscription) domain.PortalProjection {
	p := domain.PortalProjection{
		ProviderObjectID: sub.ID,
		Status:           subscriptionLedgerStatus(sub.Status),
		CreatedAt:        time.Unix(sub.Created, 0).UTC(),
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		price := sub.Items.Data[0].Price
		p.Amount = price.UnitAmount
		p.Currency = string(price.Currency)
		if price.Recurring != nil {
			p.Interval = ledgerInterval(string(price.Recurring.Interval))
		}
	}
	pm := sub.DefaultPaymentMethod
	if pm == nil {
		pm = customerDefaultPaymentMethod(sub.Customer)
	}
	if pm != nil && pm.Card != nil {
		p.CardBrand = string(pm.Card.Brand)
		p.CardLast4 = pm.Card.Last4
	}
	if sub.CurrentPeriodStart > 0 {
		t := time.Unix(sub.CurrentPeriodStart, 0).UTC()
		p.LastPaymentDate = &t
	}
	if sub.CurrentPeriodEnd > 0 && sub.Status == stripe.SubscriptionStatusActive {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		p.NextPaymentDate = &t
	}
	return p
}

// customerDefaultPaymentMethod returns the customer-level default payment
// method, the fallback for subscriptions that carry none of their own.
func customerDefaultPaymentMethod(cus *stripe.Customer) *stripe.PaymentMethod {
	if cus == nil || cus.InvoiceSettings == nil {
		return nil
	}
	return cus.InvoiceSettings.DefaultPaymentMethod
}

func projectionFromPaymentIntent(pi *stripe.PaymentIntent) domain.PortalProjection {
	p := domain.PortalProjection{
		ProviderObjectID: pi.ID,
		Amount:           pi.Amount,
		Currency:         string(pi.Currency),
		Interval:         domain.IntervalOneTime,
		Status:           paymentIntentLedgerStatus(pi),
		CreatedAt:        time.Unix(pi.Created, 0).UTC(),
	}
	if pi.PaymentMethod != nil && pi.PaymentMethod.Card != nil {
		p.CardBrand = string(pi.PaymentMethod.Card.Brand)
		p.CardLast4 = pi.PaymentMethod.Card.Last4
	}
	if pi.Status == stripe.PaymentIntentStatusSucceeded {
		t := time.Unix(pi.Created, 0).UTC()
		p.LastPaymentDate = &t
	}
	return p
}

// subscriptionLedgerStatus maps a provider subscription status onto the ledger
// status vocabulary the portal displays.
func subscriptionLedgerStatus(status stripe.SubscriptionStatus) string {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return domain.StatusPaid
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return domain.StatusCanceled
	default:
		return domain.StatusProcessing
	}
}

func paymentIntentLedgerStatus(pi *stripe.PaymentIntent) string {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return domain.StatusPaid
	case stripe.PaymentIntentStatusRequiresCapture:
		return domain.StatusFlagged
	case stripe.PaymentIntentStatusCanceled:
		if string(pi.CancellationReason) == provider.CancellationReasonFraud {
			return domain.StatusRejected
		}
		return domain.StatusCanceled
	default:
		return domain.StatusProcessing
	}
}

// ledgerInterval maps the provider recurrence back to the ledger vocabulary.
func ledgerInterval(providerInterval string) string {
	switch providerInterval {
	case "month":
		return domain.IntervalMonthly
	case "year":
		return domain.IntervalYearly
	}
	return providerInterval
}
