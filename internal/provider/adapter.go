/**
 * @description
 * The provider Adapter converts ledger intents into remote provider calls and
 * keeps local status honest under partial failure: every mutating operation
 * sets an interim local status before touching the remote side and reverts it
 * when the remote call fails. There is no cross-system transaction; this
 * compensating-action discipline is the consistency mechanism.
 *
 * Retry policy is explicitly the caller's responsibility. The adapter raises
 * *provider.Error and nothing else for remote failures.
 */

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v74"

	"github.com/donorhub/contribution-service/internal/domain"
	"github.com/donorhub/contribution-service/internal/store"
)

// CancellationReasonFraud is the remote cancellation reason that distinguishes
// a fraud rejection from an ordinary cancellation, on both sides of the fence:
// the adapter sends it, the webhook processor branches on it.
const CancellationReasonFraud = "fraudulent"

// ProviderInterval maps a ledger interval to the provider's recurring interval.
func ProviderInterval(interval string) (string, error) {
	switch interval {
	case domain.IntervalMonthly:
		return "month", nil
	case domain.IntervalYearly:
		return "year", nil
	}
	return "", fmt.Errorf("interval %q has no provider recurrence", interval)
}

// Adapter performs remote payment operations on behalf of the ledger.
type Adapter struct {
	gateway   Gateway
	repo      store.Repository
	productID string
}

// NewAdapter wires a gateway and repository into an Adapter. productID names
// the provider product recurring prices are minted under.
func NewAdapter(gateway Gateway, repo store.Repository, productID string) *Adapter {
	return &Adapter{gateway: gateway, repo: repo, productID: productID}
}

// Gateway exposes the underlying remote surface for read-only collaborators
// (portal cache population, backfill).
func (a *Adapter) Gateway() Gateway { return a.gateway }

// EnsureCustomer finds the provider customer for an email on the connected
// account, creating one when none exists.
func (a *Adapter) EnsureCustomer(ctx context.Context, account, email string, metadata map[string]string) (*stripe.Customer, error) {
	cus, err := a.gateway.SearchCustomerByEmail(ctx, account, email)
	if err != nil {
		return nil, err
	}
	if cus != nil {
		return cus, nil
	}
	return a.gateway.CreateCustomer(ctx, account, email, metadata)
}

// CompletePayment resolves a held (flagged) contribution by capturing or
// canceling its remote object, selected by interval. reject=true cancels with
// the fraud reason; reject=false commits the payment. On remote failure the
// interim local status reverts to its prior value and the adapter error is
// raised. A missing remote object is itself an error, never a silent no-op.
func (a *Adapter) CompletePayment(ctx context.Context, c *domain.Contribution, reject bool, actor string) error {
	prior := c.Status

	interim := domain.StatusProcessing
	if err := a.repo.UpdateContributionFields(ctx, c.ID, store.UpdateContributionFieldsParams{Status: &interim}); err != nil {
		return fmt.Errorf("set interim status: %w", err)
	}

	fields, revision, err := a.completeRemote(ctx, c, reject)
	if err != nil {
		a.revertStatus(ctx, c.ID, prior)
		return err
	}

	if err := a.repo.UpdateContributionFields(ctx, c.ID, fields); err != nil {
		return fmt.Errorf("persist completion: %w", err)
	}
	if revision.NewStatus != "" {
		revision.ContributionID = c.ID
		revision.PriorStatus = prior
		revision.Actor = actor
		if err := a.repo.AppendContributionRevision(ctx, revision); err != nil {
			log.Printf("level=warn component=provider_adapter msg=\"revision append failed\" contribution_id=%s err=%v", c.ID, err)
		}
	}
	if fields.Status != nil {
		c.Status = *fields.Status
	}
	return nil
}

func (a *Adapter) completeRemote(ctx context.Context, c *domain.Contribution, reject bool) (store.UpdateContributionFieldsParams, domain.ContributionRevision, error) {
	var fields store.UpdateContributionFieldsParams
	var rev domain.ContributionRevision

	if c.IsRecurring() {
		return a.completeRecurring(ctx, c, reject)
	}

	if c.ProviderPaymentID == nil {
		return fields, rev, missingObject("complete_payment", "contribution has no remote payment to resolve")
	}

	if reject {
		if _, err := a.gateway.CancelPaymentIntent(ctx, c.ProviderAccountID, *c.ProviderPaymentID, CancellationReasonFraud); err != nil {
			return fields, rev, err
		}
		status := domain.StatusRejected
		fields.Status = &status
		rev = domain.ContributionRevision{NewStatus: status, Reason: "flagged payment rejected; remote payment canceled as fraudulent"}
		return fields, rev, nil
	}

	pi, err := a.gateway.CapturePaymentIntent(ctx, c.ProviderAccountID, *c.ProviderPaymentID)
	if err != nil {
		return fields, rev, err
	}
	status := domain.StatusPaid
	now := time.Now().UTC()
	fields.Status = &status
	fields.LastPaymentDate = &now
	if pi.PaymentMethod != nil {
		fields.ProviderPaymentMethodID = &pi.PaymentMethod.ID
	}
	rev = domain.ContributionRevision{NewStatus: status, Reason: "flagged payment accepted; remote payment captured"}
	return fields, rev, nil
}

func (a *Adapter) completeRecurring(ctx context.Context, c *domain.Contribution, reject bool) (store.UpdateContributionFieldsParams, domain.ContributionRevision, error) {
	var fields store.UpdateContributionFieldsParams
	var rev domain.ContributionRevision

	if reject {
		switch {
		case c.ProviderSubscriptionID != nil:
			if _, err := a.gateway.CancelSubscription(ctx, c.ProviderAccountID, *c.ProviderSubscriptionID); err != nil {
				return fields, rev, err
			}
		case c.ProviderSetupIntentID != nil:
			if _, err := a.gateway.CancelSetupIntent(ctx, c.ProviderAccountID, *c.ProviderSetupIntentID); err != nil {
				return fields, rev, err
			}
		default:
			return fields, rev, missingObject("complete_payment", "contribution has no remote subscription or setup intent to cancel")
		}
		status := domain.StatusRejected
		fields.Status = &status
		rev = domain.ContributionRevision{NewStatus: status, Reason: "flagged recurring payment rejected; remote commitment canceled"}
		return fields, rev, nil
	}

	if c.ProviderSetupIntentID == nil || c.ProviderCustomerID == nil {
		return fields, rev, missingObject("complete_payment", "flagged recurring contribution is missing its setup intent")
	}

	si, err := a.gateway.RetrieveSetupIntent(ctx, c.ProviderAccountID, *c.ProviderSetupIntentID)
	if err != nil {
		return fields, rev, err
	}
	if si.PaymentMethod == nil {
		return fields, rev, missingObject("complete_payment", "setup intent carries no payment method")
	}

	providerInterval, err := ProviderInterval(c.Interval)
	if err != nil {
		return fields, rev, missingObject("complete_payment", err.Error())
	}

	var meta map[string]string
	if parsed := metadataFromRaw(c.Metadata); parsed != nil {
		meta = parsed.ToProviderMetadata()
	}
	sub, err := a.gateway.CreateSubscription(ctx, c.ProviderAccountID, CreateSubscriptionParams{
		CustomerID:      *c.ProviderCustomerID,
		PaymentMethodID: si.PaymentMethod.ID,
		Amount:          c.Amount,
		Currency:        c.Currency,
		Interval:        providerInterval,
		ProductID:       a.productID,
		Metadata:        meta,
	})
	if err != nil {
		return fields, rev, err
	}

	fields.ProviderSubscriptionID = &sub.ID
	fields.ProviderPaymentMethodID = &si.PaymentMethod.ID
	if sub.Status == stripe.SubscriptionStatusActive {
		status := domain.StatusPaid
		now := time.Now().UTC()
		fields.Status = &status
		fields.LastPaymentDate = &now
		rev = domain.ContributionRevision{NewStatus: status, Reason: "flagged recurring payment accepted; subscription activated"}
	} else {
		// The first invoice has not settled yet; the webhook processor
		// confirms the paid transition.
		status := domain.StatusProcessing
		fields.Status = &status
	}
	return fields, rev, nil
}

// AttachPaymentMethod attaches (or reattaches) a payment method to the
// contribution's provider customer and records it on the ledger row.
func (a *Adapter) AttachPaymentMethod(ctx context.Context, c *domain.Contribution, paymentMethodID string) error {
	if c.ProviderCustomerID == nil {
		return missingObject("attach_payment_method", "contribution has no provider customer")
	}
	pm, err := a.gateway.AttachPaymentMethod(ctx, c.ProviderAccountID, paymentMethodID, *c.ProviderCustomerID)
	if err != nil {
		return err
	}
	return a.repo.UpdateContributionFields(ctx, c.ID, store.UpdateContributionFieldsParams{
		ProviderPaymentMethodID: &pm.ID,
	})
}

// UpdateSubscriptionAmount reprices the contribution's subscription. The local
// amount is set first and reverted if the remote update fails.
func (a *Adapter) UpdateSubscriptionAmount(ctx context.Context, c *domain.Contribution, amount int64) error {
	if c.ProviderSubscriptionID == nil {
		return missingObject("update_subscription", "contribution has no provider subscription")
	}
	providerInterval, err := ProviderInterval(c.Interval)
	if err != nil {
		return missingObject("update_subscription", err.Error())
	}

	prior := c.Amount
	if err := a.repo.UpdateContributionFields(ctx, c.ID, store.UpdateContributionFieldsParams{Amount: &amount}); err != nil {
		return fmt.Errorf("set interim amount: %w", err)
	}

	_, err = a.gateway.UpdateSubscription(ctx, c.ProviderAccountID, *c.ProviderSubscriptionID, UpdateSubscriptionParams{
		Amount:    &amount,
		Currency:  c.Currency,
		Interval:  providerInterval,
		ProductID: a.productID,
	})
	if err != nil {
		if revertErr := a.repo.UpdateContributionFields(ctx, c.ID, store.UpdateContributionFieldsParams{Amount: &prior}); revertErr != nil {
			log.Printf("level=error component=provider_adapter msg=\"amount revert failed after remote error\" contribution_id=%s err=%v", c.ID, revertErr)
		}
		return err
	}
	c.Amount = amount
	return nil
}

// UpdateSubscriptionPaymentMethod attaches the new method to the customer and
// makes it the subscription's default, following the revert-on-failure
// discipline for the locally recorded method.
func (a *Adapter) UpdateSubscriptionPaymentMethod(ctx context.Context, c *domain.Contribution, paymentMethodID string) error {
	if c.ProviderSubscriptionID == nil {
		return missingObject("update_subscription", "contribution has no provider subscription")
	}
	prior := c.ProviderPaymentMethodID

	if err := a.AttachPaymentMethod(ctx, c, paymentMethodID); err != nil {
		return err
	}

	_, err := a.gateway.UpdateSubscription(ctx, c.ProviderAccountID, *c.ProviderSubscriptionID, UpdateSubscriptionParams{
		PaymentMethodID: &paymentMethodID,
	})
	if err != nil {
		if prior != nil {
			if revertErr := a.repo.UpdateContributionFields(ctx, c.ID, store.UpdateContributionFieldsParams{ProviderPaymentMethodID: prior}); revertErr != nil {
				log.Printf("level=error component=provider_adapter msg=\"payment method revert failed after remote error\" contribution_id=%s err=%v", c.ID, revertErr)
			}
		}
		return err
	}
	c.ProviderPaymentMethodID = &paymentMethodID
	return nil
}

// CancelContribution cancels the contribution's remote object for a non-fraud
// reason (e.g. donor-requested). A cancellation the state machine forbids is
// refused before any remote call, and the ledger row is written only after the
// remote cancellation succeeds, so there is no interim status to revert.
func (a *Adapter) CancelContribution(ctx context.Context, c *domain.Contribution, actor, reason string) error {
	if !domain.CanTransition(c.Status, domain.StatusCanceled) {
		return domain.NewValidationError("status", fmt.Sprintf("a %s contribution cannot be canceled", c.Status))
	}
	prior := c.Status

	var err error
	switch {
	case c.IsRecurring() && c.ProviderSubscriptionID != nil:
		_, err = a.gateway.CancelSubscription(ctx, c.ProviderAccountID, *c.ProviderSubscriptionID)
	case !c.IsRecurring() && c.ProviderPaymentID != nil:
		_, err = a.gateway.CancelPaymentIntent(ctx, c.ProviderAccountID, *c.ProviderPaymentID, "requested_by_customer")
	default:
		err = missingObject("cancel_contribution", "contribution has no remote object to cancel")
	}
	if err != nil {
		return err
	}

	status := domain.StatusCanceled
	if err := a.repo.UpdateContributionFields(ctx, c.ID, store.UpdateContributionFieldsParams{Status: &status}); err != nil {
		return fmt.Errorf("persist cancellation: %w", err)
	}
	if err := a.repo.AppendContributionRevision(ctx, domain.ContributionRevision{
		ContributionID: c.ID,
		PriorStatus:    prior,
		NewStatus:      status,
		Reason:         reason,
		Actor:          actor,
	}); err != nil {
		log.Printf("level=warn component=provider_adapter msg=\"revision append failed\" contribution_id=%s err=%v", c.ID, err)
	}
	c.Status = status
	return nil
}

// revertStatus restores the pre-interim status after a remote failure. A
// failed revert is logged loudly; the reconciliation pass corrects any
// divergence it leaves behind.
func (a *Adapter) revertStatus(ctx context.Context, id uuid.UUID, prior string) {
	if err := a.repo.UpdateContributionFields(ctx, id, store.UpdateContributionFieldsParams{Status: &prior}); err != nil {
		log.Printf("level=error component=provider_adapter msg=\"status revert failed after remote error\" contribution_id=%s prior_status=%s err=%v", id, prior, err)
	}
}

// metadataFromRaw best-effort parses persisted ledger metadata for re-attaching
// to remote objects. A nil return simply omits metadata from the remote call.
func metadataFromRaw(raw json.RawMessage) *domain.ContributionMetadata {
	if len(raw) == 0 {
		return nil
	}
	var m domain.ContributionMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return &m
}
