/**
 * @description
 * The checkout path: validate a submission, score it against the bad-actor
 * API, create the ledger row and then the matching remote provider object.
 *
 * Gate outcomes:
 * - score >= reject threshold: the row is created as rejected and no remote
 *   object ever exists for it. The caller sees ErrPermissionDenied.
 * - score == flag threshold: the row is flagged and the remote object is
 *   created in a held form (manual-capture payment for one-time, setup intent
 *   for recurring) so funds are reserved but not taken.
 * - anything else, including a gate outage: the contribution proceeds. The
 *   gate fails open because losing donations costs more than a late review.
 */

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/donorhub/contribution-service/internal/domain"
	"github.com/donorhub/contribution-service/internal/provider"
	"github.com/donorhub/contribution-service/internal/store"
	"github.com/donorhub/contribution-service/pkg/badactor"
)

// CreateContribution handles a checkout submission end to end.
func (s *Service) CreateContribution(ctx context.Context, sub domain.ContributionSubmission) (*domain.Contribution, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	email := normalizeEmail(sub.Email)
	contributor, err := s.repo.FindOrCreateContributorByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("resolve contributor: %w", err)
	}

	meta := domain.ContributionMetadata{
		SchemaVersion:    domain.MetadataSchemaVersion,
		Source:           domain.MetadataSource,
		ContributorID:    contributor.ID,
		DonationPageID:   sub.DonationPageID,
		RevenueProgramID: sub.RevenueProgramID,
		Referer:          sub.Referer,
	}
	metaRaw, err := meta.Marshal()
	if err != nil {
		return nil, err
	}

	currency := sub.Currency
	if currency == "" {
		currency = s.settings.DefaultCurrency
	}

	c := &domain.Contribution{
		ID:                uuid.New(),
		Amount:            sub.Amount,
		Currency:          currency,
		Interval:          sub.Interval,
		Status:            domain.StatusProcessing,
		ContributorID:     contributor.ID,
		DonationPageID:    sub.DonationPageID,
		RevenueProgramID:  sub.RevenueProgramID,
		ProviderAccountID: sub.ProviderAccount,
		Metadata:          metaRaw,
	}

	score, scoreRaw := s.scoreSubmission(ctx, sub)
	if score != nil {
		c.BadActorScore = &score.OverallJudgment
		c.BadActorResponse = scoreRaw
	}

	switch {
	case score != nil && score.OverallJudgment >= s.settings.RejectScore:
		c.Status = domain.StatusRejected
		if err := s.repo.CreateContribution(ctx, c); err != nil {
			return nil, fmt.Errorf("record rejected contribution: %w", err)
		}
		s.appendRevision(ctx, c.ID, "", domain.StatusRejected, "submission rejected by bad-actor gate", "gate")
		log.Printf("level=info component=checkout msg=\"submission rejected by gate\" contribution_id=%s score=%d", c.ID, score.OverallJudgment)
		return c, ErrPermissionDenied
	case score != nil && score.OverallJudgment == s.settings.FlagScore:
		c.Status = domain.StatusFlagged
		now := time.Now().UTC()
		c.FlaggedDate = &now
	}

	cus, err := s.adapter.EnsureCustomer(ctx, sub.ProviderAccount, email, meta.ToProviderMetadata())
	if err != nil {
		return nil, fmt.Errorf("ensure provider customer: %w", err)
	}
	c.ProviderCustomerID = &cus.ID

	if err := s.repo.CreateContribution(ctx, c); err != nil {
		return nil, fmt.Errorf("create contribution: %w", err)
	}

	// The ledger row exists before the remote call. If remote creation fails
	// the row keeps its status with no payment confirmation, and the abandoned
	// sweep eventually closes it out.
	if err := s.createRemoteObject(ctx, c, sub, meta); err != nil {
		log.Printf("level=error component=checkout msg=\"remote object creation failed\" contribution_id=%s interval=%s err=%v", c.ID, c.Interval, err)
		return nil, err
	}

	log.Printf("level=info component=checkout msg=\"contribution created\" contribution_id=%s status=%s interval=%s amount=%d account=%s", c.ID, c.Status, c.Interval, c.Amount, c.ProviderAccountID)
	return c, nil
}

// createRemoteObject creates the provider object matching the gate outcome and
// records its identifiers on the ledger row.
func (s *Service) createRemoteObject(ctx context.Context, c *domain.Contribution, sub domain.ContributionSubmission, meta domain.ContributionMetadata) error {
	providerMeta := meta.ToProviderMetadata()
	flagged := c.Status == domain.StatusFlagged

	if !c.IsRecurring() {
		pi, err := s.gateway.CreatePaymentIntent(ctx, c.ProviderAccountID, provider.CreatePaymentIntentParams{
			Amount:          c.Amount,
			Currency:        c.Currency,
			CustomerID:      *c.ProviderCustomerID,
			PaymentMethodID: sub.PaymentMethodID,
			ManualCapture:   flagged,
			ReceiptEmail:    normalizeEmail(sub.Email),
			Metadata:        providerMeta,
		})
		if err != nil {
			return err
		}
		c.ProviderPaymentID = &pi.ID
		fields := store.UpdateContributionFieldsParams{ProviderPaymentID: &pi.ID}
		if pi.PaymentMethod != nil {
			c.ProviderPaymentMethodID = &pi.PaymentMethod.ID
			fields.ProviderPaymentMethodID = &pi.PaymentMethod.ID
		}
		return s.repo.UpdateContributionFields(ctx, c.ID, fields)
	}

	if flagged {
		// A held recurring pledge stores the mandate only. The subscription is
		// minted when the hold resolves in the donor's favor.
		si, err := s.gateway.CreateSetupIntent(ctx, c.ProviderAccountID, *c.ProviderCustomerID, sub.PaymentMethodID, providerMeta)
		if err != nil {
			return err
		}
		c.ProviderSetupIntentID = &si.ID
		return s.repo.UpdateContributionFields(ctx, c.ID, store.UpdateContributionFieldsParams{ProviderSetupIntentID: &si.ID})
	}

	pm, err := s.gateway.AttachPaymentMethod(ctx, c.ProviderAccountID, sub.PaymentMethodID, *c.ProviderCustomerID)
	if err != nil {
		return err
	}
	providerInterval, err := provider.ProviderInterval(c.Interval)
	if err != nil {
		return err
	}
	subscription, err := s.gateway.CreateSubscription(ctx, c.ProviderAccountID, provider.CreateSubscriptionParams{
		CustomerID:      *c.ProviderCustomerID,
		PaymentMethodID: pm.ID,
		Amount:          c.Amount,
		Currency:        c.Currency,
		Interval:        providerInterval,
		ProductID:       s.settings.ProductID,
		Metadata:        providerMeta,
	})
	if err != nil {
		return err
	}
	c.ProviderSubscriptionID = &subscription.ID
	c.ProviderPaymentMethodID = &pm.ID
	return s.repo.UpdateContributionFields(ctx, c.ID, store.UpdateContributionFieldsParams{
		ProviderSubscriptionID:  &subscription.ID,
		ProviderPaymentMethodID: &pm.ID,
	})
}

// scoreSubmission calls the bad-actor API. Any client error fails open: the
// submission proceeds unscored and the outage is only logged.
func (s *Service) scoreSubmission(ctx context.Context, sub domain.ContributionSubmission) (*badactor.ScoreResponse, json.RawMessage) {
	if s.scorer == nil {
		return nil, nil
	}
	resp, err := s.scorer.Score(ctx, badactor.ScoreRequest{
		Amount:        fmt.Sprintf("%.2f", float64(sub.Amount)/100),
		FirstName:     sub.FirstName,
		LastName:      sub.LastName,
		Email:         normalizeEmail(sub.Email),
		StreetAddress: sub.MailingStreet,
		City:          sub.MailingCity,
		State:         sub.MailingState,
		PostalCode:    sub.MailingPostal,
		Country:       sub.MailingCountry,
		Referer:       sub.Referer,
		IPAddress:     sub.IP,
		CaptchaToken:  sub.CaptchaToken,
	})
	if err != nil {
		log.Printf("level=warn component=checkout msg=\"bad-actor scoring unavailable; failing open\" err=%v", err)
		return nil, nil
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		raw = nil
	}
	return resp, raw
}

// appendRevision records an audit row, logging instead of failing the caller
// when the append itself errors.
func (s *Service) appendRevision(ctx context.Context, contributionID uuid.UUID, prior, next, reason, actor string) {
	err := s.repo.AppendContributionRevision(ctx, domain.ContributionRevision{
		ContributionID: contributionID,
		PriorStatus:    prior,
		NewStatus:      next,
		Reason:         reason,
		Actor:          actor,
	})
	if err != nil {
		log.Printf("level=warn component=checkout msg=\"revision append failed\" contribution_id=%s err=%v", contributionID, err)
	}
}
