/**
 * @description
 * Scheduled sweep implementations. Three sweeps keep the ledger honest
 * without human attention:
 * - the flagged sweep auto-accepts held contributions whose review window
 *   lapsed with no decision,
 * - the abandoned sweep closes out rows that never acquired a remote payment
 *   object,
 * - the reconcile sweep enqueues a nightly backfill pass per connected
 *   account.
 */

package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/donorhub/contribution-service/internal/domain"
	"github.com/donorhub/contribution-service/internal/store"
	"github.com/donorhub/contribution-service/pkg/rabbitmq"
)

// sweepBatchSize bounds the number of rows one sweep run touches.
const sweepBatchSize = 200

// SweepSettings carries the sweep windows read from configuration.
type SweepSettings struct {
	FlaggedAutoAcceptAfter time.Duration
	AbandonedAfter         time.Duration
	ReconcileLookback      time.Duration
	ConnectedAccounts      []string
}

// Sweeps contains the logic for all scheduled tasks.
type Sweeps struct {
	repo     store.Repository
	adapter  PaymentAdapter
	producer rabbitmq.Publisher
	logger   *slog.Logger
	settings SweepSettings
}

// NewSweeps creates a new sweep runner.
func NewSweeps(repo store.Repository, adapter PaymentAdapter, producer rabbitmq.Publisher, logger *slog.Logger, settings SweepSettings) *Sweeps {
	return &Sweeps{
		repo:     repo,
		adapter:  adapter,
		producer: producer,
		logger:   logger,
		settings: settings,
	}
}

// RunFlaggedAutoAccept accepts every flagged contribution whose hold is older
// than the auto-accept window. A failure on one row never stops the rest.
func (s *Sweeps) RunFlaggedAutoAccept() {
	s.logger.Info("starting flagged auto-accept sweep")
	ctx := context.Background()

	cutoff := time.Now().UTC().Add(-s.settings.FlaggedAutoAcceptAfter)
	candidates, err := s.repo.ListFlaggedContributionsBefore(ctx, cutoff, sweepBatchSize)
	if err != nil {
		s.logger.Error("failed to list flagged contributions", "error", err)
		return
	}

	accepted := 0
	for i := range candidates {
		c := candidates[i]
		if err := s.adapter.CompletePayment(ctx, &c, false, "sweep-auto-accept"); err != nil {
			s.logger.Error("auto-accept failed", "contribution_id", c.ID, "error", err)
			continue
		}
		accepted++
	}
	s.logger.Info("flagged auto-accept sweep finished", "candidates", len(candidates), "accepted", accepted)
}

// RunAbandonedSweep marks rows abandoned when checkout stalled before a remote
// payment object existed. Rows holding a remote object are left to webhooks
// and the flagged sweep.
func (s *Sweeps) RunAbandonedSweep() {
	s.logger.Info("starting abandoned sweep")
	ctx := context.Background()

	cutoff := time.Now().UTC().Add(-s.settings.AbandonedAfter)
	candidates, err := s.repo.ListUnconfirmedContributionsBefore(ctx, cutoff, sweepBatchSize)
	if err != nil {
		s.logger.Error("failed to list unconfirmed contributions", "error", err)
		return
	}

	marked := 0
	for i := range candidates {
		c := candidates[i]
		if c.ProviderPaymentID != nil || c.ProviderSubscriptionID != nil || c.ProviderSetupIntentID != nil {
			continue
		}
		if !domain.CanTransition(c.Status, domain.StatusAbandoned) {
			continue
		}
		status := domain.StatusAbandoned
		if err := s.repo.UpdateContributionFields(ctx, c.ID, store.UpdateContributionFieldsParams{Status: &status}); err != nil {
			s.logger.Error("abandon mark failed", "contribution_id", c.ID, "error", err)
			continue
		}
		err := s.repo.AppendContributionRevision(ctx, domain.ContributionRevision{
			ContributionID: c.ID,
			PriorStatus:    c.Status,
			NewStatus:      status,
			Reason:         "no payment confirmation received; checkout abandoned",
			Actor:          "sweep",
		})
		if err != nil {
			s.logger.Warn("revision append failed", "contribution_id", c.ID, "error", err)
		}
		marked++
	}
	s.logger.Info("abandoned sweep finished", "candidates", len(candidates), "marked", marked)
}

// RunNightlyReconcile enqueues one bounded backfill task per connected account.
func (s *Sweeps) RunNightlyReconcile() {
	s.logger.Info("starting nightly reconcile enqueue")
	ctx := context.Background()

	since := time.Now().UTC().Add(-s.settings.ReconcileLookback)
	enqueued := 0
	for _, account := range s.settings.ConnectedAccounts {
		task := domain.ReconcileAccountTask{
			ProviderAccount: account,
			Since:           &since,
			RequestedAt:     time.Now().UTC(),
		}
		if err := s.producer.Publish(ctx, rabbitmq.Exchange, rabbitmq.RoutingKeyReconcile, task); err != nil {
			s.logger.Error("reconcile enqueue failed", "account", account, "error", err)
			continue
		}
		enqueued++
	}
	s.logger.Info("nightly reconcile enqueue finished", "accounts", len(s.settings.ConnectedAccounts), "enqueued", enqueued)
}
