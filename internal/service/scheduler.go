package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/newsletter-delivery/internal/errors"
	"github.com/unclebandit/newsletter-delivery/internal/metrics"
	"github.com/unclebandit/newsletter-delivery/internal/model"
	"github.com/unclebandit/newsletter-delivery/internal/queue"
	"github.com/unclebandit/newsletter-delivery/internal/repository"
)

// RunReport summarizes one scheduler pass.
type RunReport struct {
	Due       int     `json:"due"`
	Sent      int     `json:"sent"`
	Failed    int     `json:"failed"`
	Skipped   int     `json:"skipped"`
	Recovered []int64 `json:"recovered,omitempty"`
}

// Scheduler hands due campaigns to the send executor one at a time. A campaign that
// fails or loses its lock is logged and the pass continues.
type Scheduler struct {
	Campaigns repository.CampaignRepositoryInterface
	Sender    CampaignSender
	// StaleLockAfter enables recovery of campaigns stuck in SENDING. Zero disables it.
	StaleLockAfter time.Duration
	Events         queue.Publisher
	Metrics        *metrics.Delivery
	Logger         *zap.Logger
}

// ProcessScheduledCampaigns sends every campaign due at now. Only a failure to list due
// campaigns or a cancelled context is returned as an error.
func (s *Scheduler) ProcessScheduledCampaigns(ctx context.Context, now time.Time) (*RunReport, error) {
	logger := nopIfNil(s.Logger)
	report := &RunReport{}

	if s.StaleLockAfter > 0 {
		report.Recovered = s.recoverStaleLocks(ctx, now, logger)
	}

	due, err := s.Campaigns.ListDue(ctx, now)
	if err != nil {
		return report, fmt.Errorf("listing due campaigns: %w", err)
	}
	report.Due = len(due)
	if len(due) > 0 {
		logger.Info("due campaigns found", zap.Int("count", len(due)))
	}

	for _, c := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		res, err := s.Sender.Execute(ctx, c.ID)
		switch {
		case err == nil && res.Campaign.Status == model.StatusSent:
			report.Sent++
		case err == nil:
			report.Failed++
		case isLockLost(err):
			report.Skipped++
			logger.Info("scheduled campaign skipped", zap.Int64("campaign_id", c.ID), zap.Error(err))
		default:
			report.Failed++
			logger.Error("scheduled campaign failed", zap.Int64("campaign_id", c.ID), zap.Error(err))
		}
	}

	return report, nil
}

func (s *Scheduler) recoverStaleLocks(ctx context.Context, now time.Time, logger *zap.Logger) []int64 {
	ids, err := s.Campaigns.ReleaseStaleSendLocks(ctx, now.Add(-s.StaleLockAfter), now)
	if err != nil {
		logger.Error("stale lock recovery failed", zap.Error(err))
		return nil
	}
	if len(ids) == 0 {
		return nil
	}

	s.Metrics.LocksRecovered(len(ids))
	logger.Warn("recovered campaigns stuck in SENDING",
		zap.Int64s("campaign_ids", ids),
		zap.Duration("older_than", s.StaleLockAfter))
	for _, id := range ids {
		publishEvent(s.Events, logger, model.EventCampaignRecovered,
			&model.Campaign{ID: id, Status: model.StatusFailed}, nil, nil, now)
	}
	return ids
}

// isLockLost reports errors meaning another actor already owns or finished the campaign.
func isLockLost(err error) bool {
	switch appErrors.KindOf(err) {
	case appErrors.KindCampaignSendInProgress, appErrors.KindCampaignAlreadySent, appErrors.KindCampaignNotFound:
		return true
	}
	return false
}
