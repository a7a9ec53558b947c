package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/newsletter-delivery/internal/errors"
	"github.com/unclebandit/newsletter-delivery/internal/metrics"
	"github.com/unclebandit/newsletter-delivery/internal/model"
	"github.com/unclebandit/newsletter-delivery/internal/queue"
	"github.com/unclebandit/newsletter-delivery/internal/repository"
)

// SendReport is the result of one completed send attempt.
type SendReport struct {
	Campaign *model.Campaign    `json:"campaign"`
	Outcome  *model.SendOutcome `json:"outcome"`
}

// CampaignSender runs one send attempt for a campaign.
type CampaignSender interface {
	Execute(ctx context.Context, campaignID int64) (*SendReport, error)
}

// SendExecutor owns a campaign from lock acquisition until its terminal status is written.
type SendExecutor struct {
	Campaigns   repository.CampaignRepositoryInterface
	Subscribers repository.SubscriberRepositoryInterface
	Dispatcher  Dispatcher
	Events      queue.Publisher
	Metrics     *metrics.Delivery
	Logger      *zap.Logger
	Now         func() time.Time

	// Lifetime bounds a send once its lock is held. The caller's context only governs
	// lock acquisition; cancelling Lifetime (process shutdown) stops the dispatch before
	// the next batch and the partial outcome is finalized.
	Lifetime context.Context
}

// Execute acquires the send lock, dispatches to every active subscriber and finalizes
// the campaign as SENT (at least one delivery) or FAILED. Lock conflicts are reported as
// CAMPAIGN_SEND_IN_PROGRESS, CAMPAIGN_ALREADY_SENT or CAMPAIGN_NOT_FOUND. Systemic faults
// reset the campaign to FAILED with the lock cleared before the error is returned. If
// the lock was taken over while sending, nothing is written and ErrSendLockLost is returned.
func (e *SendExecutor) Execute(ctx context.Context, campaignID int64) (report *SendReport, err error) {
	logger := nopIfNil(e.Logger).With(zap.Int64("campaign_id", campaignID))
	// Postgres keeps microseconds; the lock holder compares on this exact value.
	started := nowOr(e.Now).Truncate(time.Microsecond)

	ok, err := e.Campaigns.TryAcquireSendLock(ctx, campaignID, started)
	if err != nil {
		return nil, err
	}
	if !ok {
		e.Metrics.LockConflict()
		return nil, e.classifyLockFailure(ctx, campaignID)
	}
	logger.Info("send lock acquired")

	ctx, cancel := e.sendContext(ctx)
	defer cancel()

	finalized := false
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("campaign %d send panicked: %v", campaignID, r)
			report = nil
			if !finalized {
				e.resetLock(ctx, campaignID, started, logger, err)
			}
		}
	}()

	campaign, err := e.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		e.resetLock(ctx, campaignID, started, logger, err)
		return nil, err
	}

	subscribers, err := e.Subscribers.ListActive(ctx)
	if err != nil {
		e.resetLock(ctx, campaignID, started, logger, err)
		return nil, err
	}
	if len(subscribers) == 0 {
		e.resetLock(ctx, campaignID, started, logger, nil)
		finalized = true
		e.Metrics.CampaignFinished(string(model.StatusFailed), nowOr(e.Now).Sub(started))
		logger.Warn("no active subscribers, campaign failed")
		campaign.Status = model.StatusFailed
		campaign.SendingStartedAt = nil
		publishEvent(e.Events, logger, model.EventCampaignFailed, campaign, nil, &model.SendOutcome{}, nowOr(e.Now))
		return nil, appErrors.NewNoSubscribers(campaignID)
	}

	outcome, err := e.Dispatcher.Dispatch(ctx, campaign, subscribers)
	switch {
	case errors.Is(err, ErrDispatchInterrupted) && outcome != nil:
		logger.Warn("send interrupted, finalizing partial outcome",
			zap.Int("sent", outcome.Sent), zap.Int("failed", outcome.Failed), zap.Error(err))
	case err != nil:
		e.resetLock(ctx, campaignID, started, logger, err)
		return nil, fmt.Errorf("dispatching campaign %d: %w", campaignID, err)
	}

	status := outcome.TerminalStatus()
	finished := nowOr(e.Now)
	if err := e.Campaigns.FinalizeSend(context.WithoutCancel(ctx), campaignID, started, outcome, status, finished); err != nil {
		if errors.Is(err, repository.ErrSendLockLost) {
			finalized = true
			logger.Error("send lock lost before finalize, outcome discarded",
				zap.Int("sent", outcome.Sent), zap.Int("failed", outcome.Failed))
			return nil, fmt.Errorf("finalizing campaign %d: %w", campaignID, err)
		}
		e.resetLock(ctx, campaignID, started, logger, err)
		return nil, err
	}
	finalized = true

	campaign.Status = status
	campaign.TotalRecipients = outcome.Total
	campaign.SentCount = outcome.Sent
	campaign.FailedCount = outcome.Failed
	campaign.SentAt = &finished
	campaign.ScheduledFor = nil
	campaign.SendingStartedAt = nil
	campaign.UpdatedAt = finished

	e.Metrics.CampaignFinished(string(status), finished.Sub(started))
	logger.Info("campaign send finished",
		zap.String("status", string(status)),
		zap.Int("total", outcome.Total),
		zap.Int("sent", outcome.Sent),
		zap.Int("failed", outcome.Failed))

	evType := model.EventCampaignSent
	if status == model.StatusFailed {
		evType = model.EventCampaignFailed
	}
	publishEvent(e.Events, logger, evType, campaign, nil, outcome, finished)

	return &SendReport{Campaign: campaign, Outcome: outcome}, nil
}

// classifyLockFailure explains a lost CAS from the campaign's current state.
func (e *SendExecutor) classifyLockFailure(ctx context.Context, campaignID int64) error {
	current, err := e.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		if errors.Is(err, appErrors.ErrCampaignNotFound) {
			return appErrors.NewCampaignNotFound(campaignID)
		}
		return err
	}
	switch current.Status {
	case model.StatusSent:
		return appErrors.NewAlreadySent(campaignID)
	default:
		// SENDING, or a status that changed under us; either way another actor owns it.
		return appErrors.NewSendInProgress(campaignID)
	}
}

// sendContext detaches ctx from its caller's cancellation and ties it to Lifetime instead.
func (e *SendExecutor) sendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if e.Lifetime == nil {
		return detached, func() {}
	}
	sendCtx, cancel := context.WithCancel(detached)
	stop := context.AfterFunc(e.Lifetime, cancel)
	return sendCtx, func() {
		stop()
		cancel()
	}
}

// resetLock moves the campaign to FAILED with the lock cleared, provided lockedAt still
// identifies the holder.
func (e *SendExecutor) resetLock(ctx context.Context, campaignID int64, lockedAt time.Time, logger *zap.Logger, cause error) {
	if cause != nil {
		logger.Error("campaign send aborted, releasing lock", zap.Error(cause))
	}
	err := e.Campaigns.ReleaseSendLock(context.WithoutCancel(ctx), campaignID, lockedAt, nowOr(e.Now))
	switch {
	case errors.Is(err, repository.ErrSendLockLost):
		logger.Warn("send lock lost, another holder owns the campaign")
	case err != nil:
		logger.Error("failed to release send lock", zap.Error(err))
	}
}

var _ CampaignSender = (*SendExecutor)(nil)
