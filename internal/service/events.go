package service

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unclebandit/newsletter-delivery/internal/model"
	"github.com/unclebandit/newsletter-delivery/internal/queue"
)

// publishEvent is best effort: a failed publish is logged and never fails the caller.
func publishEvent(pub queue.Publisher, logger *zap.Logger, typ model.CampaignEventType, current, previous *model.Campaign, outcome *model.SendOutcome, at time.Time) {
	if pub == nil || current == nil {
		return
	}
	ev := model.CampaignEvent{
		ID:         uuid.NewString(),
		Type:       typ,
		CampaignID: current.ID,
		Status:     current.Status,
		Previous:   previous,
		OccurredAt: at,
	}
	if outcome != nil {
		ev.Total = outcome.Total
		ev.Sent = outcome.Sent
		ev.Failed = outcome.Failed
	}
	if err := pub.Publish(queue.CampaignEventsTopic, ev); err != nil {
		logger.Warn("failed to publish campaign event",
			zap.String("type", string(typ)),
			zap.Int64("campaign_id", current.ID),
			zap.Error(err))
	}
}

func nopIfNil(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func nowOr(now func() time.Time) time.Time {
	if now == nil {
		return time.Now().UTC()
	}
	return now()
}
