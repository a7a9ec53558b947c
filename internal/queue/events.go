package queue

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/unclebandit/newsletter-delivery/internal/model"
)

// CampaignEventsTopic carries model.CampaignEvent messages.
const CampaignEventsTopic = "campaign_events"

// DecodeCampaignEvent accepts the in-process value or a JSON body from a broker.
func DecodeCampaignEvent(payload any) (model.CampaignEvent, error) {
	switch v := payload.(type) {
	case model.CampaignEvent:
		return v, nil
	case *model.CampaignEvent:
		if v == nil {
			return model.CampaignEvent{}, fmt.Errorf("nil campaign event")
		}
		return *v, nil
	case []byte:
		var ev model.CampaignEvent
		if err := json.Unmarshal(v, &ev); err != nil {
			return model.CampaignEvent{}, fmt.Errorf("decoding campaign event: %w", err)
		}
		return ev, nil
	default:
		return model.CampaignEvent{}, fmt.Errorf("unexpected campaign event payload %T", payload)
	}
}

// StartCampaignEventLogger subscribes a handler that writes every campaign event to the log.
// Undecodable payloads are logged and acknowledged.
func StartCampaignEventLogger(q Queue, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	return q.Subscribe(CampaignEventsTopic, func(payload any) error {
		ev, err := DecodeCampaignEvent(payload)
		if err != nil {
			logger.Warn("dropping campaign event", zap.Error(err))
			return nil
		}
		logger.Info("campaign event",
			zap.String("event_id", ev.ID),
			zap.String("type", string(ev.Type)),
			zap.Int64("campaign_id", ev.CampaignID),
			zap.String("status", string(ev.Status)),
			zap.Int("total", ev.Total),
			zap.Int("sent", ev.Sent),
			zap.Int("failed", ev.Failed))
		return nil
	})
}
