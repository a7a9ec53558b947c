package model

import "time"

type RecipientError struct {
	Email string `json:"email"`
	Error string `json:"error"`
}

// SendOutcome aggregates one dispatch over a recipient list.
// Sent+Failed always equals Total and len(Errors) equals Failed.
type SendOutcome struct {
	Total  int              `json:"total"`
	Sent   int              `json:"sent"`
	Failed int              `json:"failed"`
	Errors []RecipientError `json:"errors,omitempty"`
}

func (o *SendOutcome) RecordSent() {
	o.Total++
	o.Sent++
}

func (o *SendOutcome) RecordFailure(email, reason string) {
	o.Total++
	o.Failed++
	o.Errors = append(o.Errors, RecipientError{Email: email, Error: reason})
}

// TerminalStatus is SENT when at least one recipient was delivered, FAILED otherwise.
func (o *SendOutcome) TerminalStatus() CampaignStatus {
	if o != nil && o.Sent > 0 {
		return StatusSent
	}
	return StatusFailed
}

type CampaignEventType string

const (
	EventCampaignCreated   CampaignEventType = "campaign.created"
	EventCampaignUpdated   CampaignEventType = "campaign.updated"
	EventCampaignDeleted   CampaignEventType = "campaign.deleted"
	EventCampaignScheduled CampaignEventType = "campaign.scheduled"
	EventCampaignCancelled CampaignEventType = "campaign.cancelled"
	EventCampaignSent      CampaignEventType = "campaign.sent"
	EventCampaignFailed    CampaignEventType = "campaign.failed"
	EventCampaignRecovered CampaignEventType = "campaign.lock_recovered"
)

type CampaignEvent struct {
	ID         string            `json:"id"`
	Type       CampaignEventType `json:"type"`
	CampaignID int64             `json:"campaign_id"`
	Status     CampaignStatus    `json:"status"`
	Total      int               `json:"total,omitempty"`
	Sent       int               `json:"sent,omitempty"`
	Failed     int               `json:"failed,omitempty"`
	Previous   *Campaign         `json:"previous,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}
