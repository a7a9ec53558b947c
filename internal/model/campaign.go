// internal/model/campaign.go
package model

import "time"

type CampaignStatus string

const (
	StatusDraft     CampaignStatus = "DRAFT"
	StatusScheduled CampaignStatus = "SCHEDULED"
	StatusSending   CampaignStatus = "SENDING"
	StatusSent      CampaignStatus = "SENT"
	StatusFailed    CampaignStatus = "FAILED"
)

// LockableStatuses are the states a send executor may move into SENDING.
var LockableStatuses = []CampaignStatus{StatusDraft, StatusScheduled, StatusFailed}

func (s CampaignStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusSending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Lockable reports whether a campaign in this status may be picked up for sending.
func (s CampaignStatus) Lockable() bool {
	for _, l := range LockableStatuses {
		if s == l {
			return true
		}
	}
	return false
}

type Campaign struct {
	ID               int64          `db:"id" json:"id"`
	Name             string         `db:"name" json:"name"`
	TemplateID       string         `db:"template_id" json:"template_id"`
	Status           CampaignStatus `db:"status" json:"status"`
	ScheduledFor     *time.Time     `db:"scheduled_for" json:"scheduled_for,omitempty"`
	SendingStartedAt *time.Time     `db:"sending_started_at" json:"sending_started_at,omitempty"`
	TotalRecipients  int            `db:"total_recipients" json:"total_recipients"`
	SentCount        int            `db:"sent_count" json:"sent_count"`
	FailedCount      int            `db:"failed_count" json:"failed_count"`
	SentAt           *time.Time     `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy so callers can keep a snapshot of the previous value.
func (c *Campaign) Clone() *Campaign {
	if c == nil {
		return nil
	}
	cp := *c
	cp.ScheduledFor = cloneTime(c.ScheduledFor)
	cp.SendingStartedAt = cloneTime(c.SendingStartedAt)
	cp.SentAt = cloneTime(c.SentAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CampaignPatch carries the operator-editable fields; nil means unchanged.
type CampaignPatch struct {
	Name       *string `json:"name,omitempty"`
	TemplateID *string `json:"template_id,omitempty"`
}

func (p CampaignPatch) Empty() bool {
	return p.Name == nil && p.TemplateID == nil
}

type CampaignFilter struct {
	Status CampaignStatus
	Search string
}
