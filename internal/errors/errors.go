package appErrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a domain failure independently of the Go error value carrying it.
type Kind string

const (
	KindTemplateNotFound       Kind = "TEMPLATE_NOT_FOUND"
	KindInvalidTemplateType    Kind = "INVALID_TEMPLATE_TYPE"
	KindCampaignNotFound       Kind = "CAMPAIGN_NOT_FOUND"
	KindCampaignNotEditable    Kind = "CAMPAIGN_NOT_EDITABLE"
	KindCampaignSending        Kind = "CAMPAIGN_SENDING"
	KindInvalidScheduleTime    Kind = "INVALID_SCHEDULE_TIME"
	KindInvalidStatus          Kind = "INVALID_STATUS"
	KindCampaignSendInProgress Kind = "CAMPAIGN_SEND_IN_PROGRESS"
	KindCampaignAlreadySent    Kind = "CAMPAIGN_ALREADY_SENT"
	KindNoSubscribers          Kind = "NO_SUBSCRIBERS"
	KindValidation             Kind = "VALIDATION_FAILED"
)

// Error is a domain failure returned to lifecycle and send callers.
type Error struct {
	Kind       Kind
	CampaignID int64
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: k}) works
// without comparing messages.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, campaignID int64, format string, args ...any) error {
	return &Error{Kind: kind, CampaignID: campaignID, Msg: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is checks.
var (
	ErrTemplateNotFound       = &Error{Kind: KindTemplateNotFound}
	ErrInvalidTemplateType    = &Error{Kind: KindInvalidTemplateType}
	ErrCampaignNotFound       = &Error{Kind: KindCampaignNotFound}
	ErrCampaignNotEditable    = &Error{Kind: KindCampaignNotEditable}
	ErrCampaignSending        = &Error{Kind: KindCampaignSending}
	ErrInvalidScheduleTime    = &Error{Kind: KindInvalidScheduleTime}
	ErrInvalidStatus          = &Error{Kind: KindInvalidStatus}
	ErrCampaignSendInProgress = &Error{Kind: KindCampaignSendInProgress}
	ErrCampaignAlreadySent    = &Error{Kind: KindCampaignAlreadySent}
	ErrNoSubscribers          = &Error{Kind: KindNoSubscribers}
	ErrValidation             = &Error{Kind: KindValidation}
)

func NewTemplateNotFound(templateID string) error {
	return New(KindTemplateNotFound, 0, "template %q not found", templateID)
}

func NewInvalidTemplateType(templateID, category string) error {
	return New(KindInvalidTemplateType, 0, "template %q has category %q, expected campaign", templateID, category)
}

func NewCampaignNotFound(id int64) error {
	return New(KindCampaignNotFound, id, "campaign with ID %d not found", id)
}

func NewCampaignNotEditable(id int64, status string) error {
	return New(KindCampaignNotEditable, id, "campaign %d cannot be edited in status %s", id, status)
}

func NewCampaignSending(id int64) error {
	return New(KindCampaignSending, id, "campaign %d is currently sending", id)
}

func NewCampaignAlreadyDelivered(id int64) error {
	return New(KindCampaignSending, id, "campaign %d has already been sent and cannot be deleted", id)
}

func NewInvalidScheduleTime(id int64) error {
	return New(KindInvalidScheduleTime, id, "scheduled time for campaign %d must be in the future", id)
}

func NewInvalidStatus(id int64, status, op string) error {
	return New(KindInvalidStatus, id, "cannot %s campaign %d in status %s", op, id, status)
}

func NewSendInProgress(id int64) error {
	return New(KindCampaignSendInProgress, id, "campaign %d is already being sent", id)
}

func NewAlreadySent(id int64) error {
	return New(KindCampaignAlreadySent, id, "campaign %d has already been sent", id)
}

func NewNoSubscribers(id int64) error {
	return New(KindNoSubscribers, id, "campaign %d has no active subscribers", id)
}

func NewValidation(msg string) error {
	return New(KindValidation, 0, "%s", msg)
}

// KindOf returns the domain kind of err, or "" for infrastructure errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HTTPStatus maps a kind onto conflict, not-found or bad-request semantics.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindTemplateNotFound, KindCampaignNotFound, KindNoSubscribers:
		return http.StatusNotFound
	case KindCampaignSending, KindCampaignSendInProgress:
		return http.StatusConflict
	case KindInvalidTemplateType, KindCampaignNotEditable, KindInvalidScheduleTime,
		KindInvalidStatus, KindCampaignAlreadySent, KindValidation:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
