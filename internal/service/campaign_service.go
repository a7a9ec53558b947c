package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/newsletter-delivery/internal/errors"
	"github.com/unclebandit/newsletter-delivery/internal/model"
	"github.com/unclebandit/newsletter-delivery/internal/queue"
	"github.com/unclebandit/newsletter-delivery/internal/repository"
	"github.com/unclebandit/newsletter-delivery/internal/templates"
)

// maxWriteAttempts bounds re-reads after a conditional write lost a race.
const maxWriteAttempts = 3

// CampaignService performs operator lifecycle transitions. Every write is conditional on
// the status it was validated against, so a send lock taken between read and write wins.
type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	Templates    *TemplateService
	Sender       CampaignSender
	Events       queue.Publisher
	Logger       *zap.Logger
	Now          func() time.Time
}

// CampaignChange carries the stored value after a mutation and the value before it.
type CampaignChange struct {
	Current  *model.Campaign `json:"campaign"`
	Previous *model.Campaign `json:"previous,omitempty"`
}

// Preview is one recipient's rendering of a campaign.
type Preview struct {
	CampaignID int64             `json:"campaign_id"`
	TemplateID string            `json:"template_id"`
	Email      string            `json:"email"`
	Locale     string            `json:"locale"`
	Content    templates.Content `json:"content"`
}

func (s *CampaignService) logger() *zap.Logger { return nopIfNil(s.Logger) }

func (s *CampaignService) now() time.Time { return nowOr(s.Now) }

func (s *CampaignService) publish(typ model.CampaignEventType, change *CampaignChange) {
	publishEvent(s.Events, s.logger(), typ, change.Current, change.Previous, nil, s.now())
}

// Create validates the template and stores a DRAFT campaign.
func (s *CampaignService) Create(ctx context.Context, name, templateID string) (*CampaignChange, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, appErrors.NewValidation("name is required")
	}
	if _, err := s.Templates.ResolveCampaignTemplate(ctx, templateID); err != nil {
		return nil, err
	}

	c := &model.Campaign{Name: name, TemplateID: templateID, Status: model.StatusDraft}
	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}

	change := &CampaignChange{Current: c}
	s.logger().Info("campaign created", zap.Int64("campaign_id", c.ID), zap.String("template_id", templateID))
	s.publish(model.EventCampaignCreated, change)
	return change, nil
}

// Get fetches a campaign by ID
func (s *CampaignService) Get(ctx context.Context, id int64) (*model.Campaign, error) {
	return s.CampaignRepo.GetByID(ctx, id)
}

// List fetches campaigns with pagination
func (s *CampaignService) List(ctx context.Context, filter model.CampaignFilter, page, pageSize int) ([]*model.Campaign, map[string]int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, nil, appErrors.NewValidation("unknown status " + string(filter.Status))
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	campaigns, total, err := s.CampaignRepo.ListCampaigns(ctx, filter, offset, pageSize)
	if err != nil {
		return nil, nil, err
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}
	return campaigns, pagination, nil
}

// Update applies a patch. SENDING and SENT campaigns are not editable; editing a FAILED
// campaign returns it to DRAFT with its previous send results cleared.
func (s *CampaignService) Update(ctx context.Context, id int64, patch model.CampaignPatch) (*CampaignChange, error) {
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return nil, appErrors.NewValidation("name cannot be empty")
	}

	for attempt := 0; ; attempt++ {
		prev, err := s.CampaignRepo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if prev.Status == model.StatusSending || prev.Status == model.StatusSent || prev.SendingStartedAt != nil {
			return nil, appErrors.NewCampaignNotEditable(id, string(prev.Status))
		}

		next := prev.Clone()
		if patch.Name != nil {
			next.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.TemplateID != nil && *patch.TemplateID != prev.TemplateID {
			if _, err := s.Templates.ResolveCampaignTemplate(ctx, *patch.TemplateID); err != nil {
				return nil, err
			}
			next.TemplateID = *patch.TemplateID
		}
		if prev.Status == model.StatusFailed {
			next.Status = model.StatusDraft
			next.TotalRecipients = 0
			next.SentCount = 0
			next.FailedCount = 0
			next.SentAt = nil
		}

		err = s.CampaignRepo.Update(ctx, next, prev.Status)
		if errors.Is(err, repository.ErrStaleCampaign) && attempt+1 < maxWriteAttempts {
			continue
		}
		if errors.Is(err, repository.ErrStaleCampaign) {
			return nil, appErrors.NewCampaignNotEditable(id, "changed concurrently")
		}
		if err != nil {
			return nil, err
		}

		change := &CampaignChange{Current: next, Previous: prev}
		s.logger().Info("campaign updated", zap.Int64("campaign_id", id), zap.String("status", string(next.Status)))
		s.publish(model.EventCampaignUpdated, change)
		return change, nil
	}
}

// Delete removes a campaign that is neither sending nor sent. Both are refused with
// CAMPAIGN_SENDING.
func (s *CampaignService) Delete(ctx context.Context, id int64) (*CampaignChange, error) {
	for attempt := 0; ; attempt++ {
		prev, err := s.CampaignRepo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if prev.Status == model.StatusSending || prev.SendingStartedAt != nil {
			return nil, appErrors.NewCampaignSending(id)
		}
		if prev.Status == model.StatusSent {
			return nil, appErrors.NewCampaignAlreadyDelivered(id)
		}

		err = s.CampaignRepo.Delete(ctx, id)
		if errors.Is(err, repository.ErrStaleCampaign) && attempt+1 < maxWriteAttempts {
			continue
		}
		if errors.Is(err, repository.ErrStaleCampaign) {
			return nil, appErrors.NewCampaignSending(id)
		}
		if err != nil {
			return nil, err
		}

		change := &CampaignChange{Current: prev, Previous: prev}
		s.logger().Info("campaign deleted", zap.Int64("campaign_id", id))
		s.publish(model.EventCampaignDeleted, change)
		return change, nil
	}
}

// Schedule moves a DRAFT campaign to SCHEDULED for a time strictly after now.
func (s *CampaignService) Schedule(ctx context.Context, id int64, scheduledFor time.Time) (*CampaignChange, error) {
	prev, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if prev.Status != model.StatusDraft {
		return nil, appErrors.NewInvalidStatus(id, string(prev.Status), "schedule")
	}
	if !scheduledFor.After(s.now()) {
		return nil, appErrors.NewInvalidScheduleTime(id)
	}

	next := prev.Clone()
	at := scheduledFor.UTC()
	next.Status = model.StatusScheduled
	next.ScheduledFor = &at

	if err := s.transition(ctx, next, prev, "schedule"); err != nil {
		return nil, err
	}
	change := &CampaignChange{Current: next, Previous: prev}
	s.logger().Info("campaign scheduled", zap.Int64("campaign_id", id), zap.Time("scheduled_for", at))
	s.publish(model.EventCampaignScheduled, change)
	return change, nil
}

// CancelScheduled returns a SCHEDULED campaign to DRAFT.
func (s *CampaignService) CancelScheduled(ctx context.Context, id int64) (*CampaignChange, error) {
	prev, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if prev.Status != model.StatusScheduled {
		return nil, appErrors.NewInvalidStatus(id, string(prev.Status), "cancel")
	}

	next := prev.Clone()
	next.Status = model.StatusDraft
	next.ScheduledFor = nil

	if err := s.transition(ctx, next, prev, "cancel"); err != nil {
		return nil, err
	}
	change := &CampaignChange{Current: next, Previous: prev}
	s.logger().Info("campaign schedule cancelled", zap.Int64("campaign_id", id))
	s.publish(model.EventCampaignCancelled, change)
	return change, nil
}

// transition writes a status change validated against prev. A lost race is reported
// from the campaign's new state.
func (s *CampaignService) transition(ctx context.Context, next, prev *model.Campaign, op string) error {
	err := s.CampaignRepo.Update(ctx, next, prev.Status)
	if !errors.Is(err, repository.ErrStaleCampaign) {
		return err
	}
	current, gerr := s.CampaignRepo.GetByID(ctx, prev.ID)
	if gerr != nil {
		return gerr
	}
	return appErrors.NewInvalidStatus(prev.ID, string(current.Status), op)
}

// SendNow sends a DRAFT campaign synchronously and returns the outcome.
func (s *CampaignService) SendNow(ctx context.Context, id int64) (*SendReport, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case model.StatusDraft:
	case model.StatusSending:
		return nil, appErrors.NewSendInProgress(id)
	case model.StatusSent:
		return nil, appErrors.NewAlreadySent(id)
	default:
		return nil, appErrors.NewInvalidStatus(id, string(c.Status), "send")
	}

	s.logger().Info("manual send requested", zap.Int64("campaign_id", id))
	return s.Sender.Execute(ctx, id)
}

// RenderPreview renders the campaign for one address without sending anything.
func (s *CampaignService) RenderPreview(ctx context.Context, id int64, email, preferredLanguage string) (*Preview, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	tmpl, err := s.Templates.ResolveCampaignTemplate(ctx, c.TemplateID)
	if err != nil {
		return nil, err
	}

	content, loc, err := s.Templates.RenderFor(tmpl, c, model.Subscriber{Email: email, PreferredLanguage: preferredLanguage})
	if err != nil {
		return nil, err
	}
	return &Preview{
		CampaignID: id,
		TemplateID: c.TemplateID,
		Email:      email,
		Locale:     loc,
		Content:    content,
	}, nil
}
