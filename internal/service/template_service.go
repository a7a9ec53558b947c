package service

import (
	"context"
	"errors"
	"fmt"

	appErrors "github.com/unclebandit/newsletter-delivery/internal/errors"
	"github.com/unclebandit/newsletter-delivery/internal/locale"
	"github.com/unclebandit/newsletter-delivery/internal/model"
	"github.com/unclebandit/newsletter-delivery/internal/templates"
)

// TemplateService resolves campaign templates and renders them per recipient.
type TemplateService struct {
	Registry templates.Registry
	Locales  *locale.Normalizer
}

// ResolveCampaignTemplate returns the template for id, checking it is a campaign template.
func (s *TemplateService) ResolveCampaignTemplate(ctx context.Context, id string) (templates.Template, error) {
	t, err := s.Registry.Resolve(ctx, id)
	if err != nil {
		if errors.Is(err, templates.ErrNotFound) {
			return nil, appErrors.NewTemplateNotFound(id)
		}
		return nil, fmt.Errorf("resolving template %q: %w", id, err)
	}
	if t.Category() != templates.CategoryCampaign {
		return nil, appErrors.NewInvalidTemplateType(id, string(t.Category()))
	}
	return t, nil
}

// NormalizeLocale maps a subscriber preference onto a supported locale.
func (s *TemplateService) NormalizeLocale(raw string) string {
	if s.Locales == nil {
		return raw
	}
	return s.Locales.Normalize(raw)
}

// RenderFor renders t for one recipient and returns the locale used.
func (s *TemplateService) RenderFor(t templates.Template, c *model.Campaign, sub model.Subscriber) (templates.Content, string, error) {
	loc := s.NormalizeLocale(sub.PreferredLanguage)
	content, err := t.Render(RecipientData(c, sub), loc)
	return content, loc, err
}

// RecipientData is the binding set every campaign template can reference.
func RecipientData(c *model.Campaign, sub model.Subscriber) map[string]any {
	data := map[string]any{
		"email": sub.Email,
	}
	if c != nil {
		data["campaign_id"] = c.ID
		data["campaign_name"] = c.Name
	}
	return data
}
