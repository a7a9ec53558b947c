package controller

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/unclebandit/newsletter-delivery/internal/handler"
	"github.com/unclebandit/newsletter-delivery/internal/model"
	"github.com/unclebandit/newsletter-delivery/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
	Validate        *validator.Validate
	Logger          *zap.Logger
}

func NewCampaignController(svc *service.CampaignService, logger *zap.Logger) *CampaignController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CampaignController{CampaignService: svc, Validate: validator.New(), Logger: logger}
}

type createCampaignRequest struct {
	Name       string `json:"name" validate:"required,max=255"`
	TemplateID string `json:"template_id" validate:"required,max=128"`
}

type updateCampaignRequest struct {
	Name       *string `json:"name" validate:"omitempty,min=1,max=255"`
	TemplateID *string `json:"template_id" validate:"omitempty,min=1,max=128"`
}

type scheduleCampaignRequest struct {
	ScheduledFor time.Time `json:"scheduled_for" validate:"required"`
}

type previewRequest struct {
	Email  string `json:"email" validate:"required,email"`
	Locale string `json:"locale" validate:"omitempty,max=35"`
}

// Routes mounts the campaign endpoints on r.
func (c *CampaignController) Routes(r chi.Router) {
	r.Route("/campaigns", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))
			r.Post("/", c.CreateCampaign)
			r.Get("/", c.ListCampaigns)
			r.Get("/{id}", c.GetCampaignDetails)
			r.Patch("/{id}", c.UpdateCampaign)
			r.Delete("/{id}", c.DeleteCampaign)
			r.Post("/{id}/schedule", c.ScheduleCampaign)
			r.Post("/{id}/cancel", c.CancelScheduledCampaign)
			r.Post("/{id}/preview", c.PersonalizedPreview)
		})
		// Outside requestTimeout: a send runs until the campaign is finalized.
		r.Post("/{id}/send", c.SendCampaign)
	})
}

func (c *CampaignController) campaignID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		handler.BadRequest(w, "invalid campaign ID", nil)
		return 0, false
	}
	return id, true
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body createCampaignRequest
	if !handler.Decode(w, r, c.Validate, &body) {
		return
	}

	change, err := c.CampaignService.Create(r.Context(), body.Name, body.TemplateID)
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}
	handler.Created(w, change)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	filter := model.CampaignFilter{
		Status: model.CampaignStatus(q.Get("status")),
		Search: q.Get("q"),
	}

	campaigns, pagination, err := c.CampaignService.List(r.Context(), filter, page, pageSize)
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}
	handler.CampaignList(w, campaigns, pagination)
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := c.campaignID(w, r)
	if !ok {
		return
	}

	campaign, err := c.CampaignService.Get(r.Context(), id)
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}
	handler.OK(w, campaign)
}

func (c *CampaignController) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := c.campaignID(w, r)
	if !ok {
		return
	}
	var body updateCampaignRequest
	if !handler.Decode(w, r, c.Validate, &body) {
		return
	}

	change, err := c.CampaignService.Update(r.Context(), id, model.CampaignPatch{Name: body.Name, TemplateID: body.TemplateID})
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}
	handler.OK(w, change)
}

func (c *CampaignController) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := c.campaignID(w, r)
	if !ok {
		return
	}

	change, err := c.CampaignService.Delete(r.Context(), id)
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}
	handler.CampaignDeleted(w, change.Previous)
}

func (c *CampaignController) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := c.campaignID(w, r)
	if !ok {
		return
	}
	var body scheduleCampaignRequest
	if !handler.Decode(w, r, c.Validate, &body) {
		return
	}

	change, err := c.CampaignService.Schedule(r.Context(), id, body.ScheduledFor)
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}
	handler.OK(w, change)
}

func (c *CampaignController) CancelScheduledCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := c.campaignID(w, r)
	if !ok {
		return
	}

	change, err := c.CampaignService.CancelScheduled(r.Context(), id)
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}
	handler.OK(w, change)
}

// SendCampaign runs the send in the request. The response carries the final outcome.
func (c *CampaignController) SendCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := c.campaignID(w, r)
	if !ok {
		return
	}

	report, err := c.CampaignService.SendNow(r.Context(), id)
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}
	handler.OK(w, report)
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	id, ok := c.campaignID(w, r)
	if !ok {
		return
	}
	var body previewRequest
	if !handler.Decode(w, r, c.Validate, &body) {
		return
	}

	preview, err := c.CampaignService.RenderPreview(r.Context(), id, body.Email, body.Locale)
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}
	handler.OK(w, preview)
}
