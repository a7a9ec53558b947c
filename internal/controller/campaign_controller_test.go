package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/unclebandit/newsletter-delivery/internal/controller"
	"github.com/unclebandit/newsletter-delivery/internal/handler"
	"github.com/unclebandit/newsletter-delivery/internal/locale"
	"github.com/unclebandit/newsletter-delivery/internal/mailer"
	"github.com/unclebandit/newsletter-delivery/internal/metrics"
	"github.com/unclebandit/newsletter-delivery/internal/model"
	"github.com/unclebandit/newsletter-delivery/internal/repository"
	"github.com/unclebandit/newsletter-delivery/internal/service"
	"github.com/unclebandit/newsletter-delivery/internal/templates"
)

type testServer struct {
	handler http.Handler
	repo    *repository.MemoryCampaignRepository
	subs    *repository.StaticSubscriberSource
	now     time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)

	welcome, err := templates.NewLiquidTemplate(templates.NewEngine(), "welcome", templates.CategoryCampaign, "en",
		map[string]templates.Source{
			"en": {Subject: "Hi {{ email }}", HTML: "<p>{{ campaign_name }}</p>"},
			"fr": {Subject: "Salut {{ email }}", HTML: "<p>{{ campaign_name }}</p>"},
		})
	require.NoError(t, err)
	registry := templates.NewMemoryRegistry(welcome, &templates.StaticTemplate{
		TemplateID: "receipt",
		Kind:       templates.CategoryTransactional,
	})
	locales, err := locale.NewNormalizer([]string{"en", "fr"}, "en")
	require.NoError(t, err)

	ts := &testServer{
		repo: repository.NewMemoryCampaignRepository(),
		subs: repository.NewStaticSubscriberSource(),
		now:  time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	nowFn := func() time.Time { return ts.now }
	tmpl := &service.TemplateService{Registry: registry, Locales: locales}
	executor := &service.SendExecutor{
		Campaigns:   ts.repo,
		Subscribers: ts.subs,
		Dispatcher: &service.BatchDispatcher{
			Templates: tmpl,
			Sender:    mailer.NewLogSender(logger),
			BatchSize: 10,
			Logger:    logger,
			Sleep:     func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
		},
		Logger: logger,
		Now:    nowFn,
	}
	svc := &service.CampaignService{
		CampaignRepo: ts.repo,
		Templates:    tmpl,
		Sender:       executor,
		Logger:       logger,
		Now:          nowFn,
	}

	reg := prometheus.NewRegistry()
	ts.handler = controller.NewRouter(controller.RouterOptions{
		Campaigns: controller.NewCampaignController(svc, logger),
		Health:    &handler.HealthHandler{},
		Metrics:   metrics.NewHTTP(reg),
		Gatherer:  reg,
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) seed(t *testing.T, c *model.Campaign) *model.Campaign {
	t.Helper()
	if c.TemplateID == "" {
		c.TemplateID = "welcome"
	}
	require.NoError(t, ts.repo.Create(context.Background(), c))
	return c
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) handler.ErrorResponse {
	t.Helper()
	var resp handler.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func campaignPath(id int64, suffix string) string {
	return "/campaigns/" + strconv.FormatInt(id, 10) + suffix
}

func TestCreateCampaignHandler(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/campaigns", map[string]string{"name": "Spring", "template_id": "welcome"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp service.CampaignChange
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotNil(t, resp.Current)
	assert.Equal(t, "Spring", resp.Current.Name)
	assert.Equal(t, model.StatusDraft, resp.Current.Status)
}

func TestCreateCampaignHandlerErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"missing name", map[string]string{"template_id": "welcome"}, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"unknown field", map[string]string{"name": "x", "template_id": "welcome", "channel": "sms"}, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"unknown template", map[string]string{"name": "x", "template_id": "nope"}, http.StatusNotFound, "TEMPLATE_NOT_FOUND"},
		{"wrong category", map[string]string{"name": "x", "template_id": "receipt"}, http.StatusBadRequest, "INVALID_TEMPLATE_TYPE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, http.MethodPost, "/campaigns", tt.body)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
			assert.Equal(t, tt.code, decodeError(t, rr).Code)
		})
	}
}

func TestCreateCampaignHandlerEmptyBody(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/campaigns", http.NoBody)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "request body is required", decodeError(t, rr).Error)
}

func TestListCampaignsHandler(t *testing.T) {
	ts := newTestServer(t)
	for _, name := range []string{"C1", "C2", "C3"} {
		ts.seed(t, &model.Campaign{Name: name})
	}

	rr := ts.do(t, http.MethodGet, "/campaigns?page=1&page_size=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp handler.CampaignListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "C3", resp.Data[0].Name)
	assert.Equal(t, 3, resp.Pagination["total_count"])
	assert.Equal(t, 2, resp.Pagination["total_pages"])

	rr = ts.do(t, http.MethodGet, "/campaigns?status=BOGUS", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetCampaignDetailsHandler(t *testing.T) {
	ts := newTestServer(t)
	c := ts.seed(t, &model.Campaign{Name: "digest"})

	rr := ts.do(t, http.MethodGet, campaignPath(c.ID, ""), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got model.Campaign
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "digest", got.Name)

	rr = ts.do(t, http.MethodGet, "/campaigns/999", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "CAMPAIGN_NOT_FOUND", decodeError(t, rr).Code)

	rr = ts.do(t, http.MethodGet, "/campaigns/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUpdateCampaignHandler(t *testing.T) {
	ts := newTestServer(t)
	draft := ts.seed(t, &model.Campaign{Name: "old"})
	sent := ts.seed(t, &model.Campaign{Name: "done", Status: model.StatusSent})

	rr := ts.do(t, http.MethodPatch, campaignPath(draft.ID, ""), map[string]string{"name": "new"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var change service.CampaignChange
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &change))
	assert.Equal(t, "new", change.Current.Name)
	assert.Equal(t, "old", change.Previous.Name)

	rr = ts.do(t, http.MethodPatch, campaignPath(sent.ID, ""), map[string]string{"name": "again"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "CAMPAIGN_NOT_EDITABLE", decodeError(t, rr).Code)
}

func TestDeleteCampaignHandler(t *testing.T) {
	ts := newTestServer(t)
	draft := ts.seed(t, &model.Campaign{Name: "gone"})
	sending := ts.seed(t, &model.Campaign{Name: "busy"})
	ok, err := ts.repo.TryAcquireSendLock(context.Background(), sending.ID, ts.now)
	require.NoError(t, err)
	require.True(t, ok)

	rr := ts.do(t, http.MethodDelete, campaignPath(draft.ID, ""), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp handler.DeletedResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, draft.ID, resp.Deleted)

	rr = ts.do(t, http.MethodDelete, campaignPath(sending.ID, ""), nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "CAMPAIGN_SENDING", decodeError(t, rr).Code)
}

func TestScheduleAndCancelHandlers(t *testing.T) {
	ts := newTestServer(t)
	c := ts.seed(t, &model.Campaign{Name: "weekly"})

	rr := ts.do(t, http.MethodPost, campaignPath(c.ID, "/schedule"), map[string]any{"scheduled_for": ts.now.Add(-time.Hour)})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_SCHEDULE_TIME", decodeError(t, rr).Code)

	rr = ts.do(t, http.MethodPost, campaignPath(c.ID, "/schedule"), map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, campaignPath(c.ID, "/schedule"), map[string]any{"scheduled_for": ts.now.Add(time.Hour)})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var change service.CampaignChange
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &change))
	assert.Equal(t, model.StatusScheduled, change.Current.Status)

	rr = ts.do(t, http.MethodPost, campaignPath(c.ID, "/cancel"), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &change))
	assert.Equal(t, model.StatusDraft, change.Current.Status)
	assert.Nil(t, change.Current.ScheduledFor)

	rr = ts.do(t, http.MethodPost, campaignPath(c.ID, "/cancel"), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_STATUS", decodeError(t, rr).Code)
}

func TestSendCampaignHandler(t *testing.T) {
	ts := newTestServer(t)
	ts.subs.Set([]model.Subscriber{{Email: "ana@example.com"}, {Email: "luc@example.com", PreferredLanguage: "fr"}})
	c := ts.seed(t, &model.Campaign{Name: "launch"})

	rr := ts.do(t, http.MethodPost, campaignPath(c.ID, "/send"), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var report service.SendReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, model.StatusSent, report.Campaign.Status)
	assert.Equal(t, 2, report.Outcome.Total)
	assert.Equal(t, 2, report.Outcome.Sent)

	rr = ts.do(t, http.MethodPost, campaignPath(c.ID, "/send"), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "CAMPAIGN_ALREADY_SENT", decodeError(t, rr).Code)
}

func TestSendCampaignHandlerNoSubscribers(t *testing.T) {
	ts := newTestServer(t)
	c := ts.seed(t, &model.Campaign{Name: "empty"})

	rr := ts.do(t, http.MethodPost, campaignPath(c.ID, "/send"), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NO_SUBSCRIBERS", decodeError(t, rr).Code)
}

func TestPersonalizedPreviewHandler(t *testing.T) {
	ts := newTestServer(t)
	c := ts.seed(t, &model.Campaign{Name: "launch"})

	rr := ts.do(t, http.MethodPost, campaignPath(c.ID, "/preview"), map[string]string{"email": "luc@example.com", "locale": "fr-CA"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var preview service.Preview
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &preview))
	assert.Equal(t, "fr", preview.Locale)
	assert.Equal(t, "Salut luc@example.com", preview.Content.Subject)
	assert.Equal(t, "<p>launch</p>", preview.Content.HTML)

	rr = ts.do(t, http.MethodPost, campaignPath(c.ID, "/preview"), map[string]string{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, []any{"email must be a valid email address"}, decodeError(t, rr).Details)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	ts.do(t, http.MethodGet, "/campaigns", nil)
	rr = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "http_requests_total")
}
