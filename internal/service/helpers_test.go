package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/unclebandit/newsletter-delivery/internal/locale"
	"github.com/unclebandit/newsletter-delivery/internal/mailer"
	"github.com/unclebandit/newsletter-delivery/internal/model"
	"github.com/unclebandit/newsletter-delivery/internal/repository"
	"github.com/unclebandit/newsletter-delivery/internal/service"
	"github.com/unclebandit/newsletter-delivery/internal/templates"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSender records every message. Addresses in reject are refused by the provider;
// addresses in fail return a transport error.
type fakeSender struct {
	mu      sync.Mutex
	sent    []mailer.Message
	reject  map[string]string
	fail    map[string]error
	panicOn string
	delay   time.Duration
	onSend  func(mailer.Message)

	inFlight    int32
	maxInFlight int32
}

func (f *fakeSender) Send(ctx context.Context, msg mailer.Message) (mailer.SendResult, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		prev := atomic.LoadInt32(&f.maxInFlight)
		if cur <= prev || atomic.CompareAndSwapInt32(&f.maxInFlight, prev, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if msg.To == f.panicOn && f.panicOn != "" {
		panic("provider client exploded")
	}

	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	if f.onSend != nil {
		f.onSend(msg)
	}

	if err, ok := f.fail[msg.To]; ok {
		return mailer.SendResult{}, err
	}
	if reason, ok := f.reject[msg.To]; ok {
		return mailer.SendResult{Success: false, Error: reason}, nil
	}
	return mailer.SendResult{Success: true, ID: "msg-" + msg.To}, nil
}

func (f *fakeSender) Messages() []mailer.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mailer.Message(nil), f.sent...)
}

// recordingPublisher keeps published events in memory.
type recordingPublisher struct {
	mu     sync.Mutex
	events []model.CampaignEvent
	err    error
}

func (p *recordingPublisher) Publish(topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, payload.(model.CampaignEvent))
	return nil
}

func (p *recordingPublisher) Types() []model.CampaignEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.CampaignEventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

// failingSubscribers is a subscriber source that is down.
type failingSubscribers struct{}

func (failingSubscribers) ListActive(context.Context) ([]model.Subscriber, error) {
	return nil, errors.New("subscriber database unavailable")
}

func testRegistry(t *testing.T) *templates.MemoryRegistry {
	t.Helper()
	welcome, err := templates.NewLiquidTemplate(templates.NewEngine(), "welcome", templates.CategoryCampaign, "en",
		map[string]templates.Source{
			"en": {Subject: "Hello {{ email }}", HTML: "<p>{{ campaign_name }}</p>", Text: "{{ campaign_name }}"},
			"fr": {Subject: "Bonjour {{ email }}", HTML: "<p>{{ campaign_name }}</p>"},
		})
	require.NoError(t, err)

	return templates.NewMemoryRegistry(
		welcome,
		&templates.StaticTemplate{
			TemplateID:    "receipt",
			Kind:          templates.CategoryTransactional,
			DefaultLocale: "en",
			Content:       map[string]templates.Content{"en": {Subject: "Receipt"}},
		},
		&templates.StaticTemplate{
			TemplateID:    "broken",
			Kind:          templates.CategoryCampaign,
			DefaultLocale: "en",
			Err:           errors.New("missing variable"),
		},
	)
}

type harness struct {
	repo       *repository.MemoryCampaignRepository
	subs       *repository.StaticSubscriberSource
	sender     *fakeSender
	events     *recordingPublisher
	templates  *service.TemplateService
	dispatcher *service.BatchDispatcher
	executor   *service.SendExecutor
	svc        *service.CampaignService
	now        time.Time
	sleeps     int32
}

func newHarness(t *testing.T, subscribers ...model.Subscriber) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	locales, err := locale.NewNormalizer([]string{"en", "fr"}, "en")
	require.NoError(t, err)

	h := &harness{
		repo:   repository.NewMemoryCampaignRepository(),
		subs:   repository.NewStaticSubscriberSource(subscribers...),
		sender: &fakeSender{reject: map[string]string{}, fail: map[string]error{}},
		events: &recordingPublisher{},
		now:    time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	nowFn := func() time.Time { return h.now }

	h.templates = &service.TemplateService{Registry: testRegistry(t), Locales: locales}
	h.dispatcher = &service.BatchDispatcher{
		Templates:  h.templates,
		Sender:     h.sender,
		BatchSize:  2,
		BatchDelay: time.Second,
		Logger:     logger,
		Sleep: func(ctx context.Context, d time.Duration) error {
			atomic.AddInt32(&h.sleeps, 1)
			return ctx.Err()
		},
	}
	h.executor = &service.SendExecutor{
		Campaigns:   h.repo,
		Subscribers: h.subs,
		Dispatcher:  h.dispatcher,
		Events:      h.events,
		Logger:      logger,
		Now:         nowFn,
	}
	h.svc = &service.CampaignService{
		CampaignRepo: h.repo,
		Templates:    h.templates,
		Sender:       h.executor,
		Events:       h.events,
		Logger:       logger,
		Now:          nowFn,
	}
	return h
}

func (h *harness) seed(t *testing.T, c *model.Campaign) *model.Campaign {
	t.Helper()
	if c.TemplateID == "" {
		c.TemplateID = "welcome"
	}
	require.NoError(t, h.repo.Create(context.Background(), c))
	return c
}

func (h *harness) reload(t *testing.T, id int64) *model.Campaign {
	t.Helper()
	c, err := h.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return c
}

func subscribers(emails ...string) []model.Subscriber {
	out := make([]model.Subscriber, 0, len(emails))
	for _, e := range emails {
		out = append(out, model.Subscriber{Email: e})
	}
	return out
}
