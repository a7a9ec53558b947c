package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/newsletter-delivery/internal/errors"
	"github.com/unclebandit/newsletter-delivery/internal/model"
	"github.com/unclebandit/newsletter-delivery/internal/repository"
)

func strPtr(s string) *string { return &s }

func TestCreate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	change, err := h.svc.Create(ctx, "  Spring launch ", "welcome")
	require.NoError(t, err)
	assert.Equal(t, "Spring launch", change.Current.Name)
	assert.Equal(t, model.StatusDraft, change.Current.Status)
	assert.Nil(t, change.Previous)
	assert.Equal(t, model.StatusDraft, h.reload(t, change.Current.ID).Status)
	assert.Equal(t, []model.CampaignEventType{model.EventCampaignCreated}, h.events.Types())

	_, err = h.svc.Create(ctx, "x", "missing")
	assert.ErrorIs(t, err, appErrors.ErrTemplateNotFound)

	_, err = h.svc.Create(ctx, "x", "receipt")
	assert.ErrorIs(t, err, appErrors.ErrInvalidTemplateType)

	_, err = h.svc.Create(ctx, " ", "welcome")
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestCreate_PublishFailureDoesNotFail(t *testing.T) {
	h := newHarness(t)
	h.events.err = errors.New("broker down")

	_, err := h.svc.Create(context.Background(), "x", "welcome")
	assert.NoError(t, err)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("draft", func(t *testing.T) {
		h := newHarness(t)
		c := h.seed(t, &model.Campaign{Name: "old"})

		change, err := h.svc.Update(ctx, c.ID, model.CampaignPatch{Name: strPtr("new")})
		require.NoError(t, err)
		assert.Equal(t, "new", change.Current.Name)
		assert.Equal(t, "old", change.Previous.Name)
		assert.Equal(t, "new", h.reload(t, c.ID).Name)
	})

	t.Run("template must be a campaign template", func(t *testing.T) {
		h := newHarness(t)
		c := h.seed(t, &model.Campaign{Name: "x"})

		_, err := h.svc.Update(ctx, c.ID, model.CampaignPatch{TemplateID: strPtr("receipt")})
		assert.ErrorIs(t, err, appErrors.ErrInvalidTemplateType)
		_, err = h.svc.Update(ctx, c.ID, model.CampaignPatch{TemplateID: strPtr("nope")})
		assert.ErrorIs(t, err, appErrors.ErrTemplateNotFound)
		assert.Equal(t, "welcome", h.reload(t, c.ID).TemplateID)
	})

	t.Run("scheduled keeps its schedule", func(t *testing.T) {
		h := newHarness(t)
		at := h.now.Add(time.Hour)
		c := h.seed(t, &model.Campaign{Name: "x", Status: model.StatusScheduled, ScheduledFor: &at})

		change, err := h.svc.Update(ctx, c.ID, model.CampaignPatch{Name: strPtr("y")})
		require.NoError(t, err)
		assert.Equal(t, model.StatusScheduled, change.Current.Status)
		require.NotNil(t, change.Current.ScheduledFor)
		assert.True(t, at.Equal(*change.Current.ScheduledFor))
	})

	t.Run("failed returns to draft", func(t *testing.T) {
		h := newHarness(t)
		sentAt := h.now.Add(-time.Hour)
		c := h.seed(t, &model.Campaign{Name: "x", Status: model.StatusFailed,
			TotalRecipients: 2, FailedCount: 2, SentAt: &sentAt})

		change, err := h.svc.Update(ctx, c.ID, model.CampaignPatch{Name: strPtr("fixed")})
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, change.Previous.Status)

		stored := h.reload(t, c.ID)
		assert.Equal(t, model.StatusDraft, stored.Status)
		assert.Equal(t, 0, stored.FailedCount)
		assert.Equal(t, 0, stored.TotalRecipients)
		assert.Nil(t, stored.SentAt)
	})

	for _, status := range []model.CampaignStatus{model.StatusSending, model.StatusSent} {
		t.Run("rejects "+string(status), func(t *testing.T) {
			h := newHarness(t)
			c := h.seed(t, &model.Campaign{Name: "x", Status: status})

			_, err := h.svc.Update(ctx, c.ID, model.CampaignPatch{Name: strPtr("y")})
			assert.ErrorIs(t, err, appErrors.ErrCampaignNotEditable)
			assert.Equal(t, "x", h.reload(t, c.ID).Name)
		})
	}

	t.Run("missing", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Update(ctx, 77, model.CampaignPatch{Name: strPtr("y")})
		assert.ErrorIs(t, err, appErrors.ErrCampaignNotFound)
	})
}

// lockingRepo takes the send lock between the service's read and its write.
type lockingRepo struct {
	*repository.MemoryCampaignRepository
}

func (r lockingRepo) Update(ctx context.Context, c *model.Campaign, expected model.CampaignStatus) error {
	if _, err := r.TryAcquireSendLock(ctx, c.ID, time.Now()); err != nil {
		return err
	}
	return r.MemoryCampaignRepository.Update(ctx, c, expected)
}

func (r lockingRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.TryAcquireSendLock(ctx, id, time.Now()); err != nil {
		return err
	}
	return r.MemoryCampaignRepository.Delete(ctx, id)
}

func TestLifecycleWritesLoseToConcurrentLock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.svc.CampaignRepo = lockingRepo{h.repo}

	c := h.seed(t, &model.Campaign{Name: "x"})
	_, err := h.svc.Update(ctx, c.ID, model.CampaignPatch{Name: strPtr("y")})
	assert.ErrorIs(t, err, appErrors.ErrCampaignNotEditable)

	d := h.seed(t, &model.Campaign{Name: "d"})
	_, err = h.svc.Delete(ctx, d.ID)
	assert.ErrorIs(t, err, appErrors.ErrCampaignSending)

	s := h.seed(t, &model.Campaign{Name: "s"})
	_, err = h.svc.Schedule(ctx, s.ID, h.now.Add(time.Hour))
	assert.ErrorIs(t, err, appErrors.ErrInvalidStatus)

	for _, id := range []int64{c.ID, d.ID, s.ID} {
		stored := h.reload(t, id)
		assert.Equal(t, model.StatusSending, stored.Status)
		assert.NotNil(t, stored.SendingStartedAt)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	for _, status := range []model.CampaignStatus{model.StatusDraft, model.StatusScheduled, model.StatusFailed} {
		t.Run("allows "+string(status), func(t *testing.T) {
			h := newHarness(t)
			c := h.seed(t, &model.Campaign{Name: "x", Status: status})

			change, err := h.svc.Delete(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, c.ID, change.Previous.ID)

			_, err = h.repo.GetByID(ctx, c.ID)
			assert.ErrorIs(t, err, appErrors.ErrCampaignNotFound)
		})
	}

	t.Run("rejects SENDING", func(t *testing.T) {
		h := newHarness(t)
		c := h.seed(t, &model.Campaign{Name: "x"})
		ok, err := h.repo.TryAcquireSendLock(ctx, c.ID, h.now)
		require.NoError(t, err)
		require.True(t, ok)

		_, err = h.svc.Delete(ctx, c.ID)
		assert.ErrorIs(t, err, appErrors.ErrCampaignSending)
		assert.Equal(t, model.StatusSending, h.reload(t, c.ID).Status)
	})

	t.Run("rejects SENT", func(t *testing.T) {
		h := newHarness(t)
		c := h.seed(t, &model.Campaign{Name: "x", Status: model.StatusSent, SentCount: 3})

		_, err := h.svc.Delete(ctx, c.ID)
		assert.ErrorIs(t, err, appErrors.ErrCampaignSending)
		stored := h.reload(t, c.ID)
		assert.Equal(t, model.StatusSent, stored.Status)
		assert.Equal(t, 3, stored.SentCount)
		assert.Empty(t, h.events.Types())
	})

	t.Run("missing", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Delete(ctx, 5)
		assert.ErrorIs(t, err, appErrors.ErrCampaignNotFound)
	})
}

func TestSchedule(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects past and present", func(t *testing.T) {
		h := newHarness(t)
		c := h.seed(t, &model.Campaign{Name: "x"})

		for _, at := range []time.Time{h.now.Add(-time.Minute), h.now} {
			_, err := h.svc.Schedule(ctx, c.ID, at)
			assert.ErrorIs(t, err, appErrors.ErrInvalidScheduleTime)
		}
		assert.Equal(t, model.StatusDraft, h.reload(t, c.ID).Status)
	})

	t.Run("accepts future", func(t *testing.T) {
		h := newHarness(t)
		c := h.seed(t, &model.Campaign{Name: "x"})

		at := h.now.Add(time.Nanosecond)
		change, err := h.svc.Schedule(ctx, c.ID, at)
		require.NoError(t, err)
		assert.Equal(t, model.StatusDraft, change.Previous.Status)

		stored := h.reload(t, c.ID)
		assert.Equal(t, model.StatusScheduled, stored.Status)
		require.NotNil(t, stored.ScheduledFor)
		assert.True(t, at.Equal(*stored.ScheduledFor))
		assert.Equal(t, []model.CampaignEventType{model.EventCampaignScheduled}, h.events.Types())
	})

	for _, status := range []model.CampaignStatus{model.StatusScheduled, model.StatusSending, model.StatusSent, model.StatusFailed} {
		t.Run("rejects "+string(status), func(t *testing.T) {
			h := newHarness(t)
			c := h.seed(t, &model.Campaign{Name: "x", Status: status})

			_, err := h.svc.Schedule(ctx, c.ID, h.now.Add(time.Hour))
			assert.ErrorIs(t, err, appErrors.ErrInvalidStatus)
		})
	}
}

func TestCancelScheduled(t *testing.T) {
	ctx := context.Background()

	t.Run("scheduled becomes draft", func(t *testing.T) {
		h := newHarness(t)
		at := h.now.Add(time.Hour)
		c := h.seed(t, &model.Campaign{Name: "x", Status: model.StatusScheduled, ScheduledFor: &at})

		change, err := h.svc.CancelScheduled(ctx, c.ID)
		require.NoError(t, err)
		assert.NotNil(t, change.Previous.ScheduledFor)

		stored := h.reload(t, c.ID)
		assert.Equal(t, model.StatusDraft, stored.Status)
		assert.Nil(t, stored.ScheduledFor)
	})

	for _, status := range []model.CampaignStatus{model.StatusDraft, model.StatusSending, model.StatusSent, model.StatusFailed} {
		t.Run("rejects "+string(status), func(t *testing.T) {
			h := newHarness(t)
			c := h.seed(t, &model.Campaign{Name: "x", Status: status})

			_, err := h.svc.CancelScheduled(ctx, c.ID)
			assert.ErrorIs(t, err, appErrors.ErrInvalidStatus)
			assert.Equal(t, status, h.reload(t, c.ID).Status)
		})
	}
}

func TestSendNow(t *testing.T) {
	ctx := context.Background()

	t.Run("draft with two subscribers", func(t *testing.T) {
		h := newHarness(t, subscribers("ana@example.com", "bob@example.com")...)
		c := h.seed(t, &model.Campaign{Name: "x"})

		report, err := h.svc.SendNow(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusSent, report.Campaign.Status)
		assert.Equal(t, 2, report.Outcome.Sent)
		assert.Equal(t, 0, report.Outcome.Failed)
	})

	t.Run("no subscribers", func(t *testing.T) {
		h := newHarness(t)
		c := h.seed(t, &model.Campaign{Name: "x"})

		_, err := h.svc.SendNow(ctx, c.ID)
		assert.ErrorIs(t, err, appErrors.ErrNoSubscribers)
		stored := h.reload(t, c.ID)
		assert.Equal(t, model.StatusFailed, stored.Status)
		assert.Nil(t, stored.SendingStartedAt)
	})

	tests := []struct {
		status model.CampaignStatus
		want   error
	}{
		{model.StatusScheduled, appErrors.ErrInvalidStatus},
		{model.StatusFailed, appErrors.ErrInvalidStatus},
		{model.StatusSending, appErrors.ErrCampaignSendInProgress},
		{model.StatusSent, appErrors.ErrCampaignAlreadySent},
	}
	for _, tt := range tests {
		t.Run("rejects "+string(tt.status), func(t *testing.T) {
			h := newHarness(t, subscribers("ana@example.com")...)
			c := h.seed(t, &model.Campaign{Name: "x", Status: tt.status})

			_, err := h.svc.SendNow(ctx, c.ID)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, h.sender.Messages())
		})
	}
}

func TestSendNow_TwoNearSimultaneousCalls(t *testing.T) {
	h := newHarness(t, subscribers("ana@example.com", "bob@example.com")...)
	h.sender.delay = 20 * time.Millisecond
	c := h.seed(t, &model.Campaign{Name: "x"})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.svc.SendNow(context.Background(), c.ID)
		}()
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err == nil {
			continue
		}
		failures++
		assert.True(t,
			errors.Is(err, appErrors.ErrCampaignSendInProgress) || errors.Is(err, appErrors.ErrCampaignAlreadySent),
			"unexpected error: %v", err)
	}
	assert.Equal(t, 1, failures)
	assert.Len(t, h.sender.Messages(), 2)
	assert.Equal(t, model.StatusSent, h.reload(t, c.ID).Status)
}

func TestRenderPreview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.seed(t, &model.Campaign{Name: "Autumn"})

	preview, err := h.svc.RenderPreview(ctx, c.ID, "zoe@example.com", "fr-FR")
	require.NoError(t, err)
	assert.Equal(t, "fr", preview.Locale)
	assert.Equal(t, "Bonjour zoe@example.com", preview.Content.Subject)
	assert.Equal(t, "<p>Autumn</p>", preview.Content.HTML)
	assert.Empty(t, h.sender.Messages())

	_, err = h.svc.RenderPreview(ctx, 999, "zoe@example.com", "")
	assert.ErrorIs(t, err, appErrors.ErrCampaignNotFound)
}
