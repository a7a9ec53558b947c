package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	appErrors "github.com/unclebandit/newsletter-delivery/internal/errors"
	"github.com/unclebandit/newsletter-delivery/internal/model"
)

// MemoryCampaignRepository keeps campaigns in process memory. Each method holds the
// mutex for its whole read-modify-write, which gives the same atomicity the Postgres
// conditional updates give across processes.
type MemoryCampaignRepository struct {
	mu        sync.Mutex
	nextID    int64
	campaigns map[int64]*model.Campaign
}

func NewMemoryCampaignRepository() *MemoryCampaignRepository {
	return &MemoryCampaignRepository{campaigns: make(map[int64]*model.Campaign)}
}

func (r *MemoryCampaignRepository) Create(_ context.Context, c *model.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	now := time.Now().UTC()
	c.ID = r.nextID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = model.StatusDraft
	}
	r.campaigns[c.ID] = c.Clone()
	return nil
}

func (r *MemoryCampaignRepository) GetByID(_ context.Context, id int64) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return c.Clone(), nil
}

func (r *MemoryCampaignRepository) Update(_ context.Context, c *model.Campaign, expected model.CampaignStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.campaigns[c.ID]
	if !ok {
		return appErrors.NewCampaignNotFound(c.ID)
	}
	if stored.Status != expected || stored.SendingStartedAt != nil {
		return ErrStaleCampaign
	}
	c.UpdatedAt = time.Now().UTC()
	next := c.Clone()
	next.CreatedAt = stored.CreatedAt
	next.SendingStartedAt = nil
	r.campaigns[c.ID] = next
	return nil
}

func (r *MemoryCampaignRepository) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	if stored.Status == model.StatusSending || stored.Status == model.StatusSent || stored.SendingStartedAt != nil {
		return ErrStaleCampaign
	}
	delete(r.campaigns, id)
	return nil
}

func (r *MemoryCampaignRepository) ListCampaigns(_ context.Context, filter model.CampaignFilter, offset, limit int) ([]*model.Campaign, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := []*model.Campaign{}
	search := strings.ToLower(filter.Search)
	for _, c := range r.campaigns {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(c.Name), search) {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	total := len(matched)
	if offset >= total {
		return []*model.Campaign{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}

	page := make([]*model.Campaign, 0, end-offset)
	for _, c := range matched[offset:end] {
		page = append(page, c.Clone())
	}
	return page, total, nil
}

func (r *MemoryCampaignRepository) TryAcquireSendLock(_ context.Context, id int64, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[id]
	if !ok || c.SendingStartedAt != nil || !c.Status.Lockable() {
		return false, nil
	}
	started := now
	c.SendingStartedAt = &started
	c.Status = model.StatusSending
	c.UpdatedAt = now
	return true, nil
}

func (r *MemoryCampaignRepository) FinalizeSend(_ context.Context, id int64, lockedAt time.Time, outcome *model.SendOutcome, status model.CampaignStatus, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[id]
	if !ok || !holdsLock(c, lockedAt) {
		return ErrSendLockLost
	}
	sentAt := now
	c.Status = status
	c.TotalRecipients = outcome.Total
	c.SentCount = outcome.Sent
	c.FailedCount = outcome.Failed
	c.SentAt = &sentAt
	c.ScheduledFor = nil
	c.SendingStartedAt = nil
	c.UpdatedAt = now
	return nil
}

func (r *MemoryCampaignRepository) ReleaseSendLock(_ context.Context, id int64, lockedAt time.Time, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[id]
	if !ok || !holdsLock(c, lockedAt) {
		return ErrSendLockLost
	}
	c.Status = model.StatusFailed
	c.SendingStartedAt = nil
	c.UpdatedAt = now
	return nil
}

func (r *MemoryCampaignRepository) ListDue(_ context.Context, now time.Time) ([]*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	due := []*model.Campaign{}
	for _, c := range r.campaigns {
		if c.Status != model.StatusScheduled || c.SendingStartedAt != nil || c.ScheduledFor == nil {
			continue
		}
		if c.ScheduledFor.After(now) {
			continue
		}
		due = append(due, c.Clone())
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledFor.Equal(*due[j].ScheduledFor) {
			return due[i].ID < due[j].ID
		}
		return due[i].ScheduledFor.Before(*due[j].ScheduledFor)
	})
	return due, nil
}

func (r *MemoryCampaignRepository) ReleaseStaleSendLocks(_ context.Context, startedBefore, now time.Time) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := []int64{}
	for id, c := range r.campaigns {
		if c.SendingStartedAt == nil || !c.SendingStartedAt.Before(startedBefore) {
			continue
		}
		c.Status = model.StatusFailed
		c.SendingStartedAt = nil
		c.UpdatedAt = now
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func holdsLock(c *model.Campaign, lockedAt time.Time) bool {
	return c.SendingStartedAt != nil && c.SendingStartedAt.Equal(lockedAt)
}

var _ CampaignRepositoryInterface = (*MemoryCampaignRepository)(nil)
