package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/newsletter-delivery/internal/errors"
	"github.com/unclebandit/newsletter-delivery/internal/model"
)

// ErrStaleCampaign is returned by conditional writes when the stored row no longer
// matches the state the caller read. Callers re-fetch and classify.
var ErrStaleCampaign = errors.New("campaign changed concurrently")

// ErrSendLockLost is returned by lock-holder writes when the campaign no longer carries
// the lock timestamp the caller acquired, e.g. after stale-lock recovery handed it on.
var ErrSendLockLost = errors.New("send lock no longer held")

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	Update(ctx context.Context, c *model.Campaign, expected model.CampaignStatus) error
	Delete(ctx context.Context, id int64) error
	ListCampaigns(ctx context.Context, filter model.CampaignFilter, offset, limit int) ([]*model.Campaign, int, error)

	// Send lock protocol
	TryAcquireSendLock(ctx context.Context, id int64, now time.Time) (bool, error)
	FinalizeSend(ctx context.Context, id int64, lockedAt time.Time, outcome *model.SendOutcome, status model.CampaignStatus, now time.Time) error
	ReleaseSendLock(ctx context.Context, id int64, lockedAt time.Time, now time.Time) error
	ListDue(ctx context.Context, now time.Time) ([]*model.Campaign, error)
	ReleaseStaleSendLocks(ctx context.Context, startedBefore, now time.Time) ([]int64, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, name, template_id, status, scheduled_for, sending_started_at,
	total_recipients, sent_count, failed_count, sent_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(&c.ID, &c.Name, &c.TemplateID, &c.Status, &c.ScheduledFor, &c.SendingStartedAt,
		&c.TotalRecipients, &c.SentCount, &c.FailedCount, &c.SentAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func lockableStatuses() pq.StringArray {
	out := make(pq.StringArray, len(model.LockableStatuses))
	for i, s := range model.LockableStatuses {
		out[i] = string(s)
	}
	return out
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = model.StatusDraft
	}
	query := `
		INSERT INTO campaigns (name, template_id, status, scheduled_for, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := r.DB.QueryRowContext(ctx, query, c.Name, c.TemplateID, c.Status, c.ScheduledFor, c.CreatedAt, c.UpdatedAt).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("inserting campaign: %w", err)
	}
	return nil
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, fmt.Errorf("loading campaign %d: %w", id, err)
	}
	return c, nil
}

// Update writes the editable and lifecycle columns only if the row is still in the
// expected status with no send lock held.
func (r *CampaignRepository) Update(ctx context.Context, c *model.Campaign, expected model.CampaignStatus) error {
	c.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE campaigns
		SET name=$1, template_id=$2, status=$3, scheduled_for=$4,
		    total_recipients=$5, sent_count=$6, failed_count=$7, sent_at=$8, updated_at=$9
		WHERE id=$10 AND status=$11 AND sending_started_at IS NULL
	`
	res, err := r.DB.ExecContext(ctx, query, c.Name, c.TemplateID, c.Status, c.ScheduledFor,
		c.TotalRecipients, c.SentCount, c.FailedCount, c.SentAt, c.UpdatedAt, c.ID, expected)
	if err != nil {
		return fmt.Errorf("updating campaign %d: %w", c.ID, err)
	}
	return r.requireAffected(ctx, res, c.ID)
}

// Delete removes a campaign unless it is sending or already sent.
func (r *CampaignRepository) Delete(ctx context.Context, id int64) error {
	query := `DELETE FROM campaigns WHERE id=$1 AND status NOT IN ($2, $3) AND sending_started_at IS NULL`
	res, err := r.DB.ExecContext(ctx, query, id, model.StatusSending, model.StatusSent)
	if err != nil {
		return fmt.Errorf("deleting campaign %d: %w", id, err)
	}
	return r.requireAffected(ctx, res, id)
}

// requireAffected turns a zero-row conditional write into NotFound or ErrStaleCampaign.
func (r *CampaignRepository) requireAffected(ctx context.Context, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := r.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM campaigns WHERE id=$1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking campaign %d: %w", id, err)
	}
	if !exists {
		return appErrors.NewCampaignNotFound(id)
	}
	return ErrStaleCampaign
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, filter model.CampaignFilter, offset, limit int) ([]*model.Campaign, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	argPos := 1

	if filter.Status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, filter.Status)
		argPos++
	}
	if filter.Search != "" {
		where += fmt.Sprintf(" AND name ILIKE $%d", argPos)
		args = append(args, "%"+filter.Search+"%")
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting campaigns: %w", err)
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	campaigns, err := r.queryCampaigns(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return campaigns, total, nil
}

func (r *CampaignRepository) queryCampaigns(ctx context.Context, query string, args ...any) ([]*model.Campaign, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying campaigns: %w", err)
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// ====================== Send lock ======================

// TryAcquireSendLock is a single conditional UPDATE; the database serializes
// concurrent callers so at most one sees a row affected.
func (r *CampaignRepository) TryAcquireSendLock(ctx context.Context, id int64, now time.Time) (bool, error) {
	query := `
		UPDATE campaigns
		SET status=$1, sending_started_at=$2, updated_at=$2
		WHERE id=$3 AND sending_started_at IS NULL AND status = ANY($4)
	`
	res, err := r.DB.ExecContext(ctx, query, model.StatusSending, now, id, lockableStatuses())
	if err != nil {
		return false, fmt.Errorf("acquiring send lock for campaign %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinalizeSend writes the outcome and clears the lock, but only while the row still holds
// the lock taken at lockedAt.
func (r *CampaignRepository) FinalizeSend(ctx context.Context, id int64, lockedAt time.Time, outcome *model.SendOutcome, status model.CampaignStatus, now time.Time) error {
	query := `
		UPDATE campaigns
		SET status=$1, total_recipients=$2, sent_count=$3, failed_count=$4,
		    sent_at=$5, scheduled_for=NULL, sending_started_at=NULL, updated_at=$5
		WHERE id=$6 AND sending_started_at=$7
	`
	res, err := r.DB.ExecContext(ctx, query, status, outcome.Total, outcome.Sent, outcome.Failed, now, id, lockedAt)
	if err != nil {
		return fmt.Errorf("finalizing campaign %d: %w", id, err)
	}
	return requireLockHeld(res)
}

func (r *CampaignRepository) ReleaseSendLock(ctx context.Context, id int64, lockedAt time.Time, now time.Time) error {
	query := `UPDATE campaigns SET status=$1, sending_started_at=NULL, updated_at=$2 WHERE id=$3 AND sending_started_at=$4`
	res, err := r.DB.ExecContext(ctx, query, model.StatusFailed, now, id, lockedAt)
	if err != nil {
		return fmt.Errorf("releasing send lock for campaign %d: %w", id, err)
	}
	return requireLockHeld(res)
}

func requireLockHeld(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSendLockLost
	}
	return nil
}

func (r *CampaignRepository) ListDue(ctx context.Context, now time.Time) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns
		WHERE status=$1 AND scheduled_for <= $2 AND sending_started_at IS NULL
		ORDER BY scheduled_for, id`
	return r.queryCampaigns(ctx, query, model.StatusScheduled, now)
}

func (r *CampaignRepository) ReleaseStaleSendLocks(ctx context.Context, startedBefore, now time.Time) ([]int64, error) {
	query := `
		UPDATE campaigns
		SET status=$1, sending_started_at=NULL, updated_at=$2
		WHERE sending_started_at IS NOT NULL AND sending_started_at < $3
		RETURNING id
	`
	rows, err := r.DB.QueryContext(ctx, query, model.StatusFailed, now, startedBefore)
	if err != nil {
		return nil, fmt.Errorf("releasing stale send locks: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
