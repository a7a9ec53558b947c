package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appErrors "github.com/unclebandit/newsletter-delivery/internal/errors"
	"github.com/unclebandit/newsletter-delivery/internal/mailer"
	"github.com/unclebandit/newsletter-delivery/internal/metrics"
	"github.com/unclebandit/newsletter-delivery/internal/model"
	"github.com/unclebandit/newsletter-delivery/internal/templates"
)

// ErrDispatchInterrupted is returned with a partial outcome when the dispatch context is
// cancelled between batches. Recipients not yet attempted are recorded as failed.
var ErrDispatchInterrupted = errors.New("dispatch interrupted")

const notAttemptedReason = "not attempted: send interrupted"

// Dispatcher sends one campaign to a recipient list.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *model.Campaign, recipients []model.Subscriber) (*model.SendOutcome, error)
}

// BatchDispatcher sends recipients in fixed-size batches. Within a batch every
// recipient is sent concurrently; batches run in list order with BatchDelay between them.
type BatchDispatcher struct {
	Templates  *TemplateService
	Sender     mailer.Sender
	BatchSize  int
	BatchDelay time.Duration
	Metrics    *metrics.Delivery
	Logger     *zap.Logger

	// Sleep waits between batches. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

type recipientResult struct {
	sent   bool
	reason string
}

// Dispatch returns an outcome whose Sent+Failed equals len(recipients). Per-recipient
// failures are recorded in the outcome. An unavailable template registry is returned as
// an error with a nil outcome. A cancelled context stops before the next batch and
// returns ErrDispatchInterrupted together with the partial outcome.
func (d *BatchDispatcher) Dispatch(ctx context.Context, c *model.Campaign, recipients []model.Subscriber) (*model.SendOutcome, error) {
	logger := nopIfNil(d.Logger).With(zap.Int64("campaign_id", c.ID), zap.String("template_id", c.TemplateID))
	outcome := &model.SendOutcome{Errors: []model.RecipientError{}}

	tmpl, err := d.Templates.ResolveCampaignTemplate(ctx, c.TemplateID)
	if err != nil {
		switch appErrors.KindOf(err) {
		case appErrors.KindTemplateNotFound, appErrors.KindInvalidTemplateType:
			logger.Warn("template unusable, failing every recipient", zap.Error(err))
			for _, r := range recipients {
				outcome.RecordFailure(r.Email, err.Error())
				d.Metrics.RecipientFailed()
			}
			return outcome, nil
		}
		return nil, err
	}

	size := d.BatchSize
	if size <= 0 {
		size = 50
	}
	sleep := d.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for start := 0; start < len(recipients); start += size {
		var stopErr error
		if start > 0 {
			if err := sleep(ctx, d.BatchDelay); err != nil {
				stopErr = fmt.Errorf("waiting between batches: %w", err)
			}
		}
		if stopErr == nil {
			stopErr = ctx.Err()
		}
		if stopErr != nil {
			for _, r := range recipients[start:] {
				outcome.RecordFailure(r.Email, notAttemptedReason)
				d.Metrics.RecipientFailed()
			}
			logger.Warn("dispatch interrupted",
				zap.Int("sent", outcome.Sent),
				zap.Int("not_attempted", len(recipients)-start),
				zap.Error(stopErr))
			return outcome, fmt.Errorf("%w: %w", ErrDispatchInterrupted, stopErr)
		}

		end := min(start+size, len(recipients))
		batch := recipients[start:end]
		results := d.sendBatch(ctx, tmpl, c, batch)
		for i, res := range results {
			if res.sent {
				outcome.RecordSent()
				d.Metrics.RecipientSent()
				continue
			}
			outcome.RecordFailure(batch[i].Email, res.reason)
			d.Metrics.RecipientFailed()
			logger.Debug("recipient failed",
				zap.String("to", mailer.RedactEmail(batch[i].Email)),
				zap.String("reason", res.reason))
		}
		d.Metrics.BatchDispatched()
		logger.Debug("batch dispatched",
			zap.Int("batch_start", start),
			zap.Int("batch_size", len(batch)),
			zap.Int("sent_so_far", outcome.Sent),
			zap.Int("failed_so_far", outcome.Failed))
	}

	return outcome, nil
}

func (d *BatchDispatcher) sendBatch(ctx context.Context, tmpl templates.Template, c *model.Campaign, batch []model.Subscriber) []recipientResult {
	results := make([]recipientResult, len(batch))

	var g errgroup.Group
	g.SetLimit(len(batch))
	for i, sub := range batch {
		i, sub := i, sub
		g.Go(func() error {
			results[i] = d.sendOne(ctx, tmpl, c, sub)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *BatchDispatcher) sendOne(ctx context.Context, tmpl templates.Template, c *model.Campaign, sub model.Subscriber) (res recipientResult) {
	defer func() {
		if r := recover(); r != nil {
			res = recipientResult{reason: fmt.Sprintf("panic during send: %v", r)}
		}
	}()

	content, loc, err := d.Templates.RenderFor(tmpl, c, sub)
	if err != nil {
		return recipientResult{reason: fmt.Sprintf("render: %v", err)}
	}

	sent, err := d.Sender.Send(ctx, mailer.Message{
		To:      sub.Email,
		Subject: content.Subject,
		HTML:    content.HTML,
		Text:    content.Text,
		Tags: map[string]string{
			"campaign_id": strconv.FormatInt(c.ID, 10),
			"locale":      loc,
		},
	})
	if err != nil {
		return recipientResult{reason: err.Error()}
	}
	if !sent.Success {
		reason := sent.Error
		if reason == "" {
			reason = "rejected by mail provider"
		}
		return recipientResult{reason: reason}
	}
	return recipientResult{sent: true}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ Dispatcher = (*BatchDispatcher)(nil)
