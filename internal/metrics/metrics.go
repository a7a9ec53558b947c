// Package metrics holds the Prometheus collectors for delivery and HTTP traffic.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery records campaign send activity. A nil *Delivery is valid and records nothing.
type Delivery struct {
	campaigns     *prometheus.CounterVec
	recipients    *prometheus.CounterVec
	batches       prometheus.Counter
	sendDuration  prometheus.Histogram
	lockConflicts prometheus.Counter
	recovered     prometheus.Counter
	schedulerRuns *prometheus.CounterVec
}

func NewDelivery(reg prometheus.Registerer) *Delivery {
	f := promauto.With(reg)
	return &Delivery{
		campaigns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "newsletter_campaigns_finished_total",
			Help: "Campaign sends finished, by terminal status",
		}, []string{"status"}),
		recipients: f.NewCounterVec(prometheus.CounterOpts{
			Name: "newsletter_recipients_total",
			Help: "Recipient deliveries attempted, by result",
		}, []string{"result"}),
		batches: f.NewCounter(prometheus.CounterOpts{
			Name: "newsletter_batches_total",
			Help: "Recipient batches dispatched",
		}),
		sendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "newsletter_campaign_send_duration_seconds",
			Help:    "Wall time of one campaign send",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		lockConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "newsletter_send_lock_conflicts_total",
			Help: "Send attempts that lost the send lock",
		}),
		recovered: f.NewCounter(prometheus.CounterOpts{
			Name: "newsletter_stale_locks_recovered_total",
			Help: "Campaigns moved out of SENDING by stale lock recovery",
		}),
		schedulerRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "newsletter_scheduler_runs_total",
			Help: "Scheduler ticks, by outcome",
		}, []string{"outcome"}),
	}
}

func (d *Delivery) CampaignFinished(status string, took time.Duration) {
	if d == nil {
		return
	}
	d.campaigns.WithLabelValues(status).Inc()
	d.sendDuration.Observe(took.Seconds())
}

func (d *Delivery) RecipientSent() {
	if d == nil {
		return
	}
	d.recipients.WithLabelValues("sent").Inc()
}

func (d *Delivery) RecipientFailed() {
	if d == nil {
		return
	}
	d.recipients.WithLabelValues("failed").Inc()
}

func (d *Delivery) BatchDispatched() {
	if d == nil {
		return
	}
	d.batches.Inc()
}

func (d *Delivery) LockConflict() {
	if d == nil {
		return
	}
	d.lockConflicts.Inc()
}

func (d *Delivery) LocksRecovered(n int) {
	if d == nil || n <= 0 {
		return
	}
	d.recovered.Add(float64(n))
}

// SchedulerRun counts a tick; outcome is "ok", "error" or "skipped".
func (d *Delivery) SchedulerRun(outcome string) {
	if d == nil {
		return
	}
	d.schedulerRuns.WithLabelValues(outcome).Inc()
}
