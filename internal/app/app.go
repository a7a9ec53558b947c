// Package app assembles the delivery engine from configuration. The server and worker
// binaries share this wiring.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unclebandit/newsletter-delivery/internal/config"
	"github.com/unclebandit/newsletter-delivery/internal/controller"
	"github.com/unclebandit/newsletter-delivery/internal/db"
	"github.com/unclebandit/newsletter-delivery/internal/handler"
	"github.com/unclebandit/newsletter-delivery/internal/locale"
	"github.com/unclebandit/newsletter-delivery/internal/mailer"
	"github.com/unclebandit/newsletter-delivery/internal/metrics"
	"github.com/unclebandit/newsletter-delivery/internal/pkg/distlock"
	"github.com/unclebandit/newsletter-delivery/internal/queue"
	"github.com/unclebandit/newsletter-delivery/internal/repository"
	"github.com/unclebandit/newsletter-delivery/internal/service"
	"github.com/unclebandit/newsletter-delivery/internal/templates"
)

const schedulerLeaseKey = "newsletter:scheduler"

// App holds the long-lived dependencies of one process.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	DB       *sql.DB
	Redis    *redis.Client
	Registry *prometheus.Registry
	Delivery *metrics.Delivery
	HTTP     *metrics.HTTP

	Campaigns   repository.CampaignRepositoryInterface
	Subscribers repository.SubscriberRepositoryInterface
	Events      queue.Queue

	CampaignService *service.CampaignService
	Executor        *service.SendExecutor
	Scheduler       *service.Scheduler

	closers []func() error
}

// BuildLogger returns a production zap logger, or a development one when configured.
func BuildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// New connects every backend named by cfg. On error everything opened so far is closed.
// Cancelling ctx later interrupts in-flight campaign sends.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Delivery = metrics.NewDelivery(a.Registry)
	a.HTTP = metrics.NewHTTP(a.Registry)

	if err := a.openStorage(ctx); err != nil {
		return nil, err
	}
	if cfg.Redis.Enabled() {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, a.Redis.Close)
	}
	if err := a.openQueue(); err != nil {
		return nil, err
	}

	registry, err := templates.LoadFile(cfg.Templates.Path)
	if err != nil {
		return nil, fmt.Errorf("loading templates from %s: %w", cfg.Templates.Path, err)
	}
	logger.Info("templates loaded", zap.Strings("ids", registry.IDs()))

	locales, err := locale.NewNormalizer(cfg.Locales.Supported, cfg.Locales.Default)
	if err != nil {
		return nil, err
	}

	sender, err := newSender(ctx, cfg.Mail, logger)
	if err != nil {
		return nil, err
	}

	tmpl := &service.TemplateService{Registry: registry, Locales: locales}
	a.Executor = &service.SendExecutor{
		Campaigns:   a.Campaigns,
		Subscribers: a.Subscribers,
		Dispatcher: &service.BatchDispatcher{
			Templates:  tmpl,
			Sender:     sender,
			BatchSize:  cfg.Dispatch.BatchSize,
			BatchDelay: cfg.Dispatch.BatchDelay(),
			Metrics:    a.Delivery,
			Logger:     logger.Named("dispatcher"),
		},
		Events:   a.Events,
		Metrics:  a.Delivery,
		Logger:   logger.Named("executor"),
		Lifetime: ctx,
	}
	a.CampaignService = &service.CampaignService{
		CampaignRepo: a.Campaigns,
		Templates:    tmpl,
		Sender:       a.Executor,
		Events:       a.Events,
		Logger:       logger.Named("campaigns"),
	}
	a.Scheduler = &service.Scheduler{
		Campaigns:      a.Campaigns,
		Sender:         a.Executor,
		StaleLockAfter: cfg.Scheduler.StaleLockAfter(),
		Events:         a.Events,
		Metrics:        a.Delivery,
		Logger:         logger.Named("scheduler"),
	}
	return a, nil
}

func (a *App) openStorage(ctx context.Context) error {
	switch a.Config.Storage.Driver {
	case "postgres":
		conn, err := db.Open(ctx, a.Config.Database, a.Logger)
		if err != nil {
			return err
		}
		a.DB = conn
		a.closers = append(a.closers, conn.Close)
		if err := db.Migrate(ctx, conn); err != nil {
			return err
		}
		a.Campaigns = &repository.CampaignRepository{DB: conn}
		a.Subscribers = &repository.SubscriberRepository{DB: conn}
	case "memory":
		a.Campaigns = repository.NewMemoryCampaignRepository()
		a.Subscribers = repository.NewStaticSubscriberSource()
	default:
		return fmt.Errorf("unknown storage driver %q", a.Config.Storage.Driver)
	}
	return nil
}

func (a *App) openQueue() error {
	switch a.Config.Queue.Driver {
	case "memory":
		q := queue.NewInMemoryQueue(a.Logger.Named("queue"))
		a.closers = append(a.closers, func() error { q.Wait(); return nil })
		a.Events = q
	case "amqp":
		q, err := queue.DialAMQP(a.Config.Queue.URL, a.Config.Queue.Exchange, a.Logger.Named("queue"))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, q.Close)
		a.Events = q
	default:
		return fmt.Errorf("unknown queue driver %q", a.Config.Queue.Driver)
	}
	return queue.StartCampaignEventLogger(a.Events, a.Logger.Named("events"))
}

func newSender(ctx context.Context, cfg config.MailConfig, logger *zap.Logger) (mailer.Sender, error) {
	switch cfg.Driver {
	case "ses":
		return mailer.NewSESSender(ctx, cfg, logger.Named("ses"))
	case "log":
		return mailer.NewLogSender(logger.Named("mail")), nil
	}
	return nil, fmt.Errorf("unknown mail driver %q", cfg.Driver)
}

// Lease returns the scheduler lease backed by Redis, Postgres or the process, in
// that order of preference.
func (a *App) Lease() distlock.DistLock {
	var rc redis.UniversalClient
	if a.Redis != nil {
		rc = a.Redis
	}
	return distlock.NewLock(rc, a.DB, schedulerLeaseKey, a.Config.Scheduler.LeaseTTL())
}

// Worker builds the scheduler worker.
func (a *App) Worker() *service.Worker {
	return service.NewWorker(a.Scheduler, a.Config.Scheduler.Interval(), a.Lease(), a.Delivery, a.Logger.Named("worker"))
}

// HealthChecks pings the backends this process depends on.
func (a *App) HealthChecks() map[string]handler.Check {
	checks := map[string]handler.Check{}
	if a.DB != nil {
		checks["database"] = a.DB.PingContext
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}
	return checks
}

// Router builds the HTTP API.
func (a *App) Router() http.Handler {
	return controller.NewRouter(controller.RouterOptions{
		Campaigns:      controller.NewCampaignController(a.CampaignService, a.Logger.Named("http")),
		Health:         &handler.HealthHandler{Checks: a.HealthChecks()},
		Metrics:        a.HTTP,
		Gatherer:       a.Registry,
		AllowedOrigins: a.Config.Server.AllowedOrigins,
	})
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
