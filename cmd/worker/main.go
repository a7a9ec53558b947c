package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/newsletter-delivery/internal/app"
	"github.com/unclebandit/newsletter-delivery/internal/config"
	"github.com/unclebandit/newsletter-delivery/internal/controller"
	"github.com/unclebandit/newsletter-delivery/internal/handler"
)

func main() {
	cfg, err := config.LoadFromEnv(configPath())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := app.BuildLogger(cfg.Log)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("worker exited", zap.Error(err))
	}
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.yaml"
}

// run drives the scheduler until ctx is cancelled. Health and metrics are served on
// the configured server address.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: controller.NewRouter(controller.RouterOptions{
			Health:   &handler.HealthHandler{Checks: a.HealthChecks()},
			Gatherer: a.Registry,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	w := a.Worker()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Start(gctx) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
