package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	"class-mirror-backend/config"
	"class-mirror-backend/internal/api"
	"class-mirror-backend/internal/caldav"
	"class-mirror-backend/internal/db"
	"class-mirror-backend/internal/gcal"
	"class-mirror-backend/internal/logging"
	"class-mirror-backend/internal/mirror"
	"class-mirror-backend/internal/notification"
	"class-mirror-backend/internal/reconcile"
	"class-mirror-backend/internal/schedule"
	"class-mirror-backend/internal/store"
	"class-mirror-backend/internal/untis"
)

// app holds the wired components shared by all commands.
type app struct {
	cfg        *config.Config
	logger     *log.Logger
	store      store.Store
	pool       *notification.WorkerPool
	session    *schedule.Session
	fetcher    *schedule.Fetcher
	reconciler *reconcile.Reconciler
	webpush    *webpush.Options
}

func setup(cmd *cli.Command) (*app, error) {
	configPath := cmd.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
	}

	logger := logging.New(os.Stderr, cfg.Log.Level)
	logger.Info("configuration loaded", "path", configPath, "provider", cfg.Calendar.Provider)

	var webpushOptions *webpush.Options
	if cfg.PushEnabled() {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
	} else {
		logger.Warn("VAPID keys are not configured, push notifications are disabled")
	}

	gormDB, err := db.Init(&cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	appStore := store.NewGormStore(gormDB)

	cal, err := newCalendar(cfg.Calendar, logger)
	if err != nil {
		return nil, err
	}

	pool := notification.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.Queue, gormDB, webpushOptions, logger)
	session := schedule.NewSession(untis.NewClient(cfg.Source, logger), logger)
	normalizer := schedule.NewNormalizer(cfg.Source.Subjects, cfg.Source.Location)
	fetcher := schedule.NewFetcher(session, normalizer, cfg.Source.MaxDays, logger)
	applier := mirror.NewApplier(cal, pool, cfg.Calendar.Parallelism, logger)
	reconciler := reconcile.NewReconciler(fetcher, applier, appStore, logger).
		WithWindow(time.Duration(cfg.Calendar.WindowDays) * 24 * time.Hour)

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      appStore,
		pool:       pool,
		session:    session,
		fetcher:    fetcher,
		reconciler: reconciler,
		webpush:    webpushOptions,
	}, nil
}

func newCalendar(cfg config.CalendarConfig, logger *log.Logger) (mirror.Calendar, error) {
	switch cfg.Provider {
	case "caldav":
		cal, err := caldav.New(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to set up caldav calendar: %w", err)
		}
		return cal, nil
	default:
		return gcal.New(cfg, logger), nil
	}
}

// close logs out of the source and flushes pending notices.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.pool.Drain(ctx)
	a.session.Close(ctx)
}

func runForever(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.pool.Start(ctx)

	loop := reconcile.NewLoop(a.reconciler, a.pool, reconcile.Options{
		Interval:     a.cfg.Reconcile.Interval,
		RetryBackoff: a.cfg.Reconcile.RetryBackoff,
		MaxRetries:   a.cfg.Reconcile.MaxRetries,
	}, a.logger)
	loop.Start(ctx)

	var server *http.Server
	if a.cfg.Server.Enabled {
		gin.SetMode(gin.ReleaseMode)
		server = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           api.NewRouter(a.cfg.Server, a.store, loop, a.webpush, a.logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.logger.Info("HTTP server starting", "port", a.cfg.Server.Port)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("HTTP server failed", "err", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	a.logger.Info("shutdown signal received, stopping services")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("HTTP server shutdown failed", "err", err)
		}
	}
	loop.Stop()

	if st := loop.Status(); st.State == reconcile.StateStopped {
		return fmt.Errorf("reconciliation stopped after %d attempts: %s", st.Retries, st.LastError)
	}
	return nil
}

func rewriteOnce(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	_, res, err := a.reconciler.Rewrite(ctx)
	if err != nil {
		return fmt.Errorf("rewrite failed: %w", err)
	}
	a.logger.Info("rewrite finished", "deleted", res.Deleted, "created", res.Created, "failed", res.Failed)
	return nil
}

func updateOnce(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	from := time.Now().In(a.cfg.Source.Location)
	if v := cmd.String("from"); v != "" {
		from, err = time.ParseInLocation(time.DateOnly, v, a.cfg.Source.Location)
		if err != nil {
			return fmt.Errorf("invalid --from %q: %w", v, err)
		}
	}

	res, err := a.reconciler.Update(ctx, from)
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	a.logger.Info("update finished", "changed", res.Changed, "updated", res.Updated, "failed", res.Failed)
	return nil
}
