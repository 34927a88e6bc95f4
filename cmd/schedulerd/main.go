package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/fellbythecoop/worms-scheduling/internal/assign"
	"github.com/fellbythecoop/worms-scheduling/internal/config"
	"github.com/fellbythecoop/worms-scheduling/internal/conflict"
	"github.com/fellbythecoop/worms-scheduling/internal/engine"
	"github.com/fellbythecoop/worms-scheduling/internal/httpapi"
	"github.com/fellbythecoop/worms-scheduling/internal/notify"
	"github.com/fellbythecoop/worms-scheduling/internal/reconcile"
	"github.com/fellbythecoop/worms-scheduling/internal/storage"
	"github.com/fellbythecoop/worms-scheduling/internal/utilization"
	logx "github.com/fellbythecoop/worms-scheduling/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml/json")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Parse()
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = config.Default()
	case err != nil:
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cfgm.Commit(cfg)

	logSvc, log := logx.New(logCfg(cfg))
	defer logSvc.Close()
	log = log.With(logx.String("comp", "app"))

	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return c.Validate() })

	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer store.Close()

	notifier := notify.New(log.With(logx.String("comp", "notify")))

	sink, err := notify.StartTelegramSink(notifier, notify.TelegramConfig{
		Enabled:    cfg.Telegram.Enabled,
		Token:      cfg.Telegram.Token,
		ChatID:     cfg.Telegram.ChatID,
		RatePerSec: cfg.Telegram.RatePerSec,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return err
	}
	defer sink.Close()

	eng := engine.New(store, notifier, log.With(logx.String("comp", "engine")))
	orch := assign.NewOrchestrator(store, eng, notifier, log.With(logx.String("comp", "assign")))
	advisor := conflict.NewAdvisor(store, notifier, log.With(logx.String("comp", "conflict")))
	agg := utilization.NewAggregator(store)

	sweeper := reconcile.New(reconcile.Config{
		Enabled:       cfg.Reconcile.Enabled,
		Spec:          cfg.Reconcile.Spec,
		LookbackDays:  cfg.Reconcile.LookbackDays,
		LookaheadDays: cfg.Reconcile.LookaheadDays,
	}, store, eng, log.With(logx.String("comp", "reconcile")))
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	api := httpapi.New(store, orch, advisor, agg, notifier, log.With(logx.String("comp", "http")))

	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http listening", logx.String("addr", cfg.HTTP.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Hot-reload: logging changes apply live, everything else needs a restart.
	updates, unsub := cfgm.Subscribe()
	defer unsub()
	go cfgm.Watch(ctx)
	go func() {
		for next := range updates {
			logSvc.Apply(logCfg(next))
			log.Info("config reloaded; non-logging changes take effect on restart")
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn("http shutdown", logx.Err(err))
	}
	return nil
}

func logCfg(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.FileEnabled,
			Path:    cfg.Logging.FilePath,
		},
	}
}
