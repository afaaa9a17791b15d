package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/courtflow/schedsync/internal/config"
	"github.com/courtflow/schedsync/internal/googlecal"
	"github.com/courtflow/schedsync/internal/httpapi"
	"github.com/courtflow/schedsync/internal/logging"
	"github.com/courtflow/schedsync/internal/schedsync"
)

func main() {
	configPath := flag.String("config", "schedsync.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "schedsyncd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logging.Init(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format == "json")
	log := logging.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}

	var clientOpts []option.ClientOption
	if cfg.Calendar.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.Calendar.CredentialsFile))
	}
	remote, err := googlecal.New(ctx, googlecal.Options{
		PastWindowDays:   cfg.Calendar.PastWindowDays,
		FutureWindowDays: cfg.Calendar.FutureWindowDays,
	}, clientOpts...)
	if err != nil {
		return fmt.Errorf("calendar client: %w", err)
	}

	broadcaster := schedsync.NewBroadcaster(cfg.Stream.RingSize, cfg.Stream.SubscriberBuffer)

	engine := schedsync.NewEngine(store, remote, broadcaster, schedsync.EngineOptions{
		CallTimeout:    cfg.Sync.CallTimeout.Std(),
		MaxRetries:     cfg.Sync.MaxRetries,
		RetryBaseDelay: cfg.Sync.RetryBaseDelay.Std(),
		RetryMaxDelay:  cfg.Sync.RetryMaxDelay.Std(),
		SkewTolerance:  cfg.Sync.SkewTolerance.Std(),
	})

	coordinator := schedsync.NewCoordinator(engine, broadcaster, schedsync.CoordinatorOptions{
		Workers:      cfg.Sync.Workers,
		JobBudget:    cfg.Sync.JobBudget.Std(),
		PollInterval: cfg.Sync.PollInterval.Std(),
		PollGrace:    cfg.Sync.PollGrace.Std(),
	})
	coordinator.Register(cfg.Calendar.Scope)

	channels := schedsync.NewChannelManager(remote, []string{cfg.Calendar.Scope}, schedsync.ChannelOptions{
		Address:       cfg.Channel.WebhookURL,
		Token:         cfg.Channel.Token,
		TTL:           cfg.Channel.TTL.Std(),
		RenewalWindow: cfg.Channel.RenewalWindow.Std(),
		CheckInterval: cfg.Channel.CheckInterval.Std(),
		CallTimeout:   cfg.Sync.CallTimeout.Std(),
	})

	api := httpapi.NewServer(coordinator, channels, broadcaster, httpapi.ServerConfig{
		HeartbeatInterval: cfg.Stream.HeartbeatInterval.Std(),
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return coordinator.Run(groupCtx)
	})
	group.Go(func() error {
		err := channels.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		err := config.Watch(groupCtx, configPath, func(updated *config.Config) {
			coordinator.SetPollGrace(updated.Sync.PollGrace.Std())
			channels.SetRenewalWindow(updated.Channel.RenewalWindow.Std())
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		log.Info("listening", "addr", cfg.ListenAddr, "scope", cfg.Calendar.Scope)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	// An initial pass picks up anything that changed while the daemon was
	// down.
	coordinator.Trigger(cfg.Calendar.Scope, schedsync.TriggerPoll)

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("shut down")
	return err
}

func buildStore(cfg *config.Config) (schedsync.LocalStore, error) {
	switch cfg.Store.Backend {
	case "postgres":
		return schedsync.NewPostgresStore(cfg.Store.DSN)
	default:
		return schedsync.NewMemoryStore(), nil
	}
}
