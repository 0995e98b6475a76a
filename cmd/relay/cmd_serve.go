package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ZanzyTHEbar/convo-relay/relay/config"
	"github.com/ZanzyTHEbar/convo-relay/relay/conversation"
	"github.com/ZanzyTHEbar/convo-relay/relay/dispatch"
	"github.com/ZanzyTHEbar/convo-relay/relay/ingest"
	"github.com/ZanzyTHEbar/convo-relay/relay/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook, dispatch processor and dispatch worker",
	Long: `Starts the HTTP server (/message, /dispatch, /healthz) and the worker
that drains the dispatch queue. Prompts, interstitial phrases and the apology
text are reloaded when the config file changes.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	webhook, err := ingest.NewWebhook(ingest.Config{
		VerifyToken:        cfg.WhatsApp.VerifyToken,
		AppSecret:          cfg.WhatsApp.AppSecret,
		AccountID:          cfg.WhatsApp.AccountID,
		Allowlist:          cfg.Contacts.Allowlist,
		Moderators:         cfg.Contacts.Moderators,
		ModeratorNotice:    cfg.Contacts.ModeratorNotice,
		ApologyMessage:     cfg.Pipeline.ApologyMessage,
		UnsupportedMessage: cfg.Pipeline.UnsupportedMessage,
		AudioEchoTemplate:  cfg.Pipeline.AudioEchoTemplate,
		PlaceholderName:    cfg.Contacts.PlaceholderName,
		DispatchDelay:      cfg.Dispatch.Delay,
	}, a.channel, a.llm, a.store, a.queue, logger)
	if err != nil {
		return err
	}

	processor, err := dispatch.NewHandler(a.pipeline, cfg.Dispatch.Token, logger)
	if err != nil {
		return err
	}

	health := &server.Health{Queue: a.queue, Metrics: a.metrics}
	if p, ok := a.store.(server.Pinger); ok {
		health.Store = p
	}

	router := server.NewRouter(server.Routes{Message: webhook, Dispatch: processor, Health: health})

	worker := dispatch.NewWorker(a.queue, a.dispatchTarget(cfg), dispatch.WorkerOptions{
		PollInterval: cfg.Dispatch.PollInterval,
		Concurrency:  cfg.Dispatch.Concurrency,
		BatchSize:    cfg.Dispatch.BatchSize,
		JobTimeout:   cfg.Dispatch.LeaseDuration,
	}, logger)

	if file := config.FileUsed(); file != "" {
		config.Watch(func(next *config.Config) {
			if err := a.pipeline.UpdateSettings(conversation.SettingsFromConfig(next)); err != nil {
				logger.Warn().Err(err).Msg("config reload rejected")
				return
			}
			logger.Info().Str("file", file).Msg("pipeline settings reloaded")
		}, func(err error) {
			logger.Warn().Err(err).Msg("config reload failed")
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx, server.Config{
			Addr:            cfg.Server.Addr,
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, router, logger)
	})
	g.Go(func() error {
		return worker.Run(gctx)
	})

	err = g.Wait()
	summary := a.metrics.Summary()
	logger.Info().
		Int64("runs", summary.Runs).
		Interface("outcomes", summary.Outcomes).
		Float64("latency_p95_s", summary.Latency.P95).
		Msg("relay stopped")
	return err
}
