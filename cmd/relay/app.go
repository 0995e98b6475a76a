package main

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/convo-relay/relay/channel/whatsapp"
	"github.com/ZanzyTHEbar/convo-relay/relay/config"
	"github.com/ZanzyTHEbar/convo-relay/relay/conversation"
	"github.com/ZanzyTHEbar/convo-relay/relay/db"
	"github.com/ZanzyTHEbar/convo-relay/relay/dispatch"
	"github.com/ZanzyTHEbar/convo-relay/relay/llm"
	"github.com/ZanzyTHEbar/convo-relay/relay/metrics"
)

// app holds the wired components shared by the subcommands.
type app struct {
	db       *sql.DB // nil for the memory database type
	store    conversation.Store
	queue    dispatch.Queue
	llm      *llm.Client
	channel  *whatsapp.Client
	metrics  *metrics.Collector
	pipeline *conversation.Pipeline
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{metrics: metrics.NewCollector(metrics.DefaultWindow)}

	if cfg.Database.Type == config.DatabaseTypeLibSQL {
		conn, err := db.Open(ctx, cfg.DB(), logger)
		if err != nil {
			return nil, err
		}
		a.db = conn
		a.queue = dispatch.NewLibSQLQueue(conn, cfg.Dispatch.LeaseDuration)
	} else {
		a.queue = dispatch.NewMemoryQueue(cfg.Dispatch.LeaseDuration)
	}

	factory := conversation.NewFactory(cfg, a.db, logger)
	a.store = factory.Store()

	tokenizer, err := llm.NewTokenizer(cfg.OpenAI.ChatModel)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.llm = llm.NewClient(llm.Config{
		APIKey:             cfg.OpenAI.APIKey,
		BaseURL:            cfg.OpenAI.BaseURL,
		ChatModel:          cfg.OpenAI.ChatModel,
		TranscriptionModel: cfg.OpenAI.TranscriptionModel,
		Temperature:        cfg.OpenAI.Temperature,
		Timeout:            cfg.OpenAI.Timeout,
	}, logger)

	a.channel = whatsapp.NewClient(whatsapp.Config{
		BaseURL: cfg.WhatsApp.BaseURL,
		PhoneID: cfg.WhatsApp.PhoneID,
		Token:   cfg.WhatsApp.MessagingToken,
		Timeout: cfg.WhatsApp.Timeout,
	}, nil, logger)

	a.pipeline, err = factory.CreatePipeline(a.llm, tokenizer, a.channel, a.metrics)
	if err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

// dispatchTarget picks where due jobs are run.
func (a *app) dispatchTarget(cfg *config.Config) dispatch.Target {
	if cfg.Dispatch.Mode == config.DispatchModeHTTP {
		return dispatch.NewHTTPTarget(cfg.Dispatch.TargetURL, cfg.Dispatch.Token, &http.Client{Timeout: cfg.Dispatch.HTTPTimeout})
	}
	return dispatch.NewLocalTarget(a.pipeline)
}

func (a *app) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}
