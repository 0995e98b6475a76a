package conversation

import (
	"context"
	"database/sql"
	"sync"

	"github.com/ZanzyTHEbar/convo-relay/relay/config"
	"github.com/ZanzyTHEbar/convo-relay/relay/conversation/adapters"
	ports "github.com/ZanzyTHEbar/convo-relay/relay/conversation/ports"
	"github.com/rs/zerolog"
)

// Store is a transcript and contact store backed by the same database.
type Store interface {
	ports.TranscriptStore
	ports.ContactStore
}

// Factory creates and wires pipeline components from configuration.
type Factory struct {
	cfg    *config.Config
	db     *sql.DB // optional; nil selects the in-memory store
	logger zerolog.Logger

	storeOnce sync.Once
	store     Store
}

// NewFactory creates a new pipeline factory.
func NewFactory(cfg *config.Config, db *sql.DB, logger zerolog.Logger) *Factory {
	return &Factory{cfg: cfg, db: db, logger: logger}
}

// Store returns the shared transcript store, creating it on first use.
func (f *Factory) Store() Store {
	f.storeOnce.Do(func() {
		if f.db == nil {
			f.logger.Warn().Msg("no database configured, transcript kept in memory")
			f.store = adapters.NewMemoryStore()
			return
		}
		f.store = adapters.NewLibSQLStore(f.db)
	})
	return f.store
}

// CreatePipeline wires a Pipeline around the given provider and channel.
// Those are injected separately since they talk to external services.
func (f *Factory) CreatePipeline(completer ports.Completer, tokenizer ports.Tokenizer, channel ports.Channel, recorder ports.RunRecorder) (*Pipeline, error) {
	order, err := ParseGroupOrder(f.cfg.History.GroupOrder)
	if err != nil {
		return nil, err
	}

	store := f.Store()
	deps := Deps{
		Store:           store,
		Contacts:        store,
		Completer:       completer,
		Tokenizer:       tokenizer,
		Channel:         channel,
		Cache:           f.createCache(),
		Limiter:         f.createRateLimiter(),
		Lock:            adapters.NewContactLock(),
		Tracer:          f.createTracer(),
		Recorder:        recorder,
		HistoryLimit:    f.cfg.History.Limit,
		GroupOrder:      order,
		PlaceholderName: f.cfg.Contacts.PlaceholderName,
	}

	return NewPipeline(deps, SettingsFromConfig(f.cfg), f.logger)
}

// SettingsFromConfig extracts the hot-reloadable run parameters.
func SettingsFromConfig(cfg *config.Config) Settings {
	s := Settings{
		InitialPrompt: cfg.OpenAI.InitialPrompt,
		DefaultPrompt: cfg.OpenAI.DefaultPrompt,
		Budget: Budget{
			MaxTokens:         cfg.OpenAI.MaxTokens,
			MaxResponseTokens: cfg.OpenAI.MaxResponseTokens,
			SafetyMargin:      cfg.OpenAI.SafetyMargin,
			Padding:           cfg.OpenAI.TokensPadding,
		},
		MessageLimit:        cfg.WhatsApp.MessageLimit,
		ApologyMessage:      cfg.Pipeline.ApologyMessage,
		SerializePerContact: cfg.Pipeline.SerializePerContact,
	}

	if cfg.Interstitial.Enabled {
		s.InterstitialDelay = cfg.Interstitial.Delay
		s.InterstitialPhrases = cfg.Interstitial.Phrases
		if len(s.InterstitialPhrases) == 0 {
			s.InterstitialPhrases = DefaultPhrases
		}
	}

	return s
}

func (f *Factory) createCache() ports.Cache {
	if !f.cfg.Pipeline.CacheEnabled {
		return &noOpCache{}
	}
	return adapters.NewLRUCache(f.cfg.Pipeline.CacheCapacity)
}

func (f *Factory) createRateLimiter() ports.RateLimiter {
	if !f.cfg.Pipeline.RateLimitEnabled {
		return &noOpRateLimiter{}
	}
	return adapters.NewTokenBucket(f.cfg.Pipeline.RateLimitCapacity, f.cfg.Pipeline.RateLimitRefillRate)
}

func (f *Factory) createTracer() ports.Tracer {
	if !f.cfg.Pipeline.EnableTracing {
		return &noOpTracer{}
	}
	return adapters.NewZerologTracer(f.logger)
}

// noOpCache implements Cache interface with no-op behavior for a disabled cache.
type noOpCache struct{}

func (c *noOpCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (c *noOpCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	return nil
}
func (c *noOpCache) Delete(ctx context.Context, key string) error { return nil }

// noOpRateLimiter implements RateLimiter interface with no-op behavior.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

type noOpRecorder struct{}

func (r *noOpRecorder) RecordRun(stats ports.RunStats) {}

// Ensure all no-op types implement their interfaces.
var (
	_ ports.Cache       = (*noOpCache)(nil)
	_ ports.RateLimiter = (*noOpRateLimiter)(nil)
	_ ports.Tracer      = (*noOpTracer)(nil)
	_ ports.RunRecorder = (*noOpRecorder)(nil)
)
