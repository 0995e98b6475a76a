package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	ports "github.com/ZanzyTHEbar/convo-relay/relay/conversation/ports"
	"github.com/rs/zerolog"
)

// ErrEmptyCompletion is returned when the provider answers with no text.
var ErrEmptyCompletion = errors.New("completion returned no text")

const apologyTimeout = 10 * time.Second

// Trigger identifies a deferred run: the contact and the user turn that
// caused it to be scheduled.
type Trigger struct {
	ContactID string
	TurnID    string
}

// Outcome is how a run ended.
type Outcome int

const (
	OutcomeReplied Outcome = iota + 1
	OutcomeStale
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReplied:
		return "replied"
	case OutcomeStale:
		return "stale"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Settings are the run parameters that may change while the process runs.
type Settings struct {
	InitialPrompt string
	// DefaultPrompt replaces InitialPrompt once the contact has received an
	// assistant turn. Empty means always use InitialPrompt.
	DefaultPrompt string
	Budget        Budget
	MessageLimit  int // characters per channel message

	InterstitialDelay   time.Duration // 0 disables the filler
	InterstitialPhrases []string

	ApologyMessage      string
	SerializePerContact bool
}

func (s Settings) validate() error {
	if s.MessageLimit < 1 {
		return ErrInvalidChunkLimit
	}
	if s.Budget.MaxResponseTokens < 1 {
		return errors.New("max response tokens must be at least 1")
	}
	return nil
}

// Deps are the collaborators a Pipeline runs against. Cache, Limiter, Lock,
// Tracer and Recorder are optional.
type Deps struct {
	Store     ports.TranscriptStore
	Contacts  ports.ContactStore
	Completer ports.Completer
	Tokenizer ports.Tokenizer
	Channel   ports.Channel

	Cache    ports.Cache
	Limiter  ports.RateLimiter // gates completion calls
	Lock     ports.RateLimiter // per-contact lease, used with SerializePerContact
	Tracer   ports.Tracer
	Recorder ports.RunRecorder

	HistoryLimit    int
	GroupOrder      GroupOrder
	PlaceholderName string
}

// Pipeline is the deferred generate-and-respond run.
type Pipeline struct {
	store        ports.TranscriptStore
	completer    ports.Completer
	channel      ports.Channel
	limiter      ports.RateLimiter
	lock         ports.RateLimiter
	tracer       ports.Tracer
	recorder     ports.RunRecorder
	guard        *StalenessGuard
	names        *ContactNames
	assembler    *HistoryAssembler
	interstitial *InterstitialNotifier
	courier      *Courier
	settings     atomic.Pointer[Settings]
	logger       zerolog.Logger
}

func NewPipeline(deps Deps, settings Settings, logger zerolog.Logger) (*Pipeline, error) {
	if deps.Store == nil || deps.Contacts == nil || deps.Completer == nil || deps.Tokenizer == nil || deps.Channel == nil {
		return nil, errors.New("pipeline requires store, contacts, completer, tokenizer and channel")
	}
	if err := settings.validate(); err != nil {
		return nil, err
	}
	if deps.Cache == nil {
		deps.Cache = &noOpCache{}
	}
	if deps.Limiter == nil {
		deps.Limiter = &noOpRateLimiter{}
	}
	if deps.Tracer == nil {
		deps.Tracer = &noOpTracer{}
	}
	if deps.Recorder == nil {
		deps.Recorder = &noOpRecorder{}
	}

	logger = logger.With().Str("component", "pipeline").Logger()
	p := &Pipeline{
		store:        deps.Store,
		completer:    deps.Completer,
		channel:      deps.Channel,
		limiter:      deps.Limiter,
		lock:         deps.Lock,
		tracer:       deps.Tracer,
		recorder:     deps.Recorder,
		guard:        NewStalenessGuard(deps.Store),
		names:        NewContactNames(deps.Contacts, deps.Cache, deps.PlaceholderName, logger),
		assembler:    NewHistoryAssembler(deps.Store, deps.Tokenizer, deps.HistoryLimit, deps.GroupOrder),
		interstitial: NewInterstitialNotifier(deps.Channel, logger),
		courier:      NewCourier(deps.Channel, deps.Store),
		logger:       logger,
	}
	p.settings.Store(&settings)
	return p, nil
}

// UpdateSettings swaps the run parameters. Runs already in progress keep the
// settings they started with.
func (p *Pipeline) UpdateSettings(s Settings) error {
	if err := s.validate(); err != nil {
		return err
	}
	p.settings.Store(&s)
	return nil
}

// Settings returns the current run parameters.
func (p *Pipeline) Settings() Settings { return *p.settings.Load() }

// Run executes one deferred run. Stale triggers end with OutcomeStale and
// no writes or sends. Every failure is handled here: it is logged, the
// contact gets the apology message, and the error is returned only so
// callers can observe it. Nothing is retried.
func (p *Pipeline) Run(ctx context.Context, trig Trigger) (Outcome, error) {
	start := time.Now()
	settings := p.settings.Load()

	ctx, finish := p.tracer.StartSpan(ctx, "pipeline.run", map[string]any{
		"contact_id": trig.ContactID,
		"turn_id":    trig.TurnID,
	})

	stats := ports.RunStats{}
	outcome, err := p.run(ctx, trig, settings, &stats)
	if outcome == OutcomeFailed {
		p.fail(ctx, trig, settings, err)
	}
	finish(err)

	stats.Outcome = outcome.String()
	stats.Duration = time.Since(start)
	p.recorder.RecordRun(stats)

	return outcome, err
}

func (p *Pipeline) run(ctx context.Context, trig Trigger, s *Settings, stats *ports.RunStats) (Outcome, error) {
	if s.SerializePerContact && p.lock != nil {
		release, err := p.lock.Acquire(ctx, trig.ContactID)
		if err != nil {
			return OutcomeFailed, fmt.Errorf("acquire contact lease: %w", err)
		}
		defer release()
	}

	if err := p.guard.Require(ctx, trig.ContactID, trig.TurnID); errors.Is(err, ports.ErrStaleTrigger) {
		p.tracer.Event(ctx, "stale_trigger", map[string]any{"turn_id": trig.TurnID})
		p.logger.Debug().Str("contact_id", trig.ContactID).Str("turn_id", trig.TurnID).Msg("trigger superseded by a newer user turn")
		return OutcomeStale, nil
	} else if err != nil {
		return OutcomeFailed, err
	}

	pending := p.interstitial.Arm(ctx, trig.ContactID, s.InterstitialDelay, s.InterstitialPhrases)
	defer pending.Cancel()

	assembly, err := p.assemble(ctx, trig.ContactID, s)
	if err != nil {
		return OutcomeFailed, err
	}
	stats.Dropped = assembly.Dropped
	p.tracer.Event(ctx, "prompt_assembled", map[string]any{
		"messages":      len(assembly.Messages),
		"prompt_tokens": assembly.PromptTokens,
		"dropped":       assembly.Dropped,
		"truncated":     assembly.Truncated,
	})

	release, err := p.limiter.Acquire(ctx, "completion")
	if err != nil {
		return OutcomeFailed, fmt.Errorf("completion rate limit: %w", err)
	}
	completion, err := p.completer.Complete(ctx, assembly.Messages, s.Budget.MaxResponseTokens)
	release()
	// A filler already on its way lands before the reply or the apology.
	pending.Cancel()
	select {
	case <-pending.Done():
	case <-ctx.Done():
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("generate reply: %w", err)
	}
	stats.Usage = completion.Usage
	if completion.Text == "" {
		return OutcomeFailed, ErrEmptyCompletion
	}

	chunks, err := Split(completion.Text, s.MessageLimit)
	if err != nil {
		return OutcomeFailed, err
	}

	delivered, err := p.courier.Deliver(ctx, trig.ContactID, chunks)
	stats.Chunks = delivered
	if err != nil {
		return OutcomeFailed, err
	}

	p.logger.Info().
		Str("contact_id", trig.ContactID).
		Str("turn_id", trig.TurnID).
		Int("chunks", delivered).
		Int("prompt_tokens", completion.Usage.PromptTokens).
		Int("completion_tokens", completion.Usage.CompletionTokens).
		Msg("reply delivered")

	return OutcomeReplied, nil
}

// Preview assembles the prompt a run for contactID would send, without
// checking staleness or calling the provider.
func (p *Pipeline) Preview(ctx context.Context, contactID string) (Assembly, error) {
	return p.assemble(ctx, contactID, p.settings.Load())
}

func (p *Pipeline) assemble(ctx context.Context, contactID string, s *Settings) (Assembly, error) {
	name, err := p.names.Resolve(ctx, contactID)
	if err != nil {
		return Assembly{}, fmt.Errorf("resolve contact name: %w", err)
	}

	system := s.InitialPrompt
	if s.DefaultPrompt != "" {
		_, answered, err := p.store.Latest(ctx, contactID, ports.ActorAssistant)
		if err != nil {
			return Assembly{}, fmt.Errorf("select system prompt: %w", err)
		}
		if answered {
			system = s.DefaultPrompt
		}
	}

	return p.assembler.Assemble(ctx, contactID, name, system, s.Budget)
}

// fail logs err and sends the apology. Apology failures are only logged.
func (p *Pipeline) fail(ctx context.Context, trig Trigger, s *Settings, err error) {
	event := p.logger.Error().Err(err).Str("contact_id", trig.ContactID).Str("turn_id", trig.TurnID)

	var transportErr *ports.TransportError
	if errors.As(err, &transportErr) {
		event = event.Str("op", transportErr.Op).Int("status", transportErr.StatusCode).Str("body", transportErr.Body)
	}
	var storageErr *ports.StorageError
	if errors.As(err, &storageErr) {
		event = event.Str("op", storageErr.Op)
	}
	event.Msg("pipeline run failed")

	if s.ApologyMessage == "" {
		return
	}
	// The run's context may already be done; the apology still goes out.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), apologyTimeout)
	defer cancel()
	if _, sendErr := p.channel.Send(actx, trig.ContactID, s.ApologyMessage); sendErr != nil {
		p.logger.Warn().Err(sendErr).Str("contact_id", trig.ContactID).Msg("failed to send apology message")
	}
}
