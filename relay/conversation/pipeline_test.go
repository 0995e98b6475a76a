package conversation

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ZanzyTHEbar/convo-relay/relay/conversation/adapters"
	ports "github.com/ZanzyTHEbar/convo-relay/relay/conversation/ports"
)

const testApology = "¡Ups! Algo no está bien"

type PipelineSuite struct {
	suite.Suite
	ctx       context.Context
	store     *countingStore
	completer *stubCompleter
	channel   *stubChannel
	recorder  *recordingRecorder
	settings  Settings
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = newCountingStore()
	s.completer = &stubCompleter{reply: "hi Ana, how can I help?"}
	s.channel = &stubChannel{}
	s.recorder = &recordingRecorder{}
	s.settings = Settings{
		InitialPrompt:  "You are a helpful assistant.",
		Budget:         Budget{MaxTokens: 1000, MaxResponseTokens: 100, Padding: 1},
		MessageLimit:   10,
		ApologyMessage: testApology,
	}

	_, _, err := s.store.EnsureContact(s.ctx, ports.Contact{ID: "C1", Name: "Ana"})
	s.Require().NoError(err)
}

func (s *PipelineSuite) newPipeline() *Pipeline {
	p, err := NewPipeline(Deps{
		Store:     s.store,
		Contacts:  s.store,
		Completer: s.completer,
		Tokenizer: wordTokenizer{},
		Channel:   s.channel,
		Recorder:  s.recorder,
	}, s.settings, zerolog.Nop())
	s.Require().NoError(err)
	return p
}

func (s *PipelineSuite) appendUser(id, text string, at time.Time) {
	_, err := s.store.Append(s.ctx, ports.Turn{ID: id, ContactID: "C1", Text: text, Actor: ports.ActorUser, Timestamp: at})
	s.Require().NoError(err)
}

func (s *PipelineSuite) TestEndToEndReply() {
	s.appendUser("42", "hello", time.Unix(1700000000, 0))
	writesBefore := s.store.writes()

	outcome, err := s.newPipeline().Run(s.ctx, Trigger{ContactID: "C1", TurnID: "42"})
	s.Require().NoError(err)
	s.Equal(OutcomeReplied, outcome)

	s.Require().Equal(1, s.completer.calls())
	s.Equal([]ports.PromptMessage{
		{Role: ports.RoleSystem, Content: "You are a helpful assistant."},
		{Role: ports.RoleUser, Content: "Ana: hello"},
	}, s.completer.prompts[0])
	s.Equal(100, s.completer.maxResp[0])

	// "hi Ana, how can I help?" in windows of 10 characters.
	want := []string{"hi Ana, ho", "w can I he", "lp?"}
	sent := s.channel.messages()
	s.Require().Len(sent, len(want))
	for i, m := range sent {
		s.Equal("C1", m.To)
		s.Equal(want[i], m.Text)
	}

	s.Equal(writesBefore+len(want), s.store.writes())
	history, err := s.store.History(s.ctx, "C1", 10)
	s.Require().NoError(err)
	s.Require().Len(history, 4)
	assistant := []string{}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Actor == ports.ActorAssistant {
			assistant = append(assistant, history[i].Text)
		}
	}
	s.Equal(want, assistant)
	s.Equal("wamid.1", history[2].ID)

	s.Require().Len(s.recorder.stats, 1)
	s.Equal("replied", s.recorder.stats[0].Outcome)
	s.Equal(3, s.recorder.stats[0].Chunks)
	s.Equal(15, s.recorder.stats[0].Usage.TotalTokens)
}

func (s *PipelineSuite) TestStaleTriggerHasNoSideEffects() {
	base := time.Unix(1700000000, 0)
	s.appendUser("A0", "first", base)
	s.appendUser("A", "second", base.Add(time.Second))
	writesBefore := s.store.writes()

	outcome, err := s.newPipeline().Run(s.ctx, Trigger{ContactID: "C1", TurnID: "B"})
	s.NoError(err)
	s.Equal(OutcomeStale, outcome)

	s.Equal(writesBefore, s.store.writes())
	s.Empty(s.channel.messages())
	s.Zero(s.completer.calls())

	outcome, err = s.newPipeline().Run(s.ctx, Trigger{ContactID: "C1", TurnID: "A0"})
	s.NoError(err)
	s.Equal(OutcomeStale, outcome)
	s.Empty(s.channel.messages())
}

func (s *PipelineSuite) TestStaleWhenContactHasNoUserTurn() {
	outcome, err := s.newPipeline().Run(s.ctx, Trigger{ContactID: "nobody", TurnID: "1"})
	s.NoError(err)
	s.Equal(OutcomeStale, outcome)
	s.Empty(s.channel.messages())
}

func (s *PipelineSuite) TestCompletionFailureSendsApology() {
	s.appendUser("42", "hello", time.Unix(1700000000, 0))
	s.completer.err = &ports.TransportError{Op: "chat completion", StatusCode: 429, Body: `{"error":"rate"}`, Err: errors.New("too many requests")}
	writesBefore := s.store.writes()

	outcome, err := s.newPipeline().Run(s.ctx, Trigger{ContactID: "C1", TurnID: "42"})
	s.Equal(OutcomeFailed, outcome)

	var transportErr *ports.TransportError
	s.Require().ErrorAs(err, &transportErr)
	s.Equal(429, transportErr.StatusCode)

	s.Equal([]sentMessage{{To: "C1", Text: testApology}}, s.channel.messages())
	s.Equal(writesBefore, s.store.writes())
	s.Equal("failed", s.recorder.stats[0].Outcome)
}

func (s *PipelineSuite) TestEmptyCompletionIsAFailure() {
	s.appendUser("42", "hello", time.Unix(1700000000, 0))
	s.completer.reply = ""

	outcome, err := s.newPipeline().Run(s.ctx, Trigger{ContactID: "C1", TurnID: "42"})
	s.Equal(OutcomeFailed, outcome)
	s.ErrorIs(err, ErrEmptyCompletion)
	s.Equal([]sentMessage{{To: "C1", Text: testApology}}, s.channel.messages())
}

func (s *PipelineSuite) TestDeliveryFailureStopsAtFailedChunk() {
	s.appendUser("42", "hello", time.Unix(1700000000, 0))
	s.channel.failOn = map[string]error{"w can I he": &ports.TransportError{Op: "send", StatusCode: 500, Err: errors.New("boom")}}

	outcome, err := s.newPipeline().Run(s.ctx, Trigger{ContactID: "C1", TurnID: "42"})
	s.Equal(OutcomeFailed, outcome)
	s.Error(err)

	sent := s.channel.messages()
	s.Require().Len(sent, 2)
	s.Equal("hi Ana, ho", sent[0].Text)
	s.Equal(testApology, sent[1].Text)
	s.Equal(1, s.recorder.stats[0].Chunks)
}

func (s *PipelineSuite) TestStorageFailureSendsApology() {
	p, err := NewPipeline(Deps{
		Store:     failingStore{adapters.NewMemoryStore()},
		Contacts:  s.store,
		Completer: s.completer,
		Tokenizer: wordTokenizer{},
		Channel:   s.channel,
	}, s.settings, zerolog.Nop())
	s.Require().NoError(err)

	outcome, err := p.Run(s.ctx, Trigger{ContactID: "C1", TurnID: "42"})
	s.Equal(OutcomeFailed, outcome)
	var storageErr *ports.StorageError
	s.ErrorAs(err, &storageErr)
	s.Equal([]sentMessage{{To: "C1", Text: testApology}}, s.channel.messages())
}

func (s *PipelineSuite) TestDefaultPromptOnceAnswered() {
	s.settings.DefaultPrompt = "Keep helping."
	base := time.Unix(1700000000, 0)
	s.appendUser("1", "hello", base)
	p := s.newPipeline()

	_, err := p.Run(s.ctx, Trigger{ContactID: "C1", TurnID: "1"})
	s.Require().NoError(err)
	s.Equal("You are a helpful assistant.", s.completer.prompts[0][0].Content)

	s.appendUser("2", "again", time.Now().Add(time.Hour))
	_, err = p.Run(s.ctx, Trigger{ContactID: "C1", TurnID: "2"})
	s.Require().NoError(err)
	s.Equal("Keep helping.", s.completer.prompts[1][0].Content)
}

func (s *PipelineSuite) TestSerializePerContactTakesLease() {
	s.settings.SerializePerContact = true
	s.appendUser("42", "hello", time.Unix(1700000000, 0))
	lock := &countingLock{}

	p, err := NewPipeline(Deps{
		Store:     s.store,
		Contacts:  s.store,
		Completer: s.completer,
		Tokenizer: wordTokenizer{},
		Channel:   s.channel,
		Lock:      lock,
	}, s.settings, zerolog.Nop())
	s.Require().NoError(err)

	outcome, err := p.Run(s.ctx, Trigger{ContactID: "C1", TurnID: "42"})
	s.Require().NoError(err)
	s.Equal(OutcomeReplied, outcome)
	s.Equal([]string{"C1"}, lock.acquired)
}

func (s *PipelineSuite) TestSerializedRunsRecheckStaleness() {
	s.settings.SerializePerContact = true
	s.appendUser("1", "hello", time.Unix(1700000000, 0))
	s.completer.block = make(chan struct{})

	p, err := NewPipeline(Deps{
		Store:     s.store,
		Contacts:  s.store,
		Completer: s.completer,
		Tokenizer: wordTokenizer{},
		Channel:   s.channel,
		Lock:      adapters.NewContactLock(),
	}, s.settings, zerolog.Nop())
	s.Require().NoError(err)

	s.completer.entered = make(chan struct{}, 1)

	first := make(chan Outcome, 1)
	go func() {
		o, _ := p.Run(s.ctx, Trigger{ContactID: "C1", TurnID: "1"})
		first <- o
	}()
	<-s.completer.entered

	// A duplicate delivery of the same trigger queues behind the lease.
	second := make(chan Outcome, 1)
	go func() {
		o, _ := p.Run(s.ctx, Trigger{ContactID: "C1", TurnID: "1"})
		second <- o
	}()
	time.Sleep(20 * time.Millisecond)

	// A newer turn lands while both are in flight.
	s.appendUser("2", "one more thing", time.Unix(1700000001, 0))
	close(s.completer.block)

	s.Equal(OutcomeReplied, <-first)
	s.Equal(OutcomeStale, <-second)
	s.Equal(1, s.completer.calls())
}

func (s *PipelineSuite) TestUpdateSettings() {
	p := s.newPipeline()

	next := s.settings
	next.InitialPrompt = "Be brief."
	s.Require().NoError(p.UpdateSettings(next))
	s.Equal("Be brief.", p.Settings().InitialPrompt)

	bad := next
	bad.MessageLimit = 0
	s.ErrorIs(p.UpdateSettings(bad), ErrInvalidChunkLimit)
	s.Equal(10, p.Settings().MessageLimit)
}

func (s *PipelineSuite) TestPreview() {
	s.appendUser("42", "hello", time.Unix(1700000000, 0))

	out, err := s.newPipeline().Preview(s.ctx, "C1")
	s.Require().NoError(err)
	s.Len(out.Messages, 2)
	s.Equal("Ana: hello", out.Messages[1].Content)
	s.Zero(s.completer.calls())
}

const testFiller = "un momento"

func (s *PipelineSuite) armFiller(delay time.Duration) {
	s.settings.InterstitialDelay = delay
	s.settings.InterstitialPhrases = []string{testFiller}
}

func (s *PipelineSuite) replyChunks() []sentMessage {
	return []sentMessage{{To: "C1", Text: "hi Ana, ho"}, {To: "C1", Text: "w can I he"}, {To: "C1", Text: "lp?"}}
}

func (s *PipelineSuite) TestFillerCancelledWhenReplyIsFast() {
	s.appendUser("42", "hello", time.Unix(1700000000, 0))
	s.armFiller(30 * time.Millisecond)
	// Delivery outlasts the filler delay, so the filler has to be cancelled
	// as soon as the completion returns.
	s.channel.latency = map[string]time.Duration{
		"hi Ana, ho": 20 * time.Millisecond,
		"w can I he": 20 * time.Millisecond,
		"lp?":        20 * time.Millisecond,
	}

	outcome, err := s.newPipeline().Run(s.ctx, Trigger{ContactID: "C1", TurnID: "42"})
	s.Require().NoError(err)
	s.Equal(OutcomeReplied, outcome)

	time.Sleep(60 * time.Millisecond)
	s.Equal(s.replyChunks(), s.channel.messages())
}

func (s *PipelineSuite) TestFillerLandsBeforeReplyWhenCompletionIsSlow() {
	s.appendUser("42", "hello", time.Unix(1700000000, 0))
	s.armFiller(10 * time.Millisecond)
	s.completer.block = make(chan struct{})
	s.channel.started = make(chan string, 8)
	s.channel.latency = map[string]time.Duration{testFiller: 80 * time.Millisecond}

	type result struct {
		outcome Outcome
		err     error
	}
	done := make(chan result, 1)
	p := s.newPipeline()
	go func() {
		outcome, err := p.Run(s.ctx, Trigger{ContactID: "C1", TurnID: "42"})
		done <- result{outcome, err}
	}()

	select {
	case text := <-s.channel.started:
		s.Require().Equal(testFiller, text)
	case <-time.After(2 * time.Second):
		s.FailNow("filler was never sent")
	}
	close(s.completer.block)

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		s.FailNow("run never finished")
	}
	s.Require().NoError(res.err)
	s.Equal(OutcomeReplied, res.outcome)

	want := append([]sentMessage{{To: "C1", Text: testFiller}}, s.replyChunks()...)
	s.Equal(want, s.channel.messages())
}

func (s *PipelineSuite) TestFillerCancelledOnFailure() {
	s.appendUser("42", "hello", time.Unix(1700000000, 0))
	s.armFiller(30 * time.Millisecond)
	s.completer.err = &ports.TransportError{Op: "chat completion", StatusCode: 500, Err: errors.New("boom")}

	outcome, err := s.newPipeline().Run(s.ctx, Trigger{ContactID: "C1", TurnID: "42"})
	s.Error(err)
	s.Equal(OutcomeFailed, outcome)

	time.Sleep(60 * time.Millisecond)
	s.Equal([]sentMessage{{To: "C1", Text: testApology}}, s.channel.messages())
}

func TestNewPipeline_RequiresCollaborators(t *testing.T) {
	_, err := NewPipeline(Deps{}, Settings{MessageLimit: 1, Budget: Budget{MaxResponseTokens: 1}}, zerolog.Nop())
	assert.Error(t, err)
}

func TestCourier_DeliversInOrderAndPersists(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore()
	channel := &stubChannel{}
	c := NewCourier(channel, store)

	n, err := c.Deliver(ctx, "C1", []string{"one", "two", "three"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	history, err := store.History(ctx, "C1", 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "three", history[0].Text)
	assert.Equal(t, "wamid.3", history[0].ID)
	assert.Equal(t, ports.ActorAssistant, history[0].Actor)
	assert.Equal(t, "one", history[2].Text)
}

func TestCourier_GeneratesIDWhenChannelReturnsNone(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore()
	c := NewCourier(&stubChannel{emptyID: true}, store)

	_, err := c.Deliver(ctx, "C1", []string{"a", "b"})
	require.NoError(t, err)

	history, err := store.History(ctx, "C1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.NotEmpty(t, history[0].ID)
	assert.NotEqual(t, history[0].ID, history[1].ID)
}

func TestStalenessGuard(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore()
	g := NewStalenessGuard(store)

	fresh, err := g.Check(ctx, "C1", "1")
	require.NoError(t, err)
	assert.False(t, fresh)

	_, err = store.Append(ctx, userTurn("1", "hi"))
	require.NoError(t, err)
	_, err = store.Append(ctx, assistantTurn("a1", "hello"))
	require.NoError(t, err)

	fresh, err = g.Check(ctx, "C1", "1")
	require.NoError(t, err)
	assert.True(t, fresh, "assistant turns do not supersede a trigger")

	_, err = g.Check(ctx, "C1", "1")
	require.NoError(t, err)

	_, err = NewStalenessGuard(failingStore{adapters.NewMemoryStore()}).Check(ctx, "C1", "1")
	assert.Error(t, err)

	assert.NoError(t, g.Require(ctx, "C1", "1"))
	_, err = store.Append(ctx, userTurn("2", "again"))
	require.NoError(t, err)
	assert.ErrorIs(t, g.Require(ctx, "C1", "1"), ports.ErrStaleTrigger)

	err = NewStalenessGuard(failingStore{adapters.NewMemoryStore()}).Require(ctx, "C1", "1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ports.ErrStaleTrigger)
}

func TestContactNames_PlaceholderAndCache(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore()
	cache := adapters.NewLRUCache(10)
	names := NewContactNames(store, cache, "", zerolog.Nop())

	name, err := names.Resolve(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, "Contacto Anonimo", name)

	_, _, err = store.EnsureContact(ctx, ports.Contact{ID: "C1", Name: "Ana"})
	require.NoError(t, err)
	name, err = names.Resolve(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", name)

	cached, ok := cache.Get(ctx, "contact:C1")
	assert.True(t, ok)
	assert.Equal(t, "Ana", string(cached))
}

// failingCache misses every lookup and rejects every write.
type failingCache struct{}

func (failingCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (failingCache) Delete(ctx context.Context, key string) error      { return nil }
func (failingCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	return errors.New("cache full")
}

func TestContactNames_CacheFailureIsLogged(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore()
	_, _, err := store.EnsureContact(ctx, ports.Contact{ID: "C1", Name: "Ana"})
	require.NoError(t, err)

	var buf bytes.Buffer
	names := NewContactNames(store, failingCache{}, "", zerolog.New(&buf).Level(zerolog.DebugLevel))

	name, err := names.Resolve(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", name)
	assert.Contains(t, buf.String(), "cache full")
	assert.Contains(t, buf.String(), `"contact_id":"C1"`)
}
