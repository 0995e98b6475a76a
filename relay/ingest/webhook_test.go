package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/ZanzyTHEbar/convo-relay/relay/channel/whatsapp"
	"github.com/ZanzyTHEbar/convo-relay/relay/conversation/adapters"
	ports "github.com/ZanzyTHEbar/convo-relay/relay/conversation/ports"
)

type sent struct{ To, Text string }

type fakeMessenger struct {
	mu      sync.Mutex
	sent    []sent
	read    []string
	media   map[string]string
	sendErr error
}

func (m *fakeMessenger) Send(ctx context.Context, to, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return "", m.sendErr
	}
	m.sent = append(m.sent, sent{to, text})
	return fmt.Sprintf("wamid.out.%d", len(m.sent)), nil
}

func (m *fakeMessenger) MarkRead(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.read = append(m.read, id)
	return nil
}

func (m *fakeMessenger) Media(ctx context.Context, id string) (io.ReadCloser, whatsapp.Media, error) {
	data, ok := m.media[id]
	if !ok {
		return nil, whatsapp.Media{}, &ports.TransportError{Op: "media metadata", StatusCode: 404, Body: "not found", Err: errors.New("Not Found")}
	}
	return io.NopCloser(strings.NewReader(data)), whatsapp.Media{ID: id, MimeType: "audio/ogg; codecs=opus"}, nil
}

type fakeTranscriber struct {
	text     string
	filename string
	audio    string
}

func (t *fakeTranscriber) Transcribe(ctx context.Context, audio io.Reader, filename, contentType string) (string, error) {
	data, _ := io.ReadAll(audio)
	t.audio = string(data)
	t.filename = filename
	return t.text, nil
}

type recordingScheduler struct {
	mu     sync.Mutex
	queued []ports.Dispatch
	delays []time.Duration
	err    error
}

func (s *recordingScheduler) Enqueue(ctx context.Context, d ports.Dispatch, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.queued = append(s.queued, d)
	s.delays = append(s.delays, delay)
	return nil
}

const textNotification = `{"object":"whatsapp_business_account","entry":[{"id":"ACC","changes":[{"field":"messages","value":{
	"contacts":[{"wa_id":"C1","profile":{"name":"Ana"}}],
	"messages":[{"from":"C1","id":"42","timestamp":"1700000000","type":"text","text":{"body":"hello"}}]}}]}]}`

func notification(from, id, msgJSON string) string {
	return fmt.Sprintf(`{"entry":[{"id":"ACC","changes":[{"field":"messages","value":{
	"messages":[{"from":%q,"id":%q,%s}]}}]}]}`, from, id, msgJSON)
}

type WebhookSuite struct {
	suite.Suite
	cfg         Config
	channel     *fakeMessenger
	transcriber *fakeTranscriber
	store       *adapters.MemoryStore
	scheduler   *recordingScheduler
	hook        *Webhook
}

func TestWebhookSuite(t *testing.T) {
	suite.Run(t, new(WebhookSuite))
}

func (s *WebhookSuite) SetupTest() {
	s.cfg = Config{
		VerifyToken:        "verify-me",
		AccountID:          "ACC",
		ModeratorNotice:    "El número %s no está en la lista",
		Moderators:         []string{"M1", "M2"},
		ApologyMessage:     "Ups",
		UnsupportedMessage: "No entiendo",
		AudioEchoTemplate:  "Entendí: *%s*",
		PlaceholderName:    "Contacto Anonimo",
		DispatchDelay:      time.Minute,
	}
	s.channel = &fakeMessenger{media: map[string]string{"MEDIA1": "OggS-fake"}}
	s.transcriber = &fakeTranscriber{text: "quiero una cita"}
	s.store = adapters.NewMemoryStore()
	s.scheduler = &recordingScheduler{}
	s.rebuild()
}

func (s *WebhookSuite) rebuild() {
	hook, err := NewWebhook(s.cfg, s.channel, s.transcriber, s.store, s.scheduler, zerolog.Nop())
	s.Require().NoError(err)
	s.hook = hook
}

func (s *WebhookSuite) post(body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/message", strings.NewReader(body))
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	rec := httptest.NewRecorder()
	s.hook.ServeHTTP(rec, req)
	return rec
}

func (s *WebhookSuite) TestVerifyChallenge() {
	req := httptest.NewRequest(http.MethodGet, "/message?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444", nil)
	rec := httptest.NewRecorder()
	s.hook.ServeHTTP(rec, req)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("1158201444", rec.Body.String())

	for _, q := range []string{
		"hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1",
		"hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=1",
		"",
	} {
		rec := httptest.NewRecorder()
		s.hook.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/message?"+q, nil))
		s.Equal(http.StatusBadRequest, rec.Code, q)
	}
}

func (s *WebhookSuite) TestTextMessageIsRecordedAndScheduled() {
	rec := s.post(textNotification)
	s.Equal(http.StatusOK, rec.Code)

	ctx := context.Background()
	contact, ok, err := s.store.GetContact(ctx, "C1")
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal("Ana", contact.Name)

	turn, ok, err := s.store.Latest(ctx, "C1", ports.ActorUser)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal("42", turn.ID)
	s.Equal("hello", turn.Text)

	s.Equal([]ports.Dispatch{{ContactID: "C1", TurnID: "42"}}, s.scheduler.queued)
	s.Equal([]time.Duration{time.Minute}, s.scheduler.delays)
	s.Equal([]string{"42"}, s.channel.read)
	s.Empty(s.channel.sent)
}

func (s *WebhookSuite) TestRedeliveryIsScheduledOnce() {
	s.post(textNotification)
	s.post(textNotification)

	s.Len(s.scheduler.queued, 1)
	history, err := s.store.History(context.Background(), "C1", 10)
	s.Require().NoError(err)
	s.Len(history, 1)
}

func (s *WebhookSuite) TestMissingProfileUsesPlaceholder() {
	s.post(notification("C9", "1", `"type":"text","text":{"body":"hola"}`))

	contact, ok, err := s.store.GetContact(context.Background(), "C9")
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal("Contacto Anonimo", contact.Name)
}

func (s *WebhookSuite) TestAudioIsTranscribedAndEchoed() {
	s.post(notification("C1", "43", `"type":"audio","audio":{"id":"MEDIA1","mime_type":"audio/ogg"}`))

	s.Equal("OggS-fake", s.transcriber.audio)
	s.Equal("audio.ogg", s.transcriber.filename)
	s.Equal([]sent{{"C1", "Entendí: *quiero una cita*"}}, s.channel.sent)

	turn, ok, err := s.store.Latest(context.Background(), "C1", ports.ActorUser)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal("quiero una cita", turn.Text)
	s.Len(s.scheduler.queued, 1)
}

func (s *WebhookSuite) TestMediaFailureSendsApology() {
	s.post(notification("C1", "44", `"type":"audio","audio":{"id":"MISSING"}`))

	s.Equal([]sent{{"C1", "Ups"}}, s.channel.sent)
	s.Empty(s.scheduler.queued)
}

func (s *WebhookSuite) TestUnsupportedKindGetsReply() {
	s.post(notification("C1", "45", `"type":"sticker"`))

	s.Equal([]sent{{"C1", "No entiendo"}}, s.channel.sent)
	s.Empty(s.scheduler.queued)
	_, ok, err := s.store.Latest(context.Background(), "C1", ports.ActorUser)
	s.Require().NoError(err)
	s.False(ok)
}

func (s *WebhookSuite) TestSchedulerFailureSendsApology() {
	s.scheduler.err = &ports.StorageError{Op: "enqueue dispatch", Err: errors.New("disk full")}
	rec := s.post(textNotification)

	s.Equal(http.StatusOK, rec.Code)
	s.Equal([]sent{{"C1", "Ups"}}, s.channel.sent)
}

func (s *WebhookSuite) TestAllowlist() {
	s.cfg.Allowlist = []string{"+57 314 000 0000", "58*"}
	s.rebuild()

	s.post(notification("573140000000", "1", `"type":"text","text":{"body":"a"}`))
	s.post(notification("58412000000", "2", `"type":"text","text":{"body":"b"}`))
	s.post(notification("15550001111", "3", `"type":"text","text":{"body":"c"}`))

	s.Len(s.scheduler.queued, 2)
	s.Equal([]sent{
		{"M1", "El número 15550001111 no está en la lista"},
		{"M2", "El número 15550001111 no está en la lista"},
	}, s.channel.sent)
	s.NotContains(s.channel.read, "3")
}

func (s *WebhookSuite) TestIgnoredPayloads() {
	s.Equal(http.StatusOK, s.post(`{"object":"x"}`).Code)
	s.Equal(http.StatusOK, s.post(`not json`).Code)
	s.Equal(http.StatusOK, s.post(strings.Replace(textNotification, `"ACC"`, `"OTHER"`, 1)).Code)
	s.Equal(http.StatusOK, s.post(`{"entry":[{"id":"ACC","changes":[{"value":{"statuses":[{"id":"s"}]}}]}]}`).Code)

	s.Empty(s.scheduler.queued)
	s.Empty(s.channel.sent)
}

func (s *WebhookSuite) TestSignature() {
	s.cfg.AppSecret = "app-secret"
	s.rebuild()

	s.Equal(http.StatusUnauthorized, s.post(textNotification).Code)
	s.Equal(http.StatusUnauthorized, s.post(textNotification, "X-Hub-Signature-256", "sha256=00").Code)
	s.Empty(s.scheduler.queued)

	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write([]byte(textNotification))
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	s.Equal(http.StatusOK, s.post(textNotification, "X-Hub-Signature-256", sig).Code)
	s.Len(s.scheduler.queued, 1)
}

func (s *WebhookSuite) TestConcurrentFirstMessagesCreateContactOnce() {
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.hook.Handle(context.Background(), []byte(notification("C7", fmt.Sprint(100+i), `"type":"text","text":{"body":"x"}`)))
		}()
	}
	wg.Wait()

	history, err := s.store.History(context.Background(), "C7", 20)
	s.Require().NoError(err)
	s.Len(history, 8)
	s.Len(s.scheduler.queued, 8)
}
