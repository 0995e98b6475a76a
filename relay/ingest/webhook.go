// Package ingest receives WhatsApp webhook notifications, records the user's
// turn and schedules the deferred reply.
package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ZanzyTHEbar/convo-relay/relay/channel/whatsapp"
	"github.com/ZanzyTHEbar/convo-relay/relay/conversation"
	ports "github.com/ZanzyTHEbar/convo-relay/relay/conversation/ports"
	"github.com/ZanzyTHEbar/convo-relay/relay/schema"
)

const (
	maxWebhookBody = 1 << 20
	replyTimeout   = 10 * time.Second
)

// Messenger is the channel surface the webhook needs besides Send.
type Messenger interface {
	ports.Channel
	MarkRead(ctx context.Context, messageID string) error
	Media(ctx context.Context, mediaID string) (io.ReadCloser, whatsapp.Media, error)
}

// Transcriber turns an audio note into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename, contentType string) (string, error)
}

// Config carries the webhook settings.
type Config struct {
	VerifyToken string
	AppSecret   string // empty skips signature checks
	AccountID   string // empty accepts any business account

	Allowlist       []string
	Moderators      []string
	ModeratorNotice string // %s is the rejected number

	ApologyMessage     string
	UnsupportedMessage string
	AudioEchoTemplate  string // %s is the transcription
	PlaceholderName    string

	DispatchDelay time.Duration
}

// Webhook handles GET verification and POST notifications on /message.
type Webhook struct {
	cfg         Config
	allow       *Allowlist
	channel     Messenger
	transcriber Transcriber
	store       conversation.Store
	scheduler   ports.Scheduler
	validator   *schema.Validator
	contacts    singleflight.Group
	logger      zerolog.Logger
	now         func() time.Time
}

func NewWebhook(cfg Config, channel Messenger, transcriber Transcriber, store conversation.Store, scheduler ports.Scheduler, logger zerolog.Logger) (*Webhook, error) {
	v, err := schema.Webhook()
	if err != nil {
		return nil, err
	}
	return &Webhook{
		cfg:         cfg,
		allow:       NewAllowlist(cfg.Allowlist),
		channel:     channel,
		transcriber: transcriber,
		store:       store,
		scheduler:   scheduler,
		validator:   v,
		logger:      logger.With().Str("component", "webhook").Logger(),
		now:         time.Now,
	}, nil
}

func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.verify(w, r)
	case http.MethodPost:
		h.receive(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// verify answers the subscription handshake.
func (h *Webhook) verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || h.cfg.VerifyToken == "" || q.Get("hub.verify_token") != h.cfg.VerifyToken {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, q.Get("hub.challenge"))
}

// receive answers 200 for every notification it could read, so Meta does
// not re-deliver payloads that were handled or deliberately ignored.
func (h *Webhook) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if !h.signatureValid(r.Header.Get("X-Hub-Signature-256"), body) {
		h.logger.Warn().Msg("webhook signature mismatch")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if err := h.Handle(r.Context(), body); err != nil {
		h.logger.Warn().Err(err).Msg("webhook payload ignored")
	}
	w.WriteHeader(http.StatusOK)
}

var errNoMessage = errors.New("no message in notification")

// Handle processes one notification body. Malformed and foreign payloads
// are returned as errors without side effects; processing failures have
// already been answered with the apology message and return nil.
func (h *Webhook) Handle(ctx context.Context, body []byte) error {
	if err := h.validator.Validate(body); err != nil {
		return err
	}
	var payload whatsapp.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}
	if len(payload.Entry) == 0 {
		return errNoMessage
	}

	entry := payload.Entry[0]
	if h.cfg.AccountID != "" && entry.ID != h.cfg.AccountID {
		return fmt.Errorf("notification for foreign account %q", entry.ID)
	}
	msg, contacts, ok := entry.FirstMessage()
	if !ok {
		// Status callbacks (sent, delivered, read) carry no messages.
		return nil
	}

	h.process(ctx, msg, contacts)
	return nil
}

func (h *Webhook) process(ctx context.Context, msg whatsapp.Message, contacts []whatsapp.Contact) {
	logger := h.logger.With().Str("contact_id", msg.From).Str("turn_id", msg.ID).Stringer("kind", msg.Kind()).Logger()

	if !h.allow.Allows(msg.From) {
		logger.Info().Msg("sender not in allowlist")
		h.notifyModerators(ctx, msg.From)
		return
	}

	if err := h.channel.MarkRead(ctx, msg.ID); err != nil {
		logger.Warn().Err(err).Msg("mark read failed")
	}

	text, ok, err := h.messageText(ctx, msg)
	if err != nil {
		h.fail(ctx, logger, msg.From, err)
		return
	}
	if !ok {
		h.reply(ctx, logger, msg.From, h.cfg.UnsupportedMessage)
		return
	}

	if err := h.record(ctx, msg, text, whatsapp.ProfileName(contacts, msg.From), logger); err != nil {
		h.fail(ctx, logger, msg.From, err)
	}
}

// messageText extracts the user's words. ok is false for kinds the relay
// cannot read.
func (h *Webhook) messageText(ctx context.Context, msg whatsapp.Message) (string, bool, error) {
	switch msg.Kind() {
	case whatsapp.KindText:
		return msg.Text.Body, true, nil
	case whatsapp.KindAudio:
		text, err := h.transcribe(ctx, msg)
		if err != nil {
			return "", false, err
		}
		if h.cfg.AudioEchoTemplate != "" {
			h.reply(ctx, h.logger, msg.From, fmt.Sprintf(h.cfg.AudioEchoTemplate, text))
		}
		return text, true, nil
	case whatsapp.KindUnsupported:
		return "", false, nil
	default:
		return "", false, nil
	}
}

func (h *Webhook) transcribe(ctx context.Context, msg whatsapp.Message) (string, error) {
	if h.transcriber == nil {
		return "", errors.New("audio received but no transcriber is configured")
	}
	audio, meta, err := h.channel.Media(ctx, msg.Audio.ID)
	if err != nil {
		return "", err
	}
	defer audio.Close()

	contentType := meta.MimeType
	if contentType == "" {
		contentType = msg.Audio.MimeType
	}
	return h.transcriber.Transcribe(ctx, audio, audioFilename(contentType), contentType)
}

// record stores the contact and the user turn, then schedules the reply.
// A re-delivered message id is stored once and scheduled once.
func (h *Webhook) record(ctx context.Context, msg whatsapp.Message, text, profileName string, logger zerolog.Logger) error {
	if err := h.ensureContact(ctx, msg.From, profileName); err != nil {
		return err
	}

	turn := ports.Turn{
		ID:        msg.ID,
		ContactID: msg.From,
		Text:      text,
		Timestamp: h.now(),
		Actor:     ports.ActorUser,
	}
	stored, err := h.store.Append(ctx, turn)
	if err != nil {
		return err
	}
	if !stored.Timestamp.Equal(turn.Timestamp) {
		logger.Info().Msg("duplicate delivery, already scheduled")
		return nil
	}

	if err := h.scheduler.Enqueue(ctx, ports.Dispatch{ContactID: msg.From, TurnID: msg.ID}, h.cfg.DispatchDelay); err != nil {
		return fmt.Errorf("schedule reply: %w", err)
	}
	logger.Debug().Dur("delay", h.cfg.DispatchDelay).Msg("reply scheduled")
	return nil
}

// ensureContact coalesces concurrent first messages from one sender.
func (h *Webhook) ensureContact(ctx context.Context, id, name string) error {
	if name == "" {
		name = h.cfg.PlaceholderName
	}
	_, err, _ := h.contacts.Do(id, func() (any, error) {
		_, created, err := h.store.EnsureContact(ctx, ports.Contact{ID: id, Name: name, CreatedAt: h.now()})
		if created {
			h.logger.Info().Str("contact_id", id).Str("name", name).Msg("new contact")
		}
		return nil, err
	})
	return err
}

func (h *Webhook) notifyModerators(ctx context.Context, from string) {
	if h.cfg.ModeratorNotice == "" {
		return
	}
	notice := fmt.Sprintf(h.cfg.ModeratorNotice, from)
	for _, m := range h.cfg.Moderators {
		h.reply(ctx, h.logger, m, notice)
	}
}

func (h *Webhook) fail(ctx context.Context, logger zerolog.Logger, to string, err error) {
	event := logger.Error().Err(err)
	var transportErr *ports.TransportError
	if errors.As(err, &transportErr) {
		event = event.Str("op", transportErr.Op).Int("status", transportErr.StatusCode).Str("body", transportErr.Body)
	}
	event.Msg("inbound message failed")

	h.reply(ctx, logger, to, h.cfg.ApologyMessage)
}

// reply sends text best effort, even after the request context is done.
func (h *Webhook) reply(ctx context.Context, logger zerolog.Logger, to, text string) {
	if text == "" {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	if _, err := h.channel.Send(rctx, to, text); err != nil {
		logger.Warn().Err(err).Str("to", to).Msg("reply failed")
	}
}

func (h *Webhook) signatureValid(header string, body []byte) bool {
	if h.cfg.AppSecret == "" {
		return true
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.cfg.AppSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func audioFilename(contentType string) string {
	base, _, _ := strings.Cut(contentType, ";")
	switch strings.TrimSpace(base) {
	case "audio/mpeg", "audio/mp3":
		return "audio.mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "audio.m4a"
	case "audio/wav", "audio/x-wav":
		return "audio.wav"
	case "audio/webm":
		return "audio.webm"
	default:
		return "audio.ogg"
	}
}
