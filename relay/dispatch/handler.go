package dispatch

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/ZanzyTHEbar/convo-relay/relay/conversation"
	ports "github.com/ZanzyTHEbar/convo-relay/relay/conversation/ports"
	"github.com/ZanzyTHEbar/convo-relay/relay/schema"
	"github.com/rs/zerolog"
)

const maxDispatchBody = 16 << 10

// Handler is the processor endpoint remote queues post dispatches to.
type Handler struct {
	runner    Runner
	token     string // empty disables the bearer check
	validator *schema.Validator
	logger    zerolog.Logger
}

func NewHandler(runner Runner, token string, logger zerolog.Logger) (*Handler, error) {
	v, err := schema.Dispatch()
	if err != nil {
		return nil, err
	}
	return &Handler{
		runner:    runner,
		token:     token,
		validator: v,
		logger:    logger.With().Str("component", "dispatch_handler").Logger(),
	}, nil
}

// ServeHTTP runs the pipeline for a {"contactId","messageId"} body. Once the
// body is accepted the answer is always 204, so the queue never retries a
// run whose failure was already handled.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxDispatchBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if err := h.validator.Validate(body); err != nil {
		h.logger.Warn().Err(err).Msg("rejected dispatch body")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var d ports.Dispatch
	if err := json.Unmarshal(body, &d); err != nil {
		http.Error(w, "decode body", http.StatusBadRequest)
		return
	}

	// A caller that gives up must not abort a half-delivered reply.
	outcome, err := h.runner.Run(context.WithoutCancel(r.Context()), conversation.Trigger{ContactID: d.ContactID, TurnID: d.TurnID})
	event := h.logger.Debug()
	if err != nil {
		event = h.logger.Warn().Err(err)
	}
	event.Str("contact_id", d.ContactID).Str("turn_id", d.TurnID).Stringer("outcome", outcome).Msg("dispatch processed")

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}
