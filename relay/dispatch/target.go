package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ZanzyTHEbar/convo-relay/relay/conversation"
	ports "github.com/ZanzyTHEbar/convo-relay/relay/conversation/ports"
)

// Target runs a due dispatch.
type Target interface {
	Dispatch(ctx context.Context, d ports.Dispatch) error
}

// Runner is the pipeline entry point.
type Runner interface {
	Run(ctx context.Context, trig conversation.Trigger) (conversation.Outcome, error)
}

// LocalTarget runs the pipeline in-process.
type LocalTarget struct {
	runner Runner
}

func NewLocalTarget(runner Runner) *LocalTarget {
	return &LocalTarget{runner: runner}
}

// Dispatch runs the pipeline. A failed run has already been reported to the
// contact, so its error is returned only to be recorded.
func (t *LocalTarget) Dispatch(ctx context.Context, d ports.Dispatch) error {
	_, err := t.runner.Run(ctx, conversation.Trigger{ContactID: d.ContactID, TurnID: d.TurnID})
	return err
}

// HTTPTarget posts the dispatch to a remote processor endpoint.
type HTTPTarget struct {
	url   string
	token string
	http  *http.Client
}

// NewHTTPTarget creates a target for url. httpClient may be nil.
func NewHTTPTarget(url, token string, httpClient *http.Client) *HTTPTarget {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPTarget{url: url, token: token, http: httpClient}
}

func (t *HTTPTarget) Dispatch(ctx context.Context, d ports.Dispatch) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode dispatch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	res, err := t.http.Do(req)
	if err != nil {
		return &ports.TransportError{Op: "dispatch post", Err: err}
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &ports.TransportError{
			Op:         "dispatch post",
			StatusCode: res.StatusCode,
			Body:       string(raw),
			Err:        errors.New(http.StatusText(res.StatusCode)),
		}
	}
	return nil
}

// Ensure targets implement the Target interface.
var (
	_ Target = (*LocalTarget)(nil)
	_ Target = (*HTTPTarget)(nil)
	_ Runner = (*conversation.Pipeline)(nil)
)
