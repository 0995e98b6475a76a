// Package whatsapp talks to the WhatsApp Cloud (Graph) API: outbound text
// messages, read receipts and inbound media downloads.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	ports "github.com/ZanzyTHEbar/convo-relay/relay/conversation/ports"
	"github.com/rs/zerolog"
)

const DefaultBaseURL = "https://graph.facebook.com/v16.0"

// maxErrorBody caps how much of a failed response is kept for logging.
const maxErrorBody = 64 << 10

type Config struct {
	BaseURL string
	PhoneID string
	Token   string
	Timeout time.Duration // 0 = no client timeout
}

// Client implements ports.Channel on the Graph API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

// NewClient builds a client. httpClient may be nil.
func NewClient(cfg Config, httpClient *http.Client, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: logger.With().Str("component", "whatsapp").Logger(),
	}
}

type textMessage struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type textBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Send delivers text to the contact and returns the outbound message id.
func (c *Client) Send(ctx context.Context, to, text string) (string, error) {
	if to == "" {
		return "", errors.New("missing recipient")
	}
	payload := textMessage{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             textBody{PreviewURL: true, Body: text},
	}

	var resp sendResponse
	if err := c.postJSON(ctx, "send message", c.messagesURL(), payload, &resp); err != nil {
		return "", err
	}
	if len(resp.Messages) == 0 {
		// The message went out; the caller substitutes its own id.
		c.logger.Warn().Str("to", to).Msg("send response carried no message id")
		return "", nil
	}
	return resp.Messages[0].ID, nil
}

// MarkRead flags an inbound message as read.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	payload := map[string]string{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}
	return c.postJSON(ctx, "mark read", c.messagesURL(), payload, nil)
}

// Media describes an inbound attachment.
type Media struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	FileSize string `json:"file_size"`
}

// Media resolves a media id and opens its content. The caller closes the
// returned reader.
func (c *Client) Media(ctx context.Context, mediaID string) (io.ReadCloser, Media, error) {
	var meta Media
	if mediaID == "" {
		return nil, meta, errors.New("missing media id")
	}

	res, err := c.do(ctx, "media metadata", http.MethodGet, c.cfg.BaseURL+"/"+mediaID, nil)
	if err != nil {
		return nil, meta, err
	}
	err = json.NewDecoder(res.Body).Decode(&meta)
	res.Body.Close()
	if err != nil {
		return nil, meta, &ports.TransportError{Op: "media metadata", StatusCode: res.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	if meta.URL == "" {
		return nil, meta, &ports.TransportError{Op: "media metadata", StatusCode: res.StatusCode, Err: errors.New("no download url")}
	}

	res, err = c.do(ctx, "media download", http.MethodGet, meta.URL, nil)
	if err != nil {
		return nil, meta, err
	}
	return res.Body, meta, nil
}

func (c *Client) messagesURL() string {
	return c.cfg.BaseURL + "/" + c.cfg.PhoneID + "/messages"
}

func (c *Client) postJSON(ctx context.Context, op, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}
	res, err := c.do(ctx, op, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &ports.TransportError{Op: op, StatusCode: res.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

// do issues an authenticated request. Non-2xx responses are consumed and
// returned as *TransportError; on success the caller owns res.Body.
func (c *Client) do(ctx context.Context, op, method, url string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, &ports.TransportError{Op: op, Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		defer res.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, &ports.TransportError{
			Op:         op,
			StatusCode: res.StatusCode,
			Body:       string(raw),
			Err:        errors.New(http.StatusText(res.StatusCode)),
		}
	}
	return res, nil
}

// Ensure Client implements the Channel interface.
var _ ports.Channel = (*Client)(nil)
