// Package chatflow talks to the external conversational engine that answers
// customers between hand-offs.
package chatflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/wolfman30/wa-lead-router/internal/config"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

var (
	// ErrNotConfigured is fatal: retrying reproduces the same failure.
	ErrNotConfigured = errors.New("chatflow: engine not configured")
	ErrEmptyReply    = errors.New("chatflow: empty reply")
)

// Settings keys resolved at call time.
const (
	KeyBaseURL = "CHATFLOW_BASE_URL"
	KeyFlowID  = "CHATFLOW_FLOW_ID"
	KeyAPIKey  = "CHATFLOW_API_KEY"
)

// Turn is one request to the engine.
type Turn struct {
	Handle string
	Text   string
	UserID string
}

// Reply carries the engine's answer and the handle to reuse next turn.
type Reply struct {
	Handle string
	Text   string
}

// Engine abstracts the conversational engine.
type Engine interface {
	SendTurn(ctx context.Context, turn Turn) (Reply, error)
}

type predictionRequest struct {
	Question       string         `json:"question"`
	ChatID         string         `json:"chatId,omitempty"`
	OverrideConfig overrideConfig `json:"overrideConfig"`
}

type overrideConfig struct {
	SessionID string `json:"sessionId,omitempty"`
}

type predictionResponse struct {
	Text      string `json:"text"`
	ChatID    string `json:"chatId"`
	SessionID string `json:"sessionId"`
}

// Client calls a Flowise style prediction endpoint.
type Client struct {
	http     *resty.Client
	settings config.Provider
	logger   *logging.Logger
}

// Options tunes the HTTP client.
type Options struct {
	Timeout    time.Duration
	RetryCount int
	HTTPClient *http.Client
}

func NewClient(settings config.Provider, opts Options, logger *logging.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 45 * time.Second
	}
	rc := resty.New()
	if opts.HTTPClient != nil {
		rc = resty.NewWithClient(opts.HTTPClient)
	}
	rc.SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if opts.RetryCount > 0 {
		rc.SetRetryCount(opts.RetryCount).
			SetRetryWaitTime(500 * time.Millisecond).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
			})
	}
	return &Client{http: rc, settings: settings, logger: logging.OrDefault(logger).Component("chatflow")}
}

// SendTurn posts the joined customer text and returns the engine's reply.
func (c *Client) SendTurn(ctx context.Context, turn Turn) (Reply, error) {
	if ctx == nil {
		return Reply{}, errors.New("chatflow: context is required")
	}
	baseURL, err := config.Require(c.settings, KeyBaseURL)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %w", ErrNotConfigured, err)
	}
	flowID, err := config.Require(c.settings, KeyFlowID)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %w", ErrNotConfigured, err)
	}
	apiKey, err := config.Require(c.settings, KeyAPIKey)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %w", ErrNotConfigured, err)
	}
	text := strings.TrimSpace(turn.Text)
	if text == "" {
		return Reply{}, errors.New("chatflow: empty turn text")
	}

	body := predictionRequest{Question: text, ChatID: turn.Handle}
	body.OverrideConfig.SessionID = turn.Handle
	if body.OverrideConfig.SessionID == "" {
		body.OverrideConfig.SessionID = turn.UserID
	}

	var out predictionResponse
	url := strings.TrimRight(baseURL, "/") + "/api/v1/prediction/" + flowID
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(apiKey).
		SetBody(body).
		SetResult(&out).
		Post(url)
	if err != nil {
		return Reply{}, fmt.Errorf("chatflow: request failed: %w", err)
	}
	if resp.IsError() {
		c.logger.Warn("chatflow returned error", "status", resp.StatusCode(), "body", truncate(resp.String(), 300))
		if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
			return Reply{}, fmt.Errorf("%w: engine rejected credentials (status %d)", ErrNotConfigured, resp.StatusCode())
		}
		return Reply{}, fmt.Errorf("chatflow: status %d", resp.StatusCode())
	}

	reply := Reply{Text: strings.TrimSpace(out.Text), Handle: firstNonEmpty(out.SessionID, out.ChatID, turn.Handle)}
	if reply.Text == "" {
		return Reply{}, ErrEmptyReply
	}
	c.logger.Debug("chatflow turn", "user_id", turn.UserID, "handle", reply.Handle, "duration_ms", time.Since(start).Milliseconds())
	return reply, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
