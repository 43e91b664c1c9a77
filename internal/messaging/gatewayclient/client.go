// Package gatewayclient talks to the third-party WhatsApp gateway REST API.
// Every call is authenticated with the sending identity's own token.
package gatewayclient

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
	SignatureHeader = "X-Gateway-Signature"
	tokenHeader     = "Token"
)

var (
	ErrMissingToken     = errors.New("gatewayclient: token required")
	ErrMissingSignature = errors.New("gatewayclient: missing signature")
	ErrBadSignature     = errors.New("gatewayclient: signature mismatch")
	ErrNotFound         = errors.New("gatewayclient: message not found")
)

// MediaKind selects the send endpoint.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaAudio    MediaKind = "audio"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// Media is an outbound attachment referenced by URL.
type Media struct {
	Kind     MediaKind
	URL      string
	Caption  string
	FileName string
}

// SendResult identifies the message the gateway accepted.
type SendResult struct {
	ID        string `json:"Id"`
	Details   string `json:"Details"`
	Timestamp int64  `json:"Timestamp"`
}

// MessageStatus is the gateway's raw view of a sent message.
type MessageStatus struct {
	ID     string `json:"Id"`
	Status string `json:"Status"`
	Error  string `json:"Error,omitempty"`
}

type envelope[T any] struct {
	Code    int    `json:"code"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    T      `json:"data"`
}

// Options tunes the client.
type Options struct {
	Timeout    time.Duration
	RetryCount int
	HTTPClient *http.Client
}

// Client wraps the gateway endpoints.
type Client struct {
	http   *resty.Client
	logger *logging.Logger
}

func New(baseURL string, opts Options, logger *logging.Logger) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("gatewayclient: base url required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	rc := resty.New()
	if opts.HTTPClient != nil {
		rc = resty.NewWithClient(opts.HTTPClient)
	}
	rc.SetBaseURL(baseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if opts.RetryCount > 0 {
		rc.SetRetryCount(opts.RetryCount).
			SetRetryWaitTime(300 * time.Millisecond).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
			})
	}
	return &Client{http: rc, logger: logging.OrDefault(logger).Component("gatewayclient")}, nil
}

// SendText sends body to phone, which must already be in gateway address form.
func (c *Client) SendText(ctx context.Context, token, phone, body string) (*SendResult, error) {
	if strings.TrimSpace(body) == "" {
		return nil, errors.New("gatewayclient: body required")
	}
	return c.send(ctx, token, "/chat/send/text", map[string]string{
		"Phone": phone,
		"Body":  body,
	})
}

// SendMedia sends an attachment by URL.
func (c *Client) SendMedia(ctx context.Context, token, phone string, media Media) (*SendResult, error) {
	if strings.TrimSpace(media.URL) == "" {
		return nil, errors.New("gatewayclient: media url required")
	}
	payload := map[string]string{"Phone": phone}
	switch media.Kind {
	case MediaImage:
		payload["Image"] = media.URL
		payload["Caption"] = media.Caption
	case MediaVideo:
		payload["Video"] = media.URL
		payload["Caption"] = media.Caption
	case MediaAudio:
		payload["Audio"] = media.URL
	case MediaDocument:
		payload["Document"] = media.URL
		payload["FileName"] = firstNonEmpty(media.FileName, "document")
	default:
		return nil, fmt.Errorf("gatewayclient: unsupported media kind %q", media.Kind)
	}
	return c.send(ctx, token, "/chat/send/"+string(media.Kind), payload)
}

func (c *Client) send(ctx context.Context, token, path string, payload map[string]string) (*SendResult, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	if strings.TrimSpace(payload["Phone"]) == "" {
		return nil, errors.New("gatewayclient: phone required")
	}
	var out envelope[SendResult]
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(tokenHeader, token).
		SetBody(payload).
		SetResult(&out).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("gatewayclient: %s: %w", path, err)
	}
	if resp.IsError() {
		c.logger.Warn("gateway send rejected", "path", path, "status", resp.StatusCode())
		return nil, &APIError{StatusCode: resp.StatusCode(), Body: truncate(resp.String(), 300)}
	}
	if !out.Success || out.Data.ID == "" {
		return nil, &APIError{StatusCode: resp.StatusCode(), Body: firstNonEmpty(out.Error, "send not acknowledged")}
	}
	return &out.Data, nil
}

// GetStatus returns the gateway's raw status for a previously sent message.
func (c *Client) GetStatus(ctx context.Context, token, messageID string) (*MessageStatus, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	if strings.TrimSpace(messageID) == "" {
		return nil, errors.New("gatewayclient: message id required")
	}
	var out envelope[MessageStatus]
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(tokenHeader, token).
		SetPathParam("id", messageID).
		SetResult(&out).
		Get("/chat/status/{id}")
	if err != nil {
		return nil, fmt.Errorf("gatewayclient: status %s: %w", messageID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.IsError() {
		return nil, &APIError{StatusCode: resp.StatusCode(), Body: truncate(resp.String(), 300)}
	}
	if out.Data.ID == "" {
		out.Data.ID = messageID
	}
	return &out.Data, nil
}

// DownloadMedia fetches an attachment URL reported in a webhook. The
// gateway serves absolute URLs that still require the instance token.
func (c *Client) DownloadMedia(ctx context.Context, token, mediaURL string) ([]byte, string, error) {
	if strings.TrimSpace(token) == "" {
		return nil, "", ErrMissingToken
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(tokenHeader, token).
		SetHeader("Accept", "*/*").
		Get(mediaURL)
	if err != nil {
		return nil, "", fmt.Errorf("gatewayclient: download: %w", err)
	}
	if resp.IsError() {
		return nil, "", &APIError{StatusCode: resp.StatusCode(), Body: truncate(resp.String(), 300)}
	}
	return resp.Body(), resp.Header().Get("Content-Type"), nil
}

// APIError is a non-2xx gateway answer.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gatewayclient: status %d: %s", e.StatusCode, e.Body)
}

// VerifySignature checks the webhook HMAC. An empty secret disables the check.
func VerifySignature(secret, header string, body []byte) error {
	if secret == "" {
		return nil
	}
	sig := strings.ToLower(strings.TrimSpace(header))
	if sig == "" {
		return ErrMissingSignature
	}
	sig = strings.TrimPrefix(sig, "sha256=")
	if !hmac.Equal([]byte(Sign(secret, body)), []byte(sig)) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
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
