// Package metaclient is a small client for the WhatsApp Cloud API used by the
// official channel.
package metaclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfman30/wa-lead-router/internal/config"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

const (
	defaultBaseURL   = "https://graph.facebook.com/v21.0"
	defaultUserAgent = "wa-lead-router/1.0"
	signaturePrefix  = "sha256="
)

// Settings keys consulted on every call when a Provider is configured.
const (
	KeyAccessToken   = "META_ACCESS_TOKEN"
	KeyPhoneNumberID = "META_PHONE_NUMBER_ID"
)

var (
	ErrNotConfigured    = errors.New("metaclient: credentials not configured")
	ErrMissingSignature = errors.New("metaclient: missing signature header")
	ErrBadSignature     = errors.New("metaclient: signature mismatch")
)

// Config controls how the client behaves. AccessToken and PhoneNumberID are
// fallbacks when Settings does not carry them.
type Config struct {
	BaseURL       string
	AccessToken   string
	PhoneNumberID string
	AppSecret     string
	Settings      config.Provider
	Timeout       time.Duration
	MaxRetries    int
	Backoff       time.Duration
	HTTPClient    *http.Client
	Logger        *logging.Logger
	UserAgent     string
}

// Client wraps the Graph endpoints the router needs.
type Client struct {
	baseURL       string
	accessToken   string
	phoneNumberID string
	appSecret     string
	settings      config.Provider
	httpClient    *http.Client
	maxRetries    int
	backoff       time.Duration
	logger        *logging.Logger
	userAgent     string
}

func New(cfg Config) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		accessToken:   strings.TrimSpace(cfg.AccessToken),
		phoneNumberID: strings.TrimSpace(cfg.PhoneNumberID),
		appSecret:     cfg.AppSecret,
		settings:      cfg.Settings,
		httpClient:    httpClient,
		maxRetries:    max(cfg.MaxRetries, 0),
		backoff:       backoff,
		logger:        logging.OrDefault(cfg.Logger).Component("metaclient"),
		userAgent:     userAgent,
	}
}

// SendText delivers a text message to an E.164 number without the plus sign.
func (c *Client) SendText(ctx context.Context, to, body string) (*SendResponse, error) {
	if strings.TrimSpace(to) == "" || strings.TrimSpace(body) == "" {
		return nil, errors.New("metaclient: recipient and body required")
	}
	return c.send(ctx, outboundMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             &textBody{Body: body},
	})
}

// SendMedia delivers media by public link. kind is image, audio, video or document.
func (c *Client) SendMedia(ctx context.Context, to string, media MediaMessage) (*SendResponse, error) {
	if err := media.validate(); err != nil {
		return nil, err
	}
	obj := &mediaObject{Link: media.Link, Caption: media.Caption}
	if media.Kind == MediaDocument {
		obj.Filename = media.Filename
	}
	if media.Kind == MediaAudio {
		obj.Caption = ""
	}
	msg := outboundMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             string(media.Kind),
	}
	switch media.Kind {
	case MediaImage:
		msg.Image = obj
	case MediaAudio:
		msg.Audio = obj
	case MediaVideo:
		msg.Video = obj
	case MediaDocument:
		msg.Document = obj
	}
	return c.send(ctx, msg)
}

func (c *Client) send(ctx context.Context, msg outboundMessage) (*SendResponse, error) {
	phoneID, err := c.resolve(KeyPhoneNumberID, c.phoneNumberID)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("metaclient: marshal message: %w", err)
	}
	data, err := c.invoke(ctx, http.MethodPost, "/"+url.PathEscape(phoneID)+"/messages", nil, body)
	if err != nil {
		return nil, err
	}
	var out SendResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("metaclient: decode send response: %w", err)
	}
	if out.MessageID() == "" {
		return nil, errors.New("metaclient: send response without message id")
	}
	return &out, nil
}

// GetMedia resolves a media id from a webhook into a short-lived download URL.
func (c *Client) GetMedia(ctx context.Context, mediaID string) (*MediaInfo, error) {
	if strings.TrimSpace(mediaID) == "" {
		return nil, errors.New("metaclient: media id required")
	}
	data, err := c.invoke(ctx, http.MethodGet, "/"+url.PathEscape(mediaID), nil, nil)
	if err != nil {
		return nil, err
	}
	var info MediaInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("metaclient: decode media: %w", err)
	}
	if info.URL == "" {
		return nil, fmt.Errorf("metaclient: media %s has no url", mediaID)
	}
	return &info, nil
}

// DownloadMedia fetches the bytes behind a URL returned by GetMedia.
// The URL is absolute and still requires the bearer token.
func (c *Client) DownloadMedia(ctx context.Context, mediaURL string) ([]byte, string, error) {
	token, err := c.resolve(KeyAccessToken, c.accessToken)
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("metaclient: build download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("metaclient: download: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("metaclient: read download: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", decodeAPIError(resp.StatusCode, data)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// VerifySignature checks X-Hub-Signature-256 against the raw request body.
func (c *Client) VerifySignature(header string, payload []byte) error {
	return VerifySignature(c.appSecret, header, payload)
}

// VerifySignature is the stateless form used by webhook handlers.
func VerifySignature(appSecret, header string, payload []byte) error {
	if appSecret == "" {
		return errors.New("metaclient: app secret not configured")
	}
	sig := strings.ToLower(strings.TrimSpace(header))
	if sig == "" {
		return ErrMissingSignature
	}
	sig = strings.TrimPrefix(sig, signaturePrefix)
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrBadSignature
	}
	return nil
}

// Sign produces the header value Meta would send for payload.
func Sign(appSecret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) resolve(key, fallback string) (string, error) {
	if c.settings != nil {
		if v, ok := c.settings.Lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), nil
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("%w: %w: %s", ErrNotConfigured, config.ErrMissingSetting, key)
}

func (c *Client) invoke(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	token, err := c.resolve(KeyAccessToken, c.accessToken)
	if err != nil {
		return nil, err
	}
	fullURL := c.buildURL(path, query)
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("metaclient: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("User-Agent", c.userAgent)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !shouldRetry(0, err) || attempt == c.maxRetries {
				return nil, fmt.Errorf("metaclient: http error: %w", err)
			}
			lastErr = err
			c.logRetry(path, attempt, 0, err)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("metaclient: read response: %w", readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		apiErr := decodeAPIError(resp.StatusCode, data)
		if attempt < c.maxRetries && shouldRetry(resp.StatusCode, nil) {
			lastErr = apiErr
			c.logRetry(path, attempt, resp.StatusCode, apiErr)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		return nil, apiErr
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("metaclient: request failed without response")
}

func (c *Client) buildURL(path string, query url.Values) string {
	full := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	return full
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(c.backoff * time.Duration(1<<attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logRetry(path string, attempt int, status int, err error) {
	c.logger.Warn("graph api retry",
		"path", path,
		"attempt", attempt+1,
		"status", status,
		"error", err,
	)
}

func shouldRetry(status int, err error) bool {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return !errors.Is(err, context.Canceled)
	}
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

// APIError is the Graph error envelope.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Code       int    `json:"code"`
	Subcode    int    `json:"error_subcode"`
	TraceID    string `json:"fbtrace_id"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("metaclient: %s (status=%d code=%d)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("metaclient: http status %d", e.StatusCode)
}

// Unauthorized reports whether the token was rejected.
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.Code == 190
}

func decodeAPIError(status int, body []byte) error {
	var wrapper struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil || wrapper.Error == nil {
		return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	}
	wrapper.Error.StatusCode = status
	return wrapper.Error
}
