package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/wa-lead-router/internal/config"
	"github.com/wolfman30/wa-lead-router/internal/conversation"
	"github.com/wolfman30/wa-lead-router/internal/messaging/metaclient"
)

const defaultMaxBytes = 16 << 20

// ErrTooLarge is returned for attachments above the size cap.
var ErrTooLarge = errors.New("media: attachment too large")

// OfficialMedia is the Cloud API media surface.
type OfficialMedia interface {
	GetMedia(ctx context.Context, mediaID string) (*metaclient.MediaInfo, error)
	DownloadMedia(ctx context.Context, mediaURL string) ([]byte, string, error)
}

// GatewayMedia downloads gateway attachment URLs.
type GatewayMedia interface {
	DownloadMedia(ctx context.Context, token, mediaURL string) ([]byte, string, error)
}

// Uploader stores bytes and returns a URL.
type Uploader interface {
	Put(ctx context.Context, key, contentType string, body []byte) (string, error)
}

// ResolverConfig wires the resolver.
type ResolverConfig struct {
	Official OfficialMedia
	Gateway  GatewayMedia
	Store    Uploader
	Settings config.Provider
	// GatewayTokenKey names the settings key of the receiving instance token.
	GatewayTokenKey string
	MaxBytes        int
}

// Resolver copies a channel attachment into the media store.
type Resolver struct {
	official OfficialMedia
	gateway  GatewayMedia
	store    Uploader
	settings config.Provider
	tokenKey string
	maxBytes int
	now      func() time.Time
}

func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.GatewayTokenKey == "" {
		cfg.GatewayTokenKey = "GATEWAY_TOKEN"
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	return &Resolver{
		official: cfg.Official,
		gateway:  cfg.Gateway,
		store:    cfg.Store,
		settings: cfg.Settings,
		tokenKey: cfg.GatewayTokenKey,
		maxBytes: cfg.MaxBytes,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	if now != nil {
		r.now = now
	}
	return r
}

// Resolve downloads ref from the channel and returns the stored URL.
func (r *Resolver) Resolve(ctx context.Context, source conversation.Source, ref, mimeType string, messageID uuid.UUID) (string, error) {
	if r.store == nil {
		return "", ErrDisabled
	}
	var (
		body []byte
		ct   string
		err  error
	)
	switch source {
	case conversation.SourceOfficial:
		body, ct, err = r.fromOfficial(ctx, ref)
	case conversation.SourceGateway:
		body, ct, err = r.fromGateway(ctx, ref)
	default:
		return "", fmt.Errorf("media: unknown source %q", source)
	}
	if err != nil {
		return "", err
	}
	if len(body) > r.maxBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(body))
	}
	if ct == "" {
		ct = mimeType
	}
	return r.store.Put(ctx, Key(string(source), messageID.String(), ct, r.now()), ct, body)
}

func (r *Resolver) fromOfficial(ctx context.Context, mediaID string) ([]byte, string, error) {
	if r.official == nil {
		return nil, "", fmt.Errorf("media: official channel not configured")
	}
	info, err := r.official.GetMedia(ctx, mediaID)
	if err != nil {
		return nil, "", fmt.Errorf("media: lookup %s: %w", mediaID, err)
	}
	if info.FileSize > int64(r.maxBytes) {
		return nil, "", fmt.Errorf("%w: %d bytes", ErrTooLarge, info.FileSize)
	}
	body, ct, err := r.official.DownloadMedia(ctx, info.URL)
	if err != nil {
		return nil, "", fmt.Errorf("media: download %s: %w", mediaID, err)
	}
	if ct == "" {
		ct = info.MimeType
	}
	return body, ct, nil
}

func (r *Resolver) fromGateway(ctx context.Context, mediaURL string) ([]byte, string, error) {
	if r.gateway == nil {
		return nil, "", fmt.Errorf("media: gateway not configured")
	}
	token, err := config.Require(r.settings, r.tokenKey)
	if err != nil {
		return nil, "", err
	}
	body, ct, err := r.gateway.DownloadMedia(ctx, token, mediaURL)
	if err != nil {
		return nil, "", fmt.Errorf("media: download: %w", err)
	}
	return body, ct, nil
}
