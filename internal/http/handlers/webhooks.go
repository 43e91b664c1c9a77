package handlers

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"time"

	"github.com/wolfman30/wa-lead-router/internal/config"
	"github.com/wolfman30/wa-lead-router/internal/ingest"
	"github.com/wolfman30/wa-lead-router/internal/messaging/gatewayclient"
	"github.com/wolfman30/wa-lead-router/internal/messaging/metaclient"
	"github.com/wolfman30/wa-lead-router/internal/observability/metrics"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

const maxWebhookBody = 1 << 20

// Setting keys read on every webhook so rotated secrets apply immediately.
const (
	SettingMetaAppSecret        = "META_APP_SECRET"
	SettingMetaVerifyToken      = "META_VERIFY_TOKEN"
	SettingGatewayWebhookSecret = "GATEWAY_WEBHOOK_SECRET"
)

// Ingestor applies a parsed webhook batch.
type Ingestor interface {
	Handle(ctx context.Context, batch ingest.Batch) (ingest.Summary, error)
}

// WebhookHandler receives both WhatsApp channels.
type WebhookHandler struct {
	ingest   Ingestor
	settings config.Provider
	metrics  *metrics.RouterMetrics
	logger   *logging.Logger
}

func NewWebhookHandler(ing Ingestor, settings config.Provider, m *metrics.RouterMetrics, logger *logging.Logger) *WebhookHandler {
	return &WebhookHandler{
		ingest:   ing,
		settings: settings,
		metrics:  m,
		logger:   logging.OrDefault(logger).Component("webhooks"),
	}
}

// VerifyMeta answers the Cloud API subscription handshake.
// GET /webhooks/meta?hub.mode=subscribe&hub.verify_token=...&hub.challenge=...
func (h *WebhookHandler) VerifyMeta(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	want := config.Lookup(h.settings, SettingMetaVerifyToken, "")
	got := q.Get("hub.verify_token")
	if q.Get("hub.mode") != "subscribe" || want == "" ||
		subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		h.logger.Warn("meta webhook verification rejected", "mode", q.Get("hub.mode"))
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// Meta handles POST /webhooks/meta.
func (h *WebhookHandler) Meta(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	secret, err := config.Require(h.settings, SettingMetaAppSecret)
	if err != nil {
		h.logger.Error("meta app secret not configured")
		http.Error(w, "webhook secret not configured", http.StatusInternalServerError)
		return
	}
	if err := metaclient.VerifySignature(secret, r.Header.Get("X-Hub-Signature-256"), body); err != nil {
		h.logger.Warn("invalid meta webhook signature", "error", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	batch, err := ingest.ParseMeta(body)
	h.apply(w, r, "official", batch, err)
	h.metrics.ObserveWebhookLatency("official", time.Since(start))
}

// Gateway handles POST /webhooks/gateway. The HMAC check is skipped when
// no secret is configured, which the gateway also allows.
func (h *WebhookHandler) Gateway(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	secret := config.Lookup(h.settings, SettingGatewayWebhookSecret, "")
	if err := gatewayclient.VerifySignature(secret, r.Header.Get("X-Gateway-Signature"), body); err != nil {
		h.logger.Warn("invalid gateway webhook signature", "error", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	batch, err := ingest.ParseGateway(body)
	h.apply(w, r, "gateway", batch, err)
	h.metrics.ObserveWebhookLatency("gateway", time.Since(start))
}

// apply answers 200 for anything the provider should not redeliver and 500
// when storage failed, so the provider retries the whole payload.
func (h *WebhookHandler) apply(w http.ResponseWriter, r *http.Request, source string, batch ingest.Batch, parseErr error) {
	if parseErr != nil {
		h.logger.Warn("webhook payload rejected", "source", source, "error", parseErr)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if batch.Empty() {
		w.WriteHeader(http.StatusOK)
		return
	}
	sum, err := h.ingest.Handle(r.Context(), batch)
	if err != nil {
		h.logger.Error("webhook processing failed", "source", source, "error", err, "summary", sum)
		http.Error(w, "processing error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}
