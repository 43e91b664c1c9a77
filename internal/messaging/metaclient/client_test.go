package metaclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wolfman30/wa-lead-router/internal/config"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

func newTestClient(t *testing.T, server *httptest.Server, cfg Config) *Client {
	t.Helper()
	cfg.BaseURL = server.URL
	if cfg.AccessToken == "" && cfg.Settings == nil {
		cfg.AccessToken = "token"
	}
	if cfg.PhoneNumberID == "" {
		cfg.PhoneNumberID = "1098"
	}
	cfg.HTTPClient = server.Client()
	cfg.Backoff = time.Millisecond
	cfg.Logger = logging.Discard()
	return New(cfg)
}

func TestSendText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/1098/messages" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Fatalf("unexpected auth header %q", got)
		}
		var body map[string]any
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["to"] != "5551997519607" || body["type"] != "text" || body["messaging_product"] != "whatsapp" {
			t.Fatalf("unexpected body %s", raw)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messaging_product":"whatsapp","contacts":[{"input":"5551997519607","wa_id":"5551997519607"}],"messages":[{"id":"wamid.ABC"}]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Config{})
	resp, err := client.SendText(context.Background(), "5551997519607", "ola")
	if err != nil {
		t.Fatalf("send text: %v", err)
	}
	if resp.MessageID() != "wamid.ABC" {
		t.Fatalf("unexpected id %q", resp.MessageID())
	}
}

func TestSendMediaDocumentKeepsFilename(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(raw), `"document":{"link":"https://cdn/x.pdf","caption":"orcamento","filename":"x.pdf"}`) {
			t.Fatalf("unexpected body %s", raw)
		}
		w.Write([]byte(`{"messages":[{"id":"wamid.DOC"}]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Config{})
	resp, err := client.SendMedia(context.Background(), "5551997519607", MediaMessage{
		Kind: MediaDocument, Link: "https://cdn/x.pdf", Caption: "orcamento", Filename: "x.pdf",
	})
	if err != nil {
		t.Fatalf("send media: %v", err)
	}
	if resp.MessageID() != "wamid.DOC" {
		t.Fatalf("unexpected id %q", resp.MessageID())
	}
	if _, err := client.SendMedia(context.Background(), "5551997519607", MediaMessage{Kind: "sticker", Link: "x"}); err == nil {
		t.Fatalf("expected unsupported kind error")
	}
}

func TestCredentialsResolvedAtCallTime(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer rotated" {
			t.Fatalf("unexpected auth header %q", got)
		}
		w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
	}))
	defer server.Close()

	settings := config.NewMapProvider(nil)
	client := newTestClient(t, server, Config{Settings: settings})
	_, err := client.SendText(context.Background(), "5551997519607", "oi")
	if !errors.Is(err, ErrNotConfigured) || !errors.Is(err, config.ErrMissingSetting) {
		t.Fatalf("expected not configured, got %v", err)
	}
	settings.Set(KeyAccessToken, "rotated")
	if _, err := client.SendText(context.Background(), "5551997519607", "oi"); err != nil {
		t.Fatalf("send after rotation: %v", err)
	}
}

func TestRetriesOnServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"messages":[{"id":"wamid.2"}]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Config{MaxRetries: 2})
	if _, err := client.SendText(context.Background(), "5551997519607", "oi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Invalid OAuth access token.","type":"OAuthException","code":190,"fbtrace_id":"A1"}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Config{MaxRetries: 3})
	_, err := client.SendText(context.Background(), "5551997519607", "oi")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if !apiErr.Unauthorized() || apiErr.TraceID != "A1" {
		t.Fatalf("unexpected api error %#v", apiErr)
	}
}

func TestGetMediaAndDownload(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/media-1":
			w.Write([]byte(`{"id":"media-1","url":"` + server.URL + `/files/abc","mime_type":"image/jpeg","file_size":3}`))
		case "/files/abc":
			if r.Header.Get("Authorization") != "Bearer token" {
				t.Fatalf("download without token")
			}
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write([]byte("jpg"))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server, Config{})
	info, err := client.GetMedia(context.Background(), "media-1")
	if err != nil {
		t.Fatalf("get media: %v", err)
	}
	data, contentType, err := client.DownloadMedia(context.Background(), info.URL)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(data) != "jpg" || contentType != "image/jpeg" {
		t.Fatalf("unexpected download %q %q", data, contentType)
	}
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"object":"whatsapp_business_account"}`)
	header := Sign("secret", payload)
	if err := VerifySignature("secret", header, payload); err != nil {
		t.Fatalf("expected valid signature: %v", err)
	}
	if err := VerifySignature("secret", header, []byte(`{}`)); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := VerifySignature("secret", "", payload); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected missing signature, got %v", err)
	}
	if err := VerifySignature("", header, payload); err == nil {
		t.Fatalf("expected error without secret")
	}
}
