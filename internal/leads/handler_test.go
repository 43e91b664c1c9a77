package leads

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

type stubRetrier struct {
	lead *Lead
	err  error
}

func (s stubRetrier) RetryNotification(context.Context, uuid.UUID) (*Lead, error) {
	return s.lead, s.err
}

func newRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/admin/leads/{leadID}", h.GetLead)
	r.Post("/admin/leads/{leadID}/sale", h.RecordSale)
	r.Post("/admin/leads/{leadID}/lost", h.MarkLost)
	r.Post("/admin/leads/{leadID}/retry-notification", h.RetryNotification)
	r.Get("/admin/sellers/{sellerID}/leads", h.ListBySeller)
	return r
}

func TestHandlerRecordSale(t *testing.T) {
	repo := NewInMemoryRepository()
	lead, _, _ := repo.CreateForConversation(context.Background(), newLead(uuid.New()))
	router := newRouter(NewHandler(repo, nil, logging.Discard()))

	req := httptest.NewRequest(http.MethodPost, "/admin/leads/"+lead.ID.String()+"/sale", strings.NewReader(`{"value": 990.5}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"status":"sold"`) {
		t.Fatalf("expected sold lead, got %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/leads/"+lead.ID.String()+"/lost", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for closed lead, got %d", rec.Code)
	}
}

func TestHandlerNotFoundAndBadID(t *testing.T) {
	router := newRouter(NewHandler(NewInMemoryRepository(), nil, logging.Discard()))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/leads/"+uuid.NewString(), nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/leads/not-a-uuid", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandlerRetryNotificationFailureStillReturnsLead(t *testing.T) {
	lead := &Lead{ID: uuid.New(), Status: StatusAttending, LastNotificationError: "relay down"}
	router := newRouter(NewHandler(NewInMemoryRepository(), stubRetrier{lead: lead, err: errors.New("relay down")}, logging.Discard()))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/leads/"+lead.ID.String()+"/retry-notification", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "relay down") {
		t.Fatalf("expected recorded error in body, got %s", rec.Body.String())
	}
}

func TestHandlerListBySeller(t *testing.T) {
	repo := NewInMemoryRepository()
	req := newLead(uuid.New())
	_, _, _ = repo.CreateForConversation(context.Background(), req)
	router := newRouter(NewHandler(repo, nil, logging.Discard()))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/sellers/"+req.SellerID.String()+"/leads?limit=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"count":1`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}
