package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/wa-lead-router/internal/conversation"
	"github.com/wolfman30/wa-lead-router/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/wa-lead-router/internal/http/middleware"
	"github.com/wolfman30/wa-lead-router/internal/leads"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

// Config holds router configuration. Nil handlers leave their routes out.
type Config struct {
	Logger             *logging.Logger
	Webhooks           *handlers.WebhookHandler
	Conversations      *handlers.AdminConversationsHandler
	Delivery           *handlers.AdminDeliveryHandler
	LeadsHandler       *leads.Handler
	Tasks              *handlers.TasksHandler
	Health             http.Handler
	MetricsHandler     http.Handler
	AdminAuthSecret    string
	TasksToken         string
	CORSAllowedOrigins []string
	// AdminRateLimit is requests per second per client on /admin; zero disables it.
	AdminRateLimit float64
	AdminRateBurst int
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}

	// Public endpoints (webhooks, health checks)
	r.Group(func(public chi.Router) {
		health := cfg.Health
		if health == nil {
			health = handlers.NewHealthHandler(nil)
		}
		public.Method(http.MethodGet, "/health", health)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.Webhooks != nil {
			public.Get("/webhooks/meta", cfg.Webhooks.VerifyMeta)
			public.Post("/webhooks/meta", cfg.Webhooks.Meta)
			public.Post("/webhooks/gateway", cfg.Webhooks.Gateway)
		}
	})

	if cfg.Tasks != nil {
		r.Route("/tasks", func(t chi.Router) {
			t.Use(httpmiddleware.TaskToken(cfg.TasksToken))
			t.Get("/", cfg.Tasks.List)
			t.Post("/{name}", cfg.Tasks.Run)
		})
	}

	if cfg.AdminAuthSecret != "" {
		r.Route("/admin", func(admin chi.Router) {
			if cfg.AdminRateLimit > 0 {
				admin.Use(httpmiddleware.RateLimit(cfg.AdminRateLimit, cfg.AdminRateBurst))
			}
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			admin.Use(middleware.Compress(5))

			if c := cfg.Conversations; c != nil {
				admin.Route("/conversations/{conversationID}", func(r chi.Router) {
					r.Get("/", c.Get)
					r.Post("/assume", c.Assume)
					r.Post("/return-to-bot", c.ReturnToBot)
					r.With(httpmiddleware.RequireRole(conversation.RoleManager, conversation.RoleAdmin)).
						Post("/assign-operator", c.AssignOperator)
					r.Post("/transfer", c.Transfer)
					r.Post("/close", c.Close)
				})
			}
			if l := cfg.LeadsHandler; l != nil {
				admin.Route("/leads/{leadID}", func(r chi.Router) {
					r.Get("/", l.GetLead)
					r.Post("/retry-notification", l.RetryNotification)
					r.Post("/sale", l.RecordSale)
					r.Post("/lost", l.MarkLost)
				})
				admin.Get("/sellers/{sellerID}/leads", l.ListBySeller)
			}
			if d := cfg.Delivery; d != nil {
				admin.Post("/delivery/{deliveryID}/check", d.Check)
				admin.Post("/delivery/{deliveryID}/retry", d.Retry)
			}
		})
	}

	return r
}
