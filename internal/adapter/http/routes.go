package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	sfotel "github.com/Strob0t/SwarmForge/internal/adapter/otel"
	"github.com/Strob0t/SwarmForge/internal/middleware"
)

// RouterOptions carries the optional pieces of the HTTP surface. Nil fields
// are left out of the chain.
type RouterOptions struct {
	CORSOrigin  string
	ServiceName string // span name prefix; empty disables HTTP tracing
	RateLimiter *middleware.RateLimiter
	Operator    *middleware.OperatorKey
	Idempotency func(http.Handler) http.Handler
	Metrics     http.Handler
	WebSocket   http.HandlerFunc
}

// NewRouter builds the router with the global middleware chain and all
// routes mounted.
func NewRouter(h *Handlers, opts RouterOptions) chi.Router {
	r := chi.NewRouter()

	r.Use(CORS(opts.CORSOrigin))
	r.Use(Logger)
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if opts.RateLimiter != nil {
		r.Use(opts.RateLimiter.Handler)
	}
	if opts.ServiceName != "" {
		r.Use(sfotel.HTTPMiddleware(opts.ServiceName))
	}

	r.Get("/health", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.WebSocket != nil {
		r.Get("/ws", opts.WebSocket)
	}

	MountRoutes(r, h, opts)
	return r
}

// MountRoutes registers the /api/v1 routes on r.
func MountRoutes(r chi.Router, h *Handlers, opts RouterOptions) {
	operator := passthrough
	if opts.Operator != nil {
		operator = opts.Operator.Handler
	}
	idempotent := passthrough
	if opts.Idempotency != nil {
		idempotent = opts.Idempotency
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": Version})
		})

		r.With(idempotent).Post("/orchestrate", h.Orchestrate)

		r.Post("/tasks", h.CreateTask)
		r.Get("/tasks/{id}", h.GetTask)
		r.With(operator).Post("/tasks/{id}/cancel", h.CancelTask)

		r.Get("/workflows/{id}", h.GetWorkflow)
		r.Get("/services", h.ListServices)

		r.Post("/pool/execute", h.PoolExecute)
		r.Get("/pool/status", h.PoolStatus)
		r.With(operator).Post("/pool/shrink", h.PoolShrink)

		r.Get("/workers", h.ListWorkers)
		r.Post("/workers", h.CreateWorker)
		r.Get("/workers/{id}", h.GetWorker)
		r.With(operator).Delete("/workers/{id}", h.DisposeWorker)
	})
}

func passthrough(next http.Handler) http.Handler { return next }
