package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhouzirui/relaychat/backend/internal/handler/chat"
	"github.com/zhouzirui/relaychat/backend/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/relaychat/backend/internal/middleware"
	chatService "github.com/zhouzirui/relaychat/backend/internal/service/chat"
	"github.com/zhouzirui/relaychat/backend/pkg/utils"
)

// Options configures the router.
type Options struct {
	AllowedOrigin string
	Limiter       *middlewarePkg.RateLimiter
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
}

// NewRouter wires HTTP routes to core services.
func NewRouter(chatSvc *chatService.Service, runner stream.TurnRunner, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(opts.AllowedOrigin))

	chatHandler := chat.New(chatSvc)
	streamHandler := stream.New(chatSvc, runner, opts.Limiter)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(api chi.Router) {
		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
	})

	return r
}
