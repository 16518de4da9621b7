// Package httpd exposes the queue over HTTP: the public order surface, the
// admin twins, transmitter confirmation hooks and the payment callback.
package httpd

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"satqueue/config"
	"satqueue/engine"
	"satqueue/observability"
)

// NodeInfoClient is the slice of the Lightning Charge client the /info
// endpoint proxies.
type NodeInfoClient interface {
	Info(ctx context.Context) (json.RawMessage, error)
}

// Options collects the server's collaborators.
type Options struct {
	Engine   *engine.Engine
	Config   *config.Config
	NodeInfo NodeInfoClient
	Observer *observability.Observability
	Logger   *slog.Logger
	// UploadRateLimit is the per-client budget on the public upload and
	// bump routes, in requests per minute. Zero disables limiting.
	UploadRateLimit float64
}

// Server carries the handler state.
type Server struct {
	engine   *engine.Engine
	cfg      *config.Config
	nodeInfo NodeInfoClient
	obs      *observability.Observability
	log      *slog.Logger
	limiter  *rateLimiter
}

// NewServer builds the HTTP server state.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rateLimiter
	if opts.UploadRateLimit > 0 {
		limiter = newRateLimiter(opts.UploadRateLimit, 5, logger)
	}
	return &Server{
		engine:   opts.Engine,
		cfg:      opts.Config,
		nodeInfo: opts.NodeInfo,
		obs:      opts.Observer,
		log:      logger,
		limiter:  limiter,
	}
}

// Router assembles the chi router with all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.With(s.instrument("order_create"), s.rateLimit).Post("/order", s.handleCreateOrder(false))
	r.With(s.instrument("order_get")).Get("/order/{uuid}", s.handleGetOrder(false))
	r.With(s.instrument("order_delete")).Delete("/order/{uuid}", s.handleDeleteOrder(false))
	r.With(s.instrument("order_bump"), s.rateLimit).Post("/order/{uuid}/bump", s.handleBumpOrder(false))
	r.With(s.instrument("orders_list")).Get("/orders/{state}", s.handleListOrders(false))
	r.With(s.instrument("message_get")).Get("/message/{seq}", s.handleGetMessage)
	r.With(s.instrument("tx_confirm")).Post("/order/tx/{seq}", s.handleTxConfirm)
	r.With(s.instrument("rx_confirm")).Post("/order/rx/{seq}", s.handleRxConfirm)
	r.With(s.instrument("payment_callback")).Post("/callback/{lid}/{token}", s.handleCallback)
	r.With(s.instrument("node_info")).Get("/info", s.handleInfo)

	if !s.cfg.Production() {
		r.Get("/order/{uuid}/sent_message", s.handleSentMessage)
	}

	r.Route("/admin", func(admin chi.Router) {
		admin.With(s.instrument("admin_order_create")).Post("/order", s.handleCreateOrder(true))
		admin.With(s.instrument("admin_order_get")).Get("/order/{uuid}", s.handleGetOrder(true))
		admin.With(s.instrument("admin_order_delete")).Delete("/order/{uuid}", s.handleDeleteOrder(true))
		admin.With(s.instrument("admin_order_bump")).Post("/order/{uuid}/bump", s.handleBumpOrder(true))
		admin.With(s.instrument("admin_orders_list")).Get("/orders/{state}", s.handleListOrders(true))
	})

	if s.obs != nil {
		r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())
	}
	return r
}

// instrument applies the tracing and metrics middleware when an observer is
// configured.
func (s *Server) instrument(route string) func(http.Handler) http.Handler {
	if s.obs == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.obs.Middleware(route)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return s.limiter.middleware(next)
}
