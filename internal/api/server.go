package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/kestrelmail/hookrelay/internal/auth"
	"github.com/kestrelmail/hookrelay/internal/config"
	"github.com/kestrelmail/hookrelay/internal/ledger"
	"github.com/kestrelmail/hookrelay/internal/logging"
	"github.com/kestrelmail/hookrelay/internal/subscription"
)

// SubscriptionService is the management surface over subscriptions. The
// cache-wrapped store satisfies it.
type SubscriptionService interface {
	Create(ctx context.Context, p subscription.CreateParams) (subscription.Subscription, error)
	Update(ctx context.Context, id, tenantID string, p subscription.UpdateParams) (subscription.Subscription, error)
	RotateSecret(ctx context.Context, id, tenantID string) (subscription.Subscription, error)
	Disable(ctx context.Context, id, tenantID string) error
	GetForTenant(ctx context.Context, id, tenantID string) (subscription.Subscription, error)
	ListForTenant(ctx context.Context, tenantID string) ([]subscription.Subscription, error)
}

// Dispatcher accepts events for fan-out and replays dead deliveries.
type Dispatcher interface {
	Dispatch(ctx context.Context, tenantID, eventType string, payload map[string]any, relatedID string) error
	Replay(ctx context.Context, deliveryID, reason string) (string, error)
}

// LedgerReader exposes the delivery history read paths.
type LedgerReader interface {
	History(ctx context.Context, deliveryID string) ([]ledger.Attempt, error)
	BySubscription(ctx context.Context, subscriptionID string, limit int) ([]ledger.Attempt, error)
	CurrentState(ctx context.Context, deliveryID string) (ledger.Attempt, error)
}

// DLQReader lists dead-lettered deliveries.
type DLQReader interface {
	List(ctx context.Context, limit int) ([]ledger.DLQEntry, error)
}

// Server is the tenant-facing management API.
type Server struct {
	router *chi.Mux
	subs   SubscriptionService
	disp   Dispatcher
	ledger LedgerReader
	dlq    DLQReader
	logger *logging.Logger
}

// NewServer builds the router. authMW authenticates requests and must put the
// tenant id in the request context; every /v1 route assumes it did.
func NewServer(cfg config.API, subs SubscriptionService, disp Dispatcher, led LedgerReader, dlq DLQReader, authMW func(http.Handler) http.Handler) *Server {
	s := &Server{
		router: chi.NewRouter(),
		subs:   subs,
		disp:   disp,
		ledger: led,
		dlq:    dlq,
		logger: logging.New("hookrelay-api"),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(authMW)
		r.Use(httprate.Limit(
			cfg.RateLimit,
			cfg.RateWindow,
			httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
				return auth.TenantID(r.Context()), nil
			}),
		))

		r.Post("/events", s.handlePublishEvent)

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", s.handleCreateSubscription)
			r.Get("/", s.handleListSubscriptions)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSubscription)
				r.Patch("/", s.handleUpdateSubscription)
				r.Post("/disable", s.handleDisableSubscription)
				r.Post("/rotate-secret", s.handleRotateSecret)
			})
		})

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", s.handleListDeliveries)
			r.Get("/{id}", s.handleGetDelivery)
			r.Post("/{id}/replay", s.handleReplayDelivery)
		})

		r.Get("/dlq", s.handleListDLQ)
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
