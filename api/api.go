package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/musabulbul/kurumtakip/dispatch"
	"github.com/musabulbul/kurumtakip/session"
)

// TenantResolver maps a tenant id to the session serving it. Invalidate drops
// any cached mapping for tenantID.
type TenantResolver interface {
	Resolve(ctx context.Context, tenantID string) (string, error)
	Invalidate(tenantID string)
}

// SessionRegistry hands out the live session for a session id.
type SessionRegistry interface {
	GetOrInit(ctx context.Context, id string) (*session.Session, error)
	Get(id string) (*session.Session, bool)
	List() []*session.Session
}

// API holds the dependencies needed by the REST handlers.
type API struct {
	tenants    TenantResolver
	sessions   SessionRegistry
	dispatcher *dispatch.Dispatcher
	minDelay   float64
	maxDelay   float64
	audit      *auditLogger
	tracer     trace.Tracer
	upgrader   websocket.Upgrader

	pairing        *pairingLimiter
	trustedProxies []netip.Prefix

	logger            *slog.Logger
	alertFn           AlertFunc
	webhookURL        string
	webhookAuthHeader string
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithDispatcher sets the dispatcher used for sends and pairing codes.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(a *API) {
		a.dispatcher = d
	}
}

// WithDefaultDelays sets the jitter bounds used when a send request omits them.
func WithDefaultDelays(minDelay, maxDelay time.Duration) Option {
	return func(a *API) {
		a.minDelay = minDelay.Seconds()
		a.maxDelay = maxDelay.Seconds()
	}
}

// WithAlertFunc enables failure-spike alerts on the audit stream.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAuditWebhook forwards every audit event to url. authHeader, when set,
// is sent as "Header: Value" with each request.
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookAuthHeader = authHeader
	}
}

// WithPairingLimit sets how many pairing requests a tenant may make before
// it is locked out with exponential backoff. Zero disables the limit.
func WithPairingLimit(n int) Option {
	return func(a *API) {
		if n <= 0 {
			a.pairing = nil
			return
		}
		a.pairing = newPairingLimiter(n)
	}
}

// WithTrustedProxies configures the proxies whose forwarding headers are
// honored when recording client addresses.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithCheckOrigin overrides the origin check of the event-stream websocket.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(a *API) {
		a.upgrader.CheckOrigin = fn
	}
}

// New creates a new API instance.
func New(tenants TenantResolver, sessions SessionRegistry, opts ...Option) *API {
	a := &API{
		tenants:  tenants,
		sessions: sessions,
		minDelay: dispatch.DefaultMinDelaySeconds,
		maxDelay: dispatch.DefaultMaxDelaySeconds,
		pairing:  newPairingLimiter(defaultPairingLimit),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.audit = newAuditLogger(a.logger)
	a.audit.clientIP = a.clientIP
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
	}
	if a.webhookURL != "" {
		a.audit.webhook = newAuditWebhook(a.webhookURL, a.webhookAuthHeader, a.logger)
	}
	if a.dispatcher == nil {
		a.dispatcher = dispatch.New(dispatch.WithLogger(a.logger))
	}
	a.tracer = otel.Tracer("github.com/musabulbul/kurumtakip/api")
	return a
}

// Close flushes pending audit webhook deliveries.
func (a *API) Close() error {
	if a.audit != nil && a.audit.webhook != nil {
		a.audit.webhook.close()
	}
	return nil
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Get("/health", a.Health)
	r.Get("/get-code", a.GetCode)
	r.Post("/send-message", a.SendMessage)

	r.Get("/sessions", a.ListSessions)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", a.GetSession)
		r.Get("/events", a.SessionEvents)
	})

	return r
}
