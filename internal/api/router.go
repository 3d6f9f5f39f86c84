// Package api serves the entitlement, linking and download endpoints.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/cors"

	"github.com/themegpt/themegpt/internal/cookiebridge"
	"github.com/themegpt/themegpt/internal/credits"
	"github.com/themegpt/themegpt/internal/entitlement"
	"github.com/themegpt/themegpt/internal/identity"
	"github.com/themegpt/themegpt/internal/linking"
	"github.com/themegpt/themegpt/internal/logging"
	"github.com/themegpt/themegpt/internal/metrics"
	"github.com/themegpt/themegpt/internal/ratelimit"
	"github.com/themegpt/themegpt/internal/store"
	"github.com/themegpt/themegpt/internal/utils"
)

// Deps are the collaborators the router dispatches to.
type Deps struct {
	Store    store.EntitlementStore
	Resolver *entitlement.Resolver
	Credits  *credits.Manager
	Linking  *linking.Protocol
	Identity *identity.Handler
	Bridge   *cookiebridge.Bridge
	Limiter  *ratelimit.Limiter

	// Webhook receives Stripe deliveries; nil leaves the route unregistered.
	Webhook http.Handler

	// Extra is mounted as-is, e.g. the metrics handler.
	Extra map[string]http.Handler

	AllowedOrigin string
	StoreTimeout  time.Duration
}

// Router handles HTTP routing
type Router struct {
	mux     *http.ServeMux
	handler http.Handler
	deps    Deps
	cors    func(http.Handler) http.Handler
}

// NewRouter creates a new router instance
func NewRouter(deps Deps) *Router {
	if deps.StoreTimeout <= 0 {
		deps.StoreTimeout = 5 * time.Second
	}
	if deps.Bridge == nil {
		deps.Bridge = cookiebridge.New("")
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(nil, nil, nil)
	}

	origins := []string{"chrome-extension://*"}
	if deps.AllowedOrigin != "" {
		origins = append(origins, deps.AllowedOrigin)
	}

	r := &Router{
		mux:  http.NewServeMux(),
		deps: deps,
		cors: cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", logging.RequestIDHeader},
			ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
			AllowCredentials: false,
			MaxAge:           300,
		}),
	}
	r.setupRoutes()

	// Packed session cookies are restored before any handler reads cookies.
	r.handler = logging.RequestMiddleware(deps.Bridge.Unpack(r.mux))
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

// setupRoutes configures all routes
func (r *Router) setupRoutes() {
	// Liveness and readiness
	r.mux.HandleFunc("GET /healthz", r.handleHealth)
	r.mux.HandleFunc("GET /readyz", r.handleReady)

	// Identity provider route, wrapped so its cookies survive the CDN
	auth := r.deps.Identity
	r.route("GET /auth/login", ratelimit.ClassAuth, r.packed(auth.Login))
	r.route("GET /auth/callback", ratelimit.ClassAuth, r.packed(auth.Callback))
	r.route("GET /auth/logout", ratelimit.ClassAuth, r.packed(auth.Logout))
	r.route("POST /auth/logout", ratelimit.ClassAuth, r.packed(auth.Logout))
	r.route("GET /auth/session", ratelimit.ClassAuth, r.packed(auth.Session))

	// License linking
	r.route("POST /link/generate", ratelimit.ClassAuth, r.requireSession(r.handleLinkGenerate))
	r.route("POST /link/confirm", ratelimit.ClassAuth, http.HandlerFunc(r.handleLinkConfirm))
	r.route("GET /link/status", ratelimit.ClassAPI, http.HandlerFunc(r.handleLinkStatus))

	// Extension endpoints, callable cross-origin
	r.extension("POST /sync", ratelimit.ClassSync, http.HandlerFunc(r.handleSync))
	r.extension("POST /verify", ratelimit.ClassAPI, http.HandlerFunc(r.handleVerify))
	r.extension("GET /extension/status", ratelimit.ClassAPI, r.requireSession(r.handleExtensionStatus))

	// Account
	r.route("POST /download", ratelimit.ClassAPI, r.requireSession(r.handleDownload))
	r.route("POST /download/redownload", ratelimit.ClassAPI, r.requireSession(r.handleRedownload))
	r.route("GET /download/history", ratelimit.ClassAPI, r.requireSession(r.handleDownloadHistory))
	r.route("GET /subscription", ratelimit.ClassAPI, r.requireSession(r.handleSubscription))

	if r.deps.Webhook != nil {
		r.route("POST /webhooks/stripe", ratelimit.ClassWebhook, r.deps.Webhook)
	}

	for pattern, h := range r.deps.Extra {
		r.mux.Handle(pattern, h)
	}
}

// route registers h behind the rate limiter and request metrics.
func (r *Router) route(pattern string, class ratelimit.Class, h http.Handler) {
	r.mux.Handle(pattern, metrics.InstrumentHandler(pattern, r.deps.Limiter.Middleware(class, h)))
}

// extension registers a CORS-enabled route and its preflight.
func (r *Router) extension(pattern string, class ratelimit.Class, h http.Handler) {
	wrapped := r.cors(h)
	r.route(pattern, class, wrapped)

	_, path, _ := strings.Cut(pattern, " ")
	r.mux.Handle(http.MethodOptions+" "+path, wrapped)
}

func (r *Router) packed(h http.HandlerFunc) http.Handler {
	return r.deps.Bridge.Pack(h)
}

type identityKey struct{}

// requireSession rejects callers without a valid session and stores their
// identity on the request context.
func (r *Router) requireSession(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id, err := r.deps.Identity.Authenticate(req)
		if err != nil {
			utils.WriteError(w, req, err)
			return
		}
		ctx := context.WithValue(req.Context(), identityKey{}, id)
		next(w, req.WithContext(ctx))
	})
}

func identityFrom(ctx context.Context) entitlement.Identity {
	id, _ := ctx.Value(identityKey{}).(entitlement.Identity)
	return id
}

func (r *Router) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.deps.StoreTimeout)
}

// access loads the caller's subscription and resolves their entitlement.
func (r *Router) access(ctx context.Context, id entitlement.Identity) (entitlement.Decision, error) {
	sctx, cancel := r.bounded(ctx)
	defer cancel()
	sub, err := r.deps.Store.GetSubscriptionByUser(sctx, id.UserID)
	if err != nil {
		return entitlement.Decision{}, err
	}
	return r.deps.Resolver.Resolve(ctx, id, sub), nil
}
