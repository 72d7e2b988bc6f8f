// Package server provides HTTP server construction for pit.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/pit/internal/auth"
	"github.com/alexjbarnes/pit/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// healthTimeout bounds the store ping behind /healthz.
const healthTimeout = 2 * time.Second

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MuxConfig holds dependencies for building the HTTP router.
type MuxConfig struct {
	BaseURL      auth.BaseURL
	TrustProxy   bool
	Registrar    *auth.Registrar
	Orchestrator *auth.Orchestrator
	Issuer       *auth.Issuer
	Verifier     *auth.Verifier
	MCPHandler   http.Handler
	Metrics      *metrics.Metrics
	Store        Pinger
	Logger       *slog.Logger
}

// NewMux builds the router with OAuth discovery, registration,
// authorization, callback, token and MCP endpoints. The MCP endpoint is
// protected by Bearer token middleware.
func NewMux(cfg MuxConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)

	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}

	r.Use(middleware.Recoverer)

	r.Get(auth.PathResourceMetadata, auth.HandleProtectedResourceMetadata(cfg.BaseURL))
	r.Get(auth.PathServerMetadata, auth.HandleServerMetadata(cfg.BaseURL))

	r.Post(auth.PathRegister, auth.HandleRegistration(cfg.Registrar))
	r.Get(auth.PathAuthorize, auth.HandleAuthorize(cfg.Orchestrator, cfg.BaseURL))
	r.Get(auth.PathCallback, auth.HandleCallback(cfg.Orchestrator, cfg.BaseURL))
	r.Post(auth.PathToken, auth.HandleToken(cfg.Issuer))
	r.Get(auth.PathDocs, handleDocs(cfg.BaseURL))

	r.Get("/healthz", handleHealth(cfg.Store, cfg.Logger))

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	if cfg.MCPHandler != nil {
		r.Handle("/mcp", cfg.Verifier.Middleware(cfg.BaseURL)(cfg.MCPHandler))
	}

	return r
}

func handleHealth(store Pinger, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			logger.Warn("health: store unreachable", slog.String("error", err.Error()))
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)

			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

const docsText = `pit MCP authorization server

1. Discover:   GET  %[1]s/.well-known/oauth-protected-resource
2. Register:   POST %[1]s/oauth/register   {"redirect_uris": [...], "client_name": "..."}
3. Authorize:  GET  %[1]s/oauth/authorize  (response_type=code, PKCE S256, sign in with GitHub)
4. Token:      POST %[1]s/oauth/token      (authorization_code or refresh_token)
5. Call:       POST %[1]s/mcp              Authorization: Bearer <access_token>

Access tokens live for one hour. Refresh tokens rotate on every use.
`

func handleDocs(base auth.BaseURL) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintf(w, docsText, base.Resolve(r))
	}
}
