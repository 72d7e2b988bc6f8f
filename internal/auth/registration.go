package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"time"

	apperrors "github.com/alexjbarnes/pit/internal/errors"
	"github.com/alexjbarnes/pit/internal/metrics"
	"github.com/alexjbarnes/pit/internal/models"
	"golang.org/x/time/rate"
)

const (
	clientIDPrefix    = "mcp-"
	defaultClientName = "Unknown MCP Client"

	// maxRequestBody caps JSON and form bodies on the OAuth endpoints.
	maxRequestBody = 64 << 10
)

// clientIDPattern matches IDs this server mints: "mcp-" and 16 hex digits.
var clientIDPattern = regexp.MustCompile(`^mcp-[0-9a-f]{16}$`)

// Registrar creates clients through dynamic registration and, for
// trusted hosted clients, recreates registrations the store has lost.
type Registrar struct {
	store   Store
	trust   *TrustPolicy
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewRegistrar returns a Registrar allowing perMinute dynamic
// registrations per minute, with bursts of the same size.
func NewRegistrar(store Store, trust *TrustPolicy, perMinute int, m *metrics.Metrics, logger *slog.Logger) *Registrar {
	if perMinute <= 0 {
		perMinute = 10
	}

	return &Registrar{
		store:   store,
		trust:   trust,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

func newClientID() string {
	return clientIDPrefix + RandomHex(8)
}

// validRedirectURI requires an absolute URI without a fragment
// (RFC 6749 Section 3.1.2).
func validRedirectURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}

	return u.IsAbs() && u.Fragment == "" && u.Opaque == ""
}

// Register creates a public client with a fresh ID.
func (rg *Registrar) Register(ctx context.Context, redirectURIs []string, clientName string) (*models.RegisteredClient, error) {
	if !rg.limiter.Allow() {
		return nil, newError(ErrCodeTemporarilyUnavailable, "too many registrations, try again later")
	}

	if len(redirectURIs) == 0 {
		return nil, newError(ErrCodeInvalidRedirectURI, "at least one redirect_uri is required")
	}

	seen := make(map[string]struct{}, len(redirectURIs))
	uris := make([]string, 0, len(redirectURIs))

	for _, u := range redirectURIs {
		if !validRedirectURI(u) {
			return nil, newError(ErrCodeInvalidRedirectURI, fmt.Sprintf("redirect_uri %q must be an absolute URI without a fragment", u))
		}

		if _, dup := seen[u]; dup {
			continue
		}

		seen[u] = struct{}{}
		uris = append(uris, u)
	}

	if clientName == "" {
		clientName = defaultClientName
	}

	c := models.RegisteredClient{
		ClientID:     newClientID(),
		ClientName:   clientName,
		RedirectURIs: uris,
		CreatedAt:    rg.now().UTC(),
	}

	if err := rg.store.SaveClient(ctx, c); err != nil {
		return nil, fmt.Errorf("saving client: %w", err)
	}

	rg.metrics.ClientRegistered("dcr")
	rg.logger.Info("registration: client registered",
		slog.String("client_id", c.ClientID),
		slog.String("client_name", c.ClientName),
	)

	return &c, nil
}

// ResolveOrAutoRegister returns the stored client, or recreates it when
// the ID has this server's shape and the redirect URI is on a trusted
// host. It returns nil with no error when the client cannot be resolved.
func (rg *Registrar) ResolveOrAutoRegister(ctx context.Context, clientID, redirectURI string) (*models.RegisteredClient, error) {
	c, err := rg.store.GetClient(ctx, clientID)
	if err == nil {
		return c, nil
	}

	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("loading client: %w", err)
	}

	if !clientIDPattern.MatchString(clientID) || !rg.trust.TrustsRedirect(redirectURI) {
		rg.logger.Debug("registration: unknown client not eligible for auto-registration",
			slog.String("client_id", clientID),
			slog.String("redirect_uri", redirectURI),
		)

		return nil, nil
	}

	auto := models.RegisteredClient{
		ClientID:       clientID,
		ClientName:     rg.trust.DisplayName(redirectURI),
		RedirectURIs:   []string{redirectURI},
		AutoRegistered: true,
		CreatedAt:      rg.now().UTC(),
	}

	if err := rg.store.SaveClient(ctx, auto); err != nil {
		return nil, fmt.Errorf("saving auto-registered client: %w", err)
	}

	rg.metrics.ClientRegistered("auto")
	rg.logger.Warn("registration: auto-registered trusted client",
		slog.String("client_id", clientID),
		slog.String("client_name", auto.ClientName),
		slog.String("redirect_uri", redirectURI),
	)

	return &auto, nil
}

// AllowRedirect checks redirectURI against the client's registered set.
// An unregistered URI is appended when it and every registered URI are
// on trusted hosts; otherwise the request is rejected.
func (rg *Registrar) AllowRedirect(ctx context.Context, c *models.RegisteredClient, redirectURI string) error {
	if c.HasRedirectURI(redirectURI) {
		return nil
	}

	trusted := rg.trust.TrustsRedirect(redirectURI)
	for _, u := range c.RedirectURIs {
		trusted = trusted && rg.trust.TrustsRedirect(u)
	}

	if !trusted {
		return newError(ErrCodeInvalidRedirectURI, "redirect_uri is not registered for this client")
	}

	if err := rg.store.AppendClientRedirectURI(ctx, c.ClientID, redirectURI); err != nil {
		return fmt.Errorf("appending redirect uri: %w", err)
	}

	c.RedirectURIs = append(c.RedirectURIs, redirectURI)

	rg.logger.Info("registration: added redirect uri for trusted client",
		slog.String("client_id", c.ClientID),
		slog.String("redirect_uri", redirectURI),
	)

	return nil
}

// registrationRequest is the DCR POST body (RFC 7591).
type registrationRequest struct {
	ClientName   string   `json:"client_name,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
}

// registrationResponse is the DCR response. Clients are public, so the
// secret is always empty.
type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret"`
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
}

// HandleRegistration returns the /oauth/register handler.
func HandleRegistration(rg *Registrar) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var req registrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
			return
		}

		c, err := rg.Register(r.Context(), req.RedirectURIs, req.ClientName)
		if err != nil {
			if oe := asError(err); oe.Code == ErrCodeServerError {
				rg.logger.Error("registration: failed", slog.String("error", err.Error()))
			}

			writeError(w, err)

			return
		}

		resp := registrationResponse{
			ClientID:                c.ClientID,
			ClientSecret:            "",
			ClientName:              c.ClientName,
			RedirectURIs:            c.RedirectURIs,
			GrantTypes:              []string{string(GrantTypeAuthorizationCode), string(GrantTypeRefreshToken)},
			ResponseTypes:           []string{"code"},
			TokenEndpointAuthMethod: "none",
			ClientIDIssuedAt:        c.CreatedAt.Unix(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
