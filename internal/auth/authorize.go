package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/pit/internal/errors"
	"github.com/alexjbarnes/pit/internal/metrics"
	"github.com/alexjbarnes/pit/internal/models"
)

const (
	codeExpiry    = 5 * time.Minute
	pendingExpiry = 10 * time.Minute

	// authCodeBytes is the number of random bytes in an authorization
	// code (base64url-encoded).
	authCodeBytes = 32

	// stateBytes sizes both the session correlation ID and the state
	// sent to the identity provider.
	stateBytes = 32

	sessionCookieName = "pit_oauth_session"
)

// OutcomeUpstreamError is the metric outcome recorded when the identity
// provider redirects back with an error. The provider's error value is
// forwarded to the client but never used as a label.
const OutcomeUpstreamError = "upstream_error"

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// AuthorizeRequest holds the client's /oauth/authorize parameters.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
}

// CallbackParams holds what the identity provider sent back.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// Handoff is the result of a successful BeginAuthorization: the session
// to correlate the callback with and where to send the user.
type Handoff struct {
	SessionID   string
	RedirectURL string
	ExpiresAt   time.Time
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Store     Store
	Registrar *Registrar
	IdP       IdentityProvider

	// AllowedLogins restricts which upstream logins may complete
	// authorization. Empty allows everyone.
	AllowedLogins []string

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Orchestrator runs the authorization code flow across the upstream
// identity provider round trip.
type Orchestrator struct {
	store     Store
	registrar *Registrar
	idp       IdentityProvider
	allowed   map[string]struct{}
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewOrchestrator builds an Orchestrator from cfg.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	var allowed map[string]struct{}
	if len(cfg.AllowedLogins) > 0 {
		allowed = make(map[string]struct{}, len(cfg.AllowedLogins))
		for _, l := range cfg.AllowedLogins {
			allowed[strings.ToLower(l)] = struct{}{}
		}
	}

	return &Orchestrator{
		store:     cfg.Store,
		registrar: cfg.Registrar,
		idp:       cfg.IdP,
		allowed:   allowed,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

// newIDPState returns a fresh state for the identity provider that is
// guaranteed to differ from the client's own state.
func newIDPState(clientState string) string {
	for {
		s := randomToken(stateBytes)
		if s != clientState {
			return s
		}
	}
}

// BeginAuthorization validates the client request, records it as
// pending and returns the identity provider URL to send the user to.
// callbackURL is this server's callback endpoint. Nothing is stored
// when validation fails.
func (o *Orchestrator) BeginAuthorization(ctx context.Context, req AuthorizeRequest, callbackURL string) (*Handoff, error) {
	if req.ClientID == "" {
		return nil, newError(ErrCodeInvalidRequest, "client_id is required")
	}

	if req.RedirectURI == "" {
		return nil, newError(ErrCodeInvalidRequest, "redirect_uri is required")
	}

	if req.ResponseType == "" {
		req.ResponseType = "code"
	}

	if req.ResponseType != "code" {
		return nil, newError(ErrCodeUnsupportedResponseType, "only response_type=code is supported")
	}

	if req.CodeChallengeMethod == "" {
		req.CodeChallengeMethod = "S256"
	}

	if req.CodeChallengeMethod != "S256" {
		return nil, newError(ErrCodeInvalidRequest, "only code_challenge_method=S256 is supported")
	}

	if req.Scope == "" {
		req.Scope = DefaultScope
	}

	client, err := o.registrar.ResolveOrAutoRegister(ctx, req.ClientID, req.RedirectURI)
	if err != nil {
		return nil, err
	}

	if client == nil {
		return nil, newError(ErrCodeInvalidClient, "unknown client_id")
	}

	if err := o.registrar.AllowRedirect(ctx, client, req.RedirectURI); err != nil {
		return nil, err
	}

	if o.idp == nil || !o.idp.Configured() {
		return nil, newError(ErrCodeServerError, apperrors.ErrUpstreamNotConfigured.Error())
	}

	p := models.PendingAuthorization{
		SessionID:     randomToken(stateBytes),
		ClientID:      client.ClientID,
		RedirectURI:   req.RedirectURI,
		State:         req.State,
		CodeChallenge: req.CodeChallenge,
		Scope:         req.Scope,
		IDPState:      newIDPState(req.State),
		ExpiresAt:     o.now().Add(pendingExpiry),
	}

	if err := o.store.SavePending(ctx, p); err != nil {
		return nil, fmt.Errorf("saving pending authorization: %w", err)
	}

	o.logger.Debug("authorize: handing off to identity provider",
		slog.String("client_id", p.ClientID),
		slog.String("redirect_uri", p.RedirectURI),
	)

	return &Handoff{
		SessionID:   p.SessionID,
		RedirectURL: o.idp.AuthCodeURL(p.IDPState, callbackURL),
		ExpiresAt:   p.ExpiresAt,
	}, nil
}

// CompleteAuthorization finishes the flow for the pending request held
// under sessionID. It returns the client redirect URL, which carries
// either a code or an error. An *Error return means the pending request
// could not be trusted and must be reported locally instead.
func (o *Orchestrator) CompleteAuthorization(ctx context.Context, sessionID string, cb CallbackParams, callbackURL, issuer string) (string, error) {
	if sessionID == "" {
		return "", newError(ErrCodeInvalidRequest, "no authorization session")
	}

	p, err := o.store.TakePending(ctx, sessionID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return "", newError(ErrCodeInvalidRequest, "authorization session expired or unknown")
		}

		return "", fmt.Errorf("loading pending authorization: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(cb.State), []byte(p.IDPState)) != 1 {
		o.logger.Warn("authorize: identity provider state mismatch",
			slog.String("client_id", p.ClientID),
		)

		return "", newError(ErrCodeInvalidState, "state mismatch")
	}

	fail := func(code, description string) (string, error) {
		o.metrics.Authorization("callback", code)
		return errorRedirectURL(p.RedirectURI, p.State, code, description), nil
	}

	if cb.Error != "" {
		desc := cb.ErrorDescription
		if desc == "" {
			desc = "identity provider returned an error"
		}

		o.logger.Info("authorize: identity provider returned error",
			slog.String("client_id", p.ClientID),
			slog.String("error", cb.Error),
		)

		o.metrics.Authorization("callback", OutcomeUpstreamError)

		return errorRedirectURL(p.RedirectURI, p.State, cb.Error, desc), nil
	}

	if cb.Code == "" {
		return fail(ErrCodeInvalidRequest, "identity provider returned no code")
	}

	upstreamToken, err := o.idp.Exchange(ctx, cb.Code, callbackURL)
	if err != nil {
		o.logger.Error("authorize: identity provider code exchange failed",
			slog.String("client_id", p.ClientID),
			slog.String("error", err.Error()),
		)

		return fail(ErrCodeServerError, "identity provider code exchange failed")
	}

	identity, err := o.idp.FetchIdentity(ctx, upstreamToken)
	if err != nil {
		o.logger.Error("authorize: identity provider user lookup failed",
			slog.String("client_id", p.ClientID),
			slog.String("error", err.Error()),
		)

		return fail(ErrCodeServerError, "identity provider user lookup failed")
	}

	if o.allowed != nil {
		if _, ok := o.allowed[strings.ToLower(identity.Login)]; !ok {
			o.logger.Warn("authorize: login not on allow-list",
				slog.String("login", identity.Login),
				slog.String("client_id", p.ClientID),
			)

			return fail(ErrCodeAccessDenied, "user is not authorized for this server")
		}
	}

	ac := models.AuthorizationCode{
		Code:           randomToken(authCodeBytes),
		ClientID:       p.ClientID,
		UpstreamUserID: identity.ID,
		UpstreamLogin:  identity.Login,
		CodeChallenge:  p.CodeChallenge,
		Scope:          p.Scope,
		RedirectURI:    p.RedirectURI,
		ExpiresAt:      o.now().Add(codeExpiry),
	}

	if err := o.store.SaveCode(ctx, ac); err != nil {
		o.logger.Error("authorize: saving code failed", slog.String("error", err.Error()))
		return fail(ErrCodeServerError, "could not issue authorization code")
	}

	o.metrics.Authorization("callback", "ok")
	o.logger.Info("authorize: code issued",
		slog.String("client_id", p.ClientID),
		slog.String("login", identity.Login),
		slog.Int64("upstream_id", identity.ID),
	)

	params := url.Values{}
	params.Set("code", ac.Code)

	if p.State != "" {
		params.Set("state", p.State)
	}

	// RFC 9207: identify the issuer so clients can detect mix-up attacks.
	params.Set("iss", issuer)

	return appendQuery(p.RedirectURI, params), nil
}

// HandleAuthorize returns the /oauth/authorize handler. On success it
// sets the session cookie and redirects to the identity provider.
func HandleAuthorize(o *Orchestrator, base BaseURL) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		req := AuthorizeRequest{
			ClientID:            q.Get("client_id"),
			RedirectURI:         q.Get("redirect_uri"),
			ResponseType:        q.Get("response_type"),
			State:               q.Get("state"),
			CodeChallenge:       q.Get("code_challenge"),
			CodeChallengeMethod: q.Get("code_challenge_method"),
			Scope:               q.Get("scope"),
		}

		baseURL := base.Resolve(r)

		h, err := o.BeginAuthorization(r.Context(), req, baseURL+PathCallback)
		if err != nil {
			oe := asError(err)
			o.metrics.Authorization("authorize", oe.Code)
			o.logger.Info("authorize: request rejected",
				slog.String("client_id", req.ClientID),
				slog.String("error", oe.Code),
				slog.String("ip", remoteIP(r)),
			)

			if oe.Code == ErrCodeServerError {
				o.logger.Error("authorize: internal error", slog.String("error", err.Error()))
			}

			writeError(w, err)

			return
		}

		o.metrics.Authorization("authorize", "ok")

		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    h.SessionID,
			Path:     "/oauth",
			MaxAge:   int(pendingExpiry / time.Second),
			HttpOnly: true,
			Secure:   strings.HasPrefix(baseURL, "https://"),
			SameSite: http.SameSiteLaxMode,
		})

		http.Redirect(w, r, h.RedirectURL, http.StatusFound)
	}
}

// HandleCallback returns the /oauth/callback handler the identity
// provider redirects back to.
func HandleCallback(o *Orchestrator, base BaseURL) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sessionID string
		if c, err := r.Cookie(sessionCookieName); err == nil {
			sessionID = c.Value
		}

		baseURL := base.Resolve(r)

		// The session is single use whatever the outcome.
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    "",
			Path:     "/oauth",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   strings.HasPrefix(baseURL, "https://"),
			SameSite: http.SameSiteLaxMode,
		})

		q := r.URL.Query()
		cb := CallbackParams{
			Code:             q.Get("code"),
			State:            q.Get("state"),
			Error:            q.Get("error"),
			ErrorDescription: q.Get("error_description"),
		}

		target, err := o.CompleteAuthorization(r.Context(), sessionID, cb, baseURL+PathCallback, baseURL)
		if err != nil {
			oe := asError(err)
			o.metrics.Authorization("callback", oe.Code)

			if oe.Code == ErrCodeServerError {
				o.logger.Error("authorize: callback failed", slog.String("error", err.Error()))
			}

			writeError(w, err)

			return
		}

		http.Redirect(w, r, target, http.StatusFound)
	}
}
