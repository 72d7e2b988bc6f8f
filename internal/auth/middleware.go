package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexjbarnes/pit/internal/metrics"
)

type contextKey int

const ctxClaims contextKey = iota

// ClaimsFromContext returns the verified token claims, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(ctxClaims).(*Claims)
	return c
}

// ContextWithClaims returns ctx carrying c.
func ContextWithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxClaims, c)
}

var (
	errNoBearer   = errors.New("no bearer token")
	errNoIdentity = errors.New("token carries no upstream identity")
)

// Verifier authenticates bearer tokens on the protected resource.
type Verifier struct {
	signer  *TokenSigner
	store   Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewVerifier returns a Verifier. store is used to re-resolve the
// internal user on every request.
func NewVerifier(signer *TokenSigner, store Store, m *metrics.Metrics, logger *slog.Logger) *Verifier {
	return &Verifier{signer: signer, store: store, metrics: m, logger: logger}
}

// bearerToken extracts the token from an Authorization header value.
// The scheme is matched case-insensitively (RFC 7235 Section 2.1).
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}

	token = strings.TrimSpace(token)

	return token, token != ""
}

// Authenticate verifies the Authorization header value and returns the
// token's claims. UserID is looked up from the upstream ID on every
// call, so a re-created user record takes effect immediately; the value
// embedded in the token is only a hint.
func (v *Verifier) Authenticate(ctx context.Context, header string) (*Claims, error) {
	raw, ok := bearerToken(header)
	if !ok {
		return nil, errNoBearer
	}

	c, err := v.signer.Verify(raw)
	if err != nil {
		return nil, err
	}

	if c.UpstreamID == 0 {
		return nil, fmt.Errorf("%w: %w", errTokenInvalid, errNoIdentity)
	}

	user, err := currentUser(ctx, v.store, c.UpstreamID, c.Subject)
	if err != nil {
		return nil, err
	}

	if user.ID != c.UserID {
		v.logger.Debug("middleware: internal user id changed since issuance",
			slog.Int64("upstream_id", c.UpstreamID),
			slog.String("token_user_id", c.UserID),
			slog.String("user_id", user.ID),
		)
	}

	c.UserID = user.ID

	return c, nil
}

// Middleware returns HTTP middleware that validates Bearer tokens.
// Unauthenticated requests get a 401 with the WWW-Authenticate header
// pointing to the protected resource metadata URL (RFC 9728 Section 5.1).
func (v *Verifier) Middleware(base BaseURL) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			metadataURL := base.Resolve(r) + PathResourceMetadata
			ip := remoteIP(r)

			c, err := v.Authenticate(r.Context(), r.Header.Get("Authorization"))
			switch {
			case err == nil:
			case errors.Is(err, errNoBearer):
				v.metrics.BearerVerification("missing")
				v.logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				// RFC 6750 Section 3.1: no error attribute when no token was provided.
				w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer resource_metadata="%s"`, metadataURL))
				writeJSONError(w, http.StatusUnauthorized, "", "bearer token required")

				return
			case errors.Is(err, errTokenInvalid):
				v.metrics.BearerVerification(ErrCodeInvalidToken)
				v.logger.Debug("middleware: invalid bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				// error="invalid_token" signals the client should attempt a refresh.
				w.Header().Set("WWW-Authenticate",
					fmt.Sprintf(`Bearer error="invalid_token", resource_metadata="%s"`, metadataURL))
				writeJSONError(w, http.StatusUnauthorized, ErrCodeInvalidToken, "token is invalid or expired")

				return
			default:
				v.metrics.BearerVerification(ErrCodeServerError)
				v.logger.Error("middleware: verifying token failed", slog.String("error", err.Error()))
				writeJSONError(w, http.StatusInternalServerError, ErrCodeServerError, "internal error")

				return
			}

			v.metrics.BearerVerification("ok")
			v.logger.Debug("middleware: authenticated via bearer token",
				slog.String("user_id", c.UserID),
				slog.String("client_id", c.ClientID),
				slog.String("ip", ip),
			)

			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), c)))
		})
	}
}
