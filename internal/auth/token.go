package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"time"

	apperrors "github.com/alexjbarnes/pit/internal/errors"
	"github.com/alexjbarnes/pit/internal/metrics"
	"github.com/alexjbarnes/pit/internal/models"
)

// refreshTokenBytes is the number of random bytes in a refresh token.
const refreshTokenBytes = 32

// GrantType is a grant the token endpoint accepts.
type GrantType string

const (
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	GrantTypeRefreshToken      GrantType = "refresh_token"
)

// ParseGrantType maps a grant_type value to a GrantType. Anything not
// listed above is rejected.
func ParseGrantType(s string) (GrantType, bool) {
	switch GrantType(s) {
	case GrantTypeAuthorizationCode, GrantTypeRefreshToken:
		return GrantType(s), true
	default:
		return "", false
	}
}

// ExchangeRequest holds the authorization_code grant parameters.
type ExchangeRequest struct {
	Code         string
	CodeVerifier string
	RedirectURI  string
	ClientID     string
}

// TokenResponse is the token endpoint success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// Issuer turns authorization codes and refresh tokens into access
// tokens.
type Issuer struct {
	store   Store
	signer  *TokenSigner
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewIssuer returns an Issuer signing with signer.
func NewIssuer(store Store, signer *TokenSigner, m *metrics.Metrics, logger *slog.Logger) *Issuer {
	return &Issuer{store: store, signer: signer, metrics: m, logger: logger, now: time.Now}
}

// verifyPKCE checks that BASE64URL(SHA256(verifier)) matches the
// challenge (S256 method) in constant time.
func verifyPKCE(verifier, challenge string) bool {
	h := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(h[:])

	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// ExchangeCode redeems an authorization code. The code is consumed by
// the first attempt whether or not the rest of the checks pass.
func (iss *Issuer) ExchangeCode(ctx context.Context, req ExchangeRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, newError(ErrCodeInvalidRequest, "code is required")
	}

	ac, err := iss.store.ConsumeCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, newError(ErrCodeInvalidGrant, "invalid or already used authorization code")
		}

		return nil, fmt.Errorf("consuming code: %w", err)
	}

	if ac.Expired(iss.now()) {
		return nil, newError(ErrCodeInvalidGrant, "authorization code expired")
	}

	if req.RedirectURI != "" && req.RedirectURI != ac.RedirectURI {
		return nil, newError(ErrCodeInvalidGrant, "redirect_uri mismatch")
	}

	if req.ClientID != "" && req.ClientID != ac.ClientID {
		return nil, newError(ErrCodeInvalidGrant, "code was issued to another client")
	}

	if ac.CodeChallenge != "" {
		if req.CodeVerifier == "" {
			return nil, newError(ErrCodeInvalidGrant, "code_verifier is required")
		}

		if !verifyPKCE(req.CodeVerifier, ac.CodeChallenge) {
			return nil, newError(ErrCodeInvalidGrant, "PKCE verification failed")
		}
	}

	access, claims, err := iss.signAccess(ctx, ac.ClientID, ac.UpstreamUserID, ac.UpstreamLogin, ac.Scope)
	if err != nil {
		return nil, err
	}

	refresh := randomToken(refreshTokenBytes)
	now := iss.now()

	err = iss.store.CreateSession(ctx, models.RefreshSession{
		TokenHash:      hashToken(refresh),
		ClientID:       ac.ClientID,
		UpstreamUserID: ac.UpstreamUserID,
		UpstreamLogin:  ac.UpstreamLogin,
		Scope:          ac.Scope,
		CreatedAt:      now.UTC(),
		ExpiresAt:      now.Add(refreshTokenTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("creating refresh session: %w", err)
	}

	iss.logger.Info("token: issued for authorization code",
		slog.String("client_id", ac.ClientID),
		slog.String("user_id", claims.UserID),
		slog.String("jti", claims.ID),
	)

	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(accessTokenTTL / time.Second),
		RefreshToken: refresh,
		Scope:        ac.Scope,
	}, nil
}

// RefreshGrant rotates a refresh token. The presented token stops
// working as soon as this returns successfully; of two concurrent
// refreshes with the same token only one wins.
func (iss *Issuer) RefreshGrant(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, newError(ErrCodeInvalidRequest, "refresh_token is required")
	}

	oldHash := hashToken(refreshToken)

	rs, err := iss.store.GetSession(ctx, oldHash)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, newError(ErrCodeInvalidGrant, "invalid refresh token")
		}

		return nil, fmt.Errorf("loading refresh session: %w", err)
	}

	now := iss.now()

	if rs.Expired(now) {
		if err := iss.store.DeleteSession(ctx, oldHash); err != nil {
			iss.logger.Warn("token: deleting expired session failed", slog.String("error", err.Error()))
		}

		return nil, newError(ErrCodeInvalidGrant, "refresh token expired")
	}

	access, claims, err := iss.signAccess(ctx, rs.ClientID, rs.UpstreamUserID, rs.UpstreamLogin, rs.Scope)
	if err != nil {
		return nil, err
	}

	refresh := randomToken(refreshTokenBytes)

	next := *rs
	next.TokenHash = hashToken(refresh)
	next.CreatedAt = now.UTC()
	next.ExpiresAt = now.Add(refreshTokenTTL)

	if err := iss.store.RotateSession(ctx, oldHash, next); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			iss.logger.Warn("token: refresh token reused during rotation",
				slog.String("client_id", rs.ClientID),
			)

			return nil, newError(ErrCodeInvalidGrant, "invalid refresh token")
		}

		return nil, fmt.Errorf("rotating refresh session: %w", err)
	}

	iss.logger.Info("token: refreshed",
		slog.String("client_id", rs.ClientID),
		slog.String("user_id", claims.UserID),
		slog.String("jti", claims.ID),
	)

	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(accessTokenTTL / time.Second),
		RefreshToken: refresh,
		Scope:        rs.Scope,
	}, nil
}

// signAccess resolves the canonical internal user and signs an access
// token for it.
func (iss *Issuer) signAccess(ctx context.Context, clientID string, upstreamID int64, login, scope string) (string, Claims, error) {
	user, err := currentUser(ctx, iss.store, upstreamID, login)
	if err != nil {
		return "", Claims{}, err
	}

	return iss.signer.Sign(Claims{
		Subject:    login,
		UpstreamID: upstreamID,
		UserID:     user.ID,
		ClientID:   clientID,
		Scope:      scope,
	})
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	ClientID     string `json:"client_id"`
	RefreshToken string `json:"refresh_token"`
}

func parseTokenRequest(r *http.Request) (tokenRequest, error) {
	var req tokenRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, newError(ErrCodeInvalidRequest, "invalid request body")
		}

		return req, nil
	}

	if err := r.ParseForm(); err != nil {
		return req, newError(ErrCodeInvalidRequest, "invalid form data")
	}

	return tokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		ClientID:     r.PostFormValue("client_id"),
		RefreshToken: r.PostFormValue("refresh_token"),
	}, nil
}

// HandleToken returns the /oauth/token handler. Bodies may be form
// encoded or JSON.
func HandleToken(iss *Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		req, err := parseTokenRequest(r)
		if err != nil {
			writeError(w, err)
			return
		}

		grant, ok := ParseGrantType(req.GrantType)
		if !ok {
			iss.metrics.TokenGrant("unsupported", ErrCodeUnsupportedGrantType)
			writeJSONError(w, http.StatusBadRequest, ErrCodeUnsupportedGrantType,
				"grant_type must be authorization_code or refresh_token")

			return
		}

		var resp *TokenResponse

		switch grant {
		case GrantTypeAuthorizationCode:
			resp, err = iss.ExchangeCode(r.Context(), ExchangeRequest{
				Code:         req.Code,
				CodeVerifier: req.CodeVerifier,
				RedirectURI:  req.RedirectURI,
				ClientID:     req.ClientID,
			})
		case GrantTypeRefreshToken:
			resp, err = iss.RefreshGrant(r.Context(), req.RefreshToken)
		}

		if err != nil {
			oe := asError(err)
			iss.metrics.TokenGrant(string(grant), oe.Code)

			if oe.Code == ErrCodeServerError {
				iss.logger.Error("token: request failed",
					slog.String("grant_type", string(grant)),
					slog.String("error", err.Error()),
				)
			} else {
				iss.logger.Info("token: request rejected",
					slog.String("grant_type", string(grant)),
					slog.String("error", oe.Code),
					slog.String("description", oe.Description),
					slog.String("ip", remoteIP(r)),
				)
			}

			writeError(w, err)

			return
		}

		iss.metrics.TokenGrant(string(grant), "ok")

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
