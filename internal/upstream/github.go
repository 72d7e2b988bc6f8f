// Package upstream talks to the upstream identity provider (GitHub)
// that authenticates users on behalf of the authorization server.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/alexjbarnes/pit/internal/errors"
	"github.com/alexjbarnes/pit/internal/models"
	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const (
	defaultUserURL        = "https://api.github.com/user"
	defaultTimeout        = 10 * time.Second
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 200 * time.Millisecond

	// maxResponseBody caps upstream response bodies.
	maxResponseBody = 1 << 20
)

// Config configures the GitHub client. Empty URLs default to github.com.
type Config struct {
	ClientID     string
	ClientSecret string

	AuthURL  string
	TokenURL string
	UserURL  string

	// Timeout bounds each individual HTTP attempt.
	Timeout time.Duration
	// MaxAttempts bounds retries of network-level failures.
	MaxAttempts    uint
	InitialBackoff time.Duration
}

// GitHub performs the OAuth web flow against GitHub and resolves the
// authenticated user.
type GitHub struct {
	oauth          oauth2.Config
	userURL        string
	httpClient     *http.Client
	maxAttempts    uint
	initialBackoff time.Duration
	logger         *slog.Logger
}

// NewGitHub builds a GitHub client from cfg.
func NewGitHub(cfg Config, logger *slog.Logger) *GitHub {
	endpoint := github.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}

	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	endpoint.AuthStyle = oauth2.AuthStyleInParams

	userURL := cfg.UserURL
	if userURL == "" {
		userURL = defaultUserURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	attempts := cfg.MaxAttempts
	if attempts == 0 {
		attempts = defaultMaxAttempts
	}

	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = defaultInitialBackoff
	}

	return &GitHub{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{"read:user"},
		},
		userURL:        userURL,
		httpClient:     &http.Client{Timeout: timeout},
		maxAttempts:    attempts,
		initialBackoff: initial,
		logger:         logger,
	}
}

// Configured reports whether client credentials are present.
func (g *GitHub) Configured() bool {
	return g.oauth.ClientID != "" && g.oauth.ClientSecret != ""
}

// AuthCodeURL returns the GitHub authorize URL for the given state and
// callback.
func (g *GitHub) AuthCodeURL(state, redirectURI string) string {
	cfg := g.oauth
	cfg.RedirectURL = redirectURI

	return cfg.AuthCodeURL(state)
}

// Exchange trades a GitHub authorization code for a GitHub access token.
func (g *GitHub) Exchange(ctx context.Context, code, redirectURI string) (string, error) {
	cfg := g.oauth
	cfg.RedirectURL = redirectURI

	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)

	tok, err := retry(ctx, g, "exchange", func() (*oauth2.Token, error) {
		return cfg.Exchange(ctx, code)
	})
	if err != nil {
		return "", fmt.Errorf("%w: exchanging code: %w", apperrors.ErrUpstream, err)
	}

	return tok.AccessToken, nil
}

// FetchIdentity resolves the GitHub user behind accessToken.
func (g *GitHub) FetchIdentity(ctx context.Context, accessToken string) (*models.UpstreamIdentity, error) {
	body, err := retry(ctx, g, "user", func() ([]byte, error) {
		return g.getUser(ctx, accessToken)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: fetching user: %w", apperrors.ErrUpstream, err)
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: user response is not JSON", apperrors.ErrUpstreamResponse)
	}

	id := gjson.GetBytes(body, "id").Int()
	login := gjson.GetBytes(body, "login").String()

	if id == 0 || login == "" {
		return nil, fmt.Errorf("%w: user response missing id or login", apperrors.ErrUpstreamResponse)
	}

	return &models.UpstreamIdentity{ID: id, Login: login}, nil
}

func (g *GitHub) getUser(ctx context.Context, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.userURL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{status: resp.StatusCode}
	}

	return body, nil
}

type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.status)
}

// retryable reports whether err is a transport failure or a 5xx from
// GitHub. Anything else is a definitive answer and is not retried.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= http.StatusInternalServerError
	}

	var ue *url.Error

	return errors.As(err, &ue)
}

func retry[T any](ctx context.Context, g *GitHub, op string, fn func() (T, error)) (T, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = g.initialBackoff

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && (!retryable(err) || ctx.Err() != nil) {
			return v, backoff.Permanent(err)
		}

		return v, err
	},
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(g.maxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.logger.Warn("upstream: retrying request",
				slog.String("op", op),
				slog.String("error", err.Error()),
				slog.Duration("backoff", next),
			)
		}),
	)
}
