package e2e_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/alexjbarnes/pit/internal/auth"
	"github.com/alexjbarnes/pit/internal/mcpserver"
	"github.com/alexjbarnes/pit/internal/metrics"
	"github.com/alexjbarnes/pit/internal/redisstore"
	"github.com/alexjbarnes/pit/internal/server"
	"github.com/alexjbarnes/pit/internal/state"
	"github.com/alexjbarnes/pit/internal/upstream"
	"github.com/alicebob/miniredis/v2"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const (
	testSecret   = "e2e-test-secret-0123456789abcdef01234"
	pkceVerifier = "e2e-test-pkce-verifier-that-is-long-enough"
	redirectURI  = "http://127.0.0.1:19876/callback"

	ghClientID = "gh-e2e-client"
	ghCode     = "gh-e2e-code"
	ghToken    = "gho_e2e_token"
	ghUserID   = 583231
	ghLogin    = "octocat"
)

// storeBackend is the store surface the harness needs.
type storeBackend interface {
	auth.Store
	Ping(ctx context.Context) error
	DeleteUser(ctx context.Context, upstreamID int64) error
}

// backends lists the stores every flow test runs against.
var backends = []string{"bolt", "redis"}

func openBackend(t *testing.T, name string) storeBackend {
	t.Helper()

	switch name {
	case "redis":
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })

		return redisstore.NewWithClient(client, "pit-e2e:")
	default:
		s, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })

		return s
	}
}

// fakeGitHub stands in for github.com and api.github.com.
type fakeGitHub struct {
	*httptest.Server
	exchanges atomic.Int32
}

func newFakeGitHub(t *testing.T) *fakeGitHub {
	t.Helper()

	gh := &fakeGitHub{}

	mux := http.NewServeMux()
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		gh.exchanges.Add(1)
		_ = r.ParseForm()

		w.Header().Set("Content-Type", "application/json")

		if r.PostForm.Get("code") != ghCode || r.PostForm.Get("client_id") != ghClientID {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"bad_verification_code"}`)

			return
		}

		_, _ = io.WriteString(w, `{"access_token":"`+ghToken+`","token_type":"bearer","scope":"read:user"}`)
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+ghToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":583231,"login":"octocat","name":"The Octocat"}`)
	})

	gh.Server = httptest.NewServer(mux)
	t.Cleanup(gh.Close)

	return gh
}

// harness holds the full e2e test stack: a real HTTP server backed by
// the OAuth layer, a fake GitHub and the MCP resource.
type harness struct {
	URL    string
	Store  storeBackend
	GitHub *fakeGitHub
	Client *http.Client
}

type harnessOption func(*auth.OrchestratorConfig)

func withAllowedLogins(logins ...string) harnessOption {
	return func(c *auth.OrchestratorConfig) { c.AllowedLogins = logins }
}

// newHarness wires up the full stack via server.NewMux over the named
// store backend and starts an httptest server.
func newHarness(t *testing.T, backend string, opts ...harnessOption) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	store := openBackend(t, backend)
	gh := newFakeGitHub(t)

	signer, err := auth.NewTokenSigner(testSecret, "pit")
	require.NoError(t, err)

	m := metrics.New()
	registrar := auth.NewRegistrar(store, auth.DefaultTrustPolicy(), 100, m, logger)

	orchCfg := auth.OrchestratorConfig{
		Store:     store,
		Registrar: registrar,
		IdP: upstream.NewGitHub(upstream.Config{
			ClientID:     ghClientID,
			ClientSecret: "gh-e2e-secret",
			AuthURL:      gh.URL + "/login/oauth/authorize",
			TokenURL:     gh.URL + "/login/oauth/access_token",
			UserURL:      gh.URL + "/user",
		}, logger),
		Metrics: m,
		Logger:  logger,
	}
	for _, o := range opts {
		o(&orchCfg)
	}

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		BaseURL:      auth.NewBaseURL("", false),
		Registrar:    registrar,
		Orchestrator: auth.NewOrchestrator(orchCfg),
		Issuer:       auth.NewIssuer(store, signer, m, logger),
		Verifier:     auth.NewVerifier(signer, store, m, logger),
		MCPHandler:   mcpserver.Handler("test"),
		Metrics:      m,
		Store:        store,
		Logger:       logger,
	}))
	t.Cleanup(ts.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	client := ts.Client()
	client.Jar = jar
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &harness{
		URL:    ts.URL,
		Store:  store,
		GitHub: gh,
		Client: client,
	}
}

// tokenResponse is the JSON body returned by POST /oauth/token.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// oauthError is the JSON error body.
type oauthError struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// registerDynamicClient registers a client via POST /oauth/register.
func (h *harness) registerDynamicClient(t *testing.T, redirectURIs []string) string {
	t.Helper()

	body := map[string]any{"client_name": "e2e", "redirect_uris": redirectURIs}
	b, err := json.Marshal(body)
	require.NoError(t, err)

	resp := h.doPostJSON(t, auth.PathRegister, b)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result struct {
		ClientID string `json:"client_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.NotEmpty(t, result.ClientID)

	return result.ClientID
}

// startAuthorize calls GET /oauth/authorize and returns the state this
// server handed to GitHub.
func (h *harness) startAuthorize(t *testing.T, clientID, redirect string) string {
	t.Helper()

	authURL := h.URL + auth.PathAuthorize + "?" + url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {redirect},
		"response_type":         {"code"},
		"code_challenge":        {pkceChallenge(pkceVerifier)},
		"code_challenge_method": {"S256"},
		"state":                 {"e2e-state"},
	}.Encode()

	resp := h.doGet(t, authURL)
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/login/oauth/authorize", loc.Path)
	require.Equal(t, h.URL+auth.PathCallback, loc.Query().Get("redirect_uri"))

	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	return state
}

// callback plays GitHub redirecting the browser back, and returns the
// redirect this server sends to the client.
func (h *harness) callback(t *testing.T, code, state string) *url.URL {
	t.Helper()

	resp := h.doGet(t, h.URL+auth.PathCallback+"?"+url.Values{
		"code":  {code},
		"state": {state},
	}.Encode())
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)

	return loc
}

// authorizeCode runs authorize and callback and returns the code.
func (h *harness) authorizeCode(t *testing.T, clientID string) string {
	t.Helper()

	state := h.startAuthorize(t, clientID, redirectURI)
	loc := h.callback(t, ghCode, state)

	code := loc.Query().Get("code")
	require.NotEmpty(t, code, "authorization code missing from redirect: %s", loc)

	return code
}

// exchangeCode posts the authorization_code grant.
func (h *harness) exchangeCode(t *testing.T, clientID, code string) (*http.Response, tokenResponse) {
	t.Helper()

	resp := h.doPostForm(t, auth.PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {clientID},
		"code_verifier": {pkceVerifier},
	})
	defer resp.Body.Close()

	var tr tokenResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))
	}

	return resp, tr
}

// authCodeFlow performs the full authorization code + PKCE flow with
// a freshly registered dynamic client.
func (h *harness) authCodeFlow(t *testing.T) (string, tokenResponse) {
	t.Helper()

	clientID := h.registerDynamicClient(t, []string{redirectURI})
	code := h.authorizeCode(t, clientID)

	resp, tr := h.exchangeCode(t, clientID, code)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	return clientID, tr
}

// refresh posts the refresh_token grant and returns the status and
// decoded body.
func (h *harness) refresh(t *testing.T, refreshToken string) (int, tokenResponse, oauthError) {
	t.Helper()

	resp := h.doPostForm(t, auth.PathToken, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
	defer resp.Body.Close()

	var (
		tr tokenResponse
		oe oauthError
	)

	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))
	} else {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&oe))
	}

	return resp.StatusCode, tr, oe
}

// mcpSession creates an MCP client session authenticated with the given
// Bearer token. Uses the MCP SDK's StreamableClientTransport with a
// custom HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// whoami calls the whoami tool with token.
func (h *harness) whoami(t *testing.T, token string) mcpserver.Identity {
	t.Helper()

	result, err := h.mcpSession(t, token).CallTool(t.Context(), &mcp.CallToolParams{
		Name:      "whoami",
		Arguments: map[string]any{},
	})
	require.NoError(t, err)
	require.False(t, result.IsError)

	var id mcpserver.Identity
	require.NoError(t, json.Unmarshal([]byte(extractTextContent(t, result)), &id))

	return id
}

// doGet performs a GET request with t.Context().
func (h *harness) doGet(t *testing.T, fullURL string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, fullURL, nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// doPostForm performs a POST with form-encoded body and t.Context().
func (h *harness) doPostForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(
		t.Context(), http.MethodPost, h.URL+path,
		bytes.NewBufferString(form.Encode()),
	)
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// doPostJSON performs a POST with JSON body and t.Context().
func (h *harness) doPostJSON(t *testing.T, path string, body []byte) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(
		t.Context(), http.MethodPost, h.URL+path,
		bytes.NewReader(body),
	)
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// pkceChallenge computes the S256 code challenge for a given verifier.
func pkceChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}
