package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/alexjbarnes/pit/internal/models"
	"github.com/alexjbarnes/pit/internal/state"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	testBaseURL  = "https://pit.example.com"
	testSecret   = "test-secret-0123456789abcdef0123456789"
	testIssuer   = "pit"
	testRedirect = "https://app.example.com/callback"
	testCallback = testBaseURL + PathCallback
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *state.State {
	t.Helper()
	s, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSigner(t *testing.T) *TokenSigner {
	t.Helper()
	s, err := NewTokenSigner(testSecret, testIssuer)
	require.NoError(t, err)
	return s
}

func pkceChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// oauthCode returns the OAuth error code carried by err, or "".
func oauthCode(err error) string {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// harness wires every component against one bbolt store and a mocked
// identity provider.
type harness struct {
	store     *state.State
	signer    *TokenSigner
	registrar *Registrar
	orch      *Orchestrator
	issuer    *Issuer
	verifier  *Verifier
	idp       *MockIdentityProvider
}

func newHarness(t *testing.T, allowedLogins ...string) *harness {
	t.Helper()

	ctrl := gomock.NewController(t)
	idp := NewMockIdentityProvider(ctrl)
	idp.EXPECT().Configured().Return(true).AnyTimes()

	store := testStore(t)
	signer := testSigner(t)
	registrar := NewRegistrar(store, DefaultTrustPolicy(), 100, nil, testLogger())

	return &harness{
		store:     store,
		signer:    signer,
		registrar: registrar,
		orch: NewOrchestrator(OrchestratorConfig{
			Store:         store,
			Registrar:     registrar,
			IdP:           idp,
			AllowedLogins: allowedLogins,
			Logger:        testLogger(),
		}),
		issuer:   NewIssuer(store, signer, nil, testLogger()),
		verifier: NewVerifier(signer, store, nil, testLogger()),
		idp:      idp,
	}
}

// registerClient registers a client with testRedirect and returns it.
func (h *harness) registerClient(t *testing.T) *models.RegisteredClient {
	t.Helper()
	c, err := h.registrar.Register(context.Background(), []string{testRedirect}, "Test Client")
	require.NoError(t, err)
	return c
}

// begin starts an authorization for client and returns the handoff and
// the state the identity provider was given.
func (h *harness) begin(t *testing.T, clientID, redirectURI, clientState, challenge string) (*Handoff, string) {
	t.Helper()

	var idpState string
	h.idp.EXPECT().AuthCodeURL(gomock.Any(), testCallback).
		DoAndReturn(func(s, _ string) string {
			idpState = s
			return "https://github.com/login/oauth/authorize?state=" + s
		})

	hand, err := h.orch.BeginAuthorization(context.Background(), AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		ResponseType:        "code",
		State:               clientState,
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	}, testCallback)
	require.NoError(t, err)

	return hand, idpState
}

// expectLogin makes the identity provider accept "gh-code" as the given user.
func (h *harness) expectLogin(id int64, login string) {
	h.idp.EXPECT().Exchange(gomock.Any(), "gh-code", testCallback).Return("gho_token", nil)
	h.idp.EXPECT().FetchIdentity(gomock.Any(), "gho_token").
		Return(&models.UpstreamIdentity{ID: id, Login: login}, nil)
}

// mintCode stores an authorization code directly.
func (h *harness) mintCode(t *testing.T, ac models.AuthorizationCode) {
	t.Helper()
	require.NoError(t, h.store.SaveCode(context.Background(), ac))
}
