package auth

import (
	"context"

	"github.com/alexjbarnes/pit/internal/models"
)

//go:generate mockgen -source=identity.go -destination=mock_identity_test.go -package=auth

// IdentityProvider is the upstream identity provider the orchestrator
// hands users off to. internal/upstream.GitHub implements it.
type IdentityProvider interface {
	Configured() bool
	AuthCodeURL(state, redirectURI string) string
	Exchange(ctx context.Context, code, redirectURI string) (string, error)
	FetchIdentity(ctx context.Context, accessToken string) (*models.UpstreamIdentity, error)
}
