package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	apperrors "github.com/alexjbarnes/pit/internal/errors"
	"github.com/alexjbarnes/pit/internal/models"
)

// Store is the persistence the authorization server needs. Lookups of
// missing records return errors.ErrNotFound from internal/errors.
//
// ConsumeCode, RotateSession and TakePending must be atomic: under
// concurrent calls with the same key at most one succeeds.
type Store interface {
	SaveClient(ctx context.Context, c models.RegisteredClient) error
	GetClient(ctx context.Context, clientID string) (*models.RegisteredClient, error)
	AppendClientRedirectURI(ctx context.Context, clientID, redirectURI string) error

	SaveCode(ctx context.Context, ac models.AuthorizationCode) error
	ConsumeCode(ctx context.Context, code string) (*models.AuthorizationCode, error)

	CreateSession(ctx context.Context, rs models.RefreshSession) error
	GetSession(ctx context.Context, tokenHash string) (*models.RefreshSession, error)
	RotateSession(ctx context.Context, oldHash string, next models.RefreshSession) error
	DeleteSession(ctx context.Context, tokenHash string) error

	SavePending(ctx context.Context, p models.PendingAuthorization) error
	TakePending(ctx context.Context, sessionID string) (*models.PendingAuthorization, error)

	LookupUser(ctx context.Context, upstreamID int64) (*models.User, error)
	ResolveUser(ctx context.Context, upstreamID int64, login string) (*models.User, error)
}

// currentUser returns the stored user for upstreamID, writing a new
// record only when none exists. login is used for that new record.
func currentUser(ctx context.Context, store Store, upstreamID int64, login string) (*models.User, error) {
	user, err := store.LookupUser(ctx, upstreamID)
	if errors.Is(err, apperrors.ErrNotFound) {
		user, err = store.ResolveUser(ctx, upstreamID, login)
	}

	if err != nil {
		return nil, fmt.Errorf("resolving user: %w", err)
	}

	return user, nil
}

// RandomHex returns a hex-encoded string of byteLen random bytes.
// Panics if the system random source fails, since continuing with
// predictable values would compromise security.
func RandomHex(byteLen int) string {
	return hex.EncodeToString(randomBytes(byteLen))
}

// randomToken returns byteLen random bytes as unpadded base64url.
func randomToken(byteLen int) string {
	return base64.RawURLEncoding.EncodeToString(randomBytes(byteLen))
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return b
}

// hashToken returns the SHA-256 hex digest used as the storage key for
// refresh tokens so raw tokens never reach the store.
func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
