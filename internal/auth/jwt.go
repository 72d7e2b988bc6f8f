package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	accessTokenTTL  = time.Hour
	refreshTokenTTL = 30 * 24 * time.Hour

	// MinSecretLength is the shortest JWT secret accepted.
	MinSecretLength = 32

	signingKeyInfo = "pit access token signing v1"
)

var errTokenInvalid = errors.New("token invalid")

// Claims are the access token contents. Subject is the upstream login.
type Claims struct {
	Subject    string
	UpstreamID int64
	UserID     string
	ClientID   string
	Scope      string
	Issuer     string
	ID         string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

type privateClaims struct {
	UpstreamID int64  `json:"upstream_id"`
	UserID     string `json:"internal_user_id"`
	ClientID   string `json:"client_id"`
	Scope      string `json:"scope"`
}

// TokenSigner issues and verifies HS256 access tokens. The HMAC key is
// derived from the configured secret with HKDF-SHA256.
type TokenSigner struct {
	key    []byte
	signer gojose.Signer
	issuer string
	now    func() time.Time
}

// NewTokenSigner derives a signing key from secret.
func NewTokenSigner(secret, issuer string) (*TokenSigner, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d characters", MinSecretLength)
	}

	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(signingKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("deriving signing key: %w", err)
	}

	signer, err := gojose.NewSigner(
		gojose.SigningKey{Algorithm: gojose.HS256, Key: key},
		(&gojose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}

	return &TokenSigner{key: key, signer: signer, issuer: issuer, now: time.Now}, nil
}

// Sign issues an access token for c, valid for one hour from now. The
// issuer, ID and timestamps on c are ignored and set by the signer.
func (s *TokenSigner) Sign(c Claims) (string, Claims, error) {
	now := s.now()

	c.Issuer = s.issuer
	c.ID = uuid.NewString()
	c.IssuedAt = now.Truncate(time.Second)
	c.ExpiresAt = now.Add(accessTokenTTL).Truncate(time.Second)

	std := gojwt.Claims{
		Subject:  c.Subject,
		Issuer:   c.Issuer,
		ID:       c.ID,
		IssuedAt: gojwt.NewNumericDate(c.IssuedAt),
		Expiry:   gojwt.NewNumericDate(c.ExpiresAt),
	}

	priv := privateClaims{
		UpstreamID: c.UpstreamID,
		UserID:     c.UserID,
		ClientID:   c.ClientID,
		Scope:      c.Scope,
	}

	raw, err := gojwt.Signed(s.signer).Claims(std).Claims(priv).Serialize()
	if err != nil {
		return "", Claims{}, fmt.Errorf("signing token: %w", err)
	}

	return raw, c, nil
}

// Verify checks the signature, algorithm, issuer and expiry of raw.
func (s *TokenSigner) Verify(raw string) (*Claims, error) {
	tok, err := gojwt.ParseSigned(raw, []gojose.SignatureAlgorithm{gojose.HS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errTokenInvalid, err)
	}

	var std gojwt.Claims

	var priv privateClaims
	if err := tok.Claims(s.key, &std, &priv); err != nil {
		return nil, fmt.Errorf("%w: %w", errTokenInvalid, err)
	}

	if std.Expiry == nil {
		return nil, fmt.Errorf("%w: missing exp", errTokenInvalid)
	}

	if err := std.Validate(gojwt.Expected{Issuer: s.issuer, Time: s.now()}); err != nil {
		return nil, fmt.Errorf("%w: %w", errTokenInvalid, err)
	}

	c := &Claims{
		Subject:    std.Subject,
		UpstreamID: priv.UpstreamID,
		UserID:     priv.UserID,
		ClientID:   priv.ClientID,
		Scope:      priv.Scope,
		Issuer:     std.Issuer,
		ID:         std.ID,
		ExpiresAt:  std.Expiry.Time(),
	}

	if std.IssuedAt != nil {
		c.IssuedAt = std.IssuedAt.Time()
	}

	return c, nil
}
