// Package models defines types shared across internal packages.
package models

import (
	"slices"
	"time"
)

// RegisteredClient represents an OAuth client known to the server,
// created through dynamic registration or trusted auto-recovery.
type RegisteredClient struct {
	ClientID       string    `json:"client_id"`
	ClientName     string    `json:"client_name,omitempty"`
	RedirectURIs   []string  `json:"redirect_uris"`
	AutoRegistered bool      `json:"auto_registered,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// HasRedirectURI reports whether uri is one of the client's registered
// redirect URIs. Comparison is exact.
func (c *RegisteredClient) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AuthorizationCode is a single-use grant minted after the upstream
// identity provider has authenticated the user.
type AuthorizationCode struct {
	Code           string    `json:"code"`
	ClientID       string    `json:"client_id"`
	UpstreamUserID int64     `json:"upstream_user_id"`
	UpstreamLogin  string    `json:"upstream_login"`
	CodeChallenge  string    `json:"code_challenge,omitempty"`
	Scope          string    `json:"scope"`
	RedirectURI    string    `json:"redirect_uri"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the code is past its expiry at now.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// RefreshSession is the server-side record behind a refresh token. Only
// the SHA-256 hash of the token is stored.
type RefreshSession struct {
	TokenHash      string    `json:"token_hash"`
	ClientID       string    `json:"client_id"`
	UpstreamUserID int64     `json:"upstream_user_id"`
	UpstreamLogin  string    `json:"upstream_login"`
	Scope          string    `json:"scope"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry at now.
func (s *RefreshSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// PendingAuthorization carries a client's authorization request across
// the upstream identity provider round trip. It is keyed by SessionID,
// which travels in a cookie; IDPState is the state value sent to the
// identity provider and is never the client's own state.
type PendingAuthorization struct {
	SessionID     string    `json:"session_id"`
	ClientID      string    `json:"client_id"`
	RedirectURI   string    `json:"redirect_uri"`
	State         string    `json:"state,omitempty"`
	CodeChallenge string    `json:"code_challenge,omitempty"`
	Scope         string    `json:"scope"`
	IDPState      string    `json:"idp_state"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Expired reports whether the pending request is past its expiry at now.
func (p *PendingAuthorization) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// User maps an upstream identity to the canonical internal user id.
type User struct {
	ID         string    `json:"id"`
	UpstreamID int64     `json:"upstream_id"`
	Login      string    `json:"login"`
	CreatedAt  time.Time `json:"created_at"`
}

// UpstreamIdentity is the verified identity returned by the upstream
// identity provider.
type UpstreamIdentity struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}
