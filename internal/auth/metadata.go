package auth

import (
	"encoding/json"
	"net/http"
)

// Scopes understood by the protected resource.
const (
	ScopeRead  = "mcp:read"
	ScopeWrite = "mcp:write"

	// DefaultScope is granted when the client does not ask for one.
	DefaultScope = ScopeRead + " " + ScopeWrite
)

// Endpoint paths, relative to the base URL.
const (
	PathServerMetadata   = "/.well-known/oauth-authorization-server"
	PathResourceMetadata = "/.well-known/oauth-protected-resource"
	PathRegister         = "/oauth/register"
	PathAuthorize        = "/oauth/authorize"
	PathCallback         = "/oauth/callback"
	PathToken            = "/oauth/token"
	PathDocs             = "/docs/mcp"
)

var supportedScopes = []string{ScopeRead, ScopeWrite}

// ProtectedResourceMetadata is the RFC 9728 response.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

// ServerMetadata is the RFC 8414 response.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	ServiceDocumentation              string   `json:"service_documentation,omitempty"`
}

// NewServerMetadata builds the authorization server metadata for base.
func NewServerMetadata(base string) ServerMetadata {
	return ServerMetadata{
		Issuer:                            base,
		AuthorizationEndpoint:             base + PathAuthorize,
		TokenEndpoint:                     base + PathToken,
		RegistrationEndpoint:              base + PathRegister,
		ScopesSupported:                   supportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{string(GrantTypeAuthorizationCode), string(GrantTypeRefreshToken)},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		ServiceDocumentation:              base + PathDocs,
	}
}

// NewProtectedResourceMetadata builds the protected resource metadata
// for base.
func NewProtectedResourceMetadata(base string) ProtectedResourceMetadata {
	return ProtectedResourceMetadata{
		Resource:               base,
		AuthorizationServers:   []string{base},
		ScopesSupported:        supportedScopes,
		BearerMethodsSupported: []string{"header"},
	}
}

// HandleProtectedResourceMetadata returns the /.well-known/oauth-protected-resource
// handler. The document is rebuilt per request so it follows the base URL.
func HandleProtectedResourceMetadata(base BaseURL) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeMetadata(w, NewProtectedResourceMetadata(base.Resolve(r)))
	}
}

// HandleServerMetadata returns the /.well-known/oauth-authorization-server handler.
func HandleServerMetadata(base BaseURL) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeMetadata(w, NewServerMetadata(base.Resolve(r)))
	}
}

func writeMetadata(w http.ResponseWriter, meta any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Vary", "Host, X-Forwarded-Host, X-Forwarded-Proto")
	_ = json.NewEncoder(w).Encode(meta)
}
