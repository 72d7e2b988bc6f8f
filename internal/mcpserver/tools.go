// Package mcpserver exposes the protected MCP resource. Each request
// gets a server bound to the caller's verified token claims.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alexjbarnes/pit/internal/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const serverName = "pit"

var errUnauthenticated = errors.New("request carries no verified identity")

// Handler returns the streamable HTTP handler for /mcp. It must sit
// behind auth.Verifier.Middleware so the claims are in the request
// context.
func Handler(version string) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return NewServer(version, auth.ClaimsFromContext(r.Context()))
	}, &mcp.StreamableHTTPOptions{Stateless: true})
}

// NewServer builds an MCP server whose tools answer for caller.
func NewServer(version string, caller *auth.Claims) *mcp.Server {
	server := mcp.NewServer(
		&mcp.Implementation{Name: serverName, Version: version},
		nil,
	)
	RegisterTools(server, caller)

	return server
}

// RegisterTools adds the identity tools to the given MCP server.
func RegisterTools(server *mcp.Server, caller *auth.Claims) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "whoami",
		Description: "Return the authenticated user: internal user id, GitHub login and id, the client the token was issued to, granted scopes and token expiry.",
	}, whoamiHandler(caller))
}

// WhoamiInput has no parameters.
type WhoamiInput struct{}

// Identity is the whoami result.
type Identity struct {
	UserID     string    `json:"user_id"`
	Login      string    `json:"login"`
	UpstreamID int64     `json:"upstream_id"`
	ClientID   string    `json:"client_id"`
	Scopes     []string  `json:"scopes"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func whoamiHandler(caller *auth.Claims) mcp.ToolHandlerFor[WhoamiInput, *Identity] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ WhoamiInput) (*mcp.CallToolResult, *Identity, error) {
		if caller == nil {
			return nil, nil, errUnauthenticated
		}

		result := &Identity{
			UserID:     caller.UserID,
			Login:      caller.Subject,
			UpstreamID: caller.UpstreamID,
			ClientID:   caller.ClientID,
			Scopes:     strings.Fields(caller.Scope),
			ExpiresAt:  caller.ExpiresAt.UTC(),
		}

		return textResult(result), result, nil
	}
}

// textResult marshals v as indented JSON text content. The structured
// output is carried separately by the SDK.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
