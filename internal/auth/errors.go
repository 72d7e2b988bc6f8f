package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// OAuth error codes (RFC 6749 Section 5.2, RFC 7591 Section 3.2.2,
// RFC 6750 Section 3.1).
const (
	ErrCodeInvalidRequest          = "invalid_request"
	ErrCodeInvalidClient           = "invalid_client"
	ErrCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrCodeInvalidGrant            = "invalid_grant"
	ErrCodeUnsupportedResponseType = "unsupported_response_type"
	ErrCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrCodeAccessDenied            = "access_denied"
	ErrCodeInvalidState            = "invalid_state"
	ErrCodeInvalidToken            = "invalid_token"
	ErrCodeServerError             = "server_error"
	ErrCodeTemporarilyUnavailable  = "temporarily_unavailable"
)

// Error is an OAuth protocol error carrying the HTTP status it maps to.
type Error struct {
	Code        string
	Description string
	Status      int
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Description
}

func newError(code, description string) *Error {
	return &Error{Code: code, Description: description, Status: statusFor(code)}
}

func statusFor(code string) int {
	switch code {
	case ErrCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrCodeAccessDenied:
		return http.StatusForbidden
	case ErrCodeServerError:
		return http.StatusInternalServerError
	case ErrCodeTemporarilyUnavailable:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

// asError converts err to an *Error, treating anything unrecognized as
// an internal failure whose details are not exposed.
func asError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}

	return newError(ErrCodeServerError, "internal error")
}

// writeJSONError writes an OAuth error body. An empty errCode omits the
// error member.
func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	body := map[string]string{"error_description": description}
	if errCode != "" {
		body["error"] = errCode
	}

	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	oe := asError(err)
	writeJSONError(w, oe.Status, oe.Code, oe.Description)
}

// errorRedirectURL appends error parameters to the client's redirect URI
// (RFC 6749 Section 4.1.2.1).
func errorRedirectURL(redirectURI, state, errCode, description string) string {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)

	if state != "" {
		params.Set("state", state)
	}

	return appendQuery(redirectURI, params)
}

func appendQuery(uri string, params url.Values) string {
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}

	return uri + sep + params.Encode()
}
